package settlement_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/bridgepay/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/bridgepay/internal/store/gormstore/gormstoretest"
	"github.com/MarkoPoloResearchLab/bridgepay/pkg/access"
	"github.com/MarkoPoloResearchLab/bridgepay/pkg/fees"
	"github.com/MarkoPoloResearchLab/bridgepay/pkg/ledger"
	"github.com/MarkoPoloResearchLab/bridgepay/pkg/lock"
	"github.com/MarkoPoloResearchLab/bridgepay/pkg/notice"
	"github.com/MarkoPoloResearchLab/bridgepay/pkg/session"
	"github.com/MarkoPoloResearchLab/bridgepay/pkg/settlement"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

const directorNumber int64 = 5001

var sessionDate = time.Date(2026, time.March, 2, 0, 0, 0, 0, time.UTC)

type recordingNotifier struct {
	mu            sync.Mutex
	notifications []notice.Notification
}

func (notifier *recordingNotifier) Notify(_ context.Context, notification notice.Notification) error {
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	notifier.notifications = append(notifier.notifications, notification)
	return nil
}

type failingCharger struct {
	err error
}

func (charger failingCharger) Charge(context.Context, settlement.ChargeRequest) (bool, error) {
	return false, charger.err
}

type harness struct {
	store     *gormstore.Store
	clock     *gormstoretest.Clock
	club      gormstoretest.Club
	ledger    *ledger.Service
	locks     *lock.Service
	processor *settlement.Processor
	notifier  *recordingNotifier
	sessionID int64
}

func newHarness(test *testing.T, charger settlement.Charger) harness {
	test.Helper()
	store, _ := gormstoretest.Open(test)
	clock := &gormstoretest.Clock{Unix: sessionDate.Unix() + 7200}
	ledgerService, err := ledger.NewService(store, clock.Now)
	require.NoError(test, err)
	resolver, err := fees.NewResolver(store, store)
	require.NoError(test, err)
	locks, err := lock.NewService(store, clock.Now, lock.WithOwner("settler"))
	require.NoError(test, err)
	if charger == nil {
		charger = settlement.NewLedgerCharger(ledgerService)
	}
	notifier := &recordingNotifier{}
	processor, err := settlement.NewProcessor(store, locks, charger, resolver, access.Unrestricted{}, clock.Now,
		settlement.WithNotifier(notifier),
	)
	require.NoError(test, err)
	club := gormstoretest.NewClub(test, store, "Harbour Bridge Club", "10")
	return harness{
		store:     store,
		clock:     clock,
		club:      club,
		ledger:    ledgerService,
		locks:     locks,
		processor: processor,
		notifier:  notifier,
		sessionID: club.NewSession(test, "Monday Pairs", sessionDate, directorNumber),
	}
}

func (h harness) balance(test *testing.T, account ledger.AccountRef) decimal.Decimal {
	test.Helper()
	return gormstoretest.Balance(test, h.ledger, account)
}

func requireAmount(test *testing.T, expected string, actual decimal.Decimal) {
	test.Helper()
	require.True(test, actual.Equal(decimal.RequireFromString(expected)), "expected %s, got %s", expected, actual)
}

var seats = []string{"N", "S", "E", "W"}

func TestFullSettlementCompletesSession(test *testing.T) {
	test.Parallel()
	h := newHarness(test, nil)
	entryIDs := make([]int64, 0, len(seats))
	for index, seat := range seats {
		member := int64(700 + index)
		gormstoretest.Fund(test, h.ledger, ledger.MemberAccount(member), "20")
		entryIDs = append(entryIDs, h.club.Seat(test, h.sessionID, 1, seat, member, h.club.BridgeCredits, ""))
	}

	result, err := h.processor.SettleBridgeCredits(context.Background(), directorNumber, h.sessionID)
	require.NoError(test, err)
	require.Equal(test, 4, result.SuccessCount)
	require.Empty(test, result.Failures)
	require.Equal(test, session.StatusComplete, result.Status)
	require.Equal(test, session.StatusComplete, gormstoretest.Session(test, h.store, h.sessionID).Status)

	requireAmount(test, "40", h.balance(test, ledger.OrganisationAccount(h.club.OrgID)))
	for index, entryID := range entryIDs {
		requireAmount(test, "10", h.balance(test, ledger.MemberAccount(int64(700+index))))
		entry := gormstoretest.Entry(test, h.store, entryID)
		require.True(test, entry.IsPaid)
		requireAmount(test, "10", entry.AmountPaid)
		requireAmount(test, "10", entry.Fee.Decimal)
	}

	payments, err := h.store.SessionPayments(context.Background(), h.sessionID)
	require.NoError(test, err)
	require.Len(test, payments, 4)
	for _, payment := range payments {
		require.Equal(test, "Bridge Credits for Monday Pairs", payment.Description)
		require.Equal(test, ledger.TypeClubPayment, payment.Type)
	}

	_, held, err := h.locks.Inspect(context.Background(), settlement.Topic(h.sessionID))
	require.NoError(test, err)
	require.False(test, held)
}

func TestPartialFailureFallsBackToOffSystemMethod(test *testing.T) {
	test.Parallel()
	h := newHarness(test, nil)
	gormstoretest.Fund(test, h.ledger, ledger.MemberAccount(700), "20")
	gormstoretest.Fund(test, h.ledger, ledger.MemberAccount(701), "5")
	paidEntry := h.club.Seat(test, h.sessionID, 1, "N", 700, h.club.BridgeCredits, "")
	shortEntry := h.club.Seat(test, h.sessionID, 1, "S", 701, h.club.BridgeCredits, "")
	visitorEntry := h.club.Seat(test, h.sessionID, 1, "E", session.SystemNumberVisitor, h.club.BridgeCredits, "")
	h.club.Seat(test, h.sessionID, 1, "W", session.SystemNumberSitOut, h.club.BridgeCredits, "")

	result, err := h.processor.SettleBridgeCredits(context.Background(), directorNumber, h.sessionID)
	require.NoError(test, err)
	require.Equal(test, 1, result.SuccessCount)
	require.Len(test, result.Failures, 2)
	require.Equal(test, session.StatusCreditsProcessed, result.Status)

	require.Equal(test, visitorEntry, result.Failures[0].EntryID)
	short := result.Failures[1]
	require.Equal(test, shortEntry, short.EntryID)
	require.Equal(test, int64(701), short.Participant.SystemNumber())
	requireAmount(test, "10", short.Amount)
	require.ErrorIs(test, short.Reason, settlement.ErrPaymentFailed)

	require.True(test, gormstoretest.Entry(test, h.store, paidEntry).IsPaid)
	for _, entryID := range []int64{shortEntry, visitorEntry} {
		entry := gormstoretest.Entry(test, h.store, entryID)
		require.False(test, entry.IsPaid)
		require.Equal(test, h.club.Cash.ID, entry.PaymentMethod.ID)
	}
	requireAmount(test, "5", h.balance(test, ledger.MemberAccount(701)))
	requireAmount(test, "10", h.balance(test, ledger.OrganisationAccount(h.club.OrgID)))

	require.Len(test, h.notifier.notifications, 1)
	require.Equal(test, "Payment to Harbour Bridge Club", h.notifier.notifications[0].Subject)
	require.Equal(test, int64(701), h.notifier.notifications[0].SystemNumber)
}

func TestSecondRunIsNoOp(test *testing.T) {
	test.Parallel()
	h := newHarness(test, nil)
	gormstoretest.Fund(test, h.ledger, ledger.MemberAccount(700), "20")
	h.club.Seat(test, h.sessionID, 1, "N", 700, h.club.BridgeCredits, "")

	_, err := h.processor.SettleBridgeCredits(context.Background(), directorNumber, h.sessionID)
	require.NoError(test, err)
	events, err := h.store.ListAuditEvents(context.Background(), h.sessionID)
	require.NoError(test, err)
	require.Len(test, events, 1)
	require.Equal(test, session.ActionSettlement, events[0].Action)

	h.clock.Unix += 60
	result, err := h.processor.SettleBridgeCredits(context.Background(), directorNumber, h.sessionID)
	require.NoError(test, err)
	require.Zero(test, result.SuccessCount)
	require.Empty(test, result.Failures)
	require.Equal(test, session.StatusComplete, result.Status)

	memberHistory, err := h.store.ListTransactions(context.Background(), ledger.MemberAccount(700), 0)
	require.NoError(test, err)
	require.Len(test, memberHistory, 2)
	events, err = h.store.ListAuditEvents(context.Background(), h.sessionID)
	require.NoError(test, err)
	require.Len(test, events, 1)
}

func TestConcurrentRunIsRejected(test *testing.T) {
	test.Parallel()
	h := newHarness(test, nil)
	gormstoretest.Fund(test, h.ledger, ledger.MemberAccount(700), "20")
	entryID := h.club.Seat(test, h.sessionID, 1, "N", 700, h.club.BridgeCredits, "")
	other, err := lock.NewService(h.store, h.clock.Now, lock.WithOwner("other-node"))
	require.NoError(test, err)
	acquired, err := other.Acquire(context.Background(), settlement.Topic(h.sessionID), time.Hour)
	require.NoError(test, err)
	require.True(test, acquired)

	_, err = h.processor.SettleBridgeCredits(context.Background(), directorNumber, h.sessionID)
	require.ErrorIs(test, err, lock.ErrLockContention)
	require.False(test, gormstoretest.Entry(test, h.store, entryID).IsPaid)
	requireAmount(test, "20", h.balance(test, ledger.MemberAccount(700)))
	lease, held, err := other.Inspect(context.Background(), settlement.Topic(h.sessionID))
	require.NoError(test, err)
	require.True(test, held)
	require.Equal(test, "other-node", lease.Owner)

	h.clock.Unix += 3600
	result, err := h.processor.SettleBridgeCredits(context.Background(), directorNumber, h.sessionID)
	require.NoError(test, err)
	require.Equal(test, 1, result.SuccessCount)
}

func TestExtrasAndPartialPaymentsAreCharged(test *testing.T) {
	test.Parallel()
	h := newHarness(test, nil)
	gormstoretest.Fund(test, h.ledger, ledger.MemberAccount(700), "20")
	gormstoretest.Fund(test, h.ledger, ledger.MemberAccount(701), "20")

	settled := h.club.Seat(test, h.sessionID, 1, "N", 700, h.club.BridgeCredits, "10")
	entry := gormstoretest.Entry(test, h.store, settled)
	entry.IsPaid = true
	entry.AmountPaid = decimal.NewFromInt(10)
	require.NoError(test, h.store.UpdateEntry(context.Background(), entry))
	coffee := h.club.Extra(test, settled, "Coffee", h.club.BridgeCredits, "2.50")

	partial := h.club.Seat(test, h.sessionID, 1, "S", 701, h.club.BridgeCredits, "10")
	entry = gormstoretest.Entry(test, h.store, partial)
	entry.AmountPaid = decimal.NewFromInt(4)
	require.NoError(test, h.store.UpdateEntry(context.Background(), entry))

	result, err := h.processor.SettleBridgeCredits(context.Background(), directorNumber, h.sessionID)
	require.NoError(test, err)
	require.Equal(test, 2, result.SuccessCount)
	require.Equal(test, session.StatusComplete, result.Status)

	requireAmount(test, "17.5", h.balance(test, ledger.MemberAccount(700)))
	requireAmount(test, "14", h.balance(test, ledger.MemberAccount(701)))
	miscPayments, err := h.store.ListMiscPayments(context.Background(), h.sessionID)
	require.NoError(test, err)
	require.Len(test, miscPayments, 1)
	require.Equal(test, coffee, miscPayments[0].ID)
	require.True(test, miscPayments[0].PaymentMade)
	requireAmount(test, "10", gormstoretest.Entry(test, h.store, partial).AmountPaid)
}

func TestExtrasOfNonBillableEntriesFallBack(test *testing.T) {
	test.Parallel()
	h := newHarness(test, nil)
	gormstoretest.Fund(test, h.ledger, ledger.MemberAccount(700), "20")
	h.club.Seat(test, h.sessionID, 1, "N", 700, h.club.BridgeCredits, "")
	directorEntry := h.club.Seat(test, h.sessionID, 1, "S", session.SystemNumberPlayingDirector, h.club.Cash, "")
	parking := h.club.Extra(test, directorEntry, "Parking", h.club.BridgeCredits, "3.00")

	result, err := h.processor.SettleBridgeCredits(context.Background(), directorNumber, h.sessionID)
	require.NoError(test, err)
	require.Equal(test, 1, result.SuccessCount)
	require.Len(test, result.Failures, 1)
	require.Equal(test, directorEntry, result.Failures[0].EntryID)
	requireAmount(test, "3", result.Failures[0].Amount)
	require.ErrorIs(test, result.Failures[0].Reason, settlement.ErrPaymentFailed)
	require.Equal(test, session.StatusCreditsProcessed, result.Status)

	miscPayments, err := h.store.ListMiscPayments(context.Background(), h.sessionID)
	require.NoError(test, err)
	require.Len(test, miscPayments, 1)
	require.Equal(test, parking, miscPayments[0].ID)
	require.False(test, miscPayments[0].PaymentMade)
	require.Equal(test, h.club.Cash.ID, miscPayments[0].PaymentMethod.ID)
	require.Equal(test, h.club.Cash.ID, gormstoretest.Entry(test, h.store, directorEntry).PaymentMethod.ID)
	require.Empty(test, h.notifier.notifications)

	h.clock.Unix += 60
	result, err = h.processor.SettleBridgeCredits(context.Background(), directorNumber, h.sessionID)
	require.NoError(test, err)
	require.Zero(test, result.SuccessCount)
	require.Empty(test, result.Failures)
	require.Equal(test, session.StatusCreditsProcessed, result.Status)
}

func TestSettlementRequiresFallbackMethod(test *testing.T) {
	test.Parallel()
	h := newHarness(test, nil)
	sessionID, err := h.store.CreateSession(context.Background(), gormstore.SessionInput{
		OrgID:                h.club.OrgID,
		SessionTypeID:        gormstoretest.SessionTypeID,
		DirectorSystemNumber: directorNumber,
		Description:          "Friday Teams",
		Date:                 sessionDate,
	})
	require.NoError(test, err)
	gormstoretest.Fund(test, h.ledger, ledger.MemberAccount(700), "20")
	entryID := h.club.Seat(test, sessionID, 1, "N", 700, h.club.BridgeCredits, "")

	_, err = h.processor.SettleBridgeCredits(context.Background(), directorNumber, sessionID)
	require.ErrorIs(test, err, settlement.ErrNoFallbackMethod)
	require.False(test, gormstoretest.Entry(test, h.store, entryID).IsPaid)
	requireAmount(test, "20", h.balance(test, ledger.MemberAccount(700)))
	_, found, err := h.store.GetLease(context.Background(), settlement.Topic(sessionID))
	require.NoError(test, err)
	require.False(test, found)
}

func TestChargerErrorIsReportedAsFailure(test *testing.T) {
	test.Parallel()
	h := newHarness(test, failingCharger{err: errors.New("ledger unavailable")})
	entryID := h.club.Seat(test, h.sessionID, 1, "N", 700, h.club.BridgeCredits, "")
	h.club.Extra(test, entryID, "Parking", h.club.BridgeCredits, "3")

	result, err := h.processor.SettleBridgeCredits(context.Background(), directorNumber, h.sessionID)
	require.NoError(test, err)
	require.Len(test, result.Failures, 1)
	requireAmount(test, "13", result.Failures[0].Amount)
	require.ErrorIs(test, result.Failures[0].Reason, settlement.ErrPaymentFailed)
	require.Equal(test, session.StatusCreditsProcessed, result.Status)

	miscPayments, err := h.store.ListMiscPayments(context.Background(), h.sessionID)
	require.NoError(test, err)
	require.Equal(test, h.club.Cash.ID, miscPayments[0].PaymentMethod.ID)
	require.False(test, miscPayments[0].PaymentMade)
}

func TestSettlementRequiresCapability(test *testing.T) {
	test.Parallel()
	store, _ := gormstoretest.Open(test)
	clock := &gormstoretest.Clock{Unix: 1}
	ledgerService, err := ledger.NewService(store, clock.Now)
	require.NoError(test, err)
	resolver, err := fees.NewResolver(store, store)
	require.NoError(test, err)
	locks, err := lock.NewService(store, clock.Now)
	require.NoError(test, err)
	processor, err := settlement.NewProcessor(store, locks, settlement.NewLedgerCharger(ledgerService), resolver, store, clock.Now)
	require.NoError(test, err)
	club := gormstoretest.NewClub(test, store, "Harbour Bridge Club", "10")
	sessionID := club.NewSession(test, "Monday Pairs", sessionDate, directorNumber)

	_, err = processor.SettleBridgeCredits(context.Background(), directorNumber, sessionID)
	require.ErrorIs(test, err, access.ErrNotAuthorized)
	_, found, err := store.GetLease(context.Background(), settlement.Topic(sessionID))
	require.NoError(test, err)
	require.False(test, found)

	_, err = processor.SettleBridgeCredits(context.Background(), directorNumber, 9999)
	require.ErrorIs(test, err, session.ErrSessionNotFound)
}

func TestNewProcessorValidatesDependencies(test *testing.T) {
	test.Parallel()
	_, err := settlement.NewProcessor(nil, nil, nil, nil, nil, nil)
	require.ErrorIs(test, err, settlement.ErrInvalidProcessorConfig)
}
