package reconcile_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/bridgepay/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/bridgepay/internal/store/gormstore/gormstoretest"
	"github.com/MarkoPoloResearchLab/bridgepay/pkg/fees"
	"github.com/MarkoPoloResearchLab/bridgepay/pkg/ledger"
	"github.com/MarkoPoloResearchLab/bridgepay/pkg/reconcile"
	"github.com/MarkoPoloResearchLab/bridgepay/pkg/session"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

const (
	directorNumber int64 = 5001
	memberNumber   int64 = 620246
)

var sessionDate = time.Date(2026, time.March, 2, 0, 0, 0, 0, time.UTC)

type recordingLogger struct {
	entries []reconcile.OperationLog
}

func (logger *recordingLogger) LogOperation(_ context.Context, entry reconcile.OperationLog) {
	logger.entries = append(logger.entries, entry)
}

type harness struct {
	store     *gormstore.Store
	clock     *gormstoretest.Clock
	club      gormstoretest.Club
	ledger    *ledger.Service
	analyzer  *reconcile.Analyzer
	logger    *recordingLogger
	sessionID int64
}

func newHarness(test *testing.T) harness {
	test.Helper()
	store, _ := gormstoretest.Open(test)
	clock := &gormstoretest.Clock{Unix: sessionDate.Unix() + 7200}
	ledgerService, err := ledger.NewService(store, clock.Now)
	require.NoError(test, err)
	resolver, err := fees.NewResolver(store, store)
	require.NoError(test, err)
	logger := &recordingLogger{}
	analyzer, err := reconcile.NewAnalyzer(store, resolver, reconcile.WithOperationLogger(logger))
	require.NoError(test, err)
	club := gormstoretest.NewClub(test, store, "Harbour Bridge Club", "10")
	sessionID := club.NewSession(test, "Monday Pairs", sessionDate, directorNumber)
	require.NoError(test, store.UpdateSessionStatus(context.Background(), sessionID, session.StatusCreditsProcessed))
	return harness{
		store:     store,
		clock:     clock,
		club:      club,
		ledger:    ledgerService,
		analyzer:  analyzer,
		logger:    logger,
		sessionID: sessionID,
	}
}

func (h harness) markPaid(test *testing.T, entryID int64) {
	test.Helper()
	entry := gormstoretest.Entry(test, h.store, entryID)
	entry.IsPaid = true
	if entry.Fee.Valid {
		entry.AmountPaid = entry.Fee.Decimal
	}
	require.NoError(test, h.store.UpdateEntry(context.Background(), entry))
}

func (h harness) transfer(test *testing.T, from ledger.AccountRef, to ledger.AccountRef, amount string, description string, transactionType ledger.TransactionType, sessionID int64) {
	test.Helper()
	positive, err := ledger.NewPositiveAmount(decimal.RequireFromString(amount))
	require.NoError(test, err)
	_, err = h.ledger.Transfer(context.Background(), ledger.TransferRequest{
		From:        from,
		To:          to,
		Amount:      positive,
		Description: description,
		Type:        transactionType,
		SessionID:   sessionID,
	})
	require.NoError(test, err)
}

func (h harness) charge(test *testing.T, amount string) {
	test.Helper()
	h.transfer(test, ledger.MemberAccount(memberNumber), ledger.OrganisationAccount(h.club.OrgID), amount, "Bridge Credits for Monday Pairs", ledger.TypeClubPayment, h.sessionID)
}

func (h harness) refund(test *testing.T, amount string) {
	test.Helper()
	h.transfer(test, ledger.OrganisationAccount(h.club.OrgID), ledger.MemberAccount(memberNumber), amount, "Bridge Credits returned for Monday Pairs", ledger.TypeRefund, 0)
}

func requireAmount(test *testing.T, expected string, actual decimal.Decimal) {
	test.Helper()
	require.True(test, actual.Equal(decimal.RequireFromString(expected)), "expected %s, got %s", expected, actual)
}

func TestHealthCheckFlagsUnderpaidSession(test *testing.T) {
	test.Parallel()
	h := newHarness(test)
	h.markPaid(test, h.club.Seat(test, h.sessionID, 1, "N", memberNumber, h.club.BridgeCredits, "10"))

	report, err := h.analyzer.RunHealthCheck(context.Background(), sessionDate)
	require.NoError(test, err)
	require.Equal(test, 1, report.Checked)
	require.Equal(test, 1, report.Errors)
	require.Len(test, report.Rows, 1)
	requireAmount(test, "10", report.Rows[0].Discrepancy)
	require.Equal(test, reconcile.DirectionUnderpaid, report.Rows[0].Direction())
	require.ErrorIs(test, report.Rows[0].Err(), reconcile.ErrDataIntegrity)

	var buffer bytes.Buffer
	require.NoError(test, reconcile.WriteCSV(&buffer, report))
	lines := strings.Split(strings.TrimSpace(buffer.String()), "\n")
	require.Equal(test, []string{
		"Session,Club,Director,Director Email,Fees Charged,Misc Charges,Payments,Refunds,Discrepancy,Direction",
		fmt.Sprintf("%d,Harbour Bridge Club,Dana Director,director@example.com,10.00,0.00,0.00,0.00,10.00,Underpaid", h.sessionID),
		"1 sessions checked with 0 skipped and 1 errors found",
	}, lines)
}

func TestSettledSessionBalances(test *testing.T) {
	test.Parallel()
	h := newHarness(test)
	gormstoretest.Fund(test, h.ledger, ledger.MemberAccount(memberNumber), "30")
	entryID := h.club.Seat(test, h.sessionID, 1, "N", memberNumber, h.club.BridgeCredits, "10")
	miscID := h.club.Extra(test, entryID, "Coffee", h.club.BridgeCredits, "2.50")
	h.markPaid(test, entryID)
	miscPayments, err := h.store.ListMiscPayments(context.Background(), h.sessionID)
	require.NoError(test, err)
	require.Equal(test, miscID, miscPayments[0].ID)
	miscPayments[0].PaymentMade = true
	require.NoError(test, h.store.UpdateMiscPayment(context.Background(), miscPayments[0]))
	h.charge(test, "12.50")

	analysis, err := h.analyzer.AnalyzeSession(context.Background(), h.sessionID)
	require.NoError(test, err)
	requireAmount(test, "10", analysis.Fees)
	requireAmount(test, "2.5", analysis.Misc)
	requireAmount(test, "-12.5", analysis.PaymentsTotal)
	require.True(test, analysis.Balanced())
	require.NoError(test, analysis.Err())
	require.Empty(test, analysis.Direction())
}

func TestRefundWithinWindowOffsetsPayment(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name                string
		refundAfterDays     int
		expectedDiscrepancy string
		expectedDirection   string
	}{
		{name: "same day", refundAfterDays: 0, expectedDiscrepancy: "0"},
		{name: "last day of window", refundAfterDays: reconcile.DefaultRefundWindowDays, expectedDiscrepancy: "0"},
		{name: "after window", refundAfterDays: reconcile.DefaultRefundWindowDays + 1, expectedDiscrepancy: "-10", expectedDirection: reconcile.DirectionOverpaid},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			h := newHarness(test)
			gormstoretest.Fund(test, h.ledger, ledger.MemberAccount(memberNumber), "10")
			h.club.Seat(test, h.sessionID, 1, "N", memberNumber, h.club.Cash, "10")
			h.charge(test, "10")
			h.clock.Unix += int64(testCase.refundAfterDays) * 24 * 3600
			h.refund(test, "10")

			analysis, err := h.analyzer.AnalyzeSession(context.Background(), h.sessionID)
			require.NoError(test, err)
			requireAmount(test, "0", analysis.Fees)
			requireAmount(test, testCase.expectedDiscrepancy, analysis.Discrepancy)
			require.Equal(test, testCase.expectedDirection, analysis.Direction())
		})
	}
}

func TestMissingFeeScheduleCountsAsZero(test *testing.T) {
	test.Parallel()
	h := newHarness(test)
	require.NoError(test, h.store.AddMembership(context.Background(), h.club.OrgID, memberNumber, 7))
	entryID := h.club.Seat(test, h.sessionID, 1, "N", memberNumber, h.club.BridgeCredits, "")
	h.markPaid(test, entryID)

	analysis, err := h.analyzer.AnalyzeSession(context.Background(), h.sessionID)
	require.NoError(test, err)
	require.Len(test, analysis.EntryFees, 1)
	require.True(test, analysis.EntryFees[0].Missing)
	require.True(test, analysis.Balanced())
	require.Equal(test, "missing", h.logger.entries[0].Status)
	require.ErrorIs(test, h.logger.entries[0].Error, fees.ErrMissingFeeSchedule)
}

func TestHealthCheckSelectsProcessedSessionsSinceCutoff(test *testing.T) {
	test.Parallel()
	h := newHarness(test)
	h.markPaid(test, h.club.Seat(test, h.sessionID, 1, "N", memberNumber, h.club.BridgeCredits, "10"))

	loading := h.club.NewSession(test, "Tuesday Teams", sessionDate, directorNumber)
	h.markPaid(test, h.club.Seat(test, loading, 1, "N", memberNumber, h.club.BridgeCredits, "10"))
	older := h.club.NewSession(test, "Last Week", sessionDate.AddDate(0, 0, -7), directorNumber)
	require.NoError(test, h.store.UpdateSessionStatus(context.Background(), older, session.StatusComplete))
	h.markPaid(test, h.club.Seat(test, older, 1, "N", memberNumber, h.club.BridgeCredits, "10"))

	report, err := h.analyzer.RunHealthCheck(context.Background(), sessionDate.Add(15*time.Hour))
	require.NoError(test, err)
	require.Equal(test, 1, report.Checked)
	require.Equal(test, h.sessionID, report.Rows[0].Session.ID)
	require.True(test, report.From.Equal(sessionDate))

	report, err = h.analyzer.RunHealthCheck(context.Background(), sessionDate.AddDate(0, 0, -30))
	require.NoError(test, err)
	require.Equal(test, 2, report.Checked)
	require.Equal(test, 2, report.Errors)
}

type unreadableSource struct {
	*gormstore.Store
	sessionID int64
}

func (source unreadableSource) ListEntries(ctx context.Context, sessionID int64) ([]session.Entry, error) {
	if sessionID == source.sessionID {
		return nil, errors.New("corrupt entry")
	}
	return source.Store.ListEntries(ctx, sessionID)
}

func TestHealthCheckSkipsUnreadableSessions(test *testing.T) {
	test.Parallel()
	h := newHarness(test)
	healthy := h.club.NewSession(test, "Tuesday Teams", sessionDate, directorNumber)
	require.NoError(test, h.store.UpdateSessionStatus(context.Background(), healthy, session.StatusComplete))
	resolver, err := fees.NewResolver(h.store, h.store)
	require.NoError(test, err)
	analyzer, err := reconcile.NewAnalyzer(unreadableSource{Store: h.store, sessionID: h.sessionID}, resolver)
	require.NoError(test, err)

	report, err := analyzer.RunHealthCheck(context.Background(), sessionDate)
	require.NoError(test, err)
	require.Equal(test, 2, report.Checked)
	require.Equal(test, 1, report.Skipped)
	require.Zero(test, report.Errors)
	require.Equal(test, "2 sessions checked with 1 skipped and 0 errors found", report.Summary())
}

func TestDiagnoseBreakdown(test *testing.T) {
	test.Parallel()
	h := newHarness(test)
	gormstoretest.Fund(test, h.ledger, ledger.MemberAccount(memberNumber), "10")
	entryID := h.club.Seat(test, h.sessionID, 1, "N", memberNumber, h.club.BridgeCredits, "10")
	h.markPaid(test, entryID)
	h.charge(test, "10")

	var buffer bytes.Buffer
	require.NoError(test, h.analyzer.Diagnose(context.Background(), &buffer, h.sessionID))
	output := buffer.String()
	require.Contains(test, output, fmt.Sprintf("Session %d: Monday Pairs (2026-03-02)", h.sessionID))
	require.Contains(test, output, "Director: Dana Director <director@example.com>")
	require.Contains(test, output, "Paid Bridge Credits entries (1)")
	require.Contains(test, output, "Ledger payments linked to session (1)")
	require.Contains(test, output, "Discrepancy:  0.00 (balanced)")
	require.Contains(test, output, "Club ledger: 1 transactions, balance chain intact")

	require.ErrorIs(test, h.analyzer.Diagnose(context.Background(), &buffer, 9999), session.ErrSessionNotFound)
}

func TestParseDate(test *testing.T) {
	test.Parallel()
	parsed, err := reconcile.ParseDate(" 2026-03-02 ")
	require.NoError(test, err)
	require.True(test, parsed.Equal(sessionDate))
	for _, raw := range []string{"", "02/03/2026", "2026-13-01"} {
		_, err := reconcile.ParseDate(raw)
		require.ErrorIs(test, err, reconcile.ErrInvalidDate, raw)
	}
}

func TestNewAnalyzerValidatesDependencies(test *testing.T) {
	test.Parallel()
	_, err := reconcile.NewAnalyzer(nil, nil)
	require.ErrorIs(test, err, reconcile.ErrInvalidAnalyzerConfig)
}
