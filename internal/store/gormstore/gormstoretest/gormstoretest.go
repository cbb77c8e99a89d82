// Package gormstoretest opens throwaway in-memory SQLite stores and seeds club fixtures for tests.
package gormstoretest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/bridgepay/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/bridgepay/pkg/access"
	"github.com/MarkoPoloResearchLab/bridgepay/pkg/fees"
	"github.com/MarkoPoloResearchLab/bridgepay/pkg/ledger"
	"github.com/MarkoPoloResearchLab/bridgepay/pkg/session"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// SessionTypeID is the session type every fixture club schedules fees for.
const SessionTypeID int64 = 1

// Open returns a migrated store on a private in-memory database.
func Open(test testing.TB) (*gormstore.Store, *gorm.DB) {
	test.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(test, err)
	sqlDB, err := db.DB()
	require.NoError(test, err)
	sqlDB.SetMaxOpenConns(1)
	test.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(test, gormstore.Migrate(db))
	return gormstore.New(db), db
}

// Clock is a settable unix-seconds clock.
type Clock struct {
	Unix int64
}

func (clock *Clock) Now() int64 {
	return clock.Unix
}

// Club is a seeded organisation with the three kinds of payment method.
type Club struct {
	Store         *gormstore.Store
	OrgID         int64
	Name          string
	BridgeCredits session.PaymentMethod
	IOU           session.PaymentMethod
	Cash          session.PaymentMethod
}

// NewClub seeds a club whose guest fee is guestFee on every method.
func NewClub(test testing.TB, store *gormstore.Store, name string, guestFee string) Club {
	test.Helper()
	ctx := context.Background()
	orgID, err := store.CreateOrganisation(ctx, name)
	require.NoError(test, err)
	club := Club{Store: store, OrgID: orgID, Name: name}
	club.BridgeCredits, err = store.CreatePaymentMethod(ctx, orgID, session.MethodNameBridgeCredits)
	require.NoError(test, err)
	club.IOU, err = store.CreatePaymentMethod(ctx, orgID, session.MethodNameIOU)
	require.NoError(test, err)
	club.Cash, err = store.CreatePaymentMethod(ctx, orgID, "Cash")
	require.NoError(test, err)
	for _, method := range []session.PaymentMethod{club.BridgeCredits, club.IOU, club.Cash} {
		club.SetFee(test, method.ID, 0, guestFee)
	}
	return club
}

// SetFee sets the fee for one method and membership type; zero membership is the guest fee.
func (club Club) SetFee(test testing.TB, methodID int64, membershipTypeID int64, fee string) {
	test.Helper()
	require.NoError(test, club.Store.SetFee(context.Background(), fees.Key{
		OrgID:            club.OrgID,
		SessionTypeID:    SessionTypeID,
		PaymentMethodID:  methodID,
		MembershipTypeID: membershipTypeID,
	}, decimal.RequireFromString(fee)))
}

// Grant gives actor a capability on the club.
func (club Club) Grant(test testing.TB, actor int64, capability access.Capability) {
	test.Helper()
	require.NoError(test, club.Store.GrantCapability(context.Background(), club.OrgID, actor, capability))
}

// NewSession seeds a session directed by directorSystemNumber with Cash as fallback.
func (club Club) NewSession(test testing.TB, description string, date time.Time, directorSystemNumber int64) int64 {
	test.Helper()
	require.NoError(test, club.Store.SaveMember(context.Background(), directorSystemNumber, "Dana", "Director", "director@example.com"))
	sessionID, err := club.Store.CreateSession(context.Background(), gormstore.SessionInput{
		OrgID:                club.OrgID,
		SessionTypeID:        SessionTypeID,
		DirectorSystemNumber: directorSystemNumber,
		Description:          description,
		Date:                 date,
		FallbackMethodID:     club.Cash.ID,
	})
	require.NoError(test, err)
	return sessionID
}

// Seat seeds an entry. An empty fee leaves the memoized fee unset.
func (club Club) Seat(test testing.TB, sessionID int64, tableNumber int, seat string, systemNumber int64, method session.PaymentMethod, fee string) int64 {
	test.Helper()
	input := gormstore.EntryInput{
		SessionID:       sessionID,
		TableNumber:     tableNumber,
		Seat:            seat,
		SystemNumber:    systemNumber,
		PaymentMethodID: method.ID,
	}
	if fee != "" {
		input.Fee = decimal.NewNullDecimal(decimal.RequireFromString(fee))
	}
	entryID, err := club.Store.CreateEntry(context.Background(), input)
	require.NoError(test, err)
	return entryID
}

// Extra seeds a misc payment on an entry.
func (club Club) Extra(test testing.TB, entryID int64, description string, method session.PaymentMethod, amount string) int64 {
	test.Helper()
	miscID, err := club.Store.CreateMiscPayment(context.Background(), gormstore.MiscPaymentInput{
		EntryID:         entryID,
		Description:     description,
		PaymentMethodID: method.ID,
		Amount:          decimal.RequireFromString(amount),
	})
	require.NoError(test, err)
	return miscID
}

// Fund credits an account through the ledger service.
func Fund(test testing.TB, ledgerService *ledger.Service, account ledger.AccountRef, amount string) {
	test.Helper()
	_, err := ledgerService.CreditOrDebit(context.Background(), account, decimal.RequireFromString(amount), "Opening balance", ledger.TypeAdjustment, ledger.Links{})
	require.NoError(test, err)
}

// Balance reads an account's current balance.
func Balance(test testing.TB, ledgerService *ledger.Service, account ledger.AccountRef) decimal.Decimal {
	test.Helper()
	balance, err := ledgerService.CurrentBalance(context.Background(), account)
	require.NoError(test, err)
	return balance
}

// Entry reloads an entry.
func Entry(test testing.TB, store *gormstore.Store, entryID int64) session.Entry {
	test.Helper()
	entry, err := store.GetEntry(context.Background(), entryID)
	require.NoError(test, err)
	return entry
}

// Session reloads a session.
func Session(test testing.TB, store *gormstore.Store, sessionID int64) session.Session {
	test.Helper()
	current, err := store.GetSession(context.Background(), sessionID)
	require.NoError(test, err)
	return current
}
