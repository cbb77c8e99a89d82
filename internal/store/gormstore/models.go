package gormstore

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Organisation mirrors the organisations table.
type Organisation struct {
	ID   int64  `gorm:"primaryKey"`
	Name string `gorm:"type:varchar(128);not null"`
}

func (Organisation) TableName() string { return "organisations" }

// Member mirrors the members table keyed by system number.
type Member struct {
	SystemNumber int64  `gorm:"primaryKey;autoIncrement:false"`
	FirstName    string `gorm:"type:varchar(64);not null"`
	LastName     string `gorm:"type:varchar(64);not null"`
	Email        string `gorm:"type:varchar(191)"`
}

func (Member) TableName() string { return "members" }

// Membership mirrors the memberships table.
type Membership struct {
	ID               int64 `gorm:"primaryKey"`
	OrgID            int64 `gorm:"not null;uniqueIndex:idx_memberships_org_member,priority:1"`
	SystemNumber     int64 `gorm:"not null;uniqueIndex:idx_memberships_org_member,priority:2"`
	MembershipTypeID int64 `gorm:"not null"`
}

func (Membership) TableName() string { return "memberships" }

// CapabilityGrant mirrors the capability_grants table.
type CapabilityGrant struct {
	ID           int64  `gorm:"primaryKey"`
	OrgID        int64  `gorm:"not null;uniqueIndex:idx_grants_org_member_capability,priority:1"`
	SystemNumber int64  `gorm:"not null;uniqueIndex:idx_grants_org_member_capability,priority:2"`
	Capability   string `gorm:"type:varchar(64);not null;uniqueIndex:idx_grants_org_member_capability,priority:3"`
}

func (CapabilityGrant) TableName() string { return "capability_grants" }

// PaymentMethod mirrors the org_payment_methods table.
type PaymentMethod struct {
	ID     int64  `gorm:"primaryKey"`
	OrgID  int64  `gorm:"not null;index"`
	Name   string `gorm:"type:varchar(64);not null"`
	Active bool   `gorm:"not null"`
}

func (PaymentMethod) TableName() string { return "org_payment_methods" }

// FeeScheduleRow mirrors the session_type_payment_fees table. MembershipTypeID zero is the guest fee.
type FeeScheduleRow struct {
	ID               int64           `gorm:"primaryKey"`
	OrgID            int64           `gorm:"not null;uniqueIndex:idx_fees_lookup,priority:1"`
	SessionTypeID    int64           `gorm:"not null;uniqueIndex:idx_fees_lookup,priority:2"`
	PaymentMethodID  int64           `gorm:"not null;uniqueIndex:idx_fees_lookup,priority:3"`
	MembershipTypeID int64           `gorm:"not null;uniqueIndex:idx_fees_lookup,priority:4"`
	Fee              decimal.Decimal `gorm:"type:decimal(12,2);not null"`
}

func (FeeScheduleRow) TableName() string { return "session_type_payment_fees" }

// SessionRecord mirrors the sessions table. SessionDate is a YYYY-MM-DD civil date.
type SessionRecord struct {
	ID                              int64  `gorm:"primaryKey"`
	OrgID                           int64  `gorm:"not null;index"`
	SessionTypeID                   int64  `gorm:"not null"`
	DirectorSystemNumber            int64  `gorm:"not null"`
	Description                     string `gorm:"type:varchar(191);not null"`
	SessionDate                     string `gorm:"type:varchar(10);not null;index"`
	Status                          string `gorm:"type:varchar(32);not null"`
	DefaultSecondaryPaymentMethodID *int64
}

func (SessionRecord) TableName() string { return "sessions" }

// SessionEntryRecord mirrors the session_entries table.
type SessionEntryRecord struct {
	ID              int64               `gorm:"primaryKey"`
	SessionID       int64               `gorm:"not null;uniqueIndex:idx_entries_session_seat,priority:1"`
	TableNumber     int                 `gorm:"not null;uniqueIndex:idx_entries_session_seat,priority:2"`
	Seat            string              `gorm:"type:varchar(8);not null;uniqueIndex:idx_entries_session_seat,priority:3"`
	SystemNumber    int64               `gorm:"not null"`
	PaymentMethodID *int64              `gorm:""`
	Fee             decimal.NullDecimal `gorm:"type:decimal(12,2)"`
	IsPaid          bool                `gorm:"not null"`
	AmountPaid      decimal.Decimal     `gorm:"type:decimal(12,2);not null"`
}

func (SessionEntryRecord) TableName() string { return "session_entries" }

// SessionMiscPaymentRecord mirrors the session_misc_payments table.
type SessionMiscPaymentRecord struct {
	ID              int64           `gorm:"primaryKey"`
	SessionEntryID  int64           `gorm:"not null;index"`
	Description     string          `gorm:"type:varchar(128);not null"`
	PaymentMethodID *int64          `gorm:""`
	Amount          decimal.Decimal `gorm:"type:decimal(12,2);not null"`
	PaymentMade     bool            `gorm:"not null"`
}

func (SessionMiscPaymentRecord) TableName() string { return "session_misc_payments" }

// PendingPaymentRecord mirrors the pending_payments table.
type PendingPaymentRecord struct {
	ID             int64           `gorm:"primaryKey"`
	OrgID          int64           `gorm:"not null;index:idx_pending_owner,priority:1"`
	SystemNumber   int64           `gorm:"not null;index:idx_pending_owner,priority:2"`
	SessionEntryID int64           `gorm:"not null;index:idx_pending_owner,priority:3"`
	Amount         decimal.Decimal `gorm:"type:decimal(12,2);not null"`
	Description    string          `gorm:"type:varchar(191);not null"`
	CreatedUnixUTC int64           `gorm:"not null"`
}

func (PendingPaymentRecord) TableName() string { return "pending_payments" }

// AuditEventRecord mirrors the audit_events table.
type AuditEventRecord struct {
	ID             int64          `gorm:"primaryKey"`
	OrgID          int64          `gorm:"not null;index"`
	SessionID      int64          `gorm:"not null;index"`
	Actor          int64          `gorm:"not null"`
	Action         string         `gorm:"type:varchar(64);not null"`
	Details        datatypes.JSON `gorm:"not null"`
	CreatedUnixUTC int64          `gorm:"not null"`
}

func (AuditEventRecord) TableName() string { return "audit_events" }

// LogicalLock mirrors the logical_locks table. OpenUntilUnixUTC at or before now means unlocked.
type LogicalLock struct {
	Topic            string `gorm:"type:varchar(191);primaryKey"`
	Owner            string `gorm:"type:varchar(191);not null"`
	OpenUntilUnixUTC int64  `gorm:"not null"`
}

func (LogicalLock) TableName() string { return "logical_locks" }

// LedgerAccount is the per-account row locked to serialize ledger writers.
type LedgerAccount struct {
	AccountKey string `gorm:"type:varchar(64);primaryKey"`
	Kind       string `gorm:"type:varchar(16);not null"`
	OwnerID    int64  `gorm:"not null"`
}

func (LedgerAccount) TableName() string { return "ledger_accounts" }

// LedgerTransaction mirrors the ledger_transactions table. ID order is creation order.
type LedgerTransaction struct {
	ID              int64           `gorm:"primaryKey;index:idx_ledger_tx_account,priority:2"`
	Reference       string          `gorm:"type:varchar(36);not null;uniqueIndex"`
	AccountKey      string          `gorm:"type:varchar(64);not null;index:idx_ledger_tx_account,priority:1"`
	AccountKind     string          `gorm:"type:varchar(16);not null"`
	OwnerID         int64           `gorm:"not null"`
	Amount          decimal.Decimal `gorm:"type:decimal(14,2);not null"`
	Balance         decimal.Decimal `gorm:"type:decimal(14,2);not null"`
	Description     string          `gorm:"type:varchar(191);not null"`
	Type            string          `gorm:"type:varchar(32);not null;index"`
	CounterpartyKey string          `gorm:"type:varchar(64);not null"`
	SessionID       *int64          `gorm:"index"`
	CreatedUnixUTC  int64           `gorm:"not null;index"`
}

func (LedgerTransaction) TableName() string { return "ledger_transactions" }

// Migrate creates or updates every table the stores use.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Organisation{},
		&Member{},
		&Membership{},
		&CapabilityGrant{},
		&PaymentMethod{},
		&FeeScheduleRow{},
		&SessionRecord{},
		&SessionEntryRecord{},
		&SessionMiscPaymentRecord{},
		&PendingPaymentRecord{},
		&AuditEventRecord{},
		&LogicalLock{},
		&LedgerAccount{},
		&LedgerTransaction{},
	)
}

func (transaction *LedgerTransaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.Reference == "" {
		transaction.Reference = uuid.NewString()
	}
	return nil
}
