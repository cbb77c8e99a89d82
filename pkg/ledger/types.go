package ledger

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// AccountKind distinguishes member ledgers from organisation ledgers.
type AccountKind string

const (
	AccountKindMember       AccountKind = "member"
	AccountKindOrganisation AccountKind = "organisation"
)

// ParseAccountKind validates a stored account kind.
func ParseAccountKind(raw string) (AccountKind, error) {
	switch AccountKind(strings.TrimSpace(raw)) {
	case AccountKindMember:
		return AccountKindMember, nil
	case AccountKindOrganisation:
		return AccountKindOrganisation, nil
	default:
		return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidAccount, raw)
	}
}

// String returns the persisted representation.
func (kind AccountKind) String() string {
	return string(kind)
}

// AccountRef identifies one ledger account: a member's system number or an organisation id.
type AccountRef struct {
	kind    AccountKind
	ownerID int64
}

// MemberAccount references the ledger of a member.
func MemberAccount(systemNumber int64) AccountRef {
	return AccountRef{kind: AccountKindMember, ownerID: systemNumber}
}

// OrganisationAccount references the ledger of a club.
func OrganisationAccount(organisationID int64) AccountRef {
	return AccountRef{kind: AccountKindOrganisation, ownerID: organisationID}
}

// NewAccountRef validates and builds an account reference.
func NewAccountRef(kind AccountKind, ownerID int64) (AccountRef, error) {
	account := AccountRef{kind: kind, ownerID: ownerID}
	if err := account.Validate(); err != nil {
		return AccountRef{}, err
	}
	return account, nil
}

// ParseAccountRef parses the kind:owner form produced by String.
func ParseAccountRef(raw string) (AccountRef, error) {
	kindPart, ownerPart, found := strings.Cut(strings.TrimSpace(raw), accountKeyDelimiter)
	if !found {
		return AccountRef{}, fmt.Errorf("%w: %q", ErrInvalidAccount, raw)
	}
	kind, err := ParseAccountKind(kindPart)
	if err != nil {
		return AccountRef{}, err
	}
	ownerID, err := strconv.ParseInt(ownerPart, 10, 64)
	if err != nil {
		return AccountRef{}, fmt.Errorf("%w: owner %q", ErrInvalidAccount, ownerPart)
	}
	return NewAccountRef(kind, ownerID)
}

// Validate reports whether the reference names a real account.
func (account AccountRef) Validate() error {
	if account.kind != AccountKindMember && account.kind != AccountKindOrganisation {
		return fmt.Errorf("%w: missing kind", ErrInvalidAccount)
	}
	if account.ownerID <= 0 {
		return fmt.Errorf("%w: owner id must be positive", ErrInvalidAccount)
	}
	return nil
}

// Kind returns the account kind.
func (account AccountRef) Kind() AccountKind {
	return account.kind
}

// OwnerID returns the system number or organisation id.
func (account AccountRef) OwnerID() int64 {
	return account.ownerID
}

// IsZero reports whether the reference is unset.
func (account AccountRef) IsZero() bool {
	return account.kind == "" && account.ownerID == 0
}

// String renders the account as kind:owner.
func (account AccountRef) String() string {
	if account.IsZero() {
		return ""
	}
	return fmt.Sprintf("%s%s%d", account.kind, accountKeyDelimiter, account.ownerID)
}

// TransactionType enumerates ledger transaction kinds.
type TransactionType string

const (
	TypeClubPayment TransactionType = "Club Payment"
	TypeRefund      TransactionType = "Refund"
	TypeTransfer    TransactionType = "Transfer"
	TypeAdjustment  TransactionType = "Adjustment"
)

// ParseTransactionType validates a transaction type.
func ParseTransactionType(raw string) (TransactionType, error) {
	switch TransactionType(raw) {
	case TypeClubPayment, TypeRefund, TypeTransfer, TypeAdjustment:
		return TransactionType(raw), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTransactionType, raw)
	}
}

// String returns the persisted representation.
func (transactionType TransactionType) String() string {
	return string(transactionType)
}

// Links are the optional references carried by a transaction.
type Links struct {
	Counterparty AccountRef
	SessionID    int64
}

// PositiveAmount is a strictly positive decimal amount.
type PositiveAmount struct {
	value decimal.Decimal
}

// NewPositiveAmount validates that value is greater than zero.
func NewPositiveAmount(value decimal.Decimal) (PositiveAmount, error) {
	if !value.IsPositive() {
		return PositiveAmount{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return PositiveAmount{value: value}, nil
}

// Decimal returns the underlying value.
func (amount PositiveAmount) Decimal() decimal.Decimal {
	return amount.value
}

// Negated returns the signed debit value.
func (amount PositiveAmount) Negated() decimal.Decimal {
	return amount.value.Neg()
}

// TransactionInput is a fully computed row handed to the Store for insertion.
type TransactionInput struct {
	Reference      string
	Account        AccountRef
	Amount         decimal.Decimal
	Balance        decimal.Decimal
	Description    string
	Type           TransactionType
	Links          Links
	CreatedUnixUTC int64
}

// Transaction is a single immutable line in an account's ledger.
// Balance is the account balance after Amount was applied.
type Transaction struct {
	ID             int64
	Reference      string
	Account        AccountRef
	Amount         decimal.Decimal
	Balance        decimal.Decimal
	Description    string
	Type           TransactionType
	Links          Links
	CreatedUnixUTC int64
}

// Store is the persistence contract used by Service.
//
// LockAccount must serialize writers of the account until the surrounding
// transaction ends; LatestBalance must read the balance of the most recent
// transaction for the account, or zero.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	LockAccount(ctx context.Context, account AccountRef) error
	LatestBalance(ctx context.Context, account AccountRef) (decimal.Decimal, error)
	InsertTransaction(ctx context.Context, input TransactionInput) (Transaction, error)
	ListTransactions(ctx context.Context, account AccountRef, limit int) ([]Transaction, error)
}
