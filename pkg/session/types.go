// Package session holds the playing-session data model shared by the payment components.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/bridgepay/pkg/ledger"
	"github.com/shopspring/decimal"
)

var (
	ErrSessionNotFound       = errors.New("session not found")
	ErrEntryNotFound         = errors.New("session entry not found")
	ErrPaymentMethodNotFound = errors.New("payment method not found")
	ErrInvalidParticipant    = errors.New("invalid participant")
	ErrInvalidStatus         = errors.New("invalid session status")
	ErrDuplicateSeat         = errors.New("seat already occupied")
)

// Names of the privileged payment methods.
const (
	MethodNameBridgeCredits = "Bridge Credits"
	MethodNameIOU           = "IOU"
)

// DateLayout is the civil date format sessions are stored and queried with.
const DateLayout = "2006-01-02"

// MethodKind classifies a payment method by its settlement rules.
type MethodKind int

const (
	MethodNone MethodKind = iota
	MethodOffSystem
	MethodBridgeCredits
	MethodIOU
)

func (kind MethodKind) String() string {
	switch kind {
	case MethodBridgeCredits:
		return "bridge credits"
	case MethodIOU:
		return "iou"
	case MethodOffSystem:
		return "off-system"
	default:
		return "none"
	}
}

// PaymentMethod is a named payment channel of a club.
type PaymentMethod struct {
	ID     int64
	OrgID  int64
	Name   string
	Active bool
}

// Kind classifies the method by name.
func (method PaymentMethod) Kind() MethodKind {
	switch method.Name {
	case MethodNameBridgeCredits:
		return MethodBridgeCredits
	case MethodNameIOU:
		return MethodIOU
	default:
		return MethodOffSystem
	}
}

func kindOf(method *PaymentMethod) MethodKind {
	if method == nil {
		return MethodNone
	}
	return method.Kind()
}

// Director is the person running a session.
type Director struct {
	SystemNumber int64
	Name         string
	Email        string
}

// Session is one playing occasion of a club.
type Session struct {
	ID            int64
	OrgID         int64
	OrgName       string
	SessionTypeID int64
	Description   string
	Date          time.Time
	Director      Director
	Status        Status
	// FallbackMethodID is the club's default secondary payment method; zero when unset.
	FallbackMethodID int64
}

// Entry is one participant-seat in a session.
type Entry struct {
	ID            int64
	SessionID     int64
	TableNumber   int
	Seat          string
	Participant   Participant
	PaymentMethod *PaymentMethod
	Fee           decimal.NullDecimal
	IsPaid        bool
	AmountPaid    decimal.Decimal
}

// MethodKind classifies the entry's payment method.
func (entry Entry) MethodKind() MethodKind {
	return kindOf(entry.PaymentMethod)
}

// MiscPayment is an extra charge tied to an entry.
type MiscPayment struct {
	ID            int64
	EntryID       int64
	Description   string
	PaymentMethod *PaymentMethod
	Amount        decimal.Decimal
	PaymentMade   bool
}

// MethodKind classifies the misc payment's payment method.
func (miscPayment MiscPayment) MethodKind() MethodKind {
	return kindOf(miscPayment.PaymentMethod)
}

// PendingPayment is an outstanding IOU.
type PendingPayment struct {
	ID             int64
	OrgID          int64
	SystemNumber   int64
	EntryID        int64
	Amount         decimal.Decimal
	Description    string
	CreatedUnixUTC int64
}

// Audit actions.
const (
	ActionRefund              = "refund"
	ActionPendingCreated      = "pending_payment_created"
	ActionPendingRemoved      = "pending_payment_removed"
	ActionPaymentMethodChange = "payment_method_changed"
	ActionPaidStatusChange    = "paid_status_changed"
	ActionSettlement          = "bridge_credits_settled"
	ActionOffSystem           = "off_system_payments_processed"
)

// AuditEvent is an append-only record of a director or batch action.
type AuditEvent struct {
	OrgID          int64
	SessionID      int64
	Actor          int64
	Action         string
	Details        map[string]any
	CreatedUnixUTC int64
}

// Store is the persistence contract for session data.
type Store interface {
	GetSession(ctx context.Context, sessionID int64) (Session, error)
	UpdateSessionStatus(ctx context.Context, sessionID int64, status Status) error
	GetEntry(ctx context.Context, entryID int64) (Entry, error)
	ListEntries(ctx context.Context, sessionID int64) ([]Entry, error)
	UpdateEntry(ctx context.Context, entry Entry) error
	ListMiscPayments(ctx context.Context, sessionID int64) ([]MiscPayment, error)
	UpdateMiscPayment(ctx context.Context, miscPayment MiscPayment) error
	GetPaymentMethod(ctx context.Context, methodID int64) (PaymentMethod, error)
	FindPendingPayment(ctx context.Context, key PendingPayment) (PendingPayment, bool, error)
	ListPendingPayments(ctx context.Context, entryID int64) ([]PendingPayment, error)
	CreatePendingPayment(ctx context.Context, pendingPayment PendingPayment) (PendingPayment, error)
	DeletePendingPayments(ctx context.Context, orgID int64, systemNumber int64, entryID int64) (int64, error)
	InsertAuditEvent(ctx context.Context, event AuditEvent) error
}

// UnitOfWork runs fn in one datastore transaction spanning session and ledger writes.
type UnitOfWork interface {
	InTx(ctx context.Context, fn func(ctx context.Context, sessions Store, accounts ledger.Store) error) error
}

// RefundDescription is the ledger description of a Bridge Credits refund for current.
func RefundDescription(current Session) string {
	return "Bridge Credits returned for " + current.Description
}

// PendingDescription describes the IOU owed for current.
func PendingDescription(current Session) string {
	return fmt.Sprintf("Table fee for %s on %s", current.Description, current.Date.Format(DateLayout))
}
