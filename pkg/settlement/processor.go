// Package settlement collects unpaid Bridge Credits for a whole session under a session lease.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/bridgepay/pkg/access"
	"github.com/MarkoPoloResearchLab/bridgepay/pkg/ledger"
	"github.com/MarkoPoloResearchLab/bridgepay/pkg/lock"
	"github.com/MarkoPoloResearchLab/bridgepay/pkg/notice"
	"github.com/MarkoPoloResearchLab/bridgepay/pkg/session"
	"github.com/shopspring/decimal"
)

// DefaultLease is how long a settlement run holds its session. A crashed run is not
// retried before the lease expires.
const DefaultLease = 6 * time.Hour

const (
	operationSettle      = "settle_bridge_credits"
	operationCharge      = "charge"
	operationNotify      = "notify"
	operationStatusOK    = "ok"
	operationStatusError = "error"
)

var (
	ErrPaymentFailed          = errors.New("payment failed")
	ErrNoFallbackMethod       = errors.New("session has no fallback payment method")
	ErrInvalidProcessorConfig = errors.New("invalid settlement processor config")
)

// FeeResolver resolves unset entry fees.
type FeeResolver interface {
	ResolveFee(ctx context.Context, orgID int64, sessionTypeID int64, methodID int64, participant session.Participant) (decimal.Decimal, error)
}

// Locker is the lease primitive guarding a session.
type Locker interface {
	Acquire(ctx context.Context, topic string, lease time.Duration) (bool, error)
	Release(ctx context.Context, topic string) error
}

// Failure names a participant whose Bridge Credits could not be collected.
type Failure struct {
	EntryID     int64
	Participant session.Participant
	Amount      decimal.Decimal
	Reason      error
}

// Result is the outcome of one settlement run.
type Result struct {
	SuccessCount int
	Failures     []Failure
	Status       session.Status
}

// OperationLogger records settlement activity.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes one settlement step.
type OperationLog struct {
	Operation    string
	SessionID    int64
	EntryID      int64
	SystemNumber int64
	Amount       decimal.Decimal
	Detail       string
	Status       string
	Error        error
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithLease overrides DefaultLease.
func WithLease(lease time.Duration) ProcessorOption {
	return func(processor *Processor) {
		if lease > 0 {
			processor.lease = lease
		}
	}
}

// WithNotifier wires the notifier told about failed charges.
func WithNotifier(notifier notice.Notifier) ProcessorOption {
	return func(processor *Processor) {
		if notifier != nil {
			processor.notifier = notifier
		}
	}
}

// WithOperationLogger wires a settlement logger.
func WithOperationLogger(logger OperationLogger) ProcessorOption {
	return func(processor *Processor) {
		processor.logger = logger
	}
}

// Processor runs bulk settlement.
type Processor struct {
	work       session.UnitOfWork
	locks      Locker
	charger    Charger
	fees       FeeResolver
	authorizer access.Authorizer
	notifier   notice.Notifier
	nowFn      func() int64
	lease      time.Duration
	logger     OperationLogger
}

// NewProcessor wires a Processor.
func NewProcessor(work session.UnitOfWork, locks Locker, charger Charger, feeResolver FeeResolver, authorizer access.Authorizer, now func() int64, options ...ProcessorOption) (*Processor, error) {
	if work == nil || locks == nil || charger == nil || feeResolver == nil || authorizer == nil || now == nil {
		return nil, fmt.Errorf("%w: unit of work, locker, charger, fee resolver, authorizer and clock are required", ErrInvalidProcessorConfig)
	}
	processor := &Processor{
		work:       work,
		locks:      locks,
		charger:    charger,
		fees:       feeResolver,
		authorizer: authorizer,
		notifier:   notice.Discard{},
		nowFn:      now,
		lease:      DefaultLease,
	}
	for _, option := range options {
		if option != nil {
			option(processor)
		}
	}
	return processor, nil
}

// Topic is the lock topic guarding a session.
func Topic(sessionID int64) string {
	return fmt.Sprintf("session:%d", sessionID)
}

// SettleBridgeCredits charges every unpaid Bridge Credits entry of the session.
//
// A declined or failed charge moves the entry onto the session's fallback method and is
// reported in Result.Failures; the remaining entries are still processed. Lock contention
// returns an error wrapping lock.ErrLockContention without touching any data, and so does a
// session without a fallback method (ErrNoFallbackMethod).
func (processor *Processor) SettleBridgeCredits(ctx context.Context, actor int64, sessionID int64) (Result, error) {
	result, err := processor.settle(ctx, actor, sessionID)
	processor.logOperation(ctx, OperationLog{
		Operation: operationSettle,
		SessionID: sessionID,
		Detail:    fmt.Sprintf("success=%d failures=%d", result.SuccessCount, len(result.Failures)),
		Error:     err,
	})
	return result, err
}

func (processor *Processor) settle(ctx context.Context, actor int64, sessionID int64) (Result, error) {
	var result Result
	var current session.Session
	err := processor.work.InTx(ctx, func(ctx context.Context, sessions session.Store, _ ledger.Store) error {
		loaded, err := sessions.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		current = loaded
		if err := access.Require(ctx, processor.authorizer, actor, access.CapabilitySettle, current.OrgID); err != nil {
			return err
		}
		if current.FallbackMethodID == 0 {
			return fmt.Errorf("%w: session %d", ErrNoFallbackMethod, sessionID)
		}
		return nil
	})
	if err != nil {
		return result, err
	}

	topic := Topic(sessionID)
	acquired, err := processor.locks.Acquire(ctx, topic, processor.lease)
	if err != nil {
		return result, err
	}
	if !acquired {
		return result, fmt.Errorf("%w: session %d is being settled, try again shortly", lock.ErrLockContention, sessionID)
	}
	defer func() {
		if releaseErr := processor.locks.Release(context.WithoutCancel(ctx), topic); releaseErr != nil {
			processor.logOperation(ctx, OperationLog{Operation: operationSettle, SessionID: sessionID, Detail: "release lock", Error: releaseErr})
		}
	}()

	batch, err := processor.collect(ctx, sessionID)
	if err != nil {
		return result, err
	}
	for _, item := range batch {
		failure, err := processor.settleEntry(ctx, current, item)
		if err != nil {
			return result, err
		}
		if failure != nil {
			result.Failures = append(result.Failures, *failure)
			continue
		}
		result.SuccessCount++
	}

	err = processor.work.InTx(ctx, func(ctx context.Context, sessions session.Store, _ ledger.Store) error {
		entries, err := sessions.ListEntries(ctx, sessionID)
		if err != nil {
			return err
		}
		miscPayments, err := sessions.ListMiscPayments(ctx, sessionID)
		if err != nil {
			return err
		}
		result.Status = session.DeriveStatus(entries, miscPayments)
		if err := sessions.UpdateSessionStatus(ctx, sessionID, result.Status); err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		failed := make([]int64, 0, len(result.Failures))
		for _, failure := range result.Failures {
			failed = append(failed, failure.Participant.SystemNumber())
		}
		return sessions.InsertAuditEvent(ctx, session.AuditEvent{
			OrgID:     current.OrgID,
			SessionID: sessionID,
			Actor:     actor,
			Action:    session.ActionSettlement,
			Details: map[string]any{
				"success_count": result.SuccessCount,
				"failed":        failed,
				"status":        result.Status.String(),
			},
			CreatedUnixUTC: processor.nowFn(),
		})
	})
	return result, err
}

// batchItem is one entry awaiting settlement with its unpaid Bridge Credits extras.
type batchItem struct {
	entry  session.Entry
	extras []session.MiscPayment
}

// entryDue reports whether the entry's own table fee is still owed in Bridge Credits.
// Non-billable entries owe no fee but may still carry extras.
func (item batchItem) entryDue() bool {
	entry := item.entry
	return entry.Participant.IsBillable() && entry.MethodKind() == session.MethodBridgeCredits && !entry.IsPaid
}

func (item batchItem) extrasTotal() decimal.Decimal {
	total := decimal.Zero
	for _, miscPayment := range item.extras {
		total = total.Add(miscPayment.Amount)
	}
	return total
}

func (processor *Processor) collect(ctx context.Context, sessionID int64) ([]batchItem, error) {
	var batch []batchItem
	err := processor.work.InTx(ctx, func(ctx context.Context, sessions session.Store, _ ledger.Store) error {
		entries, err := sessions.ListEntries(ctx, sessionID)
		if err != nil {
			return err
		}
		miscPayments, err := sessions.ListMiscPayments(ctx, sessionID)
		if err != nil {
			return err
		}
		extrasByEntry := make(map[int64][]session.MiscPayment)
		for _, miscPayment := range miscPayments {
			if miscPayment.PaymentMade || miscPayment.MethodKind() != session.MethodBridgeCredits {
				continue
			}
			extrasByEntry[miscPayment.EntryID] = append(extrasByEntry[miscPayment.EntryID], miscPayment)
		}
		for _, entry := range entries {
			item := batchItem{entry: entry, extras: extrasByEntry[entry.ID]}
			if !item.entryDue() && len(item.extras) == 0 {
				continue
			}
			batch = append(batch, item)
		}
		return nil
	})
	return batch, err
}

// settleEntry charges one item. Only infrastructure errors are returned; a failed
// payment is reported as a Failure.
func (processor *Processor) settleEntry(ctx context.Context, current session.Session, item batchItem) (*Failure, error) {
	entry := item.entry
	entryDue := item.entryDue()
	fee := decimal.Zero
	if entryDue {
		resolved, err := processor.entryFee(ctx, current, entry)
		if err != nil {
			return processor.fail(ctx, current, item, decimal.Zero, err)
		}
		fee = resolved
	}
	amount := item.extrasTotal()
	if entryDue {
		amount = amount.Add(fee.Sub(entry.AmountPaid))
	}

	if amount.IsPositive() {
		if !entry.Participant.HasLedger() {
			return processor.fail(ctx, current, item, amount, fmt.Errorf("%w: %s has no Bridge Credits account", ErrPaymentFailed, entry.Participant))
		}
		charged, err := processor.charger.Charge(ctx, ChargeRequest{
			SystemNumber: entry.Participant.SystemNumber(),
			OrgID:        current.OrgID,
			SessionID:    current.ID,
			Amount:       amount,
			Description:  ChargeDescription(current),
		})
		processor.logOperation(ctx, OperationLog{
			Operation:    operationCharge,
			SessionID:    current.ID,
			EntryID:      entry.ID,
			SystemNumber: entry.Participant.SystemNumber(),
			Amount:       amount,
			Detail:       fmt.Sprintf("charged=%t", charged),
			Error:        err,
		})
		if err != nil {
			return processor.fail(ctx, current, item, amount, fmt.Errorf("%w: %v", ErrPaymentFailed, err))
		}
		if !charged {
			return processor.fail(ctx, current, item, amount, fmt.Errorf("%w: charge declined", ErrPaymentFailed))
		}
	}

	return nil, processor.work.InTx(ctx, func(ctx context.Context, sessions session.Store, _ ledger.Store) error {
		if entryDue {
			entry.Fee = decimal.NewNullDecimal(fee)
			entry.IsPaid = true
			entry.AmountPaid = fee
			if err := sessions.UpdateEntry(ctx, entry); err != nil {
				return err
			}
		}
		for _, miscPayment := range item.extras {
			miscPayment.PaymentMade = true
			if err := sessions.UpdateMiscPayment(ctx, miscPayment); err != nil {
				return err
			}
		}
		return nil
	})
}

// fail moves the item onto the session's fallback method so it surfaces as an off-system debt.
func (processor *Processor) fail(ctx context.Context, current session.Session, item batchItem, amount decimal.Decimal, reason error) (*Failure, error) {
	err := processor.work.InTx(ctx, func(ctx context.Context, sessions session.Store, _ ledger.Store) error {
		fallback, err := sessions.GetPaymentMethod(ctx, current.FallbackMethodID)
		if err != nil {
			return err
		}
		entry := item.entry
		if item.entryDue() {
			entry.PaymentMethod = &fallback
			if err := sessions.UpdateEntry(ctx, entry); err != nil {
				return err
			}
		}
		for _, miscPayment := range item.extras {
			miscPayment.PaymentMethod = &fallback
			if err := sessions.UpdateMiscPayment(ctx, miscPayment); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	participant := item.entry.Participant
	if participant.HasLedger() {
		notifyErr := processor.notifier.Notify(ctx, notice.Notification{
			OrgID:        current.OrgID,
			SystemNumber: participant.SystemNumber(),
			Subject:      fmt.Sprintf("Payment to %s", current.OrgName),
			Body: fmt.Sprintf("We could not take %s in Bridge Credits for %s on %s. Please pay the club directly.",
				amount.StringFixed(2), current.Description, current.Date.Format(session.DateLayout)),
		})
		if notifyErr != nil {
			processor.logOperation(ctx, OperationLog{Operation: operationNotify, SessionID: current.ID, SystemNumber: participant.SystemNumber(), Error: notifyErr})
		}
	}
	return &Failure{EntryID: item.entry.ID, Participant: participant, Amount: amount, Reason: reason}, nil
}

func (processor *Processor) entryFee(ctx context.Context, current session.Session, entry session.Entry) (decimal.Decimal, error) {
	if entry.Fee.Valid {
		return entry.Fee.Decimal, nil
	}
	return processor.fees.ResolveFee(ctx, current.OrgID, current.SessionTypeID, entry.PaymentMethod.ID, entry.Participant)
}

func (processor *Processor) logOperation(ctx context.Context, entry OperationLog) {
	if processor.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	processor.logger.LogOperation(ctx, entry)
}

// ChargeDescription is the ledger description of a settlement charge.
func ChargeDescription(current session.Session) string {
	return "Bridge Credits for " + current.Description
}
