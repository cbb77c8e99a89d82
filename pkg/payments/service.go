// Package payments implements the per-entry payment state machine a director drives.
package payments

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarkoPoloResearchLab/bridgepay/pkg/access"
	"github.com/MarkoPoloResearchLab/bridgepay/pkg/ledger"
	"github.com/MarkoPoloResearchLab/bridgepay/pkg/notice"
	"github.com/MarkoPoloResearchLab/bridgepay/pkg/session"
	"github.com/shopspring/decimal"
)

const (
	operationChangePaymentMethod = "change_payment_method"
	operationChangePaidStatus    = "change_paid_status"
	operationOffSystem           = "process_off_system_payments"
	operationRecalculate         = "recalculate_status"
	operationNotify              = "notify"
	operationStatusOK            = "ok"
	operationStatusError         = "error"
)

var (
	ErrSettlementRequired    = errors.New("bridge credits can only be collected by settlement")
	ErrIneligibleParticipant = errors.New("participant cannot use this payment method")
	ErrInvalidServiceConfig  = errors.New("invalid payments service config")
)

// FeeResolver resolves the fee a participant owes.
type FeeResolver interface {
	ResolveFee(ctx context.Context, orgID int64, sessionTypeID int64, methodID int64, participant session.Participant) (decimal.Decimal, error)
}

// OperationLogger records every state-changing operation.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes one payments operation.
type OperationLog struct {
	Operation string
	Actor     int64
	SessionID int64
	EntryID   int64
	Detail    string
	Status    string
	Error     error
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithNotifier wires the member notifier. Notifications are dropped by default.
func WithNotifier(notifier notice.Notifier) ServiceOption {
	return func(service *Service) {
		if notifier != nil {
			service.notifier = notifier
		}
	}
}

// WithOperationLogger wires a logger that receives every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// Service applies director edits to session entries.
type Service struct {
	work       session.UnitOfWork
	fees       FeeResolver
	ledger     *ledger.Service
	authorizer access.Authorizer
	notifier   notice.Notifier
	nowFn      func() int64
	logger     OperationLogger
}

// NewService wires a Service. ledgerService is rebound to each unit of work's ledger store.
func NewService(work session.UnitOfWork, feeResolver FeeResolver, ledgerService *ledger.Service, authorizer access.Authorizer, now func() int64, options ...ServiceOption) (*Service, error) {
	if work == nil || feeResolver == nil || ledgerService == nil || authorizer == nil || now == nil {
		return nil, fmt.Errorf("%w: unit of work, fee resolver, ledger, authorizer and clock are required", ErrInvalidServiceConfig)
	}
	service := &Service{
		work:       work,
		fees:       feeResolver,
		ledger:     ledgerService,
		authorizer: authorizer,
		notifier:   notice.Discard{},
		nowFn:      now,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// ChangePaymentMethod moves an entry onto another payment method of its club.
//
// Leaving Bridge Credits after payment refunds the fee from the club to the member and fails
// with ledger.ErrInsufficientFunds, mutating nothing, when the club cannot cover it.
// Entering Bridge Credits leaves the entry unpaid and returns the session to DATA_LOADED.
// Entering IOU records a pending payment and notifies the member once committed.
func (service *Service) ChangePaymentMethod(ctx context.Context, actor int64, entryID int64, methodID int64) (session.Entry, error) {
	var (
		updated       session.Entry
		sessionID     int64
		notifications []notice.Notification
	)
	operationError := service.work.InTx(ctx, func(ctx context.Context, sessions session.Store, accounts ledger.Store) error {
		entry, current, err := service.loadEntry(ctx, sessions, actor, entryID)
		if err != nil {
			return err
		}
		sessionID = current.ID
		method, err := sessions.GetPaymentMethod(ctx, methodID)
		if err != nil {
			return err
		}
		if method.OrgID != current.OrgID {
			return fmt.Errorf("%w: method %d does not belong to club %d", session.ErrPaymentMethodNotFound, methodID, current.OrgID)
		}
		if entry.PaymentMethod != nil && entry.PaymentMethod.ID == method.ID {
			updated = entry
			return nil
		}
		if err := checkEligible(entry.Participant, method.Kind()); err != nil {
			return err
		}
		fee, err := service.fees.ResolveFee(ctx, current.OrgID, current.SessionTypeID, method.ID, entry.Participant)
		if err != nil {
			return err
		}

		paid := entry.IsPaid
		switch entry.MethodKind() {
		case session.MethodBridgeCredits:
			if entry.IsPaid {
				if err := service.refund(ctx, sessions, accounts, actor, current, entry); err != nil {
					return err
				}
			}
			paid = false
		case session.MethodIOU:
			if err := service.closePending(ctx, sessions, actor, current, entry); err != nil {
				return err
			}
			paid = false
		}

		forceDataLoaded := false
		switch method.Kind() {
		case session.MethodBridgeCredits:
			paid = false
			forceDataLoaded = true
		case session.MethodIOU:
			notification, created, err := service.openPending(ctx, sessions, actor, current, entry, fee)
			if err != nil {
				return err
			}
			if created {
				notifications = append(notifications, notification)
			}
			paid = true
		}

		previousMethod := methodName(entry.PaymentMethod)
		entry.PaymentMethod = &method
		entry.Fee = decimal.NewNullDecimal(fee)
		setPaid(&entry, paid)
		if err := sessions.UpdateEntry(ctx, entry); err != nil {
			return err
		}
		if err := sessions.InsertAuditEvent(ctx, session.AuditEvent{
			OrgID:     current.OrgID,
			SessionID: current.ID,
			Actor:     actor,
			Action:    session.ActionPaymentMethodChange,
			Details: map[string]any{
				"entry_id":      entry.ID,
				"system_number": entry.Participant.SystemNumber(),
				"from":          previousMethod,
				"to":            method.Name,
				"fee":           fee.StringFixed(2),
				"is_paid":       paid,
			},
			CreatedUnixUTC: service.nowFn(),
		}); err != nil {
			return err
		}
		if forceDataLoaded {
			if err := sessions.UpdateSessionStatus(ctx, current.ID, session.StatusDataLoaded); err != nil {
				return err
			}
		} else if _, err := recomputeStatus(ctx, sessions, current.ID); err != nil {
			return err
		}
		updated = entry
		return nil
	})
	if operationError == nil {
		service.deliver(ctx, notifications)
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationChangePaymentMethod,
		Actor:     actor,
		SessionID: sessionID,
		EntryID:   entryID,
		Detail:    fmt.Sprintf("method %d", methodID),
		Error:     operationError,
	})
	return updated, operationError
}

// ChangePaidStatus marks an entry paid or unpaid without changing its method.
//
// Bridge Credits entries cannot be marked paid here, and marking one unpaid refunds it.
// IOU entries open or close their pending payment.
func (service *Service) ChangePaidStatus(ctx context.Context, actor int64, entryID int64, paid bool) (session.Entry, error) {
	var (
		updated       session.Entry
		sessionID     int64
		notifications []notice.Notification
	)
	operationError := service.work.InTx(ctx, func(ctx context.Context, sessions session.Store, accounts ledger.Store) error {
		entry, current, err := service.loadEntry(ctx, sessions, actor, entryID)
		if err != nil {
			return err
		}
		sessionID = current.ID
		if entry.IsPaid == paid {
			updated = entry
			return nil
		}
		fee, err := service.entryFee(ctx, current, entry)
		if err != nil {
			return err
		}

		switch entry.MethodKind() {
		case session.MethodBridgeCredits:
			if paid {
				return ErrSettlementRequired
			}
			if err := service.refund(ctx, sessions, accounts, actor, current, entry); err != nil {
				return err
			}
		case session.MethodIOU:
			if paid {
				notification, created, err := service.openPending(ctx, sessions, actor, current, entry, fee)
				if err != nil {
					return err
				}
				if created {
					notifications = append(notifications, notification)
				}
			} else if err := service.closePending(ctx, sessions, actor, current, entry); err != nil {
				return err
			}
		}

		entry.Fee = decimal.NewNullDecimal(fee)
		setPaid(&entry, paid)
		if err := sessions.UpdateEntry(ctx, entry); err != nil {
			return err
		}
		if err := sessions.InsertAuditEvent(ctx, session.AuditEvent{
			OrgID:     current.OrgID,
			SessionID: current.ID,
			Actor:     actor,
			Action:    session.ActionPaidStatusChange,
			Details: map[string]any{
				"entry_id":      entry.ID,
				"system_number": entry.Participant.SystemNumber(),
				"method":        methodName(entry.PaymentMethod),
				"is_paid":       paid,
			},
			CreatedUnixUTC: service.nowFn(),
		}); err != nil {
			return err
		}
		if _, err := recomputeStatus(ctx, sessions, current.ID); err != nil {
			return err
		}
		updated = entry
		return nil
	})
	if operationError == nil {
		service.deliver(ctx, notifications)
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationChangePaidStatus,
		Actor:     actor,
		SessionID: sessionID,
		EntryID:   entryID,
		Detail:    fmt.Sprintf("paid=%t", paid),
		Error:     operationError,
	})
	return updated, operationError
}

// RecalculateStatus recomputes and stores the session's derived status.
func (service *Service) RecalculateStatus(ctx context.Context, actor int64, sessionID int64) (session.Status, error) {
	var status session.Status
	operationError := service.work.InTx(ctx, func(ctx context.Context, sessions session.Store, _ ledger.Store) error {
		current, err := sessions.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if err := access.Require(ctx, service.authorizer, actor, access.CapabilitySettle, current.OrgID); err != nil {
			return err
		}
		status, err = recomputeStatus(ctx, sessions, sessionID)
		return err
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationRecalculate,
		Actor:     actor,
		SessionID: sessionID,
		Detail:    status.String(),
		Error:     operationError,
	})
	return status, operationError
}

func (service *Service) loadEntry(ctx context.Context, sessions session.Store, actor int64, entryID int64) (session.Entry, session.Session, error) {
	entry, err := sessions.GetEntry(ctx, entryID)
	if err != nil {
		return session.Entry{}, session.Session{}, err
	}
	current, err := sessions.GetSession(ctx, entry.SessionID)
	if err != nil {
		return session.Entry{}, session.Session{}, err
	}
	if err := access.Require(ctx, service.authorizer, actor, access.CapabilityEditPayments, current.OrgID); err != nil {
		return session.Entry{}, session.Session{}, err
	}
	return entry, current, nil
}

// entryFee returns the memoized fee, resolving it when unset.
func (service *Service) entryFee(ctx context.Context, current session.Session, entry session.Entry) (decimal.Decimal, error) {
	if entry.Fee.Valid {
		return entry.Fee.Decimal, nil
	}
	if entry.PaymentMethod == nil {
		return decimal.Zero, nil
	}
	return service.fees.ResolveFee(ctx, current.OrgID, current.SessionTypeID, entry.PaymentMethod.ID, entry.Participant)
}

func (service *Service) deliver(ctx context.Context, notifications []notice.Notification) {
	for _, notification := range notifications {
		if err := service.notifier.Notify(ctx, notification); err != nil {
			service.logOperation(ctx, OperationLog{
				Operation: operationNotify,
				Detail:    notification.Subject,
				Error:     err,
			})
		}
	}
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func recomputeStatus(ctx context.Context, sessions session.Store, sessionID int64) (session.Status, error) {
	entries, err := sessions.ListEntries(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	miscPayments, err := sessions.ListMiscPayments(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	status := session.DeriveStatus(entries, miscPayments)
	if err := sessions.UpdateSessionStatus(ctx, sessionID, status); err != nil {
		return 0, err
	}
	return status, nil
}

// Visitors have no ledger and no way to be chased for an IOU.
func checkEligible(participant session.Participant, kind session.MethodKind) error {
	if participant.Kind() != session.ParticipantVisitor {
		return nil
	}
	if kind == session.MethodBridgeCredits || kind == session.MethodIOU {
		return fmt.Errorf("%w: %s cannot pay with %s", ErrIneligibleParticipant, participant, kind)
	}
	return nil
}

func setPaid(entry *session.Entry, paid bool) {
	entry.IsPaid = paid
	if paid && entry.Fee.Valid {
		entry.AmountPaid = entry.Fee.Decimal
		return
	}
	entry.AmountPaid = decimal.Zero
}

func methodName(method *session.PaymentMethod) string {
	if method == nil {
		return ""
	}
	return method.Name
}
