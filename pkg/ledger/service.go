package ledger

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Service contains the ledger domain logic over a Store.
type Service struct {
	store       Store
	nowFn       func() int64
	logger      OperationLogger
	referenceFn func() string
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now, referenceFn: uuid.NewString}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// WithStore returns a copy of the service bound to store, typically a transaction-scoped one.
func (service *Service) WithStore(store Store) *Service {
	bound := *service
	bound.store = store
	return &bound
}

// CurrentBalance returns the balance of the account's most recent transaction, or zero.
func (service *Service) CurrentBalance(ctx context.Context, account AccountRef) (decimal.Decimal, error) {
	if err := account.Validate(); err != nil {
		return decimal.Zero, err
	}
	return service.store.LatestBalance(ctx, account)
}

// CreditOrDebit appends a signed amount to the account and materializes the new balance.
func (service *Service) CreditOrDebit(ctx context.Context, account AccountRef, amount decimal.Decimal, description string, transactionType TransactionType, links Links) (Transaction, error) {
	var written Transaction
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if err := validateAppend(account, amount, description, transactionType); err != nil {
			return err
		}
		if err := transactionStore.LockAccount(ctx, account); err != nil {
			return err
		}
		transaction, err := service.appendTransaction(ctx, transactionStore, account, amount, description, transactionType, links)
		if err != nil {
			return err
		}
		written = transaction
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:    operationCreditOrDebit,
		Account:      account,
		Counterparty: links.Counterparty,
		Amount:       amount,
		Type:         transactionType,
		Description:  description,
		SessionID:    links.SessionID,
		Error:        operationError,
	})
	return written, operationError
}

// appendTransaction must run with the account already locked in transactionStore.
func (service *Service) appendTransaction(ctx context.Context, transactionStore Store, account AccountRef, amount decimal.Decimal, description string, transactionType TransactionType, links Links) (Transaction, error) {
	previousBalance, err := transactionStore.LatestBalance(ctx, account)
	if err != nil {
		return Transaction{}, err
	}
	return transactionStore.InsertTransaction(ctx, TransactionInput{
		Reference:      service.referenceFn(),
		Account:        account,
		Amount:         amount,
		Balance:        previousBalance.Add(amount),
		Description:    strings.TrimSpace(description),
		Type:           transactionType,
		Links:          links,
		CreatedUnixUTC: service.nowFn(),
	})
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

func validateAppend(account AccountRef, amount decimal.Decimal, description string, transactionType TransactionType) error {
	if err := account.Validate(); err != nil {
		return err
	}
	if amount.IsZero() {
		return fmt.Errorf("%w: must be non-zero", ErrInvalidAmount)
	}
	if strings.TrimSpace(description) == "" {
		return fmt.Errorf("%w: empty value", ErrInvalidDescription)
	}
	if _, err := ParseTransactionType(transactionType.String()); err != nil {
		return err
	}
	return nil
}
