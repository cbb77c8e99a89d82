package ledger

import (
	"context"
	"fmt"
)

// TransferRequest describes a paired movement from one account to another.
type TransferRequest struct {
	From         AccountRef
	To           AccountRef
	Amount       PositiveAmount
	Description  string
	Type         TransactionType
	SessionID    int64
	RequireFunds bool
}

// TransferResult holds the two rows written by Transfer.
type TransferResult struct {
	Debit  Transaction
	Credit Transaction
}

// Transfer debits From and credits To within one store transaction.
// Both accounts are locked in a stable order so opposing transfers cannot deadlock.
// With RequireFunds set, a From balance below the amount fails with ErrInsufficientFunds and nothing is written.
func (service *Service) Transfer(requestContext context.Context, request TransferRequest) (TransferResult, error) {
	var result TransferResult
	operationError := service.store.WithTx(requestContext, func(ctx context.Context, transactionStore Store) error {
		if err := validateAppend(request.From, request.Amount.Negated(), request.Description, request.Type); err != nil {
			return err
		}
		if err := validateAppend(request.To, request.Amount.Decimal(), request.Description, request.Type); err != nil {
			return err
		}
		if request.From == request.To {
			return fmt.Errorf("%w: transfer to the same account", ErrInvalidAccount)
		}
		for _, account := range lockOrder(request.From, request.To) {
			if err := transactionStore.LockAccount(ctx, account); err != nil {
				return err
			}
		}
		if request.RequireFunds {
			available, err := transactionStore.LatestBalance(ctx, request.From)
			if err != nil {
				return err
			}
			if available.LessThan(request.Amount.Decimal()) {
				return ErrInsufficientFunds
			}
		}
		debit, err := service.appendTransaction(ctx, transactionStore, request.From, request.Amount.Negated(), request.Description, request.Type, Links{
			Counterparty: request.To,
			SessionID:    request.SessionID,
		})
		if err != nil {
			return err
		}
		credit, err := service.appendTransaction(ctx, transactionStore, request.To, request.Amount.Decimal(), request.Description, request.Type, Links{
			Counterparty: request.From,
			SessionID:    request.SessionID,
		})
		if err != nil {
			return err
		}
		result = TransferResult{Debit: debit, Credit: credit}
		return nil
	})
	service.logOperation(requestContext, OperationLog{
		Operation:    operationTransfer,
		Account:      request.From,
		Counterparty: request.To,
		Amount:       request.Amount.Decimal(),
		Type:         request.Type,
		Description:  request.Description,
		SessionID:    request.SessionID,
		Error:        operationError,
	})
	return result, operationError
}

// ListTransactions lists an account's transactions in creation order. A non-positive limit lists all.
func (service *Service) ListTransactions(requestContext context.Context, account AccountRef, limit int) ([]Transaction, error) {
	if err := account.Validate(); err != nil {
		return nil, err
	}
	return service.store.ListTransactions(requestContext, account, limit)
}

// CheckBalanceChain verifies that each balance equals the previous balance plus its amount,
// starting from zero. transactions must be an account's complete history in creation order.
func CheckBalanceChain(transactions []Transaction) error {
	var previous Transaction
	for index, transaction := range transactions {
		expected := transaction.Amount
		if index > 0 {
			expected = previous.Balance.Add(transaction.Amount)
		}
		if !transaction.Balance.Equal(expected) {
			return fmt.Errorf("%w: transaction %d (%s) has balance %s, expected %s", ErrBrokenBalanceChain, index, transaction.Reference, transaction.Balance.String(), expected.String())
		}
		previous = transaction
	}
	return nil
}

func lockOrder(first AccountRef, second AccountRef) []AccountRef {
	if first.String() <= second.String() {
		return []AccountRef{first, second}
	}
	return []AccountRef{second, first}
}
