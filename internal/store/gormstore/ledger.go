package gormstore

import (
	"context"

	"github.com/MarkoPoloResearchLab/bridgepay/pkg/ledger"
	"github.com/shopspring/decimal"
	"gorm.io/gorm/clause"
)

// LockAccount creates the account row if needed and holds a row lock on it until the
// surrounding transaction ends.
func (store *Store) LockAccount(ctx context.Context, account ledger.AccountRef) error {
	record := LedgerAccount{
		AccountKey: account.String(),
		Kind:       account.Kind().String(),
		OwnerID:    account.OwnerID(),
	}
	err := store.conn(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&record).Error
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	var locked LedgerAccount
	err = store.conn(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("account_key = ?", account.String()).
		Take(&locked).Error
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeLock, err)
	}
	return nil
}

// LatestBalance reads the balance materialized on the account's newest transaction.
func (store *Store) LatestBalance(ctx context.Context, account ledger.AccountRef) (decimal.Decimal, error) {
	var row LedgerTransaction
	err := store.conn(ctx).
		Where("account_key = ?", account.String()).
		Order("id DESC").
		Limit(1).
		Take(&row).Error
	if isNotFound(err) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, wrapStoreError(errorSubjectTx, errorCodeLookup, err)
	}
	return row.Balance, nil
}

func (store *Store) InsertTransaction(ctx context.Context, input ledger.TransactionInput) (ledger.Transaction, error) {
	row := LedgerTransaction{
		Reference:       input.Reference,
		AccountKey:      input.Account.String(),
		AccountKind:     input.Account.Kind().String(),
		OwnerID:         input.Account.OwnerID(),
		Amount:          input.Amount,
		Balance:         input.Balance,
		Description:     input.Description,
		Type:            input.Type.String(),
		CounterpartyKey: input.Links.Counterparty.String(),
		SessionID:       optionalID(input.Links.SessionID),
		CreatedUnixUTC:  input.CreatedUnixUTC,
	}
	err := store.conn(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTx, errorCodeDuplicate, ledger.ErrDuplicateReference)
	}
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTx, errorCodeInsert, err)
	}
	transaction, err := mapTransaction(row)
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTx, errorCodeInvalid, err)
	}
	return transaction, nil
}

// ListTransactions lists in creation order; a non-positive limit lists everything.
func (store *Store) ListTransactions(ctx context.Context, account ledger.AccountRef, limit int) ([]ledger.Transaction, error) {
	query := store.conn(ctx).
		Where("account_key = ?", account.String()).
		Order("id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []LedgerTransaction
	if err := query.Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectTx, errorCodeList, err)
	}
	return mapTransactions(rows)
}

func mapTransactions(rows []LedgerTransaction) ([]ledger.Transaction, error) {
	transactions := make([]ledger.Transaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapTransaction(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTx, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

func mapTransaction(row LedgerTransaction) (ledger.Transaction, error) {
	kind, err := ledger.ParseAccountKind(row.AccountKind)
	if err != nil {
		return ledger.Transaction{}, err
	}
	account, err := ledger.NewAccountRef(kind, row.OwnerID)
	if err != nil {
		return ledger.Transaction{}, err
	}
	transactionType, err := ledger.ParseTransactionType(row.Type)
	if err != nil {
		return ledger.Transaction{}, err
	}
	var counterparty ledger.AccountRef
	if row.CounterpartyKey != "" {
		counterparty, err = ledger.ParseAccountRef(row.CounterpartyKey)
		if err != nil {
			return ledger.Transaction{}, err
		}
	}
	return ledger.Transaction{
		ID:          row.ID,
		Reference:   row.Reference,
		Account:     account,
		Amount:      row.Amount,
		Balance:     row.Balance,
		Description: row.Description,
		Type:        transactionType,
		Links: ledger.Links{
			Counterparty: counterparty,
			SessionID:    idOrZero(row.SessionID),
		},
		CreatedUnixUTC: row.CreatedUnixUTC,
	}, nil
}
