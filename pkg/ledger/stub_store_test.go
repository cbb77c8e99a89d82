package ledger

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
)

// stubStore keeps committed rows in memory and honours LockAccount with per-account mutexes.
type stubStore struct {
	mutex        sync.Mutex
	accountLocks map[string]*sync.Mutex
	transactions []Transaction
	nextID       int64
	lockError    error
	balanceError error
	insertError  error
	listError    error
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{accountLocks: make(map[string]*sync.Mutex)}
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	transactionStore := &stubTxStore{parent: store}
	defer transactionStore.unlockAll()
	if err := fn(ctx, transactionStore); err != nil {
		return err
	}
	store.mutex.Lock()
	store.transactions = append(store.transactions, transactionStore.staged...)
	store.mutex.Unlock()
	return nil
}

func (store *stubStore) LockAccount(ctx context.Context, account AccountRef) error {
	return store.lockError
}

func (store *stubStore) LatestBalance(ctx context.Context, account AccountRef) (decimal.Decimal, error) {
	if store.balanceError != nil {
		return decimal.Zero, store.balanceError
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return latestBalanceOf(store.transactions, account), nil
}

func (store *stubStore) InsertTransaction(ctx context.Context, input TransactionInput) (Transaction, error) {
	var inserted Transaction
	err := store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		transaction, err := txStore.InsertTransaction(ctx, input)
		inserted = transaction
		return err
	})
	return inserted, err
}

func (store *stubStore) ListTransactions(ctx context.Context, account AccountRef, limit int) ([]Transaction, error) {
	if store.listError != nil {
		return nil, store.listError
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	listed := make([]Transaction, 0)
	for _, transaction := range store.transactions {
		if transaction.Account != account {
			continue
		}
		listed = append(listed, transaction)
		if limit > 0 && len(listed) == limit {
			break
		}
	}
	return listed, nil
}

func (store *stubStore) accountLock(account AccountRef) *sync.Mutex {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	accountLock, ok := store.accountLocks[account.String()]
	if !ok {
		accountLock = &sync.Mutex{}
		store.accountLocks[account.String()] = accountLock
	}
	return accountLock
}

func (store *stubStore) snapshot() []Transaction {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return append([]Transaction(nil), store.transactions...)
}

type stubTxStore struct {
	parent *stubStore
	held   []*sync.Mutex
	staged []Transaction
}

func (store *stubTxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, store)
}

func (store *stubTxStore) LockAccount(ctx context.Context, account AccountRef) error {
	if store.parent.lockError != nil {
		return store.parent.lockError
	}
	accountLock := store.parent.accountLock(account)
	accountLock.Lock()
	store.held = append(store.held, accountLock)
	return nil
}

func (store *stubTxStore) LatestBalance(ctx context.Context, account AccountRef) (decimal.Decimal, error) {
	if store.parent.balanceError != nil {
		return decimal.Zero, store.parent.balanceError
	}
	for index := len(store.staged) - 1; index >= 0; index-- {
		if store.staged[index].Account == account {
			return store.staged[index].Balance, nil
		}
	}
	return store.parent.LatestBalance(ctx, account)
}

func (store *stubTxStore) InsertTransaction(ctx context.Context, input TransactionInput) (Transaction, error) {
	if store.parent.insertError != nil {
		return Transaction{}, store.parent.insertError
	}
	store.parent.mutex.Lock()
	store.parent.nextID++
	transactionID := store.parent.nextID
	store.parent.mutex.Unlock()
	transaction := Transaction{
		ID:             transactionID,
		Reference:      input.Reference,
		Account:        input.Account,
		Amount:         input.Amount,
		Balance:        input.Balance,
		Description:    input.Description,
		Type:           input.Type,
		Links:          input.Links,
		CreatedUnixUTC: input.CreatedUnixUTC,
	}
	store.staged = append(store.staged, transaction)
	return transaction, nil
}

func (store *stubTxStore) ListTransactions(ctx context.Context, account AccountRef, limit int) ([]Transaction, error) {
	return store.parent.ListTransactions(ctx, account, limit)
}

func (store *stubTxStore) unlockAll() {
	for index := len(store.held) - 1; index >= 0; index-- {
		store.held[index].Unlock()
	}
	store.held = nil
}

func latestBalanceOf(transactions []Transaction, account AccountRef) decimal.Decimal {
	for index := len(transactions) - 1; index >= 0; index-- {
		if transactions[index].Account == account {
			return transactions[index].Balance
		}
	}
	return decimal.Zero
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, func() int64 { return 100 }, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustPositiveAmount(test *testing.T, raw string) PositiveAmount {
	test.Helper()
	amount, err := NewPositiveAmount(decimal.RequireFromString(raw))
	if err != nil {
		test.Fatalf("amount: %v", err)
	}
	return amount
}

func mustCredit(test *testing.T, service *Service, account AccountRef, raw string) Transaction {
	test.Helper()
	transaction, err := service.CreditOrDebit(context.Background(), account, decimal.RequireFromString(raw), "seed", TypeAdjustment, Links{})
	if err != nil {
		test.Fatalf("credit: %v", err)
	}
	return transaction
}
