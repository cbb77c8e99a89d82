package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
)

const (
	memberSystemNumber = 620246
	clubID             = 17
	errorMismatch      = "expected %v, got %v"
)

var errStoreFailure = errors.New("store error")

func TestCreditOrDebitMaterializesRunningBalance(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	account := MemberAccount(memberSystemNumber)

	amounts := []string{"10", "-3.50", "25.25", "-31.75"}
	for _, raw := range amounts {
		if _, err := service.CreditOrDebit(context.Background(), account, decimal.RequireFromString(raw), "movement", TypeAdjustment, Links{}); err != nil {
			test.Fatalf("credit or debit %s: %v", raw, err)
		}
	}

	transactions := store.snapshot()
	if len(transactions) != len(amounts) {
		test.Fatalf("expected %d transactions, got %d", len(amounts), len(transactions))
	}
	if err := CheckBalanceChain(transactions); err != nil {
		test.Fatalf("balance chain: %v", err)
	}
	balance, err := service.CurrentBalance(context.Background(), account)
	if err != nil {
		test.Fatalf("current balance: %v", err)
	}
	if !balance.Equal(decimal.Zero) {
		test.Fatalf("expected zero balance, got %s", balance)
	}
	if !transactions[0].Balance.Equal(transactions[0].Amount) {
		test.Fatalf("first balance must equal its amount, got %s", transactions[0].Balance)
	}
}

func TestCurrentBalanceOfFreshAccountIsZero(test *testing.T) {
	test.Parallel()
	service := mustNewService(test, newStubStore(test))
	balance, err := service.CurrentBalance(context.Background(), OrganisationAccount(clubID))
	if err != nil {
		test.Fatalf("current balance: %v", err)
	}
	if !balance.IsZero() {
		test.Fatalf("expected zero, got %s", balance)
	}
}

func TestConcurrentCreditsDoNotLoseUpdates(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	account := MemberAccount(memberSystemNumber)
	const writers = 40

	var waitGroup sync.WaitGroup
	errs := make(chan error, writers)
	for index := 0; index < writers; index++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			_, err := service.CreditOrDebit(context.Background(), account, decimal.NewFromInt(5), "top up", TypeAdjustment, Links{})
			errs <- err
		}()
	}
	waitGroup.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			test.Fatalf("credit: %v", err)
		}
	}

	transactions := store.snapshot()
	if len(transactions) != writers {
		test.Fatalf("expected %d transactions, got %d", writers, len(transactions))
	}
	seen := make(map[string]struct{}, writers)
	for _, transaction := range transactions {
		key := transaction.Balance.String()
		if _, duplicate := seen[key]; duplicate {
			test.Fatalf("two transactions share balance %s", key)
		}
		seen[key] = struct{}{}
	}
	balance, err := service.CurrentBalance(context.Background(), account)
	if err != nil {
		test.Fatalf("current balance: %v", err)
	}
	if !balance.Equal(decimal.NewFromInt(5 * writers)) {
		test.Fatalf("expected %d, got %s", 5*writers, balance)
	}
	if err := CheckBalanceChain(transactions); err != nil {
		test.Fatalf("balance chain: %v", err)
	}
}

func TestTransferWritesPairedRows(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	member := MemberAccount(memberSystemNumber)
	club := OrganisationAccount(clubID)
	mustCredit(test, service, club, "40")

	result, err := service.Transfer(context.Background(), TransferRequest{
		From:         club,
		To:           member,
		Amount:       mustPositiveAmount(test, "10"),
		Description:  "Bridge Credits returned for Monday Pairs",
		Type:         TypeRefund,
		RequireFunds: true,
	})
	if err != nil {
		test.Fatalf("transfer: %v", err)
	}
	if !result.Debit.Amount.Equal(decimal.NewFromInt(-10)) || !result.Debit.Balance.Equal(decimal.NewFromInt(30)) {
		test.Fatalf("unexpected debit: %+v", result.Debit)
	}
	if !result.Credit.Amount.Equal(decimal.NewFromInt(10)) || !result.Credit.Balance.Equal(decimal.NewFromInt(10)) {
		test.Fatalf("unexpected credit: %+v", result.Credit)
	}
	if result.Debit.Links.Counterparty != member || result.Credit.Links.Counterparty != club {
		test.Fatalf("unexpected counterparties: %+v %+v", result.Debit.Links, result.Credit.Links)
	}
}

func TestTransferInsufficientFundsWritesNothing(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	club := OrganisationAccount(clubID)
	mustCredit(test, service, club, "5")

	_, err := service.Transfer(context.Background(), TransferRequest{
		From:         club,
		To:           MemberAccount(memberSystemNumber),
		Amount:       mustPositiveAmount(test, "10"),
		Description:  "refund",
		Type:         TypeRefund,
		RequireFunds: true,
	})
	if !errors.Is(err, ErrInsufficientFunds) {
		test.Fatalf(errorMismatch, ErrInsufficientFunds, err)
	}
	if got := len(store.snapshot()); got != 1 {
		test.Fatalf("expected only the seed transaction, got %d", got)
	}
}

func TestTransferWithoutFundsCheckAllowsOverdraw(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)

	result, err := service.Transfer(context.Background(), TransferRequest{
		From:        OrganisationAccount(clubID),
		To:          MemberAccount(memberSystemNumber),
		Amount:      mustPositiveAmount(test, "7"),
		Description: "goodwill",
		Type:        TypeAdjustment,
	})
	if err != nil {
		test.Fatalf("transfer: %v", err)
	}
	if !result.Debit.Balance.Equal(decimal.NewFromInt(-7)) {
		test.Fatalf("expected -7, got %s", result.Debit.Balance)
	}
}

func TestTransferRejectsSameAccount(test *testing.T) {
	test.Parallel()
	service := mustNewService(test, newStubStore(test))
	account := MemberAccount(memberSystemNumber)
	_, err := service.Transfer(context.Background(), TransferRequest{
		From:        account,
		To:          account,
		Amount:      mustPositiveAmount(test, "1"),
		Description: "loop",
		Type:        TypeTransfer,
	})
	if !errors.Is(err, ErrInvalidAccount) {
		test.Fatalf(errorMismatch, ErrInvalidAccount, err)
	}
}

func TestCreditOrDebitValidation(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name            string
		account         AccountRef
		amount          decimal.Decimal
		description     string
		transactionType TransactionType
		wantErr         error
	}{
		{name: "zero account", account: AccountRef{}, amount: decimal.NewFromInt(1), description: "x", transactionType: TypeAdjustment, wantErr: ErrInvalidAccount},
		{name: "negative owner", account: MemberAccount(-1), amount: decimal.NewFromInt(1), description: "x", transactionType: TypeAdjustment, wantErr: ErrInvalidAccount},
		{name: "zero amount", account: MemberAccount(memberSystemNumber), amount: decimal.Zero, description: "x", transactionType: TypeAdjustment, wantErr: ErrInvalidAmount},
		{name: "blank description", account: MemberAccount(memberSystemNumber), amount: decimal.NewFromInt(1), description: "  ", transactionType: TypeAdjustment, wantErr: ErrInvalidDescription},
		{name: "unknown type", account: MemberAccount(memberSystemNumber), amount: decimal.NewFromInt(1), description: "x", transactionType: "Gift", wantErr: ErrInvalidTransactionType},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			store := newStubStore(test)
			service := mustNewService(test, store)
			_, err := service.CreditOrDebit(context.Background(), testCase.account, testCase.amount, testCase.description, testCase.transactionType, Links{})
			if !errors.Is(err, testCase.wantErr) {
				test.Fatalf(errorMismatch, testCase.wantErr, err)
			}
			if len(store.snapshot()) != 0 {
				test.Fatalf("expected no writes")
			}
		})
	}
}

func TestCreditOrDebitReturnsStoreErrors(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name      string
		configure func(store *stubStore)
	}{
		{name: "lock account error", configure: func(store *stubStore) { store.lockError = errStoreFailure }},
		{name: "latest balance error", configure: func(store *stubStore) { store.balanceError = errStoreFailure }},
		{name: "insert transaction error", configure: func(store *stubStore) { store.insertError = errStoreFailure }},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			store := newStubStore(test)
			testCase.configure(store)
			service := mustNewService(test, store)
			_, err := service.CreditOrDebit(context.Background(), MemberAccount(memberSystemNumber), decimal.NewFromInt(3), "x", TypeAdjustment, Links{})
			if !errors.Is(err, errStoreFailure) {
				test.Fatalf(errorMismatch, errStoreFailure, err)
			}
		})
	}
}

func TestListTransactionsDelegatesToStore(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	account := MemberAccount(memberSystemNumber)
	mustCredit(test, service, account, "1")
	mustCredit(test, service, account, "2")
	mustCredit(test, service, MemberAccount(memberSystemNumber+1), "3")

	listed, err := service.ListTransactions(context.Background(), account, 0)
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	if len(listed) != 2 || !listed[1].Balance.Equal(decimal.NewFromInt(3)) {
		test.Fatalf("unexpected transactions: %+v", listed)
	}

	store.listError = errStoreFailure
	if _, err := service.ListTransactions(context.Background(), account, 0); !errors.Is(err, errStoreFailure) {
		test.Fatalf(errorMismatch, errStoreFailure, err)
	}
}

func TestCheckBalanceChainDetectsBreak(test *testing.T) {
	test.Parallel()
	transactions := []Transaction{
		{Reference: "a", Amount: decimal.NewFromInt(10), Balance: decimal.NewFromInt(10)},
		{Reference: "b", Amount: decimal.NewFromInt(-4), Balance: decimal.NewFromInt(6)},
		{Reference: "c", Amount: decimal.NewFromInt(2), Balance: decimal.NewFromInt(9)},
	}
	if err := CheckBalanceChain(transactions[:2]); err != nil {
		test.Fatalf("unexpected error: %v", err)
	}
	if err := CheckBalanceChain(transactions); !errors.Is(err, ErrBrokenBalanceChain) {
		test.Fatalf(errorMismatch, ErrBrokenBalanceChain, err)
	}
}

func TestNewServiceRequiresDependencies(test *testing.T) {
	test.Parallel()
	_, err := NewService(nil, func() int64 { return 0 })
	if !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected invalid service config error, got %v", err)
	}
	_, err = NewService(newStubStore(test), nil)
	if !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected invalid service config error, got %v", err)
	}
}

func TestWithStoreKeepsOptions(test *testing.T) {
	test.Parallel()
	logger := &recorderLogger{}
	service := mustNewService(test, newStubStore(test), WithOperationLogger(logger), WithReferenceGenerator(func() string { return "fixed" }))
	other := newStubStore(test)
	bound := service.WithStore(other)

	transaction, err := bound.CreditOrDebit(context.Background(), MemberAccount(memberSystemNumber), decimal.NewFromInt(1), "x", TypeAdjustment, Links{})
	if err != nil {
		test.Fatalf("credit: %v", err)
	}
	if transaction.Reference != "fixed" {
		test.Fatalf("expected fixed reference, got %q", transaction.Reference)
	}
	if len(other.snapshot()) != 1 || len(logger.entries) != 1 {
		test.Fatalf("expected write to bound store and one log entry")
	}
}
