// Package pgstore reads and appends ledger data with raw pgx queries against the schema
// gormstore migrates. On PostgreSQL deployments settlement charges go through it, and the
// health check audits sessions with it.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/bridgepay/pkg/ledger"
	"github.com/MarkoPoloResearchLab/bridgepay/pkg/reconcile"
	"github.com/MarkoPoloResearchLab/bridgepay/pkg/session"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const (
	pgUniqueViolationCode = "23505"
	errorOperationStore   = "store"
	errorSubjectAccount   = "account"
	errorSubjectTx        = "transaction"
	errorSubjectSession   = "session"
	errorSubjectEntry     = "entry"
	errorSubjectMisc      = "misc_payment"
	errorCodeBegin        = "begin"
	errorCodeCommit       = "commit"
	errorCodeCreate       = "create"
	errorCodeDuplicate    = "duplicate"
	errorCodeGet          = "get"
	errorCodeInsert       = "insert"
	errorCodeInvalid      = "invalid"
	errorCodeList         = "list"
	errorCodeLock         = "lock"
	errorCodeLookup       = "lookup"

	sqlInsertAccount = `
		insert into ledger_accounts(account_key, kind, owner_id) values($1, $2, $3)
		on conflict (account_key) do nothing
	`

	sqlLockAccount = `
		select account_key from ledger_accounts where account_key = $1 for update
	`

	sqlLatestBalance = `
		select balance::text from ledger_transactions
		where account_key = $1
		order by id desc
		limit 1
	`

	sqlInsertTransaction = `
		insert into ledger_transactions(
			reference, account_key, account_kind, owner_id, amount, balance,
			description, type, counterparty_key, session_id, created_unix_utc
		)
		values($1, $2, $3, $4, $5::numeric, $6::numeric, $7, $8, $9, nullif($10::bigint, 0), $11)
		returning id
	`

	sqlTransactionColumns = `
		select id, reference, account_key, amount::text, balance::text, description, type,
			counterparty_key, coalesce(session_id, 0), created_unix_utc
		from ledger_transactions
	`

	sqlSessionColumns = `
		select s.id, s.org_id, coalesce(o.name, ''), s.session_type_id, s.director_system_number,
			coalesce(m.first_name || ' ' || m.last_name, ''), coalesce(m.email, ''),
			s.description, s.session_date, s.status, coalesce(s.default_secondary_payment_method_id, 0)
		from sessions s
		left join organisations o on o.id = s.org_id
		left join members m on m.system_number = s.director_system_number
	`

	sqlListEntries = `
		select e.id, e.session_id, e.table_number, e.seat, e.system_number,
			coalesce(pm.id, 0), coalesce(pm.org_id, 0), coalesce(pm.name, ''), coalesce(pm.active, false),
			e.fee::text, e.is_paid, e.amount_paid::text
		from session_entries e
		left join org_payment_methods pm on pm.id = e.payment_method_id
		where e.session_id = $1
		order by e.table_number asc, e.seat asc, e.id asc
	`

	sqlListMiscPayments = `
		select mp.id, mp.session_entry_id, mp.description,
			coalesce(pm.id, 0), coalesce(pm.org_id, 0), coalesce(pm.name, ''), coalesce(pm.active, false),
			mp.amount::text, mp.payment_made
		from session_misc_payments mp
		join session_entries e on e.id = mp.session_entry_id
		left join org_payment_methods pm on pm.id = mp.payment_method_id
		where e.session_id = $1
		order by mp.id asc
	`
)

// querier is the query surface shared by a pool and an open transaction.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements ledger.Store and reconcile.Source using a pgx connection pool (autocommit).
type Store struct {
	queries
	pool *pgxpool.Pool
}

// TxStore implements ledger.Store for an active transaction.
type TxStore struct {
	queries
}

type queries struct {
	db querier
}

var (
	_ ledger.Store     = (*Store)(nil)
	_ ledger.Store     = (*TxStore)(nil)
	_ reconcile.Source = (*Store)(nil)
)

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{queries: queries{db: pool}, pool: pool}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTx, errorCodeBegin, err)
	}
	transactionStore := &TxStore{queries: queries{db: tx}}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTx, errorCodeCommit, err)
	}
	return nil
}

func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return fn(ctx, store)
}

// LockAccount creates the account row if needed and holds its row lock for the transaction.
func (store queries) LockAccount(ctx context.Context, account ledger.AccountRef) error {
	if _, err := store.db.Exec(ctx, sqlInsertAccount, account.String(), account.Kind().String(), account.OwnerID()); err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	var accountKey string
	if err := store.db.QueryRow(ctx, sqlLockAccount, account.String()).Scan(&accountKey); err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeLock, err)
	}
	return nil
}

func (store queries) LatestBalance(ctx context.Context, account ledger.AccountRef) (decimal.Decimal, error) {
	var balanceValue string
	err := store.db.QueryRow(ctx, sqlLatestBalance, account.String()).Scan(&balanceValue)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, wrapStoreError(errorSubjectTx, errorCodeLookup, err)
	}
	balance, err := decimal.NewFromString(balanceValue)
	if err != nil {
		return decimal.Zero, wrapStoreError(errorSubjectTx, errorCodeInvalid, err)
	}
	return balance, nil
}

func (store queries) InsertTransaction(ctx context.Context, input ledger.TransactionInput) (ledger.Transaction, error) {
	var id int64
	err := store.db.QueryRow(ctx, sqlInsertTransaction,
		input.Reference,
		input.Account.String(),
		input.Account.Kind().String(),
		input.Account.OwnerID(),
		input.Amount.String(),
		input.Balance.String(),
		input.Description,
		input.Type.String(),
		input.Links.Counterparty.String(),
		input.Links.SessionID,
		input.CreatedUnixUTC,
	).Scan(&id)
	if isUniqueViolation(err) {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTx, errorCodeDuplicate, ledger.ErrDuplicateReference)
	}
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTx, errorCodeInsert, err)
	}
	return ledger.Transaction{
		ID:             id,
		Reference:      input.Reference,
		Account:        input.Account,
		Amount:         input.Amount,
		Balance:        input.Balance,
		Description:    input.Description,
		Type:           input.Type,
		Links:          input.Links,
		CreatedUnixUTC: input.CreatedUnixUTC,
	}, nil
}

func (store queries) ListTransactions(ctx context.Context, account ledger.AccountRef, limit int) ([]ledger.Transaction, error) {
	query := sqlTransactionColumns + ` where account_key = $1 order by id asc`
	arguments := []any{account.String()}
	if limit > 0 {
		query += ` limit $2`
		arguments = append(arguments, limit)
	}
	return store.listTransactions(ctx, query, arguments...)
}

// SessionPayments lists member-ledger transactions linked to the session.
func (store queries) SessionPayments(ctx context.Context, sessionID int64) ([]ledger.Transaction, error) {
	return store.listTransactions(ctx,
		sqlTransactionColumns+` where session_id = $1 and account_kind = $2 order by id asc`,
		sessionID, ledger.AccountKindMember.String())
}

// MemberRefunds lists member Refund transactions paid by the club inside the query window.
func (store queries) MemberRefunds(ctx context.Context, query reconcile.RefundQuery) ([]ledger.Transaction, error) {
	return store.listTransactions(ctx,
		sqlTransactionColumns+`
		where account_kind = $1 and type = $2 and counterparty_key = $3 and description = $4
			and created_unix_utc >= $5 and created_unix_utc < $6
		order by id asc`,
		ledger.AccountKindMember.String(),
		ledger.TypeRefund.String(),
		ledger.OrganisationAccount(query.OrgID).String(),
		query.Description,
		query.FromUnixUTC,
		query.BeforeUnixUTC,
	)
}

func (store queries) listTransactions(ctx context.Context, query string, arguments ...any) ([]ledger.Transaction, error) {
	rows, err := store.db.Query(ctx, query, arguments...)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTx, errorCodeList, err)
	}
	defer rows.Close()
	transactions, err := scanTransactions(rows)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTx, errorCodeInvalid, err)
	}
	return transactions, nil
}

// ListSessionsSince lists sessions dated on or after from whose status is at least minimum.
func (store queries) ListSessionsSince(ctx context.Context, from time.Time, minimum session.Status) ([]session.Session, error) {
	rows, err := store.db.Query(ctx,
		sqlSessionColumns+` where s.session_date >= $1 and s.status = any($2) order by s.session_date asc, s.id asc`,
		from.Format(session.DateLayout), statusNamesFrom(minimum))
	if err != nil {
		return nil, wrapStoreError(errorSubjectSession, errorCodeList, err)
	}
	defer rows.Close()
	sessions := make([]session.Session, 0, 16)
	for rows.Next() {
		current, err := scanSession(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectSession, errorCodeInvalid, err)
		}
		sessions = append(sessions, current)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectSession, errorCodeList, err)
	}
	return sessions, nil
}

func (store queries) GetSession(ctx context.Context, sessionID int64) (session.Session, error) {
	current, err := scanSession(store.db.QueryRow(ctx, sqlSessionColumns+` where s.id = $1`, sessionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return session.Session{}, wrapStoreError(errorSubjectSession, errorCodeGet, fmt.Errorf("%w: %d", session.ErrSessionNotFound, sessionID))
	}
	if err != nil {
		return session.Session{}, wrapStoreError(errorSubjectSession, errorCodeGet, err)
	}
	return current, nil
}

// ListEntries lists a session's entries by table and seat.
func (store queries) ListEntries(ctx context.Context, sessionID int64) ([]session.Entry, error) {
	rows, err := store.db.Query(ctx, sqlListEntries, sessionID)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	defer rows.Close()
	entries := make([]session.Entry, 0, 32)
	for rows.Next() {
		var (
			entry        session.Entry
			systemNumber int64
			method       session.PaymentMethod
			feeValue     *string
			amountPaid   string
		)
		if err := rows.Scan(
			&entry.ID,
			&entry.SessionID,
			&entry.TableNumber,
			&entry.Seat,
			&systemNumber,
			&method.ID,
			&method.OrgID,
			&method.Name,
			&method.Active,
			&feeValue,
			&entry.IsPaid,
			&amountPaid,
		); err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		if entry.Participant, err = session.ParseParticipant(systemNumber); err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entry.PaymentMethod = optionalMethod(method)
		if entry.Fee, err = parseNullDecimal(feeValue); err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		if entry.AmountPaid, err = decimal.NewFromString(amountPaid); err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return entries, nil
}

func (store queries) ListMiscPayments(ctx context.Context, sessionID int64) ([]session.MiscPayment, error) {
	rows, err := store.db.Query(ctx, sqlListMiscPayments, sessionID)
	if err != nil {
		return nil, wrapStoreError(errorSubjectMisc, errorCodeList, err)
	}
	defer rows.Close()
	miscPayments := make([]session.MiscPayment, 0, 8)
	for rows.Next() {
		var (
			miscPayment session.MiscPayment
			method      session.PaymentMethod
			amount      string
		)
		if err := rows.Scan(
			&miscPayment.ID,
			&miscPayment.EntryID,
			&miscPayment.Description,
			&method.ID,
			&method.OrgID,
			&method.Name,
			&method.Active,
			&amount,
			&miscPayment.PaymentMade,
		); err != nil {
			return nil, wrapStoreError(errorSubjectMisc, errorCodeInvalid, err)
		}
		miscPayment.PaymentMethod = optionalMethod(method)
		if miscPayment.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, wrapStoreError(errorSubjectMisc, errorCodeInvalid, err)
		}
		miscPayments = append(miscPayments, miscPayment)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectMisc, errorCodeList, err)
	}
	return miscPayments, nil
}

func scanSession(row pgx.Row) (session.Session, error) {
	var (
		current     session.Session
		dateValue   string
		statusValue string
	)
	if err := row.Scan(
		&current.ID,
		&current.OrgID,
		&current.OrgName,
		&current.SessionTypeID,
		&current.Director.SystemNumber,
		&current.Director.Name,
		&current.Director.Email,
		&current.Description,
		&dateValue,
		&statusValue,
		&current.FallbackMethodID,
	); err != nil {
		return session.Session{}, err
	}
	date, err := time.Parse(session.DateLayout, dateValue)
	if err != nil {
		return session.Session{}, err
	}
	current.Date = date
	if current.Status, err = session.ParseStatus(statusValue); err != nil {
		return session.Session{}, err
	}
	return current, nil
}

func scanTransactions(rows pgx.Rows) ([]ledger.Transaction, error) {
	transactions := make([]ledger.Transaction, 0, 32)
	for rows.Next() {
		var (
			transaction       ledger.Transaction
			accountValue      string
			amountValue       string
			balanceValue      string
			typeValue         string
			counterpartyValue string
		)
		if err := rows.Scan(
			&transaction.ID,
			&transaction.Reference,
			&accountValue,
			&amountValue,
			&balanceValue,
			&transaction.Description,
			&typeValue,
			&counterpartyValue,
			&transaction.Links.SessionID,
			&transaction.CreatedUnixUTC,
		); err != nil {
			return nil, err
		}
		var err error
		if transaction.Account, err = ledger.ParseAccountRef(accountValue); err != nil {
			return nil, err
		}
		if counterpartyValue != "" {
			if transaction.Links.Counterparty, err = ledger.ParseAccountRef(counterpartyValue); err != nil {
				return nil, err
			}
		}
		if transaction.Amount, err = decimal.NewFromString(amountValue); err != nil {
			return nil, err
		}
		if transaction.Balance, err = decimal.NewFromString(balanceValue); err != nil {
			return nil, err
		}
		if transaction.Type, err = ledger.ParseTransactionType(typeValue); err != nil {
			return nil, err
		}
		transactions = append(transactions, transaction)
	}
	return transactions, rows.Err()
}

func optionalMethod(method session.PaymentMethod) *session.PaymentMethod {
	if method.ID == 0 {
		return nil
	}
	return &method
}

func parseNullDecimal(value *string) (decimal.NullDecimal, error) {
	if value == nil {
		return decimal.NullDecimal{}, nil
	}
	parsed, err := decimal.NewFromString(*value)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NewNullDecimal(parsed), nil
}

var allStatuses = []session.Status{
	session.StatusDataLoaded,
	session.StatusCreditsProcessed,
	session.StatusOffSystemPaymentsProcessed,
	session.StatusComplete,
}

func statusNamesFrom(minimum session.Status) []string {
	names := make([]string, 0, len(allStatuses))
	for _, status := range allStatuses {
		if status.AtLeast(minimum) {
			names = append(names, status.String())
		}
	}
	return names
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolationCode
}
