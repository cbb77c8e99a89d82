// Package gormstore persists ledger, session, lock and fee schedule data with GORM.
package gormstore

import (
	"context"
	"errors"

	"github.com/MarkoPoloResearchLab/bridgepay/pkg/ledger"
	"github.com/MarkoPoloResearchLab/bridgepay/pkg/session"
	gosqlite "github.com/glebarez/go-sqlite"
	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

const (
	pgUniqueViolationCode  = "23505"
	mysqlDuplicateEntry    = 1062
	sqliteConstraintCode   = 19
	errorOperationStore    = "store"
	errorSubjectAccount    = "account"
	errorSubjectTx         = "transaction"
	errorSubjectSession    = "session"
	errorSubjectEntry      = "entry"
	errorSubjectMisc       = "misc_payment"
	errorSubjectMethod     = "payment_method"
	errorSubjectPending    = "pending_payment"
	errorSubjectAudit      = "audit_event"
	errorSubjectLock       = "lock"
	errorSubjectFee        = "fee"
	errorSubjectMembership = "membership"
	errorSubjectGrant      = "grant"
	errorSubjectMember     = "member"
	errorCodeCreate        = "create"
	errorCodeDelete        = "delete"
	errorCodeDuplicate     = "duplicate"
	errorCodeGet           = "get"
	errorCodeInsert        = "insert"
	errorCodeInvalid       = "invalid"
	errorCodeList          = "list"
	errorCodeLock          = "lock"
	errorCodeLookup        = "lookup"
	errorCodeUpdate        = "update"
)

// Store implements the persistence contracts of every domain package over one gorm.DB.
type Store struct {
	db            *gorm.DB
	inTransaction bool
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction. Inside a transaction fn joins it.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.transaction(ctx, func(ctx context.Context, transactionStore *Store) error {
		return fn(ctx, transactionStore)
	})
}

// InTx runs fn with session and ledger stores sharing one transaction.
func (store *Store) InTx(ctx context.Context, fn func(ctx context.Context, sessions session.Store, accounts ledger.Store) error) error {
	return store.transaction(ctx, func(ctx context.Context, transactionStore *Store) error {
		return fn(ctx, transactionStore, transactionStore)
	})
}

type transactionKey struct{}

// transaction carries the open transaction in ctx; any Store reached with that ctx joins it.
func (store *Store) transaction(ctx context.Context, fn func(ctx context.Context, transactionStore *Store) error) error {
	if store.inTransaction {
		return fn(ctx, store)
	}
	if transaction, ok := ctx.Value(transactionKey{}).(*gorm.DB); ok {
		return fn(ctx, &Store{db: transaction, inTransaction: true})
	}
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(context.WithValue(ctx, transactionKey{}, transaction), &Store{db: transaction, inTransaction: true})
	})
}

func (store *Store) conn(ctx context.Context) *gorm.DB {
	if !store.inTransaction {
		if transaction, ok := ctx.Value(transactionKey{}).(*gorm.DB); ok {
			return transaction.WithContext(ctx)
		}
	}
	return store.db.WithContext(ctx)
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func isNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var mysqlErr *mysqldriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == mysqlDuplicateEntry
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}

func optionalID(value int64) *int64 {
	if value == 0 {
		return nil
	}
	return &value
}

func idOrZero(value *int64) int64 {
	if value == nil {
		return 0
	}
	return *value
}
