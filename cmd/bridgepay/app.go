package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarkoPoloResearchLab/bridgepay/internal/config"
	"github.com/MarkoPoloResearchLab/bridgepay/internal/database"
	"github.com/MarkoPoloResearchLab/bridgepay/internal/lock/redislock"
	"github.com/MarkoPoloResearchLab/bridgepay/internal/notify"
	"github.com/MarkoPoloResearchLab/bridgepay/internal/oplog"
	"github.com/MarkoPoloResearchLab/bridgepay/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/bridgepay/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/bridgepay/pkg/access"
	"github.com/MarkoPoloResearchLab/bridgepay/pkg/fees"
	"github.com/MarkoPoloResearchLab/bridgepay/pkg/ledger"
	"github.com/MarkoPoloResearchLab/bridgepay/pkg/lock"
	"github.com/MarkoPoloResearchLab/bridgepay/pkg/notice"
	"github.com/MarkoPoloResearchLab/bridgepay/pkg/payments"
	"github.com/MarkoPoloResearchLab/bridgepay/pkg/reconcile"
	"github.com/MarkoPoloResearchLab/bridgepay/pkg/settlement"
)

// application holds the wired services of one process.
type application struct {
	db         *gorm.DB
	store      *gormstore.Store
	ledger     *ledger.Service
	charges    *ledger.Service
	payments   *payments.Service
	settlement *settlement.Processor
	analyzer   *reconcile.Analyzer
	alerter    *notify.TelegramAlerter
	closers    []func() error
}

func nowUnixUTC() int64 {
	return time.Now().UTC().Unix()
}

// newApplication opens storage and wires every service. authorizer nil means
// grants stored in the database decide.
func newApplication(ctx context.Context, cfg config.Config, logger *zap.Logger, authorizer access.Authorizer) (app *application, err error) {
	app = &application{}
	defer func() {
		if err != nil {
			app.Close()
			app = nil
		}
	}()

	db, closeDB, target, err := database.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return app, err
	}
	app.closers = append(app.closers, closeDB)
	app.db = db
	app.store = gormstore.New(db)
	if authorizer == nil {
		authorizer = app.store
	}

	ledgerService, err := ledger.NewService(app.store, nowUnixUTC, ledger.WithOperationLogger(oplog.NewLedger(logger)))
	if err != nil {
		return app, err
	}
	app.ledger = ledgerService
	app.charges = ledgerService

	// On postgres, settlement charges, balance reads and the reconciliation source run on pgx.
	var source reconcile.Source = app.store
	if target.Driver == database.DriverPostgres {
		pool, poolErr := pgxpool.New(ctx, target.DSN)
		if poolErr != nil {
			return app, fmt.Errorf("open pgx pool: %w", poolErr)
		}
		app.closers = append(app.closers, func() error {
			pool.Close()
			return nil
		})
		reader := pgstore.New(pool)
		source = reader
		charges, chargesErr := ledger.NewService(reader, nowUnixUTC, ledger.WithOperationLogger(oplog.NewLedger(logger)))
		if chargesErr != nil {
			return app, chargesErr
		}
		app.charges = charges
	}

	resolver, err := fees.NewResolver(app.store, app.store)
	if err != nil {
		return app, err
	}

	var lockStore lock.Store = app.store
	if cfg.RedisLocks() {
		client, dialErr := redislock.Dial(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if dialErr != nil {
			return app, dialErr
		}
		app.closers = append(app.closers, client.Close)
		redisStore, storeErr := redislock.New(client)
		if storeErr != nil {
			return app, storeErr
		}
		lockStore = redisStore
	}
	locks, err := lock.NewService(lockStore, nowUnixUTC)
	if err != nil {
		return app, err
	}

	var notifier notice.Notifier = notify.NewLogNotifier(logger)
	if cfg.AMQPURL != "" {
		amqpNotifier, dialErr := notify.DialAMQP(cfg.AMQPURL, cfg.NotificationQueue)
		if dialErr != nil {
			return app, dialErr
		}
		app.closers = append(app.closers, amqpNotifier.Close)
		notifier = amqpNotifier
	}

	app.payments, err = payments.NewService(app.store, resolver, ledgerService, authorizer, nowUnixUTC,
		payments.WithNotifier(notifier),
		payments.WithOperationLogger(oplog.NewPayments(logger)),
	)
	if err != nil {
		return app, err
	}

	app.settlement, err = settlement.NewProcessor(app.store, locks, settlement.NewLedgerCharger(app.charges), resolver, authorizer, nowUnixUTC,
		settlement.WithLease(cfg.SettlementLease),
		settlement.WithNotifier(notifier),
		settlement.WithOperationLogger(oplog.NewSettlement(logger)),
	)
	if err != nil {
		return app, err
	}

	app.analyzer, err = reconcile.NewAnalyzer(source, resolver,
		reconcile.WithRefundWindow(cfg.RefundWindowDays),
		reconcile.WithOperationLogger(oplog.NewReconcile(logger)),
	)
	if err != nil {
		return app, err
	}

	if cfg.TelegramToken != "" {
		bot, botErr := notify.NewTelegramBot(cfg.TelegramToken)
		if botErr != nil {
			return app, botErr
		}
		app.alerter, err = notify.NewTelegramAlerter(bot, cfg.TelegramChatID)
		if err != nil {
			return app, err
		}
	}
	return app, nil
}

// Close releases connections in reverse order of acquisition.
func (app *application) Close() error {
	var errs []error
	for index := len(app.closers) - 1; index >= 0; index-- {
		if err := app.closers[index](); err != nil {
			errs = append(errs, err)
		}
	}
	app.closers = nil
	return errors.Join(errs...)
}
