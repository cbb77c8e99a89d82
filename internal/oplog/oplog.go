// Package oplog adapts the domain OperationLogger hooks onto zap.
package oplog

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/MarkoPoloResearchLab/bridgepay/pkg/ledger"
	"github.com/MarkoPoloResearchLab/bridgepay/pkg/payments"
	"github.com/MarkoPoloResearchLab/bridgepay/pkg/reconcile"
	"github.com/MarkoPoloResearchLab/bridgepay/pkg/settlement"
)

const statusOK = "ok"

// Ledger logs ledger operations.
type Ledger struct {
	logger *zap.Logger
}

// Payments logs entry edits and off-system runs.
type Payments struct {
	logger *zap.Logger
}

// Settlement logs bulk settlement steps.
type Settlement struct {
	logger *zap.Logger
}

// Reconcile logs analyzer steps.
type Reconcile struct {
	logger *zap.Logger
}

func NewLedger(logger *zap.Logger) *Ledger {
	return &Ledger{logger: named(logger, "ledger")}
}

func NewPayments(logger *zap.Logger) *Payments {
	return &Payments{logger: named(logger, "payments")}
}

func NewSettlement(logger *zap.Logger) *Settlement {
	return &Settlement{logger: named(logger, "settlement")}
}

func NewReconcile(logger *zap.Logger) *Reconcile {
	return &Reconcile{logger: named(logger, "reconcile")}
}

func (adapter *Ledger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	fields := []zap.Field{
		zap.String("account", entry.Account.String()),
		zap.String("amount", entry.Amount.StringFixed(2)),
		zap.String("type", string(entry.Type)),
		zap.String("description", entry.Description),
	}
	if counterparty := entry.Counterparty.String(); counterparty != "" {
		fields = append(fields, zap.String("counterparty", counterparty))
	}
	if entry.SessionID != 0 {
		fields = append(fields, zap.Int64("session_id", entry.SessionID))
	}
	write(adapter.logger, entry.Operation, entry.Status, entry.Error, fields)
}

func (adapter *Payments) LogOperation(_ context.Context, entry payments.OperationLog) {
	fields := []zap.Field{
		zap.Int64("actor", entry.Actor),
		zap.Int64("session_id", entry.SessionID),
	}
	if entry.EntryID != 0 {
		fields = append(fields, zap.Int64("entry_id", entry.EntryID))
	}
	if entry.Detail != "" {
		fields = append(fields, zap.String("detail", entry.Detail))
	}
	write(adapter.logger, entry.Operation, entry.Status, entry.Error, fields)
}

func (adapter *Settlement) LogOperation(_ context.Context, entry settlement.OperationLog) {
	fields := []zap.Field{zap.Int64("session_id", entry.SessionID)}
	if entry.EntryID != 0 {
		fields = append(fields,
			zap.Int64("entry_id", entry.EntryID),
			zap.Int64("system_number", entry.SystemNumber),
			zap.String("amount", entry.Amount.StringFixed(2)),
		)
	}
	if entry.Detail != "" {
		fields = append(fields, zap.String("detail", entry.Detail))
	}
	write(adapter.logger, entry.Operation, entry.Status, entry.Error, fields)
}

func (adapter *Reconcile) LogOperation(_ context.Context, entry reconcile.OperationLog) {
	fields := []zap.Field{zap.Int64("session_id", entry.SessionID)}
	if entry.EntryID != 0 {
		fields = append(fields, zap.Int64("entry_id", entry.EntryID))
	}
	if entry.Detail != "" {
		fields = append(fields, zap.String("detail", entry.Detail))
	}
	write(adapter.logger, entry.Operation, entry.Status, entry.Error, fields)
}

// write logs ok entries at info and everything else at warn.
func write(logger *zap.Logger, operation string, status string, err error, fields []zap.Field) {
	fields = append(fields, zap.String("status", status))
	level := zapcore.InfoLevel
	if status != statusOK || err != nil {
		level = zapcore.WarnLevel
		if err != nil {
			fields = append(fields, zap.Error(err))
		}
	}
	if checked := logger.Check(level, operation); checked != nil {
		checked.Write(fields...)
	}
}

func named(logger *zap.Logger, name string) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger.Named(name)
}

var (
	_ ledger.OperationLogger     = (*Ledger)(nil)
	_ payments.OperationLogger   = (*Payments)(nil)
	_ settlement.OperationLogger = (*Settlement)(nil)
	_ reconcile.OperationLogger  = (*Reconcile)(nil)
)
