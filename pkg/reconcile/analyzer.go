// Package reconcile audits sessions by recomputing expected against actual ledger movement.
// It never writes.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/bridgepay/pkg/fees"
	"github.com/MarkoPoloResearchLab/bridgepay/pkg/ledger"
	"github.com/MarkoPoloResearchLab/bridgepay/pkg/session"
	"github.com/shopspring/decimal"
)

// DefaultRefundWindowDays bounds how long after a session its refunds are attributed to it.
const DefaultRefundWindowDays = 5

const (
	DirectionUnderpaid = "Underpaid"
	DirectionOverpaid  = "Overpaid"

	operationResolveFee   = "resolve_fee"
	operationAnalyze      = "analyze_session"
	operationHealthCheck  = "health_check"
	operationStatusOK     = "ok"
	operationStatusError  = "error"
	operationStatusMissed = "missing"
)

var (
	ErrDataIntegrity         = errors.New("ledger does not match session fees")
	ErrInvalidDate           = errors.New("invalid date")
	ErrInvalidAnalyzerConfig = errors.New("invalid analyzer config")
)

// RefundQuery selects member refund transactions paid by a club.
type RefundQuery struct {
	OrgID         int64
	Description   string
	FromUnixUTC   int64
	BeforeUnixUTC int64
}

// Source is the read side the analyzer audits.
type Source interface {
	ListSessionsSince(ctx context.Context, from time.Time, minimum session.Status) ([]session.Session, error)
	GetSession(ctx context.Context, sessionID int64) (session.Session, error)
	ListEntries(ctx context.Context, sessionID int64) ([]session.Entry, error)
	ListMiscPayments(ctx context.Context, sessionID int64) ([]session.MiscPayment, error)
	// SessionPayments lists member-ledger transactions linked to the session.
	SessionPayments(ctx context.Context, sessionID int64) ([]ledger.Transaction, error)
	// MemberRefunds lists member-ledger Refund transactions whose counterparty is the club.
	MemberRefunds(ctx context.Context, query RefundQuery) ([]ledger.Transaction, error)
	ListTransactions(ctx context.Context, account ledger.AccountRef, limit int) ([]ledger.Transaction, error)
}

// FeeResolver re-resolves fees that were never memoized.
type FeeResolver interface {
	ResolveFee(ctx context.Context, orgID int64, sessionTypeID int64, methodID int64, participant session.Participant) (decimal.Decimal, error)
}

// OperationLogger records analyzer activity.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes one analyzer step.
type OperationLog struct {
	Operation string
	SessionID int64
	EntryID   int64
	Detail    string
	Status    string
	Error     error
}

// AnalyzerOption configures an Analyzer.
type AnalyzerOption func(*Analyzer)

// WithRefundWindow overrides DefaultRefundWindowDays.
func WithRefundWindow(days int) AnalyzerOption {
	return func(analyzer *Analyzer) {
		if days >= 0 {
			analyzer.refundWindowDays = days
		}
	}
}

// WithOperationLogger wires an analyzer logger.
func WithOperationLogger(logger OperationLogger) AnalyzerOption {
	return func(analyzer *Analyzer) {
		analyzer.logger = logger
	}
}

// Analyzer reconciles sessions.
type Analyzer struct {
	source           Source
	fees             FeeResolver
	refundWindowDays int
	logger           OperationLogger
}

// NewAnalyzer wires an Analyzer.
func NewAnalyzer(source Source, feeResolver FeeResolver, options ...AnalyzerOption) (*Analyzer, error) {
	if source == nil || feeResolver == nil {
		return nil, fmt.Errorf("%w: source and fee resolver are required", ErrInvalidAnalyzerConfig)
	}
	analyzer := &Analyzer{source: source, fees: feeResolver, refundWindowDays: DefaultRefundWindowDays}
	for _, option := range options {
		if option != nil {
			option(analyzer)
		}
	}
	return analyzer, nil
}

// EntryFee is the fee counted for one paid Bridge Credits entry.
type EntryFee struct {
	EntryID     int64
	Participant session.Participant
	Fee         decimal.Decimal
	Missing     bool
}

// Analysis is the reconciliation of one session.
type Analysis struct {
	Session      session.Session
	EntryFees    []EntryFee
	MiscPayments []session.MiscPayment
	Payments     []ledger.Transaction
	Refunds      []ledger.Transaction

	Fees          decimal.Decimal
	Misc          decimal.Decimal
	PaymentsTotal decimal.Decimal
	RefundsTotal  decimal.Decimal
	Discrepancy   decimal.Decimal
}

// Balanced reports whether the ledger matches the session's fees.
func (analysis Analysis) Balanced() bool {
	return analysis.Discrepancy.IsZero()
}

// Direction is Underpaid when members paid less than they were charged, Overpaid when more.
func (analysis Analysis) Direction() string {
	switch analysis.Discrepancy.Sign() {
	case 1:
		return DirectionUnderpaid
	case -1:
		return DirectionOverpaid
	default:
		return ""
	}
}

// Err returns ErrDataIntegrity for an unbalanced session.
func (analysis Analysis) Err() error {
	if analysis.Balanced() {
		return nil
	}
	return fmt.Errorf("%w: session %d %s by %s", ErrDataIntegrity, analysis.Session.ID, strings.ToLower(analysis.Direction()), analysis.Discrepancy.Abs().StringFixed(2))
}

// AnalyzeSession reconciles one session.
func (analyzer *Analyzer) AnalyzeSession(ctx context.Context, sessionID int64) (Analysis, error) {
	current, err := analyzer.source.GetSession(ctx, sessionID)
	if err != nil {
		return Analysis{}, err
	}
	return analyzer.analyze(ctx, current)
}

func (analyzer *Analyzer) analyze(ctx context.Context, current session.Session) (Analysis, error) {
	analysis := Analysis{
		Session:       current,
		Fees:          decimal.Zero,
		Misc:          decimal.Zero,
		PaymentsTotal: decimal.Zero,
		RefundsTotal:  decimal.Zero,
	}

	entries, err := analyzer.source.ListEntries(ctx, current.ID)
	if err != nil {
		return Analysis{}, err
	}
	for _, entry := range entries {
		if !entry.IsPaid || entry.MethodKind() != session.MethodBridgeCredits {
			continue
		}
		entryFee, err := analyzer.paidFee(ctx, current, entry)
		if err != nil {
			return Analysis{}, err
		}
		analysis.EntryFees = append(analysis.EntryFees, entryFee)
		analysis.Fees = analysis.Fees.Add(entryFee.Fee)
	}

	miscPayments, err := analyzer.source.ListMiscPayments(ctx, current.ID)
	if err != nil {
		return Analysis{}, err
	}
	for _, miscPayment := range miscPayments {
		if !miscPayment.PaymentMade || miscPayment.MethodKind() != session.MethodBridgeCredits {
			continue
		}
		analysis.MiscPayments = append(analysis.MiscPayments, miscPayment)
		analysis.Misc = analysis.Misc.Add(miscPayment.Amount)
	}

	analysis.Payments, err = analyzer.source.SessionPayments(ctx, current.ID)
	if err != nil {
		return Analysis{}, err
	}
	analysis.PaymentsTotal = sumAmounts(analysis.Payments)

	from := civilDate(current.Date)
	analysis.Refunds, err = analyzer.source.MemberRefunds(ctx, RefundQuery{
		OrgID:         current.OrgID,
		Description:   session.RefundDescription(current),
		FromUnixUTC:   from.Unix(),
		BeforeUnixUTC: from.AddDate(0, 0, analyzer.refundWindowDays+1).Unix(),
	})
	if err != nil {
		return Analysis{}, err
	}
	analysis.RefundsTotal = sumAmounts(analysis.Refunds)

	analysis.Discrepancy = analysis.Fees.Add(analysis.Misc).Add(analysis.PaymentsTotal).Add(analysis.RefundsTotal)
	return analysis, nil
}

// paidFee counts a stale or missing schedule row as zero so one bad row cannot block an audit.
func (analyzer *Analyzer) paidFee(ctx context.Context, current session.Session, entry session.Entry) (EntryFee, error) {
	entryFee := EntryFee{EntryID: entry.ID, Participant: entry.Participant, Fee: decimal.Zero}
	if entry.Fee.Valid {
		entryFee.Fee = entry.Fee.Decimal
		return entryFee, nil
	}
	fee, err := analyzer.fees.ResolveFee(ctx, current.OrgID, current.SessionTypeID, entry.PaymentMethod.ID, entry.Participant)
	if errors.Is(err, fees.ErrMissingFeeSchedule) {
		entryFee.Missing = true
		analyzer.logOperation(ctx, OperationLog{
			Operation: operationResolveFee,
			SessionID: current.ID,
			EntryID:   entry.ID,
			Detail:    "counted as zero",
			Status:    operationStatusMissed,
			Error:     err,
		})
		return entryFee, nil
	}
	if err != nil {
		return EntryFee{}, err
	}
	entryFee.Fee = fee
	return entryFee, nil
}

// Report is the outcome of a health check run.
type Report struct {
	From    time.Time
	Rows    []Analysis
	Checked int
	Skipped int
	Errors  int
}

// Summary is the trailing line of the health check CSV.
func (report Report) Summary() string {
	return fmt.Sprintf("%d sessions checked with %d skipped and %d errors found", report.Checked, report.Skipped, report.Errors)
}

// RunHealthCheck audits every processed session dated on or after from.
// Sessions that fail to load are skipped; unbalanced ones become report rows.
func (analyzer *Analyzer) RunHealthCheck(ctx context.Context, from time.Time) (Report, error) {
	report := Report{From: civilDate(from)}
	sessions, err := analyzer.source.ListSessionsSince(ctx, report.From, session.StatusCreditsProcessed)
	if err != nil {
		return Report{}, err
	}
	for _, current := range sessions {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Checked++
		analysis, err := analyzer.analyze(ctx, current)
		if err != nil {
			report.Skipped++
			analyzer.logOperation(ctx, OperationLog{Operation: operationAnalyze, SessionID: current.ID, Error: err})
			continue
		}
		if analysis.Balanced() {
			continue
		}
		report.Errors++
		report.Rows = append(report.Rows, analysis)
		analyzer.logOperation(ctx, OperationLog{
			Operation: operationAnalyze,
			SessionID: current.ID,
			Detail:    analysis.Direction(),
			Status:    operationStatusError,
			Error:     analysis.Err(),
		})
	}
	analyzer.logOperation(ctx, OperationLog{Operation: operationHealthCheck, Detail: report.Summary()})
	return report, nil
}

// ParseDate parses a YYYY-MM-DD cutoff.
func ParseDate(raw string) (time.Time, error) {
	parsed, err := time.Parse(session.DateLayout, strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q, expected YYYY-MM-DD", ErrInvalidDate, raw)
	}
	return parsed, nil
}

func (analyzer *Analyzer) logOperation(ctx context.Context, entry OperationLog) {
	if analyzer.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	analyzer.logger.LogOperation(ctx, entry)
}

func sumAmounts(transactions []ledger.Transaction) decimal.Decimal {
	total := decimal.Zero
	for _, transaction := range transactions {
		total = total.Add(transaction.Amount)
	}
	return total
}

func civilDate(value time.Time) time.Time {
	year, month, day := value.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}
