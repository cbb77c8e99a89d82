package reconcile

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/MarkoPoloResearchLab/bridgepay/pkg/ledger"
	"github.com/MarkoPoloResearchLab/bridgepay/pkg/session"
	"github.com/shopspring/decimal"
)

var csvHeader = []string{"Session", "Club", "Director", "Director Email", "Fees Charged", "Misc Charges", "Payments", "Refunds", "Discrepancy", "Direction"}

// WriteCSV writes the health check report: header, one row per unbalanced session, summary.
func WriteCSV(writer io.Writer, report Report) error {
	csvWriter := csv.NewWriter(writer)
	if err := csvWriter.Write(csvHeader); err != nil {
		return err
	}
	for _, analysis := range report.Rows {
		record := []string{
			strconv.FormatInt(analysis.Session.ID, 10),
			analysis.Session.OrgName,
			analysis.Session.Director.Name,
			analysis.Session.Director.Email,
			money(analysis.Fees),
			money(analysis.Misc),
			money(analysis.PaymentsTotal),
			money(analysis.RefundsTotal),
			money(analysis.Discrepancy),
			analysis.Direction(),
		}
		if err := csvWriter.Write(record); err != nil {
			return err
		}
	}
	if err := csvWriter.Write([]string{report.Summary()}); err != nil {
		return err
	}
	csvWriter.Flush()
	return csvWriter.Error()
}

// Diagnose writes a line-by-line breakdown of one session's reconciliation, followed by a
// balance-chain check of the club's ledger.
func (analyzer *Analyzer) Diagnose(ctx context.Context, writer io.Writer, sessionID int64) error {
	analysis, err := analyzer.AnalyzeSession(ctx, sessionID)
	if err != nil {
		return err
	}
	current := analysis.Session
	printer := &linePrinter{writer: writer}
	printer.printf("Session %d: %s (%s)\n", current.ID, current.Description, current.Date.Format(session.DateLayout))
	printer.printf("Club: %s (%d)\n", current.OrgName, current.OrgID)
	printer.printf("Director: %s <%s>\n", current.Director.Name, current.Director.Email)
	printer.printf("Status: %s\n\n", current.Status)

	printer.printf("Paid Bridge Credits entries (%d)\n", len(analysis.EntryFees))
	for _, entryFee := range analysis.EntryFees {
		suffix := ""
		if entryFee.Missing {
			suffix = "  (no fee schedule row, counted as zero)"
		}
		printer.printf("  entry %-6d %-24s %10s%s\n", entryFee.EntryID, entryFee.Participant, money(entryFee.Fee), suffix)
	}
	printer.printf("Paid Bridge Credits misc payments (%d)\n", len(analysis.MiscPayments))
	for _, miscPayment := range analysis.MiscPayments {
		printer.printf("  misc %-7d %-24s %10s\n", miscPayment.ID, miscPayment.Description, money(miscPayment.Amount))
	}
	printer.printf("Ledger payments linked to session (%d)\n", len(analysis.Payments))
	printTransactions(printer, analysis.Payments)
	printer.printf("Refunds (%d)\n", len(analysis.Refunds))
	printTransactions(printer, analysis.Refunds)

	printer.printf("\nFees Charged: %s\nMisc Charges: %s\nPayments:     %s\nRefunds:      %s\n",
		money(analysis.Fees), money(analysis.Misc), money(analysis.PaymentsTotal), money(analysis.RefundsTotal))
	if analysis.Balanced() {
		printer.printf("Discrepancy:  %s (balanced)\n", money(analysis.Discrepancy))
	} else {
		printer.printf("Discrepancy:  %s (%s)\n", money(analysis.Discrepancy), analysis.Direction())
	}

	club := ledger.OrganisationAccount(current.OrgID)
	history, err := analyzer.source.ListTransactions(ctx, club, 0)
	if err != nil {
		return err
	}
	if chainErr := ledger.CheckBalanceChain(history); chainErr != nil {
		printer.printf("Club ledger: %d transactions, %v\n", len(history), chainErr)
	} else {
		printer.printf("Club ledger: %d transactions, balance chain intact\n", len(history))
	}
	return printer.err
}

func printTransactions(printer *linePrinter, transactions []ledger.Transaction) {
	for _, transaction := range transactions {
		printer.printf("  %s %-20s %10s  %s  %s\n",
			time.Unix(transaction.CreatedUnixUTC, 0).UTC().Format(time.DateTime),
			transaction.Account,
			money(transaction.Amount),
			transaction.Type,
			transaction.Description)
	}
}

type linePrinter struct {
	writer io.Writer
	err    error
}

func (printer *linePrinter) printf(format string, args ...any) {
	if printer.err != nil {
		return
	}
	_, printer.err = fmt.Fprintf(printer.writer, format, args...)
}

func money(value decimal.Decimal) string {
	return value.StringFixed(2)
}
