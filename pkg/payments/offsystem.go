package payments

import (
	"context"
	"fmt"

	"github.com/MarkoPoloResearchLab/bridgepay/pkg/access"
	"github.com/MarkoPoloResearchLab/bridgepay/pkg/ledger"
	"github.com/MarkoPoloResearchLab/bridgepay/pkg/session"
	"github.com/shopspring/decimal"
)

// OffSystemResult summarizes a bulk off-system run.
type OffSystemResult struct {
	EntriesMarked      int
	MiscPaymentsMarked int
	Status             session.Status
}

// ProcessOffSystemPayments marks every unpaid item settled outside the ledger as paid.
// Items on Bridge Credits, IOU or no method are left alone.
func (service *Service) ProcessOffSystemPayments(ctx context.Context, actor int64, sessionID int64) (OffSystemResult, error) {
	var result OffSystemResult
	operationError := service.work.InTx(ctx, func(ctx context.Context, sessions session.Store, _ ledger.Store) error {
		current, err := sessions.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if err := access.Require(ctx, service.authorizer, actor, access.CapabilitySettle, current.OrgID); err != nil {
			return err
		}
		entries, err := sessions.ListEntries(ctx, sessionID)
		if err != nil {
			return err
		}
		for index := range entries {
			entry := &entries[index]
			if !entry.Participant.IsBillable() || entry.IsPaid || entry.MethodKind() != session.MethodOffSystem {
				continue
			}
			fee, err := service.entryFee(ctx, current, *entry)
			if err != nil {
				return err
			}
			entry.Fee = decimal.NewNullDecimal(fee)
			setPaid(entry, true)
			if err := sessions.UpdateEntry(ctx, *entry); err != nil {
				return err
			}
			result.EntriesMarked++
		}
		miscPayments, err := sessions.ListMiscPayments(ctx, sessionID)
		if err != nil {
			return err
		}
		for index := range miscPayments {
			miscPayment := &miscPayments[index]
			if miscPayment.PaymentMade || miscPayment.MethodKind() != session.MethodOffSystem {
				continue
			}
			miscPayment.PaymentMade = true
			if err := sessions.UpdateMiscPayment(ctx, *miscPayment); err != nil {
				return err
			}
			result.MiscPaymentsMarked++
		}

		switch derived := session.DeriveStatus(entries, miscPayments); derived {
		case session.StatusComplete, session.StatusDataLoaded:
			result.Status = derived
		default:
			result.Status = session.StatusOffSystemPaymentsProcessed
		}
		if err := sessions.UpdateSessionStatus(ctx, sessionID, result.Status); err != nil {
			return err
		}
		return sessions.InsertAuditEvent(ctx, session.AuditEvent{
			OrgID:     current.OrgID,
			SessionID: sessionID,
			Actor:     actor,
			Action:    session.ActionOffSystem,
			Details: map[string]any{
				"entries":       result.EntriesMarked,
				"misc_payments": result.MiscPaymentsMarked,
				"status":        result.Status.String(),
			},
			CreatedUnixUTC: service.nowFn(),
		})
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationOffSystem,
		Actor:     actor,
		SessionID: sessionID,
		Detail:    fmt.Sprintf("entries=%d misc=%d", result.EntriesMarked, result.MiscPaymentsMarked),
		Error:     operationError,
	})
	return result, operationError
}
