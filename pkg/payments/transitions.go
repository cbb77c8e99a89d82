package payments

import (
	"context"
	"fmt"

	"github.com/MarkoPoloResearchLab/bridgepay/pkg/ledger"
	"github.com/MarkoPoloResearchLab/bridgepay/pkg/notice"
	"github.com/MarkoPoloResearchLab/bridgepay/pkg/session"
	"github.com/shopspring/decimal"
)

// refund returns a settled Bridge Credits fee from the club to the member.
func (service *Service) refund(ctx context.Context, sessions session.Store, accounts ledger.Store, actor int64, current session.Session, entry session.Entry) error {
	amount := entry.AmountPaid
	if entry.Fee.Valid {
		amount = entry.Fee.Decimal
	}
	member, hasLedger := entry.Participant.Account()
	if !hasLedger || !amount.IsPositive() {
		return nil
	}
	refundAmount, err := ledger.NewPositiveAmount(amount)
	if err != nil {
		return err
	}
	result, err := service.ledger.WithStore(accounts).Transfer(ctx, ledger.TransferRequest{
		From:         ledger.OrganisationAccount(current.OrgID),
		To:           member,
		Amount:       refundAmount,
		Description:  session.RefundDescription(current),
		Type:         ledger.TypeRefund,
		RequireFunds: true,
	})
	if err != nil {
		return err
	}
	return sessions.InsertAuditEvent(ctx, session.AuditEvent{
		OrgID:     current.OrgID,
		SessionID: current.ID,
		Actor:     actor,
		Action:    session.ActionRefund,
		Details: map[string]any{
			"entry_id":      entry.ID,
			"system_number": entry.Participant.SystemNumber(),
			"amount":        amount.StringFixed(2),
			"reference":     result.Credit.Reference,
		},
		CreatedUnixUTC: service.nowFn(),
	})
}

// openPending records an IOU for the entry, reusing an identical existing record.
func (service *Service) openPending(ctx context.Context, sessions session.Store, actor int64, current session.Session, entry session.Entry, fee decimal.Decimal) (notice.Notification, bool, error) {
	if !fee.IsPositive() || !entry.Participant.HasLedger() {
		return notice.Notification{}, false, nil
	}
	key := session.PendingPayment{
		OrgID:        current.OrgID,
		SystemNumber: entry.Participant.SystemNumber(),
		EntryID:      entry.ID,
		Amount:       fee,
		Description:  session.PendingDescription(current),
	}
	if _, found, err := sessions.FindPendingPayment(ctx, key); err != nil {
		return notice.Notification{}, false, err
	} else if found {
		return notice.Notification{}, false, nil
	}
	key.CreatedUnixUTC = service.nowFn()
	if _, err := sessions.CreatePendingPayment(ctx, key); err != nil {
		return notice.Notification{}, false, err
	}
	if err := sessions.InsertAuditEvent(ctx, session.AuditEvent{
		OrgID:     current.OrgID,
		SessionID: current.ID,
		Actor:     actor,
		Action:    session.ActionPendingCreated,
		Details: map[string]any{
			"entry_id":      entry.ID,
			"system_number": key.SystemNumber,
			"amount":        fee.StringFixed(2),
		},
		CreatedUnixUTC: key.CreatedUnixUTC,
	}); err != nil {
		return notice.Notification{}, false, err
	}
	return notice.Notification{
		OrgID:        current.OrgID,
		SystemNumber: key.SystemNumber,
		Subject:      fmt.Sprintf("Pending Payment to %s", current.OrgName),
		Body: fmt.Sprintf("You have a pending payment of %s to %s for %s on %s.",
			fee.StringFixed(2), current.OrgName, current.Description, current.Date.Format(session.DateLayout)),
	}, true, nil
}

// closePending removes the entry's IOU records.
func (service *Service) closePending(ctx context.Context, sessions session.Store, actor int64, current session.Session, entry session.Entry) error {
	removed, err := sessions.DeletePendingPayments(ctx, current.OrgID, entry.Participant.SystemNumber(), entry.ID)
	if err != nil || removed == 0 {
		return err
	}
	return sessions.InsertAuditEvent(ctx, session.AuditEvent{
		OrgID:     current.OrgID,
		SessionID: current.ID,
		Actor:     actor,
		Action:    session.ActionPendingRemoved,
		Details: map[string]any{
			"entry_id":      entry.ID,
			"system_number": entry.Participant.SystemNumber(),
			"removed":       removed,
		},
		CreatedUnixUTC: service.nowFn(),
	})
}
