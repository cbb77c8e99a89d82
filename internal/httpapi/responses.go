package httpapi

import (
	"github.com/MarkoPoloResearchLab/bridgepay/pkg/session"
	"github.com/MarkoPoloResearchLab/bridgepay/pkg/settlement"
)

type entryResponse struct {
	ID            int64   `json:"id"`
	SessionID     int64   `json:"session_id"`
	Table         int     `json:"table"`
	Seat          string  `json:"seat"`
	SystemNumber  int64   `json:"system_number"`
	Participant   string  `json:"participant"`
	PaymentMethod string  `json:"payment_method,omitempty"`
	Fee           *string `json:"fee"`
	IsPaid        bool    `json:"is_paid"`
	AmountPaid    string  `json:"amount_paid"`
}

func newEntryResponse(entry session.Entry) entryResponse {
	response := entryResponse{
		ID:           entry.ID,
		SessionID:    entry.SessionID,
		Table:        entry.TableNumber,
		Seat:         entry.Seat,
		SystemNumber: entry.Participant.SystemNumber(),
		Participant:  entry.Participant.String(),
		IsPaid:       entry.IsPaid,
		AmountPaid:   entry.AmountPaid.StringFixed(2),
	}
	if entry.PaymentMethod != nil {
		response.PaymentMethod = entry.PaymentMethod.Name
	}
	if entry.Fee.Valid {
		fee := entry.Fee.Decimal.StringFixed(2)
		response.Fee = &fee
	}
	return response
}

type failureResponse struct {
	EntryID      int64  `json:"entry_id"`
	SystemNumber int64  `json:"system_number"`
	Participant  string `json:"participant"`
	Amount       string `json:"amount"`
	Reason       string `json:"reason"`
}

type settlementResponse struct {
	SuccessCount int               `json:"success_count"`
	Failures     []failureResponse `json:"failures"`
	Status       string            `json:"status"`
}

func newSettlementResponse(result settlement.Result) settlementResponse {
	response := settlementResponse{
		SuccessCount: result.SuccessCount,
		Failures:     make([]failureResponse, 0, len(result.Failures)),
		Status:       result.Status.String(),
	}
	for _, failure := range result.Failures {
		reason := ""
		if failure.Reason != nil {
			reason = failure.Reason.Error()
		}
		response.Failures = append(response.Failures, failureResponse{
			EntryID:      failure.EntryID,
			SystemNumber: failure.Participant.SystemNumber(),
			Participant:  failure.Participant.String(),
			Amount:       failure.Amount.StringFixed(2),
			Reason:       reason,
		})
	}
	return response
}
