package settlement

import (
	"context"
	"errors"

	"github.com/MarkoPoloResearchLab/bridgepay/pkg/ledger"
	"github.com/shopspring/decimal"
)

// ChargeRequest asks for one member's Bridge Credits to be taken by a club.
type ChargeRequest struct {
	SystemNumber int64
	OrgID        int64
	SessionID    int64
	Amount       decimal.Decimal
	Description  string
}

// Charger takes payment. A false result with a nil error is a declined charge.
type Charger interface {
	Charge(ctx context.Context, request ChargeRequest) (bool, error)
}

// LedgerCharger charges by transferring from the member ledger to the club ledger.
type LedgerCharger struct {
	ledger *ledger.Service
}

// NewLedgerCharger wires a LedgerCharger.
func NewLedgerCharger(ledgerService *ledger.Service) *LedgerCharger {
	return &LedgerCharger{ledger: ledgerService}
}

// Charge declines when the member balance cannot cover the amount.
func (charger *LedgerCharger) Charge(ctx context.Context, request ChargeRequest) (bool, error) {
	amount, err := ledger.NewPositiveAmount(request.Amount)
	if err != nil {
		return false, err
	}
	_, err = charger.ledger.Transfer(ctx, ledger.TransferRequest{
		From:         ledger.MemberAccount(request.SystemNumber),
		To:           ledger.OrganisationAccount(request.OrgID),
		Amount:       amount,
		Description:  request.Description,
		Type:         ledger.TypeClubPayment,
		SessionID:    request.SessionID,
		RequireFunds: true,
	})
	if errors.Is(err, ledger.ErrInsufficientFunds) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
