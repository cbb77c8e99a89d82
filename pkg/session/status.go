package session

import (
	"fmt"
	"strings"
)

// Status is the ordered settlement progress of a session.
type Status int

const (
	StatusDataLoaded Status = iota + 1
	StatusCreditsProcessed
	StatusOffSystemPaymentsProcessed
	StatusComplete
)

var statusNames = map[Status]string{
	StatusDataLoaded:                 "DATA_LOADED",
	StatusCreditsProcessed:           "CREDITS_PROCESSED",
	StatusOffSystemPaymentsProcessed: "OFF_SYSTEM_PAYMENTS_PROCESSED",
	StatusComplete:                   "COMPLETE",
}

// ParseStatus validates a persisted status.
func ParseStatus(raw string) (Status, error) {
	normalized := strings.ToUpper(strings.TrimSpace(raw))
	for status, name := range statusNames {
		if name == normalized {
			return status, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
}

func (status Status) String() string {
	if name, ok := statusNames[status]; ok {
		return name
	}
	return fmt.Sprintf("Status(%d)", int(status))
}

// AtLeast reports whether status has progressed to other or beyond.
func (status Status) AtLeast(other Status) bool {
	return status >= other
}

// DeriveStatus computes a session's status from the paid state of its entries and extras.
// It never yields StatusOffSystemPaymentsProcessed; only the off-system action sets that.
// Entries for non-billable participants are ignored.
func DeriveStatus(entries []Entry, miscPayments []MiscPayment) Status {
	bridgeCreditsUnpaid := false
	otherUnpaid := false
	for _, entry := range entries {
		if !entry.Participant.IsBillable() || entry.IsPaid {
			continue
		}
		if entry.MethodKind() == MethodBridgeCredits {
			bridgeCreditsUnpaid = true
		} else {
			otherUnpaid = true
		}
	}
	for _, miscPayment := range miscPayments {
		if miscPayment.PaymentMade {
			continue
		}
		if miscPayment.MethodKind() == MethodBridgeCredits {
			bridgeCreditsUnpaid = true
		} else {
			otherUnpaid = true
		}
	}
	switch {
	case bridgeCreditsUnpaid:
		return StatusDataLoaded
	case otherUnpaid:
		return StatusCreditsProcessed
	default:
		return StatusComplete
	}
}
