package session

// EntryState is the payment state of one entry.
type EntryState int

const (
	StateUnassigned EntryState = iota
	StatePaidOther
	StateUnpaidOther
	StateBridgeCreditsPending
	StateBridgeCreditsSettled
	StateIOUOutstanding
	StateIOUSettled
)

var entryStateNames = [...]string{
	StateUnassigned:           "unassigned",
	StatePaidOther:            "paid-other",
	StateUnpaidOther:          "unpaid-other",
	StateBridgeCreditsPending: "bridge-credits-pending",
	StateBridgeCreditsSettled: "bridge-credits-settled",
	StateIOUOutstanding:       "iou-outstanding",
	StateIOUSettled:           "iou-settled",
}

func (state EntryState) String() string {
	if int(state) < len(entryStateNames) {
		return entryStateNames[state]
	}
	return "unknown"
}

// StateOf derives the entry's state. An IOU entry marked paid is outstanding while a
// pending payment still exists for it.
func StateOf(entry Entry, hasPendingPayment bool) EntryState {
	switch entry.MethodKind() {
	case MethodNone:
		return StateUnassigned
	case MethodBridgeCredits:
		if entry.IsPaid {
			return StateBridgeCreditsSettled
		}
		return StateBridgeCreditsPending
	case MethodIOU:
		if !entry.IsPaid {
			return StateUnpaidOther
		}
		if hasPendingPayment {
			return StateIOUOutstanding
		}
		return StateIOUSettled
	default:
		if entry.IsPaid {
			return StatePaidOther
		}
		return StateUnpaidOther
	}
}
