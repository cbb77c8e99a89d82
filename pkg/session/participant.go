package session

import (
	"fmt"

	"github.com/MarkoPoloResearchLab/bridgepay/pkg/ledger"
)

// Reserved system numbers persisted for non-member participants.
const (
	SystemNumberSitOut          int64 = -1
	SystemNumberVisitor         int64 = 0
	SystemNumberPlayingDirector int64 = 1
	systemAccountFirst          int64 = 2
	systemAccountLast           int64 = 9
)

// ParticipantKind is the closed set of participant identities.
type ParticipantKind int

const (
	ParticipantVisitor ParticipantKind = iota
	ParticipantMember
	ParticipantSitOut
	ParticipantPlayingDirector
	ParticipantSystemAccount
)

func (kind ParticipantKind) String() string {
	switch kind {
	case ParticipantMember:
		return "member"
	case ParticipantSitOut:
		return "sit-out"
	case ParticipantPlayingDirector:
		return "playing director"
	case ParticipantSystemAccount:
		return "system account"
	default:
		return "visitor"
	}
}

// Participant identifies who occupies a seat.
type Participant struct {
	kind         ParticipantKind
	systemNumber int64
}

// Member returns a registered member participant.
func Member(systemNumber int64) (Participant, error) {
	if systemNumber <= systemAccountLast {
		return Participant{}, fmt.Errorf("%w: %d is a reserved system number", ErrInvalidParticipant, systemNumber)
	}
	return Participant{kind: ParticipantMember, systemNumber: systemNumber}, nil
}

// Visitor is an unresolved, unregistered participant.
func Visitor() Participant {
	return Participant{kind: ParticipantVisitor, systemNumber: SystemNumberVisitor}
}

// SitOut marks an empty seat.
func SitOut() Participant {
	return Participant{kind: ParticipantSitOut, systemNumber: SystemNumberSitOut}
}

// PlayingDirector marks the director playing to fill a table.
func PlayingDirector() Participant {
	return Participant{kind: ParticipantPlayingDirector, systemNumber: SystemNumberPlayingDirector}
}

// ParseParticipant maps a persisted system number onto its participant variant.
func ParseParticipant(systemNumber int64) (Participant, error) {
	switch {
	case systemNumber == SystemNumberSitOut:
		return SitOut(), nil
	case systemNumber == SystemNumberVisitor:
		return Visitor(), nil
	case systemNumber == SystemNumberPlayingDirector:
		return PlayingDirector(), nil
	case systemNumber >= systemAccountFirst && systemNumber <= systemAccountLast:
		return Participant{kind: ParticipantSystemAccount, systemNumber: systemNumber}, nil
	case systemNumber > systemAccountLast:
		return Participant{kind: ParticipantMember, systemNumber: systemNumber}, nil
	default:
		return Participant{}, fmt.Errorf("%w: system number %d", ErrInvalidParticipant, systemNumber)
	}
}

// Kind returns the variant.
func (participant Participant) Kind() ParticipantKind {
	return participant.kind
}

// SystemNumber returns the persisted identifier.
func (participant Participant) SystemNumber() int64 {
	return participant.systemNumber
}

// IsBillable reports whether the participant owes a table fee.
// Sit-outs, playing directors and system accounts never do.
func (participant Participant) IsBillable() bool {
	return participant.kind == ParticipantMember || participant.kind == ParticipantVisitor
}

// HasLedger reports whether the participant holds a Bridge Credits account.
func (participant Participant) HasLedger() bool {
	return participant.kind == ParticipantMember
}

// Account returns the participant's member ledger account.
func (participant Participant) Account() (ledger.AccountRef, bool) {
	if !participant.HasLedger() {
		return ledger.AccountRef{}, false
	}
	return ledger.MemberAccount(participant.systemNumber), true
}

func (participant Participant) String() string {
	if participant.kind == ParticipantMember || participant.kind == ParticipantSystemAccount {
		return fmt.Sprintf("%s %d", participant.kind, participant.systemNumber)
	}
	return participant.kind.String()
}
