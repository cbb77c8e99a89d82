// Package fees resolves session table fees from a club's read-only fee schedule.
package fees

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarkoPoloResearchLab/bridgepay/pkg/session"
	"github.com/shopspring/decimal"
)

var (
	ErrMissingFeeSchedule    = errors.New("missing fee schedule")
	ErrInvalidResolverConfig = errors.New("invalid fee resolver config")
)

// Key addresses one fee schedule row. A zero MembershipTypeID selects the guest fee.
type Key struct {
	OrgID            int64
	SessionTypeID    int64
	PaymentMethodID  int64
	MembershipTypeID int64
}

// IsGuest reports whether the key selects the guest fee.
func (key Key) IsGuest() bool {
	return key.MembershipTypeID == 0
}

func (key Key) String() string {
	membership := "guest"
	if !key.IsGuest() {
		membership = fmt.Sprintf("membership type %d", key.MembershipTypeID)
	}
	return fmt.Sprintf("club %d session type %d method %d %s", key.OrgID, key.SessionTypeID, key.PaymentMethodID, membership)
}

// Schedule looks up fee rows.
type Schedule interface {
	LookupFee(ctx context.Context, key Key) (decimal.Decimal, bool, error)
}

// MembershipResolver returns the membership type a member holds in a club, or false for a guest.
type MembershipResolver interface {
	ResolveMembership(ctx context.Context, systemNumber int64, orgID int64) (int64, bool, error)
}

// Resolver maps a participant onto its schedule fee.
type Resolver struct {
	schedule    Schedule
	memberships MembershipResolver
}

// NewResolver wires a Resolver.
func NewResolver(schedule Schedule, memberships MembershipResolver) (*Resolver, error) {
	if schedule == nil || memberships == nil {
		return nil, fmt.Errorf("%w: schedule and membership resolver are required", ErrInvalidResolverConfig)
	}
	return &Resolver{schedule: schedule, memberships: memberships}, nil
}

// ResolveFee returns the fee the participant owes for one session paid with methodID.
// Non-billable participants owe nothing; visitors and non-members pay the guest fee.
func (resolver *Resolver) ResolveFee(ctx context.Context, orgID int64, sessionTypeID int64, methodID int64, participant session.Participant) (decimal.Decimal, error) {
	if !participant.IsBillable() {
		return decimal.Zero, nil
	}
	key := Key{OrgID: orgID, SessionTypeID: sessionTypeID, PaymentMethodID: methodID}
	if participant.Kind() == session.ParticipantMember {
		membershipTypeID, isMember, err := resolver.memberships.ResolveMembership(ctx, participant.SystemNumber(), orgID)
		if err != nil {
			return decimal.Zero, err
		}
		if isMember {
			key.MembershipTypeID = membershipTypeID
		}
	}
	fee, found, err := resolver.schedule.LookupFee(ctx, key)
	if err != nil {
		return decimal.Zero, err
	}
	if !found {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrMissingFeeSchedule, key)
	}
	return fee, nil
}
