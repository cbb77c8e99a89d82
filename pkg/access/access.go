// Package access guards mutating operations with club-scoped capability checks.
package access

import (
	"context"
	"errors"
	"fmt"
)

// Capability names an action a club grants to an actor.
type Capability string

const (
	CapabilityEditPayments Capability = "payments.edit"
	CapabilitySettle       Capability = "payments.settle"
)

var ErrNotAuthorized = errors.New("not authorized")

// Authorizer answers whether actor holds capability on a club.
type Authorizer interface {
	Authorize(ctx context.Context, actor int64, capability Capability, orgID int64) (bool, error)
}

// AuthorizationError reports a denied capability check.
type AuthorizationError struct {
	Actor      int64
	Capability Capability
	OrgID      int64
}

func (authorizationError AuthorizationError) Error() string {
	return fmt.Sprintf("%v: actor %d lacks %s on club %d", ErrNotAuthorized, authorizationError.Actor, authorizationError.Capability, authorizationError.OrgID)
}

func (authorizationError AuthorizationError) Unwrap() error {
	return ErrNotAuthorized
}

// Require returns an AuthorizationError unless authorizer grants capability to actor on orgID.
// A nil authorizer denies everything.
func Require(ctx context.Context, authorizer Authorizer, actor int64, capability Capability, orgID int64) error {
	if authorizer == nil {
		return AuthorizationError{Actor: actor, Capability: capability, OrgID: orgID}
	}
	allowed, err := authorizer.Authorize(ctx, actor, capability, orgID)
	if err != nil {
		return fmt.Errorf("authorize %s: %w", capability, err)
	}
	if !allowed {
		return AuthorizationError{Actor: actor, Capability: capability, OrgID: orgID}
	}
	return nil
}

// Unrestricted grants every capability. The CLI runs with it.
type Unrestricted struct{}

func (Unrestricted) Authorize(context.Context, int64, Capability, int64) (bool, error) {
	return true, nil
}
