// Package lock provides lease-based mutual exclusion keyed by topic.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrLockContention       = errors.New("lock held by another owner")
	ErrInvalidTopic         = errors.New("invalid lock topic")
	ErrInvalidLease         = errors.New("invalid lease duration")
	ErrInvalidServiceConfig = errors.New("invalid lock service config")
)

// Lease is the persisted state of one topic. An OpenUntilUnixUTC in the past means unlocked.
type Lease struct {
	Topic            string
	Owner            string
	OpenUntilUnixUTC int64
}

// HeldAt reports whether the lease is unexpired at nowUnixUTC.
func (lease Lease) HeldAt(nowUnixUTC int64) bool {
	return lease.OpenUntilUnixUTC > nowUnixUTC
}

// Store persists leases.
//
// AcquireLease must be a single atomic compare-and-swap: it succeeds only when no lease exists
// for topic or the existing lease expired at or before nowUnixUTC.
// ReleaseLease clears the lease only while owner still holds it and is a no-op otherwise.
type Store interface {
	AcquireLease(ctx context.Context, topic string, owner string, nowUnixUTC int64, openUntilUnixUTC int64) (bool, error)
	ReleaseLease(ctx context.Context, topic string, owner string) error
	GetLease(ctx context.Context, topic string) (Lease, bool, error)
}

// Service acquires and releases leases on behalf of one owner.
type Service struct {
	store Store
	nowFn func() int64
	owner string
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithOwner overrides the owner stamp written on acquisition.
func WithOwner(owner string) ServiceOption {
	return func(service *Service) {
		if strings.TrimSpace(owner) != "" {
			service.owner = owner
		}
	}
}

// NewService wires a lock Service. The default owner is DefaultOwner().
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now, owner: DefaultOwner()}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Owner returns the stamp this service writes into leases it acquires.
func (service *Service) Owner() string {
	return service.owner
}

// Acquire takes the lease for topic. It returns false, without mutating anything,
// when an unexpired lease is held by anyone, this owner included.
func (service *Service) Acquire(ctx context.Context, topic string, lease time.Duration) (bool, error) {
	normalizedTopic, err := normalizeTopic(topic)
	if err != nil {
		return false, err
	}
	if lease < time.Second {
		return false, fmt.Errorf("%w: %s", ErrInvalidLease, lease)
	}
	now := service.nowFn()
	return service.store.AcquireLease(ctx, normalizedTopic, service.owner, now, now+int64(lease/time.Second))
}

// Release clears the lease held by this owner. Releasing a lease that is not held is a no-op.
func (service *Service) Release(ctx context.Context, topic string) error {
	normalizedTopic, err := normalizeTopic(topic)
	if err != nil {
		return err
	}
	return service.store.ReleaseLease(ctx, normalizedTopic, service.owner)
}

// Inspect returns the current lease for topic and whether it is still held.
func (service *Service) Inspect(ctx context.Context, topic string) (Lease, bool, error) {
	normalizedTopic, err := normalizeTopic(topic)
	if err != nil {
		return Lease{}, false, err
	}
	lease, found, err := service.store.GetLease(ctx, normalizedTopic)
	if err != nil || !found {
		return Lease{}, false, err
	}
	return lease, lease.HeldAt(service.nowFn()), nil
}

// DefaultOwner stamps leases with host, process id and a random suffix.
func DefaultOwner() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "unknown"
	}
	return fmt.Sprintf("%s:%d:%s", hostname, os.Getpid(), uuid.NewString())
}

func normalizeTopic(topic string) (string, error) {
	trimmed := strings.TrimSpace(topic)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty value", ErrInvalidTopic)
	}
	return trimmed, nil
}
