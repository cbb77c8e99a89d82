// Package notice defines the best-effort member notification contract.
package notice

import "context"

// Notification is a message addressed to one participant of a club.
type Notification struct {
	OrgID        int64
	SystemNumber int64
	Subject      string
	Body         string
}

// Notifier delivers notifications. Callers log and drop delivery errors.
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// Discard drops every notification.
type Discard struct{}

func (Discard) Notify(context.Context, Notification) error {
	return nil
}
