// Package notification delivers best-effort alerts about delivery lifecycle
// events. A Notifier never returns an error: failures are logged and reported
// as false so the caller can record whether the alert went out.
package notification

import (
	"context"

	"rankdelivery/internal/domain"
)

type Notifier interface {
	NotifyCreated(ctx context.Context, d domain.Delivery) bool
	NotifyCompleted(ctx context.Context, d domain.Delivery) bool
	NotifyFailed(ctx context.Context, d domain.Delivery) bool
}

// Notify dispatches event to the matching Notifier method.
func Notify(ctx context.Context, n Notifier, event domain.DeliveryEvent, d domain.Delivery) bool {
	switch event {
	case domain.DeliveryEventCreated:
		return n.NotifyCreated(ctx, d)
	case domain.DeliveryEventCompleted:
		return n.NotifyCompleted(ctx, d)
	case domain.DeliveryEventFailed:
		return n.NotifyFailed(ctx, d)
	}
	return false
}

// Multi fans an event out to every sink. It reports true if any sink succeeded.
type Multi []Notifier

func (m Multi) NotifyCreated(ctx context.Context, d domain.Delivery) bool {
	return m.each(ctx, domain.DeliveryEventCreated, d)
}

func (m Multi) NotifyCompleted(ctx context.Context, d domain.Delivery) bool {
	return m.each(ctx, domain.DeliveryEventCompleted, d)
}

func (m Multi) NotifyFailed(ctx context.Context, d domain.Delivery) bool {
	return m.each(ctx, domain.DeliveryEventFailed, d)
}

func (m Multi) each(ctx context.Context, event domain.DeliveryEvent, d domain.Delivery) bool {
	ok := false
	for _, n := range m {
		if Notify(ctx, n, event, d) {
			ok = true
		}
	}
	return ok
}

// Nop is used when no sink is configured.
type Nop struct{}

func (Nop) NotifyCreated(context.Context, domain.Delivery) bool   { return false }
func (Nop) NotifyCompleted(context.Context, domain.Delivery) bool { return false }
func (Nop) NotifyFailed(context.Context, domain.Delivery) bool    { return false }
