package delivery_repo

import (
	"context"

	"rankdelivery/internal/domain"
)

// DeliveryRepository is the durable store behind the lifecycle engine.
//
// Transition must apply its read-check-write as one conditional update: it
// succeeds only while the stored status is pending, returns domain.ErrNotFound
// for an unknown id and a *domain.InvalidStateError otherwise.
type DeliveryRepository interface {
	Create(ctx context.Context, delivery *domain.Delivery) error
	GetByID(ctx context.Context, id string) (*domain.Delivery, error)
	ListPending(ctx context.Context, limit int) ([]*domain.Delivery, error)
	CountPending(ctx context.Context) (int, error)
	ListHistory(ctx context.Context, offset, limit int) ([]*domain.Delivery, int, error)
	ListByUsername(ctx context.Context, username string) ([]*domain.Delivery, error)
	Transition(ctx context.Context, t domain.Transition) (*domain.Delivery, error)
	MarkNotified(ctx context.Context, id string, event domain.DeliveryEvent) error
}
