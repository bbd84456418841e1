package notification

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"rankdelivery/internal/domain"
	kafka_infra "rankdelivery/internal/infrastructure/kafka"
)

// DeliveryEventMessage is the JSON payload published for each lifecycle event.
type DeliveryEventMessage struct {
	Event        domain.DeliveryEvent `json:"event"`
	DeliveryID   string               `json:"delivery_id"`
	Username     string               `json:"username"`
	Platform     string               `json:"platform"`
	Package      string               `json:"package"`
	Status       string               `json:"status"`
	ErrorMessage *string              `json:"error_message,omitempty"`
	CreatedAt    time.Time            `json:"created_at"`
	ExecutedAt   *time.Time           `json:"executed_at,omitempty"`
	OccurredAt   time.Time            `json:"occurred_at"`
}

type Kafka struct {
	producer kafka_infra.Producer
	topic    string
	logger   *zap.Logger
	now      func() time.Time
}

func NewKafka(producer kafka_infra.Producer, topic string, logger *zap.Logger) *Kafka {
	return &Kafka{producer: producer, topic: topic, logger: logger, now: time.Now}
}

func (n *Kafka) NotifyCreated(ctx context.Context, d domain.Delivery) bool {
	return n.publish(ctx, domain.DeliveryEventCreated, d)
}

func (n *Kafka) NotifyCompleted(ctx context.Context, d domain.Delivery) bool {
	return n.publish(ctx, domain.DeliveryEventCompleted, d)
}

func (n *Kafka) NotifyFailed(ctx context.Context, d domain.Delivery) bool {
	return n.publish(ctx, domain.DeliveryEventFailed, d)
}

func (n *Kafka) publish(ctx context.Context, event domain.DeliveryEvent, d domain.Delivery) bool {
	payload, err := json.Marshal(DeliveryEventMessage{
		Event:        event,
		DeliveryID:   d.ID,
		Username:     d.Username,
		Platform:     string(d.Platform),
		Package:      d.Package,
		Status:       string(d.Status),
		ErrorMessage: d.ErrorMessage,
		CreatedAt:    d.CreatedAt,
		ExecutedAt:   d.ExecutedAt,
		OccurredAt:   n.now().UTC(),
	})
	if err != nil {
		n.logger.Error("Failed to marshal delivery event", zap.String("delivery_id", d.ID), zap.Error(err))
		return false
	}
	if err := n.producer.Produce(ctx, d.ID, n.topic, payload); err != nil {
		// Producer already logged the broker error.
		return false
	}
	return true
}
