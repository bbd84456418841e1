package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"rankdelivery/internal/app/deliveries"
	"rankdelivery/internal/domain"
	kafka_infra "rankdelivery/internal/infrastructure/kafka"
)

// DeliveryRequestMessageHandler creates a delivery for each request message.
// Malformed or invalid requests are logged and acknowledged; only store
// failures leave the offset uncommitted.
func DeliveryRequestMessageHandler(deliveryService deliveries.DeliveryService, logger *zap.Logger) kafka_infra.MessageHandler {
	return func(ctx context.Context, msg kafka.Message) error {
		logger.Info("Received delivery request",
			zap.String("topic", msg.Topic),
			zap.Int("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.String("key", string(msg.Key)),
		)

		var req deliveries.DeliveryRequestEvent
		if err := json.Unmarshal(msg.Value, &req); err != nil {
			logger.Error("Failed to unmarshal delivery request",
				zap.Error(err),
				zap.ByteString("value", msg.Value),
				zap.Int64("offset", msg.Offset),
			)
			return nil
		}

		d, err := deliveryService.CreateDelivery(ctx, domain.RoleOperator, req.Username, req.Platform, req.Package)
		if err != nil {
			if errors.Is(err, domain.ErrValidation) {
				logger.Warn("Dropping invalid delivery request",
					zap.String("username", req.Username),
					zap.Int64("offset", msg.Offset),
					zap.Error(err),
				)
				return nil
			}
			return fmt.Errorf("failed to create delivery for %s: %w", req.Username, err)
		}

		logger.Info("Delivery created from request",
			zap.String("delivery_id", d.ID),
			zap.String("username", d.Username),
		)
		return nil
	}
}
