package events

import (
	"context"

	"go.uber.org/zap"

	"github.com/hanko-field/checkout/internal/platform/requestctx"
	"github.com/hanko-field/checkout/internal/services"
)

// LogPublisher writes order events to the structured log. Used when no broker is configured.
type LogPublisher struct {
	logger *zap.Logger
}

func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) PublishOrderEvent(ctx context.Context, event services.OrderEvent) error {
	logger := p.logger
	if requestctx.HasLogger(ctx) {
		logger = requestctx.Logger(ctx)
	}
	logger.Info("order event",
		zap.String("type", event.Type),
		zap.String("order_id", event.OrderID),
		zap.String("order_number", event.OrderNumber),
		zap.String("user_id", event.UserID),
		zap.String("previous_status", event.PreviousStatus),
		zap.String("status", event.CurrentStatus),
		zap.String("actor_id", event.ActorID),
		zap.Time("occurred_at", event.OccurredAt),
		zap.Any("metadata", event.Metadata),
	)
	return nil
}
