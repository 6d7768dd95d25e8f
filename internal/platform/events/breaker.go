package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/hanko-field/checkout/internal/services"
)

// ErrPublisherUnavailable is returned while the breaker is open and events are being shed.
var ErrPublisherUnavailable = errors.New("order publisher: circuit open")

// BreakerSettings configures BreakerPublisher.
type BreakerSettings struct {
	Name           string
	Failures       int
	OpenTimeout    time.Duration
	PublishTimeout time.Duration
}

// BreakerPublisher bounds each publish with a timeout and stops calling the broker after
// consecutive failures, so a broker outage cannot stall checkout requests.
type BreakerPublisher struct {
	next    services.OrderEventPublisher
	breaker *gobreaker.CircuitBreaker[struct{}]
	timeout time.Duration
}

func NewBreakerPublisher(next services.OrderEventPublisher, settings BreakerSettings, logger *zap.Logger) (*BreakerPublisher, error) {
	if next == nil {
		return nil, errors.New("order publisher: downstream publisher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	failures := settings.Failures
	if failures <= 0 {
		failures = 5
	}
	name := settings.Name
	if name == "" {
		name = "order-events"
	}

	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(failures)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("order publisher breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return &BreakerPublisher{next: next, breaker: cb, timeout: settings.PublishTimeout}, nil
}

func (p *BreakerPublisher) PublishOrderEvent(ctx context.Context, event services.OrderEvent) error {
	_, err := p.breaker.Execute(func() (struct{}, error) {
		publishCtx := ctx
		if p.timeout > 0 {
			var cancel context.CancelFunc
			publishCtx, cancel = context.WithTimeout(ctx, p.timeout)
			defer cancel()
		}
		return struct{}{}, p.next.PublishOrderEvent(publishCtx, event)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrPublisherUnavailable, err)
	}
	return err
}

// State reports the breaker state for health reporting.
func (p *BreakerPublisher) State() gobreaker.State {
	return p.breaker.State()
}
