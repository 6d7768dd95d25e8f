package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hanko-field/checkout/internal/payments"
	"github.com/hanko-field/checkout/internal/platform/httpx"
	"github.com/hanko-field/checkout/internal/platform/idempotency"
	"github.com/hanko-field/checkout/internal/platform/observability"
	"github.com/hanko-field/checkout/internal/services"
)

const (
	maxWebhookBodySize     = 64 * 1024
	stripeSignatureHeader  = "Stripe-Signature"
	webhookDedupeTTL       = 72 * time.Hour
	webhookActorID         = "system:stripe"
	webhookDedupeKeyPrefix = "webhook|stripe|"
)

// PaymentNotificationParser verifies and decodes gateway deliveries.
type PaymentNotificationParser interface {
	Parse(payload []byte, signature string) (payments.Notification, error)
}

// PaymentWebhookHandlers applies gateway callbacks to the order lifecycle.
type PaymentWebhookHandlers struct {
	parser PaymentNotificationParser
	orders services.OrderService
	dedupe idempotency.Store
	clock  func() time.Time
}

type PaymentWebhookOption func(*PaymentWebhookHandlers)

// WithWebhookDedupe records processed event ids so gateway redeliveries are acknowledged without
// being applied twice.
func WithWebhookDedupe(store idempotency.Store) PaymentWebhookOption {
	return func(h *PaymentWebhookHandlers) { h.dedupe = store }
}

func WithWebhookClock(clock func() time.Time) PaymentWebhookOption {
	return func(h *PaymentWebhookHandlers) {
		if clock != nil {
			h.clock = clock
		}
	}
}

func NewPaymentWebhookHandlers(parser PaymentNotificationParser, orders services.OrderService, opts ...PaymentWebhookOption) *PaymentWebhookHandlers {
	h := &PaymentWebhookHandlers{parser: parser, orders: orders, clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /webhooks endpoints.
func (h *PaymentWebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/payments/stripe", h.stripe)
}

type webhookAck struct {
	Received  bool   `json:"received"`
	EventID   string `json:"event_id,omitempty"`
	Outcome   string `json:"outcome,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

func (h *PaymentWebhookHandlers) stripe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.parser == nil || h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("webhook_unavailable", "payment webhooks are not configured", http.StatusServiceUnavailable))
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodySize+1))
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unable to read body", http.StatusBadRequest))
		return
	}
	if len(payload) > maxWebhookBodySize {
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		return
	}

	note, err := h.parser.Parse(payload, r.Header.Get(stripeSignatureHeader))
	switch {
	case errors.Is(err, payments.ErrInvalidSignature):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "webhook signature verification failed", http.StatusBadRequest))
		return
	case err != nil:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_event", err.Error(), http.StatusBadRequest))
		return
	}

	logger := observability.FromContext(ctx).With(
		zap.String("eventId", note.EventID),
		zap.String("eventType", note.Type),
		zap.String("orderId", note.OrderID),
	)
	if note.Kind == payments.KindIgnored {
		httpx.WriteJSON(w, http.StatusOK, webhookAck{Received: true, EventID: note.EventID, Outcome: string(payments.KindIgnored)})
		return
	}

	key := webhookDedupeKeyPrefix + note.EventID
	if h.dedupe != nil {
		res, err := h.dedupe.Reserve(ctx, key, note.EventID, h.clock().UTC(), webhookDedupeTTL)
		if err != nil {
			logger.Warn("webhook dedupe unavailable", zap.Error(err))
			httpx.WriteError(ctx, w, httpx.NewError("webhook_dedupe_unavailable", "unable to record webhook delivery", http.StatusServiceUnavailable))
			return
		}
		switch res.State {
		case idempotency.ReservationStateCompleted:
			httpx.WriteJSON(w, http.StatusOK, webhookAck{Received: true, EventID: note.EventID, Duplicate: true})
			return
		case idempotency.ReservationStatePending:
			httpx.WriteError(ctx, w, httpx.NewError("webhook_in_progress", "event is already being processed", http.StatusConflict))
			return
		}
	}

	outcome, err := h.apply(ctx, note)
	if err != nil {
		// Stale or out-of-order deliveries are acknowledged so the gateway stops retrying them.
		if services.IsOrderStateError(err) || errors.Is(err, services.ErrOrderNotFound) {
			logger.Info("webhook acknowledged without change", zap.Error(err))
			outcome = "skipped"
		} else {
			h.release(ctx, key, note.EventID, logger)
			logger.Error("webhook processing failed", zap.Error(err))
			writeOrderError(ctx, w, err)
			return
		}
	}

	if h.dedupe != nil {
		if err := h.dedupe.SaveResponse(ctx, key, note.EventID, idempotency.Response{Status: http.StatusOK}, h.clock().UTC(), webhookDedupeTTL); err != nil {
			logger.Warn("webhook dedupe save failed", zap.Error(err))
		}
	}
	httpx.WriteJSON(w, http.StatusOK, webhookAck{Received: true, EventID: note.EventID, Outcome: outcome})
}

func (h *PaymentWebhookHandlers) apply(ctx context.Context, note payments.Notification) (string, error) {
	switch note.Kind {
	case payments.KindPaymentSucceeded:
		_, err := h.orders.RecordPaymentOutcome(ctx, services.PaymentOutcomeCommand{
			OrderID:          note.OrderID,
			Outcome:          services.PaymentOutcomePaid,
			GatewayReference: note.GatewayReference,
		})
		return string(services.PaymentOutcomePaid), err
	case payments.KindPaymentFailed:
		_, err := h.orders.RecordPaymentOutcome(ctx, services.PaymentOutcomeCommand{
			OrderID:          note.OrderID,
			Outcome:          services.PaymentOutcomeFailed,
			GatewayReference: note.GatewayReference,
		})
		return string(services.PaymentOutcomeFailed), err
	case payments.KindRefunded:
		_, err := h.orders.RecordRefund(ctx, services.RefundCommand{
			OrderID:          note.OrderID,
			Amount:           note.Amount,
			GatewayReference: note.GatewayReference,
			ActorID:          webhookActorID,
		})
		return "refunded", err
	default:
		return string(payments.KindIgnored), nil
	}
}

func (h *PaymentWebhookHandlers) release(ctx context.Context, key, fingerprint string, logger *zap.Logger) {
	if h.dedupe == nil {
		return
	}
	if err := h.dedupe.Release(ctx, key, fingerprint); err != nil {
		logger.Warn("webhook dedupe release failed", zap.Error(err))
	}
}
