package handlers

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/payments"
	"github.com/hanko-field/checkout/internal/platform/idempotency"
	"github.com/hanko-field/checkout/internal/repositories/memory"
	"github.com/hanko-field/checkout/internal/services"
)

type stubNotificationParser struct {
	note payments.Notification
	err  error
	sig  string
}

func (p *stubNotificationParser) Parse(_ []byte, signature string) (payments.Notification, error) {
	p.sig = signature
	return p.note, p.err
}

func webhookRequest() *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/payments/stripe", bytes.NewBufferString(`{"id":"evt_1"}`))
	req.Header.Set(stripeSignatureHeader, "t=1,v1=abc")
	return req
}

func TestPaymentWebhook_PaymentSucceeded(t *testing.T) {
	parser := &stubNotificationParser{note: payments.Notification{
		EventID:          "evt_1",
		Type:             "payment_intent.succeeded",
		Kind:             payments.KindPaymentSucceeded,
		OrderID:          "ord_1",
		GatewayReference: "pi_1",
	}}
	var captured services.PaymentOutcomeCommand
	svc := &stubOrderService{
		paymentFn: func(_ context.Context, cmd services.PaymentOutcomeCommand) (domain.Order, error) {
			captured = cmd
			return sampleOrder(), nil
		},
	}
	handlers := NewPaymentWebhookHandlers(parser, svc)

	rr := serve(t, handlers.Routes, webhookRequest())

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if parser.sig != "t=1,v1=abc" {
		t.Fatalf("expected signature header to reach parser, got %q", parser.sig)
	}
	if captured.OrderID != "ord_1" || captured.Outcome != services.PaymentOutcomePaid || captured.GatewayReference != "pi_1" {
		t.Fatalf("unexpected command %+v", captured)
	}
	if body := decodeBody(t, rr); body["outcome"] != "paid" {
		t.Fatalf("unexpected ack %v", body)
	}
}

func TestPaymentWebhook_PaymentFailed(t *testing.T) {
	parser := &stubNotificationParser{note: payments.Notification{EventID: "evt_2", Kind: payments.KindPaymentFailed, OrderID: "ord_1"}}
	var outcome services.PaymentOutcome
	svc := &stubOrderService{
		paymentFn: func(_ context.Context, cmd services.PaymentOutcomeCommand) (domain.Order, error) {
			outcome = cmd.Outcome
			return sampleOrder(), nil
		},
	}
	rr := serve(t, NewPaymentWebhookHandlers(parser, svc).Routes, webhookRequest())

	if rr.Code != http.StatusOK || outcome != services.PaymentOutcomeFailed {
		t.Fatalf("expected failed outcome to be recorded, status=%d outcome=%s", rr.Code, outcome)
	}
}

func TestPaymentWebhook_Refund(t *testing.T) {
	parser := &stubNotificationParser{note: payments.Notification{
		EventID:          "evt_3",
		Kind:             payments.KindRefunded,
		OrderID:          "ord_1",
		GatewayReference: "re_1",
		Amount:           decimal.RequireFromString("12.34"),
	}}
	var captured services.RefundCommand
	svc := &stubOrderService{
		refundFn: func(_ context.Context, cmd services.RefundCommand) (domain.Order, error) {
			captured = cmd
			return sampleOrder(), nil
		},
	}
	rr := serve(t, NewPaymentWebhookHandlers(parser, svc).Routes, webhookRequest())

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !captured.Amount.Equal(decimal.RequireFromString("12.34")) || captured.ActorID != webhookActorID {
		t.Fatalf("unexpected refund command %+v", captured)
	}
}

func TestPaymentWebhook_InvalidSignature(t *testing.T) {
	parser := &stubNotificationParser{err: payments.ErrInvalidSignature}
	svc := &stubOrderService{
		paymentFn: func(context.Context, services.PaymentOutcomeCommand) (domain.Order, error) {
			t.Fatal("service should not be called")
			return domain.Order{}, nil
		},
	}
	rr := serve(t, NewPaymentWebhookHandlers(parser, svc).Routes, webhookRequest())

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if body := decodeBody(t, rr); body["error"] != "invalid_signature" {
		t.Fatalf("unexpected error %v", body["error"])
	}
}

func TestPaymentWebhook_IgnoredEvent(t *testing.T) {
	parser := &stubNotificationParser{note: payments.Notification{EventID: "evt_4", Type: "customer.created", Kind: payments.KindIgnored}}
	rr := serve(t, NewPaymentWebhookHandlers(parser, &stubOrderService{}).Routes, webhookRequest())

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if body := decodeBody(t, rr); body["outcome"] != "ignored" {
		t.Fatalf("unexpected ack %v", body)
	}
}

func TestPaymentWebhook_DuplicateDeliveryAppliedOnce(t *testing.T) {
	parser := &stubNotificationParser{note: payments.Notification{EventID: "evt_5", Kind: payments.KindPaymentSucceeded, OrderID: "ord_1"}}
	calls := 0
	svc := &stubOrderService{
		paymentFn: func(context.Context, services.PaymentOutcomeCommand) (domain.Order, error) {
			calls++
			return sampleOrder(), nil
		},
	}
	handlers := NewPaymentWebhookHandlers(parser, svc, WithWebhookDedupe(idempotency.NewMemoryStore()), WithWebhookClock(func() time.Time { return testNow }))

	first := serve(t, handlers.Routes, webhookRequest())
	second := serve(t, handlers.Routes, webhookRequest())

	if first.Code != http.StatusOK || second.Code != http.StatusOK {
		t.Fatalf("expected both deliveries acknowledged, got %d and %d", first.Code, second.Code)
	}
	if calls != 1 {
		t.Fatalf("expected one application, got %d", calls)
	}
	if body := decodeBody(t, second); body["duplicate"] != true {
		t.Fatalf("expected duplicate flag, got %v", body)
	}
}

func TestPaymentWebhook_StaleEventAcknowledged(t *testing.T) {
	parser := &stubNotificationParser{note: payments.Notification{EventID: "evt_6", Kind: payments.KindPaymentSucceeded, OrderID: "ord_1"}}
	svc := &stubOrderService{
		paymentFn: func(context.Context, services.PaymentOutcomeCommand) (domain.Order, error) {
			return domain.Order{}, services.ErrOrderAlreadyPaid
		},
	}
	rr := serve(t, NewPaymentWebhookHandlers(parser, svc).Routes, webhookRequest())

	if rr.Code != http.StatusOK {
		t.Fatalf("expected already-paid to be acknowledged, got %d", rr.Code)
	}
	if body := decodeBody(t, rr); body["outcome"] != "skipped" {
		t.Fatalf("unexpected ack %v", body)
	}
}

func TestPaymentWebhook_TransientFailureReleasesDedupe(t *testing.T) {
	parser := &stubNotificationParser{note: payments.Notification{EventID: "evt_7", Kind: payments.KindPaymentSucceeded, OrderID: "ord_1"}}
	fail := true
	svc := &stubOrderService{
		paymentFn: func(context.Context, services.PaymentOutcomeCommand) (domain.Order, error) {
			if fail {
				return domain.Order{}, errors.Join(services.ErrOrderUnavailable, errors.New("deadline exceeded"))
			}
			return sampleOrder(), nil
		},
	}
	handlers := NewPaymentWebhookHandlers(parser, svc, WithWebhookDedupe(idempotency.NewMemoryStore()))

	rr := serve(t, handlers.Routes, webhookRequest())
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 so the gateway retries, got %d", rr.Code)
	}

	fail = false
	rr = serve(t, handlers.Routes, webhookRequest())
	if rr.Code != http.StatusOK {
		t.Fatalf("expected retry to succeed, got %d", rr.Code)
	}
	if body := decodeBody(t, rr); body["duplicate"] == true {
		t.Fatalf("retry after failure must not be treated as duplicate")
	}
}

func TestPaymentWebhook_SucceededAfterFailedReachesPaid(t *testing.T) {
	store := memory.NewStore()
	store.PutProduct(domain.Product{ID: "prod-1", Name: "Desk Lamp", CategoryID: "lighting", UnitPrice: decimal.RequireFromString("50"), Stock: 4, Active: true})
	inventory, err := services.NewInventoryService(services.InventoryServiceDeps{Ledger: store.Inventory()})
	if err != nil {
		t.Fatalf("new inventory service: %v", err)
	}
	coupons, err := services.NewCouponValidator(services.CouponValidatorDeps{Coupons: store.Coupons()})
	if err != nil {
		t.Fatalf("new coupon validator: %v", err)
	}
	orders, err := services.NewOrderService(services.OrderServiceDeps{
		Products:  store.Products(),
		Orders:    store.Orders(),
		Inventory: inventory,
		Coupons:   coupons,
		Clock:     func() time.Time { return testNow },
	})
	if err != nil {
		t.Fatalf("new order service: %v", err)
	}
	address := &domain.Address{Recipient: "Ada", Line1: "1 Main St", City: "Springfield", PostalCode: "12345", Country: "US"}
	order, err := orders.CreateOrder(context.Background(), services.CreateOrderCommand{
		UserID:          "user-1",
		Items:           []domain.CartLine{{ProductID: "prod-1", Quantity: 1}},
		ShippingAddress: address,
		BillingAddress:  address,
		PaymentMethod:   "card",
		ShippingMethod:  "standard",
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}

	parser := &stubNotificationParser{}
	handlers := NewPaymentWebhookHandlers(parser, orders, WithWebhookDedupe(idempotency.NewMemoryStore()))

	parser.note = payments.Notification{EventID: "evt_fail", Kind: payments.KindPaymentFailed, OrderID: order.ID, GatewayReference: "pi_1"}
	rr := serve(t, handlers.Routes, webhookRequest())
	if rr.Code != http.StatusOK {
		t.Fatalf("expected failure to be acknowledged, got %d", rr.Code)
	}
	if body := decodeBody(t, rr); body["outcome"] != "failed" {
		t.Fatalf("unexpected ack %v", body)
	}

	parser.note = payments.Notification{EventID: "evt_paid", Kind: payments.KindPaymentSucceeded, OrderID: order.ID, GatewayReference: "pi_1"}
	rr = serve(t, handlers.Routes, webhookRequest())
	if rr.Code != http.StatusOK {
		t.Fatalf("expected success to be acknowledged, got %d", rr.Code)
	}
	if body := decodeBody(t, rr); body["outcome"] != "paid" {
		t.Fatalf("expected retried payment to apply, got %v", body)
	}

	stored, err := store.Orders().FindByID(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("find order: %v", err)
	}
	if stored.PaymentStatus != domain.PaymentStatusPaid || stored.Status != domain.OrderStatusConfirmed {
		t.Fatalf("expected paid confirmed order, got %s/%s", stored.Status, stored.PaymentStatus)
	}
}
