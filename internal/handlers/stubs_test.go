package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/platform/auth"
	"github.com/hanko-field/checkout/internal/services"
)

var testNow = time.Date(2024, time.March, 4, 10, 0, 0, 0, time.UTC)

type stubOrderService struct {
	createFn     func(context.Context, services.CreateOrderCommand) (domain.Order, error)
	quoteFn      func(context.Context, services.QuoteCommand) (services.Quote, error)
	getFn        func(context.Context, string, string) (domain.Order, error)
	listFn       func(context.Context, services.ListOrdersQuery) (domain.CursorPage[domain.Order], error)
	cancelFn     func(context.Context, string, string) (domain.Order, error)
	transitionFn func(context.Context, services.TransitionCommand) (domain.Order, error)
	paymentFn    func(context.Context, services.PaymentOutcomeCommand) (domain.Order, error)
	refundFn     func(context.Context, services.RefundCommand) (domain.Order, error)
}

func (s *stubOrderService) CreateOrder(ctx context.Context, cmd services.CreateOrderCommand) (domain.Order, error) {
	if s.createFn != nil {
		return s.createFn(ctx, cmd)
	}
	return domain.Order{}, nil
}

func (s *stubOrderService) QuoteCart(ctx context.Context, cmd services.QuoteCommand) (services.Quote, error) {
	if s.quoteFn != nil {
		return s.quoteFn(ctx, cmd)
	}
	return services.Quote{}, nil
}

func (s *stubOrderService) GetOrder(ctx context.Context, orderID, requesterID string) (domain.Order, error) {
	if s.getFn != nil {
		return s.getFn(ctx, orderID, requesterID)
	}
	return domain.Order{}, nil
}

func (s *stubOrderService) ListOrders(ctx context.Context, query services.ListOrdersQuery) (domain.CursorPage[domain.Order], error) {
	if s.listFn != nil {
		return s.listFn(ctx, query)
	}
	return domain.CursorPage[domain.Order]{}, nil
}

func (s *stubOrderService) CancelOrder(ctx context.Context, orderID, requesterID string) (domain.Order, error) {
	if s.cancelFn != nil {
		return s.cancelFn(ctx, orderID, requesterID)
	}
	return domain.Order{}, nil
}

func (s *stubOrderService) TransitionStatus(ctx context.Context, cmd services.TransitionCommand) (domain.Order, error) {
	if s.transitionFn != nil {
		return s.transitionFn(ctx, cmd)
	}
	return domain.Order{}, nil
}

func (s *stubOrderService) RecordPaymentOutcome(ctx context.Context, cmd services.PaymentOutcomeCommand) (domain.Order, error) {
	if s.paymentFn != nil {
		return s.paymentFn(ctx, cmd)
	}
	return domain.Order{}, nil
}

func (s *stubOrderService) RecordRefund(ctx context.Context, cmd services.RefundCommand) (domain.Order, error) {
	if s.refundFn != nil {
		return s.refundFn(ctx, cmd)
	}
	return domain.Order{}, nil
}

var _ services.OrderService = (*stubOrderService)(nil)

type stubSystemService struct {
	report domain.SystemHealthReport
	err    error
}

func (s *stubSystemService) HealthReport(context.Context) (domain.SystemHealthReport, error) {
	return s.report, s.err
}

var _ services.SystemService = (*stubSystemService)(nil)

func sampleOrder() domain.Order {
	coupon := "SPRING10"
	return domain.Order{
		ID:            "ord_1",
		OrderNumber:   "ORD-20240304-0001",
		UserID:        "user-1",
		Status:        domain.OrderStatusPending,
		PaymentStatus: domain.PaymentStatusPending,
		Currency:      "usd",
		Totals: domain.OrderTotals{
			Subtotal:       decimal.RequireFromString("100"),
			ItemDiscount:   decimal.Zero,
			CouponDiscount: decimal.RequireFromString("10"),
			Discount:       decimal.RequireFromString("10"),
			Tax:            decimal.RequireFromString("7.2"),
			Shipping:       decimal.RequireFromString("5"),
			Total:          decimal.RequireFromString("102.2"),
		},
		Items: []domain.OrderItem{{
			ProductID:       "prod-1",
			ProductName:     "Desk Lamp",
			UnitPrice:       decimal.RequireFromString("50"),
			Quantity:        2,
			DiscountPercent: decimal.Zero,
			LineTotal:       decimal.RequireFromString("100"),
			DiscountAmount:  decimal.Zero,
			FinalPrice:      decimal.RequireFromString("100"),
		}},
		ShippingAddress: domain.Address{Recipient: "Ada", Line1: "1 Main St", City: "Springfield", PostalCode: "12345", Country: "US"},
		BillingAddress:  domain.Address{Recipient: "Ada", Line1: "1 Main St", City: "Springfield", PostalCode: "12345", Country: "US"},
		PaymentMethod:   "card",
		ShippingMethod:  "standard",
		CouponCode:      &coupon,
		CreatedAt:       testNow,
		UpdatedAt:       testNow,
	}
}

// serve mounts a registrar on a fresh chi router so URL params resolve as in production.
func serve(t *testing.T, mount func(chi.Router), req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	r := chi.NewRouter()
	mount(r)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	return rr
}

func authedRequest(method, target string, body any, uid string) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		switch v := body.(type) {
		case string:
			buf.WriteString(v)
		default:
			_ = json.NewEncoder(&buf).Encode(v)
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	if uid != "" {
		req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: uid}))
	}
	return req
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response %q: %v", rr.Body.String(), err)
	}
	return body
}
