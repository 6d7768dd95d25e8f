package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/metric"

	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/platform/pagination"
	"github.com/hanko-field/checkout/internal/repositories"
)

const (
	orderEventCreated         = "order.created"
	orderEventShipped         = "order.shipped"
	orderEventDelivered       = "order.delivered"
	orderEventCancelled       = "order.cancelled"
	orderEventStatusChanged   = "order.status.changed"
	orderEventPaymentRecorded = "order.payment.recorded"
	orderEventRefundRecorded  = "order.refund.recorded"

	orderIDPrefix         = "ord_"
	trackingNumberPrefix  = "TRK"
	orderNumberPrefix     = "ORD-"
	orderNumberSuffixSize = 6
	orderCreateAttempts   = 3
	productLoadLimit      = 8

	defaultShippingLeadTime = 7 * 24 * time.Hour
	defaultCurrency         = "USD"
)

// CheckoutSettings carries the pricing constants applied to every checkout.
type CheckoutSettings struct {
	TaxRate          decimal.Decimal
	ShippingRates    map[string]decimal.Decimal
	ShippingLeadTime time.Duration
	Currency         string
}

// DefaultCheckoutSettings mirrors the storefront defaults: 8% tax, standard and express shipping.
func DefaultCheckoutSettings() CheckoutSettings {
	return CheckoutSettings{
		TaxRate: decimal.RequireFromString("0.08"),
		ShippingRates: map[string]decimal.Decimal{
			"standard": decimal.RequireFromString("5.99"),
			"express":  decimal.RequireFromString("15.99"),
		},
		ShippingLeadTime: defaultShippingLeadTime,
		Currency:         defaultCurrency,
	}
}

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Products    repositories.ProductRepository
	Orders      repositories.OrderRepository
	Inventory   InventoryService
	Coupons     CouponValidator
	Pricing     PricingCalculator
	Settings    CheckoutSettings
	Clock       func() time.Time
	IDGenerator func() string
	Events      OrderEventPublisher
	Meter       metric.Meter
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	products  repositories.ProductRepository
	orders    repositories.OrderRepository
	inventory InventoryService
	coupons   CouponValidator
	pricing   PricingCalculator
	settings  CheckoutSettings
	clock     func() time.Time
	newID     func() string
	events    OrderEventPublisher
	metrics   *checkoutMetrics
	logger    func(context.Context, string, map[string]any)
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Products == nil {
		return nil, errors.New("order service: product repository is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Inventory == nil {
		return nil, errors.New("order service: inventory service is required")
	}
	if deps.Coupons == nil {
		return nil, errors.New("order service: coupon validator is required")
	}

	pricing := deps.Pricing
	if pricing == nil {
		pricing = NewPricingCalculator()
	}

	settings, err := normaliseCheckoutSettings(deps.Settings)
	if err != nil {
		return nil, err
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &orderService{
		products:  deps.Products,
		orders:    deps.Orders,
		inventory: deps.Inventory,
		coupons:   deps.Coupons,
		pricing:   pricing,
		settings:  settings,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:   idGen,
		events:  deps.Events,
		metrics: newCheckoutMetrics(deps.Meter, logger),
		logger:  logger,
	}, nil
}

func normaliseCheckoutSettings(settings CheckoutSettings) (CheckoutSettings, error) {
	defaults := DefaultCheckoutSettings()
	if settings.TaxRate.IsNegative() {
		return CheckoutSettings{}, errors.New("order service: tax rate must not be negative")
	}
	if len(settings.ShippingRates) == 0 {
		settings.ShippingRates = defaults.ShippingRates
	} else {
		rates := make(map[string]decimal.Decimal, len(settings.ShippingRates))
		for method, rate := range settings.ShippingRates {
			key := normaliseShippingMethod(method)
			if key == "" || rate.IsNegative() {
				return CheckoutSettings{}, fmt.Errorf("order service: invalid shipping rate %q=%s", method, rate)
			}
			rates[key] = domain.RoundMoney(rate)
		}
		settings.ShippingRates = rates
	}
	if settings.ShippingLeadTime <= 0 {
		settings.ShippingLeadTime = defaults.ShippingLeadTime
	}
	settings.Currency = strings.ToUpper(strings.TrimSpace(settings.Currency))
	if settings.Currency == "" {
		settings.Currency = defaults.Currency
	}
	return settings, nil
}

func normaliseShippingMethod(method string) string {
	return strings.ToLower(strings.TrimSpace(method))
}

func (s *orderService) GetOrder(ctx context.Context, orderID, requesterID string) (domain.Order, error) {
	orderID = strings.TrimSpace(orderID)
	requesterID = strings.TrimSpace(requesterID)
	if orderID == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if requesterID == "" {
		return domain.Order{}, fmt.Errorf("%w: requester id is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return domain.Order{}, s.mapRepositoryError(err)
	}
	// Foreign orders are indistinguishable from missing ones.
	if order.UserID != requesterID {
		return domain.Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	return order, nil
}

func (s *orderService) ListOrders(ctx context.Context, query ListOrdersQuery) (domain.CursorPage[domain.Order], error) {
	userID := strings.TrimSpace(query.UserID)
	if userID == "" {
		return domain.CursorPage[domain.Order]{}, fmt.Errorf("%w: user id is required", ErrOrderInvalidInput)
	}
	if query.Status != nil && !query.Status.Valid() {
		return domain.CursorPage[domain.Order]{}, fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, *query.Status)
	}
	if query.PageSize < 0 {
		return domain.CursorPage[domain.Order]{}, fmt.Errorf("%w: page size must not be negative", ErrOrderInvalidInput)
	}

	page, err := s.orders.ListByUser(ctx, repositories.OrderListFilter{
		UserID:    userID,
		Status:    query.Status,
		PageSize:  query.PageSize,
		PageToken: strings.TrimSpace(query.PageToken),
	})
	if err != nil {
		if errors.Is(err, pagination.ErrInvalidPageToken) {
			return domain.CursorPage[domain.Order]{}, fmt.Errorf("%w: %v", ErrOrderInvalidInput, err)
		}
		return domain.CursorPage[domain.Order]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

func (s *orderService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict(), repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrOrderUnavailable, err)
		}
	}
	return err
}

func (s *orderService) now() time.Time {
	return s.clock()
}

func (s *orderService) nextOrderID() string {
	return orderIDPrefix + s.newID()
}

// nextOrderNumber combines the last eight digits of the unix-ms clock with the last six
// characters of a fresh ULID, which fall inside its random entropy block.
func (s *orderService) nextOrderNumber(now time.Time) string {
	millis := fmt.Sprintf("%08d", now.UnixMilli())
	millis = millis[len(millis)-8:]
	suffix := strings.ToUpper(s.newID())
	if len(suffix) > orderNumberSuffixSize {
		suffix = suffix[len(suffix)-orderNumberSuffixSize:]
	}
	return orderNumberPrefix + millis + "-" + suffix
}

func (s *orderService) nextTrackingNumber() string {
	return trackingNumberPrefix + strings.ToUpper(s.newID())
}

func (s *orderService) publishEvent(ctx context.Context, event OrderEvent) {
	if s.events == nil {
		return
	}
	if event.Metadata != nil {
		event.Metadata = maps.Clone(event.Metadata)
	}
	if err := s.events.PublishOrderEvent(ctx, event); err != nil {
		s.logger(ctx, "order.event.publish.failed", map[string]any{
			"type":   event.Type,
			"order":  event.OrderID,
			"error":  err.Error(),
			"status": event.CurrentStatus,
		})
	}
}

func orderEvent(eventType string, order domain.Order, previous domain.OrderStatus, actor string, at time.Time) OrderEvent {
	return OrderEvent{
		Type:           eventType,
		OrderID:        order.ID,
		OrderNumber:    order.OrderNumber,
		UserID:         order.UserID,
		PreviousStatus: string(previous),
		CurrentStatus:  string(order.Status),
		ActorID:        actor,
		OccurredAt:     at,
	}
}

func valuePtr[T any](v T) *T {
	return &v
}

func optionalString(v *string) string {
	if v == nil {
		return ""
	}
	return strings.TrimSpace(*v)
}
