package services

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/checkout/internal/domain"
)

// PricingCalculator turns resolved lines into priced totals. It has no side effects.
type PricingCalculator interface {
	Price(input PricingInput) domain.PricingBreakdown
}

// PricingInput collects everything the calculator needs.
type PricingInput struct {
	Lines          []domain.PricingLine
	CouponDiscount decimal.Decimal
	Shipping       decimal.Decimal
	TaxRate        decimal.Decimal
}

// CouponValidator evaluates a coupon code against a cart and the requesting user.
type CouponValidator interface {
	// Validate returns a *CouponRejection (wrapping ErrCouponInvalid) when a rule fails.
	Validate(ctx context.Context, check CouponCheck) (CouponOutcome, error)
}

// CouponCartItem is the (product, category) pair used for applicability filters.
type CouponCartItem struct {
	ProductID  string
	CategoryID string
}

// CouponCheck is the validator input.
type CouponCheck struct {
	Code            string
	Subtotal        decimal.Decimal
	Items           []CouponCartItem
	UserID          string
	CompletedOrders int
}

// CouponOutcome is the result of a successful validation.
type CouponOutcome struct {
	Coupon       domain.Coupon
	Discount     decimal.Decimal
	FreeShipping bool
}

// CouponService manages coupon definitions. Get and List serve the storefront and only expose
// coupons that are active and inside their validity window.
type CouponService interface {
	GetCoupon(ctx context.Context, code string) (domain.Coupon, error)
	ListCoupons(ctx context.Context, query CouponListQuery) (domain.CursorPage[domain.Coupon], error)
	CreateCoupon(ctx context.Context, cmd UpsertCouponCommand) (domain.Coupon, error)
	UpdateCoupon(ctx context.Context, cmd UpsertCouponCommand) (domain.Coupon, error)
	DeactivateCoupon(ctx context.Context, code, actorID string) (domain.Coupon, error)
}

// CouponListQuery pages through the storefront coupon list.
type CouponListQuery struct {
	PageSize  int
	PageToken string
}

// CouponFields carries the editable parts of a coupon. Nil fields are left unchanged on update;
// create requires Type, Value and ExpiresAt.
type CouponFields struct {
	Type                 *domain.CouponType
	Value                *decimal.Decimal
	MinOrderAmount       *decimal.Decimal
	MaxDiscount          *decimal.Decimal
	UsageLimit           *int
	UserUsageLimit       *int
	StartsAt             *time.Time
	ExpiresAt            *time.Time
	ApplicableProducts   *[]string
	ApplicableCategories *[]string
	ExcludedProducts     *[]string
	ExcludedCategories   *[]string
	FirstTimeOnly        *bool
	NewCustomerOnly      *bool
	Description          *string
	Active               *bool
}

// UpsertCouponCommand creates or edits the coupon stored under Code.
type UpsertCouponCommand struct {
	Code    string
	Fields  CouponFields
	ActorID string
}

// InventoryService coordinates multi-line reservations on top of the inventory ledger.
type InventoryService interface {
	// ReserveLines reserves every line in ascending product id order. On failure every reservation
	// already taken is released and an *InsufficientStockError is returned.
	ReserveLines(ctx context.Context, lines []domain.CartLine) error
	ReleaseLines(ctx context.Context, lines []domain.CartLine) error
	Available(ctx context.Context, productID string) (int, error)
}

// OrderService exposes checkout and order lifecycle operations.
type OrderService interface {
	CreateOrder(ctx context.Context, cmd CreateOrderCommand) (domain.Order, error)
	QuoteCart(ctx context.Context, cmd QuoteCommand) (Quote, error)
	GetOrder(ctx context.Context, orderID, requesterID string) (domain.Order, error)
	ListOrders(ctx context.Context, query ListOrdersQuery) (domain.CursorPage[domain.Order], error)
	CancelOrder(ctx context.Context, orderID, requesterID string) (domain.Order, error)
	TransitionStatus(ctx context.Context, cmd TransitionCommand) (domain.Order, error)
	RecordPaymentOutcome(ctx context.Context, cmd PaymentOutcomeCommand) (domain.Order, error)
	RecordRefund(ctx context.Context, cmd RefundCommand) (domain.Order, error)
}

// CreateOrderCommand carries a checkout request.
type CreateOrderCommand struct {
	UserID          string
	Items           []domain.CartLine
	ShippingAddress *domain.Address
	BillingAddress  *domain.Address
	PaymentMethod   string
	ShippingMethod  string
	CouponCode      *string
	Notes           *string
}

// QuoteCommand prices a cart without reserving stock or persisting anything.
type QuoteCommand struct {
	UserID         string
	Items          []domain.CartLine
	ShippingMethod string
	CouponCode     *string
}

// Quote is the priced preview of a cart.
type Quote struct {
	Totals       domain.OrderTotals
	Items        []domain.OrderItem
	CouponCode   *string
	FreeShipping bool
	Currency     string
}

// ListOrdersQuery pages through a user's orders, newest first.
type ListOrdersQuery struct {
	UserID    string
	Status    *domain.OrderStatus
	PageSize  int
	PageToken string
}

// TransitionCommand requests a status change from staff or fulfilment systems.
type TransitionCommand struct {
	OrderID        string
	Status         domain.OrderStatus
	TrackingNumber *string
	Note           string
	ActorID        string
}

// PaymentOutcome is the result reported by the payment gateway.
type PaymentOutcome string

const (
	PaymentOutcomePaid   PaymentOutcome = "paid"
	PaymentOutcomeFailed PaymentOutcome = "failed"
)

// PaymentOutcomeCommand records a gateway callback.
type PaymentOutcomeCommand struct {
	OrderID          string
	Outcome          PaymentOutcome
	GatewayReference string
}

// RefundCommand records a refund executed by the gateway.
type RefundCommand struct {
	OrderID          string
	Amount           decimal.Decimal
	GatewayReference string
	ActorID          string
}

// OrderEventPublisher publishes order domain events for downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// OrderEvent captures metadata for emitted order domain events.
type OrderEvent struct {
	Type           string         `json:"type"`
	OrderID        string         `json:"orderId"`
	OrderNumber    string         `json:"orderNumber"`
	UserID         string         `json:"userId"`
	PreviousStatus string         `json:"previousStatus,omitempty"`
	CurrentStatus  string         `json:"currentStatus"`
	ActorID        string         `json:"actorId,omitempty"`
	OccurredAt     time.Time      `json:"occurredAt"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}
