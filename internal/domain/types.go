package domain

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Product is the catalog projection read during checkout. Stock is owned by the inventory ledger.
type Product struct {
	ID              string
	Name            string
	CategoryID      string
	UnitPrice       decimal.Decimal
	DiscountPercent decimal.Decimal
	Stock           int
	Active          bool
	UpdatedAt       time.Time
}

// CartLine is a caller supplied request for a product quantity.
type CartLine struct {
	ProductID string
	Quantity  int
}

// Address captures shipping and billing snapshots stored on the order.
type Address struct {
	Recipient  string
	Line1      string
	Line2      *string
	City       string
	State      *string
	PostalCode string
	Country    string
	Phone      *string
}

// CouponType enumerates supported discount kinds.
type CouponType string

const (
	CouponTypePercentage   CouponType = "percentage"
	CouponTypeFixed        CouponType = "fixed"
	CouponTypeFreeShipping CouponType = "free_shipping"
)

// Valid reports whether the coupon type is one of the known kinds.
func (t CouponType) Valid() bool {
	switch t {
	case CouponTypePercentage, CouponTypeFixed, CouponTypeFreeShipping:
		return true
	}
	return false
}

// Coupon stores discount rules and usage accounting for a promotional code.
type Coupon struct {
	Code                 string
	Type                 CouponType
	Value                decimal.Decimal
	MinOrderAmount       decimal.Decimal
	MaxDiscount          *decimal.Decimal
	UsageLimit           *int
	UserUsageLimit       *int
	UsedCount            int
	Active               bool
	StartsAt             *time.Time
	ExpiresAt            *time.Time
	ApplicableProducts   []string
	ApplicableCategories []string
	ExcludedProducts     []string
	ExcludedCategories   []string
	FirstTimeOnly        bool
	NewCustomerOnly      bool
	Description          string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// CouponRedemption links a coupon use to the order that consumed it.
type CouponRedemption struct {
	Code       string
	UserID     string
	OrderID    string
	RedeemedAt time.Time
}

// OrderTotals contains the monetary summary of an order. Discount is ItemDiscount plus CouponDiscount.
type OrderTotals struct {
	Subtotal       decimal.Decimal
	ItemDiscount   decimal.Decimal
	CouponDiscount decimal.Decimal
	Discount       decimal.Decimal
	Tax            decimal.Decimal
	Shipping       decimal.Decimal
	Total          decimal.Decimal
}

// OrderItem is an immutable purchase-time snapshot of a product line.
type OrderItem struct {
	ProductID       string
	ProductName     string
	CategoryID      string
	UnitPrice       decimal.Decimal
	Quantity        int
	DiscountPercent decimal.Decimal
	LineTotal       decimal.Decimal
	DiscountAmount  decimal.Decimal
	FinalPrice      decimal.Decimal
}

// OrderStatusChange records a single status transition for auditing.
type OrderStatusChange struct {
	From      OrderStatus
	To        OrderStatus
	ActorID   string
	Note      string
	ChangedAt time.Time
}

// Order is the persisted checkout result. Monetary fields and items never change after creation.
type Order struct {
	ID                string
	OrderNumber       string
	UserID            string
	Status            OrderStatus
	PaymentStatus     PaymentStatus
	Currency          string
	Totals            OrderTotals
	Items             []OrderItem
	ShippingAddress   Address
	BillingAddress    Address
	PaymentMethod     string
	ShippingMethod    string
	CouponCode        *string
	Notes             string
	PaymentReference  string
	RefundedAmount    decimal.Decimal
	TrackingNumber    string
	EstimatedDelivery *time.Time
	StatusHistory     []OrderStatusChange
	CreatedAt         time.Time
	UpdatedAt         time.Time
	PaidAt            *time.Time
	ShippedAt         *time.Time
	DeliveredAt       *time.Time
	CancelledAt       *time.Time
}

// Lines returns the order items as cart lines, used when releasing inventory.
func (o Order) Lines() []CartLine {
	lines := make([]CartLine, 0, len(o.Items))
	for _, item := range o.Items {
		lines = append(lines, CartLine{ProductID: item.ProductID, Quantity: item.Quantity})
	}
	return lines
}

// RestockLines merges the order items per product and sorts them by product id, the order in
// which stock documents are locked when the items go back on the shelf.
func (o Order) RestockLines() []CartLine {
	merged := make(map[string]int, len(o.Items))
	for _, item := range o.Items {
		if item.Quantity > 0 {
			merged[item.ProductID] += item.Quantity
		}
	}
	lines := make([]CartLine, 0, len(merged))
	for id, qty := range merged {
		lines = append(lines, CartLine{ProductID: id, Quantity: qty})
	}
	sort.Slice(lines, func(i, j int) bool {
		return lines[i].ProductID < lines[j].ProductID
	})
	return lines
}

// CursorPage represents a paginated result set.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}
