package repositories

import (
	"context"
	"time"

	domain "github.com/hanko-field/checkout/internal/domain"
)

// Registry exposes typed repository accessors for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Products() ProductRepository
	Inventory() InventoryLedger
	Coupons() CouponRepository
	Orders() OrderRepository
	Health() HealthRepository
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// ProductRepository is the read side of the product catalog consumed by checkout.
type ProductRepository interface {
	// FindByID returns a RepositoryError with IsNotFound when the product does not exist.
	FindByID(ctx context.Context, productID string) (domain.Product, error)
}

// InventoryLedger owns per-product stock counters. It is the only writer of stock.
type InventoryLedger interface {
	// Reserve decrements stock by qty only when stock >= qty. Otherwise it returns an
	// InventoryError with InventoryErrorInsufficientStock and leaves stock untouched.
	Reserve(ctx context.Context, productID string, qty int) error
	// Release increments stock by qty unconditionally.
	Release(ctx context.Context, productID string, qty int) error
	Available(ctx context.Context, productID string) (int, error)
}

// CouponMutation edits a coupon inside the repository transaction. Returning an error aborts the
// update without writing.
type CouponMutation func(coupon *domain.Coupon) error

// CouponListFilter pages through coupons that are active and inside their validity window at Now.
type CouponListFilter struct {
	Now       time.Time
	PageSize  int
	PageToken string
}

// CouponRepository manages coupon definitions and per-user redemption counts. Codes are stored
// upper-cased.
type CouponRepository interface {
	FindByCode(ctx context.Context, code string) (domain.Coupon, error)
	CountRedemptions(ctx context.Context, code, userID string) (int, error)
	// ListActive pages newest first. Pages may come back shorter than PageSize when coupons that
	// are expired or not yet started are filtered out; NextPageToken is authoritative.
	ListActive(ctx context.Context, filter CouponListFilter) (domain.CursorPage[domain.Coupon], error)
	// Create inserts a new coupon. A conflict is returned when the code already exists.
	Create(ctx context.Context, coupon domain.Coupon) error
	// Update reads the coupon, applies mutate, and writes the result as one transaction.
	Update(ctx context.Context, code string, mutate CouponMutation) (domain.Coupon, error)
	// Deactivate clears the active flag. The coupon and its redemption history are kept.
	Deactivate(ctx context.Context, code string, at time.Time) (domain.Coupon, error)
}

// OrderListFilter narrows order listings.
type OrderListFilter struct {
	UserID    string
	Status    *domain.OrderStatus
	PageSize  int
	PageToken string
}

// OrderMutation mutates an order inside the repository transaction. Returning an error aborts
// the update without writing.
type OrderMutation func(order *domain.Order) error

// OrderRepository persists orders together with their item snapshots.
type OrderRepository interface {
	// Create inserts the order atomically. When redemption is non-nil the coupon's used-count is
	// incremented and the redemption recorded in the same transaction; a CouponError with
	// CouponErrorExhausted is returned when the coupon limits were reached concurrently. A
	// conflict is returned when the order number already exists.
	Create(ctx context.Context, order domain.Order, redemption *domain.CouponRedemption) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	ListByUser(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
	CountCompletedByUser(ctx context.Context, userID string) (int, error)
	// UpdateStatus reads the current order, applies mutate, and writes the result as one
	// compare-and-swap. Concurrent updates to the same order are serialised.
	UpdateStatus(ctx context.Context, orderID string, mutate OrderMutation) (domain.Order, error)
	// Cancel behaves like UpdateStatus and, in the same transaction, returns every item quantity
	// of the order to stock. Items whose product no longer exists are skipped. Either the status
	// change and the restock both commit or neither does.
	Cancel(ctx context.Context, orderID string, mutate OrderMutation) (domain.Order, error)
}

// HealthRepository reports dependency readiness.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}
