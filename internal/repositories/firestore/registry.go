// Package firestore implements the checkout repositories on Cloud Firestore.
//
// Layout:
//
//	products/{productId}                      catalog snapshot and stock counter
//	coupons/{CODE}                            coupon definition and used count
//	coupons/{CODE}/redemptions/{userId}       per-user redemption count
//	orders/{orderId}                          order with embedded items
//	orderNumbers/{orderNumber}                uniqueness guard for human-readable numbers
package firestore

import (
	"context"
	"errors"

	pfirestore "github.com/hanko-field/checkout/internal/platform/firestore"
	"github.com/hanko-field/checkout/internal/repositories"
)

const (
	productsCollection     = "products"
	couponsCollection      = "coupons"
	redemptionsCollection  = "redemptions"
	ordersCollection       = "orders"
	orderNumbersCollection = "orderNumbers"
)

// Registry exposes Firestore backed repositories.
type Registry struct {
	provider  *pfirestore.Provider
	products  *ProductRepository
	inventory *InventoryLedger
	coupons   *CouponRepository
	orders    *OrderRepository
	health    repositories.HealthRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry wires every repository against the shared provider.
func NewRegistry(provider *pfirestore.Provider) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("firestore registry requires provider")
	}
	health, err := repositories.NewProbeHealthRepository([]repositories.DependencyCheck{
		{Name: "firestore", Check: provider.Ping},
	})
	if err != nil {
		return nil, err
	}
	return &Registry{
		provider:  provider,
		products:  NewProductRepository(provider),
		inventory: NewInventoryLedger(provider),
		coupons:   NewCouponRepository(provider),
		orders:    NewOrderRepository(provider),
		health:    health,
	}, nil
}

func (r *Registry) Close(ctx context.Context) error { return r.provider.Close(ctx) }

func (r *Registry) Products() repositories.ProductRepository { return r.products }
func (r *Registry) Inventory() repositories.InventoryLedger { return r.inventory }
func (r *Registry) Coupons() repositories.CouponRepository { return r.coupons }
func (r *Registry) Orders() repositories.OrderRepository { return r.orders }
func (r *Registry) Health() repositories.HealthRepository { return r.health }

// Catalog returns the product writer used by seeding tools.
func (r *Registry) Catalog() *ProductRepository { return r.products }

// Promotions returns the coupon writer used by seeding tools.
func (r *Registry) Promotions() *CouponRepository { return r.coupons }
