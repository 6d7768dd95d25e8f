// Package memory provides a mutex-guarded repository registry for local development and tests.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/platform/pagination"
	"github.com/hanko-field/checkout/internal/repositories"
)

// Error implements repositories.RepositoryError for the memory store.
type Error struct {
	Op       string
	Msg      string
	notFound bool
	conflict bool
}

func (e *Error) Error() string       { return fmt.Sprintf("%s: %s", e.Op, e.Msg) }
func (e *Error) IsNotFound() bool    { return e.notFound }
func (e *Error) IsConflict() bool    { return e.conflict }
func (e *Error) IsUnavailable() bool { return false }

func notFound(op, format string, args ...any) *Error {
	return &Error{Op: op, Msg: fmt.Sprintf(format, args...), notFound: true}
}

func conflict(op, format string, args ...any) *Error {
	return &Error{Op: op, Msg: fmt.Sprintf(format, args...), conflict: true}
}

// Store holds every checkout aggregate behind a single lock.
type Store struct {
	mu           sync.Mutex
	products     map[string]domain.Product
	coupons      map[string]domain.Coupon
	redemptions  map[string]map[string]int
	orders       map[string]domain.Order
	orderNumbers map[string]string
}

var (
	_ repositories.Registry          = (*Store)(nil)
	_ repositories.ProductRepository = (*Store)(nil)
	_ repositories.InventoryLedger   = (*inventoryLedger)(nil)
	_ repositories.CouponRepository  = (*couponRepository)(nil)
	_ repositories.OrderRepository   = (*orderRepository)(nil)
)

// NewStore constructs an empty store.
func NewStore() *Store {
	return &Store{
		products:     make(map[string]domain.Product),
		coupons:      make(map[string]domain.Coupon),
		redemptions:  make(map[string]map[string]int),
		orders:       make(map[string]domain.Order),
		orderNumbers: make(map[string]string),
	}
}

// PutProduct seeds or replaces a product, including its stock count.
func (s *Store) PutProduct(product domain.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[product.ID] = product
}

// PutCoupon seeds or replaces a coupon keyed by its normalised code.
func (s *Store) PutCoupon(coupon domain.Coupon) {
	s.mu.Lock()
	defer s.mu.Unlock()
	coupon.Code = couponKey(coupon.Code)
	s.coupons[coupon.Code] = cloneCoupon(coupon)
}

// Close implements repositories.Registry.
func (s *Store) Close(context.Context) error { return nil }

func (s *Store) Products() repositories.ProductRepository { return s }
func (s *Store) Inventory() repositories.InventoryLedger  { return &inventoryLedger{store: s} }
func (s *Store) Coupons() repositories.CouponRepository   { return &couponRepository{store: s} }
func (s *Store) Orders() repositories.OrderRepository     { return &orderRepository{store: s} }

func (s *Store) Health() repositories.HealthRepository {
	repo, _ := repositories.NewProbeHealthRepository([]repositories.DependencyCheck{
		{Name: "memory", Check: func(context.Context) error { return nil }},
	})
	return repo
}

// FindByID returns the product snapshot.
func (s *Store) FindByID(_ context.Context, productID string) (domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	product, ok := s.products[productID]
	if !ok {
		return domain.Product{}, notFound("products.find", "product %s not found", productID)
	}
	return product, nil
}

type inventoryLedger struct {
	store *Store
}

func (l *inventoryLedger) Reserve(_ context.Context, productID string, qty int) error {
	if qty <= 0 {
		return repositories.NewInventoryError(repositories.InventoryErrorInvalidQuantity, productID, "quantity must be positive", nil)
	}
	s := l.store
	s.mu.Lock()
	defer s.mu.Unlock()
	product, ok := s.products[productID]
	if !ok {
		return repositories.NewInventoryError(repositories.InventoryErrorStockNotFound, productID, "", nil)
	}
	if product.Stock < qty {
		return repositories.NewInsufficientStockError("inventory.reserve", productID, qty, product.Stock)
	}
	product.Stock -= qty
	s.products[productID] = product
	return nil
}

func (l *inventoryLedger) Release(_ context.Context, productID string, qty int) error {
	if qty <= 0 {
		return repositories.NewInventoryError(repositories.InventoryErrorInvalidQuantity, productID, "quantity must be positive", nil)
	}
	s := l.store
	s.mu.Lock()
	defer s.mu.Unlock()
	product, ok := s.products[productID]
	if !ok {
		return repositories.NewInventoryError(repositories.InventoryErrorStockNotFound, productID, "", nil)
	}
	product.Stock += qty
	s.products[productID] = product
	return nil
}

func (l *inventoryLedger) Available(_ context.Context, productID string) (int, error) {
	s := l.store
	s.mu.Lock()
	defer s.mu.Unlock()
	product, ok := s.products[productID]
	if !ok {
		return 0, repositories.NewInventoryError(repositories.InventoryErrorStockNotFound, productID, "", nil)
	}
	return product.Stock, nil
}

type couponRepository struct {
	store *Store
}

func (r *couponRepository) FindByCode(_ context.Context, code string) (domain.Coupon, error) {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()
	coupon, ok := s.coupons[couponKey(code)]
	if !ok {
		return domain.Coupon{}, notFound("coupons.find", "coupon %s not found", code)
	}
	return cloneCoupon(coupon), nil
}

func (r *couponRepository) CountRedemptions(_ context.Context, code, userID string) (int, error) {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.redemptions[couponKey(code)][userID], nil
}

func (r *couponRepository) ListActive(_ context.Context, filter repositories.CouponListFilter) (domain.CursorPage[domain.Coupon], error) {
	cursor, err := pagination.DecodeToken(filter.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Coupon]{}, err
	}
	s := r.store
	s.mu.Lock()
	matches := make([]domain.Coupon, 0)
	for _, coupon := range s.coupons {
		if !coupon.Active {
			continue
		}
		if coupon.StartsAt != nil && filter.Now.Before(*coupon.StartsAt) {
			continue
		}
		if coupon.ExpiresAt != nil && filter.Now.After(*coupon.ExpiresAt) {
			continue
		}
		matches = append(matches, cloneCoupon(coupon))
	}
	s.mu.Unlock()

	sort.Slice(matches, func(i, j int) bool {
		if !matches[i].CreatedAt.Equal(matches[j].CreatedAt) {
			return matches[i].CreatedAt.After(matches[j].CreatedAt)
		}
		return matches[i].Code > matches[j].Code
	})

	start := 0
	if !cursor.IsZero() {
		start = len(matches)
		for i, coupon := range matches {
			if coupon.CreatedAt.Before(cursor.CreatedAt) || (coupon.CreatedAt.Equal(cursor.CreatedAt) && coupon.Code < cursor.ID) {
				start = i
				break
			}
		}
	}
	size := filter.PageSize
	if size <= 0 {
		size = pagination.DefaultPageSize
	}
	end := min(start+size, len(matches))
	page := domain.CursorPage[domain.Coupon]{Items: matches[start:end]}
	if end < len(matches) {
		last := matches[end-1]
		token, err := pagination.EncodeToken(pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.Code})
		if err != nil {
			return domain.CursorPage[domain.Coupon]{}, err
		}
		page.NextPageToken = token
	}
	return page, nil
}

func (r *couponRepository) Create(_ context.Context, coupon domain.Coupon) error {
	coupon.Code = couponKey(coupon.Code)
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.coupons[coupon.Code]; exists {
		return conflict("coupons.create", "coupon %s already exists", coupon.Code)
	}
	s.coupons[coupon.Code] = cloneCoupon(coupon)
	return nil
}

func (r *couponRepository) Update(_ context.Context, code string, mutate repositories.CouponMutation) (domain.Coupon, error) {
	key := couponKey(code)
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.coupons[key]
	if !ok {
		return domain.Coupon{}, notFound("coupons.update", "coupon %s not found", key)
	}
	next := cloneCoupon(current)
	if err := mutate(&next); err != nil {
		return domain.Coupon{}, err
	}
	next.Code = key
	next.UsedCount = current.UsedCount
	s.coupons[key] = next
	return cloneCoupon(next), nil
}

func (r *couponRepository) Deactivate(_ context.Context, code string, at time.Time) (domain.Coupon, error) {
	key := couponKey(code)
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()
	coupon, ok := s.coupons[key]
	if !ok {
		return domain.Coupon{}, notFound("coupons.deactivate", "coupon %s not found", key)
	}
	coupon.Active = false
	coupon.UpdatedAt = at
	s.coupons[key] = coupon
	return cloneCoupon(coupon), nil
}

func couponKey(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func cloneCoupon(coupon domain.Coupon) domain.Coupon {
	if coupon.MaxDiscount != nil {
		v := *coupon.MaxDiscount
		coupon.MaxDiscount = &v
	}
	if coupon.UsageLimit != nil {
		v := *coupon.UsageLimit
		coupon.UsageLimit = &v
	}
	if coupon.UserUsageLimit != nil {
		v := *coupon.UserUsageLimit
		coupon.UserUsageLimit = &v
	}
	coupon.StartsAt = cloneTime(coupon.StartsAt)
	coupon.ExpiresAt = cloneTime(coupon.ExpiresAt)
	coupon.ApplicableProducts = slices.Clone(coupon.ApplicableProducts)
	coupon.ApplicableCategories = slices.Clone(coupon.ApplicableCategories)
	coupon.ExcludedProducts = slices.Clone(coupon.ExcludedProducts)
	coupon.ExcludedCategories = slices.Clone(coupon.ExcludedCategories)
	return coupon
}

type orderRepository struct {
	store *Store
}

func (r *orderRepository) Create(_ context.Context, order domain.Order, redemption *domain.CouponRedemption) error {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.orders[order.ID]; exists {
		return conflict("orders.create", "order %s already exists", order.ID)
	}
	if _, exists := s.orderNumbers[order.OrderNumber]; exists {
		return conflict("orders.create", "order number %s already exists", order.OrderNumber)
	}

	if redemption != nil {
		coupon, ok := s.coupons[redemption.Code]
		if !ok {
			return repositories.NewCouponError(repositories.CouponErrorNotFound, redemption.Code, "")
		}
		if !coupon.Active {
			return repositories.NewCouponError(repositories.CouponErrorInactive, redemption.Code, "")
		}
		if coupon.UsageLimit != nil && coupon.UsedCount >= *coupon.UsageLimit {
			return repositories.NewCouponError(repositories.CouponErrorExhausted, redemption.Code, "usage limit reached")
		}
		users := s.redemptions[redemption.Code]
		if coupon.UserUsageLimit != nil && users[redemption.UserID] >= *coupon.UserUsageLimit {
			return repositories.NewCouponError(repositories.CouponErrorExhausted, redemption.Code, "per-user limit reached")
		}
		coupon.UsedCount++
		coupon.UpdatedAt = redemption.RedeemedAt
		s.coupons[redemption.Code] = coupon
		if users == nil {
			users = make(map[string]int)
			s.redemptions[redemption.Code] = users
		}
		users[redemption.UserID]++
	}

	s.orders[order.ID] = cloneOrder(order)
	s.orderNumbers[order.OrderNumber] = order.ID
	return nil
}

func (r *orderRepository) FindByID(_ context.Context, orderID string) (domain.Order, error) {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[orderID]
	if !ok {
		return domain.Order{}, notFound("orders.find", "order %s not found", orderID)
	}
	return cloneOrder(order), nil
}

func (r *orderRepository) ListByUser(_ context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	cursor, err := pagination.DecodeToken(filter.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}
	s := r.store
	s.mu.Lock()
	matches := make([]domain.Order, 0)
	for _, order := range s.orders {
		if order.UserID != filter.UserID {
			continue
		}
		if filter.Status != nil && order.Status != *filter.Status {
			continue
		}
		matches = append(matches, cloneOrder(order))
	}
	s.mu.Unlock()

	sort.Slice(matches, func(i, j int) bool {
		if !matches[i].CreatedAt.Equal(matches[j].CreatedAt) {
			return matches[i].CreatedAt.After(matches[j].CreatedAt)
		}
		return matches[i].ID > matches[j].ID
	})

	start := 0
	if !cursor.IsZero() {
		start = len(matches)
		for i, order := range matches {
			if before(order, cursor) {
				start = i
				break
			}
		}
	}

	size := filter.PageSize
	if size <= 0 {
		size = pagination.DefaultPageSize
	}
	end := min(start+size, len(matches))
	page := domain.CursorPage[domain.Order]{Items: matches[start:end]}
	if end < len(matches) {
		last := matches[end-1]
		token, err := pagination.EncodeToken(pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
		if err != nil {
			return domain.CursorPage[domain.Order]{}, err
		}
		page.NextPageToken = token
	}
	return page, nil
}

// before reports whether order sorts after the cursor position in newest-first order.
func before(order domain.Order, cursor pagination.Cursor) bool {
	if order.CreatedAt.Equal(cursor.CreatedAt) {
		return order.ID < cursor.ID
	}
	return order.CreatedAt.Before(cursor.CreatedAt)
}

func (r *orderRepository) CountCompletedByUser(_ context.Context, userID string) (int, error) {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, order := range s.orders {
		if order.UserID == userID && order.Status.Completed() {
			count++
		}
	}
	return count, nil
}

func (r *orderRepository) UpdateStatus(_ context.Context, orderID string, mutate repositories.OrderMutation) (domain.Order, error) {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.orders[orderID]
	if !ok {
		return domain.Order{}, notFound("orders.update", "order %s not found", orderID)
	}
	next := cloneOrder(current)
	if err := mutate(&next); err != nil {
		return domain.Order{}, err
	}
	s.orders[orderID] = next
	return cloneOrder(next), nil
}

func (r *orderRepository) Cancel(_ context.Context, orderID string, mutate repositories.OrderMutation) (domain.Order, error) {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.orders[orderID]
	if !ok {
		return domain.Order{}, notFound("orders.cancel", "order %s not found", orderID)
	}
	next := cloneOrder(current)
	if err := mutate(&next); err != nil {
		return domain.Order{}, err
	}
	for _, line := range next.RestockLines() {
		product, ok := s.products[line.ProductID]
		if !ok {
			continue
		}
		product.Stock += line.Quantity
		s.products[line.ProductID] = product
	}
	s.orders[orderID] = next
	return cloneOrder(next), nil
}

func cloneOrder(order domain.Order) domain.Order {
	order.Items = slices.Clone(order.Items)
	order.StatusHistory = slices.Clone(order.StatusHistory)
	order.CouponCode = cloneString(order.CouponCode)
	order.EstimatedDelivery = cloneTime(order.EstimatedDelivery)
	order.PaidAt = cloneTime(order.PaidAt)
	order.ShippedAt = cloneTime(order.ShippedAt)
	order.DeliveredAt = cloneTime(order.DeliveredAt)
	order.CancelledAt = cloneTime(order.CancelledAt)
	return order
}

func cloneString(v *string) *string {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
