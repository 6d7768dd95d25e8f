package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/googleapis/gax-go/v2"
	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/repositories"
	"github.com/hanko-field/checkout/internal/repositories/memory"
)

var testNow = time.Date(2024, 6, 3, 10, 30, 0, 0, time.UTC)

type captureOrderEvents struct {
	mu     sync.Mutex
	events []OrderEvent
	err    error
}

func (c *captureOrderEvents) PublishOrderEvent(_ context.Context, event OrderEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return c.err
}

func (c *captureOrderEvents) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.events))
	for _, event := range c.events {
		out = append(out, event.Type)
	}
	return out
}

type orderFixture struct {
	store   *memory.Store
	service OrderService
	events  *captureOrderEvents
	logs    *captureLogs
}

type captureLogs struct {
	mu     sync.Mutex
	events []string
}

func (c *captureLogs) log(_ context.Context, event string, _ map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *captureLogs) has(event string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.events {
		if e == event {
			return true
		}
	}
	return false
}

func newOrderFixture(t *testing.T, mutate func(*OrderServiceDeps)) *orderFixture {
	t.Helper()
	store := memory.NewStore()
	store.PutProduct(domain.Product{ID: "prod_a", Name: "Walnut Stamp", CategoryID: "stamps", UnitPrice: money("20.00"), Stock: 10, Active: true})
	store.PutProduct(domain.Product{ID: "prod_b", Name: "Vermilion Ink", CategoryID: "ink", UnitPrice: money("30.00"), Stock: 3, Active: true})
	store.PutProduct(domain.Product{ID: "prod_sale", Name: "Travel Case", CategoryID: "cases", UnitPrice: money("19.99"), DiscountPercent: money("15"), Stock: 5, Active: true})
	store.PutProduct(domain.Product{ID: "prod_retired", Name: "Old Stamp", CategoryID: "stamps", UnitPrice: money("9.00"), Stock: 5, Active: false})

	fixture := &orderFixture{store: store, events: &captureOrderEvents{}, logs: &captureLogs{}}

	inventory, err := NewInventoryService(InventoryServiceDeps{Ledger: store.Inventory(), Logger: fixture.logs.log})
	if err != nil {
		t.Fatalf("new inventory service: %v", err)
	}
	coupons, err := NewCouponValidator(CouponValidatorDeps{Coupons: store.Coupons(), Clock: func() time.Time { return testNow }})
	if err != nil {
		t.Fatalf("new coupon validator: %v", err)
	}

	deps := OrderServiceDeps{
		Products:  store.Products(),
		Orders:    store.Orders(),
		Inventory: inventory,
		Coupons:   coupons,
		Settings: CheckoutSettings{
			TaxRate: money("0.08"),
			ShippingRates: map[string]decimal.Decimal{
				"standard": money("5.99"),
				"express":  money("9.99"),
			},
		},
		Clock:  func() time.Time { return testNow },
		Events: fixture.events,
		Logger: fixture.logs.log,
	}
	if mutate != nil {
		mutate(&deps)
	}
	svc, err := NewOrderService(deps)
	if err != nil {
		t.Fatalf("new order service: %v", err)
	}
	fixture.service = svc
	return fixture
}

func testAddress() *domain.Address {
	return &domain.Address{Recipient: "Aiko Tanaka", Line1: "1-2-3 Ginza", City: "Chuo", PostalCode: "104-0061", Country: "jp"}
}

func createCommand(userID string, items ...domain.CartLine) CreateOrderCommand {
	return CreateOrderCommand{
		UserID:          userID,
		Items:           items,
		ShippingAddress: testAddress(),
		BillingAddress:  testAddress(),
		PaymentMethod:   "card",
		ShippingMethod:  "standard",
	}
}

func (f *orderFixture) stock(t *testing.T, productID string) int {
	t.Helper()
	available, err := f.store.Inventory().Available(context.Background(), productID)
	if err != nil {
		t.Fatalf("available %s: %v", productID, err)
	}
	return available
}

func TestOrderServiceCreateOrderPricesAndReserves(t *testing.T) {
	f := newOrderFixture(t, nil)

	order, err := f.service.CreateOrder(context.Background(), createCommand("user_1", domain.CartLine{ProductID: "prod_a", Quantity: 2}))
	if err != nil {
		t.Fatalf("create order: %v", err)
	}

	assertMoney(t, "subtotal", order.Totals.Subtotal, "40.00")
	assertMoney(t, "tax", order.Totals.Tax, "3.20")
	assertMoney(t, "shipping", order.Totals.Shipping, "5.99")
	assertMoney(t, "total", order.Totals.Total, "49.19")
	if order.Status != domain.OrderStatusPending || order.PaymentStatus != domain.PaymentStatusPending {
		t.Fatalf("expected pending/pending, got %s/%s", order.Status, order.PaymentStatus)
	}
	if !strings.HasPrefix(order.ID, orderIDPrefix) {
		t.Fatalf("unexpected order id %q", order.ID)
	}
	parts := strings.Split(order.OrderNumber, "-")
	if len(parts) != 3 || parts[0] != "ORD" || len(parts[1]) != 8 || len(parts[2]) != orderNumberSuffixSize {
		t.Fatalf("unexpected order number %q", order.OrderNumber)
	}
	if len(order.Items) != 1 || order.Items[0].ProductName != "Walnut Stamp" || order.Items[0].Quantity != 2 {
		t.Fatalf("unexpected items %+v", order.Items)
	}
	if order.ShippingAddress.Country != "JP" {
		t.Fatalf("expected normalised country, got %q", order.ShippingAddress.Country)
	}
	if got := f.stock(t, "prod_a"); got != 8 {
		t.Fatalf("expected stock 8, got %d", got)
	}
	if types := f.events.types(); len(types) != 1 || types[0] != orderEventCreated {
		t.Fatalf("expected order.created event, got %v", types)
	}

	stored, err := f.service.GetOrder(context.Background(), order.ID, "user_1")
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if stored.OrderNumber != order.OrderNumber {
		t.Fatalf("expected stored order to match")
	}
	if _, err := f.service.GetOrder(context.Background(), order.ID, "user_2"); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected foreign order to be hidden, got %v", err)
	}
}

func TestOrderServiceCreateOrderItemDiscountAndMergedLines(t *testing.T) {
	f := newOrderFixture(t, nil)

	order, err := f.service.CreateOrder(context.Background(), createCommand("user_1",
		domain.CartLine{ProductID: "prod_sale", Quantity: 1},
		domain.CartLine{ProductID: "prod_sale", Quantity: 2},
	))
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if len(order.Items) != 1 || order.Items[0].Quantity != 3 {
		t.Fatalf("expected merged line, got %+v", order.Items)
	}
	assertMoney(t, "line discount", order.Items[0].DiscountAmount, "9.00")
	assertMoney(t, "final price", order.Items[0].FinalPrice, "50.97")
	total := order.Totals.Subtotal.Add(order.Totals.Tax).Add(order.Totals.Shipping).Sub(order.Totals.Discount)
	if !order.Totals.Total.Equal(total) {
		t.Fatalf("total %s does not reconcile with %s", order.Totals.Total, total)
	}
}

func TestOrderServiceCreateOrderValidation(t *testing.T) {
	f := newOrderFixture(t, nil)

	tests := []struct {
		name   string
		mutate func(*CreateOrderCommand)
	}{
		{name: "missing user", mutate: func(c *CreateOrderCommand) { c.UserID = " " }},
		{name: "no items", mutate: func(c *CreateOrderCommand) { c.Items = nil }},
		{name: "zero quantity", mutate: func(c *CreateOrderCommand) { c.Items = []domain.CartLine{{ProductID: "prod_a", Quantity: 0}} }},
		{name: "blank product", mutate: func(c *CreateOrderCommand) { c.Items = []domain.CartLine{{ProductID: "", Quantity: 1}} }},
		{name: "missing shipping address", mutate: func(c *CreateOrderCommand) { c.ShippingAddress = nil }},
		{name: "billing without city", mutate: func(c *CreateOrderCommand) { c.BillingAddress = &domain.Address{Line1: "x", PostalCode: "1", Country: "JP"} }},
		{name: "markup-only line1", mutate: func(c *CreateOrderCommand) { c.ShippingAddress.Line1 = "<b></b>" }},
		{name: "missing payment method", mutate: func(c *CreateOrderCommand) { c.PaymentMethod = "" }},
		{name: "unknown shipping method", mutate: func(c *CreateOrderCommand) { c.ShippingMethod = "drone" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cmd := createCommand("user_1", domain.CartLine{ProductID: "prod_a", Quantity: 1})
			tc.mutate(&cmd)
			if _, err := f.service.CreateOrder(context.Background(), cmd); !errors.Is(err, ErrOrderInvalidInput) {
				t.Fatalf("expected invalid input, got %v", err)
			}
		})
	}
	if got := f.stock(t, "prod_a"); got != 10 {
		t.Fatalf("expected stock untouched, got %d", got)
	}
}

func TestOrderServiceCreateOrderStripsMarkup(t *testing.T) {
	f := newOrderFixture(t, nil)
	cmd := createCommand("user_1", domain.CartLine{ProductID: "prod_a", Quantity: 1})
	cmd.ShippingAddress = &domain.Address{
		Recipient:  "<b>Aiko</b> Tanaka",
		Line1:      "<script>alert(1)</script>1-2-3 Ginza",
		Line2:      valuePtr("<i></i>"),
		City:       "Chuo & Minato",
		PostalCode: "104-0061",
		Country:    " jp ",
	}
	cmd.Notes = valuePtr("Leave at door <img src=x onerror=alert(1)>")

	order, err := f.service.CreateOrder(context.Background(), cmd)
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	addr := order.ShippingAddress
	if addr.Recipient != "Aiko Tanaka" || addr.Line1 != "1-2-3 Ginza" || addr.City != "Chuo & Minato" || addr.Country != "JP" {
		t.Fatalf("expected markup stripped from address, got %+v", addr)
	}
	if addr.Line2 != nil {
		t.Fatalf("expected markup-only line2 to be dropped, got %q", *addr.Line2)
	}
	if order.Notes != "Leave at door" {
		t.Fatalf("expected sanitised notes, got %q", order.Notes)
	}
}

func TestOrderServiceCreateOrderProductFailures(t *testing.T) {
	f := newOrderFixture(t, nil)

	_, err := f.service.CreateOrder(context.Background(), createCommand("user_1",
		domain.CartLine{ProductID: "prod_a", Quantity: 1},
		domain.CartLine{ProductID: "prod_missing", Quantity: 1},
	))
	if !errors.Is(err, ErrProductNotFound) || !strings.Contains(err.Error(), "prod_missing") {
		t.Fatalf("expected product not found naming prod_missing, got %v", err)
	}

	_, err = f.service.CreateOrder(context.Background(), createCommand("user_1", domain.CartLine{ProductID: "prod_retired", Quantity: 1}))
	if !errors.Is(err, ErrProductInactive) {
		t.Fatalf("expected product inactive, got %v", err)
	}
	if got := f.stock(t, "prod_a"); got != 10 {
		t.Fatalf("expected stock untouched, got %d", got)
	}
}

func TestOrderServiceCreateOrderInsufficientStockReleasesTakenLines(t *testing.T) {
	f := newOrderFixture(t, nil)

	_, err := f.service.CreateOrder(context.Background(), createCommand("user_1",
		domain.CartLine{ProductID: "prod_a", Quantity: 2},
		domain.CartLine{ProductID: "prod_b", Quantity: 5},
	))
	var stockErr *InsufficientStockError
	if !errors.As(err, &stockErr) || stockErr.ProductID != "prod_b" {
		t.Fatalf("expected shortage on prod_b, got %v", err)
	}
	if got := f.stock(t, "prod_a"); got != 10 {
		t.Fatalf("expected prod_a reservation rolled back, got %d", got)
	}
	if got := f.stock(t, "prod_b"); got != 3 {
		t.Fatalf("expected prod_b untouched, got %d", got)
	}
	page, err := f.service.ListOrders(context.Background(), ListOrdersQuery{UserID: "user_1"})
	if err != nil {
		t.Fatalf("list orders: %v", err)
	}
	if len(page.Items) != 0 {
		t.Fatalf("expected no persisted orders, got %d", len(page.Items))
	}
}

func TestOrderServiceConcurrentOrdersNeverOversell(t *testing.T) {
	f := newOrderFixture(t, nil)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		shortages int
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.service.CreateOrder(context.Background(), createCommand(fmt.Sprintf("user_%d", i), domain.CartLine{ProductID: "prod_b", Quantity: 2}))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ErrInsufficientStock):
				shortages++
			default:
				t.Errorf("unexpected error %v", err)
			}
		}(i)
	}
	wg.Wait()

	if succeeded != 1 || shortages != 1 {
		t.Fatalf("expected one success and one shortage, got %d/%d", succeeded, shortages)
	}
	if got := f.stock(t, "prod_b"); got != 1 {
		t.Fatalf("expected final stock 1, got %d", got)
	}
}

func TestOrderServiceCouponUsedOnceThenExhausted(t *testing.T) {
	f := newOrderFixture(t, nil)
	limit := 1
	f.store.PutCoupon(domain.Coupon{Code: "SAVE10", Type: domain.CouponTypeFixed, Value: money("10"), MinOrderAmount: money("25"), UsageLimit: &limit, Active: true})

	cmd := createCommand("user_1", domain.CartLine{ProductID: "prod_b", Quantity: 1})
	cmd.CouponCode = valuePtr("save10")
	order, err := f.service.CreateOrder(context.Background(), cmd)
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	assertMoney(t, "discount", order.Totals.Discount, "10.00")
	assertMoney(t, "tax", order.Totals.Tax, "2.40")
	assertMoney(t, "total", order.Totals.Total, "28.39")
	if order.CouponCode == nil || *order.CouponCode != "SAVE10" {
		t.Fatalf("expected coupon recorded on order, got %v", order.CouponCode)
	}

	second := createCommand("user_2", domain.CartLine{ProductID: "prod_b", Quantity: 1})
	second.CouponCode = valuePtr("SAVE10")
	_, err = f.service.CreateOrder(context.Background(), second)
	var rejection *CouponRejection
	if !errors.As(err, &rejection) || rejection.Reason != CouponUsageExceeded {
		t.Fatalf("expected usage-exceeded, got %v", err)
	}
	if got := f.stock(t, "prod_b"); got != 2 {
		t.Fatalf("expected only the first order to hold stock, got %d", got)
	}
}

func TestOrderServiceCouponUsageLimitUnderConcurrency(t *testing.T) {
	f := newOrderFixture(t, nil)
	limit := 3
	f.store.PutCoupon(domain.Coupon{Code: "RUSH", Type: domain.CouponTypePercentage, Value: money("10"), UsageLimit: &limit, Active: true})

	const attempts = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		applied  int
		exceeded int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cmd := createCommand(fmt.Sprintf("user_%d", i), domain.CartLine{ProductID: "prod_a", Quantity: 1})
			cmd.CouponCode = valuePtr("RUSH")
			_, err := f.service.CreateOrder(context.Background(), cmd)
			mu.Lock()
			defer mu.Unlock()
			var rejection *CouponRejection
			switch {
			case err == nil:
				applied++
			case errors.As(err, &rejection) && rejection.Reason == CouponUsageExceeded:
				exceeded++
			default:
				t.Errorf("unexpected error %v", err)
			}
		}(i)
	}
	wg.Wait()

	if applied != limit || exceeded != attempts-limit {
		t.Fatalf("expected %d applied and %d exceeded, got %d/%d", limit, attempts-limit, applied, exceeded)
	}
	coupon, err := f.store.Coupons().FindByCode(context.Background(), "RUSH")
	if err != nil {
		t.Fatalf("find coupon: %v", err)
	}
	if coupon.UsedCount != limit {
		t.Fatalf("expected used count %d, got %d", limit, coupon.UsedCount)
	}
	if got := f.stock(t, "prod_a"); got != 10-limit {
		t.Fatalf("expected stock %d, got %d", 10-limit, got)
	}
}

func TestOrderServiceFreeShippingCoupon(t *testing.T) {
	f := newOrderFixture(t, nil)
	f.store.PutCoupon(domain.Coupon{Code: "SHIPFREE", Type: domain.CouponTypeFreeShipping, Active: true})

	cmd := createCommand("user_1", domain.CartLine{ProductID: "prod_a", Quantity: 1})
	cmd.ShippingMethod = "express"
	cmd.CouponCode = valuePtr("SHIPFREE")
	order, err := f.service.CreateOrder(context.Background(), cmd)
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	assertMoney(t, "shipping", order.Totals.Shipping, "0")
	assertMoney(t, "discount", order.Totals.Discount, "0")
	assertMoney(t, "total", order.Totals.Total, "21.60")
}

func TestOrderServiceInvalidCouponAbortsOrder(t *testing.T) {
	f := newOrderFixture(t, nil)

	cmd := createCommand("user_1", domain.CartLine{ProductID: "prod_a", Quantity: 1})
	cmd.CouponCode = valuePtr("UNKNOWN")
	_, err := f.service.CreateOrder(context.Background(), cmd)
	if !errors.Is(err, ErrCouponInvalid) {
		t.Fatalf("expected invalid coupon, got %v", err)
	}
	if got := f.stock(t, "prod_a"); got != 10 {
		t.Fatalf("expected stock untouched, got %d", got)
	}
}

func TestOrderServiceFirstOrderCouponRequiresNoCompletedOrders(t *testing.T) {
	f := newOrderFixture(t, nil)
	f.store.PutCoupon(domain.Coupon{Code: "WELCOME", Type: domain.CouponTypeFixed, Value: money("5"), FirstTimeOnly: true, Active: true})

	order, err := f.service.CreateOrder(context.Background(), createCommand("user_1", domain.CartLine{ProductID: "prod_a", Quantity: 1}))
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if _, err := f.service.RecordPaymentOutcome(context.Background(), PaymentOutcomeCommand{OrderID: order.ID, Outcome: PaymentOutcomePaid, GatewayReference: "pi_1"}); err != nil {
		t.Fatalf("record payment: %v", err)
	}

	cmd := createCommand("user_1", domain.CartLine{ProductID: "prod_a", Quantity: 1})
	cmd.CouponCode = valuePtr("WELCOME")
	_, err = f.service.CreateOrder(context.Background(), cmd)
	var rejection *CouponRejection
	if !errors.As(err, &rejection) || rejection.Reason != CouponNotEligible {
		t.Fatalf("expected not-eligible, got %v", err)
	}
}

type conflictingOrders struct {
	repositories.OrderRepository
	mu        sync.Mutex
	conflicts int
	numbers   []string
}

type conflictError struct{}

func (conflictError) Error() string       { return "duplicate order number" }
func (conflictError) IsNotFound() bool    { return false }
func (conflictError) IsConflict() bool    { return true }
func (conflictError) IsUnavailable() bool { return false }

func (c *conflictingOrders) Create(ctx context.Context, order domain.Order, redemption *domain.CouponRedemption) error {
	c.mu.Lock()
	c.numbers = append(c.numbers, order.OrderNumber)
	if c.conflicts > 0 {
		c.conflicts--
		c.mu.Unlock()
		return conflictError{}
	}
	c.mu.Unlock()
	return c.OrderRepository.Create(ctx, order, redemption)
}

func TestOrderServiceRetriesOrderNumberCollisions(t *testing.T) {
	var orders *conflictingOrders
	f := newOrderFixture(t, func(deps *OrderServiceDeps) {
		orders = &conflictingOrders{OrderRepository: deps.Orders, conflicts: 2}
		deps.Orders = orders
	})

	order, err := f.service.CreateOrder(context.Background(), createCommand("user_1", domain.CartLine{ProductID: "prod_a", Quantity: 1}))
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if len(orders.numbers) != 3 || orders.numbers[2] != order.OrderNumber {
		t.Fatalf("expected third attempt to win, got %v", orders.numbers)
	}
	if orders.numbers[0] == orders.numbers[1] {
		t.Fatalf("expected a fresh order number per attempt")
	}
	if !f.logs.has("order.number.collision") {
		t.Fatalf("expected collision to be logged")
	}

	orders.conflicts = orderCreateAttempts
	_, err = f.service.CreateOrder(context.Background(), createCommand("user_1", domain.CartLine{ProductID: "prod_a", Quantity: 1}))
	if !errors.Is(err, ErrOrderUnavailable) {
		t.Fatalf("expected unavailable after exhausting retries, got %v", err)
	}
	if got := f.stock(t, "prod_a"); got != 9 {
		t.Fatalf("expected failed attempt to release stock, got %d", got)
	}
}

func TestOrderServiceCancelReleasesStockOnce(t *testing.T) {
	f := newOrderFixture(t, nil)
	order, err := f.service.CreateOrder(context.Background(), createCommand("user_1",
		domain.CartLine{ProductID: "prod_a", Quantity: 2},
		domain.CartLine{ProductID: "prod_b", Quantity: 1},
	))
	if err != nil {
		t.Fatalf("create order: %v", err)
	}

	if _, err := f.service.CancelOrder(context.Background(), order.ID, "user_2"); !errors.Is(err, ErrOrderNotOwner) {
		t.Fatalf("expected not owner, got %v", err)
	}

	cancelled, err := f.service.CancelOrder(context.Background(), order.ID, "user_1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != domain.OrderStatusCancelled || cancelled.CancelledAt == nil {
		t.Fatalf("expected cancelled order with timestamp, got %+v", cancelled)
	}
	if last := cancelled.StatusHistory[len(cancelled.StatusHistory)-1]; last.From != domain.OrderStatusPending || last.To != domain.OrderStatusCancelled {
		t.Fatalf("unexpected history entry %+v", last)
	}
	if f.stock(t, "prod_a") != 10 || f.stock(t, "prod_b") != 3 {
		t.Fatalf("expected stock restored")
	}

	if _, err := f.service.CancelOrder(context.Background(), order.ID, "user_1"); !errors.Is(err, ErrOrderInvalidTransition) {
		t.Fatalf("expected second cancel to be rejected, got %v", err)
	}
	if f.stock(t, "prod_a") != 10 || f.stock(t, "prod_b") != 3 {
		t.Fatalf("expected no additional release")
	}
	if _, err := f.service.CancelOrder(context.Background(), "ord_missing", "user_1"); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

type flakyReleaseLedger struct {
	repositories.InventoryLedger
	mu       sync.Mutex
	failures int
	calls    int
}

func (l *flakyReleaseLedger) Release(ctx context.Context, productID string, qty int) error {
	l.mu.Lock()
	l.calls++
	if l.failures != 0 {
		if l.failures > 0 {
			l.failures--
		}
		l.mu.Unlock()
		return errors.New("stock backend unavailable")
	}
	l.mu.Unlock()
	return l.InventoryLedger.Release(ctx, productID, qty)
}

func (l *flakyReleaseLedger) releaseCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

func newFlakyInventory(t *testing.T, ledger *flakyReleaseLedger) InventoryService {
	t.Helper()
	inventory, err := NewInventoryService(InventoryServiceDeps{
		Ledger:         ledger,
		ReleaseBackoff: gax.Backoff{Initial: time.Millisecond, Max: time.Millisecond, Multiplier: 1},
	})
	if err != nil {
		t.Fatalf("new inventory service: %v", err)
	}
	return inventory
}

func TestOrderServiceCancelRestocksWhenLedgerReleaseFails(t *testing.T) {
	var ledger *flakyReleaseLedger
	f := newOrderFixture(t, func(deps *OrderServiceDeps) {
		ledger = &flakyReleaseLedger{failures: -1}
		deps.Inventory = newFlakyInventory(t, ledger)
	})
	ledger.InventoryLedger = f.store.Inventory()

	order, err := f.service.CreateOrder(context.Background(), createCommand("user_1",
		domain.CartLine{ProductID: "prod_a", Quantity: 3},
		domain.CartLine{ProductID: "prod_a", Quantity: 1},
		domain.CartLine{ProductID: "prod_b", Quantity: 2},
	))
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if f.stock(t, "prod_a") != 6 || f.stock(t, "prod_b") != 1 {
		t.Fatalf("expected stock reserved")
	}

	if _, err := f.service.CancelOrder(context.Background(), order.ID, "user_1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if f.stock(t, "prod_a") != 10 || f.stock(t, "prod_b") != 3 {
		t.Fatalf("expected stock restored with the cancel, got %d/%d", f.stock(t, "prod_a"), f.stock(t, "prod_b"))
	}
	if ledger.releaseCalls() != 0 {
		t.Fatalf("expected cancel not to depend on ledger releases, got %d calls", ledger.releaseCalls())
	}

	if _, err := f.service.CancelOrder(context.Background(), order.ID, "user_1"); !errors.Is(err, ErrOrderInvalidTransition) {
		t.Fatalf("expected repeated cancel to be rejected, got %v", err)
	}
	if f.stock(t, "prod_a") != 10 || f.stock(t, "prod_b") != 3 {
		t.Fatalf("expected no second restock")
	}
}

func TestOrderServiceFailedCreateRetriesRelease(t *testing.T) {
	var (
		ledger *flakyReleaseLedger
		orders *conflictingOrders
	)
	f := newOrderFixture(t, func(deps *OrderServiceDeps) {
		ledger = &flakyReleaseLedger{failures: 1}
		deps.Inventory = newFlakyInventory(t, ledger)
		orders = &conflictingOrders{OrderRepository: deps.Orders, conflicts: orderCreateAttempts}
		deps.Orders = orders
	})
	ledger.InventoryLedger = f.store.Inventory()

	_, err := f.service.CreateOrder(context.Background(), createCommand("user_1", domain.CartLine{ProductID: "prod_b", Quantity: 2}))
	if !errors.Is(err, ErrOrderUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	if got := f.stock(t, "prod_b"); got != 3 {
		t.Fatalf("expected reservation returned after a retried release, got %d", got)
	}
	if ledger.releaseCalls() != 2 {
		t.Fatalf("expected one failed and one successful release, got %d", ledger.releaseCalls())
	}
}

func TestOrderServiceConcurrentCancelReleasesOnce(t *testing.T) {
	f := newOrderFixture(t, nil)
	order, err := f.service.CreateOrder(context.Background(), createCommand("user_1", domain.CartLine{ProductID: "prod_b", Quantity: 3}))
	if err != nil {
		t.Fatalf("create order: %v", err)
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.service.CancelOrder(context.Background(), order.ID, "user_1")
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				succeeded++
			} else if !errors.Is(err, ErrOrderInvalidTransition) {
				t.Errorf("unexpected error %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded != 1 {
		t.Fatalf("expected exactly one cancel to win, got %d", succeeded)
	}
	if got := f.stock(t, "prod_b"); got != 3 {
		t.Fatalf("expected stock 3 after single release, got %d", got)
	}
}

func TestOrderServiceLifecycleTransitions(t *testing.T) {
	f := newOrderFixture(t, nil)
	order, err := f.service.CreateOrder(context.Background(), createCommand("user_1", domain.CartLine{ProductID: "prod_a", Quantity: 1}))
	if err != nil {
		t.Fatalf("create order: %v", err)
	}

	paid, err := f.service.RecordPaymentOutcome(context.Background(), PaymentOutcomeCommand{OrderID: order.ID, Outcome: PaymentOutcomePaid, GatewayReference: "pi_123"})
	if err != nil {
		t.Fatalf("record payment: %v", err)
	}
	if paid.Status != domain.OrderStatusConfirmed || paid.PaymentStatus != domain.PaymentStatusPaid || paid.PaymentReference != "pi_123" {
		t.Fatalf("unexpected paid order %s/%s/%s", paid.Status, paid.PaymentStatus, paid.PaymentReference)
	}
	if _, err := f.service.RecordPaymentOutcome(context.Background(), PaymentOutcomeCommand{OrderID: order.ID, Outcome: PaymentOutcomePaid}); !errors.Is(err, ErrOrderAlreadyPaid) {
		t.Fatalf("expected already paid, got %v", err)
	}

	if _, err := f.service.TransitionStatus(context.Background(), TransitionCommand{OrderID: order.ID, Status: domain.OrderStatusShipped}); !errors.Is(err, ErrOrderInvalidTransition) {
		t.Fatalf("expected confirmed -> shipped to be rejected, got %v", err)
	}
	if _, err := f.service.TransitionStatus(context.Background(), TransitionCommand{OrderID: order.ID, Status: domain.OrderStatusProcessing, ActorID: "staff_1"}); err != nil {
		t.Fatalf("to processing: %v", err)
	}
	if _, err := f.service.TransitionStatus(context.Background(), TransitionCommand{OrderID: order.ID, Status: domain.OrderStatusCancelled}); !errors.Is(err, ErrOrderInvalidTransition) {
		t.Fatalf("expected cancel from processing to be rejected, got %v", err)
	}

	shipped, err := f.service.TransitionStatus(context.Background(), TransitionCommand{OrderID: order.ID, Status: domain.OrderStatusShipped, ActorID: "staff_1"})
	if err != nil {
		t.Fatalf("to shipped: %v", err)
	}
	if !strings.HasPrefix(shipped.TrackingNumber, trackingNumberPrefix) {
		t.Fatalf("expected generated tracking number, got %q", shipped.TrackingNumber)
	}
	if shipped.EstimatedDelivery == nil || !shipped.EstimatedDelivery.Equal(testNow.Add(7*24*time.Hour)) {
		t.Fatalf("expected delivery estimate one week out, got %v", shipped.EstimatedDelivery)
	}

	delivered, err := f.service.TransitionStatus(context.Background(), TransitionCommand{OrderID: order.ID, Status: domain.OrderStatusDelivered})
	if err != nil {
		t.Fatalf("to delivered: %v", err)
	}
	if delivered.DeliveredAt == nil {
		t.Fatalf("expected delivered timestamp")
	}
	if f.stock(t, "prod_a") != 9 {
		t.Fatalf("expected stock to stay reserved for shipped goods")
	}

	types := f.events.types()
	want := []string{orderEventCreated, orderEventPaymentRecorded, orderEventStatusChanged, orderEventShipped, orderEventDelivered}
	if strings.Join(types, ",") != strings.Join(want, ",") {
		t.Fatalf("expected events %v, got %v", want, types)
	}
}

func TestOrderServiceStaffCancelReleasesStock(t *testing.T) {
	f := newOrderFixture(t, nil)
	order, err := f.service.CreateOrder(context.Background(), createCommand("user_1", domain.CartLine{ProductID: "prod_a", Quantity: 4}))
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	cancelled, err := f.service.TransitionStatus(context.Background(), TransitionCommand{OrderID: order.ID, Status: domain.OrderStatusCancelled, ActorID: "staff_1", Note: "customer called"})
	if err != nil {
		t.Fatalf("staff cancel: %v", err)
	}
	if cancelled.StatusHistory[len(cancelled.StatusHistory)-1].Note != "customer called" {
		t.Fatalf("expected note recorded")
	}
	if f.stock(t, "prod_a") != 10 {
		t.Fatalf("expected stock restored")
	}
}

func TestOrderServicePaymentRetryAfterFailure(t *testing.T) {
	f := newOrderFixture(t, nil)
	order, err := f.service.CreateOrder(context.Background(), createCommand("user_1", domain.CartLine{ProductID: "prod_a", Quantity: 1}))
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	failed, err := f.service.RecordPaymentOutcome(context.Background(), PaymentOutcomeCommand{OrderID: order.ID, Outcome: PaymentOutcomeFailed, GatewayReference: "pi_x"})
	if err != nil {
		t.Fatalf("record failure: %v", err)
	}
	if failed.PaymentStatus != domain.PaymentStatusFailed || failed.Status != domain.OrderStatusPending {
		t.Fatalf("unexpected state %s/%s", failed.Status, failed.PaymentStatus)
	}

	again, err := f.service.RecordPaymentOutcome(context.Background(), PaymentOutcomeCommand{OrderID: order.ID, Outcome: PaymentOutcomeFailed, GatewayReference: "pi_y"})
	if err != nil {
		t.Fatalf("record repeated failure: %v", err)
	}
	if again.PaymentStatus != domain.PaymentStatusFailed || again.PaymentReference != "pi_y" {
		t.Fatalf("unexpected state after repeated failure %s/%s", again.PaymentStatus, again.PaymentReference)
	}

	paid, err := f.service.RecordPaymentOutcome(context.Background(), PaymentOutcomeCommand{OrderID: order.ID, Outcome: PaymentOutcomePaid, GatewayReference: "pi_z"})
	if err != nil {
		t.Fatalf("record retry success: %v", err)
	}
	if paid.PaymentStatus != domain.PaymentStatusPaid || paid.Status != domain.OrderStatusConfirmed || paid.PaidAt == nil {
		t.Fatalf("expected retried payment to confirm order, got %s/%s", paid.Status, paid.PaymentStatus)
	}
	if _, err := f.service.RecordPaymentOutcome(context.Background(), PaymentOutcomeCommand{OrderID: order.ID, Outcome: PaymentOutcomeFailed}); !errors.Is(err, ErrOrderAlreadyPaid) {
		t.Fatalf("expected failure after payment to be rejected, got %v", err)
	}

	if _, err := f.service.RecordPaymentOutcome(context.Background(), PaymentOutcomeCommand{OrderID: "ord_missing", Outcome: PaymentOutcomePaid}); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := f.service.RecordPaymentOutcome(context.Background(), PaymentOutcomeCommand{OrderID: order.ID, Outcome: "maybe"}); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected invalid outcome, got %v", err)
	}
}

func TestOrderServiceRefunds(t *testing.T) {
	f := newOrderFixture(t, nil)
	order, err := f.service.CreateOrder(context.Background(), createCommand("user_1", domain.CartLine{ProductID: "prod_a", Quantity: 2}))
	if err != nil {
		t.Fatalf("create order: %v", err)
	}

	if _, err := f.service.RecordRefund(context.Background(), RefundCommand{OrderID: order.ID, Amount: money("10")}); !errors.Is(err, ErrOrderInvalidTransition) {
		t.Fatalf("expected refund of unpaid order to be rejected, got %v", err)
	}
	if _, err := f.service.RecordPaymentOutcome(context.Background(), PaymentOutcomeCommand{OrderID: order.ID, Outcome: PaymentOutcomePaid}); err != nil {
		t.Fatalf("record payment: %v", err)
	}

	partial, err := f.service.RecordRefund(context.Background(), RefundCommand{OrderID: order.ID, Amount: money("9.19"), ActorID: "staff_1"})
	if err != nil {
		t.Fatalf("partial refund: %v", err)
	}
	if partial.PaymentStatus != domain.PaymentStatusPartiallyRefunded || partial.Status != domain.OrderStatusConfirmed {
		t.Fatalf("unexpected partial state %s/%s", partial.Status, partial.PaymentStatus)
	}
	if _, err := f.service.RecordRefund(context.Background(), RefundCommand{OrderID: order.ID, Amount: money("40.01")}); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected over-refund to be rejected, got %v", err)
	}

	full, err := f.service.RecordRefund(context.Background(), RefundCommand{OrderID: order.ID, Amount: money("40.00")})
	if err != nil {
		t.Fatalf("final refund: %v", err)
	}
	if full.PaymentStatus != domain.PaymentStatusRefunded || full.Status != domain.OrderStatusRefunded {
		t.Fatalf("unexpected refunded state %s/%s", full.Status, full.PaymentStatus)
	}
	assertMoney(t, "refunded", full.RefundedAmount, "49.19")
	if _, err := f.service.RecordRefund(context.Background(), RefundCommand{OrderID: order.ID, Amount: money("-1")}); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected negative amount to be rejected, got %v", err)
	}
}

func TestOrderServiceQuoteHasNoSideEffects(t *testing.T) {
	f := newOrderFixture(t, nil)
	limit := 1
	f.store.PutCoupon(domain.Coupon{Code: "SAVE10", Type: domain.CouponTypeFixed, Value: money("10"), MinOrderAmount: money("25"), UsageLimit: &limit, Active: true})

	quote, err := f.service.QuoteCart(context.Background(), QuoteCommand{
		UserID:         "user_1",
		Items:          []domain.CartLine{{ProductID: "prod_b", Quantity: 1}},
		ShippingMethod: "standard",
		CouponCode:     valuePtr("SAVE10"),
	})
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	assertMoney(t, "total", quote.Totals.Total, "28.39")
	if quote.Currency != "USD" || quote.CouponCode == nil {
		t.Fatalf("unexpected quote %+v", quote)
	}
	if f.stock(t, "prod_b") != 3 {
		t.Fatalf("expected quote to leave stock untouched")
	}
	coupon, _ := f.store.Coupons().FindByCode(context.Background(), "SAVE10")
	if coupon.UsedCount != 0 {
		t.Fatalf("expected quote to leave coupon usage untouched")
	}
}

func TestOrderServiceListOrdersNewestFirst(t *testing.T) {
	clock := testNow
	f := newOrderFixture(t, func(deps *OrderServiceDeps) {
		deps.Clock = func() time.Time {
			clock = clock.Add(time.Minute)
			return clock
		}
	})
	var ids []string
	for i := 0; i < 3; i++ {
		order, err := f.service.CreateOrder(context.Background(), createCommand("user_1", domain.CartLine{ProductID: "prod_a", Quantity: 1}))
		if err != nil {
			t.Fatalf("create order %d: %v", i, err)
		}
		ids = append(ids, order.ID)
	}

	page, err := f.service.ListOrders(context.Background(), ListOrdersQuery{UserID: "user_1", PageSize: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Items) != 2 || page.Items[0].ID != ids[2] || page.Items[1].ID != ids[1] || page.NextPageToken == "" {
		t.Fatalf("unexpected first page %+v", page)
	}
	next, err := f.service.ListOrders(context.Background(), ListOrdersQuery{UserID: "user_1", PageSize: 2, PageToken: page.NextPageToken})
	if err != nil {
		t.Fatalf("list next: %v", err)
	}
	if len(next.Items) != 1 || next.Items[0].ID != ids[0] {
		t.Fatalf("unexpected second page %+v", next)
	}
	if _, err := f.service.ListOrders(context.Background(), ListOrdersQuery{UserID: "user_1", PageToken: "%%%"}); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected bad token to be invalid input, got %v", err)
	}
	unknown := domain.OrderStatus("lost")
	if _, err := f.service.ListOrders(context.Background(), ListOrdersQuery{UserID: "user_1", Status: &unknown}); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected unknown status to be invalid input, got %v", err)
	}
}

func TestOrderServicePublishFailureDoesNotFailOrder(t *testing.T) {
	f := newOrderFixture(t, nil)
	f.events.err = errors.New("broker down")

	if _, err := f.service.CreateOrder(context.Background(), createCommand("user_1", domain.CartLine{ProductID: "prod_a", Quantity: 1})); err != nil {
		t.Fatalf("expected order to commit despite publish failure, got %v", err)
	}
	if !f.logs.has("order.event.publish.failed") {
		t.Fatalf("expected publish failure to be logged")
	}
}

func TestNewOrderServiceRequiresCollaborators(t *testing.T) {
	store := memory.NewStore()
	inventory, _ := NewInventoryService(InventoryServiceDeps{Ledger: store.Inventory()})
	coupons, _ := NewCouponValidator(CouponValidatorDeps{Coupons: store.Coupons()})

	cases := []OrderServiceDeps{
		{Orders: store.Orders(), Inventory: inventory, Coupons: coupons},
		{Products: store.Products(), Inventory: inventory, Coupons: coupons},
		{Products: store.Products(), Orders: store.Orders(), Coupons: coupons},
		{Products: store.Products(), Orders: store.Orders(), Inventory: inventory},
		{Products: store.Products(), Orders: store.Orders(), Inventory: inventory, Coupons: coupons, Settings: CheckoutSettings{TaxRate: money("-0.1")}},
	}
	for i, deps := range cases {
		if _, err := NewOrderService(deps); err == nil {
			t.Fatalf("case %d: expected constructor error", i)
		}
	}
}
