package di

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/platform/config"
	"github.com/hanko-field/checkout/internal/platform/idempotency"
	"github.com/hanko-field/checkout/internal/repositories/memory"
	"github.com/hanko-field/checkout/internal/services"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []services.OrderEvent
}

func (p *recordingPublisher) PublishOrderEvent(_ context.Context, event services.OrderEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, event := range p.events {
		out = append(out, event.Type)
	}
	return out
}

func localConfig() config.Config {
	defaults := services.DefaultCheckoutSettings()
	return config.Config{
		Store:    config.StoreConfig{Backend: config.StoreBackendMemory},
		Notifier: config.NotifierConfig{Backend: config.NotifierBackendLog, PublishTimeout: time.Second},
		Idempotency: config.IdempotencyConfig{
			Backend: config.IdempotencyBackendMemory,
			TTL:     time.Hour,
		},
		Checkout: config.CheckoutConfig{
			TaxRate:          defaults.TaxRate,
			ShippingRates:    defaults.ShippingRates,
			ShippingLeadTime: defaults.ShippingLeadTime,
			Currency:         "usd",
		},
		Security: config.SecurityConfig{Environment: "local"},
	}
}

func TestNewContainer_MemoryBackendsServeCheckout(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	pub := &recordingPublisher{}

	c, err := NewContainer(ctx, localConfig(),
		WithPublisher(pub),
		WithIdempotencyStore(idempotency.NewMemoryStore()),
		WithClock(func() time.Time { return now }),
		WithIDGenerator(func() string { return "ord_test" }),
	)
	if err != nil {
		t.Fatalf("new container: %v", err)
	}
	t.Cleanup(func() { _ = c.Close(context.Background()) })

	store, ok := c.Repositories.(*memory.Store)
	if !ok {
		t.Fatalf("expected memory store, got %T", c.Repositories)
	}
	store.PutProduct(domain.Product{
		ID:        "prod_a",
		Name:      "Walnut Stamp",
		UnitPrice: decimal.RequireFromString("20.00"),
		Stock:     5,
		Active:    true,
	})
	if _, ok := c.Idempotency.(*idempotency.MemoryStore); !ok {
		t.Fatalf("expected memory idempotency store, got %T", c.Idempotency)
	}

	address := &domain.Address{Recipient: "A. Buyer", Line1: "1 Main St", City: "Springfield", PostalCode: "12345", Country: "us"}
	order, err := c.Services.Orders.CreateOrder(ctx, services.CreateOrderCommand{
		UserID:          "user-1",
		Items:           []domain.CartLine{{ProductID: "prod_a", Quantity: 2}},
		ShippingAddress: address,
		BillingAddress:  address,
		PaymentMethod:   "card",
		ShippingMethod:  "standard",
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if order.ID != "ord_test" {
		t.Fatalf("expected injected id, got %s", order.ID)
	}
	if order.Currency != "USD" {
		t.Fatalf("expected configured currency, got %s", order.Currency)
	}

	available, err := c.Services.Inventory.Available(ctx, "prod_a")
	if err != nil {
		t.Fatalf("available: %v", err)
	}
	if available != 3 {
		t.Fatalf("expected 3 units left, got %d", available)
	}
	if got := pub.types(); len(got) != 1 || got[0] != "order.created" {
		t.Fatalf("expected one order.created event, got %v", got)
	}

	kind := domain.CouponTypeFixed
	value := decimal.RequireFromString("5")
	expires := now.Add(24 * time.Hour)
	if _, err := c.Services.Catalog.CreateCoupon(ctx, services.UpsertCouponCommand{
		Code:   "welcome5",
		Fields: services.CouponFields{Type: &kind, Value: &value, ExpiresAt: &expires},
	}); err != nil {
		t.Fatalf("create coupon: %v", err)
	}
	if _, err := store.Coupons().FindByCode(ctx, "WELCOME5"); err != nil {
		t.Fatalf("expected coupon in shared store: %v", err)
	}

	report, err := c.Services.System.HealthReport(ctx)
	if err != nil {
		t.Fatalf("health report: %v", err)
	}
	if report.Status != domain.HealthStatusOK {
		t.Fatalf("expected ok health, got %s (%v)", report.Status, report.Checks)
	}
	for _, name := range []string{"store", "events"} {
		if _, ok := report.Checks[name]; !ok {
			t.Fatalf("expected %s check in %v", name, report.Checks)
		}
	}
	if report.Environment != "local" {
		t.Fatalf("expected environment from config, got %q", report.Environment)
	}
}

func TestNewContainer_RedisIdempotencyReportsHealth(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := localConfig()
	cfg.Idempotency.Backend = config.IdempotencyBackendRedis
	cfg.Idempotency.Redis = config.RedisConfig{Addr: mr.Addr(), KeyPrefix: "test:idem:"}

	ctx := context.Background()
	c, err := NewContainer(ctx, cfg)
	if err != nil {
		t.Fatalf("new container: %v", err)
	}
	t.Cleanup(func() { _ = c.Close(context.Background()) })

	if _, ok := c.Idempotency.(*idempotency.RedisStore); !ok {
		t.Fatalf("expected redis idempotency store, got %T", c.Idempotency)
	}
	res, err := c.Idempotency.Reserve(ctx, "k1", "fp", time.Now(), time.Minute)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if res.State != idempotency.ReservationStateNew {
		t.Fatalf("expected new reservation, got %v", res.State)
	}

	report, err := c.Services.System.HealthReport(ctx)
	if err != nil {
		t.Fatalf("health report: %v", err)
	}
	check, ok := report.Checks["redis"]
	if !ok {
		t.Fatalf("expected redis check in %v", report.Checks)
	}
	if check.Status != domain.HealthStatusOK {
		t.Fatalf("expected redis ok, got %s: %s", check.Status, check.Detail)
	}
}

func TestNewContainer_RejectsUnknownBackends(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{name: "store", mutate: func(cfg *config.Config) { cfg.Store.Backend = "postgres" }},
		{name: "notifier", mutate: func(cfg *config.Config) { cfg.Notifier.Backend = "smtp" }},
		{name: "idempotency", mutate: func(cfg *config.Config) { cfg.Idempotency.Backend = "etcd" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := localConfig()
			tc.mutate(&cfg)
			if _, err := NewContainer(context.Background(), cfg); err == nil {
				t.Fatalf("expected error for unsupported %s backend", tc.name)
			}
		})
	}
}

func TestContainerClose_NilSafe(t *testing.T) {
	var c *Container
	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}
