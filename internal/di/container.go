package di

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/platform/config"
	"github.com/hanko-field/checkout/internal/platform/events"
	pfirestore "github.com/hanko-field/checkout/internal/platform/firestore"
	"github.com/hanko-field/checkout/internal/platform/idempotency"
	"github.com/hanko-field/checkout/internal/platform/observability"
	"github.com/hanko-field/checkout/internal/repositories"
	firestoreRepo "github.com/hanko-field/checkout/internal/repositories/firestore"
	"github.com/hanko-field/checkout/internal/repositories/memory"
	"github.com/hanko-field/checkout/internal/services"
)

const (
	meterName       = "github.com/hanko-field/checkout"
	eventsCheckName = "events"
)

// Services bundles the service-layer contracts that handlers rely upon.
type Services struct {
	Orders    services.OrderService
	Inventory services.InventoryService
	Coupons   services.CouponValidator
	Catalog   services.CouponService
	System    services.SystemService
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
	Publisher    *events.BreakerPublisher
	Idempotency  idempotency.Store

	closers []func(context.Context) error
}

// Option overrides a dependency NewContainer would otherwise build from config.
type Option func(*containerOptions)

type containerOptions struct {
	registry    repositories.Registry
	publisher   services.OrderEventPublisher
	idempotency idempotency.Store
	logger      *zap.Logger
	clock       func() time.Time
	meter       metric.Meter
	build       services.BuildInfo
	idGenerator func() string
	checks      []repositories.DependencyCheck
}

// WithRegistry supplies a pre-built repository registry, typically the in-memory one in tests.
func WithRegistry(reg repositories.Registry) Option {
	return func(o *containerOptions) { o.registry = reg }
}

// WithPublisher replaces the configured notifier backend. The breaker still wraps it.
func WithPublisher(pub services.OrderEventPublisher) Option {
	return func(o *containerOptions) { o.publisher = pub }
}

func WithIdempotencyStore(store idempotency.Store) Option {
	return func(o *containerOptions) { o.idempotency = store }
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *containerOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithClock(clock func() time.Time) Option {
	return func(o *containerOptions) {
		if clock != nil {
			o.clock = clock
		}
	}
}

func WithMeter(meter metric.Meter) Option {
	return func(o *containerOptions) {
		if meter != nil {
			o.meter = meter
		}
	}
}

func WithBuildInfo(info services.BuildInfo) Option {
	return func(o *containerOptions) { o.build = info }
}

// WithIDGenerator fixes order ids, for tests.
func WithIDGenerator(gen func() string) Option {
	return func(o *containerOptions) { o.idGenerator = gen }
}

// WithHealthChecks adds readiness probes for dependencies owned outside the container.
func WithHealthChecks(checks ...repositories.DependencyCheck) Option {
	return func(o *containerOptions) { o.checks = append(o.checks, checks...) }
}

// NewContainer constructs the runtime dependencies from configuration. Anything that fails part
// way through is closed before the error is returned.
func NewContainer(ctx context.Context, cfg config.Config, opts ...Option) (_ *Container, err error) {
	o := containerOptions{
		logger: zap.NewNop(),
		clock:  time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.meter == nil {
		o.meter = otel.Meter(meterName)
	}

	c := &Container{Config: cfg}
	defer func() {
		if err != nil {
			_ = c.Close(context.WithoutCancel(ctx))
		}
	}()

	if c.Repositories, err = c.buildRegistry(cfg, o.registry); err != nil {
		return nil, err
	}

	eventLogger := o.logger.Named("events")
	downstream := o.publisher
	if downstream == nil {
		if downstream, err = c.buildPublisher(ctx, cfg.Notifier, eventLogger); err != nil {
			return nil, err
		}
	}
	backend := cfg.Notifier.Backend
	if backend == "" {
		backend = "custom"
	}
	c.Publisher, err = events.NewBreakerPublisher(downstream, events.BreakerSettings{
		Name:           "order-events-" + backend,
		Failures:       cfg.Notifier.BreakerFailures,
		OpenTimeout:    cfg.Notifier.BreakerOpenTimeout,
		PublishTimeout: cfg.Notifier.PublishTimeout,
	}, eventLogger)
	if err != nil {
		return nil, err
	}

	var redisPing func(context.Context) error
	c.Idempotency = o.idempotency
	if c.Idempotency == nil {
		if c.Idempotency, redisPing, err = c.buildIdempotencyStore(cfg.Idempotency); err != nil {
			return nil, err
		}
	}

	if c.Services, err = c.buildServices(cfg, o, redisPing); err != nil {
		return nil, err
	}
	return c, nil
}

// Close releases clients in reverse construction order and reports every failure.
func (c *Container) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

func (c *Container) onClose(fn func(context.Context) error) {
	c.closers = append(c.closers, fn)
}

func (c *Container) buildRegistry(cfg config.Config, supplied repositories.Registry) (repositories.Registry, error) {
	if supplied != nil {
		c.onClose(supplied.Close)
		return supplied, nil
	}
	switch cfg.Store.Backend {
	case config.StoreBackendMemory:
		store := memory.NewStore()
		c.onClose(store.Close)
		return store, nil
	case config.StoreBackendFirestore, "":
		provider := pfirestore.NewProvider(cfg.Firestore)
		reg, err := firestoreRepo.NewRegistry(provider)
		if err != nil {
			return nil, fmt.Errorf("firestore registry: %w", err)
		}
		c.onClose(reg.Close)
		return reg, nil
	default:
		return nil, fmt.Errorf("unsupported store backend %q", cfg.Store.Backend)
	}
}

func (c *Container) buildPublisher(ctx context.Context, cfg config.NotifierConfig, logger *zap.Logger) (services.OrderEventPublisher, error) {
	switch cfg.Backend {
	case config.NotifierBackendLog, "":
		return events.NewLogPublisher(logger), nil
	case config.NotifierBackendPubSub:
		client, err := pubsub.NewClient(ctx, cfg.PubSubProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub client: %w", err)
		}
		c.onClose(func(context.Context) error { return client.Close() })
		pub, err := events.NewPubSubPublisher(client.Topic(cfg.PubSubTopic))
		if err != nil {
			return nil, err
		}
		c.onClose(func(context.Context) error {
			pub.Stop()
			return nil
		})
		return pub, nil
	case config.NotifierBackendKafka:
		pub, err := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			return nil, err
		}
		c.onClose(func(context.Context) error { return pub.Close() })
		return pub, nil
	default:
		return nil, fmt.Errorf("unsupported notifier backend %q", cfg.Backend)
	}
}

func (c *Container) buildIdempotencyStore(cfg config.IdempotencyConfig) (idempotency.Store, func(context.Context) error, error) {
	switch cfg.Backend {
	case config.IdempotencyBackendMemory, "":
		return idempotency.NewMemoryStore(), nil, nil
	case config.IdempotencyBackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		c.onClose(func(context.Context) error { return client.Close() })
		store, err := idempotency.NewRedisStore(client, cfg.Redis.KeyPrefix)
		if err != nil {
			return nil, nil, err
		}
		return store, func(ctx context.Context) error { return client.Ping(ctx).Err() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported idempotency backend %q", cfg.Backend)
	}
}

func (c *Container) buildServices(cfg config.Config, o containerOptions, redisPing func(context.Context) error) (Services, error) {
	var svc Services
	reg := c.Repositories
	serviceLogger := observability.EventLogger(o.logger.Named("services"))

	inventory, err := services.NewInventoryService(services.InventoryServiceDeps{
		Ledger: reg.Inventory(),
		Logger: serviceLogger,
	})
	if err != nil {
		return svc, err
	}
	coupons, err := services.NewCouponValidator(services.CouponValidatorDeps{
		Coupons: reg.Coupons(),
		Clock:   o.clock,
		Logger:  serviceLogger,
	})
	if err != nil {
		return svc, err
	}
	catalog, err := services.NewCouponService(services.CouponServiceDeps{
		Coupons: reg.Coupons(),
		Clock:   o.clock,
		Logger:  serviceLogger,
	})
	if err != nil {
		return svc, err
	}
	orders, err := services.NewOrderService(services.OrderServiceDeps{
		Products:  reg.Products(),
		Orders:    reg.Orders(),
		Inventory: inventory,
		Coupons:   coupons,
		Pricing:   services.NewPricingCalculator(),
		Settings: services.CheckoutSettings{
			TaxRate:          cfg.Checkout.TaxRate,
			ShippingRates:    cfg.Checkout.ShippingRates,
			ShippingLeadTime: cfg.Checkout.ShippingLeadTime,
			Currency:         cfg.Checkout.Currency,
		},
		Clock:       o.clock,
		IDGenerator: o.idGenerator,
		Events:      c.Publisher,
		Meter:       o.meter,
		Logger:      serviceLogger,
	})
	if err != nil {
		return svc, err
	}

	health, err := repositories.NewProbeHealthRepository(c.healthChecks(redisPing, o.checks), repositories.WithProbeClock(o.clock))
	if err != nil {
		return svc, err
	}
	build := o.build
	if build.Environment == "" {
		build.Environment = cfg.Security.Environment
	}
	if build.StartedAt.IsZero() {
		build.StartedAt = o.clock()
	}
	system, err := services.NewSystemService(services.SystemServiceDeps{
		HealthRepository: health,
		Clock:            o.clock,
		Build:            build,
		NonCritical:      []string{eventsCheckName},
	})
	if err != nil {
		return svc, err
	}

	svc.Orders = orders
	svc.Inventory = inventory
	svc.Coupons = coupons
	svc.Catalog = catalog
	svc.System = system
	return svc, nil
}

// healthChecks composes readiness across the store, the idempotency backend, and the event breaker.
func (c *Container) healthChecks(redisPing func(context.Context) error, extra []repositories.DependencyCheck) []repositories.DependencyCheck {
	checks := []repositories.DependencyCheck{
		{Name: "store", Check: c.storeCheck},
		{Name: eventsCheckName, Check: c.publisherCheck},
	}
	if redisPing != nil {
		checks = append(checks, repositories.DependencyCheck{Name: "redis", Check: redisPing})
	}
	return append(checks, extra...)
}

func (c *Container) storeCheck(ctx context.Context) error {
	repo := c.Repositories.Health()
	if repo == nil {
		return nil
	}
	report, err := repo.Collect(ctx)
	if err != nil {
		return err
	}
	if report.Status == domain.HealthStatusOK {
		return nil
	}
	var failing []string
	for name, check := range report.Checks {
		if check.Status != domain.HealthStatusOK {
			failing = append(failing, name+": "+check.Detail)
		}
	}
	sort.Strings(failing)
	return fmt.Errorf("store %s: %s", report.Status, strings.Join(failing, "; "))
}

func (c *Container) publisherCheck(context.Context) error {
	if c.Publisher != nil && c.Publisher.State() == gobreaker.StateOpen {
		return events.ErrPublisherUnavailable
	}
	return nil
}
