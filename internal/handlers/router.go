package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hanko-field/checkout/internal/platform/httpx"
)

// RouteRegistrar registers a set of routes against the provided router.
type RouteRegistrar func(r chi.Router)

type routerConfig struct {
	basePath    string
	timeout     time.Duration
	middlewares []func(http.Handler) http.Handler
	health      *HealthHandlers

	orders   RouteRegistrar
	checkout RouteRegistrar
	coupons  RouteRegistrar
	admin    []RouteRegistrar
	webhooks RouteRegistrar

	apiMiddlewares     []func(http.Handler) http.Handler
	adminMiddlewares   []func(http.Handler) http.Handler
	webhookMiddlewares []func(http.Handler) http.Handler
}

// Option customises the router configuration before construction.
type Option func(*routerConfig)

const (
	defaultAPIPrefix  = "/api/v1"
	defaultTimeout    = 60 * time.Second
	errorNotFoundCode = "route_not_found"
)

// NewRouter constructs the chi router with shared middleware and the checkout route groups.
//
//	/healthz, /readyz                 liveness and readiness
//	/api/v1/orders...                 authenticated order endpoints
//	/api/v1/coupons, /coupons/{code}  public coupon lookup
//	/api/v1/checkout:quote, coupons   authenticated pricing previews
//	/api/v1/admin/orders, coupons     staff operations
//	/api/v1/webhooks/payments/...     gateway callbacks, signature-verified
func NewRouter(opts ...Option) chi.Router {
	cfg := routerConfig{
		basePath: defaultAPIPrefix,
		timeout:  defaultTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.health == nil {
		cfg.health = NewHealthHandlers()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Timeout(cfg.timeout))
	for _, mw := range cfg.middlewares {
		if mw != nil {
			r.Use(mw)
		}
	}

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError(errorNotFoundCode, fmt.Sprintf("no route for %s", req.URL.Path), http.StatusNotFound))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("method_not_allowed", fmt.Sprintf("method %s not allowed on %s", req.Method, req.URL.Path), http.StatusMethodNotAllowed))
	})

	r.Get("/healthz", cfg.health.Healthz)
	r.Get("/readyz", cfg.health.Readyz)

	r.Route(cfg.basePath, func(api chi.Router) {
		// Webhooks authenticate by signature, never by bearer token.
		api.Route("/webhooks", func(group chi.Router) {
			use(group, cfg.webhookMiddlewares)
			mount(group, cfg.webhooks, "webhooks")
		})

		if cfg.coupons != nil {
			api.Group(func(public chi.Router) {
				cfg.coupons(public)
			})
		}

		api.Group(func(authed chi.Router) {
			use(authed, cfg.apiMiddlewares)
			authed.Route("/orders", func(group chi.Router) {
				mount(group, cfg.orders, "orders")
			})
			if cfg.checkout != nil {
				cfg.checkout(authed)
			} else {
				registerNotImplementedRoute(authed, "/checkout:quote", "checkout")
				registerNotImplementedRoute(authed, "/coupons:validate", "checkout")
			}
			authed.Route("/admin", func(group chi.Router) {
				use(group, cfg.adminMiddlewares)
				if len(cfg.admin) == 0 {
					registerNotImplemented(group, "admin")
					return
				}
				for _, reg := range cfg.admin {
					if reg != nil {
						reg(group)
					}
				}
			})
		})
	})

	return r
}

func use(r chi.Router, mws []func(http.Handler) http.Handler) {
	for _, mw := range mws {
		if mw != nil {
			r.Use(mw)
		}
	}
}

func mount(r chi.Router, registrar RouteRegistrar, name string) {
	if registrar != nil {
		registrar(r)
		return
	}
	registerNotImplemented(r, name)
}

// WithMiddlewares appends global middleware, applied after request id, real ip and timeout.
func WithMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		cfg.middlewares = append(cfg.middlewares, mw...)
	}
}

// WithRequestTimeout overrides the per-request timeout.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(cfg *routerConfig) {
		if timeout > 0 {
			cfg.timeout = timeout
		}
	}
}

// WithHealthHandlers overrides the handlers used for /healthz and /readyz endpoints.
func WithHealthHandlers(h *HealthHandlers) Option {
	return func(cfg *routerConfig) {
		cfg.health = h
	}
}

// WithAuthMiddlewares configures middleware for every non-webhook API route, typically authentication.
func WithAuthMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		cfg.apiMiddlewares = append(cfg.apiMiddlewares, mw...)
	}
}

func WithOrderRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.orders = reg
	}
}

// WithCheckoutRoutes registers the colon-suffixed checkout verbs directly under the API prefix.
func WithCheckoutRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.checkout = reg
	}
}

// WithCouponRoutes registers public, unauthenticated coupon lookups under the API prefix.
func WithCouponRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.coupons = reg
	}
}

// WithAdminRoutes appends registrars mounted under /admin; each call adds to the group.
func WithAdminRoutes(reg ...RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.admin = append(cfg.admin, reg...)
	}
}

// WithAdminMiddlewares configures middleware for the /admin group, typically role checks.
func WithAdminMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		cfg.adminMiddlewares = append(cfg.adminMiddlewares, mw...)
	}
}

func WithWebhookRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.webhooks = reg
	}
}

func WithWebhookMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		cfg.webhookMiddlewares = append(cfg.webhookMiddlewares, mw...)
	}
}

func registerNotImplemented(r chi.Router, name string) {
	handler := notImplemented(name)
	r.HandleFunc("/*", handler)
	r.HandleFunc("/", handler)
}

func registerNotImplementedRoute(r chi.Router, path string, name string) {
	r.HandleFunc(path, notImplemented(name))
}

func notImplemented(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("not_implemented", fmt.Sprintf("%s routes not implemented", name), http.StatusNotImplemented))
	}
}
