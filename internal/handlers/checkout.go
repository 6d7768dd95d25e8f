package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hanko-field/checkout/internal/platform/httpx"
	"github.com/hanko-field/checkout/internal/services"
)

const (
	defaultCouponValidateLimit  = 20
	defaultCouponValidateWindow = time.Minute
)

// CheckoutHandlers serves cart pricing previews. Nothing here reserves stock or writes orders.
type CheckoutHandlers struct {
	orders  services.OrderService
	limiter rateLimiter
}

// CheckoutOption configures CheckoutHandlers.
type CheckoutOption func(*checkoutConfig)

type checkoutConfig struct {
	couponLimit  int
	couponWindow time.Duration
	clock        func() time.Time
}

// WithCouponValidateRateLimit bounds coupon probing per user. A non-positive limit disables it.
func WithCouponValidateRateLimit(limit int, window time.Duration) CheckoutOption {
	return func(cfg *checkoutConfig) {
		cfg.couponLimit = limit
		cfg.couponWindow = window
	}
}

func WithCheckoutClock(clock func() time.Time) CheckoutOption {
	return func(cfg *checkoutConfig) {
		if clock != nil {
			cfg.clock = clock
		}
	}
}

func NewCheckoutHandlers(orders services.OrderService, opts ...CheckoutOption) *CheckoutHandlers {
	cfg := checkoutConfig{
		couponLimit:  defaultCouponValidateLimit,
		couponWindow: defaultCouponValidateWindow,
		clock:        time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return &CheckoutHandlers{
		orders:  orders,
		limiter: newKeyedRateLimiter(cfg.couponLimit, cfg.couponWindow, cfg.clock),
	}
}

// Routes registers the checkout verbs on the API root.
func (h *CheckoutHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/checkout:quote", h.quote)
	r.Post("/coupons:validate", h.validateCoupon)
}

type quoteRequest struct {
	Items          []cartLineRequest `json:"items"`
	ShippingMethod string            `json:"shipping_method"`
	CouponCode     *string           `json:"coupon_code"`
}

type quoteResponse struct {
	Currency     string             `json:"currency"`
	Totals       orderTotalsPayload `json:"totals"`
	Items        []orderItemPayload `json:"items"`
	CouponCode   *string            `json:"coupon_code,omitempty"`
	FreeShipping bool               `json:"free_shipping"`
}

func (h *CheckoutHandlers) quote(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_service_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	var req quoteRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	quote, err := h.orders.QuoteCart(ctx, services.QuoteCommand{
		UserID:         identity.UID,
		Items:          toCartLines(req.Items),
		ShippingMethod: req.ShippingMethod,
		CouponCode:     req.CouponCode,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildQuoteResponse(quote))
}

type couponValidateRequest struct {
	Code           string            `json:"code"`
	Items          []cartLineRequest `json:"items"`
	ShippingMethod string            `json:"shipping_method"`
}

type couponValidateResponse struct {
	Valid          bool           `json:"valid"`
	Code           string         `json:"code"`
	Reason         string         `json:"reason,omitempty"`
	Message        string         `json:"message,omitempty"`
	CouponDiscount string         `json:"coupon_discount,omitempty"`
	FreeShipping   bool           `json:"free_shipping,omitempty"`
	Quote          *quoteResponse `json:"quote,omitempty"`
}

// validateCoupon prices the cart with the code applied. Rejections are a normal answer here, so
// they come back as 200 with valid=false instead of an error envelope.
func (h *CheckoutHandlers) validateCoupon(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_service_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	if h.limiter != nil && !h.limiter.Allow(identity.UID) {
		w.Header().Set("Retry-After", "60")
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many coupon checks, retry later", http.StatusTooManyRequests))
		return
	}

	var req couponValidateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	code := services.NormalizeCouponCode(req.Code)
	if code == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "code is required", http.StatusBadRequest))
		return
	}

	quote, err := h.orders.QuoteCart(ctx, services.QuoteCommand{
		UserID:         identity.UID,
		Items:          toCartLines(req.Items),
		ShippingMethod: req.ShippingMethod,
		CouponCode:     &code,
	})
	if err != nil {
		var rejection *services.CouponRejection
		if errors.As(err, &rejection) {
			httpx.WriteJSON(w, http.StatusOK, couponValidateResponse{
				Valid:   false,
				Code:    code,
				Reason:  string(rejection.Reason),
				Message: strings.TrimSpace(rejection.Message),
			})
			return
		}
		writeOrderError(ctx, w, err)
		return
	}

	payload := buildQuoteResponse(quote)
	httpx.WriteJSON(w, http.StatusOK, couponValidateResponse{
		Valid:          true,
		Code:           code,
		CouponDiscount: formatMoney(quote.Totals.CouponDiscount),
		FreeShipping:   quote.FreeShipping,
		Quote:          &payload,
	})
}

func buildQuoteResponse(quote services.Quote) quoteResponse {
	return quoteResponse{
		Currency:     strings.ToUpper(quote.Currency),
		Totals:       buildTotalsPayload(quote.Totals),
		Items:        buildItemPayloads(quote.Items),
		CouponCode:   quote.CouponCode,
		FreeShipping: quote.FreeShipping,
	}
}
