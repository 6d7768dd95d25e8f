package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/platform/httpx"
	"github.com/hanko-field/checkout/internal/platform/pagination"
	"github.com/hanko-field/checkout/internal/services"
)

const (
	defaultCouponPageSize = 20
	maxCouponPageSize     = 100
)

// CouponHandlers serves public coupon lookups and the staff coupon catalogue.
type CouponHandlers struct {
	coupons services.CouponService
}

func NewCouponHandlers(coupons services.CouponService) *CouponHandlers {
	return &CouponHandlers{coupons: coupons}
}

// Routes registers the public, unauthenticated lookups. Usage counters are never exposed here.
func (h *CouponHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/coupons", h.listCoupons)
	r.Get("/coupons/{code}", h.getCoupon)
}

// AdminRoutes registers the /admin/coupons endpoints. Delete is a soft deactivation.
func (h *CouponHandlers) AdminRoutes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/coupons", h.createCoupon)
	r.Put("/coupons/{code}", h.updateCoupon)
	r.Delete("/coupons/{code}", h.deactivateCoupon)
}

type couponRequest struct {
	Code                 string    `json:"code"`
	Type                 *string   `json:"type"`
	Value                *string   `json:"value"`
	MinOrderAmount       *string   `json:"min_order_amount"`
	MaxDiscount          *string   `json:"max_discount"`
	UsageLimit           *int      `json:"usage_limit"`
	UserUsageLimit       *int      `json:"user_usage_limit"`
	StartsAt             *string   `json:"starts_at"`
	ExpiresAt            *string   `json:"expires_at"`
	ApplicableProducts   *[]string `json:"applicable_products"`
	ApplicableCategories *[]string `json:"applicable_categories"`
	ExcludedProducts     *[]string `json:"excluded_products"`
	ExcludedCategories   *[]string `json:"excluded_categories"`
	FirstTimeOnly        *bool     `json:"first_time_only"`
	NewCustomerOnly      *bool     `json:"new_customer_only"`
	Description          *string   `json:"description"`
	Active               *bool     `json:"active"`
}

func (req couponRequest) toFields() (services.CouponFields, error) {
	fields := services.CouponFields{
		UsageLimit:           req.UsageLimit,
		UserUsageLimit:       req.UserUsageLimit,
		ApplicableProducts:   req.ApplicableProducts,
		ApplicableCategories: req.ApplicableCategories,
		ExcludedProducts:     req.ExcludedProducts,
		ExcludedCategories:   req.ExcludedCategories,
		FirstTimeOnly:        req.FirstTimeOnly,
		NewCustomerOnly:      req.NewCustomerOnly,
		Description:          req.Description,
		Active:               req.Active,
	}
	if req.Type != nil {
		kind := domain.CouponType(strings.ToLower(strings.TrimSpace(*req.Type)))
		fields.Type = &kind
	}
	var err error
	if fields.Value, err = parseDecimalField("value", req.Value); err != nil {
		return services.CouponFields{}, err
	}
	if fields.MinOrderAmount, err = parseDecimalField("min_order_amount", req.MinOrderAmount); err != nil {
		return services.CouponFields{}, err
	}
	if fields.MaxDiscount, err = parseDecimalField("max_discount", req.MaxDiscount); err != nil {
		return services.CouponFields{}, err
	}
	if fields.StartsAt, err = parseTimeField("starts_at", req.StartsAt); err != nil {
		return services.CouponFields{}, err
	}
	if fields.ExpiresAt, err = parseTimeField("expires_at", req.ExpiresAt); err != nil {
		return services.CouponFields{}, err
	}
	return fields, nil
}

func parseDecimalField(name string, raw *string) (*decimal.Decimal, error) {
	if raw == nil {
		return nil, nil
	}
	value, err := decimal.NewFromString(strings.TrimSpace(*raw))
	if err != nil {
		return nil, fmt.Errorf("%s must be a decimal string", name)
	}
	return &value, nil
}

func parseTimeField(name string, raw *string) (*time.Time, error) {
	if raw == nil {
		return nil, nil
	}
	parsed, err := time.Parse(time.RFC3339, strings.TrimSpace(*raw))
	if err != nil {
		return nil, fmt.Errorf("%s must be an RFC3339 timestamp", name)
	}
	return &parsed, nil
}

type couponPayload struct {
	Code                 string   `json:"code"`
	Type                 string   `json:"type"`
	Value                string   `json:"value"`
	MinOrderAmount       string   `json:"min_order_amount"`
	MaxDiscount          string   `json:"max_discount,omitempty"`
	StartsAt             string   `json:"starts_at,omitempty"`
	ExpiresAt            string   `json:"expires_at,omitempty"`
	ApplicableProducts   []string `json:"applicable_products,omitempty"`
	ApplicableCategories []string `json:"applicable_categories,omitempty"`
	ExcludedProducts     []string `json:"excluded_products,omitempty"`
	ExcludedCategories   []string `json:"excluded_categories,omitempty"`
	FirstTimeOnly        bool     `json:"first_time_only"`
	NewCustomerOnly      bool     `json:"new_customer_only"`
	Description          string   `json:"description,omitempty"`
}

type adminCouponPayload struct {
	couponPayload
	Active         bool   `json:"active"`
	UsageLimit     *int   `json:"usage_limit,omitempty"`
	UserUsageLimit *int   `json:"user_usage_limit,omitempty"`
	UsedCount      int    `json:"used_count"`
	CreatedAt      string `json:"created_at,omitempty"`
	UpdatedAt      string `json:"updated_at,omitempty"`
}

type couponResponse struct {
	Coupon couponPayload `json:"coupon"`
}

type adminCouponResponse struct {
	Coupon adminCouponPayload `json:"coupon"`
}

type couponListResponse struct {
	Items         []couponPayload `json:"items"`
	NextPageToken string          `json:"next_page_token,omitempty"`
}

func buildCouponPayload(coupon domain.Coupon) couponPayload {
	payload := couponPayload{
		Code:                 coupon.Code,
		Type:                 string(coupon.Type),
		Value:                coupon.Value.String(),
		MinOrderAmount:       formatMoney(coupon.MinOrderAmount),
		StartsAt:             formatTimePtr(coupon.StartsAt),
		ExpiresAt:            formatTimePtr(coupon.ExpiresAt),
		ApplicableProducts:   coupon.ApplicableProducts,
		ApplicableCategories: coupon.ApplicableCategories,
		ExcludedProducts:     coupon.ExcludedProducts,
		ExcludedCategories:   coupon.ExcludedCategories,
		FirstTimeOnly:        coupon.FirstTimeOnly,
		NewCustomerOnly:      coupon.NewCustomerOnly,
		Description:          coupon.Description,
	}
	if coupon.MaxDiscount != nil {
		payload.MaxDiscount = formatMoney(*coupon.MaxDiscount)
	}
	return payload
}

func buildAdminCouponPayload(coupon domain.Coupon) adminCouponPayload {
	return adminCouponPayload{
		couponPayload:  buildCouponPayload(coupon),
		Active:         coupon.Active,
		UsageLimit:     coupon.UsageLimit,
		UserUsageLimit: coupon.UserUsageLimit,
		UsedCount:      coupon.UsedCount,
		CreatedAt:      formatTime(coupon.CreatedAt),
		UpdatedAt:      formatTime(coupon.UpdatedAt),
	}
}

func (h *CouponHandlers) listCoupons(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.coupons == nil {
		httpx.WriteError(ctx, w, httpx.NewError("coupon_service_unavailable", "coupon service unavailable", http.StatusServiceUnavailable))
		return
	}
	params, err := pagination.Parse(r.URL.Query(), pagination.Options{
		DefaultPageSize: defaultCouponPageSize,
		MaxPageSize:     maxCouponPageSize,
	})
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	page, err := h.coupons.ListCoupons(ctx, services.CouponListQuery{
		PageSize:  params.PageSize,
		PageToken: params.PageToken,
	})
	if err != nil {
		writeCouponError(ctx, w, err)
		return
	}
	items := make([]couponPayload, 0, len(page.Items))
	for _, coupon := range page.Items {
		items = append(items, buildCouponPayload(coupon))
	}
	httpx.WriteJSON(w, http.StatusOK, couponListResponse{
		Items:         items,
		NextPageToken: strings.TrimSpace(page.NextPageToken),
	})
}

func (h *CouponHandlers) getCoupon(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.coupons == nil {
		httpx.WriteError(ctx, w, httpx.NewError("coupon_service_unavailable", "coupon service unavailable", http.StatusServiceUnavailable))
		return
	}
	coupon, err := h.coupons.GetCoupon(ctx, chi.URLParam(r, "code"))
	if err != nil {
		writeCouponError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, couponResponse{Coupon: buildCouponPayload(coupon)})
}

func (h *CouponHandlers) createCoupon(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.coupons == nil {
		httpx.WriteError(ctx, w, httpx.NewError("coupon_service_unavailable", "coupon service unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	var req couponRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	fields, err := req.toFields()
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	coupon, err := h.coupons.CreateCoupon(ctx, services.UpsertCouponCommand{
		Code:    req.Code,
		Fields:  fields,
		ActorID: identity.UID,
	})
	if err != nil {
		writeCouponError(ctx, w, err)
		return
	}
	w.Header().Set("Location", "/api/v1/coupons/"+coupon.Code)
	httpx.WriteJSON(w, http.StatusCreated, adminCouponResponse{Coupon: buildAdminCouponPayload(coupon)})
}

func (h *CouponHandlers) updateCoupon(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.coupons == nil {
		httpx.WriteError(ctx, w, httpx.NewError("coupon_service_unavailable", "coupon service unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	code := services.NormalizeCouponCode(chi.URLParam(r, "code"))

	var req couponRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	if body := services.NormalizeCouponCode(req.Code); body != "" && body != code {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "coupon code cannot be changed", http.StatusBadRequest))
		return
	}
	fields, err := req.toFields()
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	coupon, err := h.coupons.UpdateCoupon(ctx, services.UpsertCouponCommand{
		Code:    code,
		Fields:  fields,
		ActorID: identity.UID,
	})
	if err != nil {
		writeCouponError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, adminCouponResponse{Coupon: buildAdminCouponPayload(coupon)})
}

func (h *CouponHandlers) deactivateCoupon(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.coupons == nil {
		httpx.WriteError(ctx, w, httpx.NewError("coupon_service_unavailable", "coupon service unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	coupon, err := h.coupons.DeactivateCoupon(ctx, chi.URLParam(r, "code"), identity.UID)
	if err != nil {
		writeCouponError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, adminCouponResponse{Coupon: buildAdminCouponPayload(coupon)})
}

func writeCouponError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrCouponInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrCouponNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("coupon_not_found", "coupon not found", http.StatusNotFound))
	case errors.Is(err, services.ErrCouponExists):
		httpx.WriteError(ctx, w, httpx.NewError("coupon_exists", "coupon code already exists", http.StatusConflict))
	case errors.Is(err, services.ErrCouponUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("coupon_store_unavailable", "coupon storage unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("coupon_error", "failed to process coupon request", http.StatusInternalServerError))
	}
}
