package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/platform/auth"
	"github.com/hanko-field/checkout/internal/platform/httpx"
	"github.com/hanko-field/checkout/internal/platform/pagination"
	"github.com/hanko-field/checkout/internal/services"
)

const (
	defaultOrderPageSize = 20
	maxOrderPageSize     = 100
)

// OrderHandlers exposes order placement and read endpoints for authenticated users.
type OrderHandlers struct {
	orders      services.OrderService
	idempotency func(http.Handler) http.Handler
}

// OrderHandlersOption configures OrderHandlers.
type OrderHandlersOption func(*OrderHandlers)

// WithOrderIdempotency guards order placement with the given middleware, normally idempotency.Middleware.
func WithOrderIdempotency(mw func(http.Handler) http.Handler) OrderHandlersOption {
	return func(h *OrderHandlers) {
		h.idempotency = mw
	}
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(orders services.OrderService, opts ...OrderHandlersOption) *OrderHandlers {
	h := &OrderHandlers{orders: orders}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	create := http.Handler(http.HandlerFunc(h.createOrder))
	if h.idempotency != nil {
		create = h.idempotency(create)
	}
	r.Method(http.MethodPost, "/", create)
	r.Get("/", h.listOrders)
	r.Get("/{orderID}", h.getOrder)
	r.Post("/{orderID}:cancel", h.cancelOrder)
}

type cartLineRequest struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type addressRequest struct {
	Recipient  string  `json:"recipient"`
	Line1      string  `json:"line1"`
	Line2      *string `json:"line2"`
	City       string  `json:"city"`
	State      *string `json:"state"`
	PostalCode string  `json:"postal_code"`
	Country    string  `json:"country"`
	Phone      *string `json:"phone"`
}

type createOrderRequest struct {
	Items           []cartLineRequest `json:"items"`
	ShippingAddress *addressRequest   `json:"shipping_address"`
	BillingAddress  *addressRequest   `json:"billing_address"`
	PaymentMethod   string            `json:"payment_method"`
	ShippingMethod  string            `json:"shipping_method"`
	CouponCode      *string           `json:"coupon_code"`
	Notes           *string           `json:"notes"`
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	var req createOrderRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	order, err := h.orders.CreateOrder(ctx, services.CreateOrderCommand{
		UserID:          identity.UID,
		Items:           toCartLines(req.Items),
		ShippingAddress: req.ShippingAddress.toDomain(),
		BillingAddress:  req.BillingAddress.toDomain(),
		PaymentMethod:   req.PaymentMethod,
		ShippingMethod:  req.ShippingMethod,
		CouponCode:      req.CouponCode,
		Notes:           req.Notes,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	w.Header().Set("Location", "/api/v1/orders/"+order.ID)
	httpx.WriteJSON(w, http.StatusCreated, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	query := r.URL.Query()
	params, err := pagination.Parse(query, pagination.Options{
		DefaultPageSize: defaultOrderPageSize,
		MaxPageSize:     maxOrderPageSize,
	})
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	var status *domain.OrderStatus
	if raw := strings.TrimSpace(query.Get("status")); raw != "" {
		parsed := domain.OrderStatus(strings.ToLower(raw))
		if !parsed.Valid() {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "status must be a valid order status", http.StatusBadRequest))
			return
		}
		status = &parsed
	}

	page, err := h.orders.ListOrders(ctx, services.ListOrdersQuery{
		UserID:    identity.UID,
		Status:    status,
		PageSize:  params.PageSize,
		PageToken: params.PageToken,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	items := make([]orderSummaryPayload, 0, len(page.Items))
	for _, order := range page.Items {
		items = append(items, buildOrderSummary(order))
	}
	httpx.WriteJSON(w, http.StatusOK, orderListResponse{
		Items:         items,
		NextPageToken: strings.TrimSpace(page.NextPageToken),
	})
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	orderID, ok := requireOrderID(w, r)
	if !ok {
		return
	}

	order, err := h.orders.GetOrder(ctx, orderID, identity.UID)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	orderID, ok := requireOrderID(w, r)
	if !ok {
		return
	}

	cancelled, err := h.orders.CancelOrder(ctx, orderID, identity.UID)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, orderResponse{Order: buildOrderPayload(cancelled)})
}

func requireIdentity(ctx context.Context, w http.ResponseWriter) (*auth.Identity, bool) {
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	return identity, true
}

func requireOrderID(w http.ResponseWriter, r *http.Request) (string, bool) {
	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return "", false
	}
	return orderID, true
}

func toCartLines(items []cartLineRequest) []domain.CartLine {
	lines := make([]domain.CartLine, 0, len(items))
	for _, item := range items {
		lines = append(lines, domain.CartLine{ProductID: item.ProductID, Quantity: item.Quantity})
	}
	return lines
}

func (a *addressRequest) toDomain() *domain.Address {
	if a == nil {
		return nil
	}
	return &domain.Address{
		Recipient:  a.Recipient,
		Line1:      a.Line1,
		Line2:      a.Line2,
		City:       a.City,
		State:      a.State,
		PostalCode: a.PostalCode,
		Country:    a.Country,
		Phone:      a.Phone,
	}
}

type orderListResponse struct {
	Items         []orderSummaryPayload `json:"items"`
	NextPageToken string                `json:"next_page_token,omitempty"`
}

type orderSummaryPayload struct {
	ID            string `json:"id"`
	OrderNumber   string `json:"order_number"`
	Status        string `json:"status"`
	PaymentStatus string `json:"payment_status"`
	Currency      string `json:"currency"`
	Total         string `json:"total"`
	CreatedAt     string `json:"created_at"`
}

type orderResponse struct {
	Order orderPayload `json:"order"`
}

type orderPayload struct {
	ID                string                     `json:"id"`
	OrderNumber       string                     `json:"order_number"`
	UserID            string                     `json:"user_id"`
	Status            string                     `json:"status"`
	PaymentStatus     string                     `json:"payment_status"`
	Currency          string                     `json:"currency"`
	Totals            orderTotalsPayload         `json:"totals"`
	Items             []orderItemPayload         `json:"items"`
	ShippingAddress   addressPayload             `json:"shipping_address"`
	BillingAddress    addressPayload             `json:"billing_address"`
	PaymentMethod     string                     `json:"payment_method"`
	ShippingMethod    string                     `json:"shipping_method"`
	CouponCode        *string                    `json:"coupon_code,omitempty"`
	Notes             string                     `json:"notes,omitempty"`
	RefundedAmount    string                     `json:"refunded_amount,omitempty"`
	TrackingNumber    string                     `json:"tracking_number,omitempty"`
	EstimatedDelivery string                     `json:"estimated_delivery,omitempty"`
	StatusHistory     []orderStatusChangePayload `json:"status_history,omitempty"`
	CreatedAt         string                     `json:"created_at"`
	UpdatedAt         string                     `json:"updated_at,omitempty"`
	PaidAt            string                     `json:"paid_at,omitempty"`
	ShippedAt         string                     `json:"shipped_at,omitempty"`
	DeliveredAt       string                     `json:"delivered_at,omitempty"`
	CancelledAt       string                     `json:"cancelled_at,omitempty"`
}

type orderTotalsPayload struct {
	Subtotal       string `json:"subtotal"`
	ItemDiscount   string `json:"item_discount"`
	CouponDiscount string `json:"coupon_discount"`
	Discount       string `json:"discount"`
	Tax            string `json:"tax"`
	Shipping       string `json:"shipping"`
	Total          string `json:"total"`
}

type orderItemPayload struct {
	ProductID       string `json:"product_id"`
	ProductName     string `json:"product_name"`
	CategoryID      string `json:"category_id,omitempty"`
	UnitPrice       string `json:"unit_price"`
	Quantity        int    `json:"quantity"`
	DiscountPercent string `json:"discount_percent"`
	LineTotal       string `json:"line_total"`
	DiscountAmount  string `json:"discount_amount"`
	FinalPrice      string `json:"final_price"`
}

type addressPayload struct {
	Recipient  string  `json:"recipient"`
	Line1      string  `json:"line1"`
	Line2      *string `json:"line2,omitempty"`
	City       string  `json:"city"`
	State      *string `json:"state,omitempty"`
	PostalCode string  `json:"postal_code"`
	Country    string  `json:"country"`
	Phone      *string `json:"phone,omitempty"`
}

type orderStatusChangePayload struct {
	From      string `json:"from,omitempty"`
	To        string `json:"to"`
	ActorID   string `json:"actor_id,omitempty"`
	Note      string `json:"note,omitempty"`
	ChangedAt string `json:"changed_at"`
}

func buildOrderSummary(order domain.Order) orderSummaryPayload {
	return orderSummaryPayload{
		ID:            order.ID,
		OrderNumber:   order.OrderNumber,
		Status:        string(order.Status),
		PaymentStatus: string(order.PaymentStatus),
		Currency:      strings.ToUpper(order.Currency),
		Total:         formatMoney(order.Totals.Total),
		CreatedAt:     formatTime(order.CreatedAt),
	}
}

func buildOrderPayload(order domain.Order) orderPayload {
	payload := orderPayload{
		ID:              order.ID,
		OrderNumber:     order.OrderNumber,
		UserID:          order.UserID,
		Status:          string(order.Status),
		PaymentStatus:   string(order.PaymentStatus),
		Currency:        strings.ToUpper(order.Currency),
		Totals:          buildTotalsPayload(order.Totals),
		Items:           buildItemPayloads(order.Items),
		ShippingAddress: buildAddressPayload(order.ShippingAddress),
		BillingAddress:  buildAddressPayload(order.BillingAddress),
		PaymentMethod:   order.PaymentMethod,
		ShippingMethod:  order.ShippingMethod,
		CouponCode:      order.CouponCode,
		Notes:           order.Notes,
		TrackingNumber:  order.TrackingNumber,
		CreatedAt:       formatTime(order.CreatedAt),
		UpdatedAt:       formatTime(order.UpdatedAt),
		PaidAt:          formatTimePtr(order.PaidAt),
		ShippedAt:       formatTimePtr(order.ShippedAt),
		DeliveredAt:     formatTimePtr(order.DeliveredAt),
		CancelledAt:     formatTimePtr(order.CancelledAt),
	}
	if order.RefundedAmount.IsPositive() {
		payload.RefundedAmount = formatMoney(order.RefundedAmount)
	}
	if order.EstimatedDelivery != nil {
		payload.EstimatedDelivery = order.EstimatedDelivery.UTC().Format(time.DateOnly)
	}
	for _, change := range order.StatusHistory {
		payload.StatusHistory = append(payload.StatusHistory, orderStatusChangePayload{
			From:      string(change.From),
			To:        string(change.To),
			ActorID:   change.ActorID,
			Note:      change.Note,
			ChangedAt: formatTime(change.ChangedAt),
		})
	}
	return payload
}

func buildTotalsPayload(totals domain.OrderTotals) orderTotalsPayload {
	return orderTotalsPayload{
		Subtotal:       formatMoney(totals.Subtotal),
		ItemDiscount:   formatMoney(totals.ItemDiscount),
		CouponDiscount: formatMoney(totals.CouponDiscount),
		Discount:       formatMoney(totals.Discount),
		Tax:            formatMoney(totals.Tax),
		Shipping:       formatMoney(totals.Shipping),
		Total:          formatMoney(totals.Total),
	}
}

func buildItemPayloads(items []domain.OrderItem) []orderItemPayload {
	result := make([]orderItemPayload, 0, len(items))
	for _, item := range items {
		result = append(result, orderItemPayload{
			ProductID:       item.ProductID,
			ProductName:     item.ProductName,
			CategoryID:      item.CategoryID,
			UnitPrice:       formatMoney(item.UnitPrice),
			Quantity:        item.Quantity,
			DiscountPercent: item.DiscountPercent.String(),
			LineTotal:       formatMoney(item.LineTotal),
			DiscountAmount:  formatMoney(item.DiscountAmount),
			FinalPrice:      formatMoney(item.FinalPrice),
		})
	}
	return result
}

func buildAddressPayload(addr domain.Address) addressPayload {
	return addressPayload{
		Recipient:  addr.Recipient,
		Line1:      addr.Line1,
		Line2:      addr.Line2,
		City:       addr.City,
		State:      addr.State,
		PostalCode: addr.PostalCode,
		Country:    addr.Country,
		Phone:      addr.Phone,
	}
}

func formatMoney(amount decimal.Decimal) string {
	return amount.StringFixed(domain.CurrencyPlaces)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

// writeOrderError maps service failures onto the API error envelope. Ownership failures are
// reported as not found so order ids cannot be probed.
func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}

	var stock *services.InsufficientStockError
	var coupon *services.CouponRejection
	switch {
	case errors.As(err, &stock):
		httpx.WriteError(ctx, w, httpx.NewError("insufficient_stock", "requested quantity is not available", http.StatusConflict).
			WithDetails(map[string]any{
				"product_id": stock.ProductID,
				"requested":  stock.Requested,
				"available":  stock.Available,
			}))
	case errors.As(err, &coupon):
		message := coupon.Message
		if message == "" {
			message = "coupon cannot be applied"
		}
		httpx.WriteError(ctx, w, httpx.NewError("coupon_rejected", message, http.StatusUnprocessableEntity).
			WithDetails(map[string]any{
				"coupon_code": coupon.Code,
				"reason":      string(coupon.Reason),
			}))
	case errors.Is(err, services.ErrCouponInvalid):
		httpx.WriteError(ctx, w, httpx.NewError("coupon_rejected", "coupon cannot be applied", http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrOrderInvalidInput), errors.Is(err, services.ErrInventoryInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderNotFound), errors.Is(err, services.ErrOrderNotOwner):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrProductNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("product_not_found", err.Error(), http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrProductInactive):
		httpx.WriteError(ctx, w, httpx.NewError("product_unavailable", err.Error(), http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrOrderInvalidTransition):
		httpx.WriteError(ctx, w, httpx.NewError("order_invalid_state", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderAlreadyPaid):
		httpx.WriteError(ctx, w, httpx.NewError("order_already_paid", "order payment already settled", http.StatusConflict))
	case errors.Is(err, services.ErrOrderUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("order_store_unavailable", "order storage unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("order_error", "failed to process order request", http.StatusInternalServerError))
	}
}
