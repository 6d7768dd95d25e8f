package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/platform/httpx"
	"github.com/hanko-field/checkout/internal/services"
)

// AdminOrderHandlers exposes staff operations on orders. Role checks live in the router's admin
// middleware; handlers only require an authenticated identity for the audit trail.
type AdminOrderHandlers struct {
	orders services.OrderService
}

func NewAdminOrderHandlers(orders services.OrderService) *AdminOrderHandlers {
	return &AdminOrderHandlers{orders: orders}
}

// Routes registers the /admin/orders endpoints.
func (h *AdminOrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/orders/{orderID}:transition", h.transition)
	r.Post("/orders/{orderID}:refund", h.refund)
}

type transitionRequest struct {
	Status         string  `json:"status"`
	TrackingNumber *string `json:"tracking_number"`
	Note           string  `json:"note"`
}

func (h *AdminOrderHandlers) transition(w http.ResponseWriter, r *http.Request) {
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

	var req transitionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	status := domain.OrderStatus(strings.ToLower(strings.TrimSpace(req.Status)))
	if !status.Valid() {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "status must be a valid order status", http.StatusBadRequest))
		return
	}

	order, err := h.orders.TransitionStatus(ctx, services.TransitionCommand{
		OrderID:        orderID,
		Status:         status,
		TrackingNumber: req.TrackingNumber,
		Note:           req.Note,
		ActorID:        identity.UID,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

type refundRequest struct {
	Amount           string `json:"amount"`
	GatewayReference string `json:"gateway_reference"`
}

func (h *AdminOrderHandlers) refund(w http.ResponseWriter, r *http.Request) {
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

	var req refundRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	amount, err := domain.ParseMoney(req.Amount)
	if err != nil || !amount.IsPositive() {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "amount must be a positive decimal", http.StatusBadRequest))
		return
	}

	order, err := h.orders.RecordRefund(ctx, services.RefundCommand{
		OrderID:          orderID,
		Amount:           amount,
		GatewayReference: strings.TrimSpace(req.GatewayReference),
		ActorID:          identity.UID,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}
