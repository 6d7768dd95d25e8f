package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/hanko-field/checkout/internal/domain"
)

func (s *orderService) CancelOrder(ctx context.Context, orderID, requesterID string) (domain.Order, error) {
	orderID = strings.TrimSpace(orderID)
	requesterID = strings.TrimSpace(requesterID)
	if orderID == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if requesterID == "" {
		return domain.Order{}, fmt.Errorf("%w: requester id is required", ErrOrderInvalidInput)
	}

	return s.cancel(ctx, orderID, requesterID, "", func(order domain.Order) error {
		if order.UserID != requesterID {
			return fmt.Errorf("%w: %s", ErrOrderNotOwner, orderID)
		}
		return nil
	})
}

// cancel flips the status to cancelled as a compare-and-swap. The repository returns the items to
// stock in the same transaction, so only the winning caller restocks and a committed cancel
// always restocks.
func (s *orderService) cancel(ctx context.Context, orderID, actor, note string, authorise func(domain.Order) error) (domain.Order, error) {
	now := s.now()
	var previous domain.OrderStatus

	updated, err := s.orders.Cancel(ctx, orderID, func(order *domain.Order) error {
		if authorise != nil {
			if err := authorise(*order); err != nil {
				return err
			}
		}
		if !order.Status.Cancellable() {
			return fmt.Errorf("%w: order status %q cannot be cancelled", ErrOrderInvalidTransition, order.Status)
		}
		previous = order.Status
		applyStatusChange(order, domain.OrderStatusCancelled, actor, note, now)
		return nil
	})
	if err != nil {
		return domain.Order{}, s.mapRepositoryError(err)
	}

	s.metrics.recordCancelled(ctx)

	s.logger(ctx, orderEventCancelled, map[string]any{
		"orderId":  updated.ID,
		"previous": string(previous),
		"actorId":  actor,
	})
	s.publishEvent(ctx, orderEvent(orderEventCancelled, updated, previous, actor, now))
	return updated, nil
}

func (s *orderService) TransitionStatus(ctx context.Context, cmd TransitionCommand) (domain.Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if !cmd.Status.Valid() {
		return domain.Order{}, fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, cmd.Status)
	}
	actor := strings.TrimSpace(cmd.ActorID)
	note := strings.TrimSpace(cmd.Note)

	if cmd.Status == domain.OrderStatusCancelled {
		return s.cancel(ctx, orderID, actor, note, nil)
	}

	now := s.now()
	target := cmd.Status
	var previous domain.OrderStatus

	updated, err := s.orders.UpdateStatus(ctx, orderID, func(order *domain.Order) error {
		if !order.Status.CanTransitionTo(target) {
			return fmt.Errorf("%w: %s -> %s", ErrOrderInvalidTransition, order.Status, target)
		}
		previous = order.Status

		switch target {
		case domain.OrderStatusShipped:
			tracking := optionalString(cmd.TrackingNumber)
			if tracking == "" {
				tracking = s.nextTrackingNumber()
			}
			order.TrackingNumber = tracking
			order.EstimatedDelivery = valuePtr(now.Add(s.settings.ShippingLeadTime))
		case domain.OrderStatusRefunded:
			if !order.PaymentStatus.Settled() {
				return fmt.Errorf("%w: refund requires a paid order, payment status is %q", ErrOrderInvalidTransition, order.PaymentStatus)
			}
			order.PaymentStatus = domain.PaymentStatusRefunded
			order.RefundedAmount = order.Totals.Total
		}

		applyStatusChange(order, target, actor, note, now)
		return nil
	})
	if err != nil {
		return domain.Order{}, s.mapRepositoryError(err)
	}

	eventType := orderEventStatusChanged
	switch target {
	case domain.OrderStatusShipped:
		eventType = orderEventShipped
	case domain.OrderStatusDelivered:
		eventType = orderEventDelivered
	}

	s.logger(ctx, "order.status.transitioned", map[string]any{
		"orderId":  updated.ID,
		"previous": string(previous),
		"current":  string(updated.Status),
		"actorId":  actor,
	})

	event := orderEvent(eventType, updated, previous, actor, now)
	if target == domain.OrderStatusShipped {
		event.Metadata = map[string]any{
			"trackingNumber":    updated.TrackingNumber,
			"estimatedDelivery": updated.EstimatedDelivery.Format(time.RFC3339),
		}
	}
	s.publishEvent(ctx, event)
	return updated, nil
}

func (s *orderService) RecordPaymentOutcome(ctx context.Context, cmd PaymentOutcomeCommand) (domain.Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	var target domain.PaymentStatus
	switch cmd.Outcome {
	case PaymentOutcomePaid:
		target = domain.PaymentStatusPaid
	case PaymentOutcomeFailed:
		target = domain.PaymentStatusFailed
	default:
		return domain.Order{}, fmt.Errorf("%w: unknown payment outcome %q", ErrOrderInvalidInput, cmd.Outcome)
	}

	reference := strings.TrimSpace(cmd.GatewayReference)
	now := s.now()
	var previous domain.OrderStatus

	updated, err := s.orders.UpdateStatus(ctx, orderID, func(order *domain.Order) error {
		switch order.PaymentStatus {
		case domain.PaymentStatusPaid, domain.PaymentStatusPartiallyRefunded, domain.PaymentStatusRefunded:
			return fmt.Errorf("%w: %s", ErrOrderAlreadyPaid, orderID)
		}
		if !order.PaymentStatus.CanTransitionTo(target) {
			return fmt.Errorf("%w: payment %s -> %s", ErrOrderInvalidTransition, order.PaymentStatus, target)
		}
		previous = order.Status

		order.PaymentStatus = target
		if reference != "" {
			order.PaymentReference = reference
		}
		order.UpdatedAt = now
		if target == domain.PaymentStatusPaid {
			order.PaidAt = valuePtr(now)
			if order.Status == domain.OrderStatusPending {
				applyStatusChange(order, domain.OrderStatusConfirmed, "", "payment received", now)
			}
		}
		return nil
	})
	if err != nil {
		return domain.Order{}, s.mapRepositoryError(err)
	}

	s.logger(ctx, orderEventPaymentRecorded, map[string]any{
		"orderId":   updated.ID,
		"outcome":   string(cmd.Outcome),
		"reference": reference,
	})

	event := orderEvent(orderEventPaymentRecorded, updated, previous, "", now)
	event.Metadata = map[string]any{
		"paymentStatus": string(updated.PaymentStatus),
		"reference":     reference,
	}
	s.publishEvent(ctx, event)
	return updated, nil
}

func (s *orderService) RecordRefund(ctx context.Context, cmd RefundCommand) (domain.Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	amount := domain.RoundMoney(cmd.Amount)
	if !amount.IsPositive() {
		return domain.Order{}, fmt.Errorf("%w: refund amount must be positive", ErrOrderInvalidInput)
	}

	actor := strings.TrimSpace(cmd.ActorID)
	reference := strings.TrimSpace(cmd.GatewayReference)
	now := s.now()
	var previous domain.OrderStatus

	updated, err := s.orders.UpdateStatus(ctx, orderID, func(order *domain.Order) error {
		if !order.PaymentStatus.Settled() {
			return fmt.Errorf("%w: refund requires a paid order, payment status is %q", ErrOrderInvalidTransition, order.PaymentStatus)
		}
		refunded := order.RefundedAmount.Add(amount)
		if refunded.GreaterThan(order.Totals.Total) {
			return fmt.Errorf("%w: refunds %s would exceed order total %s", ErrOrderInvalidInput,
				refunded.StringFixed(domain.CurrencyPlaces), order.Totals.Total.StringFixed(domain.CurrencyPlaces))
		}
		previous = order.Status

		order.RefundedAmount = refunded
		order.UpdatedAt = now
		if reference != "" {
			order.PaymentReference = reference
		}
		if refunded.Equal(order.Totals.Total) {
			order.PaymentStatus = domain.PaymentStatusRefunded
			if order.Status.CanTransitionTo(domain.OrderStatusRefunded) {
				applyStatusChange(order, domain.OrderStatusRefunded, actor, "refund completed", now)
			}
			return nil
		}
		order.PaymentStatus = domain.PaymentStatusPartiallyRefunded
		return nil
	})
	if err != nil {
		return domain.Order{}, s.mapRepositoryError(err)
	}

	s.logger(ctx, orderEventRefundRecorded, map[string]any{
		"orderId":  updated.ID,
		"amount":   amount.StringFixed(domain.CurrencyPlaces),
		"refunded": updated.RefundedAmount.StringFixed(domain.CurrencyPlaces),
		"actorId":  actor,
	})

	event := orderEvent(orderEventRefundRecorded, updated, previous, actor, now)
	event.Metadata = map[string]any{
		"amount":        amount.StringFixed(domain.CurrencyPlaces),
		"paymentStatus": string(updated.PaymentStatus),
	}
	s.publishEvent(ctx, event)
	return updated, nil
}

func applyStatusChange(order *domain.Order, target domain.OrderStatus, actor, note string, now time.Time) {
	order.StatusHistory = append(order.StatusHistory, domain.OrderStatusChange{
		From:      order.Status,
		To:        target,
		ActorID:   actor,
		Note:      note,
		ChangedAt: now,
	})
	order.Status = target
	order.UpdatedAt = now

	switch target {
	case domain.OrderStatusShipped:
		order.ShippedAt = valuePtr(now)
	case domain.OrderStatusDelivered:
		order.DeliveredAt = valuePtr(now)
	case domain.OrderStatusCancelled:
		if order.CancelledAt == nil {
			order.CancelledAt = valuePtr(now)
		}
	}
}

// IsOrderStateError reports whether err is a business-rule rejection of a lifecycle change.
func IsOrderStateError(err error) bool {
	return errors.Is(err, ErrOrderInvalidTransition) || errors.Is(err, ErrOrderAlreadyPaid)
}
