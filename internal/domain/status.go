package domain

import "slices"

// OrderStatus tracks fulfilment progress.
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusConfirmed  OrderStatus = "confirmed"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusShipped    OrderStatus = "shipped"
	OrderStatusDelivered  OrderStatus = "delivered"
	OrderStatusCancelled  OrderStatus = "cancelled"
	OrderStatusRefunded   OrderStatus = "refunded"
)

// PaymentStatus tracks money movement independently from fulfilment.
type PaymentStatus string

const (
	PaymentStatusPending           PaymentStatus = "pending"
	PaymentStatusPaid              PaymentStatus = "paid"
	PaymentStatusFailed            PaymentStatus = "failed"
	PaymentStatusRefunded          PaymentStatus = "refunded"
	PaymentStatusPartiallyRefunded PaymentStatus = "partially_refunded"
)

// OrderStatusTransitions lists every permitted status edge. Anything absent is rejected.
var OrderStatusTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:    {OrderStatusConfirmed, OrderStatusCancelled},
	OrderStatusConfirmed:  {OrderStatusProcessing, OrderStatusCancelled, OrderStatusRefunded},
	OrderStatusProcessing: {OrderStatusShipped, OrderStatusRefunded},
	OrderStatusShipped:    {OrderStatusDelivered, OrderStatusRefunded},
	OrderStatusDelivered:  {OrderStatusRefunded},
	OrderStatusCancelled:  nil,
	OrderStatusRefunded:   nil,
}

// PaymentStatusTransitions lists every permitted payment status edge. A failed attempt can be
// retried, so failed leads to paid or to another failure.
var PaymentStatusTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentStatusPending:           {PaymentStatusPaid, PaymentStatusFailed},
	PaymentStatusPaid:              {PaymentStatusRefunded, PaymentStatusPartiallyRefunded},
	PaymentStatusPartiallyRefunded: {PaymentStatusRefunded, PaymentStatusPartiallyRefunded},
	PaymentStatusFailed:            {PaymentStatusPaid, PaymentStatusFailed},
	PaymentStatusRefunded:          nil,
}

// Valid reports whether the status is known.
func (s OrderStatus) Valid() bool {
	_, ok := OrderStatusTransitions[s]
	return ok
}

// CanTransitionTo reports whether the status table allows moving to next.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	return slices.Contains(OrderStatusTransitions[s], next)
}

// Cancellable reports whether the order can still be cancelled.
func (s OrderStatus) Cancellable() bool {
	return s.CanTransitionTo(OrderStatusCancelled)
}

// CompletedOrderStatuses are the statuses counted as a customer's completed orders.
var CompletedOrderStatuses = []OrderStatus{
	OrderStatusConfirmed,
	OrderStatusProcessing,
	OrderStatusShipped,
	OrderStatusDelivered,
	OrderStatusRefunded,
}

// Completed reports whether the order counts toward the customer's completed order history.
func (s OrderStatus) Completed() bool {
	return slices.Contains(CompletedOrderStatuses, s)
}

// Terminal reports whether no further transitions exist.
func (s OrderStatus) Terminal() bool {
	return s.Valid() && len(OrderStatusTransitions[s]) == 0
}

// Valid reports whether the payment status is known.
func (s PaymentStatus) Valid() bool {
	_, ok := PaymentStatusTransitions[s]
	return ok
}

// CanTransitionTo reports whether the payment table allows moving to next.
func (s PaymentStatus) CanTransitionTo(next PaymentStatus) bool {
	return slices.Contains(PaymentStatusTransitions[s], next)
}

// Settled reports whether money has been captured for the order.
func (s PaymentStatus) Settled() bool {
	return s == PaymentStatusPaid || s == PaymentStatusPartiallyRefunded
}
