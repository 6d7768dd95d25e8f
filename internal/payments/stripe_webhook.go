package payments

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"
)

// OrderMetadataKey is the PaymentIntent/Refund metadata key carrying the order id.
const OrderMetadataKey = "order_id"

var (
	// ErrInvalidSignature is returned when the Stripe-Signature header does not verify.
	ErrInvalidSignature = errors.New("payments: invalid webhook signature")
	// ErrMalformedEvent is returned when a verified event cannot be decoded.
	ErrMalformedEvent = errors.New("payments: malformed webhook event")
)

// Kind classifies a gateway notification.
type Kind string

const (
	KindPaymentSucceeded Kind = "payment_succeeded"
	KindPaymentFailed    Kind = "payment_failed"
	KindRefunded         Kind = "refunded"
	// KindIgnored covers event types checkout does not act on.
	KindIgnored Kind = "ignored"
)

// Notification is a verified gateway event reduced to what the order lifecycle needs.
type Notification struct {
	EventID          string
	Type             string
	Kind             Kind
	OrderID          string
	GatewayReference string
	Amount           decimal.Decimal
	Currency         string
	OccurredAt       time.Time
}

// StripeWebhook verifies and decodes Stripe webhook deliveries.
type StripeWebhook struct {
	secret    string
	tolerance time.Duration
}

func NewStripeWebhook(secret string, tolerance time.Duration) (*StripeWebhook, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("stripe webhook: signing secret is required")
	}
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	return &StripeWebhook{secret: secret, tolerance: tolerance}, nil
}

// Parse verifies signature against payload and maps the event to a Notification.
// Events that verify but are irrelevant come back with KindIgnored.
func (w *StripeWebhook) Parse(payload []byte, signature string) (Notification, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, w.secret, webhook.ConstructEventOptions{
		Tolerance:                w.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	n := Notification{
		EventID:    event.ID,
		Type:       string(event.Type),
		Kind:       KindIgnored,
		OccurredAt: time.Unix(event.Created, 0).UTC(),
	}
	if event.Data == nil {
		return n, nil
	}

	switch n.Type {
	case "payment_intent.succeeded", "payment_intent.payment_failed":
		var intent stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
			return Notification{}, fmt.Errorf("%w: payment intent: %v", ErrMalformedEvent, err)
		}
		n.Kind = KindPaymentSucceeded
		if n.Type == "payment_intent.payment_failed" {
			n.Kind = KindPaymentFailed
		}
		n.OrderID = strings.TrimSpace(intent.Metadata[OrderMetadataKey])
		n.GatewayReference = intent.ID
		n.Currency = strings.ToUpper(string(intent.Currency))
		n.Amount = fromMinorUnits(intent.Amount, n.Currency)
	case "refund.created":
		var refund stripe.Refund
		if err := json.Unmarshal(event.Data.Raw, &refund); err != nil {
			return Notification{}, fmt.Errorf("%w: refund: %v", ErrMalformedEvent, err)
		}
		if refund.Status == stripe.RefundStatusFailed || refund.Status == stripe.RefundStatusCanceled {
			return n, nil
		}
		n.Kind = KindRefunded
		n.OrderID = strings.TrimSpace(refund.Metadata[OrderMetadataKey])
		if n.OrderID == "" && refund.PaymentIntent != nil {
			n.OrderID = strings.TrimSpace(refund.PaymentIntent.Metadata[OrderMetadataKey])
		}
		n.GatewayReference = refund.ID
		n.Currency = strings.ToUpper(string(refund.Currency))
		n.Amount = fromMinorUnits(refund.Amount, n.Currency)
	default:
		return n, nil
	}

	if n.OrderID == "" {
		return Notification{}, fmt.Errorf("%w: %s %s has no %s metadata", ErrMalformedEvent, n.Type, n.GatewayReference, OrderMetadataKey)
	}
	return n, nil
}

var zeroDecimalCurrencies = map[string]struct{}{
	"BIF": {}, "CLP": {}, "DJF": {}, "GNF": {}, "JPY": {}, "KMF": {}, "KRW": {}, "MGA": {},
	"PYG": {}, "RWF": {}, "UGX": {}, "VND": {}, "VUV": {}, "XAF": {}, "XOF": {}, "XPF": {},
}

// fromMinorUnits converts a Stripe integer amount into a decimal major-unit amount.
func fromMinorUnits(amount int64, currency string) decimal.Decimal {
	if _, ok := zeroDecimalCurrencies[currency]; ok {
		return decimal.NewFromInt(amount)
	}
	return decimal.New(amount, -2)
}
