package services

import (
	"errors"
	"fmt"
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderNotOwner indicates the requester does not own the order.
	ErrOrderNotOwner = errors.New("order: requester is not the owner")
	// ErrOrderInvalidTransition indicates the status tables forbid the requested change.
	ErrOrderInvalidTransition = errors.New("order: invalid status transition")
	// ErrOrderAlreadyPaid indicates a payment outcome arrived for an order that was already charged.
	ErrOrderAlreadyPaid = errors.New("order: already paid")
	// ErrOrderUnavailable wraps storage outages; callers may retry.
	ErrOrderUnavailable = errors.New("order: storage unavailable")

	// ErrProductNotFound indicates a requested product does not exist.
	ErrProductNotFound = errors.New("checkout: product not found")
	// ErrProductInactive indicates a requested product is not for sale.
	ErrProductInactive = errors.New("checkout: product inactive")
	// ErrInsufficientStock indicates stock could not cover a requested quantity.
	ErrInsufficientStock = errors.New("checkout: insufficient stock")
	// ErrCouponInvalid indicates a coupon was rejected. The concrete error is a *CouponRejection.
	ErrCouponInvalid = errors.New("checkout: invalid coupon")

	// ErrInventoryInvalidInput signals a malformed reservation request.
	ErrInventoryInvalidInput = errors.New("inventory: invalid input")

	// ErrCouponInvalidInput signals a malformed coupon definition.
	ErrCouponInvalidInput = errors.New("coupon: invalid input")
	// ErrCouponNotFound indicates no coupon is visible under the code.
	ErrCouponNotFound = errors.New("coupon: not found")
	// ErrCouponExists indicates a coupon with the same code was already created.
	ErrCouponExists = errors.New("coupon: code already exists")
	// ErrCouponUnavailable wraps storage outages; callers may retry.
	ErrCouponUnavailable = errors.New("coupon: storage unavailable")
)

// InsufficientStockError names the product that could not be reserved.
type InsufficientStockError struct {
	ProductID string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("%s: product %s requested %d, available %d", ErrInsufficientStock, e.ProductID, e.Requested, e.Available)
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

// CouponRejectionReason is the closed set of reasons a coupon can be refused. Unknown and inactive
// codes are reported as not applicable.
type CouponRejectionReason string

const (
	CouponExpired       CouponRejectionReason = "expired"
	CouponUsageExceeded CouponRejectionReason = "usage-exceeded"
	CouponMinimumNotMet CouponRejectionReason = "minimum-not-met"
	CouponNotApplicable CouponRejectionReason = "not-applicable"
	CouponNotEligible   CouponRejectionReason = "not-eligible"
)

// CouponRejection is the typed failure returned by the coupon validator.
type CouponRejection struct {
	Code    string
	Reason  CouponRejectionReason
	Message string
}

func (e *CouponRejection) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s %s: %s", ErrCouponInvalid, e.Code, e.Reason)
	}
	return fmt.Sprintf("%s %s: %s: %s", ErrCouponInvalid, e.Code, e.Reason, e.Message)
}

func (e *CouponRejection) Unwrap() error { return ErrCouponInvalid }

func rejectCoupon(code string, reason CouponRejectionReason, format string, args ...any) *CouponRejection {
	return &CouponRejection{Code: code, Reason: reason, Message: fmt.Sprintf(format, args...)}
}
