package repositories

import "fmt"

// CouponErrorCode enumerates failure reasons for coupon accounting.
type CouponErrorCode string

const (
	// CouponErrorNotFound indicates the coupon code does not exist.
	CouponErrorNotFound CouponErrorCode = "coupon_not_found"
	// CouponErrorExhausted indicates the global or per-user usage limit was reached.
	CouponErrorExhausted CouponErrorCode = "coupon_exhausted"
	// CouponErrorInactive indicates the coupon was deactivated before the increment committed.
	CouponErrorInactive CouponErrorCode = "coupon_inactive"
)

// CouponError wraps coupon usage failures raised while committing an order.
type CouponError struct {
	Code    CouponErrorCode
	Coupon  string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *CouponError) Error() string {
	if e == nil {
		return ""
	}
	if e.Coupon != "" {
		return fmt.Sprintf("coupon %s: %s", e.Coupon, e.Message)
	}
	return e.Message
}

// Unwrap exposes the underlying error, if any.
func (e *CouponError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewCouponError constructs a typed coupon error.
func NewCouponError(code CouponErrorCode, coupon, message string) *CouponError {
	if message == "" {
		message = string(code)
	}
	return &CouponError{Code: code, Coupon: coupon, Message: message}
}
