package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/repositories"
)

// CouponValidatorDeps bundles collaborators for the coupon validator.
type CouponValidatorDeps struct {
	Coupons repositories.CouponRepository
	Clock   func() time.Time
	Logger  func(ctx context.Context, event string, fields map[string]any)
}

type couponValidator struct {
	coupons repositories.CouponRepository
	clock   func() time.Time
	logger  func(context.Context, string, map[string]any)
}

// NewCouponValidator constructs a CouponValidator backed by the coupon repository.
func NewCouponValidator(deps CouponValidatorDeps) (CouponValidator, error) {
	if deps.Coupons == nil {
		return nil, errors.New("coupon validator: coupon repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &couponValidator{
		coupons: deps.Coupons,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// NormalizeCouponCode canonicalises user supplied codes.
func NormalizeCouponCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Validate runs the eligibility rules in order and stops at the first failure.
func (v *couponValidator) Validate(ctx context.Context, check CouponCheck) (CouponOutcome, error) {
	code := NormalizeCouponCode(check.Code)
	if code == "" {
		return CouponOutcome{}, rejectCoupon(code, CouponNotApplicable, "coupon code is required")
	}

	coupon, err := v.coupons.FindByCode(ctx, code)
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return CouponOutcome{}, rejectCoupon(code, CouponNotApplicable, "coupon does not exist")
		}
		return CouponOutcome{}, mapCouponRepositoryError(err)
	}

	now := v.clock()
	if !coupon.Active || !coupon.Type.Valid() {
		return CouponOutcome{}, rejectCoupon(code, CouponNotApplicable, "coupon is not active")
	}
	if coupon.StartsAt != nil && now.Before(*coupon.StartsAt) {
		return CouponOutcome{}, rejectCoupon(code, CouponNotEligible, "coupon starts at %s", coupon.StartsAt.UTC().Format(time.RFC3339))
	}
	if coupon.ExpiresAt != nil && now.After(*coupon.ExpiresAt) {
		return CouponOutcome{}, rejectCoupon(code, CouponExpired, "coupon expired at %s", coupon.ExpiresAt.UTC().Format(time.RFC3339))
	}
	if coupon.UsageLimit != nil && coupon.UsedCount >= *coupon.UsageLimit {
		return CouponOutcome{}, rejectCoupon(code, CouponUsageExceeded, "coupon has been used %d of %d times", coupon.UsedCount, *coupon.UsageLimit)
	}
	if coupon.UserUsageLimit != nil && strings.TrimSpace(check.UserID) != "" {
		used, err := v.coupons.CountRedemptions(ctx, code, check.UserID)
		if err != nil {
			return CouponOutcome{}, mapCouponRepositoryError(err)
		}
		if used >= *coupon.UserUsageLimit {
			return CouponOutcome{}, rejectCoupon(code, CouponUsageExceeded, "coupon already used %d times by this customer", used)
		}
	}
	if check.Subtotal.LessThan(coupon.MinOrderAmount) {
		return CouponOutcome{}, rejectCoupon(code, CouponMinimumNotMet, "minimum order amount is %s", coupon.MinOrderAmount.StringFixed(domain.CurrencyPlaces))
	}
	if (coupon.NewCustomerOnly || coupon.FirstTimeOnly) && check.CompletedOrders > 0 {
		return CouponOutcome{}, rejectCoupon(code, CouponNotEligible, "coupon is limited to first orders")
	}
	for _, item := range check.Items {
		if slices.Contains(coupon.ExcludedProducts, item.ProductID) || slices.Contains(coupon.ExcludedCategories, item.CategoryID) {
			return CouponOutcome{}, rejectCoupon(code, CouponNotApplicable, "product %s is excluded", item.ProductID)
		}
	}
	if len(coupon.ApplicableProducts) > 0 || len(coupon.ApplicableCategories) > 0 {
		for _, item := range check.Items {
			if !slices.Contains(coupon.ApplicableProducts, item.ProductID) && !slices.Contains(coupon.ApplicableCategories, item.CategoryID) {
				return CouponOutcome{}, rejectCoupon(code, CouponNotApplicable, "product %s is not eligible", item.ProductID)
			}
		}
	}

	outcome := CouponOutcome{Coupon: coupon, Discount: couponDiscount(coupon, check.Subtotal)}
	if coupon.Type == domain.CouponTypeFreeShipping {
		outcome.FreeShipping = true
	}
	v.logger(ctx, "coupon.validated", map[string]any{
		"code":         code,
		"type":         string(coupon.Type),
		"discount":     outcome.Discount.StringFixed(domain.CurrencyPlaces),
		"freeShipping": outcome.FreeShipping,
	})
	return outcome, nil
}

func couponDiscount(coupon domain.Coupon, subtotal decimal.Decimal) decimal.Decimal {
	var discount decimal.Decimal
	switch coupon.Type {
	case domain.CouponTypeFixed:
		discount = domain.RoundMoney(coupon.Value)
	case domain.CouponTypePercentage:
		discount = domain.Percent(subtotal, coupon.Value)
	default:
		return decimal.Zero
	}
	if coupon.MaxDiscount != nil {
		discount = domain.MinMoney(discount, *coupon.MaxDiscount)
	}
	if discount.IsNegative() {
		return decimal.Zero
	}
	return domain.MinMoney(discount, subtotal)
}

func mapCouponRepositoryError(err error) error {
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) && repoErr.IsUnavailable() {
		return fmt.Errorf("%w: %v", ErrOrderUnavailable, err)
	}
	return fmt.Errorf("coupon lookup: %w", err)
}
