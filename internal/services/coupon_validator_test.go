package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/repositories"
)

type stubCouponRepo struct {
	repositories.CouponRepository
	findFn  func(ctx context.Context, code string) (domain.Coupon, error)
	countFn func(ctx context.Context, code, userID string) (int, error)
}

func (s *stubCouponRepo) FindByCode(ctx context.Context, code string) (domain.Coupon, error) {
	if s.findFn != nil {
		return s.findFn(ctx, code)
	}
	return domain.Coupon{}, &stubRepoError{notFound: true}
}

func (s *stubCouponRepo) CountRedemptions(ctx context.Context, code, userID string) (int, error) {
	if s.countFn != nil {
		return s.countFn(ctx, code, userID)
	}
	return 0, nil
}

type stubRepoError struct {
	notFound    bool
	conflict    bool
	unavailable bool
}

func (e *stubRepoError) Error() string       { return "stub repository error" }
func (e *stubRepoError) IsNotFound() bool    { return e.notFound }
func (e *stubRepoError) IsConflict() bool    { return e.conflict }
func (e *stubRepoError) IsUnavailable() bool { return e.unavailable }

var _ repositories.RepositoryError = (*stubRepoError)(nil)

func intPtr(v int) *int { return &v }

func moneyPtr(raw string) *decimal.Decimal {
	v := money(raw)
	return &v
}

func newTestValidator(t *testing.T, coupon domain.Coupon, now time.Time) CouponValidator {
	t.Helper()
	validator, err := NewCouponValidator(CouponValidatorDeps{
		Coupons: &stubCouponRepo{
			findFn: func(_ context.Context, code string) (domain.Coupon, error) {
				if code != coupon.Code {
					return domain.Coupon{}, &stubRepoError{notFound: true}
				}
				return coupon, nil
			},
		},
		Clock: func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("NewCouponValidator: %v", err)
	}
	return validator
}

func assertRejection(t *testing.T, err error, reason CouponRejectionReason) {
	t.Helper()
	if !errors.Is(err, ErrCouponInvalid) {
		t.Fatalf("expected ErrCouponInvalid, got %v", err)
	}
	var rejection *CouponRejection
	if !errors.As(err, &rejection) {
		t.Fatalf("expected *CouponRejection, got %T", err)
	}
	if rejection.Reason != reason {
		t.Fatalf("expected reason %s, got %s (%s)", reason, rejection.Reason, rejection.Message)
	}
}

func TestCouponValidator_FixedDiscount(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	validator := newTestValidator(t, domain.Coupon{
		Code:           "SAVE10",
		Type:           domain.CouponTypeFixed,
		Value:          money("10"),
		MinOrderAmount: money("25"),
		UsageLimit:     intPtr(1),
		Active:         true,
	}, now)

	outcome, err := validator.Validate(context.Background(), CouponCheck{
		Code:     " save10 ",
		Subtotal: money("25.00"),
		Items:    []CouponCartItem{{ProductID: "p1", CategoryID: "c1"}},
		UserID:   "u1",
	})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	assertMoney(t, "discount", outcome.Discount, "10.00")
	if outcome.FreeShipping {
		t.Fatalf("fixed coupon must not grant free shipping")
	}
}

func TestCouponValidator_PercentageCappedAtMax(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	validator := newTestValidator(t, domain.Coupon{
		Code:        "PCT20",
		Type:        domain.CouponTypePercentage,
		Value:       money("20"),
		MaxDiscount: moneyPtr("15"),
		Active:      true,
	}, now)

	outcome, err := validator.Validate(context.Background(), CouponCheck{Code: "PCT20", Subtotal: money("120.00")})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	assertMoney(t, "discount", outcome.Discount, "15.00")

	outcome, err = validator.Validate(context.Background(), CouponCheck{Code: "PCT20", Subtotal: money("33.33")})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	// 33.33 * 20% = 6.666 -> 6.67
	assertMoney(t, "discount", outcome.Discount, "6.67")
}

func TestCouponValidator_FreeShipping(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	validator := newTestValidator(t, domain.Coupon{
		Code:   "SHIPFREE",
		Type:   domain.CouponTypeFreeShipping,
		Value:  money("0"),
		Active: true,
	}, now)

	outcome, err := validator.Validate(context.Background(), CouponCheck{Code: "SHIPFREE", Subtotal: money("10")})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !outcome.FreeShipping {
		t.Fatalf("expected free shipping")
	}
	assertMoney(t, "discount", outcome.Discount, "0")
}

func TestCouponValidator_Rejections(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)
	base := domain.Coupon{
		Code:   "CODE",
		Type:   domain.CouponTypeFixed,
		Value:  money("5"),
		Active: true,
	}

	tests := []struct {
		name   string
		mutate func(*domain.Coupon)
		check  CouponCheck
		reason CouponRejectionReason
	}{
		{
			name:   "unknown code",
			check:  CouponCheck{Code: "NOPE", Subtotal: money("50")},
			reason: CouponNotApplicable,
		},
		{
			name:   "inactive",
			mutate: func(c *domain.Coupon) { c.Active = false },
			check:  CouponCheck{Code: "CODE", Subtotal: money("50")},
			reason: CouponNotApplicable,
		},
		{
			name:   "not started",
			mutate: func(c *domain.Coupon) { c.StartsAt = &future },
			check:  CouponCheck{Code: "CODE", Subtotal: money("50")},
			reason: CouponNotEligible,
		},
		{
			name:   "expired",
			mutate: func(c *domain.Coupon) { c.ExpiresAt = &past },
			check:  CouponCheck{Code: "CODE", Subtotal: money("50")},
			reason: CouponExpired,
		},
		{
			name: "usage exceeded",
			mutate: func(c *domain.Coupon) {
				c.UsageLimit = intPtr(3)
				c.UsedCount = 3
			},
			check:  CouponCheck{Code: "CODE", Subtotal: money("50")},
			reason: CouponUsageExceeded,
		},
		{
			name:   "minimum not met",
			mutate: func(c *domain.Coupon) { c.MinOrderAmount = money("25") },
			check:  CouponCheck{Code: "CODE", Subtotal: money("24.99")},
			reason: CouponMinimumNotMet,
		},
		{
			name:   "new customer only",
			mutate: func(c *domain.Coupon) { c.NewCustomerOnly = true },
			check:  CouponCheck{Code: "CODE", Subtotal: money("50"), CompletedOrders: 1},
			reason: CouponNotEligible,
		},
		{
			name:   "first time only",
			mutate: func(c *domain.Coupon) { c.FirstTimeOnly = true },
			check:  CouponCheck{Code: "CODE", Subtotal: money("50"), CompletedOrders: 2},
			reason: CouponNotEligible,
		},
		{
			name:   "excluded category rejects whole cart",
			mutate: func(c *domain.Coupon) { c.ExcludedCategories = []string{"gift-cards"} },
			check: CouponCheck{Code: "CODE", Subtotal: money("50"), Items: []CouponCartItem{
				{ProductID: "p1", CategoryID: "shoes"},
				{ProductID: "p2", CategoryID: "gift-cards"},
			}},
			reason: CouponNotApplicable,
		},
		{
			name:   "allow list requires every item",
			mutate: func(c *domain.Coupon) { c.ApplicableProducts = []string{"p1"} },
			check: CouponCheck{Code: "CODE", Subtotal: money("50"), Items: []CouponCartItem{
				{ProductID: "p1", CategoryID: "shoes"},
				{ProductID: "p2", CategoryID: "shoes"},
			}},
			reason: CouponNotApplicable,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			coupon := base
			if tc.mutate != nil {
				tc.mutate(&coupon)
			}
			validator := newTestValidator(t, coupon, now)
			_, err := validator.Validate(context.Background(), tc.check)
			assertRejection(t, err, tc.reason)
		})
	}
}

func TestCouponValidator_ChecksRunInOrder(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	// Expired and below minimum: expiry is checked first.
	validator := newTestValidator(t, domain.Coupon{
		Code:           "ORDER",
		Type:           domain.CouponTypeFixed,
		Value:          money("5"),
		MinOrderAmount: money("100"),
		ExpiresAt:      &past,
		Active:         true,
	}, now)
	_, err := validator.Validate(context.Background(), CouponCheck{Code: "ORDER", Subtotal: money("10")})
	assertRejection(t, err, CouponExpired)
}

func TestCouponValidator_AllowListMatchesCategory(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	validator := newTestValidator(t, domain.Coupon{
		Code:                 "SHOES",
		Type:                 domain.CouponTypeFixed,
		Value:                money("5"),
		ApplicableProducts:   []string{"p9"},
		ApplicableCategories: []string{"shoes"},
		Active:               true,
	}, now)
	_, err := validator.Validate(context.Background(), CouponCheck{Code: "SHOES", Subtotal: money("50"), Items: []CouponCartItem{
		{ProductID: "p1", CategoryID: "shoes"},
		{ProductID: "p9", CategoryID: "socks"},
	}})
	if err != nil {
		t.Fatalf("expected coupon to apply, got %v", err)
	}
}

func TestCouponValidator_PerUserLimit(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	validator, err := NewCouponValidator(CouponValidatorDeps{
		Coupons: &stubCouponRepo{
			findFn: func(context.Context, string) (domain.Coupon, error) {
				return domain.Coupon{Code: "ONCE", Type: domain.CouponTypeFixed, Value: money("5"), UserUsageLimit: intPtr(1), Active: true}, nil
			},
			countFn: func(_ context.Context, _ string, userID string) (int, error) {
				if userID == "repeat" {
					return 1, nil
				}
				return 0, nil
			},
		},
		Clock: func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("NewCouponValidator: %v", err)
	}

	if _, err := validator.Validate(context.Background(), CouponCheck{Code: "ONCE", Subtotal: money("20"), UserID: "fresh"}); err != nil {
		t.Fatalf("expected first use to pass, got %v", err)
	}
	_, err = validator.Validate(context.Background(), CouponCheck{Code: "ONCE", Subtotal: money("20"), UserID: "repeat"})
	assertRejection(t, err, CouponUsageExceeded)
}

func TestCouponValidator_RepositoryOutage(t *testing.T) {
	validator, err := NewCouponValidator(CouponValidatorDeps{
		Coupons: &stubCouponRepo{
			findFn: func(context.Context, string) (domain.Coupon, error) {
				return domain.Coupon{}, &stubRepoError{unavailable: true}
			},
		},
	})
	if err != nil {
		t.Fatalf("NewCouponValidator: %v", err)
	}
	_, err = validator.Validate(context.Background(), CouponCheck{Code: "ANY", Subtotal: money("20")})
	if !errors.Is(err, ErrOrderUnavailable) {
		t.Fatalf("expected ErrOrderUnavailable, got %v", err)
	}
	if errors.Is(err, ErrCouponInvalid) {
		t.Fatalf("outage must not be reported as a coupon rejection")
	}
}
