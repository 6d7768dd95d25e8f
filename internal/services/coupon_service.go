package services

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/platform/pagination"
	"github.com/hanko-field/checkout/internal/repositories"
)

const (
	couponCodeMinLength        = 3
	couponCodeMaxLength        = 20
	couponDescriptionMaxLength = 500
)

var (
	couponCodePattern  = regexp.MustCompile(`^[A-Z0-9]+$`)
	maxPercentageValue = decimal.NewFromInt(100)
)

// CouponServiceDeps bundles the collaborators required to construct a coupon service.
type CouponServiceDeps struct {
	Coupons repositories.CouponRepository
	Clock   func() time.Time
	Logger  func(ctx context.Context, event string, fields map[string]any)
}

type couponService struct {
	repo   repositories.CouponRepository
	clock  func() time.Time
	logger func(context.Context, string, map[string]any)
}

// NewCouponService wires a CouponService backed by the coupon repository.
func NewCouponService(deps CouponServiceDeps) (CouponService, error) {
	if deps.Coupons == nil {
		return nil, errors.New("coupon service: coupon repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &couponService{
		repo:   deps.Coupons,
		clock:  func() time.Time { return clock().UTC() },
		logger: logger,
	}, nil
}

func (s *couponService) GetCoupon(ctx context.Context, code string) (domain.Coupon, error) {
	normalized := NormalizeCouponCode(code)
	if normalized == "" {
		return domain.Coupon{}, fmt.Errorf("%w: code is required", ErrCouponInvalidInput)
	}
	coupon, err := s.repo.FindByCode(ctx, normalized)
	if err != nil {
		return domain.Coupon{}, s.mapRepositoryError(err, ErrCouponUnavailable)
	}
	// Inactive and out-of-window coupons are hidden from the storefront.
	now := s.clock()
	if !coupon.Active ||
		(coupon.StartsAt != nil && now.Before(*coupon.StartsAt)) ||
		(coupon.ExpiresAt != nil && now.After(*coupon.ExpiresAt)) {
		return domain.Coupon{}, fmt.Errorf("%w: %s", ErrCouponNotFound, normalized)
	}
	return coupon, nil
}

func (s *couponService) ListCoupons(ctx context.Context, query CouponListQuery) (domain.CursorPage[domain.Coupon], error) {
	if query.PageSize < 0 {
		return domain.CursorPage[domain.Coupon]{}, fmt.Errorf("%w: page size must not be negative", ErrCouponInvalidInput)
	}
	page, err := s.repo.ListActive(ctx, repositories.CouponListFilter{
		Now:       s.clock(),
		PageSize:  query.PageSize,
		PageToken: strings.TrimSpace(query.PageToken),
	})
	if err != nil {
		if errors.Is(err, pagination.ErrInvalidPageToken) {
			return domain.CursorPage[domain.Coupon]{}, fmt.Errorf("%w: %v", ErrCouponInvalidInput, err)
		}
		return domain.CursorPage[domain.Coupon]{}, s.mapRepositoryError(err, ErrCouponUnavailable)
	}
	return page, nil
}

func (s *couponService) CreateCoupon(ctx context.Context, cmd UpsertCouponCommand) (domain.Coupon, error) {
	code := NormalizeCouponCode(cmd.Code)
	if err := validateCouponCode(code); err != nil {
		return domain.Coupon{}, err
	}
	fields := cmd.Fields
	switch {
	case fields.Type == nil:
		return domain.Coupon{}, fmt.Errorf("%w: type is required", ErrCouponInvalidInput)
	case fields.Value == nil:
		return domain.Coupon{}, fmt.Errorf("%w: value is required", ErrCouponInvalidInput)
	case fields.ExpiresAt == nil:
		return domain.Coupon{}, fmt.Errorf("%w: expiresAt is required", ErrCouponInvalidInput)
	}

	now := s.clock()
	coupon := domain.Coupon{Code: code, Active: true, CreatedAt: now, UpdatedAt: now}
	applyCouponFields(&coupon, fields)
	if err := validateCoupon(coupon); err != nil {
		return domain.Coupon{}, err
	}

	if err := s.repo.Create(ctx, coupon); err != nil {
		return domain.Coupon{}, s.mapRepositoryError(err, ErrCouponExists)
	}

	s.logger(ctx, "coupon.created", map[string]any{
		"code":    code,
		"type":    string(coupon.Type),
		"actorId": strings.TrimSpace(cmd.ActorID),
	})
	return coupon, nil
}

func (s *couponService) UpdateCoupon(ctx context.Context, cmd UpsertCouponCommand) (domain.Coupon, error) {
	code := NormalizeCouponCode(cmd.Code)
	if code == "" {
		return domain.Coupon{}, fmt.Errorf("%w: code is required", ErrCouponInvalidInput)
	}
	if cmd.Fields == (CouponFields{}) {
		return domain.Coupon{}, fmt.Errorf("%w: no fields to update", ErrCouponInvalidInput)
	}

	now := s.clock()
	updated, err := s.repo.Update(ctx, code, func(coupon *domain.Coupon) error {
		applyCouponFields(coupon, cmd.Fields)
		coupon.UpdatedAt = now
		return validateCoupon(*coupon)
	})
	if err != nil {
		if errors.Is(err, ErrCouponInvalidInput) {
			return domain.Coupon{}, err
		}
		return domain.Coupon{}, s.mapRepositoryError(err, ErrCouponUnavailable)
	}

	s.logger(ctx, "coupon.updated", map[string]any{
		"code":    code,
		"active":  updated.Active,
		"actorId": strings.TrimSpace(cmd.ActorID),
	})
	return updated, nil
}

// DeactivateCoupon is a soft delete: redemption history stays attached to the code and the code
// cannot be created again.
func (s *couponService) DeactivateCoupon(ctx context.Context, code, actorID string) (domain.Coupon, error) {
	normalized := NormalizeCouponCode(code)
	if normalized == "" {
		return domain.Coupon{}, fmt.Errorf("%w: code is required", ErrCouponInvalidInput)
	}
	coupon, err := s.repo.Deactivate(ctx, normalized, s.clock())
	if err != nil {
		return domain.Coupon{}, s.mapRepositoryError(err, ErrCouponUnavailable)
	}
	s.logger(ctx, "coupon.deactivated", map[string]any{
		"code":    normalized,
		"actorId": strings.TrimSpace(actorID),
	})
	return coupon, nil
}

func (s *couponService) mapRepositoryError(err error, onConflict error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrCouponNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", onConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrCouponUnavailable, err)
		}
	}
	return err
}

func validateCouponCode(code string) error {
	switch {
	case code == "":
		return fmt.Errorf("%w: code is required", ErrCouponInvalidInput)
	case len(code) < couponCodeMinLength || len(code) > couponCodeMaxLength:
		return fmt.Errorf("%w: code must be %d to %d characters", ErrCouponInvalidInput, couponCodeMinLength, couponCodeMaxLength)
	case !couponCodePattern.MatchString(code):
		return fmt.Errorf("%w: code may only contain letters and digits", ErrCouponInvalidInput)
	}
	return nil
}

func validateCoupon(coupon domain.Coupon) error {
	switch {
	case !coupon.Type.Valid():
		return fmt.Errorf("%w: type must be percentage, fixed or free_shipping", ErrCouponInvalidInput)
	case coupon.Value.IsNegative():
		return fmt.Errorf("%w: value must not be negative", ErrCouponInvalidInput)
	case coupon.Type == domain.CouponTypePercentage && coupon.Value.GreaterThan(maxPercentageValue):
		return fmt.Errorf("%w: percentage value must not exceed 100", ErrCouponInvalidInput)
	case coupon.MinOrderAmount.IsNegative():
		return fmt.Errorf("%w: minOrderAmount must not be negative", ErrCouponInvalidInput)
	case coupon.MaxDiscount != nil && coupon.MaxDiscount.IsNegative():
		return fmt.Errorf("%w: maxDiscount must not be negative", ErrCouponInvalidInput)
	case coupon.UsageLimit != nil && *coupon.UsageLimit < 1:
		return fmt.Errorf("%w: usageLimit must be at least 1", ErrCouponInvalidInput)
	case coupon.UserUsageLimit != nil && *coupon.UserUsageLimit < 1:
		return fmt.Errorf("%w: userUsageLimit must be at least 1", ErrCouponInvalidInput)
	case coupon.StartsAt != nil && coupon.ExpiresAt != nil && !coupon.ExpiresAt.After(*coupon.StartsAt):
		return fmt.Errorf("%w: expiresAt must be after startsAt", ErrCouponInvalidInput)
	case utf8.RuneCountInString(coupon.Description) > couponDescriptionMaxLength:
		return fmt.Errorf("%w: description must be at most %d characters", ErrCouponInvalidInput, couponDescriptionMaxLength)
	}
	return nil
}

func applyCouponFields(coupon *domain.Coupon, fields CouponFields) {
	if fields.Type != nil {
		coupon.Type = domain.CouponType(strings.ToLower(strings.TrimSpace(string(*fields.Type))))
	}
	if fields.Value != nil {
		coupon.Value = *fields.Value
	}
	if fields.MinOrderAmount != nil {
		coupon.MinOrderAmount = domain.RoundMoney(*fields.MinOrderAmount)
	}
	if fields.MaxDiscount != nil {
		coupon.MaxDiscount = valuePtr(domain.RoundMoney(*fields.MaxDiscount))
	}
	if fields.UsageLimit != nil {
		coupon.UsageLimit = valuePtr(*fields.UsageLimit)
	}
	if fields.UserUsageLimit != nil {
		coupon.UserUsageLimit = valuePtr(*fields.UserUsageLimit)
	}
	if fields.StartsAt != nil {
		coupon.StartsAt = valuePtr(fields.StartsAt.UTC())
	}
	if fields.ExpiresAt != nil {
		coupon.ExpiresAt = valuePtr(fields.ExpiresAt.UTC())
	}
	if fields.ApplicableProducts != nil {
		coupon.ApplicableProducts = cleanIdentifiers(*fields.ApplicableProducts)
	}
	if fields.ApplicableCategories != nil {
		coupon.ApplicableCategories = cleanIdentifiers(*fields.ApplicableCategories)
	}
	if fields.ExcludedProducts != nil {
		coupon.ExcludedProducts = cleanIdentifiers(*fields.ExcludedProducts)
	}
	if fields.ExcludedCategories != nil {
		coupon.ExcludedCategories = cleanIdentifiers(*fields.ExcludedCategories)
	}
	if fields.FirstTimeOnly != nil {
		coupon.FirstTimeOnly = *fields.FirstTimeOnly
	}
	if fields.NewCustomerOnly != nil {
		coupon.NewCustomerOnly = *fields.NewCustomerOnly
	}
	if fields.Description != nil {
		coupon.Description = sanitizeText(*fields.Description)
	}
	if fields.Active != nil {
		coupon.Active = *fields.Active
	}
}

// cleanIdentifiers trims ids, drops blanks and duplicates, and keeps first-seen order.
func cleanIdentifiers(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		trimmed := strings.TrimSpace(id)
		if trimmed == "" || slices.Contains(out, trimmed) {
			continue
		}
		out = append(out, trimmed)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
