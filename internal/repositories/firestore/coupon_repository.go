package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/hanko-field/checkout/internal/domain"
	pfirestore "github.com/hanko-field/checkout/internal/platform/firestore"
	"github.com/hanko-field/checkout/internal/platform/pagination"
	"github.com/hanko-field/checkout/internal/repositories"
)

type CouponRepository struct {
	provider *pfirestore.Provider
	coupons  *pfirestore.Collection[couponDocument]
}

func NewCouponRepository(provider *pfirestore.Provider) *CouponRepository {
	return &CouponRepository{
		provider: provider,
		coupons:  pfirestore.NewCollection[couponDocument](provider, couponsCollection),
	}
}

func (r *CouponRepository) FindByCode(ctx context.Context, code string) (domain.Coupon, error) {
	doc, err := r.coupons.Get(ctx, normaliseCode(code))
	if err != nil {
		return domain.Coupon{}, err
	}
	return doc.toDomain(), nil
}

func (r *CouponRepository) CountRedemptions(ctx context.Context, code, userID string) (int, error) {
	ref, err := r.redemptionRef(ctx, code, userID)
	if err != nil {
		return 0, err
	}
	snap, err := ref.Get(ctx)
	if err != nil {
		err = pfirestore.WrapError("coupons.redemptions.get", err)
		if isNotFound(err) {
			return 0, nil
		}
		return 0, err
	}
	doc, err := pfirestore.Decode[redemptionDocument](snap)
	if err != nil {
		return 0, err
	}
	return doc.Count, nil
}

// Put writes the coupon definition keyed by its upper-cased code.
func (r *CouponRepository) Put(ctx context.Context, coupon domain.Coupon) error {
	coupon.Code = normaliseCode(coupon.Code)
	if coupon.Code == "" {
		return errors.New("coupons.put: code is required")
	}
	return r.coupons.Set(ctx, coupon.Code, newCouponDocument(coupon))
}

// ListActive pages active coupons newest first. The validity window is checked in process because
// Firestore cannot range over startsAt and expiresAt in one query. Needs an index on
// (active, createdAt desc).
func (r *CouponRepository) ListActive(ctx context.Context, filter repositories.CouponListFilter) (domain.CursorPage[domain.Coupon], error) {
	cursor, err := pagination.DecodeToken(filter.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Coupon]{}, err
	}
	size := filter.PageSize
	if size <= 0 {
		size = pagination.DefaultPageSize
	}

	docs, err := r.coupons.Query(ctx, func(q firestore.Query) firestore.Query {
		q = q.Where("active", "==", true).
			OrderBy("createdAt", firestore.Desc).
			OrderBy(firestore.DocumentID, firestore.Desc)
		if !cursor.IsZero() {
			q = q.StartAfter(cursor.CreatedAt, cursor.ID)
		}
		return q.Limit(size + 1)
	})
	if err != nil {
		return domain.CursorPage[domain.Coupon]{}, err
	}

	window := docs[:min(len(docs), size)]
	page := domain.CursorPage[domain.Coupon]{Items: make([]domain.Coupon, 0, len(window))}
	for _, doc := range window {
		coupon := doc.toDomain()
		if coupon.StartsAt != nil && filter.Now.Before(*coupon.StartsAt) {
			continue
		}
		if coupon.ExpiresAt != nil && filter.Now.After(*coupon.ExpiresAt) {
			continue
		}
		page.Items = append(page.Items, coupon)
	}
	if len(docs) > size {
		last := window[len(window)-1]
		token, err := pagination.EncodeToken(pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.Code})
		if err != nil {
			return domain.CursorPage[domain.Coupon]{}, err
		}
		page.NextPageToken = token
	}
	return page, nil
}

// Create inserts the coupon. tx.Create fails with AlreadyExists on commit when the code is taken.
func (r *CouponRepository) Create(ctx context.Context, coupon domain.Coupon) error {
	const op = "coupons.create"
	coupon.Code = normaliseCode(coupon.Code)
	ref, err := r.coupons.Ref(ctx, coupon.Code)
	if err != nil {
		return err
	}
	return r.provider.RunTransaction(ctx, op, func(_ context.Context, tx *firestore.Transaction) error {
		return tx.Create(ref, newCouponDocument(coupon))
	})
}

// Update keeps usedCount as read in the transaction, so a concurrent redemption forces a retry
// rather than being overwritten.
func (r *CouponRepository) Update(ctx context.Context, code string, mutate repositories.CouponMutation) (domain.Coupon, error) {
	key := normaliseCode(code)
	var updated domain.Coupon
	err := r.provider.RunTransaction(ctx, "coupons.update", func(ctx context.Context, tx *firestore.Transaction) error {
		ref, doc, err := r.coupons.GetTx(ctx, tx, key)
		if err != nil {
			return err
		}
		coupon := doc.toDomain()
		if err := mutate(&coupon); err != nil {
			return err
		}
		coupon.Code = key
		coupon.UsedCount = doc.UsedCount
		updated = coupon
		return tx.Set(ref, newCouponDocument(coupon))
	})
	if err != nil {
		return domain.Coupon{}, err
	}
	return updated, nil
}

func (r *CouponRepository) Deactivate(ctx context.Context, code string, at time.Time) (domain.Coupon, error) {
	key := normaliseCode(code)
	var updated domain.Coupon
	err := r.provider.RunTransaction(ctx, "coupons.deactivate", func(ctx context.Context, tx *firestore.Transaction) error {
		ref, doc, err := r.coupons.GetTx(ctx, tx, key)
		if err != nil {
			return err
		}
		updated = doc.toDomain()
		updated.Active = false
		updated.UpdatedAt = at.UTC()
		return tx.Update(ref, []firestore.Update{
			{Path: "active", Value: false},
			{Path: "updatedAt", Value: at.UTC()},
		})
	})
	if err != nil {
		return domain.Coupon{}, err
	}
	return updated, nil
}

func (r *CouponRepository) redemptionRef(ctx context.Context, code, userID string) (*firestore.DocumentRef, error) {
	couponRef, err := r.coupons.Ref(ctx, normaliseCode(code))
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(userID) == "" {
		return nil, errors.New("coupons.redemptions: user id is required")
	}
	return couponRef.Collection(redemptionsCollection).Doc(userID), nil
}

func normaliseCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
