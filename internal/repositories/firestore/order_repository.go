package firestore

import (
	"context"
	"fmt"
	"slices"

	"cloud.google.com/go/firestore"

	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/platform/pagination"
	pfirestore "github.com/hanko-field/checkout/internal/platform/firestore"
	"github.com/hanko-field/checkout/internal/repositories"
)

type OrderRepository struct {
	provider *pfirestore.Provider
	orders   *pfirestore.Collection[orderDocument]
	numbers  *pfirestore.Collection[orderNumberDocument]
	products *pfirestore.Collection[productDocument]
	coupons  *CouponRepository
}

func NewOrderRepository(provider *pfirestore.Provider) *OrderRepository {
	return &OrderRepository{
		provider: provider,
		orders:   pfirestore.NewCollection[orderDocument](provider, ordersCollection),
		numbers:  pfirestore.NewCollection[orderNumberDocument](provider, orderNumbersCollection),
		products: pfirestore.NewCollection[productDocument](provider, productsCollection),
		coupons:  NewCouponRepository(provider),
	}
}

// Create writes the order, its number guard, and the optional coupon redemption in one transaction.
// tx.Create fails with AlreadyExists on commit when the id or number is taken.
func (r *OrderRepository) Create(ctx context.Context, order domain.Order, redemption *domain.CouponRedemption) error {
	const op = "orders.create"
	orderRef, err := r.orders.Ref(ctx, order.ID)
	if err != nil {
		return err
	}
	numberRef, err := r.numbers.Ref(ctx, order.OrderNumber)
	if err != nil {
		return err
	}

	return r.provider.RunTransaction(ctx, op, func(ctx context.Context, tx *firestore.Transaction) error {
		var redeem func() error
		if redemption != nil {
			apply, err := r.prepareRedemption(ctx, tx, *redemption)
			if err != nil {
				return err
			}
			redeem = apply
		}

		if err := tx.Create(orderRef, newOrderDocument(order)); err != nil {
			return err
		}
		if err := tx.Create(numberRef, orderNumberDocument{OrderID: order.ID, CreatedAt: order.CreatedAt.UTC()}); err != nil {
			return err
		}
		if redeem != nil {
			return redeem()
		}
		return nil
	})
}

// prepareRedemption performs the coupon reads and returns the writes to run once every read is done.
func (r *OrderRepository) prepareRedemption(ctx context.Context, tx *firestore.Transaction, redemption domain.CouponRedemption) (func() error, error) {
	code := normaliseCode(redemption.Code)
	couponRef, coupon, err := r.coupons.coupons.GetTx(ctx, tx, code)
	if err != nil {
		if isNotFound(err) {
			return nil, repositories.NewCouponError(repositories.CouponErrorNotFound, code, "")
		}
		return nil, err
	}
	if !coupon.Active {
		return nil, repositories.NewCouponError(repositories.CouponErrorInactive, code, "")
	}
	if coupon.UsageLimit != nil && coupon.UsedCount >= *coupon.UsageLimit {
		return nil, repositories.NewCouponError(repositories.CouponErrorExhausted, code, "usage limit reached")
	}

	redemptionRef, err := r.coupons.redemptionRef(ctx, code, redemption.UserID)
	if err != nil {
		return nil, err
	}
	var current redemptionDocument
	snap, err := tx.Get(redemptionRef)
	switch {
	case err == nil:
		if current, err = pfirestore.Decode[redemptionDocument](snap); err != nil {
			return nil, err
		}
	case !isNotFound(pfirestore.WrapError("coupons.redemptions.get", err)):
		return nil, err
	}
	if coupon.UserUsageLimit != nil && current.Count >= *coupon.UserUsageLimit {
		return nil, repositories.NewCouponError(repositories.CouponErrorExhausted, code, "per-user limit reached")
	}

	next := redemptionDocument{
		UserID:         redemption.UserID,
		Count:          current.Count + 1,
		OrderIDs:       append(slices.Clone(current.OrderIDs), redemption.OrderID),
		LastRedeemedAt: redemption.RedeemedAt.UTC(),
	}
	return func() error {
		if err := tx.Update(couponRef, []firestore.Update{
			{Path: "usedCount", Value: firestore.Increment(1)},
			{Path: "updatedAt", Value: redemption.RedeemedAt.UTC()},
		}); err != nil {
			return err
		}
		return tx.Set(redemptionRef, next)
	}, nil
}

func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	doc, err := r.orders.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	return doc.toDomain(), nil
}

// ListByUser pages newest first. It needs a composite index on (userId, status, createdAt desc).
func (r *OrderRepository) ListByUser(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	cursor, err := pagination.DecodeToken(filter.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}
	size := filter.PageSize
	if size <= 0 {
		size = pagination.DefaultPageSize
	}

	docs, err := r.orders.Query(ctx, func(q firestore.Query) firestore.Query {
		q = q.Where("userId", "==", filter.UserID)
		if filter.Status != nil {
			q = q.Where("status", "==", string(*filter.Status))
		}
		q = q.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
		if !cursor.IsZero() {
			q = q.StartAfter(cursor.CreatedAt, cursor.ID)
		}
		return q.Limit(size + 1)
	})
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	page := domain.CursorPage[domain.Order]{Items: make([]domain.Order, 0, min(len(docs), size))}
	for _, doc := range docs[:min(len(docs), size)] {
		page.Items = append(page.Items, doc.toDomain())
	}
	if len(docs) > size {
		last := page.Items[len(page.Items)-1]
		token, err := pagination.EncodeToken(pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
		if err != nil {
			return domain.CursorPage[domain.Order]{}, err
		}
		page.NextPageToken = token
	}
	return page, nil
}

func (r *OrderRepository) CountCompletedByUser(ctx context.Context, userID string) (int, error) {
	const op = "orders.countCompleted"
	coll, err := r.provider.Collection(ctx, ordersCollection)
	if err != nil {
		return 0, err
	}
	statuses := make([]string, 0, len(domain.CompletedOrderStatuses))
	for _, status := range domain.CompletedOrderStatuses {
		statuses = append(statuses, string(status))
	}

	query := coll.Where("userId", "==", userID).
		Where("status", "in", statuses)
	result, err := query.NewAggregationQuery().
		WithCount("completed").
		Get(ctx)
	if err != nil {
		return 0, pfirestore.WrapError(op, err)
	}
	count, err := aggregateCount(result, "completed")
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return count, nil
}

// UpdateStatus applies mutate to a fresh read inside a transaction. The transaction may retry, so
// mutate receives a newly decoded order on every attempt.
func (r *OrderRepository) UpdateStatus(ctx context.Context, orderID string, mutate repositories.OrderMutation) (domain.Order, error) {
	var updated domain.Order
	err := r.provider.RunTransaction(ctx, "orders.updateStatus", func(ctx context.Context, tx *firestore.Transaction) error {
		ref, doc, err := r.orders.GetTx(ctx, tx, orderID)
		if err != nil {
			return err
		}
		order := doc.toDomain()
		if err := mutate(&order); err != nil {
			return err
		}
		updated = order
		return tx.Set(ref, newOrderDocument(order))
	})
	if err != nil {
		return domain.Order{}, err
	}
	return updated, nil
}

// Cancel flips the order and puts its items back on the shelf in one transaction. Firestore
// requires every read before the first write, so the product snapshots are fetched up front.
func (r *OrderRepository) Cancel(ctx context.Context, orderID string, mutate repositories.OrderMutation) (domain.Order, error) {
	const op = "orders.cancel"
	var updated domain.Order
	err := r.provider.RunTransaction(ctx, op, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, doc, err := r.orders.GetTx(ctx, tx, orderID)
		if err != nil {
			return err
		}
		order := doc.toDomain()
		if err := mutate(&order); err != nil {
			return err
		}

		lines := order.RestockLines()
		refs := make([]*firestore.DocumentRef, 0, len(lines))
		for _, line := range lines {
			productRef, err := r.products.Ref(ctx, line.ProductID)
			if err != nil {
				return err
			}
			refs = append(refs, productRef)
		}
		var snaps []*firestore.DocumentSnapshot
		if len(refs) > 0 {
			if snaps, err = tx.GetAll(refs); err != nil {
				return pfirestore.WrapError(op, err)
			}
		}

		if err := tx.Set(ref, newOrderDocument(order)); err != nil {
			return err
		}
		for i, snap := range snaps {
			if snap == nil || !snap.Exists() {
				continue
			}
			if err := tx.Update(refs[i], []firestore.Update{
				{Path: "stock", Value: firestore.Increment(lines[i].Quantity)},
				{Path: "updatedAt", Value: firestore.ServerTimestamp},
			}); err != nil {
				return err
			}
		}
		updated = order
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}
	return updated, nil
}
