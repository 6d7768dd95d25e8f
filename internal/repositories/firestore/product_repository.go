package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/firestore"

	domain "github.com/hanko-field/checkout/internal/domain"
	pfirestore "github.com/hanko-field/checkout/internal/platform/firestore"
	"github.com/hanko-field/checkout/internal/repositories"
)

type ProductRepository struct {
	products *pfirestore.Collection[productDocument]
}

func NewProductRepository(provider *pfirestore.Provider) *ProductRepository {
	return &ProductRepository{products: pfirestore.NewCollection[productDocument](provider, productsCollection)}
}

func (r *ProductRepository) FindByID(ctx context.Context, productID string) (domain.Product, error) {
	doc, err := r.products.Get(ctx, productID)
	if err != nil {
		return domain.Product{}, err
	}
	product := doc.toDomain()
	if product.ID == "" {
		product.ID = productID
	}
	return product, nil
}

// Put writes the product including its stock counter.
func (r *ProductRepository) Put(ctx context.Context, product domain.Product) error {
	if strings.TrimSpace(product.ID) == "" {
		return errors.New("products.put: product id is required")
	}
	return r.products.Set(ctx, product.ID, newProductDocument(product))
}

// InventoryLedger keeps stock on the product document so every adjustment is a single-document transaction.
type InventoryLedger struct {
	provider *pfirestore.Provider
	products *pfirestore.Collection[productDocument]
}

func NewInventoryLedger(provider *pfirestore.Provider) *InventoryLedger {
	return &InventoryLedger{
		provider: provider,
		products: pfirestore.NewCollection[productDocument](provider, productsCollection),
	}
}

func (l *InventoryLedger) Reserve(ctx context.Context, productID string, qty int) error {
	const op = "inventory.reserve"
	if qty <= 0 {
		return invalidQuantity(op, productID, qty)
	}
	return l.provider.RunTransaction(ctx, op, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, doc, err := l.products.GetTx(ctx, tx, productID)
		if err != nil {
			return stockLookupError(op, productID, err)
		}
		if doc.Stock < qty {
			return repositories.NewInsufficientStockError(op, productID, qty, doc.Stock)
		}
		return tx.Update(ref, []firestore.Update{
			{Path: "stock", Value: doc.Stock - qty},
			{Path: "updatedAt", Value: firestore.ServerTimestamp},
		})
	})
}

func (l *InventoryLedger) Release(ctx context.Context, productID string, qty int) error {
	const op = "inventory.release"
	if qty <= 0 {
		return invalidQuantity(op, productID, qty)
	}
	return l.provider.RunTransaction(ctx, op, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, _, err := l.products.GetTx(ctx, tx, productID)
		if err != nil {
			return stockLookupError(op, productID, err)
		}
		return tx.Update(ref, []firestore.Update{
			{Path: "stock", Value: firestore.Increment(qty)},
			{Path: "updatedAt", Value: firestore.ServerTimestamp},
		})
	})
}

func (l *InventoryLedger) Available(ctx context.Context, productID string) (int, error) {
	doc, err := l.products.Get(ctx, productID)
	if err != nil {
		return 0, stockLookupError("inventory.available", productID, err)
	}
	return doc.Stock, nil
}

func invalidQuantity(op, productID string, qty int) error {
	inv := repositories.NewInventoryError(repositories.InventoryErrorInvalidQuantity, productID,
		fmt.Sprintf("quantity for %s must be > 0, got %d", productID, qty), nil)
	inv.Op = op
	return inv
}

func stockLookupError(op, productID string, err error) error {
	if isNotFound(err) {
		inv := repositories.NewInventoryError(repositories.InventoryErrorStockNotFound, productID,
			fmt.Sprintf("stock %s not found", productID), err)
		inv.Op = op
		return inv
	}
	return err
}

func isNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}
