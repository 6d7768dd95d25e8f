package firestore

import (
	"context"
	"fmt"
	"strings"

	"cloud.google.com/go/firestore"
)

// Collection binds a document type to a top-level collection and decodes snapshots into it.
type Collection[T any] struct {
	provider *Provider
	name     string
}

// NewCollection constructs a typed collection helper.
func NewCollection[T any](provider *Provider, name string) *Collection[T] {
	return &Collection[T]{provider: provider, name: strings.TrimSpace(name)}
}

// Name returns the collection name.
func (c *Collection[T]) Name() string { return c.name }

// Ref returns the document reference for id.
func (c *Collection[T]) Ref(ctx context.Context, id string) (*firestore.DocumentRef, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%s: document id is required", c.name)
	}
	coll, err := c.provider.Collection(ctx, c.name)
	if err != nil {
		return nil, err
	}
	return coll.Doc(id), nil
}

// Get fetches and decodes the document with the given id.
func (c *Collection[T]) Get(ctx context.Context, id string) (T, error) {
	var zero T
	ref, err := c.Ref(ctx, id)
	if err != nil {
		return zero, err
	}
	snap, err := ref.Get(ctx)
	if err != nil {
		return zero, WrapError(c.op("get"), err)
	}
	return Decode[T](snap)
}

// GetTx fetches and decodes a document inside a transaction.
func (c *Collection[T]) GetTx(ctx context.Context, tx *firestore.Transaction, id string) (*firestore.DocumentRef, T, error) {
	var zero T
	ref, err := c.Ref(ctx, id)
	if err != nil {
		return nil, zero, err
	}
	snap, err := tx.Get(ref)
	if err != nil {
		return ref, zero, WrapError(c.op("get"), err)
	}
	value, err := Decode[T](snap)
	return ref, value, err
}

// Set writes value under id, replacing any existing document.
func (c *Collection[T]) Set(ctx context.Context, id string, value T) error {
	ref, err := c.Ref(ctx, id)
	if err != nil {
		return err
	}
	if _, err := ref.Set(ctx, value); err != nil {
		return WrapError(c.op("set"), err)
	}
	return nil
}

// Query runs build against the collection and decodes every matching document.
func (c *Collection[T]) Query(ctx context.Context, build func(firestore.Query) firestore.Query) ([]T, error) {
	coll, err := c.provider.Collection(ctx, c.name)
	if err != nil {
		return nil, err
	}
	query := coll.Query
	if build != nil {
		query = build(query)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var out []T
	for {
		snap, err := iter.Next()
		if isIteratorDone(err) {
			return out, nil
		}
		if err != nil {
			return nil, WrapError(c.op("query"), err)
		}
		value, err := Decode[T](snap)
		if err != nil {
			return nil, err
		}
		out = append(out, value)
	}
}

func (c *Collection[T]) op(action string) string {
	return c.name + "." + action
}

// Decode populates T from snap using Firestore struct tags.
func Decode[T any](snap *firestore.DocumentSnapshot) (T, error) {
	var target T
	if err := snap.DataTo(&target); err != nil {
		return target, fmt.Errorf("firestore: decode %s: %w", snap.Ref.Path, err)
	}
	return target, nil
}
