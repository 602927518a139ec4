package entity

import (
	"context"

	"github.com/rendis/bizflow/internal/store"
)

// Repository gives typed access to the entity store.
type Repository struct {
	docs store.DocumentStore
}

// NewRepository wraps a document store.
func NewRepository(docs store.DocumentStore) *Repository {
	return &Repository{docs: docs}
}

// Store returns the underlying document store.
func (r *Repository) Store() store.DocumentStore { return r.docs }

// Get loads one document and decodes it into T.
func Get[T any](ctx context.Context, r *Repository, collection, id string) (*T, error) {
	doc, err := r.docs.GetDocument(ctx, collection, id)
	if err != nil {
		return nil, err
	}
	out := new(T)
	if err := Decode(doc, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Query loads every matching document and decodes each into T.
func Query[T any](ctx context.Context, r *Repository, collection string, filter store.Filter) ([]*T, error) {
	docs, err := r.docs.QueryDocuments(ctx, collection, filter)
	if err != nil {
		return nil, err
	}
	out := make([]*T, 0, len(docs))
	for _, doc := range docs {
		v := new(T)
		if err := Decode(doc, v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Insert encodes v and stores it, returning the assigned id.
func (r *Repository) Insert(ctx context.Context, collection string, v any) (string, error) {
	doc, err := Encode(v)
	if err != nil {
		return "", err
	}
	return r.docs.InsertDocument(ctx, collection, doc)
}

// Update merges patch into the stored document.
func (r *Repository) Update(ctx context.Context, collection, id string, patch store.Document) error {
	return r.docs.UpdateDocument(ctx, collection, id, patch)
}

// Append adds value to an array field of the stored document.
func (r *Repository) Append(ctx context.Context, collection, id, field string, value any) error {
	return r.docs.AppendToArray(ctx, collection, id, field, value)
}
