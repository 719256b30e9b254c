// Package repo defines the generic Repository interface and its Neo4j implementation.
package repo

import (
	"context"
	"errors"
)

// ErrNotFound is returned when an entity with the requested id does not exist.
var ErrNotFound = errors.New("repo: not found")

// Repository is a generic CRUD interface.
type Repository[T any, ID comparable] interface {
	Get(ctx context.Context, id ID) (T, error)
	List(ctx context.Context, opts ListOpts) ([]T, error)
	Create(ctx context.Context, entity T) (T, error)
	Update(ctx context.Context, entity T) (T, error)
	Delete(ctx context.Context, id ID) error
}

// ListOpts controls pagination and filtering for List. Filter keys are
// property names matched for equality.
type ListOpts struct {
	Offset int
	Limit  int
	Filter map[string]any
}
