// Package persist defines the durable key-value mirror of the element store:
// the adapter contract over the remote document service, the flat record
// layout elements persist as, and two implementations (Redis-backed and
// in-memory).
package persist

import (
	"context"
	"errors"
)

// Collection names the two persisted collections.
type Collection string

const (
	// Categories holds one record per event-type category.
	Categories Collection = "categories"

	// Products holds one record per discovered product instance.
	Products Collection = "products"
)

// CollectionFor returns the collection an element id persists into.
func CollectionFor(isCategory bool) Collection {
	if isCategory {
		return Categories
	}
	return Products
}

// Common errors returned by persistence adapters.
var (
	// ErrNotFound is returned when deleting a record that does not exist.
	ErrNotFound = errors.New("persist: record not found")

	// ErrInvalidRecord is returned for records without a _key.
	ErrInvalidRecord = errors.New("persist: record missing _key")
)

// Record is one flat persisted document. Values are strings or numbers; the
// jsonStatus and cim_detail fields carry nested structures as opaque JSON
// strings the adapter does not interpret.
type Record map[string]any

// Key returns the record's primary key.
func (r Record) Key() string {
	k, _ := r["_key"].(string)
	return k
}

// Adapter is the durable key-value store contract. Implementations must
// treat records as opaque beyond the _key field.
type Adapter interface {
	// ListAll returns every record in the collection.
	ListAll(ctx context.Context, c Collection) ([]Record, error)

	// BatchUpsert writes all records in one call, replacing any existing
	// record with the same _key.
	BatchUpsert(ctx context.Context, c Collection, records []Record) error

	// DeleteOne removes the record with the given key.
	DeleteOne(ctx context.Context, c Collection, key string) error

	// DeleteAll clears the collection.
	DeleteAll(ctx context.Context, c Collection) error
}
