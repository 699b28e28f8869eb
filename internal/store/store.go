// Package store provides a query-builder interface over a generic keyed
// record collection. Sorting and limiting happen client-side in the adapter,
// after fetch, so no backend ever needs composite multi-field indexes; the
// collections involved hold hundreds of records, not millions.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Record is one schemaless document in a collection. Every stored record
// carries its id under the "id" field.
type Record = map[string]any

// Op is a filter operator. Filters on one query combine with AND.
type Op string

// Eq is the only operator the trivia collections need; backends reject
// anything they do not recognize.
const Eq Op = "eq"

// Filter is a single field predicate.
type Filter struct {
	Field string
	Op    Op
	Value any
}

// Direction orders a sort field.
type Direction string

const (
	Asc  Direction = "asc"
	Desc Direction = "desc"
)

type order struct {
	field string
	dir   Direction
}

var (
	// ErrNoRows is returned by Single when a query matches nothing.
	ErrNoRows = errors.New("store: no rows in result")
	// ErrTooManyRows is returned by Single when a query matches more than one record.
	ErrTooManyRows = errors.New("store: more than one row in result")
	// ErrUniqueViolation is returned by inserts that collide with a
	// storage-level uniqueness constraint. The constraint, not any
	// check-then-insert pre-check, is the source of truth for races.
	ErrUniqueViolation = errors.New("store: unique constraint violation")
	// ErrIncrementUnsupported is reported by backends without a true atomic
	// add; callers fall back to read-then-write and accept the race window.
	ErrIncrementUnsupported = errors.New("store: atomic increment not supported")
)

// Constraint names a tuple of fields that must be unique within a collection.
type Constraint []string

// Constraints configures per-collection uniqueness, enforced by every backend.
type Constraints map[string][]Constraint

// DefaultConstraints covers the trivia entity set: one event per code, one
// participant per (event, player), one answer per (participant, question),
// one question per (event, slot).
func DefaultConstraints() Constraints {
	return Constraints{
		"events":       {{"code"}},
		"participants": {{"event_id", "player_id"}},
		"answers":      {{"participant_id", "question_id"}},
		"questions":    {{"event_id", "order_index"}},
	}
}

// Backend is the record store primitive the adapter builds on. List returns
// matching records in no particular order and without any limit applied.
type Backend interface {
	List(ctx context.Context, collection string, filters []Filter) ([]Record, error)
	Insert(ctx context.Context, collection string, records []Record) ([]Record, error)
	Update(ctx context.Context, collection string, filters []Filter, patch Record) (int, error)
	Delete(ctx context.Context, collection string, filters []Filter) (int, error)
	// Increment atomically adds amount to a numeric field of one record and
	// returns the new value, or ErrIncrementUnsupported.
	Increment(ctx context.Context, collection, id, field string, amount float64) (float64, error)
}

// Store wraps a Backend with the chainable query surface.
type Store struct {
	backend Backend
}

func New(backend Backend) *Store {
	return &Store{backend: backend}
}

// From starts a query against one collection.
func (s *Store) From(collection string) *Query {
	return &Query{backend: s.backend, collection: collection}
}

// AtomicIncrement adds amount to a numeric field of the identified record.
func (s *Store) AtomicIncrement(ctx context.Context, collection, id, field string, amount float64) (float64, error) {
	return s.backend.Increment(ctx, collection, id, field, amount)
}

// Query accumulates filters, ordering and a limit before a terminal call.
type Query struct {
	backend    Backend
	collection string
	filters    []Filter
	orders     []order
	limit      int
}

// Filter adds a conjunctive predicate.
func (q *Query) Filter(field string, op Op, value any) *Query {
	q.filters = append(q.filters, Filter{Field: field, Op: op, Value: value})
	return q
}

// Order adds a sort field, applied in the adapter after fetch.
func (q *Query) Order(field string, dir Direction) *Query {
	q.orders = append(q.orders, order{field: field, dir: dir})
	return q
}

// Limit caps the result set, applied in the adapter after sorting.
func (q *Query) Limit(n int) *Query {
	q.limit = n
	return q
}

// Execute fetches, then sorts and limits client-side.
func (q *Query) Execute(ctx context.Context) ([]Record, error) {
	records, err := q.backend.List(ctx, q.collection, q.filters)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", q.collection, err)
	}
	for i := len(q.orders) - 1; i >= 0; i-- {
		sortRecords(records, q.orders[i].field, q.orders[i].dir)
	}
	if q.limit > 0 && len(records) > q.limit {
		records = records[:q.limit]
	}
	return records, nil
}

// Single expects exactly one matching record.
func (q *Query) Single(ctx context.Context) (Record, error) {
	records, err := q.Execute(ctx)
	if err != nil {
		return nil, err
	}
	switch len(records) {
	case 0:
		return nil, ErrNoRows
	case 1:
		return records[0], nil
	default:
		return nil, ErrTooManyRows
	}
}

// MaybeSingle returns nil without error when nothing matches.
func (q *Query) MaybeSingle(ctx context.Context) (Record, error) {
	record, err := q.Single(ctx)
	if errors.Is(err, ErrNoRows) {
		return nil, nil
	}
	return record, err
}

// Insert stores the given records, assigning ids where absent.
func (q *Query) Insert(ctx context.Context, records ...Record) ([]Record, error) {
	return q.backend.Insert(ctx, q.collection, records)
}

// Update applies the patch to every record matching the filters.
func (q *Query) Update(ctx context.Context, patch Record) (int, error) {
	return q.backend.Update(ctx, q.collection, q.filters, patch)
}

// Delete removes every record matching the filters. An unfiltered delete is
// refused so a missing filter cannot wipe a collection.
func (q *Query) Delete(ctx context.Context) (int, error) {
	if len(q.filters) == 0 {
		return 0, fmt.Errorf("delete on %s requires at least one filter", q.collection)
	}
	return q.backend.Delete(ctx, q.collection, q.filters)
}

// Encode converts a typed value into a Record via a JSON round-trip, so the
// same representation flows through every backend.
func Encode(v any) (Record, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	return record, nil
}

// Decode converts a Record back into a typed value.
func Decode(record Record, v any) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// DecodeAll converts a slice of records into typed values.
func DecodeAll[T any](records []Record) ([]T, error) {
	out := make([]T, 0, len(records))
	for _, record := range records {
		var v T
		if err := Decode(record, &v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Matches reports whether a record satisfies every filter. Backends share it
// so filtering semantics never diverge between implementations.
func Matches(record Record, filters []Filter) (bool, error) {
	for _, f := range filters {
		if f.Op != Eq {
			return false, fmt.Errorf("unsupported filter op %q", f.Op)
		}
		if !valuesEqual(record[f.Field], f.Value) {
			return false, nil
		}
	}
	return true, nil
}
