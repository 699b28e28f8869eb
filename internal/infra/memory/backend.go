package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"mind-matrix/internal/store"
)

// Backend is an in-memory implementation of store.Backend, useful for tests
// and single-node demos. Uniqueness constraints are enforced under the same
// lock as the insert, so the check-then-insert race callers worry about is
// closed here exactly as it is by the SQL backends.
type Backend struct {
	constraints store.Constraints

	mu          sync.RWMutex
	collections map[string]map[string]store.Record
}

func NewBackend(constraints store.Constraints) *Backend {
	return &Backend{
		constraints: constraints,
		collections: make(map[string]map[string]store.Record),
	}
}

func (b *Backend) List(_ context.Context, collection string, filters []store.Filter) ([]store.Record, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []store.Record
	for _, record := range b.collections[collection] {
		ok, err := store.Matches(record, filters)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, cloneRecord(record))
		}
	}
	return out, nil
}

func (b *Backend) Insert(_ context.Context, collection string, records []store.Record) ([]store.Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	coll := b.collections[collection]
	if coll == nil {
		coll = make(map[string]store.Record)
		b.collections[collection] = coll
	}

	inserted := make([]store.Record, 0, len(records))
	for _, record := range records {
		record = cloneRecord(record)
		id, _ := record["id"].(string)
		if id == "" {
			id = uuid.NewString()
			record["id"] = id
		}
		if _, exists := coll[id]; exists {
			return nil, fmt.Errorf("%w: duplicate id %s in %s", store.ErrUniqueViolation, id, collection)
		}
		for _, constraint := range b.constraints[collection] {
			if other := findConflict(coll, record, constraint); other != "" {
				return nil, fmt.Errorf("%w: %s(%s)", store.ErrUniqueViolation,
					collection, strings.Join(constraint, ","))
			}
		}
		if _, ok := record["created_at"]; !ok {
			record["created_at"] = time.Now().UTC().Format(time.RFC3339Nano)
		}
		coll[id] = record
		inserted = append(inserted, cloneRecord(record))
	}
	return inserted, nil
}

func (b *Backend) Update(_ context.Context, collection string, filters []store.Filter, patch store.Record) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	count := 0
	for _, record := range b.collections[collection] {
		ok, err := store.Matches(record, filters)
		if err != nil {
			return 0, err
		}
		if !ok {
			continue
		}
		for field, value := range patch {
			if field == "id" {
				continue
			}
			record[field] = value
		}
		count++
	}
	return count, nil
}

func (b *Backend) Delete(_ context.Context, collection string, filters []store.Filter) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	coll := b.collections[collection]
	count := 0
	for id, record := range coll {
		ok, err := store.Matches(record, filters)
		if err != nil {
			return 0, err
		}
		if ok {
			delete(coll, id)
			count++
		}
	}
	return count, nil
}

func (b *Backend) Increment(_ context.Context, collection, id, field string, amount float64) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	record, ok := b.collections[collection][id]
	if !ok {
		return 0, fmt.Errorf("increment %s/%s: %w", collection, id, store.ErrNoRows)
	}
	current := 0.0
	switch v := record[field].(type) {
	case float64:
		current = v
	case int:
		current = float64(v)
	case nil:
	default:
		return 0, fmt.Errorf("increment %s/%s: field %s is not numeric", collection, id, field)
	}
	next := current + amount
	record[field] = next
	return next, nil
}

func findConflict(coll map[string]store.Record, candidate store.Record, constraint []string) string {
	for id, existing := range coll {
		same := true
		for _, field := range constraint {
			filters := []store.Filter{{Field: field, Op: store.Eq, Value: candidate[field]}}
			if ok, _ := store.Matches(existing, filters); !ok {
				same = false
				break
			}
		}
		if same {
			return id
		}
	}
	return ""
}

func cloneRecord(record store.Record) store.Record {
	out := make(store.Record, len(record))
	for k, v := range record {
		out[k] = v
	}
	return out
}
