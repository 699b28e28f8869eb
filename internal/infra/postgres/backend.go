package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"mind-matrix/internal/store"
)

const uniqueViolationCode = "23505"

// Backend stores every collection in one records table:
//
//	records(collection, id, unique_key, data jsonb)
//
// unique_key is a flattened rendering of the record's uniqueness-constraint
// fields; the partial unique index on (collection, unique_key) makes the
// database the arbiter of duplicate races. Filtering happens in Go after
// fetching the collection, deliberately, so no per-field or composite
// indexes are ever required.
type Backend struct {
	pool        *pgxpool.Pool
	constraints store.Constraints
}

func NewBackend(pool *pgxpool.Pool, constraints store.Constraints) *Backend {
	return &Backend{pool: pool, constraints: constraints}
}

func (b *Backend) List(ctx context.Context, collection string, filters []store.Filter) ([]store.Record, error) {
	rows, err := b.pool.Query(ctx, `SELECT data FROM records WHERE collection=$1`, collection)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", collection, err)
	}
	defer rows.Close()

	var out []store.Record
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan %s: %w", collection, err)
		}
		var record store.Record
		if err := json.Unmarshal(raw, &record); err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", collection, err)
		}
		ok, err := store.Matches(record, filters)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, record)
		}
	}
	return out, rows.Err()
}

func (b *Backend) Insert(ctx context.Context, collection string, records []store.Record) ([]store.Record, error) {
	inserted := make([]store.Record, 0, len(records))
	for _, record := range records {
		record = withID(record)
		id := record["id"].(string)
		data, err := json.Marshal(record)
		if err != nil {
			return nil, fmt.Errorf("marshal %s/%s: %w", collection, id, err)
		}
		_, err = b.pool.Exec(ctx,
			`INSERT INTO records (collection, id, unique_key, data) VALUES ($1, $2, $3, $4)`,
			collection, id, b.uniqueKey(collection, record), data)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
				return nil, fmt.Errorf("%w: %s", store.ErrUniqueViolation, collection)
			}
			return nil, fmt.Errorf("insert %s/%s: %w", collection, id, err)
		}
		inserted = append(inserted, record)
	}
	return inserted, nil
}

func (b *Backend) Update(ctx context.Context, collection string, filters []store.Filter, patch store.Record) (int, error) {
	records, err := b.List(ctx, collection, filters)
	if err != nil {
		return 0, err
	}
	patchData, err := json.Marshal(withoutID(patch))
	if err != nil {
		return 0, fmt.Errorf("marshal patch: %w", err)
	}
	for _, record := range records {
		id := record["id"].(string)
		_, err := b.pool.Exec(ctx,
			`UPDATE records SET data = data || $3::jsonb WHERE collection=$1 AND id=$2`,
			collection, id, patchData)
		if err != nil {
			return 0, fmt.Errorf("update %s/%s: %w", collection, id, err)
		}
	}
	return len(records), nil
}

func (b *Backend) Delete(ctx context.Context, collection string, filters []store.Filter) (int, error) {
	records, err := b.List(ctx, collection, filters)
	if err != nil {
		return 0, err
	}
	for _, record := range records {
		id := record["id"].(string)
		if _, err := b.pool.Exec(ctx,
			`DELETE FROM records WHERE collection=$1 AND id=$2`, collection, id); err != nil {
			return 0, fmt.Errorf("delete %s/%s: %w", collection, id, err)
		}
	}
	return len(records), nil
}

// Increment is a single UPDATE on the JSONB field, atomic on the server.
func (b *Backend) Increment(ctx context.Context, collection, id, field string, amount float64) (float64, error) {
	var next float64
	err := b.pool.QueryRow(ctx,
		`UPDATE records
		    SET data = jsonb_set(data, ARRAY[$3],
		        to_jsonb(COALESCE((data->>$3)::numeric, 0) + $4::numeric), true)
		  WHERE collection=$1 AND id=$2
		  RETURNING (data->>$3)::float8`,
		collection, id, field, amount).Scan(&next)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("increment %s/%s: %w", collection, id, store.ErrNoRows)
		}
		return 0, fmt.Errorf("increment %s/%s: %w", collection, id, err)
	}
	return next, nil
}

func (b *Backend) uniqueKey(collection string, record store.Record) string {
	constraints := b.constraints[collection]
	if len(constraints) == 0 {
		// No constraint configured: fall back to the id so the partial
		// unique index never collides.
		return record["id"].(string)
	}
	parts := make([]string, 0, len(constraints))
	for _, constraint := range constraints {
		values := make([]string, 0, len(constraint))
		for _, field := range constraint {
			values = append(values, fmt.Sprintf("%v", record[field]))
		}
		parts = append(parts, strings.Join(constraint, ",")+"="+strings.Join(values, "\x1f"))
	}
	return strings.Join(parts, ";")
}

func withoutID(patch store.Record) store.Record {
	out := make(store.Record, len(patch))
	for k, v := range patch {
		if k == "id" {
			continue
		}
		out[k] = v
	}
	return out
}

func withID(record store.Record) store.Record {
	out := make(store.Record, len(record)+1)
	for k, v := range record {
		out[k] = v
	}
	if id, _ := out["id"].(string); id == "" {
		out["id"] = uuid.NewString()
	}
	return out
}
