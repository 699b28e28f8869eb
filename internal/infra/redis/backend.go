package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"mind-matrix/internal/store"
)

// Backend implements store.Backend on Redis. Layout:
//
//	rec:{collection}:ids        SET of record ids
//	rec:{collection}:{id}       HASH, field -> JSON-encoded value
//	uniq:{collection}:{fields}:{values}  claim key for a uniqueness constraint
//
// Uniqueness is claimed with SETNX before the record is written, so the
// claim itself is atomic; of two racing inserts exactly one wins. Numeric
// fields serialize as bare JSON numbers, which lets Increment ride on
// HINCRBYFLOAT, a true atomic add on the server.
type Backend struct {
	client      *redis.Client
	constraints store.Constraints
}

func NewBackend(client *redis.Client, constraints store.Constraints) *Backend {
	return &Backend{client: client, constraints: constraints}
}

func (b *Backend) List(ctx context.Context, collection string, filters []store.Filter) ([]store.Record, error) {
	ids, err := b.client.SMembers(ctx, idsKey(collection)).Result()
	if err != nil {
		return nil, fmt.Errorf("smembers %s: %w", collection, err)
	}

	var out []store.Record
	for _, id := range ids {
		fields, err := b.client.HGetAll(ctx, recordKey(collection, id)).Result()
		if err != nil {
			return nil, fmt.Errorf("hgetall %s/%s: %w", collection, id, err)
		}
		if len(fields) == 0 {
			continue
		}
		record, err := decodeFields(fields)
		if err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", collection, id, err)
		}
		ok, err := store.Matches(record, filters)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, record)
		}
	}
	return out, nil
}

func (b *Backend) Insert(ctx context.Context, collection string, records []store.Record) ([]store.Record, error) {
	inserted := make([]store.Record, 0, len(records))
	for _, record := range records {
		record = withID(record)
		id := record["id"].(string)

		var claimed []string
		conflict := false
		for _, constraint := range b.constraints[collection] {
			key := uniqueKey(collection, constraint, record)
			ok, err := b.client.SetNX(ctx, key, id, 0).Result()
			if err != nil {
				releaseClaims(ctx, b.client, claimed)
				return nil, fmt.Errorf("claim %s: %w", key, err)
			}
			if !ok {
				conflict = true
				break
			}
			claimed = append(claimed, key)
		}
		if conflict {
			releaseClaims(ctx, b.client, claimed)
			return nil, fmt.Errorf("%w: %s", store.ErrUniqueViolation, collection)
		}

		fields, err := encodeFields(record)
		if err != nil {
			releaseClaims(ctx, b.client, claimed)
			return nil, err
		}
		pipe := b.client.TxPipeline()
		pipe.HSet(ctx, recordKey(collection, id), fields)
		pipe.SAdd(ctx, idsKey(collection), id)
		if _, err := pipe.Exec(ctx); err != nil {
			releaseClaims(ctx, b.client, claimed)
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
	fields, err := encodeFields(withoutID(patch))
	if err != nil {
		return 0, err
	}
	for _, record := range records {
		id := record["id"].(string)
		if err := b.client.HSet(ctx, recordKey(collection, id), fields).Err(); err != nil {
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
		pipe := b.client.TxPipeline()
		pipe.Del(ctx, recordKey(collection, id))
		pipe.SRem(ctx, idsKey(collection), id)
		for _, constraint := range b.constraints[collection] {
			pipe.Del(ctx, uniqueKey(collection, constraint, record))
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return 0, fmt.Errorf("delete %s/%s: %w", collection, id, err)
		}
	}
	return len(records), nil
}

func (b *Backend) Increment(ctx context.Context, collection, id, field string, amount float64) (float64, error) {
	key := recordKey(collection, id)
	exists, err := b.client.Exists(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("exists %s: %w", key, err)
	}
	if exists == 0 {
		return 0, fmt.Errorf("increment %s/%s: %w", collection, id, store.ErrNoRows)
	}
	next, err := b.client.HIncrByFloat(ctx, key, field, amount).Result()
	if err != nil {
		return 0, fmt.Errorf("hincrbyfloat %s.%s: %w", key, field, err)
	}
	return next, nil
}

func idsKey(collection string) string {
	return "rec:" + collection + ":ids"
}

func recordKey(collection, id string) string {
	return "rec:" + collection + ":" + id
}

func uniqueKey(collection string, constraint []string, record store.Record) string {
	values := make([]string, 0, len(constraint))
	for _, field := range constraint {
		values = append(values, fmt.Sprintf("%v", record[field]))
	}
	return "uniq:" + collection + ":" + strings.Join(constraint, ",") + ":" + strings.Join(values, "\x1f")
}

func releaseClaims(ctx context.Context, client *redis.Client, keys []string) {
	if len(keys) > 0 {
		client.Del(ctx, keys...)
	}
}

// withoutID copies the patch with the id stripped; the caller's map is
// never touched.
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

func encodeFields(record store.Record) (map[string]any, error) {
	fields := make(map[string]any, len(record))
	for k, v := range record {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode field %s: %w", k, err)
		}
		fields[k] = string(data)
	}
	return fields, nil
}

func decodeFields(fields map[string]string) (store.Record, error) {
	record := make(store.Record, len(fields))
	for k, raw := range fields {
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("decode field %s: %w", k, err)
		}
		record[k] = v
	}
	return record, nil
}
