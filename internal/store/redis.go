package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/matthewcorven/synckit-sub003/internal/document"
)

// RedisStore persists documents in Redis: one hash per document holding
// field-path → JSON-encoded record, plus a companion key for the vector
// clock. HSET of an identical record is a no-op, which gives the required
// idempotency for free.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore wraps an existing client. prefix namespaces every key
// (multi-tenant deployments share one Redis).
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "synckit"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) docKey(docID string) string { return r.prefix + ":doc:" + docID }
func (r *RedisStore) vcKey(docID string) string  { return r.prefix + ":vc:" + docID }

func (r *RedisStore) Load(ctx context.Context, docID string) (*document.State, error) {
	fields, err := r.client.HGetAll(ctx, r.docKey(docID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall %s: %w", docID, err)
	}

	vcRaw, err := r.client.Get(ctx, r.vcKey(docID)).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("redis get clock %s: %w", docID, err)
	}
	if len(fields) == 0 && err == redis.Nil {
		return nil, ErrNotFound
	}

	st := document.NewState(docID)
	for path, raw := range fields {
		var rec document.FieldRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("decode record %s/%s: %w", docID, path, err)
		}
		st.Fields[path] = rec
	}
	if vcRaw != "" {
		if err := json.Unmarshal([]byte(vcRaw), &st.Clock); err != nil {
			return nil, fmt.Errorf("decode clock %s: %w", docID, err)
		}
	}
	return st, nil
}

func (r *RedisStore) ApplyDelta(ctx context.Context, docID string, fields map[string]document.FieldRecord, vc document.VectorClock) error {
	pipe := r.client.Pipeline()

	for path, rec := range fields {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode record %s/%s: %w", docID, path, err)
		}
		pipe.HSet(ctx, r.docKey(docID), path, data)
	}

	vcData, err := json.Marshal(vc)
	if err != nil {
		return fmt.Errorf("encode clock %s: %w", docID, err)
	}
	pipe.Set(ctx, r.vcKey(docID), vcData, 0)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis apply delta %s: %w", docID, err)
	}
	return nil
}

func (r *RedisStore) ListDocuments(ctx context.Context) ([]string, error) {
	var out []string
	match := r.prefix + ":doc:*"
	iter := r.client.Scan(ctx, 0, match, 256).Iterator()
	for iter.Next(ctx) {
		out = append(out, strings.TrimPrefix(iter.Val(), r.prefix+":doc:"))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan: %w", err)
	}
	return out, nil
}
