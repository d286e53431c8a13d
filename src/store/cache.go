package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Cache is the narrow key/value surface the store needs from its distributed
// cache. Implementations must treat a missing key as (found == false), never
// as an error. Cache unavailability is not fatal to the store: every cache
// error degrades to recomputing from the backing store.
type Cache interface {
	Get(ctx context.Context, key string) (value string, found bool, err error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	GetMulti(ctx context.Context, keys []string) (map[string]string, error)
	SetMulti(ctx context.Context, values map[string]string, ttl time.Duration) error
	// Add sets the key only if it is absent and reports whether it was set.
	Add(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)
	Incr(ctx context.Context, key string, delta int64) (int64, error)
	Delete(ctx context.Context, keys ...string) error
}

// tombstone marks a key as "known absent" in the cache, e.g. a deleted
// relation in the fast-query cache. Distinct from a plain miss.
const tombstone = "-"

// ItemCacheKey is the cache slot holding one thing or relation record.
// Exported for out-of-band invalidators.
func ItemCacheKey(kindName string, id int64) string {
	return kindName + "_" + strconv.FormatInt(id, 10)
}

// CounterCacheKey is the per-prop counter slot used by the Incr fast path.
func CounterCacheKey(kindName, prop string, id int64) string {
	return kindName + "_" + prop + "_" + strconv.FormatInt(id, 10)
}

// FastRelCacheKey is the fast-query slot for a relation natural key.
func FastRelCacheKey(kindName string, thing1ID, thing2ID int64, name string) string {
	return fmt.Sprintf("%s_(%d,%d,%s)", kindName, thing1ID, thing2ID, name)
}

func thingKey(kind *Kind, id int64) string {
	return ItemCacheKey(kind.Name, id)
}

func counterKey(kind *Kind, prop string, id int64) string {
	return CounterCacheKey(kind.Name, prop, id)
}

func fastRelKey(kind *Kind, thing1ID, thing2ID int64, name string) string {
	return FastRelCacheKey(kind.Name, thing1ID, thing2ID, name)
}

// cachedRecord is the wire form of a thing or relation in the cache.
// Relations carry the extra natural-key fields.
type cachedRecord struct {
	ID      int64          `json:"id"`
	Ups     int64          `json:"ups,omitempty"`
	Downs   int64          `json:"downs,omitempty"`
	Date    time.Time      `json:"date"`
	Deleted bool           `json:"deleted,omitempty"`
	Spam    bool           `json:"spam,omitempty"`
	Props   map[string]any `json:"props,omitempty"`
	Loaded  bool           `json:"loaded,omitempty"`

	Thing1ID int64  `json:"thing1_id,omitempty"`
	Thing2ID int64  `json:"thing2_id,omitempty"`
	Name     string `json:"name,omitempty"`
}

func encodeRecord(rec cachedRecord) (string, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("encode cached record: %w", err)
	}
	return string(raw), nil
}

func decodeRecord(value string) (cachedRecord, error) {
	var rec cachedRecord
	dec := json.NewDecoder(bytes.NewReader([]byte(value)))
	dec.UseNumber()
	if err := dec.Decode(&rec); err != nil {
		return rec, fmt.Errorf("decode cached record: %w", err)
	}
	rec.Props = normalizeProps(rec.Props)
	return rec, nil
}

// normalizeProps rewrites json.Number values into int64 or float64 so that
// props compare equal across a cache round trip.
func normalizeProps(props map[string]any) map[string]any {
	for k, v := range props {
		if n, ok := v.(json.Number); ok {
			if i, err := n.Int64(); err == nil {
				props[k] = i
			} else if f, err := n.Float64(); err == nil {
				props[k] = f
			}
		}
	}
	return props
}

// valueEqual compares prop values, treating numeric types as one domain.
func valueEqual(a, b any) bool {
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	if aok && bok {
		return af == bf
	}
	return a == b
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	}
	return 0, false
}
