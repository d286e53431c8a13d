package events

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"thingstore/src/domain"
	"thingstore/src/infra/debezium"
	"thingstore/src/store"
)

// InvalidationEvent tells cache nodes which slots a row change made stale.
// One database change can stale several slots: the item record, its counter
// slots, and for relations the fast-query slot under both the old and new
// natural key.
type InvalidationEvent struct {
	IdempotencyKey string    `json:"idempotency_key"`
	FullName       string    `json:"fullname"`
	Kind           string    `json:"kind"`
	Operation      string    `json:"operation"`
	CacheKeys      []string  `json:"cache_keys"`
	ChangedColumns []string  `json:"changed_columns,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// CDCTransformer maps raw Debezium change envelopes from the thing table
// families to InvalidationEvents. Writes made through the store already keep
// the cache coherent; this path catches out-of-band writes (migrations,
// backfills, manual SQL) that bypass it.
type CDCTransformer struct {
	logger  *slog.Logger
	catalog *domain.Catalog
}

func NewCDCTransformer(logger *slog.Logger, catalog *domain.Catalog) *CDCTransformer {
	return &CDCTransformer{
		logger:  logger,
		catalog: catalog,
	}
}

// TransformCDCEvent converts one CDC event into zero or one invalidation
// events. Tables outside the registered kinds are ignored.
func (t *CDCTransformer) TransformCDCEvent(ctx context.Context, cdcEvent *debezium.CDCEvent) (*InvalidationEvent, error) {
	table := cdcEvent.Source.Table

	kind, family, err := t.catalog.KindForTable(table)
	if err != nil {
		t.logger.Debug("ignoring CDC event from unmapped table", "table", table)
		return nil, nil
	}

	switch family {
	case domain.FamilyThing:
		return t.transformThingEvent(kind, cdcEvent)
	case domain.FamilyData:
		return t.transformDataEvent(kind, cdcEvent, "thing_id")
	case domain.FamilyRel:
		return t.transformRelEvent(kind, cdcEvent)
	case domain.FamilyRelData:
		return t.transformDataEvent(kind, cdcEvent, "rel_id")
	}
	return nil, nil
}

// transformThingEvent invalidates the record slot for any base-row change,
// plus the ups/downs counter slots when those columns moved.
func (t *CDCTransformer) transformThingEvent(kind *store.Kind, cdcEvent *debezium.CDCEvent) (*InvalidationEvent, error) {
	id, err := rowID(cdcEvent, "id")
	if err != nil {
		return nil, fmt.Errorf("%s CDC event: %w", kind.Name, err)
	}

	changed := changedColumns(cdcEvent.Before, cdcEvent.After)
	keys := []string{store.ItemCacheKey(kind.Name, id)}
	for _, col := range changed {
		if col == "ups" || col == "downs" {
			keys = append(keys, store.CounterCacheKey(kind.Name, col, id))
		}
	}
	if cdcEvent.Operation == "d" {
		keys = append(keys,
			store.CounterCacheKey(kind.Name, "ups", id),
			store.CounterCacheKey(kind.Name, "downs", id))
	}

	return t.buildEvent(kind, id, cdcEvent, keys, changed), nil
}

// transformDataEvent invalidates the record slot of the owning row, plus the
// counter slot when the changed prop is incrementable.
func (t *CDCTransformer) transformDataEvent(kind *store.Kind, cdcEvent *debezium.CDCEvent, idCol string) (*InvalidationEvent, error) {
	id, err := rowID(cdcEvent, idCol)
	if err != nil {
		return nil, fmt.Errorf("%s data CDC event: %w", kind.Name, err)
	}

	prop := rowString(cdcEvent, "key")
	keys := []string{store.ItemCacheKey(kind.Name, id)}
	var changed []string
	if prop != "" {
		changed = []string{prop}
		if kind.IncrProps[prop] {
			keys = append(keys, store.CounterCacheKey(kind.Name, prop, id))
		}
	}

	return t.buildEvent(kind, id, cdcEvent, keys, changed), nil
}

// transformRelEvent invalidates the record slot and the fast-query slot under
// every natural key the row held. An update that renames the relation (the
// store's delete path does exactly that) stales both the old and new slot.
func (t *CDCTransformer) transformRelEvent(kind *store.Kind, cdcEvent *debezium.CDCEvent) (*InvalidationEvent, error) {
	id, err := rowID(cdcEvent, "id")
	if err != nil {
		return nil, fmt.Errorf("%s CDC event: %w", kind.Name, err)
	}

	keys := []string{store.ItemCacheKey(kind.Name, id)}
	seen := map[string]bool{}
	for _, row := range []map[string]interface{}{cdcEvent.Before, cdcEvent.After} {
		if row == nil {
			continue
		}
		t1, ok1 := numericColumn(row, "thing1_id")
		t2, ok2 := numericColumn(row, "thing2_id")
		name, _ := row["name"].(string)
		if !ok1 || !ok2 || name == "" {
			continue
		}
		key := store.FastRelCacheKey(kind.Name, t1, t2, name)
		if !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
	}

	return t.buildEvent(kind, id, cdcEvent, keys, changedColumns(cdcEvent.Before, cdcEvent.After)), nil
}

func (t *CDCTransformer) buildEvent(kind *store.Kind, id int64, cdcEvent *debezium.CDCEvent, keys, changed []string) *InvalidationEvent {
	occurredAt := time.UnixMilli(cdcEvent.TsMs).UTC()
	fullname := store.FullName(kind, id)

	event := &InvalidationEvent{
		IdempotencyKey: idempotencyKey(cdcEvent.Source.Table, fullname, cdcEvent.Source.LSN),
		FullName:       fullname,
		Kind:           kind.Name,
		Operation:      debezium.MapCDCOperation(cdcEvent.Operation),
		CacheKeys:      keys,
		ChangedColumns: changed,
		OccurredAt:     occurredAt,
	}

	t.logger.Debug("transformed CDC event",
		"table", cdcEvent.Source.Table,
		"fullname", fullname,
		"operation", event.Operation,
		"cache_keys", len(keys))
	return event
}

// rowID extracts the row id from whichever side of the envelope carries it.
func rowID(cdcEvent *debezium.CDCEvent, col string) (int64, error) {
	for _, row := range []map[string]interface{}{cdcEvent.After, cdcEvent.Before} {
		if row == nil {
			continue
		}
		if id, ok := numericColumn(row, col); ok {
			return id, nil
		}
	}
	return 0, fmt.Errorf("missing %q column", col)
}

func rowString(cdcEvent *debezium.CDCEvent, col string) string {
	for _, row := range []map[string]interface{}{cdcEvent.After, cdcEvent.Before} {
		if row == nil {
			continue
		}
		if s, ok := row[col].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// numericColumn reads an integer column; Debezium's JSON decoding hands
// numbers over as float64.
func numericColumn(row map[string]interface{}, col string) (int64, bool) {
	switch v := row[col].(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case json.Number:
		i, err := v.Int64()
		return i, err == nil
	}
	return 0, false
}

// changedColumns diffs before/after by JSON form. A missing 'before' (replica
// identity without full row images) reports every after column as changed.
func changedColumns(before, after map[string]interface{}) []string {
	var changed []string
	for col, newVal := range after {
		oldVal, had := before[col]
		if !had || !jsonEqual(oldVal, newVal) {
			changed = append(changed, col)
		}
	}
	for col := range before {
		if _, still := after[col]; !still {
			changed = append(changed, col)
		}
	}
	return changed
}

func jsonEqual(a, b interface{}) bool {
	aJSON, _ := json.Marshal(a)
	bJSON, _ := json.Marshal(b)
	return string(aJSON) == string(bJSON)
}

// idempotencyKey is stable per (table, row, WAL position) so replayed CDC
// batches dedupe downstream.
func idempotencyKey(table, fullname string, lsn int64) string {
	sum := md5.Sum([]byte(fmt.Sprintf("%s:%s:%d", table, fullname, lsn)))
	return hex.EncodeToString(sum[:])
}
