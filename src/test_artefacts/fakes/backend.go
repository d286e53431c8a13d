package fakes

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"thingstore/src/store"
)

type relNaturalKey struct {
	thing1ID int64
	thing2ID int64
	name     string
}

type dataSpace struct {
	typeID int
	rel    bool
}

// MemBackend is an in-memory store.Backend for tests. It honors the same
// contracts as the SQL backend: atomic id allocation, the relation
// natural-key uniqueness constraint, and filter/sort evaluation for finds.
type MemBackend struct {
	mu sync.Mutex

	things map[int]map[int64]store.BaseFields
	rels   map[int]map[int64]store.RelFields
	relNat map[int]map[relNaturalKey]int64
	data   map[dataSpace]map[int64]map[string]any

	nextID int64

	// Calls counts backend round trips per method name, for asserting that
	// cached paths skip the backing store.
	Calls map[string]int
}

func NewMemBackend() *MemBackend {
	return &MemBackend{
		things: map[int]map[int64]store.BaseFields{},
		rels:   map[int]map[int64]store.RelFields{},
		relNat: map[int]map[relNaturalKey]int64{},
		data:   map[dataSpace]map[int64]map[string]any{},
		nextID: 0,
		Calls:  map[string]int{},
	}
}

func (b *MemBackend) count(method string) {
	b.Calls[method]++
}

func (b *MemBackend) CreateThing(ctx context.Context, typeID int, fields store.BaseFields) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.count("CreateThing")

	if b.things[typeID] == nil {
		b.things[typeID] = map[int64]store.BaseFields{}
	}
	b.nextID++
	b.things[typeID][b.nextID] = fields
	return b.nextID, nil
}

func (b *MemBackend) CreateRel(ctx context.Context, typeID int, fields store.RelFields) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.count("CreateRel")

	if b.rels[typeID] == nil {
		b.rels[typeID] = map[int64]store.RelFields{}
		b.relNat[typeID] = map[relNaturalKey]int64{}
	}

	nat := relNaturalKey{fields.Thing1ID, fields.Thing2ID, fields.Name}
	if _, exists := b.relNat[typeID][nat]; exists {
		return 0, fmt.Errorf("duplicate (%d, %d, %s): %w",
			fields.Thing1ID, fields.Thing2ID, fields.Name, store.ErrCreation)
	}

	b.nextID++
	b.rels[typeID][b.nextID] = fields
	b.relNat[typeID][nat] = b.nextID
	return b.nextID, nil
}

func (b *MemBackend) GetThings(ctx context.Context, typeID int, ids []int64) (map[int64]store.BaseFields, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.count("GetThings")

	result := map[int64]store.BaseFields{}
	for _, id := range ids {
		if fields, ok := b.things[typeID][id]; ok {
			result[id] = fields
		}
	}
	return result, nil
}

func (b *MemBackend) GetRels(ctx context.Context, typeID int, ids []int64) (map[int64]store.RelFields, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.count("GetRels")

	result := map[int64]store.RelFields{}
	for _, id := range ids {
		if fields, ok := b.rels[typeID][id]; ok {
			result[id] = fields
		}
	}
	return result, nil
}

func (b *MemBackend) GetData(ctx context.Context, typeID int, rel bool, ids []int64) (map[int64]map[string]any, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.count("GetData")

	space := b.data[dataSpace{typeID, rel}]
	result := map[int64]map[string]any{}
	for _, id := range ids {
		if props, ok := space[id]; ok {
			copied := map[string]any{}
			for k, v := range props {
				copied[k] = v
			}
			result[id] = copied
		}
	}
	return result, nil
}

func (b *MemBackend) IncrThingField(ctx context.Context, typeID int, id int64, field string, amount int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.count("IncrThingField")

	fields, ok := b.things[typeID][id]
	if !ok {
		return fmt.Errorf("thing %d/%d not found", typeID, id)
	}
	switch field {
	case "ups":
		fields.Ups += amount
	case "downs":
		fields.Downs += amount
	default:
		return fmt.Errorf("field %q is not an increment column", field)
	}
	b.things[typeID][id] = fields
	return nil
}

func (b *MemBackend) IncrData(ctx context.Context, typeID int, rel bool, id int64, prop string, amount int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.count("IncrData")

	space := dataSpace{typeID, rel}
	if b.data[space] == nil {
		b.data[space] = map[int64]map[string]any{}
	}
	if b.data[space][id] == nil {
		b.data[space][id] = map[string]any{}
	}
	current, _ := toInt64(b.data[space][id][prop])
	b.data[space][id][prop] = current + amount
	return nil
}

func (b *MemBackend) FindThings(ctx context.Context, typeID int, filter store.Filter, sorts []store.Sort, limit, offset int) ([]int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.count("FindThings")

	var ids []int64
	for id, fields := range b.things[typeID] {
		row := map[string]any{
			"id": id, "ups": fields.Ups, "downs": fields.Downs,
			"date": fields.Date, "deleted": fields.Deleted, "spam": fields.Spam,
		}
		b.mergeData(row, typeID, false, id)
		if matchFilter(row, filter) {
			ids = append(ids, id)
		}
	}
	b.sortIDs(ids, typeID, false, sorts)
	return window(ids, limit, offset), nil
}

func (b *MemBackend) FindRels(ctx context.Context, typeID int, filter store.Filter, sorts []store.Sort, limit, offset int) ([]int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.count("FindRels")

	var ids []int64
	for id, fields := range b.rels[typeID] {
		row := map[string]any{
			"id": id, "thing1_id": fields.Thing1ID, "thing2_id": fields.Thing2ID,
			"name": fields.Name, "date": fields.Date,
		}
		b.mergeData(row, typeID, true, id)
		if matchFilter(row, filter) {
			ids = append(ids, id)
		}
	}
	b.sortIDs(ids, typeID, true, sorts)
	return window(ids, limit, offset), nil
}

func (b *MemBackend) DeleteRel(ctx context.Context, typeID int, id int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.count("DeleteRel")

	fields, ok := b.rels[typeID][id]
	if !ok {
		return nil
	}
	delete(b.rels[typeID], id)
	delete(b.relNat[typeID], relNaturalKey{fields.Thing1ID, fields.Thing2ID, fields.Name})
	delete(b.data[dataSpace{typeID, true}], id)
	return nil
}

// RemoveThing drops a row out from under any cached references to it, for
// exercising dangling-fullname handling. Not part of store.Backend.
func (b *MemBackend) RemoveThing(typeID int, id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.things[typeID], id)
	delete(b.data[dataSpace{typeID, false}], id)
}

func (b *MemBackend) Begin(ctx context.Context) (store.Tx, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.count("Begin")
	return &memTx{backend: b}, nil
}

func (b *MemBackend) mergeData(row map[string]any, typeID int, rel bool, id int64) {
	for k, v := range b.data[dataSpace{typeID, rel}][id] {
		row[k] = v
	}
}

func (b *MemBackend) rowValue(typeID int, rel bool, id int64, col string) any {
	if rel {
		fields := b.rels[typeID][id]
		switch col {
		case "id":
			return id
		case "thing1_id":
			return fields.Thing1ID
		case "thing2_id":
			return fields.Thing2ID
		case "name":
			return fields.Name
		case "date":
			return fields.Date
		}
	} else {
		fields := b.things[typeID][id]
		switch col {
		case "id":
			return id
		case "ups":
			return fields.Ups
		case "downs":
			return fields.Downs
		case "date":
			return fields.Date
		case "deleted":
			return fields.Deleted
		case "spam":
			return fields.Spam
		}
	}
	return b.data[dataSpace{typeID, rel}][id][col]
}

func (b *MemBackend) sortIDs(ids []int64, typeID int, rel bool, sorts []store.Sort) {
	sort.Slice(ids, func(i, j int) bool {
		for _, s := range sorts {
			vi := b.rowValue(typeID, rel, ids[i], s.Col)
			vj := b.rowValue(typeID, rel, ids[j], s.Col)
			c := compareAny(vi, vj)
			if c == 0 {
				continue
			}
			if s.Desc {
				return c > 0
			}
			return c < 0
		}
		return ids[i] < ids[j]
	})
}

// memTx applies writes immediately; the fake offers no rollback isolation,
// which the optimistic commit path never relies on in tests.
type memTx struct {
	backend *MemBackend
}

func (t *memTx) SetThingFields(ctx context.Context, typeID int, id int64, fields map[string]any) error {
	b := t.backend
	b.mu.Lock()
	defer b.mu.Unlock()

	row, ok := b.things[typeID][id]
	if !ok {
		return fmt.Errorf("thing %d/%d not found", typeID, id)
	}
	for col, v := range fields {
		switch col {
		case "ups":
			row.Ups, _ = toInt64(v)
		case "downs":
			row.Downs, _ = toInt64(v)
		case "date":
			row.Date = v.(time.Time)
		case "deleted":
			row.Deleted = v == true
		case "spam":
			row.Spam = v == true
		default:
			return fmt.Errorf("unknown thing column %q", col)
		}
	}
	b.things[typeID][id] = row
	return nil
}

func (t *memTx) SetRelFields(ctx context.Context, typeID int, id int64, fields map[string]any) error {
	b := t.backend
	b.mu.Lock()
	defer b.mu.Unlock()

	row, ok := b.rels[typeID][id]
	if !ok {
		return fmt.Errorf("rel %d/%d not found", typeID, id)
	}
	for col, v := range fields {
		switch col {
		case "name":
			row.Name = v.(string)
		case "date":
			row.Date = v.(time.Time)
		default:
			return fmt.Errorf("unknown rel column %q", col)
		}
	}
	b.rels[typeID][id] = row
	return nil
}

func (t *memTx) SetData(ctx context.Context, typeID int, rel bool, id int64, create bool, props map[string]any) error {
	b := t.backend
	b.mu.Lock()
	defer b.mu.Unlock()

	space := dataSpace{typeID, rel}
	if b.data[space] == nil {
		b.data[space] = map[int64]map[string]any{}
	}
	if b.data[space][id] == nil {
		b.data[space][id] = map[string]any{}
	}
	for k, v := range props {
		b.data[space][id][k] = v
	}
	return nil
}

func (t *memTx) Commit(ctx context.Context) error   { return nil }
func (t *memTx) Rollback(ctx context.Context) error { return nil }

func matchFilter(row map[string]any, filter store.Filter) bool {
	for _, rule := range filter.All {
		if !matchRule(row, rule) {
			return false
		}
	}
	if len(filter.Any) == 0 {
		return true
	}
	for _, ands := range filter.Any {
		ok := true
		for _, rule := range ands {
			if !matchRule(row, rule) {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}

func matchRule(row map[string]any, rule store.Rule) bool {
	value, present := row[rule.Col]
	if !present {
		return false
	}

	if rule.Op == store.OpIn {
		switch wanted := rule.Val.(type) {
		case []int64:
			got, ok := toInt64(value)
			if !ok {
				return false
			}
			for _, w := range wanted {
				if got == w {
					return true
				}
			}
		case []string:
			for _, w := range wanted {
				if value == w {
					return true
				}
			}
		}
		return false
	}

	c := compareAny(value, rule.Val)
	switch rule.Op {
	case store.OpEq:
		return c == 0
	case store.OpNe:
		return c != 0
	case store.OpLt:
		return c < 0
	case store.OpLte:
		return c <= 0
	case store.OpGt:
		return c > 0
	case store.OpGte:
		return c >= 0
	}
	return false
}

func compareAny(a, b any) int {
	if at, ok := a.(time.Time); ok {
		if bt, ok := b.(time.Time); ok {
			return at.Compare(bt)
		}
	}
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			}
			return 0
		}
	}
	as := fmt.Sprintf("%v", a)
	bs := fmt.Sprintf("%v", b)
	switch {
	case as < bs:
		return -1
	case as > bs:
		return 1
	}
	return 0
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
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
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func window(ids []int64, limit, offset int) []int64 {
	if offset > 0 {
		if offset >= len(ids) {
			return nil
		}
		ids = ids[offset:]
	}
	if limit > 0 && limit < len(ids) {
		ids = ids[:limit]
	}
	return ids
}
