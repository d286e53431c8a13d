package store

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// Item is anything addressable by fullname and sortable by column: things
// and relations both implement it. Queries and the merge cursor operate on
// Items.
type Item interface {
	FullName() string
	ItemID() int64
	SortValue(col string) any
}

// Thing is a mutable, dirty-tracked, lazily loaded persisted object. Base
// fields live as real columns in the backing store; everything else is a
// dynamic prop in the data table, loaded on demand.
type Thing struct {
	store *Store
	kind  *Kind

	ID      int64
	Ups     int64
	Downs   int64
	Date    time.Time
	Deleted bool
	Spam    bool

	props   map[string]any
	dirty   dirtyMap
	loaded  bool
	created bool
}

// NewThing constructs an in-memory, not yet persisted thing of the given
// kind. It gains an id on the first Commit.
func (s *Store) NewThing(kindName string) (*Thing, error) {
	kind, ok := s.registry.Kind(kindName)
	if !ok || kind.IsRel() {
		return nil, fmt.Errorf("unknown thing kind %q", kindName)
	}
	return &Thing{
		store:  s,
		kind:   kind,
		Date:   now(),
		props:  map[string]any{},
		dirty:  dirtyMap{},
		loaded: true,
	}, nil
}

func (t *Thing) Kind() *Kind { return t.kind }

func (t *Thing) FullName() string { return FullName(t.kind, t.ID) }

func (t *Thing) ItemID() int64 { return t.ID }

// Dirty reports whether the thing has uncommitted mutations.
func (t *Thing) Dirty() bool { return len(t.dirty) > 0 }

// Created reports whether the thing has been assigned an id.
func (t *Thing) Created() bool { return t.created }

// Loaded reports whether the dynamic props have been fetched.
func (t *Thing) Loaded() bool { return t.loaded }

func (t *Thing) SetUps(v int64)    { t.setBase("ups", t.Ups, v); t.Ups = v }
func (t *Thing) SetDowns(v int64)  { t.setBase("downs", t.Downs, v); t.Downs = v }
func (t *Thing) SetDeleted(v bool) { t.setBase("deleted", t.Deleted, v); t.Deleted = v }
func (t *Thing) SetSpam(v bool)    { t.setBase("spam", t.Spam, v); t.Spam = v }

func (t *Thing) setBase(field string, old, v any) {
	t.dirty.mark(field, old, v)
}

// Prop returns a dynamic prop, falling back to the kind's registered default.
func (t *Thing) Prop(name string) (any, bool) {
	if v, ok := t.props[name]; ok {
		return v, true
	}
	return t.kind.Default(name)
}

// SetProp records a dynamic prop mutation for the next Commit.
func (t *Thing) SetProp(name string, v any) {
	old, _ := t.Prop(name)
	t.props[name] = v
	t.dirty.mark(name, old, v)
}

// Props returns a copy of the loaded dynamic props.
func (t *Thing) Props() map[string]any {
	props := make(map[string]any, len(t.props))
	for k, v := range t.props {
		props[k] = v
	}
	return props
}


// setAny applies a value to a base field or prop by name, re-recording dirt.
// Used when replaying changes during a sync-latest merge.
func (t *Thing) setAny(field string, v any) {
	switch field {
	case "ups":
		n, _ := asInt64(v)
		t.SetUps(n)
	case "downs":
		n, _ := asInt64(v)
		t.SetDowns(n)
	case "deleted":
		t.SetDeleted(v == true)
	case "spam":
		t.SetSpam(v == true)
	default:
		t.SetProp(field, v)
	}
}

// SortValue resolves a sort column against base fields first, then props.
func (t *Thing) SortValue(col string) any {
	switch col {
	case "ups":
		return t.Ups
	case "downs":
		return t.Downs
	case "date":
		return t.Date
	case "deleted":
		return t.Deleted
	case "spam":
		return t.Spam
	}
	v, _ := t.Prop(col)
	return v
}

// Commit flushes the dirty set. If keys are given, only those fields are
// flushed and the rest stay dirty. An uncreated thing is created first. Base
// and dynamic writes go through one backing-store transaction; on failure the
// transaction rolls back and the dirty set is preserved so the caller can
// retry the same commit.
func (t *Thing) Commit(ctx context.Context, keys ...string) error {
	justCreated := false
	if !t.created {
		if err := t.create(ctx); err != nil {
			return err
		}
		justCreated = true
	}

	guard, err := t.store.locks.Acquire(ctx, "commit:"+t.FullName())
	if err != nil {
		return err
	}
	defer guard.Release(ctx)

	return t.commitLocked(ctx, keys, justCreated)
}

// commitLocked is the body of Commit, also entered by Incr's slow path which
// already holds the commit lock.
func (t *Thing) commitLocked(ctx context.Context, keys []string, justCreated bool) error {
	if !justCreated {
		// merge with whatever another writer committed since our last refresh
		if stillDirty := t.syncLatest(ctx); !stillDirty {
			return t.recache(ctx)
		}
	}

	toSet := t.dirty.subset(keys)
	baseFields := map[string]any{}
	dataProps := map[string]any{}
	for field, ch := range toSet {
		if thingBaseProps[field] {
			baseFields[field] = ch.new
		} else {
			dataProps[field] = ch.new
		}
	}

	if len(baseFields) > 0 || len(dataProps) > 0 {
		tx, err := t.store.backend.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin commit of %s: %w", t.FullName(), err)
		}

		if len(baseFields) > 0 {
			if err := tx.SetThingFields(ctx, t.kind.TypeID, t.ID, baseFields); err != nil {
				_ = tx.Rollback(ctx)
				return fmt.Errorf("commit %s base fields: %w", t.FullName(), err)
			}
		}
		if len(dataProps) > 0 {
			if err := tx.SetData(ctx, t.kind.TypeID, t.kind.IsRel(), t.ID, justCreated, dataProps); err != nil {
				_ = tx.Rollback(ctx)
				return fmt.Errorf("commit %s props: %w", t.FullName(), err)
			}
		}
		if err := tx.Commit(ctx); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("commit %s: %w", t.FullName(), err)
		}
	}

	changed := make([]string, 0, len(toSet))
	for field := range toSet {
		delete(t.dirty, field)
		changed = append(changed, field)
	}

	if err := t.recache(ctx); err != nil {
		t.store.logger.Warn("recache after commit failed",
			"fullname", t.FullName(), "error", err)
	}

	if len(changed) > 0 {
		t.store.notifyCommitted(ctx, CommitEvent{
			FullName: t.FullName(),
			Kind:     t.kind.Name,
			ID:       t.ID,
			Changed:  changed,
		})
	}
	return nil
}

// create allocates the id and persists the base fields. Dynamic props stay
// dirty and flush with the surrounding commit.
func (t *Thing) create(ctx context.Context) error {
	id, err := t.store.backend.CreateThing(ctx, t.kind.TypeID, BaseFields{
		Ups:     t.Ups,
		Downs:   t.Downs,
		Date:    t.Date,
		Deleted: t.Deleted,
		Spam:    t.Spam,
	})
	if err != nil {
		return fmt.Errorf("create %s: %w", t.kind.Name, err)
	}
	t.ID = id
	t.created = true
	// base fields are persisted; only props remain dirty
	for field := range t.dirty {
		if thingBaseProps[field] {
			delete(t.dirty, field)
		}
	}
	return nil
}

// syncLatest refreshes this object from the most recent known-committed copy
// in the cache and replays its own dirty changes on top. Two concurrent
// mutators of disjoint fields both keep their changes; for the same field the
// last writer into the commit critical section wins. Reports whether the
// thing remains dirty after the merge.
func (t *Thing) syncLatest(ctx context.Context) bool {
	value, found, err := t.store.cache.Get(ctx, thingKey(t.kind, t.ID))
	if err != nil {
		t.store.logger.Warn("sync_latest cache read failed",
			"fullname", t.FullName(), "error", err)
		return t.Dirty()
	}
	if !found || value == tombstone {
		return t.Dirty()
	}

	rec, err := decodeRecord(value)
	if err != nil || rec.ID != t.ID {
		return t.Dirty()
	}

	replay := t.dirty
	t.dirty = dirtyMap{}
	t.applyRecord(rec)
	for field, ch := range replay {
		t.setAny(field, ch.new)
	}
	return t.Dirty()
}

func (t *Thing) applyRecord(rec cachedRecord) {
	t.Ups = rec.Ups
	t.Downs = rec.Downs
	t.Date = rec.Date
	t.Deleted = rec.Deleted
	t.Spam = rec.Spam
	if rec.Loaded {
		t.props = rec.Props
		if t.props == nil {
			t.props = map[string]any{}
		}
		t.loaded = true
	}
}

func (t *Thing) record() cachedRecord {
	return cachedRecord{
		ID:      t.ID,
		Ups:     t.Ups,
		Downs:   t.Downs,
		Date:    t.Date,
		Deleted: t.Deleted,
		Spam:    t.Spam,
		Props:   t.props,
		Loaded:  t.loaded,
	}
}

func (t *Thing) recache(ctx context.Context) error {
	value, err := encodeRecord(t.record())
	if err != nil {
		return err
	}
	return t.store.cache.Set(ctx, thingKey(t.kind, t.ID), value, t.store.cacheTTL)
}

// Incr atomically increments an incrementable field. The thing must be clean:
// increments start from a synced copy, not from half-applied local state.
func (t *Thing) Incr(ctx context.Context, prop string, amount int64) error {
	if t.Dirty() {
		return fmt.Errorf("incr %q on dirty %s: %w", prop, t.FullName(), ErrInvalidOperation)
	}
	if !t.kind.incrementable(prop) {
		return fmt.Errorf("prop %q of %s is not incrementable: %w", prop, t.kind.Name, ErrInvalidOperation)
	}

	guard, err := t.store.locks.Acquire(ctx, "commit:"+t.FullName())
	if err != nil {
		return err
	}
	defer guard.Release(ctx)

	t.syncLatest(ctx)

	key := counterKey(t.kind, prop, t.ID)
	cachedVal, cacheHit, err := t.store.cache.Get(ctx, key)
	if err != nil {
		cacheHit = false
	}

	var old int64
	if cacheHit {
		old, _ = strconv.ParseInt(cachedVal, 10, 64)
	} else {
		old = t.intValue(prop)
	}

	isBase := prop == "ups" || prop == "downs"
	if def, hasDef := t.kind.Default(prop); !isBase && hasDef {
		if defInt, ok := asInt64(def); ok && defInt == old {
			// Value still equals the declared default: the data row may not
			// exist yet, so fall back to the dirty/commit path. Known narrow
			// race when the same prop is incremented from its default twice
			// at once.
			t.SetProp(prop, old+amount)
			if err := t.commitLocked(ctx, []string{prop}, false); err != nil {
				return err
			}
			return t.setCounter(ctx, key, cacheHit, amount, prop)
		}
	}

	if isBase {
		err = t.store.backend.IncrThingField(ctx, t.kind.TypeID, t.ID, prop, amount)
	} else {
		err = t.store.backend.IncrData(ctx, t.kind.TypeID, t.kind.IsRel(), t.ID, prop, amount)
	}
	if err != nil {
		return fmt.Errorf("incr %q on %s: %w", prop, t.FullName(), err)
	}

	t.applyIncr(prop, old+amount)
	if err := t.recache(ctx); err != nil {
		t.store.logger.Warn("recache after incr failed",
			"fullname", t.FullName(), "error", err)
	}
	return t.setCounter(ctx, key, cacheHit, amount, prop)
}

func (t *Thing) setCounter(ctx context.Context, key string, cacheHit bool, amount int64, prop string) error {
	var err error
	if cacheHit {
		_, err = t.store.cache.Incr(ctx, key, amount)
	} else {
		err = t.store.cache.Set(ctx, key, strconv.FormatInt(t.intValue(prop), 10), t.store.cacheTTL)
	}
	if err != nil {
		t.store.logger.Warn("counter cache update failed", "key", key, "error", err)
	}
	return nil
}

// applyIncr updates the in-memory value without touching the dirty set; the
// backing store has already applied the increment.
func (t *Thing) applyIncr(prop string, v int64) {
	switch prop {
	case "ups":
		t.Ups = v
	case "downs":
		t.Downs = v
	default:
		t.props[prop] = v
	}
}

func (t *Thing) intValue(prop string) int64 {
	switch prop {
	case "ups":
		return t.Ups
	case "downs":
		return t.Downs
	}
	v, _ := t.Prop(prop)
	n, _ := asInt64(v)
	return n
}

// LoadOpts control batch loading.
type LoadOpts struct {
	// Data also fetches the dynamic prop map for returned objects.
	Data bool
	// AllowMissing omits unknown ids from the result instead of failing
	// with ErrNotFound.
	AllowMissing bool
}

// ByID batch-fetches things of one kind through the cache-aside loader.
// Cached entries whose embedded id does not match the requested id
// (doppelgangers, a symptom of cache corruption) are discarded and recomputed
// from the backing store.
func (s *Store) ByID(ctx context.Context, kindName string, ids []int64, opts LoadOpts) (map[int64]*Thing, error) {
	kind, ok := s.registry.Kind(kindName)
	if !ok || kind.IsRel() {
		return nil, fmt.Errorf("unknown thing kind %q", kindName)
	}

	ids = dedupeIDs(ids)
	keys := make([]string, len(ids))
	keyToID := make(map[string]int64, len(ids))
	for i, id := range ids {
		keys[i] = thingKey(kind, id)
		keyToID[keys[i]] = id
	}

	miss := func(ctx context.Context, missing []string) (map[string]string, error) {
		missIDs := make([]int64, 0, len(missing))
		for _, k := range missing {
			missIDs = append(missIDs, keyToID[k])
		}
		return s.fetchThings(ctx, kind, missIDs)
	}

	resolved, err := s.safeGetMulti(ctx, kind.Name, keys, miss)
	if err != nil {
		return nil, err
	}

	things := make(map[int64]*Thing, len(ids))
	var missing []int64
	var doppelgangers []int64
	for _, id := range ids {
		value, ok := resolved[thingKey(kind, id)]
		if !ok || value == tombstone {
			missing = append(missing, id)
			continue
		}
		rec, err := decodeRecord(value)
		if err != nil || rec.ID != id {
			doppelgangers = append(doppelgangers, id)
			continue
		}
		things[id] = s.buildThing(kind, rec)
	}

	if len(doppelgangers) > 0 {
		s.logger.Warn("discarding doppelganger cache entries",
			"kind", kind.Name, "ids", doppelgangers)
		fresh, err := s.fetchThings(ctx, kind, doppelgangers)
		if err != nil {
			return nil, err
		}
		if err := s.cache.SetMulti(ctx, fresh, s.cacheTTL); err != nil {
			s.logger.Warn("doppelganger recache failed", "kind", kind.Name, "error", err)
		}
		for _, id := range doppelgangers {
			value, ok := fresh[thingKey(kind, id)]
			if !ok {
				missing = append(missing, id)
				continue
			}
			rec, err := decodeRecord(value)
			if err != nil {
				return nil, err
			}
			things[id] = s.buildThing(kind, rec)
		}
	}

	if len(missing) > 0 && !opts.AllowMissing {
		return nil, &NotFoundError{Kind: kind.Name, IDs: missing}
	}

	if opts.Data {
		if err := s.loadData(ctx, kind, unloadedThings(things)); err != nil {
			return nil, err
		}
	}
	return things, nil
}

// fetchThings reads base fields from the backing store and returns encoded
// cache records. It also primes the per-field counter keys for the base vote
// counters so Incr can use the cache fast path.
func (s *Store) fetchThings(ctx context.Context, kind *Kind, ids []int64) (map[string]string, error) {
	bases, err := s.backend.GetThings(ctx, kind.TypeID, ids)
	if err != nil {
		return nil, fmt.Errorf("fetch %s %v: %w", kind.Name, ids, err)
	}

	encoded := make(map[string]string, len(bases))
	counters := make(map[string]string, len(bases)*2)
	for id, fields := range bases {
		value, err := encodeRecord(cachedRecord{
			ID:      id,
			Ups:     fields.Ups,
			Downs:   fields.Downs,
			Date:    fields.Date,
			Deleted: fields.Deleted,
			Spam:    fields.Spam,
		})
		if err != nil {
			return nil, err
		}
		encoded[thingKey(kind, id)] = value
		counters[counterKey(kind, "ups", id)] = strconv.FormatInt(fields.Ups, 10)
		counters[counterKey(kind, "downs", id)] = strconv.FormatInt(fields.Downs, 10)
	}

	if len(counters) > 0 {
		if err := s.cache.SetMulti(ctx, counters, s.cacheTTL); err != nil {
			s.logger.Warn("counter priming failed", "kind", kind.Name, "error", err)
		}
	}
	return encoded, nil
}

func (s *Store) buildThing(kind *Kind, rec cachedRecord) *Thing {
	t := &Thing{
		store:   s,
		kind:    kind,
		ID:      rec.ID,
		props:   map[string]any{},
		dirty:   dirtyMap{},
		created: true,
	}
	t.applyRecord(rec)
	return t
}

func unloadedThings(things map[int64]*Thing) []*Thing {
	var need []*Thing
	for _, t := range things {
		if !t.loaded {
			need = append(need, t)
		}
	}
	return need
}

// loadData batch-fetches dynamic props for things that have not loaded them
// yet, re-caches the now-complete objects, and primes counter keys for
// registered incrementable props.
func (s *Store) loadData(ctx context.Context, kind *Kind, need []*Thing) error {
	if len(need) == 0 {
		return nil
	}

	ids := make([]int64, len(need))
	for i, t := range need {
		ids[i] = t.ID
	}
	datas, err := s.backend.GetData(ctx, kind.TypeID, kind.IsRel(), ids)
	if err != nil {
		return fmt.Errorf("load %s data: %w", kind.Name, err)
	}

	recache := make(map[string]string, len(need))
	for _, t := range need {
		if props, ok := datas[t.ID]; ok {
			t.props = normalizeProps(props)
		}
		t.loaded = true

		value, err := encodeRecord(t.record())
		if err != nil {
			return err
		}
		recache[thingKey(kind, t.ID)] = value

		for prop := range kind.IncrProps {
			if v, ok := t.props[prop]; ok {
				if n, isInt := asInt64(v); isInt {
					recache[counterKey(kind, prop, t.ID)] = strconv.FormatInt(n, 10)
				}
			}
		}
	}

	if err := s.cache.SetMulti(ctx, recache, s.cacheTTL); err != nil {
		s.logger.Warn("recache after data load failed", "kind", kind.Name, "error", err)
	}
	return nil
}

// ByFullname decodes each fullname, groups ids by kind, delegates to the
// per-kind batch loaders, and reassembles the results in input order.
func (s *Store) ByFullname(ctx context.Context, names []string, opts LoadOpts) ([]Item, error) {
	type target struct {
		kind *Kind
		id   int64
	}

	lookup := make(map[string]target, len(names))
	thingIDs := map[*Kind][]int64{}
	relIDs := map[*Kind][]int64{}
	for _, name := range names {
		d, err := DecodeFullName(name, s.registry.MinID, s.registry.MaxID)
		if err != nil {
			return nil, err
		}
		var kind *Kind
		var ok bool
		if d.Rel {
			kind, ok = s.registry.RelKind(d.TypeID)
		} else {
			kind, ok = s.registry.ThingKind(d.TypeID)
		}
		if !ok {
			return nil, fmt.Errorf("fullname %q: unregistered type %d: %w",
				name, d.TypeID, ErrInvalidIdentity)
		}
		lookup[name] = target{kind: kind, id: d.ID}
		if d.Rel {
			relIDs[kind] = append(relIDs[kind], d.ID)
		} else {
			thingIDs[kind] = append(thingIDs[kind], d.ID)
		}
	}

	found := make(map[string]Item, len(names))
	for kind, ids := range thingIDs {
		things, err := s.ByID(ctx, kind.Name, ids, LoadOpts{Data: opts.Data, AllowMissing: true})
		if err != nil {
			return nil, err
		}
		for id, t := range things {
			found[FullName(kind, id)] = t
		}
	}
	for kind, ids := range relIDs {
		rels, err := s.RelByID(ctx, kind.Name, ids, LoadOpts{Data: opts.Data, AllowMissing: true})
		if err != nil {
			return nil, err
		}
		for id, r := range rels {
			found[FullName(kind, id)] = r
		}
	}

	items := make([]Item, 0, len(names))
	var missing []int64
	for _, name := range names {
		if item, ok := found[name]; ok {
			items = append(items, item)
		} else {
			missing = append(missing, lookup[name].id)
		}
	}
	if len(missing) > 0 && !opts.AllowMissing {
		return nil, &NotFoundError{Kind: "fullname", IDs: missing}
	}
	return items, nil
}

func dedupeIDs(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
