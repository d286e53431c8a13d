package store

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// Rel is a directed, named edge between two things: dirty-tracked and cached
// like a thing, with a dedicated fast-lookup cache keyed by the natural
// (thing1, thing2, name) triple.
type Rel struct {
	store *Store
	kind  *Kind

	ID       int64
	Thing1ID int64
	Thing2ID int64
	Name     string
	Date     time.Time

	props   map[string]any
	dirty   dirtyMap
	loaded  bool
	created bool

	// endpoint objects, when known (construction or eager load)
	thing1 *Thing
	thing2 *Thing
}

// NewRel constructs an in-memory relation between two created things. Any
// configured denormalized mirror fields are written onto the endpoints'
// dirty sets immediately; the endpoints are committed as part of Commit.
func (s *Store) NewRel(kindName string, thing1, thing2 *Thing, name string) (*Rel, error) {
	kind, ok := s.registry.Kind(kindName)
	if !ok || !kind.IsRel() {
		return nil, fmt.Errorf("unknown relation kind %q", kindName)
	}
	if thing1 == nil || thing2 == nil || !thing1.created || !thing2.created {
		return nil, fmt.Errorf("relation %q endpoints must be created things: %w",
			kindName, ErrInvalidOperation)
	}
	if thing1.kind != kind.Kind1 || thing2.kind != kind.Kind2 {
		return nil, fmt.Errorf("relation %q endpoints must be (%s, %s), got (%s, %s)",
			kindName, kind.Kind1.Name, kind.Kind2.Name, thing1.kind.Name, thing2.kind.Name)
	}

	r := &Rel{
		store:    s,
		kind:     kind,
		Thing1ID: thing1.ID,
		Thing2ID: thing2.ID,
		Name:     name,
		Date:     now(),
		props:    map[string]any{},
		dirty:    dirtyMap{},
		loaded:   true,
		thing1:   thing1,
		thing2:   thing2,
	}

	denormalize(kind.Denorm1, thing2, thing1)
	denormalize(kind.Denorm2, thing1, thing2)
	return r, nil
}

// denormalize copies src's prop onto dest's dirty set so batch reads of dest
// avoid a join. The surrounding commit flushes it.
func denormalize(d *Denorm, src, dest *Thing) {
	if d == nil {
		return
	}
	v := src.SortValue(d.From)
	dest.SetProp(d.To, v)
}

func (r *Rel) Kind() *Kind { return r.kind }

func (r *Rel) FullName() string { return FullName(r.kind, r.ID) }

func (r *Rel) ItemID() int64 { return r.ID }

func (r *Rel) Dirty() bool { return len(r.dirty) > 0 }

func (r *Rel) Created() bool { return r.created }

// Thing1 returns the thing1 endpoint if it has been attached (construction
// or eager load).
func (r *Rel) Thing1() *Thing { return r.thing1 }

func (r *Rel) Thing2() *Thing { return r.thing2 }

// Prop returns a dynamic prop, falling back to the kind's default.
func (r *Rel) Prop(name string) (any, bool) {
	if v, ok := r.props[name]; ok {
		return v, true
	}
	return r.kind.Default(name)
}

func (r *Rel) SetProp(name string, v any) {
	old, _ := r.Prop(name)
	r.props[name] = v
	r.dirty.mark(name, old, v)
}

// Props returns a copy of the loaded dynamic props.
func (r *Rel) Props() map[string]any {
	props := make(map[string]any, len(r.props))
	for k, v := range r.props {
		props[k] = v
	}
	return props
}

// SortValue resolves a sort column against base fields first, then props.
func (r *Rel) SortValue(col string) any {
	switch col {
	case "thing1_id":
		return r.Thing1ID
	case "thing2_id":
		return r.Thing2ID
	case "name":
		return r.Name
	case "date":
		return r.Date
	}
	v, _ := r.Prop(col)
	return v
}

// Commit flushes the relation, commits the denormalized mirror field (if
// any) on each endpoint, and writes the relation id into the fast-lookup
// cache under its natural key.
func (r *Rel) Commit(ctx context.Context) error {
	justCreated := false
	if !r.created {
		if err := r.create(ctx); err != nil {
			return err
		}
		justCreated = true
	}

	guard, err := r.store.locks.Acquire(ctx, "commit:"+r.FullName())
	if err != nil {
		return err
	}

	err = r.commitLocked(ctx, justCreated)
	guard.Release(ctx)
	if err != nil {
		return err
	}

	// the endpoint commits take their own per-thing locks; this sequence is
	// not atomic as a whole — a crash in between leaves the mirror stale
	// until the next write
	if r.kind.Denorm1 != nil && r.thing1 != nil {
		if err := r.thing1.Commit(ctx, r.kind.Denorm1.To); err != nil {
			return fmt.Errorf("commit denorm on %s: %w", r.thing1.FullName(), err)
		}
	}
	if r.kind.Denorm2 != nil && r.thing2 != nil {
		if err := r.thing2.Commit(ctx, r.kind.Denorm2.To); err != nil {
			return fmt.Errorf("commit denorm on %s: %w", r.thing2.FullName(), err)
		}
	}

	fastKey := fastRelKey(r.kind, r.Thing1ID, r.Thing2ID, r.Name)
	if err := r.store.cache.Set(ctx, fastKey, strconv.FormatInt(r.ID, 10), r.store.cacheTTL); err != nil {
		r.store.logger.Warn("fast-query cache write failed", "key", fastKey, "error", err)
	}
	return nil
}

func (r *Rel) commitLocked(ctx context.Context, justCreated bool) error {
	if !justCreated {
		if stillDirty := r.syncLatest(ctx); !stillDirty {
			return r.recache(ctx)
		}
	}

	toSet := r.dirty.subset(nil)
	var changed []string
	if len(toSet) > 0 {
		props := make(map[string]any, len(toSet))
		for field, ch := range toSet {
			props[field] = ch.new
		}

		tx, err := r.store.backend.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin commit of %s: %w", r.FullName(), err)
		}
		if err := tx.SetData(ctx, r.kind.TypeID, true, r.ID, justCreated, props); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("commit %s props: %w", r.FullName(), err)
		}
		if err := tx.Commit(ctx); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("commit %s: %w", r.FullName(), err)
		}

		for field := range toSet {
			delete(r.dirty, field)
			changed = append(changed, field)
		}
	}

	if err := r.recache(ctx); err != nil {
		r.store.logger.Warn("recache after commit failed",
			"fullname", r.FullName(), "error", err)
	}

	if len(changed) > 0 {
		r.store.notifyCommitted(ctx, CommitEvent{
			FullName: r.FullName(),
			Kind:     r.kind.Name,
			ID:       r.ID,
			Changed:  changed,
		})
	}
	return nil
}

func (r *Rel) create(ctx context.Context) error {
	id, err := r.store.backend.CreateRel(ctx, r.kind.TypeID, RelFields{
		Thing1ID: r.Thing1ID,
		Thing2ID: r.Thing2ID,
		Name:     r.Name,
		Date:     r.Date,
	})
	if err != nil {
		return fmt.Errorf("create %s (%d, %d, %s): %w",
			r.kind.Name, r.Thing1ID, r.Thing2ID, r.Name, err)
	}
	r.ID = id
	r.created = true
	return nil
}

// Delete removes the relation from the backing store, drops the cached
// object, tombstones the fast-lookup entry, and rewrites the in-memory name
// with an "un" prefix so the current call stack observes the removal without
// a re-fetch.
func (r *Rel) Delete(ctx context.Context) error {
	if !r.created {
		return fmt.Errorf("delete unsaved %s relation: %w", r.kind.Name, ErrInvalidOperation)
	}
	if err := r.store.backend.DeleteRel(ctx, r.kind.TypeID, r.ID); err != nil {
		return fmt.Errorf("delete %s: %w", r.FullName(), err)
	}

	fastKey := fastRelKey(r.kind, r.Thing1ID, r.Thing2ID, r.Name)
	if err := r.store.cache.Delete(ctx, thingKey(r.kind, r.ID)); err != nil {
		r.store.logger.Warn("cache delete failed", "fullname", r.FullName(), "error", err)
	}
	if err := r.store.cache.Set(ctx, fastKey, tombstone, r.store.cacheTTL); err != nil {
		r.store.logger.Warn("fast-query tombstone failed", "key", fastKey, "error", err)
	}

	r.Name = "un" + r.Name
	return nil
}

func (r *Rel) syncLatest(ctx context.Context) bool {
	value, found, err := r.store.cache.Get(ctx, thingKey(r.kind, r.ID))
	if err != nil {
		r.store.logger.Warn("sync_latest cache read failed",
			"fullname", r.FullName(), "error", err)
		return r.Dirty()
	}
	if !found || value == tombstone {
		return r.Dirty()
	}

	rec, err := decodeRecord(value)
	if err != nil || rec.ID != r.ID {
		return r.Dirty()
	}

	replay := r.dirty
	r.dirty = dirtyMap{}
	r.applyRecord(rec)
	for field, ch := range replay {
		r.SetProp(field, ch.new)
	}
	return r.Dirty()
}

func (r *Rel) applyRecord(rec cachedRecord) {
	r.Thing1ID = rec.Thing1ID
	r.Thing2ID = rec.Thing2ID
	r.Name = rec.Name
	r.Date = rec.Date
	if rec.Loaded {
		r.props = rec.Props
		if r.props == nil {
			r.props = map[string]any{}
		}
		r.loaded = true
	}
}

func (r *Rel) record() cachedRecord {
	return cachedRecord{
		ID:       r.ID,
		Thing1ID: r.Thing1ID,
		Thing2ID: r.Thing2ID,
		Name:     r.Name,
		Date:     r.Date,
		Props:    r.props,
		Loaded:   r.loaded,
	}
}

func (r *Rel) recache(ctx context.Context) error {
	value, err := encodeRecord(r.record())
	if err != nil {
		return err
	}
	return r.store.cache.Set(ctx, thingKey(r.kind, r.ID), value, r.store.cacheTTL)
}

// RelByID batch-fetches relations of one kind through the cache-aside loader,
// with the same doppelganger handling as ByID.
func (s *Store) RelByID(ctx context.Context, kindName string, ids []int64, opts LoadOpts) (map[int64]*Rel, error) {
	kind, ok := s.registry.Kind(kindName)
	if !ok || !kind.IsRel() {
		return nil, fmt.Errorf("unknown relation kind %q", kindName)
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
		return s.fetchRels(ctx, kind, missIDs)
	}

	resolved, err := s.safeGetMulti(ctx, kind.Name, keys, miss)
	if err != nil {
		return nil, err
	}

	rels := make(map[int64]*Rel, len(ids))
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
		rels[id] = s.buildRel(kind, rec)
	}

	if len(doppelgangers) > 0 {
		s.logger.Warn("discarding doppelganger cache entries",
			"kind", kind.Name, "ids", doppelgangers)
		fresh, err := s.fetchRels(ctx, kind, doppelgangers)
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
			rels[id] = s.buildRel(kind, rec)
		}
	}

	if len(missing) > 0 && !opts.AllowMissing {
		return nil, &NotFoundError{Kind: kind.Name, IDs: missing}
	}

	if opts.Data {
		if err := s.loadRelData(ctx, kind, unloadedRels(rels)); err != nil {
			return nil, err
		}
	}
	return rels, nil
}

func (s *Store) fetchRels(ctx context.Context, kind *Kind, ids []int64) (map[string]string, error) {
	bases, err := s.backend.GetRels(ctx, kind.TypeID, ids)
	if err != nil {
		return nil, fmt.Errorf("fetch %s %v: %w", kind.Name, ids, err)
	}

	encoded := make(map[string]string, len(bases))
	for id, fields := range bases {
		value, err := encodeRecord(cachedRecord{
			ID:       id,
			Thing1ID: fields.Thing1ID,
			Thing2ID: fields.Thing2ID,
			Name:     fields.Name,
			Date:     fields.Date,
		})
		if err != nil {
			return nil, err
		}
		encoded[thingKey(kind, id)] = value
	}
	return encoded, nil
}

func (s *Store) buildRel(kind *Kind, rec cachedRecord) *Rel {
	r := &Rel{
		store:   s,
		kind:    kind,
		ID:      rec.ID,
		props:   map[string]any{},
		dirty:   dirtyMap{},
		created: true,
	}
	r.applyRecord(rec)
	return r
}

func unloadedRels(rels map[int64]*Rel) []*Rel {
	var need []*Rel
	for _, r := range rels {
		if !r.loaded {
			need = append(need, r)
		}
	}
	return need
}

func (s *Store) loadRelData(ctx context.Context, kind *Kind, need []*Rel) error {
	if len(need) == 0 {
		return nil
	}

	ids := make([]int64, len(need))
	for i, r := range need {
		ids[i] = r.ID
	}
	datas, err := s.backend.GetData(ctx, kind.TypeID, true, ids)
	if err != nil {
		return fmt.Errorf("load %s data: %w", kind.Name, err)
	}

	recache := make(map[string]string, len(need))
	for _, r := range need {
		if props, ok := datas[r.ID]; ok {
			r.props = normalizeProps(props)
		}
		r.loaded = true

		value, err := encodeRecord(r.record())
		if err != nil {
			return err
		}
		recache[thingKey(kind, r.ID)] = value
	}

	if err := s.cache.SetMulti(ctx, recache, s.cacheTTL); err != nil {
		s.logger.Warn("recache after data load failed", "kind", kind.Name, "error", err)
	}
	return nil
}

// RelKey is the natural key of a relation: both endpoint ids plus the
// relation name.
type RelKey struct {
	Thing1ID int64
	Thing2ID int64
	Name     string
}

// FastQueryOpts control FastQuery loading behavior.
type FastQueryOpts struct {
	// Data loads the dynamic props of resolved relations.
	Data bool
	// EagerLoadEndpoints bulk-loads the endpoint things and attaches them
	// to the resolved relations.
	EagerLoadEndpoints bool
}

// FastQuery resolves every (thing1, thing2, name) combination of the given
// sets through the dedicated fast-lookup cache. Misses are resolved with one
// backing-store query over the union of ids and names. Absent combinations
// map to nil.
func (s *Store) FastQuery(ctx context.Context, kindName string, thing1s, thing2s []*Thing, names []string, opts FastQueryOpts) (map[RelKey]*Rel, error) {
	kind, ok := s.registry.Kind(kindName)
	if !ok || !kind.IsRel() {
		return nil, fmt.Errorf("unknown relation kind %q", kindName)
	}

	triples := make([]RelKey, 0, len(thing1s)*len(thing2s)*len(names))
	keys := make([]string, 0, cap(triples))
	keyToTriple := map[string]RelKey{}
	for _, t1 := range thing1s {
		for _, t2 := range thing2s {
			for _, name := range names {
				triple := RelKey{Thing1ID: t1.ID, Thing2ID: t2.ID, Name: name}
				key := fastRelKey(kind, triple.Thing1ID, triple.Thing2ID, triple.Name)
				if _, dup := keyToTriple[key]; dup {
					continue
				}
				triples = append(triples, triple)
				keys = append(keys, key)
				keyToTriple[key] = triple
			}
		}
	}

	miss := func(ctx context.Context, missing []string) (map[string]string, error) {
		return s.fastQueryMiss(ctx, kind, missing, keyToTriple)
	}

	resolved, err := s.safeGetMulti(ctx, kind.Name+":fast", keys, miss)
	if err != nil {
		return nil, err
	}

	result := make(map[RelKey]*Rel, len(triples))
	relIDs := make([]int64, 0, len(triples))
	idToTriples := map[int64][]RelKey{}
	for _, triple := range triples {
		key := fastRelKey(kind, triple.Thing1ID, triple.Thing2ID, triple.Name)
		value, ok := resolved[key]
		if !ok || value == tombstone {
			result[triple] = nil
			continue
		}
		id, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			result[triple] = nil
			continue
		}
		relIDs = append(relIDs, id)
		idToTriples[id] = append(idToTriples[id], triple)
	}

	if len(relIDs) > 0 {
		rels, err := s.RelByID(ctx, kindName, relIDs, LoadOpts{Data: opts.Data, AllowMissing: true})
		if err != nil {
			return nil, err
		}
		for id, rel := range rels {
			for _, triple := range idToTriples[id] {
				result[triple] = rel
			}
		}
		if opts.EagerLoadEndpoints {
			if err := s.eagerLoadEndpoints(ctx, kind, rels, opts.Data); err != nil {
				return nil, err
			}
		}
	}
	return result, nil
}

// fastQueryMiss resolves missing natural keys with one relation query
// constrained to the union of thing1 ids, thing2 ids, and names. Keys with
// no matching relation are cached as tombstones.
func (s *Store) fastQueryMiss(ctx context.Context, kind *Kind, missing []string, keyToTriple map[string]RelKey) (map[string]string, error) {
	t1IDs := map[int64]bool{}
	t2IDs := map[int64]bool{}
	nameSet := map[string]bool{}
	for _, key := range missing {
		triple := keyToTriple[key]
		t1IDs[triple.Thing1ID] = true
		t2IDs[triple.Thing2ID] = true
		nameSet[triple.Name] = true
	}

	filter := Filter{All: []Rule{
		{Col: "thing1_id", Op: OpIn, Val: idList(t1IDs)},
		{Col: "thing2_id", Op: OpIn, Val: idList(t2IDs)},
		{Col: "name", Op: OpIn, Val: nameList(nameSet)},
	}}

	ids, err := s.backend.FindRels(ctx, kind.TypeID, filter, nil, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("fast query %s: %w", kind.Name, err)
	}

	found := map[string]string{}
	if len(ids) > 0 {
		rels, err := s.RelByID(ctx, kind.Name, ids, LoadOpts{AllowMissing: true})
		if err != nil {
			return nil, err
		}
		for _, rel := range rels {
			key := fastRelKey(kind, rel.Thing1ID, rel.Thing2ID, rel.Name)
			found[key] = strconv.FormatInt(rel.ID, 10)
		}
	}

	for _, key := range missing {
		if _, ok := found[key]; !ok {
			found[key] = tombstone
		}
	}
	return found, nil
}

// eagerLoadEndpoints bulk-loads both sides of a batch of relations in one
// ByID call per endpoint kind and attaches them.
func (s *Store) eagerLoadEndpoints(ctx context.Context, kind *Kind, rels map[int64]*Rel, data bool) error {
	t1IDs := make([]int64, 0, len(rels))
	t2IDs := make([]int64, 0, len(rels))
	for _, rel := range rels {
		t1IDs = append(t1IDs, rel.Thing1ID)
		t2IDs = append(t2IDs, rel.Thing2ID)
	}

	if kind.Kind1 == kind.Kind2 {
		t1IDs = append(t1IDs, t2IDs...)
	}
	thing1s, err := s.ByID(ctx, kind.Kind1.Name, t1IDs, LoadOpts{Data: data, AllowMissing: true})
	if err != nil {
		return err
	}
	thing2s := thing1s
	if kind.Kind1 != kind.Kind2 {
		thing2s, err = s.ByID(ctx, kind.Kind2.Name, t2IDs, LoadOpts{Data: data, AllowMissing: true})
		if err != nil {
			return err
		}
	}

	for _, rel := range rels {
		rel.thing1 = thing1s[rel.Thing1ID]
		rel.thing2 = thing2s[rel.Thing2ID]
	}
	return nil
}

func idList(set map[int64]bool) []int64 {
	out := make([]int64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

func nameList(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	return out
}
