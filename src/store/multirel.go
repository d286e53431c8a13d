package store

import (
	"context"
	"fmt"
)

// MultiRel groups relation kinds that share a name but span different
// endpoint kind pairs (e.g. "saved" between account→link and account→comment)
// behind one dispatch table. It replaces the source system's dynamically
// synthesized relation subclasses with an explicit table keyed by the pair of
// endpoint kinds.
type MultiRel struct {
	store *Store
	name  string
	rels  map[[2]string]*Kind
}

// NewMultiRel builds a dispatch table over already registered relation kinds.
// Each (endpoint kind, endpoint kind) pair may appear at most once.
func (s *Store) NewMultiRel(name string, kinds ...*Kind) (*MultiRel, error) {
	m := &MultiRel{
		store: s,
		name:  name,
		rels:  make(map[[2]string]*Kind, len(kinds)),
	}
	for _, kind := range kinds {
		if kind == nil || !kind.IsRel() {
			return nil, fmt.Errorf("multirel %q: member must be a relation kind", name)
		}
		key := [2]string{kind.Kind1.Name, kind.Kind2.Name}
		if _, dup := m.rels[key]; dup {
			return nil, fmt.Errorf("multirel %q: duplicate endpoint pair (%s, %s)",
				name, key[0], key[1])
		}
		m.rels[key] = kind
	}
	return m, nil
}

// Rel resolves the member relation kind for an endpoint kind pair.
func (m *MultiRel) Rel(kind1, kind2 *Kind) (*Kind, bool) {
	k, ok := m.rels[[2]string{kind1.Name, kind2.Name}]
	return k, ok
}

// New dispatches to the member kind matching the endpoints' kinds.
func (m *MultiRel) New(thing1, thing2 *Thing, relName string) (*Rel, error) {
	kind, ok := m.Rel(thing1.kind, thing2.kind)
	if !ok {
		return nil, fmt.Errorf("multirel %q: no relation for (%s, %s)",
			m.name, thing1.kind.Name, thing2.kind.Name)
	}
	return m.store.NewRel(kind.Name, thing1, thing2, relName)
}

// FastQuery partitions the endpoint sets by kind, fans the lookup out to
// every member whose pair is represented, and merges the results.
func (m *MultiRel) FastQuery(ctx context.Context, thing1s, thing2s []*Thing, names []string, opts FastQueryOpts) (map[RelKey]*Rel, error) {
	byKind1 := map[string][]*Thing{}
	for _, t := range thing1s {
		byKind1[t.kind.Name] = append(byKind1[t.kind.Name], t)
	}
	byKind2 := map[string][]*Thing{}
	for _, t := range thing2s {
		byKind2[t.kind.Name] = append(byKind2[t.kind.Name], t)
	}

	result := map[RelKey]*Rel{}
	for pair, kind := range m.rels {
		t1s, ok1 := byKind1[pair[0]]
		t2s, ok2 := byKind2[pair[1]]
		if !ok1 || !ok2 {
			continue
		}
		part, err := m.store.FastQuery(ctx, kind.Name, t1s, t2s, names, opts)
		if err != nil {
			return nil, err
		}
		for key, rel := range part {
			result[key] = rel
		}
	}
	return result, nil
}

// Cursor runs one query per member kind under a shared sort spec and merges
// the streams.
func (m *MultiRel) Cursor(rules []Rule, sorts []Sort, limit int) (*MergeCursor, error) {
	cursors := make([]Cursor, 0, len(m.rels))
	var effective []Sort
	for _, kind := range m.rels {
		q, err := m.store.Rels(kind.Name, rules...)
		if err != nil {
			return nil, err
		}
		q.Sort(sorts...).Limit(limit)
		effective = q.sorts
		cursors = append(cursors, q.Cursor())
	}
	return NewMergeCursor(cursors, effective), nil
}
