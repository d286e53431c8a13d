package store

import (
	"context"
	"crypto/md5"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// query is the shared machinery behind ThingQuery and RelQuery: a sortable,
// optionally cached list of fullnames resolved through the backing store.
type query struct {
	store  *Store
	kind   *Kind
	filter Filter
	sorts  []Sort
	limit  int
	offset int

	data       bool
	readCache  bool
	writeCache bool
}

// SetSort installs the sort spec. If no date-based column is present, a
// descending date tiebreaker is appended to guarantee a total order, which
// stable pagination depends on. An empty spec therefore still orders by
// date descending.
func (q *query) setSort(sorts []Sort) {
	haveDate := false
	for _, s := range sorts {
		if s.Col == "date" {
			haveDate = true
		}
	}
	if !haveDate {
		sorts = append(sorts, Sort{Col: "date", Desc: true})
	}
	q.sorts = sorts
}

// reverse flips every sort direction in place.
func (q *query) reverse() {
	for i := range q.sorts {
		q.sorts[i].Desc = !q.sorts[i].Desc
	}
}

// position appends the disjunctive predicate "strictly before/after item in
// sort order": for each sort column i, equality on columns 0..i-1 AND a
// strict inequality on column i, OR'd across all i.
func (q *query) position(item Item, before bool) {
	var ors [][]Rule
	for i, s := range q.sorts {
		op := OpGt
		if s.Desc {
			op = OpLt
		}
		if before {
			if op == OpGt {
				op = OpLt
			} else {
				op = OpGt
			}
		}

		ands := []Rule{{Col: s.Col, Op: op, Val: item.SortValue(s.Col)}}
		for j := 0; j < i; j++ {
			prev := q.sorts[j]
			ands = append(ands, Rule{Col: prev.Col, Op: OpEq, Val: item.SortValue(prev.Col)})
		}
		ors = append(ors, ands)
	}
	q.filter.Any = append(q.filter.Any, ors...)
}

// iden is the query's cache identity: a hash over its kind, sort spec,
// limit, offset, and normalized rule set.
func (q *query) iden() string {
	var sb strings.Builder
	sb.WriteString(q.kind.Name)
	sb.WriteByte('/')
	for _, s := range q.sorts {
		sb.WriteString(s.String())
		sb.WriteByte(',')
	}
	sb.WriteByte('/')
	sb.WriteString(strconv.Itoa(q.limit))
	sb.WriteByte('/')
	sb.WriteString(strconv.Itoa(q.offset))
	sb.WriteByte('/')
	sb.WriteString(q.filter.canonical())
	sum := md5.Sum([]byte(sb.String()))
	return fmt.Sprintf("query:%x", sum)
}

func (q *query) clone() query {
	dup := *q
	dup.sorts = append([]Sort(nil), q.sorts...)
	dup.filter.All = append([]Rule(nil), q.filter.All...)
	dup.filter.Any = append([][]Rule(nil), q.filter.Any...)
	return dup
}

func (q *query) findIDs(ctx context.Context) ([]int64, error) {
	if q.kind.IsRel() {
		return q.store.backend.FindRels(ctx, q.kind.TypeID, q.filter, q.sorts, q.limit, q.offset)
	}
	return q.store.backend.FindThings(ctx, q.kind.TypeID, q.filter, q.sorts, q.limit, q.offset)
}

// fullnames resolves the query to an ordered fullname list, consulting the
// query cache when permitted. A cache miss on a write-enabled query takes the
// per-identity lock, re-checks, runs the backing query, and caches the names
// with the store's query TTL. Read-only queries fall through without caching.
func (q *query) fullnames(ctx context.Context) ([]string, error) {
	iden := q.iden()

	if q.readCache {
		if names, ok := q.cachedNames(ctx, iden); ok {
			return names, nil
		}
	}

	if q.writeCache {
		guard, err := q.store.locks.Acquire(ctx, iden)
		if err != nil {
			return nil, err
		}
		defer guard.Release(ctx)

		// another caller may have populated it while we held back
		if names, ok := q.cachedNames(ctx, iden); ok {
			return names, nil
		}

		names, err := q.run(ctx)
		if err != nil {
			return nil, err
		}
		encoded, err := json.Marshal(names)
		if err != nil {
			return nil, err
		}
		if err := q.store.cache.Set(ctx, iden, string(encoded), q.store.queryTTL); err != nil {
			q.store.logger.Warn("query cache write failed", "iden", iden, "error", err)
		}
		return names, nil
	}

	return q.run(ctx)
}

func (q *query) cachedNames(ctx context.Context, iden string) ([]string, bool) {
	value, found, err := q.store.cache.Get(ctx, iden)
	if err != nil {
		q.store.logger.Warn("query cache read failed", "iden", iden, "error", err)
		return nil, false
	}
	if !found {
		return nil, false
	}
	var names []string
	if err := json.Unmarshal([]byte(value), &names); err != nil {
		return nil, false
	}
	return names, true
}

func (q *query) run(ctx context.Context) ([]string, error) {
	ids, err := q.findIDs(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = FullName(q.kind, id)
	}
	return names, nil
}

func (q *query) items(ctx context.Context) ([]Item, error) {
	names, err := q.fullnames(ctx)
	if err != nil {
		return nil, err
	}
	return q.store.ByFullname(ctx, names, LoadOpts{Data: q.data})
}

// Cursor yields the query's items one at a time. A dangling fullname (cached
// reference to a since-vanished row) surfaces as ErrNotFound for that single
// item; iteration can continue past it.
type Cursor interface {
	// Next returns the next item, (nil, nil) when exhausted, or an error.
	// An error wrapping ErrNotFound refers only to the current position.
	Next(ctx context.Context) (Item, error)
}

type queryCursor struct {
	q     *query
	names []string
	pos   int
}

func (c *queryCursor) Next(ctx context.Context) (Item, error) {
	if c.names == nil {
		names, err := c.q.fullnames(ctx)
		if err != nil {
			return nil, err
		}
		c.names = names
	}
	if c.pos >= len(c.names) {
		return nil, nil
	}

	name := c.names[c.pos]
	c.pos++
	items, err := c.q.store.ByFullname(ctx, []string{name}, LoadOpts{Data: c.q.data})
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, &NotFoundError{Kind: c.q.kind.Name}
	}
	return items[0], nil
}

// ThingQuery is a composable query over things of one kind. Unless the
// caller filters on them explicitly, deleted and spam rows are excluded.
type ThingQuery struct {
	query
}

// Things builds a query over a thing kind.
func (s *Store) Things(kindName string, rules ...Rule) (*ThingQuery, error) {
	kind, ok := s.registry.Kind(kindName)
	if !ok || kind.IsRel() {
		return nil, fmt.Errorf("unknown thing kind %q", kindName)
	}

	needDeleted, needSpam := true, true
	for _, r := range rules {
		switch r.Col {
		case "deleted":
			needDeleted = false
		case "spam":
			needSpam = false
		}
	}
	if needDeleted {
		rules = append(rules, Rule{Col: "deleted", Op: OpEq, Val: false})
	}
	if needSpam {
		rules = append(rules, Rule{Col: "spam", Op: OpEq, Val: false})
	}

	q := &ThingQuery{query: query{store: s, kind: kind}}
	q.filter.All = rules
	q.setSort(nil)
	return q, nil
}

func (q *ThingQuery) Sort(sorts ...Sort) *ThingQuery   { q.setSort(sorts); return q }
func (q *ThingQuery) Reverse() *ThingQuery             { q.reverse(); return q }
func (q *ThingQuery) Limit(n int) *ThingQuery          { q.limit = n; return q }
func (q *ThingQuery) Offset(n int) *ThingQuery         { q.offset = n; return q }
func (q *ThingQuery) WithData() *ThingQuery            { q.data = true; return q }
func (q *ThingQuery) Filter(rules ...Rule) *ThingQuery { q.filter.All = append(q.filter.All, rules...); return q }

// Cached enables the query cache: read controls whether cached fullname
// lists are served, write whether misses populate the cache.
func (q *ThingQuery) Cached(read, write bool) *ThingQuery {
	q.readCache, q.writeCache = read, write
	return q
}

// After constrains the query to items strictly after the given position in
// sort order.
func (q *ThingQuery) After(item Item) *ThingQuery { q.position(item, false); return q }

// Before constrains the query to items strictly before the given position.
func (q *ThingQuery) Before(item Item) *ThingQuery { q.position(item, true); return q }

// Run resolves the query to things in sort order.
func (q *ThingQuery) Run(ctx context.Context) ([]*Thing, error) {
	items, err := q.items(ctx)
	if err != nil {
		return nil, err
	}
	things := make([]*Thing, 0, len(items))
	for _, item := range items {
		if t, ok := item.(*Thing); ok {
			things = append(things, t)
		}
	}
	return things, nil
}

// Cursor returns a one-at-a-time iterator over the query, suitable for
// merging.
func (q *ThingQuery) Cursor() Cursor {
	return &queryCursor{q: &q.query}
}

// Page is one pagination window plus the display offsets around it.
// BeforeCount items precede the first returned item in the full listing, so
// the window shows items BeforeCount+1 through AfterCount.
type Page struct {
	Items       []*Thing
	First       *Thing
	Last        *Thing
	BeforeCount int
	AfterCount  int
}

// Paginate fetches one page of num items. Exactly one of after/before may be
// given as the position item; count is that item's 1-based rank in the full
// listing (0 when there is no position). A "previous page" request reverses
// the sort, walks after the position, and re-reverses the fetched window so
// the caller always sees forward order.
func (q *ThingQuery) Paginate(ctx context.Context, num int, after, before *Thing, count int) (*Page, error) {
	if after != nil && before != nil {
		return nil, fmt.Errorf("paginate takes after or before, not both: %w", ErrInvalidOperation)
	}

	dup := &ThingQuery{query: q.clone()}
	dup.limit = num

	backward := before != nil
	if backward {
		dup.reverse()
		dup.position(before, false)
	} else if after != nil {
		dup.position(after, false)
	}

	items, err := dup.Run(ctx)
	if err != nil {
		return nil, err
	}
	if backward {
		for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
			items[i], items[j] = items[j], items[i]
		}
	}

	page := &Page{Items: items}
	if len(items) > 0 {
		page.First = items[0]
		page.Last = items[len(items)-1]
	}

	if backward {
		page.AfterCount = count - 1
		page.BeforeCount = page.AfterCount - len(items)
		if page.BeforeCount < 0 {
			page.BeforeCount = 0
			page.AfterCount = len(items)
		}
	} else {
		page.BeforeCount = count
		page.AfterCount = count + len(items)
	}
	return page, nil
}

// RelQuery is a composable query over relations of one kind.
type RelQuery struct {
	query
	eagerLoad bool
	thingData bool
}

// Rels builds a query over a relation kind.
func (s *Store) Rels(kindName string, rules ...Rule) (*RelQuery, error) {
	kind, ok := s.registry.Kind(kindName)
	if !ok || !kind.IsRel() {
		return nil, fmt.Errorf("unknown relation kind %q", kindName)
	}
	q := &RelQuery{query: query{store: s, kind: kind}}
	q.filter.All = rules
	q.setSort(nil)
	return q, nil
}

func (q *RelQuery) Sort(sorts ...Sort) *RelQuery   { q.setSort(sorts); return q }
func (q *RelQuery) Reverse() *RelQuery             { q.reverse(); return q }
func (q *RelQuery) Limit(n int) *RelQuery          { q.limit = n; return q }
func (q *RelQuery) Offset(n int) *RelQuery         { q.offset = n; return q }
func (q *RelQuery) WithData() *RelQuery            { q.data = true; return q }
func (q *RelQuery) Filter(rules ...Rule) *RelQuery { q.filter.All = append(q.filter.All, rules...); return q }
func (q *RelQuery) After(item Item) *RelQuery      { q.position(item, false); return q }
func (q *RelQuery) Before(item Item) *RelQuery     { q.position(item, true); return q }

func (q *RelQuery) Cached(read, write bool) *RelQuery {
	q.readCache, q.writeCache = read, write
	return q
}

// EagerLoad also bulk-loads endpoint things for the returned relations;
// thingData extends that to their dynamic props.
func (q *RelQuery) EagerLoad(thingData bool) *RelQuery {
	q.eagerLoad = true
	q.thingData = thingData
	return q
}

// Run resolves the query to relations in sort order.
func (q *RelQuery) Run(ctx context.Context) ([]*Rel, error) {
	items, err := q.items(ctx)
	if err != nil {
		return nil, err
	}
	rels := make([]*Rel, 0, len(items))
	byID := make(map[int64]*Rel, len(items))
	for _, item := range items {
		if r, ok := item.(*Rel); ok {
			rels = append(rels, r)
			byID[r.ID] = r
		}
	}
	if q.eagerLoad && len(byID) > 0 {
		if err := q.store.eagerLoadEndpoints(ctx, q.kind, byID, q.thingData); err != nil {
			return nil, err
		}
	}
	return rels, nil
}

func (q *RelQuery) Cursor() Cursor {
	return &queryCursor{q: &q.query}
}

// IsNotFound reports whether err is a per-item not-found, the condition the
// merge cursor treats as skippable.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
