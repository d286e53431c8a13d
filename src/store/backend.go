package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Op is a comparison operator in a query rule.
type Op int

const (
	OpEq Op = iota
	OpNe
	OpLt
	OpLte
	OpGt
	OpGte
	OpIn
)

func (o Op) String() string {
	switch o {
	case OpEq:
		return "="
	case OpNe:
		return "!="
	case OpLt:
		return "<"
	case OpLte:
		return "<="
	case OpGt:
		return ">"
	case OpGte:
		return ">="
	case OpIn:
		return "in"
	}
	return "?"
}

// Rule is one column comparison. Col names a base field ("ups", "date",
// "deleted", "thing1_id", ...) or a dynamic prop. For OpIn, Val must be a
// slice.
type Rule struct {
	Col string
	Op  Op
	Val any
}

func (r Rule) String() string {
	return fmt.Sprintf("%s%s%v", r.Col, r.Op, r.Val)
}

// Filter is the normalized predicate form handed to the backing store:
// every rule in All must hold, and, if Any is non-empty, at least one of its
// conjunctions must hold as well. Position predicates (before/after) compile
// to a single Any group.
type Filter struct {
	All []Rule
	Any [][]Rule
}

// Sort is one (column, direction) element of a sort spec.
type Sort struct {
	Col  string
	Desc bool
}

func (s Sort) String() string {
	if s.Desc {
		return s.Col + " desc"
	}
	return s.Col + " asc"
}

// canonical renders the filter deterministically for query identity hashing.
func (f Filter) canonical() string {
	all := make([]string, len(f.All))
	for i, r := range f.All {
		all[i] = r.String()
	}
	sort.Strings(all)

	groups := make([]string, len(f.Any))
	for i, ands := range f.Any {
		parts := make([]string, len(ands))
		for j, r := range ands {
			parts[j] = r.String()
		}
		groups[i] = "(" + strings.Join(parts, "&") + ")"
	}
	sort.Strings(groups)

	return strings.Join(all, "&") + "|" + strings.Join(groups, "|")
}

// BaseFields are the fixed backing-store columns of a thing.
type BaseFields struct {
	Ups     int64
	Downs   int64
	Date    time.Time
	Deleted bool
	Spam    bool
}

// RelFields are the fixed backing-store columns of a relation.
type RelFields struct {
	Thing1ID int64
	Thing2ID int64
	Name     string
	Date     time.Time
}

// Tx is one logical backing-store transaction bracketing the base-field and
// dynamic-field writes of a single commit.
type Tx interface {
	SetThingFields(ctx context.Context, typeID int, id int64, fields map[string]any) error
	SetRelFields(ctx context.Context, typeID int, id int64, fields map[string]any) error
	// SetData flushes dynamic props. create signals the first flush after
	// creation, letting the backend insert rather than update.
	SetData(ctx context.Context, typeID int, rel bool, id int64, create bool, props map[string]any) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Backend is the relational backing store consumed by the store core. It is
// the source of truth; the cache in front of it may serve stale data within
// its TTL.
type Backend interface {
	// CreateThing persists the base fields of a new thing and returns its
	// freshly allocated id. Allocation is atomic against concurrent callers.
	CreateThing(ctx context.Context, typeID int, fields BaseFields) (int64, error)

	// CreateRel persists a new relation. A natural-key uniqueness violation
	// on (thing1_id, thing2_id, name) is reported as ErrCreation.
	CreateRel(ctx context.Context, typeID int, fields RelFields) (int64, error)

	GetThings(ctx context.Context, typeID int, ids []int64) (map[int64]BaseFields, error)
	GetRels(ctx context.Context, typeID int, ids []int64) (map[int64]RelFields, error)
	GetData(ctx context.Context, typeID int, rel bool, ids []int64) (map[int64]map[string]any, error)

	IncrThingField(ctx context.Context, typeID int, id int64, field string, amount int64) error
	IncrData(ctx context.Context, typeID int, rel bool, id int64, prop string, amount int64) error

	FindThings(ctx context.Context, typeID int, filter Filter, sorts []Sort, limit, offset int) ([]int64, error)
	FindRels(ctx context.Context, typeID int, filter Filter, sorts []Sort, limit, offset int) ([]int64, error)

	DeleteRel(ctx context.Context, typeID int, id int64) error

	Begin(ctx context.Context) (Tx, error)
}
