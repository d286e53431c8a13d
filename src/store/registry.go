package store

import (
	"fmt"
	"math"
	"time"
)

// baseProps are the fixed columns present on every thing. Dynamic props may
// not shadow them.
var thingBaseProps = map[string]bool{
	"ups":     true,
	"downs":   true,
	"date":    true,
	"deleted": true,
	"spam":    true,
}

var relBaseProps = map[string]bool{
	"thing1_id": true,
	"thing2_id": true,
	"name":      true,
	"date":      true,
}

// Denorm configures a denormalized mirror field copied between relation
// endpoints at creation time: the destination endpoint's dynamic prop To
// receives the source endpoint's prop From.
type Denorm struct {
	To   string
	From string
}

// Kind describes one registered thing or relation type: its type id, default
// values for dynamic props, and which props accept atomic increments.
// It replaces the source system's metaclass-driven registry with an explicit
// table populated at process start.
type Kind struct {
	Name      string
	TypeID    int
	Defaults  map[string]any
	IncrProps map[string]bool

	prefix byte

	// relation kinds only
	Kind1   *Kind
	Kind2   *Kind
	Denorm1 *Denorm
	Denorm2 *Denorm
}

// IsRel reports whether this kind is a relation kind.
func (k *Kind) IsRel() bool {
	return k.prefix == relPrefix
}

// Default returns the registered default value for a dynamic prop.
func (k *Kind) Default(prop string) (any, bool) {
	v, ok := k.Defaults[prop]
	return v, ok
}

// incrementable reports whether a prop may be atomically incremented.
// The ups/downs base counters always are.
func (k *Kind) incrementable(prop string) bool {
	if prop == "ups" || prop == "downs" {
		return !k.IsRel()
	}
	return k.IncrProps[prop]
}

// Registry maps kind names and type ids to their Kind descriptors. All kinds
// must be registered before the store serves requests; registration is not
// safe for concurrent use.
type Registry struct {
	byName     map[string]*Kind
	thingsByID map[int]*Kind
	relsByID   map[int]*Kind

	// Valid id range for decoded fullnames. Ids below MinID are reserved,
	// ids above MaxID would overflow the backing store's numeric columns.
	MinID int64
	MaxID int64

	nextThingID int
	nextRelID   int
}

func NewRegistry() *Registry {
	return &Registry{
		byName:     make(map[string]*Kind),
		thingsByID: make(map[int]*Kind),
		relsByID:   make(map[int]*Kind),
		MinID:      1,
		MaxID:      math.MaxInt32,
		// type id 0 is reserved so no fullname ever starts "t0_"
		nextThingID: 1,
		nextRelID:   1,
	}
}

// KindOpt customizes a kind at registration time.
type KindOpt func(*Kind)

// WithDefaults sets default values for dynamic props.
func WithDefaults(defaults map[string]any) KindOpt {
	return func(k *Kind) {
		for p, v := range defaults {
			k.Defaults[p] = v
		}
	}
}

// WithIncrProps marks dynamic props as atomically incrementable.
func WithIncrProps(props ...string) KindOpt {
	return func(k *Kind) {
		for _, p := range props {
			k.IncrProps[p] = true
		}
	}
}

// WithDenorm configures endpoint denormalization for a relation kind.
// denorm1 is applied to thing1 (copied from thing2), denorm2 to thing2.
// Either may be nil.
func WithDenorm(denorm1, denorm2 *Denorm) KindOpt {
	return func(k *Kind) {
		k.Denorm1 = denorm1
		k.Denorm2 = denorm2
	}
}

// RegisterThing registers a thing kind under the given name and assigns it
// the next free type id.
func (r *Registry) RegisterThing(name string, opts ...KindOpt) (*Kind, error) {
	if _, exists := r.byName[name]; exists {
		return nil, fmt.Errorf("kind %q already registered", name)
	}

	kind := &Kind{
		Name:      name,
		TypeID:    r.nextThingID,
		Defaults:  map[string]any{},
		IncrProps: map[string]bool{},
		prefix:    thingPrefix,
	}
	for _, opt := range opts {
		opt(kind)
	}

	if err := checkProps(kind, thingBaseProps); err != nil {
		return nil, err
	}

	r.nextThingID++
	r.byName[name] = kind
	r.thingsByID[kind.TypeID] = kind
	return kind, nil
}

// RegisterRel registers a relation kind between two already registered thing
// kinds. Relations have their own type id space.
func (r *Registry) RegisterRel(name string, kind1, kind2 *Kind, opts ...KindOpt) (*Kind, error) {
	if _, exists := r.byName[name]; exists {
		return nil, fmt.Errorf("kind %q already registered", name)
	}
	if kind1 == nil || kind2 == nil || kind1.IsRel() || kind2.IsRel() {
		return nil, fmt.Errorf("relation %q endpoints must be thing kinds", name)
	}

	kind := &Kind{
		Name:      name,
		TypeID:    r.nextRelID,
		Defaults:  map[string]any{},
		IncrProps: map[string]bool{},
		prefix:    relPrefix,
		Kind1:     kind1,
		Kind2:     kind2,
	}
	for _, opt := range opts {
		opt(kind)
	}

	if err := checkProps(kind, relBaseProps); err != nil {
		return nil, err
	}

	r.nextRelID++
	r.byName[name] = kind
	r.relsByID[kind.TypeID] = kind
	return kind, nil
}

func checkProps(kind *Kind, base map[string]bool) error {
	for p := range kind.Defaults {
		if base[p] {
			return fmt.Errorf("kind %q: dynamic prop %q shadows a base field", kind.Name, p)
		}
	}
	for p := range kind.IncrProps {
		if base[p] {
			return fmt.Errorf("kind %q: incr prop %q shadows a base field", kind.Name, p)
		}
		if v, ok := kind.Defaults[p]; ok {
			if _, isInt := v.(int64); !isInt {
				return fmt.Errorf("kind %q: incr prop %q default must be int64", kind.Name, p)
			}
		}
	}
	return nil
}

// Kind returns a registered kind by name.
func (r *Registry) Kind(name string) (*Kind, bool) {
	k, ok := r.byName[name]
	return k, ok
}

// ThingKind returns a registered thing kind by type id.
func (r *Registry) ThingKind(typeID int) (*Kind, bool) {
	k, ok := r.thingsByID[typeID]
	return k, ok
}

// RelKind returns a registered relation kind by type id.
func (r *Registry) RelKind(typeID int) (*Kind, bool) {
	k, ok := r.relsByID[typeID]
	return k, ok
}

// now is stubbed in tests that need deterministic dates.
var now = func() time.Time { return time.Now().UTC() }
