package stubs

import (
	"context"

	"thingstore/src/store"

	"github.com/brianvoe/gofakeit/v6"
)

type RelStub struct {
	kind  string
	name  string
	props map[string]any
}

func NewRelStub(kind string) RelStub {
	return RelStub{
		kind:  kind,
		name:  gofakeit.RandomString([]string{"1", "-1"}),
		props: map[string]any{},
	}
}

func (rs RelStub) WithName(name string) RelStub {
	rs.name = name
	return rs
}

func (rs RelStub) WithProp(name string, value any) RelStub {
	props := map[string]any{}
	for k, v := range rs.props {
		props[k] = v
	}
	props[name] = value
	rs.props = props
	return rs
}

// Create commits a new relation between two already committed things.
func (rs RelStub) Create(ctx context.Context, st *store.Store, thing1, thing2 *store.Thing) (*store.Rel, error) {
	rel, err := st.NewRel(rs.kind, thing1, thing2, rs.name)
	if err != nil {
		return nil, err
	}
	for name, value := range rs.props {
		rel.SetProp(name, value)
	}
	if err := rel.Commit(ctx); err != nil {
		return nil, err
	}
	return rel, nil
}
