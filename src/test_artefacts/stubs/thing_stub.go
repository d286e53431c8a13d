package stubs

import (
	"context"

	"thingstore/src/store"

	"github.com/brianvoe/gofakeit/v6"
)

type ThingStub struct {
	kind  string
	ups   int64
	downs int64
	props map[string]any
}

func NewThingStub(kind string) ThingStub {
	return ThingStub{
		kind:  kind,
		ups:   int64(gofakeit.Number(0, 1000)),
		downs: int64(gofakeit.Number(0, 1000)),
		props: map[string]any{},
	}
}

// NewLinkStub builds a stub for the "link" kind with plausible link props.
func NewLinkStub() ThingStub {
	return NewThingStub("link").
		WithProp("title", gofakeit.Sentence(4)).
		WithProp("url", gofakeit.URL())
}

// NewAccountStub builds a stub for the "account" kind.
func NewAccountStub() ThingStub {
	return NewThingStub("account").
		WithProp("name", gofakeit.Username())
}

func (ts ThingStub) WithUps(ups int64) ThingStub {
	ts.ups = ups
	return ts
}

func (ts ThingStub) WithDowns(downs int64) ThingStub {
	ts.downs = downs
	return ts
}

func (ts ThingStub) WithProp(name string, value any) ThingStub {
	props := map[string]any{}
	for k, v := range ts.props {
		props[k] = v
	}
	props[name] = value
	ts.props = props
	return ts
}

// Create commits a new thing built from the stub.
func (ts ThingStub) Create(ctx context.Context, st *store.Store) (*store.Thing, error) {
	thing, err := st.NewThing(ts.kind)
	if err != nil {
		return nil, err
	}
	thing.SetUps(ts.ups)
	thing.SetDowns(ts.downs)
	for name, value := range ts.props {
		thing.SetProp(name, value)
	}
	if err := thing.Commit(ctx); err != nil {
		return nil, err
	}
	return thing, nil
}
