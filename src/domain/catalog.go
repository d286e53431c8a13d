// Package domain declares the kinds this deployment serves and the table
// layout each kind persists into. Every binary (API server, CDC transformer,
// cache invalidator) builds the same catalog so type ids and table names agree
// across the fleet.
package domain

import (
	"fmt"
	"strings"

	"thingstore/src/store"
)

// Table family prefixes used by the SQL backend.
const (
	FamilyThing   = "thing"
	FamilyData    = "data"
	FamilyRel     = "rel"
	FamilyRelData = "reldata"
)

type Catalog struct {
	Registry *store.Registry

	Account *store.Kind
	Link    *store.Kind
	Comment *store.Kind

	VoteLink    *store.Kind
	VoteComment *store.Kind
	Friend      *store.Kind

	// ThingTables and RelTables map type ids to the base table names the
	// backend derives the physical table names from.
	ThingTables map[int]string
	RelTables   map[int]string
}

// NewCatalog registers every served kind. Type ids are assigned in
// registration order, so the order here is part of the wire format.
func NewCatalog() (*Catalog, error) {
	c := &Catalog{
		Registry:    store.NewRegistry(),
		ThingTables: map[int]string{},
		RelTables:   map[int]string{},
	}

	var err error
	c.Account, err = c.Registry.RegisterThing("account",
		store.WithDefaults(map[string]any{"karma": int64(0)}),
		store.WithIncrProps("karma"))
	if err != nil {
		return nil, err
	}
	c.ThingTables[c.Account.TypeID] = c.Account.Name

	c.Link, err = c.Registry.RegisterThing("link",
		store.WithDefaults(map[string]any{"title": "", "url": "", "num_comments": int64(0)}),
		store.WithIncrProps("num_comments"))
	if err != nil {
		return nil, err
	}
	c.ThingTables[c.Link.TypeID] = c.Link.Name

	c.Comment, err = c.Registry.RegisterThing("comment",
		store.WithDefaults(map[string]any{"body": ""}))
	if err != nil {
		return nil, err
	}
	c.ThingTables[c.Comment.TypeID] = c.Comment.Name

	c.VoteLink, err = c.Registry.RegisterRel("vote_account_link", c.Account, c.Link)
	if err != nil {
		return nil, err
	}
	c.RelTables[c.VoteLink.TypeID] = c.VoteLink.Name

	c.VoteComment, err = c.Registry.RegisterRel("vote_account_comment", c.Account, c.Comment)
	if err != nil {
		return nil, err
	}
	c.RelTables[c.VoteComment.TypeID] = c.VoteComment.Name

	c.Friend, err = c.Registry.RegisterRel("friend", c.Account, c.Account)
	if err != nil {
		return nil, err
	}
	c.RelTables[c.Friend.TypeID] = c.Friend.Name

	return c, nil
}

// Vote groups the per-endpoint-kind vote relations behind one dispatch table.
func (c *Catalog) Vote(s *store.Store) (*store.MultiRel, error) {
	return s.NewMultiRel("vote", c.VoteLink, c.VoteComment)
}

// MonitoredTables lists the CDC include patterns covering every table family
// of every registered kind.
func (c *Catalog) MonitoredTables() []string {
	return []string{
		FamilyThing + "_*",
		FamilyData + "_*",
		FamilyRel + "_*",
		FamilyRelData + "_*",
	}
}

// KindForTable resolves a physical table name (e.g. "thing_link",
// "reldata_friend") to the kind persisted there and its table family.
func (c *Catalog) KindForTable(table string) (*store.Kind, string, error) {
	for _, family := range []string{FamilyRelData, FamilyRel, FamilyData, FamilyThing} {
		prefix := family + "_"
		if !strings.HasPrefix(table, prefix) {
			continue
		}
		name := strings.TrimPrefix(table, prefix)
		kind, ok := c.Registry.Kind(name)
		if !ok {
			return nil, "", fmt.Errorf("table %q names no registered kind", table)
		}
		return kind, family, nil
	}
	return nil, "", fmt.Errorf("table %q belongs to no known family", table)
}
