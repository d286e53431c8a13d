package server

import (
	"time"

	"thingstore/src/store"
)

// ThingDTO is the wire form of a thing or relation lookup.
type ThingDTO struct {
	FullName string         `json:"fullname"`
	Kind     string         `json:"kind"`
	ID       int64          `json:"id"`
	Props    map[string]any `json:"props,omitempty"`

	// Thing fields
	Ups     *int64 `json:"ups,omitempty"`
	Downs   *int64 `json:"downs,omitempty"`
	Deleted *bool  `json:"deleted,omitempty"`
	Spam    *bool  `json:"spam,omitempty"`

	// Relation fields
	Thing1 string `json:"thing1,omitempty"`
	Thing2 string `json:"thing2,omitempty"`
	Name   string `json:"name,omitempty"`

	Date time.Time `json:"date"`
}

func MapItemToResponse(item store.Item) *ThingDTO {
	switch v := item.(type) {
	case *store.Thing:
		return &ThingDTO{
			FullName: v.FullName(),
			Kind:     v.Kind().Name,
			ID:       v.ID,
			Props:    v.Props(),
			Ups:      &v.Ups,
			Downs:    &v.Downs,
			Deleted:  &v.Deleted,
			Spam:     &v.Spam,
			Date:     v.Date,
		}
	case *store.Rel:
		return &ThingDTO{
			FullName: v.FullName(),
			Kind:     v.Kind().Name,
			ID:       v.ID,
			Props:    v.Props(),
			Thing1:   store.FullName(v.Kind().Kind1, v.Thing1ID),
			Thing2:   store.FullName(v.Kind().Kind2, v.Thing2ID),
			Name:     v.Name,
			Date:     v.Date,
		}
	}
	return nil
}
