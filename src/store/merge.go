package store

import (
	"context"
	"fmt"
	"time"
)

// MergeCursor merges N cursors that are each already sorted under the same
// sort spec into one globally sorted stream. It keeps one peeked item per
// live cursor and repeatedly yields the extremal one: min for ascending
// columns, max for descending, ties falling through to the next column.
//
// A cursor whose next item resolves to ErrNotFound (a dangling cached
// reference) is advanced again rather than terminated.
type MergeCursor struct {
	cursors []Cursor
	sorts   []Sort

	peeked []Item
	live   []bool
	primed bool
}

func NewMergeCursor(cursors []Cursor, sorts []Sort) *MergeCursor {
	return &MergeCursor{
		cursors: cursors,
		sorts:   sorts,
		peeked:  make([]Item, len(cursors)),
		live:    make([]bool, len(cursors)),
	}
}

// safeNext advances one cursor, skipping dangling references.
func (m *MergeCursor) safeNext(ctx context.Context, i int) error {
	for {
		item, err := m.cursors[i].Next(ctx)
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return err
		}
		if item == nil {
			m.live[i] = false
			m.peeked[i] = nil
			return nil
		}
		m.live[i] = true
		m.peeked[i] = item
		return nil
	}
}

func (m *MergeCursor) prime(ctx context.Context) error {
	for i := range m.cursors {
		if err := m.safeNext(ctx, i); err != nil {
			return err
		}
	}
	m.primed = true
	return nil
}

// Next yields the next item in merged sort order, or (nil, nil) when every
// cursor is drained.
func (m *MergeCursor) Next(ctx context.Context) (Item, error) {
	if !m.primed {
		if err := m.prime(ctx); err != nil {
			return nil, err
		}
	}

	liveIdx := make([]int, 0, len(m.cursors))
	for i, ok := range m.live {
		if ok {
			liveIdx = append(liveIdx, i)
		}
	}
	if len(liveIdx) == 0 {
		return nil, nil
	}

	// single live cursor: drain it directly
	winner := liveIdx[0]
	if len(liveIdx) > 1 {
		winner = m.pick(liveIdx)
	}

	item := m.peeked[winner]
	if err := m.safeNext(ctx, winner); err != nil {
		return nil, err
	}
	return item, nil
}

// pick compares the peeked items across the sort columns left to right and
// returns the index of the extremal one. Each column only arbitrates between
// the candidates still tied for best on the columns before it.
func (m *MergeCursor) pick(liveIdx []int) int {
	candidates := liveIdx
	for _, s := range m.sorts {
		if len(candidates) == 1 {
			break
		}

		best := candidates[0]
		for _, i := range candidates[1:] {
			c := compareValues(m.peeked[i].SortValue(s.Col), m.peeked[best].SortValue(s.Col))
			if (!s.Desc && c < 0) || (s.Desc && c > 0) {
				best = i
			}
		}

		tied := make([]int, 0, len(candidates))
		for _, i := range candidates {
			if compareValues(m.peeked[i].SortValue(s.Col), m.peeked[best].SortValue(s.Col)) == 0 {
				tied = append(tied, i)
			}
		}
		candidates = tied
	}
	return candidates[0]
}

// compareValues orders two sort column values of the same domain.
func compareValues(a, b any) int {
	if at, aok := a.(time.Time); aok {
		if bt, bok := b.(time.Time); bok {
			switch {
			case at.Before(bt):
				return -1
			case at.After(bt):
				return 1
			}
			return 0
		}
	}
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			}
			return 0
		}
	}
	as, bs := fmt.Sprint(a), fmt.Sprint(b)
	switch {
	case as < bs:
		return -1
	case as > bs:
		return 1
	}
	return 0
}
