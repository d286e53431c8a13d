package store

// change records one uncommitted mutation as an (old, new) pair. The old
// value is kept from the first mutation so a sync-latest merge can replay
// the caller's intent on top of a fresher copy.
type change struct {
	old any
	new any
}

// dirtyMap tracks uncommitted mutations by field name. Shared by things and
// relations.
type dirtyMap map[string]change

func (d dirtyMap) mark(field string, old, v any) {
	if valueEqual(old, v) {
		return
	}
	if prev, ok := d[field]; ok {
		// keep the original old value across repeated sets
		old = prev.old
		if valueEqual(old, v) {
			delete(d, field)
			return
		}
	}
	d[field] = change{old: old, new: v}
}

// subset returns the changes to flush: everything, or only the named keys.
func (d dirtyMap) subset(keys []string) map[string]change {
	if len(keys) == 0 {
		out := make(map[string]change, len(d))
		for k, v := range d {
			out[k] = v
		}
		return out
	}
	out := make(map[string]change, len(keys))
	for _, k := range keys {
		if ch, ok := d[k]; ok {
			out[k] = ch
		}
	}
	return out
}
