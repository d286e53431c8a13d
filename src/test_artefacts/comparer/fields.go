package comparer

import (
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// IgnoreFieldsFor skips the named fields of T during comparison. Meant for
// fields whose values are run-dependent, like derived keys or ids.
func IgnoreFieldsFor[T any](fields ...string) cmp.Option {
	var zero T
	return cmpopts.IgnoreFields(zero, fields...)
}
