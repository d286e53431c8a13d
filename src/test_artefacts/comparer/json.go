package comparer

import (
	"encoding/json"
	"reflect"

	"github.com/google/go-cmp/cmp"
)

// JSONRawMessage compares json.RawMessage semantically, ignoring key order
func JSONRawMessage() cmp.Option {
	return cmp.Comparer(func(x, y json.RawMessage) bool {
		// Both nil or empty
		if len(x) == 0 && len(y) == 0 {
			return true
		}

		// One empty, one not
		if len(x) == 0 || len(y) == 0 {
			return false
		}

		// Parse both into interface{} for semantic comparison
		var xObj, yObj interface{}

		if err := json.Unmarshal(x, &xObj); err != nil {
			return false
		}

		if err := json.Unmarshal(y, &yObj); err != nil {
			return false
		}

		// reflect.DeepEqual handles the nested structures
		return reflect.DeepEqual(xObj, yObj)
	})
}
