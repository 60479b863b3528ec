package store

import (
	"encoding/json"
	"fmt"
)

// DeriveEntryKey computes the entryKey for a row under keyField: the
// string form of data[keyField]. Returns ok=false if the field is absent,
// null, or stringifies to the empty string — callers must skip the row
// with a warning rather than upsert it, per invariant 3.
func DeriveEntryKey(data map[string]any, keyField string) (key string, ok bool) {
	v, present := data[keyField]
	if !present || v == nil {
		return "", false
	}
	key = Stringify(v)
	return key, key != ""
}

// Stringify renders a decoded-JSON value as the canonical string form used
// both for entryKey derivation and for tool-call filter comparisons, so
// the two agree on what a field's "string form" is.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return fmt.Sprintf("%g", t)
	case bool:
		if t {
			return "true"
		}
		return "false"
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
}
