package storage

import (
	"encoding/json"

	"sdspi-go/errcode"
)

// decodeJSON fills dst from raw JSON or from an already-decoded value
// (typically the map[string]any the config service publishes).
func decodeJSON[T any](src any, dst *T) error {
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, dst)
	case string:
		return json.Unmarshal([]byte(v), dst)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return json.Unmarshal(b, dst)
	}
}

// as accepts a payload of type T as is, or decodes anything else into a T.
// A nil payload is the zero value.
func as[T any](v any) (T, errcode.Code) {
	var zero T
	if v == nil {
		return zero, ""
	}
	if t, ok := v.(T); ok {
		return t, ""
	}
	if p, ok := v.(*T); ok && p != nil {
		return *p, ""
	}
	var t T
	if err := decodeJSON(v, &t); err != nil {
		return zero, errcode.InvalidPayload
	}
	return t, ""
}
