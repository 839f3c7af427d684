package lifecycle

import (
	"bytes"
	"encoding/json"
)

// Field is a tri-state request value: absent, explicitly null, or set.
// Decoding a JSON object into a struct of Fields leaves absent keys unset.
type Field[T any] struct {
	present bool
	null    bool
	value   T
}

// Unset returns an absent field.
func Unset[T any]() Field[T] { return Field[T]{} }

// Null returns an explicitly cleared field.
func Null[T any]() Field[T] { return Field[T]{present: true, null: true} }

// Value returns a field set to v.
func Value[T any](v T) Field[T] { return Field[T]{present: true, value: v} }

// Present reports whether the key appeared in the request, even as null.
func (f Field[T]) Present() bool { return f.present }

// IsNull reports an explicit null.
func (f Field[T]) IsNull() bool { return f.present && f.null }

// Get returns the value and whether one was supplied (present and not null).
func (f Field[T]) Get() (T, bool) {
	return f.value, f.present && !f.null
}

// Resolve applies the preservation rule to one nullable field: a present key
// wins (null clears), an absent key keeps current as is.
func (f Field[T]) Resolve(current *T) *T {
	if !f.present {
		return current
	}
	if f.null {
		return nil
	}
	v := f.value
	return &v
}

func (f *Field[T]) UnmarshalJSON(data []byte) error {
	f.present = true
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		f.null = true
		var zero T
		f.value = zero
		return nil
	}
	f.null = false
	return json.Unmarshal(data, &f.value)
}

func (f Field[T]) MarshalJSON() ([]byte, error) {
	if !f.present || f.null {
		return []byte("null"), nil
	}
	return json.Marshal(f.value)
}

// IsZero lets encoders with omitzero skip absent fields.
func (f Field[T]) IsZero() bool { return !f.present }
