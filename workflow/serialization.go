package workflow

import (
	"encoding/json"
	"fmt"
)

// jsonSerializer converts values of a known type to and from their JSON text.
// encoding/json writes map keys in sorted order, so the same value always
// serializes to the same bytes; replay matching depends on this.
type jsonSerializer[T any] struct{}

func newJSONSerializer[T any]() jsonSerializer[T] {
	return jsonSerializer[T]{}
}

func (jsonSerializer[T]) Encode(value T) (string, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("encoding %T: %w", value, err)
	}
	return string(data), nil
}

func (jsonSerializer[T]) Decode(encoded string) (T, error) {
	var value T
	if encoded == "" {
		return value, nil
	}
	if err := json.Unmarshal([]byte(encoded), &value); err != nil {
		return value, fmt.Errorf("decoding into %T: %w", value, err)
	}
	return value, nil
}
