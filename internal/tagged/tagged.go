// Package tagged encodes JSON objects that carry a "type" discriminator alongside their own fields.
package tagged

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrNotObject = errors.New("tagged value is not a JSON object")
	ErrNoType    = errors.New("tagged value has no type")
)

// Marshal encodes v, which must encode as a JSON object, with a leading "type" field.
// Pass a type with no MarshalJSON of its own, or this recurses.
func Marshal(kind string, v any) (b []byte, err error) {
	inner, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if len(inner) < 2 || inner[0] != '{' {
		return nil, ErrNotObject
	}

	typ, err := json.Marshal(kind)
	if err != nil {
		return nil, err
	}

	b = make([]byte, 0, len(inner)+len(typ)+9)
	b = append(b, `{"type":`...)
	b = append(b, typ...)
	if len(inner) > 2 {
		b = append(b, ',')
	}
	b = append(b, inner[1:]...)
	return b, nil
}

// Peek returns the "type" field of the given raw JSON object.
func Peek(raw []byte) (kind string, err error) {
	var head struct {
		Type *string `json:"type"`
	}
	if err = json.Unmarshal(raw, &head); err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotObject, err)
	}
	if head.Type == nil || *head.Type == "" {
		return "", ErrNoType
	}
	return *head.Type, nil
}
