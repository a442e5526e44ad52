// Package payload defines how emitted values are serialized into journal
// entries and how the validator decides two payloads are equal. Keeping
// the encode/decode/equality strategy pluggable means the event model
// never has to know what callers emit.
package payload

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/golang/protobuf/proto"
)

// Codec serializes emitted values and compares serialized forms.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error

	// Equal reports whether two serialized payloads represent the same
	// value. Implementations may be laxer than byte equality, e.g. to
	// ignore field ordering or embedded non-deterministic identifiers.
	Equal(a, b []byte) bool
}

// Exact is the default equality predicate: raw byte comparison.
func Exact(a, b []byte) bool { return bytes.Equal(a, b) }

// JSON encodes values as JSON and compares payloads structurally, so two
// encodings of the same object with different key order still match.
type JSON struct {
	// IgnoreKeys lists top-level object keys excluded from Equal, for
	// payloads carrying non-deterministic fields such as generated ids
	// or timestamps.
	IgnoreKeys []string
}

func (JSON) Encode(v any) ([]byte, error) { return json.Marshal(v) }

func (JSON) Decode(data []byte, v any) error { return json.Unmarshal(data, v) }

func (c JSON) Equal(a, b []byte) bool {
	if bytes.Equal(a, b) {
		return true
	}
	var av, bv any
	if err := json.Unmarshal(a, &av); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &bv); err != nil {
		return false
	}
	c.strip(av)
	c.strip(bv)
	return reflect.DeepEqual(av, bv)
}

func (c JSON) strip(v any) {
	m, ok := v.(map[string]any)
	if !ok {
		return
	}
	for _, k := range c.IgnoreKeys {
		delete(m, k)
	}
}

// Proto encodes proto.Message payloads. New must produce an empty message
// of the recorded type; it is used to decode both sides for semantic
// comparison via proto.Equal.
type Proto struct {
	New func() proto.Message
}

func (c Proto) Encode(v any) ([]byte, error) {
	msg, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("proto codec: %T is not a proto.Message", v)
	}
	return proto.Marshal(msg)
}

func (c Proto) Decode(data []byte, v any) error {
	msg, ok := v.(proto.Message)
	if !ok {
		return fmt.Errorf("proto codec: %T is not a proto.Message", v)
	}
	return proto.Unmarshal(data, msg)
}

func (c Proto) Equal(a, b []byte) bool {
	if bytes.Equal(a, b) {
		return true
	}
	if c.New == nil {
		return false
	}
	am, bm := c.New(), c.New()
	if err := proto.Unmarshal(a, am); err != nil {
		return false
	}
	if err := proto.Unmarshal(b, bm); err != nil {
		return false
	}
	return proto.Equal(am, bm)
}
