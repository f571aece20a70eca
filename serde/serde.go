// Package serde converts keys and values to and from the bytes stored in
// records. A nil byte slice is a null key or value.
package serde

import (
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/linkedin/goavro/v2"
)

type Serializer[T any] interface {
	Serialize(v T) ([]byte, error)
}

type Deserializer[T any] interface {
	Deserialize(b []byte) (T, error)
}

type Serde[T any] interface {
	Serializer[T]
	Deserializer[T]
}

var ErrInvalidUTF8 = errors.New("invalid utf-8")

type stringSerde struct{}

// String is UTF-8 text. The empty string is null and null decodes to the
// empty string.
func String() Serde[string] { return stringSerde{} }

func (stringSerde) Serialize(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	if !utf8.ValidString(s) {
		return nil, ErrInvalidUTF8
	}
	return []byte(s), nil
}

func (stringSerde) Deserialize(b []byte) (string, error) {
	if !utf8.Valid(b) {
		return "", ErrInvalidUTF8
	}
	return string(b), nil
}

type bytesSerde struct{}

// Bytes passes bytes through as is.
func Bytes() Serde[[]byte] { return bytesSerde{} }

func (bytesSerde) Serialize(b []byte) ([]byte, error)   { return b, nil }
func (bytesSerde) Deserialize(b []byte) ([]byte, error) { return b, nil }

type jsonSerde[T any] struct{}

// JSON encodes T with encoding/json. Null decodes to the zero T.
func JSON[T any]() Serde[T] { return jsonSerde[T]{} }

func (jsonSerde[T]) Serialize(v T) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("error encoding json: %w", err)
	}
	return b, nil
}

func (jsonSerde[T]) Deserialize(b []byte) (T, error) {
	var v T
	if b == nil {
		return v, nil
	}
	if err := json.Unmarshal(b, &v); err != nil {
		return v, fmt.Errorf("error decoding json: %w", err)
	}
	return v, nil
}

// Avro is the binary encoding of one avro schema. Values are goavro native
// values: map[string]any for records, and goavro unions for nullable fields.
type Avro struct {
	codec *goavro.Codec
}

func NewAvro(schema string) (*Avro, error) {
	codec, err := goavro.NewCodec(schema)
	if err != nil {
		return nil, fmt.Errorf("error parsing avro schema: %w", err)
	}
	return &Avro{codec: codec}, nil
}

// Schema in canonical form.
func (a *Avro) Schema() string { return a.codec.CanonicalSchema() }

func (a *Avro) Serialize(v any) ([]byte, error) {
	b, err := a.codec.BinaryFromNative(nil, v)
	if err != nil {
		return nil, fmt.Errorf("error encoding avro: %w", err)
	}
	return b, nil
}

func (a *Avro) Deserialize(b []byte) (any, error) {
	v, rest, err := a.codec.NativeFromBinary(b)
	if err != nil {
		return nil, fmt.Errorf("error decoding avro: %w", err)
	}
	if len(rest) > 0 {
		return nil, fmt.Errorf("error decoding avro: %d trailing bytes", len(rest))
	}
	return v, nil
}
