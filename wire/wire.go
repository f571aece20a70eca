// Package wire implements functions for marshaling and unmarshaling Kafka
// requests and responses. Exported struct fields are written in declaration
// order, big endian. Struct tags: `wire:"omit"` skips a field, and
// `wire:"nullable"` writes an empty string as null (length -1). Slices are
// prefixed with an int32 length, nil slices are null.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"reflect"
)

var ord = binary.BigEndian

const (
	tagOmit     = "omit"
	tagNullable = "nullable"
	// upper bound on array and byte lengths read off the wire
	maxLength = 1 << 28
)

var ErrLength = errors.New("length out of bounds")

// Marshal v (usually a pointer to a struct) into a new byte slice.
func Marshal(v interface{}) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := Write(buf, reflect.ValueOf(v)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal b into v, which must be a pointer. Trailing bytes are ignored.
func Unmarshal(b []byte, v interface{}) error {
	val := reflect.ValueOf(v)
	if val.Kind() != reflect.Ptr || val.IsNil() {
		return fmt.Errorf("wire: unmarshal target must be a non nil pointer, got %T", v)
	}
	return Read(bytes.NewReader(b), val)
}

func Write(w io.Writer, val reflect.Value) error {
	return write(w, val, "")
}

func write(w io.Writer, val reflect.Value, tag string) error {
	switch val.Kind() {
	case reflect.Ptr, reflect.Interface:
		if val.IsNil() {
			return fmt.Errorf("wire: nil %s", val.Type())
		}
		return write(w, val.Elem(), tag)
	case reflect.Struct:
		typ := val.Type()
		for i := 0; i < val.NumField(); i++ {
			f := typ.Field(i)
			if !f.IsExported() || f.Tag.Get("wire") == tagOmit {
				continue
			}
			if err := write(w, val.Field(i), f.Tag.Get("wire")); err != nil {
				return fmt.Errorf("%s.%s: %w", typ.Name(), f.Name, err)
			}
		}
		return nil
	case reflect.Slice:
		if val.IsNil() {
			return binary.Write(w, ord, int32(-1))
		}
		if err := binary.Write(w, ord, int32(val.Len())); err != nil {
			return err
		}
		if val.Type().Elem().Kind() == reflect.Uint8 { // []byte
			_, err := w.Write(val.Bytes())
			return err
		}
		for i := 0; i < val.Len(); i++ {
			if err := write(w, val.Index(i), ""); err != nil {
				return err
			}
		}
		return nil
	case reflect.String:
		s := val.String()
		if s == "" && tag == tagNullable {
			return binary.Write(w, ord, int16(-1))
		}
		if len(s) > 1<<15-1 {
			return ErrLength
		}
		if err := binary.Write(w, ord, int16(len(s))); err != nil {
			return err
		}
		_, err := io.WriteString(w, s)
		return err
	case reflect.Int8:
		return binary.Write(w, ord, int8(val.Int()))
	case reflect.Int16:
		return binary.Write(w, ord, int16(val.Int()))
	case reflect.Int32:
		return binary.Write(w, ord, int32(val.Int()))
	case reflect.Uint32:
		return binary.Write(w, ord, uint32(val.Uint()))
	case reflect.Int64:
		return binary.Write(w, ord, val.Int())
	case reflect.Bool:
		var b byte
		if val.Bool() {
			b = 1
		}
		_, err := w.Write([]byte{b})
		return err
	}
	return fmt.Errorf("wire: unsupported kind %s", val.Kind())
}

// Read val from r. Does not buffer, so r can be a stream positioned at the
// start of val.
func Read(r io.Reader, val reflect.Value) error {
	return read(r, val)
}

func read(r io.Reader, val reflect.Value) error {
	switch val.Kind() {
	case reflect.Ptr, reflect.Interface:
		if val.IsNil() {
			return fmt.Errorf("wire: nil %s", val.Type())
		}
		return read(r, val.Elem())
	case reflect.Struct:
		typ := val.Type()
		for i := 0; i < val.NumField(); i++ {
			f := typ.Field(i)
			if !f.IsExported() || f.Tag.Get("wire") == tagOmit {
				continue
			}
			if err := read(r, val.Field(i)); err != nil {
				return fmt.Errorf("%s.%s: %w", typ.Name(), f.Name, err)
			}
		}
		return nil
	case reflect.Slice:
		var n int32
		if err := binary.Read(r, ord, &n); err != nil {
			return fmt.Errorf("error reading array length: %w", err)
		}
		if n < 0 {
			val.Set(reflect.Zero(val.Type())) // null
			return nil
		}
		if n > maxLength {
			return ErrLength
		}
		typ := val.Type().Elem()
		if typ.Kind() == reflect.Uint8 { // []byte
			b := make([]byte, n)
			if _, err := io.ReadFull(r, b); err != nil {
				return fmt.Errorf("error reading []byte body: %w", err)
			}
			val.SetBytes(b)
			return nil
		}
		s := reflect.MakeSlice(val.Type(), 0, 0)
		for i := 0; i < int(n); i++ {
			element := reflect.New(typ).Elem()
			if err := read(r, element); err != nil {
				return fmt.Errorf("error parsing array element %d: %w", i, err)
			}
			s = reflect.Append(s, element)
		}
		val.Set(s)
		return nil
	case reflect.String:
		var n int16
		if err := binary.Read(r, ord, &n); err != nil {
			return fmt.Errorf("error reading string length: %w", err)
		}
		if n < 0 {
			val.SetString("") // null
			return nil
		}
		b := make([]byte, n)
		if _, err := io.ReadFull(r, b); err != nil {
			return fmt.Errorf("error reading string body: %w", err)
		}
		val.SetString(string(b))
		return nil
	case reflect.Int8:
		var i int8
		if err := binary.Read(r, ord, &i); err != nil {
			return fmt.Errorf("error reading int8: %w", err)
		}
		val.SetInt(int64(i))
		return nil
	case reflect.Int16:
		var i int16
		if err := binary.Read(r, ord, &i); err != nil {
			return fmt.Errorf("error reading int16: %w", err)
		}
		val.SetInt(int64(i))
		return nil
	case reflect.Int32:
		var i int32
		if err := binary.Read(r, ord, &i); err != nil {
			return fmt.Errorf("error reading int32: %w", err)
		}
		val.SetInt(int64(i))
		return nil
	case reflect.Uint32:
		var i uint32
		if err := binary.Read(r, ord, &i); err != nil {
			return fmt.Errorf("error reading uint32: %w", err)
		}
		val.SetUint(uint64(i))
		return nil
	case reflect.Int64:
		var i int64
		if err := binary.Read(r, ord, &i); err != nil {
			return fmt.Errorf("error reading int64: %w", err)
		}
		val.SetInt(i)
		return nil
	case reflect.Bool:
		b := make([]byte, 1)
		if _, err := io.ReadFull(r, b); err != nil {
			return fmt.Errorf("error reading bool: %w", err)
		}
		val.SetBool(b[0] != 0)
		return nil
	}
	return fmt.Errorf("wire: unsupported kind %s", val.Kind())
}
