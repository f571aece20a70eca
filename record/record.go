// Package record implements functions for marshaling and unmarshaling
// individual Kafka records (magic v2). Lengths and deltas are zig-zag varints;
// a null key or value has length -1.
package record

import (
	"encoding/binary"
	"errors"
)

var ErrCorrupted = errors.New("corrupted record")

type Header struct {
	Key   string
	Value []byte
}

type Record struct {
	Attributes     int8
	TimestampDelta int64 // ms relative to batch FirstTimestamp
	OffsetDelta    int64 // relative to batch BaseOffset
	Key            []byte
	Value          []byte
	Headers        []Header
}

func New(key, value []byte) *Record {
	return &Record{
		Key:   key,
		Value: value,
	}
}

func appendBytes(b, v []byte) []byte {
	if v == nil {
		return binary.AppendVarint(b, -1)
	}
	b = binary.AppendVarint(b, int64(len(v)))
	return append(b, v...)
}

func (r *Record) body(b []byte) []byte {
	b = append(b, byte(r.Attributes))
	b = binary.AppendVarint(b, r.TimestampDelta)
	b = binary.AppendVarint(b, r.OffsetDelta)
	b = appendBytes(b, r.Key)
	b = appendBytes(b, r.Value)
	b = binary.AppendVarint(b, int64(len(r.Headers)))
	for _, h := range r.Headers {
		b = appendBytes(b, []byte(h.Key))
		b = appendBytes(b, h.Value)
	}
	return b
}

// Marshal the record, length prefixed, as it appears within a batch.
func (r *Record) Marshal() []byte {
	return r.AppendTo(nil)
}

// AppendTo appends the marshaled record to b.
func (r *Record) AppendTo(b []byte) []byte {
	body := r.body(make([]byte, 0, 16+len(r.Key)+len(r.Value)))
	b = binary.AppendVarint(b, int64(len(body)))
	return append(b, body...)
}

type reader struct {
	b   []byte
	err error
}

func (r *reader) varint() int64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Varint(r.b)
	if n <= 0 {
		r.err = ErrCorrupted
		return 0
	}
	r.b = r.b[n:]
	return v
}

func (r *reader) bytes() []byte {
	n := r.varint()
	if r.err != nil || n < 0 {
		return nil
	}
	if int64(len(r.b)) < n {
		r.err = ErrCorrupted
		return nil
	}
	v := r.b[:n:n]
	r.b = r.b[n:]
	return v
}

// Unmarshal a length prefixed record. Key and Value reference b (no copy).
func Unmarshal(b []byte) (*Record, error) {
	rd := &reader{b: b}
	length := rd.varint()
	if rd.err != nil || length < 1 || int64(len(rd.b)) < length {
		return nil, ErrCorrupted
	}
	rd.b = rd.b[:length]
	r := &Record{Attributes: int8(rd.b[0])}
	rd.b = rd.b[1:]
	r.TimestampDelta = rd.varint()
	r.OffsetDelta = rd.varint()
	r.Key = rd.bytes()
	r.Value = rd.bytes()
	n := rd.varint()
	if n < 0 || n > int64(len(rd.b)) {
		return nil, ErrCorrupted
	}
	for i := int64(0); i < n && rd.err == nil; i++ {
		r.Headers = append(r.Headers, Header{Key: string(rd.bytes()), Value: rd.bytes()})
	}
	if rd.err != nil {
		return nil, rd.err
	}
	return r, nil
}
