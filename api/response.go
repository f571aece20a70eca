package api

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"reflect"

	"github.com/kilpp/devops-pocs/wire"
)

// Read one size prefixed response off r.
func Read(r io.Reader) (*Response, error) {
	var size int32
	if err := binary.Read(r, binary.BigEndian, &size); err != nil {
		return nil, fmt.Errorf("error reading response size: %w", err)
	}
	if size < 4 || size > 1<<28 {
		return nil, fmt.Errorf("invalid response size %d", size)
	}
	b := make([]byte, int(size))
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, fmt.Errorf("error reading response body: %w", err)
	}
	return &Response{body: b}, nil
}

type Response struct {
	body []byte
}

func (r *Response) CorrelationId() int32 {
	return int32(binary.BigEndian.Uint32(r.body))
}

var ErrEmptyResponse = errors.New("empty response")

func (r *Response) Unmarshal(v interface{}) error {
	if r == nil || len(r.body) < 4 {
		return ErrEmptyResponse
	}
	// [4:] skips bytes used for correlation id
	return wire.Read(bytes.NewReader(r.body[4:]), reflect.ValueOf(v))
}

func (r *Response) Bytes() []byte {
	return r.body[4:]
}

// WriteResponse writes a size prefixed response with body v.
func WriteResponse(w io.Writer, correlationId int32, v interface{}) error {
	tmp := new(bytes.Buffer)
	binary.Write(tmp, binary.BigEndian, correlationId)
	if err := wire.Write(tmp, reflect.ValueOf(v)); err != nil {
		return fmt.Errorf("error marshaling response: %w", err)
	}
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, int32(tmp.Len()))
	tmp.WriteTo(buf)
	_, err := w.Write(buf.Bytes())
	return err
}
