package api

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"reflect"

	"github.com/kilpp/devops-pocs/wire"
)

// https://kafka.apache.org/protocol
// https://kafka.apache.org/documentation/#messageformat

// Request is a request header (v1) followed by the body. CorrelationId is
// set by the connection just before the request is written.
type Request struct {
	ApiKey        int16
	ApiVersion    int16
	CorrelationId int32
	ClientId      string `wire:"nullable"`
	Body          interface{}
	// NoResponse is set for requests the broker does not answer (produce
	// with acks=0).
	NoResponse bool `wire:"omit"`
}

func (r *Request) String() string {
	return fmt.Sprintf("%s v%d", Keys[r.ApiKey], r.ApiVersion)
}

// Bytes returns the size prefixed request.
func (r *Request) Bytes() ([]byte, error) {
	tmp := new(bytes.Buffer)
	if r.Body == nil {
		r.Body = struct{}{}
	}
	if err := wire.Write(tmp, reflect.ValueOf(r)); err != nil {
		return nil, fmt.Errorf("error marshaling %s request: %w", r, err)
	}
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, int32(tmp.Len()))
	tmp.WriteTo(buf)
	return buf.Bytes(), nil
}

// Header of a request as seen by the broker.
type Header struct {
	ApiKey        int16
	ApiVersion    int16
	CorrelationId int32
	ClientId      string `wire:"nullable"`
}

// ReadRequest reads one size prefixed request off r and returns its header
// and the still encoded body. Used by the fake broker in kafkatest.
func ReadRequest(r io.Reader) (*Header, []byte, error) {
	var size int32
	if err := binary.Read(r, binary.BigEndian, &size); err != nil {
		return nil, nil, err
	}
	if size < 8 || size > 1<<28 {
		return nil, nil, fmt.Errorf("invalid request size %d", size)
	}
	b := make([]byte, size)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, nil, fmt.Errorf("error reading request: %w", err)
	}
	body := bytes.NewReader(b)
	h := &Header{}
	if err := wire.Read(body, reflect.ValueOf(h)); err != nil {
		return nil, nil, fmt.Errorf("error reading request header: %w", err)
	}
	return h, b[len(b)-body.Len():], nil
}
