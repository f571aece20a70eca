package record

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"math/rand"
	"testing"
)

func TestUnitMarshal(t *testing.T) {
	tests := []struct {
		r   *Record
		key []byte
		val []byte
	}{
		{New(nil, []byte("m1")), nil, []byte("m1")},
		{New([]byte("foo"), []byte("m1")), []byte("foo"), []byte("m1")},
		{New(nil, nil), nil, nil},
		{New([]byte{}, []byte{}), []byte{}, []byte{}},
	}

	for _, test := range tests {
		b := test.r.Marshal()
		t.Logf("%v %s", b, base64.StdEncoding.EncodeToString(b))
		r, err := Unmarshal(b)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(r.Key, test.key) || (r.Key == nil) != (test.key == nil) {
			t.Fatal(r.Key)
		}
		if !bytes.Equal(r.Value, test.val) || (r.Value == nil) != (test.val == nil) {
			t.Fatal(r.Value)
		}
	}
}

func TestUnitHeaders(t *testing.T) {
	r := New([]byte("k"), []byte("v"))
	r.Headers = []Header{{"h1", []byte("a")}, {"h2", nil}}
	r.TimestampDelta = 12
	r.OffsetDelta = 3
	s, err := Unmarshal(r.Marshal())
	if err != nil {
		t.Fatal(err)
	}
	if len(s.Headers) != 2 || s.Headers[0].Key != "h1" || string(s.Headers[0].Value) != "a" || s.Headers[1].Value != nil {
		t.Fatalf("%+v", s.Headers)
	}
	if s.TimestampDelta != 12 || s.OffsetDelta != 3 {
		t.Fatalf("%+v", s)
	}
}

// this came from the wire from a live kafka 1.0 broker
const recordBodyFixture = `EAAABAEEbTMA`

func TestUnitUnmarshal(t *testing.T) {
	b, _ := base64.StdEncoding.DecodeString(recordBodyFixture)
	r, err := Unmarshal(b)
	if err != nil {
		t.Fatal(err)
	}
	if string(r.Value) != "m3" {
		t.Fatal(string(r.Value))
	}
	if r.Key != nil || r.OffsetDelta != 2 {
		t.Fatalf("%+v", r)
	}
	// the fixture re-marshals to the same bytes
	if c := r.Marshal(); !bytes.Equal(b, c) {
		t.Fatal(c)
	}
}

func TestUnitUnmarshalTruncated(t *testing.T) {
	b, _ := base64.StdEncoding.DecodeString(recordBodyFixture)
	for i := 0; i < len(b); i++ {
		if _, err := Unmarshal(b[:i]); err == nil {
			t.Fatal(i)
		}
	}
}

func BenchmarkRecord_Marshal(b *testing.B) {
	const messagesN = 1e3
	msgs := make([]*Record, messagesN)
	for i := 0; i < messagesN; i++ {
		key := fmt.Sprintf("key_%d", i)
		val := fmt.Sprintf("value_%d", i)
		r := New([]byte(key), []byte(val))
		r.TimestampDelta = rand.Int63()
		r.OffsetDelta = rand.Int63()
		msgs[i] = r
	}
	b.ResetTimer()
	b.ReportAllocs()
	var buf []byte
	for i := 0; i < b.N; i++ {
		buf = msgs[i%messagesN].AppendTo(buf[:0])
	}
}
