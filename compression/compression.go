// Package compression implements the record batch compression codecs. The
// codec of a batch is stored in the low 3 bits of the batch attributes.
package compression

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	snappy "github.com/segmentio/kafka-go/compress/snappy/go-xerial-snappy"
)

// https://kafka.apache.org/documentation/#recordbatch
const (
	None = iota
	Gzip
	Snappy
	Lz4
	Zstd
)

// Codec implements the batch.Compressor and batch.Decompressor.
type Codec interface {
	Compress([]byte) ([]byte, error)
	Decompress([]byte) ([]byte, error)
	Type() int16
}

// Nop is used to marshal and unmarshal uncompressed record batches.
type Nop struct{}

func (*Nop) Compress(b []byte) ([]byte, error)   { return b, nil }
func (*Nop) Decompress(b []byte) ([]byte, error) { return b, nil }
func (*Nop) Type() int16                         { return None }

type GzipCodec struct {
	Level int // gzip.DefaultCompression when 0
}

func (c *GzipCodec) Compress(b []byte) ([]byte, error) {
	level := c.Level
	if level == 0 {
		level = gzip.DefaultCompression
	}
	buf := new(bytes.Buffer)
	w, err := gzip.NewWriterLevel(buf, level)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(b); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (*GzipCodec) Decompress(b []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (*GzipCodec) Type() int16 { return Gzip }

// SnappyCodec writes raw snappy blocks and reads both raw and xerial framed
// input (the framing used by the Java client).
type SnappyCodec struct{}

func (*SnappyCodec) Compress(b []byte) ([]byte, error)   { return snappy.Encode(b), nil }
func (*SnappyCodec) Decompress(b []byte) ([]byte, error) { return snappy.Decode(b) }
func (*SnappyCodec) Type() int16                         { return Snappy }

type Lz4Codec struct{}

func (*Lz4Codec) Compress(b []byte) ([]byte, error) {
	buf := new(bytes.Buffer)
	w := lz4.NewWriter(buf)
	if _, err := w.Write(b); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (*Lz4Codec) Decompress(b []byte) ([]byte, error) {
	return io.ReadAll(lz4.NewReader(bytes.NewReader(b)))
}

func (*Lz4Codec) Type() int16 { return Lz4 }

// ZstdCodec shares one encoder and one decoder; both are safe for concurrent
// use through EncodeAll and DecodeAll.
type ZstdCodec struct {
	once sync.Once
	enc  *zstd.Encoder
	dec  *zstd.Decoder
	err  error
}

func (c *ZstdCodec) init() {
	c.once.Do(func() {
		if c.enc, c.err = zstd.NewWriter(nil); c.err != nil {
			return
		}
		c.dec, c.err = zstd.NewReader(nil)
	})
}

func (c *ZstdCodec) Compress(b []byte) ([]byte, error) {
	if c.init(); c.err != nil {
		return nil, c.err
	}
	return c.enc.EncodeAll(b, nil), nil
}

func (c *ZstdCodec) Decompress(b []byte) ([]byte, error) {
	if c.init(); c.err != nil {
		return nil, c.err
	}
	return c.dec.DecodeAll(b, nil)
}

func (*ZstdCodec) Type() int16 { return Zstd }

var (
	nop       = &Nop{}
	gzipCodec = &GzipCodec{}
	snappyC   = &SnappyCodec{}
	lz4Codec  = &Lz4Codec{}
	zstdCodec = &ZstdCodec{}
)

// ForType returns the codec for batch compression type t.
func ForType(t int16) (Codec, error) {
	switch t {
	case None:
		return nop, nil
	case Gzip:
		return gzipCodec, nil
	case Snappy:
		return snappyC, nil
	case Lz4:
		return lz4Codec, nil
	case Zstd:
		return zstdCodec, nil
	}
	return nil, fmt.Errorf("unknown compression type %d", t)
}

// ByName returns the codec for one of none, gzip, snappy, lz4, zstd. Empty
// name is none.
func ByName(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case "", "none":
		return nop, nil
	case "gzip":
		return gzipCodec, nil
	case "snappy":
		return snappyC, nil
	case "lz4":
		return lz4Codec, nil
	case "zstd":
		return zstdCodec, nil
	}
	return nil, fmt.Errorf("unknown compression %q", name)
}
