/*
Package batch implements functions for building, marshaling, and unmarshaling
Kafka record batches.

Producing

Call NewBuilder and Add records to it. Builder tracks the marshaled size of
the batch so the producer can close a batch on a size threshold. Call
Builder.Build and pass the returned Batch (optionally compressed with
Batch.Compress) to Produce as Batch.Marshal.

Fetching ("consuming")

Fetch result (if successful) will contain RecordSet. Call its Batches method to
get byte slices containing individual batches. Unmarshal each batch
individually, Decompress it, and call Records and then record.Unmarshal.
Passing around batches is much more efficient than passing individual
records, so save record unmarshaling until the very end.
*/
package batch

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"reflect"
	"time"

	"github.com/kilpp/devops-pocs/compression"
	"github.com/kilpp/devops-pocs/record"
	"github.com/kilpp/devops-pocs/wire"
)

// HeaderLen is the length of the marshaled batch header. BatchLengthBytes
// counts everything after the first 12 bytes (BaseOffset and itself).
const HeaderLen = 61

type Compressor interface {
	Compress([]byte) ([]byte, error)
	Type() int16
}

type Decompressor interface {
	Decompress([]byte) ([]byte, error)
	Type() int16
}

// NewBuilder for a batch whose FirstTimestamp is now.
func NewBuilder(now time.Time) *Builder {
	ms := now.UnixMilli()
	return &Builder{first: ms, max: ms}
}

// Builder is used for building record batches. Records are marshaled as they
// are added. There is no limit on the number of records (up to the user). Not
// safe for concurrent use.
type Builder struct {
	first   int64
	max     int64
	n       int
	nilSeen bool
	buf     []byte
}

// Add records to the batch. Each record's OffsetDelta is set to its position
// in the batch; TimestampDelta is kept as is.
func (b *Builder) Add(records ...*record.Record) {
	for _, r := range records {
		if r == nil {
			b.nilSeen = true
			continue
		}
		b.add(r)
	}
}

// AddAt adds a record produced at time ts. TimestampDelta is relative to
// the batch FirstTimestamp and is negative for records older than it.
func (b *Builder) AddAt(ts time.Time, r *record.Record) {
	if r == nil {
		b.nilSeen = true
		return
	}
	r.TimestampDelta = ts.UnixMilli() - b.first
	b.add(r)
}

func (b *Builder) add(r *record.Record) {
	r.OffsetDelta = int64(b.n)
	// MaxTimestamp is the newest record, not the batch base
	if ts := b.first + r.TimestampDelta; b.n == 0 || ts > b.max {
		b.max = ts
	}
	b.buf = r.AppendTo(b.buf)
	b.n++
}

func (b *Builder) AddStrings(values ...string) *Builder {
	for _, s := range values {
		b.Add(record.New(nil, []byte(s)))
	}
	return b
}

// NumRecords that have been added to the builder.
func (b *Builder) NumRecords() int {
	return b.n
}

// Size of the batch, in bytes, if it was built now (uncompressed).
func (b *Builder) Size() int {
	return HeaderLen + len(b.buf)
}

// SizeAfter returns what Size would be after AddAt(ts, r). Does not modify
// r or the builder.
func (b *Builder) SizeAfter(ts time.Time, r *record.Record) int {
	tmp := *r
	tmp.TimestampDelta = ts.UnixMilli() - b.first
	tmp.OffsetDelta = int64(b.n)
	return b.Size() + len(tmp.AppendTo(nil))
}

var (
	ErrEmpty     = errors.New("empty batch")
	ErrNilRecord = errors.New("nil record in batch")
)

// Build a record batch. Returns ErrEmpty if batch has no records. Returns
// ErrNilRecord if any of the added records was nil. Marshaled records are not
// compressed (call Batch.Compress). Idempotent; the builder can be reused
// after Reset.
func (b *Builder) Build() (*Batch, error) {
	if b.nilSeen {
		return nil, ErrNilRecord
	}
	if b.n == 0 {
		return nil, ErrEmpty
	}
	records := make([]byte, len(b.buf))
	copy(records, b.buf)
	return &Batch{
		BatchLengthBytes: int32(HeaderLen - 12 + len(records)),
		Magic:            2,
		Attributes:       compression.None,
		LastOffsetDelta:  int32(b.n - 1),
		FirstTimestamp:   b.first,
		MaxTimestamp:     b.max,
		ProducerId:       -1,
		ProducerEpoch:    -1,
		BaseSequence:     -1,
		NumRecords:       int32(b.n),
		MarshaledRecords: records,
	}, nil
}

// Reset the builder to an empty batch whose FirstTimestamp is now.
func (b *Builder) Reset(now time.Time) {
	*b = Builder{first: now.UnixMilli(), max: now.UnixMilli(), buf: b.buf[:0]}
}

var (
	CorruptedBatchError = errors.New("batch crc does not match bytes")
	crc32c              = crc32.MakeTable(crc32.Castagnoli)
)

// Unmarshal the batch. On error batch is nil. If there is an error, it is most
// likely because the crc failed. In that case there is no way to tell how many
// records there were in the batch (and to adjust offsets accordingly).
func Unmarshal(b []byte) (*Batch, error) {
	if len(b) < HeaderLen {
		return nil, fmt.Errorf("batch too short (%d bytes)", len(b))
	}
	buf := bytes.NewBuffer(b)
	batch := &Batch{}
	if err := wire.Read(buf, reflect.ValueOf(batch)); err != nil {
		return nil, err
	}
	if batch.Magic != 2 {
		return nil, fmt.Errorf("unsupported batch magic %d", batch.Magic)
	}
	batch.MarshaledRecords = buf.Bytes() // the remainder is the message bodies
	crc := crc32.Checksum(b[21:], crc32c)
	if crc != batch.Crc {
		return nil, CorruptedBatchError
	}
	return batch, nil
}

// Batch defines Kafka record batch in wire format. Not safe for concurrent use.
type Batch struct {
	BaseOffset           int64
	BatchLengthBytes     int32
	PartitionLeaderEpoch int32
	Magic                int8 // this should be =2
	Crc                  uint32
	Attributes           int16
	LastOffsetDelta      int32 // NumRecords-1
	FirstTimestamp       int64 // ms since epoch
	MaxTimestamp         int64 // ms since epoch
	ProducerId           int64 // for transactions only see KIP-360
	ProducerEpoch        int16 // for transactions only see KIP-360
	BaseSequence         int32
	NumRecords           int32 // LastOffsetDelta+1
	//
	MarshaledRecords []byte `wire:"omit" json:"-"`
}

func (batch *Batch) CompressionType() int16 {
	return batch.Attributes & 0b111
}

const (
	TimestampCreate    = 0b0000
	TimestampLogAppend = 0b1000
)

func (batch *Batch) TimestampType() int16 {
	return batch.Attributes & 0b1000
}

func (batch *Batch) LastOffset() int64 {
	return batch.BaseOffset + int64(batch.LastOffsetDelta)
}

// Timestamp of record r from this batch. For log append time batches this is
// the broker assigned MaxTimestamp.
func (batch *Batch) Timestamp(r *record.Record) time.Time {
	if batch.TimestampType() == TimestampLogAppend {
		return time.UnixMilli(batch.MaxTimestamp)
	}
	return time.UnixMilli(batch.FirstTimestamp + r.TimestampDelta)
}

// Marshal batch header and append marshaled records. If you want the batch to
// be compressed call Compress before Marshal. Mutates the batch Crc.
func (batch *Batch) Marshal() RecordSet {
	buf := new(bytes.Buffer)
	if err := wire.Write(buf, reflect.ValueOf(batch)); err != nil {
		panic(err) // fixed set of integer fields
	}
	buf.Write(batch.MarshaledRecords)
	b := buf.Bytes()
	batch.Crc = crc32.Checksum(b[21:], crc32c)
	binary.BigEndian.PutUint32(b[17:], batch.Crc)
	return b
}

// Compress batch records with supplied compressor. Mutates batch on success
// only. Call before Marshal. Not idempotent (on success).
func (batch *Batch) Compress(c Compressor) error {
	if c == nil || c.Type() == compression.None {
		return nil
	}
	b, err := c.Compress(batch.MarshaledRecords)
	if err != nil {
		return fmt.Errorf("error compressing batch records: %w", err)
	}
	batch.BatchLengthBytes = int32(HeaderLen - 12 + len(b))
	batch.Attributes = batch.Attributes&^0b111 | c.Type()
	batch.Crc = 0 // invalidate crc
	batch.MarshaledRecords = b
	return nil
}

// Decompress batch with supplied decompressor. Mutates batch. Call after
// Unmarshal and before Records. Not idempotent.
func (batch *Batch) Decompress(d Decompressor) error {
	if batch.CompressionType() == compression.None {
		return nil
	}
	if d.Type() != batch.CompressionType() {
		return fmt.Errorf("batch compression type %d, decompressor type %d", batch.CompressionType(), d.Type())
	}
	b, err := d.Decompress(batch.MarshaledRecords)
	if err != nil {
		return fmt.Errorf("error decompressing record batch: %w", err)
	}
	batch.BatchLengthBytes = int32(HeaderLen - 12 + len(b))
	batch.Attributes &^= 0b111
	batch.Crc = 0 // invalidate crc
	batch.MarshaledRecords = b
	return nil
}

// Records retrieves individual (marshaled) records from the batch. If batch
// records are compressed you must call Decompress first. Stops at the first
// record whose length does not fit the remaining bytes.
func (batch *Batch) Records() [][]byte {
	var records [][]byte
	for b := batch.MarshaledRecords; len(b) > 0; {
		length, n := binary.Varint(b)
		if n <= 0 || length < 0 || int64(len(b)-n) < length {
			break
		}
		n += int(length)
		records = append(records, b[0:n])
		b = b[n:]
	}
	return records
}

// RecordSet is composed of 1 or more record batches. Fetch API calls respond
// with record sets. Byte representation of a record set with only one record
// batch is identical to the record batch.
type RecordSet []byte

// Batches returns the batches in the record set. Because Kafka limits response
// byte sizes, the last record batch in the set may be truncated (bytes will be
// missing from the end). In such case the last batch is discarded.
func (b RecordSet) Batches() [][]byte {
	var batches [][]byte
	for len(b) >= 12 {
		length := int32(binary.BigEndian.Uint32(b[8:12]))
		if length < 0 {
			break
		}
		n := int(length) + 8 + 4
		if len(b) < n {
			break // "incomplete" batch
		}
		batches = append(batches, b[:n])
		b = b[n:]
	}
	return batches
}

// DecodeRecords decompresses the batch (if compressed) and unmarshals its
// records. Mutates the batch like Decompress.
func (batch *Batch) DecodeRecords() ([]*record.Record, error) {
	d, err := compression.ForType(batch.CompressionType())
	if err != nil {
		return nil, err
	}
	if err := batch.Decompress(d); err != nil {
		return nil, err
	}
	raw := batch.Records()
	records := make([]*record.Record, 0, len(raw))
	for _, b := range raw {
		r, err := record.Unmarshal(b)
		if err != nil {
			return nil, fmt.Errorf("record at offset %d: %w", batch.BaseOffset+int64(len(records)), err)
		}
		records = append(records, r)
	}
	if len(records) != int(batch.NumRecords) {
		return records, fmt.Errorf("batch at offset %d has %d records, header says %d", batch.BaseOffset, len(records), batch.NumRecords)
	}
	return records, nil
}
