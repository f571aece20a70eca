// Package producer is the producer core. Records are appended to an open
// batch per destination partition; a batch is dispatched when it reaches
// Config.BatchBytes or when Config.Linger has passed since its first record,
// whichever comes first. Records within one partition reach the broker in
// the order Send was called for them as long as MaxInFlight is 1. Every
// record's Future resolves exactly once: with the assigned offset, with a
// *kafkapoc.DeliveryError after retries are exhausted, or with
// kafkapoc.ErrCancelled when the producer is closed before delivery.
package producer

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	kafkapoc "github.com/kilpp/devops-pocs"
	"github.com/kilpp/devops-pocs/api/Produce"
	"github.com/kilpp/devops-pocs/batch"
	"github.com/kilpp/devops-pocs/client"
	"github.com/kilpp/devops-pocs/metrics"
	"github.com/kilpp/devops-pocs/record"
)

// Record to be sent. The producer does not modify it.
type Record struct {
	Topic   string
	Key     []byte // nil key is null
	Value   []byte // nil value is null
	Headers []record.Header
	// Timestamp defaults to the time of Send.
	Timestamp time.Time
	// Partition, when set, overrides the partitioner.
	Partition *int32
}

// Cluster is the part of the connection manager the producer uses.
// *client.Manager implements it.
type Cluster interface {
	Partitions(ctx context.Context, topic string) ([]int32, error)
	Produce(ctx context.Context, topic string, partition int32, acks int16, timeoutMs int32, recordSet []byte) (*Produce.PartitionResponse, error)
}

// Compressor compresses batch records. compression.Codec implements it.
type Compressor = batch.Compressor

type Config struct {
	// Acks zero value is AcksNone. See DefaultConfig.
	Acks         Acks
	Retries      int
	RetryBackoff time.Duration
	BatchBytes   int
	// Linger of 0 or less dispatches a batch as soon as the partition has
	// no batch in flight beyond MaxInFlight, with the records queued by then.
	Linger time.Duration
	// MaxInFlight batches per partition. Values above 1 allow batches of
	// one partition to be reordered when one of them is retried.
	MaxInFlight    int
	RequestTimeout time.Duration
	// QueueSize is the number of records buffered per partition before
	// Send blocks.
	QueueSize   int
	Compression Compressor
	Partitioner Partitioner
	Logger      *zap.Logger
	Observer    metrics.ProducerObserver
}

const (
	DefaultRetries        = 3
	DefaultRetryBackoff   = 100 * time.Millisecond
	DefaultBatchBytes     = 16384
	DefaultLinger         = 10 * time.Millisecond
	DefaultRequestTimeout = 30 * time.Second
	DefaultQueueSize      = 1024
)

// DefaultConfig waits for all in-sync replicas.
func DefaultConfig() Config {
	return Config{
		Acks:           AcksAll,
		Retries:        DefaultRetries,
		RetryBackoff:   DefaultRetryBackoff,
		BatchBytes:     DefaultBatchBytes,
		Linger:         DefaultLinger,
		MaxInFlight:    1,
		RequestTimeout: DefaultRequestTimeout,
		QueueSize:      DefaultQueueSize,
	}
}

func (c Config) withDefaults() Config {
	if c.Retries < 0 {
		c.Retries = 0
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	if c.BatchBytes <= 0 {
		c.BatchBytes = DefaultBatchBytes
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 1
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.Partitioner == nil {
		c.Partitioner = NewHashPartitioner()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Observer == nil {
		c.Observer = metrics.NoopObserver{}
	}
	return c
}

var ErrClosed = errors.New("producer closed")

// Producer is safe for concurrent use.
type Producer struct {
	cfg     Config
	cluster Cluster
	log     *zap.Logger
	obs     metrics.ProducerObserver

	// ctx is cancelled when Close gives up waiting, aborting sends
	ctx    context.Context
	cancel context.CancelFunc
	stop   chan struct{}

	mu           sync.Mutex
	closed       bool
	accumulators map[kafkapoc.TopicPartition]*accumulator
	outstanding  map[*Future]struct{}
	idle         chan struct{} // closed when outstanding drops to 0
	wg           sync.WaitGroup
}

func New(cluster Cluster, cfg Config) (*Producer, error) {
	if cluster == nil {
		return nil, errors.New("nil cluster")
	}
	switch cfg.Acks {
	case AcksNone, AcksLeader, AcksAll:
	default:
		return nil, fmt.Errorf("invalid acks %d", cfg.Acks)
	}
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Producer{
		cfg:          cfg,
		cluster:      cluster,
		log:          cfg.Logger,
		obs:          cfg.Observer,
		ctx:          ctx,
		cancel:       cancel,
		stop:         make(chan struct{}),
		accumulators: make(map[kafkapoc.TopicPartition]*accumulator),
		outstanding:  make(map[*Future]struct{}),
	}, nil
}

// Send queues the record for delivery and returns its future. Send blocks
// only when the partition queue is full, until there is room or ctx ends.
// Errors choosing the partition (unknown topic, broker unreachable) resolve
// the future right away.
func (p *Producer) Send(ctx context.Context, r *Record) *Future {
	f := newFuture(r)
	if r == nil {
		f.resolve(-1, errors.New("nil record"))
		return f
	}
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		f.resolve(-1, ErrClosed)
		return f
	}
	ts := r.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	partition, err := p.partition(ctx, r)
	if err != nil {
		f.resolve(-1, err)
		return f
	}
	f.result.Partition = partition
	tp := kafkapoc.TopicPartition{Topic: r.Topic, Partition: partition}
	a, err := p.track(f, tp)
	if err != nil {
		f.resolve(-1, err)
		return f
	}
	select {
	case a.in <- &pending{record: r, future: f, ts: ts}:
	case <-ctx.Done():
		f.resolve(-1, ctx.Err())
	case <-p.stop:
		f.resolve(-1, kafkapoc.ErrCancelled)
	}
	return f
}

func (p *Producer) partition(ctx context.Context, r *Record) (int32, error) {
	partitions, err := p.cluster.Partitions(ctx, r.Topic)
	if err != nil {
		return -1, fmt.Errorf("error getting partitions for topic %s: %w", r.Topic, err)
	}
	if len(partitions) == 0 {
		return -1, fmt.Errorf("topic %s has no partitions", r.Topic)
	}
	if r.Partition != nil {
		if !slices.Contains(partitions, *r.Partition) {
			return -1, fmt.Errorf("%s-%d: %w", r.Topic, *r.Partition, client.ErrPartitionDoesNotExist)
		}
		return *r.Partition, nil
	}
	return p.cfg.Partitioner.Partition(r, partitions), nil
}

// track registers f as outstanding and returns the accumulator for tp,
// starting it if needed.
func (p *Producer) track(f *Future, tp kafkapoc.TopicPartition) (*accumulator, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	p.outstanding[f] = struct{}{}
	f.onResolve = p.untrack
	a := p.accumulators[tp]
	if a == nil {
		a = newAccumulator(p, tp)
		p.accumulators[tp] = a
		p.wg.Add(1)
		go a.run()
	}
	return a, nil
}

func (p *Producer) untrack(f *Future) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.outstanding, f)
	if len(p.outstanding) == 0 && p.idle != nil {
		close(p.idle)
		p.idle = nil
	}
}

// Flush dispatches all open batches and waits until every record sent so
// far has resolved, or ctx ends.
func (p *Producer) Flush(ctx context.Context) error {
	p.mu.Lock()
	for _, a := range p.accumulators {
		a.flush()
	}
	p.mu.Unlock()
	for {
		p.mu.Lock()
		if len(p.outstanding) == 0 {
			p.mu.Unlock()
			return nil
		}
		if p.idle == nil {
			p.idle = make(chan struct{})
		}
		idle := p.idle
		p.mu.Unlock()
		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close stops accepting records and flushes. If ctx ends before the flush
// completes, in-flight requests are aborted and every pending future
// resolves with kafkapoc.ErrCancelled. Close returns the flush error.
func (p *Producer) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	// an ended ctx cancels without dispatching what is still lingering
	err := ctx.Err()
	if err == nil {
		err = p.Flush(ctx)
	}
	if err != nil {
		p.log.Warn("close timed out, cancelling pending records", zap.Error(err))
		p.cancel()
	}
	close(p.stop)
	p.wg.Wait()
	p.mu.Lock()
	var pending []*Future
	for f := range p.outstanding {
		pending = append(pending, f)
	}
	p.mu.Unlock()
	for _, f := range pending {
		f.resolve(-1, kafkapoc.ErrCancelled)
	}
	p.cancel()
	return err
}
