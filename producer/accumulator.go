package producer

import (
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	kafkapoc "github.com/kilpp/devops-pocs"
	"github.com/kilpp/devops-pocs/api/Produce"
	"github.com/kilpp/devops-pocs/batch"
	"github.com/kilpp/devops-pocs/client"
	"github.com/kilpp/devops-pocs/record"
)

type pending struct {
	record *Record
	future *Future
	ts     time.Time
}

// inFlight is a closed batch on its way to the partition leader.
type inFlight struct {
	records  []*pending
	set      batch.RecordSet
	attempts int
}

// accumulator owns the open batch of one partition. Its run loop is the
// only goroutine that touches the builder.
type accumulator struct {
	p       *Producer
	tp      kafkapoc.TopicPartition
	in      chan *pending
	flushc  chan struct{}
	sem     chan struct{} // bounds batches in flight
	builder *batch.Builder
	records []*pending
	linger  *time.Timer
}

func newAccumulator(p *Producer, tp kafkapoc.TopicPartition) *accumulator {
	t := time.NewTimer(time.Hour)
	t.Stop()
	return &accumulator{
		p:       p,
		tp:      tp,
		in:      make(chan *pending, p.cfg.QueueSize),
		flushc:  make(chan struct{}, 1),
		sem:     make(chan struct{}, p.cfg.MaxInFlight),
		builder: batch.NewBuilder(time.Now()),
		linger:  t,
	}
}

func (a *accumulator) flush() {
	select {
	case a.flushc <- struct{}{}:
	default:
	}
}

func (a *accumulator) run() {
	defer a.p.wg.Done()
	for {
		select {
		case r := <-a.in:
			a.add(r)
			if a.p.cfg.Linger <= 0 {
				a.drain()
				a.dispatch()
			}
		case <-a.linger.C:
			a.dispatch()
		case <-a.flushc:
			a.drain()
			a.dispatch()
		case <-a.p.stop:
			a.drain()
			a.dispatch()
			a.wait()
			return
		}
	}
}

// drain moves queued records into batches without blocking.
func (a *accumulator) drain() {
	for {
		select {
		case r := <-a.in:
			a.add(r)
		default:
			return
		}
	}
}

// add the record to the open batch. If the record does not fit, the open
// batch is dispatched first. A batch that reaches BatchBytes is dispatched
// right away.
func (a *accumulator) add(r *pending) {
	rec := &record.Record{Key: r.record.Key, Value: r.record.Value, Headers: r.record.Headers}
	limit := a.p.cfg.BatchBytes
	if len(a.records) > 0 && a.builder.SizeAfter(r.ts, rec) > limit {
		a.dispatch()
	}
	if len(a.records) == 0 {
		a.builder.Reset(r.ts)
		if a.p.cfg.Linger > 0 {
			a.linger.Reset(a.p.cfg.Linger)
		}
	}
	a.builder.AddAt(r.ts, rec)
	a.records = append(a.records, r)
	if a.builder.Size() >= limit {
		a.dispatch()
	}
}

// dispatch closes the open batch and hands it to a sender goroutine. Blocks
// while MaxInFlight batches are in flight. Noop for an empty batch.
func (a *accumulator) dispatch() {
	a.linger.Stop()
	if len(a.records) == 0 {
		return
	}
	records := a.records
	a.records = nil
	b, err := a.builder.Build()
	a.builder.Reset(time.Now())
	if err == nil {
		err = b.Compress(a.p.cfg.Compression)
	}
	if err != nil {
		for _, r := range records {
			r.future.resolve(-1, err)
		}
		return
	}
	set := b.Marshal()
	a.p.obs.RecordBatch(a.tp.Topic, len(records), len(set))
	a.sem <- struct{}{}
	a.p.wg.Add(1)
	go func() {
		defer a.p.wg.Done()
		defer func() { <-a.sem }()
		a.send(&inFlight{records: records, set: set})
	}()
}

// wait until no batch is in flight.
func (a *accumulator) wait() {
	for i := 0; i < cap(a.sem); i++ {
		a.sem <- struct{}{}
	}
}

// send the batch, retrying with exponential backoff, and resolve its
// futures. Leadership errors have already invalidated the cached metadata
// so the retry goes to the new leader.
func (a *accumulator) send(f *inFlight) {
	cfg := a.p.cfg
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.RetryBackoff
	b.MaxInterval = 10 * cfg.RetryBackoff
	timeoutMs := int32(cfg.RequestTimeout / time.Millisecond)
	op := func() (*Produce.PartitionResponse, error) {
		if a.p.ctx.Err() != nil {
			return nil, backoff.Permanent(kafkapoc.ErrCancelled)
		}
		f.attempts++
		if f.attempts > 1 {
			a.p.obs.RecordRetry(a.tp.Topic)
		}
		resp, err := a.p.cluster.Produce(a.p.ctx, a.tp.Topic, a.tp.Partition, int16(cfg.Acks), timeoutMs, f.set)
		if err == nil {
			return resp, nil
		}
		if a.p.ctx.Err() != nil || errors.Is(err, client.ErrClosed) {
			return nil, backoff.Permanent(kafkapoc.ErrCancelled)
		}
		if !retriable(err) {
			return nil, backoff.Permanent(err)
		}
		if f.attempts <= cfg.Retries {
			a.p.log.Warn("retrying batch",
				zap.Stringer("partition", a.tp),
				zap.Int("records", len(f.records)),
				zap.Int("attempt", f.attempts),
				zap.Error(err))
		}
		return nil, err
	}
	resp, err := backoff.Retry(a.p.ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(cfg.Retries+1)),
	)
	if err != nil {
		if errors.Is(err, kafkapoc.ErrCancelled) || a.p.ctx.Err() != nil {
			err = kafkapoc.ErrCancelled
		} else {
			err = &kafkapoc.DeliveryError{Topic: a.tp.Topic, Partition: a.tp.Partition, Attempts: f.attempts, Err: err}
			a.p.log.Error("batch delivery failed", zap.Stringer("partition", a.tp), zap.Int("records", len(f.records)), zap.Error(err))
		}
		a.p.obs.RecordDeliveryError(a.tp.Topic, len(f.records))
		for _, r := range f.records {
			r.future.resolve(-1, err)
		}
		return
	}
	a.p.obs.RecordDelivered(a.tp.Topic, len(f.records))
	for i, r := range f.records {
		offset := int64(-1)
		if resp.BaseOffset >= 0 {
			offset = resp.BaseOffset + int64(i)
		}
		r.future.resolve(offset, nil)
	}
}

// retriable errors are broker error codes marked retriable and network
// errors. A partition that does not exist is not retried, nor is anything
// once the connection manager is closed.
func retriable(err error) bool {
	var kerr *kafkapoc.Error
	if errors.As(err, &kerr) {
		return kerr.Retriable()
	}
	if errors.Is(err, client.ErrPartitionDoesNotExist) || errors.Is(err, client.ErrClosed) {
		return false
	}
	return true
}
