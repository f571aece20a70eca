package producer

import (
	"context"
	"sync"
)

// DeliveryResult of one record. Offset is -1 when the producer does not
// wait for acknowledgement (AcksNone) or when Err is set.
type DeliveryResult struct {
	Record    *Record
	Partition int32
	Offset    int64
	Err       error
}

// Future resolves once the record is acknowledged or has failed for good.
// Every future resolves exactly once.
type Future struct {
	done      chan struct{}
	once      sync.Once
	result    DeliveryResult
	onResolve func(*Future)
}

func newFuture(r *Record) *Future {
	return &Future{
		done:   make(chan struct{}),
		result: DeliveryResult{Record: r, Partition: -1, Offset: -1},
	}
}

// Done is closed when the future resolves.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Get waits for the result. The returned error is the result's Err, or the
// ctx error if ctx ended first (the future stays pending).
func (f *Future) Get(ctx context.Context) (DeliveryResult, error) {
	select {
	case <-f.done:
		return f.result, f.result.Err
	case <-ctx.Done():
		return DeliveryResult{Record: f.result.Record, Partition: -1, Offset: -1}, ctx.Err()
	}
}

func (f *Future) resolve(offset int64, err error) {
	f.once.Do(func() {
		f.result.Offset = offset
		f.result.Err = err
		if err != nil {
			f.result.Offset = -1
		}
		close(f.done)
		if f.onResolve != nil {
			f.onResolve(f)
		}
	})
}
