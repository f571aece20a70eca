package consumer

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"time"

	"go.uber.org/zap"

	kafkapoc "github.com/kilpp/devops-pocs"
	"github.com/kilpp/devops-pocs/api/Fetch"
	"github.com/kilpp/devops-pocs/batch"
	"github.com/kilpp/devops-pocs/client"
)

// Poll returns the records ready within timeout. Nothing is fetched until
// the sequence is iterated. Iteration ends after the first fetch that
// returned records, or empty when timeout passes. A record's position is
// taken (so it will not be yielded again and is eligible for commit) only
// when yield returns true for it. A pending rebalance is completed before
// fetching, and may take longer than timeout. Once the consumer is closed
// the sequence yields kafkapoc.ErrCancelled, as it does when the connection
// manager is closed under a running poll.
func (c *Consumer) Poll(ctx context.Context, timeout time.Duration) iter.Seq2[*Record, error] {
	return func(yield func(*Record, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		stop := context.AfterFunc(c.ctx, cancel)
		defer stop()
		if c.ctx.Err() != nil {
			yield(nil, kafkapoc.ErrCancelled)
			return
		}
		if err := c.prepare(ctx); err != nil {
			yield(nil, c.interrupted(ctx, err))
			return
		}
		deadline := time.Now().Add(timeout)
		c.setState(Fetching)
		defer func() {
			c.mu.Lock()
			if c.state == Fetching {
				c.state = Assigned
			}
			c.mu.Unlock()
		}()
		for {
			c.mu.Lock()
			seeks, rejoin := c.seeks, c.rejoin
			c.mu.Unlock()
			if rejoin {
				return // handled by the next poll
			}
			records, err := c.fetch(ctx, time.Until(deadline))
			if ctx.Err() != nil {
				yield(nil, c.interrupted(ctx, ctx.Err()))
				return
			}
			for _, r := range records {
				tp := kafkapoc.TopicPartition{Topic: r.Topic, Partition: r.Partition}
				c.mu.Lock()
				pos, ok := c.positions[tp]
				moved := c.seeks != seeks
				c.mu.Unlock()
				if moved {
					return
				}
				if !ok || r.Offset < pos {
					continue
				}
				if !yield(r, nil) {
					return
				}
				c.mu.Lock()
				if cur, ok := c.positions[tp]; ok && cur == pos {
					c.positions[tp] = r.Offset + 1
				}
				c.mu.Unlock()
				c.obs.RecordConsumed(r.Topic, 1)
			}
			if err != nil {
				yield(nil, err)
				return
			}
			if len(records) > 0 || time.Until(deadline) <= 0 {
				return
			}
		}
	}
}

// interrupted maps errors caused by Close to kafkapoc.ErrCancelled.
func (c *Consumer) interrupted(ctx context.Context, err error) error {
	if c.ctx.Err() != nil || errors.Is(err, client.ErrClosed) {
		return kafkapoc.ErrCancelled
	}
	return err
}

// prepare rejoins the group if a rebalance was requested.
func (c *Consumer) prepare(ctx context.Context) error {
	c.mu.Lock()
	subscribed, rejoin := len(c.topics) > 0, c.rejoin
	c.mu.Unlock()
	if !subscribed {
		return ErrNotSubscribed
	}
	if !rejoin {
		return nil
	}
	c.setState(Rebalancing)
	return c.join(ctx)
}

// fetch sends one fetch request per leader of the assigned partitions and
// waits for all of them. A wait of 0 or less returns right away. Errors
// talking to a leader are logged and left to the next fetch; the returned
// error is for record sets that could not be read, or kafkapoc.ErrCancelled
// once the connection manager is closed.
func (c *Consumer) fetch(ctx context.Context, wait time.Duration) ([]*Record, error) {
	if wait <= 0 {
		return nil, nil
	}
	c.mu.Lock()
	offsets := make(map[kafkapoc.TopicPartition]int64, len(c.assignment))
	for _, tp := range c.assignment {
		if off, ok := c.positions[tp]; ok {
			offsets[tp] = off
		}
	}
	c.mu.Unlock()
	byLeader := make(map[string][]Fetch.PartitionArgs)
	for tp, off := range offsets {
		addr, err := c.cluster.Leader(ctx, tp.Topic, tp.Partition)
		if errors.Is(err, client.ErrClosed) {
			return nil, kafkapoc.ErrCancelled
		}
		if err != nil {
			c.log.Debug("no leader for partition", zap.Stringer("partition", tp), zap.Error(err))
			continue
		}
		byLeader[addr] = append(byLeader[addr], Fetch.PartitionArgs{
			Topic:     tp.Topic,
			Partition: tp.Partition,
			Offset:    off,
			MaxBytes:  c.cfg.PartitionMaxBytes,
		})
	}
	if len(byLeader) == 0 {
		// nothing assigned, or no leaders known yet
		sleep(ctx, min(wait, c.cfg.RetryBackoff))
		return nil, nil
	}
	maxWait := min(c.cfg.MaxWait, wait)
	type result struct {
		addr string
		resp *Fetch.Response
		err  error
	}
	results := make(chan result, len(byLeader))
	for addr, partitions := range byLeader {
		go func() {
			resp, err := c.cluster.Fetch(ctx, addr, &Fetch.Args{
				MinBytes:      1,
				MaxBytes:      c.cfg.MaxBytes,
				MaxWaitTimeMs: ms(maxWait),
				Partitions:    partitions,
			})
			results <- result{addr: addr, resp: resp, err: err}
		}()
	}
	var records []*Record
	var firstErr error
	failed := 0
	closed := false
	for range byLeader {
		res := <-results
		if res.err != nil {
			failed++
			if errors.Is(res.err, client.ErrClosed) {
				closed = true
				continue
			}
			if ctx.Err() == nil {
				c.log.Warn("fetch failed", zap.String("addr", res.addr), zap.Error(res.err))
			}
			continue
		}
		for _, t := range res.resp.TopicResponses {
			for i := range t.PartitionResponses {
				p := &t.PartitionResponses[i]
				tp := kafkapoc.TopicPartition{Topic: t.Topic, Partition: p.Partition}
				off, ok := offsets[tp]
				if !ok {
					continue
				}
				recs, err := c.partitionRecords(ctx, tp, off, p)
				records = append(records, recs...)
				if err != nil && firstErr == nil {
					firstErr = err
				}
			}
		}
	}
	if failed == len(byLeader) {
		sleep(ctx, min(wait, c.cfg.RetryBackoff))
	}
	slices.SortStableFunc(records, func(a, b *Record) int {
		if a.Topic != b.Topic {
			if a.Topic < b.Topic {
				return -1
			}
			return 1
		}
		return int(a.Partition - b.Partition)
	})
	if closed {
		// records already read are still handed out
		return records, kafkapoc.ErrCancelled
	}
	return records, firstErr
}

// partitionRecords unpacks the record set of one partition, starting at
// offset. Error codes are handled here: out of range positions are reset and
// leadership errors drop the cached metadata.
func (c *Consumer) partitionRecords(ctx context.Context, tp kafkapoc.TopicPartition, offset int64, p *Fetch.PartitionResponse) ([]*Record, error) {
	switch p.ErrorCode {
	case kafkapoc.ERR_NONE:
	case kafkapoc.ERR_OFFSET_OUT_OF_RANGE:
		reset, err := c.resetOffset(ctx, tp)
		if err != nil {
			c.log.Warn("error resetting out of range offset", zap.Stringer("partition", tp), zap.Error(err))
			return nil, nil
		}
		c.log.Warn("offset out of range, resetting",
			zap.Stringer("partition", tp),
			zap.Int64("from", offset),
			zap.Int64("to", reset),
		)
		c.mu.Lock()
		if cur, ok := c.positions[tp]; ok && cur == offset {
			c.positions[tp] = reset
		}
		c.mu.Unlock()
		return nil, nil
	case kafkapoc.ERR_NOT_LEADER_FOR_PARTITION, kafkapoc.ERR_LEADER_NOT_AVAILABLE, kafkapoc.ERR_UNKNOWN_TOPIC_OR_PARTITION:
		c.cluster.InvalidateTopic(tp.Topic)
		return nil, nil
	default:
		c.log.Warn("fetch error", zap.Stringer("partition", tp), zap.Error(kafkapoc.CodeError(p.ErrorCode)))
		return nil, nil
	}
	var records []*Record
	next := offset
	for _, raw := range batch.RecordSet(p.RecordSet).Batches() {
		b, err := batch.Unmarshal(raw)
		if err != nil {
			return records, fmt.Errorf("error reading batch of %s at offset %d: %w", tp, next, err)
		}
		if b.LastOffset() < offset || b.Attributes&controlBatch != 0 {
			next = b.LastOffset() + 1
			continue
		}
		rs, err := b.DecodeRecords()
		if err != nil {
			return records, fmt.Errorf("error reading batch of %s at offset %d: %w", tp, b.BaseOffset, err)
		}
		for _, r := range rs {
			off := b.BaseOffset + r.OffsetDelta
			if off < offset {
				continue
			}
			records = append(records, &Record{
				Topic:     tp.Topic,
				Partition: tp.Partition,
				Offset:    off,
				Timestamp: b.Timestamp(r),
				Key:       r.Key,
				Value:     r.Value,
				Headers:   r.Headers,
			})
		}
		next = b.LastOffset() + 1
	}
	if next > offset {
		c.obs.RecordConsumerLag(tp.Topic, tp.Partition, max(p.HighWatermark-next, 0))
	}
	return records, nil
}

// transactional control batches carry markers, not records
const controlBatch = 0b100000

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
