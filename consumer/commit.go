package consumer

import (
	"context"
	"time"

	"go.uber.org/zap"

	kafkapoc "github.com/kilpp/devops-pocs"
)

// Commit the current position of every assigned partition that moved past
// its committed offset. Returns *kafkapoc.CommitError on failure. Positions
// are not affected either way.
func (c *Consumer) Commit(ctx context.Context) error {
	c.mu.Lock()
	offsets := make(map[kafkapoc.TopicPartition]int64, len(c.positions))
	for tp, off := range c.positions {
		offsets[tp] = off
	}
	c.mu.Unlock()
	return c.commit(ctx, offsets)
}

// CommitOffsets commits offsets (the offset of the next record to read) for
// the partitions. Offsets at or below what is already committed are skipped,
// so commits never move a partition back and repeating one is a no-op.
func (c *Consumer) CommitOffsets(ctx context.Context, offsets map[kafkapoc.TopicPartition]int64) error {
	return c.commit(ctx, offsets)
}

func (c *Consumer) commit(ctx context.Context, offsets map[kafkapoc.TopicPartition]int64) error {
	c.mu.Lock()
	member, generation := c.memberId, c.generation
	req := make(map[string]map[int32]int64)
	n := 0
	for tp, off := range offsets {
		if done, ok := c.committed[tp]; ok && off <= done {
			continue
		}
		if req[tp.Topic] == nil {
			req[tp.Topic] = make(map[int32]int64)
		}
		req[tp.Topic][tp.Partition] = off
		n++
	}
	c.mu.Unlock()
	if n == 0 {
		return nil
	}
	if member == "" {
		generation = -1
	}
	if err := c.group.CommitOffsets(ctx, member, generation, req); err != nil {
		if rebalanceError(err) {
			c.requestRejoin(generation, err)
		}
		c.obs.RecordCommit("error")
		return &kafkapoc.CommitError{Group: c.cfg.GroupId, Err: err}
	}
	c.mu.Lock()
	for topic, partitions := range req {
		for p, off := range partitions {
			tp := kafkapoc.TopicPartition{Topic: topic, Partition: p}
			if done, ok := c.committed[tp]; !ok || off > done {
				c.committed[tp] = off
			}
		}
	}
	c.mu.Unlock()
	c.obs.RecordCommit("ok")
	c.log.Debug("committed offsets", zap.Int("partitions", n))
	return nil
}

func (c *Consumer) autoCommit() {
	defer c.wg.Done()
	t := time.NewTicker(c.cfg.AutoCommitInterval)
	defer t.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-t.C:
		}
		ctx, cancel := context.WithTimeout(c.ctx, c.cfg.AutoCommitInterval)
		err := c.Commit(ctx)
		cancel()
		if err != nil && c.ctx.Err() == nil {
			c.log.Warn("auto-commit failed, retrying on next interval", zap.Error(err))
		}
	}
}

// heartbeat keeps the membership alive and flags a rebalance when the
// coordinator asks for one. Skipped while joining.
func (c *Consumer) heartbeat() {
	defer c.wg.Done()
	t := time.NewTicker(c.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-t.C:
		}
		c.mu.Lock()
		member, generation := c.memberId, c.generation
		skip := member == "" || c.rejoin || c.state == Joining
		c.mu.Unlock()
		if skip {
			continue
		}
		ctx, cancel := context.WithTimeout(c.ctx, c.cfg.SessionTimeout)
		err := c.group.Heartbeat(ctx, member, generation)
		cancel()
		switch {
		case err == nil:
		case rebalanceError(err):
			c.requestRejoin(generation, err)
		case c.ctx.Err() == nil:
			c.log.Warn("heartbeat failed", zap.Error(err))
		}
	}
}
