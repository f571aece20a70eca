package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	kafkapoc "github.com/kilpp/devops-pocs"
	"github.com/kilpp/devops-pocs/api"
	"github.com/kilpp/devops-pocs/api/FindCoordinator"
	"github.com/kilpp/devops-pocs/api/Heartbeat"
	"github.com/kilpp/devops-pocs/api/JoinGroup"
	"github.com/kilpp/devops-pocs/api/LeaveGroup"
	"github.com/kilpp/devops-pocs/api/OffsetCommit"
	"github.com/kilpp/devops-pocs/api/OffsetFetch"
	"github.com/kilpp/devops-pocs/api/SyncGroup"
)

// https://cwiki.apache.org/confluence/display/KAFKA/Kafka+Client-side+Assignment+Proposal

// GroupClient makes consumer group calls to the coordinator of one group.
// The coordinator is looked up on the first call and cached; it is looked
// up again after NOT_COORDINATOR, COORDINATOR_NOT_AVAILABLE, or a failed
// round trip. Like the other Manager calls, error codes in responses are
// returned as *kafkapoc.Error and interpreting them is up to the caller.
type GroupClient struct {
	m       *Manager
	GroupId string

	mu          sync.Mutex
	coordinator string
}

// Group returns a client for group calls to the coordinator of groupId.
func (m *Manager) Group(groupId string) *GroupClient {
	return &GroupClient{m: m, GroupId: groupId}
}

// FindCoordinator returns the address of the group coordinator, retrying
// while the coordinator is not available (group metadata being loaded).
func (c *GroupClient) FindCoordinator(ctx context.Context) (string, error) {
	c.mu.Lock()
	addr := c.coordinator
	c.mu.Unlock()
	if addr != "" {
		return addr, nil
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.m.cfg.RetryBackoff
	b.MaxInterval = c.m.cfg.MaxRetryBackoff
	op := func() (string, error) {
		resp := &FindCoordinator.Response{}
		if err := c.m.Any(ctx, FindCoordinator.NewRequest(c.GroupId), resp); err != nil {
			return "", backoff.Permanent(err)
		}
		switch resp.ErrorCode {
		case kafkapoc.ERR_NONE:
			return resp.Addr(), nil
		case kafkapoc.ERR_COORDINATOR_NOT_AVAILABLE, kafkapoc.ERR_COORDINATOR_LOAD_IN_PROGRESS:
			return "", kafkapoc.CodeError(resp.ErrorCode)
		}
		return "", backoff.Permanent(kafkapoc.CodeError(resp.ErrorCode))
	}
	addr, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(c.m.cfg.Retries+2)),
	)
	if err != nil {
		return "", fmt.Errorf("error finding coordinator for group %s: %w", c.GroupId, err)
	}
	c.m.log.Debug("found group coordinator", zap.String("group", c.GroupId), zap.String("addr", addr))
	c.mu.Lock()
	c.coordinator = addr
	c.mu.Unlock()
	return addr, nil
}

func (c *GroupClient) resetCoordinator() {
	c.mu.Lock()
	c.coordinator = ""
	c.mu.Unlock()
}

// call sends req to the coordinator. code extracts the top level error code
// from the response once it is read.
func (c *GroupClient) call(ctx context.Context, req *api.Request, v interface{}, timeout time.Duration, code func() int16) error {
	addr, err := c.FindCoordinator(ctx)
	if err != nil {
		return err
	}
	if err := c.m.send(ctx, addr, req, v, timeout); err != nil {
		c.resetCoordinator()
		return err
	}
	switch ec := code(); ec {
	case kafkapoc.ERR_NONE:
		return nil
	case kafkapoc.ERR_NOT_COORDINATOR, kafkapoc.ERR_COORDINATOR_NOT_AVAILABLE:
		c.resetCoordinator()
		return kafkapoc.CodeError(ec)
	default:
		return kafkapoc.CodeError(ec)
	}
}

// Join sends a join group request. It blocks until the coordinator
// completes the rebalance (up to the rebalance timeout in args). Only the
// leader gets the members list in the response.
func (c *GroupClient) Join(ctx context.Context, args *JoinGroup.Args) (*JoinGroup.Response, error) {
	args.GroupId = c.GroupId
	resp := &JoinGroup.Response{}
	timeout := c.m.cfg.RequestTimeout + msDuration(args.RebalanceTimeoutMs)
	err := c.call(ctx, JoinGroup.NewRequest(args), resp, timeout, func() int16 { return resp.ErrorCode })
	return resp, err
}

// Sync sends a sync group request. Only the leader sends assignments; the
// other members send none and get their assignment from the response.
func (c *GroupClient) Sync(ctx context.Context, member string, generation int32, assignments []SyncGroup.Assignment) (*SyncGroup.Response, error) {
	req := SyncGroup.NewRequest(c.GroupId, member, generation, assignments)
	resp := &SyncGroup.Response{}
	// followers wait for the leader to send assignments
	timeout := 2 * c.m.cfg.RequestTimeout
	err := c.call(ctx, req, resp, timeout, func() int16 { return resp.ErrorCode })
	return resp, err
}

func (c *GroupClient) Heartbeat(ctx context.Context, member string, generation int32) error {
	resp := &Heartbeat.Response{}
	req := Heartbeat.NewRequest(c.GroupId, member, generation)
	return c.call(ctx, req, resp, c.m.cfg.RequestTimeout, func() int16 { return resp.ErrorCode })
}

func (c *GroupClient) Leave(ctx context.Context, member string) error {
	resp := &LeaveGroup.Response{}
	req := LeaveGroup.NewRequest(c.GroupId, member)
	return c.call(ctx, req, resp, c.m.cfg.RequestTimeout, func() int16 { return resp.ErrorCode })
}

// CommitOffsets for the group member. Use generation -1 and an empty member
// to commit outside of group membership. Returns the first partition error.
func (c *GroupClient) CommitOffsets(ctx context.Context, member string, generation int32, offsets map[string]map[int32]int64) error {
	req := OffsetCommit.NewRequest(&OffsetCommit.Args{
		GroupId:         c.GroupId,
		GenerationId:    generation,
		MemberId:        member,
		RetentionTimeMs: -1,
		Offsets:         offsets,
	})
	resp := &OffsetCommit.Response{}
	code := func() int16 {
		for _, t := range resp.Topics {
			for _, p := range t.Partitions {
				if p.ErrorCode != kafkapoc.ERR_NONE {
					return p.ErrorCode
				}
			}
		}
		return kafkapoc.ERR_NONE
	}
	return c.call(ctx, req, resp, c.m.cfg.RequestTimeout, code)
}

// FetchOffsets returns committed offsets for the partitions. Partitions with
// no committed offset are returned with offset -1.
func (c *GroupClient) FetchOffsets(ctx context.Context, partitions map[string][]int32) (map[string]map[int32]int64, error) {
	resp := &OffsetFetch.Response{}
	req := OffsetFetch.NewRequest(c.GroupId, partitions)
	if err := c.call(ctx, req, resp, c.m.cfg.RequestTimeout, func() int16 { return resp.ErrorCode }); err != nil {
		return nil, err
	}
	offsets := make(map[string]map[int32]int64)
	for _, t := range resp.Topics {
		for _, p := range t.Partitions {
			if p.ErrorCode != kafkapoc.ERR_NONE {
				return nil, fmt.Errorf("offset fetch for %s-%d: %w", t.Name, p.PartitionIndex, kafkapoc.CodeError(p.ErrorCode))
			}
			if offsets[t.Name] == nil {
				offsets[t.Name] = make(map[int32]int64)
			}
			offsets[t.Name][p.PartitionIndex] = p.CommitedOffset
		}
	}
	return offsets, nil
}
