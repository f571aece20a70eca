package client

import (
	"context"
	"fmt"

	kafkapoc "github.com/kilpp/devops-pocs"
	"github.com/kilpp/devops-pocs/api/Fetch"
	"github.com/kilpp/devops-pocs/api/ListOffsets"
	"github.com/kilpp/devops-pocs/api/Produce"
)

// leadership errors mean cached metadata for the topic is stale
func isLeadershipError(code int16) bool {
	switch code {
	case kafkapoc.ERR_NOT_LEADER_FOR_PARTITION,
		kafkapoc.ERR_LEADER_NOT_AVAILABLE,
		kafkapoc.ERR_UNKNOWN_TOPIC_OR_PARTITION:
		return true
	}
	return false
}

// Produce sends a record set to the leader of the topic partition. With
// acks 0 the broker does not respond and the returned response has
// BaseOffset -1. Error codes from the broker are returned as
// *kafkapoc.Error together with the partition response; leadership errors
// also invalidate cached topic metadata.
func (m *Manager) Produce(ctx context.Context, topic string, partition int32, acks int16, timeoutMs int32, recordSet []byte) (*Produce.PartitionResponse, error) {
	addr, err := m.Leader(ctx, topic, partition)
	if err != nil {
		return nil, err
	}
	req := Produce.NewRequest(topic, partition, acks, timeoutMs, recordSet)
	resp := &Produce.Response{}
	if err := m.Send(ctx, addr, req, resp); err != nil {
		m.InvalidateTopic(topic)
		return nil, err
	}
	if req.NoResponse {
		return &Produce.PartitionResponse{Partition: partition, BaseOffset: -1, LogAppendTime: -1, LogStartOffset: -1}, nil
	}
	p := resp.Partition(topic, partition)
	if p == nil {
		return nil, fmt.Errorf("produce response from %s has no partition %s-%d", addr, topic, partition)
	}
	if isLeadershipError(p.ErrorCode) {
		m.InvalidateTopic(topic)
	}
	return p, kafkapoc.CodeError(p.ErrorCode)
}

// Fetch sends a fetch request to the broker at addr. All partitions in args
// must be led by that broker. Partition error codes are left in the
// response.
func (m *Manager) Fetch(ctx context.Context, addr string, args *Fetch.Args) (*Fetch.Response, error) {
	resp := &Fetch.Response{}
	timeout := m.cfg.RequestTimeout + msDuration(args.MaxWaitTimeMs)
	if err := m.send(ctx, addr, Fetch.NewRequest(args), resp, timeout); err != nil {
		return nil, err
	}
	return resp, nil
}

// ListOffsets returns the offset for timestamp on the topic partition. Use
// ListOffsets.Oldest and ListOffsets.Newest for the log start and end.
func (m *Manager) ListOffsets(ctx context.Context, topic string, partition int32, timestamp int64) (int64, error) {
	addr, err := m.Leader(ctx, topic, partition)
	if err != nil {
		return -1, err
	}
	resp := &ListOffsets.Response{}
	if err := m.Send(ctx, addr, ListOffsets.NewRequest(topic, partition, timestamp), resp); err != nil {
		m.InvalidateTopic(topic)
		return -1, err
	}
	p := resp.Partition(topic, partition)
	if p == nil {
		return -1, fmt.Errorf("list offsets response from %s has no partition %s-%d", addr, topic, partition)
	}
	if isLeadershipError(p.ErrorCode) {
		m.InvalidateTopic(topic)
	}
	if err := kafkapoc.CodeError(p.ErrorCode); err != nil {
		return -1, err
	}
	return p.Offset, nil
}
