package ListOffsets

import (
	"github.com/kilpp/devops-pocs/api"
)

// Special timestamps.
const (
	Newest = -1
	Oldest = -2
)

// NewRequest for the offset of partition at timestamp (ms since epoch, or
// Newest or Oldest).
func NewRequest(topic string, partition int32, timestamp int64) *api.Request {
	p := []RequestPartition{{Partition: partition, Timestamp: timestamp}}
	t := []RequestTopic{{Topic: topic, Partitions: p}}
	return &api.Request{
		ApiKey:     api.ListOffsets,
		ApiVersion: 2,
		Body: &Request{
			ReplicaId:      -1,
			IsolationLevel: 0,
			Topics:         t,
		},
	}
}

type Request struct {
	ReplicaId      int32
	IsolationLevel int8
	Topics         []RequestTopic
}

type RequestTopic struct {
	Topic      string
	Partitions []RequestPartition
}

type RequestPartition struct {
	Partition int32
	Timestamp int64
}

type Response struct {
	ThrottleTimeMs int32
	Responses      []TopicResponse
}

type TopicResponse struct {
	Topic      string
	Partitions []PartitionResponse
}

type PartitionResponse struct {
	Partition int32
	ErrorCode int16
	Timestamp int64
	Offset    int64
}

func (r *Response) Partition(topic string, partition int32) *PartitionResponse {
	for _, t := range r.Responses {
		if t.Topic != topic {
			continue
		}
		for i := range t.Partitions {
			if t.Partitions[i].Partition == partition {
				return &t.Partitions[i]
			}
		}
	}
	return nil
}
