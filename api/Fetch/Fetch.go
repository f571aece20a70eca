package Fetch

import (
	"github.com/kilpp/devops-pocs/api"
)

// Args of a fetch from several partitions of one broker.
type Args struct {
	MinBytes      int32
	MaxBytes      int32
	MaxWaitTimeMs int32
	Partitions    []PartitionArgs
}

type PartitionArgs struct {
	Topic     string
	Partition int32
	Offset    int64
	MaxBytes  int32
}

func NewRequest(args *Args) *api.Request {
	var topics []Topic
	index := make(map[string]int)
	for _, p := range args.Partitions {
		i, ok := index[p.Topic]
		if !ok {
			i = len(topics)
			index[p.Topic] = i
			topics = append(topics, Topic{Topic: p.Topic, Partitions: []Partition{}})
		}
		topics[i].Partitions = append(topics[i].Partitions, Partition{
			Partition:         p.Partition,
			FetchOffset:       p.Offset,
			LogStartOffset:    -1,
			PartitionMaxBytes: p.MaxBytes,
		})
	}
	return &api.Request{
		ApiKey:     api.Fetch,
		ApiVersion: 6,
		Body: &Request{
			ReplicaId:     -1,
			MaxWaitTimeMs: args.MaxWaitTimeMs,
			MinBytes:      args.MinBytes,
			MaxBytes:      args.MaxBytes,
			Topics:        topics,
		},
	}
}

type Request struct {
	ReplicaId      int32
	MaxWaitTimeMs  int32
	MinBytes       int32
	MaxBytes       int32
	IsolationLevel int8 // 0: read uncommitted
	Topics         []Topic
}

type Topic struct {
	Topic      string
	Partitions []Partition
}

type Partition struct {
	Partition         int32
	FetchOffset       int64
	LogStartOffset    int64 // only used by followers
	PartitionMaxBytes int32
}

type Response struct {
	ThrottleTimeMs int32
	TopicResponses []TopicResponse
}

type TopicResponse struct {
	Topic              string
	PartitionResponses []PartitionResponse
}

type PartitionResponse struct {
	Partition           int32
	ErrorCode           int16
	HighWatermark       int64
	LastStableOffset    int64
	LogStartOffset      int64
	AbortedTransactions []AbortedTransaction
	RecordSet           []byte // NULLABLE_BYTES
}

type AbortedTransaction struct {
	ProducerId  int64
	FirstOffset int64
}
