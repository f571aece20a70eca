package OffsetFetch

import (
	"github.com/kilpp/devops-pocs/api"
)

func NewRequest(group string, partitions map[string][]int32) *api.Request {
	topics := []Topic{}
	for topic, p := range partitions {
		topics = append(topics, Topic{Name: topic, PartitionIndexes: p})
	}
	return &api.Request{
		ApiKey:     api.OffsetFetch,
		ApiVersion: 3,
		Body: &Request{
			GroupId: group,
			Topics:  topics,
		},
	}
}

type Request struct {
	GroupId string
	Topics  []Topic
}

type Topic struct {
	Name             string
	PartitionIndexes []int32
}

type Response struct {
	ThrottleTimeMs int32
	Topics         []TopicResponse
	ErrorCode      int16
}

type TopicResponse struct {
	Name       string
	Partitions []PartitionResponse
}

// CommitedOffset is -1 when nothing was committed for the partition.
type PartitionResponse struct {
	PartitionIndex int32
	CommitedOffset int64
	Metadata       string `wire:"nullable"`
	ErrorCode      int16
}
