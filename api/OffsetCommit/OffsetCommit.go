package OffsetCommit

import (
	"github.com/kilpp/devops-pocs/api"
)

type Args struct {
	GroupId         string
	GenerationId    int32 // -1 for commits outside of group membership
	MemberId        string
	RetentionTimeMs int64 // -1 for broker default
	Offsets         map[string]map[int32]int64
}

func NewRequest(args *Args) *api.Request {
	topics := []Topic{}
	for topic, partitions := range args.Offsets {
		t := Topic{Name: topic, Partitions: []Partition{}}
		for partition, offset := range partitions {
			t.Partitions = append(t.Partitions, Partition{
				PartitionIndex: partition,
				CommitedOffset: offset,
			})
		}
		topics = append(topics, t)
	}
	return &api.Request{
		ApiKey:     api.OffsetCommit,
		ApiVersion: 2,
		Body: &Request{
			GroupId:         args.GroupId,
			GenerationId:    args.GenerationId,
			MemberId:        args.MemberId,
			RetentionTimeMs: args.RetentionTimeMs,
			Topics:          topics,
		},
	}
}

type Request struct {
	GroupId         string
	GenerationId    int32
	MemberId        string
	RetentionTimeMs int64
	Topics          []Topic
}

type Topic struct {
	Name       string
	Partitions []Partition
}

type Partition struct {
	PartitionIndex   int32
	CommitedOffset   int64
	CommitedMetadata string `wire:"nullable"`
}

type Response struct {
	Topics []TopicResponse
}

type TopicResponse struct {
	Name       string
	Partitions []PartitionResponse
}

type PartitionResponse struct {
	PartitionIndex int32
	ErrorCode      int16
}
