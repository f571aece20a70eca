package Metadata

import (
	"net"
	"strconv"

	"github.com/kilpp/devops-pocs/api"
)

// NewRequest for metadata of topics. Nil topics means all topics.
func NewRequest(topics []string, autoCreate bool) *api.Request {
	return &api.Request{
		ApiKey:     api.Metadata,
		ApiVersion: 5,
		Body: &Request{
			Topics:                 topics,
			AllowAutoTopicCreation: autoCreate,
		},
	}
}

type Request struct {
	Topics                 []string
	AllowAutoTopicCreation bool
}

type Response struct {
	ThrottleTimeMs int32
	Brokers        []Broker
	ClusterId      string `wire:"nullable"`
	ControllerId   int32
	TopicMetadata  []TopicMetadata
}

type Broker struct {
	NodeId int32
	Host   string
	Port   int32
	Rack   string `wire:"nullable"`
}

func (b *Broker) Addr() string {
	return net.JoinHostPort(b.Host, strconv.Itoa(int(b.Port)))
}

type TopicMetadata struct {
	ErrorCode         int16
	Topic             string
	IsInternal        bool
	PartitionMetadata []PartitionMetadata
}

type PartitionMetadata struct {
	ErrorCode       int16
	Partition       int32
	Leader          int32
	Replicas        []int32
	Isr             []int32
	OfflineReplicas []int32
}

func (r *Response) Broker(id int32) *Broker {
	for i := range r.Brokers {
		if r.Brokers[i].NodeId == id {
			return &r.Brokers[i]
		}
	}
	return nil
}

func (r *Response) Topic(name string) *TopicMetadata {
	for i := range r.TopicMetadata {
		if r.TopicMetadata[i].Topic == name {
			return &r.TopicMetadata[i]
		}
	}
	return nil
}

// Leaders of topic partitions. Partitions without a live leader are left out.
func (r *Response) Leaders(topic string) map[int32]*Broker {
	leaders := make(map[int32]*Broker)
	t := r.Topic(topic)
	if t == nil {
		return leaders
	}
	for _, p := range t.PartitionMetadata {
		if broker := r.Broker(p.Leader); broker != nil {
			leaders[p.Partition] = broker
		}
	}
	return leaders
}
