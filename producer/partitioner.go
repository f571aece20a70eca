package producer

import (
	"sync"

	"github.com/segmentio/kafka-go"
)

// Partitioner picks a partition for records that have no partition set.
// partitions is never empty.
type Partitioner interface {
	Partition(r *Record, partitions []int32) int32
}

// HashPartitioner is the Kafka default partitioner: murmur2 of the key
// (same partition as the Java client for the same key and partition
// count), round-robin per topic for records with nil keys.
type HashPartitioner struct {
	hash kafka.Murmur2Balancer

	mu sync.Mutex
	rr map[string]*kafka.RoundRobin
}

func NewHashPartitioner() *HashPartitioner {
	return &HashPartitioner{
		hash: kafka.Murmur2Balancer{Consistent: true},
		rr:   make(map[string]*kafka.RoundRobin),
	}
}

func (p *HashPartitioner) Partition(r *Record, partitions []int32) int32 {
	ints := make([]int, len(partitions))
	for i, n := range partitions {
		ints[i] = int(n)
	}
	msg := kafka.Message{Topic: r.Topic, Key: r.Key}
	if r.Key != nil {
		return int32(p.hash.Balance(msg, ints...))
	}
	p.mu.Lock()
	rr := p.rr[r.Topic]
	if rr == nil {
		rr = &kafka.RoundRobin{}
		p.rr[r.Topic] = rr
	}
	p.mu.Unlock()
	return int32(rr.Balance(msg, ints...))
}
