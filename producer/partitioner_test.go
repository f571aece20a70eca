package producer

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUnitHashPartitionerKeyed(t *testing.T) {
	p := NewHashPartitioner()
	partitions := []int32{0, 1, 2}
	seen := make(map[int32]bool)
	for i := 0; i < 100; i++ {
		r := &Record{Topic: "foo", Key: []byte(fmt.Sprintf("key-%d", i))}
		n := p.Partition(r, partitions)
		assert.Equal(t, n, p.Partition(r, partitions), "same key same partition")
		assert.Contains(t, partitions, n)
		seen[n] = true
	}
	assert.Len(t, seen, 3)
}

func TestUnitHashPartitionerRoundRobin(t *testing.T) {
	p := NewHashPartitioner()
	partitions := []int32{0, 1, 2}
	counts := make(map[int32]int)
	for i := 0; i < 30; i++ {
		counts[p.Partition(&Record{Topic: "foo"}, partitions)]++
	}
	assert.Equal(t, map[int32]int{0: 10, 1: 10, 2: 10}, counts)
}
