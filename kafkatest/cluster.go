// Package kafkatest runs an in-process fake Kafka cluster for tests. Each
// broker listens on a loopback tcp port and speaks the same wire protocol
// (and api versions) as the client packages: api versions, metadata,
// produce, fetch, list offsets, and the consumer group apis. Topics are
// created on first use. Partition p of a topic is led by broker p % n.
// Record batches are kept in memory as they were produced, with base
// offsets assigned by the "leader".
//
// This is not a Kafka implementation: there is no replication, no
// retention, no transactions, and no quotas. Fault injection hooks
// (FailProduce, Pause) let tests exercise client retry and endpoint health
// paths.
package kafkatest

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kilpp/devops-pocs/batch"
	"github.com/kilpp/devops-pocs/record"
)

type Option func(*Cluster)

// WithPartitions sets the number of partitions of auto created topics.
func WithPartitions(n int32) Option {
	return func(c *Cluster) { c.defaultPartitions = n }
}

// WithLogger logs requests at debug level.
func WithLogger(l *zap.Logger) Option {
	return func(c *Cluster) { c.log = l }
}

// WithoutAutoCreate makes metadata and produce requests for unknown topics
// fail with UNKNOWN_TOPIC_OR_PARTITION.
func WithoutAutoCreate() Option {
	return func(c *Cluster) { c.autoCreate = false }
}

type partitionLog struct {
	batches [][]byte // marshaled, base offset set
	last    []int64  // last offset of each batch
	maxTs   []int64
	next    int64
}

type topic struct {
	partitions []*partitionLog
}

type faultKey struct {
	apiKey    int16
	topic     string
	partition int32
}

type fault struct {
	code  int16
	times int
}

// Cluster is a fake Kafka cluster. Create with NewCluster, Close when done.
type Cluster struct {
	defaultPartitions int32
	autoCreate        bool
	log               *zap.Logger

	brokers []*broker

	mu       sync.Mutex
	topics   map[string]*topic
	groups   map[string]*group
	offsets  map[string]map[string]map[int32]int64 // group, topic, partition
	faults   map[faultKey]*fault
	requests map[int16]int
	changed  chan struct{} // closed and replaced on every append
	closed   bool
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewCluster starts n brokers with node ids 0..n-1.
func NewCluster(n int, opts ...Option) (*Cluster, error) {
	if n < 1 {
		return nil, errors.New("need at least one broker")
	}
	c := &Cluster{
		defaultPartitions: 3,
		autoCreate:        true,
		log:               zap.NewNop(),
		topics:            make(map[string]*topic),
		groups:            make(map[string]*group),
		offsets:           make(map[string]map[string]map[int32]int64),
		faults:            make(map[faultKey]*fault),
		requests:          make(map[int16]int),
		changed:           make(chan struct{}),
		done:              make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	for i := 0; i < n; i++ {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("error starting broker %d: %w", i, err)
		}
		b := &broker{id: int32(i), c: c, ln: ln, conns: make(map[net.Conn]struct{})}
		c.brokers = append(c.brokers, b)
		c.wg.Add(1)
		go b.serve()
	}
	c.wg.Add(1)
	go c.reap()
	return c, nil
}

// Addrs of the brokers, in node id order.
func (c *Cluster) Addrs() []string {
	var addrs []string
	for _, b := range c.brokers {
		addrs = append(addrs, b.addr())
	}
	return addrs
}

// Bootstrap returns the comma separated broker addresses.
func (c *Cluster) Bootstrap() string {
	return strings.Join(c.Addrs(), ",")
}

// Addr of broker with node id.
func (c *Cluster) Addr(node int32) string {
	return c.brokers[node].addr()
}

// Leader returns the node id of the leader of the partition.
func (c *Cluster) Leader(partition int32) int32 {
	return partition % int32(len(c.brokers))
}

// Coordinator returns the node id of the coordinator of the group.
func (c *Cluster) Coordinator(group string) int32 {
	h := fnv.New32a()
	h.Write([]byte(group))
	return int32(h.Sum32() % uint32(len(c.brokers)))
}

// Close stops all brokers and waits for connections to finish.
func (c *Cluster) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()
	for _, b := range c.brokers {
		b.close()
	}
	c.wg.Wait()
}

// Pause makes the broker drop all connections and close new ones right
// after accepting them, until Resume is called.
func (c *Cluster) Pause(node int32) {
	c.brokers[node].pause(true)
}

func (c *Cluster) Resume(node int32) {
	c.brokers[node].pause(false)
}

// FailProduce makes the next times produce requests for the partition fail
// with error code.
func (c *Cluster) FailProduce(topic string, partition int32, code int16, times int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faults[faultKey{apiKey: 0, topic: topic, partition: partition}] = &fault{code: code, times: times}
}

// takeFault returns the injected error code for the call, if any. Must be
// called with c.mu held.
func (c *Cluster) takeFault(apiKey int16, topic string, partition int32) int16 {
	k := faultKey{apiKey: apiKey, topic: topic, partition: partition}
	f := c.faults[k]
	if f == nil {
		return 0
	}
	f.times--
	if f.times <= 0 {
		delete(c.faults, k)
	}
	return f.code
}

// Requests returns the number of requests received with api key.
func (c *Cluster) Requests(apiKey int16) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests[apiKey]
}

// CreateTopic with n partitions. Noop if the topic exists.
func (c *Cluster) CreateTopic(name string, partitions int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.createTopic(name, partitions)
}

func (c *Cluster) createTopic(name string, partitions int32) *topic {
	if t := c.topics[name]; t != nil {
		return t
	}
	t := &topic{}
	for i := int32(0); i < partitions; i++ {
		t.partitions = append(t.partitions, &partitionLog{})
	}
	c.topics[name] = t
	c.log.Debug("created topic", zap.String("topic", name), zap.Int32("partitions", partitions))
	return t
}

// getTopic returns the topic, creating it if auto create is on and create
// is true. Must be called with c.mu held.
func (c *Cluster) getTopic(name string, create bool) *topic {
	if t := c.topics[name]; t != nil {
		return t
	}
	if !create || !c.autoCreate {
		return nil
	}
	return c.createTopic(name, c.defaultPartitions)
}

func (c *Cluster) partition(name string, partition int32, create bool) *partitionLog {
	t := c.getTopic(name, create)
	if t == nil || partition < 0 || int(partition) >= len(t.partitions) {
		return nil
	}
	return t.partitions[partition]
}

// appendBatches validates the record set and appends its batches to the
// partition log, assigning base offsets. Returns the base offset of the
// first batch. Must be called with c.mu held.
func (c *Cluster) appendBatches(p *partitionLog, recordSet []byte) (int64, error) {
	raw := batch.RecordSet(recordSet).Batches()
	if len(raw) == 0 {
		return -1, errors.New("empty record set")
	}
	var parsed []*batch.Batch
	for _, b := range raw {
		pb, err := batch.Unmarshal(b)
		if err != nil {
			return -1, err
		}
		parsed = append(parsed, pb)
	}
	base := p.next
	for i, b := range raw {
		stored := append([]byte(nil), b...)
		binary.BigEndian.PutUint64(stored, uint64(p.next)) // BaseOffset
		p.batches = append(p.batches, stored)
		p.next += int64(parsed[i].LastOffsetDelta) + 1
		p.last = append(p.last, p.next-1)
		p.maxTs = append(p.maxTs, parsed[i].MaxTimestamp)
	}
	close(c.changed)
	c.changed = make(chan struct{})
	return base, nil
}

// Produce appends a batch of values (keys may be nil) to the partition,
// creating the topic if needed. For seeding data in tests. Returns the base
// offset.
func (c *Cluster) Produce(topicName string, partition int32, records ...*record.Record) (int64, error) {
	b := batch.NewBuilder(time.Now())
	b.Add(records...)
	built, err := b.Build()
	if err != nil {
		return -1, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.partition(topicName, partition, true)
	if p == nil {
		return -1, fmt.Errorf("no partition %s-%d", topicName, partition)
	}
	return c.appendBatches(p, built.Marshal())
}

// Message is a stored record with its offset.
type Message struct {
	Offset    int64
	Timestamp time.Time
	Key       []byte
	Value     []byte
	Headers   []record.Header
}

// Messages returns all records stored in the partition, in offset order.
func (c *Cluster) Messages(topicName string, partition int32) ([]Message, error) {
	c.mu.Lock()
	p := c.partition(topicName, partition, false)
	var batches [][]byte
	if p != nil {
		batches = append(batches, p.batches...)
	}
	c.mu.Unlock()
	var messages []Message
	for _, raw := range batches {
		b, err := batch.Unmarshal(raw)
		if err != nil {
			return nil, err
		}
		records, err := b.DecodeRecords()
		if err != nil {
			return nil, err
		}
		for _, r := range records {
			messages = append(messages, Message{
				Offset:    b.BaseOffset + r.OffsetDelta,
				Timestamp: b.Timestamp(r),
				Key:       r.Key,
				Value:     r.Value,
				Headers:   r.Headers,
			})
		}
	}
	return messages, nil
}

// Batches returns the number of batches stored in the partition.
func (c *Cluster) Batches(topicName string, partition int32) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.partition(topicName, partition, false)
	if p == nil {
		return 0
	}
	return len(p.batches)
}

// EndOffset of the partition (offset of the next record).
func (c *Cluster) EndOffset(topicName string, partition int32) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.partition(topicName, partition, false)
	if p == nil {
		return 0
	}
	return p.next
}

// Committed returns the offset committed by the group for the partition.
func (c *Cluster) Committed(groupId, topicName string, partition int32) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.offsets[groupId][topicName][partition]
	return o, ok
}

// Members of the group in the current generation.
func (c *Cluster) Members(groupId string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	g := c.groups[groupId]
	if g == nil {
		return nil
	}
	return append([]string(nil), g.order...)
}

// Generation of the group, 0 if the group does not exist.
func (c *Cluster) Generation(groupId string) int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if g := c.groups[groupId]; g != nil {
		return g.generation
	}
	return 0
}
