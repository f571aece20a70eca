package kafkatest

import (
	"bufio"
	"fmt"
	"net"
	"slices"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	kafkapoc "github.com/kilpp/devops-pocs"
	"github.com/kilpp/devops-pocs/api"
	"github.com/kilpp/devops-pocs/api/ApiVersions"
	"github.com/kilpp/devops-pocs/api/Fetch"
	"github.com/kilpp/devops-pocs/api/FindCoordinator"
	"github.com/kilpp/devops-pocs/api/Heartbeat"
	"github.com/kilpp/devops-pocs/api/JoinGroup"
	"github.com/kilpp/devops-pocs/api/LeaveGroup"
	"github.com/kilpp/devops-pocs/api/ListOffsets"
	"github.com/kilpp/devops-pocs/api/Metadata"
	"github.com/kilpp/devops-pocs/api/OffsetCommit"
	"github.com/kilpp/devops-pocs/api/OffsetFetch"
	"github.com/kilpp/devops-pocs/api/Produce"
	"github.com/kilpp/devops-pocs/api/SyncGroup"
	"github.com/kilpp/devops-pocs/wire"
)

type broker struct {
	id int32
	c  *Cluster
	ln net.Listener

	mu     sync.Mutex
	paused bool
	conns  map[net.Conn]struct{}
}

func (b *broker) addr() string {
	return b.ln.Addr().String()
}

func (b *broker) serve() {
	defer b.c.wg.Done()
	for {
		nc, err := b.ln.Accept()
		if err != nil {
			return
		}
		b.mu.Lock()
		if b.paused {
			b.mu.Unlock()
			nc.Close()
			continue
		}
		b.conns[nc] = struct{}{}
		b.mu.Unlock()
		b.c.wg.Add(1)
		go b.handle(nc)
	}
}

func (b *broker) pause(paused bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paused = paused
	if !paused {
		return
	}
	for nc := range b.conns {
		nc.Close()
	}
}

func (b *broker) close() {
	b.ln.Close()
	b.pause(true)
}

func (b *broker) handle(nc net.Conn) {
	defer b.c.wg.Done()
	defer func() {
		b.mu.Lock()
		delete(b.conns, nc)
		b.mu.Unlock()
		nc.Close()
	}()
	r := bufio.NewReader(nc)
	for {
		h, body, err := api.ReadRequest(r)
		if err != nil {
			return
		}
		resp, err := b.dispatch(h, body)
		if err != nil {
			b.c.log.Warn("bad request", zap.Int32("broker", b.id), zap.Int16("api", h.ApiKey), zap.Error(err))
			return
		}
		if resp == nil {
			continue // produce with acks=0
		}
		if err := api.WriteResponse(nc, h.CorrelationId, resp); err != nil {
			return
		}
	}
}

func (b *broker) dispatch(h *api.Header, body []byte) (interface{}, error) {
	b.c.mu.Lock()
	b.c.requests[h.ApiKey]++
	b.c.mu.Unlock()
	if v, ok := api.Versions[h.ApiKey]; !ok || v != h.ApiVersion {
		return nil, fmt.Errorf("unsupported %s v%d", api.Keys[h.ApiKey], h.ApiVersion)
	}
	b.c.log.Debug("request", zap.Int32("broker", b.id), zap.String("api", api.Keys[h.ApiKey]), zap.Int32("correlation", h.CorrelationId))
	var (
		req     interface{}
		handler func(interface{}) interface{}
	)
	switch h.ApiKey {
	case api.ApiVersions:
		req, handler = &ApiVersions.Request{}, b.apiVersions
	case api.Metadata:
		req, handler = &Metadata.Request{}, b.metadata
	case api.Produce:
		req, handler = &Produce.Request{}, b.produce
	case api.Fetch:
		req, handler = &Fetch.Request{}, b.fetch
	case api.ListOffsets:
		req, handler = &ListOffsets.Request{}, b.listOffsets
	case api.FindCoordinator:
		req, handler = &FindCoordinator.Request{}, b.findCoordinator
	case api.JoinGroup:
		req, handler = &JoinGroup.Request{}, b.joinGroup
	case api.SyncGroup:
		req, handler = &SyncGroup.Request{}, b.syncGroup
	case api.Heartbeat:
		req, handler = &Heartbeat.Request{}, b.heartbeat
	case api.LeaveGroup:
		req, handler = &LeaveGroup.Request{}, b.leaveGroup
	case api.OffsetCommit:
		req, handler = &OffsetCommit.Request{}, b.offsetCommit
	case api.OffsetFetch:
		req, handler = &OffsetFetch.Request{}, b.offsetFetch
	default:
		return nil, fmt.Errorf("api key %d not implemented", h.ApiKey)
	}
	if err := wire.Unmarshal(body, req); err != nil {
		return nil, err
	}
	return handler(req), nil
}

func (b *broker) apiVersions(interface{}) interface{} {
	resp := &ApiVersions.Response{}
	for key, v := range api.Versions {
		resp.ApiKeys = append(resp.ApiKeys, ApiVersions.ApiKeyVersion{ApiKey: key, MaxVersion: v})
	}
	slices.SortFunc(resp.ApiKeys, func(a, b ApiVersions.ApiKeyVersion) int {
		return int(a.ApiKey) - int(b.ApiKey)
	})
	return resp
}

func (b *broker) metadata(v interface{}) interface{} {
	req := v.(*Metadata.Request)
	c := b.c
	c.mu.Lock()
	defer c.mu.Unlock()
	resp := &Metadata.Response{ClusterId: "kafkatest"}
	for _, br := range c.brokers {
		host, port, _ := net.SplitHostPort(br.addr())
		p, _ := strconv.Atoi(port)
		resp.Brokers = append(resp.Brokers, Metadata.Broker{NodeId: br.id, Host: host, Port: int32(p)})
	}
	names := req.Topics
	if names == nil {
		for name := range c.topics {
			names = append(names, name)
		}
		slices.Sort(names)
	}
	resp.TopicMetadata = []Metadata.TopicMetadata{}
	for _, name := range names {
		t := c.getTopic(name, req.AllowAutoTopicCreation)
		if t == nil {
			resp.TopicMetadata = append(resp.TopicMetadata, Metadata.TopicMetadata{
				ErrorCode: kafkapoc.ERR_UNKNOWN_TOPIC_OR_PARTITION,
				Topic:     name,
			})
			continue
		}
		tm := Metadata.TopicMetadata{Topic: name}
		for i := range t.partitions {
			leader := c.Leader(int32(i))
			tm.PartitionMetadata = append(tm.PartitionMetadata, Metadata.PartitionMetadata{
				Partition:       int32(i),
				Leader:          leader,
				Replicas:        []int32{leader},
				Isr:             []int32{leader},
				OfflineReplicas: []int32{},
			})
		}
		resp.TopicMetadata = append(resp.TopicMetadata, tm)
	}
	return resp
}

func (b *broker) produce(v interface{}) interface{} {
	req := v.(*Produce.Request)
	c := b.c
	c.mu.Lock()
	defer c.mu.Unlock()
	resp := &Produce.Response{}
	for _, td := range req.TopicData {
		tr := Produce.TopicResponse{Topic: td.Topic}
		for _, d := range td.Data {
			pr := Produce.PartitionResponse{Partition: d.Partition, BaseOffset: -1, LogAppendTime: -1}
			p := c.partition(td.Topic, d.Partition, true)
			switch {
			case p == nil:
				pr.ErrorCode = kafkapoc.ERR_UNKNOWN_TOPIC_OR_PARTITION
			case c.Leader(d.Partition) != b.id:
				pr.ErrorCode = kafkapoc.ERR_NOT_LEADER_FOR_PARTITION
			default:
				if code := c.takeFault(api.Produce, td.Topic, d.Partition); code != 0 {
					pr.ErrorCode = code
					break
				}
				base, err := c.appendBatches(p, d.RecordSet)
				if err != nil {
					c.log.Warn("rejected record set", zap.String("topic", td.Topic), zap.Int32("partition", d.Partition), zap.Error(err))
					pr.ErrorCode = kafkapoc.ERR_CORRUPT_MESSAGE
					break
				}
				pr.BaseOffset = base
			}
			tr.PartitionResponses = append(tr.PartitionResponses, pr)
		}
		resp.TopicResponses = append(resp.TopicResponses, tr)
	}
	if req.Acks == 0 {
		return nil
	}
	return resp
}

// fetch waits up to MaxWaitTimeMs for MinBytes of data to become available.
func (b *broker) fetch(v interface{}) interface{} {
	req := v.(*Fetch.Request)
	deadline := time.Now().Add(time.Duration(req.MaxWaitTimeMs) * time.Millisecond)
	for {
		resp, n, changed := b.fetchOnce(req)
		wait := time.Until(deadline)
		if n > 0 || n >= int(req.MinBytes) || wait <= 0 {
			return resp
		}
		select {
		case <-changed:
		case <-time.After(wait):
		case <-b.c.done:
			return resp
		}
	}
}

func (b *broker) fetchOnce(req *Fetch.Request) (*Fetch.Response, int, <-chan struct{}) {
	c := b.c
	c.mu.Lock()
	defer c.mu.Unlock()
	resp := &Fetch.Response{}
	total := 0
	for _, t := range req.Topics {
		tr := Fetch.TopicResponse{Topic: t.Topic}
		for _, fp := range t.Partitions {
			pr := Fetch.PartitionResponse{Partition: fp.Partition, LastStableOffset: -1, LogStartOffset: 0}
			p := c.partition(t.Topic, fp.Partition, false)
			switch {
			case p == nil:
				pr.ErrorCode = kafkapoc.ERR_UNKNOWN_TOPIC_OR_PARTITION
			case c.Leader(fp.Partition) != b.id:
				pr.ErrorCode = kafkapoc.ERR_NOT_LEADER_FOR_PARTITION
			case fp.FetchOffset < 0 || fp.FetchOffset > p.next:
				pr.ErrorCode = kafkapoc.ERR_OFFSET_OUT_OF_RANGE
				pr.HighWatermark = p.next
			default:
				pr.HighWatermark = p.next
				pr.LastStableOffset = p.next
				var set []byte
				for i, last := range p.last {
					if last < fp.FetchOffset {
						continue
					}
					bb := p.batches[i]
					// always return at least one batch
					if len(set) > 0 && (len(set)+len(bb) > int(fp.PartitionMaxBytes) || total+len(bb) > int(req.MaxBytes)) {
						break
					}
					set = append(set, bb...)
					total += len(bb)
				}
				pr.RecordSet = set
			}
			tr.PartitionResponses = append(tr.PartitionResponses, pr)
		}
		resp.TopicResponses = append(resp.TopicResponses, tr)
	}
	return resp, total, c.changed
}

func (b *broker) listOffsets(v interface{}) interface{} {
	req := v.(*ListOffsets.Request)
	c := b.c
	c.mu.Lock()
	defer c.mu.Unlock()
	resp := &ListOffsets.Response{}
	for _, t := range req.Topics {
		tr := ListOffsets.TopicResponse{Topic: t.Topic}
		for _, rp := range t.Partitions {
			pr := ListOffsets.PartitionResponse{Partition: rp.Partition, Timestamp: -1, Offset: -1}
			p := c.partition(t.Topic, rp.Partition, false)
			switch {
			case p == nil:
				pr.ErrorCode = kafkapoc.ERR_UNKNOWN_TOPIC_OR_PARTITION
			case c.Leader(rp.Partition) != b.id:
				pr.ErrorCode = kafkapoc.ERR_NOT_LEADER_FOR_PARTITION
			case rp.Timestamp == ListOffsets.Oldest:
				pr.Offset = 0
			case rp.Timestamp == ListOffsets.Newest:
				pr.Offset = p.next
			default:
				pr.Offset = p.next
				for i, ts := range p.maxTs {
					if ts >= rp.Timestamp {
						pr.Offset = firstOffset(p, i)
						pr.Timestamp = ts
						break
					}
				}
			}
			tr.Partitions = append(tr.Partitions, pr)
		}
		resp.Responses = append(resp.Responses, tr)
	}
	return resp
}

func firstOffset(p *partitionLog, i int) int64 {
	if i == 0 {
		return 0
	}
	return p.last[i-1] + 1
}
