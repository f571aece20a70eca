package kafkatest

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	kafkapoc "github.com/kilpp/devops-pocs"
	"github.com/kilpp/devops-pocs/api"
	"github.com/kilpp/devops-pocs/api/ApiVersions"
	"github.com/kilpp/devops-pocs/api/Fetch"
	"github.com/kilpp/devops-pocs/api/JoinGroup"
	"github.com/kilpp/devops-pocs/api/ListOffsets"
	"github.com/kilpp/devops-pocs/api/Metadata"
	"github.com/kilpp/devops-pocs/api/Produce"
	"github.com/kilpp/devops-pocs/batch"
	"github.com/kilpp/devops-pocs/record"
)

func call(t *testing.T, addr string, req *api.Request, v interface{}) {
	t.Helper()
	nc, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer nc.Close()
	nc.SetDeadline(time.Now().Add(5 * time.Second))
	req.CorrelationId = 7
	b, err := req.Bytes()
	require.NoError(t, err)
	_, err = nc.Write(b)
	require.NoError(t, err)
	resp, err := api.Read(bufio.NewReader(nc))
	require.NoError(t, err)
	require.Equal(t, int32(7), resp.CorrelationId())
	require.NoError(t, resp.Unmarshal(v))
}

func newCluster(t *testing.T, n int, opts ...Option) *Cluster {
	t.Helper()
	c, err := NewCluster(n, opts...)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestUnitApiVersions(t *testing.T) {
	c := newCluster(t, 1)
	resp := &ApiVersions.Response{}
	call(t, c.Addr(0), ApiVersions.NewRequest(), resp)
	for key, v := range api.Versions {
		require.True(t, resp.Supports(key, v), api.Keys[key])
	}
}

func TestUnitMetadataAutoCreate(t *testing.T) {
	c := newCluster(t, 2)
	resp := &Metadata.Response{}
	call(t, c.Addr(1), Metadata.NewRequest([]string{"foo"}, true), resp)
	require.Len(t, resp.Brokers, 2)
	topic := resp.Topic("foo")
	require.NotNil(t, topic)
	require.Equal(t, int16(0), topic.ErrorCode)
	require.Len(t, topic.PartitionMetadata, 3)
	leaders := resp.Leaders("foo")
	require.Equal(t, int32(0), leaders[0].NodeId)
	require.Equal(t, int32(1), leaders[1].NodeId)
	require.Equal(t, int32(0), leaders[2].NodeId)
	require.Equal(t, c.Addr(1), leaders[1].Addr())
}

func TestUnitMetadataNoAutoCreate(t *testing.T) {
	c := newCluster(t, 1, WithoutAutoCreate())
	resp := &Metadata.Response{}
	call(t, c.Addr(0), Metadata.NewRequest([]string{"foo"}, true), resp)
	require.Equal(t, int16(kafkapoc.ERR_UNKNOWN_TOPIC_OR_PARTITION), resp.Topic("foo").ErrorCode)
	// empty topic list is brokers only
	resp = &Metadata.Response{}
	call(t, c.Addr(0), Metadata.NewRequest([]string{}, true), resp)
	require.Empty(t, resp.TopicMetadata)
	require.Len(t, resp.Brokers, 1)
}

func produce(t *testing.T, c *Cluster, node int32, partition int32, values ...string) *Produce.PartitionResponse {
	t.Helper()
	b, err := batch.NewBuilder(time.Now()).AddStrings(values...).Build()
	require.NoError(t, err)
	resp := &Produce.Response{}
	call(t, c.Addr(node), Produce.NewRequest("foo", partition, 1, 1000, b.Marshal()), resp)
	p := resp.Partition("foo", partition)
	require.NotNil(t, p)
	return p
}

func TestUnitProduceAssignsOffsets(t *testing.T) {
	c := newCluster(t, 2, WithPartitions(2))
	require.Equal(t, int64(0), produce(t, c, 0, 0, "a", "b").BaseOffset)
	require.Equal(t, int64(2), produce(t, c, 0, 0, "c").BaseOffset)
	require.Equal(t, int16(kafkapoc.ERR_NOT_LEADER_FOR_PARTITION), produce(t, c, 0, 1, "x").ErrorCode)
	messages, err := c.Messages("foo", 0)
	require.NoError(t, err)
	require.Len(t, messages, 3)
	for i, m := range messages {
		require.Equal(t, int64(i), m.Offset)
	}
	require.Equal(t, "c", string(messages[2].Value))
	require.Equal(t, int64(3), c.EndOffset("foo", 0))
	require.Equal(t, 2, c.Batches("foo", 0))
}

func TestUnitFailProduce(t *testing.T) {
	c := newCluster(t, 1)
	c.FailProduce("foo", 0, kafkapoc.ERR_NOT_ENOUGH_REPLICAS, 2)
	require.Equal(t, int16(kafkapoc.ERR_NOT_ENOUGH_REPLICAS), produce(t, c, 0, 0, "a").ErrorCode)
	require.Equal(t, int16(kafkapoc.ERR_NOT_ENOUGH_REPLICAS), produce(t, c, 0, 0, "a").ErrorCode)
	require.Equal(t, int16(0), produce(t, c, 0, 0, "a").ErrorCode)
	require.Equal(t, int64(1), c.EndOffset("foo", 0))
	require.Equal(t, 3, c.Requests(api.Produce))
}

func TestUnitCorruptRecordSet(t *testing.T) {
	c := newCluster(t, 1)
	b, err := batch.NewBuilder(time.Now()).AddStrings("a").Build()
	require.NoError(t, err)
	set := b.Marshal()
	set[len(set)-1] ^= 0xff
	resp := &Produce.Response{}
	call(t, c.Addr(0), Produce.NewRequest("foo", 0, 1, 1000, set), resp)
	require.Equal(t, int16(kafkapoc.ERR_CORRUPT_MESSAGE), resp.Partition("foo", 0).ErrorCode)
}

func TestUnitFetch(t *testing.T) {
	c := newCluster(t, 1)
	_, err := c.Produce("foo", 0, record.New(nil, []byte("a")), record.New(nil, []byte("b")))
	require.NoError(t, err)
	_, err = c.Produce("foo", 0, record.New(nil, []byte("c")))
	require.NoError(t, err)
	fetch := func(offset int64) *Fetch.PartitionResponse {
		resp := &Fetch.Response{}
		req := Fetch.NewRequest(&Fetch.Args{
			MinBytes:      1,
			MaxBytes:      1 << 20,
			MaxWaitTimeMs: 50,
			Partitions:    []Fetch.PartitionArgs{{Topic: "foo", Partition: 0, Offset: offset, MaxBytes: 1 << 20}},
		})
		call(t, c.Addr(0), req, resp)
		require.Len(t, resp.TopicResponses, 1)
		return &resp.TopicResponses[0].PartitionResponses[0]
	}
	p := fetch(1)
	require.Equal(t, int16(0), p.ErrorCode)
	require.Equal(t, int64(3), p.HighWatermark)
	// the batch containing offset 1 starts at 0
	require.Len(t, batch.RecordSet(p.RecordSet).Batches(), 2)
	p = fetch(2)
	require.Len(t, batch.RecordSet(p.RecordSet).Batches(), 1)
	p = fetch(3)
	require.Empty(t, p.RecordSet)
	p = fetch(4)
	require.Equal(t, int16(kafkapoc.ERR_OFFSET_OUT_OF_RANGE), p.ErrorCode)
}

func TestUnitFetchWaitsForData(t *testing.T) {
	c := newCluster(t, 1)
	c.CreateTopic("foo", 1)
	go func() {
		time.Sleep(50 * time.Millisecond)
		c.Produce("foo", 0, record.New(nil, []byte("late")))
	}()
	resp := &Fetch.Response{}
	req := Fetch.NewRequest(&Fetch.Args{
		MinBytes:      1,
		MaxBytes:      1 << 20,
		MaxWaitTimeMs: 2000,
		Partitions:    []Fetch.PartitionArgs{{Topic: "foo", Partition: 0, MaxBytes: 1 << 20}},
	})
	start := time.Now()
	call(t, c.Addr(0), req, resp)
	require.Less(t, time.Since(start), time.Second)
	require.NotEmpty(t, resp.TopicResponses[0].PartitionResponses[0].RecordSet)
}

func TestUnitListOffsets(t *testing.T) {
	c := newCluster(t, 1)
	_, err := c.Produce("foo", 0, record.New(nil, []byte("a")), record.New(nil, []byte("b")))
	require.NoError(t, err)
	for ts, expected := range map[int64]int64{ListOffsets.Oldest: 0, ListOffsets.Newest: 2} {
		resp := &ListOffsets.Response{}
		call(t, c.Addr(0), ListOffsets.NewRequest("foo", 0, ts), resp)
		require.Equal(t, expected, resp.Partition("foo", 0).Offset)
	}
}

func TestUnitPause(t *testing.T) {
	c := newCluster(t, 1)
	c.Pause(0)
	nc, err := net.Dial("tcp", c.Addr(0))
	require.NoError(t, err)
	defer nc.Close()
	nc.SetReadDeadline(time.Now().Add(time.Second))
	_, err = nc.Read(make([]byte, 1))
	require.Error(t, err) // closed by the broker
	c.Resume(0)
	call(t, c.Addr(0), ApiVersions.NewRequest(), &ApiVersions.Response{})
}

func join(t *testing.T, c *Cluster, group, member string) *JoinGroup.Response {
	t.Helper()
	sub, err := (&JoinGroup.Subscription{Topics: []string{"foo"}}).Marshal()
	require.NoError(t, err)
	resp := &JoinGroup.Response{}
	req := JoinGroup.NewRequest(&JoinGroup.Args{
		GroupId:            group,
		MemberId:           member,
		SessionTimeoutMs:   10000,
		RebalanceTimeoutMs: 1000,
		ProtocolType:       "consumer",
		Protocols:          []JoinGroup.Protocol{{Name: "range", Metadata: sub}},
	})
	call(t, c.Addr(c.Coordinator(group)), req, resp)
	return resp
}

func TestUnitJoinGroup(t *testing.T) {
	c := newCluster(t, 1)
	resp := join(t, c, "g", "")
	require.Equal(t, int16(0), resp.ErrorCode)
	require.Equal(t, int32(1), resp.GenerationId)
	require.Equal(t, resp.MemberId, resp.Leader)
	require.Equal(t, "range", resp.ProtocolName)
	require.Len(t, resp.Members, 1)
	require.Equal(t, []string{resp.MemberId}, c.Members("g"))
	// unknown member id
	resp = join(t, c, "g", "nobody")
	require.Equal(t, int16(kafkapoc.ERR_UNKNOWN_MEMBER_ID), resp.ErrorCode)
}

func TestUnitJoinGroupEvictsMembersThatDoNotRejoin(t *testing.T) {
	c := newCluster(t, 1)
	first := join(t, c, "g", "")
	require.Equal(t, int32(1), first.GenerationId)
	// second member joins, first does not rejoin within the rebalance timeout
	second := join(t, c, "g", "")
	require.Equal(t, int16(0), second.ErrorCode)
	require.Equal(t, int32(2), second.GenerationId)
	require.Equal(t, second.MemberId, second.Leader)
	require.Equal(t, []string{second.MemberId}, c.Members("g"))
}
