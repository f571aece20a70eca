package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kafkapoc "github.com/kilpp/devops-pocs"
	"github.com/kilpp/devops-pocs/api/ApiVersions"
	"github.com/kilpp/devops-pocs/api/Fetch"
	"github.com/kilpp/devops-pocs/api/JoinGroup"
	"github.com/kilpp/devops-pocs/api/ListOffsets"
	"github.com/kilpp/devops-pocs/api/SyncGroup"
	"github.com/kilpp/devops-pocs/batch"
	"github.com/kilpp/devops-pocs/kafkatest"
)

func testManager(t *testing.T, cluster *kafkatest.Cluster, cfg Config) *Manager {
	t.Helper()
	cfg.Bootstrap = cluster.Addrs()[:1]
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = 5 * time.Millisecond
	}
	if cfg.ProbeInterval == 0 {
		cfg.ProbeInterval = 20 * time.Millisecond
	}
	m, err := Connect(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func testCluster(t *testing.T, n int, opts ...kafkatest.Option) *kafkatest.Cluster {
	t.Helper()
	c, err := kafkatest.NewCluster(n, opts...)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestUnitResolveBootstrap(t *testing.T) {
	addrs := ResolveBootstrap([]string{" localhost:9092", "", "10.0.0.1:9093 "})
	assert.Equal(t, []string{"localhost:9092", "10.0.0.1:9093"}, addrs)
}

func TestUnitConnectDiscoversBrokers(t *testing.T) {
	cluster := testCluster(t, 3)
	m := testManager(t, cluster, Config{})
	assert.Len(t, m.Brokers(), 3)
	assert.ElementsMatch(t, cluster.Addrs(), m.Endpoints())
	assert.True(t, m.ApiVersions().Supports(0, 7))
}

func TestUnitConnectUnreachable(t *testing.T) {
	_, err := Connect(context.Background(), Config{
		Bootstrap:    []string{"127.0.0.1:1"},
		Retries:      1,
		RetryBackoff: time.Millisecond,
	})
	var cerr *kafkapoc.ConnectionError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, []string{"127.0.0.1:1"}, cerr.Endpoints)
}

func TestUnitConnectNoBootstrap(t *testing.T) {
	_, err := Connect(context.Background(), Config{})
	var cerr *kafkapoc.ConnectionError
	require.ErrorAs(t, err, &cerr)
}

func TestUnitPartitionsAndLeader(t *testing.T) {
	cluster := testCluster(t, 2)
	m := testManager(t, cluster, Config{})
	ctx := context.Background()
	partitions, err := m.Partitions(ctx, "foo")
	require.NoError(t, err)
	assert.Equal(t, []int32{0, 1, 2}, partitions)
	leader, err := m.Leader(ctx, "foo", 1)
	require.NoError(t, err)
	assert.Equal(t, cluster.Addr(cluster.Leader(1)), leader)
	_, err = m.Leader(ctx, "foo", 7)
	assert.ErrorIs(t, err, ErrPartitionDoesNotExist)
}

func TestUnitUnknownTopic(t *testing.T) {
	cluster := testCluster(t, 1, kafkatest.WithoutAutoCreate())
	m := testManager(t, cluster, Config{Retries: -1})
	_, err := m.Partitions(context.Background(), "foo")
	assert.True(t, kafkapoc.HasCode(err, kafkapoc.ERR_UNKNOWN_TOPIC_OR_PARTITION), err)
}

func TestUnitProduceFetchListOffsets(t *testing.T) {
	cluster := testCluster(t, 2)
	m := testManager(t, cluster, Config{})
	ctx := context.Background()
	b, err := batch.NewBuilder(time.Now()).AddStrings("foo", "bar").Build()
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		resp, err := m.Produce(ctx, "foo", 1, 1, 1000, b.Marshal())
		require.NoError(t, err)
		assert.Equal(t, int64(2*i), resp.BaseOffset)
	}
	newest, err := m.ListOffsets(ctx, "foo", 1, ListOffsets.Newest)
	require.NoError(t, err)
	assert.Equal(t, int64(4), newest)
	oldest, err := m.ListOffsets(ctx, "foo", 1, ListOffsets.Oldest)
	require.NoError(t, err)
	assert.Equal(t, int64(0), oldest)
	leader, err := m.Leader(ctx, "foo", 1)
	require.NoError(t, err)
	resp, err := m.Fetch(ctx, leader, &Fetch.Args{
		MinBytes:      1,
		MaxBytes:      1 << 20,
		MaxWaitTimeMs: 100,
		Partitions:    []Fetch.PartitionArgs{{Topic: "foo", Partition: 1, Offset: 2, MaxBytes: 1 << 20}},
	})
	require.NoError(t, err)
	p := resp.TopicResponses[0].PartitionResponses[0]
	require.Equal(t, int16(0), p.ErrorCode)
	batches := batch.RecordSet(p.RecordSet).Batches()
	require.Len(t, batches, 1)
	parsed, err := batch.Unmarshal(batches[0])
	require.NoError(t, err)
	assert.Equal(t, int64(2), parsed.BaseOffset)
}

func TestUnitProduceAcksNone(t *testing.T) {
	cluster := testCluster(t, 1)
	m := testManager(t, cluster, Config{})
	b, err := batch.NewBuilder(time.Now()).AddStrings("foo").Build()
	require.NoError(t, err)
	resp, err := m.Produce(context.Background(), "foo", 0, 0, 1000, b.Marshal())
	require.NoError(t, err)
	assert.Equal(t, int64(-1), resp.BaseOffset)
	// the request is on the wire, the next call on the same connection
	// must still line up with its response
	_, err = m.ListOffsets(context.Background(), "foo", 0, ListOffsets.Newest)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cluster.EndOffset("foo", 0))
}

func TestUnitProduceErrorCode(t *testing.T) {
	cluster := testCluster(t, 1)
	m := testManager(t, cluster, Config{})
	cluster.FailProduce("foo", 0, kafkapoc.ERR_NOT_LEADER_FOR_PARTITION, 1)
	b, err := batch.NewBuilder(time.Now()).AddStrings("foo").Build()
	require.NoError(t, err)
	_, err = m.Produce(context.Background(), "foo", 0, 1, 1000, b.Marshal())
	assert.True(t, kafkapoc.HasCode(err, kafkapoc.ERR_NOT_LEADER_FOR_PARTITION))
	assert.Nil(t, m.cached("foo"), "metadata should be invalidated")
}

func TestUnitEndpointHealth(t *testing.T) {
	cluster := testCluster(t, 1)
	m := testManager(t, cluster, Config{UnreachableAfter: 2, Retries: 1})
	events := m.Watch()
	addr := cluster.Addr(0)
	cluster.Pause(0)
	err := m.Send(context.Background(), addr, ApiVersions.NewRequest(), &ApiVersions.Response{})
	require.ErrorIs(t, err, ErrUnreachable)
	assert.False(t, m.IsHealthy(addr))
	select {
	case ev := <-events:
		assert.Equal(t, Event{Addr: addr, Up: false}, ev)
	case <-time.After(time.Second):
		t.Fatal("no down event")
	}
	// fails fast while down
	err = m.Send(context.Background(), addr, ApiVersions.NewRequest(), &ApiVersions.Response{})
	require.ErrorIs(t, err, ErrUnreachable)
	err = m.Any(context.Background(), ApiVersions.NewRequest(), &ApiVersions.Response{})
	var cerr *kafkapoc.ConnectionError
	require.ErrorAs(t, err, &cerr)
	cluster.Resume(0)
	select {
	case ev := <-events:
		assert.Equal(t, Event{Addr: addr, Up: true}, ev)
	case <-time.After(2 * time.Second):
		t.Fatal("no up event")
	}
	assert.True(t, m.IsHealthy(addr))
	require.NoError(t, m.Send(context.Background(), addr, ApiVersions.NewRequest(), &ApiVersions.Response{}))
}

func TestUnitSendCancelled(t *testing.T) {
	cluster := testCluster(t, 1)
	m := testManager(t, cluster, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := m.Send(ctx, cluster.Addr(0), ApiVersions.NewRequest(), &ApiVersions.Response{})
	assert.True(t, errors.Is(err, context.Canceled), err)
	assert.True(t, m.IsHealthy(cluster.Addr(0)))
}

func TestUnitClose(t *testing.T) {
	cluster := testCluster(t, 1)
	m := testManager(t, cluster, Config{})
	events := m.Watch()
	require.NoError(t, m.Close())
	_, ok := <-events
	assert.False(t, ok)
	err := m.Send(context.Background(), cluster.Addr(0), ApiVersions.NewRequest(), &ApiVersions.Response{})
	assert.ErrorIs(t, err, ErrClosed)
	require.NoError(t, m.Close())
}

func TestUnitGroup(t *testing.T) {
	cluster := testCluster(t, 3)
	m := testManager(t, cluster, Config{})
	ctx := context.Background()
	g := m.Group("my-group")
	addr, err := g.FindCoordinator(ctx)
	require.NoError(t, err)
	assert.Equal(t, cluster.Addr(cluster.Coordinator("my-group")), addr)
	sub, err := (&JoinGroup.Subscription{Topics: []string{"foo"}}).Marshal()
	require.NoError(t, err)
	join, err := g.Join(ctx, &JoinGroup.Args{
		SessionTimeoutMs:   10000,
		RebalanceTimeoutMs: 1000,
		ProtocolType:       "consumer",
		Protocols:          []JoinGroup.Protocol{{Name: "range", Metadata: sub}},
	})
	require.NoError(t, err)
	require.Equal(t, join.MemberId, join.Leader)
	assignment, err := (&JoinGroup.Assignment{Topics: []JoinGroup.TopicAssignment{{Topic: "foo", Partitions: []int32{0, 1, 2}}}}).Marshal()
	require.NoError(t, err)
	sync, err := g.Sync(ctx, join.MemberId, join.GenerationId, []SyncGroup.Assignment{{MemberId: join.MemberId, Assignment: assignment}})
	require.NoError(t, err)
	a, err := JoinGroup.UnmarshalAssignment(sync.Assignment)
	require.NoError(t, err)
	assert.Equal(t, []int32{0, 1, 2}, a.Topics[0].Partitions)
	require.NoError(t, g.Heartbeat(ctx, join.MemberId, join.GenerationId))
	err = g.Heartbeat(ctx, join.MemberId, join.GenerationId+1)
	assert.True(t, kafkapoc.HasCode(err, kafkapoc.ERR_ILLEGAL_GENERATION))
	offsets, err := g.FetchOffsets(ctx, map[string][]int32{"foo": {0}})
	require.NoError(t, err)
	assert.Equal(t, int64(-1), offsets["foo"][0])
	require.NoError(t, g.CommitOffsets(ctx, join.MemberId, join.GenerationId, map[string]map[int32]int64{"foo": {0: 42}}))
	offsets, err = g.FetchOffsets(ctx, map[string][]int32{"foo": {0}})
	require.NoError(t, err)
	assert.Equal(t, int64(42), offsets["foo"][0])
	require.NoError(t, g.Leave(ctx, join.MemberId))
	err = g.Heartbeat(ctx, join.MemberId, join.GenerationId)
	assert.True(t, kafkapoc.HasCode(err, kafkapoc.ERR_UNKNOWN_MEMBER_ID))
}

func TestUnitCommitOutsideGroup(t *testing.T) {
	cluster := testCluster(t, 1)
	m := testManager(t, cluster, Config{})
	g := m.Group("standalone")
	require.NoError(t, g.CommitOffsets(context.Background(), "", -1, map[string]map[int32]int64{"foo": {1: 7}}))
	o, ok := cluster.Committed("standalone", "foo", 1)
	require.True(t, ok)
	assert.Equal(t, int64(7), o)
}

