package kafkaclient

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	kafkapoc "github.com/kilpp/devops-pocs"
	"github.com/kilpp/devops-pocs/client"
	"github.com/kilpp/devops-pocs/config"
	"github.com/kilpp/devops-pocs/kafkatest"
	"github.com/kilpp/devops-pocs/metrics"
	"github.com/kilpp/devops-pocs/producer"
	"github.com/kilpp/devops-pocs/record"
	"github.com/kilpp/devops-pocs/serde"
	"github.com/kilpp/devops-pocs/telemetry"
)

type value = map[string]any

func testConfig(t *testing.T) (*kafkatest.Cluster, config.Config) {
	t.Helper()
	cluster, err := kafkatest.NewCluster(1)
	require.NoError(t, err)
	t.Cleanup(cluster.Close)
	cfg := config.Default()
	cfg.BootstrapServers = cluster.Addrs()
	cfg.LingerMs = 1
	return cluster, cfg
}

type result struct {
	messages []*Message[string, value]
	errs     []error
}

func poll(c *Consumer[string, value], timeout time.Duration) result {
	var res result
	for m, err := range c.Poll(context.Background(), timeout) {
		if err != nil {
			res.errs = append(res.errs, err)
			continue
		}
		res.messages = append(res.messages, m)
	}
	return res
}

func closeConsumer(t *testing.T, c interface{ Close(context.Context) error }) {
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		c.Close(ctx)
	})
}

// produced with acks=all and retries=3, read back from the earliest offset
func TestUnitProduceConsume(t *testing.T) {
	_, cfg := testConfig(t)
	cfg.ProducerAcks = "all"
	cfg.ProducerRetries = 3
	cfg.AutoOffsetReset = "earliest"
	ctx := context.Background()
	p, err := CreateProducer(ctx, cfg, serde.String(), serde.JSON[value]())
	require.NoError(t, err)
	t.Cleanup(func() { p.Close(ctx) })
	res, err := p.SendSync(ctx, "test-topic", "user1", value{"text": "hi"})
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Offset)

	c, err := CreateConsumer(ctx, cfg, serde.String(), serde.JSON[value]())
	require.NoError(t, err)
	closeConsumer(t, c)
	got := poll(c, 2*time.Second)
	require.Empty(t, got.errs)
	require.Len(t, got.messages, 1)
	m := got.messages[0]
	assert.Equal(t, "user1", m.Key)
	assert.Equal(t, value{"text": "hi"}, m.Value)
	assert.Equal(t, "test-topic", m.Topic)
	assert.Equal(t, res.Partition, m.Partition)
	got = poll(c, 200*time.Millisecond)
	assert.Empty(t, got.messages)
	assert.Empty(t, got.errs)
}

func TestUnitUnreachable(t *testing.T) {
	cfg := config.Default()
	cfg.BootstrapServers = []string{"127.0.0.1:1"}
	ctx := context.Background()
	_, err := CreateProducer(ctx, cfg, serde.String(), serde.String())
	var ce *kafkapoc.ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, []string{"127.0.0.1:1"}, ce.Endpoints)
	_, err = CreateConsumer(ctx, cfg, serde.String(), serde.String())
	require.ErrorAs(t, err, &ce)
}

func TestUnitInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.ProducerAcks = "some"
	_, err := Dial(context.Background(), cfg)
	require.Error(t, err)
	var ce *kafkapoc.ConnectionError
	assert.False(t, errors.As(err, &ce))
}

func TestUnitSerializationError(t *testing.T) {
	_, cfg := testConfig(t)
	c, err := Dial(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	p, err := NewProducer(c, serde.String(), serde.String())
	require.NoError(t, err)
	t.Cleanup(func() { p.Close(context.Background()) })
	f, err := p.Send(context.Background(), "foo", string([]byte{0xff}), "v")
	assert.ErrorIs(t, err, serde.ErrInvalidUTF8)
	assert.Nil(t, f)
}

// a malformed value is reported with its partition and offset; abort keeps
// failing on it, skip moves past it
func TestUnitDecodeError(t *testing.T) {
	cluster, cfg := testConfig(t)
	cfg.AutoOffsetReset = "earliest"
	_, err := cluster.Produce("test-topic", 0,
		record.New([]byte("k"), []byte("not json")),
		record.New([]byte("k"), []byte(`{"text":"ok"}`)),
	)
	require.NoError(t, err)
	c, err := CreateConsumer(context.Background(), cfg, serde.String(), serde.JSON[value]())
	require.NoError(t, err)
	closeConsumer(t, c)

	for i := 0; i < 2; i++ {
		got := poll(c, time.Second)
		assert.Empty(t, got.messages)
		require.Len(t, got.errs, 1)
		var de *kafkapoc.DeserializationError
		require.ErrorAs(t, got.errs[0], &de)
		assert.Equal(t, "test-topic", de.Topic)
		assert.Equal(t, int32(0), de.Partition)
		assert.Equal(t, int64(0), de.Offset)
	}

	c.SetDecodePolicy(Skip)
	got := poll(c, time.Second)
	require.Len(t, got.errs, 1)
	require.Len(t, got.messages, 1)
	assert.Equal(t, int64(1), got.messages[0].Offset)
	assert.Equal(t, value{"text": "ok"}, got.messages[0].Value)
	got = poll(c, 100*time.Millisecond)
	assert.Empty(t, got.errs)
	assert.Empty(t, got.messages)
}

// stopping on a skipped record still moves past it
func TestUnitSkipAndStop(t *testing.T) {
	cluster, cfg := testConfig(t)
	cfg.AutoOffsetReset = "earliest"
	cfg.OnDecodeError = "skip"
	_, err := cluster.Produce("test-topic", 0,
		record.New(nil, []byte("{")),
		record.New(nil, []byte(`{"n":1}`)),
	)
	require.NoError(t, err)
	c, err := CreateConsumer(context.Background(), cfg, serde.String(), serde.JSON[value]())
	require.NoError(t, err)
	closeConsumer(t, c)
	for _, err := range c.Poll(context.Background(), time.Second) {
		require.Error(t, err)
		break
	}
	got := poll(c, time.Second)
	assert.Empty(t, got.errs)
	require.Len(t, got.messages, 1)
	assert.Equal(t, int64(1), got.messages[0].Offset)
}

func TestUnitTopicInfo(t *testing.T) {
	_, cfg := testConfig(t)
	c, err := Dial(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	info, err := c.TopicInfo(context.Background(), "foo")
	require.NoError(t, err)
	assert.Equal(t, []int32{0, 1, 2}, info.Partitions)
	assert.Len(t, info.Leaders, 3)
}

func TestUnitCommit(t *testing.T) {
	cluster, cfg := testConfig(t)
	cfg.AutoOffsetReset = "earliest"
	_, err := cluster.Produce("test-topic", 1, record.New(nil, []byte(`{}`)))
	require.NoError(t, err)
	c, err := CreateConsumer(context.Background(), cfg, serde.String(), serde.JSON[value]())
	require.NoError(t, err)
	closeConsumer(t, c)
	got := poll(c, time.Second)
	require.Len(t, got.messages, 1)
	assert.Empty(t, got.messages[0].Value)
	require.NoError(t, c.Commit(context.Background()))
	off, ok := cluster.Committed(cfg.ConsumerGroup, "test-topic", 1)
	require.True(t, ok)
	assert.Equal(t, int64(1), off)
}

func TestUnitMetrics(t *testing.T) {
	_, cfg := testConfig(t)
	m := metrics.New()
	ctx := context.Background()
	p, err := CreateProducer(ctx, cfg, serde.String(), serde.String(), WithMetrics(m))
	require.NoError(t, err)
	_, err = p.SendSync(ctx, "foo", "k", "v")
	require.NoError(t, err)
	require.NoError(t, p.Close(ctx))
	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `kafkapoc_producer_records_delivered_total{topic="foo"} 1`)
	assert.Contains(t, string(body), "kafkapoc_request_duration_seconds")
}

func TestUnitParseDecodePolicy(t *testing.T) {
	p, err := ParseDecodePolicy("SKIP")
	require.NoError(t, err)
	assert.Equal(t, Skip, p)
	p, err = ParseDecodePolicy("")
	require.NoError(t, err)
	assert.Equal(t, Abort, p)
	_, err = ParseDecodePolicy("ignore")
	assert.Error(t, err)
}

// closing the client under a running poll ends it with ErrCancelled well
// before the poll timeout
func TestUnitClientCloseInterruptsPoll(t *testing.T) {
	_, cfg := testConfig(t)
	ctx := context.Background()
	c, err := Dial(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	cons, err := NewConsumer(ctx, c, serde.String(), serde.JSON[value]())
	require.NoError(t, err)
	done := make(chan result, 1)
	start := time.Now()
	go func() { done <- poll(cons, 10*time.Second) }()
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, c.Close())
	select {
	case got := <-done:
		assert.Less(t, time.Since(start), 5*time.Second)
		assert.Empty(t, got.messages)
		require.Len(t, got.errs, 1)
		assert.ErrorIs(t, got.errs[0], kafkapoc.ErrCancelled)
	case <-time.After(5 * time.Second):
		t.Fatal("poll still running after client close")
	}
	got := poll(cons, time.Second)
	require.Len(t, got.errs, 1)
	assert.ErrorIs(t, got.errs[0], kafkapoc.ErrCancelled)
	assert.NoError(t, cons.Close(ctx)) // already closed by the client
}

// records still lingering when the client closes resolve with ErrCancelled
// and are never delivered
func TestUnitClientCloseCancelsFutures(t *testing.T) {
	cluster, cfg := testConfig(t)
	cfg.LingerMs = 5000
	ctx := context.Background()
	c, err := Dial(ctx, cfg)
	require.NoError(t, err)
	p, err := NewProducer(c, serde.String(), serde.String())
	require.NoError(t, err)
	f, err := p.Send(ctx, "foo", "k", "v")
	require.NoError(t, err)
	require.NoError(t, c.Close())
	getCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	res, err := f.Get(getCtx)
	assert.ErrorIs(t, err, kafkapoc.ErrCancelled)
	assert.Equal(t, int64(-1), res.Offset)
	for partition := int32(0); partition < 3; partition++ {
		assert.Zero(t, cluster.Batches("foo", partition))
	}
	// sends after close fail right away
	f, err = p.Send(ctx, "foo", "k", "v")
	require.NoError(t, err)
	_, err = f.Get(getCtx)
	assert.ErrorIs(t, err, producer.ErrClosed)
	assert.NoError(t, p.Close(ctx))
}

func TestUnitClosedClientRejectsNew(t *testing.T) {
	_, cfg := testConfig(t)
	ctx := context.Background()
	c, err := Dial(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	_, err = NewProducer(c, serde.String(), serde.String())
	assert.ErrorIs(t, err, client.ErrClosed)
	_, err = NewConsumer(ctx, c, serde.String(), serde.String())
	assert.Error(t, err)
}

// a closed producer is forgotten by its client
func TestUnitClientUntracksClosed(t *testing.T) {
	_, cfg := testConfig(t)
	ctx := context.Background()
	c, err := Dial(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	p, err := NewProducer(c, serde.String(), serde.String())
	require.NoError(t, err)
	c.mu.Lock()
	assert.Len(t, c.children, 1)
	c.mu.Unlock()
	require.NoError(t, p.Close(ctx))
	c.mu.Lock()
	assert.Empty(t, c.children)
	c.mu.Unlock()
}

func spanAttr(kvs []attribute.KeyValue, key string) (attribute.Value, bool) {
	for _, kv := range kvs {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

// the produce span covers delivery: it ends with the acknowledged offset, or
// with an error status when the record fails
func TestUnitProduceSpanEndsOnDelivery(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp, err := telemetry.Init(context.Background(), telemetry.WithExporter(exp))
	require.NoError(t, err)
	t.Cleanup(func() { tp.Shutdown(context.Background()) })

	_, cfg := testConfig(t)
	cfg.ProducerRetries = 0
	ctx := context.Background()
	p, err := CreateProducer(ctx, cfg, serde.String(), serde.String())
	require.NoError(t, err)
	t.Cleanup(func() { p.Close(ctx) })
	_, err = p.SendSync(ctx, "foo", "k", "v")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(exp.GetSpans()) == 1 }, 2*time.Second, 10*time.Millisecond)
	res, err := p.SendSync(ctx, "foo", "k", "v")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(exp.GetSpans()) == 2 }, 2*time.Second, 10*time.Millisecond)
	span := exp.GetSpans()[1]
	assert.Equal(t, "kafka.produce", span.Name)
	offset, ok := spanAttr(span.Attributes, "messaging.kafka.offset")
	require.True(t, ok)
	assert.Equal(t, res.Offset, offset.AsInt64())
	partition, ok := spanAttr(span.Attributes, "messaging.destination.partition.id")
	require.True(t, ok)
	assert.Equal(t, int64(res.Partition), partition.AsInt64())
	assert.Equal(t, codes.Unset, span.Status.Code)

	// queued but never delivered
	cfg.LingerMs = 5000
	c, err := Dial(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	lingering, err := NewProducer(c, serde.String(), serde.String())
	require.NoError(t, err)
	f, err := lingering.Send(ctx, "foo", "k", "v")
	require.NoError(t, err)
	assert.Len(t, exp.GetSpans(), 2) // still open
	require.NoError(t, c.Close())
	<-f.Done()
	require.Eventually(t, func() bool { return len(exp.GetSpans()) == 3 }, 2*time.Second, 10*time.Millisecond)
	span = exp.GetSpans()[2]
	assert.Equal(t, codes.Error, span.Status.Code)
	assert.Equal(t, kafkapoc.ErrCancelled.Error(), span.Status.Description)
	_, ok = spanAttr(span.Attributes, "messaging.kafka.offset")
	assert.False(t, ok)
}

func TestUnitRequestRetries(t *testing.T) {
	cfg := config.Default()
	cc := clientConfig(cfg, nil, nil)
	assert.Equal(t, 3, cc.Retries)
	assert.True(t, strings.HasPrefix(cc.ClientId, "kafka-poc-"))
	cfg.RequestRetries = 0
	cc = clientConfig(cfg, nil, nil)
	assert.Equal(t, -1, cc.Retries) // no retries, not the manager default
	cfg.RequestRetries = 7
	assert.Equal(t, 7, clientConfig(cfg, nil, nil).Retries)
}
