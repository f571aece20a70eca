package kafkaclient

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/kilpp/devops-pocs/config"
	"github.com/kilpp/devops-pocs/serde"
)

// Integration tests run against a real broker when KAFKA_INTEGRATION=1.
// KAFKA_BOOTSTRAP_SERVERS defaults to localhost:9092; the broker must allow
// topic auto creation.
func integrationConfig(t *testing.T) config.Config {
	t.Helper()
	if os.Getenv("KAFKA_INTEGRATION") != "1" {
		t.Skip("set KAFKA_INTEGRATION=1 to run against a broker")
	}
	cfg := config.Default()
	if s := os.Getenv("KAFKA_BOOTSTRAP_SERVERS"); s != "" {
		cfg.BootstrapServers = strings.Split(s, ",")
	}
	id := uuid.NewString()[:8]
	cfg.Topic = "kafka-poc-it-" + id
	cfg.ConsumerGroup = "kafka-poc-it-" + id
	cfg.AutoOffsetReset = "earliest"
	cfg.LingerMs = 1
	return cfg
}

func kgoClient(t *testing.T, cfg config.Config, opts ...kgo.Opt) *kgo.Client {
	t.Helper()
	opts = append([]kgo.Opt{
		kgo.SeedBrokers(cfg.BootstrapServers...),
		kgo.AllowAutoTopicCreation(),
	}, opts...)
	cl, err := kgo.NewClient(opts...)
	require.NoError(t, err)
	t.Cleanup(cl.Close)
	return cl
}

// records produced here are read back by franz-go
func TestIntegrationProduceReadByFranz(t *testing.T) {
	cfg := integrationConfig(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	p, err := CreateProducer(ctx, cfg, serde.String(), serde.String())
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		_, err := p.SendSync(ctx, cfg.Topic, fmt.Sprintf("key-%d", i%3), fmt.Sprintf("value-%d", i))
		require.NoError(t, err)
	}
	require.NoError(t, p.Close(ctx))

	cl := kgoClient(t, cfg,
		kgo.ConsumeTopics(cfg.Topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	got := map[string]bool{}
	for len(got) < 10 && ctx.Err() == nil {
		fetches := cl.PollFetches(ctx)
		for _, err := range fetches.Errors() {
			require.NoError(t, err.Err)
		}
		fetches.EachRecord(func(r *kgo.Record) {
			assert.True(t, strings.HasPrefix(string(r.Key), "key-"))
			got[string(r.Value)] = true
		})
	}
	assert.Len(t, got, 10)
}

// records produced by franz-go are read here, in order per partition
func TestIntegrationConsumeFromFranz(t *testing.T) {
	cfg := integrationConfig(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	cl := kgoClient(t, cfg, kgo.DefaultProduceTopic(cfg.Topic))
	for i := 0; i < 10; i++ {
		r := &kgo.Record{Key: []byte("one-key"), Value: []byte(fmt.Sprintf(`{"n":%d}`, i))}
		require.NoError(t, cl.ProduceSync(ctx, r).FirstErr())
	}

	c, err := CreateConsumer(ctx, cfg, serde.String(), serde.JSON[map[string]int]())
	require.NoError(t, err)
	closeConsumer(t, c)
	var got []int
	for len(got) < 10 && ctx.Err() == nil {
		for m, err := range c.Poll(ctx, time.Second) {
			require.NoError(t, err)
			assert.Equal(t, "one-key", m.Key)
			got = append(got, m.Value["n"])
		}
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, got)
	require.NoError(t, c.Commit(ctx))
}
