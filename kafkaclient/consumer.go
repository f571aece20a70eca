package kafkaclient

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	kafkapoc "github.com/kilpp/devops-pocs"
	"github.com/kilpp/devops-pocs/config"
	"github.com/kilpp/devops-pocs/consumer"
	"github.com/kilpp/devops-pocs/metrics"
	"github.com/kilpp/devops-pocs/record"
	"github.com/kilpp/devops-pocs/serde"
	"github.com/kilpp/devops-pocs/telemetry"
)

// DecodePolicy decides what Poll does with a record that fails to
// deserialize. Either way the error is yielded as a
// *kafkapoc.DeserializationError.
type DecodePolicy int

const (
	// Abort ends the poll and leaves the position on the bad record, so the
	// next poll fails on it again.
	Abort DecodePolicy = iota
	// Skip moves past the bad record.
	Skip
)

func ParseDecodePolicy(s string) (DecodePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "abort":
		return Abort, nil
	case "skip":
		return Skip, nil
	}
	return Abort, fmt.Errorf("invalid decode error policy %q (expected skip or abort)", s)
}

// Message is a deserialized record.
type Message[K, V any] struct {
	Topic     string
	Partition int32
	Offset    int64
	Timestamp time.Time
	Key       K
	Value     V
	Headers   []record.Header
}

// Consumer of records with keys K and values V.
type Consumer[K, V any] struct {
	c      *Client
	cons   *consumer.Consumer
	keys   serde.Deserializer[K]
	values serde.Deserializer[V]
	policy DecodePolicy
	obs    metrics.ConsumerObserver
	own    bool
}

func consumerConfig(c *Client) (consumer.Config, error) {
	cfg := consumer.DefaultConfig(c.cfg.ConsumerGroup)
	reset, err := consumer.ParseReset(c.cfg.AutoOffsetReset)
	if err != nil {
		return cfg, err
	}
	cfg.Reset = reset
	cfg.AutoCommitInterval = time.Duration(c.cfg.AutoCommitIntervalMs) * time.Millisecond
	cfg.Logger = c.log.Named("consumer")
	cfg.Observer = c.obs
	return cfg, nil
}

// NewConsumer joins the configured consumer group, subscribed to topics
// (the configured topic if none).
func NewConsumer[K, V any](ctx context.Context, c *Client, keys serde.Deserializer[K], values serde.Deserializer[V], topics ...string) (*Consumer[K, V], error) {
	cfg, err := consumerConfig(c)
	if err != nil {
		return nil, err
	}
	policy, err := ParseDecodePolicy(c.cfg.OnDecodeError)
	if err != nil {
		return nil, err
	}
	cons, err := consumer.New(c.m, cfg)
	if err != nil {
		return nil, err
	}
	if len(topics) == 0 {
		topics = []string{c.cfg.Topic}
	}
	if err := cons.Subscribe(ctx, topics...); err != nil {
		cons.Close(ctx)
		return nil, fmt.Errorf("error subscribing to %s: %w", strings.Join(topics, ","), err)
	}
	kc := &Consumer[K, V]{
		c:      c,
		cons:   cons,
		keys:   keys,
		values: values,
		policy: policy,
		obs:    c.obs,
	}
	if err := c.track(kc); err != nil {
		cons.Close(ctx)
		return nil, err
	}
	return kc, nil
}

// CreateConsumer dials a client of its own and subscribes to the configured
// topic. Close closes both.
func CreateConsumer[K, V any](ctx context.Context, cfg config.Config, keys serde.Deserializer[K], values serde.Deserializer[V], opts ...Option) (*Consumer[K, V], error) {
	c, err := Dial(ctx, cfg, opts...)
	if err != nil {
		return nil, err
	}
	cons, err := NewConsumer(ctx, c, keys, values)
	if err != nil {
		c.Close()
		return nil, err
	}
	cons.own = true
	return cons, nil
}

func (c *Consumer[K, V]) SetDecodePolicy(p DecodePolicy) { c.policy = p }

// Core returns the consumer core, for assignment and position details.
func (c *Consumer[K, V]) Core() *consumer.Consumer { return c.cons }

// Poll yields the messages ready within timeout. See consumer.Consumer.Poll
// for positions, and DecodePolicy for records that fail to deserialize.
func (c *Consumer[K, V]) Poll(ctx context.Context, timeout time.Duration) iter.Seq2[*Message[K, V], error] {
	return func(yield func(*Message[K, V], error) bool) {
		ctx, span := telemetry.StartPollSpan(ctx, c.c.cfg.ConsumerGroup)
		defer span.End()
		n := 0
		defer func() { span.SetAttributes(attribute.Int("messaging.batch.message_count", n)) }()
		for r, err := range c.cons.Poll(ctx, timeout) {
			if err != nil {
				span.SetStatus(codes.Error, err.Error())
				yield(nil, err)
				return
			}
			m, err := c.decode(r)
			if err != nil {
				c.obs.RecordDecodeError(r.Topic)
				if c.policy == Abort {
					yield(nil, err)
					return
				}
				if !yield(nil, err) {
					tp := kafkapoc.TopicPartition{Topic: r.Topic, Partition: r.Partition}
					c.cons.Seek(tp, r.Offset+1)
					return
				}
				continue
			}
			n++
			if !yield(m, nil) {
				return
			}
		}
	}
}

func (c *Consumer[K, V]) decode(r *consumer.Record) (*Message[K, V], error) {
	wrap := func(err error) error {
		return &kafkapoc.DeserializationError{Topic: r.Topic, Partition: r.Partition, Offset: r.Offset, Err: err}
	}
	key, err := c.keys.Deserialize(r.Key)
	if err != nil {
		return nil, wrap(fmt.Errorf("key: %w", err))
	}
	value, err := c.values.Deserialize(r.Value)
	if err != nil {
		return nil, wrap(fmt.Errorf("value: %w", err))
	}
	return &Message[K, V]{
		Topic:     r.Topic,
		Partition: r.Partition,
		Offset:    r.Offset,
		Timestamp: r.Timestamp,
		Key:       key,
		Value:     value,
		Headers:   r.Headers,
	}, nil
}

// Commit the positions of all assigned partitions.
func (c *Consumer[K, V]) Commit(ctx context.Context) error {
	ctx, span := telemetry.StartCommitSpan(ctx, c.c.cfg.ConsumerGroup)
	defer span.End()
	err := c.cons.Commit(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (c *Consumer[K, V]) TopicInfo(ctx context.Context, topic string) (*TopicInfo, error) {
	return c.c.TopicInfo(ctx, topic)
}

// Close the consumer (final commit, leave group).
func (c *Consumer[K, V]) Close(ctx context.Context) error {
	c.c.untrack(c)
	err := c.cons.Close(ctx)
	if c.own {
		c.c.Close()
	}
	return err
}
