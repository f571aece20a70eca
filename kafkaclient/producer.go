package kafkaclient

import (
	"context"
	"fmt"
	"time"

	"github.com/kilpp/devops-pocs/compression"
	"github.com/kilpp/devops-pocs/config"
	"github.com/kilpp/devops-pocs/producer"
	"github.com/kilpp/devops-pocs/serde"
	"github.com/kilpp/devops-pocs/telemetry"
)

// Producer of records with keys K and values V.
type Producer[K, V any] struct {
	c      *Client
	p      *producer.Producer
	keys   serde.Serializer[K]
	values serde.Serializer[V]
	own    bool // close c with the producer
}

func producerConfig(c *Client) (producer.Config, error) {
	cfg := producer.DefaultConfig()
	acks, err := producer.ParseAcks(c.cfg.ProducerAcks)
	if err != nil {
		return cfg, err
	}
	codec, err := compression.ByName(c.cfg.Compression)
	if err != nil {
		return cfg, err
	}
	cfg.Acks = acks
	cfg.Retries = c.cfg.ProducerRetries
	cfg.Linger = time.Duration(c.cfg.LingerMs) * time.Millisecond
	cfg.BatchBytes = c.cfg.BatchBytes
	cfg.Compression = codec
	cfg.Logger = c.log.Named("producer")
	cfg.Observer = c.obs
	return cfg, nil
}

func NewProducer[K, V any](c *Client, keys serde.Serializer[K], values serde.Serializer[V]) (*Producer[K, V], error) {
	cfg, err := producerConfig(c)
	if err != nil {
		return nil, err
	}
	p, err := producer.New(c.m, cfg)
	if err != nil {
		return nil, err
	}
	pr := &Producer[K, V]{c: c, p: p, keys: keys, values: values}
	if err := c.track(pr); err != nil {
		p.Close(context.Background())
		return nil, err
	}
	return pr, nil
}

// CreateProducer dials a client of its own for the producer. Close closes
// both.
func CreateProducer[K, V any](ctx context.Context, cfg config.Config, keys serde.Serializer[K], values serde.Serializer[V], opts ...Option) (*Producer[K, V], error) {
	c, err := Dial(ctx, cfg, opts...)
	if err != nil {
		return nil, err
	}
	p, err := NewProducer(c, keys, values)
	if err != nil {
		c.Close()
		return nil, err
	}
	p.own = true
	return p, nil
}

// Send serializes key and value and queues the record. Serialization errors
// are returned right away; delivery errors resolve the future. The produce
// span ends when the future resolves.
func (p *Producer[K, V]) Send(ctx context.Context, topic string, key K, value V) (*producer.Future, error) {
	ctx, span := telemetry.StartProduceSpan(ctx, topic)
	k, err := p.keys.Serialize(key)
	if err != nil {
		err = fmt.Errorf("error serializing key: %w", err)
		telemetry.EndProduceSpan(span, -1, -1, err)
		return nil, err
	}
	v, err := p.values.Serialize(value)
	if err != nil {
		err = fmt.Errorf("error serializing value: %w", err)
		telemetry.EndProduceSpan(span, -1, -1, err)
		return nil, err
	}
	f := p.p.Send(ctx, &producer.Record{Topic: topic, Key: k, Value: v})
	go func() {
		<-f.Done()
		res, err := f.Get(context.Background())
		telemetry.EndProduceSpan(span, res.Partition, res.Offset, err)
	}()
	return f, nil
}

// SendSync sends the record and waits for delivery.
func (p *Producer[K, V]) SendSync(ctx context.Context, topic string, key K, value V) (producer.DeliveryResult, error) {
	f, err := p.Send(ctx, topic, key, value)
	if err != nil {
		return producer.DeliveryResult{Partition: -1, Offset: -1, Err: err}, err
	}
	return f.Get(ctx)
}

func (p *Producer[K, V]) Flush(ctx context.Context) error {
	return p.p.Flush(ctx)
}

// Close flushes the producer. See producer.Producer.Close.
func (p *Producer[K, V]) Close(ctx context.Context) error {
	p.c.untrack(p)
	err := p.p.Close(ctx)
	if p.own {
		p.c.Close()
	}
	return err
}
