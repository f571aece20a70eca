// Package kafkaclient puts the client cores together: Dial connects to the
// cluster described by a config.Config, and NewProducer and NewConsumer wrap
// the producer and consumer cores with typed keys and values. Producers and
// consumers created from one Client share its connections.
package kafkaclient

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kilpp/devops-pocs/client"
	"github.com/kilpp/devops-pocs/config"
	"github.com/kilpp/devops-pocs/metrics"
)

type Option func(*options)

type options struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics records client, producer and consumer events in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

type Client struct {
	cfg config.Config
	m   *client.Manager
	log *zap.Logger
	obs metrics.Observer

	mu       sync.Mutex
	closed   bool
	children map[closer]struct{} // producers and consumers built on c
}

type closer interface {
	Close(context.Context) error
}

// Dial validates cfg and connects to its bootstrap servers. Returns
// *kafkapoc.ConnectionError when none of them can be reached.
func Dial(ctx context.Context, cfg config.Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	o := &options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(o)
	}
	var obs metrics.Observer = metrics.NoopObserver{}
	if o.metrics != nil {
		obs = o.metrics
	}
	m, err := client.Connect(ctx, clientConfig(cfg, o.logger, obs))
	if err != nil {
		return nil, err
	}
	o.logger.Info("connected",
		zap.Strings("bootstrap", cfg.BootstrapServers),
		zap.Int("brokers", len(m.Brokers())),
	)
	return &Client{
		cfg:      cfg,
		m:        m,
		log:      o.logger,
		obs:      obs,
		children: make(map[closer]struct{}),
	}, nil
}

// clientConfig of the connection manager. Request retries sit under the
// producer's batch retries: a batch that fails on the network costs up to
// (ProducerRetries+1)*(RequestRetries+1) round trips.
func clientConfig(cfg config.Config, log *zap.Logger, obs metrics.Observer) client.Config {
	retries := cfg.RequestRetries
	if retries == 0 {
		retries = -1 // zero is the manager default
	}
	return client.Config{
		Bootstrap: cfg.BootstrapServers,
		ClientId:  cfg.ClientId + "-" + uuid.NewString()[:8],
		Retries:   retries,
		Logger:    log,
		Observer:  obs,
	}
}

func (c *Client) Config() config.Config { return c.cfg }

// Manager is the shared connection manager.
func (c *Client) Manager() *client.Manager { return c.m }

// Close the producers and consumers still open on c, then the connections.
// Nothing is flushed or committed: running polls end with
// kafkapoc.ErrCancelled and pending futures resolve with it. Close
// producers and consumers first to deliver what they hold.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	children := c.children
	c.children = nil
	c.mu.Unlock()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for ch := range children {
		if err := ch.Close(ctx); err != nil {
			c.log.Debug("closed with client", zap.Error(err))
		}
	}
	return c.m.Close()
}

func (c *Client) track(ch closer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return client.ErrClosed
	}
	c.children[ch] = struct{}{}
	return nil
}

func (c *Client) untrack(ch closer) {
	c.mu.Lock()
	delete(c.children, ch)
	c.mu.Unlock()
}

type TopicInfo struct {
	Name       string
	Partitions []int32
	Leaders    map[int32]string // broker address per partition
}

// TopicInfo returns the partitions of topic and their leaders, refreshing
// metadata first.
func (c *Client) TopicInfo(ctx context.Context, topic string) (*TopicInfo, error) {
	if err := c.m.RefreshMetadata(ctx, topic); err != nil {
		return nil, fmt.Errorf("error getting metadata for topic %s: %w", topic, err)
	}
	partitions, err := c.m.Partitions(ctx, topic)
	if err != nil {
		return nil, err
	}
	info := &TopicInfo{Name: topic, Partitions: partitions, Leaders: make(map[int32]string)}
	for _, p := range partitions {
		if addr, err := c.m.Leader(ctx, topic, p); err == nil {
			info.Leaders[p] = addr
		}
	}
	return info, nil
}
