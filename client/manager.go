package client

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	kafkapoc "github.com/kilpp/devops-pocs"
	"github.com/kilpp/devops-pocs/api"
	"github.com/kilpp/devops-pocs/api/ApiVersions"
	"github.com/kilpp/devops-pocs/api/Metadata"
	"github.com/kilpp/devops-pocs/metrics"
)

// Config for the connection manager. Zero fields take the defaults below.
type Config struct {
	Bootstrap []string
	ClientId  string
	// DialTimeout bounds establishing the tcp connection.
	DialTimeout time.Duration
	// RequestTimeout bounds one request-response round trip.
	RequestTimeout time.Duration
	// Retries of a failed round trip on the same endpoint. Negative means
	// no retries.
	Retries         int
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
	// UnreachableAfter consecutive failures mark the endpoint down. While
	// down, calls to it fail immediately and it is re-dialed every
	// ProbeInterval.
	UnreachableAfter int
	ProbeInterval    time.Duration
	// MetadataMaxAge after which cached topic metadata is refreshed.
	MetadataMaxAge time.Duration
	// ConnMaxIdle closes and re-opens connections that were idle this
	// long. Brokers close idle connections after connections.max.idle.ms.
	ConnMaxIdle time.Duration
	Logger      *zap.Logger
	Observer    metrics.ClientObserver
}

const (
	DefaultDialTimeout      = 5 * time.Second
	DefaultRequestTimeout   = 30 * time.Second
	DefaultRetries          = 3
	DefaultRetryBackoff     = 100 * time.Millisecond
	DefaultMaxRetryBackoff  = time.Second
	DefaultUnreachableAfter = 3
	DefaultProbeInterval    = time.Second
	DefaultMetadataMaxAge   = 5 * time.Minute
	DefaultConnMaxIdle      = 9 * time.Minute
)

func (c Config) withDefaults() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.Retries == 0 {
		c.Retries = DefaultRetries
	}
	if c.Retries < 0 {
		c.Retries = 0
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	if c.MaxRetryBackoff < c.RetryBackoff {
		c.MaxRetryBackoff = DefaultMaxRetryBackoff
		if c.MaxRetryBackoff < c.RetryBackoff {
			c.MaxRetryBackoff = c.RetryBackoff
		}
	}
	if c.UnreachableAfter <= 0 {
		c.UnreachableAfter = DefaultUnreachableAfter
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = DefaultProbeInterval
	}
	if c.MetadataMaxAge <= 0 {
		c.MetadataMaxAge = DefaultMetadataMaxAge
	}
	if c.ConnMaxIdle <= 0 {
		c.ConnMaxIdle = DefaultConnMaxIdle
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Observer == nil {
		c.Observer = metrics.NoopObserver{}
	}
	return c
}

// Event is sent on the Watch channel when an endpoint changes state.
type Event struct {
	Addr string
	Up   bool
}

type endpoint struct {
	addr     string
	conn     *conn
	mu       sync.Mutex
	failures int
	down     bool
}

type topicMeta struct {
	partitions []int32
	leaders    map[int32]int32 // partition -> node id, -1 if no leader
	fetched    time.Time
}

// Manager is the connection manager. Create it with Connect.
type Manager struct {
	cfg Config
	log *zap.Logger
	obs metrics.ClientObserver

	mu        sync.Mutex
	endpoints map[string]*endpoint
	order     []string         // bootstrap endpoints, then discovered brokers
	brokers   map[int32]string // node id -> host:port
	topics    map[string]*topicMeta
	watchers  []chan Event
	closed    bool

	versions *ApiVersions.Response
	next     atomic.Uint32
	done     chan struct{}
	wg       sync.WaitGroup
}

// Connect establishes the connection manager: it connects to the first
// reachable bootstrap endpoint, checks that the broker supports the api
// versions used by this package, and discovers the brokers of the cluster.
// Returns *kafkapoc.ConnectionError if no bootstrap endpoint is reachable.
func Connect(ctx context.Context, cfg Config) (*Manager, error) {
	cfg = cfg.withDefaults()
	m := &Manager{
		cfg:       cfg,
		log:       cfg.Logger,
		obs:       cfg.Observer,
		endpoints: make(map[string]*endpoint),
		brokers:   make(map[int32]string),
		topics:    make(map[string]*topicMeta),
		done:      make(chan struct{}),
	}
	bootstrap := ResolveBootstrap(cfg.Bootstrap)
	if len(bootstrap) == 0 {
		return nil, &kafkapoc.ConnectionError{Err: errors.New("no bootstrap servers")}
	}
	for _, addr := range bootstrap {
		m.addEndpoint(addr)
	}
	var lastErr error
	for _, addr := range bootstrap {
		resp := &ApiVersions.Response{}
		if err := m.Send(ctx, addr, ApiVersions.NewRequest(), resp); err != nil {
			m.log.Warn("bootstrap endpoint unreachable", zap.String("addr", addr), zap.Error(err))
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if err := kafkapoc.CodeError(resp.ErrorCode); err != nil {
			m.Close()
			return nil, fmt.Errorf("api versions request to %s: %w", addr, err)
		}
		for key, v := range api.Versions {
			if !resp.Supports(key, v) {
				m.Close()
				return nil, fmt.Errorf("%w: %s v%d", ErrUnsupportedVersion, api.Keys[key], v)
			}
		}
		m.versions = resp
		if err := m.refresh(ctx, []string{}); err != nil {
			lastErr = err
			continue
		}
		m.log.Info("connected", zap.String("bootstrap", addr), zap.Int("brokers", len(m.Brokers())))
		return m, nil
	}
	m.Close()
	return nil, &kafkapoc.ConnectionError{Endpoints: bootstrap, Err: lastErr}
}

func (m *Manager) addEndpoint(addr string) *endpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.endpoints[addr]; ok {
		return e
	}
	e := &endpoint{
		addr: addr,
		conn: &conn{
			addr:        addr,
			clientId:    m.cfg.ClientId,
			dialTimeout: m.cfg.DialTimeout,
			maxIdle:     m.cfg.ConnMaxIdle,
		},
	}
	m.endpoints[addr] = e
	m.order = append(m.order, addr)
	return e
}

func (m *Manager) endpoint(addr string) (*endpoint, error) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	return m.addEndpoint(addr), nil
}

// Send req to the endpoint at addr and read the response into v. Failed
// round trips are retried with exponential backoff, up to Config.Retries
// times. Protocol errors (response could not be parsed) are not retried.
// Once the endpoint is marked down Send fails immediately with an error
// wrapping ErrUnreachable.
func (m *Manager) Send(ctx context.Context, addr string, req *api.Request, v interface{}) error {
	return m.send(ctx, addr, req, v, m.cfg.RequestTimeout)
}

func (m *Manager) send(ctx context.Context, addr string, req *api.Request, v interface{}, timeout time.Duration) error {
	e, err := m.endpoint(addr)
	if err != nil {
		return err
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.RetryBackoff
	b.MaxInterval = m.cfg.MaxRetryBackoff
	op := func() (struct{}, error) {
		if e.isDown() {
			return struct{}{}, backoff.Permanent(fmt.Errorf("%s: %w", addr, ErrUnreachable))
		}
		start := time.Now()
		err := m.callOnce(ctx, e, req, v, timeout)
		m.obs.RecordRequest(api.Keys[req.ApiKey], time.Since(start).Seconds(), err != nil)
		if err == nil {
			m.markSuccess(e)
			return struct{}{}, nil
		}
		var perr *protocolError
		if errors.As(err, &perr) {
			return struct{}{}, backoff.Permanent(err)
		}
		if ctx.Err() != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		if m.markFailure(e, err) {
			return struct{}{}, backoff.Permanent(fmt.Errorf("%s: %w (%v)", addr, ErrUnreachable, err))
		}
		m.log.Debug("request failed", zap.String("addr", addr), zap.Stringer("request", req), zap.Error(err))
		return struct{}{}, err
	}
	_, err = backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(m.cfg.Retries+1)),
	)
	return err
}

func (m *Manager) callOnce(ctx context.Context, e *endpoint, req *api.Request, v interface{}, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return e.conn.call(ctx, req, v)
}

// Any sends req to the first healthy endpoint that answers. Endpoints are
// tried starting from a rotating position so that load is spread. Returns
// *kafkapoc.ConnectionError if no endpoint answered.
func (m *Manager) Any(ctx context.Context, req *api.Request, v interface{}) error {
	addrs := m.Healthy()
	if len(addrs) == 0 {
		return &kafkapoc.ConnectionError{Endpoints: m.Endpoints(), Err: ErrUnreachable}
	}
	start := int(m.next.Add(1))
	var lastErr error
	for i := range addrs {
		addr := addrs[(start+i)%len(addrs)]
		err := m.Send(ctx, addr, req, v)
		if err == nil {
			return nil
		}
		var perr *protocolError
		if errors.As(err, &perr) || ctx.Err() != nil {
			return err
		}
		lastErr = err
	}
	return &kafkapoc.ConnectionError{Endpoints: addrs, Err: lastErr}
}

func (e *endpoint) isDown() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.down
}

func (m *Manager) markSuccess(e *endpoint) {
	e.mu.Lock()
	e.failures = 0
	e.mu.Unlock()
}

// markFailure records a failed round trip and returns true if the endpoint
// just went (or already was) down.
func (m *Manager) markFailure(e *endpoint, err error) bool {
	e.mu.Lock()
	e.failures++
	if e.down {
		e.mu.Unlock()
		return true
	}
	if e.failures < m.cfg.UnreachableAfter {
		e.mu.Unlock()
		return false
	}
	e.down = true
	e.mu.Unlock()
	m.log.Warn("endpoint marked unreachable", zap.String("addr", e.addr), zap.Error(err))
	m.obs.RecordEndpointState(e.addr, false)
	m.notify(Event{Addr: e.addr, Up: false})
	m.mu.Lock()
	if !m.closed {
		m.wg.Add(1)
		go m.probe(e)
	}
	m.mu.Unlock()
	return true
}

// probe re-dials a down endpoint until it answers an api versions request.
func (m *Manager) probe(e *endpoint) {
	defer m.wg.Done()
	t := time.NewTicker(m.cfg.ProbeInterval)
	defer t.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-t.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.DialTimeout)
		err := e.conn.call(ctx, ApiVersions.NewRequest(), &ApiVersions.Response{})
		cancel()
		if err != nil {
			continue
		}
		e.mu.Lock()
		e.down = false
		e.failures = 0
		e.mu.Unlock()
		m.log.Info("endpoint reachable again", zap.String("addr", e.addr))
		m.obs.RecordEndpointState(e.addr, true)
		m.notify(Event{Addr: e.addr, Up: true})
		return
	}
}

// Watch returns a channel of endpoint state changes. The channel is closed
// when the manager is closed. Events are dropped if the reader falls more
// than 64 events behind.
func (m *Manager) Watch() <-chan Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := make(chan Event, 64)
	if m.closed {
		close(c)
		return c
	}
	m.watchers = append(m.watchers, c)
	return c
}

func (m *Manager) notify(ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.watchers {
		select {
		case c <- ev:
		default:
		}
	}
}

// Endpoints returns all known endpoints, bootstrap first.
func (m *Manager) Endpoints() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.order...)
}

// Healthy returns the endpoints that are not marked down.
func (m *Manager) Healthy() []string {
	var addrs []string
	for _, addr := range m.Endpoints() {
		m.mu.Lock()
		e := m.endpoints[addr]
		m.mu.Unlock()
		if !e.isDown() {
			addrs = append(addrs, addr)
		}
	}
	return addrs
}

// IsHealthy reports whether the endpoint is known and not marked down.
func (m *Manager) IsHealthy(addr string) bool {
	m.mu.Lock()
	e, ok := m.endpoints[addr]
	m.mu.Unlock()
	return ok && !e.isDown()
}

// Brokers returns the node id to address mapping from the last metadata
// response.
func (m *Manager) Brokers() map[int32]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := make(map[int32]string, len(m.brokers))
	for k, v := range m.brokers {
		b[k] = v
	}
	return b
}

// ApiVersions returns the api versions reported by the bootstrap broker.
func (m *Manager) ApiVersions() *ApiVersions.Response {
	return m.versions
}

// RefreshMetadata fetches metadata for topics, creating them if the broker
// allows auto creation. Metadata that is not yet available right after auto
// creation (LEADER_NOT_AVAILABLE) is retried.
func (m *Manager) RefreshMetadata(ctx context.Context, topics ...string) error {
	if len(topics) == 0 {
		return m.refresh(ctx, nil)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.RetryBackoff
	b.MaxInterval = m.cfg.MaxRetryBackoff
	op := func() (struct{}, error) {
		err := m.refresh(ctx, topics)
		if err == nil {
			return struct{}{}, nil
		}
		var kerr *kafkapoc.Error
		if errors.As(err, &kerr) && kerr.Retriable() {
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	}
	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(m.cfg.Retries+2)),
	)
	return err
}

// refresh does one metadata request. Nil topics means all topics, empty
// means brokers only.
func (m *Manager) refresh(ctx context.Context, topics []string) error {
	resp := &Metadata.Response{}
	if err := m.Any(ctx, Metadata.NewRequest(topics, true), resp); err != nil {
		return err
	}
	for _, b := range resp.Brokers {
		m.addEndpoint(b.Addr())
	}
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.brokers = make(map[int32]string, len(resp.Brokers))
	for _, b := range resp.Brokers {
		m.brokers[b.NodeId] = b.Addr()
	}
	var err error
	for _, t := range resp.TopicMetadata {
		if t.ErrorCode != kafkapoc.ERR_NONE {
			delete(m.topics, t.Topic)
			if err == nil {
				err = fmt.Errorf("metadata for topic %s: %w", t.Topic, kafkapoc.CodeError(t.ErrorCode))
			}
			continue
		}
		meta := &topicMeta{
			leaders: make(map[int32]int32, len(t.PartitionMetadata)),
			fetched: now,
		}
		for _, p := range t.PartitionMetadata {
			meta.partitions = append(meta.partitions, p.Partition)
			meta.leaders[p.Partition] = p.Leader
			if p.ErrorCode == kafkapoc.ERR_LEADER_NOT_AVAILABLE && err == nil {
				err = fmt.Errorf("metadata for %s-%d: %w", t.Topic, p.Partition, kafkapoc.CodeError(p.ErrorCode))
			}
		}
		slices.Sort(meta.partitions)
		m.topics[t.Topic] = meta
	}
	return err
}

func (m *Manager) cached(topic string) *topicMeta {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta := m.topics[topic]
	if meta == nil || time.Since(meta.fetched) > m.cfg.MetadataMaxAge {
		return nil
	}
	return meta
}

func (m *Manager) metadata(ctx context.Context, topic string) (*topicMeta, error) {
	if meta := m.cached(topic); meta != nil {
		return meta, nil
	}
	if err := m.RefreshMetadata(ctx, topic); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	meta := m.topics[topic]
	if meta == nil {
		return nil, fmt.Errorf("metadata for topic %s: %w", topic, kafkapoc.CodeError(kafkapoc.ERR_UNKNOWN_TOPIC_OR_PARTITION))
	}
	return meta, nil
}

// Partitions of topic, sorted.
func (m *Manager) Partitions(ctx context.Context, topic string) ([]int32, error) {
	meta, err := m.metadata(ctx, topic)
	if err != nil {
		return nil, err
	}
	return append([]int32(nil), meta.partitions...), nil
}

// Leader returns the address of the leader of the topic partition.
func (m *Manager) Leader(ctx context.Context, topic string, partition int32) (string, error) {
	meta, err := m.metadata(ctx, topic)
	if err != nil {
		return "", err
	}
	leader, ok := meta.leaders[partition]
	if !ok {
		return "", fmt.Errorf("%s-%d: %w", topic, partition, ErrPartitionDoesNotExist)
	}
	m.mu.Lock()
	addr, ok := m.brokers[leader]
	m.mu.Unlock()
	if leader < 0 || !ok {
		m.InvalidateTopic(topic)
		return "", fmt.Errorf("%s-%d: %w", topic, partition, ErrNoLeaderForPartition)
	}
	return addr, nil
}

// InvalidateTopic drops cached metadata so that the next lookup refreshes
// it. Called when a broker reports that it is no longer the leader.
func (m *Manager) InvalidateTopic(topic string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.topics, topic)
}

// Close all connections and stop probing. Watch channels are closed.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.done)
	endpoints := make([]*endpoint, 0, len(m.endpoints))
	for _, e := range m.endpoints {
		endpoints = append(endpoints, e)
	}
	m.mu.Unlock()
	for _, e := range endpoints {
		e.conn.close()
	}
	m.wg.Wait()
	m.mu.Lock()
	for _, c := range m.watchers {
		close(c)
	}
	m.watchers = nil
	m.mu.Unlock()
	return nil
}

func msDuration(ms int32) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
