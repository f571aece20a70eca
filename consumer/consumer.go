// Package consumer is the consumer core: one member of a consumer group.
// Subscribe joins the group and gets an assignment; Poll fetches from the
// leaders of the assigned partitions and yields records lazily. The local
// position of a partition moves past a record only once the caller has
// accepted it, and commits are driven off those positions, either on a
// timer (auto-commit) or by the caller. Delivery is at least once.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	kafkapoc "github.com/kilpp/devops-pocs"
	"github.com/kilpp/devops-pocs/api/Fetch"
	"github.com/kilpp/devops-pocs/api/JoinGroup"
	"github.com/kilpp/devops-pocs/api/ListOffsets"
	"github.com/kilpp/devops-pocs/api/SyncGroup"
	"github.com/kilpp/devops-pocs/client"
	"github.com/kilpp/devops-pocs/metrics"
	"github.com/kilpp/devops-pocs/record"
)

// ProtocolType of the group.
const ProtocolType = "consumer"

// Record as fetched. Key and Value are nil for null.
type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	Timestamp time.Time
	Key       []byte
	Value     []byte
	Headers   []record.Header
}

// Cluster is the part of the connection manager the consumer uses.
// *client.Manager implements it.
type Cluster interface {
	Partitions(ctx context.Context, topic string) ([]int32, error)
	Leader(ctx context.Context, topic string, partition int32) (string, error)
	ListOffsets(ctx context.Context, topic string, partition int32, timestamp int64) (int64, error)
	Fetch(ctx context.Context, addr string, args *Fetch.Args) (*Fetch.Response, error)
	InvalidateTopic(topic string)
	Group(groupId string) *client.GroupClient
}

type Config struct {
	GroupId string
	// Reset applies to partitions without a committed offset and to out of
	// range positions.
	Reset OffsetReset
	// AutoCommit zero value is off. See DefaultConfig.
	AutoCommit         bool
	AutoCommitInterval time.Duration
	HeartbeatInterval  time.Duration
	SessionTimeout     time.Duration
	RebalanceTimeout   time.Duration
	// MaxWait is how long a fetch waits on the broker for new records.
	// Bounded by the time left in the poll.
	MaxWait           time.Duration
	MaxBytes          int32
	PartitionMaxBytes int32
	RetryBackoff      time.Duration
	// JoinRetries is the number of join attempts per rebalance.
	JoinRetries int
	Logger      *zap.Logger
	Observer    metrics.ConsumerObserver
}

const (
	DefaultAutoCommitInterval = time.Second
	DefaultHeartbeatInterval  = 3 * time.Second
	DefaultSessionTimeout     = 10 * time.Second
	DefaultRebalanceTimeout   = 30 * time.Second
	DefaultMaxWait            = 500 * time.Millisecond
	DefaultMaxBytes           = 50 << 20
	DefaultPartitionMaxBytes  = 1 << 20
	DefaultRetryBackoff       = 100 * time.Millisecond
	DefaultJoinRetries        = 10
)

// DefaultConfig for group id with auto-commit on and latest reset.
func DefaultConfig(groupId string) Config {
	return Config{
		GroupId:            groupId,
		AutoCommit:         true,
		AutoCommitInterval: DefaultAutoCommitInterval,
	}
}

func (c Config) withDefaults() Config {
	if c.AutoCommitInterval <= 0 {
		c.AutoCommitInterval = DefaultAutoCommitInterval
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = DefaultSessionTimeout
	}
	if c.RebalanceTimeout <= 0 {
		c.RebalanceTimeout = DefaultRebalanceTimeout
	}
	if c.MaxWait <= 0 {
		c.MaxWait = DefaultMaxWait
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = DefaultMaxBytes
	}
	if c.PartitionMaxBytes <= 0 {
		c.PartitionMaxBytes = DefaultPartitionMaxBytes
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	if c.JoinRetries <= 0 {
		c.JoinRetries = DefaultJoinRetries
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Observer == nil {
		c.Observer = metrics.NoopObserver{}
	}
	return c
}

var ErrNotSubscribed = errors.New("consumer not subscribed")

// ErrNotAssigned is returned by Seek for a partition the consumer does not own.
var ErrNotAssigned = errors.New("partition not assigned")

// Consumer methods are safe for concurrent use, except Poll: only one poll
// sequence may be iterated at a time.
type Consumer struct {
	cfg     Config
	cluster Cluster
	group   *client.GroupClient
	log     *zap.Logger
	obs     metrics.ConsumerObserver

	// ctx is cancelled by Close; it interrupts polls and stops the
	// background goroutines
	ctx    context.Context
	cancel context.CancelFunc
	start  sync.Once
	wg     sync.WaitGroup

	mu         sync.Mutex
	state      State
	topics     []string
	memberId   string
	generation int32
	rejoin     bool // set when the coordinator asks for a rebalance
	assignment []kafkapoc.TopicPartition
	positions  map[kafkapoc.TopicPartition]int64
	committed  map[kafkapoc.TopicPartition]int64
	seeks      uint64 // incremented on Seek
}

func New(cluster Cluster, cfg Config) (*Consumer, error) {
	if cluster == nil {
		return nil, errors.New("nil cluster")
	}
	if cfg.GroupId == "" {
		return nil, errors.New("empty group id")
	}
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		cfg:        cfg,
		cluster:    cluster,
		group:      cluster.Group(cfg.GroupId),
		log:        cfg.Logger.With(zap.String("group", cfg.GroupId)),
		obs:        cfg.Observer,
		ctx:        ctx,
		cancel:     cancel,
		generation: -1,
		positions:  make(map[kafkapoc.TopicPartition]int64),
		committed:  make(map[kafkapoc.TopicPartition]int64),
	}, nil
}

func (c *Consumer) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Consumer) setState(s State) {
	c.mu.Lock()
	if c.state != Closed {
		c.state = s
	}
	c.mu.Unlock()
}

// Subscribe to topics: join the group and wait for the assignment. Calling
// Subscribe again replaces the topics and rejoins.
func (c *Consumer) Subscribe(ctx context.Context, topics ...string) error {
	if len(topics) == 0 {
		return errors.New("no topics")
	}
	if c.ctx.Err() != nil {
		return kafkapoc.ErrCancelled
	}
	c.mu.Lock()
	c.topics = slices.Clone(topics)
	c.mu.Unlock()
	if err := c.join(ctx); err != nil {
		c.setState(Unassigned)
		return err
	}
	c.start.Do(func() {
		c.wg.Add(1)
		go c.heartbeat()
		if c.cfg.AutoCommit {
			c.wg.Add(1)
			go c.autoCommit()
		}
	})
	return nil
}

// join runs join group and sync group until the consumer has an assignment
// for the current generation.
func (c *Consumer) join(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.RetryBackoff
	b.MaxInterval = 10 * c.cfg.RetryBackoff
	op := func() (struct{}, error) {
		err := c.joinOnce(ctx)
		if err == nil {
			return struct{}{}, nil
		}
		if ctx.Err() != nil || !rejoinable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		c.log.Info("retrying group join", zap.Error(err))
		return struct{}{}, err
	}
	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(c.cfg.JoinRetries)),
	)
	if err != nil && c.ctx.Err() != nil {
		return kafkapoc.ErrCancelled
	}
	return err
}

func (c *Consumer) joinOnce(ctx context.Context) error {
	c.setState(Joining)
	c.mu.Lock()
	member, topics := c.memberId, c.topics
	c.rejoin = false
	c.mu.Unlock()
	meta, err := (&JoinGroup.Subscription{Topics: topics}).Marshal()
	if err != nil {
		return err
	}
	resp, err := c.group.Join(ctx, &JoinGroup.Args{
		MemberId:           member,
		SessionTimeoutMs:   ms(c.cfg.SessionTimeout),
		RebalanceTimeoutMs: ms(c.cfg.RebalanceTimeout),
		ProtocolType:       ProtocolType,
		Protocols:          []JoinGroup.Protocol{{Name: RangeProtocol, Metadata: meta}},
	})
	if err != nil {
		c.resetMemberIfUnknown(err)
		return fmt.Errorf("error joining group %s: %w", c.cfg.GroupId, err)
	}
	c.mu.Lock()
	c.memberId, c.generation = resp.MemberId, resp.GenerationId
	c.mu.Unlock()
	leader := resp.Leader == resp.MemberId
	var assignments []SyncGroup.Assignment
	if leader {
		if assignments, err = c.assign(ctx, resp.Members); err != nil {
			return err
		}
	}
	sync, err := c.group.Sync(ctx, resp.MemberId, resp.GenerationId, assignments)
	if err != nil {
		c.resetMemberIfUnknown(err)
		return fmt.Errorf("error syncing group %s: %w", c.cfg.GroupId, err)
	}
	a, err := JoinGroup.UnmarshalAssignment(sync.Assignment)
	if err != nil {
		return fmt.Errorf("error reading assignment: %w", err)
	}
	var tps []kafkapoc.TopicPartition
	for _, t := range a.Topics {
		for _, p := range t.Partitions {
			tps = append(tps, kafkapoc.TopicPartition{Topic: t.Topic, Partition: p})
		}
	}
	if err := c.setAssignment(ctx, tps); err != nil {
		return err
	}
	c.setState(Assigned)
	c.obs.RecordRebalance()
	c.log.Info("joined group",
		zap.String("member", resp.MemberId),
		zap.Int32("generation", resp.GenerationId),
		zap.Bool("leader", leader),
		zap.Stringers("partitions", tps),
	)
	return nil
}

// assign partitions to members with the range assignor. Run by the leader.
func (c *Consumer) assign(ctx context.Context, members []JoinGroup.Member) ([]SyncGroup.Assignment, error) {
	subscriptions := make(map[string][]string, len(members))
	partitions := make(map[string][]int32)
	for _, m := range members {
		s, err := JoinGroup.UnmarshalSubscription(m.Metadata)
		if err != nil {
			return nil, fmt.Errorf("error reading subscription of member %s: %w", m.MemberId, err)
		}
		subscriptions[m.MemberId] = s.Topics
		for _, t := range s.Topics {
			if _, ok := partitions[t]; ok {
				continue
			}
			ps, err := c.cluster.Partitions(ctx, t)
			if err != nil {
				return nil, fmt.Errorf("error getting partitions for topic %s: %w", t, err)
			}
			partitions[t] = ps
		}
	}
	return encodeAssignments(RangeAssign(subscriptions, partitions))
}

// setAssignment replaces the assignment. Revoked partitions lose their
// position; new ones start from the committed offset or the reset policy.
func (c *Consumer) setAssignment(ctx context.Context, tps []kafkapoc.TopicPartition) error {
	c.mu.Lock()
	var fresh []kafkapoc.TopicPartition
	for _, tp := range tps {
		if _, ok := c.positions[tp]; !ok {
			fresh = append(fresh, tp)
		}
	}
	c.mu.Unlock()
	positions, committed, err := c.initPositions(ctx, fresh)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	keep := make(map[kafkapoc.TopicPartition]bool, len(tps))
	for _, tp := range tps {
		keep[tp] = true
	}
	for tp := range c.positions {
		if !keep[tp] {
			delete(c.positions, tp)
		}
	}
	for tp := range c.committed {
		if !keep[tp] {
			delete(c.committed, tp)
		}
	}
	for tp, off := range positions {
		c.positions[tp] = off
	}
	for tp, off := range committed {
		c.committed[tp] = off
	}
	c.assignment = sortPartitions(tps)
	return nil
}

func (c *Consumer) initPositions(ctx context.Context, tps []kafkapoc.TopicPartition) (positions, committed map[kafkapoc.TopicPartition]int64, err error) {
	positions = make(map[kafkapoc.TopicPartition]int64)
	committed = make(map[kafkapoc.TopicPartition]int64)
	if len(tps) == 0 {
		return
	}
	req := make(map[string][]int32)
	for _, tp := range tps {
		req[tp.Topic] = append(req[tp.Topic], tp.Partition)
	}
	offsets, err := c.group.FetchOffsets(ctx, req)
	if err != nil {
		return nil, nil, fmt.Errorf("error fetching committed offsets: %w", err)
	}
	for _, tp := range tps {
		if off, ok := offsets[tp.Topic][tp.Partition]; ok && off >= 0 {
			positions[tp] = off
			committed[tp] = off
			continue
		}
		off, err := c.resetOffset(ctx, tp)
		if err != nil {
			return nil, nil, err
		}
		c.log.Debug("no committed offset, using reset policy",
			zap.Stringer("partition", tp),
			zap.Stringer("reset", c.cfg.Reset),
			zap.Int64("offset", off),
		)
		positions[tp] = off
	}
	return
}

func (c *Consumer) resetOffset(ctx context.Context, tp kafkapoc.TopicPartition) (int64, error) {
	ts := int64(ListOffsets.Newest)
	if c.cfg.Reset == ResetEarliest {
		ts = ListOffsets.Oldest
	}
	off, err := c.cluster.ListOffsets(ctx, tp.Topic, tp.Partition, ts)
	if err != nil {
		return -1, fmt.Errorf("error listing %s offset for %s: %w", c.cfg.Reset, tp, err)
	}
	return off, nil
}

func (c *Consumer) resetMemberIfUnknown(err error) {
	if kafkapoc.HasCode(err, kafkapoc.ERR_UNKNOWN_MEMBER_ID) {
		c.mu.Lock()
		c.memberId = ""
		c.generation = -1
		c.mu.Unlock()
	}
}

// requestRejoin flags a rebalance if the consumer is still in generation.
func (c *Consumer) requestRejoin(generation int32, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation != generation || c.state == Closed {
		return
	}
	if kafkapoc.HasCode(err, kafkapoc.ERR_UNKNOWN_MEMBER_ID) {
		c.memberId = ""
		c.generation = -1
	}
	if !c.rejoin {
		c.log.Info("rebalance requested", zap.Error(err))
	}
	c.rejoin = true
	c.state = Rebalancing
}

// rebalanceError reports whether err means the member has to rejoin.
func rebalanceError(err error) bool {
	return kafkapoc.HasCode(err, kafkapoc.ERR_REBALANCE_IN_PROGRESS) ||
		kafkapoc.HasCode(err, kafkapoc.ERR_ILLEGAL_GENERATION) ||
		kafkapoc.HasCode(err, kafkapoc.ERR_UNKNOWN_MEMBER_ID)
}

func rejoinable(err error) bool {
	if rebalanceError(err) {
		return true
	}
	var e *kafkapoc.Error
	if errors.As(err, &e) {
		return e.Retriable()
	}
	return !errors.Is(err, client.ErrClosed)
}

// Assignment returns the assigned partitions, sorted.
func (c *Consumer) Assignment() []kafkapoc.TopicPartition {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.assignment)
}

// Position returns the offset of the next record to be yielded for tp.
func (c *Consumer) Position(tp kafkapoc.TopicPartition) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	off, ok := c.positions[tp]
	return off, ok
}

// Committed returns the last offset committed by, or fetched for, this
// consumer for tp.
func (c *Consumer) Committed(tp kafkapoc.TopicPartition) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	off, ok := c.committed[tp]
	return off, ok
}

// Seek sets the position of an assigned partition. Records already fetched
// by a poll in progress are dropped.
func (c *Consumer) Seek(tp kafkapoc.TopicPartition, offset int64) error {
	if offset < 0 {
		return fmt.Errorf("invalid offset %d", offset)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.positions[tp]; !ok {
		return fmt.Errorf("%s: %w", tp, ErrNotAssigned)
	}
	c.positions[tp] = offset
	c.seeks++
	return nil
}

// Close interrupts a poll in progress, commits positions if auto-commit is
// on, and leaves the group. Returns the commit or leave error.
func (c *Consumer) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		return nil
	}
	c.state = Closed
	c.mu.Unlock()
	c.cancel()
	c.wg.Wait()
	var err error
	if c.cfg.AutoCommit {
		if err = c.Commit(ctx); err != nil {
			c.log.Warn("final commit failed", zap.Error(err))
		}
	}
	c.mu.Lock()
	member := c.memberId
	c.memberId = ""
	c.generation = -1
	c.mu.Unlock()
	if member != "" {
		if lerr := c.group.Leave(ctx, member); lerr != nil {
			c.log.Warn("error leaving group", zap.Error(lerr))
			if err == nil {
				err = fmt.Errorf("error leaving group %s: %w", c.cfg.GroupId, lerr)
			}
		} else {
			c.log.Info("left group", zap.String("member", member))
		}
	}
	return err
}

func sortPartitions(tps []kafkapoc.TopicPartition) []kafkapoc.TopicPartition {
	out := slices.Clone(tps)
	slices.SortFunc(out, func(a, b kafkapoc.TopicPartition) int {
		if a.Topic != b.Topic {
			if a.Topic < b.Topic {
				return -1
			}
			return 1
		}
		return int(a.Partition - b.Partition)
	})
	return out
}

func ms(d time.Duration) int32 {
	return int32(d / time.Millisecond)
}
