package kafkatest

import (
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	kafkapoc "github.com/kilpp/devops-pocs"
	"github.com/kilpp/devops-pocs/api/FindCoordinator"
	"github.com/kilpp/devops-pocs/api/Heartbeat"
	"github.com/kilpp/devops-pocs/api/JoinGroup"
	"github.com/kilpp/devops-pocs/api/LeaveGroup"
	"github.com/kilpp/devops-pocs/api/OffsetCommit"
	"github.com/kilpp/devops-pocs/api/OffsetFetch"
	"github.com/kilpp/devops-pocs/api/SyncGroup"
)

// group coordinator states, as in the broker GroupCoordinator
type groupState int

const (
	stateEmpty groupState = iota
	statePreparing
	stateAwaitingSync
	stateStable
)

type member struct {
	id        string
	protocols []JoinGroup.Protocol
	session   time.Duration
	rebalance time.Duration
	lastSeen  time.Time
	joined    bool // in the current round
}

// round of a rebalance. Results are set before done is closed.
type round struct {
	done       chan struct{}
	timer      *time.Timer
	generation int32
	protocol   string
	leader     string
	members    []JoinGroup.Member
}

func (r *round) has(id string) bool {
	for _, m := range r.members {
		if m.MemberId == id {
			return true
		}
	}
	return false
}

type group struct {
	id           string
	state        groupState
	generation   int32
	protocolType string
	protocol     string
	leader       string
	members      map[string]*member
	order        []string // join order, first is leader candidate
	round        *round
	assignments  map[string][]byte
	syncDone     chan struct{}
	synced       bool
}

func (g *group) allJoined() bool {
	for _, m := range g.members {
		if !m.joined {
			return false
		}
	}
	return true
}

func (g *group) remove(id string) {
	delete(g.members, id)
	for i, o := range g.order {
		if o == id {
			g.order = append(g.order[:i], g.order[i+1:]...)
			break
		}
	}
}

// prepareRebalance starts a new round: all members have to rejoin within
// the rebalance timeout or get evicted. Must be called with c.mu held.
func (c *Cluster) prepareRebalance(g *group) {
	if g.state == statePreparing {
		return
	}
	if g.syncDone != nil && !g.synced {
		g.synced = true
		close(g.syncDone) // release followers waiting in sync
	}
	g.state = statePreparing
	var timeout time.Duration
	for _, m := range g.members {
		m.joined = false
		if m.rebalance > timeout {
			timeout = m.rebalance
		}
	}
	r := &round{done: make(chan struct{})}
	g.round = r
	r.timer = time.AfterFunc(timeout, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if g.round == r {
			c.completeJoin(g)
		}
	})
	c.log.Debug("preparing rebalance", zap.String("group", g.id), zap.Int32("generation", g.generation))
}

// completeJoin evicts members that did not rejoin and starts the next
// generation. Must be called with c.mu held.
func (c *Cluster) completeJoin(g *group) {
	r := g.round
	r.timer.Stop()
	g.round = nil
	for _, id := range append([]string(nil), g.order...) {
		if !g.members[id].joined {
			c.log.Debug("member did not rejoin", zap.String("group", g.id), zap.String("member", id))
			g.remove(id)
		}
	}
	if len(g.members) == 0 {
		g.state = stateEmpty
		g.leader = ""
		close(r.done)
		return
	}
	g.generation++
	if g.members[g.leader] == nil {
		g.leader = g.order[0]
	}
	g.protocol = ""
	for _, p := range g.members[g.leader].protocols {
		ok := true
		for _, m := range g.members {
			if metadataFor(m, p.Name) == nil {
				ok = false
				break
			}
		}
		if ok {
			g.protocol = p.Name
			break
		}
	}
	now := time.Now()
	r.generation = g.generation
	r.protocol = g.protocol
	r.leader = g.leader
	for _, id := range g.order {
		m := g.members[id]
		m.lastSeen = now
		r.members = append(r.members, JoinGroup.Member{MemberId: id, Metadata: metadataFor(m, g.protocol)})
	}
	g.state = stateAwaitingSync
	g.assignments = nil
	g.syncDone = make(chan struct{})
	g.synced = false
	close(r.done)
	c.log.Debug("rebalance complete", zap.String("group", g.id), zap.Int32("generation", g.generation), zap.Strings("members", g.order))
}

func metadataFor(m *member, protocol string) []byte {
	for _, p := range m.protocols {
		if p.Name == protocol {
			if p.Metadata == nil {
				return []byte{}
			}
			return p.Metadata
		}
	}
	return nil
}

// removeMember and rebalance the rest of the group. Must be called with
// c.mu held.
func (c *Cluster) removeMember(g *group, id string) {
	g.remove(id)
	if len(g.members) == 0 {
		if g.round != nil {
			c.completeJoin(g)
		}
		g.state = stateEmpty
		g.leader = ""
		return
	}
	c.prepareRebalance(g)
	if g.allJoined() {
		c.completeJoin(g)
	}
}

// reap evicts members whose session timed out.
func (c *Cluster) reap() {
	defer c.wg.Done()
	t := time.NewTicker(50 * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
		}
		c.mu.Lock()
		now := time.Now()
		for _, g := range c.groups {
			if g.state != stateStable && g.state != stateAwaitingSync {
				continue
			}
			for _, id := range append([]string(nil), g.order...) {
				m := g.members[id]
				if m != nil && now.Sub(m.lastSeen) > m.session {
					c.log.Debug("session timed out", zap.String("group", g.id), zap.String("member", id))
					c.removeMember(g, id)
				}
			}
		}
		c.mu.Unlock()
	}
}

func (b *broker) findCoordinator(v interface{}) interface{} {
	req := v.(*FindCoordinator.Request)
	node := b.c.Coordinator(req.Key)
	host, port, _ := net.SplitHostPort(b.c.brokers[node].addr())
	p, _ := strconv.Atoi(port)
	return &FindCoordinator.Response{NodeId: node, Host: host, Port: int32(p)}
}

// coordinatorFor returns the group if this broker is its coordinator, or an
// error code. Creates the group if create. Must be called with c.mu held.
func (b *broker) coordinatorFor(id string, create bool) (*group, int16) {
	if b.c.Coordinator(id) != b.id {
		return nil, kafkapoc.ERR_NOT_COORDINATOR
	}
	g := b.c.groups[id]
	if g == nil && create {
		g = &group{id: id, members: make(map[string]*member)}
		b.c.groups[id] = g
	}
	return g, kafkapoc.ERR_NONE
}

func (b *broker) joinGroup(v interface{}) interface{} {
	req := v.(*JoinGroup.Request)
	c := b.c
	c.mu.Lock()
	g, code := b.coordinatorFor(req.GroupId, true)
	if code != kafkapoc.ERR_NONE {
		c.mu.Unlock()
		return &JoinGroup.Response{ErrorCode: code, GenerationId: -1}
	}
	if len(g.members) > 0 && g.protocolType != req.ProtocolType {
		c.mu.Unlock()
		return &JoinGroup.Response{ErrorCode: kafkapoc.ERR_INCONSISTENT_GROUP_PROTOCOL, GenerationId: -1}
	}
	id := req.MemberId
	if id == "" {
		id = "kafkatest-" + uuid.NewString()
	} else if g.members[id] == nil {
		c.mu.Unlock()
		return &JoinGroup.Response{ErrorCode: kafkapoc.ERR_UNKNOWN_MEMBER_ID, GenerationId: -1, MemberId: id}
	}
	m := g.members[id]
	if m == nil {
		m = &member{id: id}
		g.members[id] = m
		g.order = append(g.order, id)
	}
	m.protocols = req.Protocols
	m.session = time.Duration(req.SessionTimeoutMs) * time.Millisecond
	m.rebalance = time.Duration(req.RebalanceTimeoutMs) * time.Millisecond
	m.lastSeen = time.Now()
	g.protocolType = req.ProtocolType
	c.prepareRebalance(g)
	m.joined = true
	r := g.round
	if g.allJoined() {
		c.completeJoin(g)
	}
	c.mu.Unlock()
	select {
	case <-r.done:
	case <-c.done:
		return &JoinGroup.Response{ErrorCode: kafkapoc.ERR_COORDINATOR_NOT_AVAILABLE, GenerationId: -1}
	}
	if !r.has(id) {
		return &JoinGroup.Response{ErrorCode: kafkapoc.ERR_UNKNOWN_MEMBER_ID, GenerationId: -1, MemberId: id}
	}
	resp := &JoinGroup.Response{
		GenerationId: r.generation,
		ProtocolName: r.protocol,
		Leader:       r.leader,
		MemberId:     id,
		Members:      []JoinGroup.Member{},
	}
	if id == r.leader {
		resp.Members = r.members
	}
	return resp
}

func (b *broker) syncGroup(v interface{}) interface{} {
	req := v.(*SyncGroup.Request)
	c := b.c
	c.mu.Lock()
	defer c.mu.Unlock()
	g, code := b.coordinatorFor(req.GroupId, false)
	if code != kafkapoc.ERR_NONE {
		return &SyncGroup.Response{ErrorCode: code}
	}
	if code := memberCode(g, req.MemberId, req.GenerationId); code != kafkapoc.ERR_NONE {
		return &SyncGroup.Response{ErrorCode: code}
	}
	m := g.members[req.MemberId]
	m.lastSeen = time.Now()
	if g.state == stateAwaitingSync && req.MemberId == g.leader {
		g.assignments = make(map[string][]byte)
		for _, a := range req.Assignments {
			g.assignments[a.MemberId] = a.Assignment
		}
		g.state = stateStable
		g.synced = true
		close(g.syncDone)
	}
	if g.state == stateAwaitingSync {
		done, generation := g.syncDone, g.generation
		c.mu.Unlock()
		select {
		case <-done:
		case <-time.After(m.session):
		case <-c.done:
		}
		c.mu.Lock()
		if g.generation != generation {
			return &SyncGroup.Response{ErrorCode: kafkapoc.ERR_ILLEGAL_GENERATION}
		}
	}
	if g.state != stateStable {
		return &SyncGroup.Response{ErrorCode: kafkapoc.ERR_REBALANCE_IN_PROGRESS}
	}
	a := g.assignments[req.MemberId]
	if a == nil {
		a = []byte{}
	}
	return &SyncGroup.Response{Assignment: a}
}

// memberCode checks that id is a member of g in generation. Must be called
// with c.mu held.
func memberCode(g *group, id string, generation int32) int16 {
	if g == nil || g.members[id] == nil {
		return kafkapoc.ERR_UNKNOWN_MEMBER_ID
	}
	if generation != g.generation {
		return kafkapoc.ERR_ILLEGAL_GENERATION
	}
	if g.state == statePreparing {
		return kafkapoc.ERR_REBALANCE_IN_PROGRESS
	}
	return kafkapoc.ERR_NONE
}

func (b *broker) heartbeat(v interface{}) interface{} {
	req := v.(*Heartbeat.Request)
	c := b.c
	c.mu.Lock()
	defer c.mu.Unlock()
	g, code := b.coordinatorFor(req.GroupId, false)
	if code != kafkapoc.ERR_NONE {
		return &Heartbeat.Response{ErrorCode: code}
	}
	if g != nil {
		if m := g.members[req.MemberId]; m != nil {
			m.lastSeen = time.Now()
		}
	}
	return &Heartbeat.Response{ErrorCode: memberCode(g, req.MemberId, req.GenerationId)}
}

func (b *broker) leaveGroup(v interface{}) interface{} {
	req := v.(*LeaveGroup.Request)
	c := b.c
	c.mu.Lock()
	defer c.mu.Unlock()
	g, code := b.coordinatorFor(req.GroupId, false)
	if code != kafkapoc.ERR_NONE {
		return &LeaveGroup.Response{ErrorCode: code}
	}
	if g == nil || g.members[req.MemberId] == nil {
		return &LeaveGroup.Response{ErrorCode: kafkapoc.ERR_UNKNOWN_MEMBER_ID}
	}
	c.log.Debug("member left", zap.String("group", g.id), zap.String("member", req.MemberId))
	c.removeMember(g, req.MemberId)
	return &LeaveGroup.Response{}
}

func (b *broker) offsetCommit(v interface{}) interface{} {
	req := v.(*OffsetCommit.Request)
	c := b.c
	c.mu.Lock()
	defer c.mu.Unlock()
	g, code := b.coordinatorFor(req.GroupId, false)
	if code == kafkapoc.ERR_NONE && req.GenerationId != -1 {
		code = memberCode(g, req.MemberId, req.GenerationId)
	}
	if code == kafkapoc.ERR_NONE && g != nil && g.members[req.MemberId] != nil {
		g.members[req.MemberId].lastSeen = time.Now()
	}
	resp := &OffsetCommit.Response{}
	for _, t := range req.Topics {
		tr := OffsetCommit.TopicResponse{Name: t.Name}
		for _, p := range t.Partitions {
			if code == kafkapoc.ERR_NONE {
				if c.offsets[req.GroupId] == nil {
					c.offsets[req.GroupId] = make(map[string]map[int32]int64)
				}
				if c.offsets[req.GroupId][t.Name] == nil {
					c.offsets[req.GroupId][t.Name] = make(map[int32]int64)
				}
				c.offsets[req.GroupId][t.Name][p.PartitionIndex] = p.CommitedOffset
			}
			tr.Partitions = append(tr.Partitions, OffsetCommit.PartitionResponse{PartitionIndex: p.PartitionIndex, ErrorCode: code})
		}
		resp.Topics = append(resp.Topics, tr)
	}
	return resp
}

func (b *broker) offsetFetch(v interface{}) interface{} {
	req := v.(*OffsetFetch.Request)
	c := b.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, code := b.coordinatorFor(req.GroupId, false); code != kafkapoc.ERR_NONE {
		return &OffsetFetch.Response{ErrorCode: code}
	}
	committed := c.offsets[req.GroupId]
	topics := req.Topics
	if topics == nil {
		for name, partitions := range committed {
			t := OffsetFetch.Topic{Name: name}
			for p := range partitions {
				t.PartitionIndexes = append(t.PartitionIndexes, p)
			}
			topics = append(topics, t)
		}
	}
	resp := &OffsetFetch.Response{}
	for _, t := range topics {
		tr := OffsetFetch.TopicResponse{Name: t.Name}
		for _, p := range t.PartitionIndexes {
			offset, ok := committed[t.Name][p]
			if !ok {
				offset = -1
			}
			tr.Partitions = append(tr.Partitions, OffsetFetch.PartitionResponse{PartitionIndex: p, CommitedOffset: offset})
		}
		resp.Topics = append(resp.Topics, tr)
	}
	return resp
}
