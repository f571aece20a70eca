// Package client is the connection manager. Manager owns the broker
// endpoints: one persistent connection per endpoint, endpoint health, retries
// with backoff, and cached topic metadata. Partition calls (produce, fetch,
// list offsets) are routed to partition leaders, group calls to the group
// coordinator (see GroupClient). A Manager is shared by all producers and
// consumers created from one client configuration and is safe for concurrent
// use. Calls on a single connection are serialized: there is at most one
// request in flight per connection.
//
// A call returns an error only if the request-response round trip could not
// be completed. Error codes inside Kafka responses are returned as
// kafkapoc.Error by the typed calls; interpreting them (and retrying) is up
// to the producer and consumer.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kilpp/devops-pocs/api"
)

// LookupSrv returns a list of host:port strings in the order returned by the
// srv lookup call.
func LookupSrv(name string) ([]string, error) {
	_, srvs, err := net.LookupSRV("", "", name)
	if err != nil {
		return nil, err
	}
	var addrs []string
	for _, srv := range srvs {
		host := net.JoinHostPort(strings.TrimSuffix(srv.Target, "."), strconv.Itoa(int(srv.Port)))
		addrs = append(addrs, host)
	}
	return addrs, nil
}

// ResolveBootstrap expands bootstrap entries without a port through
// LookupSrv. Entries that have a port, or that fail lookup, are kept as they
// are (so you can pass "localhost:9092" for example).
func ResolveBootstrap(entries []string) []string {
	var addrs []string
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(e); err == nil {
			addrs = append(addrs, e)
			continue
		}
		srv, err := LookupSrv(e)
		if err != nil || len(srv) == 0 {
			addrs = append(addrs, e)
			continue
		}
		rand.Shuffle(len(srv), func(i, j int) {
			srv[i], srv[j] = srv[j], srv[i]
		})
		addrs = append(addrs, srv...)
	}
	return addrs
}

// protocolError is a response that was read but could not be parsed. The
// connection is dropped but the request is not retried.
type protocolError struct {
	err error
}

func (e *protocolError) Error() string { return e.err.Error() }
func (e *protocolError) Unwrap() error { return e.err }

// conn is a persistent connection to one broker. If a call can't complete
// the round trip the connection is closed and re-opened on the next call.
type conn struct {
	// held for the whole round trip, one request in flight
	sync.Mutex
	addr          string
	clientId      string
	dialTimeout   time.Duration
	maxIdle       time.Duration
	r             *bufio.Reader
	correlationId int32
	lastUsed      time.Time
	// ncMu guards nc so that close can abort a call in flight
	ncMu   sync.Mutex
	nc     net.Conn
	closed bool
}

func (c *conn) connect(ctx context.Context) error {
	c.ncMu.Lock()
	closed, nc := c.closed, c.nc
	c.ncMu.Unlock()
	if closed {
		return ErrClosed
	}
	if nc != nil {
		if c.maxIdle == 0 || time.Since(c.lastUsed) < c.maxIdle {
			return nil
		}
		// broker closes connections idle for connections.max.idle.ms
		c.disconnect()
	}
	d := &net.Dialer{Timeout: c.dialTimeout}
	nc, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return err
	}
	c.ncMu.Lock()
	defer c.ncMu.Unlock()
	if c.closed {
		nc.Close()
		return ErrClosed
	}
	c.nc = nc
	c.r = bufio.NewReader(nc)
	c.lastUsed = time.Now()
	return nil
}

func (c *conn) disconnect() {
	c.ncMu.Lock()
	defer c.ncMu.Unlock()
	if c.nc == nil {
		return
	}
	c.nc.Close()
	c.nc = nil
	c.r = nil
}

// close the connection, aborting a call in flight. Later calls fail.
func (c *conn) close() {
	c.ncMu.Lock()
	defer c.ncMu.Unlock()
	c.closed = true
	if c.nc != nil {
		c.nc.Close()
		c.nc = nil
	}
}

// call sends req and reads the response into v. Blocks until the response is
// read, the ctx deadline passes, or ctx is cancelled.
func (c *conn) call(ctx context.Context, req *api.Request, v interface{}) (err error) {
	c.Lock()
	defer c.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.connect(ctx); err != nil {
		return fmt.Errorf("error connecting to %s: %w", c.addr, err)
	}
	defer func() {
		if err != nil {
			c.disconnect()
			if ctxErr := ctx.Err(); ctxErr != nil {
				err = fmt.Errorf("%w (%v)", ctxErr, err)
			}
		}
	}()
	c.ncMu.Lock()
	nc, r := c.nc, c.r
	c.ncMu.Unlock()
	if nc == nil {
		return ErrClosed
	}
	deadline, _ := ctx.Deadline()
	nc.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		nc.SetDeadline(time.Now()) // unblock pending read or write
	})
	defer stop()
	c.correlationId++
	req.CorrelationId = c.correlationId
	req.ClientId = c.clientId
	b, err := req.Bytes()
	if err != nil {
		return &protocolError{err}
	}
	if _, err := nc.Write(b); err != nil {
		return fmt.Errorf("error sending %s request: %w", req, err)
	}
	c.lastUsed = time.Now()
	if req.NoResponse {
		return nil
	}
	resp, err := api.Read(r)
	if err != nil {
		return fmt.Errorf("error reading %s response: %w", req, err)
	}
	if id := resp.CorrelationId(); id != req.CorrelationId {
		return &protocolError{fmt.Errorf("%s response correlation id %d, expected %d", req, id, req.CorrelationId)}
	}
	if err := resp.Unmarshal(v); err != nil {
		return &protocolError{fmt.Errorf("error unmarshaling %s response: %w", req, err)}
	}
	return nil
}

var (
	ErrUnreachable           = errors.New("endpoint marked unreachable")
	ErrClosed                = errors.New("connection manager closed")
	ErrPartitionDoesNotExist = errors.New("partition does not exist")
	ErrNoLeaderForPartition  = errors.New("no leader for partition")
	ErrUnsupportedVersion    = errors.New("broker does not support required api version")
)
