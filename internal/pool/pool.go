// Package pool maintains the bounded set of HTTP/2 connections a Client
// multiplexes notifications over (spec §3, §4.2). Unlike a typical
// database connection pool, a connection here is not checked out
// exclusively: many notifications ride the same *channel.Connection at
// once, bounded by its own admission queue. The pool's job is choosing
// which connection a new notification should use, growing the set
// lazily up to capacity, and waking waiters when a connection becomes
// usable again.
package pool

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/soramame-dev/apns/internal/channel"
)

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("pool: closed")

// ConnectionPool lazily creates up to capacity connections via a
// shared *channel.Factory and hands callers the least-loaded READY one,
// per the load-balancing note in spec §4.2.
type ConnectionPool struct {
	factory  *channel.Factory
	capacity int
	logger   *zap.Logger

	mu          sync.Mutex
	connections []*channel.Connection
	creating    int // slots reserved for in-flight Create calls, counted against capacity
	notify      chan struct{} // closed and replaced whenever pool state changes
	closed      bool
}

// NewConnectionPool returns a pool that creates connections through
// factory on demand, up to capacity concurrently open connections.
func NewConnectionPool(factory *channel.Factory, capacity int, logger *zap.Logger) *ConnectionPool {
	if capacity < 1 {
		capacity = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConnectionPool{
		factory:  factory,
		capacity: capacity,
		logger:   logger,
		notify:   make(chan struct{}),
	}
}

func (p *ConnectionPool) wakeLocked() {
	close(p.notify)
	p.notify = make(chan struct{})
}

// Acquire returns a connection able to accept a new stream right now,
// creating one if the pool is under capacity, or waiting for one of the
// existing connections to free up or replacing a dead one otherwise.
func (p *ConnectionPool) Acquire(ctx context.Context) (*channel.Connection, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}

		p.pruneClosedLocked()

		if conn := p.pickReadyLocked(); conn != nil {
			p.mu.Unlock()
			return conn, nil
		}

		if len(p.connections)+p.creating < p.capacity {
			p.creating++
			wait := p.notify
			p.mu.Unlock()
			conn, err := p.create(ctx)
			if err == nil {
				return conn, nil
			}
			// Creation failed (e.g. a refused dial). create's failure path
			// has already closed wait, so the loop retries at once; the
			// factory's back-off delay paces the next dial.
			p.logger.Warn("apns: connection creation failed, pool will retry", zap.Error(err))
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		wait := p.notify
		p.mu.Unlock()
		select {
		case <-wait:
			continue
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// pickReadyLocked returns the READY connection with the fewest
// in-flight streams, or nil if none is usable right now.
func (p *ConnectionPool) pickReadyLocked() *channel.Connection {
	var best *channel.Connection
	bestActive := -1
	for _, c := range p.connections {
		if c.State() != channel.StateReady {
			continue
		}
		active, maxStreams := c.Stats()
		if active >= int(maxStreams) {
			continue
		}
		if best == nil || active < bestActive {
			best, bestActive = c, active
		}
	}
	return best
}

func (p *ConnectionPool) pruneClosedLocked() {
	kept := p.connections[:0]
	for _, c := range p.connections {
		if c.State() == channel.StateClosed {
			continue
		}
		kept = append(kept, c)
	}
	p.connections = kept
}

// create dials a new connection against a slot already reserved in
// p.creating by the caller, and releases that reservation whether the
// dial succeeds or fails so it never holds capacity hostage.
func (p *ConnectionPool) create(ctx context.Context) (*channel.Connection, error) {
	conn, err := p.factory.Create(ctx)

	p.mu.Lock()
	p.creating--
	if err != nil {
		p.wakeLocked()
		p.mu.Unlock()
		return nil, err
	}
	if p.closed {
		p.wakeLocked()
		p.mu.Unlock()
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = conn.Close(closeCtx)
		return nil, ErrPoolClosed
	}
	p.connections = append(p.connections, conn)
	p.wakeLocked()
	p.mu.Unlock()

	go p.watchConnection(conn)

	return conn, nil
}

// watchConnection wakes any pool waiters the moment a connection this
// pool created closes, so Acquire notices the freed capacity instead of
// waiting for its next poll.
func (p *ConnectionPool) watchConnection(conn *channel.Connection) {
	<-conn.Closed()
	p.mu.Lock()
	p.wakeLocked()
	p.mu.Unlock()
}

// Size returns the number of connections currently tracked, regardless
// of their state.
func (p *ConnectionPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.connections)
}

// Close drains every connection the pool holds and rejects further
// Acquire calls. It waits up to drainTimeout for in-flight streams to
// complete before forcing connections closed.
func (p *ConnectionPool) Close(drainTimeout time.Duration) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	conns := p.connections
	p.connections = nil
	p.wakeLocked()
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c *channel.Connection) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			defer cancel()
			_ = c.Close(ctx)
		}(c)
	}
	wg.Wait()
}
