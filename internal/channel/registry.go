package channel

import (
	"context"
	"sync"
)

// streamRegistry is the per-connection map from a locally assigned
// stream id to the notification currently occupying it. The ids here
// are a client-side bookkeeping sequence (odd, monotonically
// increasing, exactly like HTTP/2 client-initiated stream ids) rather
// than the literal wire stream id: golang.org/x/net/http2's ClientConn
// keeps the real id private since it already owns framing. The registry
// exists so the engine can answer "how many streams are open on this
// connection right now" and bound that against maxConcurrentStreams
// (spec §3, Connection.inflight invariant) without reaching into
// ClientConn internals.
type streamRegistry struct {
	mu      sync.Mutex
	nextID  int64
	entries map[int64]struct{}
}

func newStreamRegistry() *streamRegistry {
	return &streamRegistry{nextID: 1, entries: make(map[int64]struct{})}
}

func (r *streamRegistry) add() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID += 2
	r.entries[id] = struct{}{}
	return id
}

func (r *streamRegistry) remove(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

func (r *streamRegistry) inflight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// admission gates how many notifications may be in flight on a
// connection at once, enforcing SETTINGS_MAX_CONCURRENT_STREAMS (spec
// §4.3 "Flow control") with a strict FIFO wait queue: an acquirer above
// the limit blocks until a slot is released, and slots are handed to
// waiters in arrival order rather than left to contend.
type admission struct {
	mu      sync.Mutex
	limit   int
	inUse   int
	waiters []chan struct{}
}

func newAdmission(limit uint32) *admission {
	if limit == 0 {
		limit = 1
	}
	return &admission{limit: int(limit)}
}

// setLimit updates the bound when the server's SETTINGS frame reports a
// new MAX_CONCURRENT_STREAMS value. Raising the limit may immediately
// free queued waiters.
func (a *admission) setLimit(limit uint32) {
	if limit == 0 {
		limit = 1
	}
	a.mu.Lock()
	a.limit = int(limit)
	a.wakeLocked()
	a.mu.Unlock()
}

func (a *admission) wakeLocked() {
	for a.inUse < a.limit && len(a.waiters) > 0 {
		w := a.waiters[0]
		a.waiters = a.waiters[1:]
		a.inUse++
		close(w)
	}
}

// acquire blocks until a stream slot is available or ctx is done.
func (a *admission) acquire(ctx context.Context) error {
	a.mu.Lock()
	if a.inUse < a.limit {
		a.inUse++
		a.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	a.waiters = append(a.waiters, ch)
	a.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		a.mu.Lock()
		for i, w := range a.waiters {
			if w == ch {
				a.waiters = append(a.waiters[:i], a.waiters[i+1:]...)
				a.mu.Unlock()
				return ctx.Err()
			}
		}
		// Already woken and handed the slot between ctx firing and us
		// taking the lock; release it again rather than leak it.
		a.mu.Unlock()
		a.release()
		return ctx.Err()
	}
}

// release returns a slot to the pool, handing it directly to the oldest
// waiter if one exists.
func (a *admission) release() {
	a.mu.Lock()
	if len(a.waiters) > 0 {
		w := a.waiters[0]
		a.waiters = a.waiters[1:]
		a.mu.Unlock()
		close(w)
		return
	}
	if a.inUse > 0 {
		a.inUse--
	}
	a.mu.Unlock()
}

func (a *admission) inUseCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inUse
}
