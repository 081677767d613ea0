// Package correlator pairs JSON-RPC responses with the requests waiting on
// them.
//
// The pending table is a mutex-guarded map from request id to a one-shot
// waiter. Every exit path (response, timeout, cancellation, shutdown) first
// removes the entry under the lock, and only the goroutine that removed it
// completes the waiter, so each request resolves exactly once.
package correlator

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/dmora/stdiorpc/internal/wire"
)

var (
	// ErrTimeout is delivered to a waiter whose timer fired first.
	ErrTimeout = errors.New("correlator: request timed out")

	// ErrClosed is returned by Register after ResolveAll when no explicit
	// close error was given.
	ErrClosed = errors.New("correlator: closed")

	// ErrDuplicateID is returned by Register for an id that is still pending.
	ErrDuplicateID = errors.New("correlator: duplicate request id")
)

// Result is what a waiter receives: the response message, or an error when
// the request ended without one.
type Result struct {
	Msg *wire.Message
	Err error
}

type waiter struct {
	ch    chan Result
	timer *time.Timer
	done  atomic.Bool
}

// Correlator owns the table of in-flight requests.
type Correlator struct {
	log zerolog.Logger

	nextID atomic.Int64

	mu       sync.Mutex
	pending  map[int64]*waiter
	closed   bool
	closeErr error
}

// New returns an empty Correlator. The first reserved id is 1.
func New(log zerolog.Logger) *Correlator {
	return &Correlator{
		log:     log,
		pending: make(map[int64]*waiter),
	}
}

// Reserve returns the next request id.
func (c *Correlator) Reserve() int64 {
	return c.nextID.Add(1)
}

// Register adds a waiter for id and arms its timer. The returned channel
// receives exactly one Result. A timeout <= 0 disables the timer; the caller
// then relies on Cancel or ResolveAll.
func (c *Correlator) Register(id int64, timeout time.Duration) (<-chan Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		if c.closeErr != nil {
			return nil, c.closeErr
		}
		return nil, ErrClosed
	}
	if _, ok := c.pending[id]; ok {
		return nil, ErrDuplicateID
	}

	w := &waiter{ch: make(chan Result, 1)}
	if timeout > 0 {
		w.timer = time.AfterFunc(timeout, func() { c.expire(id, w) })
	}
	c.pending[id] = w
	return w.ch, nil
}

// Resolve completes the waiter for id with r. It reports false when no
// request with that id is pending, which is normal for a response that lost
// the race against its timeout.
func (c *Correlator) Resolve(id int64, r Result) bool {
	w := c.take(id)
	if w == nil {
		return false
	}
	c.complete(id, w, r)
	return true
}

// ResolveID is Resolve for an id as received from the peer. Numeric and
// string forms of the same integer ("3" and 3) match the same request.
func (c *Correlator) ResolveID(id wire.RequestID, r Result) bool {
	n, ok := id.Int64()
	if !ok {
		return false
	}
	return c.Resolve(n, r)
}

// Cancel completes the waiter for id with err, leaving every other request
// untouched.
func (c *Correlator) Cancel(id int64, err error) bool {
	return c.Resolve(id, Result{Err: err})
}

// ResolveAll fails every pending request with err and closes the table;
// later Register calls return err. It returns how many waiters were failed.
func (c *Correlator) ResolveAll(err error) int {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		c.closeErr = err
	}
	drained := c.pending
	c.pending = make(map[int64]*waiter)
	c.mu.Unlock()

	for id, w := range drained {
		if w.timer != nil {
			w.timer.Stop()
		}
		c.complete(id, w, Result{Err: err})
	}
	return len(drained)
}

// Len returns the number of pending requests.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// take removes and returns the waiter for id, stopping its timer.
func (c *Correlator) take(id int64) *waiter {
	c.mu.Lock()
	w, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		return nil
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	return w
}

// expire runs on the timer goroutine. The identity check guards against a
// stale timer firing for an id that was resolved and then reused.
func (c *Correlator) expire(id int64, w *waiter) {
	c.mu.Lock()
	cur, ok := c.pending[id]
	if ok && cur == w {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if ok && cur == w {
		c.complete(id, w, Result{Err: ErrTimeout})
	}
}

func (c *Correlator) complete(id int64, w *waiter, r Result) {
	if !w.done.CompareAndSwap(false, true) {
		c.log.Warn().Int64("id", id).Msg("correlator: duplicate completion ignored")
		return
	}
	w.ch <- r
}
