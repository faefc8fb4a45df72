package client

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

type activeKey struct {
	worker *Worker
	target Target
}

// pool arbitrates worker access to connections: one active connection
// per (worker, target), bounded total capacity, most-recently-used
// reuse of idle connections. One mutex and condition variable guard
// all bookkeeping, including the DNS cache and the id counter.
type pool struct {
	client *Client
	clk    clock.Clock
	log    *slog.Logger
	max    uint

	mu     sync.Mutex
	cond   *sync.Cond
	closed bool
	nextID uint64

	active map[activeKey]*Connection
	// idle keeps per-target connections ordered oldest first, so the
	// tail is the freshest candidate for reuse.
	idle map[Target][]*Connection

	dns map[string]string
}

func newPool(c *Client) *pool {
	p := &pool{
		client: c,
		clk:    c.opts.Clock,
		log:    c.opts.Logger,
		max:    c.opts.MaxConnections,
		active: make(map[activeKey]*Connection),
		idle:   make(map[Target][]*Connection),
		dns:    make(map[string]string),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// submit binds a connection for (worker, target), creating or
// evicting as needed. timeout bounds the wait for a free slot; zero
// means fail immediately with ErrPoolBusy.
func (p *pool) submit(w *Worker, target Target, timeout time.Duration) (*Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	deadline := p.clk.Now().Add(timeout)
	var timer *clock.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		if p.closed {
			return nil, ErrPoolClosed
		}

		if conn, ok := p.tryAcquire(w, target); ok {
			return conn, nil
		}

		if timeout == 0 || !p.clk.Now().Before(deadline) {
			return nil, ErrPoolBusy
		}
		if timer == nil {
			// The mock-friendly way to bound a condition wait: a
			// clock timer that wakes every waiter at the deadline.
			timer = p.clk.AfterFunc(timeout, p.cond.Broadcast)
		}
		p.cond.Wait()
	}
}

// tryAcquire runs the reuse/adopt/create/evict ladder once. Caller
// holds the lock.
func (p *pool) tryAcquire(w *Worker, target Target) (*Connection, bool) {
	key := activeKey{worker: w, target: target}

	// Reuse the connection already active for this pairing.
	if conn, ok := p.active[key]; ok {
		conn.touch()
		return conn, true
	}

	// Adopt the most recently used idle connection for the target.
	if conns := p.idle[target]; len(conns) > 0 {
		conn := conns[len(conns)-1]
		p.removeIdle(conn)
		p.activate(conn, w)
		return conn, true
	}

	// Create while under capacity.
	if uint(len(p.active))+p.idleCount() < p.max {
		p.nextID++
		conn := newConnection(p.nextID, target, p.client)
		p.activate(conn, w)
		p.log.Debug("connection created",
			slog.Uint64("conn", conn.id), slog.String("target", target.String()))
		return conn, true
	}

	// Evict the least recently used idle connection and retry.
	if victim := p.oldestIdle(); victim != nil {
		p.removeIdle(victim)
		victim.sockClose()
		p.log.Debug("idle connection evicted", slog.Uint64("conn", victim.id))
		return p.tryAcquire(w, target)
	}

	return nil, false
}

func (p *pool) activate(conn *Connection, w *Worker) {
	conn.owner = w
	conn.touch()
	p.active[activeKey{worker: w, target: conn.target}] = conn
}

// deactivate returns a quiesced connection to the idle set and wakes
// one submit waiter. A closed connection is dropped instead.
func (p *pool) deactivate(conn *Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.active, activeKey{worker: conn.owner, target: conn.target})
	conn.owner = nil
	conn.touch()

	if conn.closed || p.closed {
		p.cond.Signal()
		return
	}
	p.idle[conn.target] = append(p.idle[conn.target], conn)
	p.cond.Signal()
}

// discard drops a dead connection from all indexes and frees its
// slot.
func (p *pool) discard(conn *Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if conn.owner != nil {
		delete(p.active, activeKey{worker: conn.owner, target: conn.target})
		conn.owner = nil
	}
	p.removeIdle(conn)
	p.cond.Signal()
}

func (p *pool) removeIdle(conn *Connection) {
	conns := p.idle[conn.target]
	for i, have := range conns {
		if have == conn {
			conns = append(conns[:i], conns[i+1:]...)
			break
		}
	}
	if len(conns) == 0 {
		delete(p.idle, conn.target)
	} else {
		p.idle[conn.target] = conns
	}
}

func (p *pool) idleCount() uint {
	var n uint
	for _, conns := range p.idle {
		n += uint(len(conns))
	}
	return n
}

func (p *pool) oldestIdle() *Connection {
	var victim *Connection
	for _, conns := range p.idle {
		// Slices are ordered oldest first.
		if len(conns) == 0 {
			continue
		}
		if victim == nil || conns[0].lastActive.Load() < victim.lastActive.Load() {
			victim = conns[0]
		}
	}
	return victim
}

// killStale closes idle connections older than maxAge.
func (p *pool) killStale(maxAge time.Duration) {
	cutoff := p.clk.Now().Add(-maxAge).UnixNano()

	p.mu.Lock()
	defer p.mu.Unlock()

	var victims []*Connection
	for _, conns := range p.idle {
		for _, conn := range conns {
			if conn.lastActive.Load() < cutoff {
				victims = append(victims, conn)
			}
		}
	}
	for _, conn := range victims {
		p.removeIdle(conn)
		conn.sockClose()
		p.cond.Signal()
		p.log.Debug("stale connection closed", slog.Uint64("conn", conn.id))
	}
}

// killAbandoned shuts down active connections whose owner has not
// polled them within maxAge. The socket is shut down, not closed: a
// worker that wakes up after all observes an I/O error and runs the
// normal teardown itself.
func (p *pool) killAbandoned(maxAge time.Duration) {
	cutoff := p.clk.Now().Add(-maxAge).UnixNano()

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, conn := range p.active {
		if conn.lastActive.Load() >= cutoff {
			continue
		}
		conn.sockMu.Lock()
		if conn.connected {
			conn.sock.Shutdown()
		}
		conn.sockMu.Unlock()
		p.log.Warn("abandoned connection shut down",
			slog.Uint64("conn", conn.id), slog.String("target", conn.target.String()))
	}
}

// resolve returns the dialable address for a target, consulting the
// DNS cache. The lock is released around the lookup so one slow
// resolution cannot stall unrelated targets.
func (p *pool) resolve(ctx context.Context, target Target) (string, error) {
	key := target.HostPort()

	p.mu.Lock()
	if addr, ok := p.dns[key]; ok {
		p.mu.Unlock()
		return addr, nil
	}
	p.mu.Unlock()

	addr, err := p.client.opts.Resolver.Resolve(ctx, target.Host, target.Port)
	if err != nil {
		return "", err
	}

	p.mu.Lock()
	p.dns[key] = addr
	p.mu.Unlock()
	return addr, nil
}

func (p *pool) flushDNS() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dns = make(map[string]string)
}

// close shuts the pool: idle connections close now, submissions fail
// with ErrPoolClosed from here on. Active connections finish under
// their owners and are dropped at deactivation.
func (p *pool) close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true

	for _, conns := range p.idle {
		for _, conn := range conns {
			conn.sockClose()
		}
	}
	p.idle = make(map[Target][]*Connection)
	p.cond.Broadcast()
}
