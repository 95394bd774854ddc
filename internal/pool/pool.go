// Package pool decides how hook invocations get a context.
//
// The reuse policy keeps a fixed set of set-up contexts and hands them out
// round-robin; calls on one context are serialized by the engine, so sharing
// is safe and setup runs once per context. The fresh policy builds a context
// per lease and closes it on release, trading setup cost for isolation.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/zot/hook-engine/internal/engine"
)

// Policy selects context reuse behaviour.
type Policy string

const (
	Reuse Policy = "reuse"
	Fresh Policy = "fresh"
)

// ErrClosed is returned by Acquire after Close.
var ErrClosed = errors.New("context pool is closed")

// ParsePolicy validates a policy name.
func ParsePolicy(name string) (Policy, error) {
	switch p := Policy(name); p {
	case Reuse, Fresh:
		return p, nil
	}
	return "", fmt.Errorf("unknown context policy %q (want %q or %q)", name, Reuse, Fresh)
}

// SetupFunc prepares a new context: registers bridges, runs setup scripts.
type SetupFunc func(ctx context.Context, c *engine.Context) error

// Pool hands out contexts of one engine according to its policy.
type Pool struct {
	engine *engine.Engine
	policy Policy
	size   int
	setup  SetupFunc
	log    *zap.Logger

	mu         sync.Mutex
	slots      []*slot
	next       int
	generation int
	closed     bool
}

// slot is a reused context and the number of leases holding it. ready is
// closed once the context is built; ctx and err are set before that.
type slot struct {
	ctx        *engine.Context
	err        error
	ready      chan struct{}
	generation int
	refs       int
	stale      bool
}

// New returns a pool. size is the number of reused contexts and is ignored by
// the fresh policy. Reused contexts are built on first use.
func New(e *engine.Engine, policy Policy, size int, setup SetupFunc) (*Pool, error) {
	if _, err := ParsePolicy(string(policy)); err != nil {
		return nil, err
	}
	if size < 1 {
		size = 1
	}
	return &Pool{
		engine: e,
		policy: policy,
		size:   size,
		setup:  setup,
		log:    e.Logger().With(zap.String("policy", string(policy))),
		slots:  make([]*slot, size),
	}, nil
}

// Policy returns the pool policy.
func (p *Pool) Policy() Policy {
	return p.policy
}

// Lease is a context checked out of the pool. Release it exactly once;
// extra calls do nothing.
type Lease struct {
	pool *Pool
	slot *slot
	ctx  *engine.Context
	once sync.Once
}

// Context returns the leased context.
func (l *Lease) Context() *engine.Context {
	return l.ctx
}

// Release returns the context to the pool.
func (l *Lease) Release() {
	l.once.Do(func() { l.pool.release(l) })
}

// Acquire checks out a context, building and setting one up when needed.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	if p.policy == Fresh {
		p.mu.Lock()
		closed := p.closed
		p.mu.Unlock()
		if closed {
			return nil, ErrClosed
		}
		c, err := p.build(ctx)
		if err != nil {
			return nil, err
		}
		return &Lease{pool: p, ctx: c}, nil
	}

	for {
		l, err := p.acquireSlot(ctx)
		if errors.Is(err, errBuildAbandoned) {
			continue
		}
		return l, err
	}
}

// errBuildAbandoned means another caller's context ended while it was building
// the slot this caller waited on.
var errBuildAbandoned = errors.New("context build abandoned")

// acquireSlot leases the next reused context. The slot is built outside p.mu
// so leases on ready slots never wait for another slot's setup.
func (p *Pool) acquireSlot(ctx context.Context) (*Lease, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	idx := p.next % p.size
	p.next++

	s := p.slots[idx]
	builder := s == nil || s.generation != p.generation
	if builder {
		s = &slot{ready: make(chan struct{}), generation: p.generation}
		p.slots[idx] = s
	}
	s.refs++
	p.mu.Unlock()

	if builder {
		c, err := p.build(ctx)
		p.mu.Lock()
		s.ctx, s.err = c, err
		if err != nil && p.slots[idx] == s {
			p.slots[idx] = nil
		}
		close(s.ready)
		p.mu.Unlock()
		if err == nil {
			p.log.Debug("context ready", zap.Int("slot", idx), zap.String("context", c.ID()))
		}
	} else {
		select {
		case <-s.ready:
		case <-ctx.Done():
			p.unref(s)
			return nil, ctx.Err()
		}
	}

	if s.err != nil {
		p.unref(s)
		if !builder && ctx.Err() == nil &&
			(errors.Is(s.err, context.Canceled) || errors.Is(s.err, context.DeadlineExceeded)) {
			return nil, errBuildAbandoned
		}
		return nil, s.err
	}
	return &Lease{pool: p, slot: s, ctx: s.ctx}, nil
}

func (p *Pool) build(ctx context.Context) (*engine.Context, error) {
	c, err := p.engine.NewContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating context: %w", err)
	}
	if p.setup != nil {
		if err := p.setup(ctx, c); err != nil {
			c.Close()
			return nil, fmt.Errorf("setting up context: %w", err)
		}
	}
	return c, nil
}

func (p *Pool) release(l *Lease) {
	if l.slot == nil {
		l.ctx.Close()
		return
	}
	p.unref(l.slot)
}

// unref drops one hold on s and closes its context when s was retired and
// nothing holds it anymore.
func (p *Pool) unref(s *slot) {
	p.mu.Lock()
	s.refs--
	closeNow := s.stale && s.refs == 0 && s.ctx != nil
	p.mu.Unlock()
	if closeNow {
		s.ctx.Close()
	}
}

// Invalidate discards reused contexts so the next leases get freshly set-up
// ones. Contexts still leased are closed when their last lease is released.
func (p *Pool) Invalidate() {
	p.mu.Lock()
	p.generation++
	idle := p.retireLocked()
	p.mu.Unlock()

	for _, c := range idle {
		c.Close()
	}
	p.log.Debug("contexts invalidated", zap.Int("closed", len(idle)))
}

func (p *Pool) retireLocked() []*engine.Context {
	var idle []*engine.Context
	for i, s := range p.slots {
		if s == nil {
			continue
		}
		s.stale = true
		if s.refs == 0 && s.ctx != nil {
			idle = append(idle, s.ctx)
		}
		p.slots[i] = nil
	}
	return idle
}

// Live returns the number of reused contexts currently built.
func (p *Pool) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.slots {
		if s != nil {
			n++
		}
	}
	return n
}

// Close retires every context; leased ones close on release.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.retireLocked()
	p.mu.Unlock()

	for _, c := range idle {
		c.Close()
	}
}
