package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/xkilldash9x/chromeherd/internal/browser"
	"github.com/xkilldash9x/chromeherd/internal/config"
)

// ErrPoolExhausted is returned when no session becomes available within
// the acquire wait budget.
var ErrPoolExhausted = errors.New("pool: exhausted, no session available within wait budget")

// ErrPoolClosed is returned by Acquire after Shutdown.
var ErrPoolClosed = errors.New("pool: closed")

// Proc is the subset of browser.Process the pool relies on.
type Proc interface {
	ID() string
	State() browser.State
	BrowserContext() context.Context
	NoteTask() int
	Age() time.Duration
}

// Runtime abstracts the browser process manager so the pool can be tested
// without launching Chromium.
type Runtime interface {
	Acquire(ctx context.Context) (Proc, error)
	ReportCrash(p Proc)
	ShouldRetire(p Proc) bool
	Retire(p Proc)
	OnCrash(fn func(procID string))
}

// managerRuntime adapts *browser.Manager to the Runtime interface.
type managerRuntime struct{ m *browser.Manager }

// NewRuntime wraps a browser manager for use by the pool.
func NewRuntime(m *browser.Manager) Runtime { return managerRuntime{m} }

func (r managerRuntime) Acquire(ctx context.Context) (Proc, error) {
	return r.m.Acquire(ctx)
}

func (r managerRuntime) ReportCrash(p Proc) {
	if bp, ok := p.(*browser.Process); ok {
		r.m.ReportCrash(bp)
	}
}

func (r managerRuntime) ShouldRetire(p Proc) bool {
	if bp, ok := p.(*browser.Process); ok {
		return r.m.ShouldRetire(bp)
	}
	return false
}

func (r managerRuntime) Retire(p Proc) {
	if bp, ok := p.(*browser.Process); ok {
		r.m.Retire(bp)
	}
}

func (r managerRuntime) OnCrash(fn func(procID string)) {
	r.m.OnCrash(func(p *browser.Process) { fn(p.ID()) })
}

// sessionFactory creates a session on a process. Injectable for tests.
type sessionFactory func(ctx context.Context, proc Proc, logger *zap.Logger) (*Session, error)

// Pool hands out isolated browsing sessions, capped at a fixed capacity.
// The semaphore counts in-use slots: an Acquire at capacity blocks until a
// Release frees one, up to the acquire timeout.
type Pool struct {
	cfg     config.PoolConfig
	runtime Runtime
	logger  *zap.Logger
	sem     *semaphore.Weighted
	factory sessionFactory

	mu     sync.Mutex
	idle   []*Session
	inUse  map[string]*Session
	closed bool
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithSessionFactory replaces the CDP session factory. Used in tests.
func WithSessionFactory(f sessionFactory) PoolOption {
	return func(p *Pool) { p.factory = f }
}

// New creates a session pool over the given runtime and subscribes to its
// crash notifications.
func New(cfg config.PoolConfig, runtime Runtime, logger *zap.Logger, opts ...PoolOption) *Pool {
	p := &Pool{
		cfg:     cfg,
		runtime: runtime,
		logger:  logger.Named("pool"),
		sem:     semaphore.NewWeighted(int64(cfg.Capacity)),
		inUse:   make(map[string]*Session),
		factory: newSession,
	}
	for _, opt := range opts {
		opt(p)
	}
	runtime.OnCrash(p.invalidateProcess)
	return p
}

// Acquire returns an idle session or creates one, blocking up to the
// acquire timeout when the pool is at capacity. No two callers ever
// observe the same session concurrently.
func (p *Pool) Acquire(ctx context.Context) (*Session, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, ErrPoolClosed
	}

	waitCtx, cancel := context.WithTimeout(ctx, p.cfg.AcquireTimeout)
	defer cancel()
	if err := p.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrPoolExhausted
	}

	if s := p.takeIdle(); s != nil {
		s.proc.NoteTask()
		p.logger.Debug("Session reused.", zap.String("session_id", s.id[:8]))
		return s, nil
	}

	proc, err := p.runtime.Acquire(ctx)
	if err != nil {
		p.sem.Release(1)
		return nil, err
	}
	s, err := p.factory(ctx, proc, p.logger)
	if err != nil {
		p.sem.Release(1)
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	s.setState(SessionInUse)
	proc.NoteTask()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		s.dispose(ctx)
		p.sem.Release(1)
		return nil, ErrPoolClosed
	}
	p.inUse[s.id] = s
	p.mu.Unlock()

	p.logger.Debug("Session created and acquired.",
		zap.String("session_id", s.id[:8]),
		zap.String("process_id", proc.ID()))
	return s, nil
}

// takeIdle pops a healthy idle session, pruning poisoned, dead-process and
// expired ones along the way.
func (p *Pool) takeIdle() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.idle) > 0 {
		s := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]

		if !s.Alive() || (p.cfg.IdleTTL > 0 && s.idleFor() > p.cfg.IdleTTL) {
			go s.dispose(context.Background())
			continue
		}
		s.setState(SessionInUse)
		s.touch()
		p.inUse[s.id] = s
		return s
	}
	return nil
}

// Release returns a session to the pool. A healthy session goes back to
// idle with its identity scrubbed (unless persistence is configured); a
// poisoned one is disposed and never reused.
func (p *Pool) Release(ctx context.Context, s *Session, poisoned bool) {
	p.mu.Lock()
	delete(p.inUse, s.id)
	closed := p.closed
	p.mu.Unlock()

	defer p.sem.Release(1)

	if poisoned {
		s.Poison()
	}

	retire := p.runtime.ShouldRetire(s.proc)

	if s.State() == SessionPoisoned || !s.Alive() || closed || retire {
		p.logger.Debug("Session discarded.",
			zap.String("session_id", s.id[:8]),
			zap.Bool("poisoned", s.State() == SessionPoisoned))
		s.dispose(ctx)
		if retire && s.proc.State() == browser.StateReady && !p.hasSessionsFor(s.proc.ID()) {
			p.runtime.Retire(s.proc)
		}
		return
	}

	if !p.cfg.PersistIdentity {
		if err := s.clearIdentity(ctx); err != nil {
			p.logger.Warn("Failed to scrub session identity, discarding.",
				zap.String("session_id", s.id[:8]), zap.Error(err))
			s.dispose(ctx)
			return
		}
	}

	s.setState(SessionIdle)
	s.touch()
	p.mu.Lock()
	p.idle = append(p.idle, s)
	p.mu.Unlock()
	p.logger.Debug("Session released to idle.", zap.String("session_id", s.id[:8]))
}

// hasSessionsFor reports whether any pooled session still references the
// given process.
func (p *Pool) hasSessionsFor(procID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.idle {
		if s.proc.ID() == procID {
			return true
		}
	}
	for _, s := range p.inUse {
		if s.proc.ID() == procID {
			return true
		}
	}
	return false
}

// invalidateProcess poisons every session owned by a crashed process.
// Idle ones are dropped immediately; in-use ones are disposed when their
// task releases them.
func (p *Pool) invalidateProcess(procID string) {
	p.mu.Lock()
	kept := p.idle[:0]
	var dropped []*Session
	for _, s := range p.idle {
		if s.proc.ID() == procID {
			dropped = append(dropped, s)
		} else {
			kept = append(kept, s)
		}
	}
	p.idle = kept
	for _, s := range p.inUse {
		if s.proc.ID() == procID {
			s.Poison()
		}
	}
	p.mu.Unlock()

	for _, s := range dropped {
		s.Poison()
		s.dispose(context.Background())
	}
	if len(dropped) > 0 {
		p.logger.Warn("Sessions poisoned after process crash.",
			zap.String("process_id", procID),
			zap.Int("poisoned", len(dropped)))
	}
}

// ReportCrash forwards a crash observation to the process manager, which
// in turn triggers invalidateProcess for every dependent session.
func (p *Pool) ReportCrash(s *Session) {
	p.runtime.ReportCrash(s.proc)
}

// Shutdown disposes all idle sessions and cancels in-use ones so running
// steps abort. Idempotent.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	inUse := make([]*Session, 0, len(p.inUse))
	for _, s := range p.inUse {
		inUse = append(inUse, s)
	}
	p.mu.Unlock()

	p.logger.Info("Shutting down session pool.",
		zap.Int("idle", len(idle)), zap.Int("in_use", len(inUse)))

	for _, s := range idle {
		s.dispose(ctx)
	}
	for _, s := range inUse {
		// Abort whatever step is in flight; Release will dispose.
		if s.tabCancel != nil {
			s.tabCancel()
		}
	}
}
