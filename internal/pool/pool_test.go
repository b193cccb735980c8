package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/xkilldash9x/chromeherd/internal/browser"
	"github.com/xkilldash9x/chromeherd/internal/config"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeProc satisfies Proc without a browser behind it.
type fakeProc struct {
	id string

	mu        sync.Mutex
	state     browser.State
	taskCount int
}

func newFakeProc(id string) *fakeProc {
	return &fakeProc{id: id, state: browser.StateReady}
}

func (p *fakeProc) ID() string { return p.id }

func (p *fakeProc) State() browser.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *fakeProc) setState(s browser.State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = s
}

func (p *fakeProc) BrowserContext() context.Context { return context.Background() }

func (p *fakeProc) NoteTask() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.taskCount++
	return p.taskCount
}

func (p *fakeProc) Age() time.Duration { return 0 }

// fakeRuntime satisfies Runtime, recording crash and retire calls.
type fakeRuntime struct {
	mu         sync.Mutex
	proc       *fakeProc
	acquireErr error
	retire     bool

	crashed []string
	retired []string
	crashFn func(procID string)
}

func (r *fakeRuntime) Acquire(context.Context) (Proc, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.acquireErr != nil {
		return nil, r.acquireErr
	}
	return r.proc, nil
}

func (r *fakeRuntime) ReportCrash(p Proc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.crashed = append(r.crashed, p.ID())
}

func (r *fakeRuntime) ShouldRetire(Proc) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.retire
}

func (r *fakeRuntime) Retire(p Proc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retired = append(r.retired, p.ID())
}

func (r *fakeRuntime) OnCrash(fn func(procID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.crashFn = fn
}

func (r *fakeRuntime) notifyCrash(procID string) {
	r.mu.Lock()
	fn := r.crashFn
	r.mu.Unlock()
	fn(procID)
}

// sessionCounter is a session factory that fabricates sessions without CDP
// and counts how many it made.
type sessionCounter struct {
	mu    sync.Mutex
	count int
}

func (c *sessionCounter) factory(_ context.Context, proc Proc, logger *zap.Logger) (*Session, error) {
	c.mu.Lock()
	c.count++
	c.mu.Unlock()

	s := &Session{
		id:       uuid.New().String(),
		proc:     proc,
		logger:   logger,
		state:    SessionInUse,
		lastUsed: time.Now(),
	}
	s.tabCtx, s.tabCancel = context.WithCancel(context.Background())
	return s, nil
}

func (c *sessionCounter) made() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

func testPoolConfig() config.PoolConfig {
	return config.PoolConfig{
		Capacity:       2,
		AcquireTimeout: 5 * time.Second,
		IdleTTL:        time.Minute,
		// Scrubbing identity needs a real CDP tab, so reuse tests keep it.
		PersistIdentity: true,
	}
}

func newTestPool(t *testing.T, cfg config.PoolConfig, rt *fakeRuntime) (*Pool, *sessionCounter) {
	t.Helper()
	counter := &sessionCounter{}
	p := New(cfg, rt, zap.NewNop(), WithSessionFactory(counter.factory))
	t.Cleanup(func() { p.Shutdown(context.Background()) })
	return p, counter
}

func TestAcquireCreatesAndReuses(t *testing.T) {
	rt := &fakeRuntime{proc: newFakeProc("p1")}
	p, counter := newTestPool(t, testPoolConfig(), rt)

	s, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SessionInUse, s.State())
	assert.Equal(t, 1, counter.made())

	p.Release(context.Background(), s, false)
	assert.Equal(t, SessionIdle, s.State())

	again, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, s.ID(), again.ID(), "a healthy idle session is reused")
	assert.Equal(t, 1, counter.made(), "no new session for a warm pool")
}

func TestAcquireBlocksUntilRelease(t *testing.T) {
	cfg := testPoolConfig()
	cfg.Capacity = 1
	rt := &fakeRuntime{proc: newFakeProc("p1")}
	p, _ := newTestPool(t, cfg, rt)

	first, err := p.Acquire(context.Background())
	require.NoError(t, err)

	acquired := make(chan *Session, 1)
	go func() {
		s, err := p.Acquire(context.Background())
		if err != nil {
			acquired <- nil
			return
		}
		acquired <- s
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire must block while the pool is at capacity")
	case <-time.After(50 * time.Millisecond):
	}

	p.Release(context.Background(), first, false)

	select {
	case s := <-acquired:
		require.NotNil(t, s)
		assert.Equal(t, first.ID(), s.ID())
		p.Release(context.Background(), s, false)
	case <-time.After(5 * time.Second):
		t.Fatal("blocked acquire never completed after release")
	}
}

func TestAcquireExhaustedAfterTimeout(t *testing.T) {
	cfg := testPoolConfig()
	cfg.Capacity = 1
	cfg.AcquireTimeout = 50 * time.Millisecond
	rt := &fakeRuntime{proc: newFakeProc("p1")}
	p, _ := newTestPool(t, cfg, rt)

	s, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer p.Release(context.Background(), s, false)

	_, err = p.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrPoolExhausted)
}

func TestAcquireCallerCancellation(t *testing.T) {
	cfg := testPoolConfig()
	cfg.Capacity = 1
	rt := &fakeRuntime{proc: newFakeProc("p1")}
	p, _ := newTestPool(t, cfg, rt)

	s, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer p.Release(context.Background(), s, false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Acquire(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAcquirePropagatesRuntimeError(t *testing.T) {
	wantErr := &browser.StartupError{Err: errors.New("no binary")}
	rt := &fakeRuntime{acquireErr: wantErr}
	p, _ := newTestPool(t, testPoolConfig(), rt)

	_, err := p.Acquire(context.Background())
	var startupErr *browser.StartupError
	assert.ErrorAs(t, err, &startupErr)

	// The slot must be returned, or the pool leaks capacity on failure.
	rt.mu.Lock()
	rt.acquireErr = nil
	rt.proc = newFakeProc("p1")
	rt.mu.Unlock()
	s, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(context.Background(), s, false)
}

func TestPoisonedSessionNeverReused(t *testing.T) {
	rt := &fakeRuntime{proc: newFakeProc("p1")}
	p, counter := newTestPool(t, testPoolConfig(), rt)

	s, err := p.Acquire(context.Background())
	require.NoError(t, err)

	p.Release(context.Background(), s, true)
	assert.Equal(t, SessionPoisoned, s.State())

	next, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, s.ID(), next.ID())
	assert.Equal(t, 2, counter.made())
	p.Release(context.Background(), next, false)
}

func TestIdleTTLExpiry(t *testing.T) {
	cfg := testPoolConfig()
	cfg.IdleTTL = 10 * time.Millisecond
	rt := &fakeRuntime{proc: newFakeProc("p1")}
	p, counter := newTestPool(t, cfg, rt)

	s, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(context.Background(), s, false)

	time.Sleep(30 * time.Millisecond)

	next, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, s.ID(), next.ID(), "an expired idle session is replaced")
	assert.Equal(t, 2, counter.made())
	p.Release(context.Background(), next, false)
}

func TestDeadProcessSessionPruned(t *testing.T) {
	proc := newFakeProc("p1")
	rt := &fakeRuntime{proc: proc}
	p, counter := newTestPool(t, testPoolConfig(), rt)

	s, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(context.Background(), s, false)

	proc.setState(browser.StateCrashed)

	fresh := newFakeProc("p2")
	rt.mu.Lock()
	rt.proc = fresh
	rt.mu.Unlock()

	next, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, s.ID(), next.ID())
	assert.Equal(t, "p2", next.proc.ID())
	assert.Equal(t, 2, counter.made())
	p.Release(context.Background(), next, false)
}

func TestInvalidateProcessPoisonsSessions(t *testing.T) {
	proc := newFakeProc("p1")
	rt := &fakeRuntime{proc: proc}
	p, counter := newTestPool(t, testPoolConfig(), rt)

	inUse, err := p.Acquire(context.Background())
	require.NoError(t, err)
	idle, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(context.Background(), idle, false)

	rt.notifyCrash("p1")

	assert.Equal(t, SessionPoisoned, inUse.State(), "in-use sessions are poisoned in place")
	assert.Equal(t, SessionPoisoned, idle.State(), "idle sessions are dropped")

	// Releasing the poisoned in-use session discards it.
	p.Release(context.Background(), inUse, false)

	fresh := newFakeProc("p2")
	rt.mu.Lock()
	rt.proc = fresh
	rt.mu.Unlock()

	next, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "p2", next.proc.ID())
	assert.Equal(t, 3, counter.made())
	p.Release(context.Background(), next, false)
}

func TestReleaseRetiresWornProcess(t *testing.T) {
	proc := newFakeProc("p1")
	rt := &fakeRuntime{proc: proc, retire: true}
	p, _ := newTestPool(t, testPoolConfig(), rt)

	s, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(context.Background(), s, false)

	rt.mu.Lock()
	defer rt.mu.Unlock()
	assert.Equal(t, []string{"p1"}, rt.retired, "the last session off a worn process retires it")
}

func TestReportCrashForwardsToRuntime(t *testing.T) {
	proc := newFakeProc("p1")
	rt := &fakeRuntime{proc: proc}
	p, _ := newTestPool(t, testPoolConfig(), rt)

	s, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.ReportCrash(s)
	p.Release(context.Background(), s, true)

	rt.mu.Lock()
	defer rt.mu.Unlock()
	assert.Equal(t, []string{"p1"}, rt.crashed)
}

func TestShutdown(t *testing.T) {
	rt := &fakeRuntime{proc: newFakeProc("p1")}
	p, _ := newTestPool(t, testPoolConfig(), rt)

	s, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(context.Background(), s, false)

	p.Shutdown(context.Background())
	p.Shutdown(context.Background())

	_, err = p.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestShutdownCancelsInUseSessions(t *testing.T) {
	rt := &fakeRuntime{proc: newFakeProc("p1")}
	p, _ := newTestPool(t, testPoolConfig(), rt)

	s, err := p.Acquire(context.Background())
	require.NoError(t, err)

	p.Shutdown(context.Background())
	assert.Error(t, s.tabCtx.Err(), "in-flight steps must be aborted on shutdown")

	// Releasing after shutdown discards, never re-idles.
	p.Release(context.Background(), s, false)
	assert.NotEqual(t, SessionIdle, s.State())
}
