// Package browser owns the lifecycle of headless Chromium processes:
// launch, health supervision, crash reporting, recycling and shutdown.
package browser

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/chromeherd/internal/config"
)

const healthProbeTimeout = 5 * time.Second

// Candidate binary names tried when browser.exec_path is not configured.
var execNames = []string{
	"chromium",
	"chromium-browser",
	"google-chrome",
	"google-chrome-stable",
	"headless-shell",
}

// launcher starts the underlying browser and wires the process contexts.
// Injectable so tests can run without a Chromium binary.
type launcher func(ctx context.Context, p *Process) error

// healthProbe checks a ready process for liveness.
type healthProbe func(p *Process) error

// Manager handles the browser process fleet. All mutation of the fleet is
// serialized through the manager's mutex; callers hold only handles.
type Manager struct {
	cfg      config.BrowserConfig
	logger   *zap.Logger
	execPath string

	launch launcher
	probe  healthProbe

	mu       sync.Mutex
	procs    map[string]*Process
	crashFns []func(*Process)
	closed   bool
	// fleetChanged is closed and replaced whenever the fleet changes, so
	// Acquire callers waiting for a ready process or a free slot wake up.
	fleetChanged chan struct{}

	wg sync.WaitGroup // watcher goroutines and in-flight stops
}

// Option configures a Manager.
type Option func(*Manager)

// WithLauncher replaces the Chromium launcher. Used in tests.
func WithLauncher(l launcher) Option {
	return func(m *Manager) { m.launch = l }
}

// WithHealthProbe replaces the CDP liveness probe. Used in tests.
func WithHealthProbe(p healthProbe) Option {
	return func(m *Manager) { m.probe = p }
}

// NewManager verifies the browser binary precondition and returns a
// manager. No process is started until the first Acquire.
func NewManager(cfg config.BrowserConfig, logger *zap.Logger, opts ...Option) (*Manager, error) {
	m := &Manager{
		cfg:          cfg,
		logger:       logger.Named("browser_manager"),
		procs:        make(map[string]*Process),
		fleetChanged: make(chan struct{}),
	}
	m.launch = m.launchChromium
	m.probe = m.cdpProbe
	for _, opt := range opts {
		opt(m)
	}

	execPath, err := resolveExecPath(cfg.ExecPath)
	if err != nil {
		return nil, err
	}
	m.execPath = execPath

	m.logger.Info("Browser manager created.",
		zap.String("exec_path", execPath),
		zap.Int("max_processes", cfg.MaxProcesses))
	return m, nil
}

// resolveExecPath fails fast with EnvironmentError when the packaging
// layer did not provide a launchable binary.
func resolveExecPath(configured string) (string, error) {
	if configured != "" {
		if _, err := os.Stat(configured); err != nil {
			return "", &EnvironmentError{Reason: "browser binary not found at configured path", Err: err}
		}
		return configured, nil
	}
	for _, name := range execNames {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", &EnvironmentError{Reason: "no chromium binary found on PATH"}
}

// OnCrash registers a subscriber notified whenever a process is reported
// crashed. The session pool uses this to poison dependent sessions.
func (m *Manager) OnCrash(fn func(*Process)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.crashFns = append(m.crashFns, fn)
}

// Acquire returns a ready process, starting one if a slot is free. When
// every slot is held by a process that is not yet ready (still launching,
// or worn out but not yet retired), Acquire waits for the fleet to change
// rather than failing a valid task, bounded by ctx and the startup
// timeout. Fails with StartupError when Chromium cannot launch, or when no
// process became ready within the startup timeout.
func (m *Manager) Acquire(ctx context.Context) (*Process, error) {
	waitCtx, cancel := context.WithTimeout(ctx, m.cfg.StartupTimeout)
	defer cancel()

	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrManagerClosed
		}

		// Prefer the least-loaded ready process that is not due for recycling.
		var best *Process
		for _, p := range m.procs {
			if p.State() != StateReady || m.ShouldRetire(p) {
				continue
			}
			if best == nil || p.TaskCount() < best.TaskCount() {
				best = p
			}
		}
		if best != nil {
			m.mu.Unlock()
			return best, nil
		}

		if len(m.procs) < m.cfg.MaxProcesses {
			// Reserve the slot before launching so concurrent callers wait
			// for this launch instead of starting their own.
			p := newProcess()
			m.procs[p.id] = p
			m.mu.Unlock()
			return m.startProcess(ctx, p)
		}

		changed := m.fleetChanged
		m.mu.Unlock()

		select {
		case <-changed:
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, &StartupError{Err: ErrNoCapacity}
		}
	}
}

// startProcess launches Chromium into a reserved slot and publishes the
// process as ready.
func (m *Manager) startProcess(ctx context.Context, p *Process) (*Process, error) {
	m.logger.Info("Starting browser process.", zap.String("process_id", p.id))
	if err := m.launch(ctx, p); err != nil {
		m.mu.Lock()
		delete(m.procs, p.id)
		m.notifyFleetChanged()
		m.mu.Unlock()
		p.markTerminal(StateStopped)
		if p.allocCancel != nil {
			p.allocCancel()
		}
		m.logger.Error("Browser process failed to start.", zap.String("process_id", p.id), zap.Error(err))
		return nil, &StartupError{Err: err}
	}

	p.transition(StateStarting, StateReady)
	m.mu.Lock()
	m.notifyFleetChanged()
	m.mu.Unlock()
	m.wg.Add(1)
	go m.watch(p)

	m.logger.Info("Browser process ready.", zap.String("process_id", p.id))
	return p, nil
}

// notifyFleetChanged wakes every waiting Acquire. Callers must hold m.mu.
func (m *Manager) notifyFleetChanged() {
	close(m.fleetChanged)
	m.fleetChanged = make(chan struct{})
}

// launchChromium starts a real Chromium via chromedp's exec allocator.
func (m *Manager) launchChromium(ctx context.Context, p *Process) error {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.ExecPath(m.execPath),
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if !m.cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	for _, arg := range m.cfg.Args {
		name, value, _ := strings.Cut(strings.TrimPrefix(arg, "--"), "=")
		if value == "" {
			opts = append(opts, chromedp.Flag(name, true))
		} else {
			opts = append(opts, chromedp.Flag(name, value))
		}
	}

	// The allocator is rooted in the background context: process lifetime
	// belongs to the manager, not to the caller of Acquire.
	p.allocCtx, p.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	p.browserCtx, p.browserCancel = chromedp.NewContext(p.allocCtx,
		chromedp.WithLogf(m.logger.Sugar().Debugf),
		chromedp.WithErrorf(m.logger.Sugar().Errorf))

	errCh := make(chan error, 1)
	go func() {
		// A bare Run starts the browser without driving any tab action.
		errCh <- chromedp.Run(p.browserCtx)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("failed to launch chromium: %w", err)
		}
		return nil
	case <-time.After(m.cfg.StartupTimeout):
		p.allocCancel()
		return fmt.Errorf("timeout after %s waiting for chromium to start", m.cfg.StartupTimeout)
	case <-ctx.Done():
		p.allocCancel()
		return ctx.Err()
	}
}

// cdpProbe runs a trivial evaluation to confirm the browser still answers.
func (m *Manager) cdpProbe(p *Process) error {
	ctx, cancel := context.WithTimeout(p.browserCtx, healthProbeTimeout)
	defer cancel()
	return chromedp.Run(ctx, chromedp.Evaluate(`1`, nil))
}

// watch supervises one process: it reports a crash when the browser
// context dies unexpectedly or the periodic health probe fails.
func (m *Manager) watch(p *Process) {
	defer m.wg.Done()

	var tick <-chan time.Time
	if m.cfg.HealthInterval > 0 {
		ticker := time.NewTicker(m.cfg.HealthInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-p.browserCtx.Done():
			if p.State() == StateReady || p.State() == StateStarting {
				m.logger.Warn("Browser context terminated unexpectedly.", zap.String("process_id", p.id))
				m.ReportCrash(p)
			}
			return
		case <-tick:
			if p.State() != StateReady {
				return
			}
			if err := m.probe(p); err != nil {
				m.logger.Warn("Health probe failed.", zap.String("process_id", p.id), zap.Error(err))
				m.ReportCrash(p)
				return
			}
		}
	}
}

// ReportCrash marks the process crashed, tears it down and notifies crash
// subscribers so dependent sessions can be poisoned. Safe to call for a
// process that already reached a terminal state.
func (m *Manager) ReportCrash(p *Process) {
	if !p.markTerminal(StateCrashed) {
		return
	}
	m.logger.Error("Browser process crashed.",
		zap.String("process_id", p.id),
		zap.Int("tasks_served", p.TaskCount()),
		zap.Duration("age", p.Age()))

	m.mu.Lock()
	delete(m.procs, p.id)
	m.notifyFleetChanged()
	fns := make([]func(*Process), len(m.crashFns))
	copy(fns, m.crashFns)
	m.mu.Unlock()

	if p.allocCancel != nil {
		p.allocCancel()
	}
	if p.browserCancel != nil {
		p.browserCancel()
	}

	for _, fn := range fns {
		fn(p)
	}
}

// ShouldRetire reports whether the recycle policy wants this process
// replaced: it has served its task quota or exceeded its age bound.
func (m *Manager) ShouldRetire(p *Process) bool {
	if m.cfg.MaxTasksPerProcess > 0 && p.TaskCount() >= m.cfg.MaxTasksPerProcess {
		return true
	}
	if m.cfg.MaxProcessAge > 0 && p.Age() >= m.cfg.MaxProcessAge {
		return true
	}
	return false
}

// Retire gracefully stops a ready process so a fresh one replaces it on
// the next Acquire. No-op for processes already terminal.
func (m *Manager) Retire(p *Process) {
	if !p.transition(StateReady, StateStopped) {
		return
	}
	m.logger.Info("Retiring browser process.",
		zap.String("process_id", p.id),
		zap.Int("tasks_served", p.TaskCount()),
		zap.Duration("age", p.Age()))

	m.mu.Lock()
	delete(m.procs, p.id)
	m.notifyFleetChanged()
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.stopProcess(p)
	}()
}

// stopProcess closes the browser gracefully, then force-kills after the
// grace period.
func (m *Manager) stopProcess(p *Process) {
	done := make(chan struct{})
	go func() {
		// chromedp.Cancel sends Browser.close and waits for the process.
		_ = chromedp.Cancel(p.browserCtx)
		close(done)
	}()

	grace := m.cfg.ShutdownGrace
	if grace <= 0 {
		grace = time.Second
	}
	select {
	case <-done:
	case <-time.After(grace):
		m.logger.Warn("Graceful close timed out, killing browser process.", zap.String("process_id", p.id))
	}

	if p.browserCancel != nil {
		p.browserCancel()
	}
	if p.allocCancel != nil {
		p.allocCancel()
	}
}

// Shutdown terminates all owned processes: graceful close first, forced
// kill after the grace period. Idempotent; a second call returns nil
// without effect.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	procs := make([]*Process, 0, len(m.procs))
	for _, p := range m.procs {
		procs = append(procs, p)
	}
	m.procs = make(map[string]*Process)
	// Waiting Acquire callers re-check and observe the closed manager.
	m.notifyFleetChanged()
	m.mu.Unlock()

	m.logger.Info("Shutting down browser manager.", zap.Int("processes", len(procs)))

	var stopWG sync.WaitGroup
	for _, p := range procs {
		if !p.markTerminal(StateStopped) {
			continue
		}
		stopWG.Add(1)
		go func(p *Process) {
			defer stopWG.Done()
			m.stopProcess(p)
		}(p)
	}

	done := make(chan struct{})
	go func() {
		stopWG.Wait()
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("Browser manager shutdown complete.")
		return nil
	case <-ctx.Done():
		// Force-kill whatever is still alive before giving up.
		for _, p := range procs {
			if p.allocCancel != nil {
				p.allocCancel()
			}
			if p.browserCancel != nil {
				p.browserCancel()
			}
		}
		m.logger.Warn("Timeout waiting for browser processes to stop.", zap.Error(ctx.Err()))
		<-done
		return ctx.Err()
	}
}
