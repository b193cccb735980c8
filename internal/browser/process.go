package browser

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the liveness state of a browser process.
type State string

const (
	StateStarting State = "starting"
	StateReady    State = "ready"
	StateCrashed  State = "crashed"
	StateStopped  State = "stopped"
)

// Process represents one running headless Chromium instance, reached over
// CDP. It is owned exclusively by the Manager; sessions hold only a
// non-owning back-reference.
type Process struct {
	id        string
	createdAt time.Time

	// allocCtx owns the OS process; cancelling it kills Chromium.
	allocCtx    context.Context
	allocCancel context.CancelFunc
	// browserCtx is the long-lived chromedp context sessions derive their
	// tabs from.
	browserCtx    context.Context
	browserCancel context.CancelFunc

	mu        sync.Mutex
	state     State
	taskCount int
}

func newProcess() *Process {
	return &Process{
		id:        uuid.New().String(),
		createdAt: time.Now(),
		state:     StateStarting,
	}
}

// ID returns the process identifier.
func (p *Process) ID() string { return p.id }

// State returns the current liveness state.
func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// transition moves the process from one state to another, reporting whether
// the move was legal from the current state.
func (p *Process) transition(from, to State) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != from {
		return false
	}
	p.state = to
	return true
}

// markTerminal forces the process into crashed or stopped unless it is
// already terminal. Returns false when nothing changed.
func (p *Process) markTerminal(to State) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateCrashed || p.state == StateStopped {
		return false
	}
	p.state = to
	return true
}

// BrowserContext exposes the chromedp context sessions attach tabs to.
func (p *Process) BrowserContext() context.Context { return p.browserCtx }

// Age reports how long the process has been alive.
func (p *Process) Age() time.Duration { return time.Since(p.createdAt) }

// NoteTask records one task served by this process and returns the total.
// The manager's recycle policy reads this count.
func (p *Process) NoteTask() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.taskCount++
	return p.taskCount
}

// TaskCount returns the number of tasks this process has served.
func (p *Process) TaskCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.taskCount
}
