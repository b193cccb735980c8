// Package engine executes declarative step-sequence tasks against pooled
// browser sessions, with per-step timeouts, bounded retries and a typed
// error taxonomy.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/chromeherd/api/schemas"
	"github.com/xkilldash9x/chromeherd/internal/browser"
	"github.com/xkilldash9x/chromeherd/internal/config"
	"github.com/xkilldash9x/chromeherd/internal/pool"
)

// Session is the view of a browsing session the engine drives. Satisfied
// by *pool.Session; mocked in tests.
type Session interface {
	ID() string
	Alive() bool
	Navigate(ctx context.Context, url string) error
	WaitVisible(ctx context.Context, selector string) error
	Extract(ctx context.Context, selector string) (string, error)
	Act(ctx context.Context, action, selector, value string) error
	RenderPDF(ctx context.Context) ([]byte, error)
	Screenshot(ctx context.Context) ([]byte, error)
}

// Sessions is the pool surface the engine depends on. Accepting an
// interface here keeps the engine testable without a browser.
type Sessions interface {
	Acquire(ctx context.Context) (Session, error)
	Release(ctx context.Context, s Session, poisoned bool)
	ReportCrash(s Session)
}

// Engine runs tasks. It is stateless between calls; many tasks may run
// concurrently, each driving its own session.
type Engine struct {
	cfg      config.EngineConfig
	sessions Sessions
	logger   *zap.Logger
}

// New creates a task execution engine.
func New(cfg config.EngineConfig, sessions Sessions, logger *zap.Logger) (*Engine, error) {
	if sessions == nil {
		return nil, errors.New("sessions cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	return &Engine{
		cfg:      cfg,
		sessions: sessions,
		logger:   logger.Named("engine"),
	}, nil
}

// stepError carries everything Run needs to classify one failed attempt.
type stepError struct {
	err       error
	kind      schemas.ErrorKind
	step      int
	transient bool
	crash     bool
	snapshot  string
}

func (e *stepError) Error() string { return e.err.Error() }

// Run executes the task's step sequence under its deadline and retry
// budget, and returns a typed result. Failures never escape as errors;
// the result carries the error kind and diagnostics.
func (e *Engine) Run(ctx context.Context, task schemas.Task) schemas.TaskResult {
	started := time.Now().UTC()
	res := schemas.TaskResult{
		TaskID:     task.ID,
		Status:     schemas.TaskPending,
		FailedStep: -1,
		StartedAt:  started,
	}
	logger := e.logger.With(zap.String("task_id", task.ID))

	if err := task.Validate(); err != nil {
		logger.Error("Task rejected by validation.", zap.Error(err))
		return e.fail(res, &stepError{err: err, kind: schemas.ErrKindLogic, step: -1})
	}

	// A task with no steps succeeds without ever touching the pool.
	if len(task.Steps) == 0 {
		res.Status = schemas.TaskSucceeded
		res.FinishedAt = time.Now().UTC()
		return res
	}

	timeout := task.Timeout
	if timeout <= 0 {
		timeout = e.cfg.TaskTimeout
	}
	taskCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	retryDeadline := started.Add(e.cfg.RetryWallClock)
	logger.Info("Task started.",
		zap.Int("steps", len(task.Steps)),
		zap.Int("retry_budget", task.RetryBudget),
		zap.Duration("timeout", timeout))

	for attempt := 1; ; attempt++ {
		res.Attempts = attempt
		res.Status = schemas.TaskRunning

		serr := e.attempt(taskCtx, logger, task, &res)
		if serr == nil {
			res.Status = schemas.TaskSucceeded
			res.FinishedAt = time.Now().UTC()
			logger.Info("Task succeeded.", zap.Int("attempts", attempt))
			return res
		}

		if !serr.transient {
			return e.fail(res, serr)
		}
		if attempt > task.RetryBudget {
			logger.Warn("Retry budget exhausted.", zap.Int("attempts", attempt))
			return e.fail(res, serr)
		}
		if taskCtx.Err() != nil {
			serr.kind = schemas.ErrKindTimeout
			return e.fail(res, serr)
		}

		delay := backoffDelay(attempt, e.cfg.BackoffInitial, e.cfg.BackoffMax)
		if time.Now().Add(delay).After(retryDeadline) {
			logger.Warn("Retry wall clock exhausted.", zap.Duration("budget", e.cfg.RetryWallClock))
			return e.fail(res, serr)
		}

		res.Status = schemas.TaskRetrying
		logger.Info("Retrying task.",
			zap.Int("attempt", attempt),
			zap.Int("failed_step", serr.step),
			zap.Duration("backoff", delay),
			zap.Error(serr.err))

		select {
		case <-time.After(delay):
		case <-taskCtx.Done():
			serr.kind = schemas.ErrKindTimeout
			return e.fail(res, serr)
		}
	}
}

// fail finalizes a failed result from the classification of its last
// attempt.
func (e *Engine) fail(res schemas.TaskResult, serr *stepError) schemas.TaskResult {
	res.Status = schemas.TaskFailed
	res.ErrorKind = serr.kind
	res.Error = serr.err.Error()
	res.FailedStep = serr.step
	res.Snapshot = serr.snapshot
	res.FinishedAt = time.Now().UTC()
	e.logger.Warn("Task failed.",
		zap.String("task_id", res.TaskID),
		zap.String("error_kind", string(res.ErrorKind)),
		zap.Int("failed_step", res.FailedStep),
		zap.Int("attempts", res.Attempts))
	return res
}

// attempt acquires a session, drives the full step sequence, and releases
// the session (poisoned when a crash left it indeterminate).
func (e *Engine) attempt(ctx context.Context, logger *zap.Logger, task schemas.Task, res *schemas.TaskResult) *stepError {
	sess, err := e.sessions.Acquire(ctx)
	if err != nil {
		return e.classifyAcquire(ctx, err)
	}

	poisoned := false
	defer func() {
		// Release must happen even when the task deadline already fired.
		e.sessions.Release(context.WithoutCancel(ctx), sess, poisoned)
	}()

	payload := make(map[string]string)
	for i, step := range task.Steps {
		if serr := e.runStep(ctx, sess, task, i, step, payload); serr != nil {
			serr.step = i
			if serr.crash {
				poisoned = true
				e.sessions.ReportCrash(sess)
			} else if sess.Alive() {
				serr.snapshot = e.captureSnapshot(sess, task.ID, res.Attempts)
			}
			return serr
		}
	}
	res.Payload = payload
	return nil
}

// classifyAcquire maps session acquisition failures onto the taxonomy.
// None of them are retried: the acquire wait budget already absorbed
// transient contention.
func (e *Engine) classifyAcquire(ctx context.Context, err error) *stepError {
	serr := &stepError{err: err, step: -1}
	var envErr *browser.EnvironmentError
	var startErr *browser.StartupError
	switch {
	case ctx.Err() != nil:
		serr.kind = schemas.ErrKindTimeout
	case errors.Is(err, pool.ErrPoolExhausted):
		serr.kind = schemas.ErrKindPoolExhausted
	case errors.As(err, &envErr):
		serr.kind = schemas.ErrKindEnvironment
	case errors.As(err, &startErr):
		serr.kind = schemas.ErrKindStartup
	default:
		serr.kind = schemas.ErrKindInfrastructure
	}
	return serr
}

// runStep executes one step under its sub-timeout and classifies any
// failure.
func (e *Engine) runStep(ctx context.Context, sess Session, task schemas.Task, idx int, step schemas.Step, payload map[string]string) *stepError {
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = e.cfg.StepTimeout
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var err error
	switch step.Kind {
	case schemas.StepNavigate:
		err = sess.Navigate(stepCtx, step.URL)
	case schemas.StepWait:
		err = sess.WaitVisible(stepCtx, step.Selector)
	case schemas.StepExtract:
		var text string
		text, err = sess.Extract(stepCtx, step.Selector)
		if err == nil {
			payload[step.Output] = text
		}
	case schemas.StepAct:
		err = sess.Act(stepCtx, step.Action, step.Selector, step.Value)
	case schemas.StepRender:
		var data []byte
		data, err = sess.RenderPDF(stepCtx)
		if err == nil {
			payload[step.Output], err = e.writeArtifact(task.ID, idx, "pdf", data)
		}
	case schemas.StepScreenshot:
		var data []byte
		data, err = sess.Screenshot(stepCtx)
		if err == nil {
			payload[step.Output], err = e.writeArtifact(task.ID, idx, "png", data)
		}
	default:
		err = fmt.Errorf("unknown step kind %q", step.Kind)
	}

	if err == nil {
		return nil
	}
	return e.classifyStep(ctx, stepCtx, sess, step, err)
}

// classifyStep decides how a step failure propagates:
//   - task deadline exceeded: TimeoutError, no further retries
//   - step sub-timeout on a network-bound step: transient, retried
//   - a wait condition that never became true, an unmatched selector or a
//     terminal navigation error page: LogicError, never retried
//   - anything that left the browser indeterminate: crash, the session is
//     poisoned and the attempt retried on a fresh one
func (e *Engine) classifyStep(taskCtx, stepCtx context.Context, sess Session, step schemas.Step, err error) *stepError {
	serr := &stepError{err: err}
	var navErr *pool.NavigationError
	var artErr *artifactError
	switch {
	case errors.As(err, &artErr):
		// A failed artifact write is a local filesystem problem, not a
		// browser one.
		serr.kind = schemas.ErrKindEnvironment
	case taskCtx.Err() != nil:
		serr.kind = schemas.ErrKindTimeout
	case errors.Is(err, context.DeadlineExceeded) && stepCtx.Err() != nil:
		if step.Kind == schemas.StepWait {
			serr.err = fmt.Errorf("element %q never became visible: %w", step.Selector, err)
			serr.kind = schemas.ErrKindLogic
		} else {
			serr.kind = schemas.ErrKindTimeout
			serr.transient = true
		}
	case errors.Is(err, pool.ErrElementNotFound), errors.As(err, &navErr):
		serr.kind = schemas.ErrKindLogic
	case !sess.Alive():
		serr.kind = schemas.ErrKindInfrastructure
		serr.transient = true
		serr.crash = true
	default:
		// An unexpected CDP failure leaves the page state indeterminate;
		// treat the session as poisoned and retry fresh.
		serr.kind = schemas.ErrKindInfrastructure
		serr.transient = true
		serr.crash = true
	}
	return serr
}

// captureSnapshot saves a best-effort screenshot of the failing page for
// triage. Returns the artifact path, or empty when capture failed.
func (e *Engine) captureSnapshot(sess Session, taskID string, attempt int) string {
	snapCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	data, err := sess.Screenshot(snapCtx)
	if err != nil {
		e.logger.Debug("Failed to capture failure snapshot.", zap.Error(err))
		return ""
	}
	path, err := e.writeArtifactNamed(fmt.Sprintf("%s_attempt%d_failure.png", taskID, attempt), data)
	if err != nil {
		e.logger.Debug("Failed to write failure snapshot.", zap.Error(err))
		return ""
	}
	return path
}

// artifactError marks a failure writing to the local artifacts directory.
type artifactError struct {
	err error
}

func (e *artifactError) Error() string { return e.err.Error() }
func (e *artifactError) Unwrap() error { return e.err }

func (e *Engine) writeArtifact(taskID string, stepIdx int, ext string, data []byte) (string, error) {
	return e.writeArtifactNamed(fmt.Sprintf("%s_step%02d.%s", taskID, stepIdx, ext), data)
}

func (e *Engine) writeArtifactNamed(name string, data []byte) (string, error) {
	if err := os.MkdirAll(e.cfg.ArtifactsDir, 0o755); err != nil {
		return "", &artifactError{err: fmt.Errorf("failed to create artifacts dir: %w", err)}
	}
	path := filepath.Join(e.cfg.ArtifactsDir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", &artifactError{err: fmt.Errorf("failed to write artifact: %w", err)}
	}
	return path, nil
}
