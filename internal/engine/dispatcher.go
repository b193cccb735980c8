package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/chromeherd/api/schemas"
	"github.com/xkilldash9x/chromeherd/internal/config"
)

// Runner executes one task to a result. Satisfied by *Engine; mocked in
// tests.
type Runner interface {
	Run(ctx context.Context, task schemas.Task) schemas.TaskResult
}

// Sink consumes task results. Satisfied by the queue package's sinks.
type Sink interface {
	Publish(ctx context.Context, res schemas.TaskResult) error
}

// Dispatcher fans a task channel out to a pool of worker goroutines, runs
// each task through the Runner and publishes every result to the Sink.
type Dispatcher struct {
	cfg     config.EngineConfig
	logger  *zap.Logger
	runner  Runner
	sink    Sink
	limiter *rate.Limiter

	wg sync.WaitGroup

	stateLock sync.Mutex
	isRunning bool
}

// NewDispatcher creates a dispatcher over the given runner and sink.
func NewDispatcher(cfg config.EngineConfig, runner Runner, sink Sink, logger *zap.Logger) *Dispatcher {
	d := &Dispatcher{
		cfg:    cfg,
		logger: logger.Named("dispatcher"),
		runner: runner,
		sink:   sink,
	}
	if cfg.DispatchRate > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(cfg.DispatchRate), 1)
	}
	return d
}

// Start launches the worker pool consuming from taskChan. Re-entrant
// calls while running are rejected.
func (d *Dispatcher) Start(ctx context.Context, taskChan <-chan schemas.Task) {
	d.stateLock.Lock()
	if d.isRunning {
		d.stateLock.Unlock()
		d.logger.Warn("Dispatcher.Start called, but dispatcher is already running.")
		return
	}
	d.isRunning = true
	d.stateLock.Unlock()

	concurrency := d.cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	d.logger.Info("Starting dispatcher worker pool.", zap.Int("concurrency", concurrency))

	for i := 0; i < concurrency; i++ {
		d.wg.Add(1)
		go d.runWorker(ctx, i+1, taskChan)
	}
}

// Stop waits for all workers to drain. Workers exit when the channel is
// closed or the context is cancelled.
func (d *Dispatcher) Stop() {
	d.logger.Info("Stopping dispatcher, waiting for workers to finish.")
	d.wg.Wait()

	d.stateLock.Lock()
	d.isRunning = false
	d.stateLock.Unlock()
	d.logger.Info("Dispatcher stopped.")
}

// runWorker is the loop for a single worker goroutine.
func (d *Dispatcher) runWorker(ctx context.Context, workerID int, taskChan <-chan schemas.Task) {
	defer d.wg.Done()
	logger := d.logger.With(zap.Int("worker_id", workerID))
	logger.Debug("Worker started.")

	for {
		select {
		case <-ctx.Done():
			logger.Info("Context cancelled, worker shutting down.", zap.Error(ctx.Err()))
			return
		case task, ok := <-taskChan:
			if !ok {
				logger.Debug("Task channel closed and drained, worker shutting down.")
				return
			}
			d.process(ctx, task, logger)
		}
	}
}

// process runs one task and publishes its result.
func (d *Dispatcher) process(ctx context.Context, task schemas.Task, logger *zap.Logger) {
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			logger.Warn("Dispatch aborted while rate limited.", zap.Error(err))
			return
		}
	}
	if ctx.Err() != nil {
		return
	}

	res := d.runner.Run(ctx, task)

	// Publish with an independent deadline so results of in-flight tasks
	// survive a shutdown signal.
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := d.sink.Publish(pubCtx, res); err != nil {
		logger.Error("Failed to publish task result.",
			zap.String("task_id", task.ID), zap.Error(err))
	}
}
