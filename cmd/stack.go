// File: cmd/stack.go
package cmd

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/chromeherd/internal/browser"
	"github.com/xkilldash9x/chromeherd/internal/config"
	"github.com/xkilldash9x/chromeherd/internal/engine"
	"github.com/xkilldash9x/chromeherd/internal/pool"
)

// stack is the composition root: the process manager, the session pool on
// top of it and the engine on top of both.
type stack struct {
	manager *browser.Manager
	pool    *pool.Pool
	engine  *engine.Engine
}

// buildStack wires the components together from configuration.
func buildStack(cfg *config.Config, logger *zap.Logger) (*stack, error) {
	manager, err := browser.NewManager(cfg.Browser, logger)
	if err != nil {
		return nil, err
	}
	sessionPool := pool.New(cfg.Pool, pool.NewRuntime(manager), logger)
	eng, err := engine.New(cfg.Engine, engine.NewPoolSessions(sessionPool), logger)
	if err != nil {
		return nil, err
	}
	return &stack{manager: manager, pool: sessionPool, engine: eng}, nil
}

// shutdown tears the stack down in dependency order under the browser
// shutdown grace period.
func (s *stack) shutdown(logger *zap.Logger) {
	grace := cfg.Browser.ShutdownGrace
	if grace <= 0 {
		grace = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	s.pool.Shutdown(ctx)
	if err := s.manager.Shutdown(ctx); err != nil {
		logger.Warn("Browser manager shutdown incomplete.", zap.Error(err))
	}
}
