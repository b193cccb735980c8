package engine

import (
	"context"

	"github.com/xkilldash9x/chromeherd/internal/pool"
)

// poolSessions adapts *pool.Pool to the Sessions interface. The engine
// only ever releases sessions it acquired, so the assertions hold.
type poolSessions struct {
	p *pool.Pool
}

// NewPoolSessions wraps the session pool for use by the engine.
func NewPoolSessions(p *pool.Pool) Sessions {
	return poolSessions{p: p}
}

func (a poolSessions) Acquire(ctx context.Context) (Session, error) {
	s, err := a.p.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (a poolSessions) Release(ctx context.Context, s Session, poisoned bool) {
	if ps, ok := s.(*pool.Session); ok {
		a.p.Release(ctx, ps, poisoned)
	}
}

func (a poolSessions) ReportCrash(s Session) {
	if ps, ok := s.(*pool.Session); ok {
		a.p.ReportCrash(ps)
	}
}
