// Package pool allocates isolated browsing sessions from managed browser
// processes and recycles them between tasks.
package pool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/chromeherd/api/schemas"
	"github.com/xkilldash9x/chromeherd/internal/browser"
)

// SessionState tracks a session through the pool.
type SessionState string

const (
	SessionIdle     SessionState = "idle"
	SessionInUse    SessionState = "in_use"
	SessionPoisoned SessionState = "poisoned"
)

// ErrElementNotFound signals that a selector matched nothing on the page.
// The engine treats it as a logic failure, never retried.
var ErrElementNotFound = errors.New("pool: element not found")

// NavigationError wraps a navigation that resolved to a terminal network
// error page. Treated as a logic failure.
type NavigationError struct {
	URL string
	Err error
}

func (e *NavigationError) Error() string {
	return fmt.Sprintf("navigation to %s failed: %v", e.URL, e.Err)
}

func (e *NavigationError) Unwrap() error { return e.Err }

// Session is one isolated browsing context inside a browser process, with
// its own cookie/storage jar (a dedicated CDP browser context). At most one
// task drives a session at a time.
type Session struct {
	id     string
	proc   Proc
	logger *zap.Logger

	bctxID    cdp.BrowserContextID
	tabCtx    context.Context
	tabCancel context.CancelFunc

	mu       sync.Mutex
	state    SessionState
	lastUsed time.Time
}

// newSession carves a fresh CDP browser context out of the process and
// attaches one tab to it.
func newSession(ctx context.Context, proc Proc, logger *zap.Logger) (*Session, error) {
	s := &Session{
		id:       uuid.New().String(),
		proc:     proc,
		state:    SessionInUse,
		lastUsed: time.Now(),
	}
	s.logger = logger.Named("session").With(zap.String("session_id", s.id[:8]))

	var targetID target.ID
	err := chromedp.Run(proc.BrowserContext(), chromedp.ActionFunc(func(cctx context.Context) error {
		bctxID, err := target.CreateBrowserContext().WithDisposeOnDetach(true).Do(cctx)
		if err != nil {
			return fmt.Errorf("failed to create browser context: %w", err)
		}
		s.bctxID = bctxID
		targetID, err = target.CreateTarget("about:blank").WithBrowserContextID(bctxID).Do(cctx)
		if err != nil {
			return fmt.Errorf("failed to create target: %w", err)
		}
		return nil
	}))
	if err != nil {
		return nil, err
	}

	s.tabCtx, s.tabCancel = chromedp.NewContext(proc.BrowserContext(), chromedp.WithTargetID(targetID))
	// Attach to the new target so later actions find a live tab.
	if err := chromedp.Run(s.tabCtx); err != nil {
		s.tabCancel()
		return nil, fmt.Errorf("failed to attach to target: %w", err)
	}

	s.logger.Debug("Session created.", zap.String("process_id", proc.ID()))
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State returns the session's pool state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
}

// Poison marks the session unusable; it will be disposed, never reissued.
func (s *Session) Poison() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = SessionPoisoned
}

func (s *Session) touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastUsed = time.Now()
}

// idleFor reports how long the session has sat unused.
func (s *Session) idleFor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastUsed)
}

// Alive reports whether the session can still serve steps: not poisoned,
// its tab context intact, and its owning process ready.
func (s *Session) Alive() bool {
	if s.State() == SessionPoisoned {
		return false
	}
	if s.tabCtx != nil && s.tabCtx.Err() != nil {
		return false
	}
	return s.proc.State() == browser.StateReady
}

// run executes chromedp actions against the session tab, honoring the
// caller's deadline without tearing the tab down when it fires.
func (s *Session) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(s.tabCtx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(runCtx, actions...); err != nil {
		// The caller's deadline wins over the secondary cancellation error.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}
	return nil
}

// Navigate drives the tab to the given URL. Terminal network error pages
// surface as NavigationError.
func (s *Session) Navigate(ctx context.Context, url string) error {
	if err := s.run(ctx, chromedp.Navigate(url)); err != nil {
		if strings.Contains(err.Error(), "net::ERR") {
			return &NavigationError{URL: url, Err: err}
		}
		return err
	}
	return nil
}

// WaitVisible blocks until the selector matches a visible element.
func (s *Session) WaitVisible(ctx context.Context, selector string) error {
	return s.run(ctx, chromedp.WaitVisible(selector, chromedp.ByQuery))
}

// Extract returns the text content of the first element matching the
// selector, or ErrElementNotFound.
func (s *Session) Extract(ctx context.Context, selector string) (string, error) {
	var html string
	if err := s.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", fmt.Errorf("failed to parse page: %w", err)
	}
	sel := doc.Find(selector)
	if sel.Length() == 0 {
		return "", fmt.Errorf("%w: %q", ErrElementNotFound, selector)
	}
	return strings.TrimSpace(sel.First().Text()), nil
}

// Act performs a UI action against the element matched by the selector.
func (s *Session) Act(ctx context.Context, action, selector, value string) error {
	switch action {
	case schemas.ActionClick:
		return s.run(ctx, chromedp.Click(selector, chromedp.ByQuery))
	case schemas.ActionType:
		return s.run(ctx, chromedp.SendKeys(selector, value, chromedp.ByQuery))
	case schemas.ActionSubmit:
		return s.run(ctx, chromedp.Submit(selector, chromedp.ByQuery))
	default:
		return fmt.Errorf("unknown action %q", action)
	}
}

// RenderPDF prints the current page to PDF.
func (s *Session) RenderPDF(ctx context.Context) ([]byte, error) {
	var data []byte
	err := s.run(ctx, chromedp.ActionFunc(func(cctx context.Context) error {
		var err error
		data, _, err = page.PrintToPDF().WithPrintBackground(true).Do(cctx)
		return err
	}))
	return data, err
}

// Screenshot captures the current viewport as PNG.
func (s *Session) Screenshot(ctx context.Context) ([]byte, error) {
	var data []byte
	err := s.run(ctx, chromedp.CaptureScreenshot(&data))
	return data, err
}

// clearIdentity scrubs cookies and DOM storage so the next task starts
// from a clean jar.
func (s *Session) clearIdentity(ctx context.Context) error {
	return s.run(ctx,
		chromedp.Evaluate(`try { localStorage.clear(); sessionStorage.clear(); } catch (e) {}`, nil),
		chromedp.ActionFunc(func(cctx context.Context) error {
			return storage.ClearCookies().WithBrowserContextID(s.bctxID).Do(cctx)
		}),
		chromedp.Navigate("about:blank"),
	)
}

// dispose tears down the tab and its CDP browser context. Safe to call
// when the owning process is already gone.
func (s *Session) dispose(ctx context.Context) {
	if s.tabCancel != nil {
		s.tabCancel()
	}
	if s.bctxID == "" || s.proc.State() != browser.StateReady {
		return
	}
	disposeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := chromedp.Run(s.proc.BrowserContext(), chromedp.ActionFunc(func(cctx context.Context) error {
		select {
		case <-disposeCtx.Done():
			return disposeCtx.Err()
		default:
		}
		return target.DisposeBrowserContext(s.bctxID).Do(cctx)
	}))
	if err != nil {
		s.logger.Debug("Failed to dispose browser context.", zap.Error(err))
	}
}
