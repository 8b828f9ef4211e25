package browser

import (
	"context"
	"sync"
	"time"

	"github.com/barrhawk/e2e-core/internal/errs"
)

type slot struct {
	session  Session
	lastUsed time.Time
}

// Pool owns every live Session, capped at maxBrowsers and reaped by
// EvictIdle once a session has sat unused past idleTimeout. Sessions are
// keyed by the id of the Igor that launched them — one active browser per
// worker, matching how Igor drives a single plan to completion before
// asking for another.
type Pool struct {
	mu          sync.Mutex
	sessions    map[string]*slot
	launcher    Launcher
	maxBrowsers int
	idleTimeout time.Duration
	onConsole   func(browserID, message string)
	onError     func(browserID, message string)
}

// NewPool constructs a Pool. onConsole/onError are invoked (off the launch
// goroutine) for every console message / page exception a session reports.
func NewPool(launcher Launcher, maxBrowsers int, idleTimeout time.Duration, onConsole, onError func(browserID, message string)) *Pool {
	if maxBrowsers <= 0 {
		maxBrowsers = 1
	}
	return &Pool{
		sessions:    make(map[string]*slot),
		launcher:    launcher,
		maxBrowsers: maxBrowsers,
		idleTimeout: idleTimeout,
		onConsole:   onConsole,
		onError:     onError,
	}
}

// Launch creates (or replaces) the session for id, enforcing MAX_BROWSERS.
func (p *Pool) Launch(ctx context.Context, id string) error {
	p.mu.Lock()
	if _, exists := p.sessions[id]; !exists && len(p.sessions) >= p.maxBrowsers {
		p.mu.Unlock()
		return errs.New(errs.BrowserLimitReached, "max concurrent browsers reached")
	}
	p.mu.Unlock()

	sess, err := p.launcher.Launch(ctx,
		func(msg string) {
			if p.onConsole != nil {
				p.onConsole(id, msg)
			}
		},
		func(msg string) {
			if p.onError != nil {
				p.onError(id, msg)
			}
		},
	)
	if err != nil {
		return errs.Wrap(errs.Unexpected, err, "launch browser")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if old, exists := p.sessions[id]; exists {
		_ = old.session.Close(ctx)
	}
	p.sessions[id] = &slot{session: sess, lastUsed: time.Now()}
	return nil
}

// Get returns the session for id, touching its last-used time.
func (p *Pool) Get(id string) (Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[id]
	if !ok {
		return nil, errs.New(errs.BrowserNotLaunched, "no browser launched for "+id)
	}
	s.lastUsed = time.Now()
	return s.session, nil
}

// Close tears down and removes the session for id.
func (p *Pool) Close(ctx context.Context, id string) error {
	p.mu.Lock()
	s, ok := p.sessions[id]
	delete(p.sessions, id)
	p.mu.Unlock()
	if !ok {
		return errs.New(errs.BrowserNotLaunched, "no browser launched for "+id)
	}
	if err := s.session.Close(ctx); err != nil {
		return errs.Wrap(errs.Unexpected, err, "close browser")
	}
	return nil
}

// Count reports the number of currently live sessions.
func (p *Pool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// EvictIdle closes and removes every session whose last use predates
// time.Now()-idleTimeout, returning how many were evicted.
func (p *Pool) EvictIdle(ctx context.Context) int {
	cutoff := time.Now().Add(-p.idleTimeout)
	p.mu.Lock()
	var stale []*slot
	for id, s := range p.sessions {
		if s.lastUsed.Before(cutoff) {
			stale = append(stale, s)
			delete(p.sessions, id)
		}
	}
	p.mu.Unlock()
	for _, s := range stale {
		_ = s.session.Close(ctx)
	}
	return len(stale)
}

// RunIdleSweeper runs EvictIdle on interval until ctx is done.
func (p *Pool) RunIdleSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.EvictIdle(ctx)
		}
	}
}
