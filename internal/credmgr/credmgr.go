// Package credmgr mints and refreshes the access token the Guest Runner
// injects into a running job so Terraform can authenticate to a cloud
// provider from inside the sandbox. It is a standalone component
// constructed independently and handed to the worker pool as a value —
// never a package-level global — so a job's credential source can be
// swapped in tests without touching process state.
package credmgr

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// Token is a minted credential plus its expiry, if the minter knows one.
// A zero ExpiresAt means the token does not expire on a schedule the
// manager can track (e.g. an operator-supplied static token).
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// Minter mints a fresh Token. Implementations talk to whatever credential
// source the deployment uses; ServiceAccountKeyMinter is the concrete GCP
// case, but nothing in this package assumes GCP.
type Minter interface {
	Mint(ctx context.Context) (Token, error)
}

// Status is a snapshot of the manager's current credential state.
type Status struct {
	HasToken  bool
	ExpiresAt time.Time
	LastError string
}

// Manager refreshes a token in the background and exposes the current one
// to callers without blocking them on network I/O. Readiness
// (Ready()) gates only the acceptance of new jobs; a job already running
// with a token in hand is never interrupted by a later refresh failure.
type Manager struct {
	minter      Minter
	refreshSkew time.Duration
	logger      *log.Logger

	mu        sync.RWMutex
	token     string
	expiresAt time.Time
	lastErr   error

	startOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// Options configures a Manager.
type Options struct {
	Minter Minter
	// RefreshSkew is how far ahead of expiry to refresh; clamped to a
	// minimum of 30s. Zero selects a 5-minute default.
	RefreshSkew time.Duration
	Logger      *log.Logger
}

// New constructs a Manager. The background refresh loop does not start
// until Start is called.
func New(opts Options) *Manager {
	skew := opts.RefreshSkew
	if skew <= 0 {
		skew = 5 * time.Minute
	}
	if skew < 30*time.Second {
		skew = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Manager{
		minter:      opts.Minter,
		refreshSkew: skew,
		logger:      logger,
	}
}

// Start performs an initial synchronous mint and then launches the
// background refresh loop. Calling Start more than once is a no-op.
func (m *Manager) Start(ctx context.Context) error {
	var startErr error
	m.startOnce.Do(func() {
		loopCtx, cancel := context.WithCancel(context.Background())
		m.cancel = cancel
		m.done = make(chan struct{})

		startErr = m.refreshOnce(ctx)
		go m.refreshLoop(loopCtx)
	})
	return startErr
}

// Stop cancels the background refresh loop and waits for it to exit.
func (m *Manager) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
}

// Status returns a snapshot of the manager's credential state.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := Status{HasToken: m.token != "", ExpiresAt: m.expiresAt}
	if m.lastErr != nil {
		s.LastError = m.lastErr.Error()
	}
	return s
}

// Ready reports whether the manager currently holds a usable token. The
// worker pool consults this before admitting a new job; it never affects
// jobs already running.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token != ""
}

// CurrentToken returns the most recently minted token. If none has been
// minted yet it attempts one synchronous mint before giving up.
func (m *Manager) CurrentToken(ctx context.Context) (string, error) {
	m.mu.RLock()
	token := m.token
	lastErr := m.lastErr
	m.mu.RUnlock()
	if token != "" {
		return token, nil
	}
	if err := m.refreshOnce(ctx); err != nil {
		if lastErr != nil {
			return "", errors.Join(err, lastErr)
		}
		return "", err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token, nil
}

func (m *Manager) refreshOnce(ctx context.Context) error {
	tok, err := m.minter.Mint(ctx)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.lastErr = err
		return err
	}
	m.token = tok.Value
	m.expiresAt = tok.ExpiresAt
	m.lastErr = nil
	return nil
}

func (m *Manager) refreshLoop(ctx context.Context) {
	defer close(m.done)
	backoff := 5 * time.Second
	const maxBackoff = 5 * time.Minute

	for {
		sleep := m.nextSleep()
		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}

		if err := m.refreshOnce(ctx); err != nil {
			m.logger.Error("credential refresh failed", "err", err, "retry_in", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = 5 * time.Second
	}
}

func (m *Manager) nextSleep() time.Duration {
	m.mu.RLock()
	expiresAt := m.expiresAt
	m.mu.RUnlock()

	if expiresAt.IsZero() {
		return 30 * time.Minute
	}
	sleep := time.Until(expiresAt) - m.refreshSkew
	if sleep < 30*time.Second {
		sleep = 30 * time.Second
	}
	return sleep
}
