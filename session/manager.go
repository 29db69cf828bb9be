// Package session owns the lifecycle of the single browser session the
// pipeline drives.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"freight_scrooper/browser"
	"freight_scrooper/config"
)

type State string

const (
	StateUninitialized State = "uninitialized"
	StateConnecting    State = "connecting"
	StateReady         State = "ready"
	StateDegraded      State = "degraded"
	StateClosed        State = "closed"
)

var (
	ErrConnection = errors.New("session connection failed")
	ErrClosed     = errors.New("session manager closed")
)

// ConnectionError is returned when the retry budget is exhausted.
type ConnectionError struct {
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("session connection failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *ConnectionError) Unwrap() []error {
	return []error{ErrConnection, e.Err}
}

type Manager struct {
	cfg     config.SessionConfig
	bcfg    config.BrowserConfig
	site    *config.SiteConfig
	driver  browser.Driver
	log     *zap.Logger
	backoff Backoff
	now     func() time.Time

	mu          sync.Mutex
	state       State
	sess        browser.Session
	fresh       bool
	lastCleanup time.Time
}

func NewManager(cfg *config.Config, driver browser.Driver, log *zap.Logger) *Manager {
	return &Manager{
		cfg:    cfg.Session,
		bcfg:   cfg.Browser,
		site:   cfg.Site,
		driver: driver,
		log:    log.With(zap.String("component", "session")),
		backoff: ExpoJitter{
			Base:   cfg.Session.BackoffBase,
			Max:    cfg.Session.BackoffMax,
			Jitter: 0.2,
		},
		now:   time.Now,
		state: StateUninitialized,
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	prev := m.state
	m.state = s
	m.mu.Unlock()
	if prev != s {
		m.log.Debug("session state", zap.String("from", string(prev)), zap.String("to", string(s)))
	}
}

// Acquire returns the current session or opens a new one, retrying with
// backoff. Exhausting the budget yields a *ConnectionError.
func (m *Manager) Acquire(ctx context.Context) (browser.Session, error) {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if m.sess != nil && m.state == StateReady {
		sess := m.sess
		m.mu.Unlock()
		return sess, nil
	}
	m.mu.Unlock()

	m.setState(StateConnecting)

	var sess browser.Session
	attempts, err := Retry(ctx, func(ctx context.Context) error {
		s, err := m.open(ctx)
		if err != nil {
			return err
		}
		sess = s
		return nil
	}, Policy{
		Name:     "session_acquire",
		Attempts: m.cfg.ConnectAttempts,
		Backoff:  m.backoff,
		Retryable: func(err error) bool {
			return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
		},
		OnAttempt: func(attempt int, err error) {
			m.log.Warn("session connect attempt failed",
				zap.Int("attempt", attempt+1),
				zap.Int("max_attempts", m.cfg.ConnectAttempts),
				zap.Error(err))
		},
	})
	if err != nil {
		m.setState(StateDegraded)
		return nil, &ConnectionError{Attempts: attempts, Err: err}
	}

	m.mu.Lock()
	if m.state == StateClosed {
		// closed while connecting
		m.mu.Unlock()
		sess.Close()
		return nil, ErrClosed
	}
	m.sess = sess
	m.state = StateReady
	m.fresh = true
	m.lastCleanup = m.now()
	m.mu.Unlock()

	m.log.Info("session ready", zap.Int("attempts", attempts), zap.Bool("attached", m.bcfg.CDPURL != ""))
	return sess, nil
}

func (m *Manager) open(ctx context.Context) (browser.Session, error) {
	var (
		sess browser.Session
		err  error
	)
	if m.bcfg.CDPURL != "" {
		sess, err = m.driver.ConnectExisting(ctx, m.bcfg.CDPURL)
	} else {
		sess, err = m.driver.LaunchNew(ctx, browser.LaunchOptions{
			UserDataDir: m.bcfg.UserDataDir,
			Headless:    m.bcfg.Headless,
			ProxyURL:    m.bcfg.ProxyURL,
		})
	}
	if err != nil {
		return nil, err
	}

	if err := sess.Navigate(ctx, m.site.URL, browser.WaitCondition(m.site.WaitUntil), m.cfg.NavTimeout); err != nil {
		sess.Close()
		return nil, err
	}
	return sess, nil
}

// EnsureLive probes the current session and reacquires it if the probe fails.
func (m *Manager) EnsureLive(ctx context.Context) (browser.Session, error) {
	m.mu.Lock()
	sess := m.sess
	closed := m.state == StateClosed
	m.mu.Unlock()

	if closed {
		return nil, ErrClosed
	}
	if sess == nil {
		return m.Acquire(ctx)
	}

	err := sess.Probe(ctx, m.cfg.ProbeTimeout)
	if err == nil {
		return sess, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}

	m.log.Warn("session probe failed, reconnecting", zap.Error(err))
	m.drop(StateDegraded)
	return m.Acquire(ctx)
}

// Refresh reloads the listings page unless the session was opened since the
// previous refresh. A failed reload invalidates the session.
func (m *Manager) Refresh(ctx context.Context, sess browser.Session) error {
	m.mu.Lock()
	fresh := m.fresh && m.sess == sess
	m.fresh = false
	m.mu.Unlock()
	if fresh {
		return nil
	}

	if err := sess.Navigate(ctx, m.site.URL, browser.WaitCondition(m.site.WaitUntil), m.cfg.NavTimeout); err != nil {
		if ctx.Err() == nil {
			m.Invalidate("reload failed")
		}
		return fmt.Errorf("reload listings: %w", err)
	}
	return nil
}

// Invalidate discards the current session so the next EnsureLive reconnects.
func (m *Manager) Invalidate(reason string) {
	m.log.Warn("session invalidated", zap.String("reason", reason))
	m.drop(StateDegraded)
}

func (m *Manager) drop(next State) {
	m.mu.Lock()
	sess := m.sess
	m.sess = nil
	if m.state != StateClosed {
		m.state = next
	}
	m.mu.Unlock()

	if sess != nil {
		if err := sess.Close(); err != nil {
			m.log.Debug("closing dead session", zap.Error(err))
		}
	}
}

// Cleanup clears cookies and permissions. Callers invoke it between runs
// only, so extraction is never interrupted.
func (m *Manager) Cleanup(ctx context.Context) error {
	m.mu.Lock()
	sess := m.sess
	m.mu.Unlock()
	if sess == nil {
		return nil
	}

	if err := sess.ClearState(ctx); err != nil {
		return fmt.Errorf("session cleanup: %w", err)
	}

	m.mu.Lock()
	m.lastCleanup = m.now()
	m.mu.Unlock()
	m.log.Info("session state cleared")
	return nil
}

// MaybeCleanup runs Cleanup when the configured interval has elapsed.
func (m *Manager) MaybeCleanup(ctx context.Context) error {
	if m.cfg.CleanupInterval <= 0 {
		return nil
	}
	m.mu.Lock()
	due := m.sess != nil && m.now().Sub(m.lastCleanup) >= m.cfg.CleanupInterval
	m.mu.Unlock()
	if !due {
		return nil
	}
	return m.Cleanup(ctx)
}

// Close releases the session and the driver. Safe to call more than once.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return nil
	}
	sess := m.sess
	m.sess = nil
	m.state = StateClosed
	m.mu.Unlock()

	var errs []error
	if sess != nil {
		if err := sess.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close session: %w", err))
		}
	}
	if stopper, ok := m.driver.(interface{ Stop() error }); ok {
		if err := stopper.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop driver: %w", err))
		}
	}
	m.log.Info("session manager closed")
	return errors.Join(errs...)
}
