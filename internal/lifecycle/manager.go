// Package lifecycle guards the single realtime connection: only one
// connection attempt may be in flight at a time, and each attempt owns at
// most one pending timeout.
package lifecycle

import (
	"log"
	"sync"
	"time"
)

// Manager serializes connection attempts for one logged-in session. It is
// constructed by the session owner and injected into the transport; it is
// deliberately not a package-level global.
type Manager struct {
	mu         sync.Mutex
	inProgress bool
	destroyed  bool
	lastToken  string
	lastResult bool
	timer      *time.Timer
}

func NewManager() *Manager {
	return &Manager{}
}

// StartAttempt flips the in-progress flag. It returns false when an
// attempt is already running or the manager has been destroyed; the
// caller must not open a connection in that case.
func (m *Manager) StartAttempt() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.destroyed {
		log.Printf("[LIFECYCLE] Attempt rejected: manager destroyed")
		return false
	}
	if m.inProgress {
		log.Printf("[LIFECYCLE] Attempt rejected: another attempt in progress")
		return false
	}
	m.inProgress = true
	return true
}

// EndAttempt clears the in-progress flag. A non-empty token records a
// successful attempt; an empty token records a failure.
func (m *Manager) EndAttempt(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.inProgress = false
	m.lastToken = token
	m.lastResult = token != ""
}

// InProgress reports whether an attempt is currently running.
func (m *Manager) InProgress() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inProgress
}

// LastResult returns the token and outcome of the most recent attempt.
func (m *Manager) LastResult() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastToken, m.lastResult
}

// SetTimeout schedules fn after d. At most one timeout is pending per
// manager; scheduling a new one clears any prior.
func (m *Manager) SetTimeout(fn func(), d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.timer != nil {
		m.timer.Stop()
	}
	if m.destroyed {
		return
	}
	m.timer = time.AfterFunc(d, fn)
}

// ClearTimeout cancels the pending timeout, if any.
func (m *Manager) ClearTimeout() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// Reset returns the manager to its initial state, including recovery
// from Destroy.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.inProgress = false
	m.destroyed = false
	m.lastToken = ""
	m.lastResult = false
}

// Destroy is terminal: the manager refuses further attempts until Reset.
func (m *Manager) Destroy() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.inProgress = false
	m.destroyed = true
}

// Destroyed reports whether Destroy has been called without a Reset.
func (m *Manager) Destroyed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.destroyed
}
