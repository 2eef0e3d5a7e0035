// Package reconnect schedules upstream reconnection attempts with
// exponential backoff. Attempts are unlimited; the owning session's
// shouldReconnect flag decides whether a disconnect schedules one at all.
package reconnect

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultInitialDelay = 1 * time.Second
	DefaultMaxDelay     = 60 * time.Second
)

// Manager owns at most one pending reconnect task. Scheduling while a task
// is already pending is a no-op (the pending task is kept, not replaced);
// Cancel drops it, Reset zeroes the attempt counter after a successful
// connect.
type Manager struct {
	initial time.Duration
	max     time.Duration
	logger  zerolog.Logger

	mu       sync.Mutex
	attempts int
	timer    *time.Timer
	pending  bool
}

func NewManager(initial, max time.Duration, logger zerolog.Logger) *Manager {
	if initial <= 0 {
		initial = DefaultInitialDelay
	}
	if max <= 0 {
		max = DefaultMaxDelay
	}
	return &Manager{initial: initial, max: max, logger: logger}
}

// NextDelay returns the backoff for the current attempt count:
// min(initial * 2^attempts, max).
func (m *Manager) NextDelay() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.delayLocked()
}

func (m *Manager) delayLocked() time.Duration {
	d := m.initial
	for i := 0; i < m.attempts && d < m.max; i++ {
		d *= 2
	}
	if d > m.max {
		d = m.max
	}
	return d
}

// Schedule arms a one-shot reconnect. The task increments the attempt
// counter and invokes fn; a failure is logged and leaves the manager idle
// so the session's disconnect handler can schedule the next attempt.
// Returns false when a task was already pending.
func (m *Manager) Schedule(fn func() error) bool {
	m.mu.Lock()
	if m.pending {
		m.mu.Unlock()
		return false
	}
	delay := m.delayLocked()
	m.pending = true
	m.timer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		m.pending = false
		m.attempts++
		attempt := m.attempts
		m.mu.Unlock()

		if err := fn(); err != nil {
			m.logger.Warn().
				Err(err).
				Int("attempt", attempt).
				Msg("Reconnect attempt failed")
		}
	})
	m.mu.Unlock()

	m.logger.Info().
		Dur("delay", delay).
		Int("attempts_so_far", m.Attempts()).
		Msg("Reconnect scheduled")
	return true
}

// Cancel drops any pending reconnect task.
func (m *Manager) Cancel() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.pending = false
}

// Reset zeroes the attempt counter. Called after a successful connect.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = 0
}

// Attempts returns how many reconnect tasks have fired since the last
// Reset.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Pending reports whether a reconnect task is currently scheduled.
func (m *Manager) Pending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending
}
