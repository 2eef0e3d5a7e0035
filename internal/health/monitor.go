// Package health detects half-open upstream connections: the socket looks
// fine and heartbeats keep writing, but no data has arrived for too long.
// Heartbeats alone cannot catch this because they are write-only.
package health

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultStaleAfter    = 60 * time.Second
	DefaultCheckInterval = 30 * time.Second
)

// Monitor watches the timestamp of the last received tick and emits
// edge-triggered callbacks: OnStale once per contiguous stale interval,
// OnResumed once per return to healthy.
type Monitor struct {
	staleAfter    time.Duration
	checkInterval time.Duration
	onStale       func()
	onResumed     func()
	logger        zerolog.Logger

	mu       sync.Mutex
	lastTick time.Time // zero means no tick recorded yet
	stale    bool
	stopCh   chan struct{}
	running  bool

	now func() time.Time // stubbed in tests
}

// Config for a Monitor. Zero durations fall back to the defaults.
type Config struct {
	StaleAfter    time.Duration
	CheckInterval time.Duration
	OnStale       func()
	OnResumed     func()
	Logger        zerolog.Logger
}

func NewMonitor(cfg Config) *Monitor {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultCheckInterval
	}
	return &Monitor{
		staleAfter:    cfg.StaleAfter,
		checkInterval: cfg.CheckInterval,
		onStale:       cfg.OnStale,
		onResumed:     cfg.OnResumed,
		logger:        cfg.Logger,
		now:           time.Now,
	}
}

// Start arms the periodic staleness check. Calling Start while running
// stops the previous checker first, so it is always safe after a
// reconnect.
func (m *Monitor) Start() {
	m.Stop()

	m.mu.Lock()
	stopCh := make(chan struct{})
	m.stopCh = stopCh
	m.running = true
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(m.checkInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				m.CheckStaleness()
			}
		}
	}()
}

// Stop cancels the periodic check and clears the stale flag. The last-tick
// timestamp is kept so a restart does not forget how old the stream is.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		close(m.stopCh)
		m.running = false
	}
	m.stale = false
}

// RecordTick notes that data arrived now and re-evaluates staleness
// inline. Safe to call from any goroutine; never blocks.
func (m *Monitor) RecordTick() {
	m.mu.Lock()
	m.lastTick = m.now()
	m.mu.Unlock()
	m.CheckStaleness()
}

// Stale reports the current staleness flag.
func (m *Monitor) Stale() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stale
}

// CheckStaleness computes the stale condition and fires a callback only on
// edge transitions. Steady-state checks are silent.
func (m *Monitor) CheckStaleness() {
	m.mu.Lock()
	stale := !m.lastTick.IsZero() && m.now().Sub(m.lastTick) > m.staleAfter
	changed := stale != m.stale
	m.stale = stale
	m.mu.Unlock()

	if !changed {
		return
	}
	if stale {
		m.logger.Warn().
			Dur("stale_after", m.staleAfter).
			Msg("No ticks received, stream is stale")
		if m.onStale != nil {
			m.onStale()
		}
	} else {
		m.logger.Info().Msg("Ticks resumed")
		if m.onResumed != nil {
			m.onResumed()
		}
	}
}
