// Package twap maintains a per-symbol running time-weighted average price:
// the equally-weighted mean of M1 closes since session start.
package twap

import (
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/timmye/neurosensefx-sub013/internal/market"
)

// Update is emitted after the bootstrap load and after every accepted live
// bar. Contributions increases monotonically per symbol within a session.
type Update struct {
	Symbol        string
	Source        market.Source
	TWAPValue     float64
	Timestamp     int64
	Contributions int64
	IsHistorical  bool
}

// Error is a per-symbol TWAP failure (bad bar data).
type Error struct {
	Symbol  string
	Code    string
	Message string
}

type state struct {
	sum          float64
	count        int64
	sessionStart int64
	lastUpdate   int64
	source       market.Source
	lastBarTS    map[market.Source]int64 // dedup key is (symbol, source, bar ts)
}

// Service accumulates TWAP state per symbol.
type Service struct {
	mu       sync.Mutex
	states   map[string]*state
	onUpdate func(Update)
	onError  func(Error)
	logger   zerolog.Logger
	now      func() time.Time
}

func NewService(logger zerolog.Logger, onUpdate func(Update), onError func(Error)) *Service {
	return &Service{
		states:   make(map[string]*state),
		onUpdate: onUpdate,
		onError:  onError,
		logger:   logger,
		now:      time.Now,
	}
}

// InitializeFromHistory seeds the running mean from the bootstrap
// package's bar sequence, replacing any previous state for the symbol.
func (s *Service) InitializeFromHistory(symbol string, bars []market.M1Bar, source market.Source) {
	st := &state{
		source:    source,
		lastBarTS: make(map[market.Source]int64),
	}
	for _, b := range bars {
		st.sum += b.Close
		st.count++
	}
	if len(bars) > 0 {
		st.sessionStart = bars[0].Timestamp
		st.lastBarTS[source] = bars[len(bars)-1].Timestamp
	}

	now := s.now().UnixMilli()
	st.lastUpdate = now

	s.mu.Lock()
	s.states[symbol] = st
	update := s.updateLocked(symbol, st, now, true)
	s.mu.Unlock()

	s.logger.Debug().
		Str("symbol", symbol).
		Int("bars", len(bars)).
		Float64("twap", update.TWAPValue).
		Msg("TWAP initialized from history")

	if s.onUpdate != nil && st.count > 0 {
		s.onUpdate(update)
	}
}

// OnM1Bar folds one live bar into the mean. Bars are deduplicated by
// (symbol, source, timestamp); an invalid close emits INVALID_BAR_DATA and
// leaves state untouched.
func (s *Service) OnM1Bar(bar market.M1Bar) {
	if math.IsNaN(bar.Close) || math.IsInf(bar.Close, 0) {
		s.logger.Warn().
			Str("symbol", bar.Symbol).
			Float64("close", bar.Close).
			Msg("Dropping bar with non-finite close")
		if s.onError != nil {
			s.onError(Error{
				Symbol:  bar.Symbol,
				Code:    "INVALID_BAR_DATA",
				Message: "non-finite close price",
			})
		}
		return
	}

	s.mu.Lock()
	st, ok := s.states[bar.Symbol]
	if !ok {
		s.mu.Unlock()
		s.logger.Warn().
			Str("symbol", bar.Symbol).
			Msg("M1 bar for unknown TWAP symbol")
		return
	}
	if st.lastBarTS[bar.Source] == bar.Timestamp {
		s.mu.Unlock()
		return
	}
	st.lastBarTS[bar.Source] = bar.Timestamp

	st.sum += bar.Close
	st.count++
	if st.sessionStart == 0 {
		st.sessionStart = bar.Timestamp
	}
	now := s.now().UnixMilli()
	st.lastUpdate = now
	update := s.updateLocked(bar.Symbol, st, now, false)
	update.Source = bar.Source
	s.mu.Unlock()

	if s.onUpdate != nil {
		s.onUpdate(update)
	}
}

// Value returns the current TWAP and contribution count for a symbol.
func (s *Service) Value(symbol string) (twap float64, contributions int64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, found := s.states[symbol]
	if !found || st.count == 0 {
		return 0, 0, false
	}
	return st.sum / float64(st.count), st.count, true
}

func (s *Service) updateLocked(symbol string, st *state, now int64, historical bool) Update {
	var twap float64
	if st.count > 0 {
		twap = st.sum / float64(st.count)
	}
	return Update{
		Symbol:        symbol,
		Source:        st.source,
		TWAPValue:     twap,
		Timestamp:     now,
		Contributions: st.count,
		IsHistorical:  historical,
	}
}
