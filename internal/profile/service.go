// Package profile maintains per-symbol market profiles: a histogram of
// time-price-opportunity (TPO) counts across price buckets. Each M1 bar
// contributes one count to every bucket its low..high range touches.
package profile

import (
	"math"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/timmye/neurosensefx-sub013/internal/market"
)

const (
	// MaxLevels is a soft cap on distinct price buckets per symbol. When
	// reached the profile emits one error and stops updating.
	MaxLevels = 3000

	// maxBucketsPerBar bounds the inner loop so a corrupt bar with an
	// absurd range cannot spin.
	maxBucketsPerBar = 5000
)

// Level is one price bucket and its TPO count.
type Level struct {
	Price float64 `json:"price"`
	TPO   int     `json:"tpo"`
}

// Update is emitted after each applied bar. Levels are sorted ascending by
// price; Seq increases monotonically per symbol within a session.
type Update struct {
	Symbol     string
	Levels     []Level
	BucketSize float64
	Seq        int64
	Source     market.Source
}

// Error is a per-symbol profile failure.
type Error struct {
	Symbol  string
	Code    string
	Message string
}

type state struct {
	levels     map[float64]int
	bucketSize float64
	source     market.Source
	seq        int64
	lastBarTS  int64
	lastUpdate int64
	frozen     bool // set after MAX_LEVELS_EXCEEDED, updates stop
}

// Service holds all per-symbol profile state. Profiles key by symbol only;
// a symbol fed from both sources shares one histogram (see DESIGN.md).
type Service struct {
	mu       sync.Mutex
	states   map[string]*state
	onUpdate func(Update)
	onError  func(Error)
	logger   zerolog.Logger
}

func NewService(logger zerolog.Logger, onUpdate func(Update), onError func(Error)) *Service {
	return &Service{
		states:   make(map[string]*state),
		onUpdate: onUpdate,
		onError:  onError,
		logger:   logger,
	}
}

// Subscribe ensures state exists for symbol with the bucket size derived
// from the instrument class.
func (s *Service) Subscribe(symbol string, source market.Source) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[symbol]
	if !ok {
		st = &state{levels: make(map[float64]int)}
		s.states[symbol] = st
	}
	st.bucketSize = market.BucketSize(symbol)
	st.source = source
}

// InitializeFromHistory replaces any existing histogram for symbol with one
// built from the bootstrap package's intraday bars. A later bootstrap for
// the same symbol replaces, never merges.
func (s *Service) InitializeFromHistory(symbol string, bars []market.M1Bar, bucketSize float64, source market.Source) {
	levels := make(map[float64]int)
	for _, bar := range bars {
		applyBar(levels, bar, bucketSize)
	}

	s.mu.Lock()
	s.states[symbol] = &state{
		levels:     levels,
		bucketSize: bucketSize,
		source:     source,
	}
	s.mu.Unlock()

	s.logger.Debug().
		Str("symbol", symbol).
		Int("bars", len(bars)).
		Int("levels", len(levels)).
		Float64("bucket_size", bucketSize).
		Msg("Market profile initialized from history")
}

// OnM1Bar applies one live bar. Duplicate timestamps are skipped so a
// replayed bar leaves the histogram unchanged.
func (s *Service) OnM1Bar(bar market.M1Bar) {
	if math.IsNaN(bar.Low) || math.IsInf(bar.Low, 0) || math.IsNaN(bar.High) || math.IsInf(bar.High, 0) {
		s.logger.Warn().
			Str("symbol", bar.Symbol).
			Float64("low", bar.Low).
			Float64("high", bar.High).
			Msg("Dropping bar with non-finite range")
		return
	}

	s.mu.Lock()
	st, ok := s.states[bar.Symbol]
	if !ok {
		s.mu.Unlock()
		s.logger.Warn().
			Str("symbol", bar.Symbol).
			Msg("M1 bar for unknown profile symbol")
		return
	}
	if st.frozen || st.lastBarTS == bar.Timestamp {
		s.mu.Unlock()
		return
	}
	st.lastBarTS = bar.Timestamp

	if len(st.levels) >= MaxLevels {
		st.frozen = true
		symbol := bar.Symbol
		s.mu.Unlock()
		s.logger.Error().
			Str("symbol", symbol).
			Int("max_levels", MaxLevels).
			Msg("Market profile level cap exceeded, updates stopped")
		if s.onError != nil {
			s.onError(Error{
				Symbol:  symbol,
				Code:    "MAX_LEVELS_EXCEEDED",
				Message: "market profile level cap exceeded",
			})
		}
		return
	}

	applyBar(st.levels, bar, st.bucketSize)
	st.seq++
	st.lastUpdate = bar.Timestamp
	update := Update{
		Symbol:     bar.Symbol,
		Levels:     sortedLevels(st.levels),
		BucketSize: st.bucketSize,
		Seq:        st.seq,
		Source:     st.source,
	}
	s.mu.Unlock()

	if s.onUpdate != nil {
		s.onUpdate(update)
	}
}

// Snapshot returns the current sorted levels for a symbol, or nil if the
// symbol has no profile.
func (s *Service) Snapshot(symbol string) []Level {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[symbol]
	if !ok {
		return nil
	}
	return sortedLevels(st.levels)
}

// applyBar increments every bucket from floor(low/bucket)*bucket up to
// high, stepping by bucketSize, each price rounded to 5 decimal places.
func applyBar(levels map[float64]int, bar market.M1Bar, bucketSize float64) {
	if bucketSize <= 0 {
		return
	}
	start := math.Floor(bar.Low/bucketSize) * bucketSize
	for i := 0; i < maxBucketsPerBar; i++ {
		price := start + float64(i)*bucketSize
		if price > bar.High+bucketSize/1e6 {
			break
		}
		levels[roundBucket(price)]++
	}
}

func roundBucket(p float64) float64 {
	return math.Round(p*1e5) / 1e5
}

func sortedLevels(levels map[float64]int) []Level {
	out := make([]Level, 0, len(levels))
	for price, tpo := range levels {
		out = append(out, Level{Price: price, TPO: tpo})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Price < out[j].Price })
	return out
}
