package profile

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timmye/neurosensefx-sub013/internal/market"
)

type captured struct {
	updates []Update
	errors  []Error
}

func newTestService() (*Service, *captured) {
	c := &captured{}
	s := NewService(zerolog.Nop(),
		func(u Update) { c.updates = append(c.updates, u) },
		func(e Error) { c.errors = append(c.errors, e) },
	)
	return s, c
}

func bar(symbol string, low, high float64, ts int64) market.M1Bar {
	return market.M1Bar{
		Symbol: symbol, Source: market.SourceCTrader,
		Open: low, High: high, Low: low, Close: high,
		Timestamp: ts,
	}
}

func TestWideBarPipetteBuckets(t *testing.T) {
	// 1.05000 .. 1.05030 stepped by 0.00001 is 31 buckets, each touched
	// once.
	levels := make(map[float64]int)
	applyBar(levels, bar("EURUSD", 1.05000, 1.05030, 1), 0.00001)

	require.Len(t, levels, 31)
	for price, tpo := range levels {
		assert.Equal(t, 1, tpo, "price %v", price)
	}
	assert.Contains(t, levels, 1.05000)
	assert.Contains(t, levels, 1.05001)
	assert.Contains(t, levels, 1.05030)
}

func TestBarBucketsAtPipGranularity(t *testing.T) {
	levels := make(map[float64]int)
	applyBar(levels, bar("EURUSD", 1.0500, 1.0503, 1), 0.0001)

	require.Len(t, levels, 4)
	assert.Contains(t, levels, 1.0500)
	assert.Contains(t, levels, 1.0503)
}

func TestReplayedBarIsIdempotent(t *testing.T) {
	s, c := newTestService()
	s.Subscribe("EURUSD", market.SourceCTrader)

	b := bar("EURUSD", 1.0500, 1.0502, 60000)
	s.OnM1Bar(b)
	require.Len(t, c.updates, 1)
	first := s.Snapshot("EURUSD")

	s.OnM1Bar(b) // same timestamp, must be skipped
	assert.Len(t, c.updates, 1)
	assert.Equal(t, first, s.Snapshot("EURUSD"))
}

func TestSeqIncreasesMonotonically(t *testing.T) {
	s, c := newTestService()
	s.Subscribe("EURUSD", market.SourceCTrader)

	for i := int64(1); i <= 5; i++ {
		s.OnM1Bar(bar("EURUSD", 1.0500, 1.0501, i*60000))
	}
	require.Len(t, c.updates, 5)
	for i, u := range c.updates {
		assert.Equal(t, int64(i+1), u.Seq)
	}
}

func TestLevelsSortedAscending(t *testing.T) {
	s, c := newTestService()
	s.Subscribe("EURUSD", market.SourceCTrader)

	s.OnM1Bar(bar("EURUSD", 1.0505, 1.0507, 60000))
	s.OnM1Bar(bar("EURUSD", 1.0500, 1.0502, 120000))

	require.NotEmpty(t, c.updates)
	last := c.updates[len(c.updates)-1]
	for i := 1; i < len(last.Levels); i++ {
		assert.Less(t, last.Levels[i-1].Price, last.Levels[i].Price)
	}
}

func TestInitializeFromHistoryReplaces(t *testing.T) {
	s, _ := newTestService()
	s.InitializeFromHistory("EURUSD", []market.M1Bar{
		bar("EURUSD", 1.0500, 1.0501, 60000),
	}, 0.0001, market.SourceCTrader)
	require.Len(t, s.Snapshot("EURUSD"), 2)

	// A new bootstrap replaces, never merges.
	s.InitializeFromHistory("EURUSD", []market.M1Bar{
		bar("EURUSD", 1.0600, 1.0600, 120000),
	}, 0.0001, market.SourceCTrader)
	snap := s.Snapshot("EURUSD")
	require.Len(t, snap, 1)
	assert.Equal(t, 1.0600, snap[0].Price)
}

func TestUnknownSymbolIgnored(t *testing.T) {
	s, c := newTestService()
	s.OnM1Bar(bar("UNKNOWN", 1.0, 1.1, 60000))
	assert.Empty(t, c.updates)
	assert.Empty(t, c.errors)
}

func TestMaxLevelsEmitsErrorOnceAndFreezes(t *testing.T) {
	s, c := newTestService()
	levels := make(map[float64]int)
	for i := 0; i < MaxLevels; i++ {
		levels[float64(i)] = 1
	}
	s.mu.Lock()
	s.states["BTCUSD"] = &state{levels: levels, bucketSize: 10, source: market.SourceCTrader}
	s.mu.Unlock()

	s.OnM1Bar(bar("BTCUSD", 50000, 50020, 60000))
	require.Len(t, c.errors, 1)
	assert.Equal(t, "MAX_LEVELS_EXCEEDED", c.errors[0].Code)
	assert.Empty(t, c.updates)

	// Further bars neither update nor re-emit the error.
	s.OnM1Bar(bar("BTCUSD", 50000, 50020, 120000))
	assert.Len(t, c.errors, 1)
	assert.Empty(t, c.updates)
}

func TestNonFiniteBarDropped(t *testing.T) {
	s, c := newTestService()
	s.Subscribe("EURUSD", market.SourceCTrader)

	b := bar("EURUSD", 1.0500, 1.0501, 60000)
	b.High = nan()
	s.OnM1Bar(b)
	assert.Empty(t, c.updates)
	assert.Empty(t, c.errors)
}

func nan() float64 {
	var zero float64
	return zero / zero
}
