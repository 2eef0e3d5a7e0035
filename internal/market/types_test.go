package market

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func day(high, low float64) D1Bar {
	return D1Bar{Open: low, High: high, Low: low, Close: high}
}

func TestAverageDailyRangeExcludesToday(t *testing.T) {
	bars := []D1Bar{
		day(1.10, 1.08), // range 0.02
		day(1.12, 1.08), // range 0.04
		day(1.50, 1.00), // today's partial day, excluded
	}
	assert.InDelta(t, 0.03, AverageDailyRange(bars, 14), 1e-9)
}

func TestAverageDailyRangeCapsAtLookback(t *testing.T) {
	bars := []D1Bar{
		day(2.00, 1.00), // falls outside the 2-day window
		day(1.10, 1.08),
		day(1.12, 1.08),
		day(9.99, 0.01), // today
	}
	assert.InDelta(t, 0.03, AverageDailyRange(bars, 2), 1e-9)
}

func TestAverageDailyRangeExactWindow(t *testing.T) {
	// lookback+1 bars: every full day contributes.
	bars := []D1Bar{
		day(1.02, 1.00),
		day(1.04, 1.00),
		day(1.06, 1.00),
		day(0, 0), // today
	}
	assert.InDelta(t, 0.04, AverageDailyRange(bars, 3), 1e-9)
}

func TestAverageDailyRangeThinHistory(t *testing.T) {
	assert.Zero(t, AverageDailyRange(nil, 14))
	assert.Zero(t, AverageDailyRange([]D1Bar{day(1.1, 1.0)}, 14))
	assert.Zero(t, AverageDailyRange([]D1Bar{day(1.1, 1.0), day(1.2, 1.0)}, 0))
}

func TestAverageDailyRangeStrictRequiresFullWindow(t *testing.T) {
	bars := []D1Bar{
		day(1.10, 1.08),
		day(1.12, 1.08),
		day(1.50, 1.00), // today
	}
	assert.Zero(t, AverageDailyRangeStrict(bars, 14), "2 full days cannot satisfy a 14-day window")
	assert.InDelta(t, 0.03, AverageDailyRangeStrict(bars, 2), 1e-9)
	assert.Zero(t, AverageDailyRangeStrict(nil, 14))
}

func TestValidQuote(t *testing.T) {
	good := Tick{Bid: 1.0850, Ask: 1.0852, Timestamp: 1}
	assert.True(t, good.ValidQuote())

	cases := map[string]Tick{
		"zero bid":      {Bid: 0, Ask: 1.0852, Timestamp: 1},
		"negative bid":  {Bid: -1, Ask: 1.0852, Timestamp: 1},
		"inverted":      {Bid: 1.0852, Ask: 1.0850, Timestamp: 1},
		"equal sides":   {Bid: 1.0850, Ask: 1.0850, Timestamp: 1},
		"no timestamp":  {Bid: 1.0850, Ask: 1.0852},
		"nan bid":       {Bid: math.NaN(), Ask: 1.0852, Timestamp: 1},
		"infinite ask":  {Bid: 1.0850, Ask: math.Inf(1), Timestamp: 1},
	}
	for name, tick := range cases {
		assert.False(t, tick.ValidQuote(), name)
	}
}

func TestEstimatePipInfoMagnitudes(t *testing.T) {
	cases := []struct {
		price   float64
		digits  int
		pipPos  int
		pipSize float64
	}{
		{65000, 0, 0, 1},       // BTC
		{4200, 1, 1, 0.1},      // index
		{155.25, 2, 2, 0.01},   // JPY cross
		{1.0855, 4, 4, 0.0001}, // FX major
	}
	for _, tc := range cases {
		info := EstimatePipInfo(tc.price)
		assert.Equal(t, tc.digits, info.Digits, "price %v", tc.price)
		assert.Equal(t, tc.pipPos, info.PipPosition, "price %v", tc.price)
		assert.InDelta(t, tc.pipSize, info.PipSize, 1e-12, "price %v", tc.price)
		assert.InDelta(t, tc.pipSize/10, info.PipetteSize, 1e-12, "price %v", tc.price)
	}
}

func TestPipInfoFromPosition(t *testing.T) {
	pip, pipette := PipInfoFromPosition(4)
	assert.InDelta(t, 0.0001, pip, 1e-12)
	assert.InDelta(t, 0.00001, pipette, 1e-12)
}

func TestBucketSizePerInstrumentClass(t *testing.T) {
	assert.Equal(t, 10.0, BucketSize("BTCUSD"))
	assert.Equal(t, 10.0, BucketSize("ethusd"))
	assert.Equal(t, 10.0, BucketSize("US30"))
	assert.Equal(t, 1.0, BucketSize("XAUUSD"))
	assert.Equal(t, 0.0001, BucketSize("EURUSD"))
}

func TestStartOfUTCDay(t *testing.T) {
	loc := time.FixedZone("UTC+5", 5*3600)
	local := time.Date(2026, 3, 10, 2, 30, 0, 0, loc) // 2026-03-09 21:30 UTC
	start := StartOfUTCDay(local)
	assert.Equal(t, time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC), start)
}

func TestRoundTo(t *testing.T) {
	assert.Equal(t, 1.08551, RoundTo(1.0855099999, 5))
	assert.Equal(t, 155.25, RoundTo(155.2549, 2))
	assert.Equal(t, 65000.0, RoundTo(65000.4, 0))
}

func TestSessionStateStrings(t *testing.T) {
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "reconnecting", StateReconnecting.String())
	assert.Equal(t, "unknown", SessionState(99).String())
}
