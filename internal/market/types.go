// Package market holds the unified data model shared by both upstream
// sessions and every downstream consumer: ticks, bars, symbol metadata and
// the one-shot bootstrap package.
package market

import (
	"math"
	"time"
)

// Source identifies which upstream provider produced a piece of data.
type Source string

const (
	SourceCTrader     Source = "ctrader"
	SourceTradingView Source = "tradingview"
)

// SessionState is the lifecycle state of an upstream session.
type SessionState int32

const (
	StateDisconnected SessionState = iota
	StateConnecting
	StateAuthenticating
	StateConnected
	StateDegraded
	StateReconnecting
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// SymbolInfo is per-symbol price metadata. Provider A supplies it exactly;
// provider B only allows a magnitude-based estimate (see EstimatePipInfo).
type SymbolInfo struct {
	Digits      int
	PipPosition int
	PipSize     float64
	PipetteSize float64
}

// PipInfoFromPosition derives pip and pipette sizes from a pip position.
func PipInfoFromPosition(pipPosition int) (pipSize, pipetteSize float64) {
	pipSize = math.Pow(10, -float64(pipPosition))
	pipetteSize = math.Pow(10, -float64(pipPosition+1))
	return pipSize, pipetteSize
}

// EstimatePipInfo guesses digits and pip sizing from price magnitude.
// Provider B does not expose pip data, so clients that require exact pip
// arithmetic should prefer provider A.
func EstimatePipInfo(price float64) SymbolInfo {
	var digits, pipPos int
	switch {
	case price > 10000:
		digits, pipPos = 0, 0
	case price > 1000:
		digits, pipPos = 1, 1
	case price > 10:
		digits, pipPos = 2, 2
	default:
		digits, pipPos = 4, 4
	}
	pipSize, pipetteSize := PipInfoFromPosition(pipPos)
	return SymbolInfo{Digits: digits, PipPosition: pipPos, PipSize: pipSize, PipetteSize: pipetteSize}
}

// Tick is a normalized quote. Provider A ticks carry bid/ask; provider B
// ticks carry only the last price.
type Tick struct {
	Symbol    string
	Source    Source
	Bid       float64
	Ask       float64
	Price     float64
	Timestamp int64 // unix ms

	PipPosition int
	PipSize     float64
	PipetteSize float64
	HasPipInfo  bool
}

// ValidQuote reports whether a bid/ask tick satisfies the session-boundary
// invariants: both sides finite, ask > bid > 0, positive timestamp.
func (t Tick) ValidQuote() bool {
	if math.IsNaN(t.Bid) || math.IsInf(t.Bid, 0) || math.IsNaN(t.Ask) || math.IsInf(t.Ask, 0) {
		return false
	}
	return t.Bid > 0 && t.Ask > t.Bid && t.Timestamp > 0
}

// M1Bar is a one-minute OHLC bar. Timestamp is the bar's opening minute
// boundary in UTC milliseconds.
type M1Bar struct {
	Symbol    string  `json:"symbol"`
	Source    Source  `json:"source"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Timestamp int64   `json:"timestamp"`
}

// D1Bar is a daily OHLC bar. Timestamp is the bar open in UTC milliseconds.
type D1Bar struct {
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Timestamp int64
}

// SymbolDataPackage is the one-shot historical bootstrap delivered to a
// client when it first subscribes to a symbol.
type SymbolDataPackage struct {
	Symbol               string
	Source               Source
	Digits               int
	ADR                  float64
	TodaysOpen           float64
	TodaysHigh           float64
	TodaysLow            float64
	ProjectedADRHigh     float64
	ProjectedADRLow      float64
	InitialPrice         float64
	InitialMarketProfile []M1Bar
	PipPosition          int
	PipSize              float64
	PipetteSize          float64
	BucketSize           float64

	HasPrevDay   bool
	PrevDayOpen  float64
	PrevDayHigh  float64
	PrevDayLow   float64
	PrevDayClose float64
}

// StartOfUTCDay truncates t to midnight UTC.
func StartOfUTCDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// AverageDailyRange is the mean of (high - low) over the last lookback
// entries of bars, excluding the most recent bar (today's partial day).
// With fewer than lookback+1 bars it averages whatever full days exist;
// with fewer than two bars there is nothing to average and it returns 0.
func AverageDailyRange(bars []D1Bar, lookback int) float64 {
	if len(bars) < 2 || lookback <= 0 {
		return 0
	}
	usable := bars[:len(bars)-1]
	if len(usable) > lookback {
		usable = usable[len(usable)-lookback:]
	}
	var sum float64
	for _, b := range usable {
		sum += b.High - b.Low
	}
	return sum / float64(len(usable))
}

// AverageDailyRangeStrict requires a full lookback window of completed
// days; with fewer it returns 0 rather than a partial mean. Used where the
// provider cannot guarantee how deep the daily series goes.
func AverageDailyRangeStrict(bars []D1Bar, lookback int) float64 {
	if len(bars)-1 < lookback {
		return 0
	}
	return AverageDailyRange(bars, lookback)
}

// RoundTo rounds v to the given number of decimal places.
func RoundTo(v float64, digits int) float64 {
	scale := math.Pow(10, float64(digits))
	return math.Round(v*scale) / scale
}
