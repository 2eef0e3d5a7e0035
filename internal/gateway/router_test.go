package gateway

import (
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timmye/neurosensefx-sub013/internal/market"
	"github.com/timmye/neurosensefx-sub013/internal/profile"
	"github.com/timmye/neurosensefx-sub013/internal/registry"
	"github.com/timmye/neurosensefx-sub013/internal/twap"
)

// fakeSub records every message enqueued on it.
type fakeSub struct {
	id   string
	msgs [][]byte
	full bool
}

func (f *fakeSub) ID() string { return f.id }

func (f *fakeSub) Enqueue(msg []byte) bool {
	if f.full {
		return false
	}
	f.msgs = append(f.msgs, msg)
	return true
}

func (f *fakeSub) decode(t *testing.T, i int) map[string]any {
	t.Helper()
	require.Greater(t, len(f.msgs), i)
	var m map[string]any
	require.NoError(t, json.Unmarshal(f.msgs[i], &m))
	return m
}

func newTestRouter() (*Router, *registry.Registry) {
	reg := registry.New()
	return NewRouter(reg, nil, zerolog.Nop()), reg
}

func TestRouteTickQuoteShape(t *testing.T) {
	r, reg := newTestRouter()
	sub := &fakeSub{id: "a"}
	reg.Register(sub)
	reg.Add(sub, "EURUSD", market.SourceCTrader)

	r.RouteTick(market.Tick{
		Source:      market.SourceCTrader,
		Symbol:      "EURUSD",
		Bid:         1.08551,
		Ask:         1.08553,
		Price:       1.08551,
		Timestamp:   1700000000000,
		HasPipInfo:  true,
		PipPosition: 4,
		PipSize:     0.0001,
		PipetteSize: 0.00001,
	})

	m := sub.decode(t, 0)
	assert.Equal(t, "tick", m["type"])
	assert.Equal(t, "ctrader", m["source"])
	assert.Equal(t, 1.08551, m["bid"])
	assert.Equal(t, 1.08553, m["ask"])
	assert.Equal(t, 0.0001, m["pipSize"])
	assert.NotContains(t, m, "price")
}

func TestRouteTickPriceShape(t *testing.T) {
	r, reg := newTestRouter()
	sub := &fakeSub{id: "a"}
	reg.Register(sub)
	reg.Add(sub, "EURUSD", market.SourceTradingView)

	r.RouteTick(market.Tick{
		Source:    market.SourceTradingView,
		Symbol:    "EURUSD",
		Price:     1.0855,
		Timestamp: 1700000000000,
	})

	m := sub.decode(t, 0)
	assert.Equal(t, "tick", m["type"])
	assert.Equal(t, "tradingview", m["source"])
	assert.Equal(t, 1.0855, m["price"])
	assert.Equal(t, 1.0855, m["current"])
	assert.NotContains(t, m, "bid")
}

func TestRouteTickIsolatedBySource(t *testing.T) {
	r, reg := newTestRouter()
	quote := &fakeSub{id: "quote"}
	chart := &fakeSub{id: "chart"}
	reg.Register(quote)
	reg.Register(chart)
	reg.Add(quote, "EURUSD", market.SourceCTrader)
	reg.Add(chart, "EURUSD", market.SourceTradingView)

	r.RouteTick(market.Tick{Source: market.SourceCTrader, Symbol: "EURUSD", Bid: 1.1, Ask: 1.2})

	assert.Len(t, quote.msgs, 1)
	assert.Empty(t, chart.msgs)
}

func TestRouteTickSkipsOtherSymbols(t *testing.T) {
	r, reg := newTestRouter()
	sub := &fakeSub{id: "a"}
	reg.Register(sub)
	reg.Add(sub, "GBPUSD", market.SourceCTrader)

	r.RouteTick(market.Tick{Source: market.SourceCTrader, Symbol: "EURUSD", Bid: 1.1, Ask: 1.2})

	assert.Empty(t, sub.msgs)
}

func TestRouteProfileUpdateReachesBothSourceAudiences(t *testing.T) {
	r, reg := newTestRouter()
	quote := &fakeSub{id: "quote"}
	chart := &fakeSub{id: "chart"}
	reg.Register(quote)
	reg.Register(chart)
	reg.Add(quote, "EURUSD", market.SourceCTrader)
	reg.Add(chart, "EURUSD", market.SourceTradingView)

	r.RouteProfileUpdate(profile.Update{
		Symbol:     "EURUSD",
		Levels:     []profile.Level{{Price: 1.0855, TPO: 3}},
		BucketSize: 0.0001,
		Seq:        7,
		Source:     market.SourceCTrader,
	})

	for _, sub := range []*fakeSub{quote, chart} {
		m := sub.decode(t, 0)
		assert.Equal(t, "profileUpdate", m["type"])
		assert.Equal(t, float64(7), m["seq"])
		prof, ok := m["profile"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, 0.0001, prof["bucketSize"])
	}
}

func TestRouteTwapUpdateReachesBothSourceAudiences(t *testing.T) {
	r, reg := newTestRouter()
	quote := &fakeSub{id: "quote"}
	chart := &fakeSub{id: "chart"}
	reg.Register(quote)
	reg.Register(chart)
	reg.Add(quote, "EURUSD", market.SourceCTrader)
	reg.Add(chart, "EURUSD", market.SourceTradingView)

	r.RouteTwapUpdate(twap.Update{
		Symbol:        "EURUSD",
		Source:        market.SourceTradingView,
		TWAPValue:     1.0851,
		Timestamp:     1700000000000,
		Contributions: 42,
	})

	for _, sub := range []*fakeSub{quote, chart} {
		m := sub.decode(t, 0)
		assert.Equal(t, "twapUpdate", m["type"])
		assert.Equal(t, 1.0851, m["twapValue"])
		assert.Equal(t, float64(42), m["contributions"])
	}
}

func TestRouteSymbolErrorOnlyFailingSource(t *testing.T) {
	r, reg := newTestRouter()
	quote := &fakeSub{id: "quote"}
	chart := &fakeSub{id: "chart"}
	reg.Register(quote)
	reg.Register(chart)
	reg.Add(quote, "EURUSD", market.SourceCTrader)
	reg.Add(chart, "EURUSD", market.SourceTradingView)

	r.RouteSymbolError(market.SymbolErrorEvent{
		Source:  market.SourceTradingView,
		Symbol:  "EURUSD",
		Message: "symbol not found",
	})

	assert.Empty(t, quote.msgs)
	m := chart.decode(t, 0)
	assert.Equal(t, "error", m["type"])
	assert.Equal(t, "symbol not found", m["message"])
}

func TestRouteProfileErrorShape(t *testing.T) {
	r, reg := newTestRouter()
	sub := &fakeSub{id: "a"}
	reg.Register(sub)
	reg.Add(sub, "EURUSD", market.SourceCTrader)

	r.RouteProfileError(profile.Error{Symbol: "EURUSD", Code: "MAX_LEVELS_EXCEEDED", Message: "profile frozen"})

	m := sub.decode(t, 0)
	assert.Equal(t, "profileError", m["type"])
	assert.Equal(t, "MAX_LEVELS_EXCEEDED", m["error"])
}

func TestRouteBarNotBroadcastDownstream(t *testing.T) {
	r, reg := newTestRouter()
	sub := &fakeSub{id: "a"}
	reg.Register(sub)
	reg.Add(sub, "EURUSD", market.SourceCTrader)

	r.RouteBar(market.M1Bar{Symbol: "EURUSD", Source: market.SourceCTrader, Close: 1.1})

	assert.Empty(t, sub.msgs)
}

func TestBroadcastSurvivesFullSubscriber(t *testing.T) {
	r, reg := newTestRouter()
	stuck := &fakeSub{id: "stuck", full: true}
	healthy := &fakeSub{id: "ok"}
	reg.Register(stuck)
	reg.Register(healthy)
	reg.Add(stuck, "EURUSD", market.SourceCTrader)
	reg.Add(healthy, "EURUSD", market.SourceCTrader)

	r.RouteTick(market.Tick{Source: market.SourceCTrader, Symbol: "EURUSD", Bid: 1.1, Ask: 1.2})

	assert.Empty(t, stuck.msgs)
	assert.Len(t, healthy.msgs, 1)
}
