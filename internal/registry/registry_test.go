package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timmye/neurosensefx-sub013/internal/market"
)

type fakeSub struct {
	id string
}

func (f *fakeSub) ID() string             { return f.id }
func (f *fakeSub) Enqueue(msg []byte) bool { return true }

func TestAddReturnsFirstOnlyOnce(t *testing.T) {
	r := New()
	a := &fakeSub{id: "a"}
	b := &fakeSub{id: "b"}

	assert.True(t, r.Add(a, "EURUSD", market.SourceCTrader))
	assert.False(t, r.Add(b, "EURUSD", market.SourceCTrader))
	assert.False(t, r.Add(a, "EURUSD", market.SourceCTrader)) // idempotent re-add

	assert.Equal(t, 2, r.Count("EURUSD", market.SourceCTrader))
}

func TestSourcesAreIndependentKeys(t *testing.T) {
	r := New()
	a := &fakeSub{id: "a"}

	assert.True(t, r.Add(a, "EURUSD", market.SourceCTrader))
	assert.True(t, r.Add(a, "EURUSD", market.SourceTradingView))
}

func TestRemoveReportsEmptyKeys(t *testing.T) {
	r := New()
	a := &fakeSub{id: "a"}
	b := &fakeSub{id: "b"}

	r.Add(a, "EURUSD", market.SourceCTrader)
	r.Add(b, "EURUSD", market.SourceCTrader)
	r.Add(a, "EURUSD", market.SourceTradingView)

	// First removal: tradingview key empties, ctrader still has b.
	empty := r.Remove(a, "EURUSD")
	require.Len(t, empty, 1)
	assert.Equal(t, Key{Symbol: "EURUSD", Source: market.SourceTradingView}, empty[0])

	empty = r.Remove(b, "EURUSD")
	require.Len(t, empty, 1)
	assert.Equal(t, Key{Symbol: "EURUSD", Source: market.SourceCTrader}, empty[0])

	assert.Empty(t, r.Get("EURUSD", market.SourceCTrader))
}

func TestRemoveClientDropsEverything(t *testing.T) {
	r := New()
	a := &fakeSub{id: "a"}
	b := &fakeSub{id: "b"}

	r.Add(a, "EURUSD", market.SourceCTrader)
	r.Add(a, "GBPUSD", market.SourceCTrader)
	r.Add(b, "EURUSD", market.SourceCTrader)

	empty := r.RemoveClient(a)
	require.Len(t, empty, 1)
	assert.Equal(t, "GBPUSD", empty[0].Symbol)

	assert.Len(t, r.Get("EURUSD", market.SourceCTrader), 1)
	assert.Empty(t, r.Symbols(a))
}

func TestGetReturnsCopy(t *testing.T) {
	r := New()
	a := &fakeSub{id: "a"}
	r.Add(a, "EURUSD", market.SourceCTrader)

	subs := r.Get("EURUSD", market.SourceCTrader)
	require.Len(t, subs, 1)
	subs[0] = nil // mutating the copy must not affect the registry

	assert.Len(t, r.Get("EURUSD", market.SourceCTrader), 1)
	assert.NotNil(t, r.Get("EURUSD", market.SourceCTrader)[0])
}

func TestBarStreamSet(t *testing.T) {
	r := New()
	assert.True(t, r.MarkBarStream("EURUSD", market.SourceCTrader))
	assert.False(t, r.MarkBarStream("EURUSD", market.SourceCTrader))

	r.ClearBarStream("EURUSD", market.SourceCTrader)
	assert.True(t, r.MarkBarStream("EURUSD", market.SourceCTrader))
}

func TestConcurrentAccess(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sub := &fakeSub{id: fmt.Sprintf("c%d", i)}
			for j := 0; j < 100; j++ {
				r.Add(sub, "EURUSD", market.SourceCTrader)
				r.Get("EURUSD", market.SourceCTrader)
				r.Remove(sub, "EURUSD")
			}
			r.RemoveClient(sub)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, r.Count("EURUSD", market.SourceCTrader))
}
