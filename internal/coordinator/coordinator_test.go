package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timmye/neurosensefx-sub013/internal/market"
	"github.com/timmye/neurosensefx-sub013/internal/profile"
	"github.com/timmye/neurosensefx-sub013/internal/twap"
)

var errTransient = errors.New("REQUEST_FREQUENCY_EXCEEDED")

type fakeFetcher struct {
	mu    sync.Mutex
	calls int
	errs  []error // consumed per call; nil entry means success
	gate  chan struct{}
}

func (f *fakeFetcher) GetSymbolDataPackage(_ context.Context, symbol string, _ int) (*market.SymbolDataPackage, error) {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &market.SymbolDataPackage{
		Symbol:     symbol,
		Source:     market.SourceCTrader,
		BucketSize: 0.0001,
		InitialMarketProfile: []market.M1Bar{
			{Symbol: symbol, Source: market.SourceCTrader, Open: 1.05, High: 1.0501, Low: 1.05, Close: 1.0501, Timestamp: 60000},
		},
	}, nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeChart struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeChart) Subscribe(string, int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

func newCoordinator(f *fakeFetcher, ch *fakeChart) *Coordinator {
	cfg := Config{
		Retryable: func(err error) bool { return errors.Is(err, errTransient) },
		RetryBase: time.Millisecond,
		Logger:    zerolog.Nop(),
	}
	if f != nil {
		cfg.Fetcher = f
	}
	if ch != nil {
		cfg.Chart = ch
	}
	return New(cfg)
}

func collectorCallbacks(wg *sync.WaitGroup, mu *sync.Mutex, pkgs *[]*market.SymbolDataPackage, errs *[]string) Callbacks {
	return Callbacks{
		OnPackage: func(p *market.SymbolDataPackage) {
			mu.Lock()
			*pkgs = append(*pkgs, p)
			mu.Unlock()
			wg.Done()
		},
		OnError: func(code, _ string) {
			mu.Lock()
			*errs = append(*errs, code)
			mu.Unlock()
			wg.Done()
		},
	}
}

func TestConcurrentRequestsCoalesceIntoOneFetch(t *testing.T) {
	f := &fakeFetcher{gate: make(chan struct{})}
	c := newCoordinator(f, nil)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		pkgs []*market.SymbolDataPackage
		errs []string
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		c.Request("EURUSD", 14, market.SourceCTrader, collectorCallbacks(&wg, &mu, &pkgs, &errs))
	}
	close(f.gate)
	wg.Wait()

	assert.Equal(t, 1, f.callCount())
	assert.Len(t, pkgs, 10)
	assert.Empty(t, errs)
}

func TestDifferentLookbacksAreSeparateFetches(t *testing.T) {
	f := &fakeFetcher{}
	c := newCoordinator(f, nil)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		pkgs []*market.SymbolDataPackage
		errs []string
	)
	wg.Add(2)
	c.Request("EURUSD", 5, market.SourceCTrader, collectorCallbacks(&wg, &mu, &pkgs, &errs))
	c.Request("EURUSD", 14, market.SourceCTrader, collectorCallbacks(&wg, &mu, &pkgs, &errs))
	wg.Wait()

	assert.Equal(t, 2, f.callCount())
}

func TestTransientErrorIsRetried(t *testing.T) {
	f := &fakeFetcher{errs: []error{errTransient, errTransient, nil}}
	c := newCoordinator(f, nil)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		pkgs []*market.SymbolDataPackage
		errs []string
	)
	wg.Add(1)
	c.Request("EURUSD", 14, market.SourceCTrader, collectorCallbacks(&wg, &mu, &pkgs, &errs))
	wg.Wait()

	assert.Equal(t, 3, f.callCount())
	require.Len(t, pkgs, 1)
	assert.Empty(t, errs)
}

func TestNonRetryableErrorFailsImmediately(t *testing.T) {
	f := &fakeFetcher{errs: []error{errors.New("CH_ACCESS_TOKEN_INVALID")}}
	c := newCoordinator(f, nil)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		pkgs []*market.SymbolDataPackage
		errs []string
	)
	wg.Add(1)
	c.Request("EURUSD", 14, market.SourceCTrader, collectorCallbacks(&wg, &mu, &pkgs, &errs))
	wg.Wait()

	assert.Equal(t, 1, f.callCount())
	require.Len(t, errs, 1)
	assert.Equal(t, "FETCH_FAILED", errs[0])
}

func TestRetriesStopAfterMaxAttempts(t *testing.T) {
	f := &fakeFetcher{errs: []error{errTransient, errTransient, errTransient, errTransient}}
	c := newCoordinator(f, nil)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		pkgs []*market.SymbolDataPackage
		errs []string
	)
	wg.Add(1)
	c.Request("EURUSD", 14, market.SourceCTrader, collectorCallbacks(&wg, &mu, &pkgs, &errs))
	wg.Wait()

	assert.Equal(t, 3, f.callCount())
	require.Len(t, errs, 1)
	assert.Equal(t, "FETCH_FAILED", errs[0])
}

func TestChartRequestsCoalesceOnSubscribe(t *testing.T) {
	ch := &fakeChart{}
	c := newCoordinator(nil, ch)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		pkgs []*market.SymbolDataPackage
		errs []string
	)
	wg.Add(2)
	c.Request("EURUSD", 14, market.SourceTradingView, collectorCallbacks(&wg, &mu, &pkgs, &errs))
	c.Request("EURUSD", 14, market.SourceTradingView, collectorCallbacks(&wg, &mu, &pkgs, &errs))
	assert.Equal(t, 1, ch.calls)

	c.OnChartPackage(&market.SymbolDataPackage{Symbol: "EURUSD", Source: market.SourceTradingView})
	wg.Wait()
	assert.Len(t, pkgs, 2)
	assert.Empty(t, errs)
}

func TestChartErrorReleasesWaiters(t *testing.T) {
	ch := &fakeChart{}
	c := newCoordinator(nil, ch)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		pkgs []*market.SymbolDataPackage
		errs []string
	)
	wg.Add(1)
	c.Request("BADSYM", 14, market.SourceTradingView, collectorCallbacks(&wg, &mu, &pkgs, &errs))
	c.OnChartError("BADSYM", "invalid symbol")
	wg.Wait()

	require.Len(t, errs, 1)
	assert.Equal(t, "SYMBOL_ERROR", errs[0])
}

func TestChartSubscribeFailureFailsWaiters(t *testing.T) {
	ch := &fakeChart{err: errors.New("socket closed")}
	c := newCoordinator(nil, ch)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		pkgs []*market.SymbolDataPackage
		errs []string
	)
	wg.Add(1)
	c.Request("EURUSD", 14, market.SourceTradingView, collectorCallbacks(&wg, &mu, &pkgs, &errs))
	wg.Wait()

	require.Len(t, errs, 1)
	assert.Equal(t, "SUBSCRIBE_FAILED", errs[0])
}

func TestSuccessfulFetchSeedsDerivedServices(t *testing.T) {
	prof := profile.NewService(zerolog.Nop(), nil, nil)
	tw := twap.NewService(zerolog.Nop(), nil, nil)
	f := &fakeFetcher{}
	cfg := Config{
		Fetcher:   f,
		Profile:   prof,
		Twap:      tw,
		RetryBase: time.Millisecond,
		Logger:    zerolog.Nop(),
	}
	c := New(cfg)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		pkgs []*market.SymbolDataPackage
		errs []string
	)
	wg.Add(1)
	c.Request("EURUSD", 14, market.SourceCTrader, collectorCallbacks(&wg, &mu, &pkgs, &errs))
	wg.Wait()

	assert.NotEmpty(t, prof.Snapshot("EURUSD"))
	_, count, ok := tw.Value("EURUSD")
	require.True(t, ok)
	assert.EqualValues(t, 1, count)
}

func TestMissingSourceFailsFast(t *testing.T) {
	c := newCoordinator(nil, nil)

	var code string
	c.Request("EURUSD", 14, market.SourceCTrader, Callbacks{
		OnError: func(cd, _ string) { code = cd },
	})
	assert.Equal(t, "SOURCE_UNAVAILABLE", code)
}
