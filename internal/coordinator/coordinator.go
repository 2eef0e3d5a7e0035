// Package coordinator serializes bootstrap package fetches: concurrent
// requests for the same (symbol, lookback) coalesce into one upstream
// fetch whose result fans out to every waiter. Transient provider errors
// are retried with exponential backoff behind a circuit breaker.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/timmye/neurosensefx-sub013/internal/market"
	"github.com/timmye/neurosensefx-sub013/internal/profile"
	"github.com/timmye/neurosensefx-sub013/internal/twap"
)

const (
	defaultRetryBase    = 500 * time.Millisecond
	defaultMaxAttempts  = 3
	defaultFetchTimeout = 30 * time.Second
)

// Fetcher performs a synchronous package fetch (provider A).
type Fetcher interface {
	GetSymbolDataPackage(ctx context.Context, symbol string, adrLookbackDays int) (*market.SymbolDataPackage, error)
}

// ChartSubscriber starts an asynchronous bootstrap (provider B); the
// package arrives later as a PackageEvent.
type ChartSubscriber interface {
	Subscribe(symbol string, adrLookbackDays int) error
}

// Callbacks receive the outcome of one package request. Exactly one of
// the two is invoked, never both.
type Callbacks struct {
	OnPackage func(*market.SymbolDataPackage)
	OnError   func(code, message string)
}

type fetchKey struct {
	symbol   string
	lookback int
}

// Config for a Coordinator. Fetcher and ChartSubscriber may each be nil
// when the corresponding provider is disabled.
type Config struct {
	Fetcher      Fetcher
	Chart        ChartSubscriber
	Profile      *profile.Service
	Twap         *twap.Service
	Retryable    func(error) bool
	RetryBase    time.Duration
	MaxAttempts  int
	FetchTimeout time.Duration
	Logger       zerolog.Logger
}

// Coordinator owns all in-flight package fetches.
type Coordinator struct {
	fetcher      Fetcher
	chart        ChartSubscriber
	profile      *profile.Service
	twap         *twap.Service
	retryable    func(error) bool
	retryBase    time.Duration
	maxAttempts  int
	fetchTimeout time.Duration
	logger       zerolog.Logger
	breaker      *gobreaker.CircuitBreaker

	mu           sync.Mutex
	pending      map[fetchKey][]Callbacks
	chartPending map[string][]Callbacks
}

func New(cfg Config) *Coordinator {
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = defaultRetryBase
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = defaultFetchTimeout
	}
	if cfg.Retryable == nil {
		cfg.Retryable = func(error) bool { return false }
	}
	return &Coordinator{
		fetcher:      cfg.Fetcher,
		chart:        cfg.Chart,
		profile:      cfg.Profile,
		twap:         cfg.Twap,
		retryable:    cfg.Retryable,
		retryBase:    cfg.RetryBase,
		maxAttempts:  cfg.MaxAttempts,
		fetchTimeout: cfg.FetchTimeout,
		logger:       cfg.Logger,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name: "package-fetch",
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		pending:      make(map[fetchKey][]Callbacks),
		chartPending: make(map[string][]Callbacks),
	}
}

// Request resolves a bootstrap package for symbol from the given source.
// Requests already in flight for the same key gain a waiter instead of a
// second upstream fetch.
func (c *Coordinator) Request(symbol string, adrLookbackDays int, source market.Source, cb Callbacks) {
	switch source {
	case market.SourceTradingView:
		c.requestChart(symbol, adrLookbackDays, cb)
	default:
		c.requestFetch(symbol, adrLookbackDays, cb)
	}
}

func (c *Coordinator) requestFetch(symbol string, lookback int, cb Callbacks) {
	if c.fetcher == nil {
		c.fail(cb, "SOURCE_UNAVAILABLE", "provider session is not configured")
		return
	}
	k := fetchKey{symbol: symbol, lookback: lookback}
	c.mu.Lock()
	waiters := c.pending[k]
	c.pending[k] = append(waiters, cb)
	first := len(waiters) == 0
	c.mu.Unlock()

	if first {
		go c.fetchLoop(k)
	} else {
		c.logger.Debug().Str("symbol", symbol).Msg("Package fetch coalesced onto in-flight request")
	}
}

func (c *Coordinator) fetchLoop(k fetchKey) {
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			time.Sleep(c.retryBase << (attempt - 2))
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.fetchTimeout)
		res, err := c.breaker.Execute(func() (interface{}, error) {
			return c.fetcher.GetSymbolDataPackage(ctx, k.symbol, k.lookback)
		})
		cancel()
		if err == nil {
			c.resolveFetch(k, res.(*market.SymbolDataPackage))
			return
		}
		lastErr = err
		if !c.retryable(err) {
			break
		}
		c.logger.Warn().
			Err(err).
			Str("symbol", k.symbol).
			Int("attempt", attempt).
			Msg("Package fetch failed, retrying")
	}

	c.logger.Error().Err(lastErr).Str("symbol", k.symbol).Msg("Package fetch failed")
	c.mu.Lock()
	waiters := c.pending[k]
	delete(c.pending, k)
	c.mu.Unlock()
	for _, cb := range waiters {
		c.fail(cb, "FETCH_FAILED", lastErr.Error())
	}
}

func (c *Coordinator) resolveFetch(k fetchKey, pkg *market.SymbolDataPackage) {
	c.initServices(pkg)
	c.mu.Lock()
	waiters := c.pending[k]
	delete(c.pending, k)
	c.mu.Unlock()
	c.logger.Info().
		Str("symbol", k.symbol).
		Int("waiters", len(waiters)).
		Msg("Bootstrap package resolved")
	for _, cb := range waiters {
		if cb.OnPackage != nil {
			cb.OnPackage(pkg)
		}
	}
}

func (c *Coordinator) requestChart(symbol string, lookback int, cb Callbacks) {
	if c.chart == nil {
		c.fail(cb, "SOURCE_UNAVAILABLE", "chart session is not configured")
		return
	}
	c.mu.Lock()
	waiters := c.chartPending[symbol]
	c.chartPending[symbol] = append(waiters, cb)
	first := len(waiters) == 0
	c.mu.Unlock()
	if !first {
		return
	}
	if err := c.chart.Subscribe(symbol, lookback); err != nil {
		c.logger.Error().Err(err).Str("symbol", symbol).Msg("Chart subscribe failed")
		c.mu.Lock()
		failed := c.chartPending[symbol]
		delete(c.chartPending, symbol)
		c.mu.Unlock()
		for _, w := range failed {
			c.fail(w, "SUBSCRIBE_FAILED", err.Error())
		}
	}
}

// OnChartPackage is invoked by the event dispatcher when provider B
// finishes a bootstrap. Derived services are (re)initialized even when no
// waiter is left, which keeps reconnect re-bootstraps coherent.
func (c *Coordinator) OnChartPackage(pkg *market.SymbolDataPackage) {
	c.initServices(pkg)
	c.mu.Lock()
	waiters := c.chartPending[pkg.Symbol]
	delete(c.chartPending, pkg.Symbol)
	c.mu.Unlock()
	for _, cb := range waiters {
		if cb.OnPackage != nil {
			cb.OnPackage(pkg)
		}
	}
}

// OnChartError releases waiters when provider B reports a symbol failure
// (unknown symbol, empty series, bootstrap timeout).
func (c *Coordinator) OnChartError(symbol, message string) {
	c.mu.Lock()
	waiters := c.chartPending[symbol]
	delete(c.chartPending, symbol)
	c.mu.Unlock()
	for _, cb := range waiters {
		c.fail(cb, "SYMBOL_ERROR", message)
	}
}

// initServices seeds the derived-data services from a fresh package. Runs
// before waiters are notified so the first profile snapshot a client asks
// for already reflects the bootstrap.
func (c *Coordinator) initServices(pkg *market.SymbolDataPackage) {
	if c.profile != nil {
		c.profile.InitializeFromHistory(pkg.Symbol, pkg.InitialMarketProfile, pkg.BucketSize, pkg.Source)
	}
	if c.twap != nil {
		c.twap.InitializeFromHistory(pkg.Symbol, pkg.InitialMarketProfile, pkg.Source)
	}
}

func (c *Coordinator) fail(cb Callbacks, code, message string) {
	if cb.OnError != nil {
		cb.OnError(code, message)
	}
}
