package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/timmye/neurosensefx-sub013/internal/config"
	"github.com/timmye/neurosensefx-sub013/internal/coordinator"
	"github.com/timmye/neurosensefx-sub013/internal/ctrader"
	"github.com/timmye/neurosensefx-sub013/internal/gateway"
	"github.com/timmye/neurosensefx-sub013/internal/logging"
	"github.com/timmye/neurosensefx-sub013/internal/market"
	"github.com/timmye/neurosensefx-sub013/internal/metrics"
	"github.com/timmye/neurosensefx-sub013/internal/profile"
	"github.com/timmye/neurosensefx-sub013/internal/registry"
	"github.com/timmye/neurosensefx-sub013/internal/relay"
	"github.com/timmye/neurosensefx-sub013/internal/tradingview"
	"github.com/timmye/neurosensefx-sub013/internal/twap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "mdgate: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(nil)
	if err != nil {
		return err
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	cfg.LogConfig(logger)
	metrics.Register()

	rel, err := relay.Connect(cfg.NATSURL, logger)
	if err != nil {
		return fmt.Errorf("relay connect: %w", err)
	}
	defer rel.Close()

	reg := registry.New()
	router := gateway.NewRouter(reg, rel, logger)

	profileSvc := profile.NewService(logger, router.RouteProfileUpdate, router.RouteProfileError)
	twapSvc := twap.NewService(logger, router.RouteTwapUpdate, router.RouteTwapError)

	// Sessions emit into the server, which does not exist yet; the
	// indirection resolves before the first Start.
	var server *gateway.Server
	emit := func(e market.Event) { server.HandleEvent(e) }

	var spot *ctrader.Session
	if cfg.CTraderEnabled() {
		spot = ctrader.New(ctrader.Config{
			Host:             cfg.CTraderHost,
			Port:             cfg.CTraderPort,
			ClientID:         cfg.CTraderClientID,
			ClientSecret:     cfg.CTraderClientSecret,
			AccessToken:      cfg.CTraderAccessToken,
			AccountID:        cfg.CTraderAccountID,
			ReconnectInitial: cfg.ReconnectInitial,
			ReconnectMax:     cfg.ReconnectMax,
			StaleAfter:       cfg.StaleAfter,
		}, logger.With().Str("session", "ctrader").Logger(), emit)
	}

	var chart *tradingview.Session
	if cfg.TradingViewEnabled() {
		chart = tradingview.New(tradingview.Config{
			URL:              cfg.TradingViewURL,
			ReconnectInitial: cfg.ReconnectInitial,
			ReconnectMax:     cfg.ReconnectMax,
			StaleAfter:       cfg.StaleAfter,
		}, logger.With().Str("session", "tradingview").Logger(), emit)
	}

	var fetcher coordinator.Fetcher
	var spotIface gateway.SpotSession
	if spot != nil {
		fetcher = spot
		spotIface = spot
	}
	var chartSub coordinator.ChartSubscriber
	var chartIface gateway.ChartSession
	if chart != nil {
		chartSub = chart
		chartIface = chart
	}

	coord := coordinator.New(coordinator.Config{
		Fetcher:   fetcher,
		Chart:     chartSub,
		Profile:   profileSvc,
		Twap:      twapSvc,
		Retryable: ctrader.IsRetryable,
		Logger:    logger,
	})

	server = gateway.NewServer(gateway.Config{
		MaxConnections:      cfg.MaxConnections,
		DefaultLookbackDays: cfg.DefaultLookbackDays,
	}, logger, reg, router, coord, spotIface, chartIface, profileSvc, twapSvc)

	startSessions(logger, spot, chart)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", server.HandleWS)
	mux.HandleFunc("/health", server.HandleHealth)
	mux.Handle("/metrics", metrics.Handler())

	httpServer := &http.Server{
		Addr:        cfg.Addr,
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("Gateway listening")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("HTTP server shutdown error")
	}
	server.Shutdown()
	if spot != nil {
		spot.Disconnect()
	}
	if chart != nil {
		chart.Disconnect()
	}
	logger.Info().Msg("Gateway stopped")
	return nil
}

// startSessions connects both providers in the background; a failed first
// connect schedules its own reconnect, so startup never blocks on an
// upstream outage.
func startSessions(logger zerolog.Logger, spot *ctrader.Session, chart *tradingview.Session) {
	if spot != nil {
		go func() {
			if err := spot.Start(); err != nil {
				logger.Error().Err(err).Msg("Provider session initial connect failed")
			}
		}()
	}
	if chart != nil {
		go func() {
			if err := chart.Start(); err != nil {
				logger.Error().Err(err).Msg("Chart session initial connect failed")
			}
		}()
	}
}
