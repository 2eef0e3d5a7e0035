// Package config loads runtime configuration from the environment, with
// an optional .env file for development convenience.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all gateway configuration.
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	Addr string `env:"MDGATE_ADDR" envDefault:":8080"`

	// Capacity
	MaxConnections      int `env:"MDGATE_MAX_CONNECTIONS" envDefault:"500"`
	DefaultLookbackDays int `env:"MDGATE_DEFAULT_LOOKBACK_DAYS" envDefault:"14"`

	// Provider A (cTrader OpenAPI). The session is disabled when the
	// credentials are empty.
	CTraderHost         string `env:"CTRADER_HOST" envDefault:"live.ctraderapi.com"`
	CTraderPort         int    `env:"CTRADER_PORT" envDefault:"5036"`
	CTraderClientID     string `env:"CTRADER_CLIENT_ID"`
	CTraderClientSecret string `env:"CTRADER_CLIENT_SECRET"`
	CTraderAccessToken  string `env:"CTRADER_ACCESS_TOKEN"`
	CTraderAccountID    int64  `env:"CTRADER_ACCOUNT_ID"`

	// Provider B (TradingView). Empty URL uses the default endpoint;
	// "off" disables the session.
	TradingViewURL string `env:"TRADINGVIEW_URL"`

	// Optional NATS relay. Empty disables publishing.
	NATSURL string `env:"NATS_URL"`

	// Upstream resilience
	ReconnectInitial time.Duration `env:"MDGATE_RECONNECT_INITIAL" envDefault:"1s"`
	ReconnectMax     time.Duration `env:"MDGATE_RECONNECT_MAX" envDefault:"60s"`
	StaleAfter       time.Duration `env:"MDGATE_STALE_AFTER" envDefault:"60s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Environment
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from .env file and environment variables.
// Priority: ENV vars > .env file > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("MDGATE_ADDR is required")
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("MDGATE_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.DefaultLookbackDays < 1 {
		return fmt.Errorf("MDGATE_DEFAULT_LOOKBACK_DAYS must be > 0, got %d", c.DefaultLookbackDays)
	}
	if c.CTraderEnabled() {
		if c.CTraderPort < 1 || c.CTraderPort > 65535 {
			return fmt.Errorf("CTRADER_PORT must be 1-65535, got %d", c.CTraderPort)
		}
		if c.CTraderAccountID <= 0 {
			return fmt.Errorf("CTRADER_ACCOUNT_ID is required when cTrader credentials are set")
		}
	}
	if c.ReconnectInitial <= 0 || c.ReconnectMax < c.ReconnectInitial {
		return fmt.Errorf("reconnect backoff bounds are invalid: initial=%s max=%s",
			c.ReconnectInitial, c.ReconnectMax)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}
	return nil
}

// CTraderEnabled reports whether provider A credentials are configured.
func (c *Config) CTraderEnabled() bool {
	return c.CTraderClientID != "" && c.CTraderClientSecret != "" && c.CTraderAccessToken != ""
}

// TradingViewEnabled reports whether provider B is active.
func (c *Config) TradingViewEnabled() bool {
	return c.TradingViewURL != "off"
}

// LogConfig logs configuration using structured logging. Secrets are
// reported as booleans only.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Int("max_connections", c.MaxConnections).
		Int("default_lookback_days", c.DefaultLookbackDays).
		Bool("ctrader_enabled", c.CTraderEnabled()).
		Str("ctrader_host", c.CTraderHost).
		Int("ctrader_port", c.CTraderPort).
		Bool("tradingview_enabled", c.TradingViewEnabled()).
		Bool("nats_enabled", c.NATSURL != "").
		Dur("reconnect_initial", c.ReconnectInitial).
		Dur("reconnect_max", c.ReconnectMax).
		Dur("stale_after", c.StaleAfter).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Gateway configuration loaded")
}
