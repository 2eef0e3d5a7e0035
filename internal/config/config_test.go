package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Addr:                ":8080",
		MaxConnections:      500,
		DefaultLookbackDays: 14,
		CTraderHost:         "live.ctraderapi.com",
		CTraderPort:         5036,
		ReconnectInitial:    time.Second,
		ReconnectMax:        30 * time.Second,
		StaleAfter:          30 * time.Second,
		LogLevel:            "info",
		LogFormat:           "json",
		Environment:         "test",
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	require.NoError(t, validConfig().Validate())
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]func(*Config){
		"empty addr":           func(c *Config) { c.Addr = "" },
		"zero connections":     func(c *Config) { c.MaxConnections = 0 },
		"zero lookback":        func(c *Config) { c.DefaultLookbackDays = 0 },
		"bad log level":        func(c *Config) { c.LogLevel = "verbose" },
		"bad log format":       func(c *Config) { c.LogFormat = "xml" },
		"inverted backoff":     func(c *Config) { c.ReconnectMax = c.ReconnectInitial / 2 },
		"zero initial backoff": func(c *Config) { c.ReconnectInitial = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := validConfig()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestCTraderRequiresAccountWhenCredentialed(t *testing.T) {
	cfg := validConfig()
	cfg.CTraderClientID = "id"
	cfg.CTraderClientSecret = "secret"
	cfg.CTraderAccessToken = "token"
	assert.Error(t, cfg.Validate())

	cfg.CTraderAccountID = 12345
	assert.NoError(t, cfg.Validate())
}

func TestCTraderDisabledWithoutCredentials(t *testing.T) {
	cfg := validConfig()
	assert.False(t, cfg.CTraderEnabled())

	cfg.CTraderClientID = "id"
	assert.False(t, cfg.CTraderEnabled(), "partial credentials must not enable the session")
}

func TestTradingViewOffSwitch(t *testing.T) {
	cfg := validConfig()
	assert.True(t, cfg.TradingViewEnabled())
	cfg.TradingViewURL = "off"
	assert.False(t, cfg.TradingViewEnabled())
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, 500, cfg.MaxConnections)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 5036, cfg.CTraderPort)
	assert.Equal(t, time.Second, cfg.ReconnectInitial)
	assert.Equal(t, 60*time.Second, cfg.ReconnectMax)
	assert.Equal(t, 60*time.Second, cfg.StaleAfter)
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("MDGATE_ADDR", ":9999")
	t.Setenv("MDGATE_MAX_CONNECTIONS", "25")
	t.Setenv("LOG_FORMAT", "pretty")
	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Addr)
	assert.Equal(t, 25, cfg.MaxConnections)
	assert.Equal(t, "pretty", cfg.LogFormat)
}
