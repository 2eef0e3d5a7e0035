// Package relay republishes normalized market events onto NATS subjects
// for internal consumers. The relay is optional: a nil *Relay is a valid
// no-op, so callers never guard their publish sites.
package relay

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/timmye/neurosensefx-sub013/internal/market"
)

const subjectPrefix = "mdgate"

// Relay publishes serialized events to mdgate.<source>.<symbol>.<kind>.
type Relay struct {
	conn   *nats.Conn
	logger zerolog.Logger
}

// Connect dials the NATS server. Returns (nil, nil) when url is empty,
// which disables the relay.
func Connect(url string, logger zerolog.Logger) (*Relay, error) {
	if url == "" {
		return nil, nil
	}
	conn, err := nats.Connect(url,
		nats.Name("mdgate-relay"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS relay disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("NATS relay reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", url, err)
	}
	logger.Info().Str("url", url).Msg("NATS relay connected")
	return &Relay{conn: conn, logger: logger}, nil
}

// Publish sends one serialized event. Publish failures are logged and
// swallowed; the relay must never affect the client fan-out path.
func (r *Relay) Publish(source market.Source, symbol, kind string, data []byte) {
	if r == nil || r.conn == nil {
		return
	}
	subject := fmt.Sprintf("%s.%s.%s.%s", subjectPrefix, source, symbol, kind)
	if err := r.conn.Publish(subject, data); err != nil {
		r.logger.Warn().Err(err).Str("subject", subject).Msg("Relay publish failed")
	}
}

// Close drains the connection so buffered publishes flush before shutdown.
func (r *Relay) Close() {
	if r == nil || r.conn == nil {
		return
	}
	if err := r.conn.Drain(); err != nil {
		r.conn.Close()
	}
}
