package gateway

import (
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/timmye/neurosensefx-sub013/internal/market"
	"github.com/timmye/neurosensefx-sub013/internal/metrics"
	"github.com/timmye/neurosensefx-sub013/internal/profile"
	"github.com/timmye/neurosensefx-sub013/internal/registry"
	"github.com/timmye/neurosensefx-sub013/internal/relay"
	"github.com/timmye/neurosensefx-sub013/internal/twap"
)

var bothSources = []market.Source{market.SourceCTrader, market.SourceTradingView}

// Router turns normalized events into wire messages and fans them out.
// Stateless: each message is serialized once per audience, then enqueued
// on every subscriber; a failed enqueue is dropped here and accounted for
// by the client's strike counter.
type Router struct {
	registry *registry.Registry
	relay    *relay.Relay
	logger   zerolog.Logger
}

func NewRouter(reg *registry.Registry, rel *relay.Relay, logger zerolog.Logger) *Router {
	return &Router{registry: reg, relay: rel, logger: logger}
}

// RouteTick fans one tick out to the (symbol, source) audience. Provider A
// ticks carry bid/ask, provider B ticks carry last price only.
func (r *Router) RouteTick(t market.Tick) {
	var (
		data []byte
		err  error
	)
	if t.Source == market.SourceTradingView {
		data, err = json.Marshal(priceTickMessage{
			Type:      "tick",
			Source:    t.Source,
			Symbol:    t.Symbol,
			Price:     t.Price,
			Current:   t.Price,
			Timestamp: t.Timestamp,
		})
	} else {
		msg := quoteTickMessage{
			Type:      "tick",
			Source:    t.Source,
			Symbol:    t.Symbol,
			Bid:       t.Bid,
			Ask:       t.Ask,
			Timestamp: t.Timestamp,
		}
		if t.HasPipInfo {
			msg.PipPosition = intptr(t.PipPosition)
			msg.PipSize = f64ptr(t.PipSize)
			msg.PipetteSize = f64ptr(t.PipetteSize)
		}
		data, err = json.Marshal(msg)
	}
	if err != nil {
		r.logger.Error().Err(err).Str("symbol", t.Symbol).Msg("Tick serialization failed")
		return
	}
	metrics.TickRouted(string(t.Source))
	r.broadcast(t.Symbol, t.Source, data, "tick")
	r.relay.Publish(t.Source, t.Symbol, "tick", data)
}

// RouteBar republishes a live minute bar on the relay. Clients receive bar
// effects through profile and TWAP updates, not raw bars.
func (r *Router) RouteBar(b market.M1Bar) {
	metrics.BarRouted(string(b.Source))
	data, err := json.Marshal(b)
	if err != nil {
		return
	}
	r.relay.Publish(b.Source, b.Symbol, "bar", data)
}

// RouteProfileUpdate goes to both source variants of the symbol; the
// profile does not track which source fed it.
func (r *Router) RouteProfileUpdate(u profile.Update) {
	data, err := json.Marshal(newProfileUpdateMessage(u))
	if err != nil {
		r.logger.Error().Err(err).Str("symbol", u.Symbol).Msg("Profile update serialization failed")
		return
	}
	for _, source := range bothSources {
		r.broadcast(u.Symbol, source, data, "profileUpdate")
	}
	r.relay.Publish(u.Source, u.Symbol, "profile", data)
}

func (r *Router) RouteTwapUpdate(u twap.Update) {
	data, err := json.Marshal(newTwapUpdateMessage(u))
	if err != nil {
		r.logger.Error().Err(err).Str("symbol", u.Symbol).Msg("TWAP update serialization failed")
		return
	}
	for _, source := range bothSources {
		r.broadcast(u.Symbol, source, data, "twapUpdate")
	}
	r.relay.Publish(u.Source, u.Symbol, "twap", data)
}

func (r *Router) RouteProfileError(e profile.Error) {
	data, err := json.Marshal(profileErrorMessage{
		Type:    "profileError",
		Symbol:  e.Symbol,
		Error:   e.Code,
		Message: e.Message,
	})
	if err != nil {
		return
	}
	for _, source := range bothSources {
		r.broadcast(e.Symbol, source, data, "profileError")
	}
}

func (r *Router) RouteTwapError(e twap.Error) {
	data, err := json.Marshal(errorMessage{
		Type:    "error",
		Symbol:  e.Symbol,
		Code:    e.Code,
		Message: e.Message,
	})
	if err != nil {
		return
	}
	for _, source := range bothSources {
		r.broadcast(e.Symbol, source, data, "error")
	}
}

// RouteSymbolError notifies only the affected symbol's subscribers on the
// failing source; other symbols are untouched.
func (r *Router) RouteSymbolError(e market.SymbolErrorEvent) {
	data, err := json.Marshal(errorMessage{
		Type:    "error",
		Symbol:  e.Symbol,
		Message: e.Message,
	})
	if err != nil {
		return
	}
	r.broadcast(e.Symbol, e.Source, data, "error")
}

func (r *Router) broadcast(symbol string, source market.Source, data []byte, kind string) {
	for _, sub := range r.registry.Get(symbol, source) {
		if sub.Enqueue(data) {
			metrics.MessageSent(len(data))
		} else {
			metrics.MessageDropped(kind)
			r.logger.Debug().
				Str("client_id", sub.ID()).
				Str("symbol", symbol).
				Str("kind", kind).
				Msg("Dropped message for slow client")
		}
	}
}
