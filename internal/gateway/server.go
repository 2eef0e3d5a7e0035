// Package gateway is the downstream websocket surface: it upgrades client
// connections, dispatches their requests to the coordinator and registry,
// and fans normalized upstream events out through the router.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/timmye/neurosensefx-sub013/internal/coordinator"
	"github.com/timmye/neurosensefx-sub013/internal/market"
	"github.com/timmye/neurosensefx-sub013/internal/metrics"
	"github.com/timmye/neurosensefx-sub013/internal/profile"
	"github.com/timmye/neurosensefx-sub013/internal/registry"
	"github.com/timmye/neurosensefx-sub013/internal/twap"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 5 * time.Second

	// Time allowed to read the next message from the peer.
	pongWait = 30 * time.Second

	// Send pings with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	defaultLookbackDays = 14

	upstreamOpTimeout = 30 * time.Second
)

// SpotSession is the provider A control surface the gateway needs.
type SpotSession interface {
	State() market.SessionState
	HasSymbol(symbol string) bool
	AvailableSymbols() []string
	Subscribe(ctx context.Context, symbol string) error
	Unsubscribe(ctx context.Context, symbol string) error
	Reconnect() error
}

// ChartSession is the provider B control surface. Subscribing goes through
// the coordinator; the gateway only unsubscribes and reinits.
type ChartSession interface {
	State() market.SessionState
	Unsubscribe(symbol string) error
	Reconnect() error
}

// Config for the Server.
type Config struct {
	MaxConnections      int
	DefaultLookbackDays int
}

// Server owns all downstream clients.
type Server struct {
	cfg        Config
	logger     zerolog.Logger
	registry   *registry.Registry
	router     *Router
	coord      *coordinator.Coordinator
	spot       SpotSession
	chart      ChartSession
	profileSvc *profile.Service
	twapSvc    *twap.Service

	sem chan struct{}

	mu      sync.Mutex
	clients map[*Client]struct{}
}

func NewServer(
	cfg Config,
	logger zerolog.Logger,
	reg *registry.Registry,
	router *Router,
	coord *coordinator.Coordinator,
	spot SpotSession,
	chart ChartSession,
	profileSvc *profile.Service,
	twapSvc *twap.Service,
) *Server {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 500
	}
	if cfg.DefaultLookbackDays <= 0 {
		cfg.DefaultLookbackDays = defaultLookbackDays
	}
	return &Server{
		cfg:        cfg,
		logger:     logger,
		registry:   reg,
		router:     router,
		coord:      coord,
		spot:       spot,
		chart:      chart,
		profileSvc: profileSvc,
		twapSvc:    twapSvc,
		sem:        make(chan struct{}, cfg.MaxConnections),
		clients:    make(map[*Client]struct{}),
	}
}

// HandleEvent receives every normalized upstream event. Must not block:
// everything downstream of here is bounded queues.
func (s *Server) HandleEvent(e market.Event) {
	switch ev := e.(type) {
	case market.TickEvent:
		s.router.RouteTick(ev.Tick)
	case market.M1BarEvent:
		if s.registry.MarkBarStream(ev.Bar.Symbol, ev.Bar.Source) {
			s.logger.Info().
				Str("symbol", ev.Bar.Symbol).
				Str("source", string(ev.Bar.Source)).
				Msg("Live bar stream started")
		}
		s.profileSvc.OnM1Bar(ev.Bar)
		s.twapSvc.OnM1Bar(ev.Bar)
		s.router.RouteBar(ev.Bar)
	case market.PackageEvent:
		s.coord.OnChartPackage(ev.Package)
	case market.StatusEvent:
		metrics.UpstreamState(string(ev.Source), int(ev.State))
		s.broadcastStatus(ev)
	case market.SymbolErrorEvent:
		s.coord.OnChartError(ev.Symbol, ev.Message)
		s.router.RouteSymbolError(ev)
	}
}

// HandleWS upgrades one client connection.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	select {
	case s.sem <- struct{}{}:
	default:
		metrics.ClientRejected()
		s.logger.Warn().
			Str("remote_addr", r.RemoteAddr).
			Int("max_connections", s.cfg.MaxConnections).
			Msg("Connection rejected, server at capacity")
		http.Error(w, "Server at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		<-s.sem
		s.logger.Error().Err(err).Str("remote_addr", r.RemoteAddr).Msg("Websocket upgrade failed")
		return
	}

	c := newClient(conn, s)
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	s.registry.Register(c)
	metrics.ClientConnected()
	s.logger.Info().Str("client_id", c.id).Str("remote_addr", r.RemoteAddr).Msg("Client connected")

	s.sendInitialStatus(c)
	go s.writePump(c)
	go s.readPump(c)
}

// sendInitialStatus sends the current status snapshot, plus ready when the
// primary session is up.
func (s *Server) sendInitialStatus(c *Client) {
	symbols := s.availableSymbols()
	status := s.currentStatus()
	s.enqueueJSON(c, statusMessage{Type: "status", Status: status, AvailableSymbols: symbols})
	if status == "connected" {
		s.enqueueJSON(c, readyMessage{Type: "ready", AvailableSymbols: symbols})
	}
}

func (s *Server) currentStatus() string {
	if s.spot == nil {
		if s.chart == nil {
			return "disconnected"
		}
		return statusString(s.chart.State())
	}
	return statusString(s.spot.State())
}

func statusString(state market.SessionState) string {
	switch state {
	case market.StateConnected:
		return "connected"
	case market.StateConnecting, market.StateAuthenticating, market.StateReconnecting:
		return "ctrader-connecting"
	case market.StateDegraded:
		return "error"
	default:
		return "disconnected"
	}
}

func (s *Server) availableSymbols() []string {
	if s.spot == nil {
		return []string{}
	}
	symbols := s.spot.AvailableSymbols()
	if symbols == nil {
		symbols = []string{}
	}
	return symbols
}

func (s *Server) readPump(c *Client) {
	defer s.disconnectClient(c, "read_error")

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	for {
		msg, op, err := wsutil.ReadClientData(c.conn)
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		metrics.MessageReceived(len(msg))

		switch op {
		case ws.OpText:
			if !c.limiter.Allow() {
				metrics.RateLimited()
				s.logger.Warn().Str("client_id", c.id).Msg("Client rate limited")
				s.enqueueJSON(c, errorMessage{
					Type:    "error",
					Code:    "RATE_LIMIT_EXCEEDED",
					Message: "Too many messages, please slow down",
				})
				continue
			}
			s.dispatch(c, msg)
		case ws.OpClose:
			return
		}
	}
}

func (s *Server) writePump(c *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConn()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				wsutil.WriteServerMessage(c.conn, ws.OpClose, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpText, message); err != nil {
				s.logger.Debug().Str("client_id", c.id).Err(err).Msg("Client write failed")
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpPing, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) dispatch(c *Client, raw []byte) {
	var m clientMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		s.sendError(c, "", "malformed JSON message")
		return
	}
	switch m.Type {
	case "get_symbol_data_package":
		if m.Symbol == "" {
			s.sendError(c, "", "symbol is required")
			return
		}
		lookback := m.ADRLookbackDays
		if lookback <= 0 {
			lookback = s.cfg.DefaultLookbackDays
		}
		s.requestPackage(c, m.Symbol, lookback)
	case "subscribe":
		if len(m.Symbols) == 0 {
			s.sendError(c, "", "symbols is required")
			return
		}
		s.requestPackage(c, m.Symbols[0], s.cfg.DefaultLookbackDays)
	case "unsubscribe":
		for _, symbol := range m.Symbols {
			s.unsubscribe(c, symbol)
		}
	case "reinit":
		s.reinit(c, m.Source)
	default:
		s.logger.Warn().
			Str("client_id", c.id).
			Str("type", m.Type).
			Msg("Ignoring unknown message type")
	}
}

// requestPackage resolves the bootstrap through the coordinator. The
// package is enqueued before the client joins the fan-out set, so no live
// tick can precede it.
func (s *Server) requestPackage(c *Client, symbol string, lookback int) {
	source := s.routeSource(symbol)
	s.coord.Request(symbol, lookback, source, coordinator.Callbacks{
		OnPackage: func(pkg *market.SymbolDataPackage) {
			s.deliverPackage(c, pkg)
		},
		OnError: func(code, message string) {
			s.logger.Warn().
				Str("client_id", c.id).
				Str("symbol", symbol).
				Str("code", code).
				Str("error", message).
				Msg("Package request failed")
			s.enqueueJSON(c, errorMessage{Type: "error", Symbol: symbol, Code: code, Message: message})
		},
	})
}

// routeSource picks provider A when its catalog knows the symbol, falling
// back to provider B for everything else.
func (s *Server) routeSource(symbol string) market.Source {
	if s.spot != nil && s.spot.HasSymbol(symbol) {
		return market.SourceCTrader
	}
	if s.chart != nil {
		return market.SourceTradingView
	}
	return market.SourceCTrader
}

func (s *Server) deliverPackage(c *Client, pkg *market.SymbolDataPackage) {
	data, err := json.Marshal(newPackageMessage(pkg))
	if err != nil {
		s.logger.Error().Err(err).Str("symbol", pkg.Symbol).Msg("Package serialization failed")
		return
	}
	if !c.Enqueue(data) {
		s.logger.Warn().Str("client_id", c.id).Str("symbol", pkg.Symbol).Msg("Client buffer full, package dropped")
		return
	}
	metrics.MessageSent(len(data))
	metrics.PackageResolved(string(pkg.Source))

	first := s.registry.Add(c, pkg.Symbol, pkg.Source)
	if first && pkg.Source == market.SourceCTrader && s.spot != nil {
		symbol := pkg.Symbol
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), upstreamOpTimeout)
			defer cancel()
			if err := s.spot.Subscribe(ctx, symbol); err != nil {
				s.logger.Error().Err(err).Str("symbol", symbol).Msg("Upstream subscribe failed")
				s.enqueueJSON(c, errorMessage{Type: "error", Symbol: symbol, Message: "upstream subscribe failed"})
			}
		}()
	}
}

func (s *Server) unsubscribe(c *Client, symbol string) {
	for _, key := range s.registry.Remove(c, symbol) {
		s.unsubscribeUpstream(key)
	}
}

func (s *Server) unsubscribeUpstream(key registry.Key) {
	s.registry.ClearBarStream(key.Symbol, key.Source)
	switch key.Source {
	case market.SourceCTrader:
		if s.spot == nil {
			return
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), upstreamOpTimeout)
			defer cancel()
			if err := s.spot.Unsubscribe(ctx, key.Symbol); err != nil {
				s.logger.Warn().Err(err).Str("symbol", key.Symbol).Msg("Upstream unsubscribe failed")
			}
		}()
	case market.SourceTradingView:
		if s.chart == nil {
			return
		}
		go func() {
			if err := s.chart.Unsubscribe(key.Symbol); err != nil {
				s.logger.Warn().Err(err).Str("symbol", key.Symbol).Msg("Chart unsubscribe failed")
			}
		}()
	}
}

func (s *Server) reinit(c *Client, source string) {
	if source == "" {
		source = "all"
	}
	switch source {
	case "ctrader", "tradingview", "all":
	default:
		s.sendError(c, "", "unknown reinit source")
		return
	}

	if (source == "ctrader" || source == "all") && s.spot != nil {
		metrics.UpstreamReconnect("ctrader")
		go func() {
			if err := s.spot.Reconnect(); err != nil {
				s.logger.Error().Err(err).Msg("Provider reinit failed")
			}
		}()
	}
	if (source == "tradingview" || source == "all") && s.chart != nil {
		metrics.UpstreamReconnect("tradingview")
		go func() {
			if err := s.chart.Reconnect(); err != nil {
				s.logger.Error().Err(err).Msg("Chart reinit failed")
			}
		}()
	}
	s.logger.Info().Str("client_id", c.id).Str("source", source).Msg("Reinit requested")
	s.enqueueJSON(c, reinitStartedMessage{
		Type:      "reinit_started",
		Source:    source,
		Timestamp: time.Now().UnixMilli(),
	})
}

// broadcastStatus goes to every connected client, not just subscribers.
func (s *Server) broadcastStatus(ev market.StatusEvent) {
	message := ev.Message
	if ev.Stale {
		message = "stale"
	} else if ev.Resumed {
		message = "tick_resumed"
	}
	data, err := json.Marshal(statusMessage{
		Type:             "status",
		Status:           s.currentStatus(),
		AvailableSymbols: s.availableSymbols(),
		Message:          message,
	})
	if err != nil {
		return
	}

	s.mu.Lock()
	clients := make([]*Client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		if c.Enqueue(data) {
			metrics.MessageSent(len(data))
		} else {
			metrics.MessageDropped("status")
		}
	}
}

func (s *Server) disconnectClient(c *Client, reason string) {
	s.mu.Lock()
	if _, ok := s.clients[c]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.clients, c)
	s.mu.Unlock()

	c.closeConn()
	for _, key := range s.registry.RemoveClient(c) {
		s.unsubscribeUpstream(key)
	}
	metrics.ClientDisconnected()
	if reason == "slow_client" {
		metrics.SlowClientDisconnected()
	}
	<-s.sem
	s.logger.Info().
		Str("client_id", c.id).
		Str("reason", reason).
		Dur("connection_duration", time.Since(c.connectedAt)).
		Msg("Client disconnected")
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// HandleHealth reports overall health: session states, client count and
// process resource usage.
func (s *Server) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := struct {
		Status      string            `json:"status"`
		Connections int               `json:"connections"`
		Sessions    map[string]string `json:"sessions"`
		Goroutines  int               `json:"goroutines"`
		MemoryMB    float64           `json:"memoryMb"`
		SystemMemPc float64           `json:"systemMemoryPercent"`
	}{
		Status:      "degraded",
		Connections: s.ClientCount(),
		Sessions:    make(map[string]string),
		Goroutines:  runtime.NumGoroutine(),
	}
	if s.spot != nil {
		resp.Sessions["ctrader"] = s.spot.State().String()
		if s.spot.State() == market.StateConnected {
			resp.Status = "ok"
		}
	}
	if s.chart != nil {
		resp.Sessions["tradingview"] = s.chart.State().String()
		if s.chart.State() == market.StateConnected {
			resp.Status = "ok"
		}
	}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if memInfo, err := proc.MemoryInfo(); err == nil {
			resp.MemoryMB = float64(memInfo.RSS) / 1024 / 1024
		}
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		resp.SystemMemPc = vm.UsedPercent
	}

	w.Header().Set("Content-Type", "application/json")
	if resp.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(resp)
}

// Shutdown closes every client connection. The HTTP server drain is the
// caller's concern.
func (s *Server) Shutdown() {
	s.mu.Lock()
	clients := make([]*Client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clients = make(map[*Client]struct{})
	s.mu.Unlock()

	for _, c := range clients {
		c.closeConn()
	}
	s.logger.Info().Int("clients", len(clients)).Msg("Gateway shut down")
}

func (s *Server) enqueueJSON(c *Client, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error().Err(err).Msg("Message serialization failed")
		return
	}
	if c.Enqueue(data) {
		metrics.MessageSent(len(data))
	}
}

func (s *Server) sendError(c *Client, symbol, message string) {
	s.enqueueJSON(c, errorMessage{Type: "error", Symbol: symbol, Message: message})
}
