// Package ctrader maintains the provider A session: a TLS TCP connection
// carrying length-prefixed JSON frames. It authenticates, loads the symbol
// catalog, subscribes to spot streams and serves historical trendbar
// requests, emitting normalized events upward.
package ctrader

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/timmye/neurosensefx-sub013/internal/codec"
	"github.com/timmye/neurosensefx-sub013/internal/health"
	"github.com/timmye/neurosensefx-sub013/internal/market"
	"github.com/timmye/neurosensefx-sub013/internal/reconnect"
)

const (
	defaultRequestTimeout    = 30 * time.Second
	defaultHeartbeatInterval = 10 * time.Second
	writeTimeout             = 10 * time.Second
	dialTimeout              = 15 * time.Second
	readBufferSize           = 4096
)

var (
	ErrNotConnected   = errors.New("session not connected")
	ErrConnectionLost = errors.New("connection lost while waiting for response")
	ErrTimeout        = errors.New("request timed out")
	ErrUnknownSymbol  = errors.New("symbol not in provider catalog")
)

// ServerError is an application-level error response from the provider.
type ServerError struct {
	Code        string
	Description string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("provider error %s: %s", e.Code, e.Description)
}

// IsRetryable reports whether err is a provider error that a short backoff
// can clear (rate limiting, temporarily blocked payload types).
func IsRetryable(err error) bool {
	var se *ServerError
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code {
	case "REQUEST_FREQUENCY_EXCEEDED", "BLOCKED_PAYLOAD_TYPE":
		return true
	}
	return false
}

// Dialer opens the transport connection. Overridable in tests.
type Dialer func(addr string) (net.Conn, error)

func defaultDialer(addr string) (net.Conn, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	d := &net.Dialer{Timeout: dialTimeout}
	return tls.DialWithDialer(d, "tcp", addr, &tls.Config{ServerName: host})
}

// Config for the provider A session.
type Config struct {
	Host              string
	Port              int
	ClientID          string
	ClientSecret      string
	AccessToken       string
	AccountID         int64
	RequestTimeout    time.Duration
	HeartbeatInterval time.Duration
	ReconnectInitial  time.Duration
	ReconnectMax      time.Duration
	StaleAfter        time.Duration
	StaleInterval     time.Duration
}

// Session is the long-lived provider A connection. All exported methods
// are safe for concurrent use.
type Session struct {
	cfg    Config
	logger zerolog.Logger
	emit   market.EmitFunc
	dialer Dialer

	health *health.Monitor
	reconn *reconnect.Manager

	mu              sync.Mutex
	state           market.SessionState
	conn            net.Conn
	connGen         uint64 // bumped on every connect/teardown so stale read loops no-op
	shouldReconnect bool
	stopHeartbeat   chan struct{}
	pending         map[string]chan *wireFrame
	symbolIDs       map[string]int64
	symbolNames     map[int64]string
	details         map[int64]market.SymbolInfo
	fetching        map[int64]bool
	subscribed      map[int64]struct{}

	writeMu sync.Mutex
}

func New(cfg Config, logger zerolog.Logger, emit market.EmitFunc) *Session {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	s := &Session{
		cfg:         cfg,
		logger:      logger,
		emit:        emit,
		dialer:      defaultDialer,
		pending:     make(map[string]chan *wireFrame),
		symbolIDs:   make(map[string]int64),
		symbolNames: make(map[int64]string),
		details:     make(map[int64]market.SymbolInfo),
		fetching:    make(map[int64]bool),
		subscribed:  make(map[int64]struct{}),
	}
	s.reconn = reconnect.NewManager(cfg.ReconnectInitial, cfg.ReconnectMax, logger)
	s.health = health.NewMonitor(health.Config{
		StaleAfter:    cfg.StaleAfter,
		CheckInterval: cfg.StaleInterval,
		Logger:        logger,
		OnStale: func() {
			emit(market.StatusEvent{Source: market.SourceCTrader, State: s.State(), Stale: true, Message: "no ticks received"})
		},
		OnResumed: func() {
			emit(market.StatusEvent{Source: market.SourceCTrader, State: s.State(), Resumed: true, Message: "ticks resumed"})
		},
	})
	return s
}

// Start opens the session. A failed first connect is returned to the
// caller but a reconnect is already scheduled, so Start never needs to be
// retried by hand.
func (s *Session) Start() error {
	s.mu.Lock()
	s.shouldReconnect = true
	s.mu.Unlock()
	return s.connect()
}

// State returns the current lifecycle state.
func (s *Session) State() market.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// HasSymbol reports whether the provider's catalog lists symbol.
func (s *Session) HasSymbol(symbol string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.symbolIDs[strings.ToUpper(symbol)]
	return ok
}

// AvailableSymbols returns the catalog's symbol names, sorted.
func (s *Session) AvailableSymbols() []string {
	s.mu.Lock()
	names := make([]string, 0, len(s.symbolIDs))
	for name := range s.symbolIDs {
		names = append(names, name)
	}
	s.mu.Unlock()
	sort.Strings(names)
	return names
}

// Subscribe starts the spot stream for symbol. Already-subscribed symbols
// are a no-op.
func (s *Session) Subscribe(ctx context.Context, symbol string) error {
	id, err := s.symbolID(symbol)
	if err != nil {
		return err
	}
	s.mu.Lock()
	_, already := s.subscribed[id]
	s.mu.Unlock()
	if already {
		return nil
	}
	if _, err := s.request(ctx, ptSubscribeSpotsReq, spotsReq{AccountID: s.cfg.AccountID, SymbolID: []int64{id}}); err != nil {
		return fmt.Errorf("subscribe spots %s: %w", symbol, err)
	}
	s.mu.Lock()
	s.subscribed[id] = struct{}{}
	s.mu.Unlock()
	s.ensureDetails(id)
	s.logger.Info().Str("symbol", symbol).Msg("Spot stream subscribed")
	return nil
}

// Unsubscribe stops the spot stream for symbol.
func (s *Session) Unsubscribe(ctx context.Context, symbol string) error {
	id, err := s.symbolID(symbol)
	if err != nil {
		return err
	}
	s.mu.Lock()
	_, subscribed := s.subscribed[id]
	s.mu.Unlock()
	if !subscribed {
		return nil
	}
	if _, err := s.request(ctx, ptUnsubSpotsReq, spotsReq{AccountID: s.cfg.AccountID, SymbolID: []int64{id}}); err != nil {
		return fmt.Errorf("unsubscribe spots %s: %w", symbol, err)
	}
	s.mu.Lock()
	delete(s.subscribed, id)
	s.mu.Unlock()
	s.logger.Info().Str("symbol", symbol).Msg("Spot stream unsubscribed")
	return nil
}

// GetSymbolDataPackage fetches daily and intraday history in parallel and
// assembles the bootstrap package.
func (s *Session) GetSymbolDataPackage(ctx context.Context, symbol string, adrLookbackDays int) (*market.SymbolDataPackage, error) {
	id, err := s.symbolID(symbol)
	if err != nil {
		return nil, err
	}
	info, err := s.symbolInfo(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("symbol details %s: %w", symbol, err)
	}

	now := time.Now().UTC()
	dayStart := market.StartOfUTCDay(now)
	// A few extra calendar days absorb weekends and holidays so the
	// lookback still sees enough trading days.
	dailyFrom := dayStart.AddDate(0, 0, -(adrLookbackDays + 5))

	var (
		daily      []market.D1Bar
		intraday   []market.M1Bar
		dErr, mErr error
		wg         sync.WaitGroup
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		daily, dErr = s.fetchDaily(ctx, id, dailyFrom.UnixMilli(), now.UnixMilli(), info.Digits)
	}()
	go func() {
		defer wg.Done()
		intraday, mErr = s.fetchIntraday(ctx, id, symbol, dayStart.UnixMilli(), now.UnixMilli(), info.Digits)
	}()
	wg.Wait()
	if dErr != nil {
		return nil, fmt.Errorf("daily history %s: %w", symbol, dErr)
	}
	if mErr != nil {
		return nil, fmt.Errorf("intraday history %s: %w", symbol, mErr)
	}
	return buildPackage(symbol, info, daily, intraday, adrLookbackDays)
}

// Reconnect tears the current connection down and dials again immediately,
// regardless of connection state. Pending requests fail with
// ErrConnectionLost.
func (s *Session) Reconnect() error {
	conn := s.quiesce(true)
	s.reconn.Cancel()
	s.health.Stop()
	if conn != nil {
		conn.Close()
	}
	return s.connect()
}

// Disconnect closes the session for good: no reconnect is scheduled and
// the state moves to closed.
func (s *Session) Disconnect() {
	conn := s.quiesce(false)
	s.reconn.Cancel()
	s.health.Stop()
	if conn != nil {
		conn.Close()
	}
	s.setState(market.StateClosed, "session closed")
}

// quiesce invalidates the live connection under the lock and returns it
// for closing. Pending request channels are closed so waiters fail fast.
func (s *Session) quiesce(reconnectAfter bool) net.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connGen++
	conn := s.conn
	s.conn = nil
	s.shouldReconnect = reconnectAfter
	if s.stopHeartbeat != nil {
		close(s.stopHeartbeat)
		s.stopHeartbeat = nil
	}
	for _, ch := range s.pending {
		close(ch)
	}
	s.pending = make(map[string]chan *wireFrame)
	s.subscribed = make(map[int64]struct{})
	s.details = make(map[int64]market.SymbolInfo)
	return conn
}

func (s *Session) connect() error {
	s.setState(market.StateConnecting, "")
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	conn, err := s.dialer(addr)
	if err != nil {
		return s.failConnect(fmt.Errorf("dial %s: %w", addr, err))
	}

	s.mu.Lock()
	s.connGen++
	gen := s.connGen
	s.conn = conn
	s.pending = make(map[string]chan *wireFrame)
	s.subscribed = make(map[int64]struct{})
	s.details = make(map[int64]market.SymbolInfo)
	stopHB := make(chan struct{})
	s.stopHeartbeat = stopHB
	s.mu.Unlock()

	go s.readLoop(conn, gen)

	s.setState(market.StateAuthenticating, "")
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
	defer cancel()
	if err := s.authenticate(ctx); err != nil {
		s.teardown(gen)
		return s.failConnect(err)
	}
	if err := s.loadSymbolCatalog(ctx); err != nil {
		s.teardown(gen)
		return s.failConnect(err)
	}

	s.setState(market.StateConnected, "session established")
	s.reconn.Reset()
	s.health.Start()
	go s.heartbeatLoop(conn, stopHB)
	return nil
}

func (s *Session) failConnect(err error) error {
	s.logger.Error().Err(err).Msg("Provider session connect failed")
	s.setState(market.StateDisconnected, err.Error())
	s.mu.Lock()
	again := s.shouldReconnect
	s.mu.Unlock()
	if again {
		s.setState(market.StateReconnecting, "")
		s.reconn.Schedule(s.connect)
	}
	return err
}

// teardown invalidates a half-built connection after an auth or catalog
// failure, without touching the reconnect machinery.
func (s *Session) teardown(gen uint64) {
	s.mu.Lock()
	if gen != s.connGen {
		s.mu.Unlock()
		return
	}
	s.connGen++
	conn := s.conn
	s.conn = nil
	if s.stopHeartbeat != nil {
		close(s.stopHeartbeat)
		s.stopHeartbeat = nil
	}
	for _, ch := range s.pending {
		close(ch)
	}
	s.pending = make(map[string]chan *wireFrame)
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (s *Session) authenticate(ctx context.Context) error {
	if _, err := s.request(ctx, ptApplicationAuthReq, applicationAuthReq{ClientID: s.cfg.ClientID, ClientSecret: s.cfg.ClientSecret}); err != nil {
		return fmt.Errorf("application auth: %w", err)
	}
	if _, err := s.request(ctx, ptAccountAuthReq, accountAuthReq{AccountID: s.cfg.AccountID, AccessToken: s.cfg.AccessToken}); err != nil {
		return fmt.Errorf("account auth: %w", err)
	}
	return nil
}

func (s *Session) loadSymbolCatalog(ctx context.Context) error {
	res, err := s.request(ctx, ptSymbolsListReq, symbolsListReq{AccountID: s.cfg.AccountID})
	if err != nil {
		return fmt.Errorf("symbols list: %w", err)
	}
	var list symbolsListRes
	if err := json.Unmarshal(res.Payload, &list); err != nil {
		return fmt.Errorf("symbols list decode: %w", err)
	}
	ids := make(map[string]int64, len(list.Symbol))
	names := make(map[int64]string, len(list.Symbol))
	for _, sym := range list.Symbol {
		ids[strings.ToUpper(sym.SymbolName)] = sym.SymbolID
		names[sym.SymbolID] = sym.SymbolName
	}
	s.mu.Lock()
	s.symbolIDs = ids
	s.symbolNames = names
	s.mu.Unlock()
	s.logger.Info().Int("symbols", len(ids)).Msg("Symbol catalog loaded")
	return nil
}

func (s *Session) readLoop(conn net.Conn, gen uint64) {
	var framer codec.Framer
	buf := make([]byte, readBufferSize)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			s.handleDisconnect(gen, err)
			return
		}
		for _, payload := range framer.Push(buf[:n]) {
			s.handlePayload(payload)
		}
	}
}

func (s *Session) handleDisconnect(gen uint64, cause error) {
	s.mu.Lock()
	if gen != s.connGen || s.state == market.StateClosed {
		s.mu.Unlock()
		return
	}
	s.connGen++
	conn := s.conn
	s.conn = nil
	if s.stopHeartbeat != nil {
		close(s.stopHeartbeat)
		s.stopHeartbeat = nil
	}
	for _, ch := range s.pending {
		close(ch)
	}
	s.pending = make(map[string]chan *wireFrame)
	s.subscribed = make(map[int64]struct{})
	s.details = make(map[int64]market.SymbolInfo)
	again := s.shouldReconnect
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	s.health.Stop()
	s.logger.Warn().Err(cause).Msg("Provider connection lost")
	s.setState(market.StateDisconnected, cause.Error())
	if again {
		s.setState(market.StateReconnecting, "")
		s.reconn.Schedule(s.connect)
	}
}

func (s *Session) handlePayload(raw []byte) {
	var f wireFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		s.logger.Warn().Err(err).Msg("Discarding unparseable frame")
		return
	}
	if f.ClientMsgID != "" {
		s.mu.Lock()
		ch, ok := s.pending[f.ClientMsgID]
		if ok {
			delete(s.pending, f.ClientMsgID)
		}
		s.mu.Unlock()
		if ok {
			ch <- &f
			return
		}
		// Late response after the waiter gave up; nothing to do.
		return
	}

	switch f.PayloadType {
	case ptSpotEvent:
		s.handleSpot(f.Payload)
	case ptHeartbeat:
		// Server heartbeat; receipt alone proves nothing about data flow.
	case ptErrorRes:
		var e errorRes
		if json.Unmarshal(f.Payload, &e) == nil {
			s.logger.Warn().
				Str("code", e.ErrorCode).
				Str("description", e.Description).
				Msg("Unsolicited provider error")
		}
	default:
		s.logger.Debug().Int("payload_type", f.PayloadType).Msg("Ignoring frame")
	}
}

func (s *Session) handleSpot(raw json.RawMessage) {
	var ev spotEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		s.logger.Warn().Err(err).Msg("Discarding unparseable spot event")
		return
	}

	s.mu.Lock()
	name := s.symbolNames[ev.SymbolID]
	info, haveInfo := s.details[ev.SymbolID]
	s.mu.Unlock()
	if name == "" {
		return
	}
	if !haveInfo {
		// Default forex precision until the detail fetch lands.
		info = market.SymbolInfo{Digits: 5}
		s.ensureDetails(ev.SymbolID)
	}

	ts := ev.Timestamp
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}

	if len(ev.Trendbar) > 0 {
		for _, tb := range ev.Trendbar {
			s.emit(market.M1BarEvent{Bar: m1FromTrendbar(name, tb, info.Digits)})
		}
		// The latest bar's close doubles as a price tick.
		last := m1FromTrendbar(name, ev.Trendbar[len(ev.Trendbar)-1], info.Digits)
		tick := market.Tick{
			Symbol:    name,
			Source:    market.SourceCTrader,
			Bid:       last.Close,
			Ask:       last.Close,
			Price:     last.Close,
			Timestamp: ts,
		}
		if haveInfo {
			tick.PipPosition = info.PipPosition
			tick.PipSize = info.PipSize
			tick.PipetteSize = info.PipetteSize
			tick.HasPipInfo = true
		}
		s.emit(market.TickEvent{Tick: tick})
		s.health.RecordTick()
		return
	}

	if ev.Bid == nil || ev.Ask == nil {
		return
	}
	tick := market.Tick{
		Symbol:    name,
		Source:    market.SourceCTrader,
		Bid:       market.RoundTo(float64(*ev.Bid)/priceScale, info.Digits),
		Ask:       market.RoundTo(float64(*ev.Ask)/priceScale, info.Digits),
		Timestamp: ts,
	}
	tick.Price = tick.Bid
	if haveInfo {
		tick.PipPosition = info.PipPosition
		tick.PipSize = info.PipSize
		tick.PipetteSize = info.PipetteSize
		tick.HasPipInfo = true
	}
	if !tick.ValidQuote() {
		s.logger.Debug().
			Str("symbol", name).
			Float64("bid", tick.Bid).
			Float64("ask", tick.Ask).
			Msg("Dropping invalid quote")
		return
	}
	s.emit(market.TickEvent{Tick: tick})
	s.health.RecordTick()
}

// ensureDetails fetches symbol metadata in the background. Called from the
// read loop, so it must never block.
func (s *Session) ensureDetails(symbolID int64) {
	s.mu.Lock()
	if _, ok := s.details[symbolID]; ok || s.fetching[symbolID] {
		s.mu.Unlock()
		return
	}
	s.fetching[symbolID] = true
	s.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
		defer cancel()
		_, err := s.symbolInfo(ctx, symbolID)
		s.mu.Lock()
		delete(s.fetching, symbolID)
		s.mu.Unlock()
		if err != nil {
			s.logger.Warn().Err(err).Int64("symbol_id", symbolID).Msg("Symbol detail fetch failed")
		}
	}()
}

// symbolInfo returns cached metadata or fetches it from the provider. The
// cache is dropped on every reconnect so stale precision never sticks.
func (s *Session) symbolInfo(ctx context.Context, symbolID int64) (market.SymbolInfo, error) {
	s.mu.Lock()
	info, ok := s.details[symbolID]
	s.mu.Unlock()
	if ok {
		return info, nil
	}

	res, err := s.request(ctx, ptSymbolByIDReq, symbolByIDReq{AccountID: s.cfg.AccountID, SymbolID: []int64{symbolID}})
	if err != nil {
		return market.SymbolInfo{}, err
	}
	var detail symbolByIDRes
	if err := json.Unmarshal(res.Payload, &detail); err != nil {
		return market.SymbolInfo{}, fmt.Errorf("symbol detail decode: %w", err)
	}
	if len(detail.Symbol) == 0 {
		return market.SymbolInfo{}, fmt.Errorf("symbol %d: %w", symbolID, ErrUnknownSymbol)
	}
	d := detail.Symbol[0]
	pipSize, pipetteSize := market.PipInfoFromPosition(d.PipPosition)
	info = market.SymbolInfo{
		Digits:      d.Digits,
		PipPosition: d.PipPosition,
		PipSize:     pipSize,
		PipetteSize: pipetteSize,
	}
	s.mu.Lock()
	s.details[symbolID] = info
	s.mu.Unlock()
	return info, nil
}

func (s *Session) symbolID(symbol string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.symbolIDs[strings.ToUpper(symbol)]
	if !ok {
		return 0, fmt.Errorf("%s: %w", symbol, ErrUnknownSymbol)
	}
	return id, nil
}

func (s *Session) fetchDaily(ctx context.Context, symbolID int64, from, to int64, digits int) ([]market.D1Bar, error) {
	bars, err := s.fetchTrendbars(ctx, symbolID, periodD1, from, to)
	if err != nil {
		return nil, err
	}
	out := make([]market.D1Bar, 0, len(bars))
	for _, tb := range bars {
		out = append(out, d1FromTrendbar(tb, digits))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out, nil
}

func (s *Session) fetchIntraday(ctx context.Context, symbolID int64, symbol string, from, to int64, digits int) ([]market.M1Bar, error) {
	bars, err := s.fetchTrendbars(ctx, symbolID, periodM1, from, to)
	if err != nil {
		return nil, err
	}
	out := make([]market.M1Bar, 0, len(bars))
	for _, tb := range bars {
		out = append(out, m1FromTrendbar(symbol, tb, digits))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out, nil
}

func (s *Session) fetchTrendbars(ctx context.Context, symbolID int64, period int, from, to int64) ([]trendbar, error) {
	res, err := s.request(ctx, ptGetTrendbarsReq, getTrendbarsReq{
		AccountID:     s.cfg.AccountID,
		SymbolID:      symbolID,
		Period:        period,
		FromTimestamp: from,
		ToTimestamp:   to,
	})
	if err != nil {
		return nil, err
	}
	var parsed getTrendbarsRes
	if err := json.Unmarshal(res.Payload, &parsed); err != nil {
		return nil, fmt.Errorf("trendbars decode: %w", err)
	}
	return parsed.Trendbar, nil
}

// request sends one correlated frame and waits for its response, a context
// cancellation or the request timeout.
func (s *Session) request(ctx context.Context, payloadType int, payload any) (*wireFrame, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	ch := make(chan *wireFrame, 1)

	s.mu.Lock()
	conn := s.conn
	if conn == nil {
		s.mu.Unlock()
		return nil, ErrNotConnected
	}
	s.pending[id] = ch
	s.mu.Unlock()

	if err := s.writeFrame(conn, wireFrame{PayloadType: payloadType, ClientMsgID: id, Payload: body}); err != nil {
		s.removePending(id)
		return nil, err
	}

	timer := time.NewTimer(s.cfg.RequestTimeout)
	defer timer.Stop()
	select {
	case f, ok := <-ch:
		if !ok {
			return nil, ErrConnectionLost
		}
		if f.PayloadType == ptErrorRes {
			var e errorRes
			if err := json.Unmarshal(f.Payload, &e); err != nil {
				return nil, fmt.Errorf("error response decode: %w", err)
			}
			return nil, &ServerError{Code: e.ErrorCode, Description: e.Description}
		}
		return f, nil
	case <-ctx.Done():
		s.removePending(id)
		return nil, ctx.Err()
	case <-timer.C:
		s.removePending(id)
		return nil, fmt.Errorf("payload type %d: %w", payloadType, ErrTimeout)
	}
}

func (s *Session) removePending(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

func (s *Session) writeFrame(conn net.Conn, f wireFrame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	buf := codec.AppendFrame(nil, data)
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err = conn.Write(buf)
	return err
}

func (s *Session) heartbeatLoop(conn net.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := s.writeFrame(conn, wireFrame{PayloadType: ptHeartbeat}); err != nil {
				s.logger.Warn().Err(err).Msg("Heartbeat write failed")
				return
			}
		}
	}
}

func (s *Session) setState(state market.SessionState, msg string) {
	s.mu.Lock()
	if s.state == state && msg == "" {
		s.mu.Unlock()
		return
	}
	s.state = state
	s.mu.Unlock()
	s.logger.Info().Str("state", state.String()).Msg("Provider session state")
	if s.emit != nil {
		s.emit(market.StatusEvent{Source: market.SourceCTrader, State: state, Message: msg})
	}
}
