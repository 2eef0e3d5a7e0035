// Package tradingview maintains the provider B session: a websocket chart
// connection. Each subscribed symbol opens one chart session with two
// series, daily for ADR context and one-minute for today's profile; the
// bootstrap package is emitted only after both series complete, then the
// minute series keeps streaming live bars.
package tradingview

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/timmye/neurosensefx-sub013/internal/health"
	"github.com/timmye/neurosensefx-sub013/internal/market"
	"github.com/timmye/neurosensefx-sub013/internal/reconnect"
)

const (
	DefaultURL = "wss://data.tradingview.com/socket.io/websocket"

	defaultCompletionTimeout = 30 * time.Second
	defaultMaxIntradayBars   = 1500
	writeTimeout             = 10 * time.Second

	dailySeriesID    = "sds_1"
	intradaySeriesID = "sds_2"
	authToken        = "unauthorized_user_token"
)

// Conn is the subset of the websocket connection the session uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Dialer opens the websocket. Overridable in tests.
type Dialer func(url string) (Conn, error)

func defaultDialer(url string) (Conn, error) {
	c, _, err := websocket.DefaultDialer.Dial(url, http.Header{
		"Origin": []string{"https://www.tradingview.com"},
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Config for the provider B session.
type Config struct {
	URL               string
	CompletionTimeout time.Duration
	MaxIntradayBars   int
	ReconnectInitial  time.Duration
	ReconnectMax      time.Duration
	StaleAfter        time.Duration
	StaleInterval     time.Duration
}

type subscription struct {
	symbol    string
	lookback  int
	chartD1   string // chart session carrying the daily series
	chartM1   string // chart session carrying the minute series
	dailyBars []market.D1Bar
	intraBars []market.M1Bar
	dailyDone bool
	intraDone bool
	delivered bool // package emitted, aborted or timed out
	timer     *time.Timer
}

// Session is the long-lived provider B connection. All exported methods
// are safe for concurrent use.
type Session struct {
	cfg    Config
	logger zerolog.Logger
	emit   market.EmitFunc
	dial   Dialer

	health *health.Monitor
	reconn *reconnect.Manager

	mu              sync.Mutex
	state           market.SessionState
	conn            Conn
	connGen         uint64
	shouldReconnect bool
	subs            map[string]*subscription // by symbol
	charts          map[string]*subscription // by chart session id

	writeMu sync.Mutex
}

func New(cfg Config, logger zerolog.Logger, emit market.EmitFunc) *Session {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.CompletionTimeout <= 0 {
		cfg.CompletionTimeout = defaultCompletionTimeout
	}
	if cfg.MaxIntradayBars <= 0 {
		cfg.MaxIntradayBars = defaultMaxIntradayBars
	}
	s := &Session{
		cfg:    cfg,
		logger: logger,
		emit:   emit,
		dial:   defaultDialer,
		subs:   make(map[string]*subscription),
		charts: make(map[string]*subscription),
	}
	s.reconn = reconnect.NewManager(cfg.ReconnectInitial, cfg.ReconnectMax, logger)
	s.health = health.NewMonitor(health.Config{
		StaleAfter:    cfg.StaleAfter,
		CheckInterval: cfg.StaleInterval,
		Logger:        logger,
		OnStale: func() {
			emit(market.StatusEvent{Source: market.SourceTradingView, State: s.State(), Stale: true, Message: "no data received"})
		},
		OnResumed: func() {
			emit(market.StatusEvent{Source: market.SourceTradingView, State: s.State(), Resumed: true, Message: "data resumed"})
		},
	})
	return s
}

// Start opens the session. On failure a reconnect is already scheduled.
func (s *Session) Start() error {
	s.mu.Lock()
	s.shouldReconnect = true
	s.mu.Unlock()
	return s.connect()
}

func (s *Session) State() market.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscribe opens the dual-series chart for symbol. The bootstrap package
// arrives asynchronously as a PackageEvent once both series complete;
// after that the minute series streams live bars. Subscribing an already
// subscribed symbol is a no-op.
func (s *Session) Subscribe(symbol string, adrLookbackDays int) error {
	s.mu.Lock()
	if _, ok := s.subs[symbol]; ok {
		s.mu.Unlock()
		return nil
	}
	conn := s.conn
	sub := &subscription{
		symbol:   symbol,
		lookback: adrLookbackDays,
		chartD1:  newChartID(),
		chartM1:  newChartID(),
	}
	s.subs[symbol] = sub
	s.charts[sub.chartD1] = sub
	s.charts[sub.chartM1] = sub
	s.mu.Unlock()

	if conn == nil {
		// Connection not up yet; the charts open on (re)connect. The
		// bootstrap deadline starts now regardless, so waiters get a
		// timeout error instead of hanging until a reconnect succeeds.
		sub.timer = time.AfterFunc(s.cfg.CompletionTimeout, func() {
			s.onCompletionTimeout(symbol)
		})
		return nil
	}
	if err := s.openCharts(conn, sub); err != nil {
		s.mu.Lock()
		delete(s.subs, symbol)
		delete(s.charts, sub.chartD1)
		delete(s.charts, sub.chartM1)
		s.mu.Unlock()
		return fmt.Errorf("open charts %s: %w", symbol, err)
	}
	return nil
}

// Unsubscribe tears the symbol's chart session down.
func (s *Session) Unsubscribe(symbol string) error {
	s.mu.Lock()
	sub, ok := s.subs[symbol]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.subs, symbol)
	delete(s.charts, sub.chartD1)
	delete(s.charts, sub.chartM1)
	if sub.timer != nil {
		sub.timer.Stop()
	}
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return nil
	}
	for _, chartID := range []string{sub.chartD1, sub.chartM1} {
		msg, err := encodeMessage("chart_delete_session", chartID)
		if err != nil {
			return err
		}
		if err := s.writeRaw(conn, msg); err != nil {
			return err
		}
	}
	return nil
}

// Reconnect tears the connection down and dials again, re-opening every
// chart from scratch so each symbol gets a fresh bootstrap.
func (s *Session) Reconnect() error {
	conn := s.quiesce(true)
	s.reconn.Cancel()
	s.health.Stop()
	if conn != nil {
		conn.Close()
	}
	return s.connect()
}

// Disconnect closes the session for good.
func (s *Session) Disconnect() {
	conn := s.quiesce(false)
	s.reconn.Cancel()
	s.health.Stop()
	if conn != nil {
		conn.Close()
	}
	s.setState(market.StateClosed, "session closed")
}

func (s *Session) quiesce(reconnectAfter bool) Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connGen++
	conn := s.conn
	s.conn = nil
	s.shouldReconnect = reconnectAfter
	for _, sub := range s.subs {
		if sub.timer != nil {
			sub.timer.Stop()
			sub.timer = nil
		}
	}
	return conn
}

func (s *Session) connect() error {
	s.setState(market.StateConnecting, "")
	conn, err := s.dial(s.cfg.URL)
	if err != nil {
		return s.failConnect(fmt.Errorf("dial %s: %w", s.cfg.URL, err))
	}

	s.mu.Lock()
	s.connGen++
	gen := s.connGen
	s.conn = conn
	// Every chart restarts from scratch; a reconnect means a fresh
	// bootstrap for each symbol, replacing any stale downstream state.
	resub := make([]*subscription, 0, len(s.subs))
	s.charts = make(map[string]*subscription)
	for _, sub := range s.subs {
		if sub.timer != nil {
			sub.timer.Stop()
		}
		fresh := &subscription{
			symbol:   sub.symbol,
			lookback: sub.lookback,
			chartD1:  newChartID(),
			chartM1:  newChartID(),
		}
		s.subs[sub.symbol] = fresh
		s.charts[fresh.chartD1] = fresh
		s.charts[fresh.chartM1] = fresh
		resub = append(resub, fresh)
	}
	s.mu.Unlock()

	go s.readLoop(conn, gen)

	msg, err := encodeMessage("set_auth_token", authToken)
	if err == nil {
		err = s.writeRaw(conn, msg)
	}
	if err != nil {
		s.teardown(gen)
		return s.failConnect(fmt.Errorf("auth token: %w", err))
	}

	for _, sub := range resub {
		if err := s.openCharts(conn, sub); err != nil {
			s.logger.Warn().Err(err).Str("symbol", sub.symbol).Msg("Chart re-open failed")
		}
	}

	s.setState(market.StateConnected, "session established")
	s.reconn.Reset()
	s.health.Start()
	return nil
}

// openCharts sends the session/resolve/create sequence for one symbol,
// daily and minute series in separate chart sessions, then arms the
// completion timer.
func (s *Session) openCharts(conn Conn, sub *subscription) error {
	symbolRef := "sym_1"
	steps := [][]any{
		{"chart_create_session", sub.chartD1, ""},
		{"resolve_symbol", sub.chartD1, symbolRef, sub.symbol},
		{"create_series", sub.chartD1, dailySeriesID, "s1", symbolRef, "D", sub.lookback + 10},
		{"chart_create_session", sub.chartM1, ""},
		{"resolve_symbol", sub.chartM1, symbolRef, sub.symbol},
		{"create_series", sub.chartM1, intradaySeriesID, "s2", symbolRef, "1", s.cfg.MaxIntradayBars},
	}
	for _, step := range steps {
		msg, err := encodeMessage(step[0].(string), step[1:]...)
		if err != nil {
			return err
		}
		if err := s.writeRaw(conn, msg); err != nil {
			return err
		}
	}
	symbol := sub.symbol
	sub.timer = time.AfterFunc(s.cfg.CompletionTimeout, func() {
		s.onCompletionTimeout(symbol)
	})
	s.logger.Info().
		Str("symbol", symbol).
		Str("chart_d1", sub.chartD1).
		Str("chart_m1", sub.chartM1).
		Msg("Charts opened")
	return nil
}

func (s *Session) onCompletionTimeout(symbol string) {
	s.mu.Lock()
	sub, ok := s.subs[symbol]
	if !ok || sub.delivered {
		s.mu.Unlock()
		return
	}
	sub.delivered = true
	// Drop the subscription so a client retry starts a fresh bootstrap
	// instead of joining this dead one.
	delete(s.subs, symbol)
	delete(s.charts, sub.chartD1)
	delete(s.charts, sub.chartM1)
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		for _, chartID := range []string{sub.chartD1, sub.chartM1} {
			if msg, err := encodeMessage("chart_delete_session", chartID); err == nil {
				s.writeRaw(conn, msg) //nolint:errcheck
			}
		}
	}
	s.logger.Warn().Str("symbol", symbol).Dur("timeout", s.cfg.CompletionTimeout).Msg("Bootstrap series never completed")
	s.emit(market.SymbolErrorEvent{
		Source:  market.SourceTradingView,
		Symbol:  symbol,
		Message: "bootstrap timed out waiting for series completion",
	})
}

func (s *Session) failConnect(err error) error {
	s.logger.Error().Err(err).Msg("Chart session connect failed")
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

func (s *Session) teardown(gen uint64) {
	s.mu.Lock()
	if gen != s.connGen {
		s.mu.Unlock()
		return
	}
	s.connGen++
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (s *Session) readLoop(conn Conn, gen uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.handleDisconnect(gen, err)
			return
		}
		for _, payload := range splitEnvelope(data) {
			if isHeartbeat(payload) {
				if err := s.writeRaw(conn, envelope([]byte(payload))); err != nil {
					s.logger.Warn().Err(err).Msg("Heartbeat echo failed")
				}
				continue
			}
			s.handleMessage(payload)
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
	for _, sub := range s.subs {
		if sub.timer != nil {
			sub.timer.Stop()
			sub.timer = nil
		}
	}
	again := s.shouldReconnect
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	s.health.Stop()
	s.logger.Warn().Err(cause).Msg("Chart connection lost")
	s.setState(market.StateDisconnected, cause.Error())
	if again {
		s.setState(market.StateReconnecting, "")
		s.reconn.Schedule(s.connect)
	}
}

func (s *Session) handleMessage(payload string) {
	var msg message
	if err := json.Unmarshal([]byte(payload), &msg); err != nil || msg.Method == "" {
		// Session greetings and acks arrive as plain objects; nothing to do.
		return
	}
	switch msg.Method {
	case "timescale_update", "du":
		s.handleSeriesData(msg, msg.Method == "du")
	case "series_completed":
		s.handleSeriesCompleted(msg)
	case "symbol_error":
		s.handleSymbolError(msg)
	case "critical_error", "protocol_error":
		s.logger.Error().Str("method", msg.Method).Msg("Chart protocol failure, reconnecting")
		go s.Reconnect() //nolint:errcheck
	default:
		s.logger.Debug().Str("method", msg.Method).Msg("Ignoring chart message")
	}
}

func (s *Session) handleSeriesData(msg message, isUpdate bool) {
	if len(msg.Params) < 2 {
		return
	}
	var chartID string
	if err := json.Unmarshal(msg.Params[0], &chartID); err != nil {
		return
	}
	var series map[string]seriesPayload
	if err := json.Unmarshal(msg.Params[1], &series); err != nil {
		s.logger.Warn().Err(err).Msg("Discarding unparseable series payload")
		return
	}

	var (
		liveBars  []market.M1Bar
		dailyLive []market.D1Bar
		symbol    string
	)

	s.mu.Lock()
	sub := s.charts[chartID]
	if sub == nil {
		s.mu.Unlock()
		return
	}
	symbol = sub.symbol
	for sid, payload := range series {
		switch sid {
		case dailySeriesID:
			for _, sb := range payload.S {
				bar, ok := d1FromValues(sb.V)
				if !ok {
					continue
				}
				sub.dailyBars = upsertD1(sub.dailyBars, bar)
				if isUpdate && sub.delivered {
					dailyLive = append(dailyLive, bar)
				}
			}
		case intradaySeriesID:
			for _, sb := range payload.S {
				bar, ok := m1FromValues(sub.symbol, sb.V)
				if !ok {
					continue
				}
				sub.intraBars = upsertM1(sub.intraBars, bar, s.cfg.MaxIntradayBars)
				if isUpdate && sub.delivered {
					liveBars = append(liveBars, bar)
				}
			}
		}
	}
	s.mu.Unlock()

	for _, bar := range liveBars {
		s.emit(market.M1BarEvent{Bar: bar})
		s.emitPriceTick(symbol, bar.Close, bar.Timestamp)
	}
	// The forming daily candle ticks on every update too; it carries no
	// minute bar, only the latest close.
	for _, bar := range dailyLive {
		s.emitPriceTick(symbol, bar.Close, bar.Timestamp)
	}
}

// emitPriceTick sends one last-price tick and records it on the staleness
// monitor. One RecordTick per emitted tick.
func (s *Session) emitPriceTick(symbol string, price float64, ts int64) {
	info := market.EstimatePipInfo(price)
	s.emit(market.TickEvent{Tick: market.Tick{
		Symbol:      symbol,
		Source:      market.SourceTradingView,
		Bid:         price,
		Ask:         price,
		Price:       price,
		Timestamp:   ts,
		PipPosition: info.PipPosition,
		PipSize:     info.PipSize,
		PipetteSize: info.PipetteSize,
	}})
	s.health.RecordTick()
}

func (s *Session) handleSeriesCompleted(msg message) {
	if len(msg.Params) < 2 {
		return
	}
	var chartID, seriesID string
	if json.Unmarshal(msg.Params[0], &chartID) != nil || json.Unmarshal(msg.Params[1], &seriesID) != nil {
		return
	}

	var (
		pkg     *market.SymbolDataPackage
		symErr  string
		symbol  string
		buildIt bool
	)

	s.mu.Lock()
	sub := s.charts[chartID]
	if sub == nil {
		s.mu.Unlock()
		return
	}
	symbol = sub.symbol
	switch seriesID {
	case dailySeriesID:
		sub.dailyDone = true
	case intradaySeriesID:
		sub.intraDone = true
	default:
		s.mu.Unlock()
		return
	}
	if sub.dailyDone && sub.intraDone && !sub.delivered {
		sub.delivered = true
		if sub.timer != nil {
			sub.timer.Stop()
			sub.timer = nil
		}
		if len(sub.dailyBars) == 0 || len(sub.intraBars) == 0 {
			symErr = "series completed with no bars"
		} else {
			buildIt = true
		}
	}
	if buildIt {
		var err error
		pkg, err = buildPackage(sub, time.Now().UTC())
		if err != nil {
			symErr = err.Error()
			pkg = nil
		}
	}
	s.mu.Unlock()

	if symErr != "" {
		s.logger.Warn().Str("symbol", symbol).Str("reason", symErr).Msg("Bootstrap failed")
		s.emit(market.SymbolErrorEvent{Source: market.SourceTradingView, Symbol: symbol, Message: symErr})
		return
	}
	if pkg != nil {
		s.logger.Info().
			Str("symbol", symbol).
			Int("intraday_bars", len(pkg.InitialMarketProfile)).
			Float64("adr", pkg.ADR).
			Msg("Bootstrap package ready")
		s.emit(market.PackageEvent{Package: pkg})
	}
}

func (s *Session) handleSymbolError(msg message) {
	if len(msg.Params) < 1 {
		return
	}
	var chartID string
	if json.Unmarshal(msg.Params[0], &chartID) != nil {
		return
	}
	reason := "symbol not found"
	if len(msg.Params) >= 3 {
		var m string
		if json.Unmarshal(msg.Params[2], &m) == nil && m != "" {
			reason = m
		}
	}

	s.mu.Lock()
	sub := s.charts[chartID]
	if sub == nil {
		s.mu.Unlock()
		return
	}
	symbol := sub.symbol
	delete(s.subs, symbol)
	delete(s.charts, sub.chartD1)
	delete(s.charts, sub.chartM1)
	if sub.timer != nil {
		sub.timer.Stop()
	}
	s.mu.Unlock()

	s.logger.Warn().Str("symbol", symbol).Str("reason", reason).Msg("Symbol rejected by provider")
	s.emit(market.SymbolErrorEvent{Source: market.SourceTradingView, Symbol: symbol, Message: reason})
}

func (s *Session) writeRaw(conn Conn, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Session) setState(state market.SessionState, msg string) {
	s.mu.Lock()
	if s.state == state && msg == "" {
		s.mu.Unlock()
		return
	}
	s.state = state
	s.mu.Unlock()
	s.logger.Info().Str("state", state.String()).Msg("Chart session state")
	if s.emit != nil {
		s.emit(market.StatusEvent{Source: market.SourceTradingView, State: state, Message: msg})
	}
}

func newChartID() string {
	return "cs_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

func d1FromValues(v []float64) (market.D1Bar, bool) {
	if len(v) < 5 {
		return market.D1Bar{}, false
	}
	return market.D1Bar{
		Timestamp: int64(v[0]) * 1000,
		Open:      v[1],
		High:      v[2],
		Low:       v[3],
		Close:     v[4],
	}, true
}

func m1FromValues(symbol string, v []float64) (market.M1Bar, bool) {
	if len(v) < 5 {
		return market.M1Bar{}, false
	}
	return market.M1Bar{
		Symbol:    symbol,
		Source:    market.SourceTradingView,
		Timestamp: int64(v[0]) * 1000,
		Open:      v[1],
		High:      v[2],
		Low:       v[3],
		Close:     v[4],
	}, true
}

// upsertD1 replaces the bar with the same timestamp or appends. Series
// updates re-send the forming bar as it changes.
func upsertD1(bars []market.D1Bar, bar market.D1Bar) []market.D1Bar {
	for i := len(bars) - 1; i >= 0; i-- {
		if bars[i].Timestamp == bar.Timestamp {
			bars[i] = bar
			return bars
		}
		if bars[i].Timestamp < bar.Timestamp {
			break
		}
	}
	return append(bars, bar)
}

func upsertM1(bars []market.M1Bar, bar market.M1Bar, maxBars int) []market.M1Bar {
	for i := len(bars) - 1; i >= 0; i-- {
		if bars[i].Timestamp == bar.Timestamp {
			bars[i] = bar
			return bars
		}
		if bars[i].Timestamp < bar.Timestamp {
			break
		}
	}
	bars = append(bars, bar)
	if len(bars) > maxBars {
		bars = bars[len(bars)-maxBars:]
	}
	return bars
}

// buildPackage assembles the bootstrap package from both completed series.
// Pip metadata is magnitude-estimated; this provider exposes none.
func buildPackage(sub *subscription, now time.Time) (*market.SymbolDataPackage, error) {
	daily := make([]market.D1Bar, len(sub.dailyBars))
	copy(daily, sub.dailyBars)
	sort.Slice(daily, func(i, j int) bool { return daily[i].Timestamp < daily[j].Timestamp })
	if len(daily) < 2 {
		return nil, fmt.Errorf("%s: need at least 2 daily bars, got %d", sub.symbol, len(daily))
	}

	dayStartMs := market.StartOfUTCDay(now).UnixMilli()
	var today []market.M1Bar
	for _, b := range sub.intraBars {
		if b.Timestamp >= dayStartMs {
			today = append(today, b)
		}
	}
	sort.Slice(today, func(i, j int) bool { return today[i].Timestamp < today[j].Timestamp })

	adr := market.AverageDailyRangeStrict(daily, sub.lookback)
	last := daily[len(daily)-1]
	prev := daily[len(daily)-2]

	var todaysOpen, todaysHigh, todaysLow, initialPrice float64
	if len(today) > 0 {
		first := today[0]
		todaysOpen, todaysHigh, todaysLow = first.Open, first.High, first.Low
		for _, b := range today[1:] {
			if b.High > todaysHigh {
				todaysHigh = b.High
			}
			if b.Low < todaysLow {
				todaysLow = b.Low
			}
		}
		initialPrice = today[len(today)-1].Close
	} else {
		todaysOpen = last.Close
		todaysHigh = last.High
		todaysLow = last.Low
		initialPrice = last.Close
	}

	info := market.EstimatePipInfo(initialPrice)
	return &market.SymbolDataPackage{
		Symbol:               sub.symbol,
		Source:               market.SourceTradingView,
		Digits:               info.Digits,
		ADR:                  adr,
		TodaysOpen:           todaysOpen,
		TodaysHigh:           todaysHigh,
		TodaysLow:            todaysLow,
		ProjectedADRHigh:     todaysOpen + adr/2,
		ProjectedADRLow:      todaysOpen - adr/2,
		InitialPrice:         initialPrice,
		InitialMarketProfile: today,
		PipPosition:          info.PipPosition,
		PipSize:              info.PipSize,
		PipetteSize:          info.PipetteSize,
		BucketSize:           market.BucketSize(sub.symbol),
		HasPrevDay:           true,
		PrevDayOpen:          prev.Open,
		PrevDayHigh:          prev.High,
		PrevDayLow:           prev.Low,
		PrevDayClose:         prev.Close,
	}, nil
}
