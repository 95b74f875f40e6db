package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wolfpack-game/wolfpack/internal/types"
)

var ErrNotConnected = errors.New("socket not open")
var ErrReconnectExhausted = errors.New("failed to connect after repeated attempts")
var ErrConnectTimeout = errors.New("connect timed out")
var ErrStale = errors.New("no pong within staleness window")
var ErrClosed = errors.New("manager closed")

// URLFunc returns the game channel URL. It is called before every dial so a
// fresh access token is picked up.
type URLFunc func() (string, error)

type request interface{ isRequest() }

type connectReq struct{}

type reconnectReq struct{}

type disconnectReq struct{}

type sendReq struct {
	msg   types.Outbound
	reply chan error
}

type statusReq struct{ reply chan Status }

type dialResult struct {
	gen  int
	conn *websocket.Conn
	err  error
}

type frame struct {
	gen  int
	data []byte
}

type readFailed struct {
	gen int
	err error
}

type closeDone struct{ gen int }

func (connectReq) isRequest()    {}
func (reconnectReq) isRequest()  {}
func (disconnectReq) isRequest() {}
func (sendReq) isRequest()       {}
func (statusReq) isRequest()     {}
func (dialResult) isRequest()    {}
func (frame) isRequest()         {}
func (readFailed) isRequest()    {}
func (closeDone) isRequest()     {}

// Manager owns the one connection to a room's game channel. All state lives
// on the loop goroutine; the exported methods only post requests to it.
type Manager struct {
	opts   Options
	url    URLFunc
	log    *zap.Logger
	inbox  chan request
	events chan Event
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	state      State
	conn       *websocket.Conn
	connCtx    context.Context
	connCancel context.CancelFunc
	// gen increments whenever the current connection is abandoned, so late
	// results from its goroutines can be told apart.
	gen            int
	attempts       int
	lastPong       time.Time
	err            error
	everOpened     bool
	pendingConnect bool
	pending        []Event

	connectTimer *time.Timer
	retryTimer   *time.Timer
	pingTicker   *time.Ticker
	liveTicker   *time.Ticker
}

func NewManager(parent context.Context, url URLFunc, opts Options) *Manager {
	ctx, cancel := context.WithCancel(parent)
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	m := &Manager{
		opts:   opts,
		url:    url,
		log:    log.With(zap.String("session", uuid.NewString())),
		inbox:  make(chan request, 64),
		events: make(chan Event, 16),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		state:  StateClosed,
	}

	go m.loop()
	return m
}

// Events is closed after Close.
func (m *Manager) Events() <-chan Event { return m.events }

// Connect opens the channel unless it is already connecting or open. It does
// nothing while a reconnect is scheduled or after the attempts ran out.
func (m *Manager) Connect() { m.post(connectReq{}) }

// Reconnect is the manual retry: it cancels any scheduled attempt and dials
// now with a fresh attempt budget.
func (m *Manager) Reconnect() { m.post(reconnectReq{}) }

// Disconnect closes with the normal closure code and stops reconnecting.
func (m *Manager) Disconnect() { m.post(disconnectReq{}) }

// Send transmits msg if the socket is open and returns ErrNotConnected
// otherwise.
func (m *Manager) Send(ctx context.Context, msg types.Outbound) error {
	reply := make(chan error, 1)
	if !m.post(sendReq{msg: msg, reply: reply}) {
		return ErrClosed
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrClosed
	}
}

func (m *Manager) Status() Status {
	reply := make(chan Status, 1)
	if !m.post(statusReq{reply: reply}) {
		return Status{State: StateClosed, Err: ErrClosed}
	}
	select {
	case st := <-reply:
		return st
	case <-m.done:
		return Status{State: StateClosed, Err: ErrClosed}
	}
}

// Close tears the manager down, closing an open socket normally, and waits
// for the loop to exit.
func (m *Manager) Close() {
	m.cancel()
	<-m.done
}

func (m *Manager) post(r request) bool {
	select {
	case m.inbox <- r:
		return true
	case <-m.ctx.Done():
		return false
	}
}

func (m *Manager) loop() {
	defer close(m.done)
	defer close(m.events)

	for {
		var out chan<- Event
		var next Event
		if len(m.pending) > 0 {
			out = m.events
			next = m.pending[0]
		}

		select {
		case <-m.ctx.Done():
			m.teardown()
			return

		case r := <-m.inbox:
			m.handle(r)

		case out <- next:
			m.pending = m.pending[1:]

		case <-timerC(m.connectTimer):
			m.connectTimer = nil
			if m.state == StateConnecting {
				m.log.Warn("connect timed out", zap.Duration("after", m.opts.ConnectTimeout))
				m.lost(websocket.StatusAbnormalClosure, ErrConnectTimeout)
			}

		case <-timerC(m.retryTimer):
			m.retryTimer = nil
			m.connect()

		case <-tickerC(m.pingTicker):
			m.ping()

		case <-tickerC(m.liveTicker):
			if m.state == StateOpen && time.Since(m.lastPong) > m.opts.StaleAfter {
				m.log.Warn("heartbeat stale, forcing close", zap.Time("last_pong", m.lastPong))
				m.lost(websocket.StatusAbnormalClosure, ErrStale)
			}
		}
	}
}

func (m *Manager) handle(r request) {
	switch req := r.(type) {
	case connectReq:
		if m.retryTimer != nil || m.err != nil {
			return
		}
		m.connect()

	case reconnectReq:
		if m.state == StateClosed {
			m.attempts = 0
			m.err = nil
		}
		m.connect()

	case disconnectReq:
		m.disconnect()

	case sendReq:
		if m.state != StateOpen {
			req.reply <- ErrNotConnected
			return
		}
		req.reply <- m.write(req.msg)

	case statusReq:
		req.reply <- Status{State: m.state, Attempts: m.attempts, LastPong: m.lastPong, Err: m.err}

	case dialResult:
		if req.gen != m.gen || m.state != StateConnecting {
			if req.conn != nil {
				req.conn.CloseNow()
			}
			return
		}
		stopTimer(&m.connectTimer)
		if req.err != nil {
			m.log.Warn("dial failed", zap.Error(req.err), zap.Int("attempt", m.attempts))
			m.lost(websocket.StatusAbnormalClosure, req.err)
			return
		}
		m.opened(req.conn)

	case frame:
		if req.gen != m.gen {
			return
		}
		m.dispatch(req.data)

	case readFailed:
		if req.gen != m.gen || m.state != StateOpen {
			return
		}
		code := websocket.CloseStatus(req.err)
		if code == -1 {
			code = websocket.StatusAbnormalClosure
		}
		m.log.Info("socket closed", zap.Int("code", int(code)), zap.Error(req.err))
		m.lost(code, req.err)

	case closeDone:
		if req.gen != m.gen || m.state != StateClosing {
			return
		}
		m.dropConn()
		m.state = StateClosed
		m.emit(Closed{Code: websocket.StatusNormalClosure, Intentional: true})
		if m.pendingConnect {
			m.pendingConnect = false
			m.connect()
		}
	}
}

func (m *Manager) connect() {
	switch m.state {
	case StateConnecting, StateOpen:
		return
	case StateClosing:
		m.pendingConnect = true
		return
	}
	stopTimer(&m.retryTimer)

	target, err := m.url()
	if err != nil {
		m.err = fmt.Errorf("game url: %w", err)
		m.log.Error("cannot build game url", zap.Error(err))
		m.emit(Failed{Err: m.err})
		return
	}

	m.gen++
	gen := m.gen
	// Not derived from m.ctx: teardown still needs the connection to run
	// the close handshake after the manager context is gone.
	ctx, cancel := context.WithCancel(context.Background())
	m.connCtx, m.connCancel = ctx, cancel
	m.state = StateConnecting
	m.connectTimer = time.NewTimer(m.opts.ConnectTimeout)

	go func() {
		conn, _, err := websocket.Dial(ctx, target, nil)
		if !m.post(dialResult{gen: gen, conn: conn, err: err}) && conn != nil {
			conn.CloseNow()
		}
	}()
}

func (m *Manager) opened(conn *websocket.Conn) {
	conn.SetReadLimit(maxMessageSize)
	m.conn = conn
	m.state = StateOpen
	m.attempts = 0
	m.err = nil
	m.lastPong = time.Now()
	m.pingTicker = time.NewTicker(m.opts.PingInterval)
	m.liveTicker = time.NewTicker(m.opts.LivenessInterval)

	reconnect := m.everOpened
	m.everOpened = true
	m.log.Info("socket open", zap.Bool("reconnect", reconnect))

	go m.read(m.connCtx, m.gen, conn)
	m.emit(Opened{Reconnect: reconnect})
	m.ping()
}

func (m *Manager) read(ctx context.Context, gen int, conn *websocket.Conn) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			m.post(readFailed{gen: gen, err: err})
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		if !m.post(frame{gen: gen, data: data}) {
			return
		}
	}
}

func (m *Manager) dispatch(data []byte) {
	msg, err := types.Decode(data)
	if err != nil {
		m.log.Warn("dropping frame", zap.Error(err), zap.ByteString("frame", truncate(data, 256)))
		return
	}
	if _, ok := msg.(types.Pong); ok {
		m.lastPong = time.Now()
		return
	}
	m.emit(Received{Msg: msg})
}

// lost handles every unplanned end of the connection: dial errors, connect
// timeouts, stale heartbeats and non-normal closes.
func (m *Manager) lost(code websocket.StatusCode, cause error) {
	m.dropConn()
	m.state = StateClosed
	if code == websocket.StatusNormalClosure {
		m.emit(Closed{Code: code, Intentional: true})
		return
	}
	m.emit(Closed{Code: code, Err: cause})
	m.scheduleRetry()
}

func (m *Manager) scheduleRetry() {
	if m.attempts >= m.opts.MaxAttempts {
		m.err = ErrReconnectExhausted
		m.log.Error("giving up reconnecting", zap.Int("attempts", m.attempts))
		m.emit(Failed{Err: m.err})
		return
	}
	delay := Backoff(m.opts, m.attempts)
	m.attempts++
	m.retryTimer = time.NewTimer(delay)
	m.log.Info("reconnect scheduled", zap.Int("attempt", m.attempts), zap.Duration("delay", delay))
	m.emit(Reconnecting{Attempt: m.attempts, Delay: delay})
}

func (m *Manager) disconnect() {
	stopTimer(&m.retryTimer)
	m.pendingConnect = false

	switch m.state {
	case StateConnecting:
		m.dropConn()
		m.state = StateClosed
		m.emit(Closed{Code: websocket.StatusNormalClosure, Intentional: true})

	case StateOpen:
		m.goodbye()
		m.stopTickers()
		m.state = StateClosing
		conn, gen := m.conn, m.gen
		go func() {
			_ = conn.Close(websocket.StatusNormalClosure, "leaving")
			m.post(closeDone{gen: gen})
		}()
	}
}

func (m *Manager) goodbye() {
	if m.opts.Player == "" {
		return
	}
	if err := m.write(types.PlayerDisconnected(m.opts.Player)); err != nil {
		m.log.Debug("goodbye not sent", zap.Error(err))
	}
}

func (m *Manager) teardown() {
	stopTimer(&m.retryTimer)
	if m.state == StateOpen {
		m.goodbye()
		_ = m.conn.Close(websocket.StatusNormalClosure, "leaving")
	}
	m.dropConn()
	m.state = StateClosed
}

// dropConn forgets the current connection and everything tied to it.
func (m *Manager) dropConn() {
	stopTimer(&m.connectTimer)
	m.stopTickers()
	if m.connCancel != nil {
		m.connCancel()
		m.connCtx, m.connCancel = nil, nil
	}
	if m.conn != nil {
		m.conn.CloseNow()
		m.conn = nil
	}
	m.gen++
}

func (m *Manager) stopTickers() {
	if m.pingTicker != nil {
		m.pingTicker.Stop()
		m.pingTicker = nil
	}
	if m.liveTicker != nil {
		m.liveTicker.Stop()
		m.liveTicker = nil
	}
}

func (m *Manager) ping() {
	if m.state != StateOpen {
		return
	}
	if err := m.write(types.Ping()); err != nil {
		m.log.Debug("ping failed", zap.Error(err))
	}
}

func (m *Manager) write(msg types.Outbound) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Type, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	return m.conn.Write(ctx, websocket.MessageText, payload)
}

func (m *Manager) emit(e Event) {
	m.pending = append(m.pending, e)
}

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func tickerC(t *time.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
