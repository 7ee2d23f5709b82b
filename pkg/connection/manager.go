package connection

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatline/pkg/envelope"
	"github.com/go-go-golems/chatline/pkg/metrics"
	"github.com/go-go-golems/chatline/pkg/session"
	"github.com/go-go-golems/chatline/pkg/transport"
)

// inbox messages
type (
	connectCmd struct{}
	sendCmd    struct {
		env   envelope.Envelope
		reply chan error
	}
	dialResult struct {
		gen  uint64
		conn transport.Conn
		err  error
	}
	frameReceived struct {
		gen  uint64
		data []byte
	}
	connLost struct {
		gen uint64
		err error
	}
	timerFired struct {
		seq uint64
	}
)

// Manager drives one conversation's transport. See the package documentation
// for the ownership model.
type Manager struct {
	cfg       Config
	sessionID session.ID
	url       string
	dialer    transport.Dialer
	clock     Clock
	metrics   *metrics.Client
	log       zerolog.Logger

	inbox     chan any
	events    chan Event
	closeCh   chan struct{}
	closeOnce sync.Once
	done      chan struct{}
	started   atomic.Bool
	stateView atomic.Int32

	// everything below is owned by the Run goroutine
	runCtx     context.Context
	state      State
	pending    []Event
	attempt    int
	exhausted  bool
	gen        uint64
	conn       transport.Conn
	outbound   chan []byte
	dialCancel context.CancelFunc
	timer      Timer
	timerSeq   uint64
	backoff    *backoff.ExponentialBackOff

	onTransition func(from, to State)
}

type Option func(*Manager)

func WithDialer(d transport.Dialer) Option {
	return func(m *Manager) { m.dialer = d }
}

func WithClock(c Clock) Option {
	return func(m *Manager) { m.clock = c }
}

func WithMetrics(c *metrics.Client) Option {
	return func(m *Manager) { m.metrics = c }
}

// WithSessionID pins the session id instead of generating one.
func WithSessionID(id session.ID) Option {
	return func(m *Manager) { m.sessionID = id }
}

func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

func NewManager(cfg Config, opts ...Option) (*Manager, error) {
	cfg = cfg.withDefaults()
	m := &Manager{
		cfg:     cfg,
		dialer:  transport.NewWebSocketDialer(),
		clock:   realClock{},
		log:     log.Logger,
		inbox:   make(chan any, 64),
		events:  make(chan Event, cfg.EventBuffer),
		closeCh: make(chan struct{}),
		done:    make(chan struct{}),
		state:   StateIdle,
		backoff: newBackOff(cfg.Reconnect),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.sessionID == "" {
		m.sessionID = session.NewID()
	}
	url, err := transport.ResolveURL(cfg.Address, m.sessionID)
	if err != nil {
		return nil, errors.Wrap(err, "resolve relay url")
	}
	m.url = url
	m.log = m.log.With().
		Str("component", "connection").
		Str("session_id", m.sessionID.String()).
		Logger()
	m.stateView.Store(int32(StateIdle))
	return m, nil
}

func (m *Manager) SessionID() session.ID { return m.sessionID }

func (m *Manager) URL() string { return m.url }

// Events returns the ordered event stream. It is closed after Close.
func (m *Manager) Events() <-chan Event { return m.events }

// State returns a snapshot of the current state.
func (m *Manager) State() State { return State(m.stateView.Load()) }

// Connect asks the manager to open the transport. It does nothing while a
// connection is being established or already open, and restarts the retry
// budget after the reconnect ceiling was reached.
func (m *Manager) Connect() error {
	select {
	case <-m.closeCh:
		return ErrManagerClosed
	default:
	}
	if !m.post(connectCmd{}) {
		return ErrManagerClosed
	}
	return nil
}

// Send encodes env and hands it to the transport writer. It does not wait for
// the network. Outside StateOpen it returns an error matching
// ErrSendWhileClosed and the message is dropped.
func (m *Manager) Send(env envelope.Envelope) error {
	if !m.started.Load() {
		return ErrNotRunning
	}
	reply := make(chan error, 1)
	if !m.post(sendCmd{env: env, reply: reply}) {
		return ErrManagerClosed
	}
	select {
	case err := <-reply:
		return err
	case <-m.done:
		return ErrManagerClosed
	}
}

// Close tears the session down for good: pending reconnects are cancelled,
// the transport is released and the event stream ends with Closed{Explicit}.
// Close is idempotent and waits for Run to return. Closing a manager whose
// Run never started ends the event stream right away and makes a later Run
// return ErrManagerClosed.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() { close(m.closeCh) })
	if m.started.CompareAndSwap(false, true) {
		m.stateView.Store(int32(StateClosed))
		close(m.events)
		close(m.done)
		return nil
	}
	<-m.done
	return nil
}

// Run owns all manager state until ctx is cancelled or Close is called.
func (m *Manager) Run(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		select {
		case <-m.closeCh:
			return ErrManagerClosed
		default:
		}
		return errors.New("connection manager already running")
	}
	defer close(m.done)
	m.runCtx = ctx
	m.log.Debug().Str("url", m.url).Msg("connection manager running")

	for {
		select {
		case <-m.closeCh:
			m.shutdown(transport.CloseNormal, "client closed")
			return nil
		default:
		}

		var out chan<- Event
		var next Event
		if len(m.pending) > 0 {
			out = m.events
			next = m.pending[0]
		}

		select {
		case <-ctx.Done():
			m.shutdown(transport.CloseGoingAway, "client shutting down")
			return nil
		case <-m.closeCh:
			m.shutdown(transport.CloseNormal, "client closed")
			return nil
		case in := <-m.inbox:
			m.handle(in)
		case out <- next:
			m.pending[0] = nil
			m.pending = m.pending[1:]
		}
	}
}

func (m *Manager) post(msg any) bool {
	select {
	case <-m.closeCh:
		return false
	default:
	}
	select {
	case m.inbox <- msg:
		return true
	case <-m.closeCh:
		return false
	case <-m.done:
		return false
	}
}

func (m *Manager) emit(ev Event) {
	m.pending = append(m.pending, ev)
}

func (m *Manager) handle(in any) {
	switch msg := in.(type) {
	case connectCmd:
		m.handleConnect()
	case sendCmd:
		msg.reply <- m.handleSend(msg.env)
	case dialResult:
		m.handleDialResult(msg)
	case frameReceived:
		m.handleFrame(msg)
	case connLost:
		m.handleConnLost(msg)
	case timerFired:
		m.handleTimer(msg)
	default:
		m.log.Warn().Type("msg", in).Msg("unexpected inbox message")
	}
}

func (m *Manager) transition(to State) bool {
	from := m.state
	if !canTransition(from, to) {
		m.log.Error().Stringer("from", from).Stringer("to", to).Msg("illegal state transition ignored")
		return false
	}
	m.state = to
	m.stateView.Store(int32(to))
	m.metrics.StateChanged(from.String(), to.String())
	m.log.Debug().Stringer("from", from).Stringer("to", to).Msg("state transition")
	if m.onTransition != nil {
		m.onTransition(from, to)
	}
	return true
}

func (m *Manager) handleConnect() {
	switch m.state {
	case StateConnecting, StateOpen, StateClosing:
		m.log.Debug().Stringer("state", m.state).Msg("connect ignored")
		return
	case StateReconnecting:
		m.stopTimer()
	case StateClosed:
		if m.exhausted {
			m.exhausted = false
			m.attempt = 0
			m.backoff.Reset()
		}
	}
	m.dial()
}

func (m *Manager) dial() {
	if !m.transition(StateConnecting) {
		return
	}
	m.gen++
	gen := m.gen
	ctx, cancel := context.WithTimeout(m.runCtx, m.cfg.DialTimeout)
	m.dialCancel = cancel
	m.log.Info().Str("url", m.url).Int("attempt", m.attempt).Msg("connecting")
	m.emit(Connecting{Attempt: m.attempt, URL: m.url})

	dialer := m.dialer
	url := m.url
	go func() {
		defer cancel()
		conn, err := dialer.Dial(ctx, url)
		if !m.post(dialResult{gen: gen, conn: conn, err: err}) && conn != nil {
			_ = conn.Close(transport.CloseGoingAway, "client closed")
		}
	}()
}

func (m *Manager) handleDialResult(r dialResult) {
	if r.gen != m.gen || m.state != StateConnecting {
		if r.conn != nil {
			_ = r.conn.Close(transport.CloseNormal, "superseded")
		}
		return
	}
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
	if r.err != nil {
		m.log.Warn().Err(r.err).Int("attempt", m.attempt).Msg("dial failed")
		m.emit(Error{Reason: r.err.Error()})
		m.unexpectedClose(transport.CloseAbnormal, r.err.Error())
		return
	}

	m.conn = r.conn
	m.outbound = make(chan []byte, m.cfg.SendBuffer)
	m.transition(StateOpen)
	m.attempt = 0
	m.backoff.Reset()
	m.metrics.Connected()
	go m.readLoop(r.gen, r.conn)
	go m.writeLoop(r.gen, r.conn, m.outbound)
	m.log.Info().Str("url", m.url).Msg("connection opened")
	m.emit(Opened{URL: m.url})
}

func (m *Manager) handleFrame(f frameReceived) {
	if f.gen != m.gen || m.state != StateOpen {
		return
	}
	env, err := envelope.Decode(f.data)
	if err != nil {
		m.metrics.DecodeError()
		m.log.Warn().Err(err).Int("bytes", len(f.data)).Msg("dropping undecodable frame")
		m.emit(DecodeFailed{Err: err})
		return
	}
	m.metrics.FrameReceived(env.Kind.String())
	m.emit(Message{Envelope: env})
}

func (m *Manager) handleConnLost(l connLost) {
	if l.gen != m.gen || m.state != StateOpen {
		return
	}
	code, reason := transport.CloseInfo(l.err)
	m.releaseConn(transport.CloseGoingAway, "connection lost")
	m.log.Warn().Err(l.err).Int("code", code).Msg("connection lost")
	if !transport.IsCleanClose(code) {
		m.emit(Error{Reason: reason})
	}
	m.unexpectedClose(code, reason)
}

// unexpectedClose settles in Closed and either arms the reconnect timer or,
// once the ceiling is reached, reports exhaustion.
func (m *Manager) unexpectedClose(code int, reason string) {
	m.transition(StateClosed)
	if m.attempt >= m.cfg.Reconnect.MaxAttempts {
		m.exhausted = true
		m.metrics.ReconnectExhausted()
		m.log.Error().Int("attempts", m.attempt).Msg("reconnect attempts exhausted")
		m.emit(Closed{Code: code, Reason: reason, Exhausted: true})
		return
	}
	m.emit(Closed{Code: code, Reason: reason})

	delay := m.backoff.NextBackOff()
	m.attempt++
	m.transition(StateReconnecting)
	m.startTimer(delay)
	m.metrics.ReconnectScheduled(delay.Seconds())
	m.log.Info().Int("attempt", m.attempt).Dur("delay", delay).Msg("reconnect scheduled")
	m.emit(ReconnectScheduled{Attempt: m.attempt, Delay: delay})
}

func (m *Manager) handleSend(env envelope.Envelope) error {
	if m.state != StateOpen || m.outbound == nil {
		m.metrics.SendRejected()
		return &RejectedError{State: m.state}
	}
	data, err := envelope.Encode(env)
	if err != nil {
		return errors.Wrap(err, "encode envelope")
	}
	select {
	case m.outbound <- data:
		return nil
	default:
		m.metrics.SendRejected()
		return ErrSendBufferFull
	}
}

func (m *Manager) handleTimer(t timerFired) {
	if t.seq != m.timerSeq || m.timer == nil || m.state != StateReconnecting {
		return
	}
	m.timer = nil
	m.dial()
}

// startTimer arms the reconnect timer; at most one is ever pending.
func (m *Manager) startTimer(d time.Duration) {
	m.stopTimer()
	seq := m.timerSeq
	m.timer = m.clock.AfterFunc(d, func() {
		m.post(timerFired{seq: seq})
	})
}

// stopTimer cancels the pending timer and invalidates a firing already queued.
func (m *Manager) stopTimer() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.timerSeq++
}

func (m *Manager) readLoop(gen uint64, conn transport.Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			m.post(connLost{gen: gen, err: err})
			return
		}
		if !m.post(frameReceived{gen: gen, data: data}) {
			return
		}
	}
}

func (m *Manager) writeLoop(gen uint64, conn transport.Conn, out <-chan []byte) {
	for data := range out {
		if err := conn.WriteMessage(data); err != nil {
			m.post(connLost{gen: gen, err: err})
			return
		}
		m.metrics.FrameSent()
	}
}

func (m *Manager) releaseConn(code int, reason string) {
	if m.conn == nil {
		return
	}
	close(m.outbound)
	m.outbound = nil
	if err := m.conn.Close(code, reason); err != nil {
		m.log.Debug().Err(err).Msg("transport close")
	}
	m.conn = nil
}

func (m *Manager) shutdown(code int, reason string) {
	m.stopTimer()
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
	m.gen++
	if m.state != StateClosing {
		m.transition(StateClosing)
	}
	m.releaseConn(code, reason)
	m.transition(StateClosed)
	m.emit(Closed{Code: code, Reason: reason, Explicit: true})

	for _, ev := range m.pending {
		select {
		case m.events <- ev:
		default:
			m.log.Warn().Type("event", ev).Msg("event buffer full at shutdown, dropping event")
		}
	}
	m.pending = nil
	close(m.events)
	m.drainInbox()
	m.log.Info().Msg("connection manager closed")
}

func (m *Manager) drainInbox() {
	for {
		select {
		case in := <-m.inbox:
			switch msg := in.(type) {
			case dialResult:
				if msg.conn != nil {
					_ = msg.conn.Close(transport.CloseGoingAway, "client closed")
				}
			case sendCmd:
				msg.reply <- ErrManagerClosed
			}
		default:
			return
		}
	}
}
