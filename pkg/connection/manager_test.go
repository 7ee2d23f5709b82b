package connection

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatline/pkg/envelope"
	"github.com/go-go-golems/chatline/pkg/transport"
)

const testSession = "session_1700000000000_abcdefghi"

func newBareManager(t *testing.T, d *fakeDialer, c *fakeClock) *Manager {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Address = transport.AddressConfig{BaseURL: "ws://relay.test"}
	m, err := NewManager(cfg,
		WithDialer(d),
		WithClock(c),
		WithSessionID(testSession),
		WithLogger(zerolog.Nop()),
	)
	require.NoError(t, err)
	return m
}

func startManager(t *testing.T, d *fakeDialer, c *fakeClock) *Manager {
	t.Helper()
	m := newBareManager(t, d, c)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- m.Run(ctx) }()
	require.Eventually(t, m.started.Load, time.Second, time.Millisecond)
	t.Cleanup(func() {
		_ = m.Close()
		cancel()
		require.NoError(t, <-errCh)
	})
	return m
}

func expect[T Event](t *testing.T, events <-chan Event) T {
	t.Helper()
	select {
	case ev, ok := <-events:
		require.True(t, ok, "event stream closed")
		typed, ok := ev.(T)
		require.Truef(t, ok, "expected %T, got %#v", *new(T), ev)
		return typed
	case <-time.After(2 * time.Second):
		require.FailNow(t, "timed out waiting for event")
	}
	var zero T
	return zero
}

func drainUntilClosed(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			require.FailNow(t, "event stream was not closed")
		}
	}
}

func TestManagerURL(t *testing.T) {
	m := newBareManager(t, &fakeDialer{}, &fakeClock{})
	require.Equal(t, "ws://relay.test/ws/chat/"+testSession, m.URL())
	require.Equal(t, StateIdle, m.State())
}

func TestReconnectDelaySequenceAndExhaustion(t *testing.T) {
	dialer := &fakeDialer{}
	clock := &fakeClock{}
	m := startManager(t, dialer, clock)
	events := m.Events()

	require.NoError(t, m.Connect())
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second}

	for i, delay := range want {
		c := expect[Connecting](t, events)
		require.Equal(t, i, c.Attempt)
		expect[Error](t, events)
		closed := expect[Closed](t, events)
		require.False(t, closed.Exhausted)
		require.Equal(t, transport.CloseAbnormal, closed.Code)
		s := expect[ReconnectScheduled](t, events)
		require.Equal(t, i+1, s.Attempt)
		require.Equal(t, delay, s.Delay)
		require.Equal(t, StateReconnecting, m.State())
		require.True(t, clock.fireLast())
	}

	c := expect[Connecting](t, events)
	require.Equal(t, 5, c.Attempt)
	expect[Error](t, events)
	closed := expect[Closed](t, events)
	require.True(t, closed.Exhausted)
	require.Equal(t, StateClosed, m.State())
	require.Equal(t, want, clock.delays())
	require.Equal(t, 0, clock.active())
	require.Equal(t, 6, dialer.dials())

	// a manual connect restarts the retry budget
	conn := newFakeConn()
	dialer.push(dialOutcome{conn: conn})
	require.NoError(t, m.Connect())
	c = expect[Connecting](t, events)
	require.Equal(t, 0, c.Attempt)
	expect[Opened](t, events)
}

func TestAttemptResetsAfterOpen(t *testing.T) {
	dialer := &fakeDialer{}
	clock := &fakeClock{}
	conn := newFakeConn()
	dialer.push(dialOutcome{err: errors.New("refused")}, dialOutcome{conn: conn})
	m := startManager(t, dialer, clock)
	events := m.Events()

	require.NoError(t, m.Connect())
	expect[Connecting](t, events)
	expect[Error](t, events)
	expect[Closed](t, events)
	s := expect[ReconnectScheduled](t, events)
	require.Equal(t, time.Second, s.Delay)

	require.True(t, clock.fireLast())
	c := expect[Connecting](t, events)
	require.Equal(t, 1, c.Attempt)
	opened := expect[Opened](t, events)
	require.Equal(t, m.URL(), opened.URL)
	require.Equal(t, StateOpen, m.State())

	conn.fail(errors.New("connection reset by peer"))
	errEv := expect[Error](t, events)
	require.Contains(t, errEv.Reason, "reset")
	expect[Closed](t, events)
	s = expect[ReconnectScheduled](t, events)
	require.Equal(t, 1, s.Attempt)
	require.Equal(t, time.Second, s.Delay)
}

func TestCleanServerCloseStillReconnects(t *testing.T) {
	dialer := &fakeDialer{}
	clock := &fakeClock{}
	conn := newFakeConn()
	dialer.push(dialOutcome{conn: conn})
	m := startManager(t, dialer, clock)
	events := m.Events()

	require.NoError(t, m.Connect())
	expect[Connecting](t, events)
	expect[Opened](t, events)

	conn.fail(&websocket.CloseError{Code: websocket.CloseNormalClosure, Text: "bye"})
	closed := expect[Closed](t, events)
	require.Equal(t, transport.CloseNormal, closed.Code)
	require.Equal(t, "bye", closed.Reason)
	require.False(t, closed.Explicit)
	expect[ReconnectScheduled](t, events)
}

func TestSendRejectedWhenNotOpen(t *testing.T) {
	m := startManager(t, &fakeDialer{}, &fakeClock{})

	err := m.Send(envelope.NewUserMessage("hi", time.Now()))
	require.ErrorIs(t, err, ErrSendWhileClosed)
	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	require.Equal(t, StateIdle, rejected.State)
}

func TestSendBeforeRun(t *testing.T) {
	m := newBareManager(t, &fakeDialer{}, &fakeClock{})
	require.ErrorIs(t, m.Send(envelope.NewUserMessage("hi", time.Now())), ErrNotRunning)
}

func TestCloseWithoutRun(t *testing.T) {
	d := &fakeDialer{}
	m := newBareManager(t, d, &fakeClock{})

	require.NoError(t, m.Close())
	require.Empty(t, drainUntilClosed(t, m.Events()))
	require.Equal(t, StateClosed, m.State())
	require.ErrorIs(t, m.Send(envelope.NewUserMessage("hi", time.Now())), ErrManagerClosed)
	require.ErrorIs(t, m.Connect(), ErrManagerClosed)
	require.ErrorIs(t, m.Run(context.Background()), ErrManagerClosed)
	require.NoError(t, m.Close())
	require.Zero(t, d.dials())
}

func TestSendAndReceiveWhileOpen(t *testing.T) {
	dialer := &fakeDialer{}
	conn := newFakeConn()
	dialer.push(dialOutcome{conn: conn})
	m := startManager(t, dialer, &fakeClock{})
	events := m.Events()

	require.NoError(t, m.Connect())
	expect[Connecting](t, events)
	expect[Opened](t, events)

	require.NoError(t, m.Send(envelope.NewUserMessage("I have a headache", time.Now())))
	require.Eventually(t, func() bool { return len(conn.frames()) == 1 }, time.Second, time.Millisecond)
	sent, err := envelope.Decode(conn.frames()[0])
	require.NoError(t, err)
	require.Equal(t, envelope.SenderUser, sent.Sender)
	require.Equal(t, "I have a headache", sent.Text)

	conn.reads <- []byte(`{"kind":"message","sender":"bot","text":"Hello","actions":[{"label":"Yes","value":"/affirm"}]}`)
	msg := expect[Message](t, events)
	require.Equal(t, "Hello", msg.Envelope.Text)
	require.Len(t, msg.Envelope.Actions, 1)

	conn.reads <- []byte(`not json`)
	failed := expect[DecodeFailed](t, events)
	require.ErrorIs(t, failed.Err, envelope.ErrDecode)
	require.Equal(t, StateOpen, m.State())

	conn.reads <- []byte(`{"kind":"typing","typing":true}`)
	msg = expect[Message](t, events)
	require.Equal(t, envelope.KindTyping, msg.Envelope.Kind)
	require.True(t, msg.Envelope.Typing)
}

func TestConnectIsNoopWhileOpen(t *testing.T) {
	dialer := &fakeDialer{}
	dialer.push(dialOutcome{conn: newFakeConn()})
	m := startManager(t, dialer, &fakeClock{})
	events := m.Events()

	require.NoError(t, m.Connect())
	expect[Connecting](t, events)
	expect[Opened](t, events)
	require.NoError(t, m.Connect())
	require.NoError(t, m.Connect())

	// round trip through the loop so both connects have been handled
	require.NoError(t, m.Send(envelope.NewUserMessage("ping", time.Now())))
	require.Equal(t, 1, dialer.dials())
	require.Equal(t, StateOpen, m.State())
}

func TestCloseCancelsPendingReconnect(t *testing.T) {
	dialer := &fakeDialer{}
	clock := &fakeClock{}
	m := startManager(t, dialer, clock)
	events := m.Events()

	require.NoError(t, m.Connect())
	expect[Connecting](t, events)
	expect[Error](t, events)
	expect[Closed](t, events)
	expect[ReconnectScheduled](t, events)
	require.Equal(t, 1, clock.active())

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	rest := drainUntilClosed(t, events)
	require.NotEmpty(t, rest)
	final, ok := rest[len(rest)-1].(Closed)
	require.True(t, ok)
	require.True(t, final.Explicit)
	require.Equal(t, 0, clock.active())
	require.Equal(t, StateClosed, m.State())

	// a callback that raced with Close must not dial
	clock.timers[0].fn()
	require.Equal(t, 1, dialer.dials())

	require.ErrorIs(t, m.Connect(), ErrManagerClosed)
	require.ErrorIs(t, m.Send(envelope.NewUserMessage("late", time.Now())), ErrManagerClosed)
}

func TestCloseReleasesOpenConnection(t *testing.T) {
	dialer := &fakeDialer{}
	conn := newFakeConn()
	dialer.push(dialOutcome{conn: conn})
	m := startManager(t, dialer, &fakeClock{})
	events := m.Events()

	require.NoError(t, m.Connect())
	expect[Connecting](t, events)
	expect[Opened](t, events)

	require.NoError(t, m.Close())
	rest := drainUntilClosed(t, events)
	require.Len(t, rest, 1)
	require.Equal(t, Closed{Code: transport.CloseNormal, Reason: "client closed", Explicit: true}, rest[0])
	require.True(t, conn.isClosed())
	conn.mu.Lock()
	require.Equal(t, transport.CloseNormal, conn.closeCode)
	conn.mu.Unlock()
}

func TestCancelledContextStopsRun(t *testing.T) {
	dialer := &fakeDialer{}
	m := newBareManager(t, dialer, &fakeClock{})
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- m.Run(ctx) }()

	cancel()
	require.NoError(t, <-errCh)
	rest := drainUntilClosed(t, m.Events())
	final := rest[len(rest)-1].(Closed)
	require.True(t, final.Explicit)
	require.Equal(t, transport.CloseGoingAway, final.Code)
	require.Error(t, m.Run(context.Background()))
}

// The tests below drive the loop by hand: without Run, the calling goroutine
// owns the manager state and reads transport notifications off the inbox.

func openByHand(t *testing.T, m *Manager) *fakeConn {
	t.Helper()
	m.handle(connectCmd{})
	res := (<-m.inbox).(dialResult)
	m.handle(res)
	require.Equal(t, StateOpen, m.state)
	return res.conn.(*fakeConn)
}

func TestStaleGenerationIsIgnored(t *testing.T) {
	dialer := &fakeDialer{}
	first, second := newFakeConn(), newFakeConn()
	dialer.push(dialOutcome{conn: first}, dialOutcome{conn: second})
	m := newBareManager(t, dialer, &fakeClock{})
	m.runCtx = context.Background()

	openByHand(t, m)
	oldGen := m.gen

	first.fail(errors.New("broken pipe"))
	lost := (<-m.inbox).(connLost)
	m.handle(lost)
	require.Equal(t, StateReconnecting, m.state)

	m.handle(timerFired{seq: m.timerSeq})
	res := (<-m.inbox).(dialResult)
	m.handle(res)
	require.Equal(t, StateOpen, m.state)
	require.Greater(t, m.gen, oldGen)

	m.pending = nil
	frame, err := envelope.Encode(envelope.NewBotMessage("old", time.Now()))
	require.NoError(t, err)
	m.handle(frameReceived{gen: oldGen, data: frame})
	m.handle(connLost{gen: oldGen, err: errors.New("late")})
	require.Empty(t, m.pending)
	require.Equal(t, StateOpen, m.state)

	stray := newFakeConn()
	m.handle(dialResult{gen: oldGen, conn: stray})
	require.True(t, stray.isClosed())
	require.Equal(t, StateOpen, m.state)
	require.False(t, second.isClosed())
}

func TestStaleTimerIsIgnored(t *testing.T) {
	m := newBareManager(t, &fakeDialer{}, &fakeClock{})
	m.runCtx = context.Background()

	m.handle(connectCmd{})
	m.handle((<-m.inbox).(dialResult))
	require.Equal(t, StateReconnecting, m.state)
	staleSeq := m.timerSeq - 1

	m.handle(timerFired{seq: staleSeq})
	require.Equal(t, StateReconnecting, m.state)
}

func TestDisabledReconnect(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Address = transport.AddressConfig{BaseURL: "ws://relay.test"}
	cfg.Reconnect.MaxAttempts = -1
	clock := &fakeClock{}
	m, err := NewManager(cfg, WithDialer(&fakeDialer{}), WithClock(clock), WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	m.runCtx = context.Background()

	m.handle(connectCmd{})
	m.handle((<-m.inbox).(dialResult))
	require.Equal(t, StateClosed, m.state)
	require.True(t, m.exhausted)
	require.Empty(t, clock.timers)
}

func TestRandomizedSequenceKeepsInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	dialer := &fakeDialer{}
	clock := &fakeClock{}
	m := newBareManager(t, dialer, clock)
	m.runCtx = context.Background()

	var illegal int
	m.onTransition = func(from, to State) {
		if !canTransition(from, to) {
			illegal++
		}
	}

	var conns []*fakeConn
	for i := 0; i < 500; i++ {
		switch rng.Intn(5) {
		case 0:
			if rng.Intn(2) == 0 {
				c := newFakeConn()
				conns = append(conns, c)
				dialer.push(dialOutcome{conn: c})
			} else {
				dialer.push(dialOutcome{err: errors.New("refused")})
			}
			m.handle(connectCmd{})
		case 1:
			if len(conns) > 0 {
				conns[rng.Intn(len(conns))].fail(errors.New("reset"))
			}
		case 2:
			clock.fireLast()
		case 3:
			err := m.handleSend(envelope.NewUserMessage("x", time.Now()))
			if m.state != StateOpen {
				require.ErrorIs(t, err, ErrSendWhileClosed)
			}
		case 4:
			// deliver whatever the transport goroutines posted
		}

		settle(m)
		require.LessOrEqual(t, clock.active(), 1)
		require.LessOrEqual(t, m.attempt, m.cfg.Reconnect.MaxAttempts)
		if m.state == StateReconnecting {
			require.Equal(t, 1, clock.active())
		}
		m.pending = nil
	}
	require.Zero(t, illegal)

	m.shutdown(transport.CloseNormal, "done")
	require.Equal(t, StateClosed, m.state)
	require.Equal(t, 0, clock.active())
}

// settle handles inbox messages until the transport goroutines go quiet.
func settle(m *Manager) {
	for {
		select {
		case in := <-m.inbox:
			m.handle(in)
		case <-time.After(5 * time.Millisecond):
			return
		}
	}
}
