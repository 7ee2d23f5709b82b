// Package conversation keeps the transcript, typing flag and connection status
// of one chat session.
//
// A State is not safe for concurrent use. It is owned by whichever goroutine
// drains the connection events (the bubbletea update loop or the plain line
// loop), which is also the only goroutine allowed to call SendText.
package conversation

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/go-go-golems/chatline/pkg/connection"
	"github.com/go-go-golems/chatline/pkg/envelope"
)

type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusFailed       Status = "failed"
)

var ErrEmptyMessage = errors.New("message is empty")

// exhaustedReason is used when the manager gave up without a transport error
// to report.
const exhaustedReason = "reconnect attempts exhausted"

// Message is one transcript entry. Messages are appended and never changed.
type Message struct {
	ID        string
	Text      string
	Sender    envelope.Sender
	Timestamp time.Time
	Actions   []envelope.Action
}

// Sender is the outbound half of the connection manager.
type Sender interface {
	Send(env envelope.Envelope) error
}

// Snapshot is a read-only copy of the state for rendering.
type Snapshot struct {
	Messages []Message
	Typing   bool
	Status   Status
	Reason   string
}

type State struct {
	messages []Message
	typing   bool
	status   Status
	reason   string

	now   func() time.Time
	newID func() string
}

type Option func(*State)

// WithClock sets the time source used for local messages and for inbound
// envelopes that carry no timestamp.
func WithClock(now func() time.Time) Option {
	return func(s *State) { s.now = now }
}

func New(opts ...Option) *State {
	s := &State{
		status: StatusDisconnected,
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Apply folds one connection event into the state and reports whether
// anything visible changed.
func (s *State) Apply(ev connection.Event) bool {
	switch e := ev.(type) {
	case connection.Message:
		return s.applyEnvelope(e.Envelope)
	case connection.Opened:
		s.status = StatusConnected
		s.reason = ""
		return true
	case connection.Connecting:
		return s.setStatus(StatusConnecting)
	case connection.ReconnectScheduled:
		return s.setStatus(StatusConnecting)
	case connection.Error:
		s.reason = e.Reason
		return true
	case connection.Closed:
		s.typing = false
		if e.Exhausted {
			s.status = StatusFailed
			if s.reason == "" {
				s.reason = e.Reason
			}
			if s.reason == "" {
				s.reason = exhaustedReason
			}
			return true
		}
		s.status = StatusDisconnected
		return true
	case connection.DecodeFailed:
		return false
	default:
		return false
	}
}

func (s *State) applyEnvelope(env envelope.Envelope) bool {
	switch env.Kind {
	case envelope.KindMessage:
		// user messages were appended when they were sent
		if env.Sender == envelope.SenderUser {
			return false
		}
		s.appendEnvelope(env, env.Sender)
		if env.Sender == envelope.SenderBot {
			s.typing = false
		}
		return true
	case envelope.KindSystem:
		s.appendEnvelope(env, envelope.SenderSystem)
		return true
	case envelope.KindTyping:
		if s.typing == env.Typing {
			return false
		}
		s.typing = env.Typing
		return true
	default:
		return false
	}
}

func (s *State) setStatus(status Status) bool {
	if s.status == status {
		return false
	}
	s.status = status
	return true
}

func (s *State) appendEnvelope(env envelope.Envelope, sender envelope.Sender) {
	ts := env.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	s.messages = append(s.messages, Message{
		ID:        s.newID(),
		Text:      env.Text,
		Sender:    sender,
		Timestamp: ts,
		Actions:   append([]envelope.Action(nil), env.Actions...),
	})
}

// SendText sends text as a user message and appends it to the transcript right
// away. Nothing is appended when the send is rejected.
func (s *State) SendText(out Sender, text string) (Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Message{}, ErrEmptyMessage
	}
	return s.send(out, text, text)
}

// SendAction sends a suggested reply. The value goes on the wire while the
// transcript shows the label.
func (s *State) SendAction(out Sender, action envelope.Action) (Message, error) {
	value := action.Value
	if value == "" {
		value = action.Label
	}
	if strings.TrimSpace(value) == "" {
		return Message{}, ErrEmptyMessage
	}
	label := action.Label
	if label == "" {
		label = value
	}
	return s.send(out, value, label)
}

func (s *State) send(out Sender, wire, display string) (Message, error) {
	if s.status != StatusConnected {
		return Message{}, errors.Wrapf(connection.ErrSendWhileClosed, "status is %s", s.status)
	}
	ts := s.now()
	if err := out.Send(envelope.NewUserMessage(wire, ts)); err != nil {
		return Message{}, err
	}
	m := Message{
		ID:        s.newID(),
		Text:      display,
		Sender:    envelope.SenderUser,
		Timestamp: ts,
	}
	s.messages = append(s.messages, m)
	return m, nil
}

// Messages returns a copy of the transcript.
func (s *State) Messages() []Message {
	out := make([]Message, len(s.messages))
	for i, m := range s.messages {
		m.Actions = append([]envelope.Action(nil), m.Actions...)
		out[i] = m
	}
	return out
}

// LatestActions returns the suggested replies of the most recent bot message.
func (s *State) LatestActions() []envelope.Action {
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].Sender == envelope.SenderBot {
			return append([]envelope.Action(nil), s.messages[i].Actions...)
		}
	}
	return nil
}

func (s *State) Status() Status { return s.status }

func (s *State) Reason() string { return s.reason }

func (s *State) Typing() bool { return s.typing }

func (s *State) Snapshot() Snapshot {
	return Snapshot{
		Messages: s.Messages(),
		Typing:   s.typing,
		Status:   s.status,
		Reason:   s.reason,
	}
}
