package envelope

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ErrDecode is matched (errors.Is) by every error returned from Decode.
var ErrDecode = errors.New("envelope decode failed")

// DecodeError describes a frame that could not be turned into an Envelope.
// Decode errors are per-frame: the frame is dropped, the connection is not affected.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode envelope: %s: %v", e.Reason, e.Err)
	}
	return "decode envelope: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

type wireAction struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

type wireEnvelope struct {
	Kind      Kind         `json:"kind"`
	Sender    Sender       `json:"sender,omitempty"`
	Text      string       `json:"text,omitempty"`
	Timestamp string       `json:"timestamp,omitempty"`
	Actions   []wireAction `json:"actions,omitempty"`
	Typing    *bool        `json:"typing,omitempty"`
}

// inboundEnvelope also accepts the field names used by older relays
// (type, message, buttons, isTyping).
type inboundEnvelope struct {
	Kind      *string        `json:"kind"`
	Type      *string        `json:"type"`
	Sender    string         `json:"sender"`
	Text      *string        `json:"text"`
	Message   *string        `json:"message"`
	Timestamp string         `json:"timestamp"`
	Actions   []wireAction   `json:"actions"`
	Buttons   []legacyButton `json:"buttons"`
	Typing    *bool          `json:"typing"`
	IsTyping  *bool          `json:"isTyping"`
}

type legacyButton struct {
	Title   string `json:"title"`
	Payload string `json:"payload"`
}

// naiveTimestamp is the zone-less ISO form emitted by Python's datetime.isoformat().
const naiveTimestamp = "2006-01-02T15:04:05.999999999"

// Encode serializes e as one JSON object.
func Encode(e Envelope) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	w := wireEnvelope{Kind: e.Kind}
	if !e.Timestamp.IsZero() {
		w.Timestamp = e.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	switch e.Kind {
	case KindMessage:
		w.Sender = e.Sender
		w.Text = e.Text
		for _, a := range e.Actions {
			w.Actions = append(w.Actions, wireAction(a))
		}
	case KindSystem:
		w.Text = e.Text
	case KindTyping:
		typing := e.Typing
		w.Typing = &typing
	}
	b, err := json.Marshal(w)
	if err != nil {
		return nil, errors.Wrap(err, "marshal envelope")
	}
	return b, nil
}

// Decode parses one frame. Every failure is a *DecodeError.
func Decode(data []byte) (Envelope, error) {
	var in inboundEnvelope
	if err := json.Unmarshal(data, &in); err != nil {
		return Envelope{}, &DecodeError{Reason: "invalid json", Err: err}
	}

	rawKind := firstString(in.Kind, in.Type)
	if rawKind == "" {
		return Envelope{}, &DecodeError{Reason: "missing kind"}
	}
	kind, ok := ParseKind(rawKind)
	if !ok {
		return Envelope{}, &DecodeError{Reason: fmt.Sprintf("unknown kind %q", rawKind)}
	}

	env := Envelope{
		Kind:      kind,
		Text:      firstString(in.Text, in.Message),
		Timestamp: parseTimestamp(in.Timestamp),
	}

	switch kind {
	case KindMessage:
		sender, ok := ParseSender(strings.TrimSpace(in.Sender))
		if !ok {
			return Envelope{}, &DecodeError{Reason: fmt.Sprintf("message has invalid sender %q", in.Sender)}
		}
		env.Sender = sender
		env.Actions = decodeActions(in.Actions, in.Buttons)
	case KindSystem:
		env.Sender = SenderSystem
	case KindTyping:
		typing := in.Typing
		if typing == nil {
			typing = in.IsTyping
		}
		if typing == nil {
			return Envelope{}, &DecodeError{Reason: "typing envelope without typing flag"}
		}
		env.Typing = *typing
		env.Text = ""
	}

	return env, nil
}

func decodeActions(actions []wireAction, buttons []legacyButton) []Action {
	if len(actions) == 0 && len(buttons) == 0 {
		return nil
	}
	ret := make([]Action, 0, len(actions)+len(buttons))
	for _, a := range actions {
		ret = append(ret, Action(a))
	}
	for _, b := range buttons {
		ret = append(ret, Action{Label: b.Title, Value: b.Payload})
	}
	return ret
}

func parseTimestamp(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	if t, err := time.ParseInLocation(naiveTimestamp, s, time.UTC); err == nil {
		return t
	}
	return time.Time{}
}

func firstString(vals ...*string) string {
	for _, v := range vals {
		if v != nil && *v != "" {
			return *v
		}
	}
	return ""
}
