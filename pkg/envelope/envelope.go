// Package envelope implements the JSON wire envelope exchanged between the chat
// client and the dialogue relay.
//
// One envelope is carried per WebSocket text frame. The Kind field is a closed
// set: message, system and typing. Fields that do not belong to the kind are
// omitted on encode and ignored on decode.
package envelope

import (
	"time"

	"github.com/pkg/errors"
)

// Kind discriminates the envelope variants.
type Kind string

const (
	KindMessage Kind = "message"
	KindSystem  Kind = "system"
	KindTyping  Kind = "typing"
)

// ParseKind returns the Kind for s, or false when s is not a known kind.
func ParseKind(s string) (Kind, bool) {
	switch Kind(s) {
	case KindMessage, KindSystem, KindTyping:
		return Kind(s), true
	default:
		return "", false
	}
}

func (k Kind) String() string { return string(k) }

// Sender identifies who produced a message.
type Sender string

const (
	SenderUser   Sender = "user"
	SenderBot    Sender = "bot"
	SenderSystem Sender = "system"
)

// ParseSender returns the Sender for s, or false when s is not a known sender.
func ParseSender(s string) (Sender, bool) {
	switch Sender(s) {
	case SenderUser, SenderBot, SenderSystem:
		return Sender(s), true
	default:
		return "", false
	}
}

func (s Sender) String() string { return string(s) }

// Action is a suggested reply attached to a bot message.
// Label is what the user sees, Value is what gets sent back when it is picked.
type Action struct {
	Label string
	Value string
}

// Envelope is the decoded wire unit.
type Envelope struct {
	Kind      Kind
	Sender    Sender
	Text      string
	Timestamp time.Time
	Actions   []Action
	// Typing is only meaningful for KindTyping.
	Typing bool
}

func NewUserMessage(text string, ts time.Time) Envelope {
	return Envelope{Kind: KindMessage, Sender: SenderUser, Text: text, Timestamp: ts}
}

func NewBotMessage(text string, ts time.Time, actions ...Action) Envelope {
	return Envelope{Kind: KindMessage, Sender: SenderBot, Text: text, Timestamp: ts, Actions: actions}
}

func NewSystem(text string, ts time.Time) Envelope {
	return Envelope{Kind: KindSystem, Sender: SenderSystem, Text: text, Timestamp: ts}
}

func NewTyping(typing bool, ts time.Time) Envelope {
	return Envelope{Kind: KindTyping, Typing: typing, Timestamp: ts}
}

// Validate checks the per-kind invariants.
func (e Envelope) Validate() error {
	switch e.Kind {
	case KindMessage:
		if _, ok := ParseSender(string(e.Sender)); !ok {
			return errors.Errorf("message envelope has invalid sender %q", e.Sender)
		}
	case KindSystem, KindTyping:
	default:
		return errors.Errorf("unknown envelope kind %q", e.Kind)
	}
	return nil
}

// EffectiveSender returns the sender a consumer should attribute the envelope to.
// System envelopes are always attributed to SenderSystem.
func (e Envelope) EffectiveSender() Sender {
	if e.Kind == KindSystem {
		return SenderSystem
	}
	return e.Sender
}
