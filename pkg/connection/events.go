package connection

import (
	"time"

	"github.com/go-go-golems/chatline/pkg/envelope"
)

// Event is emitted on Manager.Events. The set of implementations is closed;
// consumers type-switch over the concrete types below.
type Event interface {
	isEvent()
}

// Connecting is emitted when a dial starts. Attempt is 0 for the first
// connection and counts reconnect attempts afterwards.
type Connecting struct {
	Attempt int
	URL     string
}

// Opened is emitted when the transport is established.
type Opened struct {
	URL string
}

// Message carries one decoded inbound envelope.
type Message struct {
	Envelope envelope.Envelope
}

// DecodeFailed reports an inbound frame that was dropped. It never changes
// the connection state.
type DecodeFailed struct {
	Err error
}

// Error reports a transport failure. It is always followed by a Closed.
type Error struct {
	Reason string
}

// Closed reports the end of a connection.
//
// Explicit is set for the final event after Close. Exhausted is set when the
// reconnect ceiling was reached and no further attempts will be made.
type Closed struct {
	Code      int
	Reason    string
	Explicit  bool
	Exhausted bool
}

// ReconnectScheduled is emitted after an unexpected Closed when a retry timer
// has been armed.
type ReconnectScheduled struct {
	Attempt int
	Delay   time.Duration
}

func (Connecting) isEvent()         {}
func (Opened) isEvent()             {}
func (Message) isEvent()            {}
func (DecodeFailed) isEvent()       {}
func (Error) isEvent()              {}
func (Closed) isEvent()             {}
func (ReconnectScheduled) isEvent() {}
