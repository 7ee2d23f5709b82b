// Package dialogue talks to the dialogue engine that answers user messages.
package dialogue

import (
	"context"
	"strings"
	"time"

	"github.com/go-go-golems/chatline/pkg/envelope"
	"github.com/go-go-golems/chatline/pkg/session"
)

// Reply is the engine's answer to one user message.
type Reply struct {
	Messages []envelope.Envelope
	// Fallback is set when the engine could not be reached and the canned
	// reply was used instead.
	Fallback bool
}

// Engine answers user messages for a session.
type Engine interface {
	Respond(ctx context.Context, id session.ID, text string) (Reply, error)
	Healthy(ctx context.Context) bool
}

const fallbackText = "I'm having trouble processing your message right now. How can I help you with your health concerns?"

var fallbackActions = []envelope.Action{
	{Label: "Report Symptoms", Value: "/report_symptoms"},
	{Label: "Book Appointment", Value: "/book_appointment"},
	{Label: "Get Advice", Value: "/get_health_advice"},
}

// FallbackReply is sent when no engine URL answered.
func FallbackReply(now time.Time) Reply {
	actions := append([]envelope.Action(nil), fallbackActions...)
	return Reply{
		Messages: []envelope.Envelope{envelope.NewBotMessage(fallbackText, now, actions...)},
		Fallback: true,
	}
}

// Echo answers every message with its own text. It is used when no engine is
// configured.
type Echo struct{}

var _ Engine = Echo{}

func (Echo) Respond(_ context.Context, _ session.ID, text string) (Reply, error) {
	return Reply{Messages: []envelope.Envelope{
		envelope.NewBotMessage("You said: "+strings.TrimSpace(text), time.Now().UTC()),
	}}, nil
}

func (Echo) Healthy(context.Context) bool { return true }
