package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatline/pkg/conversation"
	"github.com/go-go-golems/chatline/pkg/envelope"
)

// markdownRenderer keeps one glamour renderer per wrap width.
type markdownRenderer struct {
	r     *glamour.TermRenderer
	width int
}

func (mr *markdownRenderer) renderer(width int) (*glamour.TermRenderer, error) {
	if mr.r != nil && mr.width == width {
		return mr.r, nil
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle("dark"),
		glamour.WithWordWrap(max(width-12, 20)),
	)
	if err != nil {
		return nil, err
	}
	mr.r, mr.width = r, width
	return r, nil
}

// render returns text unchanged when mr is nil or glamour fails.
func (mr *markdownRenderer) render(text string, width int) string {
	if mr == nil {
		return text
	}
	r, err := mr.renderer(width)
	if err != nil {
		log.Debug().Err(err).Msg("markdown renderer unavailable")
		return text
	}
	out, err := r.Render(text)
	if err != nil {
		log.Debug().Err(err).Msg("markdown render failed")
		return text
	}
	return strings.TrimSpace(out)
}

func renderTranscript(msgs []conversation.Message, md *markdownRenderer, width int) string {
	var b strings.Builder
	for i, msg := range msgs {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(timestampStyle.Render(msg.Timestamp.Local().Format("15:04")))
		b.WriteString(" ")
		switch msg.Sender {
		case envelope.SenderUser:
			b.WriteString(userStyle.Render("you"))
			b.WriteString(" ")
			b.WriteString(msg.Text)
		case envelope.SenderBot:
			b.WriteString(botStyle.Render("bot"))
			b.WriteString(" ")
			b.WriteString(md.render(msg.Text, width))
		default:
			b.WriteString(systemStyle.Render(msg.Text))
		}
	}
	return b.String()
}

func renderActions(actions []envelope.Action) string {
	if len(actions) == 0 {
		return ""
	}
	parts := make([]string, 0, len(actions))
	for i, a := range actions {
		if i >= 9 {
			break
		}
		parts = append(parts, actionStyle.Render(fmt.Sprintf("[alt+%d] %s", i+1, a.Label)))
	}
	return strings.Join(parts, "  ")
}
