package ui

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatline/pkg/connection"
	"github.com/go-go-golems/chatline/pkg/conversation"
	"github.com/go-go-golems/chatline/pkg/envelope"
)

// Plain is the line-oriented adapter used when stdout is not a terminal.
//
// Lines read from the input are sent as user messages, except for the
// commands /quit, /reconnect and /N (pick suggestion N).
type Plain struct {
	ctrl   Controller
	events <-chan connection.Event
	conv   *conversation.State
	out    io.Writer

	printed int
	status  conversation.Status
}

func NewPlain(ctrl Controller, events <-chan connection.Event, conv *conversation.State, out io.Writer) *Plain {
	return &Plain{
		ctrl:   ctrl,
		events: events,
		conv:   conv,
		out:    out,
		status: conv.Status(),
	}
}

// Run processes events and input lines until the event stream ends, the input
// is exhausted, /quit is entered or ctx is cancelled.
func (p *Plain) Run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			log.Warn().Err(err).Msg("reading input")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return p.ctrl.Close()
		case ev, ok := <-p.events:
			if !ok {
				return nil
			}
			p.handleEvent(ev)
		case line, ok := <-lines:
			if !ok {
				return p.ctrl.Close()
			}
			if quit := p.handleLine(line); quit {
				return p.ctrl.Close()
			}
		}
	}
}

func (p *Plain) handleEvent(ev connection.Event) {
	p.conv.Apply(ev)
	switch e := ev.(type) {
	case connection.ReconnectScheduled:
		p.printf("* reconnecting in %s (attempt %d)\n", e.Delay, e.Attempt)
	case connection.DecodeFailed:
		log.Debug().Err(e.Err).Msg("ignored undecodable frame")
	}
	p.flushMessages()
	p.printStatus()
}

// handleLine reports whether the session should end.
func (p *Plain) handleLine(line string) bool {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return false
	case line == "/quit":
		return true
	case line == "/reconnect":
		if err := p.ctrl.Connect(); err != nil {
			p.printf("! %s\n", describeError(err))
		}
		return false
	case strings.HasPrefix(line, "/"):
		if n, err := strconv.Atoi(line[1:]); err == nil {
			p.pickAction(n)
			return false
		}
	}

	if _, err := p.conv.SendText(p.ctrl, line); err != nil {
		p.printf("! %s\n", describeError(err))
	}
	p.skipOwnMessages()
	return false
}

func (p *Plain) pickAction(n int) {
	actions := p.conv.LatestActions()
	if n < 1 || n > len(actions) {
		p.printf("! no suggestion %d\n", n)
		return
	}
	if _, err := p.conv.SendAction(p.ctrl, actions[n-1]); err != nil {
		p.printf("! %s\n", describeError(err))
		return
	}
	p.printf("> %s\n", actions[n-1].Label)
	p.skipOwnMessages()
}

// skipOwnMessages marks locally sent messages as printed; the user already
// sees what they typed.
func (p *Plain) skipOwnMessages() {
	msgs := p.conv.Messages()
	for p.printed < len(msgs) && msgs[p.printed].Sender == envelope.SenderUser {
		p.printed++
	}
}

func (p *Plain) flushMessages() {
	msgs := p.conv.Messages()
	for ; p.printed < len(msgs); p.printed++ {
		msg := msgs[p.printed]
		switch msg.Sender {
		case envelope.SenderUser:
			continue
		case envelope.SenderBot:
			p.printf("bot: %s\n", msg.Text)
			for i, a := range msg.Actions {
				p.printf("  /%d %s\n", i+1, a.Label)
			}
		default:
			p.printf("* %s\n", msg.Text)
		}
	}
}

func (p *Plain) printStatus() {
	status := p.conv.Status()
	if status == p.status {
		return
	}
	p.status = status
	switch status {
	case conversation.StatusFailed:
		p.printf("* failed: %s (type /reconnect to retry)\n", p.conv.Reason())
	default:
		p.printf("* %s\n", status)
	}
}

func (p *Plain) printf(format string, args ...any) {
	if _, err := fmt.Fprintf(p.out, format, args...); err != nil {
		log.Debug().Err(err).Msg("writing output")
	}
}
