// Package ui renders a conversation and forwards user intent to the
// connection manager, either as a bubbletea program or as a plain line
// protocol on stdin/stdout.
package ui

import (
	"strconv"
	"strings"

	bspinner "github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatline/pkg/connection"
	"github.com/go-go-golems/chatline/pkg/conversation"
	"github.com/go-go-golems/chatline/pkg/envelope"
)

// Controller is the part of the connection manager the UI drives.
type Controller interface {
	Send(env envelope.Envelope) error
	Connect() error
	Close() error
}

type Settings struct {
	SessionID string
	// Markdown renders bot messages with glamour.
	Markdown bool
}

type eventMsg struct {
	ev connection.Event
}

type eventsClosedMsg struct{}

func waitForEvent(ch <-chan connection.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return eventsClosedMsg{}
		}
		return eventMsg{ev: ev}
	}
}

type Model struct {
	ctrl     Controller
	events   <-chan connection.Event
	conv     *conversation.State
	settings Settings

	spinner  bspinner.Model
	viewport viewport.Model
	input    textinput.Model

	// markdown is nil unless Settings.Markdown is set.
	markdown *markdownRenderer

	notice   string
	width    int
	quitting bool
}

func NewModel(ctrl Controller, events <-chan connection.Event, conv *conversation.State, settings Settings) Model {
	sp := bspinner.New()
	sp.Spinner = bspinner.Line
	sp.Style = connectingStyle

	vp := viewport.New(80, 6)
	vp.Style = lipgloss.NewStyle()

	ti := textinput.New()
	ti.Prompt = "> "
	ti.CharLimit = 2000
	ti.Width = 76

	m := Model{
		ctrl:     ctrl,
		events:   events,
		conv:     conv,
		settings: settings,
		spinner:  sp,
		viewport: vp,
		input:    ti,
		width:    80,
	}
	if settings.Markdown {
		m.markdown = &markdownRenderer{}
	}
	m.syncInput()
	return m
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, textinput.Blink, waitForEvent(m.events))
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.viewport.Width = msg.Width
		// header, typing/actions line, notice, input
		m.viewport.Height = max(msg.Height-5, 3)
		m.input.Width = max(msg.Width-4, 10)
		m.refresh()
		return m, nil

	case eventMsg:
		if m.conv.Apply(msg.ev) {
			m.refresh()
		}
		if _, ok := msg.ev.(connection.Opened); ok {
			m.notice = ""
		}
		m.syncInput()
		return m, waitForEvent(m.events)

	case eventsClosedMsg:
		m.quitting = true
		return m, tea.Quit

	case tea.KeyMsg:
		switch key := msg.String(); key {
		case "ctrl+c", "esc":
			m.quitting = true
			ctrl := m.ctrl
			return m, tea.Sequence(func() tea.Msg {
				if err := ctrl.Close(); err != nil {
					log.Warn().Err(err).Msg("closing connection")
				}
				return nil
			}, tea.Quit)
		case "ctrl+r":
			if err := m.ctrl.Connect(); err != nil {
				m.notice = describeError(err)
			} else {
				m.notice = "reconnecting…"
			}
			return m, nil
		case "enter":
			_, err := m.conv.SendText(m.ctrl, m.input.Value())
			if err != nil {
				m.notice = describeError(err)
				return m, nil
			}
			m.notice = ""
			m.input.Reset()
			m.refresh()
			return m, nil
		default:
			if idx, ok := actionIndex(key); ok {
				m.clickAction(idx)
				return m, nil
			}
		}
	}

	var cmds []tea.Cmd
	var cmd tea.Cmd
	m.spinner, cmd = m.spinner.Update(msg)
	cmds = append(cmds, cmd)
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

func (m *Model) clickAction(idx int) {
	actions := m.conv.LatestActions()
	if idx >= len(actions) {
		m.notice = "no suggestion " + strconv.Itoa(idx+1)
		return
	}
	if _, err := m.conv.SendAction(m.ctrl, actions[idx]); err != nil {
		m.notice = describeError(err)
		return
	}
	m.notice = ""
	m.refresh()
}

// actionIndex maps alt+1…alt+9 to a zero-based suggestion index.
func actionIndex(key string) (int, bool) {
	n, ok := strings.CutPrefix(key, "alt+")
	if !ok || len(n) != 1 || n[0] < '1' || n[0] > '9' {
		return 0, false
	}
	return int(n[0] - '1'), true
}

func (m *Model) syncInput() {
	switch m.conv.Status() {
	case conversation.StatusConnected:
		m.input.Placeholder = "Type a message and press enter"
		m.input.Focus()
	case conversation.StatusConnecting:
		m.input.Placeholder = "Connecting…"
		m.input.Blur()
	case conversation.StatusFailed:
		m.input.Placeholder = "Connection failed, press ctrl+r to retry"
		m.input.Blur()
	default:
		m.input.Placeholder = "Disconnected, press ctrl+r to reconnect"
		m.input.Blur()
	}
}

func (m *Model) refresh() {
	m.viewport.SetContent(renderTranscript(m.conv.Messages(), m.markdown, m.width))
	m.viewport.GotoBottom()
}

func describeError(err error) string {
	switch {
	case errors.Is(err, conversation.ErrEmptyMessage):
		return ""
	case errors.Is(err, connection.ErrSendWhileClosed):
		return "not connected, message not sent"
	case errors.Is(err, connection.ErrSendBufferFull):
		return "too many pending messages, try again"
	case errors.Is(err, connection.ErrManagerClosed):
		return "session closed"
	default:
		return err.Error()
	}
}

func (m Model) View() string {
	if m.quitting {
		return ""
	}
	var b strings.Builder
	b.WriteString(m.header())
	b.WriteString("\n")
	b.WriteString(m.viewport.View())
	b.WriteString("\n")
	b.WriteString(m.footer())
	b.WriteString("\n")
	b.WriteString(noticeStyle.Render(m.notice))
	b.WriteString("\n")
	b.WriteString(m.input.View())
	return b.String()
}

func (m Model) header() string {
	var status string
	switch m.conv.Status() {
	case conversation.StatusConnected:
		status = connectedStyle.Render("● connected")
	case conversation.StatusConnecting:
		status = m.spinner.View() + " " + connectingStyle.Render("connecting")
	case conversation.StatusFailed:
		status = failedStyle.Render("✗ failed: " + m.conv.Reason())
	default:
		status = offlineStyle.Render("○ disconnected")
		if r := m.conv.Reason(); r != "" {
			status += " " + offlineStyle.Render("("+r+")")
		}
	}
	h := headerStyle.Render("chatline") + "  " + status
	if m.settings.SessionID != "" {
		h += "  " + sessionStyle.Render(m.settings.SessionID)
	}
	return h
}

func (m Model) footer() string {
	if m.conv.Typing() {
		return m.spinner.View() + " " + systemStyle.Render("bot is typing")
	}
	return renderActions(m.conv.LatestActions())
}
