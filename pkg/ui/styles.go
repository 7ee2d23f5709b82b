package ui

import "github.com/charmbracelet/lipgloss"

var (
	headerStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	sessionStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	connectedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("118")).Bold(true)
	connectingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("63")).Bold(true)
	offlineStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	failedStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)

	userStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	botStyle       = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213"))
	systemStyle    = lipgloss.NewStyle().Italic(true).Foreground(lipgloss.Color("246"))
	timestampStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	actionStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("63"))
	noticeStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Italic(true)
)
