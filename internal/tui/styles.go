package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/distbuild/internal/events"
)

// Palette (ANSI 256 codes).
const (
	colorAccent    = lipgloss.Color("62")
	colorMuted     = lipgloss.Color("240")
	colorHelp      = lipgloss.Color("241")
	colorRunning   = lipgloss.Color("220")
	colorSuccess   = lipgloss.Color("42")
	colorFailure   = lipgloss.Color("196")
	colorCancelled = lipgloss.Color("214")
	colorStderr    = lipgloss.Color("203")
)

var (
	StyleFocusedBorder   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(colorAccent)
	StyleUnfocusedBorder = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(colorMuted)

	StyleStatusRunning   = lipgloss.NewStyle().Foreground(colorRunning).Bold(true)
	StyleStatusComplete  = lipgloss.NewStyle().Foreground(colorSuccess).Bold(true)
	StyleStatusFailed    = lipgloss.NewStyle().Foreground(colorFailure).Bold(true)
	StyleStatusCancelled = lipgloss.NewStyle().Foreground(colorCancelled)
	StyleStatusPending   = lipgloss.NewStyle().Foreground(colorMuted)

	StyleTitle    = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	StyleHelp     = lipgloss.NewStyle().Foreground(colorHelp)
	StyleStderr   = lipgloss.NewStyle().Foreground(colorStderr)
	StyleSelected = lipgloss.NewStyle().Background(colorAccent).Foreground(lipgloss.Color("0"))
)

// paneStyle is the border of a pane sized to fill width x height.
func paneStyle(focused bool, width, height int) lipgloss.Style {
	style := StyleUnfocusedBorder
	if focused {
		style = StyleFocusedBorder
	}
	return style.Width(width - 2).Height(height - 2)
}

// completionStyle colours a finished task by its status.
func completionStyle(status events.CompletionStatus) lipgloss.Style {
	switch status {
	case events.StatusSuccess:
		return StyleStatusComplete
	case events.StatusCancelled:
		return StyleStatusCancelled
	default:
		return StyleStatusFailed
	}
}
