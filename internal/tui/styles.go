package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/mil-ad/inputscan/internal/scan"
)

type Styles struct {
	Title   lipgloss.Style
	Input   lipgloss.Style
	Cursor  lipgloss.Style
	Keypad  lipgloss.Style
	Muted   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Danger  lipgloss.Style
}

func DefaultStyles() Styles {
	return Styles{
		Title:   lipgloss.NewStyle().Bold(true),
		Input:   lipgloss.NewStyle().Border(lipgloss.NormalBorder()).Padding(0, 1),
		Cursor:  lipgloss.NewStyle().Reverse(true),
		Keypad:  lipgloss.NewStyle().Border(lipgloss.RoundedBorder()),
		Muted:   lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
		Success: lipgloss.NewStyle().Foreground(lipgloss.Color("2")),
		Warning: lipgloss.NewStyle().Foreground(lipgloss.Color("3")),
		Danger:  lipgloss.NewStyle().Foreground(lipgloss.Color("1")),
	}
}

// Level returns the style for a log level.
func (s Styles) Level(l scan.LogLevel) lipgloss.Style {
	switch l {
	case scan.LevelSuccess:
		return s.Success
	case scan.LevelWarning:
		return s.Warning
	default:
		return s.Danger
	}
}
