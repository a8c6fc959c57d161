package tui

import (
	"github.com/charmbracelet/lipgloss"
)

// Color palette - modern dark theme.
var (
	colorPurple   = lipgloss.Color("#4f8cff")
	colorGreen    = lipgloss.Color("#2fd576")
	colorYellow   = lipgloss.Color("#f2c94c")
	colorRed      = lipgloss.Color("#ff6b6b")
	colorWhite    = lipgloss.Color("#e6edf3")
	colorGray     = lipgloss.Color("#9aa4b2")
	colorDarkGray = lipgloss.Color("#1f2937")
)

// Styles holds all the lipgloss styles for the TUI.
type Styles struct {
	// Header styles
	Header   lipgloss.Style
	Summary  lipgloss.Style
	ColumnHd lipgloss.Style

	// Account row styles
	Row         lipgloss.Style
	SelectedRow lipgloss.Style

	// Account state styles
	Available   lipgloss.Style
	RateLimited lipgloss.Style
	AuthError   lipgloss.Style
	Disabled    lipgloss.Style

	// Event pane styles
	EventTime lipgloss.Style
	EventType lipgloss.Style

	// Status bar styles
	StatusBar  lipgloss.Style
	StatusKey  lipgloss.Style
	StatusText lipgloss.Style

	// Error line
	Error lipgloss.Style

	// Empty state
	Empty lipgloss.Style

	// Help screen
	Help lipgloss.Style
}

// DefaultStyles returns the default style configuration.
func DefaultStyles() Styles {
	return Styles{
		Header: lipgloss.NewStyle().
			Bold(true).
			Foreground(colorPurple).
			MarginBottom(1),

		Summary: lipgloss.NewStyle().
			Foreground(colorGray),

		ColumnHd: lipgloss.NewStyle().
			Foreground(colorGray).
			Bold(true),

		Row: lipgloss.NewStyle().
			Padding(0, 1).
			Foreground(colorWhite),

		SelectedRow: lipgloss.NewStyle().
			Padding(0, 1).
			Foreground(colorWhite).
			Bold(true).
			Background(colorDarkGray),

		Available: lipgloss.NewStyle().
			Foreground(colorGreen),

		RateLimited: lipgloss.NewStyle().
			Foreground(colorYellow),

		AuthError: lipgloss.NewStyle().
			Foreground(colorRed),

		Disabled: lipgloss.NewStyle().
			Foreground(colorGray),

		EventTime: lipgloss.NewStyle().
			Foreground(colorGray),

		EventType: lipgloss.NewStyle().
			Foreground(colorPurple),

		StatusBar: lipgloss.NewStyle().
			Padding(0, 1).
			Background(colorDarkGray).
			Foreground(colorWhite),

		StatusKey: lipgloss.NewStyle().
			Foreground(colorPurple).
			Bold(true),

		StatusText: lipgloss.NewStyle().
			Foreground(colorGray),

		Error: lipgloss.NewStyle().
			Foreground(colorRed),

		Empty: lipgloss.NewStyle().
			Foreground(colorGray).
			Italic(true).
			Padding(2, 4),

		Help: lipgloss.NewStyle().
			Padding(2, 4).
			Foreground(colorWhite),
	}
}
