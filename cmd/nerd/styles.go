package main

import "github.com/charmbracelet/lipgloss"

var (
	primary     = lipgloss.Color("#8BC34A")
	destructive = lipgloss.Color("#e53935")
	warning     = lipgloss.Color("#FFC107")
	muted       = lipgloss.Color("#6b7a90")

	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(primary)
	okStyle      = lipgloss.NewStyle().Foreground(primary)
	errorStyle   = lipgloss.NewStyle().Bold(true).Foreground(destructive)
	warnStyle    = lipgloss.NewStyle().Foreground(warning)
	mutedStyle   = lipgloss.NewStyle().Foreground(muted)
	sectionStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(muted).
			Padding(0, 1)
)
