package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/velopack/velopack-sub005/internal/health"
)

var (
	cGreen  = lipgloss.Color("118")
	cOrange = lipgloss.Color("208")
	cRed    = lipgloss.Color("196")
	cGray   = lipgloss.Color("245")
)

func statusStyle(s health.Status) lipgloss.Style {
	switch s {
	case health.Healthy:
		return lipgloss.NewStyle().Foreground(cGreen)
	case health.Degraded:
		return lipgloss.NewStyle().Foreground(cOrange)
	case health.Unhealthy:
		return lipgloss.NewStyle().Foreground(cRed).Bold(true)
	default:
		return lipgloss.NewStyle().Foreground(cGray)
	}
}

// renderStatus pads before styling so tabwriter columns stay aligned.
func renderStatus(s health.Status) string {
	return statusStyle(s).Render(fmt.Sprintf("%-9s", s))
}

// renderNotes renders markdown release notes when stdout is a terminal and
// returns them unchanged otherwise.
func renderNotes(notes string) string {
	if notes == "" || !isatty.IsTerminal(os.Stdout.Fd()) {
		return notes
	}
	r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(80))
	if err != nil {
		return notes
	}
	out, err := r.Render(notes)
	if err != nil {
		return notes
	}
	return strings.TrimRight(out, "\n")
}
