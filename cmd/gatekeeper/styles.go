package main

import (
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

var (
	passStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	failStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	titleStyle = lipgloss.NewStyle().Bold(true)
	boxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

// painter renders styled text only when the writer is a terminal.
type painter struct {
	color bool
}

func newPainter(w io.Writer) painter {
	f, ok := w.(*os.File)
	return painter{color: ok && isatty.IsTerminal(f.Fd())}
}

func (p painter) render(s lipgloss.Style, text string) string {
	if !p.color {
		return text
	}
	return s.Render(text)
}

// status colors a status word: passed/completed green, warning/pending
// amber, failed/error red.
func (p painter) status(status string) string {
	label := fmt.Sprintf("%-9s", status)
	switch status {
	case "passed", "completed", "PASS", "running":
		return p.render(passStyle, label)
	case "warning", "pending", "WARN", "paused", "skipped", "SKIP":
		return p.render(warnStyle, label)
	case "failed", "error", "rolled_back", "rejected", "FAIL":
		return p.render(failStyle, label)
	}
	return label
}

func (p painter) muted(text string) string { return p.render(mutedStyle, text) }

func (p painter) title(text string) string { return p.render(titleStyle, text) }

func (p painter) box(text string) string {
	if !p.color {
		return text
	}
	return boxStyle.Render(text)
}
