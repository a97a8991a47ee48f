package commands

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

var (
	ColorAccent  = lipgloss.Color("#3b82f6")
	ColorSuccess = lipgloss.Color("#22c55e")
	ColorWarning = lipgloss.Color("#eab308")
	ColorMuted   = lipgloss.Color("#6b7280")
	ColorDim     = lipgloss.Color("#4b5563")
	ColorWhite   = lipgloss.Color("#f9fafb")
)

var (
	StyleHeader = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorWhite)

	StyleSuccess = lipgloss.NewStyle().
			Foreground(ColorSuccess)

	StyleWarning = lipgloss.NewStyle().
			Foreground(ColorWarning)

	StyleLabel = lipgloss.NewStyle().
			Foreground(ColorMuted).
			Width(14)

	StyleValue = lipgloss.NewStyle().
			Foreground(ColorWhite)

	StyleBox = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(ColorDim).
			Padding(0, 1)
)

// isTTY reports whether w is a terminal.
func isTTY(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// StatusBox renders a titled box of key-value fields, or plain lines when w
// is not a terminal.
func StatusBox(w io.Writer, title string, fields [][2]string) {
	if !isTTY(w) {
		fmt.Fprintln(w, title)
		fmt.Fprintln(w, strings.Repeat("=", len(title)))
		for _, f := range fields {
			fmt.Fprintf(w, "%-14s %s\n", f[0]+":", f[1])
		}
		return
	}

	var sb strings.Builder
	sb.WriteString(StyleHeader.Render(title))
	sb.WriteString("\n")
	for _, f := range fields {
		sb.WriteString(StyleLabel.Render(f[0]) + StyleValue.Render(f[1]) + "\n")
	}
	fmt.Fprintln(w, StyleBox.Render(strings.TrimRight(sb.String(), "\n")))
}

func Success(w io.Writer, msg string) {
	if isTTY(w) {
		fmt.Fprintln(w, StyleSuccess.Render("  "+msg))
	} else {
		fmt.Fprintln(w, "[OK] "+msg)
	}
}

func Warning(w io.Writer, msg string) {
	if isTTY(w) {
		fmt.Fprintln(w, StyleWarning.Render("  "+msg))
	} else {
		fmt.Fprintln(w, "[WARN] "+msg)
	}
}
