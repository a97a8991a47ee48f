package doctor

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

const title = "ACN Node Doctor"

var (
	titleStyle    = lipgloss.NewStyle().Bold(true)
	categoryStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7D56F4"))
	detailStyle   = lipgloss.NewStyle().Faint(true)

	statusMarks = map[Status]struct {
		icon  string
		style lipgloss.Style
	}{
		StatusOK:      {"✓", lipgloss.NewStyle().Foreground(lipgloss.Color("#04B575"))},
		StatusWarning: {"!", lipgloss.NewStyle().Foreground(lipgloss.Color("#FFB86C"))},
		StatusError:   {"✗", lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F87"))},
		StatusSkipped: {"-", lipgloss.NewStyle().Faint(true)},
	}
)

// Output renders a doctor run for humans. Checks are grouped under their
// category as they complete.
type Output struct {
	writer    io.Writer
	useColors bool
	category  Category
}

// NewOutput writes to w, styled when useColors is set.
func NewOutput(w io.Writer, useColors bool) *Output {
	if w == nil {
		w = os.Stdout
	}
	return &Output{writer: w, useColors: useColors}
}

func (o *Output) Header() {
	fmt.Fprintln(o.writer)
	fmt.Fprintln(o.writer, o.render(titleStyle, title))
	fmt.Fprintln(o.writer, strings.Repeat("=", len(title)))
}

// CheckStart prints the progress line of a check.
func (o *Output) CheckStart(index, total int, name string) {
	fmt.Fprintf(o.writer, "[%d/%d] Checking %s...\n", index, total, name)
}

// CheckResult prints the outcome of a check, with its hint unless it
// passed. A new category gets a heading first.
func (o *Output) CheckResult(result CheckResult) {
	if result.Category != "" && result.Category != o.category {
		o.category = result.Category
		fmt.Fprintln(o.writer, o.render(categoryStyle, "  "+string(result.Category)))
	}

	mark, ok := statusMarks[result.Status]
	if !ok {
		mark = statusMarks[StatusSkipped]
	}
	fmt.Fprintf(o.writer, "  %s %s\n", o.render(mark.style, mark.icon), result.Message)

	if result.Details != "" {
		fmt.Fprintf(o.writer, "    %s\n", o.render(detailStyle, result.Details))
	}
	if result.Status != StatusOK && result.Hint != "" {
		fmt.Fprintf(o.writer, "    Hint: %s\n", result.Hint)
	}
}

func (o *Output) Summary(summary Summary) {
	passed := fmt.Sprintf("%d passed", summary.Passed)
	failed := fmt.Sprintf("%d failed", summary.Failed)
	if summary.Passed > 0 {
		passed = o.render(statusMarks[StatusOK].style, passed)
	}
	if summary.Failed > 0 {
		failed = o.render(statusMarks[StatusError].style, failed)
	}

	parts := []string{passed, failed}
	if summary.Warned > 0 {
		parts = append(parts, o.render(statusMarks[StatusWarning].style, fmt.Sprintf("%d warnings", summary.Warned)))
	}
	if summary.Skipped > 0 {
		parts = append(parts, fmt.Sprintf("%d skipped", summary.Skipped))
	}
	fmt.Fprintln(o.writer)
	fmt.Fprintf(o.writer, "Summary: %s\n", strings.Join(parts, ", "))
}

func (o *Output) render(style lipgloss.Style, s string) string {
	if !o.useColors {
		return s
	}
	return style.Render(s)
}
