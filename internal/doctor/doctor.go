// Package doctor runs preflight checks on a node configuration: identity,
// proof of representation, ports, entry peers, agent pipes and host limits.
package doctor

import (
	"context"
	"encoding/json"
	"io"
	"os"

	"github.com/moltbunker/acn/internal/config"
)

// Doctor orchestrates the preflight checks of a node
type Doctor struct {
	checkers []Checker
	writer   io.Writer
	output   *Output
	options  Options
}

// New creates a Doctor checking cfg and writing to w.
func New(cfg *config.Config, opts Options, w io.Writer) *Doctor {
	d := &Doctor{
		options: opts,
		writer:  w,
		output:  NewOutput(w, !opts.JSON && isTerminal(w)),
	}
	d.checkers = DefaultCheckers(cfg)
	return d
}

// DefaultCheckers returns the checks that apply to cfg, in the order they
// are reported.
func DefaultCheckers(cfg *config.Config) []Checker {
	checkers := []Checker{
		NewConfigChecker(cfg),
		NewKeyChecker(cfg),
	}
	if !cfg.Standalone() {
		checkers = append(checkers, NewRecordChecker(cfg), NewPipeChecker(cfg))
	}
	checkers = append(checkers,
		NewPortChecker(cfg),
		NewEntryPeerChecker(cfg),
		NewStorageChecker(cfg),
		NewFileDescriptorChecker(),
	)
	return checkers
}

// AddChecker adds a custom checker
func (d *Doctor) AddChecker(c Checker) {
	d.checkers = append(d.checkers, c)
}

// Run executes all checks and returns a report
func (d *Doctor) Run(ctx context.Context) (*Report, error) {
	checkers := d.filterCheckers()
	report := &Report{
		Checks: make([]CheckResult, 0, len(checkers)),
	}

	if d.options.JSON {
		for _, checker := range checkers {
			result := checker.Check(ctx)
			report.Checks = append(report.Checks, result)
			updateSummary(&report.Summary, result)
		}
		enc := json.NewEncoder(d.writer)
		enc.SetIndent("", "  ")
		return report, enc.Encode(report)
	}

	d.output.Header()
	for i, checker := range checkers {
		d.output.CheckStart(i+1, len(checkers), checker.Name())
		result := checker.Check(ctx)
		d.output.CheckResult(result)
		report.Checks = append(report.Checks, result)
		updateSummary(&report.Summary, result)
	}
	d.output.Summary(report.Summary)

	return report, nil
}

// filterCheckers returns checkers filtered by category if specified
func (d *Doctor) filterCheckers() []Checker {
	if d.options.Category == "" {
		return d.checkers
	}

	filtered := make([]Checker, 0)
	for _, c := range d.checkers {
		if c.Category() == d.options.Category {
			filtered = append(filtered, c)
		}
	}
	return filtered
}

func updateSummary(summary *Summary, result CheckResult) {
	summary.Total++
	switch result.Status {
	case StatusOK:
		summary.Passed++
	case StatusError:
		summary.Failed++
	case StatusWarning:
		summary.Warned++
	case StatusSkipped:
		summary.Skipped++
	}
}

// isTerminal checks if the writer is a terminal
func isTerminal(w io.Writer) bool {
	if f, ok := w.(*os.File); ok {
		fi, err := f.Stat()
		if err != nil {
			return false
		}
		return (fi.Mode() & os.ModeCharDevice) != 0
	}
	return false
}
