package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/moltbunker/acn/internal/doctor"
)

// ErrUnhealthy is returned by doctor when a check fails.
var ErrUnhealthy = errors.New("node is not ready to run")

func NewDoctorCmd() *cobra.Command {
	var asJSON bool
	var category string
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check that the node can start",
		Long: `Run preflight checks against the configuration used by 'acnnode run'.

The doctor command checks:
- the configuration and the node key
- the agent record and the agent pipes
- the listen ports and the entry peers
- the record storage and the file descriptor limit

Examples:
  acnnode doctor                      # Run all checks
  acnnode doctor --json               # Output results as JSON
  acnnode doctor --category network   # Only check ports and entry peers`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var cat doctor.Category
			switch doctor.Category(category) {
			case "":
			case doctor.CategoryConfig, doctor.CategoryAgent, doctor.CategoryNetwork, doctor.CategorySystem:
				cat = doctor.Category(category)
			default:
				return fmt.Errorf("invalid category: %s (valid: config, agent, network, system)", category)
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			parent := cmd.Context()
			if parent == nil {
				parent = context.Background()
			}
			ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
			defer stop()

			d := doctor.New(cfg, doctor.Options{JSON: asJSON, Category: cat}, cmd.OutOrStdout())
			report, err := d.Run(ctx)
			if err != nil {
				return fmt.Errorf("doctor check failed: %w", err)
			}
			if !report.Summary.IsHealthy() {
				return ErrUnhealthy
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output results as JSON")
	cmd.Flags().StringVar(&category, "category", "", "Filter checks by category (config, agent, network, system)")
	return cmd
}
