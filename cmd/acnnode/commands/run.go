package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/moltbunker/acn/internal/config"
	"github.com/moltbunker/acn/internal/logging"
	"github.com/moltbunker/acn/internal/node"
)

func NewRunCmd() *cobra.Command {
	var skipPortCheck bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run an ACN node",
		Long: `Run an ACN node for the configured agent.

The node runs as a DHT peer when a public or delegate URI is configured and
as a client of its entry peers otherwise. Settings come from the config
file, then the --env-file, then AEA_* environment variables.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(cmd, skipPortCheck)
		},
	}
	cmd.Flags().BoolVar(&skipPortCheck, "skip-port-check", false, "Do not check that the listen ports are free")
	return cmd
}

func runNode(cmd *cobra.Command, skipPortCheck bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := logging.Configure(os.Stderr, cfg.Log.Level, cfg.Log.Format); err != nil {
		return err
	}
	if !skipPortCheck {
		if err := cfg.CheckPorts(); err != nil {
			return err
		}
	}

	var opts []node.Option
	if cfg.KeyFileEncrypted() && os.Getenv(config.KeyPassphraseEnv) == "" {
		pass, err := unlockPassphrase(cmd, cfg.Node.KeyFile)
		if err != nil {
			return err
		}
		opts = append(opts, node.WithKeyPassphrase(pass))
	}

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logging.Info("starting node", "mode", string(cfg.Mode()), "version", GetVersion())
	n, err := node.New(ctx, *cfg, opts...)
	if err != nil {
		return err
	}

	err = n.Run(ctx)
	if errors.Is(err, node.ErrAgentDisconnected) {
		logging.Warn("agent disconnected, node stopped", logging.Err(err))
	} else {
		logging.Info("node stopped")
	}
	return err
}
