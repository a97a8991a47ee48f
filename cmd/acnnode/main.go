package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/moltbunker/acn/cmd/acnnode/commands"
)

var rootCmd = &cobra.Command{
	Use:   "acnnode",
	Short: "Agent Communication Network node",
	Long:  "Routes envelopes between agents over a libp2p DHT overlay, as a peer, a client or a delegate service.",

	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&commands.ConfigPath, "config", "", "Path to config file (default: ~/.acn/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&commands.EnvFile, "env-file", "", "Load AEA_* variables from this .env file")
}

func main() {
	rootCmd.AddCommand(commands.NewRunCmd())
	rootCmd.AddCommand(commands.NewKeyCmd())
	rootCmd.AddCommand(commands.NewRecordCmd())
	rootCmd.AddCommand(commands.NewDoctorCmd())
	rootCmd.AddCommand(commands.NewVersionCmd())

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
