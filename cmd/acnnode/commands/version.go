package commands

import (
	"runtime"

	"github.com/spf13/cobra"
)

func NewVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Long:  "Display the version of acnnode and build information.",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			StatusBox(cmd.OutOrStdout(), "acnnode", [][2]string{
				{"Version", GetVersion()},
				{"Commit", GetCommit()},
				{"Build Date", BuildDate},
				{"Go Version", GetGoVersion()},
				{"OS/Arch", runtime.GOOS + "/" + runtime.GOARCH},
			})
		},
	}
}
