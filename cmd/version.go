package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// version is overridden at build time with -ldflags "-X chatbridge/cmd.version=...".
var version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the chatbridge version",
	Run: func(cmd *cobra.Command, args []string) {
		_ = args
		fmt.Fprintf(cmd.OutOrStdout(), "chatbridge %s\n", version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
