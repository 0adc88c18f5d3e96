package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/therealutkarshpriyadarshi/sqllog/internal/tracing"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "sqllog %s (%s)\n", tracing.Version, runtime.Version())
	},
}
