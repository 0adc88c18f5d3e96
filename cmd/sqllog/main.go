package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configFile string
	logLevel   string
	logFormat  string
)

var rootCmd = &cobra.Command{
	Use:   "sqllog",
	Short: "Parse and follow DM database SQL logs",
	Long: `sqllog parses the SQL trace logs written by DM database servers.

Records are decoded into their timestamp, session metadata, statement
text and execution indicators, and written as JSON lines to stdout or
shipped to Kafka and Elasticsearch.

Examples:
  # Parse archived logs, local or in S3
  sqllog parse /dm/log/dmsql_20250812.log s3://dm-archive/dmsql_20250811.log.zst

  # Follow the live log with the outputs from a config file
  sqllog tail --config /etc/sqllog/config.yaml`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level: debug, info, warn, error (overrides the config file)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "",
		"Log format: json, console (overrides the config file)")

	rootCmd.AddCommand(parseCmd, tailCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
