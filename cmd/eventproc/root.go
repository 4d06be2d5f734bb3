package main

import (
	"github.com/spf13/cobra"
)

// configPath is the optional YAML file layered under EVENTPROC_* env vars.
var configPath string

var rootCmd = &cobra.Command{
	Use:   "eventproc",
	Short: "Route events to the processors whose filters they satisfy",
	Long: `eventproc serves an event processor over HTTP.

Events POSTed to /events are matched against the registered filters, the
best-ranked processors are invoked according to the configured invocation
strategy, and their results are returned as JSON.

Configuration priority: environment variables (EVENTPROC_*) > config file > defaults.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"Path to a YAML config file (env: EVENTPROC_CONFIG)")
}
