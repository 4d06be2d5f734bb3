package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bjaus/eventproc"
	"github.com/bjaus/eventproc/config"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration without serving",
	Long: `Load the configuration the same way 'serve' does, validate it, and build
the processor it describes. Exits non-zero on the first problem found.`,
	RunE: runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return err
	}
	opts, err := cfg.Processor.Options()
	if err != nil {
		return err
	}
	eventproc.New(opts...)

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "invocation strategy: %s\n", cfg.Processor.InvocationStrategy)
	fmt.Fprintf(out, "error strategy:      %s\n", cfg.Processor.ErrorStrategy)
	fmt.Fprintf(out, "listen:              %s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Fprintf(out, "metrics exporter:    %s\n", cfg.Metrics.Exporter)
	fmt.Fprintf(out, "sql resources:       %d\n", len(cfg.Resources.SQL))
	fmt.Fprintf(out, "redis resources:     %d\n", len(cfg.Resources.Redis))
	fmt.Fprintln(out, "configuration OK")
	return nil
}
