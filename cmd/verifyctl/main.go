// Command verifyctl is the operator tool for the employment verification
// integration: it signs provider payloads, mints development tokens and
// starts or watches verifications through the engage API.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/civicworks/engage/internal/platform/config"
	"github.com/civicworks/engage/internal/platform/telemetry"
)

var Version = "dev"

type rootOptions struct {
	configPaths []string
	logLevel    string
}

func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configPaths...)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "verifyctl",
		Short:         "Operate the employment verification integration",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			telemetry.SetDefault(telemetry.NewLogger(opts.logLevel, "text", cmd.ErrOrStderr()))
		},
	}
	rootCmd.PersistentFlags().StringSliceVar(&opts.configPaths, "config", []string{"config.yaml"}, "Config files to load")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(signCmd(opts))
	rootCmd.AddCommand(tokenCmd(opts))
	rootCmd.AddCommand(initiateCmd())
	rootCmd.AddCommand(statusCmd())

	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
