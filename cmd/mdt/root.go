package main

import (
	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	LogLevel   string
}

// NewRootCommand creates the root command for the mdt binary.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "mdt",
		Short:         "MDT realtime entity synchronization server",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to a YAML config file")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "override the configured log level")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewWatchCommand(opts))

	return cmd
}
