package main

import (
	"github.com/spf13/cobra"

	"alps/internal/daemonrun"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	var opts daemonrun.Options

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the alps daemon and HTTP API in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			return daemonrun.Run(cmd.Context(), cfg, opts)
		},
	}
	cmd.Flags().StringVar(&opts.LogLevel, "log-level", "", "Override logging.level")
	cmd.Flags().BoolVar(&opts.SkipPreflight, "skip-preflight", false, "Start even when required tools are missing")
	return cmd
}
