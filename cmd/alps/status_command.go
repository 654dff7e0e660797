package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"alps/internal/queue"
	"alps/internal/queueaccess"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show a job's status, result, and log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := parseOutput(output)
			if err != nil {
				return err
			}
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			session, err := queueaccess.Open(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer session.Close()

			job, err := session.Access.Get(cmd.Context(), args[0])
			if errors.Is(err, queue.ErrJobNotFound) {
				return fmt.Errorf("job %s not found", args[0])
			}
			if err != nil {
				return err
			}
			if format != outputTable {
				return writeStructured(cmd, format, job)
			}
			renderJobDetail(cmd.OutOrStdout(), job, time.Now())
			return nil
		},
	}
	addOutputFlag(cmd, &output)
	return cmd
}
