package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"alps/internal/queue"
	"alps/internal/queueaccess"
)

func newJobsCommand(ctx *commandContext) *cobra.Command {
	var (
		output   string
		statuses []string
	)

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List jobs in submission order",
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := parseOutput(output)
			if err != nil {
				return err
			}
			var filter []queue.Status
			for _, value := range statuses {
				status, ok := queue.ParseStatus(value)
				if !ok {
					return fmt.Errorf("unknown status %q", value)
				}
				filter = append(filter, status)
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

			jobs, err := session.Access.List(cmd.Context(), filter...)
			if err != nil {
				return err
			}
			if format != outputTable {
				if jobs == nil {
					jobs = []*queue.Job{}
				}
				return writeStructured(cmd, format, jobs)
			}
			out := cmd.OutOrStdout()
			if len(jobs) == 0 {
				fmt.Fprintln(out, "No jobs")
				return nil
			}
			fmt.Fprintln(out, renderJobsTable(jobs, time.Now()))
			return nil
		},
	}
	addOutputFlag(cmd, &output)
	cmd.Flags().StringSliceVarP(&statuses, "status", "s", nil, "Filter by status (queued, running, completed, failed)")
	return cmd
}
