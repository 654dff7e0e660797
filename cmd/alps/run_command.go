package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"alps/internal/daemonctl"
	"alps/internal/daemonrun"
	"alps/internal/logging"
	"alps/internal/queue"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	var (
		output  string
		submit  bool
		noWait  bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run <archive.zip>",
		Short: "Process one DICOM archive and print its ALPS index",
		Long: "Process one DICOM archive in the foreground. With --submit the archive is\n" +
			"uploaded to a running daemon instead and the command polls for the result.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := parseOutput(output)
			if err != nil {
				return err
			}
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			archive, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			if _, err := os.Stat(archive); err != nil {
				return fmt.Errorf("archive: %w", err)
			}

			var job *queue.Job
			if submit {
				client := daemonctl.NewClient(cfg)
				id, err := client.Submit(cmd.Context(), archive)
				if err != nil {
					return err
				}
				if noWait {
					if format != outputTable {
						return writeStructured(cmd, format, map[string]string{"job_id": id})
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Submitted job %s\n", id)
					return nil
				}
				job, err = waitForJob(cmd.Context(), client, id, timeout)
				if err != nil {
					return err
				}
			} else {
				logger, err := logging.NewFromConfig(cfg, false)
				if err != nil {
					return fmt.Errorf("init logger: %w", err)
				}
				mgr := daemonrun.NewManager(cfg, queue.NewMemoryStore(), nil, logger)
				job, err = mgr.RunNow(cmd.Context(), archive)
				if err != nil {
					return err
				}
			}

			if format != outputTable {
				if err := writeStructured(cmd, format, job); err != nil {
					return err
				}
			} else {
				renderJobDetail(cmd.OutOrStdout(), job, time.Now())
			}
			if job.Status == queue.StatusFailed {
				return fmt.Errorf("job %s failed (%s)", job.ID, job.ErrorKind)
			}
			return nil
		},
	}
	addOutputFlag(cmd, &output)
	cmd.Flags().BoolVar(&submit, "submit", false, "Upload to the running daemon instead of processing locally")
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "With --submit, print the job id and return immediately")
	cmd.Flags().DurationVar(&timeout, "wait-timeout", 3*time.Hour, "With --submit, how long to wait for the job to finish")
	return cmd
}

// pollInterval is how often --submit checks for a result.
var pollInterval = 2 * time.Second

func waitForJob(ctx context.Context, client *daemonctl.Client, id string, timeout time.Duration) (*queue.Job, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		job, err := client.Result(waitCtx, id)
		if err != nil && !errors.Is(err, daemonctl.ErrUnavailable) {
			return nil, err
		}
		if job != nil && job.Status.IsTerminal() {
			return job, nil
		}
		select {
		case <-waitCtx.Done():
			return nil, fmt.Errorf("waiting for job %s: %w", id, waitCtx.Err())
		case <-ticker.C:
		}
	}
}
