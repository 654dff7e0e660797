package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"alps/internal/deps"
	"alps/internal/preflight"
)

type depsReport struct {
	Tools  []deps.Status      `json:"tools" yaml:"tools"`
	Checks []preflight.Result `json:"checks" yaml:"checks"`
}

func newDepsCommand(ctx *commandContext) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "deps",
		Short: "Check external tools, directories, and integrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := parseOutput(output)
			if err != nil {
				return err
			}
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			report := depsReport{
				Tools:  preflight.CheckSystemDeps(cfg),
				Checks: preflight.RunAll(cmd.Context(), cfg),
			}
			missing := deps.Missing(report.Tools)
			failed := preflight.Failed(report.Checks)

			if format != outputTable {
				if err := writeStructured(cmd, format, report); err != nil {
					return err
				}
			} else {
				out := cmd.OutOrStdout()
				colorize := shouldColorize(out)
				lines := renderSectionHeader("Tools", colorize)
				for _, s := range report.Tools {
					lines = append(lines, renderStatusLine(s.Name, toolKind(s), toolMessage(s), colorize))
				}
				lines = append(lines, "")
				lines = append(lines, renderSectionHeader("Checks", colorize)...)
				for _, r := range report.Checks {
					kind := statusOK
					if !r.Passed {
						kind = statusError
					}
					lines = append(lines, renderStatusLine(r.Name, kind, r.Detail, colorize))
				}
				fmt.Fprintln(out, strings.Join(lines, "\n"))
			}

			if len(missing) > 0 || len(failed) > 0 {
				return fmt.Errorf("%d required tool(s) missing, %d check(s) failed", len(missing), len(failed))
			}
			return nil
		},
	}
	addOutputFlag(cmd, &output)
	return cmd
}

func toolKind(s deps.Status) statusKind {
	switch {
	case s.Available:
		return statusOK
	case s.Optional:
		return statusWarn
	default:
		return statusError
	}
}

func toolMessage(s deps.Status) string {
	if s.Available {
		return s.Path
	}
	msg := s.Detail
	if s.Optional {
		msg += " (optional: " + s.Description + ")"
	}
	return msg
}
