package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const (
	outputTable = "table"
	outputJSON  = "json"
	outputYAML  = "yaml"
)

func addOutputFlag(cmd *cobra.Command, target *string) {
	cmd.Flags().StringVarP(target, "output", "o", outputTable, "Output format: table, json, or yaml")
}

func parseOutput(value string) (string, error) {
	switch format := strings.ToLower(strings.TrimSpace(value)); format {
	case "", outputTable:
		return outputTable, nil
	case outputJSON, outputYAML:
		return format, nil
	default:
		return "", fmt.Errorf("unsupported output format %q (want table, json, or yaml)", value)
	}
}

// writeStructured encodes v as indented JSON or YAML to the command's stdout.
func writeStructured(cmd *cobra.Command, format string, v any) error {
	out := cmd.OutOrStdout()
	if format == outputYAML {
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
