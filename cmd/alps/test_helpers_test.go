package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"

	"alps/internal/alps"
	"alps/internal/command"
	"alps/internal/config"
	"alps/internal/daemon"
	"alps/internal/logging"
	"alps/internal/queue"
	"alps/internal/testsupport"
	"alps/internal/workflow"
)

type fixedProcessor struct{}

func (fixedProcessor) Run(_ context.Context, _, _ string, trace command.Trace) (alps.Record, error) {
	trace.Append("stage: Index")
	return alps.Record{Mean: 1.3333, Left: 1.25, Right: 1.4166}, nil
}

type cliTestEnv struct {
	cfg        *config.Config
	manager    *workflow.Manager
	configPath string
}

func setupCLITestEnv(t *testing.T, opts ...testsupport.ConfigOption) *cliTestEnv {
	t.Helper()
	cfg := testsupport.NewConfig(t, opts...)
	t.Setenv("HOME", filepath.Join(testsupport.BaseDir(cfg), "home"))
	configPath := filepath.Join(testsupport.BaseDir(cfg), "alps.toml")
	writeTestConfig(t, configPath, cfg)
	return &cliTestEnv{cfg: cfg, configPath: configPath}
}

// startDaemon serves the env's config and rewrites the config file with the
// bound address so CLI commands can reach it.
func (e *cliTestEnv) startDaemon(t *testing.T) {
	t.Helper()
	store, err := queue.Open(e.cfg)
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	e.manager = workflow.NewManager(store, fixedProcessor{}, nil, nil, workflow.OptionsFromConfig(e.cfg))
	d, err := daemon.New(e.cfg, store, logging.NewNop(), e.manager)
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("daemon start: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })

	e.cfg.Paths.APIBind = d.Addr().String()
	writeTestConfig(t, e.configPath, e.cfg)
}

func runCLI(t *testing.T, args []string, configPath string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	var flags []string
	if configPath != "" {
		flags = append(flags, "--config", configPath)
	}
	cmd.SetArgs(append(flags, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func writeTestConfig(t *testing.T, path string, cfg *config.Config) {
	t.Helper()
	data, err := toml.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func waitFor(t *testing.T, duration time.Duration, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(duration)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", duration)
}

func requireContains(t *testing.T, output, substr string) {
	t.Helper()
	if !strings.Contains(output, substr) {
		t.Fatalf("expected %q to contain %q", output, substr)
	}
}
