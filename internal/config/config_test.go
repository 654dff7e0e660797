package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"

	"alps/internal/config"
)

func TestLoadDefaultConfigExpandsPaths(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)
	t.Setenv("ALPS_REDIS_URL", "")
	t.Setenv("REDIS_URL", "")

	cfg, resolved, exists, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if resolved == "" {
		t.Fatal("expected resolved path")
	}
	if exists {
		t.Fatal("expected config file to be absent in temp HOME")
	}

	wantWork := filepath.Join(tempHome, ".local", "share", "alps", "work")
	if cfg.Paths.WorkDir != wantWork {
		t.Fatalf("unexpected work dir: got %q want %q", cfg.Paths.WorkDir, wantWork)
	}
	if cfg.Paths.APIBind != "127.0.0.1:8000" {
		t.Fatalf("unexpected api bind: %q", cfg.Paths.APIBind)
	}
	if cfg.Store.Backend != config.BackendSQLite {
		t.Fatalf("expected sqlite backend by default, got %q", cfg.Store.Backend)
	}
	if cfg.Pipeline.BetThreshold != config.DefaultBrainExtractionThreshold {
		t.Fatalf("unexpected bet threshold: %v", cfg.Pipeline.BetThreshold)
	}
	if got := cfg.Pipeline.TensorOffsets; len(got) != 3 || got[0] != 0 || got[1] != 3 || got[2] != 5 {
		t.Fatalf("unexpected tensor offsets: %v", got)
	}
	if cfg.ALPS.ROIOffset != 15 || cfg.ALPS.ROIRadius != 1 {
		t.Fatalf("unexpected roi geometry: %+v", cfg.ALPS)
	}
	if cfg.RunTimeout() != 2*time.Hour {
		t.Fatalf("unexpected run timeout: %v", cfg.RunTimeout())
	}
	if cfg.DatabasePath() != filepath.Join(cfg.Paths.StateDir, "jobs.db") {
		t.Fatalf("unexpected database path: %q", cfg.DatabasePath())
	}
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories failed: %v", err)
	}

	for _, dir := range []string{cfg.Paths.WorkDir, cfg.Paths.UploadDir, cfg.Paths.StateDir, cfg.Paths.LogDir} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("expected directory %q to exist: %v", dir, err)
		}
		if !info.IsDir() {
			t.Fatalf("expected %q to be directory", dir)
		}
	}
}

func TestLoadCustomPath(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "alps.toml")

	type payload struct {
		Paths struct {
			WorkDir string `toml:"work_dir"`
		} `toml:"paths"`
		Pipeline struct {
			BetThreshold         float64 `toml:"bet_threshold"`
			DistortionCorrection bool    `toml:"distortion_correction"`
		} `toml:"pipeline"`
		Workflow struct {
			Workers    int `toml:"workers"`
			RunTimeout int `toml:"run_timeout"`
		} `toml:"workflow"`
	}
	custom := payload{}
	custom.Paths.WorkDir = filepath.Join(tempDir, "scratch")
	custom.Pipeline.BetThreshold = 0.25
	custom.Workflow.Workers = 3
	custom.Workflow.RunTimeout = 0
	data, err := toml.Marshal(custom)
	if err != nil {
		t.Fatalf("marshal custom config: %v", err)
	}
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		t.Fatalf("write custom config: %v", err)
	}

	cfg, resolved, exists, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !exists {
		t.Fatal("expected exists to be true")
	}
	if resolved != configPath {
		t.Fatalf("unexpected resolved path: got %q want %q", resolved, configPath)
	}
	if cfg.Paths.WorkDir != custom.Paths.WorkDir {
		t.Fatalf("expected work dir override, got %q", cfg.Paths.WorkDir)
	}
	if cfg.Pipeline.BetThreshold != 0.25 {
		t.Fatalf("expected bet threshold 0.25, got %v", cfg.Pipeline.BetThreshold)
	}
	if cfg.Pipeline.DistortionCorrection {
		t.Fatal("expected distortion correction disabled by file")
	}
	if cfg.Workflow.Workers != 3 {
		t.Fatalf("expected 3 workers, got %d", cfg.Workflow.Workers)
	}
	if cfg.RunTimeout() != 0 {
		t.Fatalf("expected disabled timeout, got %v", cfg.RunTimeout())
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "alps.toml")
	if err := os.WriteFile(configPath, []byte("[pipeline]\nbet_fraction = 0.3\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, _, _, err := config.Load(configPath); err == nil {
		t.Fatal("expected unknown key to be rejected")
	}
}

func TestRedisURLFromEnv(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("ALPS_REDIS_URL", "redis://cache:6379/2")
	configPath := filepath.Join(t.TempDir(), "alps.toml")
	if err := os.WriteFile(configPath, []byte("[store]\nbackend = \"redis\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, _, _, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Store.RedisURL != "redis://cache:6379/2" {
		t.Fatalf("expected redis url from env, got %q", cfg.Store.RedisURL)
	}
}

func TestCreateSample(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sample.toml")
	if err := config.CreateSample(path); err != nil {
		t.Fatalf("CreateSample failed: %v", err)
	}

	contents, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read sample: %v", err)
	}
	if !strings.Contains(string(contents), "bet_threshold") {
		t.Fatalf("sample config missing bet_threshold: %s", contents)
	}

	var cfg config.Config
	if err := toml.Unmarshal(contents, &cfg); err != nil {
		t.Fatalf("unmarshal sample: %v", err)
	}
	if !strings.Contains(cfg.Paths.WorkDir, "alps") {
		t.Fatalf("expected work dir to contain alps, got %q", cfg.Paths.WorkDir)
	}
	if cfg.Tools.MaxConcurrent != 2 {
		t.Fatalf("expected sample max_concurrent 2, got %d", cfg.Tools.MaxConcurrent)
	}
}

func TestValidateDetectsInvalidValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"zero workers", func(c *config.Config) { c.Workflow.Workers = 0 }},
		{"negative timeout", func(c *config.Config) { c.Workflow.RunTimeout = -1 }},
		{"bet threshold", func(c *config.Config) { c.Pipeline.BetThreshold = 1.5 }},
		{"tensor offsets count", func(c *config.Config) { c.Pipeline.TensorOffsets = []int{0, 3} }},
		{"tensor offset range", func(c *config.Config) { c.Pipeline.TensorOffsets = []int{0, 3, 6} }},
		{"roi radius", func(c *config.Config) { c.ALPS.ROIRadius = 15 }},
		{"backend", func(c *config.Config) { c.Store.Backend = "postgres" }},
		{"redis url", func(c *config.Config) { c.Store.Backend = config.BackendRedis; c.Store.RedisURL = "" }},
		{"probe", func(c *config.Config) { c.Tools.Probe = "guess" }},
		{"max concurrent", func(c *config.Config) { c.Tools.MaxConcurrent = 0 }},
		{"pattern", func(c *config.Config) { c.Pipeline.ForwardPattern = "[" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}

	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected defaults to validate, got %v", err)
	}
}
