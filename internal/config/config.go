package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and bind address configuration.
type Paths struct {
	WorkDir    string `toml:"work_dir"`
	UploadDir  string `toml:"upload_dir"`
	StateDir   string `toml:"state_dir"`
	LogDir     string `toml:"log_dir"`
	ResultsDir string `toml:"results_dir"`
	APIBind    string `toml:"api_bind"`
	APIToken   string `toml:"api_token"`
}

// Store selects the job state backend.
type Store struct {
	Backend     string `toml:"backend"`
	RedisURL    string `toml:"redis_url"`
	RedisPrefix string `toml:"redis_prefix"`
}

// Tools names the external binaries invoked by the pipeline.
type Tools struct {
	Dcm2niix      string `toml:"dcm2niix"`
	Dwidenoise    string `toml:"dwidenoise"`
	Mrdegibbs     string `toml:"mrdegibbs"`
	Mrinfo        string `toml:"mrinfo"`
	Fslroi        string `toml:"fslroi"`
	Fslmerge      string `toml:"fslmerge"`
	Topup         string `toml:"topup"`
	Applytopup    string `toml:"applytopup"`
	Bet           string `toml:"bet"`
	Dtifit        string `toml:"dtifit"`
	MaxConcurrent int    `toml:"max_concurrent"`
	// Probe selects how volume dimensions are read: "tool" runs mrinfo,
	// "header" parses the NIfTI header directly.
	Probe string `toml:"probe"`
}

// Pipeline contains processing parameters.
type Pipeline struct {
	DistortionCorrection bool    `toml:"distortion_correction"`
	ForwardPattern       string  `toml:"forward_pattern"`
	ReversePattern       string  `toml:"reverse_pattern"`
	ReadoutTime          float64 `toml:"readout_time"`
	BetThreshold         float64 `toml:"bet_threshold"`
	TensorOffsets        []int   `toml:"tensor_offsets"`
	KeepWorkDir          bool    `toml:"keep_work_dir"`
	KeepUploads          bool    `toml:"keep_uploads"`
}

// ALPS contains region-of-interest geometry.
type ALPS struct {
	ROIOffset int `toml:"roi_offset"`
	ROIRadius int `toml:"roi_radius"`
}

// Workflow contains configuration for the job dispatcher.
type Workflow struct {
	Workers    int `toml:"workers"`
	QueueDepth int `toml:"queue_depth"`
	RunTimeout int `toml:"run_timeout"`
}

// Notifications contains configuration for ntfy push notifications.
type Notifications struct {
	NtfyTopic      string `toml:"ntfy_topic"`
	RequestTimeout int    `toml:"request_timeout"`
	Completed      bool   `toml:"completed"`
	Failed         bool   `toml:"failed"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format        string `toml:"format"`
	Level         string `toml:"level"`
	RetentionDays int    `toml:"retention_days"`
}

// Config encapsulates all configuration values for alps.
//
// Configuration sections by subsystem:
//   - Paths: directories and API bind address
//   - Store: job state backend (sqlite, memory, redis)
//   - Tools: external binaries and invocation concurrency
//   - Pipeline: optional stages and processing thresholds
//   - ALPS: region-of-interest placement
//   - Workflow: worker pool and per-run timeout
//   - Notifications: ntfy push notification settings
//   - Logging: log format, level, and retention
type Config struct {
	Paths         Paths         `toml:"paths"`
	Store         Store         `toml:"store"`
	Tools         Tools         `toml:"tools"`
	Pipeline      Pipeline      `toml:"pipeline"`
	ALPS          ALPS          `toml:"alps"`
	Workflow      Workflow      `toml:"workflow"`
	Notifications Notifications `toml:"notifications"`
	Logging       Logging       `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("alps.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.WorkDir, c.Paths.UploadDir, c.Paths.StateDir, c.Paths.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	if strings.TrimSpace(c.Paths.ResultsDir) != "" {
		if err := os.MkdirAll(c.Paths.ResultsDir, 0o755); err != nil {
			return fmt.Errorf("create results directory %q: %w", c.Paths.ResultsDir, err)
		}
	}
	return nil
}

// DatabasePath returns the sqlite job store location.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Paths.StateDir, "jobs.db")
}

// LockPath returns the daemon lock file location.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.StateDir, "alps.lock")
}

// RunTimeout returns the per-run wall-clock limit. Zero disables it.
func (c *Config) RunTimeout() time.Duration {
	if c.Workflow.RunTimeout <= 0 {
		return 0
	}
	return time.Duration(c.Workflow.RunTimeout) * time.Second
}

// RequiredBinaries lists the tools every run invokes.
func (c *Config) RequiredBinaries() []string {
	bins := []string{c.Tools.Dcm2niix, c.Tools.Dwidenoise, c.Tools.Mrdegibbs, c.Tools.Fslroi, c.Tools.Bet, c.Tools.Dtifit}
	if c.Tools.Probe == ProbeTool {
		bins = append(bins, c.Tools.Mrinfo)
	}
	return bins
}

// OptionalBinaries lists tools only needed when distortion correction runs.
func (c *Config) OptionalBinaries() []string {
	return []string{c.Tools.Fslmerge, c.Tools.Topup, c.Tools.Applytopup}
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
