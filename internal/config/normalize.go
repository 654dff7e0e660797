package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeStore()
	c.normalizeTools()
	c.normalizePipeline()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if c.Paths.WorkDir, err = expandPath(c.Paths.WorkDir); err != nil {
		return fmt.Errorf("paths.work_dir: %w", err)
	}
	if c.Paths.UploadDir, err = expandPath(c.Paths.UploadDir); err != nil {
		return fmt.Errorf("paths.upload_dir: %w", err)
	}
	if c.Paths.StateDir, err = expandPath(c.Paths.StateDir); err != nil {
		return fmt.Errorf("paths.state_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if c.Paths.ResultsDir, err = expandPath(strings.TrimSpace(c.Paths.ResultsDir)); err != nil {
		return fmt.Errorf("paths.results_dir: %w", err)
	}
	c.Paths.APIBind = strings.TrimSpace(c.Paths.APIBind)
	if c.Paths.APIBind == "" {
		c.Paths.APIBind = defaultAPIBind
	}
	if c.Paths.APIToken == "" {
		if value, ok := os.LookupEnv("ALPS_API_TOKEN"); ok {
			c.Paths.APIToken = strings.TrimSpace(value)
		}
	}
	return nil
}

func (c *Config) normalizeStore() {
	c.Store.Backend = strings.ToLower(strings.TrimSpace(c.Store.Backend))
	if c.Store.Backend == "" {
		c.Store.Backend = BackendSQLite
	}
	c.Store.RedisURL = strings.TrimSpace(c.Store.RedisURL)
	if c.Store.RedisURL == "" {
		for _, key := range []string{"ALPS_REDIS_URL", "REDIS_URL"} {
			if value, ok := os.LookupEnv(key); ok && strings.TrimSpace(value) != "" {
				c.Store.RedisURL = strings.TrimSpace(value)
				break
			}
		}
	}
	if c.Store.Backend == BackendRedis && c.Store.RedisURL == "" {
		c.Store.RedisURL = defaultRedisURL
	}
	c.Store.RedisPrefix = strings.TrimSpace(c.Store.RedisPrefix)
	if c.Store.RedisPrefix == "" {
		c.Store.RedisPrefix = defaultRedisPrefix
	}
}

func (c *Config) normalizeTools() {
	c.Tools.Probe = strings.ToLower(strings.TrimSpace(c.Tools.Probe))
	if c.Tools.Probe == "" {
		c.Tools.Probe = ProbeTool
	}
	defaults := Default().Tools
	for _, pair := range []struct {
		value    *string
		fallback string
	}{
		{&c.Tools.Dcm2niix, defaults.Dcm2niix},
		{&c.Tools.Dwidenoise, defaults.Dwidenoise},
		{&c.Tools.Mrdegibbs, defaults.Mrdegibbs},
		{&c.Tools.Mrinfo, defaults.Mrinfo},
		{&c.Tools.Fslroi, defaults.Fslroi},
		{&c.Tools.Fslmerge, defaults.Fslmerge},
		{&c.Tools.Topup, defaults.Topup},
		{&c.Tools.Applytopup, defaults.Applytopup},
		{&c.Tools.Bet, defaults.Bet},
		{&c.Tools.Dtifit, defaults.Dtifit},
	} {
		*pair.value = strings.TrimSpace(*pair.value)
		if *pair.value == "" {
			*pair.value = pair.fallback
		}
	}
}

func (c *Config) normalizePipeline() {
	c.Pipeline.ForwardPattern = strings.TrimSpace(c.Pipeline.ForwardPattern)
	c.Pipeline.ReversePattern = strings.TrimSpace(c.Pipeline.ReversePattern)
	if len(c.Pipeline.TensorOffsets) == 0 {
		c.Pipeline.TensorOffsets = append([]int(nil), DefaultTensorOffsets...)
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "", "console":
		c.Logging.Format = "console"
	case "json":
	default:
		c.Logging.Format = "console"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Logging.RetentionDays < 0 {
		c.Logging.RetentionDays = 0
	}
}
