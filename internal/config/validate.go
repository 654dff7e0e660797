package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateStore(); err != nil {
		return err
	}
	if err := c.validateTools(); err != nil {
		return err
	}
	if err := c.validatePipeline(); err != nil {
		return err
	}
	if err := c.validateALPS(); err != nil {
		return err
	}
	if err := c.validateWorkflow(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateStore() error {
	switch c.Store.Backend {
	case BackendSQLite, BackendMemory:
		return nil
	case BackendRedis:
		if c.Store.RedisURL == "" {
			return errors.New("store.redis_url must be set when store.backend is redis")
		}
		return nil
	default:
		return fmt.Errorf("store.backend: unsupported value %q (want sqlite, memory, or redis)", c.Store.Backend)
	}
}

func (c *Config) validateTools() error {
	if c.Tools.MaxConcurrent <= 0 {
		return errors.New("tools.max_concurrent must be positive")
	}
	switch c.Tools.Probe {
	case ProbeTool, ProbeHeader:
	default:
		return fmt.Errorf("tools.probe: unsupported value %q (want tool or header)", c.Tools.Probe)
	}
	return nil
}

func (c *Config) validatePipeline() error {
	if c.Pipeline.BetThreshold <= 0 || c.Pipeline.BetThreshold >= 1 {
		return errors.New("pipeline.bet_threshold must be between 0 and 1")
	}
	if len(c.Pipeline.TensorOffsets) != 3 {
		return errors.New("pipeline.tensor_offsets must list exactly three offsets (xx, yy, zz)")
	}
	for _, offset := range c.Pipeline.TensorOffsets {
		if offset < 0 || offset > 5 {
			return fmt.Errorf("pipeline.tensor_offsets: offset %d outside 0-5", offset)
		}
	}
	if c.Pipeline.DistortionCorrection {
		if c.Pipeline.ForwardPattern == "" || c.Pipeline.ReversePattern == "" {
			return errors.New("pipeline.forward_pattern and pipeline.reverse_pattern must be set when pipeline.distortion_correction is true")
		}
		for key, pattern := range map[string]string{
			"pipeline.forward_pattern": c.Pipeline.ForwardPattern,
			"pipeline.reverse_pattern": c.Pipeline.ReversePattern,
		} {
			if _, err := filepath.Match(pattern, ""); err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
		}
		if c.Pipeline.ReadoutTime <= 0 {
			return errors.New("pipeline.readout_time must be positive")
		}
	}
	return nil
}

func (c *Config) validateALPS() error {
	if c.ALPS.ROIOffset <= 0 {
		return errors.New("alps.roi_offset must be positive")
	}
	if c.ALPS.ROIRadius < 0 {
		return errors.New("alps.roi_radius must be >= 0")
	}
	if c.ALPS.ROIRadius >= c.ALPS.ROIOffset {
		return errors.New("alps.roi_radius must be smaller than alps.roi_offset")
	}
	return nil
}

func (c *Config) validateWorkflow() error {
	if err := ensurePositiveMap(map[string]int{
		"workflow.workers":              c.Workflow.Workers,
		"workflow.queue_depth":          c.Workflow.QueueDepth,
		"notifications.request_timeout": c.Notifications.RequestTimeout,
	}); err != nil {
		return err
	}
	if c.Workflow.RunTimeout < 0 {
		return errors.New("workflow.run_timeout must be >= 0 (0 disables the limit)")
	}
	if strings.TrimSpace(c.Paths.WorkDir) == "" {
		return errors.New("paths.work_dir must be set")
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if values[key] <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
