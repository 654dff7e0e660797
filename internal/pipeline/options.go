package pipeline

import (
	"time"

	"alps/internal/alps"
	"alps/internal/config"
)

// Options controls which stages run and how tools are parameterized.
type Options struct {
	Tools                config.Tools
	WorkRoot             string
	ResultsDir           string
	DistortionCorrection bool
	ReadoutTime          float64
	BetThreshold         float64
	TensorOffsets        [3]int
	Geometry             alps.Geometry
	KeepWorkDir          bool

	// Observe, when set, is called after every stage with its duration and outcome.
	Observe func(stage string, elapsed time.Duration, err error)
}

// OptionsFromConfig maps configuration onto pipeline options.
func OptionsFromConfig(cfg *config.Config) Options {
	opts := Options{
		Tools:                cfg.Tools,
		WorkRoot:             cfg.Paths.WorkDir,
		ResultsDir:           cfg.Paths.ResultsDir,
		DistortionCorrection: cfg.Pipeline.DistortionCorrection,
		ReadoutTime:          cfg.Pipeline.ReadoutTime,
		BetThreshold:         cfg.Pipeline.BetThreshold,
		Geometry:             alps.Geometry{Offset: cfg.ALPS.ROIOffset, Radius: cfg.ALPS.ROIRadius},
		KeepWorkDir:          cfg.Pipeline.KeepWorkDir,
	}
	offsets := cfg.Pipeline.TensorOffsets
	if len(offsets) != 3 {
		offsets = config.DefaultTensorOffsets
	}
	copy(opts.TensorOffsets[:], offsets)
	if opts.BetThreshold <= 0 {
		opts.BetThreshold = config.DefaultBrainExtractionThreshold
	}
	return opts
}
