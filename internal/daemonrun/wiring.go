package daemonrun

import (
	"log/slog"

	"alps/internal/command"
	"alps/internal/config"
	"alps/internal/discovery"
	"alps/internal/metrics"
	"alps/internal/notifications"
	"alps/internal/pipeline"
	"alps/internal/queue"
	"alps/internal/workflow"
)

// NewPipeline builds the orchestrator described by cfg, with stage timings
// exported to Prometheus.
func NewPipeline(cfg *config.Config, runner command.Runner, logger *slog.Logger) *pipeline.Orchestrator {
	if runner == nil {
		runner = command.NewExecRunner(cfg.Tools.MaxConcurrent, command.WithLogger(logger))
	}
	var probe discovery.DimensionProbe = discovery.HeaderProbe{}
	if cfg.Tools.Probe == config.ProbeTool {
		probe = discovery.ToolProbe{Runner: runner, Binary: cfg.Tools.Mrinfo}
	}
	disc := discovery.New(probe, cfg.Pipeline.ForwardPattern, cfg.Pipeline.ReversePattern, logger)

	opts := pipeline.OptionsFromConfig(cfg)
	opts.Observe = metrics.ObserveStage
	return pipeline.New(runner, disc, opts, logger)
}

// NewManager wires a workflow manager around store using cfg.
func NewManager(cfg *config.Config, store queue.Store, runner command.Runner, logger *slog.Logger) *workflow.Manager {
	return workflow.NewManager(
		store,
		NewPipeline(cfg, runner, logger),
		notifications.NewService(cfg),
		logger,
		workflow.OptionsFromConfig(cfg),
	)
}
