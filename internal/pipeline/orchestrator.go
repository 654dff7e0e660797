// Package pipeline converts an uploaded DTI archive into diffusivity maps by
// driving the external imaging tools stage by stage, then computes the ALPS
// index from the resulting maps.
//
// Stages run strictly in order and the first failure aborts the run. The
// per-run working directory is removed on every exit path.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"alps/internal/alps"
	"alps/internal/command"
	"alps/internal/discovery"
	"alps/internal/logging"
	"alps/internal/services"
	"alps/internal/workdir"
)

// Stage names, in execution order.
const (
	StageConvert    = "convert"
	StageDiscover   = "discover"
	StageDenoise    = "denoise"
	StageUnring     = "unring"
	StageDistortion = "distortion_correction"
	StageReference  = "reference"
	StageMask       = "brain_extraction"
	StageTensor     = "tensor_fit"
	StageComponents = "components"
	StageIndex      = "index"
)

// Orchestrator runs the processing pipeline for one archive at a time. It is
// safe to share across workers; all per-run state lives in the run.
type Orchestrator struct {
	runner     command.Runner
	discoverer *discovery.Discoverer
	opts       Options
	logger     *slog.Logger
}

// New constructs an Orchestrator.
func New(runner command.Runner, discoverer *discovery.Discoverer, opts Options, logger *slog.Logger) *Orchestrator {
	if opts.Geometry == (alps.Geometry{}) {
		opts.Geometry = alps.DefaultGeometry
	}
	return &Orchestrator{
		runner:     runner,
		discoverer: discoverer,
		opts:       opts,
		logger:     logging.NewComponentLogger(logger, "pipeline"),
	}
}

type stage struct {
	name string
	fn   func(context.Context, *run) error
}

func (o *Orchestrator) stages() []stage {
	return []stage{
		{StageConvert, o.convert},
		{StageDiscover, o.discover},
		{StageDenoise, o.denoise},
		{StageUnring, o.unring},
		{StageDistortion, o.correctDistortion},
		{StageReference, o.extractReference},
		{StageMask, o.extractBrain},
		{StageTensor, o.fitTensor},
		{StageComponents, o.extractComponents},
		{StageIndex, o.computeIndex},
	}
}

// Run processes archivePath for jobID, appending progress lines to trace.
// The returned record is only meaningful when err is nil.
func (o *Orchestrator) Run(ctx context.Context, jobID, archivePath string, trace command.Trace) (alps.Record, error) {
	if trace == nil {
		trace = command.NewLog(nil)
	}
	ctx = services.WithJobID(ctx, jobID)
	logger := logging.WithContext(ctx, o.logger)

	dir, release, err := workdir.Acquire(o.opts.WorkRoot, jobID, o.opts.KeepWorkDir)
	if err != nil {
		return alps.Record{}, services.Wrap(services.ErrConfiguration, "pipeline", "workdir", "", err)
	}
	defer func() {
		if err := release(); err != nil {
			logger.Warn("work directory cleanup failed",
				logging.String("work_dir", dir),
				logging.Error(err),
				logging.String(logging.FieldEventType, "workdir_cleanup_failed"),
			)
		}
	}()

	r := newRun(dir, archivePath, trace)
	start := time.Now()
	for _, st := range o.stages() {
		if err := ctx.Err(); err != nil {
			return alps.Record{}, interrupted(ctx, st.name)
		}
		if err := o.runStage(ctx, st, r); err != nil {
			return alps.Record{}, err
		}
	}

	if o.opts.ResultsDir != "" {
		o.saveMaps(ctx, jobID, r)
	}
	logger.Info("pipeline completed",
		logging.Duration("elapsed", time.Since(start)),
		logging.Float64("alps_mean", r.record.Mean),
		logging.String(logging.FieldEventType, "pipeline_complete"),
	)
	return r.record, nil
}

func (o *Orchestrator) runStage(ctx context.Context, st stage, r *run) error {
	stageCtx := services.WithStage(ctx, st.name)
	logger := logging.WithContext(stageCtx, o.logger)
	label := stageLabel(st.name)

	r.trace.Append("stage: " + label)
	logger.Debug("stage started", logging.String(logging.FieldEventType, "stage_start"))

	started := time.Now()
	err := st.fn(stageCtx, r)
	elapsed := time.Since(started)
	if o.opts.Observe != nil {
		o.opts.Observe(st.name, elapsed, err)
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !isClassified(err) {
			err = interrupted(ctx, st.name)
		}
		logger.Error("stage failed",
			logging.Duration("elapsed", elapsed),
			logging.Error(err),
			logging.String(logging.FieldEventType, "stage_failure"),
		)
		return fmt.Errorf("%s: %w", strings.ToLower(label), err)
	}
	logger.Info("stage completed",
		logging.Duration("elapsed", elapsed),
		logging.String(logging.FieldEventType, "stage_complete"),
	)
	return nil
}

func stageLabel(name string) string {
	return cases.Title(language.Und).String(strings.ReplaceAll(name, "_", " "))
}

func interrupted(ctx context.Context, stage string) error {
	if ctx.Err() == context.DeadlineExceeded {
		return services.Wrap(services.ErrTimeout, stage, "", "run deadline exceeded", ctx.Err())
	}
	return services.Wrap(services.ErrTransient, stage, "", "run cancelled", ctx.Err())
}

func isClassified(err error) bool {
	return services.Kind(err) != services.KindInternal
}
