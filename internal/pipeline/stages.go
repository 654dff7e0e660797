package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"alps/internal/alps"
	"alps/internal/archive"
	"alps/internal/command"
	"alps/internal/discovery"
	"alps/internal/fileutil"
	"alps/internal/logging"
	"alps/internal/nifti"
	"alps/internal/services"
)

// run carries the intermediate artifacts of one pipeline execution.
type run struct {
	dir     string
	archive string
	trace   command.Trace

	rawDir   string
	niftiDir string
	dataset  discovery.Dataset
	refs     discovery.References
	current  string
	mask     string
	tensor   string
	maps     alps.Maps
	record   alps.Record
}

func newRun(dir, archivePath string, trace command.Trace) *run {
	return &run{
		dir:      dir,
		archive:  archivePath,
		trace:    trace,
		rawDir:   filepath.Join(dir, "raw"),
		niftiDir: filepath.Join(dir, "nifti"),
	}
}

func (r *run) path(name string) string {
	return filepath.Join(r.dir, name)
}

func (o *Orchestrator) exec(ctx context.Context, r *run, inv command.Invocation) error {
	_, err := o.runner.Run(ctx, inv, r.trace)
	return err
}

func (o *Orchestrator) convert(ctx context.Context, r *run) error {
	files, err := archive.Extract(ctx, r.archive, r.rawDir)
	if err != nil {
		return err
	}
	r.trace.Append(fmt.Sprintf("extracted %d files", files))

	series, err := archive.Inventory(r.rawDir)
	if err != nil {
		return services.Wrap(services.ErrValidation, StageConvert, "inventory", "", err)
	}
	if len(series) == 0 {
		r.trace.Append("no DICOM series recognized in archive")
	}
	for _, s := range series {
		r.trace.Append(fmt.Sprintf("series %s %q: %d files", s.Number, s.Description, s.Files))
	}

	if err := os.MkdirAll(r.niftiDir, 0o755); err != nil {
		return services.Wrap(services.ErrConfiguration, StageConvert, "mkdir", r.niftiDir, err)
	}
	return o.exec(ctx, r, command.New(o.opts.Tools.Dcm2niix,
		command.Flag("-z"), command.Value("y"),
		command.Flag("-f"), command.Value("%p_%s"),
		command.Flag("-o"), command.Path(r.niftiDir),
		command.Path(r.rawDir),
	))
}

func (o *Orchestrator) discover(ctx context.Context, r *run) error {
	dataset, err := o.discoverer.FindPrimary(ctx, r.niftiDir, r.trace)
	if err != nil {
		return err
	}
	r.dataset = dataset
	r.current = dataset.Volume
	r.trace.Append(fmt.Sprintf("primary dataset %s (%d volumes)", filepath.Base(dataset.Volume), dataset.TimePoints()))

	refs, err := o.discoverer.FindReferences(r.niftiDir, dataset)
	if err != nil {
		return err
	}
	r.refs = refs
	return nil
}

func (o *Orchestrator) denoise(ctx context.Context, r *run) error {
	out := r.path("dwi_den.nii.gz")
	if err := o.exec(ctx, r, command.New(o.opts.Tools.Dwidenoise, command.Path(r.current), command.Path(out))); err != nil {
		return err
	}
	r.current = out
	return nil
}

func (o *Orchestrator) unring(ctx context.Context, r *run) error {
	out := r.path("dwi_den_unr.nii.gz")
	if err := o.exec(ctx, r, command.New(o.opts.Tools.Mrdegibbs, command.Path(r.current), command.Path(out))); err != nil {
		return err
	}
	r.current = out
	return nil
}

func (o *Orchestrator) correctDistortion(ctx context.Context, r *run) error {
	logger := logging.WithContext(ctx, o.logger)
	switch {
	case !o.opts.DistortionCorrection:
		r.trace.Append("skipping distortion correction: disabled in configuration")
		logger.Info("distortion correction skipped", logging.String("reason", "disabled"))
		return nil
	case !r.refs.Complete():
		r.trace.Append("skipping distortion correction: phase-encoding reference volumes not found")
		logger.Info("distortion correction skipped", logging.String("reason", "references_missing"))
		return nil
	}
	r.trace.Append(fmt.Sprintf("distortion correction using %s and %s", filepath.Base(r.refs.Forward), filepath.Base(r.refs.Reverse)))

	pair := r.path("b0_pair")
	if err := o.exec(ctx, r, command.New(o.opts.Tools.Fslmerge,
		command.Flag("-t"), command.Path(pair), command.Path(r.refs.Forward), command.Path(r.refs.Reverse),
	)); err != nil {
		return err
	}

	acqparams := r.path("acqparams.txt")
	if err := writeAcqParams(acqparams, o.opts.ReadoutTime); err != nil {
		return services.Wrap(services.ErrConfiguration, StageDistortion, "acqparams", "", err)
	}

	fieldBase := r.path("topup_results")
	if err := o.exec(ctx, r, command.New(o.opts.Tools.Topup,
		command.Flag("--imain="+pair),
		command.Flag("--datain="+acqparams),
		command.Flag("--config=b02b0.cnf"),
		command.Flag("--out="+fieldBase),
	)); err != nil {
		return err
	}

	corrected := r.path("dwi_corrected")
	if err := o.exec(ctx, r, command.New(o.opts.Tools.Applytopup,
		command.Flag("--imain="+r.current),
		command.Flag("--inindex=1"),
		command.Flag("--datain="+acqparams),
		command.Flag("--topup="+fieldBase),
		command.Flag("--method=jac"),
		command.Flag("--out="+corrected),
	)); err != nil {
		return err
	}
	r.current = corrected
	return nil
}

// writeAcqParams describes the forward (A>P) and reverse (P>A) b0 volumes.
func writeAcqParams(path string, readout float64) error {
	rt := strconv.FormatFloat(readout, 'f', -1, 64)
	content := "0 -1 0 " + rt + "\n0 1 0 " + rt + "\n"
	return os.WriteFile(path, []byte(content), 0o644)
}

func (o *Orchestrator) extractReference(ctx context.Context, r *run) error {
	return o.exec(ctx, r, command.New(o.opts.Tools.Fslroi,
		command.Path(r.current), command.Path(r.path("b0")), command.Int(0), command.Int(1),
	))
}

func (o *Orchestrator) extractBrain(ctx context.Context, r *run) error {
	if err := o.exec(ctx, r, command.New(o.opts.Tools.Bet,
		command.Path(r.path("b0")), command.Path(r.path("b0_brain")),
		command.Flag("-m"), command.Flag("-f"), command.Float(o.opts.BetThreshold),
	)); err != nil {
		return err
	}
	r.mask = r.path("b0_brain_mask")
	return nil
}

func (o *Orchestrator) fitTensor(ctx context.Context, r *run) error {
	out := r.path("dti")
	if err := o.exec(ctx, r, command.New(o.opts.Tools.Dtifit,
		command.Flag("-k"), command.Path(r.current),
		command.Flag("-o"), command.Path(out),
		command.Flag("-m"), command.Path(r.mask),
		command.Flag("-r"), command.Path(r.dataset.Bvec),
		command.Flag("-b"), command.Path(r.dataset.Bval),
		command.Flag("--save_tensor"),
	)); err != nil {
		return err
	}
	r.tensor = out + "_tensor"
	return nil
}

func (o *Orchestrator) extractComponents(ctx context.Context, r *run) error {
	names := [3]string{"dxx", "dyy", "dzz"}
	for i, name := range names {
		if err := o.exec(ctx, r, command.New(o.opts.Tools.Fslroi,
			command.Path(r.tensor), command.Path(r.path(name)),
			command.Int(o.opts.TensorOffsets[i]), command.Int(1),
		)); err != nil {
			return err
		}
	}
	r.maps = alps.Maps{
		Dxx: resolveMap(r.path("dxx")),
		Dyy: resolveMap(r.path("dyy")),
		Dzz: resolveMap(r.path("dzz")),
	}
	return nil
}

// resolveMap returns "" for absent maps so the calculator reports them as missing.
func resolveMap(base string) string {
	path, err := nifti.Resolve(base)
	if err != nil {
		return ""
	}
	return path
}

func (o *Orchestrator) computeIndex(_ context.Context, r *run) error {
	record, err := alps.ComputeFiles(r.maps, o.opts.Geometry)
	if err != nil {
		return err
	}
	r.record = record
	r.trace.Append(fmt.Sprintf("ALPS index: mean=%.4f left=%.4f right=%.4f", record.Mean, record.Left, record.Right))
	return nil
}

// saveMaps copies the diffusivity maps out of the work directory before it is
// removed. Copy failures are logged; the computed index still stands.
func (o *Orchestrator) saveMaps(ctx context.Context, jobID string, r *run) {
	logger := logging.WithContext(ctx, o.logger)
	dest := filepath.Join(o.opts.ResultsDir, jobID)
	if err := os.MkdirAll(dest, 0o755); err != nil {
		logger.Warn("results directory unavailable", logging.String("results_dir", dest), logging.Error(err))
		return
	}
	digests := make(map[string]string, 3)
	for _, src := range []string{r.maps.Dxx, r.maps.Dyy, r.maps.Dzz} {
		target := filepath.Join(dest, filepath.Base(src))
		digest, err := fileutil.CopyFileVerified(src, target)
		if err != nil {
			logging.WarnWithContext(logger, "diffusivity map copy failed", "result_copy_failed",
				logging.String("source", src),
				logging.Error(err),
			)
			continue
		}
		digests[filepath.Base(target)] = digest
		r.trace.Append("saved " + target)
	}
	if len(digests) == 0 {
		return
	}
	if err := fileutil.WriteManifest(dest, digests); err != nil {
		logging.WarnWithContext(logger, "checksum manifest write failed", "result_copy_failed", logging.Error(err))
	}
}
