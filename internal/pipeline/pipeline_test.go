package pipeline_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"alps/internal/alps"
	"alps/internal/command"
	"alps/internal/config"
	"alps/internal/discovery"
	"alps/internal/fileutil"
	"alps/internal/logging"
	"alps/internal/pipeline"
	"alps/internal/services"
	"alps/internal/testsupport"
)

type fixture struct {
	cfg     *config.Config
	runner  *testsupport.FakeRunner
	archive string
	trace   *command.Log
}

func newFixture(t *testing.T, opts ...testsupport.ConfigOption) *fixture {
	t.Helper()
	cfg := testsupport.NewConfig(t, opts...)
	archivePath := filepath.Join(cfg.Paths.UploadDir, "study.zip")
	testsupport.WriteZip(t, archivePath, map[string][]byte{
		"DICOM/IM0001": []byte("scanner bytes"),
	})
	return &fixture{
		cfg:     cfg,
		runner:  testsupport.NewFakeRunner(),
		archive: archivePath,
		trace:   command.NewLog(nil),
	}
}

// convertsTo makes dcm2niix emit the given series into its -o directory.
func (f *fixture) convertsTo(t *testing.T, sidecars bool, names ...string) {
	f.runner.Handle("dcm2niix", func(inv command.Invocation) (command.Result, error) {
		out := argAfter(inv, "-o")
		for _, name := range names {
			dims := []int{8, 8, 4}
			if sidecars && !isReference(name) {
				dims = append(dims, 7)
			}
			testsupport.WriteSeries(t, out, name, sidecars && !isReference(name), dims...)
		}
		return command.Result{}, nil
	})
}

func isReference(name string) bool {
	return strings.HasPrefix(strings.ToLower(name), "b0_")
}

// producesMaps makes fslroi write constant dxx, dyy and dzz volumes.
func (f *fixture) producesMaps(t *testing.T, dxx, dyy, dzz float64) {
	values := map[string]float64{"dxx": dxx, "dyy": dyy, "dzz": dzz}
	f.runner.Handle("fslroi", func(inv command.Invocation) (command.Result, error) {
		out := inv.Argv()[1]
		if v, ok := values[filepath.Base(out)]; ok {
			testsupport.WriteFilled(t, out+".nii.gz", 64, 64, 40, v)
		}
		return command.Result{}, nil
	})
}

func (f *fixture) orchestrator(mutate ...func(*pipeline.Options)) *pipeline.Orchestrator {
	opts := pipeline.OptionsFromConfig(f.cfg)
	for _, fn := range mutate {
		fn(&opts)
	}
	disc := discovery.New(discovery.HeaderProbe{}, f.cfg.Pipeline.ForwardPattern, f.cfg.Pipeline.ReversePattern, logging.NewNop())
	return pipeline.New(f.runner, disc, opts, logging.NewNop())
}

func argAfter(inv command.Invocation, flag string) string {
	argv := inv.Argv()
	for i := 0; i < len(argv)-1; i++ {
		if argv[i] == flag {
			return argv[i+1]
		}
	}
	return ""
}

func assertWorkRootEmpty(t *testing.T, cfg *config.Config) {
	t.Helper()
	entries, err := os.ReadDir(cfg.Paths.WorkDir)
	if err != nil {
		t.Fatalf("read work root: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected work directory removed, found %d entries", len(entries))
	}
}

func containsLine(lines []string, substr string) bool {
	for _, line := range lines {
		if strings.Contains(line, substr) {
			return true
		}
	}
	return false
}

func TestRunComputesIndexFromConstantMaps(t *testing.T) {
	f := newFixture(t)
	f.convertsTo(t, true, "DTI_64dir_5")
	f.producesMaps(t, 2.0, 1.0, 1.0)

	record, err := f.orchestrator().Run(context.Background(), "job-1", f.archive, f.trace)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if record.Mean != 2.0 || record.Left != 2.0 || record.Right != 2.0 {
		t.Fatalf("expected all indices 2.0, got %+v", record)
	}
	if record.Components.Right.DxxProjection != 2.0 || record.Components.Left.DzzProjection != 1.0 {
		t.Fatalf("unexpected components %+v", record.Components)
	}

	want := []string{"dcm2niix", "dwidenoise", "mrdegibbs", "fslroi", "bet", "dtifit", "fslroi", "fslroi", "fslroi"}
	if got := f.runner.Tools(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected tool order %v", got)
	}
	lines := f.trace.Lines()
	if !containsLine(lines, "skipping distortion correction: phase-encoding reference volumes not found") {
		t.Fatalf("expected skip rationale in trace, got %v", lines)
	}
	if !containsLine(lines, "about to run: dtifit") || !containsLine(lines, "dtifit completed successfully") {
		t.Fatalf("expected dtifit trace lines, got %v", lines)
	}
	assertWorkRootEmpty(t, f.cfg)
}

func TestRunFailsOnZeroPerpendicularDiffusivity(t *testing.T) {
	f := newFixture(t)
	f.convertsTo(t, true, "DTI_64dir_5")
	f.producesMaps(t, 2.0, 0.0, 1.0)

	_, err := f.orchestrator().Run(context.Background(), "job-2", f.archive, f.trace)
	if !errors.Is(err, alps.ErrDegenerateIndex) {
		t.Fatalf("expected ErrDegenerateIndex, got %v", err)
	}
	if !strings.Contains(err.Error(), "left") || !strings.Contains(err.Error(), "right") {
		t.Fatalf("expected both hemispheres named, got %v", err)
	}
	assertWorkRootEmpty(t, f.cfg)
}

func TestRunStopsWhenDenoiserFails(t *testing.T) {
	f := newFixture(t)
	f.convertsTo(t, true, "DTI_64dir_5")
	f.runner.Fail("dwidenoise", "dwidenoise: [ERROR] image has too few volumes")

	_, err := f.orchestrator().Run(context.Background(), "job-3", f.archive, f.trace)
	if err == nil {
		t.Fatal("expected failure")
	}
	if !strings.Contains(err.Error(), "dwidenoise") || !strings.Contains(err.Error(), "too few volumes") {
		t.Fatalf("error should carry tool name and stderr: %v", err)
	}
	if services.Kind(err) != services.KindExternalTool {
		t.Fatalf("expected external_tool kind, got %s", services.Kind(err))
	}
	if f.runner.Calls("mrdegibbs") != 0 || f.runner.Calls("dtifit") != 0 {
		t.Fatalf("stages after the failure must not run: %v", f.runner.Tools())
	}
	lines := f.trace.Lines()
	if !containsLine(lines, "about to run: dwidenoise") {
		t.Fatalf("trace should keep entries up to the failure: %v", lines)
	}
	assertWorkRootEmpty(t, f.cfg)
}

func TestRunWithoutGradientSidecars(t *testing.T) {
	f := newFixture(t)
	f.convertsTo(t, false, "T1_MPRAGE_2", "DTI_64dir_5")

	_, err := f.orchestrator().Run(context.Background(), "job-4", f.archive, f.trace)
	if !errors.Is(err, discovery.ErrNoPrimaryDataset) {
		t.Fatalf("expected ErrNoPrimaryDataset, got %v", err)
	}
	if n := f.runner.Calls("dtifit"); n != 0 {
		t.Fatalf("dtifit must not run, called %d times", n)
	}
	assertWorkRootEmpty(t, f.cfg)
}

func TestRunAppliesDistortionCorrection(t *testing.T) {
	f := newFixture(t)
	f.convertsTo(t, true, "DTI_64dir_5", "b0_AP_6", "b0_PA_7")
	f.producesMaps(t, 2.0, 1.0, 1.0)

	var acqparams string
	f.runner.Handle("topup", func(inv command.Invocation) (command.Result, error) {
		for _, arg := range inv.Argv() {
			if path, ok := strings.CutPrefix(arg, "--datain="); ok {
				data, err := os.ReadFile(path)
				if err != nil {
					return command.Result{}, err
				}
				acqparams = string(data)
			}
		}
		return command.Result{}, nil
	})

	_, err := f.orchestrator(func(o *pipeline.Options) { o.ReadoutTime = 0.0625 }).Run(context.Background(), "job-5", f.archive, f.trace)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, tool := range []string{"fslmerge", "topup", "applytopup"} {
		if f.runner.Calls(tool) != 1 {
			t.Fatalf("expected %s once, tools=%v", tool, f.runner.Tools())
		}
	}
	if acqparams != "0 -1 0 0.0625\n0 1 0 0.0625\n" {
		t.Fatalf("unexpected acqparams %q", acqparams)
	}

	var dtifit command.Invocation
	for _, inv := range f.runner.Invocations() {
		if inv.Tool == "dtifit" {
			dtifit = inv
		}
	}
	if got := filepath.Base(argAfter(dtifit, "-k")); got != "dwi_corrected" {
		t.Fatalf("dtifit should fit the corrected series, got %s", got)
	}
}

func TestRunSkipsDistortionCorrectionWhenDisabled(t *testing.T) {
	f := newFixture(t)
	f.convertsTo(t, true, "DTI_64dir_5", "b0_AP_6", "b0_PA_7")
	f.producesMaps(t, 2.0, 1.0, 1.0)

	_, err := f.orchestrator(func(o *pipeline.Options) { o.DistortionCorrection = false }).Run(context.Background(), "job-6", f.archive, f.trace)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if f.runner.Calls("topup") != 0 {
		t.Fatalf("topup should not run when disabled")
	}
	if !containsLine(f.trace.Lines(), "skipping distortion correction: disabled in configuration") {
		t.Fatalf("expected skip rationale, got %v", f.trace.Lines())
	}
}

func TestRunPassesConfiguredParameters(t *testing.T) {
	f := newFixture(t)
	f.convertsTo(t, true, "DTI_64dir_5")
	f.producesMaps(t, 2.0, 1.0, 1.0)

	_, err := f.orchestrator(func(o *pipeline.Options) {
		o.BetThreshold = 0.25
		o.TensorOffsets = [3]int{0, 3, 5}
	}).Run(context.Background(), "job-7", f.archive, f.trace)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	var offsets []string
	for _, inv := range f.runner.Invocations() {
		argv := inv.Argv()
		switch inv.Tool {
		case "bet":
			if argAfter(inv, "-f") != "0.25" {
				t.Fatalf("unexpected bet args %v", argv)
			}
		case "fslroi":
			if strings.HasSuffix(argv[0], "dti_tensor") {
				offsets = append(offsets, argv[2])
			}
		case "dcm2niix":
			if strings.Join(argv[:4], " ") != "-z y -f %p_%s" {
				t.Fatalf("unexpected dcm2niix args %v", argv)
			}
		}
	}
	if strings.Join(offsets, ",") != "0,3,5" {
		t.Fatalf("unexpected tensor offsets %v", offsets)
	}
}

func TestRunCopiesMapsToResultsDir(t *testing.T) {
	f := newFixture(t, testsupport.WithResultsDir())
	f.convertsTo(t, true, "DTI_64dir_5")
	f.producesMaps(t, 2.0, 1.0, 1.0)

	if _, err := f.orchestrator().Run(context.Background(), "job-8", f.archive, f.trace); err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, name := range []string{"dxx", "dyy", "dzz"} {
		path := filepath.Join(f.cfg.Paths.ResultsDir, "job-8", name+".nii.gz")
		if _, err := os.Stat(path); err != nil {
			t.Fatalf("expected %s saved: %v", name, err)
		}
	}
	manifest, err := os.ReadFile(filepath.Join(f.cfg.Paths.ResultsDir, "job-8", fileutil.ChecksumFile))
	if err != nil {
		t.Fatalf("expected checksum manifest: %v", err)
	}
	if lines := strings.Split(strings.TrimSpace(string(manifest)), "\n"); len(lines) != 3 {
		t.Fatalf("expected 3 manifest entries, got %q", manifest)
	}
}

func TestRunMissingMapsAfterExtraction(t *testing.T) {
	f := newFixture(t)
	f.convertsTo(t, true, "DTI_64dir_5")

	_, err := f.orchestrator().Run(context.Background(), "job-9", f.archive, f.trace)
	if !errors.Is(err, alps.ErrMissingDiffusivityMaps) {
		t.Fatalf("expected ErrMissingDiffusivityMaps, got %v", err)
	}
}

func TestRunHonoursDeadline(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	_, err := f.orchestrator().Run(ctx, "job-10", f.archive, f.trace)
	if services.Kind(err) != services.KindTimeout {
		t.Fatalf("expected timeout kind, got %v", err)
	}
	if len(f.runner.Invocations()) != 0 {
		t.Fatalf("no tool should run after the deadline")
	}
	assertWorkRootEmpty(t, f.cfg)
}

func TestRunObservesStages(t *testing.T) {
	f := newFixture(t)
	f.convertsTo(t, true, "DTI_64dir_5")
	f.producesMaps(t, 2.0, 1.0, 1.0)

	var seen []string
	_, err := f.orchestrator(func(o *pipeline.Options) {
		o.Observe = func(stage string, _ time.Duration, err error) {
			seen = append(seen, stage)
		}
	}).Run(context.Background(), "job-11", f.archive, f.trace)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(seen) != 10 || seen[0] != pipeline.StageConvert || seen[9] != pipeline.StageIndex {
		t.Fatalf("unexpected observed stages %v", seen)
	}
}
