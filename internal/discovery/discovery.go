// Package discovery picks the diffusion-weighted series and optional
// phase-encoding references out of a directory of converted volumes.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"alps/internal/command"
	"alps/internal/logging"
	"alps/internal/nifti"
	"alps/internal/services"
)

// ErrNoPrimaryDataset means no volume had both gradient sidecars.
var ErrNoPrimaryDataset = errors.New("no primary diffusion dataset found")

// Dataset describes the principal diffusion-weighted series.
type Dataset struct {
	Volume string `json:"volume"`
	Bvec   string `json:"bvec"`
	Bval   string `json:"bval"`
	Dims   []int  `json:"dims"`
}

// TimePoints returns the fourth dimension, or 1 for 3-D volumes.
func (d Dataset) TimePoints() int {
	if len(d.Dims) < 4 {
		return 1
	}
	return d.Dims[3]
}

// References are the opposed phase-encoding b0 volumes used by topup.
type References struct {
	Forward string
	Reverse string
}

// Complete reports whether both references were located.
func (r References) Complete() bool {
	return r.Forward != "" && r.Reverse != ""
}

// Discoverer scans conversion output.
type Discoverer struct {
	probe          DimensionProbe
	forwardPattern string
	reversePattern string
	logger         *slog.Logger
}

// New constructs a Discoverer. The patterns are shell globs matched
// case-insensitively against file names without their extension.
func New(probe DimensionProbe, forwardPattern, reversePattern string, logger *slog.Logger) *Discoverer {
	return &Discoverer{
		probe:          probe,
		forwardPattern: strings.ToLower(forwardPattern),
		reversePattern: strings.ToLower(reversePattern),
		logger:         logging.NewComponentLogger(logger, "discovery"),
	}
}

type volume struct {
	path string
	base string
}

func listVolumes(dir string) ([]volume, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}
	var out []volume
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		base, ok := nifti.TrimExt(entry.Name())
		if !ok {
			continue
		}
		out = append(out, volume{path: filepath.Join(dir, entry.Name()), base: base})
	}
	return out, nil
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// FindPrimary returns the volume with the longest time series among those
// that have matching .bvec and .bval files. Directory order breaks ties, so
// the first volume seen wins.
func (d *Discoverer) FindPrimary(ctx context.Context, dir string, trace command.Trace) (Dataset, error) {
	volumes, err := listVolumes(dir)
	if err != nil {
		return Dataset{}, services.Wrap(services.ErrValidation, "discover", "list", "", err)
	}
	logger := logging.WithContext(ctx, d.logger)

	var best Dataset
	found := false
	for _, vol := range volumes {
		bvec := filepath.Join(dir, vol.base+".bvec")
		bval := filepath.Join(dir, vol.base+".bval")
		if !exists(bvec) || !exists(bval) {
			logger.Debug("volume lacks gradient sidecars", logging.String("volume", vol.path))
			continue
		}
		dims, err := d.probe.Dimensions(ctx, vol.path, trace)
		if err != nil {
			return Dataset{}, err
		}
		candidate := Dataset{Volume: vol.path, Bvec: bvec, Bval: bval, Dims: dims}
		logger.Debug("diffusion candidate",
			logging.String("volume", vol.path),
			logging.Int("time_points", candidate.TimePoints()),
		)
		if !found || candidate.TimePoints() > best.TimePoints() {
			best = candidate
			found = true
		}
	}

	if !found {
		return Dataset{}, services.Wrap(services.ErrValidation, "discover", "", fmt.Sprintf("%d volumes in %s, none with .bvec and .bval", len(volumes), dir), ErrNoPrimaryDataset)
	}
	logger.Info("primary dataset selected",
		logging.String("volume", filepath.Base(best.Volume)),
		logging.Int("time_points", best.TimePoints()),
		logging.String(logging.FieldEventType, "dataset_selected"),
	)
	return best, nil
}

// FindReferences locates forward and reverse phase-encoding volumes other
// than the primary series. Missing references are not an error.
func (d *Discoverer) FindReferences(dir string, primary Dataset) (References, error) {
	var refs References
	if d.forwardPattern == "" || d.reversePattern == "" {
		return refs, nil
	}
	volumes, err := listVolumes(dir)
	if err != nil {
		return refs, services.Wrap(services.ErrValidation, "discover", "references", "", err)
	}
	for _, vol := range volumes {
		if vol.path == primary.Volume {
			continue
		}
		name := strings.ToLower(vol.base)
		if refs.Forward == "" && matches(d.forwardPattern, name) {
			refs.Forward = vol.path
			continue
		}
		if refs.Reverse == "" && matches(d.reversePattern, name) {
			refs.Reverse = vol.path
		}
	}
	return refs, nil
}

func matches(pattern, name string) bool {
	ok, err := filepath.Match(pattern, name)
	return err == nil && ok
}
