// Package alps computes the diffusion-along-perivascular-space index from
// the Dxx, Dyy and Dzz maps of a fitted tensor.
package alps

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"

	"gonum.org/v1/gonum/stat"

	"alps/internal/nifti"
	"alps/internal/services"
)

var (
	// ErrMissingDiffusivityMaps reports an absent or mismatched dxx/dyy/dzz map.
	ErrMissingDiffusivityMaps = errors.New("missing diffusivity maps")
	// ErrDegenerateIndex reports a hemisphere whose dyy or dzz ROI mean is zero.
	ErrDegenerateIndex = errors.New("degenerate ALPS index")
	// ErrROIOutOfBounds reports a region that does not fit inside the volume.
	ErrROIOutOfBounds = errors.New("region of interest outside volume")
)

// Geometry positions the four regions of interest.
type Geometry struct {
	// Offset is the distance in voxels from the volume center along x.
	Offset int
	// Radius is the half-width of the cubic neighborhood; 1 gives 3x3x3.
	Radius int
}

// DefaultGeometry matches the published ALPS placement.
var DefaultGeometry = Geometry{Offset: 15, Radius: 1}

// Point is a voxel coordinate.
type Point [3]int

// Centers holds the four region centers. The right projection region sits
// where the left association region sits and vice versa.
type Centers struct {
	RightProjection  Point
	RightAssociation Point
	LeftProjection   Point
	LeftAssociation  Point
}

// CentersFor derives region centers for a volume shape.
func CentersFor(shape [3]int, g Geometry) Centers {
	c := Point{shape[0] / 2, shape[1] / 2, shape[2] / 2}
	plus, minus := c, c
	plus[0] += g.Offset
	minus[0] -= g.Offset
	return Centers{
		RightProjection:  plus,
		RightAssociation: minus,
		LeftProjection:   minus,
		LeftAssociation:  plus,
	}
}

// Hemisphere holds the four ROI means and the resulting index for one side.
type Hemisphere struct {
	DxxProjection  float64 `json:"dxx_proj" yaml:"dxx_proj"`
	DxxAssociation float64 `json:"dxx_assoc" yaml:"dxx_assoc"`
	DyyAssociation float64 `json:"dyy_assoc" yaml:"dyy_assoc"`
	DzzProjection  float64 `json:"dzz_proj" yaml:"dzz_proj"`
	Index          float64 `json:"alps" yaml:"alps"`
}

func (h Hemisphere) numerator() float64 {
	return stat.Mean([]float64{h.DxxProjection, h.DxxAssociation}, nil)
}

func (h Hemisphere) denominator() float64 {
	return stat.Mean([]float64{h.DyyAssociation, h.DzzProjection}, nil)
}

// degenerate reports a hemisphere whose perpendicular diffusivity vanished.
// A zero ROI mean usually means the region fell outside the brain mask.
func (h Hemisphere) degenerate() bool {
	return h.DyyAssociation == 0 || h.DzzProjection == 0 || h.denominator() == 0
}

// Components groups the per-hemisphere breakdown.
type Components struct {
	Left  Hemisphere `json:"left" yaml:"left"`
	Right Hemisphere `json:"right" yaml:"right"`
}

// Record is the outcome of one ALPS computation.
type Record struct {
	Mean       float64    `json:"alps_mean" yaml:"alps_mean"`
	Left       float64    `json:"alps_left" yaml:"alps_left"`
	Right      float64    `json:"alps_right" yaml:"alps_right"`
	Components Components `json:"components" yaml:"components"`
}

// Maps names the three diffusivity volumes on disk.
type Maps struct {
	Dxx string
	Dyy string
	Dzz string
}

// ComputeFiles loads the maps and computes the index. An absent file is
// reported as ErrMissingDiffusivityMaps.
func ComputeFiles(maps Maps, g Geometry) (Record, error) {
	var missing []string
	for _, m := range []struct{ name, path string }{{"dxx", maps.Dxx}, {"dyy", maps.Dyy}, {"dzz", maps.Dzz}} {
		if strings.TrimSpace(m.path) == "" {
			missing = append(missing, m.name)
			continue
		}
		if _, err := os.Stat(m.path); err != nil {
			missing = append(missing, m.name)
		}
	}
	if len(missing) > 0 {
		return Record{}, missingMaps(strings.Join(missing, ", ") + " not found")
	}

	dxx, err := nifti.Read(maps.Dxx)
	if err != nil {
		return Record{}, fmt.Errorf("load dxx: %w", err)
	}
	dyy, err := nifti.Read(maps.Dyy)
	if err != nil {
		return Record{}, fmt.Errorf("load dyy: %w", err)
	}
	dzz, err := nifti.Read(maps.Dzz)
	if err != nil {
		return Record{}, fmt.Errorf("load dzz: %w", err)
	}
	return Compute(dxx, dyy, dzz, g)
}

// Compute derives left, right and mean ALPS indices. It does not modify its
// inputs and returns identical results for identical volumes.
func Compute(dxx, dyy, dzz *nifti.Volume, g Geometry) (Record, error) {
	if dxx == nil || dyy == nil || dzz == nil {
		return Record{}, missingMaps("dxx, dyy and dzz are all required")
	}
	shape := dxx.Shape()
	if dyy.Shape() != shape || dzz.Shape() != shape {
		return Record{}, missingMaps(fmt.Sprintf("shape mismatch dxx=%v dyy=%v dzz=%v", shape, dyy.Shape(), dzz.Shape()))
	}

	centers := CentersFor(shape, g)
	sample := func(v *nifti.Volume, name string, p Point) (float64, error) {
		mean, err := roiMean(v, p, g.Radius)
		if err != nil {
			return 0, services.Wrap(services.ErrValidation, "alps", name, "", err)
		}
		if !finite(mean) {
			return 0, services.Wrap(services.ErrValidation, "alps", "index",
				fmt.Sprintf("non-finite %s mean", name), ErrDegenerateIndex)
		}
		return mean, nil
	}

	var right, left Hemisphere
	var err error
	for _, s := range []struct {
		dst  *float64
		vol  *nifti.Volume
		name string
		at   Point
	}{
		{&right.DxxProjection, dxx, "dxx right projection", centers.RightProjection},
		{&right.DxxAssociation, dxx, "dxx right association", centers.RightAssociation},
		{&right.DyyAssociation, dyy, "dyy right association", centers.RightAssociation},
		{&right.DzzProjection, dzz, "dzz right projection", centers.RightProjection},
		{&left.DxxProjection, dxx, "dxx left projection", centers.LeftProjection},
		{&left.DxxAssociation, dxx, "dxx left association", centers.LeftAssociation},
		{&left.DyyAssociation, dyy, "dyy left association", centers.LeftAssociation},
		{&left.DzzProjection, dzz, "dzz left projection", centers.LeftProjection},
	} {
		if *s.dst, err = sample(s.vol, s.name, s.at); err != nil {
			return Record{}, err
		}
	}

	var degenerate []string
	if left.degenerate() {
		degenerate = append(degenerate, "left")
	}
	if right.degenerate() {
		degenerate = append(degenerate, "right")
	}
	if len(degenerate) > 0 {
		return Record{}, services.Wrap(services.ErrValidation, "alps", "index",
			fmt.Sprintf("zero perpendicular diffusivity in %s hemisphere", strings.Join(degenerate, " and ")), ErrDegenerateIndex)
	}

	left.Index = left.numerator() / left.denominator()
	right.Index = right.numerator() / right.denominator()
	if !finite(left.Index) || !finite(right.Index) {
		return Record{}, services.Wrap(services.ErrValidation, "alps", "index",
			fmt.Sprintf("non-finite index left=%v right=%v", left.Index, right.Index), ErrDegenerateIndex)
	}

	var rec Record
	rec.Left = left.Index
	rec.Right = right.Index
	rec.Mean = stat.Mean([]float64{left.Index, right.Index}, nil)
	rec.Components.Left = left
	rec.Components.Right = right
	return rec, nil
}

func roiMean(v *nifti.Volume, c Point, radius int) (float64, error) {
	if !v.Contains(c[0]-radius, c[1]-radius, c[2]-radius) || !v.Contains(c[0]+radius, c[1]+radius, c[2]+radius) {
		return 0, fmt.Errorf("%w: center %v radius %d shape %v", ErrROIOutOfBounds, c, radius, v.Shape())
	}
	side := 2*radius + 1
	values := make([]float64, 0, side*side*side)
	for z := c[2] - radius; z <= c[2]+radius; z++ {
		for y := c[1] - radius; y <= c[1]+radius; y++ {
			for x := c[0] - radius; x <= c[0]+radius; x++ {
				values = append(values, v.At(x, y, z))
			}
		}
	}
	return stat.Mean(values, nil), nil
}

func missingMaps(detail string) error {
	return services.Wrap(services.ErrValidation, "alps", "load", detail, ErrMissingDiffusivityMaps)
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }
