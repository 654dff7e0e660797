// Package nifti adapts NIfTI images to the scalar volumes the calculator
// samples. Decoding and encoding go through gonii.
package nifti

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

var ErrNotNIfTI = errors.New("not a NIfTI file")

// Header carries the image grid dimensions.
type Header struct {
	Dims []int
}

// Volumes returns the fourth dimension, or 1 for 3-D images.
func (h Header) Volumes() int {
	if len(h.Dims) < 4 {
		return 1
	}
	return h.Dims[3]
}

// Volume is a scalar image stored x-fastest.
type Volume struct {
	Dims []int
	Data []float64
}

// NewVolume allocates a zeroed volume with the given dimensions.
func NewVolume(dims ...int) *Volume {
	n := 1
	for _, d := range dims {
		n *= d
	}
	return &Volume{Dims: append([]int(nil), dims...), Data: make([]float64, n)}
}

// Filled returns a 3-D volume with every voxel set to value.
func Filled(nx, ny, nz int, value float64) *Volume {
	v := NewVolume(nx, ny, nz)
	for i := range v.Data {
		v.Data[i] = value
	}
	return v
}

// Shape returns the first three dimensions.
func (v *Volume) Shape() [3]int {
	var s [3]int
	for i := 0; i < 3 && i < len(v.Dims); i++ {
		s[i] = v.Dims[i]
	}
	for i := len(v.Dims); i < 3; i++ {
		s[i] = 1
	}
	return s
}

func (v *Volume) index(x, y, z int) int {
	s := v.Shape()
	return x + s[0]*(y+s[1]*z)
}

// At returns the voxel value at (x, y, z) of the first volume.
func (v *Volume) At(x, y, z int) float64 { return v.Data[v.index(x, y, z)] }

// Set assigns the voxel value at (x, y, z) of the first volume.
func (v *Volume) Set(x, y, z int, value float64) { v.Data[v.index(x, y, z)] = value }

// Contains reports whether (x, y, z) lies inside the grid.
func (v *Volume) Contains(x, y, z int) bool {
	s := v.Shape()
	return x >= 0 && y >= 0 && z >= 0 && x < s[0] && y < s[1] && z < s[2]
}

// Extensions recognized as NIfTI images.
var Extensions = []string{".nii.gz", ".nii"}

// TrimExt strips a NIfTI extension from name, reporting whether one was present.
func TrimExt(name string) (string, bool) {
	lower := strings.ToLower(name)
	for _, ext := range Extensions {
		if strings.HasSuffix(lower, ext) {
			return name[:len(name)-len(ext)], true
		}
	}
	return name, false
}

// Resolve finds base+".nii.gz" or base+".nii" on disk. FSL tools take the
// extensionless base and pick the suffix from FSLOUTPUTTYPE.
func Resolve(base string) (string, error) {
	for _, ext := range Extensions {
		candidate := base + ext
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%s.nii[.gz]: %w", base, os.ErrNotExist)
}
