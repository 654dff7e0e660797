package nifti

import (
	"encoding/binary"
	"fmt"
	"os"
	"strings"

	"github.com/okieraised/gonii"
	gnifti "github.com/okieraised/gonii/pkg/nifti"
)

const (
	dtFloat32   int32 = 16
	float32Size int32 = 4
)

func load(path string) (*gnifti.Nii, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	rd, err := gonii.NewNiiReader(gonii.WithReadImageFile(path))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotNIfTI, path, err)
	}
	if err := rd.Parse(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotNIfTI, path, err)
	}
	img := rd.GetNiiData()
	if img == nil {
		return nil, fmt.Errorf("%w: %s: no image data", ErrNotNIfTI, path)
	}
	return img, nil
}

func gridDims(img *gnifti.Nii) ([]int, error) {
	shape := img.GetImgShape()
	dims := []int{int(shape[0]), int(shape[1]), int(shape[2])}
	if shape[3] > 1 {
		dims = append(dims, int(shape[3]))
	}
	for i, d := range dims {
		if d < 1 {
			return nil, fmt.Errorf("%w: dim[%d]=%d", ErrNotNIfTI, i+1, d)
		}
	}
	return dims, nil
}

// ReadHeader returns the grid dimensions of path.
func ReadHeader(path string) (Header, error) {
	img, err := load(path)
	if err != nil {
		return Header{}, err
	}
	dims, err := gridDims(img)
	if err != nil {
		return Header{}, fmt.Errorf("%s: %w", path, err)
	}
	return Header{Dims: dims}, nil
}

// Read loads every voxel of path into a Volume, x fastest.
func Read(path string) (*Volume, error) {
	img, err := load(path)
	if err != nil {
		return nil, err
	}
	dims, err := gridDims(img)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	vol := NewVolume(dims...)
	s := vol.Shape()
	frames := len(vol.Data) / (s[0] * s[1] * s[2])
	i := 0
	for t := 0; t < frames; t++ {
		for z := 0; z < s[2]; z++ {
			for y := 0; y < s[1]; y++ {
				for x := 0; x < s[0]; x++ {
					vol.Data[i] = img.GetAt(int64(x), int64(y), int64(z), int64(t))
					i++
				}
			}
		}
	}
	return vol, nil
}

// Write stores vol as float32, gzip-compressed when path ends in .gz.
func Write(path string, vol *Volume) error {
	img, err := toNii(vol)
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	w, err := gonii.NewNiiWriter(path,
		gonii.WithWriteNIfTIData(img),
		gonii.WithWriteCompression(strings.HasSuffix(strings.ToLower(path), ".gz")),
	)
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := w.WriteToFile(); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func toNii(vol *Volume) (*gnifti.Nii, error) {
	if len(vol.Dims) < 1 || len(vol.Dims) > 4 {
		return nil, fmt.Errorf("unsupported rank %d", len(vol.Dims))
	}
	var dim [8]int64
	var pixdim [8]float64
	dim[0] = int64(len(vol.Dims))
	for i := 1; i < 8; i++ {
		dim[i] = 1
		pixdim[i] = 1
	}
	for i, d := range vol.Dims {
		dim[i+1] = int64(d)
	}
	nvox := int64(len(vol.Data))

	img := &gnifti.Nii{
		NDim:      dim[0],
		Nx:        dim[1],
		Ny:        dim[2],
		Nz:        dim[3],
		Nt:        dim[4],
		Nu:        dim[5],
		Nv:        dim[6],
		Nw:        dim[7],
		Dim:       dim,
		NVox:      nvox,
		NByPer:    float32Size,
		Datatype:  dtFloat32,
		PixDim:    pixdim,
		Dx:        1,
		Dy:        1,
		Dz:        1,
		Dt:        1,
		SclSlope:  1,
		ByteOrder: binary.LittleEndian,
		Volume:    make([]byte, nvox*int64(float32Size)),
	}

	s := vol.Shape()
	frames := len(vol.Data) / (s[0] * s[1] * s[2])
	i := 0
	for t := 0; t < frames; t++ {
		for z := 0; z < s[2]; z++ {
			for y := 0; y < s[1]; y++ {
				for x := 0; x < s[0]; x++ {
					if err := img.SetAt(int64(x), int64(y), int64(z), int64(t), vol.Data[i]); err != nil {
						return nil, err
					}
					i++
				}
			}
		}
	}
	return img, nil
}
