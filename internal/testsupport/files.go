package testsupport

import (
	"archive/zip"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"alps/internal/nifti"
)

// WriteVolume writes a zero-filled NIfTI image with the given dimensions.
func WriteVolume(t testing.TB, path string, dims ...int) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	if err := nifti.Write(path, nifti.NewVolume(dims...)); err != nil {
		t.Fatalf("write volume %s: %v", path, err)
	}
}

// WriteFilled writes a 3-D NIfTI image with every voxel set to value.
func WriteFilled(t testing.TB, path string, nx, ny, nz int, value float64) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	if err := nifti.Write(path, nifti.Filled(nx, ny, nz, value)); err != nil {
		t.Fatalf("write volume %s: %v", path, err)
	}
}

// WriteSeries writes dir/base.nii.gz and, when sidecars is set, matching
// .bvec and .bval files. It returns the volume path.
func WriteSeries(t testing.TB, dir, base string, sidecars bool, dims ...int) string {
	t.Helper()
	path := filepath.Join(dir, base+".nii.gz")
	WriteVolume(t, path, dims...)
	if sidecars {
		for _, ext := range []string{".bvec", ".bval"} {
			if err := os.WriteFile(filepath.Join(dir, base+ext), []byte("0 1000\n"), 0o644); err != nil {
				t.Fatalf("write sidecar: %v", err)
			}
		}
	}
	return path
}

// WriteZip creates a zip archive at path holding entries.
func WriteZip(t testing.TB, path string, entries map[string][]byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()

	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)

	zw := zip.NewWriter(f)
	for _, name := range names {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip create %s: %v", name, err)
		}
		if _, err := w.Write(entries[name]); err != nil {
			t.Fatalf("zip write %s: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
}
