// Package fileutil holds filesystem helpers shared by the pipeline.
package fileutil

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ChecksumFile is the manifest written next to saved artifacts.
const ChecksumFile = "SHA256SUMS"

// CopyFileVerified streams src to dst with SHA256 + size verification and
// returns the hex digest. The copy lands in a temporary sibling and is renamed
// into place only after verification, so dst is never left half-written.
func CopyFileVerified(src, dst string) (string, error) {
	srcInfo, err := os.Stat(src)
	if err != nil {
		return "", fmt.Errorf("stat source: %w", err)
	}

	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()

	out, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*")
	if err != nil {
		return "", err
	}
	tmp := out.Name()
	defer os.Remove(tmp)

	srcHasher := sha256.New()
	written, err := io.Copy(out, io.TeeReader(in, srcHasher))
	if err != nil {
		_ = out.Close()
		return "", err
	}
	if err := out.Close(); err != nil {
		return "", err
	}
	if written != srcInfo.Size() {
		return "", fmt.Errorf("copy size mismatch: source %d bytes, copied %d bytes", srcInfo.Size(), written)
	}

	want := hex.EncodeToString(srcHasher.Sum(nil))
	got, err := HashFile(tmp)
	if err != nil {
		return "", err
	}
	if got != want {
		return "", fmt.Errorf("copy hash mismatch: file corrupted during copy")
	}
	if err := os.Chmod(tmp, 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, dst); err != nil {
		return "", err
	}
	return want, nil
}

// HashFile returns the hex SHA256 of the file at path.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// WriteManifest writes a sha256sum-compatible manifest of digests (keyed by
// file name) into dir.
func WriteManifest(dir string, digests map[string]string) error {
	names := make([]string, 0, len(digests))
	for name := range digests {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		fmt.Fprintf(&b, "%s  %s\n", digests[name], name)
	}
	return os.WriteFile(filepath.Join(dir, ChecksumFile), []byte(b.String()), 0o644)
}
