// Package archive unpacks uploaded scanner archives and inventories the
// DICOM series they contain.
package archive

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"alps/internal/services"
)

// ErrEmptyArchive is returned when an archive holds no regular files.
var ErrEmptyArchive = errors.New("archive contains no files")

// ErrUnsafePath is returned for entries that would land outside the destination.
var ErrUnsafePath = errors.New("archive entry escapes destination")

// Extract unpacks the zip archive at src into dest and returns the number of
// files written. Directory entries are created as needed.
func Extract(ctx context.Context, src, dest string) (int, error) {
	zr, err := zip.OpenReader(src)
	if errors.Is(err, zip.ErrInsecurePath) {
		if zr != nil {
			_ = zr.Close()
		}
		return 0, services.Wrap(services.ErrValidation, "extract", "", filepath.Base(src), ErrUnsafePath)
	}
	if err != nil {
		return 0, services.Wrap(services.ErrValidation, "extract", "open", src, err)
	}
	defer zr.Close()

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return 0, services.Wrap(services.ErrConfiguration, "extract", "mkdir", dest, err)
	}
	root, err := filepath.Abs(dest)
	if err != nil {
		return 0, services.Wrap(services.ErrConfiguration, "extract", "abs", dest, err)
	}

	files := 0
	for _, entry := range zr.File {
		if err := ctx.Err(); err != nil {
			return files, err
		}
		target, err := entryPath(root, entry.Name)
		if err != nil {
			return files, services.Wrap(services.ErrValidation, "extract", "", entry.Name, err)
		}
		if entry.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return files, services.Wrap(services.ErrConfiguration, "extract", "mkdir", target, err)
			}
			continue
		}
		if !entry.Mode().IsRegular() {
			continue
		}
		if err := writeEntry(entry, target); err != nil {
			return files, services.Wrap(services.ErrValidation, "extract", "write", entry.Name, err)
		}
		files++
	}
	if files == 0 {
		return 0, services.Wrap(services.ErrValidation, "extract", "", filepath.Base(src), ErrEmptyArchive)
	}
	return files, nil
}

func entryPath(root, name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(os.PathSeparator)) {
		return "", ErrUnsafePath
	}
	target := filepath.Join(root, clean)
	if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
		return "", ErrUnsafePath
	}
	return target, nil
}

func writeEntry(entry *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	in, err := entry.Open()
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copy: %w", err)
	}
	return out.Close()
}
