// Package archive moves finished job artifacts into a dated folder tree
// and prunes what outlived the retention window.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

const dirStamp = "20060102-150405"

type Archiver struct {
	root string
}

func New(root string) Archiver {
	return Archiver{root: root}
}

// Archive moves the named files into a fresh dated folder under the
// archive root and returns that folder. Missing sources are skipped, so
// running twice is harmless. Any other stat failure is reported, an
// artifact must not vanish silently. No folder is created when nothing
// is left to move.
func (a Archiver) Archive(ctx context.Context, name string, paths ...string) (string, error) {
	dir := filepath.Join(a.root, time.Now().Format(dirStamp)+"_"+name)

	var errs []error
	moved := 0
	created := false
	for _, src := range paths {
		if _, err := os.Stat(src); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, fmt.Errorf("checking %s: %w", src, err))
			}
			continue
		}
		if !created {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return "", fmt.Errorf("creating archive folder: %w", err)
			}
			created = true
		}
		dst, err := freeName(dir, filepath.Base(src))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := moveFile(src, dst); err != nil {
			errs = append(errs, fmt.Errorf("archiving %s: %w", src, err))
			continue
		}
		moved++
	}
	if !created {
		return "", errors.Join(errs...)
	}

	slog.InfoContext(ctx, "artifacts archived", "folder", dir, "files", moved)
	return dir, errors.Join(errs...)
}

// freeName returns a destination inside dir that does not collide with
// an already archived file. The descriptor and the confirmation share a
// basename, both must survive.
func freeName(dir, base string) (string, error) {
	ext := filepath.Ext(base)
	stem := base[:len(base)-len(ext)]
	for i := 0; ; i++ {
		dst := filepath.Join(dir, base)
		if i > 0 {
			dst = filepath.Join(dir, fmt.Sprintf("%s.%d%s", stem, i, ext))
		}
		_, err := os.Stat(dst)
		if errors.Is(err, os.ErrNotExist) {
			return dst, nil
		}
		if err != nil {
			return "", fmt.Errorf("checking %s: %w", dst, err)
		}
	}
}

// moveFile renames when possible and falls back to copy and delete for
// cross-device moves.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() {
		_ = in.Close()
	}()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}

// Prune deletes entries of dir older than maxAge and returns how many
// went away. A missing dir counts as empty.
func Prune(ctx context.Context, dir string, maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading %s: %w", dir, err)
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	var errs []error
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		slog.InfoContext(ctx, "retention pruned", "folder", dir, "removed", removed)
	}
	return removed, errors.Join(errs...)
}
