// Package slicer wraps the external slicing engine that turns generated
// meshes into printable packages.
package slicer

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/SplintFactory/Foundry/internal/model"
)

const maxExcerpt = 2000

// Slicer shells out to a slicing engine CLI. The zero value is not
// configured, construct with New.
type Slicer struct {
	binary   string
	profiles []string
	timeout  time.Duration
}

func New(binary string) Slicer {
	return Slicer{binary: binary, timeout: 10 * time.Minute}
}

// Configured reports whether an engine binary is set. An unconfigured
// slicer skips the stage instead of failing jobs.
func (s Slicer) Configured() bool { return s.binary != "" }

// WithProfiles appends profile files loaded on every invocation.
func (s Slicer) WithProfiles(profiles ...string) Slicer {
	s.profiles = append(s.profiles, profiles...)
	return s
}

// WithTimeout bounds a single slicing run.
func (s Slicer) WithTimeout(d time.Duration) Slicer {
	if d > 0 {
		s.timeout = d
	}
	return s
}

// Slice runs the engine on meshPath and expects it to write outPath. Some
// engines exit non-zero on mere warnings yet still deliver, so the
// presence of the package file decides over the exit code. A clean exit
// without a package wraps model.ErrNoPackage.
func (s Slicer) Slice(ctx context.Context, meshPath, outPath string) error {
	if s.binary == "" {
		return fmt.Errorf("no slicer binary configured")
	}
	timeout := s.timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}

	args := make([]string, 0, 3+2*len(s.profiles))
	args = append(args, meshPath, "--output", outPath)
	for _, profile := range s.profiles {
		args = append(args, "--load", profile)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, s.binary, args...)
	cmd.Stdout = &out
	cmd.Stderr = &out

	slog.InfoContext(ctx, "slicing mesh",
		"binary", s.binary, "mesh", meshPath, "profiles", len(s.profiles))
	runErr := cmd.Run()

	excerpt := out.String()
	if len(excerpt) > maxExcerpt {
		excerpt = excerpt[:maxExcerpt] + "..."
	}

	if _, err := os.Stat(outPath); err != nil {
		if runErr != nil {
			return fmt.Errorf("running slicer: %w: %s", runErr, excerpt)
		}
		return fmt.Errorf("slicer exited clean but wrote no package: %w", model.ErrNoPackage)
	}
	if runErr != nil {
		slog.WarnContext(ctx, "slicer exited non-zero but produced a package",
			"error", runErr, "output", excerpt)
		return nil
	}
	slog.DebugContext(ctx, "slicer finished", "package", outPath)
	return nil
}
