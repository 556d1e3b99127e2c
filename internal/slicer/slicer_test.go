package slicer_test

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/SplintFactory/Foundry/internal/model"
	"github.com/SplintFactory/Foundry/internal/slicer"
	"github.com/stretchr/testify/require"
)

// fakeEngine writes an executable script standing in for the slicing
// engine. Arguments arrive as mesh, --output, path, then profile flags.
func fakeEngine(t *testing.T, script string) string {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}
	path := filepath.Join(t.TempDir(), "slice-engine")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755))
	return path
}

func TestSlice(t *testing.T) {
	t.Parallel()

	t.Run("writes the package", func(t *testing.T) {
		t.Parallel()
		out := filepath.Join(t.TempDir(), "model.3mf")
		engine := slicer.New(fakeEngine(t, `echo sliced > "$3"`))

		require.NoError(t, engine.Slice(t.Context(), "in.obj", out))
		require.FileExists(t, out)
	})

	t.Run("passes mesh and profiles", func(t *testing.T) {
		t.Parallel()
		out := filepath.Join(t.TempDir(), "model.3mf")
		engine := slicer.New(fakeEngine(t, `echo "$@" > "$3"`)).
			WithProfiles("printer.ini", "filament.ini")

		require.NoError(t, engine.Slice(t.Context(), "in.obj", out))

		args, err := os.ReadFile(out)
		require.NoError(t, err)
		require.Contains(t, string(args), "in.obj --output ")
		require.Contains(t, string(args), "--load printer.ini --load filament.ini")
	})

	t.Run("warning exit with package delivered", func(t *testing.T) {
		t.Parallel()
		out := filepath.Join(t.TempDir(), "model.3mf")
		engine := slicer.New(fakeEngine(t, `echo 'unsupported setting' 1>&2; echo sliced > "$3"; exit 1`))

		require.NoError(t, engine.Slice(t.Context(), "in.obj", out))
		require.FileExists(t, out)
	})

	t.Run("clean exit without package", func(t *testing.T) {
		t.Parallel()
		out := filepath.Join(t.TempDir(), "model.3mf")
		engine := slicer.New(fakeEngine(t, `exit 0`))

		err := engine.Slice(t.Context(), "in.obj", out)
		require.ErrorIs(t, err, model.ErrNoPackage)
	})

	t.Run("failure without package", func(t *testing.T) {
		t.Parallel()
		out := filepath.Join(t.TempDir(), "model.3mf")
		engine := slicer.New(fakeEngine(t, `echo 'mesh is not manifold' 1>&2; exit 2`))

		err := engine.Slice(t.Context(), "in.obj", out)
		require.Error(t, err)
		require.NotErrorIs(t, err, model.ErrNoPackage)
		require.ErrorContains(t, err, "mesh is not manifold")
	})

	t.Run("timeout kills the engine", func(t *testing.T) {
		t.Parallel()
		out := filepath.Join(t.TempDir(), "model.3mf")
		engine := slicer.New(fakeEngine(t, `sleep 5`)).
			WithTimeout(50 * time.Millisecond)

		started := time.Now()
		err := engine.Slice(t.Context(), "in.obj", out)
		require.Error(t, err)
		require.Less(t, time.Since(started), 2*time.Second)
	})

	t.Run("unconfigured engine refuses", func(t *testing.T) {
		t.Parallel()
		engine := slicer.New("")
		require.False(t, engine.Configured())
		require.Error(t, engine.Slice(t.Context(), "in.obj", "out.3mf"))
	})
}
