package rhino_test

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/SplintFactory/Foundry/internal/rhino"
	"github.com/stretchr/testify/require"
)

// fakeControl writes an executable script standing in for the control tool.
func fakeControl(t *testing.T, script string) string {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}
	path := filepath.Join(t.TempDir(), "rhinocode")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755))
	return path
}

func TestResponsive(t *testing.T) {
	t.Parallel()
	cases := []struct {
		scenario string
		script   string
		then     bool
	}{
		{"one instance", `echo '[{"id":"1","name":"Rhino 8","version":"8.9"}]'`, true},
		{"many instances", `echo '[{"id":"1"},{"id":"2"}]'`, true},
		{"empty array", `echo '[]'`, false},
		{"usage fallback", `echo 'Usage: rhinocode [command]'`, false},
		{"lowercase usage", `echo 'usage: rhinocode'`, false},
		{"garbage", `echo 'segmentation fault'`, false},
		{"json object instead of array", `echo '{"instances":[]}'`, false},
		{"non-zero exit", `exit 3`, false},
		{"silent zero exit", `exit 0`, false},
	}

	for _, tc := range cases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			control := rhino.NewControl(fakeControl(t, tc.script))
			require.Equal(t, tc.then, control.Responsive(t.Context()))
		})
	}

	t.Run("hung probe times out", func(t *testing.T) {
		t.Parallel()
		control := rhino.NewControl(fakeControl(t, "sleep 5")).
			WithProbeTimeout(50 * time.Millisecond)
		started := time.Now()
		require.False(t, control.Responsive(t.Context()))
		require.Less(t, time.Since(started), 2*time.Second)
	})

	t.Run("missing binary", func(t *testing.T) {
		t.Parallel()
		control := rhino.NewControl(filepath.Join(t.TempDir(), "no-such-tool"))
		require.False(t, control.Responsive(t.Context()))
	})
}

func TestList(t *testing.T) {
	t.Parallel()
	control := rhino.NewControl(fakeControl(t,
		`echo '[{"id":"a1","name":"Rhino 8","version":"8.9.24"}]'`))
	instances, err := control.List(t.Context())
	require.NoError(t, err)
	require.Len(t, instances, 1)
	require.Equal(t, "a1", instances[0].ID)
	require.Equal(t, "Rhino 8", instances[0].Name)
	require.Equal(t, "8.9.24", instances[0].Version)
}

func TestCommand(t *testing.T) {
	t.Parallel()

	t.Run("captures output and exit", func(t *testing.T) {
		t.Parallel()
		control := rhino.NewControl(fakeControl(t, `echo "arg: $2"; echo 'warn' 1>&2`))
		res, err := control.Command(t.Context(), "-_GrasshopperPlayer /tmp/x.gh", time.Second)
		require.NoError(t, err)
		require.Equal(t, 0, res.ExitCode)
		require.Contains(t, res.Stdout, "arg: -_GrasshopperPlayer /tmp/x.gh")
		require.Contains(t, res.Stderr, "warn")
		require.NotZero(t, res.Started)
		require.False(t, res.Stopped.Before(res.Started))
	})

	t.Run("non-zero exit keeps the capture", func(t *testing.T) {
		t.Parallel()
		control := rhino.NewControl(fakeControl(t, `echo oops; exit 2`))
		res, err := control.Command(t.Context(), "prime", time.Second)
		require.Error(t, err)
		require.Equal(t, 2, res.ExitCode)
		require.Contains(t, res.Stdout, "oops")
	})

	t.Run("timeout kills the command", func(t *testing.T) {
		t.Parallel()
		control := rhino.NewControl(fakeControl(t, `sleep 5`))
		started := time.Now()
		_, err := control.Command(t.Context(), "slow", 50*time.Millisecond)
		require.Error(t, err)
		require.Less(t, time.Since(started), 2*time.Second)
	})
}

func TestCommandResultExcerpt(t *testing.T) {
	t.Parallel()

	t.Run("joins stdout and stderr", func(t *testing.T) {
		res := rhino.CommandResult{Stdout: "out", Stderr: "err"}
		require.Equal(t, "out\nerr", res.Excerpt())
	})

	t.Run("truncates long output", func(t *testing.T) {
		res := rhino.CommandResult{Stdout: strings.Repeat("a", 3000)}
		got := res.Excerpt()
		require.Len(t, got, 2003)
		require.True(t, strings.HasSuffix(got, "..."))
	})
}
