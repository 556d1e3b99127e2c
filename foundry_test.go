package foundry_test

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/SplintFactory/Foundry/internal/model"

	"github.com/stretchr/testify/require"
)

var (
	foundryPath string

	// tmpDir is a function used to create a tempdir
	// -test.keepdir flag says test to use os.MkdirTemp
	// default is t.TempDir, which will be cleaned up
	tmpDir func(t *testing.T) string
)

func TestMain(m *testing.M) {
	var keepTestDir bool
	flag.BoolVar(&keepTestDir, "test.keepdir", false, "use os.TempDir instead of t.TempDir to keep test artifacts")
	flag.Lookup("test.keepdir")

	flag.Parse()

	if testing.Short() {
		slog.Warn("integration tests with -short are ignored")
		os.Exit(0)
	}

	if !keepTestDir {
		tmpDir = func(t *testing.T) string {
			t.Helper()
			return t.TempDir()
		}
	} else {
		tmpDir = func(t *testing.T) string {
			t.Helper()
			dir, err := os.MkdirTemp("", t.Name()+"*")
			require.NoError(t, err)
			_, err = fmt.Fprintf(t.Output(), "TEMPDIR %s: -test.keepdir used, so it won't be automatically deleted", dir)
			require.NoError(t, err)
			return dir
		}
	}

	if !isExecutable("foundry-ci") {
		slog.Warn("cannot locate foundry-ci binary, skipping integration tests: run go build -race -cover -covermode=atomic -o foundry-ci ./cmd/foundry/ first")
		os.Exit(0)
	}

	var err error
	foundryPath, err = filepath.Abs("foundry-ci")
	if err != nil {
		slog.Error("can't get abspath for foundry-ci", "error", err)
		os.Exit(1)
	}
	coverDir, err := filepath.Abs("coverage")
	if err != nil {
		slog.Error("can't get value for GOCOVERDIR for foundry-ci", "error", err)
		os.Exit(1)
	}
	err = rmRfMkdirp(coverDir)
	if err != nil {
		slog.Error("can't reset GOCOVERDIR for foundry-ci", "error", err, "coverdir", coverDir)
		os.Exit(1)
	}

	err = os.Setenv("GOCOVERDIR", coverDir)
	if err != nil {
		slog.Error("can't set GOCOVERDIR env variable", "error", err)
		os.Exit(1)
	}

	os.Exit(m.Run())
}

// TestFoundryOnce drives the real binary through one dry-run job
// against a local queue server.
func TestFoundryOnce(t *testing.T) {
	dir := chDir(t)

	type seen struct {
		mu     sync.Mutex
		report *model.Report
		polls  int
	}
	var queue seen

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/jobs/next", func(w http.ResponseWriter, r *http.Request) {
		queue.mu.Lock()
		defer queue.mu.Unlock()
		queue.polls++
		if queue.polls > 1 {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"id": "7", "algorithm": "wrist_splint", "parameters": {"size": "M"}}`))
	})
	mux.HandleFunc("POST /api/v1/jobs/{id}/result", func(w http.ResponseWriter, r *http.Request) {
		queue.mu.Lock()
		defer queue.mu.Unlock()
		var report model.Report
		if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		queue.report = &report
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	home := filepath.Join(dir, "home")
	config := fmt.Sprintf(`
queue:
    url: %q
home: %q
dry_run: true
`, srv.URL, home)
	creat(t, "foundry.yaml", []byte(config))

	ctx, cancel := context.WithTimeout(t.Context(), 60*time.Second)
	t.Cleanup(cancel)
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, foundryPath, "once", "--config", "foundry.yaml")
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err != nil {
		t.Logf("%s", stderr.String())
		require.NoError(t, err)
	}

	queue.mu.Lock()
	defer queue.mu.Unlock()
	require.NotNil(t, queue.report, "queue never received a result")
	require.Equal(t, model.JobID("7"), queue.report.JobID)
	require.True(t, queue.report.Success)
	require.Len(t, queue.report.Artifacts, 2)

	// everything the job produced sits in the archive
	entries, err := os.ReadDir(filepath.Join(home, "archive"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	for _, sub := range []string{"inbox", "outbox"} {
		left, err := os.ReadDir(filepath.Join(home, sub))
		require.NoError(t, err)
		require.Empty(t, left)
	}
}

// TestFoundryVersion runs the binary on a machine without any config.
// The template gets written and version still exits clean.
func TestFoundryVersion(t *testing.T) {
	dir := chDir(t)
	confDir := filepath.Join(dir, "config")

	ctx, cancel := context.WithTimeout(t.Context(), 60*time.Second)
	t.Cleanup(cancel)
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, foundryPath, "version")
	cmd.Env = append(os.Environ(),
		"HOME="+filepath.Join(dir, "home"),
		"XDG_CONFIG_HOME="+confDir,
	)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err != nil {
		t.Logf("%s", stderr.String())
		require.NoError(t, err)
	}

	require.Contains(t, stdout.String(), "foundry:")
	// first contact leaves a template behind for the user to fill in
	require.FileExists(t, filepath.Join(confDir, "foundry", "foundry.yaml"))
}

// TestFoundryDoctor runs the binary on an unconfigured machine. The
// checks must run through and name every problem instead of dying on
// the first one.
func TestFoundryDoctor(t *testing.T) {
	dir := chDir(t)
	home := filepath.Join(dir, "home")
	confDir := filepath.Join(dir, "config")

	ctx, cancel := context.WithTimeout(t.Context(), 60*time.Second)
	t.Cleanup(cancel)
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, foundryPath, "doctor")
	cmd.Env = append(os.Environ(), "HOME="+home, "XDG_CONFIG_HOME="+confDir)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()

	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr, stderr.String())
	require.Equal(t, 1, exitErr.ExitCode())

	out := stdout.String()
	require.Contains(t, out, "problem: config")
	require.Contains(t, out, "queue.url is required")
	require.Contains(t, out, "working directories")
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().Perm()&0111 != 0
}

func rmRfMkdirp(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	return nil
}

func chDir(t *testing.T) string {
	t.Helper()
	tempdir := tmpDir(t)
	err := os.Chdir(tempdir)
	require.NoError(t, err)
	return tempdir
}

func creat(t *testing.T, path string, content []byte) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, f.Close())
	}()
	_, err = f.Write(content)
	require.NoError(t, err)
	err = f.Sync()
	require.NoError(t, err)
}
