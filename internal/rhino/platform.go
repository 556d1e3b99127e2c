package rhino

import (
	"bytes"
	"context"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

// Platform is the capability set for managing the host application at the
// OS level, independent of the control interface. Implementations are
// selected once at startup.
type Platform interface {
	// Launch starts the host in the background, fire and forget. Launch
	// commands routinely return before the application is ready, so
	// readiness is judged by the probe, never by Launch's error.
	Launch(ctx context.Context) error
	// ProcessExists reports an OS-level process, responsive or not. A
	// crashed-but-zombie or hung process still counts.
	ProcessExists(ctx context.Context) bool
	// Kill force-terminates the host process.
	Kill(ctx context.Context) error
}

// DetectPlatform picks the implementation for the current OS. app is the
// application path or name, e.g. /Applications/RhinoWIP.app or Rhino.exe.
func DetectPlatform(app string) Platform {
	switch runtime.GOOS {
	case "darwin":
		return darwinPlatform{app: app}
	case "windows":
		return windowsPlatform{app: app}
	default:
		return posixPlatform{app: app}
	}
}

// processName reduces an application path to the name OS process tables
// report, e.g. /Applications/RhinoWIP.app -> RhinoWIP.
func processName(app string) string {
	base := filepath.Base(app)
	return strings.TrimSuffix(base, ".app")
}

type darwinPlatform struct {
	app string
}

func (p darwinPlatform) Launch(ctx context.Context) error {
	// open returns once LaunchServices accepted the request, long before
	// the application window exists
	cmd := exec.CommandContext(ctx, "open", "-a", p.app, "--args", "-nosplash", "/nosplash")
	return cmd.Run()
}

func (p darwinPlatform) ProcessExists(ctx context.Context) bool {
	return pgrep(ctx, processName(p.app))
}

func (p darwinPlatform) Kill(ctx context.Context) error {
	return exec.CommandContext(ctx, "pkill", "-9", "-f", processName(p.app)).Run()
}

type windowsPlatform struct {
	app string
}

func (p windowsPlatform) exe() string {
	name := filepath.Base(p.app)
	if !strings.HasSuffix(strings.ToLower(name), ".exe") {
		name += ".exe"
	}
	return name
}

func (p windowsPlatform) Launch(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, "cmd", "/C", "start", "", p.app, "/nosplash")
	return cmd.Run()
}

func (p windowsPlatform) ProcessExists(ctx context.Context) bool {
	cmd := exec.CommandContext(ctx, "tasklist", "/FI", "IMAGENAME eq "+p.exe(), "/NH")
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return false
	}
	return strings.Contains(strings.ToLower(out.String()), strings.ToLower(p.exe()))
}

func (p windowsPlatform) Kill(ctx context.Context) error {
	return exec.CommandContext(ctx, "taskkill", "/F", "/IM", p.exe()).Run()
}

type posixPlatform struct {
	app string
}

func (p posixPlatform) Launch(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, p.app, "-nosplash")
	if err := cmd.Start(); err != nil {
		return err
	}
	return cmd.Process.Release()
}

func (p posixPlatform) ProcessExists(ctx context.Context) bool {
	return pgrep(ctx, processName(p.app))
}

func (p posixPlatform) Kill(ctx context.Context) error {
	return exec.CommandContext(ctx, "pkill", "-9", "-f", processName(p.app)).Run()
}

func pgrep(ctx context.Context, name string) bool {
	err := exec.CommandContext(ctx, "pgrep", "-f", name).Run()
	return err == nil
}
