package rhino

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"time"
)

// maxExcerpt bounds how much captured command output ends up in logs and
// reports.
const maxExcerpt = 2000

// Control drives the host application through its command line companion
// tool. The zero value is not usable, construct with NewControl.
type Control struct {
	binary  string
	timeout time.Duration
}

func NewControl(binary string) Control {
	return Control{
		binary:  binary,
		timeout: 10 * time.Second,
	}
}

// WithProbeTimeout bounds the inventory query. The probe must stay cheap,
// it runs on every supervision poll.
func (c Control) WithProbeTimeout(d time.Duration) Control {
	if d > 0 {
		c.timeout = d
	}
	return c
}

// Instance is one live host reported by the control inventory.
type Instance struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Version string `json:"version"`
}

// List queries the control interface for live host instances.
func (c Control) List(ctx context.Context) ([]Instance, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.binary, "list", "--json")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("listing host instances: %w", err)
	}

	out := bytes.TrimSpace(stdout.Bytes())
	if usageText(out) {
		return nil, fmt.Errorf("listing host instances: %s answered with usage text", c.binary)
	}
	var instances []Instance
	if err := json.Unmarshal(out, &instances); err != nil {
		return nil, fmt.Errorf("parsing instance list: %w", err)
	}
	return instances, nil
}

// Responsive reports whether the host accepts commands right now. The probe
// is a best-effort liveness signal: every failure mode means "not
// responsive", none aborts the caller.
func (c Control) Responsive(ctx context.Context) bool {
	instances, err := c.List(ctx)
	if err != nil {
		slog.DebugContext(ctx, "host probe failed", "error", err)
		return false
	}
	return len(instances) > 0
}

// usageText recognizes the help fallback an older control tool prints when
// the verb itself is unknown.
func usageText(out []byte) bool {
	trimmed := bytes.TrimLeft(out, " \t\r\n")
	return bytes.HasPrefix(trimmed, []byte("Usage:")) ||
		bytes.HasPrefix(trimmed, []byte("usage:"))
}

// CommandResult captures one control command invocation.
type CommandResult struct {
	Command  string
	Started  time.Time
	Stopped  time.Time
	ExitCode int
	Stdout   string
	Stderr   string
}

// Excerpt returns the captured output cut to the logging budget.
func (r CommandResult) Excerpt() string {
	out := r.Stdout
	if r.Stderr != "" {
		if out != "" {
			out += "\n"
		}
		out += r.Stderr
	}
	if len(out) > maxExcerpt {
		out = out[:maxExcerpt] + "..."
	}
	return out
}

// Command sends a single command string to the host, bounded by timeout.
// A non-zero exit comes back as both a populated result and an error, the
// caller decides whether that is fatal.
func (c Control) Command(ctx context.Context, command string, timeout time.Duration) (CommandResult, error) {
	if timeout == 0 {
		slog.WarnContext(ctx, "command has no timeout", "command", command)
	} else {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, c.binary, "command", command)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	res := CommandResult{
		Command:  command,
		Started:  time.Now().UTC(),
		ExitCode: -1,
	}
	err := cmd.Run()
	res.Stopped = time.Now().UTC()
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	slog.DebugContext(ctx, "control command finished",
		"command", command,
		"exit", res.ExitCode,
		"elapsed", res.Stopped.Sub(res.Started).String())

	if err != nil {
		return res, fmt.Errorf("control command %q: %w", command, err)
	}
	return res, nil
}
