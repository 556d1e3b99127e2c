package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/SplintFactory/Foundry/internal/log"
	"github.com/SplintFactory/Foundry/internal/model"
	"github.com/SplintFactory/Foundry/internal/rhino"
	"github.com/SplintFactory/Foundry/internal/slicer"
	"github.com/SplintFactory/Foundry/internal/watch"
)

// HostSupervisor brings the host application up and releases it after the
// job per the close policy.
type HostSupervisor interface {
	EnsureRunning(ctx context.Context) (model.Outcome, error)
	Release(ctx context.Context) error
}

// Commander sends one command to the host's control interface.
type Commander interface {
	Command(ctx context.Context, command string, timeout time.Duration) (rhino.CommandResult, error)
}

// OutputWatcher waits for an externally written file to settle.
type OutputWatcher interface {
	Await(ctx context.Context, path string) (int64, error)
}

// Packager turns a mesh into a print package.
type Packager interface {
	Configured() bool
	Slice(ctx context.Context, meshPath, outPath string) error
}

// StageError names the pipeline stage a job died in.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string { return fmt.Sprintf("stage %s: %v", e.Stage, e.Err) }
func (e *StageError) Unwrap() error { return e.Err }

// Product is what one pipeline run left on disk. Paths are empty when the
// corresponding file was never produced. Degraded marks a success without
// a print package.
type Product struct {
	Outcome  model.Outcome
	Mesh     string
	Package  string
	JobLog   string
	Degraded bool
}

// Pipeline drives one job through supervision, generation, stabilization
// and slicing. It owns every artifact path for the duration of the job.
type Pipeline struct {
	cfg     model.Config
	paths   model.Paths
	host    HostSupervisor
	control Commander
	watcher OutputWatcher
	engine  Packager
}

func NewPipeline(cfg model.Config) *Pipeline {
	control := rhino.NewControl(cfg.Host.Control).WithProbeTimeout(cfg.Host.ProbeTimeout)
	supervisor := rhino.NewSupervisor(control, rhino.DetectPlatform(cfg.Host.App)).
		WithBudget(cfg.Host.ProbeDelay, cfg.Host.Phase1Attempts, cfg.Host.Phase2Attempts).
		WithKillWait(cfg.Host.KillWait).
		WithCloseAfterJob(cfg.Host.CloseAfterJob)
	engine := slicer.New(cfg.Slicer.Binary).
		WithProfiles(cfg.Slicer.Profiles...).
		WithTimeout(cfg.Slicer.Timeout)

	return &Pipeline{
		cfg:     cfg,
		paths:   model.Paths{Home: cfg.Home},
		host:    supervisor,
		control: control,
		watcher: watch.Stabilizer{
			Interval: cfg.Watch.Interval,
			Timeout:  cfg.Watch.Timeout,
			MinSize:  cfg.Watch.MinSize,
			Samples:  cfg.Watch.Samples,
		},
		engine: engine,
	}
}

// WithHost replaces the host supervisor.
func (p *Pipeline) WithHost(host HostSupervisor) *Pipeline {
	p.host = host
	return p
}

// WithCommander replaces the control interface.
func (p *Pipeline) WithCommander(control Commander) *Pipeline {
	p.control = control
	return p
}

// WithWatcher replaces the output watcher.
func (p *Pipeline) WithWatcher(watcher OutputWatcher) *Pipeline {
	p.watcher = watcher
	return p
}

// WithPackager replaces the slicing engine.
func (p *Pipeline) WithPackager(engine Packager) *Pipeline {
	p.engine = engine
	return p
}

// Process runs one job end to end. Artifacts stay in place for the caller
// to report and archive, whatever the outcome. Failures come back as
// *StageError, everything needed for diagnosis also lands in the per-job
// log file.
func (p *Pipeline) Process(ctx context.Context, job model.Job) (Product, error) {
	name := job.Name()
	ctx = log.ContextAttrs(ctx, slog.String("job", name))
	art := p.paths.For(name, p.cfg.Host.MeshExt, p.cfg.Slicer.Ext)
	product := Product{JobLog: art.JobLog}

	jlog, err := newJobLog(art.JobLog)
	if err != nil {
		slog.WarnContext(ctx, "cannot open job log, continuing without", "error", err)
	}
	defer func() {
		_ = jlog.Close()
	}()
	jlog.Printf("job %s claimed", name)

	p.clearStale(ctx, art)

	if err := p.writeDescriptor(job, art.Descriptor); err != nil {
		jlog.Printf("writing descriptor failed: %v", err)
		return product, &StageError{Stage: "descriptor", Err: err}
	}
	jlog.Printf("descriptor written to %s", art.Descriptor)

	if p.cfg.DryRun {
		return p.dryRun(ctx, jlog, product, art)
	}

	if err := p.checkTools(job); err != nil {
		jlog.Printf("configuration problem: %v", err)
		return product, &StageError{Stage: "configure", Err: err}
	}

	outcome, err := p.host.EnsureRunning(ctx)
	product.Outcome = outcome
	jlog.Printf("host supervision: %s", outcome)
	if err != nil {
		return product, &StageError{Stage: "supervise", Err: err}
	}
	defer func() {
		if err := p.host.Release(ctx); err != nil {
			slog.WarnContext(ctx, "releasing host failed", "error", err)
		}
	}()

	// some hosts need a first command to finish initializing, its result
	// does not matter
	if prime := p.cfg.Host.PrimeCommand; prime != "" {
		if res, err := p.control.Command(ctx, prime, time.Minute); err != nil {
			slog.WarnContext(ctx, "prime command failed",
				"error", err, "output", res.Excerpt())
			jlog.Printf("prime command failed (ignored): %v", err)
		}
	}

	command := "-_GrasshopperPlayer " + p.scriptPath(job)
	jlog.Printf("running generation: %s", command)
	res, err := p.control.Command(ctx, command, p.cfg.Host.GenerateTimeout)
	if err != nil {
		// completion is judged by output state, not exit code
		slog.WarnContext(ctx, "generation command failed, checking output anyway",
			"error", err, "output", res.Excerpt())
		jlog.Printf("generation command failed (checking output anyway): %v", err)
	} else {
		jlog.Printf("generation command finished in %s",
			res.Stopped.Sub(res.Started).Round(time.Millisecond))
	}

	size, err := p.watcher.Await(ctx, art.Mesh)
	if err != nil {
		// a failure confirmation explains the missing output better than
		// the stall itself
		if cerr := p.readConfirmation(ctx, jlog, art.Confirmation); cerr != nil {
			return product, &StageError{Stage: "generate", Err: cerr}
		}
		jlog.Printf("geometry did not stabilize: %v", err)
		return product, &StageError{Stage: "stabilize", Err: err}
	}
	product.Mesh = art.Mesh
	jlog.Printf("geometry stabilized at %d bytes", size)

	if err := p.readConfirmation(ctx, jlog, art.Confirmation); err != nil {
		return product, &StageError{Stage: "generate", Err: err}
	}

	if !p.engine.Configured() {
		product.Degraded = true
		jlog.Printf("no slicer configured, delivering geometry only")
		return product, nil
	}
	if err := p.engine.Slice(ctx, art.Mesh, art.Package); err != nil {
		if errors.Is(err, model.ErrNoPackage) {
			product.Degraded = true
			jlog.Printf("slicing produced no package, delivering geometry only: %v", err)
			return product, nil
		}
		jlog.Printf("slicing failed: %v", err)
		return product, &StageError{Stage: "slice", Err: err}
	}
	product.Package = art.Package
	jlog.Printf("print package ready at %s", art.Package)

	return product, nil
}

func (p *Pipeline) scriptPath(job model.Job) string {
	return filepath.Join(p.cfg.Host.ScriptsDir, job.Algorithm+".gh")
}

// checkTools verifies the per-job external requirements. Missing tools
// fail the single job, not the worker.
func (p *Pipeline) checkTools(job model.Job) error {
	var errs []error
	if p.cfg.Host.Control == "" {
		errs = append(errs, errors.New("host.control is not set"))
	} else if _, err := exec.LookPath(p.cfg.Host.Control); err != nil {
		errs = append(errs, fmt.Errorf("host control binary: %w", err))
	}
	if p.cfg.Host.ScriptsDir == "" {
		errs = append(errs, errors.New("host.scripts_dir is not set"))
	} else if _, err := os.Stat(p.scriptPath(job)); err != nil {
		errs = append(errs, fmt.Errorf("algorithm script: %w", err))
	}
	return errors.Join(errs...)
}

// clearStale removes leftovers an earlier crashed run may have left. The
// watcher must never stabilize on an old file.
func (p *Pipeline) clearStale(ctx context.Context, art model.Artifacts) {
	for _, path := range []string{art.Mesh, art.Package, art.Confirmation} {
		err := os.Remove(path)
		if err == nil {
			slog.WarnContext(ctx, "removed stale artifact", "path", path)
		} else if !errors.Is(err, os.ErrNotExist) {
			slog.ErrorContext(ctx, "cannot remove stale artifact", "path", path, "error", err)
		}
	}
}

// writeDescriptor materializes the job for the generation script. The
// whole job goes in, scripts read what they need.
func (p *Pipeline) writeDescriptor(job model.Job, path string) error {
	raw, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding descriptor: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("writing descriptor: %w", err)
	}
	return nil
}

// confirmation is the optional verdict the generation script writes next
// to its output.
type confirmation struct {
	Result  string `json:"result"`
	Message string `json:"message"`
}

// readConfirmation returns an error only for an explicit FAILURE verdict.
// A missing or unreadable confirmation proves nothing either way.
func (p *Pipeline) readConfirmation(ctx context.Context, jlog *jobLog, path string) error {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		slog.WarnContext(ctx, "cannot read confirmation", "path", path, "error", err)
		return nil
	}

	var c confirmation
	if err := json.Unmarshal(raw, &c); err != nil {
		slog.WarnContext(ctx, "cannot parse confirmation", "path", path, "error", err)
		return nil
	}
	jlog.Printf("script confirmation: %s %s", c.Result, c.Message)

	if strings.EqualFold(c.Result, "FAILURE") {
		if c.Message == "" {
			c.Message = "script reported failure"
		}
		return errors.New(c.Message)
	}
	return nil
}

// dryRun writes deterministic placeholder artifacts without touching any
// external tool.
func (p *Pipeline) dryRun(ctx context.Context, jlog *jobLog, product Product, art model.Artifacts) (Product, error) {
	jlog.Printf("dry run, writing placeholder artifacts")

	mesh := placeholderMesh(filepath.Base(art.Mesh))
	if err := os.WriteFile(art.Mesh, []byte(mesh), 0o644); err != nil {
		return product, &StageError{Stage: "generate", Err: err}
	}
	product.Mesh = art.Mesh

	pkg := "placeholder package for " + filepath.Base(art.Package) + "\n"
	if err := os.WriteFile(art.Package, []byte(pkg), 0o644); err != nil {
		return product, &StageError{Stage: "slice", Err: err}
	}
	product.Package = art.Package

	// no launch happened, the host was never touched
	product.Outcome = model.OutcomeAlreadyRunning
	slog.InfoContext(ctx, "dry run artifacts written", "mesh", art.Mesh, "package", art.Package)
	return product, nil
}

// placeholderMesh is a minimal one-triangle OBJ, downstream consumers
// still see valid geometry.
func placeholderMesh(name string) string {
	return "# placeholder geometry " + name + "\nv 0 0 0\nv 1 0 0\nv 0 1 0\nf 1 2 3\n"
}

// jobLog is the per-job text file a human reads when a job went wrong.
// All methods tolerate a nil receiver so logging never aborts a job.
type jobLog struct {
	f *os.File
}

func newJobLog(path string) (*jobLog, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &jobLog{f: f}, nil
}

func (l *jobLog) Printf(format string, args ...any) {
	if l == nil || l.f == nil {
		return
	}
	fmt.Fprintf(l.f, time.Now().Format("2006-01-02 15:04:05 ")+format+"\n", args...)
}

func (l *jobLog) Close() error {
	if l == nil || l.f == nil {
		return nil
	}
	return l.f.Close()
}
