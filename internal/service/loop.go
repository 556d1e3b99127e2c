package service

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/SplintFactory/Foundry/internal/archive"
	"github.com/SplintFactory/Foundry/internal/log"
	"github.com/SplintFactory/Foundry/internal/model"
	"github.com/SplintFactory/Foundry/internal/queue"
)

// Queue hands out work and takes results back.
type Queue interface {
	Next(ctx context.Context) (model.Job, error)
	Report(ctx context.Context, report model.Report) error
}

// Processor runs one job end to end.
type Processor interface {
	Process(ctx context.Context, job model.Job) (Product, error)
}

// Recorder journals attempts locally. It observes, it never gates.
type Recorder interface {
	Start(ctx context.Context, jobKey string) (int64, error)
	Finish(ctx context.Context, id int64, success bool, message string) error
}

// Loop is the outer worker cycle: fetch one job, process it, report,
// archive, sleep, repeat. Strictly sequential, the host application
// cannot serve two jobs at once.
type Loop struct {
	cfg      model.Config
	paths    model.Paths
	queue    Queue
	pipeline Processor
	journal  Recorder
	archiver archive.Archiver
	sleep    func(ctx context.Context, d time.Duration) error
}

func NewLoop(cfg model.Config, q Queue, pipeline Processor) *Loop {
	paths := model.Paths{Home: cfg.Home}
	return &Loop{
		cfg:      cfg,
		paths:    paths,
		queue:    q,
		pipeline: pipeline,
		archiver: archive.New(paths.Archive()),
		sleep:    sleepCtx,
	}
}

// WithJournal attaches the local attempt journal. The loop runs fine
// without one.
func (l *Loop) WithJournal(journal Recorder) *Loop {
	l.journal = journal
	return l
}

// WithSleep replaces the inter-poll delay. This method exists for unit
// testing only.
func (l *Loop) WithSleep(sleep func(ctx context.Context, d time.Duration) error) *Loop {
	l.sleep = sleep
	return l
}

// Run polls until ctx ends. The retention pruner runs on its own cadence
// next to the loop. Returns nil on graceful cancellation.
func (l *Loop) Run(ctx context.Context) error {
	scheduler, err := newPruner(ctx, l.cfg.Retention, l.paths)
	if err != nil {
		slog.WarnContext(ctx, "retention pruning disabled", "error", err)
	} else if scheduler != nil {
		scheduler.Start()
		defer func() {
			if err := scheduler.Shutdown(); err != nil {
				slog.ErrorContext(ctx, "shutting down pruner has failed", "error", err)
			}
		}()
	}

	slog.InfoContext(ctx, "worker loop started", "interval", l.cfg.Queue.PollInterval)
	for {
		if _, err := l.Cycle(ctx); err != nil {
			slog.InfoContext(ctx, "worker loop stopped")
			return nil
		}
		if err := l.sleep(ctx, l.cfg.Queue.PollInterval); err != nil {
			slog.InfoContext(ctx, "worker loop stopped")
			return nil
		}
	}
}

// Cycle performs one fetch-process-report round. The report is nil when
// no job ran, the error is non-nil only when ctx ended.
func (l *Loop) Cycle(ctx context.Context) (*model.Report, error) {
	job, err := l.queue.Next(ctx)
	switch {
	case err == nil:
	case errors.Is(err, model.ErrNoJob):
		slog.DebugContext(ctx, "no job available")
		return nil, nil
	case errors.Is(err, model.ErrUnauthorized):
		slog.WarnContext(ctx, "queue rejected the worker token")
		return nil, nil
	case ctx.Err() != nil:
		return nil, ctx.Err()
	default:
		if failure := queue.Classify(err); failure.Expected() {
			slog.InfoContext(ctx, "queue unreachable", "reason", failure.String())
		} else {
			slog.ErrorContext(ctx, "fetching job failed", "error", err)
		}
		return nil, nil
	}

	report := l.runJob(ctx, job)
	return &report, nil
}

func (l *Loop) runJob(ctx context.Context, job model.Job) model.Report {
	name := job.Name()
	ctx = log.ContextAttrs(ctx, slog.String("job", name))
	slog.InfoContext(ctx, "job claimed", "algorithm", job.Algorithm, "id", job.ID.String())

	attempt := l.journalStart(ctx, name)

	// artifacts leave the working directories whatever happens next
	art := l.paths.For(name, l.cfg.Host.MeshExt, l.cfg.Slicer.Ext)
	defer func() {
		if _, err := l.archiver.Archive(ctx, name, art.All()...); err != nil {
			slog.ErrorContext(ctx, "archiving artifacts failed", "error", err)
		}
	}()

	product, perr := l.pipeline.Process(ctx, job)
	report := l.buildReport(ctx, job, product, perr)

	if err := l.queue.Report(ctx, report); err != nil {
		// the queue re-issues unreported jobs, reporting is best effort
		slog.ErrorContext(ctx, "reporting result failed", "error", err)
	}
	l.journalFinish(ctx, attempt, report)

	if perr != nil {
		slog.ErrorContext(ctx, "job failed", "error", perr)
	} else {
		slog.InfoContext(ctx, "job finished", "degraded", product.Degraded)
	}
	return report
}

// buildReport assembles the terminal statement about a job: verdict,
// message, truncated processing log, and whatever artifacts exist.
func (l *Loop) buildReport(ctx context.Context, job model.Job, product Product, perr error) model.Report {
	report := model.Report{
		JobID:   job.ID,
		Success: perr == nil,
	}
	switch {
	case perr != nil:
		report.Message = perr.Error()
	case product.Degraded:
		report.Message = "geometry delivered without print package"
	}

	if raw, err := os.ReadFile(product.JobLog); err == nil {
		report.Log = model.TruncateLog(string(raw))
	}

	report.Artifacts = append(report.Artifacts,
		l.readArtifact(ctx, product.Mesh, model.ArtifactGeometry)...)
	report.Artifacts = append(report.Artifacts,
		l.readArtifact(ctx, product.Package, model.ArtifactPackage)...)
	return report
}

// readArtifact loads one produced file, yielding zero or one artifacts.
func (l *Loop) readArtifact(ctx context.Context, path, kind string) []model.Artifact {
	if path == "" {
		return nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		slog.ErrorContext(ctx, "cannot read produced artifact", "path", path, "error", err)
		return nil
	}
	return []model.Artifact{{Name: filepath.Base(path), Kind: kind, Content: content}}
}

func (l *Loop) journalStart(ctx context.Context, name string) int64 {
	if l.journal == nil {
		return 0
	}
	id, err := l.journal.Start(ctx, name)
	if err != nil {
		slog.ErrorContext(ctx, "journal start failed", "error", err)
		return 0
	}
	return id
}

func (l *Loop) journalFinish(ctx context.Context, id int64, report model.Report) {
	if l.journal == nil || id == 0 {
		return
	}
	if err := l.journal.Finish(ctx, id, report.Success, report.Message); err != nil {
		slog.ErrorContext(ctx, "journal finish failed", "error", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
