package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/SplintFactory/Foundry/internal/log"
	"github.com/SplintFactory/Foundry/internal/model"
	"github.com/SplintFactory/Foundry/internal/queue"
	"github.com/SplintFactory/Foundry/internal/rhino"
	"github.com/SplintFactory/Foundry/internal/service"
	"github.com/SplintFactory/Foundry/internal/store"

	"github.com/spf13/cobra"
)

func doRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	attrs := slog.Group("foundry",
		slog.String("cmd", "run"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	loop, journal, err := newWorker(ctx, config)
	if err != nil {
		return err
	}
	if journal != nil {
		defer func() {
			_ = journal.Close()
		}()
	}

	return loop.Run(ctx)
}

func doOnce(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	attrs := slog.Group("foundry",
		slog.String("cmd", "once"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	loop, journal, err := newWorker(ctx, config)
	if err != nil {
		return err
	}
	if journal != nil {
		defer func() {
			_ = journal.Close()
		}()
	}

	report, err := loop.Cycle(ctx)
	if err != nil {
		return err
	}
	if report == nil {
		slog.InfoContext(ctx, "no job available")
		return nil
	}
	if !report.Success {
		return fmt.Errorf("job %s failed: %s", report.JobID, report.Message)
	}
	slog.InfoContext(ctx, "job finished", "job", report.JobID)
	return nil
}

// newWorker validates the configuration and assembles the polling loop.
// A broken journal degrades to running without one, everything else is
// fatal.
func newWorker(ctx context.Context, cfg model.Config) (*service.Loop, *store.Journal, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config %s: %w", configPath, err)
	}

	paths := model.Paths{Home: cfg.Home}
	if err := paths.Ensure(); err != nil {
		return nil, nil, fmt.Errorf("preparing working directories: %w", err)
	}

	client, err := newQueueClient(cfg)
	if err != nil {
		return nil, nil, err
	}
	slog.InfoContext(ctx, "worker ready",
		"worker", client.Worker(),
		"home", cfg.Home,
		"algorithms", cfg.Queue.Algorithms,
		"dryRun", cfg.DryRun,
	)

	journal := openJournal(ctx, paths)
	loop := service.NewLoop(cfg, client, service.NewPipeline(cfg))
	if journal != nil {
		loop = loop.WithJournal(journal)
	}
	return loop, journal, nil
}

func newQueueClient(cfg model.Config) (queue.Client, error) {
	client, err := queue.NewClient(cfg.Queue.URL)
	if err != nil {
		return queue.Client{}, err
	}
	client = client.
		WithToken(cfg.Queue.Token).
		WithAlgorithms(cfg.Queue.Algorithms...).
		WithBlobUploads(cfg.Queue.BlobUploads)
	if cfg.Queue.Worker != "" {
		client = client.WithWorker(cfg.Queue.Worker)
	}
	return client, nil
}

// openJournal opens the attempt journal and settles what a previous
// process left behind. Attempts still open at this point belong to a
// worker that died mid-job.
func openJournal(ctx context.Context, paths model.Paths) *store.Journal {
	journal, err := store.Open(ctx, paths.Journal())
	if err != nil {
		slog.WarnContext(ctx, "job journal unavailable, continuing without it", "error", err)
		return nil
	}

	interrupted, err := journal.MarkInterrupted(ctx)
	if err != nil {
		slog.WarnContext(ctx, "settling interrupted attempts failed", "error", err)
	} else if interrupted > 0 {
		slog.WarnContext(ctx, "previous run died mid-job", "attempts", interrupted)
	}
	return journal
}

func doDoctor(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	problems := 0
	problem := func(format string, args ...any) {
		problems++
		fmt.Printf("problem: "+format+"\n", args...)
	}
	ok := func(format string, args ...any) {
		fmt.Printf("ok:      "+format+"\n", args...)
	}

	if err := config.Validate(); err != nil {
		problem("config %s: %v", configPath, err)
	} else {
		ok("config %s", configPath)
	}

	paths := model.Paths{Home: config.Home}
	if err := paths.Ensure(); err != nil {
		problem("working directories: %v", err)
	} else {
		ok("working directories under %s", config.Home)
	}

	if path, err := exec.LookPath(config.Host.Control); err != nil {
		problem("control binary %q not on PATH", config.Host.Control)
	} else {
		ok("control binary %s", path)
		control := rhino.NewControl(config.Host.Control).WithProbeTimeout(config.Host.ProbeTimeout)
		if instances, err := control.List(ctx); err != nil {
			problem("listing host instances: %v", err)
		} else if len(instances) == 0 {
			fmt.Printf("note:    host not running, it will be launched on the first job\n")
		} else {
			ok("host running, %d instance(s)", len(instances))
		}
	}

	if config.Host.ScriptsDir == "" {
		problem("host.scripts_dir is not set")
	} else if entries, err := filepath.Glob(filepath.Join(config.Host.ScriptsDir, "*.gh")); err != nil || len(entries) == 0 {
		problem("no algorithm scripts in %s", config.Host.ScriptsDir)
	} else {
		ok("%d algorithm script(s) in %s", len(entries), config.Host.ScriptsDir)
	}

	if config.Slicer.Binary == "" {
		fmt.Printf("note:    no slicer configured, jobs deliver geometry only\n")
	} else if path, err := exec.LookPath(config.Slicer.Binary); err != nil {
		problem("slicer binary %q not on PATH", config.Slicer.Binary)
	} else {
		ok("slicer binary %s", path)
		for _, profile := range config.Slicer.Profiles {
			if !exists(profile) {
				problem("slicer profile %s missing", profile)
			}
		}
	}

	if journal, err := store.Open(ctx, paths.Journal()); err != nil {
		problem("job journal: %v", err)
	} else {
		defer func() {
			_ = journal.Close()
		}()
		if dangling, err := journal.Dangling(ctx); err == nil && len(dangling) > 0 {
			fmt.Printf("note:    %d attempt(s) from a previous run never finished\n", len(dangling))
		}
		attempts, err := journal.History(ctx, 5)
		if err != nil {
			problem("reading job history: %v", err)
		} else {
			ok("job journal with %d recent attempt(s)", len(attempts))
			for _, a := range attempts {
				verdict := "open"
				switch {
				case a.Success.Valid && a.Success.Bool:
					verdict = "success"
				case a.Success.Valid:
					verdict = "failed"
				}
				fmt.Printf("         %s  %s  %s\n", a.Started().Format("2006-01-02 15:04:05"), a.JobKey, verdict)
			}
		}
	}

	if problems > 0 {
		return fmt.Errorf("%d problem(s) found", problems)
	}
	fmt.Println("all checks passed")
	return nil
}
