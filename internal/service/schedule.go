package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	gocron "github.com/go-co-op/gocron/v2"
	"github.com/robfig/cron/v3"

	"github.com/SplintFactory/Foundry/internal/archive"
	"github.com/SplintFactory/Foundry/internal/model"
)

// ParseCron checks a retention schedule before it reaches the
// scheduler: five-field cron syntax, or the @daily and @every macros.
func ParseCron(expr string) error {
	e := strings.TrimSpace(expr)
	if e == "" {
		return errors.New("empty cron expression")
	}

	// macros go straight to the standard parser
	if strings.HasPrefix(e, "@") {
		_, err := cron.ParseStandard(e)
		return err
	}

	fields := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	_, err := fields.Parse(e)
	return err
}

// newPruner builds the retention scheduler, nil when retention is off.
// The pruner sweeps the archive and log folders on its own cadence,
// independent of the job cadence.
func newPruner(ctx context.Context, cfg model.Retention, paths model.Paths) (gocron.Scheduler, error) {
	if cfg.Days <= 0 {
		return nil, nil
	}

	var job gocron.JobDefinition
	switch {
	case cfg.Cron != "":
		if err := ParseCron(cfg.Cron); err != nil {
			return nil, fmt.Errorf("parsing retention.cron: %w", err)
		}
		job = gocron.CronJob(cfg.Cron, false)
	case cfg.Every > 0:
		job = gocron.DurationJob(cfg.Every)
	default:
		job = gocron.DurationJob(24 * time.Hour)
	}

	maxAge := time.Duration(cfg.Days) * 24 * time.Hour
	task := func() {
		for _, dir := range []string{paths.Archive(), paths.Logs()} {
			if _, err := archive.Prune(ctx, dir, maxAge); err != nil {
				slog.ErrorContext(ctx, "retention pruning failed", "folder", dir, "error", err)
			}
		}
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	if _, err := s.NewJob(job, gocron.NewTask(task)); err != nil {
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	return s, nil
}
