package rhino

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/SplintFactory/Foundry/internal/model"
)

// Prober answers whether the host accepts commands right now.
type Prober interface {
	Responsive(ctx context.Context) bool
}

// Supervisor drives the two-phase ensure-running protocol for the host
// application. Phase 1 launches and polls; if that budget is spent, a
// lingering process is killed once and phase 2 retries with a longer
// window to cover the cold start after recovery.
type Supervisor struct {
	probe    Prober
	platform Platform

	delay      time.Duration
	phase1     int
	phase2     int
	killWait   time.Duration
	closeAfter bool

	sleep    func(ctx context.Context, d time.Duration) error
	launched bool
}

func NewSupervisor(probe Prober, platform Platform) *Supervisor {
	return &Supervisor{
		probe:    probe,
		platform: platform,
		delay:    5 * time.Second,
		phase1:   9,
		phase2:   12,
		killWait: 3 * time.Second,
		sleep:    sleepCtx,
	}
}

// WithBudget sets the probe cadence and the per-phase attempt counts.
func (s *Supervisor) WithBudget(delay time.Duration, phase1, phase2 int) *Supervisor {
	if delay > 0 {
		s.delay = delay
	}
	if phase1 > 0 {
		s.phase1 = phase1
	}
	if phase2 > 0 {
		s.phase2 = phase2
	}
	return s
}

// WithKillWait sets the cleanup pause after the recovery kill.
func (s *Supervisor) WithKillWait(d time.Duration) *Supervisor {
	if d >= 0 {
		s.killWait = d
	}
	return s
}

// WithCloseAfterJob enables the release policy: the host is closed after a
// job, but only when this supervisor launched it.
func (s *Supervisor) WithCloseAfterJob(close bool) *Supervisor {
	s.closeAfter = close
	return s
}

// WithSleep replaces the delay function. This method exists for unit
// testing only.
func (s *Supervisor) WithSleep(sleep func(ctx context.Context, d time.Duration) error) *Supervisor {
	s.sleep = sleep
	return s
}

// EnsureRunning walks the supervision state machine until the host
// responds or both phase budgets are spent. The returned outcome reports
// running on every path except failure, where the error wraps
// model.ErrHostUnavailable. The host is left as-is on failure for manual
// diagnosis.
func (s *Supervisor) EnsureRunning(ctx context.Context) (model.Outcome, error) {
	if s.probe.Responsive(ctx) {
		slog.DebugContext(ctx, "host already responsive")
		return model.OutcomeAlreadyRunning, nil
	}

	slog.InfoContext(ctx, "launching host", "phase", 1, "attempts", s.phase1)
	s.launch(ctx)
	ok, err := s.poll(ctx, s.phase1)
	if err != nil {
		return model.OutcomeFailed, err
	}
	if ok {
		s.launched = true
		slog.InfoContext(ctx, "host responsive", "phase", 1)
		return model.OutcomeStartedPhase1, nil
	}

	// phase 1 spent: a present but unresponsive process is stuck and must
	// go before retrying
	if s.platform.ProcessExists(ctx) {
		slog.WarnContext(ctx, "host process exists but does not respond, killing")
		if err := s.platform.Kill(ctx); err != nil {
			slog.ErrorContext(ctx, "killing host failed", "error", err)
		}
		if err := s.sleep(ctx, s.killWait); err != nil {
			return model.OutcomeFailed, err
		}
	}

	slog.InfoContext(ctx, "launching host", "phase", 2, "attempts", s.phase2)
	s.launch(ctx)
	ok, err = s.poll(ctx, s.phase2)
	if err != nil {
		return model.OutcomeFailed, err
	}
	if ok {
		s.launched = true
		slog.InfoContext(ctx, "host responsive", "phase", 2)
		return model.OutcomeStartedPhase2, nil
	}

	return model.OutcomeFailed, fmt.Errorf("after two launch phases: %w", model.ErrHostUnavailable)
}

// launch is fire and forget, a failed launch still gets probed because the
// process may already be coming up from an earlier attempt.
func (s *Supervisor) launch(ctx context.Context) {
	if err := s.platform.Launch(ctx); err != nil {
		slog.WarnContext(ctx, "launch command failed, probing anyway", "error", err)
	}
}

// poll probes every delay up to attempts times. The bool reports probe
// success, the error is non-nil only on context cancellation.
func (s *Supervisor) poll(ctx context.Context, attempts int) (bool, error) {
	for i := 0; i < attempts; i++ {
		if err := s.sleep(ctx, s.delay); err != nil {
			return false, err
		}
		if s.probe.Responsive(ctx) {
			return true, nil
		}
		slog.DebugContext(ctx, "host not yet responsive", "attempt", i+1, "of", attempts)
	}
	return false, nil
}

// Release closes the host when the close-after-job policy applies. Hosts
// found already running are never closed.
func (s *Supervisor) Release(ctx context.Context) error {
	if !s.closeAfter || !s.launched {
		return nil
	}
	s.launched = false
	slog.InfoContext(ctx, "closing host after job")
	return s.platform.Kill(ctx)
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
