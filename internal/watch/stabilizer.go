// Package watch detects completion of externally written files. The host
// application offers no exit code or callback, so the only usable signal
// is the output file reaching a steady size.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/SplintFactory/Foundry/internal/model"
)

// Stabilizer polls a path until its size stays constant. Zero fields fall
// back to defaults in Await, so the zero value is usable.
type Stabilizer struct {
	// Interval between size samples, default 500ms.
	Interval time.Duration
	// Timeout bounds the whole wait, default one minute.
	Timeout time.Duration
	// MinSize is the smallest size accepted as a finished file. Smaller
	// files keep being watched, a stable header-only write must not pass
	// as a result.
	MinSize int64
	// Samples is the number of consecutive equal sizes required, minimum
	// and default two.
	Samples int
}

// StallError reports what the watcher saw before the timeout.
type StallError struct {
	Path         string
	LastSize     int64
	Observations int
}

func (e *StallError) Error() string {
	return fmt.Sprintf("watching %s: %v after %d observations, last size %d bytes",
		e.Path, model.ErrNotStabilized, e.Observations, e.LastSize)
}

func (e *StallError) Unwrap() error { return model.ErrNotStabilized }

// Await blocks until path keeps the same size for the configured number of
// consecutive samples and meets the minimum size, then returns that size.
// A file that disappears mid-watch resets the count. Timeout yields a
// StallError, parent cancellation yields the context error.
func (s Stabilizer) Await(ctx context.Context, path string) (int64, error) {
	interval := s.Interval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	samples := s.Samples
	if samples < 2 {
		samples = 2
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var (
		lastSize     int64 = -1
		matches      int
		observations int
	)
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				size := lastSize
				if size < 0 {
					size = 0
				}
				return 0, &StallError{Path: path, LastSize: size, Observations: observations}
			}
			return 0, ctx.Err()
		case <-ticker.C:
			info, err := os.Stat(path)
			if err != nil {
				if !errors.Is(err, os.ErrNotExist) {
					slog.DebugContext(ctx, "stat failed while watching", "path", path, "error", err)
				}
				lastSize, matches = -1, 0
				continue
			}
			observations++
			size := info.Size()
			if size == lastSize {
				matches++
			} else {
				lastSize, matches = size, 1
			}
			if matches >= samples && size >= s.MinSize {
				slog.DebugContext(ctx, "output stabilized",
					"path", path, "bytes", size, "observations", observations)
				return size, nil
			}
		}
	}
}
