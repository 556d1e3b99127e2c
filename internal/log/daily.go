package log

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const dayStamp = "2006-01-02"

// DailyWriter appends to a date-named file inside a folder and rolls
// over to a new file when the calendar day changes. Safe for
// concurrent use, which slog handlers require from their writer.
type DailyWriter struct {
	mu     sync.Mutex
	dir    string
	prefix string
	day    string
	file   *os.File
	now    func() time.Time
}

// NewDailyWriter writes {prefix}-{yyyy-mm-dd}.log files under dir.
// The folder must exist, the files are created on first write.
func NewDailyWriter(dir, prefix string) *DailyWriter {
	return &DailyWriter{
		dir:    dir,
		prefix: prefix,
		now:    time.Now,
	}
}

func (w *DailyWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	day := w.now().Format(dayStamp)
	if w.file == nil || day != w.day {
		if err := w.rotate(day); err != nil {
			return 0, err
		}
	}
	return w.file.Write(p)
}

// Close flushes the current file. Subsequent writes reopen it.
func (w *DailyWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	w.day = ""
	return err
}

// Path returns the file the next write would land in.
func (w *DailyWriter) Path() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.path(w.now().Format(dayStamp))
}

func (w *DailyWriter) path(day string) string {
	return filepath.Join(w.dir, w.prefix+"-"+day+".log")
}

func (w *DailyWriter) rotate(day string) error {
	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
	}
	f, err := os.OpenFile(w.path(day), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	w.file = f
	w.day = day
	return nil
}
