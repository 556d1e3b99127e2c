// Package store persists the attempt journal. The queue only learns
// about finished attempts, the journal is the local record that survives
// crashes and restarts.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyFinished = errors.New("already finished")
)

const schema = `CREATE TABLE IF NOT EXISTS attempts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_key TEXT NOT NULL,
	started_at INTEGER NOT NULL,
	finished_at INTEGER DEFAULT NULL,
	success BOOLEAN DEFAULT NULL,
	message TEXT DEFAULT NULL
)`

// Attempt is one recorded try at a job. Times are Unix seconds.
type Attempt struct {
	ID         int64          `db:"id"`
	JobKey     string         `db:"job_key"`
	StartedAt  int64          `db:"started_at"`
	FinishedAt sql.NullInt64  `db:"finished_at"`
	Success    sql.NullBool   `db:"success"`
	Message    sql.NullString `db:"message"`
}

// Started returns the claim time.
func (a Attempt) Started() time.Time { return time.Unix(a.StartedAt, 0) }

// Finished returns the completion time, false while in progress.
func (a Attempt) Finished() (time.Time, bool) {
	if !a.FinishedAt.Valid {
		return time.Time{}, false
	}
	return time.Unix(a.FinishedAt.Int64, 0), true
}

type Journal struct {
	db *sqlx.DB
}

// Open creates or opens the journal database at path.
func Open(ctx context.Context, path string) (*Journal, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating journal schema: %w", err)
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Close() error { return j.db.Close() }

// Start records a claimed job and returns the attempt id.
func (j *Journal) Start(ctx context.Context, jobKey string) (int64, error) {
	res, err := j.db.ExecContext(ctx,
		`INSERT INTO attempts (job_key, started_at) VALUES (?, ?)`,
		jobKey, time.Now().Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("executing sql insert failed: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("fetching insert id failed: %w", err)
	}
	return id, nil
}

// Finish closes an attempt. ErrNotFound reports an unknown id,
// ErrAlreadyFinished a second finish.
func (j *Journal) Finish(ctx context.Context, id int64, success bool, message string) error {
	res, err := j.db.ExecContext(ctx,
		`UPDATE attempts SET finished_at = ?, success = ?, message = ?
		 WHERE id = ? AND finished_at IS NULL`,
		time.Now().Unix(), success, message, id,
	)
	if err != nil {
		return fmt.Errorf("executing sql update failed: %w", err)
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("fetching affected rows failed: %w", err)
	}
	if ra == 1 {
		return nil
	}

	var n int
	if err := j.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM attempts WHERE id = ?`, id); err != nil {
		return fmt.Errorf("executing sql query failed: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return ErrAlreadyFinished
}

// Dangling lists attempts without a finish mark. After a clean shutdown
// the result is empty, anything else points at a crashed or killed run.
func (j *Journal) Dangling(ctx context.Context) ([]Attempt, error) {
	var attempts []Attempt
	err := j.db.SelectContext(ctx, &attempts,
		`SELECT * FROM attempts WHERE finished_at IS NULL ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	return attempts, nil
}

// MarkInterrupted closes every dangling attempt as failed. Called on
// startup so a crash mid-job leaves a visible trace instead of an
// attempt that appears to run forever.
func (j *Journal) MarkInterrupted(ctx context.Context) (int64, error) {
	res, err := j.db.ExecContext(ctx,
		`UPDATE attempts SET finished_at = ?, success = false, message = 'interrupted'
		 WHERE finished_at IS NULL`,
		time.Now().Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("executing sql update failed: %w", err)
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("fetching affected rows failed: %w", err)
	}
	return ra, nil
}

// History returns the most recent attempts, newest first.
func (j *Journal) History(ctx context.Context, limit int) ([]Attempt, error) {
	var attempts []Attempt
	err := j.db.SelectContext(ctx, &attempts,
		`SELECT * FROM attempts ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	return attempts, nil
}
