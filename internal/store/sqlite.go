package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/example/convertd/api-go/internal/model"
)

const jobColumns = `id, user_id, status, progress, family, input_format, output_format,
  input_file, output_file, error_message, created_at, updated_at, started_at, completed_at`

type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

func Open(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection serializes writers, which is what gives Update its
	// read-apply-write atomicity.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("set pragma: %w", err)
	}
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS jobs (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  status TEXT NOT NULL,
  progress INTEGER NOT NULL DEFAULT 0,
  family TEXT NOT NULL,
  input_format TEXT NOT NULL,
  output_format TEXT NOT NULL,
  input_file TEXT NOT NULL,
  output_file TEXT,
  error_message TEXT,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL,
  started_at INTEGER,
  completed_at INTEGER
);
CREATE INDEX IF NOT EXISTS jobs_user_created ON jobs (user_id, created_at DESC);
`); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	s := &SQLite{db: db, now: time.Now}
	if err := s.failInterrupted(); err != nil {
		db.Close()
		return nil, fmt.Errorf("recover interrupted jobs: %w", err)
	}
	return s, nil
}

// InterruptedMessage is recorded on jobs that were still pending or processing
// when the previous process stopped. Nothing resumes them.
const InterruptedMessage = "interrupted by restart"

func (s *SQLite) failInterrupted() error {
	now := s.now().UnixMilli()
	_, err := s.db.Exec(
		`UPDATE jobs
         SET status = ?, error_message = ?, updated_at = ?, completed_at = ?
         WHERE status IN (?, ?)`,
		string(model.JobFailed), InterruptedMessage, now, now,
		string(model.JobPending), string(model.JobProcessing),
	)
	return err
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) Create(ctx context.Context, job model.Job) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (`+jobColumns+`)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID,
		job.UserID,
		string(job.Status),
		job.Progress,
		job.Family,
		job.InputFormat,
		job.OutputFormat,
		job.InputFile,
		nullableString(job.OutputFile),
		nullableString(job.Error),
		job.CreatedAt.UnixMilli(),
		job.UpdatedAt.UnixMilli(),
		nullableTime(job.StartedAt),
		nullableTime(job.CompletedAt),
	)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (model.Job, error) {
	var (
		job                    model.Job
		status                 string
		createdMs, updatedMs   int64
		outputFile, errorMsg   sql.NullString
		startedMs, completedMs sql.NullInt64
	)
	if err := row.Scan(&job.ID, &job.UserID, &status, &job.Progress, &job.Family, &job.InputFormat, &job.OutputFormat,
		&job.InputFile, &outputFile, &errorMsg, &createdMs, &updatedMs, &startedMs, &completedMs); err != nil {
		return model.Job{}, err
	}
	job.Status = model.JobStatus(status)
	job.CreatedAt = time.UnixMilli(createdMs).UTC()
	job.UpdatedAt = time.UnixMilli(updatedMs).UTC()
	if outputFile.Valid {
		job.OutputFile = outputFile.String
	}
	if errorMsg.Valid {
		job.Error = errorMsg.String
	}
	if startedMs.Valid {
		t := time.UnixMilli(startedMs.Int64).UTC()
		job.StartedAt = &t
	}
	if completedMs.Valid {
		t := time.UnixMilli(completedMs.Int64).UTC()
		job.CompletedAt = &t
	}
	return job, nil
}

func (s *SQLite) Get(ctx context.Context, id string) (model.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Job{}, model.ErrNotFound
	}
	return job, err
}

func (s *SQLite) List(ctx context.Context, f Filter) ([]model.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1 = 1`
	args := []any{}
	if f.UserID != "" {
		query += " AND user_id = ?"
		args = append(args, f.UserID)
	}
	if f.Status != nil {
		query += " AND status = ?"
		args = append(args, string(*f.Status))
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, f.limit())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (s *SQLite) Update(ctx context.Context, id string, patch model.JobPatch) (model.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Job{}, err
	}
	defer tx.Rollback()

	current, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Job{}, model.ErrNotFound
	}
	if err != nil {
		return model.Job{}, err
	}

	next, err := current.Apply(patch, s.now())
	if err != nil {
		return current, err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE jobs
         SET status = ?,
             progress = ?,
             output_file = ?,
             error_message = ?,
             updated_at = ?,
             started_at = ?,
             completed_at = ?
         WHERE id = ?`,
		string(next.Status),
		next.Progress,
		nullableString(next.OutputFile),
		nullableString(next.Error),
		next.UpdatedAt.UnixMilli(),
		nullableTime(next.StartedAt),
		nullableTime(next.CompletedAt),
		id,
	); err != nil {
		return current, err
	}
	if err := tx.Commit(); err != nil {
		return current, err
	}
	return next, nil
}

func (s *SQLite) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE status IN (?, ?) AND updated_at < ?`,
		string(model.JobCompleted), string(model.JobFailed), cutoff.UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableTime(v *time.Time) any {
	if v == nil {
		return nil
	}
	return v.UnixMilli()
}
