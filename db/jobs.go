package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sqlbuilder "github.com/huandu/go-sqlbuilder"
	log "github.com/sirupsen/logrus"

	"pulse/models"
)

// Enqueue adds a job to a lane. The payload is marshalled to JSON so the
// queue survives process restarts.
func (db *DB) Enqueue(ctx context.Context, lane, kind string, payload any, maxAttempts int, runAt time.Time) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal job payload error: %w", err)
	}

	_, err = db.writer.ExecContext(ctx,
		`INSERT INTO jobs (lane, kind, payload, status, max_attempts, run_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		lane, kind, string(data), models.JobPending, maxAttempts, runAt.Unix(), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("enqueue error: %w", err)
	}

	log.WithFields(log.Fields{
		"lane": lane,
		"kind": kind,
	}).Debug("Enqueued job")

	return nil
}

// RequeueRunningJobs flips every running job back to pending. Called once on
// pipeline start: a claim that never reached done or failed means the
// previous process died mid-job, and with a single process nobody else can
// legitimately hold a claim. Returns the number of jobs requeued.
func (db *DB) RequeueRunningJobs(ctx context.Context) (int64, error) {
	res, err := db.writer.ExecContext(ctx,
		`UPDATE jobs SET status = ? WHERE status = ?`,
		models.JobPending, models.JobRunning,
	)
	if err != nil {
		return 0, fmt.Errorf("requeue running jobs error: %w", err)
	}
	return res.RowsAffected()
}

// ClaimJob picks the oldest due pending job in a lane and flips it to
// running. The conditional update makes the claim safe against concurrent
// workers; a worker that loses the race simply polls again.
func (db *DB) ClaimJob(ctx context.Context, lane string) (*models.Job, error) {
	sb := sqlbuilder.NewSelectBuilder()
	sb.Select("id", "lane", "kind", "payload", "status", "attempts", "max_attempts", "run_at", "created_at")
	sb.From("jobs")
	sb.Where(sb.Equal("lane", lane))
	sb.Where(sb.Equal("status", models.JobPending))
	sb.Where(sb.LessEqualThan("run_at", time.Now().Unix()))
	sb.OrderBy("id").Asc()
	sb.Limit(1)

	query, args := sb.BuildWithFlavor(sqlbuilder.Flavor(sqlbuilder.SQLite))

	var job models.Job
	var payload string
	var runAt, createdAt int64
	err := db.writer.QueryRowContext(ctx, query, args...).Scan(
		&job.ID, &job.Lane, &job.Kind, &payload, &job.Status,
		&job.Attempts, &job.MaxAttempts, &runAt, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim query error: %w", err)
	}

	res, err := db.writer.ExecContext(ctx,
		`UPDATE jobs SET status = ? WHERE id = ? AND status = ?`,
		models.JobRunning, job.ID, models.JobPending,
	)
	if err != nil {
		return nil, fmt.Errorf("claim update error: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		// Another worker got there first
		return nil, nil
	}

	job.Payload = []byte(payload)
	job.Status = models.JobRunning
	job.RunAt = time.Unix(runAt, 0)
	job.CreatedAt = time.Unix(createdAt, 0)
	return &job, nil
}

// CompleteJob marks a job done.
func (db *DB) CompleteJob(ctx context.Context, id int64) error {
	_, err := db.writer.ExecContext(ctx,
		`UPDATE jobs SET status = ? WHERE id = ?`, models.JobDone, id)
	if err != nil {
		return fmt.Errorf("complete job error: %w", err)
	}
	return nil
}

// RetryJob requeues a failed attempt with a delay.
func (db *DB) RetryJob(ctx context.Context, id int64, attempts int, delay time.Duration, lastError string) error {
	_, err := db.writer.ExecContext(ctx,
		`UPDATE jobs SET status = ?, attempts = ?, run_at = ?, last_error = ? WHERE id = ?`,
		models.JobPending, attempts, time.Now().Add(delay).Unix(), lastError, id)
	if err != nil {
		return fmt.Errorf("retry job error: %w", err)
	}
	return nil
}

// FailJob marks a job permanently failed after its retries are exhausted.
// Failed jobs stay in the table for operators to inspect but never run again.
func (db *DB) FailJob(ctx context.Context, id int64, attempts int, lastError string) error {
	_, err := db.writer.ExecContext(ctx,
		`UPDATE jobs SET status = ?, attempts = ?, last_error = ? WHERE id = ?`,
		models.JobFailed, attempts, lastError, id)
	if err != nil {
		return fmt.Errorf("fail job error: %w", err)
	}
	return nil
}

// GetJob fetches a single job row, used by tests and operational tooling.
func (db *DB) GetJob(ctx context.Context, id int64) (*models.Job, error) {
	var job models.Job
	var payload string
	var runAt, createdAt int64
	var lastError sql.NullString
	err := db.reader.QueryRowContext(ctx, `
		SELECT id, lane, kind, payload, status, attempts, max_attempts, run_at, created_at, last_error
		FROM jobs WHERE id = ?`, id,
	).Scan(&job.ID, &job.Lane, &job.Kind, &payload, &job.Status,
		&job.Attempts, &job.MaxAttempts, &runAt, &createdAt, &lastError)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job error: %w", err)
	}
	job.Payload = []byte(payload)
	job.RunAt = time.Unix(runAt, 0)
	job.CreatedAt = time.Unix(createdAt, 0)
	job.LastError = lastError.String
	return &job, nil
}
