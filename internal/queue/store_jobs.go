package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// NewJob carries the immutable submission fields for CreateJob.
type NewJob struct {
	WorkflowName  string
	JobName       string
	InputDir      string
	ParamsJSON    string
	Priority      int
	MoveProcessed bool
}

// NewPrompt carries one prepared graph snapshot for CreateJob.
type NewPrompt struct {
	InputFile string
	GraphJSON string
	SeedUsed  *int64
}

// CreateJob inserts one pending job and one pending prompt per snapshot in a
// single transaction. Either everything commits or nothing does; a job is
// never observable half-created.
func (s *Store) CreateJob(ctx context.Context, job NewJob, prompts []NewPrompt) (*Job, error) {
	if job.WorkflowName == "" {
		return nil, errors.New("workflow name is required")
	}
	if len(prompts) == 0 {
		return nil, errors.New("at least one prompt is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin create job: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	created := timestamp(time.Now())
	res, err := tx.ExecContext(ctx,
		`INSERT INTO jobs (
            workflow_name, job_name, status, cancel_requested, priority,
            input_dir, params_json, move_processed, created_at
        ) VALUES (?, ?, ?, 0, ?, ?, ?, ?, ?)`,
		job.WorkflowName,
		nullableString(job.JobName),
		StatusPending,
		job.Priority,
		job.InputDir,
		job.ParamsJSON,
		boolToInt(job.MoveProcessed),
		created,
	)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	jobID, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("job insert id: %w", err)
	}

	for _, prompt := range prompts {
		if prompt.GraphJSON == "" {
			return nil, errors.New("prompt graph snapshot is required")
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO prompts (job_id, input_file, graph_json, status, output_paths, seed_used)
             VALUES (?, ?, ?, ?, '[]', ?)`,
			jobID,
			prompt.InputFile,
			prompt.GraphJSON,
			StatusPending,
			nullableInt64(prompt.SeedUsed),
		); err != nil {
			return nil, fmt.Errorf("insert prompt: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit create job: %w", err)
	}
	return s.GetJob(ctx, jobID)
}

const jobColumns = `j.id, j.workflow_name, j.job_name, j.status, j.cancel_requested, j.priority,
    j.input_dir, j.params_json, j.move_processed, j.created_at, j.started_at, j.finished_at, j.last_error`

const jobCountColumns = `
    SUM(CASE WHEN p.status = 'pending' THEN 1 ELSE 0 END),
    SUM(CASE WHEN p.status = 'running' THEN 1 ELSE 0 END),
    SUM(CASE WHEN p.status = 'succeeded' THEN 1 ELSE 0 END),
    SUM(CASE WHEN p.status = 'failed' THEN 1 ELSE 0 END),
    SUM(CASE WHEN p.status = 'canceled' THEN 1 ELSE 0 END)`

func scanJob(scanner interface{ Scan(dest ...any) error }) (*Job, error) {
	var (
		job             Job
		jobName         sql.NullString
		cancelRequested int
		moveProcessed   int
		createdRaw      string
		startedRaw      sql.NullString
		finishedRaw     sql.NullString
		lastError       sql.NullString
		statusStr       string
		pending         sql.NullInt64
		running         sql.NullInt64
		succeeded       sql.NullInt64
		failed          sql.NullInt64
		canceled        sql.NullInt64
	)
	if err := scanner.Scan(
		&job.ID, &job.WorkflowName, &jobName, &statusStr, &cancelRequested, &job.Priority,
		&job.InputDir, &job.ParamsJSON, &moveProcessed, &createdRaw, &startedRaw, &finishedRaw, &lastError,
		&pending, &running, &succeeded, &failed, &canceled,
	); err != nil {
		return nil, err
	}

	job.JobName = jobName.String
	job.Status = Status(statusStr)
	job.CancelRequested = cancelRequested != 0
	job.MoveProcessed = moveProcessed != 0
	job.LastError = lastError.String
	job.Counts = StatusCounts{
		Pending:   int(pending.Int64),
		Running:   int(running.Int64),
		Succeeded: int(succeeded.Int64),
		Failed:    int(failed.Int64),
		Canceled:  int(canceled.Int64),
	}

	if created, err := parseTimeString(createdRaw); err == nil {
		job.CreatedAt = created
	}
	if startedRaw.Valid {
		if started, err := parseTimeString(startedRaw.String); err == nil {
			job.StartedAt = &started
		}
	}
	if finishedRaw.Valid {
		if finished, err := parseTimeString(finishedRaw.String); err == nil {
			job.FinishedAt = &finished
		}
	}
	return &job, nil
}

// GetJob fetches a job with its prompt status counts.
func (s *Store) GetJob(ctx context.Context, id int64) (*Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+`, `+jobCountColumns+`
         FROM jobs j LEFT JOIN prompts p ON p.job_id = j.id
         WHERE j.id = ? GROUP BY j.id`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrJobNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// ListJobs returns jobs newest-first, optionally filtered by status.
func (s *Store) ListJobs(ctx context.Context, status Status, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + jobColumns + `, ` + jobCountColumns + `
        FROM jobs j LEFT JOIN prompts p ON p.job_id = j.id`
	args := []any{}
	if status != "" {
		query += ` WHERE j.status = ?`
		args = append(args, status)
	}
	query += ` GROUP BY j.id ORDER BY j.created_at DESC, j.id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// RequestCancel marks a job for cancellation: every pending prompt is
// canceled immediately, running prompts are left to finish. The call is
// idempotent; repeating it cancels nothing further.
func (s *Store) RequestCancel(ctx context.Context, jobID int64) (CancelSummary, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return CancelSummary{}, fmt.Errorf("begin cancel: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(1) FROM jobs WHERE id = ?", jobID).Scan(&exists); err != nil {
		return CancelSummary{}, fmt.Errorf("check job: %w", err)
	}
	if exists == 0 {
		return CancelSummary{}, fmt.Errorf("%w: %d", ErrJobNotFound, jobID)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE prompts SET status = ?, finished_at = ? WHERE job_id = ? AND status = ?`,
		StatusCanceled, timestamp(time.Now()), jobID, StatusPending,
	)
	if err != nil {
		return CancelSummary{}, fmt.Errorf("cancel pending prompts: %w", err)
	}
	canceledPending, err := res.RowsAffected()
	if err != nil {
		return CancelSummary{}, fmt.Errorf("canceled rows: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "UPDATE jobs SET cancel_requested = 1 WHERE id = ?", jobID); err != nil {
		return CancelSummary{}, fmt.Errorf("set cancel flag: %w", err)
	}

	var running int64
	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM prompts WHERE job_id = ? AND status = ?", jobID, StatusRunning,
	).Scan(&running); err != nil {
		return CancelSummary{}, fmt.Errorf("count running prompts: %w", err)
	}

	if err := recomputeJobStatus(ctx, tx, jobID); err != nil {
		return CancelSummary{}, err
	}
	if err := tx.Commit(); err != nil {
		return CancelSummary{}, fmt.Errorf("commit cancel: %w", err)
	}

	mode := CancelImmediate
	if running > 0 {
		mode = CancelAfterCurrent
	}
	return CancelSummary{Mode: mode, CanceledPending: canceledPending, Running: running}, nil
}

// RetryJob resets failed and canceled prompts back to pending with all
// execution state cleared, reactivates the job, and clears any prior cancel
// request. Succeeded prompts are untouched.
func (s *Store) RetryJob(ctx context.Context, jobID int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin retry: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(1) FROM jobs WHERE id = ?", jobID).Scan(&exists); err != nil {
		return 0, fmt.Errorf("check job: %w", err)
	}
	if exists == 0 {
		return 0, fmt.Errorf("%w: %d", ErrJobNotFound, jobID)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE prompts
         SET status = ?, execution_id = NULL, started_at = NULL, finished_at = NULL,
             exit_status = NULL, error_detail = NULL, output_paths = '[]'
         WHERE job_id = ? AND status IN (?, ?)`,
		StatusPending, jobID, StatusFailed, StatusCanceled,
	)
	if err != nil {
		return 0, fmt.Errorf("reset prompts: %w", err)
	}
	reset, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reset rows: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status = ?, cancel_requested = 0, started_at = NULL, finished_at = NULL, last_error = NULL
         WHERE id = ?`,
		StatusPending, jobID,
	); err != nil {
		return 0, fmt.Errorf("reset job: %w", err)
	}

	if err := recomputeJobStatus(ctx, tx, jobID); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit retry: %w", err)
	}
	return reset, nil
}

// ClearJob deletes a job and, via cascade, all of its prompts.
func (s *Store) ClearJob(ctx context.Context, jobID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM jobs WHERE id = ?", jobID)
	if err != nil {
		return false, fmt.Errorf("delete job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// ClearFinished removes all jobs in a terminal state.
func (s *Store) ClearFinished(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM jobs WHERE status IN (?, ?, ?)",
		StatusSucceeded, StatusFailed, StatusCanceled,
	)
	if err != nil {
		return 0, fmt.Errorf("clear finished jobs: %w", err)
	}
	return res.RowsAffected()
}

// recomputeJobStatus rederives the job's aggregate status from its prompt
// counts inside the caller's transaction, stamping started/finished times on
// transitions.
func recomputeJobStatus(ctx context.Context, tx *sql.Tx, jobID int64) error {
	rows, err := tx.QueryContext(ctx,
		"SELECT status, COUNT(1) FROM prompts WHERE job_id = ? GROUP BY status", jobID)
	if err != nil {
		return fmt.Errorf("count prompts: %w", err)
	}
	var counts StatusCounts
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			rows.Close()
			return fmt.Errorf("scan prompt counts: %w", err)
		}
		switch status {
		case StatusPending:
			counts.Pending = count
		case StatusRunning:
			counts.Running = count
		case StatusSucceeded:
			counts.Succeeded = count
		case StatusFailed:
			counts.Failed = count
		case StatusCanceled:
			counts.Canceled = count
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate prompt counts: %w", err)
	}

	var cancelRequested int
	if err := tx.QueryRowContext(ctx,
		"SELECT cancel_requested FROM jobs WHERE id = ?", jobID,
	).Scan(&cancelRequested); err != nil {
		return fmt.Errorf("read cancel flag: %w", err)
	}

	status := aggregateStatus(counts, cancelRequested != 0)
	now := timestamp(time.Now())

	var startedVal any
	if status != StatusPending {
		startedVal = now
	}
	var finishedVal any
	if status.IsTerminal() {
		finishedVal = now
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status = ?, started_at = COALESCE(started_at, ?), finished_at = ? WHERE id = ?`,
		status, startedVal, finishedVal, jobID,
	); err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	return nil
}
