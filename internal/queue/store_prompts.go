package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrPromptNotFound indicates an unknown prompt id.
var ErrPromptNotFound = errors.New("prompt not found")

const promptColumns = `p.id, p.job_id, p.input_file, p.graph_json, p.status, p.execution_id,
    p.started_at, p.finished_at, p.exit_status, p.error_detail, p.output_paths, p.seed_used`

func scanPrompt(scanner interface{ Scan(dest ...any) error }, withWorkflow bool) (*Prompt, error) {
	var (
		prompt      Prompt
		statusStr   string
		execID      sql.NullString
		startedRaw  sql.NullString
		finishedRaw sql.NullString
		exitStatus  sql.NullString
		errorDetail sql.NullString
		outputsRaw  sql.NullString
		seedUsed    sql.NullInt64
		workflow    sql.NullString
	)
	dest := []any{
		&prompt.ID, &prompt.JobID, &prompt.InputFile, &prompt.GraphJSON, &statusStr, &execID,
		&startedRaw, &finishedRaw, &exitStatus, &errorDetail, &outputsRaw, &seedUsed,
	}
	if withWorkflow {
		dest = append(dest, &workflow)
	}
	if err := scanner.Scan(dest...); err != nil {
		return nil, err
	}

	prompt.Status = Status(statusStr)
	prompt.ExecutionID = execID.String
	prompt.ExitStatus = exitStatus.String
	prompt.ErrorDetail = errorDetail.String
	prompt.WorkflowName = workflow.String
	if seedUsed.Valid {
		seed := seedUsed.Int64
		prompt.SeedUsed = &seed
	}
	if startedRaw.Valid {
		if started, err := parseTimeString(startedRaw.String); err == nil {
			prompt.StartedAt = &started
		}
	}
	if finishedRaw.Valid {
		if finished, err := parseTimeString(finishedRaw.String); err == nil {
			prompt.FinishedAt = &finished
		}
	}
	if outputsRaw.Valid && outputsRaw.String != "" {
		if err := json.Unmarshal([]byte(outputsRaw.String), &prompt.OutputPaths); err != nil {
			return nil, fmt.Errorf("decode output paths: %w", err)
		}
	}
	return &prompt, nil
}

// GetPrompt fetches a prompt by identifier.
func (s *Store) GetPrompt(ctx context.Context, id int64) (*Prompt, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+promptColumns+` FROM prompts p WHERE p.id = ?`, id)
	prompt, err := scanPrompt(row, false)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrPromptNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get prompt: %w", err)
	}
	return prompt, nil
}

// PromptsForJob returns a job's prompts in creation order.
func (s *Store) PromptsForJob(ctx context.Context, jobID int64) ([]*Prompt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+promptColumns+` FROM prompts p WHERE p.job_id = ? ORDER BY p.id ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("prompts for job: %w", err)
	}
	defer rows.Close()

	var prompts []*Prompt
	for rows.Next() {
		prompt, err := scanPrompt(rows, false)
		if err != nil {
			return nil, fmt.Errorf("scan prompt: %w", err)
		}
		prompts = append(prompts, prompt)
	}
	return prompts, rows.Err()
}

// ClaimNextPrompt atomically transitions the next runnable prompt to running
// and returns it. Prompts are ordered by job priority descending, then job
// creation, then insertion order. The check-and-set runs inside one
// transaction so a prompt can never be claimed twice. Returns nil when the
// queue is paused or empty.
func (s *Store) ClaimNextPrompt(ctx context.Context) (*Prompt, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var paused int
	if err := tx.QueryRowContext(ctx, "SELECT paused FROM queue_state WHERE id = 1").Scan(&paused); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("read queue state: %w", err)
	}
	if paused != 0 {
		return nil, nil
	}

	row := tx.QueryRowContext(ctx,
		`SELECT `+promptColumns+`, j.workflow_name
         FROM prompts p JOIN jobs j ON j.id = p.job_id
         WHERE p.status = ? AND j.status IN (?, ?) AND j.cancel_requested = 0
         ORDER BY j.priority DESC, j.created_at ASC, p.id ASC
         LIMIT 1`,
		StatusPending, StatusPending, StatusRunning,
	)
	prompt, err := scanPrompt(row, true)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select claimable prompt: %w", err)
	}

	now := time.Now()
	res, err := tx.ExecContext(ctx,
		`UPDATE prompts SET status = ?, started_at = ? WHERE id = ? AND status = ?`,
		StatusRunning, timestamp(now), prompt.ID, StatusPending,
	)
	if err != nil {
		return nil, fmt.Errorf("mark prompt running: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("claim rows: %w", err)
	}
	if affected != 1 {
		return nil, nil
	}

	if err := recomputeJobStatus(ctx, tx, prompt.JobID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}

	prompt.Status = StatusRunning
	started := now.UTC()
	prompt.StartedAt = &started
	return prompt, nil
}

// SetExecutionID records the backend correlation id once dispatch succeeds.
func (s *Store) SetExecutionID(ctx context.Context, promptID int64, execID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE prompts SET execution_id = ? WHERE id = ?", nullableString(execID), promptID)
	if err != nil {
		return fmt.Errorf("set execution id: %w", err)
	}
	return nil
}

// Result carries the terminal outcome of one prompt execution.
type Result struct {
	Status      Status
	ExitStatus  string
	ErrorDetail string
	OutputPaths []string
	SeedUsed    *int64
}

// RecordPromptResult writes a terminal prompt status and recomputes the
// owning job's aggregate inside the same transaction.
func (s *Store) RecordPromptResult(ctx context.Context, promptID int64, result Result) error {
	if !result.Status.IsTerminal() {
		return fmt.Errorf("result status %q is not terminal", result.Status)
	}
	outputs := result.OutputPaths
	if outputs == nil {
		outputs = []string{}
	}
	outputsJSON, err := json.Marshal(outputs)
	if err != nil {
		return fmt.Errorf("encode output paths: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin record result: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var jobID int64
	if err := tx.QueryRowContext(ctx, "SELECT job_id FROM prompts WHERE id = ?", promptID).Scan(&jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %d", ErrPromptNotFound, promptID)
		}
		return fmt.Errorf("find prompt: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE prompts
         SET status = ?, finished_at = ?, exit_status = ?, error_detail = ?, output_paths = ?,
             seed_used = COALESCE(?, seed_used)
         WHERE id = ?`,
		result.Status,
		timestamp(time.Now()),
		nullableString(result.ExitStatus),
		nullableString(result.ErrorDetail),
		string(outputsJSON),
		nullableInt64(result.SeedUsed),
		promptID,
	); err != nil {
		return fmt.Errorf("record prompt result: %w", err)
	}

	if err := recomputeJobStatus(ctx, tx, jobID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit record result: %w", err)
	}
	return nil
}

// ListRunningPrompts returns prompts currently marked running.
func (s *Store) ListRunningPrompts(ctx context.Context) ([]*Prompt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+promptColumns+`, j.workflow_name
         FROM prompts p JOIN jobs j ON j.id = p.job_id
         WHERE p.status = ? ORDER BY p.id ASC`, StatusRunning)
	if err != nil {
		return nil, fmt.Errorf("list running prompts: %w", err)
	}
	defer rows.Close()

	var prompts []*Prompt
	for rows.Next() {
		prompt, err := scanPrompt(rows, true)
		if err != nil {
			return nil, fmt.Errorf("scan prompt: %w", err)
		}
		prompts = append(prompts, prompt)
	}
	return prompts, rows.Err()
}

// RecoverStaleRunning fails every prompt left running with no live executor.
// Run once at process start, before any new claim: a running row without a
// process behind it can never resolve on its own.
func (s *Store) RecoverStaleRunning(ctx context.Context) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin recover: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		"SELECT DISTINCT job_id FROM prompts WHERE status = ?", StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("find stale jobs: %w", err)
	}
	var jobIDs []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan stale job id: %w", err)
		}
		jobIDs = append(jobIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate stale jobs: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE prompts
         SET status = ?, finished_at = ?, exit_status = ?,
             error_detail = COALESCE(error_detail, ?)
         WHERE status = ?`,
		StatusFailed, timestamp(time.Now()), ExitInterrupted, ExitInterrupted, StatusRunning,
	)
	if err != nil {
		return 0, fmt.Errorf("fail stale prompts: %w", err)
	}
	recovered, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("recovered rows: %w", err)
	}

	for _, jobID := range jobIDs {
		if err := recomputeJobStatus(ctx, tx, jobID); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit recover: %w", err)
	}
	return recovered, nil
}

// IsCancelRequested reads the job's cancel flag.
func (s *Store) IsCancelRequested(ctx context.Context, jobID int64) (bool, error) {
	var flag int
	err := s.db.QueryRowContext(ctx,
		"SELECT cancel_requested FROM jobs WHERE id = ?", jobID).Scan(&flag)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("%w: %d", ErrJobNotFound, jobID)
	}
	if err != nil {
		return false, fmt.Errorf("read cancel flag: %w", err)
	}
	return flag != 0, nil
}

// HasActiveForStaging reports whether any pending or running prompt in an
// active job still references a staged input under ref, the backend-relative
// batch path. Graph snapshots carry that path verbatim, so a substring match
// against graph_json is authoritative for a batch token.
func (s *Store) HasActiveForStaging(ctx context.Context, ref string) (bool, error) {
	const query = `SELECT 1 FROM prompts p JOIN jobs j ON j.id = p.job_id
        WHERE instr(p.graph_json, ?) > 0 AND p.status IN (?, ?) AND j.status IN (?, ?) LIMIT 1`
	var one int
	err := s.db.QueryRowContext(ctx, query,
		ref, StatusPending, StatusRunning, StatusPending, StatusRunning).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check active staging: %w", err)
	}
	return true, nil
}

// Health returns per-status counts for jobs and prompts.
func (s *Store) Health(ctx context.Context) (HealthSummary, error) {
	summary := HealthSummary{
		Jobs:    make(map[Status]int),
		Prompts: make(map[Status]int),
	}
	for table, dest := range map[string]map[Status]int{"jobs": summary.Jobs, "prompts": summary.Prompts} {
		rows, err := s.db.QueryContext(ctx,
			"SELECT status, COUNT(1) FROM "+table+" GROUP BY status")
		if err != nil {
			return HealthSummary{}, fmt.Errorf("%s stats: %w", table, err)
		}
		for rows.Next() {
			var status Status
			var count int
			if err := rows.Scan(&status, &count); err != nil {
				rows.Close()
				return HealthSummary{}, fmt.Errorf("scan %s stats: %w", table, err)
			}
			dest[status] = count
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return HealthSummary{}, fmt.Errorf("iterate %s stats: %w", table, err)
		}
	}
	return summary, nil
}
