package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"renderq/internal/config"
	"renderq/internal/logging"
	"renderq/internal/queue"
	"renderq/internal/services"
	"renderq/internal/services/comfy"
)

// Engine drives queue processing: it claims prompts, dispatches them to the
// backend, polls until they resolve, and persists the outcome. One engine
// executes one prompt at a time; the backend serializes GPU work anyway.
type Engine struct {
	cfg    *config.Config
	store  *queue.Store
	client comfy.Client
	logger *slog.Logger

	pollInterval  time.Duration
	errorInterval time.Duration
	backoffSteps  []time.Duration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewEngine constructs a worker engine.
func NewEngine(cfg *config.Config, store *queue.Store, client comfy.Client, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = logging.NewNop()
	}
	steps := make([]time.Duration, 0, len(cfg.Worker.BackoffSteps))
	for _, s := range cfg.Worker.BackoffSteps {
		steps = append(steps, time.Duration(s)*time.Second)
	}
	if len(steps) == 0 {
		steps = []time.Duration{5 * time.Second}
	}
	return &Engine{
		cfg:           cfg,
		store:         store,
		client:        client,
		logger:        logging.NewComponentLogger(logger, "worker"),
		pollInterval:  time.Duration(cfg.Worker.QueuePollInterval) * time.Second,
		errorInterval: time.Duration(cfg.Worker.ErrorRetryInterval) * time.Second,
		backoffSteps:  steps,
	}
}

// Start begins background processing.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return errors.New("worker already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.running = true
	e.wg.Add(1)
	go e.run(runCtx)
	return nil
}

// Stop terminates background processing and waits for the current prompt to
// be abandoned. Abandoned running rows are resolved on the next start.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	cancel := e.cancel
	e.running = false
	e.cancel = nil
	e.mu.Unlock()

	cancel()
	e.wg.Wait()
}

// Running reports whether the engine loop is active.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

func (e *Engine) run(ctx context.Context) {
	defer e.wg.Done()

	// The startup-grade pass repeats until the backend answers for every
	// leftover row; a dead backend at boot must not strand them running.
	startupDone := e.reconcile(ctx, true)

	backoffIdx := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		paused, err := e.store.IsPaused(ctx)
		if err != nil {
			e.logger.Error("read pause state", logging.Error(err))
			if !e.sleep(ctx, e.errorInterval) {
				return
			}
			continue
		}
		if paused {
			if !e.sleep(ctx, e.pollInterval) {
				return
			}
			continue
		}

		if !e.client.Healthy(ctx) {
			wait := e.backoffSteps[backoffIdx]
			if backoffIdx < len(e.backoffSteps)-1 {
				backoffIdx++
			}
			e.logger.Warn("backend unhealthy, backing off",
				logging.Duration("wait", wait))
			if !e.sleep(ctx, wait) {
				return
			}
			continue
		}
		backoffIdx = 0

		if startupDone {
			e.reconcile(ctx, false)
		} else {
			startupDone = e.reconcile(ctx, true)
		}

		prompt, err := e.store.ClaimNextPrompt(ctx)
		if err != nil {
			e.logger.Error("claim next prompt", logging.Error(err))
			if !e.sleep(ctx, e.errorInterval) {
				return
			}
			continue
		}
		if prompt == nil {
			if !e.sleep(ctx, e.pollInterval) {
				return
			}
			continue
		}

		e.execute(ctx, prompt)
	}
}

// execute runs one claimed prompt to a terminal state, unless the engine
// shuts down mid-flight, in which case the row stays running and startup
// reconciliation resolves it later.
func (e *Engine) execute(ctx context.Context, prompt *queue.Prompt) {
	logger := e.logger.With(
		logging.Int64(logging.FieldJobID, prompt.JobID),
		logging.Int64(logging.FieldPromptID, prompt.ID),
		logging.String(logging.FieldWorkflow, prompt.WorkflowName))

	// The claim query skips flagged jobs, but a cancel can land between
	// claim and dispatch. Re-check before spending backend time.
	canceled, err := e.store.IsCancelRequested(ctx, prompt.JobID)
	if err != nil {
		logger.Error("read cancel flag", logging.Error(err))
	}
	if canceled {
		e.record(ctx, logger, prompt, queue.Result{
			Status:      queue.StatusCanceled,
			ExitStatus:  "canceled",
			ErrorDetail: "canceled before execution",
		})
		return
	}

	execID, err := e.client.Submit(ctx, prompt.GraphJSON)
	if err != nil && services.Retryable(err) {
		// One transient hiccup should not burn the prompt. Deterministic
		// rejections skip this and fail immediately.
		logger.Warn("submit failed, retrying once", logging.Error(err))
		if e.sleep(ctx, e.errorInterval) {
			execID, err = e.client.Submit(ctx, prompt.GraphJSON)
		}
	}
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		e.record(ctx, logger, prompt, queue.Result{
			Status:      queue.StatusFailed,
			ExitStatus:  submitExitStatus(err),
			ErrorDetail: err.Error(),
		})
		return
	}
	if err := e.store.SetExecutionID(ctx, prompt.ID, execID); err != nil {
		logger.Error("persist execution id", logging.Error(err))
	}
	logger.Info("prompt dispatched", logging.String(logging.FieldExecID, execID))

	ok, status, err := e.client.Wait(ctx, execID)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		exit := "unreachable"
		if errors.Is(err, services.ErrTimeout) {
			exit = "timeout"
		}
		e.record(ctx, logger, prompt, queue.Result{
			Status:      queue.StatusFailed,
			ExitStatus:  exit,
			ErrorDetail: err.Error(),
		})
		return
	}

	if ok {
		outputs, err := e.client.Outputs(ctx, execID)
		if err != nil {
			logger.Warn("fetch outputs", logging.Error(err))
		}
		e.record(ctx, logger, prompt, queue.Result{
			Status:      queue.StatusSucceeded,
			ExitStatus:  status,
			OutputPaths: outputs,
		})
		return
	}
	e.record(ctx, logger, prompt, queue.Result{
		Status:      queue.StatusFailed,
		ExitStatus:  status,
		ErrorDetail: fmt.Sprintf("backend returned status=%s", status),
	})
}

func submitExitStatus(err error) string {
	switch {
	case errors.Is(err, services.ErrSubmissionRejected):
		return "validation_error"
	case errors.Is(err, services.ErrUnreachable):
		return "unreachable"
	default:
		return "error"
	}
}

// record persists a terminal result and finalizes the owning job.
func (e *Engine) record(ctx context.Context, logger *slog.Logger, prompt *queue.Prompt, result queue.Result) {
	if err := e.store.RecordPromptResult(ctx, prompt.ID, result); err != nil {
		logger.Error("record prompt result", logging.Error(err))
		return
	}
	logger.Info("prompt finished",
		logging.String("status", string(result.Status)),
		logging.String("exit_status", result.ExitStatus))
	e.finalize(ctx, logger, prompt.JobID)
}

// finalize runs after every terminal prompt write: it cancels any remaining
// pending prompts when the job is flagged, and moves processed inputs once
// the whole job succeeds.
func (e *Engine) finalize(ctx context.Context, logger *slog.Logger, jobID int64) {
	flagged, err := e.store.IsCancelRequested(ctx, jobID)
	if err != nil {
		logger.Error("read cancel flag", logging.Error(err))
		return
	}
	if flagged {
		if _, err := e.store.RequestCancel(ctx, jobID); err != nil {
			logger.Error("cancel remaining prompts", logging.Error(err))
		}
	}

	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		logger.Error("load job for finalize", logging.Error(err))
		return
	}
	if job.Status == queue.StatusSucceeded && job.MoveProcessed {
		e.moveProcessed(ctx, logger, job)
	}
}

// moveProcessed relocates a succeeded job's source inputs into a _processed
// subdirectory of the submission input dir. Everything here is best effort:
// a source that already moved is not an error.
func (e *Engine) moveProcessed(ctx context.Context, logger *slog.Logger, job *queue.Job) {
	prompts, err := e.store.PromptsForJob(ctx, job.ID)
	if err != nil {
		logger.Error("list prompts for move", logging.Error(err))
		return
	}

	processedDir := filepath.Join(job.InputDir, "_processed")
	if err := os.MkdirAll(processedDir, 0o755); err != nil {
		logger.Warn("create processed dir", logging.Error(err))
		return
	}

	seen := make(map[string]struct{})
	for _, prompt := range prompts {
		source := prompt.InputFile
		if source == "" {
			continue
		}
		if _, dup := seen[source]; dup {
			continue
		}
		seen[source] = struct{}{}
		if _, err := os.Stat(source); err != nil {
			continue
		}
		dest := filepath.Join(processedDir, filepath.Base(source))
		if _, err := os.Stat(dest); err == nil {
			ext := filepath.Ext(source)
			stem := strings.TrimSuffix(filepath.Base(source), ext)
			dest = filepath.Join(processedDir, fmt.Sprintf("%s_%d%s", stem, time.Now().Unix(), ext))
		}
		if err := os.Rename(source, dest); err != nil {
			logger.Warn("move processed input",
				logging.String(logging.FieldInputFile, source), logging.Error(err))
		}
	}
}

// reconcile resolves running rows left behind by an earlier process by
// asking the backend what actually happened. In a startup-grade pass a row
// absent from both history and the backend queue is marked interrupted;
// during the periodic pass unknown rows are left alone for a later attempt.
// The return reports whether the backend answered for every row, which tells
// the run loop when the startup pass has actually completed.
func (e *Engine) reconcile(ctx context.Context, startup bool) bool {
	prompts, err := e.store.ListRunningPrompts(ctx)
	if err != nil {
		e.logger.Error("list running prompts", logging.Error(err))
		return false
	}
	if len(prompts) == 0 {
		return true
	}

	settled := true
	var queued map[string]struct{}
	if startup {
		queued, err = e.client.QueuedIDs(ctx)
		if err != nil {
			queued = nil
			settled = false
		}
	}

	for _, prompt := range prompts {
		logger := e.logger.With(
			logging.Int64(logging.FieldJobID, prompt.JobID),
			logging.Int64(logging.FieldPromptID, prompt.ID))

		if prompt.ExecutionID == "" {
			e.record(ctx, logger, prompt, queue.Result{
				Status:      queue.StatusFailed,
				ExitStatus:  queue.ExitInterrupted,
				ErrorDetail: "interrupted before dispatch completed",
			})
			continue
		}

		status, err := e.client.History(ctx, prompt.ExecutionID)
		if err != nil {
			// Backend unavailable: keep the row running for a later pass.
			settled = false
			continue
		}
		if status != nil {
			switch {
			case status.Completed:
				outputs, _ := e.client.Outputs(ctx, prompt.ExecutionID)
				e.record(ctx, logger, prompt, queue.Result{
					Status:      queue.StatusSucceeded,
					ExitStatus:  status.StatusStr,
					OutputPaths: outputs,
				})
			case status.StatusStr == "canceled":
				e.record(ctx, logger, prompt, queue.Result{
					Status:      queue.StatusCanceled,
					ExitStatus:  status.StatusStr,
					ErrorDetail: "backend canceled prompt",
				})
			case status.StatusStr == "error" || status.StatusStr == "failed":
				e.record(ctx, logger, prompt, queue.Result{
					Status:      queue.StatusFailed,
					ExitStatus:  status.StatusStr,
					ErrorDetail: fmt.Sprintf("backend returned status=%s", status.StatusStr),
				})
			}
			continue
		}

		if startup && queued != nil {
			if _, active := queued[prompt.ExecutionID]; !active {
				e.record(ctx, logger, prompt, queue.Result{
					Status:      queue.StatusFailed,
					ExitStatus:  queue.ExitInterrupted,
					ErrorDetail: "not found in backend queue or history after restart",
				})
			}
		}
	}
	return settled
}

// sleep waits for the duration or shutdown, reporting false on shutdown.
func (e *Engine) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
