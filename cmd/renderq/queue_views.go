package main

import (
	"time"

	"renderq/internal/queue"
)

type jobView struct {
	ID              int64      `json:"id"`
	WorkflowName    string     `json:"workflow_name"`
	JobName         string     `json:"job_name,omitempty"`
	Status          string     `json:"status"`
	CancelRequested bool       `json:"cancel_requested,omitempty"`
	Priority        int        `json:"priority,omitempty"`
	InputDir        string     `json:"input_dir,omitempty"`
	Pending         int        `json:"pending"`
	Running         int        `json:"running"`
	Succeeded       int        `json:"succeeded"`
	Failed          int        `json:"failed"`
	Canceled        int        `json:"canceled"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
}

type promptView struct {
	ID          int64      `json:"id"`
	InputFile   string     `json:"input_file,omitempty"`
	Status      string     `json:"status"`
	ExecutionID string     `json:"execution_id,omitempty"`
	ExitStatus  string     `json:"exit_status,omitempty"`
	ErrorDetail string     `json:"error_detail,omitempty"`
	OutputPaths []string   `json:"output_paths,omitempty"`
	SeedUsed    *int64     `json:"seed_used,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

func jobJSON(job *queue.Job) jobView {
	return jobView{
		ID:              job.ID,
		WorkflowName:    job.WorkflowName,
		JobName:         job.JobName,
		Status:          string(job.Status),
		CancelRequested: job.CancelRequested,
		Priority:        job.Priority,
		InputDir:        job.InputDir,
		Pending:         job.Counts.Pending,
		Running:         job.Counts.Running,
		Succeeded:       job.Counts.Succeeded,
		Failed:          job.Counts.Failed,
		Canceled:        job.Counts.Canceled,
		CreatedAt:       job.CreatedAt,
		StartedAt:       job.StartedAt,
		FinishedAt:      job.FinishedAt,
	}
}

func jobsJSON(jobs []*queue.Job) []jobView {
	views := make([]jobView, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, jobJSON(job))
	}
	return views
}

func promptsJSON(prompts []*queue.Prompt) []promptView {
	views := make([]promptView, 0, len(prompts))
	for _, prompt := range prompts {
		views = append(views, promptView{
			ID:          prompt.ID,
			InputFile:   prompt.InputFile,
			Status:      string(prompt.Status),
			ExecutionID: prompt.ExecutionID,
			ExitStatus:  prompt.ExitStatus,
			ErrorDetail: prompt.ErrorDetail,
			OutputPaths: prompt.OutputPaths,
			SeedUsed:    prompt.SeedUsed,
			StartedAt:   prompt.StartedAt,
			FinishedAt:  prompt.FinishedAt,
		})
	}
	return views
}
