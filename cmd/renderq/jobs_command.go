package main

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"renderq/internal/queue"
)

func newJobsCommand(ctx *commandContext) *cobra.Command {
	var (
		statusFilter string
		limit        int
		jsonOut      bool
	)

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List queued jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := ctx.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			var status queue.Status
			if statusFilter != "" {
				parsed, ok := queue.ParseStatus(statusFilter)
				if !ok {
					return fmt.Errorf("unknown status %q", statusFilter)
				}
				status = parsed
			}

			jobs, err := store.ListJobs(cmd.Context(), status, limit)
			if err != nil {
				return err
			}

			if jsonOut {
				return writeJSON(cmd, jobsJSON(jobs))
			}
			if len(jobs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty")
				return nil
			}

			rows := make([][]string, 0, len(jobs))
			for _, job := range jobs {
				rows = append(rows, []string{
					strconv.FormatInt(job.ID, 10),
					jobTitle(job),
					job.WorkflowName,
					string(job.Status),
					promptProgress(job.Counts),
					formatTimestamp(&job.CreatedAt),
				})
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, renderTable(out,
				[]string{"ID", "Name", "Workflow", "Status", "Prompts", "Created"}, rows, 0, 4))
			return nil
		},
	}

	cmd.Flags().StringVarP(&statusFilter, "status", "s", "", "Filter by status (pending, running, succeeded, failed, canceled)")
	cmd.Flags().IntVarP(&limit, "limit", "l", 50, "Maximum number of jobs to list")
	addJSONFlag(cmd, &jsonOut)
	return cmd
}

func newShowCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show a job and its prompts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			store, err := ctx.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			job, err := store.GetJob(cmd.Context(), jobID)
			if err != nil {
				return err
			}
			prompts, err := store.PromptsForJob(cmd.Context(), jobID)
			if err != nil {
				return err
			}

			if jsonOut {
				return writeJSON(cmd, map[string]any{
					"job":     jobJSON(job),
					"prompts": promptsJSON(prompts),
				})
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Job %d: %s\n", job.ID, jobTitle(job))
			fmt.Fprintf(out, "  Workflow:  %s\n", job.WorkflowName)
			fmt.Fprintf(out, "  Status:    %s\n", job.Status)
			fmt.Fprintf(out, "  Prompts:   %s\n", promptProgress(job.Counts))
			fmt.Fprintf(out, "  Created:   %s\n", formatTimestamp(&job.CreatedAt))
			fmt.Fprintf(out, "  Started:   %s\n", formatTimestamp(job.StartedAt))
			fmt.Fprintf(out, "  Finished:  %s\n", formatTimestamp(job.FinishedAt))
			if job.CancelRequested {
				fmt.Fprintln(out, "  Cancel requested: yes")
			}
			if job.LastError != "" {
				fmt.Fprintf(out, "  Last error: %s\n", job.LastError)
			}

			rows := make([][]string, 0, len(prompts))
			for _, prompt := range prompts {
				detail := prompt.ErrorDetail
				if detail == "" && len(prompt.OutputPaths) > 0 {
					detail = fmt.Sprintf("%d output(s)", len(prompt.OutputPaths))
				}
				rows = append(rows, []string{
					strconv.FormatInt(prompt.ID, 10),
					filepath.Base(prompt.InputFile),
					string(prompt.Status),
					prompt.ExitStatus,
					truncate(detail, 60),
				})
			}
			fmt.Fprintln(out, renderTable(out,
				[]string{"ID", "Input", "Status", "Exit", "Detail"}, rows, 0))
			return nil
		},
	}

	addJSONFlag(cmd, &jsonOut)
	return cmd
}

func newCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a job; running work finishes, pending work is dropped",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			store, err := ctx.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			summary, err := store.RequestCancel(cmd.Context(), jobID)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			switch summary.Mode {
			case queue.CancelAfterCurrent:
				fmt.Fprintf(out, "Job %d will cancel after the current prompt finishes (%d pending prompt(s) canceled)\n",
					jobID, summary.CanceledPending)
			default:
				fmt.Fprintf(out, "Job %d canceled (%d pending prompt(s) dropped)\n", jobID, summary.CanceledPending)
			}
			return nil
		},
	}
}

func newRetryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Reset a job's failed and canceled prompts for another run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			store, err := ctx.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			reset, err := store.RetryJob(cmd.Context(), jobID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %d reset: %d prompt(s) back to pending\n", jobID, reset)
			return nil
		},
	}
}

func parseJobID(arg string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(arg), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid job id %q", arg)
	}
	return id, nil
}

func jobTitle(job *queue.Job) string {
	if job.JobName != "" {
		return job.JobName
	}
	return fmt.Sprintf("job-%d", job.ID)
}

func promptProgress(counts queue.StatusCounts) string {
	done := counts.Succeeded + counts.Failed + counts.Canceled
	return fmt.Sprintf("%d/%d", done, counts.Total())
}

func formatTimestamp(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
