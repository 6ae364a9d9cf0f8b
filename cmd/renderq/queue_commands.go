package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"renderq/internal/queue"
)

func newQueueCommand(ctx *commandContext) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Queue maintenance",
	}
	queueCmd.AddCommand(newQueuePauseCommand(ctx))
	queueCmd.AddCommand(newQueueResumeCommand(ctx))
	queueCmd.AddCommand(newQueueClearCommand(ctx))
	queueCmd.AddCommand(newQueueHealthCommand(ctx))
	queueCmd.AddCommand(newQueueRecoverCommand(ctx))
	return queueCmd
}

func newQueuePauseCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "pause",
		Short: "Stop dispatching new prompts; running work finishes",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := ctx.openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.Pause(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Queue paused")
			return nil
		},
	}
}

func newQueueResumeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume dispatching prompts",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := ctx.openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.Resume(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Queue resumed")
			return nil
		},
	}
}

func newQueueClearCommand(ctx *commandContext) *cobra.Command {
	var finished bool

	cmd := &cobra.Command{
		Use:   "clear [job-id]",
		Short: "Remove a job, or all finished jobs with --finished",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := ctx.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			out := cmd.OutOrStdout()
			if finished {
				cleared, err := store.ClearFinished(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Removed %d finished job(s)\n", cleared)
				return nil
			}
			if len(args) == 0 {
				return fmt.Errorf("provide a job id or --finished")
			}
			jobID, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			removed, err := store.ClearJob(cmd.Context(), jobID)
			if err != nil {
				return err
			}
			if !removed {
				fmt.Fprintf(out, "Job %d not found\n", jobID)
				return nil
			}
			fmt.Fprintf(out, "Job %d removed\n", jobID)
			return nil
		},
	}

	cmd.Flags().BoolVar(&finished, "finished", false, "Remove every job in a terminal state")
	return cmd
}

func newQueueHealthCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Show per-status job and prompt counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := ctx.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			health, err := store.Health(cmd.Context())
			if err != nil {
				return err
			}
			paused, err := store.IsPaused(cmd.Context())
			if err != nil {
				return err
			}

			if jsonOut {
				return writeJSON(cmd, map[string]any{
					"paused":  paused,
					"jobs":    health.Jobs,
					"prompts": health.Prompts,
				})
			}

			rows := make([][]string, 0, len(queue.AllStatuses()))
			for _, status := range queue.AllStatuses() {
				rows = append(rows, []string{
					string(status),
					fmt.Sprintf("%d", health.Jobs[status]),
					fmt.Sprintf("%d", health.Prompts[status]),
				})
			}
			out := cmd.OutOrStdout()
			if paused {
				fmt.Fprintln(out, "Queue is paused")
			}
			fmt.Fprintln(out, renderTable(out, []string{"Status", "Jobs", "Prompts"}, rows, 1, 2))
			return nil
		},
	}

	addJSONFlag(cmd, &jsonOut)
	return cmd
}

func newQueueRecoverCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Fail prompts stuck in running with no live worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := ctx.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			recovered, err := store.RecoverStaleRunning(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Marked %d stale prompt(s) as interrupted\n", recovered)
			return nil
		},
	}
}
