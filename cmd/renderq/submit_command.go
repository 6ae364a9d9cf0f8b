package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"renderq/internal/submit"
	"renderq/internal/workflowdef"
)

func newSubmitCommand(ctx *commandContext) *cobra.Command {
	var (
		jobName       string
		inputDir      string
		params        []string
		perFileParams []string
		resolution    string
		flip          bool
		moveProcessed bool
		splitByInput  bool
		priority      int
		jsonOut       bool
	)

	cmd := &cobra.Command{
		Use:   "submit <workflow>",
		Short: "Submit a job for a workflow over an input directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			store, err := ctx.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			registry := workflowdef.NewRegistry()
			if _, failures := registry.Reload(cfg.Paths.DefsDir); len(failures) > 0 {
				for _, failure := range failures {
					fmt.Fprintf(cmd.ErrOrStderr(), "warn: %v\n", failure)
				}
			}

			parsedParams, err := parseParams(params)
			if err != nil {
				return err
			}
			parsedOverrides, err := parsePerFileParams(perFileParams)
			if err != nil {
				return err
			}

			service := submit.NewService(registry, store, cfg, nil)
			receipt, err := service.Submit(cmd.Context(), submit.Request{
				Workflow:         args[0],
				JobName:          jobName,
				InputDir:         inputDir,
				Params:           parsedParams,
				PerFileParams:    parsedOverrides,
				ResolutionPreset: resolution,
				FlipOrientation:  flip,
				MoveProcessed:    moveProcessed,
				SplitByInput:     splitByInput,
				Priority:         priority,
			})
			if err != nil {
				return err
			}

			if jsonOut {
				return writeJSON(cmd, map[string]any{
					"job_ids":      receipt.JobIDs,
					"job_count":    receipt.JobCount,
					"prompt_count": receipt.PromptCount,
					"input_dir":    receipt.InputDir,
				})
			}
			out := cmd.OutOrStdout()
			if receipt.JobCount == 1 {
				fmt.Fprintf(out, "Job %d queued with %d prompt(s)\n", receipt.JobIDs[0], receipt.PromptCount)
			} else {
				fmt.Fprintf(out, "%d jobs queued with %d prompt(s) total\n", receipt.JobCount, receipt.PromptCount)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&jobName, "name", "n", "", "Job name")
	cmd.Flags().StringVarP(&inputDir, "input-dir", "i", "", "Directory of input files")
	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "Workflow parameter as name=value (repeatable)")
	cmd.Flags().StringArrayVar(&perFileParams, "per-file-param", nil, "Per-file override as file:name=value (repeatable)")
	cmd.Flags().StringVar(&resolution, "resolution", "", "Resolution preset id (e.g. 480x848)")
	cmd.Flags().BoolVar(&flip, "flip", false, "Swap width and height in the rendered graphs")
	cmd.Flags().BoolVar(&moveProcessed, "move-processed", false, "Move source inputs to _processed/ when the job succeeds")
	cmd.Flags().BoolVar(&splitByInput, "split", false, "Create one job per input file")
	cmd.Flags().IntVar(&priority, "priority", 0, "Claim priority (higher runs first)")
	addJSONFlag(cmd, &jsonOut)
	return cmd
}

func parseParams(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid --param %q (expected name=value)", pair)
		}
		out[strings.TrimSpace(name)] = value
	}
	return out, nil
}

func parsePerFileParams(entries []string) (map[string]map[string]any, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	out := make(map[string]map[string]any)
	for _, entry := range entries {
		file, pair, ok := strings.Cut(entry, ":")
		if !ok || strings.TrimSpace(file) == "" {
			return nil, fmt.Errorf("invalid --per-file-param %q (expected file:name=value)", entry)
		}
		name, value, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid --per-file-param %q (expected file:name=value)", entry)
		}
		file = strings.TrimSpace(file)
		if out[file] == nil {
			out[file] = make(map[string]any)
		}
		out[file][strings.TrimSpace(name)] = value
	}
	return out, nil
}
