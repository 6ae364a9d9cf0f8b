package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"renderq/internal/workflowdef"
)

func newWorkflowsCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "workflows",
		Short: "List available workflow definitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, failures, err := ctx.loadRegistry()
			if err != nil {
				return err
			}

			defs := registry.List()
			if jsonOut {
				return writeJSON(cmd, workflowsJSON(defs, failures))
			}

			out := cmd.OutOrStdout()
			if len(defs) == 0 {
				fmt.Fprintln(out, "No workflow definitions found")
			} else {
				groupTitle := cases.Title(language.Und)
				rows := make([][]string, 0, len(defs))
				for _, def := range defs {
					rows = append(rows, []string{
						def.Name,
						def.Title(),
						groupTitle.String(def.Group),
						string(def.InputType),
						paramNames(def),
					})
				}
				fmt.Fprintln(out, renderTable(out, []string{"Name", "Title", "Group", "Input", "Parameters"}, rows))
			}

			for _, failure := range failures {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s: %v\n", failure.File, failure.Reason)
			}
			return nil
		},
	}

	addJSONFlag(cmd, &jsonOut)
	return cmd
}

func paramNames(def *workflowdef.Definition) string {
	names := make([]string, 0, len(def.Parameters))
	for _, param := range def.Parameters {
		names = append(names, param.Name)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

type workflowView struct {
	Name       string   `json:"name"`
	Title      string   `json:"title"`
	Group      string   `json:"group"`
	InputType  string   `json:"input_type"`
	Parameters []string `json:"parameters"`
}

type workflowLoadErrorView struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

func workflowsJSON(defs []*workflowdef.Definition, failures []workflowdef.LoadError) map[string]any {
	views := make([]workflowView, 0, len(defs))
	for _, def := range defs {
		params := make([]string, 0, len(def.Parameters))
		for _, param := range def.Parameters {
			params = append(params, param.Name)
		}
		sort.Strings(params)
		views = append(views, workflowView{
			Name:       def.Name,
			Title:      def.Title(),
			Group:      def.Group,
			InputType:  string(def.InputType),
			Parameters: params,
		})
	}
	errs := make([]workflowLoadErrorView, 0, len(failures))
	for _, failure := range failures {
		errs = append(errs, workflowLoadErrorView{Path: failure.File, Error: failure.Reason.Error()})
	}
	return map[string]any{"workflows": views, "load_errors": errs}
}
