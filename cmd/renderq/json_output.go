package main

import (
	"encoding/json"

	"github.com/spf13/cobra"
)

// addJSONFlag registers the machine-readable output toggle shared by the
// read-side commands.
func addJSONFlag(cmd *cobra.Command, target *bool) {
	cmd.Flags().BoolVar(target, "json", false, "Emit JSON output")
}

// writeJSON renders v as indented JSON on the command's stdout, one document
// per invocation.
func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
