// Package workflowdef loads and validates workflow definitions: declarative
// TOML files pairing a ComfyUI graph template with a parameter schema and
// binding targets. Loaded definitions are immutable; the Registry swaps whole
// snapshots on reload.
package workflowdef
