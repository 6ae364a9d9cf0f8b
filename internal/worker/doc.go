// Package worker contains the execution engine that connects the queue to
// the ComfyUI backend: health-gated claiming with bounded backoff, dispatch,
// polling, result persistence, cancellation handling, and reconciliation of
// work left running by a previous process.
package worker
