// Package main hosts the renderq CLI entrypoint and command graph.
//
// The Cobra-based command tree covers job submission, queue inspection and
// maintenance, workflow definition listing, configuration scaffolding, and the
// long-running daemon that executes prompts against ComfyUI. Commands open the
// queue database directly, so submission and inspection work whether or not
// the daemon is running.
//
// Keep this package lean: add new functionality by extending the internal
// packages first, then surface it through dedicated commands or flags here.
package main
