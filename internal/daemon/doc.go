// Package daemon coordinates the long-running renderq process.
//
// It wires configuration, the queue store, the workflow registry, and the
// worker engine into a single lifecycle with flock-based locking to prevent
// multiple instances, and runs the periodic staging cleanup.
package daemon
