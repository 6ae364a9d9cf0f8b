// Package queue provides the SQLite-backed persistence layer: jobs, their
// prompt fan-out, claim/record transitions, cancellation, retry, and crash
// recovery. All state transitions run inside transactions and every write
// that can change a prompt's status recomputes the owning job's aggregate in
// the same transaction, so readers never observe a job out of sync with its
// prompts.
package queue
