// Package logging assembles the structured slog loggers used across renderq.
//
// It owns console/JSON handler selection, level parsing, and output routing
// (stdout plus an append-only file under the configured log directory), and
// exposes typed attribute helpers with well-known field keys so every
// component tags job, prompt, and workflow identifiers the same way. A no-op
// logger is provided for tests and wiring code that cannot fail.
package logging
