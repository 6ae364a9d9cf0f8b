// Package promptgen compiles a workflow definition plus user parameters into
// executable prompt graphs, expanding one graph per input file and try.
package promptgen
