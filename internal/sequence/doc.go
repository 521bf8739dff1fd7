// Package sequence defines the experiment domain model: sequences, time
// lanes, the step-program sweep specification, parameter bindings, and the
// execution lifecycle states.
//
// A Sequence is a declarative experiment description. Its Steps form a small
// step program (variable assignments and nested loops) that the Iterator
// walks to enumerate one Binding per shot, in a deterministic order that
// downstream consumers (progress display, resume) rely on. Its Lanes are
// per-channel lists of timed actions that the compiler turns into concrete
// device instructions for each binding.
//
// The package also provides static validation (run once at admission, before
// a sequence may start) and the SQLite repository used to persist sequences
// and their per-shot results.
package sequence
