// Package compiler turns one (parameter binding, time lanes) pair into an
// immutable shot program: a validated, fully resolved instruction list per
// device with all expressions evaluated and all timings converted to
// absolute nanosecond offsets from the shot's start trigger.
//
// Compilation is pure: identical inputs always produce a byte-identical
// encoded program, and a failed compilation never partially succeeds.
// Validation covers channel ownership (every lane channel must belong to a
// configured device), per-channel overlap, and fit within the shot duration.
//
// # Thread Safety
//
// A Compiler is immutable after construction and safe for concurrent use.
package compiler
