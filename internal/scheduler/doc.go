// Package scheduler runs sequences shot by shot: it pulls parameter
// bindings from the sweep iterator, compiles them ahead of dispatch on a
// bounded pipeline, sends each compiled program to the device-control
// processes, applies the retry policy, and records every result.
//
// One scheduler serves one apparatus, and at most one sequence may be
// active on it at a time. Start enforces that atomically: the claim is a
// check-and-set under a single lock, so concurrent Start calls resolve to
// exactly one winner and AlreadyRunningError for the rest.
//
// Lifecycle: Preparing (static validation, shot counting, first-shot
// compilation) → Running → {Paused ↔ Running} → {Finished, Crashed}, with
// operator-requested Aborting ending in Finished with partial results.
// Pause and abort are observed at shot boundaries only; an in-flight shot
// always completes or times out first.
//
// State changes and shot completions are published through the
// Broadcaster interface and reflected in an atomically readable Snapshot.
package scheduler
