// Package storage persists the snapshot of known shelter listings.
//
// Two drivers are available:
//   - "sqlite": a single database file (default)
//   - "file": a JSON snapshot plus an append-only JSONL journal of notify marks
//
// Both honor the same contract: Commit is all-or-nothing, MarkNotified is
// durable on return, and LoadCurrent folds marks left behind by a cycle that
// crashed between publishing and committing.
package storage
