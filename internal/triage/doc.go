// Package triage implements the case workflow layered on top of the message
// stream: eligible post links become long-lived case records that are
// dispatched to an analysis agent, tracked through a status lifecycle, and
// represented in chat by a single continuously-edited status card.
//
// # Cases
//
// A case is keyed by an id derived deterministically from its normalized
// URL, so re-encountering the same link is idempotent. Statuses:
//
//   - open: awaiting or between analysis runs
//   - in_progress: an analysis run is executing
//   - error: the last run failed (LastError has details)
//   - noaction: closed by an operator; terminal for automatic processing
//   - moved: analysis discussion relocated by an operator
//
// # Store
//
// The Store persists cases as a single JSON document per account and
// derives a secondary index from dedicated analysis topics to case ids at
// load time. The index is never persisted, only derived, so it cannot
// diverge from the data after a crash.
//
// # Engine
//
// The Engine evaluates trigger conditions per message, creates cases,
// executes analysis runs, and interprets /xcase operator commands. An
// in-memory in-flight set keeps analysis runs exclusive per case id, and
// mutation is serialized per case; there is no global lock.
package triage
