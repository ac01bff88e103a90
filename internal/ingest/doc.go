// Package ingest drives event ingestion for one chat account. The loop
// cycles through registering an event queue, replaying messages missed
// while disconnected (bounded by age and count), and long-polling for live
// events. Every failure path leads back to registration; nothing here is
// fatal to the process.
//
// The loop's delivery contract: before a message reaches a handler, its
// timestamp has advanced the persisted watermark and its id is in the
// dedupe cache. Handlers run on their own goroutines so a slow handler
// cannot starve ingestion, and a message observed by both replay and live
// polling is handled at most once.
package ingest
