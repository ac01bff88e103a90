// Package zulip implements the client side of a Zulip-style chat protocol:
// an event queue registered per connection, a long-poll for new events, a
// point query for recent history, and message send/edit.
//
// The only protocol subtlety the rest of the bridge depends on is that a
// dropped event queue is surfaced as ErrQueueExpired, distinct from
// transient errors, so the ingest loop knows to re-register and replay.
package zulip
