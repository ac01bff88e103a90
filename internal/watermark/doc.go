// Package watermark persists the most recently processed message timestamp
// per account. The ingest loop advances it before dispatching each message
// and uses it as the lower bound when replaying messages missed during a
// disconnect.
package watermark
