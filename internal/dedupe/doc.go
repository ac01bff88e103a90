// Package dedupe provides message deduplication using a time-based,
// size-bounded cache of seen message keys. The ingest loop consults it so a
// message observed both by replay and by live polling is handled only once.
package dedupe
