// Package bridge connects the ingestion loop to the message-handling stages.
package bridge
