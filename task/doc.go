// Package task holds task and agent run snapshots for the orchestrator.
//
// Only the orchestrator mutates tasks. Every value returned by a Store is a
// clone, so readers never observe a half-applied update.
package task
