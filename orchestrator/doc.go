// Package orchestrator owns the task lifecycle.
//
// A submitted task moves through pending, running and exactly one terminal
// status (completed, failed or cancelled). The orchestrator fans the prompt
// out to one AgentRun per agent spec, either concurrently or one after the
// other, retries runs that failed transiently, and folds the run outcomes
// into a task result according to the task's aggregation policy:
//
//   - first_success: the first successful run decides; siblings are cancelled.
//   - all_must_succeed: any failure fails the task; results are reduced.
//   - best_effort: waits for every run and reduces the successful ones.
//   - quorum: reduces the first N successes, or fails with no_consensus.
//
// Every task has an append-only event list. Stream replays it from a sequence
// number and follows live events until the terminal status_changed event.
package orchestrator
