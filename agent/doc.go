// Package agent runs a single AgentRun: the reasoning loop that alternates
// model calls with tool invocations until the model produces a final answer.
//
// The loop is an explicit state machine:
//
//	await_model -> final                          (no tool calls)
//	await_model -> await_consent -> await_tool    (per tool call, in order)
//	await_tool  -> await_model                    (after the last call)
//
// Every step checks cancellation and the step budget first. Each message the
// run produces is appended to the run history as a core.Message, written to
// the audit log and forwarded to the task's message sink.
//
// The runner talks to its collaborators (model gateway, tool registry and
// consent gate) through small interfaces so tests can substitute them.
package agent
