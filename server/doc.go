// Package server exposes the orchestrator over HTTP.
//
// Routes:
//
//	POST /tasks                 submit a task, 201 {taskId}
//	GET  /tasks/:id             task snapshot with its runs
//	GET  /tasks/:id/events      server-sent events, ?from=N or Last-Event-ID
//	GET  /tasks/:id/ws          the same stream over a websocket
//	POST /tasks/:id/cancel      request cancellation, 202
//	POST /tasks/:id/consent     record a consent decision
//	GET  /tasks/:id/audit       audit replay, ?from=N
//	GET  /tools                 current tool catalog
//	GET  /healthz
//	GET  /metrics               Prometheus exposition
//
// Errors are rendered as {"error": "...", "code": "..."}.
package server
