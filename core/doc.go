// Package core provides the foundational domain types shared by every
// taskmesh component. It defines:
//
//   - Message, the canonical (Harmony) envelope exchanged between agents,
//     models, tools and users, together with its JSON wire codec
//   - Task and AgentRun, the units of user work and agent execution
//   - ToolDescriptor and ToolInvocation, the discovered capability and a
//     single call against it
//   - ConsentRecord, a recorded user decision gating tool invocations
//   - The error taxonomy and the machine readable reason codes surfaced on
//     the task event stream
//
// The package intentionally keeps behavior out of scope. Orchestration,
// discovery, routing and persistence live in their own packages and depend
// on the small value types declared here.
package core
