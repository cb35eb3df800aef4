// Package model defines the provider‑agnostic abstractions and concrete
// helpers for interacting with language models inside taskmesh.
//
// Core goals:
//   - Unify streaming + non‑streaming generation behind a single interface
//   - Normalize tool / function call representation (ToolDefinition, core.FunctionCall)
//   - Keep request/response shapes minimal and transport independent
//   - Facilitate deterministic testing (ScriptedModel)
//
// Providers (e.g. OpenAI, Anthropic) implement the Model interface from this
// package and are registered as backends of the gateway, so higher layers
// (agent runner, orchestrator) remain decoupled from vendor SDKs.
package model
