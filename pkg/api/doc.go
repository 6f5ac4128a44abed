// Package api defines the core protocol types for the werkstatt function-tool
// execution service.
//
// This package provides all data types needed to register and execute
// sandboxed function tools: tool configuration, sandbox selection, execution
// results and records, streaming lifecycle events, error types, state machine
// validation, and ID generation.
//
// The package has zero external dependencies (Go standard library only) and
// performs no I/O. All types produce snake_case JSON suitable for the HTTP
// wire format.
//
// Core types:
//   - [FunctionToolConfig]: tenant-supplied tool (code, dependencies, sandbox)
//   - [SandboxConfig]: tagged provider variant (native process or remote micro-VM)
//   - [ExecutionResult]: outcome envelope (success flag, result or error, logs, timing)
//   - [Execution]: stored execution record with lifecycle status
//   - [ExecutionEvent]: server-sent event for streamed executions
//   - [APIError]: structured error with type, code, param, and message
package api
