// Package transport defines the handler interfaces and middleware chain for
// the werkstatt HTTP/SSE transport layer.
//
// The transport layer bridges external clients and the sandbox execution
// engine. It deserializes incoming requests into the core types defined in
// pkg/api, dispatches them for processing, and serializes results back to
// the client in either synchronous (JSON) or streaming (SSE) format.
//
// # Handler Interfaces
//
// Two handler interfaces define the contract between the transport layer and
// the execution engine:
//
//   - ExecutionRunner runs a registered function tool and writes the outcome,
//     available in every deployment.
//   - ToolStore handles registration, retrieval, and deletion of function
//     tools plus the execution records they produce.
//
// The ExecutionWriter interface abstracts streaming and non-streaming output,
// allowing the runner to emit SSE lifecycle events or a single JSON record
// without knowing the underlying transport protocol.
//
// # Middleware
//
// The middleware chain wraps ExecutionRunner with cross-cutting concerns.
// Built-in middleware provides panic recovery, request ID assignment
// (X-Request-ID), and structured logging via log/slog. Custom middleware
// can be added for application-specific concerns.
package transport
