// Package runner connects the transport layer to the sandbox engine.
// It creates the execution record, forwards sandbox lifecycle
// notifications as streamed events, routes the call through the
// provider factory, and persists the terminal state.
package runner
