// Package sandbox implements the execution engine for tenant-supplied
// function tools: code that must run with its declared npm dependencies
// but without being trusted.
//
// The engine is assembled from small parts, leaves first:
//
//   - Fingerprint: a deterministic digest of a dependency set, used as
//     the cache key for warm sandboxes.
//   - GateRegistry: one FIFO counting semaphore per vCPU class, bounding
//     how many executions run sandbox work at once.
//   - Pool / Manager: per-provider caches of installed sandboxes with
//     TTL and use-count eviction plus a background sweep.
//   - Tunables: the timeout, output-cap, pooling, and queueing knobs
//     shared by all providers.
//
// Provider implementations live in the native and remote subpackages;
// the factory subpackage routes requests between them and owns their
// lifecycle. Script serialization and result parsing are behind the
// ScriptCodec interface (see the jscodec subpackage for the production
// implementation).
package sandbox
