// Package core implements the transaction engine: procs, looper threads,
// nodes, handle references, and the request/reply/oneway protocol that moves
// payloads between per-proc buffer allocators.
//
// Components:
//   - Registry: process table, node lifecycle, cross-proc bookkeeping
//   - Proc: one isolated participant with its allocator, reference table,
//     thread pool, and shared work queue
//   - Thread: one looper, with an explicit transaction stack for nested
//     synchronous calls
//   - Node: a remote object identity with strong/weak counts and a pending
//     list serializing oneway traffic
//   - Ref: a per-proc handle with its own counts and optional death
//     subscription
//
// Lock order is fixed: Registry.mu (nodes, refs, proc lifecycle) before
// Proc.mu (thread pool, queues) before the allocator's lock. No suspension
// happens while any of them is held; waits run on channels after the critical
// section ends.
package core
