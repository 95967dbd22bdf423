// Package alloc implements the per-proc transaction buffer allocator.
//
// Each proc reserves a single contiguous virtual range up front; no backing
// memory is committed until an allocation actually covers a page. Buffers are
// carved out of the range with a best-fit policy and coalesced on free, and
// pages whose bytes are no longer covered by any allocated buffer are parked
// on an LRU free-list until a shrink pass reclaims them.
//
// Components:
//   - Allocator: reserve/allocate/free/shrink/teardown lifecycle
//   - Buffer: one contiguous payload region (data + offsets + extra)
//   - page table: lazily committed slabs, page-granular, LRU reclaim
//
// Invariants (checked by Verify and exercised by the self-test harness):
//   - allocated buffers never overlap
//   - free + allocated buffers exactly tile the reserved range
//   - a page is only reclaimed when no allocated buffer covers any byte of it
//
// Asynchronous (oneway) allocations are debited against a separate budget so
// a flood of oneway traffic cannot starve synchronous replies.
package alloc
