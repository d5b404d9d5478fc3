// Package allocengine implements the Allocation Engine: the
// concurrent allocator that resolves a service type, picks a candidate
// port, atomically reserves it, verifies OS-level availability, records
// the grant, and enforces singleton semantics. Release is the dual
// operation.
//
// Concurrency is a single mutex over three structures — grants,
// singletons, and an in-flight reservation set — so the
// reservation-check-then-insert stays atomic across the Port Probe
// call. The in-flight set closes the same TOCTOU race a simpler
// mutex-guarded reservation map closes for a single-layer case (no
// candidate list, no managed-range fast path); here it is generalized
// into the full candidate-scan-then-commit protocol, with candidate
// ordering and a two-layer availability check (grant table, then OS
// probe).
package allocengine
