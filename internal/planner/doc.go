// Package planner implements the Auto-Range Planner: when
// an allocation request names a service type the Range Registry does
// not know, and auto-allocation is enabled, Planner synthesizes a fresh
// non-colliding range for it, persists the new type to the user config
// file, and reloads the registry so it becomes visible.
//
// Planning is serialized per service-type name: a second concurrent
// request for the same unknown type waits (bounded poll, ≤3s) for the
// first planner run to commit, then re-resolves instead of planning
// twice — the same in-flight-reservation shape the allocation engine
// uses to close its own TOCTOU race, but keyed by name instead of by
// port.
//
// The gap-search placement logic generalizes "find one free port in a
// fixed dynamic range" into "find one free *range* of a given size
// among the registry's existing ranges," in three configurable
// placement policies (after/before/smart).
package planner
