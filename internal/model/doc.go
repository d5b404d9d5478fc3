// Package model defines the domain entities and error taxonomy for the
// port-arbitration daemon.
//
// Entities (ServiceType, Grant, SingletonClaim, Instance, Observation) are
// pure data structures with validation methods attached; they carry no
// behavior beyond invariant checking and string formatting. The allocation
// and reconciliation logic that mutates them lives in internal/allocengine
// and internal/reconcile.
//
// Error carries a Category from a small fixed taxonomy, mapped to an
// HTTP status and a set of user-facing suggestions, so the transport
// layer never has to special-case individual failure modes.
package model
