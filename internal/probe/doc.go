// Package probe implements the Port Probe: read-only
// questions about the host's actual TCP port-binding state.
//
// IsBound answers "is port P bound right now?" by attempting a
// throwaway bind. Describe and Scan go further, shelling out to
// lsof/netstat/ss (in that order, first success wins) to name the
// owning process, and then cross-referencing the Docker Engine API so a
// port published by a container is attributed to the container rather
// than to dockerd's own PID.
//
// Every probe is bounded: IsBound by a 1-second internal timeout,
// Describe and Scan by their own external-command budgets. On timeout
// or tool failure, probes return the conservative answer (bound, nil)
// rather than block the caller — policy about retries belongs to the
// caller (internal/allocengine or internal/reconcile), never to this
// package.
package probe
