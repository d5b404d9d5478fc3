// Package reconcile implements the Reconciliation Loop: the
// periodic stale-grant sweep, one-time startup recovery, an optional
// health monitor with a per-grant failure counter, and the passive
// observation cache fed by the Port Probe's scan.
//
// The ticker/sweep/corrective-action shape is a standard reconciliation
// worker pattern (ticker loop, per-tick action, errors logged not
// fatal), generalized from a single action to the three independent
// timers this component runs. PID liveness uses the conventional
// os.FindProcess + syscall.Signal(0) probe.
package reconcile
