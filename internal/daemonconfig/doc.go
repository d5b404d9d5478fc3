// Package daemonconfig loads the daemon-level YAML configuration: HTTP
// listen port, state directory, auto-allocation policy, and the
// Reconciliation Loop's interval/threshold tunables.
//
// Loading follows internal/registry's loadBase shape (os.ReadFile +
// yaml.v3.Unmarshal) generalized from service-type entries to the
// daemon's own settings document. Unlike loadBase given an explicit
// path, a missing file is not an error: Load returns the defaults.
package daemonconfig
