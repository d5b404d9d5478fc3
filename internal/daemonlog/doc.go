// Package daemonlog builds the daemon's zap logger and applies
// sanitization rules to anything logged: strip control characters, cap
// strings at 200 chars, cap objects at depth 5 and 50 keys.
//
// Logger construction uses a Config{Level, Development, JSONOutput}
// toggling between a JSON production encoder and a colorized console
// development encoder over the same zapcore.Core.
package daemonlog
