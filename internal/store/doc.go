// Package store implements the Persistent Store: a crash-safe,
// corruption-detecting home for the daemon's grant/instance/singleton
// tables.
//
// The on-disk layout under a single state directory (mode 0700):
//
//	daemon.state the JSON state document, mode 0600
//	daemon.state.checksum hex SHA-256 of the state bytes
//	backups/daemon.state.backup.<ISO> rotating copies, newest first
//
// Save rotates a backup, writes the new document and checksum through a
// temp-file-then-rename sequence with a self-verifying reread, and holds
// an advisory file lock for the duration. Load reads the primary
// document, verifies its checksum and shape, and falls back to the
// newest verifying backup on any mismatch — returning an empty document
// only if nothing on disk verifies.
//
// The write protocol builds on a flock-guarded JSON state file, widened
// from a flat key-allocation map into the three-array StateDocument this
// daemon needs, and split into an explicit backup+checksum+self-verify
// sequence a single flock alone would not give.
package store
