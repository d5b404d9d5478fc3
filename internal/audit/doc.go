// Package audit implements the append-only JSON-lines audit log: every
// mutating event (allocate, release, cleanup, auto-range commit) gets
// one line, rotated at 10 MiB into up to 5 gzip-compressed generations.
//
// Record IDs use github.com/oklog/ulid so entries sort lexically by
// creation time without a separate sequence counter. Rotated
// generations are compressed with github.com/klauspost/compress/gzip, a
// faster drop-in replacement for the standard library's gzip package.
package audit
