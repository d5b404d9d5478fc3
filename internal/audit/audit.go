package audit

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/oklog/ulid"
)

const (
	defaultMaxBytes = 10 * 1024 * 1024
	defaultGenerations = 5
	logFileName = "audit.log"
)

// Log is the append-only JSON-lines audit log.
// Every mutating operation across the daemon — allocate, release,
// cleanup, auto-range commit — writes one Record call here.
type Log struct {
	dir string
	path string
	maxBytes int64
	maxGenerations int

	mu sync.Mutex
	file *os.File
	size int64
	entropy io.Reader
}

// Open creates or appends to dir/audit.log, sizing future rotation at
// maxBytes per generation (0 selects defaultMaxBytes).
func Open(dir string, maxBytes int64) (*Log, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("audit: create dir: %w", err)
	}
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}

	path := filepath.Join(dir, logFileName)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("audit: stat log: %w", err)
	}

	return &Log{
		dir: dir,
		path: path,
		maxBytes: maxBytes,
		maxGenerations: defaultGenerations,
		file: f,
		size: info.Size(),
		entropy: ulid.Monotonic(rand.Reader, 0),
	}, nil
}

// record is one audit.log line. Data is the caller-supplied payload;
// Record does not sanitize it — the daemon wraps Log in
// daemonlog.SanitizingRecorder, which sanitizes it before it reaches here.
type record struct {
	ID string `json:"id"`
	Time time.Time `json:"time"`
	Event string `json:"event"`
	Data map[string]interface{} `json:"data,omitempty"`
}

// Record appends one audit entry and rotates the log if it would exceed
// maxBytes. A write failure here never aborts the caller's mutation —
// the in-memory grant remains authoritative.
func (l *Log) Record(event string, fields map[string]interface{}) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	id, err := ulid.New(ulid.Timestamp(time.Now()), l.entropy)
	if err != nil {
		return fmt.Errorf("audit: generate id: %w", err)
	}

	line, err := json.Marshal(record{ID: id.String(), Time: time.Now().UTC(), Event: event, Data: fields})
	if err != nil {
		return fmt.Errorf("audit: marshal record: %w", err)
	}
	line = append(line, '\n')

	if l.size+int64(len(line)) > l.maxBytes {
		if err := l.rotateLocked(); err != nil {
			return err
		}
	}

	n, err := l.file.Write(line)
	if err != nil {
		return fmt.Errorf("audit: write record: %w", err)
	}
	l.size += int64(n)
	return nil
}

// rotateLocked shifts existing gzip generations up by one, compresses
// the current log into generation 1, and truncates a fresh audit.log.
// Caller must hold l.mu.
func (l *Log) rotateLocked() error {
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("audit: close before rotate: %w", err)
	}

	oldest := filepath.Join(l.dir, fmt.Sprintf("%s.%d.gz", logFileName, l.maxGenerations))
	_ = os.Remove(oldest)
	for gen := l.maxGenerations - 1; gen >= 1; gen-- {
		from := filepath.Join(l.dir, fmt.Sprintf("%s.%d.gz", logFileName, gen))
		to := filepath.Join(l.dir, fmt.Sprintf("%s.%d.gz", logFileName, gen+1))
		if _, err := os.Stat(from); err == nil {
			_ = os.Rename(from, to)
		}
	}

	if err := compressToGeneration(l.path, filepath.Join(l.dir, fmt.Sprintf("%s.1.gz", logFileName))); err != nil {
		return fmt.Errorf("audit: compress rotated generation: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_TRUNC|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("audit: reopen log after rotate: %w", err)
	}
	l.file = f
	l.size = 0
	return nil
}

func compressToGeneration(srcPath, dstPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer dst.Close()

	gw := gzip.NewWriter(dst)
	if _, err := io.Copy(gw, src); err != nil {
		_ = gw.Close()
		return err
	}
	return gw.Close()
}

// Close flushes and closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
