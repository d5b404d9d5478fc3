package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/moby/sys/atomicwriter"
	"go.uber.org/zap"

	"github.com/mateoortiz/portguardd/internal/model"
)

const (
	stateFileName = "daemon.state"
	checksumFileName = "daemon.state.checksum"
	backupDirName = "backups"
	backupPrefix = "daemon.state.backup."

	defaultBackupCap = 5
)

// Store owns the state file's layout and write protocol.
// Everyone else in the daemon sees only StateDocument values; Store is
// the sole component that knows about tmp files, checksums, and backups.
type Store struct {
	dir string
	backupDir string
	backupCap int
	log *zap.SugaredLogger
}

// New creates a Store rooted at dir, creating dir and its backups
// subdirectory (both mode 0700) if they do not exist.
func New(dir string, log *zap.SugaredLogger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("store: create state dir: %w", err)
	}
	backupDir := filepath.Join(dir, backupDirName)
	if err := os.MkdirAll(backupDir, 0o700); err != nil {
		return nil, fmt.Errorf("store: create backup dir: %w", err)
	}
	return &Store{dir: dir, backupDir: backupDir, backupCap: defaultBackupCap, log: log}, nil
}

// WithBackupCap overrides the default backup retention count.
func (s *Store) WithBackupCap(n int) *Store {
	s.backupCap = n
	return s
}

func (s *Store) statePath() string { return filepath.Join(s.dir, stateFileName) }
func (s *Store) checksumPath() string { return filepath.Join(s.dir, checksumFileName) }

// Save persists doc following the write protocol: take the advisory
// lock, rotate a backup, write state+checksum to temp files,
// self-verify by rereading them, then rename both into place.
func (s *Store) Save(doc *model.StateDocument) error {
	doc.SavedAt = time.Now().UTC()

	data, err := json.MarshalIndent(doc, "", " ")
	if err != nil {
		return fmt.Errorf("store: marshal state: %w", err)
	}
	sum := checksumOf(data)

	lockFile, err := os.OpenFile(s.statePath(), os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return fmt.Errorf("store: open state file for locking: %w", err)
	}
	defer lockFile.Close()

	if err := flockFile(lockFile); err != nil {
		return fmt.Errorf("store: acquire lock: %w", err)
	}
	defer func() {
		if uerr := unflockFile(lockFile); uerr != nil && s.log != nil {
			s.log.Warnw("store: failed to release lock", "error", uerr)
		}
	}()

	if err := rotateBackups(s.statePath(), s.backupDir, s.backupCap); err != nil {
		if s.log != nil {
			s.log.Warnw("store: backup rotation failed, continuing with save", "error", err)
		}
	}

	stateTmp := s.statePath() + ".tmp"
	checksumTmp := s.checksumPath() + ".tmp"
	defer os.Remove(stateTmp)
	defer os.Remove(checksumTmp)

	if err := atomicwriter.WriteFile(stateTmp, data, 0o600); err != nil {
		return fmt.Errorf("store: write temp state: %w", err)
	}
	if err := atomicwriter.WriteFile(checksumTmp, []byte(sum), 0o600); err != nil {
		return fmt.Errorf("store: write temp checksum: %w", err)
	}

	if err := s.selfVerify(stateTmp, checksumTmp); err != nil {
		return fmt.Errorf("store: self-verification failed, aborting save: %w", err)
	}

	if err := os.Rename(stateTmp, s.statePath()); err != nil {
		return fmt.Errorf("store: commit state rename: %w", err)
	}
	if err := os.Rename(checksumTmp, s.checksumPath()); err != nil {
		return fmt.Errorf("store: commit checksum rename: %w", err)
	}

	return nil
}

// selfVerify rereads the just-written temp files and recomputes the
// checksum, catching any corruption introduced by the write itself
// before it is ever renamed into place.
func (s *Store) selfVerify(stateTmp, checksumTmp string) error {
	data, err := os.ReadFile(stateTmp)
	if err != nil {
		return err
	}
	var doc model.StateDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("reparse failed: %w", err)
	}

	wantSum, err := os.ReadFile(checksumTmp)
	if err != nil {
		return err
	}
	if checksumOf(data) != string(wantSum) {
		return fmt.Errorf("checksum mismatch on reread")
	}
	return nil
}

// Load reads the state document with recovery: verify the primary file's checksum and shape; on any
// failure, try each backup newest-first, and on the first that
// verifies, restore it as the new primary. If nothing verifies, returns
// an empty document — the daemon starts fresh rather than failing to
// boot. The returned bool reports whether recovery from a backup (or a
// from-empty fallback) occurred, for STATE_CORRUPTED reporting upstream.
func (s *Store) Load() (*model.StateDocument, bool, error) {
	if doc, err := s.readAndVerify(s.statePath(), s.checksumPath()); err == nil {
		return doc, false, nil
	}

	names, err := listBackupsNewestFirst(s.backupDir)
	if err != nil {
		names = nil
	}
	for _, name := range names {
		backupPath := filepath.Join(s.backupDir, name)
		doc, err := s.readAndVerifyStateOnly(backupPath)
		if err != nil {
			continue
		}
		if cerr := s.restoreFromBackup(backupPath); cerr != nil && s.log != nil {
			s.log.Warnw("store: failed to restore verified backup over primary", "error", cerr)
		}
		return doc, true, nil
	}

	return emptyStateDocument(), true, nil
}

// readAndVerify checks the primary state file against its companion
// checksum file and validates document shape.
func (s *Store) readAndVerify(statePath, checksumPath string) (*model.StateDocument, error) {
	data, err := os.ReadFile(statePath)
	if err != nil {
		return nil, err
	}
	wantSum, err := os.ReadFile(checksumPath)
	if err != nil {
		return nil, err
	}
	if checksumOf(data) != string(wantSum) {
		return nil, fmt.Errorf("store: checksum mismatch")
	}
	var doc model.StateDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("store: reparse failed: %w", err)
	}
	if err := doc.Validate(); err != nil {
		return nil, fmt.Errorf("store: structural validation failed: %w", err)
	}
	return &doc, nil
}

// readAndVerifyStateOnly checks a backup file's own internal validity.
// Backups have no companion checksum file of their own (they are a
// verbatim copy of a state file that did have one at copy time), so
// validity here means well-formed JSON satisfying StateDocument.Validate.
func (s *Store) readAndVerifyStateOnly(path string) (*model.StateDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc model.StateDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// restoreFromBackup copies a verified backup over the primary state
// file and regenerates its checksum, so subsequent Load calls succeed
// via the fast path.
func (s *Store) restoreFromBackup(backupPath string) error {
	data, err := os.ReadFile(backupPath)
	if err != nil {
		return err
	}
	sum := checksumOf(data)
	if err := atomicwriter.WriteFile(s.statePath(), data, 0o600); err != nil {
		return err
	}
	return atomicwriter.WriteFile(s.checksumPath(), []byte(sum), 0o600)
}

func emptyStateDocument() *model.StateDocument {
	return &model.StateDocument{
		Grants: []model.Grant{},
		Instances: []model.Instance{},
		Singletons: []model.SingletonClaim{},
		SavedAt: time.Now().UTC(),
	}
}
