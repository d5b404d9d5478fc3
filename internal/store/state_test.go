package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mateoortiz/portguardd/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New(dir, nil)
	require.NoError(t, err)
	return s
}

func sampleDoc() *model.StateDocument {
	return &model.StateDocument{
		Grants: []model.Grant{
			{Port: 3000, LockID: "lock-1", ServiceType: "dev", ServiceName: "web", InstanceID: "default", AllocatedAt: time.Now().UTC()},
		},
		Instances:  []model.Instance{},
		Singletons: []model.SingletonClaim{},
	}
}

func TestStore_SaveThenLoad_RoundTrips(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save(sampleDoc()))

	doc, recovered, err := s.Load()
	require.NoError(t, err)
	assert.False(t, recovered)
	require.Len(t, doc.Grants, 1)
	assert.Equal(t, 3000, doc.Grants[0].Port)
	assert.Equal(t, "lock-1", doc.Grants[0].LockID)
}

func TestStore_Load_EmptyStateDirReturnsEmptyDocument(t *testing.T) {
	s := newTestStore(t)

	doc, recovered, err := s.Load()
	require.NoError(t, err)
	assert.True(t, recovered)
	assert.Empty(t, doc.Grants)
	assert.NotNil(t, doc.Instances)
	assert.NotNil(t, doc.Singletons)
}

func TestStore_Load_CorruptedPrimaryRecoversFromBackup(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Save(sampleDoc()))
	// A second save rotates the first good state into backups/.
	second := sampleDoc()
	second.Grants[0].Port = 3001
	second.Grants[0].LockID = "lock-2"
	require.NoError(t, s.Save(second))

	// Corrupt the primary state file directly.
	require.NoError(t, os.WriteFile(s.statePath(), []byte("{not valid json"), 0o600))

	doc, recovered, err := s.Load()
	require.NoError(t, err)
	assert.True(t, recovered)
	require.Len(t, doc.Grants, 1)
	assert.Equal(t, 3000, doc.Grants[0].Port, "should recover the backup taken before the second save corrupted things")
}

func TestStore_Load_CorruptedPrimaryAndNoBackupsReturnsEmpty(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, os.WriteFile(s.statePath(), []byte("garbage"), 0o600))
	require.NoError(t, os.WriteFile(s.checksumPath(), []byte("deadbeef"), 0o600))

	doc, recovered, err := s.Load()
	require.NoError(t, err)
	assert.True(t, recovered)
	assert.Empty(t, doc.Grants)
}

func TestStore_Load_ChecksumMismatchTriggersRecovery(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save(sampleDoc()))

	require.NoError(t, os.WriteFile(s.checksumPath(), []byte("0000000000000000000000000000000000000000000000000000000000000000"), 0o600))

	doc, recovered, err := s.Load()
	require.NoError(t, err)
	assert.True(t, recovered)
	assert.Empty(t, doc.Grants, "no backup exists yet, so recovery falls through to empty")
}

func TestStore_BackupRotation_PrunesBeyondCap(t *testing.T) {
	s := newTestStore(t).WithBackupCap(3)

	for i := 0; i < 6; i++ {
		doc := sampleDoc()
		doc.Grants[0].Port = 3000 + i
		require.NoError(t, s.Save(doc))
		time.Sleep(2 * time.Millisecond) // ensure distinct timestamp suffixes
	}

	entries, err := os.ReadDir(s.backupDir)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(entries), 3)
}

func TestStore_Save_SetsRestrictiveFilePermissions(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save(sampleDoc()))

	info, err := os.Stat(s.statePath())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestStore_New_CreatesDirectoriesWithRestrictivePermissions(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "state")
	s, err := New(target, nil)
	require.NoError(t, err)

	info, err := os.Stat(target)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), info.Mode().Perm())

	info, err = os.Stat(s.backupDir)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), info.Mode().Perm())
}
