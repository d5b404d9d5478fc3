package audit

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLog_Record_AppendsJSONLine(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, 0)
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.Record("allocate", map[string]interface{}{"port": 3000}))
	require.NoError(t, l.Record("release", map[string]interface{}{"port": 3000}))

	data, err := os.ReadFile(filepath.Join(dir, "audit.log"))
	require.NoError(t, err)

	lines := 0
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		if len(scanner.Bytes()) > 0 {
			lines++
		}
	}
	assert.Equal(t, 2, lines)
}

func TestLog_Record_RotatesWhenOverMaxBytes(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, 200)
	require.NoError(t, err)
	defer l.Close()

	for i := 0; i < 50; i++ {
		require.NoError(t, l.Record("allocate", map[string]interface{}{"port": 3000 + i, "padding": "xxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx"}))
	}

	_, err = os.Stat(filepath.Join(dir, "audit.log.1.gz"))
	require.NoError(t, err, "expected a rotated, gzip-compressed generation to exist")

	f, err := os.Open(filepath.Join(dir, "audit.log.1.gz"))
	require.NoError(t, err)
	defer f.Close()
	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	defer gz.Close()

	scanner := bufio.NewScanner(gz)
	lines := 0
	for scanner.Scan() {
		lines++
	}
	assert.Greater(t, lines, 0)
}

func TestLog_Record_CapsGenerationsAtFive(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, 150)
	require.NoError(t, err)
	defer l.Close()

	for i := 0; i < 400; i++ {
		require.NoError(t, l.Record("allocate", map[string]interface{}{"n": i, "padding": "xxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx"}))
	}

	_, err = os.Stat(filepath.Join(dir, "audit.log.6.gz"))
	assert.True(t, os.IsNotExist(err), "must never keep a 6th generation")
}
