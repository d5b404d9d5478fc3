package planner

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mateoortiz/portguardd/internal/registry"
)

func newTestPlanner(t *testing.T, cfg Config) (*Planner, *registry.Registry, string) {
	t.Helper()
	dir := t.TempDir()
	basePath := filepath.Join(dir, "base.yaml")
	overridePath := filepath.Join(dir, "config.json")
	backupDir := filepath.Join(dir, "config-backups")

	require.NoError(t, os.WriteFile(basePath, []byte(`
service_types:
  dev:
    range_low: 3000
    range_high: 3099
`), 0o600))

	reg, err := registry.Load(basePath, overridePath, nil)
	require.NoError(t, err)

	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = 10
	}
	if cfg.GapSize == 0 {
		cfg.GapSize = 10
	}
	if cfg.MaxPort == 0 {
		cfg.MaxPort = 65535
	}
	if cfg.MinPort == 0 {
		cfg.MinPort = 1024
	}
	if cfg.Placement == "" {
		cfg.Placement = PlacementAfter
	}
	cfg.PreserveGaps = true
	cfg.Enabled = true

	return New(cfg, reg, overridePath, backupDir, nil), reg, overridePath
}

func TestPlanner_Plan_SynthesizesAndPersistsNewType(t *testing.T) {
	p, reg, overridePath := newTestPlanner(t, Config{})

	st, err := p.Plan(context.Background(), "jaeger")
	require.NoError(t, err)
	assert.Equal(t, 3110, st.RangeLow)
	assert.Equal(t, 3119, st.RangeHigh)
	assert.True(t, st.AutoAllocated)

	resolved, ok := reg.Resolve("jaeger")
	require.True(t, ok, "registry should be reloaded after commit")
	assert.Equal(t, st.RangeLow, resolved.RangeLow)

	data, err := os.ReadFile(overridePath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "jaeger")
}

func TestPlanner_Plan_DisabledReturnsError(t *testing.T) {
	p, _, _ := newTestPlanner(t, Config{})
	p.cfg.Enabled = false

	_, err := p.Plan(context.Background(), "jaeger")
	assert.Error(t, err)
}

func TestPlanner_Plan_SecondRequestReusesFirstCommit(t *testing.T) {
	p, _, _ := newTestPlanner(t, Config{})

	var wg sync.WaitGroup
	results := make([]*int, 2)
	wg.Add(2)
	for i := 0; i < 2; i++ {
		i := i
		go func() {
			defer wg.Done()
			st, err := p.Plan(context.Background(), "jaeger")
			if err == nil {
				results[i] = &st.RangeLow
			}
		}()
	}
	wg.Wait()

	require.NotNil(t, results[0])
	require.NotNil(t, results[1])
	assert.Equal(t, *results[0], *results[1], "both callers must see the same committed range")
}

func TestPlanner_Plan_SecondCallAfterCommitReturnsSameRange(t *testing.T) {
	p, _, _ := newTestPlanner(t, Config{})

	first, err := p.Plan(context.Background(), "jaeger")
	require.NoError(t, err)

	second, err := p.Plan(context.Background(), "jaeger")
	require.NoError(t, err)

	assert.Equal(t, first.RangeLow, second.RangeLow, "planning an already-committed type again must not allocate a second range")
}

func TestPlanner_Plan_ConfigBackupRotatesOnSecondCommit(t *testing.T) {
	p, _, _ := newTestPlanner(t, Config{BackupCap: 2})

	_, err := p.Plan(context.Background(), "jaeger")
	require.NoError(t, err)
	_, err = p.Plan(context.Background(), "storybook")
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	_, err = p.Plan(context.Background(), "grafana")
	require.NoError(t, err)

	entries, err := os.ReadDir(p.backupDir)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(entries), 2)
}
