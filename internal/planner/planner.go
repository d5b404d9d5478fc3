package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/moby/sys/atomicwriter"
	"github.com/tidwall/jsonc"
	"go.uber.org/zap"

	"github.com/mateoortiz/portguardd/internal/model"
	"github.com/mateoortiz/portguardd/internal/registry"
)

// Config holds the tunables of the Auto-Range Planner.
type Config struct {
	Enabled bool
	Placement Placement
	ChunkSize int
	GapSize int
	PreserveGaps bool
	MinPort int
	MaxPort int
	ChunkRules []ChunkRule
	BackupCap int
}

// inProgressWaitBudget bounds how long a second request for the same
// unknown service type waits for the first planner run to finish,
// a bounded poll capped at three seconds.
const inProgressWaitBudget = 3 * time.Second

// overrideEntry mirrors the user config JSON shape. It is kept separate
// from registry's internal rawEntry type — Planner only ever writes
// whole documents to disk and lets Registry.Reload parse them back
// rather than mutating the in-memory registry directly.
type overrideEntry struct {
	RangeLow int `json:"range_low"`
	RangeHigh int `json:"range_high"`
	PreferredPorts []int `json:"preferred_ports,omitempty"`
	Cardinality string `json:"cardinality,omitempty"`
	Description string `json:"description,omitempty"`
	AutoAllocated bool `json:"auto_allocated,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
}

type overrideDocument struct {
	ServiceTypes map[string]overrideEntry `json:"service_types"`
}

// Planner synthesizes fresh ranges for unknown service types and
// commits them back to the user config file.
type Planner struct {
	cfg Config
	reg *registry.Registry
	overridePath string
	backupDir string
	log *zap.SugaredLogger
	audit func(event string, fields map[string]interface{})

	mu sync.Mutex
	inProgress map[string]chan struct{}
}

// New creates a Planner that writes new service types to overridePath,
// rotating backups into backupDir, and reloads reg after each commit.
func New(cfg Config, reg *registry.Registry, overridePath, backupDir string, log *zap.SugaredLogger) *Planner {
	if cfg.BackupCap <= 0 {
		cfg.BackupCap = 10
	}
	return &Planner{
		cfg: cfg,
		reg: reg,
		overridePath: overridePath,
		backupDir: backupDir,
		log: log,
		inProgress: make(map[string]chan struct{}),
	}
}

// OnCommit registers a callback invoked after a successful commit, used
// by the daemon to append an audit record without
// planner depending on the audit package directly.
func (p *Planner) OnCommit(fn func(event string, fields map[string]interface{})) {
	p.audit = fn
}

// Plan synthesizes, persists, and returns a ServiceType for an unknown
// name. If another goroutine is already planning the same name, Plan
// waits up to inProgressWaitBudget for it to finish and re-resolves
// instead of planning twice.
func (p *Planner) Plan(ctx context.Context, serviceType string) (*model.ServiceType, error) {
	if !p.cfg.Enabled {
		return nil, model.NewError(model.CategoryUnknownServiceType, fmt.Sprintf("unknown service type %q and auto-allocation is disabled", serviceType))
	}

	p.mu.Lock()
	if done, ok := p.inProgress[serviceType]; ok {
		p.mu.Unlock()
		return p.waitThenResolve(ctx, serviceType, done)
	}
	done := make(chan struct{})
	p.inProgress[serviceType] = done
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.inProgress, serviceType)
		p.mu.Unlock()
		close(done)
	}()

	// Another goroutine may have committed this exact type between our
	// caller's failed resolve and our claiming of inProgress; check again.
	if st, ok := p.reg.Resolve(serviceType); ok {
		return &st, nil
	}

	st, err := p.synthesize(serviceType)
	if err != nil {
		return nil, model.WrapError(model.CategoryPlannerFailed, "failed to synthesize a range for "+serviceType, err)
	}

	if err := p.commit(st); err != nil {
		return nil, model.WrapError(model.CategoryPlannerFailed, "failed to persist new service type "+serviceType, err)
	}

	if p.audit != nil {
		p.audit("auto_allocate_range", map[string]interface{}{
			"service_type": serviceType,
			"range_low": st.RangeLow,
			"range_high": st.RangeHigh,
		})
	}

	return st, nil
}

func (p *Planner) waitThenResolve(ctx context.Context, serviceType string, done <-chan struct{}) (*model.ServiceType, error) {
	waitCtx, cancel := context.WithTimeout(ctx, inProgressWaitBudget)
	defer cancel()

	select {
	case <-done:
	case <-waitCtx.Done():
		return nil, model.NewError(model.CategoryPlannerFailed, "timed out waiting for a concurrent plan of "+serviceType)
	}

	st, ok := p.reg.Resolve(serviceType)
	if !ok {
		return nil, model.NewError(model.CategoryUnknownServiceType, "concurrent plan for "+serviceType+" did not produce a resolvable type")
	}
	return &st, nil
}

func (p *Planner) synthesize(serviceType string) (*model.ServiceType, error) {
	chunk := chunkSizeFor(serviceType, p.cfg.ChunkSize, p.cfg.ChunkRules)
	existing := p.reg.NamedRanges()

	lo, hi, err := placeRange(p.cfg.Placement, serviceType, chunk, p.cfg.GapSize, p.cfg.PreserveGaps, p.cfg.MinPort, p.cfg.MaxPort, existing)
	if err != nil {
		return nil, err
	}

	return &model.ServiceType{
		Name: serviceType,
		RangeLow: lo,
		RangeHigh: hi,
		Cardinality: model.CardinalityMulti,
		AutoAllocated: true,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// commit persists st into the user config file following the same
// lock+backup+temp+self-verify+rename protocol as the Persistent Store
//, then reloads the registry so st becomes
// resolvable.
func (p *Planner) commit(st *model.ServiceType) error {
	if err := os.MkdirAll(p.backupDir, 0o700); err != nil {
		return fmt.Errorf("planner: create backup dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(p.overridePath), 0o700); err != nil {
		return fmt.Errorf("planner: create config dir: %w", err)
	}

	lockFile, err := os.OpenFile(p.overridePath, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return fmt.Errorf("planner: open config for locking: %w", err)
	}
	defer lockFile.Close()

	acquire := func() error { return flockFile(lockFile) }
	if err := backoff.Retry(acquire, backoff.WithMaxRetries(backoff.NewConstantBackOff(50*time.Millisecond), 60)); err != nil {
		return fmt.Errorf("planner: acquire config lock: %w", err)
	}
	defer func() {
		if uerr := unflockFile(lockFile); uerr != nil && p.log != nil {
			p.log.Warnw("planner: failed to release config lock", "error", uerr)
		}
	}()

	if err := p.rotateConfigBackup(); err != nil && p.log != nil {
		p.log.Warnw("planner: config backup rotation failed, continuing with commit", "error", err)
	}

	doc, err := p.readOverride()
	if err != nil {
		return fmt.Errorf("planner: read current config: %w", err)
	}
	if doc.ServiceTypes == nil {
		doc.ServiceTypes = map[string]overrideEntry{}
	}
	doc.ServiceTypes[st.Name] = overrideEntry{
		RangeLow: st.RangeLow,
		RangeHigh: st.RangeHigh,
		Cardinality: string(st.Cardinality),
		AutoAllocated: true,
		CreatedAt: st.CreatedAt.Format(time.RFC3339),
	}

	data, err := json.MarshalIndent(doc, "", " ")
	if err != nil {
		return fmt.Errorf("planner: marshal config: %w", err)
	}

	tmpPath := p.overridePath + ".tmp"
	defer os.Remove(tmpPath)
	if err := atomicwriter.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("planner: write temp config: %w", err)
	}

	reread, err := os.ReadFile(tmpPath)
	if err != nil {
		return fmt.Errorf("planner: reread temp config: %w", err)
	}
	var verify overrideDocument
	if err := json.Unmarshal(reread, &verify); err != nil {
		return fmt.Errorf("planner: self-verification reparse failed: %w", err)
	}

	if err := os.Rename(tmpPath, p.overridePath); err != nil {
		return fmt.Errorf("planner: commit config rename: %w", err)
	}

	return p.reg.Reload()
}

func (p *Planner) readOverride() (overrideDocument, error) {
	var doc overrideDocument
	data, err := os.ReadFile(p.overridePath)
	if err != nil {
		if os.IsNotExist(err) {
			return overrideDocument{ServiceTypes: map[string]overrideEntry{}}, nil
		}
		return doc, err
	}
	if len(data) == 0 {
		return overrideDocument{ServiceTypes: map[string]overrideEntry{}}, nil
	}
	clean := jsonc.ToJSON(data)
	if err := json.Unmarshal(clean, &doc); err != nil {
		return doc, err
	}
	return doc, nil
}

func (p *Planner) rotateConfigBackup() error {
	data, err := os.ReadFile(p.overridePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	name := fmt.Sprintf("config-%s.json", time.Now().UTC().Format(backupTimeLayout))
	if err := os.WriteFile(filepath.Join(p.backupDir, name), data, 0o600); err != nil {
		return err
	}
	return pruneConfigBackups(p.backupDir, p.cfg.BackupCap)
}

const backupTimeLayout = "20060102T150405.000000000Z0700"

func pruneConfigBackups(backupDir string, cap int) error {
	entries, err := os.ReadDir(backupDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	if len(names) <= cap {
		return nil
	}
	// Filenames embed a sortable timestamp, so lexical sort is chronological.
	sort.Strings(names)
	for _, name := range names[:len(names)-cap] {
		_ = os.Remove(filepath.Join(backupDir, name))
	}
	return nil
}
