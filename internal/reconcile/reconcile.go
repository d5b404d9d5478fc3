package reconcile

import (
	"context"
	"os"
	"sort"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/mateoortiz/portguardd/internal/model"
)

// Engine is the subset of *allocengine.Engine the loop depends on. It
// never mutates the grant table directly — every corrective action goes
// through ReleaseByPort, so the grant table has exactly one writer.
type Engine interface {
	Grants() []model.Grant
	GrantByPort(port int) (model.Grant, bool)
	ReleaseByPort(port int) (string, bool)
	LoadFromDocument(doc *model.StateDocument)
	Snapshot() *model.StateDocument
}

// Resolver is the subset of *registry.Registry the loop depends on, used
// during startup recovery to find single-cardinality service types.
type Resolver interface {
	Resolve(serviceType string) (model.ServiceType, bool)
}

// Prober is the subset of *probe.Prober the loop depends on.
type Prober interface {
	IsBound(port int) bool
	Describe(ctx context.Context, port int) *model.Observation
	Scan(ctx context.Context) []model.Observation
}

// Store is the subset of *store.Store the loop depends on, used once at
// startup to recover the persisted state document.
type Store interface {
	Load() (*model.StateDocument, bool, error)
}

// Config holds the loop's tunables.
type Config struct {
	SweepInterval time.Duration
	StaleAge time.Duration
	ScanInterval time.Duration
	HealthEnabled bool
	HealthInterval time.Duration
	MaxFailures int
}

// DefaultConfig returns the loop's built-in default tunables.
func DefaultConfig() Config {
	return Config{
		SweepInterval: 10 * time.Second,
		StaleAge: 30 * time.Minute,
		ScanInterval: 10 * time.Second,
		HealthEnabled: false,
		HealthInterval: 10 * time.Second,
		MaxFailures: 3,
	}
}

// Loop is the Reconciliation Loop.
type Loop struct {
	cfg Config
	engine Engine
	reg Resolver
	prober Prober
	store Store
	log *zap.SugaredLogger
	audit func(event string, fields map[string]interface{})

	obsMu sync.RWMutex
	obs map[int]model.Observation

	failMu sync.Mutex
	failures map[int]int
}

// New creates a Loop. store may be nil if startup recovery is not
// wanted (e.g. in tests that hydrate the engine some other way).
func New(cfg Config, engine Engine, reg Resolver, prober Prober, store Store, log *zap.SugaredLogger) *Loop {
	return &Loop{
		cfg: cfg,
		engine: engine,
		reg: reg,
		prober: prober,
		store: store,
		log: log,
		obs: make(map[int]model.Observation),
		failures: make(map[int]int),
	}
}

// OnAudit registers a callback invoked for every corrective release the
// loop performs, matching the planner's OnCommit callback shape so both
// components can share one audit sink.
func (l *Loop) OnAudit(fn func(event string, fields map[string]interface{})) {
	l.audit = fn
}

func (l *Loop) emit(event string, fields map[string]interface{}) {
	if l.audit != nil {
		l.audit(event, fields)
	}
}

// StartupRecovery runs once, before the daemon accepts its first
// request.
func (l *Loop) StartupRecovery(ctx context.Context) error {
	if l.store == nil {
		return nil
	}

	doc, recovered, err := l.store.Load()
	if err != nil {
		return err
	}
	if recovered && l.log != nil {
		l.log.Warnw("reconcile: state recovered from backup or reset to empty at startup")
	}

	doc.Grants = dropMalformedGrants(doc.Grants, l.log)
	doc = singletonIntegrity(doc, l.reg, l.log)

	l.engine.LoadFromDocument(doc)

	n, err := l.sweepOnce(ctx)
	if err != nil && l.log != nil {
		l.log.Warnw("reconcile: startup cleanup pass failed", "error", err)
	}
	if l.log != nil && n > 0 {
		l.log.Infow("reconcile: startup cleanup released stale grants", "count", n)
	}
	return nil
}

// dropMalformedGrants removes grants missing required fields, logging a
// warning for each.
func dropMalformedGrants(grants []model.Grant, log *zap.SugaredLogger) []model.Grant {
	out := grants[:0:0]
	for _, g := range grants {
		if g.Port == 0 || g.LockID == "" || g.ServiceType == "" {
			if log != nil {
				log.Warnw("reconcile: dropping malformed grant", "port", g.Port, "lock_id", g.LockID)
			}
			continue
		}
		out = append(out, g)
	}
	return out
}

// singletonIntegrity keeps only the most-recent grant, by allocated_at,
// for every single-cardinality service type.
func singletonIntegrity(doc *model.StateDocument, reg Resolver, log *zap.SugaredLogger) *model.StateDocument {
	if reg == nil {
		return doc
	}
	byType := make(map[string][]model.Grant)
	for _, g := range doc.Grants {
		byType[g.ServiceType] = append(byType[g.ServiceType], g)
	}

	keep := make(map[int]bool, len(doc.Grants))
	for _, g := range doc.Grants {
		keep[g.Port] = true
	}

	for serviceType, grants := range byType {
		if len(grants) < 2 {
			continue
		}
		st, ok := reg.Resolve(serviceType)
		if !ok || st.Cardinality != model.CardinalitySingle {
			continue
		}
		sort.Slice(grants, func(i, j int) bool { return grants[i].AllocatedAt.After(grants[j].AllocatedAt) })
		for _, stale := range grants[1:] {
			keep[stale.Port] = false
			if log != nil {
				log.Warnw("reconcile: dropping duplicate singleton grant", "service_type", serviceType, "port", stale.Port)
			}
		}
	}

	out := doc.Grants[:0:0]
	for _, g := range doc.Grants {
		if keep[g.Port] {
			out = append(out, g)
		}
	}
	doc.Grants = out
	return doc
}

// Run starts the sweep, scan, and (if enabled) health-monitor timers; it
// blocks until ctx is cancelled, then stops all timers cleanly.
func (l *Loop) Run(ctx context.Context) {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		l.runTicker(ctx, l.cfg.SweepInterval, func() {
			if _, err := l.sweepOnce(ctx); err != nil && l.log != nil {
				l.log.Errorw("reconcile: sweep failed", "error", err)
			}
		})
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		l.runTicker(ctx, l.cfg.ScanInterval, func() {
			l.scanOnce(ctx)
		})
	}()

	if l.cfg.HealthEnabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.runTicker(ctx, l.cfg.HealthInterval, func() {
				if err := l.healthOnce(ctx); err != nil && l.log != nil {
					l.log.Errorw("reconcile: health monitor tick failed", "error", err)
				}
			})
		}()
	}

	wg.Wait()
}

func (l *Loop) runTicker(ctx context.Context, interval time.Duration, tick func()) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick()
		}
	}
}

// sweepOnce walks the grant table once, releasing every stale grant it
// finds. It never halts on a single grant's probe failure; the next
// tick tries again.
func (l *Loop) sweepOnce(ctx context.Context) (int, error) {
	cleaned := 0
	for _, g := range l.engine.Grants() {
		stale, reason := l.isStale(ctx, g)
		if !stale {
			continue
		}
		if _, ok := l.engine.ReleaseByPort(g.Port); ok {
			cleaned++
			l.emit("stale_release", map[string]interface{}{
				"port": g.Port,
				"lock_id": g.LockID,
				"service_type": g.ServiceType,
				"reason": reason,
			})
		}
	}
	return cleaned, nil
}

func (l *Loop) isStale(ctx context.Context, g model.Grant) (bool, string) {
	if time.Since(g.AllocatedAt) > l.cfg.StaleAge {
		return true, "age"
	}
	if g.OwnerPID != 0 && !processAlive(g.OwnerPID) {
		return true, "pid_dead"
	}
	if obs := l.prober.Describe(ctx, g.Port); obs != nil && obs.OwnerPID != 0 && g.OwnerPID != 0 && obs.OwnerPID != g.OwnerPID {
		return true, "port_drift"
	}
	return false, ""
}

// processAlive sends signal 0 to pid: ESRCH (which the os package
// reports as os.ErrProcessDone) means dead, EPERM means alive but
// inaccessible, nil means alive.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	if err == os.ErrProcessDone || err == syscall.ESRCH {
		return false
	}
	return true
}

// healthOnce runs the same staleness protocol as sweepOnce but tolerates
// transient probe failures via a per-grant consecutive-failure counter,
// only releasing after cfg.MaxFailures consecutive misses.
func (l *Loop) healthOnce(ctx context.Context) error {
	live := make(map[int]bool)
	for _, g := range l.engine.Grants() {
		live[g.Port] = true
		stale, reason := l.isStale(ctx, g)
		if !stale {
			l.failMu.Lock()
			delete(l.failures, g.Port)
			l.failMu.Unlock()
			continue
		}

		l.failMu.Lock()
		l.failures[g.Port]++
		count := l.failures[g.Port]
		l.failMu.Unlock()

		if count < l.cfg.MaxFailures {
			continue
		}

		if _, ok := l.engine.ReleaseByPort(g.Port); ok {
			l.emit("health_release", map[string]interface{}{
				"port": g.Port,
				"lock_id": g.LockID,
				"service_type": g.ServiceType,
				"reason": reason,
				"failures": count,
			})
		}
		l.failMu.Lock()
		delete(l.failures, g.Port)
		l.failMu.Unlock()
	}

	l.failMu.Lock()
	for port := range l.failures {
		if !live[port] {
			delete(l.failures, port)
		}
	}
	l.failMu.Unlock()
	return nil
}

// ForceCleanup runs one sweep pass synchronously, for POST /cleanup.
func (l *Loop) ForceCleanup(ctx context.Context) (int, error) {
	return l.sweepOnce(ctx)
}

// scanOnce invokes the Port Probe's Scan and diffs the result against
// the current observation cache: newly-bound ports are inserted, ports
// no longer bound are removed.
func (l *Loop) scanOnce(ctx context.Context) {
	observed := l.prober.Scan(ctx)

	fresh := make(map[int]model.Observation, len(observed))
	for _, o := range observed {
		fresh[o.Port] = o
	}

	l.obsMu.Lock()
	l.obs = fresh
	l.obsMu.Unlock()
}

// Observe reports whether port is currently in the observation cache,
// for GET /observe/:port.
func (l *Loop) Observe(port int) (model.Observation, bool) {
	l.obsMu.RLock()
	defer l.obsMu.RUnlock()
	o, ok := l.obs[port]
	return o, ok
}

// ObserveAll returns every cached observation, for GET /observe/all.
func (l *Loop) ObserveAll() []model.Observation {
	l.obsMu.RLock()
	defer l.obsMu.RUnlock()
	out := make([]model.Observation, 0, len(l.obs))
	for _, o := range l.obs {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out
}

// Suggest returns the first count free ports in [rangeLow, rangeHigh]
// that are neither granted nor present in the observation cache. This
// is diagnostics-only — the allocator's own commit decision never
// consults it.
func (l *Loop) Suggest(rangeLow, rangeHigh, count int) []int {
	l.obsMu.RLock()
	defer l.obsMu.RUnlock()

	var out []int
	for port := rangeLow; port <= rangeHigh && len(out) < count; port++ {
		if _, held := l.engine.GrantByPort(port); held {
			continue
		}
		if _, seen := l.obs[port]; seen {
			continue
		}
		out = append(out, port)
	}
	return out
}
