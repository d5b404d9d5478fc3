package allocengine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mateoortiz/portguardd/internal/model"
)

// attemptOutcome names why a single candidate port did not commit,
// purely for logging/debugging — it never crosses the package boundary.
type attemptOutcome string

const (
	outcomeAllocated attemptOutcome = "ALLOCATED"
	outcomeInProgress attemptOutcome = "IN_PROGRESS"
	outcomeConflict attemptOutcome = "PORT_CONFLICT"
	outcomeCommitted attemptOutcome = "COMMITTED"
)

// Resolver is the subset of *registry.Registry the engine depends on.
type Resolver interface {
	Resolve(serviceType string) (model.ServiceType, bool)
	InManagedRange(port int) bool
}

// RangePlanner is the subset of *planner.Planner the engine depends on.
// It is optional: a nil RangePlanner means auto-allocation is off at the
// engine's doorstep even if a registry entry for it exists elsewhere.
type RangePlanner interface {
	Plan(ctx context.Context, serviceType string) (*model.ServiceType, error)
}

// Prober is the subset of *probe.Prober the engine depends on.
type Prober interface {
	IsBound(port int) bool
}

// Persister is called with a full snapshot whenever the engine's state
// changes; implementations (internal/store.Store) are expected to queue
// and serialize their own writes.
type Persister interface {
	Save(doc *model.StateDocument) error
}

// Config holds the engine's behavioral toggles.
type Config struct {
	// StrictMode, when true, always consults the Port Probe even for
	// ports inside a managed range.
	StrictMode bool
	// DaemonPID fills owner_pid when a request supplies none.
	DaemonPID int
}

// Engine is the Allocation Engine: the sole owner of the
// grant table, singleton table, and in-flight reservation set.
type Engine struct {
	cfg Config
	reg Resolver
	pln RangePlanner
	prb Prober
	log *zap.SugaredLogger

	mu sync.Mutex
	grants map[int]model.Grant // port -> grant
	byLockID map[string]int // lock_id -> port
	singletons map[string]model.SingletonClaim // service_type -> claim
	inFlight map[int]struct{}
	instances map[string]model.Instance // instance_id -> instance

	persister Persister
	saveCh chan struct{}
	saveDone chan struct{}
}

// New creates an Engine. persister may be nil in tests that do not care
// about persistence; reg and prb must not be nil. pln may be nil,
// meaning auto-allocation is unavailable regardless of config.
func New(cfg Config, reg Resolver, pln RangePlanner, prb Prober, persister Persister, log *zap.SugaredLogger) *Engine {
	e := &Engine{
		cfg: cfg,
		reg: reg,
		pln: pln,
		prb: prb,
		log: log,
		grants: make(map[int]model.Grant),
		byLockID: make(map[string]int),
		singletons: make(map[string]model.SingletonClaim),
		inFlight: make(map[int]struct{}),
		instances: make(map[string]model.Instance),
		persister: persister,
		saveCh: make(chan struct{}, 1),
		saveDone: make(chan struct{}),
	}
	if persister != nil {
		go e.saveLoop()
	} else {
		close(e.saveDone)
	}
	return e
}

// saveLoop is the single writer that serializes persistence: a
// non-blocking, coalescing queue of depth 1. Dropping a redundant
// trigger never loses data because each save snapshots the *current*
// full state, not a delta — the next successful save always includes
// whatever the dropped trigger would have captured.
func (e *Engine) saveLoop() {
	defer close(e.saveDone)
	for range e.saveCh {
		doc := e.Snapshot()
		if err := e.persister.Save(doc); err != nil && e.log != nil {
			e.log.Errorw("allocengine: persistence save failed, in-memory grant remains authoritative", "error", err)
		}
	}
}

func (e *Engine) triggerSave() {
	if e.persister == nil {
		return
	}
	select {
	case e.saveCh <- struct{}{}:
	default:
	}
}

// Close stops accepting new save triggers and waits for the in-flight
// one (if any) to finish, then performs one final synchronous save.
// Calling it again only repeats the final save.
func (e *Engine) Close() error {
	select {
	case <-e.saveDone:
	default:
		close(e.saveCh)
		<-e.saveDone
	}
	if e.persister == nil {
		return nil
	}
	return e.persister.Save(e.Snapshot())
}

// Allocate resolves req's service type, builds a candidate list, and
// atomically commits the first available port.
func (e *Engine) Allocate(ctx context.Context, req *model.AllocateRequest) (*model.AllocateResult, error) {
	if err := req.Normalize(e.cfg.DaemonPID); err != nil {
		return nil, err
	}

	st, autoAllocated, err := e.resolveOrPlan(ctx, req.ServiceType)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if st.Cardinality == model.CardinalitySingle {
		if claim, ok := e.singletons[st.Name]; ok {
			return &model.AllocateResult{
				Success: true,
				Port: claim.Port,
				LockID: claim.LockID,
				Message: "existing singleton claim reused",
				Existing: true,
			}, nil
		}
	}

	candidates := buildCandidates(req.PreferredPort, st)

	if req.DryRun {
		for _, port := range candidates {
			if _, held := e.grants[port]; held {
				continue
			}
			if _, reserved := e.inFlight[port]; reserved {
				continue
			}
			return &model.AllocateResult{
				Success: true,
				Port: port,
				Message: "dry run: port is available",
			}, nil
		}
		return nil, e.rangeExhaustedError(st)
	}

	for _, port := range candidates {
		grant, outcome := e.tryAtomic(port, req, st)
		if outcome != outcomeCommitted {
			continue
		}
		e.triggerSave()
		result := &model.AllocateResult{
			Success: true,
			Port: grant.Port,
			LockID: grant.LockID,
			Message: "allocated",
		}
		if autoAllocated {
			result.AutoAllocated = true
			result.AllocatedRange = []int{st.RangeLow, st.RangeHigh}
		}
		return result, nil
	}

	return nil, e.rangeExhaustedError(st)
}

// resolveOrPlan resolves serviceType, invoking the planner when it is
// unknown and auto-allocation is wired in. The bool return reports
// whether this call triggered a fresh auto-allocation (used only to
// shape the response's allocated_range fields).
func (e *Engine) resolveOrPlan(ctx context.Context, serviceType string) (model.ServiceType, bool, error) {
	if st, ok := e.reg.Resolve(serviceType); ok {
		return st, false, nil
	}

	if e.pln == nil {
		return model.ServiceType{}, false, model.NewError(
			model.CategoryUnknownServiceType,
			fmt.Sprintf("unknown service type %q", serviceType),
		).WithSuggestions("enable auto-allocation, or add it to config.json")
	}

	if _, err := e.pln.Plan(ctx, serviceType); err != nil {
		return model.ServiceType{}, false, err
	}

	st, ok := e.reg.Resolve(serviceType)
	if !ok {
		return model.ServiceType{}, false, model.NewError(
			model.CategoryUnknownServiceType,
			fmt.Sprintf("service type %q still unresolvable after planning", serviceType),
		)
	}
	return st, true, nil
}

// tryAtomic executes one candidate-port attempt: check the grant table,
// then (for unmanaged ports or in strict mode) probe the OS, then
// commit. Caller must hold e.mu for the entire call — the probe's
// internal timeout bounds the worst-case hold time, deliberately, since
// this keeps the reservation-then-verify step atomic.
func (e *Engine) tryAtomic(port int, req *model.AllocateRequest, st model.ServiceType) (model.Grant, attemptOutcome) {
	if _, ok := e.grants[port]; ok {
		return model.Grant{}, outcomeAllocated
	}
	if _, ok := e.inFlight[port]; ok {
		return model.Grant{}, outcomeInProgress
	}

	e.inFlight[port] = struct{}{}
	defer delete(e.inFlight, port)

	if _, ok := e.grants[port]; ok {
		return model.Grant{}, outcomeAllocated
	}

	managed := e.reg.InManagedRange(port)
	if e.cfg.StrictMode || !managed {
		if e.prb != nil && e.prb.IsBound(port) {
			return model.Grant{}, outcomeConflict
		}
	}

	grant := model.Grant{
		Port: port,
		LockID: uuid.NewString(),
		ServiceType: st.Name,
		ServiceName: req.ServiceName,
		InstanceID: req.InstanceID,
		ProjectPath: req.ProjectPath,
		OwnerPID: req.OwnerPID,
		AllocatedAt: time.Now().UTC(),
		UserAgent: req.UserAgent,
		RemoteIP: req.RemoteIP,
	}
	e.grants[port] = grant
	e.byLockID[grant.LockID] = port
	if st.Cardinality == model.CardinalitySingle {
		e.singletons[st.Name] = model.SingletonClaim{
			ServiceType: st.Name,
			Port: port,
			LockID: grant.LockID,
			InstanceID: req.InstanceID,
			OwnerPID: req.OwnerPID,
			AllocatedAt: grant.AllocatedAt,
		}
	}
	return grant, outcomeCommitted
}

// Release implements release protocol.
func (e *Engine) Release(lockID string) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	port, ok := e.byLockID[lockID]
	if !ok {
		return 0, model.NewError(model.CategoryUnknownLockID, "no grant with lock_id "+lockID)
	}
	grant := e.grants[port]
	delete(e.grants, port)
	delete(e.byLockID, lockID)
	if claim, ok := e.singletons[grant.ServiceType]; ok && claim.LockID == lockID {
		delete(e.singletons, grant.ServiceType)
	}

	e.triggerSave()
	return port, nil
}

// ReleaseByPort is a convenience used by the Reconciliation Loop, which
// discovers staleness by port/grant rather than by lock_id.
func (e *Engine) ReleaseByPort(port int) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	grant, ok := e.grants[port]
	if !ok {
		return "", false
	}
	delete(e.grants, port)
	delete(e.byLockID, grant.LockID)
	if claim, ok := e.singletons[grant.ServiceType]; ok && claim.LockID == grant.LockID {
		delete(e.singletons, grant.ServiceType)
	}
	e.triggerSave()
	return grant.LockID, true
}

// Grants returns a snapshot copy of every current grant, for /allocations.
func (e *Engine) Grants() []model.Grant {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]model.Grant, 0, len(e.grants))
	for _, g := range e.grants {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out
}

// GrantByPort reports the grant (if any) holding port, for /check/:port.
func (e *Engine) GrantByPort(port int) (model.Grant, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.grants[port]
	return g, ok
}

// Snapshot builds the full persisted document from current state, the
// shape internal/store.Store writes to disk.
func (e *Engine) Snapshot() *model.StateDocument {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Engine) snapshotLocked() *model.StateDocument {
	grants := make([]model.Grant, 0, len(e.grants))
	for _, g := range e.grants {
		grants = append(grants, g)
	}
	singletons := make([]model.SingletonClaim, 0, len(e.singletons))
	for _, s := range e.singletons {
		singletons = append(singletons, s)
	}
	instances := make([]model.Instance, 0, len(e.instances))
	for _, i := range e.instances {
		instances = append(instances, i)
	}
	return &model.StateDocument{Grants: grants, Singletons: singletons, Instances: instances, SavedAt: time.Now().UTC()}
}

// LoadFromDocument hydrates the engine's in-memory tables directly from
// a previously-persisted document, bypassing the allocate protocol —
// used once, by the Reconciliation Loop's startup recovery.
func (e *Engine) LoadFromDocument(doc *model.StateDocument) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.grants = make(map[int]model.Grant, len(doc.Grants))
	e.byLockID = make(map[string]int, len(doc.Grants))
	for _, g := range doc.Grants {
		e.grants[g.Port] = g
		e.byLockID[g.LockID] = g.Port
	}
	e.singletons = make(map[string]model.SingletonClaim, len(doc.Singletons))
	for _, s := range doc.Singletons {
		e.singletons[s.ServiceType] = s
	}
	e.instances = make(map[string]model.Instance, len(doc.Instances))
	for _, i := range doc.Instances {
		e.instances[i.InstanceID] = i
	}
}

func (e *Engine) rangeExhaustedError(st model.ServiceType) error {
	held := e.heldPortsInRangeLocked(st.RangeLow, st.RangeHigh)
	return model.NewError(
		model.CategoryRangeExhausted,
		fmt.Sprintf("no free port in range [%d,%d] for service type %q", st.RangeLow, st.RangeHigh, st.Name),
	).WithContext("service_type", st.Name).
		WithContext("range", [2]int{st.RangeLow, st.RangeHigh}).
		WithContext("held_ports", held).
		WithSuggestions("run cleanup", "try a different preferred port")
}

func (e *Engine) heldPortsInRangeLocked(lo, hi int) []int {
	var held []int
	for port := range e.grants {
		if port >= lo && port <= hi {
			held = append(held, port)
		}
	}
	sort.Ints(held)
	return held
}

// buildCandidates constructs the ordered, de-duplicated candidate list
// step 4: preferred_port first, then the service type's
// configured preferred ports, then the full range ascending.
func buildCandidates(preferredPort int, st model.ServiceType) []int {
	seen := make(map[int]bool)
	var out []int

	add := func(port int) {
		if port == 0 || seen[port] {
			return
		}
		seen[port] = true
		out = append(out, port)
	}

	add(preferredPort)
	for _, p := range st.PreferredPorts {
		add(p)
	}
	for p := st.RangeLow; p <= st.RangeHigh; p++ {
		add(p)
	}
	return out
}

// RegisterInstance records or updates an Instance, observational only.
func (e *Engine) RegisterInstance(instanceID, projectPath string, metadata map[string]interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := time.Now().UTC()
	e.instances[instanceID] = model.Instance{
		InstanceID: instanceID,
		ProjectPath: projectPath,
		Metadata: metadata,
		RegisteredAt: now,
		LastHeartbeat: now,
	}
	e.triggerSave()
}

// Heartbeat touches an existing instance's last_heartbeat.
func (e *Engine) Heartbeat(instanceID string) (time.Time, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	inst, ok := e.instances[instanceID]
	if !ok {
		return time.Time{}, model.NewError(model.CategoryInvalidInput, "unknown instance_id "+instanceID)
	}
	inst.LastHeartbeat = time.Now().UTC()
	e.instances[instanceID] = inst
	e.triggerSave()
	return inst.LastHeartbeat, nil
}
