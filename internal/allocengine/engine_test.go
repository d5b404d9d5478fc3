package allocengine

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mateoortiz/portguardd/internal/model"
)

// fakeRegistry is a minimal in-memory Resolver for engine tests.
type fakeRegistry struct {
	mu    sync.Mutex
	types map[string]model.ServiceType
}

func newFakeRegistry(types ...model.ServiceType) *fakeRegistry {
	r := &fakeRegistry{types: make(map[string]model.ServiceType)}
	for _, t := range types {
		r.types[t.Name] = t
	}
	return r
}

func (r *fakeRegistry) Resolve(serviceType string) (model.ServiceType, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.types[serviceType]
	return st, ok
}

func (r *fakeRegistry) InManagedRange(port int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, st := range r.types {
		if st.InRange(port) {
			return true
		}
	}
	return false
}

// fakeProber always reports ports as free unless explicitly marked bound.
type fakeProber struct {
	mu    sync.Mutex
	bound map[int]bool
}

func newFakeProber() *fakeProber { return &fakeProber{bound: make(map[int]bool)} }

func (p *fakeProber) IsBound(port int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bound[port]
}

func (p *fakeProber) setBound(port int, bound bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bound[port] = bound
}

// fakePersister records every Save call.
type fakePersister struct {
	mu    sync.Mutex
	saves []*model.StateDocument
}

func (p *fakePersister) Save(doc *model.StateDocument) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.saves = append(p.saves, doc)
	return nil
}

func (p *fakePersister) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.saves)
}

func devType() model.ServiceType {
	return model.ServiceType{Name: "dev", RangeLow: 3000, RangeHigh: 3010, Cardinality: model.CardinalityMulti}
}

func aiType() model.ServiceType {
	return model.ServiceType{Name: "ai", RangeLow: 11400, RangeHigh: 11499, Cardinality: model.CardinalitySingle}
}

func newTestEngine(t *testing.T, types ...model.ServiceType) (*Engine, *fakeProber, *fakePersister) {
	t.Helper()
	reg := newFakeRegistry(types...)
	prober := newFakeProber()
	persister := &fakePersister{}
	e := New(Config{DaemonPID: 999}, reg, nil, prober, persister, nil)
	t.Cleanup(func() { _ = e.Close() })
	return e, prober, persister
}

func TestEngine_Allocate_HappyPathThenRelease(t *testing.T) {
	e, _, _ := newTestEngine(t, devType())

	result, err := e.Allocate(context.Background(), &model.AllocateRequest{ServiceType: "dev"})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 3000, result.Port)
	assert.NotEmpty(t, result.LockID)

	assert.Len(t, e.Grants(), 1)

	port, err := e.Release(result.LockID)
	require.NoError(t, err)
	assert.Equal(t, 3000, port)
	assert.Empty(t, e.Grants())
}

func TestEngine_Allocate_PreferredPortHonoredWhenFree(t *testing.T) {
	e, _, _ := newTestEngine(t, devType())

	result, err := e.Allocate(context.Background(), &model.AllocateRequest{ServiceType: "dev", PreferredPort: 3005})
	require.NoError(t, err)
	assert.Equal(t, 3005, result.Port)
}

func TestEngine_Allocate_SingletonReuse(t *testing.T) {
	e, _, _ := newTestEngine(t, aiType())

	first, err := e.Allocate(context.Background(), &model.AllocateRequest{ServiceType: "ai", InstanceID: "a"})
	require.NoError(t, err)
	assert.False(t, first.Existing)

	second, err := e.Allocate(context.Background(), &model.AllocateRequest{ServiceType: "ai", InstanceID: "b"})
	require.NoError(t, err)
	assert.True(t, second.Existing)
	assert.Equal(t, first.Port, second.Port)
	assert.Equal(t, first.LockID, second.LockID)

	assert.Len(t, e.Grants(), 1)
}

func TestEngine_Allocate_RangeExhaustion(t *testing.T) {
	st := model.ServiceType{Name: "storybook", RangeLow: 6006, RangeHigh: 6010, Cardinality: model.CardinalityMulti}
	e, _, _ := newTestEngine(t, st)

	for i := 0; i < 5; i++ {
		_, err := e.Allocate(context.Background(), &model.AllocateRequest{ServiceType: "storybook", InstanceID: "x"})
		require.NoError(t, err)
	}

	_, err := e.Allocate(context.Background(), &model.AllocateRequest{ServiceType: "storybook", InstanceID: "x"})
	require.Error(t, err)

	var modelErr *model.Error
	require.ErrorAs(t, err, &modelErr)
	assert.Equal(t, model.CategoryRangeExhausted, modelErr.Category)
	held, ok := modelErr.Context["held_ports"].([]int)
	require.True(t, ok)
	assert.ElementsMatch(t, []int{6006, 6007, 6008, 6009, 6010}, held)
}

func TestEngine_Allocate_UnknownServiceTypeWithNoPlannerFails(t *testing.T) {
	e, _, _ := newTestEngine(t)

	_, err := e.Allocate(context.Background(), &model.AllocateRequest{ServiceType: "mystery"})
	require.Error(t, err)
	var modelErr *model.Error
	require.ErrorAs(t, err, &modelErr)
	assert.Equal(t, model.CategoryUnknownServiceType, modelErr.Category)
}

func TestEngine_Allocate_DryRunDoesNotMutateState(t *testing.T) {
	e, _, _ := newTestEngine(t, devType())

	result, err := e.Allocate(context.Background(), &model.AllocateRequest{ServiceType: "dev", DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, 3000, result.Port)
	assert.Empty(t, result.LockID)
	assert.Empty(t, e.Grants())
}

func TestEngine_Allocate_PortConflictWhenProbeReportsBound(t *testing.T) {
	st := model.ServiceType{Name: "wild", RangeLow: 40001, RangeHigh: 40002, Cardinality: model.CardinalityMulti}
	e, prober, _ := newTestEngine(t, st)
	prober.setBound(40000, true)

	result, err := e.Allocate(context.Background(), &model.AllocateRequest{ServiceType: "wild", PreferredPort: 40000})
	require.NoError(t, err)
	assert.Equal(t, 40001, result.Port, "40000 is outside any managed range and reported bound by the probe, so it must be skipped")
}

func TestEngine_Release_UnknownLockIDFails(t *testing.T) {
	e, _, _ := newTestEngine(t, devType())
	_, err := e.Release("nonexistent-lock-id")
	require.Error(t, err)
	var modelErr *model.Error
	require.ErrorAs(t, err, &modelErr)
	assert.Equal(t, model.CategoryUnknownLockID, modelErr.Category)
}

func TestEngine_ConcurrentAllocate_NoDoubleCommit(t *testing.T) {
	st := model.ServiceType{Name: "burst", RangeLow: 50000, RangeHigh: 50019, Cardinality: model.CardinalityMulti}
	e, _, _ := newTestEngine(t, st)

	const n = 20
	var wg sync.WaitGroup
	results := make([]*model.AllocateResult, n)
	errs := make([]error, n)
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			r, err := e.Allocate(context.Background(), &model.AllocateRequest{ServiceType: "burst", InstanceID: "w"})
			results[i] = r
			errs[i] = err
		}()
	}
	wg.Wait()

	seenPorts := make(map[int]bool)
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		require.NotNil(t, results[i])
		assert.False(t, seenPorts[results[i].Port], "port %d committed twice", results[i].Port)
		seenPorts[results[i].Port] = true
	}
	assert.Len(t, seenPorts, n)
	assert.Len(t, e.Grants(), n)
}

func TestEngine_Release_RestoresStatePrecedingAllocate(t *testing.T) {
	e, _, _ := newTestEngine(t, devType())

	before := e.Grants()
	result, err := e.Allocate(context.Background(), &model.AllocateRequest{ServiceType: "dev"})
	require.NoError(t, err)

	_, err = e.Release(result.LockID)
	require.NoError(t, err)

	after := e.Grants()
	assert.Equal(t, before, after)
}

func TestEngine_Allocate_TriggersAsyncSave(t *testing.T) {
	e, _, persister := newTestEngine(t, devType())
	_, err := e.Allocate(context.Background(), &model.AllocateRequest{ServiceType: "dev"})
	require.NoError(t, err)

	require.NoError(t, e.Close())
	assert.Greater(t, persister.count(), 0)
}

func TestEngine_LoadFromDocument_HydratesTables(t *testing.T) {
	e, _, _ := newTestEngine(t, devType())
	doc := &model.StateDocument{
		Grants:     []model.Grant{{Port: 3000, LockID: "L1", ServiceType: "dev"}},
		Instances:  []model.Instance{},
		Singletons: []model.SingletonClaim{},
	}
	e.LoadFromDocument(doc)

	g, ok := e.GrantByPort(3000)
	require.True(t, ok)
	assert.Equal(t, "L1", g.LockID)

	_, err := e.Release("L1")
	require.NoError(t, err)
}
