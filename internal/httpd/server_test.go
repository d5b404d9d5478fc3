package httpd

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mateoortiz/portguardd/internal/model"
)

type fakeEngine struct {
	grants     map[int]model.Grant
	allocateFn func(req *model.AllocateRequest) (*model.AllocateResult, error)
	releaseFn  func(lockID string) (int, error)
}

func newFakeEngine() *fakeEngine { return &fakeEngine{grants: make(map[int]model.Grant)} }

func (e *fakeEngine) Allocate(ctx context.Context, req *model.AllocateRequest) (*model.AllocateResult, error) {
	if e.allocateFn != nil {
		return e.allocateFn(req)
	}
	return &model.AllocateResult{Success: true, Port: 3000, LockID: "L1"}, nil
}

func (e *fakeEngine) Release(lockID string) (int, error) {
	if e.releaseFn != nil {
		return e.releaseFn(lockID)
	}
	return 3000, nil
}

func (e *fakeEngine) Grants() []model.Grant {
	out := make([]model.Grant, 0, len(e.grants))
	for _, g := range e.grants {
		out = append(out, g)
	}
	return out
}

func (e *fakeEngine) GrantByPort(port int) (model.Grant, bool) {
	g, ok := e.grants[port]
	return g, ok
}

func (e *fakeEngine) RegisterInstance(instanceID, projectPath string, metadata map[string]interface{}) {
}

func (e *fakeEngine) Heartbeat(instanceID string) (time.Time, error) {
	if instanceID == "unknown" {
		return time.Time{}, model.NewError(model.CategoryInvalidInput, "unknown instance_id")
	}
	return time.Now(), nil
}

type fakeRegistry struct {
	types map[string]model.ServiceType
}

func (r *fakeRegistry) All() []model.ServiceType {
	out := make([]model.ServiceType, 0, len(r.types))
	for _, t := range r.types {
		out = append(out, t)
	}
	return out
}

func (r *fakeRegistry) Resolve(serviceType string) (model.ServiceType, bool) {
	st, ok := r.types[serviceType]
	return st, ok
}

type fakeReconciler struct {
	cleanCount  int
	observation map[int]model.Observation
	suggestions []int
}

func (r *fakeReconciler) ForceCleanup(ctx context.Context) (int, error) { return r.cleanCount, nil }

func (r *fakeReconciler) Observe(port int) (model.Observation, bool) {
	o, ok := r.observation[port]
	return o, ok
}

func (r *fakeReconciler) ObserveAll() []model.Observation {
	out := make([]model.Observation, 0, len(r.observation))
	for _, o := range r.observation {
		out = append(out, o)
	}
	return out
}

func (r *fakeReconciler) Suggest(lo, hi, count int) []int { return r.suggestions }

func newTestServer(token string) (*Server, *fakeEngine, *fakeRegistry, *fakeReconciler) {
	engine := newFakeEngine()
	reg := &fakeRegistry{types: map[string]model.ServiceType{
		"dev": {Name: "dev", RangeLow: 3000, RangeHigh: 3099},
	}}
	rec := &fakeReconciler{observation: make(map[int]model.Observation)}
	s := New(engine, reg, rec, nil, token, nil)
	return s, engine, reg, rec
}

func TestServer_Allocate_Succeeds(t *testing.T) {
	s, _, _, _ := newTestServer("")
	body := bytes.NewBufferString(`{"service_type":"dev"}`)
	req := httptest.NewRequest(http.MethodPost, "/allocate", body)
	rec := httptest.NewRecorder()

	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp model.AllocateResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, 3000, resp.Port)
}

func TestServer_Allocate_RequiresBearerTokenWhenConfigured(t *testing.T) {
	s, _, _, _ := newTestServer("secret-token")
	body := bytes.NewBufferString(`{"service_type":"dev"}`)
	req := httptest.NewRequest(http.MethodPost, "/allocate", body)
	rec := httptest.NewRecorder()

	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var envelope map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, false, envelope["success"])
}

func TestServer_Allocate_SucceedsWithCorrectBearerToken(t *testing.T) {
	s, _, _, _ := newTestServer("secret-token")
	body := bytes.NewBufferString(`{"service_type":"dev"}`)
	req := httptest.NewRequest(http.MethodPost, "/allocate", body)
	req.Header.Set("Authorization", "Bearer secret-token")
	rec := httptest.NewRecorder()

	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_Allocate_SurfacesRangeExhaustedEnvelope(t *testing.T) {
	s, engine, _, _ := newTestServer("")
	engine.allocateFn = func(req *model.AllocateRequest) (*model.AllocateResult, error) {
		return nil, model.NewError(model.CategoryRangeExhausted, "no free port").
			WithContext("held_ports", []int{6006, 6007}).
			WithSuggestions("run cleanup")
	}

	body := bytes.NewBufferString(`{"service_type":"storybook"}`)
	req := httptest.NewRequest(http.MethodPost, "/allocate", body)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
	var envelope map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, "RANGE_EXHAUSTED", envelope["category"])
	assert.Contains(t, envelope, "suggestions")
	assert.Contains(t, envelope, "held_ports")
}

func TestServer_Release_Succeeds(t *testing.T) {
	s, _, _, _ := newTestServer("")
	req := httptest.NewRequest(http.MethodDelete, "/allocate/L1", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_Check_ReportsAvailableWhenUnallocated(t *testing.T) {
	s, _, _, _ := newTestServer("")
	req := httptest.NewRequest(http.MethodGet, "/check/3000", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["available"])
}

func TestServer_Config_ListsServiceTypes(t *testing.T) {
	s, _, _, _ := newTestServer("")
	req := httptest.NewRequest(http.MethodGet, "/config", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	types, ok := body["service_types"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, types, "dev")
}

func TestServer_Suggest_UnknownServiceTypeReturns404(t *testing.T) {
	s, _, _, _ := newTestServer("")
	req := httptest.NewRequest(http.MethodGet, "/suggest/mystery", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_Suggest_ReturnsReconcilerResult(t *testing.T) {
	s, _, _, rec2 := newTestServer("")
	rec2.suggestions = []int{3001, 3002}

	req := httptest.NewRequest(http.MethodGet, "/suggest/dev?count=2", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, float64(2), body["count"])
}

func TestServer_InstanceHeartbeat_UnknownInstanceFails(t *testing.T) {
	s, _, _, _ := newTestServer("")
	req := httptest.NewRequest(http.MethodPut, "/instance/unknown/heartbeat", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_Health_AlwaysOK(t *testing.T) {
	s, _, _, _ := newTestServer("")
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_Cleanup_ReturnsClean(t *testing.T) {
	s, _, _, rec2 := newTestServer("")
	rec2.cleanCount = 3

	req := httptest.NewRequest(http.MethodPost, "/cleanup", bytes.NewBufferString(`{}`))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, float64(3), body["cleaned"])
}
