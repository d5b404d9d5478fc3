package httpd

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/mateoortiz/portguardd/internal/model"
)

// Engine is the subset of *allocengine.Engine the transport depends on.
type Engine interface {
	Allocate(ctx context.Context, req *model.AllocateRequest) (*model.AllocateResult, error)
	Release(lockID string) (int, error)
	Grants() []model.Grant
	GrantByPort(port int) (model.Grant, bool)
	RegisterInstance(instanceID, projectPath string, metadata map[string]interface{})
	Heartbeat(instanceID string) (time.Time, error)
}

// Registry is the subset of *registry.Registry the transport depends on.
type Registry interface {
	All() []model.ServiceType
	Resolve(serviceType string) (model.ServiceType, bool)
}

// Reconciler is the subset of *reconcile.Loop the transport depends on.
type Reconciler interface {
	ForceCleanup(ctx context.Context) (int, error)
	Observe(port int) (model.Observation, bool)
	ObserveAll() []model.Observation
	Suggest(rangeLow, rangeHigh, count int) []int
}

// Auditor records mutating HTTP events. Satisfied by
// daemonlog.SanitizingRecorder wrapping an *audit.Log; may be nil, in
// which case allocate/release requests simply aren't audited.
type Auditor interface {
	Record(event string, fields map[string]interface{}) error
}

// Server wires the daemon's HTTP endpoint table onto a gorilla/mux router.
type Server struct {
	router *mux.Router
	engine Engine
	registry Registry
	reconcile Reconciler
	auditor Auditor
	token string
	log *zap.SugaredLogger
	startedAt time.Time
}

// New builds a Server with every route registered. token is the
// daemon's persisted bearer token; empty disables auth, which
// callers should only do in tests. auditor may be nil.
func New(engine Engine, registry Registry, reconcile Reconciler, auditor Auditor, token string, log *zap.SugaredLogger) *Server {
	s := &Server{
		router: mux.NewRouter(),
		engine: engine,
		registry: registry,
		reconcile: reconcile,
		auditor: auditor,
		token: token,
		log: log,
		startedAt: time.Now(),
	}
	s.routes()
	return s
}

// audit records event if s.auditor is configured. A failed audit write
// never fails the caller's request — the in-memory grant remains
// authoritative.
func (s *Server) audit(event string, fields map[string]interface{}) {
	if s.auditor == nil {
		return
	}
	if err := s.auditor.Record(event, fields); err != nil && s.log != nil {
		s.log.Warnw("portguardd: audit record failed", "event", event, "error", err)
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.router.HandleFunc("/allocate", s.auth(s.handleAllocate)).Methods(http.MethodPost)
	s.router.HandleFunc("/allocate/{lock_id}", s.auth(s.handleRelease)).Methods(http.MethodDelete)
	s.router.HandleFunc("/check/{port}", s.handleCheck).Methods(http.MethodGet)
	s.router.HandleFunc("/allocations", s.handleAllocations).Methods(http.MethodGet)
	s.router.HandleFunc("/config", s.handleConfig).Methods(http.MethodGet)
	s.router.HandleFunc("/cleanup", s.auth(s.handleCleanup)).Methods(http.MethodPost)
	s.router.HandleFunc("/instance/register", s.auth(s.handleInstanceRegister)).Methods(http.MethodPost)
	s.router.HandleFunc("/instance/{id}/heartbeat", s.auth(s.handleInstanceHeartbeat)).Methods(http.MethodPut)
	s.router.HandleFunc("/observe/{port}", s.handleObservePort).Methods(http.MethodGet)
	s.router.HandleFunc("/observe/all", s.handleObserveAll).Methods(http.MethodGet)
	s.router.HandleFunc("/suggest/{service_type}", s.handleSuggest).Methods(http.MethodGet)
	s.router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)
}

// auth wraps a handler with the bearer-token check required on every
// mutating endpoint. Comparison is constant-time to avoid a timing
// side-channel on the shared pre-shared token.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next(w, r)
			return
		}
		header := r.Header.Get("Authorization")
		supplied, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(supplied), []byte(s.token)) != 1 {
			writeError(w, model.NewError(model.CategoryInvalidInput, "missing or invalid bearer token"))
			return
		}
		next(w, r)
	}
}

func (s *Server) handleAllocate(w http.ResponseWriter, r *http.Request) {
	var req model.AllocateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, model.NewError(model.CategoryInvalidInput, "malformed request body"))
		return
	}
	req.UserAgent = r.UserAgent()
	req.RemoteIP = r.RemoteAddr

	result, err := s.engine.Allocate(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	if !req.DryRun {
		s.audit("allocate", map[string]interface{}{
			"port": result.Port,
			"lock_id": result.LockID,
			"service_type": req.ServiceType,
			"service_name": req.ServiceName,
			"instance_id": req.InstanceID,
			"owner_pid": req.OwnerPID,
			"existing": result.Existing,
			"remote_ip": req.RemoteIP,
		})
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	lockID := mux.Vars(r)["lock_id"]
	port, err := s.engine.Release(lockID)
	if err != nil {
		writeError(w, err)
		return
	}
	s.audit("release", map[string]interface{}{
		"port": port,
		"lock_id": lockID,
		"remote_ip": r.RemoteAddr,
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"port": port,
		"message": "released",
	})
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	port, err := pathInt(r, "port")
	if err != nil {
		writeError(w, model.NewError(model.CategoryInvalidInput, "port must be an integer"))
		return
	}

	resp := map[string]interface{}{"port": port}
	if grant, ok := s.engine.GrantByPort(port); ok {
		resp["available"] = false
		resp["allocated_to"] = grant
	} else if s.reconcile != nil {
		if obs, bound := s.reconcile.Observe(port); bound {
			resp["available"] = false
			resp["system_usage"] = obs
		} else {
			resp["available"] = true
		}
	} else {
		resp["available"] = true
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAllocations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"allocations": s.engine.Grants()})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	types := s.registry.All()
	serviceTypes := make(map[string]model.ServiceType, len(types))
	for _, t := range types {
		serviceTypes[t.Name] = t
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"service_types": serviceTypes})
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	if s.reconcile == nil {
		writeError(w, model.NewError(model.CategoryInternal, "reconciliation loop unavailable"))
		return
	}
	cleaned, err := s.reconcile.ForceCleanup(r.Context())
	if err != nil {
		writeError(w, model.WrapError(model.CategoryInternal, "cleanup sweep failed", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"cleaned": cleaned,
		"message": "cleanup sweep complete",
	})
}

func (s *Server) handleInstanceRegister(w http.ResponseWriter, r *http.Request) {
	var body struct {
		InstanceID string `json:"instance_id"`
		WorkingDirectory string `json:"working_directory"`
		Metadata map[string]interface{} `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.InstanceID == "" {
		writeError(w, model.NewError(model.CategoryInvalidInput, "instance_id is required"))
		return
	}
	s.engine.RegisterInstance(body.InstanceID, body.WorkingDirectory, body.Metadata)
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "instance_id": body.InstanceID})
}

func (s *Server) handleInstanceHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	last, err := s.engine.Heartbeat(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "last_heartbeat": last})
}

func (s *Server) handleObservePort(w http.ResponseWriter, r *http.Request) {
	port, err := pathInt(r, "port")
	if err != nil {
		writeError(w, model.NewError(model.CategoryInvalidInput, "port must be an integer"))
		return
	}
	if s.reconcile == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"port": port, "bound": false})
		return
	}
	obs, ok := s.reconcile.Observe(port)
	resp := map[string]interface{}{"port": port, "bound": ok}
	if ok {
		resp["observation"] = obs
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleObserveAll(w http.ResponseWriter, r *http.Request) {
	var observations []model.Observation
	if s.reconcile != nil {
		observations = s.reconcile.ObserveAll()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total": len(observations),
		"observations": observations,
		"stats": map[string]interface{}{"count": len(observations)},
	})
}

func (s *Server) handleSuggest(w http.ResponseWriter, r *http.Request) {
	serviceType := mux.Vars(r)["service_type"]
	st, ok := s.registry.Resolve(serviceType)
	if !ok {
		writeError(w, model.NewError(model.CategoryUnknownServiceType, "unknown service type "+serviceType))
		return
	}

	count := 5
	if raw := r.URL.Query().Get("count"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			count = n
		}
	}

	var suggestions []int
	if s.reconcile != nil {
		suggestions = s.reconcile.Suggest(st.RangeLow, st.RangeHigh, count)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"service_type": serviceType,
		"suggestions": suggestions,
		"count": len(suggestions),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime_seconds": time.Since(s.startedAt).Seconds(),
		"grant_count": len(s.engine.Grants()),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	grants := s.engine.Grants()
	byType := make(map[string]int)
	for _, g := range grants {
		byType[g.ServiceType]++
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"grants_total": len(grants),
		"grants_by_type": byType,
		"uptime_seconds": time.Since(s.startedAt).Seconds(),
	})
}

func pathInt(r *http.Request, key string) (int, error) {
	raw := mux.Vars(r)[key]
	return strconv.Atoi(raw)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError builds the {success:false, error, category, suggestions?}
// envelope Non-model errors are folded into CategoryInternal.
func writeError(w http.ResponseWriter, err error) {
	var modelErr *model.Error
	if !errors.As(err, &modelErr) {
		modelErr = model.WrapError(model.CategoryInternal, "internal error", err)
	}

	body := map[string]interface{}{
		"success": false,
		"error": modelErr.Message,
		"category": modelErr.Category,
	}
	if len(modelErr.Suggestions) > 0 {
		body["suggestions"] = modelErr.Suggestions
	}
	for k, v := range modelErr.Context {
		body[k] = v
	}
	writeJSON(w, modelErr.HTTPStatus(), body)
}
