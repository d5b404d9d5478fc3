package registry

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/tidwall/jsonc"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/mateoortiz/portguardd/internal/model"
)

// embeddedBaseYAML is the shipped service-type table, baked into the
// binary so the daemon never has to resolve a CWD-relative path to
// find it. It is used whenever Load/Reload is given an empty
// basePath.
//
//go:embed service-types.yaml
var embeddedBaseYAML []byte

// rawEntry is the shape of one service-type entry in either the base
// YAML document or the user JSONC override document. Both formats
// decode into the same Go struct; only the surrounding document differs.
type rawEntry struct {
	RangeLow int `yaml:"range_low" json:"range_low"`
	RangeHigh int `yaml:"range_high" json:"range_high"`
	PreferredPorts []int `yaml:"preferred_ports,omitempty" json:"preferred_ports,omitempty"`
	Cardinality string `yaml:"cardinality,omitempty" json:"cardinality,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	AutoAllocated bool `yaml:"auto_allocated,omitempty" json:"auto_allocated,omitempty"`
	CreatedAt string `yaml:"created_at,omitempty" json:"created_at,omitempty"`
}

type baseDocument struct {
	ServiceTypes map[string]rawEntry `yaml:"service_types"`
}

type overrideDocument struct {
	ServiceTypes map[string]rawEntry `json:"service_types"`
}

// Registry holds the composed, validated service-type table and knows
// how to recompose it from its two source files.
type Registry struct {
	basePath string
	overridePath string
	log *zap.SugaredLogger

	mu sync.RWMutex
	types map[string]model.ServiceType
}

// Load reads the base YAML document — the embedded default if basePath
// is empty, otherwise basePath itself, in which case a missing file is
// a hard error rather than a silently-empty registry — and, if
// present, the user JSONC override document, composes them (override
// wins by key), validates each merged entry, and returns a ready
// Registry. Malformed entries are dropped with a warning rather than
// failing the load.
func Load(basePath, overridePath string, log *zap.SugaredLogger) (*Registry, error) {
	r := &Registry{basePath: basePath, overridePath: overridePath, log: log}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload recomposes the registry from disk. It is called once at
// startup and again whenever the Auto-Range Planner commits a new
// service type, so the new entry becomes visible without a restart.
func (r *Registry) Reload() error {
	base, err := loadBase(r.basePath)
	if err != nil {
		return fmt.Errorf("registry: load base config: %w", err)
	}

	override, err := loadOverride(r.overridePath)
	if err != nil {
		return fmt.Errorf("registry: load override config: %w", err)
	}

	merged := make(map[string]rawEntry, len(base)+len(override))
	for name, entry := range base {
		merged[name] = entry
	}
	for name, entry := range override {
		merged[name] = entry
	}

	resolved := make(map[string]model.ServiceType, len(merged))
	for name, entry := range merged {
		st, err := entry.toServiceType(name)
		if err != nil {
			if r.log != nil {
				r.log.Warnw("registry: dropping malformed service type entry", "service_type", name, "error", err)
			}
			continue
		}
		resolved[name] = *st
	}

	r.mu.Lock()
	r.types = resolved
	r.mu.Unlock()
	return nil
}

// Resolve looks up a service type by name. The second return value is
// false if the name is not known to the registry.
func (r *Registry) Resolve(serviceType string) (model.ServiceType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.types[serviceType]
	return st, ok
}

// All returns every currently-known service type, for the /config
// endpoint. The returned slice is a snapshot copy, safe to range over
// without holding the registry lock.
func (r *Registry) All() []model.ServiceType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.ServiceType, 0, len(r.types))
	for _, st := range r.types {
		out = append(out, st)
	}
	return out
}

// Ranges returns every currently-known [lo, hi] range, used by the
// Auto-Range Planner to avoid colliding with existing ranges.
func (r *Registry) Ranges() [][2]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([][2]int, 0, len(r.types))
	for _, st := range r.types {
		out = append(out, [2]int{st.RangeLow, st.RangeHigh})
	}
	return out
}

// InManagedRange reports whether port falls inside any currently-known
// service-type range — the "managed range" concept of fast
// path, where a port inside it is trusted to the grant table without an
// OS probe.
func (r *Registry) InManagedRange(port int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, st := range r.types {
		if st.InRange(port) {
			return true
		}
	}
	return false
}

// NamedRange pairs a service-type name with its range, for the Auto-Range
// Planner's "smart" placement category grouping.
type NamedRange struct {
	Name string
	Low int
	High int
}

// NamedRanges returns every currently-known range together with its
// owning service-type name.
func (r *Registry) NamedRanges() []NamedRange {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]NamedRange, 0, len(r.types))
	for name, st := range r.types {
		out = append(out, NamedRange{Name: name, Low: st.RangeLow, High: st.RangeHigh})
	}
	return out
}

// loadBase resolves the base document. An empty path selects the
// embedded default; an explicit path that does not exist is a hard
// error, since a silently-empty base would lose every shipped service
// type without any indication why.
func loadBase(path string) (map[string]rawEntry, error) {
	var data []byte
	if path == "" {
		data = embeddedBaseYAML
	} else {
		read, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("base service-type config %q does not exist", path)
			}
			return nil, err
		}
		data = read
	}

	var doc baseDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse base yaml: %w", err)
	}
	if doc.ServiceTypes == nil {
		return map[string]rawEntry{}, nil
	}
	return doc.ServiceTypes, nil
}

// loadOverride strips JSONC comments before decoding, so operators can
// comment out a service-type entry in config.json without breaking
// parsing.
func loadOverride(path string) (map[string]rawEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]rawEntry{}, nil
		}
		return nil, err
	}
	clean := jsonc.ToJSON(data)
	var doc overrideDocument
	if err := json.Unmarshal(clean, &doc); err != nil {
		return nil, fmt.Errorf("parse override jsonc: %w", err)
	}
	if doc.ServiceTypes == nil {
		return map[string]rawEntry{}, nil
	}
	return doc.ServiceTypes, nil
}

func (e rawEntry) toServiceType(name string) (*model.ServiceType, error) {
	cardinality := model.Cardinality(e.Cardinality)
	if cardinality == "" {
		cardinality = model.CardinalityMulti
	}

	st := &model.ServiceType{
		Name: name,
		RangeLow: e.RangeLow,
		RangeHigh: e.RangeHigh,
		PreferredPorts: e.PreferredPorts,
		Cardinality: cardinality,
		Description: e.Description,
		AutoAllocated: e.AutoAllocated,
	}
	if e.CreatedAt != "" {
		if t, err := time.Parse(time.RFC3339, e.CreatedAt); err == nil {
			st.CreatedAt = t
		}
	}
	if err := st.Validate(); err != nil {
		return nil, err
	}
	return st, nil
}
