package model

import (
	"fmt"
	"regexp"
	"time"
)

// Cardinality controls how many simultaneous grants a service type may
// hold.
type Cardinality string

const (
	// CardinalityMulti allows any number of simultaneous grants. This is
	// the default when a service type does not specify cardinality.
	CardinalityMulti Cardinality = "multi"

	// CardinalitySingle allows at most one simultaneous grant; the
	// second request for an already-claimed singleton type returns the
	// existing claim instead of allocating a new port.
	CardinalitySingle Cardinality = "single"
)

// IsValid reports whether c is one of the two defined cardinalities.
func (c Cardinality) IsValid() bool {
	return c == CardinalityMulti || c == CardinalitySingle
}

// serviceTypeNameRegex validates service-type identifiers: letters,
// digits, hyphen, at most 50 characters.
var serviceTypeNameRegex = regexp.MustCompile(`^[a-zA-Z0-9-]{1,50}$`)

// ValidateServiceTypeName checks a service-type identifier against
// serviceTypeNameRegex.
func ValidateServiceTypeName(name string) error {
	if !serviceTypeNameRegex.MatchString(name) {
		return fmt.Errorf("invalid service type %q: must be letters, digits, hyphen, 1-50 chars", name)
	}
	return nil
}

// ServiceType is a named category of allocatable ports: a
// port range, an ordered list of preferred ports tried before the range,
// a cardinality, and a human description.
type ServiceType struct {
	// Name is the service-type identifier.
	Name string `json:"name" yaml:"name"`

	// RangeLow and RangeHigh bound the allocatable range, inclusive.
	RangeLow int `json:"rangeLow" yaml:"rangeLow"`
	RangeHigh int `json:"rangeHigh" yaml:"rangeHigh"`

	// PreferredPorts are tried, in order, before scanning the range.
	PreferredPorts []int `json:"preferredPorts,omitempty" yaml:"preferredPorts,omitempty"`

	// Cardinality is "multi" (default) or "single".
	Cardinality Cardinality `json:"cardinality" yaml:"cardinality"`

	// Description is a human-readable summary shown in /config.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// AutoAllocated is true when this entry was synthesized by the
	// Auto-Range Planner rather than present in shipped or user config.
	AutoAllocated bool `json:"autoAllocated,omitempty" yaml:"autoAllocated,omitempty"`

	// CreatedAt is set by the planner when AutoAllocated is true.
	CreatedAt time.Time `json:"createdAt,omitempty" yaml:"createdAt,omitempty"`
}

// Validate checks the bounds and cardinality invariants:
// 1 ≤ lo ≤ hi ≤ 65535, and cardinality is one of the two defined values.
func (s *ServiceType) Validate() error {
	if err := ValidateServiceTypeName(s.Name); err != nil {
		return err
	}
	if s.RangeLow < 1 || s.RangeHigh > 65535 || s.RangeLow > s.RangeHigh {
		return fmt.Errorf("service type %q: invalid range [%d, %d]", s.Name, s.RangeLow, s.RangeHigh)
	}
	if s.Cardinality == "" {
		s.Cardinality = CardinalityMulti
	}
	if !s.Cardinality.IsValid() {
		return fmt.Errorf("service type %q: invalid cardinality %q", s.Name, s.Cardinality)
	}
	for _, p := range s.PreferredPorts {
		if p < s.RangeLow || p > s.RangeHigh {
			// Preferred ports outside the range are allowed by the lenient
			// preferred_port behavior but are still validated for
			// raw port legality.
			if p < 1 || p > 65535 {
				return fmt.Errorf("service type %q: preferred port %d out of legal range", s.Name, p)
			}
		}
	}
	return nil
}

// InRange reports whether port lies within [RangeLow, RangeHigh].
func (s *ServiceType) InRange(port int) bool {
	return port >= s.RangeLow && port <= s.RangeHigh
}

// serviceNameRegex and instanceIDRegex validate service_name/instance_id: alphanumeric plus
// -_. (service_name) or -_ (instance_id) step 1.
var serviceNameRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]{1,100}$`)
var instanceIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,100}$`)

// ValidateServiceName checks service_name step 1.
func ValidateServiceName(name string) error {
	if !serviceNameRegex.MatchString(name) {
		return fmt.Errorf("invalid service_name %q: must be alphanumeric+-_., 1-100 chars", name)
	}
	return nil
}

// ValidateInstanceID checks instance_id step 1.
func ValidateInstanceID(id string) error {
	if !instanceIDRegex.MatchString(id) {
		return fmt.Errorf("invalid instance_id %q: must be alphanumeric+-_, 1-100 chars", id)
	}
	return nil
}

// ValidateProjectPath checks project_path step 1: no NUL
// byte, at most 1000 characters.
func ValidateProjectPath(path string) error {
	if len(path) > 1000 {
		return fmt.Errorf("project_path too long: %d chars (max 1000)", len(path))
	}
	for i := 0; i < len(path); i++ {
		if path[i] == 0 {
			return fmt.Errorf("project_path must not contain a NUL byte")
		}
	}
	return nil
}

// AllocateRequest is the normalized input to the Allocation Engine's
// Allocate operation.
type AllocateRequest struct {
	ServiceType string `json:"service_type"`
	ServiceName string `json:"service_name,omitempty"`
	InstanceID string `json:"instance_id,omitempty"`
	ProjectPath string `json:"project_path,omitempty"`
	PreferredPort int `json:"preferred_port,omitempty"` // 0 means "not supplied"
	DryRun bool `json:"dry_run,omitempty"`
	OwnerPID int `json:"owner_pid,omitempty"` // 0 means "use the daemon's own PID"
	UserAgent string `json:"-"`
	RemoteIP string `json:"-"`
}

// Normalize applies default values for unset fields and validates the
// supplied fields, mutating r in place.
func (r *AllocateRequest) Normalize(daemonPID int) error {
	if r.ServiceName == "" {
		r.ServiceName = "unnamed-service"
	} else if err := ValidateServiceName(r.ServiceName); err != nil {
		return NewError(CategoryInvalidInput, err.Error())
	}

	if r.InstanceID == "" {
		r.InstanceID = "default"
	} else if err := ValidateInstanceID(r.InstanceID); err != nil {
		return NewError(CategoryInvalidInput, err.Error())
	}

	if err := ValidateProjectPath(r.ProjectPath); err != nil {
		return NewError(CategoryInvalidInput, err.Error())
	}

	if r.PreferredPort != 0 && (r.PreferredPort < 1 || r.PreferredPort > 65535) {
		return NewError(CategoryInvalidInput, fmt.Sprintf("preferred_port %d out of range (1-65535)", r.PreferredPort))
	}

	if r.OwnerPID == 0 {
		r.OwnerPID = daemonPID
	}

	return nil
}

// Grant is a recorded hand-out of a port. Grants are never
// mutated after creation — release removes one wholesale.
type Grant struct {
	Port int `json:"port"`
	LockID string `json:"lock_id"`
	ServiceType string `json:"service_type"`
	ServiceName string `json:"service_name"`
	InstanceID string `json:"instance_id"`
	ProjectPath string `json:"project_path"`
	OwnerPID int `json:"owner_pid"`
	AllocatedAt time.Time `json:"allocated_at"`
	UserAgent string `json:"user_agent,omitempty"`
	RemoteIP string `json:"remote_ip,omitempty"`
}

// SingletonClaim is the at-most-one claim per single-cardinality service
// type. It is created and destroyed atomically together with
// the grant that introduces/vacates it.
type SingletonClaim struct {
	ServiceType string `json:"service_type"`
	Port int `json:"port"`
	LockID string `json:"lock_id"`
	InstanceID string `json:"instance_id"`
	OwnerPID int `json:"owner_pid"`
	AllocatedAt time.Time `json:"allocated_at"`
}

// Instance is an optional self-registration record used only by
// observation endpoints; grants never depend on it.
type Instance struct {
	InstanceID string `json:"instance_id"`
	ProjectPath string `json:"project_path"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// Observation is a passively-collected fact about a listening port on
// the host, independent of the grant table.
type Observation struct {
	Port int `json:"port"`
	OwnerPID int `json:"owner_pid,omitempty"`
	ProcessName string `json:"process_name,omitempty"`
	Command string `json:"command,omitempty"`
	InferredService string `json:"inferred_service,omitempty"`
	InferredInstanceID string `json:"inferred_instance_id,omitempty"`
	LastSeen time.Time `json:"last_seen"`
}

// AllocateResult is the Allocation Engine's successful response shape,
// matching /allocate response.
type AllocateResult struct {
	Success bool `json:"success"`
	Port int `json:"port"`
	LockID string `json:"lock_id"`
	Message string `json:"message"`
	Existing bool `json:"existing,omitempty"`
	AutoAllocated bool `json:"auto_allocated,omitempty"`
	// AllocatedRange is [rangeLow, rangeHigh] when AutoAllocated is true,
	// omitted otherwise.
	AllocatedRange []int `json:"allocated_range,omitempty"`
}

// StateDocument is the full shape persisted by the Persistent Store
//: three arrays plus a save timestamp, rewritten wholesale
// on every save.
type StateDocument struct {
	Grants []Grant `json:"grants"`
	Instances []Instance `json:"instances"`
	Singletons []SingletonClaim `json:"singletons"`
	SavedAt time.Time `json:"saved_at"`
}

// Validate performs the structural shape check of read
// protocol: required arrays present (non-nil, possibly empty), and each
// grant has the three mandatory fields.
func (d *StateDocument) Validate() error {
	if d.Grants == nil || d.Instances == nil || d.Singletons == nil {
		return fmt.Errorf("state document missing a required array")
	}
	for i := range d.Grants {
		g := &d.Grants[i]
		if g.Port == 0 || g.LockID == "" || g.ServiceType == "" {
			return fmt.Errorf("grant at index %d missing port, lock_id, or service_type", i)
		}
	}
	return nil
}
