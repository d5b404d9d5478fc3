package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServiceType_Validate_Bounds(t *testing.T) {
	st := &ServiceType{Name: "dev", RangeLow: 3000, RangeHigh: 3010}
	require.NoError(t, st.Validate())
	assert.Equal(t, CardinalityMulti, st.Cardinality, "missing cardinality should default to multi")
}

func TestServiceType_Validate_InvertedRange(t *testing.T) {
	st := &ServiceType{Name: "dev", RangeLow: 4000, RangeHigh: 3000}
	assert.Error(t, st.Validate(), "lo > hi must be rejected")
}

func TestServiceType_Validate_OutOfLegalPortSpace(t *testing.T) {
	st := &ServiceType{Name: "dev", RangeLow: 0, RangeHigh: 100}
	assert.Error(t, st.Validate(), "range low of 0 is not a legal port")

	st2 := &ServiceType{Name: "dev", RangeLow: 100, RangeHigh: 70000}
	assert.Error(t, st2.Validate(), "range high above 65535 is not a legal port")
}

func TestServiceType_Validate_BadCardinality(t *testing.T) {
	st := &ServiceType{Name: "ai", RangeLow: 100, RangeHigh: 200, Cardinality: "exclusive"}
	assert.Error(t, st.Validate())
}

func TestServiceType_Validate_BadName(t *testing.T) {
	st := &ServiceType{Name: "has a space", RangeLow: 100, RangeHigh: 200}
	assert.Error(t, st.Validate())
}

func TestServiceType_InRange(t *testing.T) {
	st := &ServiceType{Name: "dev", RangeLow: 3000, RangeHigh: 3010}
	assert.True(t, st.InRange(3000))
	assert.True(t, st.InRange(3010))
	assert.False(t, st.InRange(2999))
	assert.False(t, st.InRange(3011))
}

func TestAllocateRequest_Normalize_Defaults(t *testing.T) {
	req := &AllocateRequest{ServiceType: "dev"}
	require.NoError(t, req.Normalize(1234))

	assert.Equal(t, "unnamed-service", req.ServiceName)
	assert.Equal(t, "default", req.InstanceID)
	assert.Equal(t, 1234, req.OwnerPID, "zero owner pid should default to the daemon's own pid")
}

func TestAllocateRequest_Normalize_RejectsBadServiceName(t *testing.T) {
	req := &AllocateRequest{ServiceType: "dev", ServiceName: "bad name!"}
	err := req.Normalize(1234)
	require.Error(t, err)

	var modelErr *Error
	require.ErrorAs(t, err, &modelErr)
	assert.Equal(t, CategoryInvalidInput, modelErr.Category)
}

func TestAllocateRequest_Normalize_RejectsOutOfRangePreferredPort(t *testing.T) {
	req := &AllocateRequest{ServiceType: "dev", PreferredPort: 70000}
	err := req.Normalize(1234)
	require.Error(t, err)
}

func TestAllocateRequest_Normalize_PreservesExplicitOwnerPID(t *testing.T) {
	req := &AllocateRequest{ServiceType: "dev", OwnerPID: 999}
	require.NoError(t, req.Normalize(1234))
	assert.Equal(t, 999, req.OwnerPID)
}

func TestStateDocument_Validate_RequiresArrays(t *testing.T) {
	doc := &StateDocument{}
	assert.Error(t, doc.Validate(), "nil arrays must fail validation")

	doc2 := &StateDocument{Grants: []Grant{}, Instances: []Instance{}, Singletons: []SingletonClaim{}}
	assert.NoError(t, doc2.Validate())
}

func TestStateDocument_Validate_RequiresGrantFields(t *testing.T) {
	doc := &StateDocument{
		Grants:     []Grant{{Port: 0, LockID: "x", ServiceType: "dev"}},
		Instances:  []Instance{},
		Singletons: []SingletonClaim{},
	}
	assert.Error(t, doc.Validate(), "a grant missing its port must fail validation")
}

func TestErrorTaxonomy_WrapAndCategory(t *testing.T) {
	cause := assert.AnError
	err := WrapError(CategoryRangeExhausted, "no ports left", cause).
		WithSuggestions("run cleanup").
		WithContext("held_ports", []int{3000, 3001})

	assert.Equal(t, CategoryRangeExhausted, err.Category)
	assert.Contains(t, err.Error(), "no ports left")
	assert.Equal(t, []string{"run cleanup"}, err.Suggestions)
	assert.Equal(t, 409, err.HTTPStatus())
}
