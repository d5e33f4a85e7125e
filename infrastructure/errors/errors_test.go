package errors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		message  string
		expected Category
	}{
		{"dial tcp 10.0.0.1:443: connection refused", CategoryConnection},
		{"context deadline exceeded", CategoryTimeout},
		{"validation_error: missing required field nftId", CategoryValidation},
		{"dependency_error: upstream rpc error", CategoryDependency},
		{"failed to unmarshal response body", CategoryData},
		{"fatal: out of memory", CategorySystem},
		{"something went sideways", CategoryProcessing},
	}

	for _, c := range cases {
		assert.Equal(t, c.expected, Classify(errors.New(c.message)), c.message)
	}
}

func TestAssignSeverity(t *testing.T) {
	assert.Equal(t, SeverityCritical, AssignSeverity(CategorySystem, nil))
	assert.Equal(t, SeverityCritical, AssignSeverity(CategoryProcessing, map[string]interface{}{"priority": 9}))
	assert.Equal(t, SeverityHigh, AssignSeverity(CategoryConnection, nil))
	assert.Equal(t, SeverityHigh, AssignSeverity(CategoryProcessing, map[string]interface{}{"wideBlastRadius": true}))
	assert.Equal(t, SeverityMedium, AssignSeverity(CategoryProcessing, nil))
	assert.Equal(t, SeverityMedium, AssignSeverity(CategoryData, nil))
	assert.Equal(t, SeverityLow, AssignSeverity(CategoryValidation, nil))
}

func TestNew_ClassifiesAndAssignsSeverity(t *testing.T) {
	cause := errors.New("connection refused")
	se := New("enqueue failed", map[string]interface{}{"eventId": "e1"}, cause)

	require.Equal(t, CategoryConnection, se.Category)
	require.Equal(t, SeverityHigh, se.Severity)
	assert.Equal(t, cause, se.Unwrap())
	assert.Contains(t, se.Error(), "enqueue failed")
	assert.Contains(t, se.Error(), "connection refused")
}

func TestServiceError_WithContext(t *testing.T) {
	se := New("failed", nil, errors.New("boom"))
	se.WithContext("eventId", "e1").WithContext("priority", 7)

	assert.Equal(t, "e1", se.Context["eventId"])
	assert.Equal(t, 7, se.Context["priority"])
}

func TestIsServiceErrorAndGetServiceError(t *testing.T) {
	se := New("failed", nil, errors.New("boom"))
	wrapped := errors.New("outer: " + se.Error())

	assert.True(t, IsServiceError(se))
	assert.False(t, IsServiceError(wrapped))

	got := GetServiceError(se)
	require.NotNil(t, got)
	assert.Equal(t, se, got)
	assert.Nil(t, GetServiceError(wrapped))
}
