package conduiterr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFormatting(t *testing.T) {
	err := NewRoutingError("no eligible models", nil)
	assert.Equal(t, "ROUTING_FAILED: no eligible models", err.Error())

	wrapped := NewDatabaseError("save query", errors.New("disk full"))
	assert.Equal(t, "DATABASE_ERROR: save query: disk full", wrapped.Error())
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := NewAnalysisError("embedding failed", cause)
	assert.ErrorIs(t, err, cause)
}

func TestIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("context: %w", NewStateVersionConflictError("r1/k", 5))
	assert.ErrorIs(t, err, &ConduitError{Code: CodeStateVersionConflict})
	assert.NotErrorIs(t, err, &ConduitError{Code: CodeDatabaseError})
}

func TestErrorAsExtractsDetails(t *testing.T) {
	err := NewAllModelsFailedError("every arm failed", map[string]string{"a": "timeout"})
	var ce *ConduitError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, CodeAllModelsFailed, ce.Code)
	attempts, ok := ce.Details["attempts"].(map[string]string)
	require.True(t, ok)
	assert.Equal(t, "timeout", attempts["a"])
}

func TestValidationErrorField(t *testing.T) {
	err := NewValidationError("must not be empty", "text")
	assert.Equal(t, "text", err.Details["field"])
	assert.Nil(t, NewValidationError("no field", "").Details)
}
