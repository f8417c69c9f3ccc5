package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessingErrorWrapping(t *testing.T) {
	cause := fmt.Errorf("tesseract exited")
	err := NewOCRFailedError("job-1", "tesseract-ara", cause)

	wrapped := fmt.Errorf("pipeline: %w", err)
	assert.True(t, stderrors.Is(wrapped, cause))
	assert.True(t, stderrors.Is(wrapped, &ProcessingError{Code: ErrorOCRFailed}))
	assert.False(t, stderrors.Is(wrapped, &ProcessingError{Code: ErrorValidationFailed}))

	var pe *ProcessingError
	require.True(t, stderrors.As(wrapped, &pe))
	assert.Equal(t, "job-1", pe.JobID)
	assert.Contains(t, pe.Error(), "tesseract exited")
}

func TestToMap(t *testing.T) {
	err := NewProcessingTimeoutError("job-2", 5*time.Second, fmt.Errorf("deadline"))
	m := err.ToMap()
	assert.Equal(t, "PROCESSING_TIMEOUT", m["error_code"])
	assert.Equal(t, "5s", m["timeout_duration"])
	assert.Equal(t, "deadline", m["cause"])
}

func TestValidationErrorMessage(t *testing.T) {
	err := NewValidationError("beam_width", "must be positive, got 0")
	assert.Equal(t, "VALIDATION_FAILED: invalid beam_width: must be positive, got 0", err.Error())
	assert.Equal(t, "beam_width", err.Details["field"])
}
