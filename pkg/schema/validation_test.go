package schema

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationResult_EmptyIsValid(t *testing.T) {
	r := &ValidationResult{}
	assert.True(t, r.Valid())
	assert.NoError(t, r.ToError())
}

func TestValidationResult_AddError(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("stages[0].kind", ErrCodeNotFound, "stage kind not registered")

	assert.False(t, r.Valid())
	require.Len(t, r.Errors, 1)
	assert.Equal(t, "stages[0].kind", r.Errors[0].Path)
	assert.Equal(t, ErrCodeNotFound, r.Errors[0].Code)
	assert.Equal(t, SeverityError, r.Errors[0].Severity)
}

func TestValidationResult_WarningsDoNotInvalidate(t *testing.T) {
	r := &ValidationResult{}
	r.AddWarning("stages[1].retry.max", ErrCodeValidation, "high retry count")

	assert.True(t, r.Valid())
	assert.NoError(t, r.ToError())
	require.Len(t, r.Warnings, 1)
	assert.Equal(t, SeverityWarning, r.Warnings[0].Severity)
}

func TestValidationResult_Merge(t *testing.T) {
	r1 := &ValidationResult{}
	r1.AddError("/", ErrCodeValidation, "err1")
	r1.AddWarning("/", ErrCodeValidation, "warn1")

	r2 := &ValidationResult{}
	r2.AddError("stages[0]", ErrCodeValidation, "err2")

	r1.Merge(r2)
	r1.Merge(nil)

	assert.Len(t, r1.Errors, 2)
	assert.Len(t, r1.Warnings, 1)
}

func TestValidationResult_ToErrorCarriesIssues(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("name", ErrCodeValidation, "name is required")
	r.AddError("stages", ErrCodeValidation, "at least one stage is required")
	r.AddWarning("stages[0].timeout", ErrCodeValidation, "timeout exceeds active budget")

	err := r.ToError()
	require.Error(t, err)

	var serr *StewardError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, ErrCodeValidation, serr.Code)
	assert.Equal(t, 2, serr.Details["error_count"])
	assert.Equal(t, 1, serr.Details["warning_count"])
}

func TestStewardError_Format(t *testing.T) {
	plain := NewError(ErrCodeConflict, "run already terminal")
	assert.Equal(t, "[CONFLICT] run already terminal", plain.Error())

	staged := NewErrorf(ErrCodeStageFailed, "boom %d", 3).WithStage("analyze")
	assert.Equal(t, "[STAGE_FAILED] stage analyze: boom 3", staged.Error())
}

func TestStewardError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("connection reset")
	err := NewError(ErrCodeTransientBackend, "tier unreachable").WithCause(cause)

	assert.True(t, errors.Is(err, cause))

	var serr *StewardError
	wrapped := fmt.Errorf("stage fetch_record: %w", err)
	require.ErrorAs(t, wrapped, &serr)
	assert.Equal(t, ErrCodeTransientBackend, serr.Code)
}
