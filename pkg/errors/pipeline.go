package errors

import (
	"context"
	"errors"
	"fmt"
)

// ErrorCode represents a classified transcript pipeline error.
type ErrorCode string

const (
	CodeNotFound       ErrorCode = "not_found"
	CodeNotAvailable   ErrorCode = "not_available"
	CodeMalformedInput ErrorCode = "malformed_input"
	CodeValidation     ErrorCode = "validation"
	CodeUnauthorized   ErrorCode = "unauthorized"
	CodeForbidden      ErrorCode = "forbidden"
	CodeTimeout        ErrorCode = "timeout"
	CodeCancelled      ErrorCode = "context_cancelled"
	CodeTransport      ErrorCode = "transport"
)

// PipelineError is a structured error for transcript acquisition failures.
type PipelineError struct {
	Code    ErrorCode
	Stage   string
	Message string
	Cause   error
}

func (e *PipelineError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Stage, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *PipelineError) Unwrap() error {
	return e.Cause
}

// NewPipelineError creates a PipelineError for the given stage.
func NewPipelineError(code ErrorCode, stage, message string, cause error) *PipelineError {
	return &PipelineError{
		Code:    code,
		Stage:   stage,
		Message: message,
		Cause:   cause,
	}
}

// ClassifyError inspects an error and returns a *PipelineError with the appropriate code.
// An error that already is a PipelineError keeps its code; its stage is only
// filled in when empty. Anything unrecognised is a transport error.
func ClassifyError(err error, stage string) *PipelineError {
	if err == nil {
		return nil
	}

	var existing *PipelineError
	if errors.As(err, &existing) {
		if existing.Stage == "" {
			existing.Stage = stage
		}
		return existing
	}

	pe := &PipelineError{
		Stage:   stage,
		Message: err.Error(),
		Cause:   err,
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		pe.Code = CodeTimeout
		pe.Message = "operation timed out"
	case errors.Is(err, context.Canceled):
		pe.Code = CodeCancelled
		pe.Message = "operation cancelled"
	case errors.Is(err, ErrTranscriptNotAvailable):
		pe.Code = CodeNotAvailable
	case errors.Is(err, ErrMalformedTranscript):
		pe.Code = CodeMalformedInput
	case errors.Is(err, ErrNotFound):
		pe.Code = CodeNotFound
	case errors.Is(err, ErrValidation):
		pe.Code = CodeValidation
	case errors.Is(err, ErrUnauthorized):
		pe.Code = CodeUnauthorized
	case errors.Is(err, ErrForbidden):
		pe.Code = CodeForbidden
	default:
		pe.Code = CodeTransport
	}

	return pe
}

// CodeOf returns the classified code for err, or "" for a nil error.
func CodeOf(err error) ErrorCode {
	pe := ClassifyError(err, "")
	if pe == nil {
		return ""
	}
	return pe.Code
}
