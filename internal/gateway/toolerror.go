package gateway

import (
	"context"
	"errors"
	"fmt"
)

type ErrorCategory string

// Only transient errors are worth retrying unchanged.
const (
	CategoryValidation ErrorCategory = "validation"
	CategoryNotFound   ErrorCategory = "not_found"
	CategoryTransient  ErrorCategory = "transient"
	CategoryInternal   ErrorCategory = "internal"
)

// ToolError is a failed tool call with a category clients can act on.
type ToolError struct {
	Category ErrorCategory
	Err      error
}

func (e *ToolError) Error() string { return e.Err.Error() }

func (e *ToolError) Unwrap() error { return e.Err }

func Validation(format string, args ...any) *ToolError {
	return &ToolError{Category: CategoryValidation, Err: fmt.Errorf(format, args...)}
}

func NotFound(format string, args ...any) *ToolError {
	return &ToolError{Category: CategoryNotFound, Err: fmt.Errorf(format, args...)}
}

func Transient(format string, args ...any) *ToolError {
	return &ToolError{Category: CategoryTransient, Err: fmt.Errorf(format, args...)}
}

func Internal(format string, args ...any) *ToolError {
	return &ToolError{Category: CategoryInternal, Err: fmt.Errorf(format, args...)}
}

func classifyError(err error) *errorInfo {
	var toolErr *ToolError
	if errors.As(err, &toolErr) {
		return &errorInfo{
			Category:  string(toolErr.Category),
			Retryable: toolErr.Category == CategoryTransient,
		}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &errorInfo{Category: string(CategoryTransient), Retryable: true}
	}
	return &errorInfo{Category: string(CategoryInternal)}
}
