package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ValidationError rejects a malformed request or intent before any job
// record is created.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// NewValidationError creates a ValidationError for the given field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ToolExecutionError wraps a failure from an external extraction tool. The
// attempt count reflects how many invocations were made before giving up.
type ToolExecutionError struct {
	Tool     string
	Attempts int
	Err      error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %s failed after %d attempt(s): %v", e.Tool, e.Attempts, e.Err)
}

func (e *ToolExecutionError) Unwrap() error { return e.Err }

// TimeoutError marks a job that exceeded its wall-clock budget. Distinguished
// from tool errors in the recorded message.
type TimeoutError struct {
	JobID  string
	Budget time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("job %s timed out after budget %s", e.JobID, e.Budget)
}

// IsTimeout reports whether err is a TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// SchemaDetectionError marks a failed page analysis. It never fails the
// owning job; the analysis is recorded with empty results and a note.
type SchemaDetectionError struct {
	URL string
	Err error
}

func (e *SchemaDetectionError) Error() string {
	return fmt.Sprintf("schema detection failed for %s: %v", e.URL, e.Err)
}

func (e *SchemaDetectionError) Unwrap() error { return e.Err }

// DependencyUnavailableError marks a required external service that is
// unreachable at startup. Fatal after bounded retry.
type DependencyUnavailableError struct {
	Service  string
	Endpoint string
	Err      error
}

func (e *DependencyUnavailableError) Error() string {
	return fmt.Sprintf("dependency %s unavailable at %s: %v", e.Service, e.Endpoint, e.Err)
}

func (e *DependencyUnavailableError) Unwrap() error { return e.Err }

// WaitForDependency checks a required service with bounded retry and backoff.
// Returns a DependencyUnavailableError if the service never becomes
// reachable; the caller is expected to treat that as fatal.
func WaitForDependency(ctx context.Context, service, endpoint string, cfg RetryConfig, check func(ctx context.Context) error) error {
	cfg.ShouldRetry = func(error) bool { return true }
	cfg.OnRetry = func(attempt int, err error) {
		zap.L().Warn("waiting for dependency",
			zap.String("service", service),
			zap.String("endpoint", endpoint),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}

	if err := Do(ctx, cfg, check); err != nil {
		return &DependencyUnavailableError{Service: service, Endpoint: endpoint, Err: err}
	}
	return nil
}
