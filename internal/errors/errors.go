// Package errors provides the error taxonomy shared by the pipeline-search
// core. It defines sentinel errors, typed errors carrying context about the
// failing job, pipeline or session, and classification helpers.
//
// # Error Types
//
// Process and protocol errors are raised while supervising worker processes:
//   - LaunchError: a worker process could not be spawned (fatal to one job)
//   - TimeoutError: a worker exceeded its hard timeout and was terminated
//   - ProtocolError: a worker sent an unexpected message or omitted a required one
//
// Service errors surface to API callers:
//   - PersistenceError: a store read or write failed
//   - ConfigurationError: a request or config value is invalid
//   - NotFoundError: a session, pipeline or job does not exist
//
// # Usage
//
//	err := errors.NewLaunchError("score", cause).WithJobID(id)
//	if errors.Is(err, errors.ErrProcessLaunch) { ... }
//
//	var cfgErr *errors.ConfigurationError
//	if errors.As(err, &cfgErr) { ... }
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Worker process sentinel errors
var (
	// ErrProcessLaunch indicates that a worker process could not be started.
	ErrProcessLaunch = New("process launch failed")
	// ErrProcessTimeout indicates that a worker process exceeded its timeout.
	ErrProcessTimeout = New("process timed out")
	// ErrProtocolViolation indicates an unexpected or missing channel message.
	ErrProtocolViolation = New("protocol violation")
)

// Service sentinel errors
var (
	// ErrPersistence indicates a failure reading or writing persisted state.
	ErrPersistence = New("persistence failure")
	// ErrConfiguration indicates invalid configuration or request parameters.
	ErrConfiguration = New("configuration error")
	// ErrSessionNotFound indicates that a session id is not registered.
	ErrSessionNotFound = New("session not found")
	// ErrPipelineNotFound indicates that a pipeline id is not in the store.
	ErrPipelineNotFound = New("pipeline not found")
	// ErrJobNotFound indicates that a job id is unknown.
	ErrJobNotFound = New("job not found")
)

// -----------------------------------------------------------------------------
// Base Error Implementation
// -----------------------------------------------------------------------------

// baseError provides common functionality for all error types.
type baseError struct {
	message    string
	cause      error
	userFacing bool
}

// Error returns the error message.
func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Unwrap returns the underlying error.
func (e *baseError) Unwrap() error {
	return e.cause
}

// Is checks if the cause matches the target.
func (e *baseError) Is(target error) bool {
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

// IsUserFacing returns whether the error is safe to show API callers.
func (e *baseError) IsUserFacing() bool {
	return e.userFacing
}

// context renders key=value pairs for non-empty values.
func context(prefix string, kv ...string) string {
	var parts []string
	for i := 0; i+1 < len(kv); i += 2 {
		if kv[i+1] != "" {
			parts = append(parts, kv[i]+"="+kv[i+1])
		}
	}
	if len(parts) == 0 {
		return prefix
	}
	return fmt.Sprintf("%s [%s]", prefix, strings.Join(parts, ", "))
}

// -----------------------------------------------------------------------------
// Process Errors
// -----------------------------------------------------------------------------

// LaunchError reports that a worker process could not be spawned.
//
// Example:
//
//	err := errors.NewLaunchError("score", execErr).WithJobID("job-1")
//	fmt.Println(err) // "launch failed [kind=score, job=job-1]: exec: not found"
type LaunchError struct {
	baseError
	Kind  string
	JobID string
}

// NewLaunchError creates a new LaunchError for the given worker kind.
func NewLaunchError(kind string, cause error) *LaunchError {
	return &LaunchError{
		baseError: baseError{message: "launch failed", cause: cause},
		Kind:      kind,
	}
}

// WithJobID adds the job id to the error context.
func (e *LaunchError) WithJobID(id string) *LaunchError {
	e.JobID = id
	return e
}

// Error returns the formatted error message.
func (e *LaunchError) Error() string {
	prefix := context(e.message, "kind", e.Kind, "job", e.JobID)
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", prefix, e.cause)
	}
	return prefix
}

// Is matches ErrProcessLaunch and any *LaunchError.
func (e *LaunchError) Is(target error) bool {
	if target == ErrProcessLaunch {
		return true
	}
	if _, ok := target.(*LaunchError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// TimeoutError reports that a worker process exceeded its hard timeout.
type TimeoutError struct {
	baseError
	Name    string
	Timeout time.Duration
}

// NewTimeoutError creates a new TimeoutError.
func NewTimeoutError(name string, timeout time.Duration) *TimeoutError {
	return &TimeoutError{
		baseError: baseError{
			message:    fmt.Sprintf("%s timed out after %s", name, timeout),
			userFacing: true,
		},
		Name:    name,
		Timeout: timeout,
	}
}

// Is matches ErrProcessTimeout and any *TimeoutError.
func (e *TimeoutError) Is(target error) bool {
	if target == ErrProcessTimeout {
		return true
	}
	if _, ok := target.(*TimeoutError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// ProtocolError reports a channel message that violated the worker protocol.
//
// Example:
//
//	err := errors.NewProtocolError("exited without tuned_pipeline_id").WithTag("")
type ProtocolError struct {
	baseError
	Tag string
}

// NewProtocolError creates a new ProtocolError.
func NewProtocolError(message string) *ProtocolError {
	return &ProtocolError{
		baseError: baseError{message: message, userFacing: true},
	}
}

// WithTag records the offending message tag.
func (e *ProtocolError) WithTag(tag string) *ProtocolError {
	e.Tag = tag
	return e
}

// Error returns the formatted error message.
func (e *ProtocolError) Error() string {
	return context("protocol violation", "tag", e.Tag) + ": " + e.message
}

// Is matches ErrProtocolViolation and any *ProtocolError.
func (e *ProtocolError) Is(target error) bool {
	if target == ErrProtocolViolation {
		return true
	}
	if _, ok := target.(*ProtocolError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Service Errors
// -----------------------------------------------------------------------------

// PersistenceError reports a failed store or file operation.
type PersistenceError struct {
	baseError
	Operation  string
	PipelineID string
}

// NewPersistenceError creates a new PersistenceError.
func NewPersistenceError(operation string, cause error) *PersistenceError {
	return &PersistenceError{
		baseError: baseError{message: operation, cause: cause},
		Operation: operation,
	}
}

// WithPipelineID adds the pipeline id to the error context.
func (e *PersistenceError) WithPipelineID(id string) *PersistenceError {
	e.PipelineID = id
	return e
}

// Error returns the formatted error message.
func (e *PersistenceError) Error() string {
	prefix := context("persistence error", "pipeline", e.PipelineID)
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is matches ErrPersistence and any *PersistenceError.
func (e *PersistenceError) Is(target error) bool {
	if target == ErrPersistence {
		return true
	}
	if _, ok := target.(*PersistenceError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// ConfigurationError reports an invalid request or configuration value.
//
// Example:
//
//	err := errors.NewConfigurationError("at least one metric is required").WithField("metrics")
type ConfigurationError struct {
	baseError
	Field string
}

// NewConfigurationError creates a new ConfigurationError.
func NewConfigurationError(message string) *ConfigurationError {
	return &ConfigurationError{
		baseError: baseError{message: message, userFacing: true},
	}
}

// WithField records the offending field.
func (e *ConfigurationError) WithField(field string) *ConfigurationError {
	e.Field = field
	return e
}

// Error returns the formatted error message.
func (e *ConfigurationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.message)
	}
	return "invalid configuration: " + e.message
}

// Is matches ErrConfiguration and any *ConfigurationError.
func (e *ConfigurationError) Is(target error) bool {
	if target == ErrConfiguration {
		return true
	}
	if _, ok := target.(*ConfigurationError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// NotFoundError represents a resource that could not be found.
//
// Example:
//
//	err := errors.NewNotFoundError("session", "abc123")
//	fmt.Println(err) // "session 'abc123' not found"
type NotFoundError struct {
	baseError
	ResourceType string
	ResourceID   string
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(resourceType, resourceID string) *NotFoundError {
	var cause error
	switch resourceType {
	case "session":
		cause = ErrSessionNotFound
	case "pipeline":
		cause = ErrPipelineNotFound
	case "job":
		cause = ErrJobNotFound
	}
	return &NotFoundError{
		baseError:    baseError{cause: cause, userFacing: true},
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
}

// Error returns the formatted error message.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s '%s' not found", e.ResourceType, e.ResourceID)
}

// Is matches any *NotFoundError and the resource's sentinel.
func (e *NotFoundError) Is(target error) bool {
	if _, ok := target.(*NotFoundError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Classification
// -----------------------------------------------------------------------------

// IsUserFacing reports whether err's message is safe to return to API callers.
func IsUserFacing(err error) bool {
	var uf interface{ IsUserFacing() bool }
	if errors.As(err, &uf) {
		return uf.IsUserFacing()
	}
	return false
}

// IsJobFailure reports whether err is confined to a single job: a launch
// failure, timeout, or protocol violation.
func IsJobFailure(err error) bool {
	return errors.Is(err, ErrProcessLaunch) ||
		errors.Is(err, ErrProcessTimeout) ||
		errors.Is(err, ErrProtocolViolation)
}

// Wrap wraps an error with additional context.
// Returns nil if err is nil.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
