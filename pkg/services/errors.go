// Package services implements the workflow and execution orchestration
// layer: lifecycle commands, run reconciliation and the error taxonomy
// the transport layer maps to HTTP responses.
package services

import (
	"errors"
	"fmt"
	"strings"

	"github.com/flowdeck/flowdeck/pkg/models"
	"github.com/flowdeck/flowdeck/pkg/persistence"
)

// Business logic errors. These indicate client errors (4xx responses).
var (
	// Validation errors (400 Bad Request).
	ErrInvalidRequest      = errors.New("invalid request")
	ErrEmptyOwnerID        = errors.New("owner ID cannot be empty")
	ErrEmptyWorkflowID     = errors.New("workflow ID cannot be empty")
	ErrEmptyExecutionID    = errors.New("execution ID cannot be empty")
	ErrSpecNameMissing     = errors.New("failed to parse workflow spec or name is missing")
	ErrManualTriggerInSpec = errors.New("manual trigger is not supported in spec documents")

	// Not-found errors (404 Not Found).
	ErrWorkflowNotFound  = persistence.ErrWorkflowNotFound
	ErrExecutionNotFound = persistence.ErrExecutionNotFound

	// Business logic conflicts (409 Conflict). The transition sentinels
	// alias the model errors so conflicts surface identically whether a
	// service precondition or an aggregate invariant rejected the change.
	ErrDuplicateWorkflowName   = errors.New("a workflow with this name already exists")
	ErrRunRegistrationInFlight = errors.New("a run with this idempotency key is already being registered")
	ErrWorkflowNotActive       = models.ErrWorkflowNotActive
	ErrWorkflowNotCompiled     = models.ErrWorkflowNotCompiled
	ErrNotWaitingApproval      = models.ErrExecutionNotWaitingApproval
	ErrConcurrentUpdate        = persistence.ErrVersionConflict

	// Authorization errors (403 Forbidden).
	ErrNotExecutionOwner = errors.New("only the workflow owner can approve steps")
)

// ServiceError wraps service-level errors with additional context.
type ServiceError struct {
	Op      string // Operation name
	Code    string // Error code for API responses
	Message string // Human-readable message
	Err     error  // Underlying error
}

func (e *ServiceError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}

	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

func (e *ServiceError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewServiceError creates a new service error with context.
func NewServiceError(op, code, message string, err error) *ServiceError {
	return &ServiceError{
		Op:      op,
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// SpecValidationError carries the full error list from spec validation so
// callers can show every problem at once.
type SpecValidationError struct {
	Errors []string
}

func (e *SpecValidationError) Error() string {
	return "spec validation failed: " + strings.Join(e.Errors, "; ")
}

// IsSpecValidationError extracts a SpecValidationError from an error chain.
func IsSpecValidationError(err error) (*SpecValidationError, bool) {
	var specErr *SpecValidationError

	ok := errors.As(err, &specErr)

	return specErr, ok
}

// IsValidationError checks if an error is a validation error that should return HTTP 400.
func IsValidationError(err error) bool {
	if _, ok := IsSpecValidationError(err); ok {
		return true
	}

	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrEmptyOwnerID) ||
		errors.Is(err, ErrEmptyWorkflowID) ||
		errors.Is(err, ErrEmptyExecutionID) ||
		errors.Is(err, ErrSpecNameMissing) ||
		errors.Is(err, ErrManualTriggerInSpec)
}

// IsNotFoundError checks if an error should return HTTP 404.
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrWorkflowNotFound) ||
		errors.Is(err, ErrExecutionNotFound)
}

// IsConflictError checks if an error is a business logic conflict that should return HTTP 409.
func IsConflictError(err error) bool {
	return errors.Is(err, ErrDuplicateWorkflowName) ||
		errors.Is(err, ErrRunRegistrationInFlight) ||
		errors.Is(err, ErrWorkflowNotActive) ||
		errors.Is(err, ErrWorkflowNotCompiled) ||
		errors.Is(err, ErrNotWaitingApproval) ||
		errors.Is(err, ErrConcurrentUpdate) ||
		errors.Is(err, models.ErrWorkflowArchived) ||
		errors.Is(err, models.ErrWorkflowNotPaused) ||
		errors.Is(err, models.ErrExecutionFinished)
}

// IsForbiddenError checks if an error should return HTTP 403.
func IsForbiddenError(err error) bool {
	return errors.Is(err, ErrNotExecutionOwner)
}
