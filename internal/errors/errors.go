// Package errors provides centralized error definitions and error handling utilities
// for switchboard. It defines sentinel errors for each coordination subsystem,
// semantic error types carrying structured context, and classification helpers
// used by the command layer to pick exit codes.
//
// # Error Taxonomy
//
//   - Conflict: a held lock is not an error. The lock manager returns the
//     conflicting record as an ordinary value.
//   - ValidationError: malformed identifiers, paths, or vote inputs, rejected
//     before any state is touched.
//   - RateLimitError: the sender exhausted its window; callers should back off.
//   - DeliveryError: the transport could not reach a recipient.
//   - SignatureError: a message failed authentication. Always logged.
//   - TimeoutError: a bounded wait expired. Carries the progress made.
//   - EscalationError: an unacknowledged message was escalated to a broadcast.
//     This is a notable terminal outcome rather than a failure.
//
// # Usage
//
//	err := errors.NewValidationError("target escapes lock root").WithField("target").WithValue(t)
//	if errors.Is(err, errors.ErrInvalidInput) { ... }
//
//	var rl *errors.RateLimitError
//	if errors.As(err, &rl) {
//	    time.Sleep(rl.RetryAfter)
//	}
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

// Severity represents the severity level of an error.
type Severity int

const (
	// SeverityDebug is for errors that are useful for debugging but not critical.
	SeverityDebug Severity = iota
	// SeverityInfo is for informational errors that don't indicate a problem.
	SeverityInfo
	// SeverityWarning is for errors that might indicate a problem but aren't critical.
	SeverityWarning
	// SeverityError is for errors that indicate a real problem.
	SeverityError
	// SeverityCritical is for errors that require immediate attention.
	SeverityCritical
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Lock-related sentinel errors
var (
	// ErrLockNotFound indicates that no lock record exists for a target.
	ErrLockNotFound = New("lock not found")
	// ErrLockNotHeld indicates that the lock exists but belongs to another owner.
	ErrLockNotHeld = New("lock not held by caller")
	// ErrLockStale indicates that the lock aged past its staleness threshold.
	ErrLockStale = New("lock is stale")
	// ErrLockConflict indicates that another owner holds an intersecting lock.
	ErrLockConflict = New("lock held by another owner")
)

// Messaging-related sentinel errors
var (
	// ErrRateLimited indicates that a sender exceeded its message allotment.
	ErrRateLimited = New("rate limit exceeded")
	// ErrDeliveryFailed indicates that the transport could not reach a recipient.
	ErrDeliveryFailed = New("delivery failed")
	// ErrSignatureInvalid indicates that a message failed authentication.
	ErrSignatureInvalid = New("signature invalid")
	// ErrUnknownAgent indicates that the directory has no entry for an agent.
	ErrUnknownAgent = New("unknown agent")
)

// Acknowledgment-related sentinel errors
var (
	// ErrAckNotPending indicates that no pending acknowledgment matches.
	ErrAckNotPending = New("no pending acknowledgment")
	// ErrEscalated indicates that retries were exhausted and the message was broadcast.
	ErrEscalated = New("message escalated")
)

// Consensus-related sentinel errors
var (
	// ErrUnknownRound indicates that a vote id does not name a round.
	ErrUnknownRound = New("unknown voting round")
	// ErrRoundClosed indicates that a round no longer accepts votes.
	ErrRoundClosed = New("voting round closed")
	// ErrDuplicateVote indicates that the agent already voted in the round.
	ErrDuplicateVote = New("agent already voted")
	// ErrNotEligible indicates that the agent is not part of the round.
	ErrNotEligible = New("agent not eligible to vote")
)

// General sentinel errors
var (
	// ErrTimeout indicates that an operation timed out.
	ErrTimeout = New("operation timed out")
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
	// ErrNotFound indicates that a resource does not exist.
	ErrNotFound = New("not found")
)

// -----------------------------------------------------------------------------
// Base Error Interface
// -----------------------------------------------------------------------------

// SwitchboardError is the base interface for all switchboard errors.
// It extends the standard error interface with additional methods for
// error handling and classification.
type SwitchboardError interface {
	error

	// Unwrap returns the underlying error, if any.
	Unwrap() error

	// Severity returns the severity level of this error.
	Severity() Severity

	// IsRetryable returns true if the error is transient and the operation
	// may succeed on retry.
	IsRetryable() bool

	// IsUserFacing returns true if the error message is safe to display
	// to end users.
	IsUserFacing() bool
}

// baseError provides common functionality for all error types.
type baseError struct {
	message    string
	cause      error
	severity   Severity
	retryable  bool
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

// Severity returns the error severity.
func (e *baseError) Severity() Severity {
	return e.severity
}

// IsRetryable returns whether the error is retryable.
func (e *baseError) IsRetryable() bool {
	return e.retryable
}

// IsUserFacing returns whether the error is safe to show users.
func (e *baseError) IsUserFacing() bool {
	return e.userFacing
}

// -----------------------------------------------------------------------------
// Semantic Errors
// -----------------------------------------------------------------------------

// NotFoundError represents a resource that could not be found.
//
// Example:
//
//	err := errors.NewNotFoundError("agent", "worker-3")
//	fmt.Println(err) // "agent 'worker-3' not found"
type NotFoundError struct {
	baseError
	ResourceType string
	ResourceID   string
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(resourceType, resourceID string) *NotFoundError {
	return &NotFoundError{
		baseError: baseError{
			message:    fmt.Sprintf("%s '%s' not found", resourceType, resourceID),
			severity:   SeverityWarning,
			userFacing: true,
		},
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
}

// WithCause adds a cause to the error.
func (e *NotFoundError) WithCause(cause error) *NotFoundError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *NotFoundError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s '%s' not found: %v", e.ResourceType, e.ResourceID, e.cause)
	}
	return fmt.Sprintf("%s '%s' not found", e.ResourceType, e.ResourceID)
}

// Is checks if this error matches the target.
func (e *NotFoundError) Is(target error) bool {
	if _, ok := target.(*NotFoundError); ok {
		return true
	}
	if target == ErrNotFound {
		return true
	}
	if target == ErrUnknownAgent && e.ResourceType == "agent" {
		return true
	}
	return false
}

// ValidationError represents invalid input, rejected before any mutation.
//
// Example:
//
//	err := errors.NewValidationError("owner id cannot be empty")
//	err = err.WithField("owner").WithValue("")
type ValidationError struct {
	baseError
	Field string
	Value any
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{
		baseError: baseError{
			message:    message,
			severity:   SeverityWarning,
			userFacing: true,
		},
	}
}

// WithField adds a field name to the error context.
func (e *ValidationError) WithField(field string) *ValidationError {
	e.Field = field
	return e
}

// WithValue adds the invalid value to the error context.
func (e *ValidationError) WithValue(value any) *ValidationError {
	e.Value = value
	return e
}

// WithCause adds a cause to the error.
func (e *ValidationError) WithCause(cause error) *ValidationError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *ValidationError) Error() string {
	var parts []string
	if e.Field != "" {
		parts = append(parts, fmt.Sprintf("field=%s", e.Field))
	}
	if e.Value != nil {
		parts = append(parts, fmt.Sprintf("value=%v", e.Value))
	}

	prefix := "validation error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("validation error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *ValidationError) Is(target error) bool {
	if _, ok := target.(*ValidationError); ok {
		return true
	}
	return target == ErrInvalidInput
}

// TimeoutError represents a bounded wait that expired. Progress and Required
// report how far the operation got (votes received, retries attempted).
//
// Example:
//
//	err := errors.NewTimeoutError("collecting votes", 30*time.Second).WithProgress(1, 3)
//	fmt.Println(err) // "timeout error: collecting votes (timeout: 30s, progress: 1/3)"
type TimeoutError struct {
	baseError
	Operation string
	Duration  time.Duration
	Progress  int
	Required  int
}

// NewTimeoutError creates a new TimeoutError.
func NewTimeoutError(operation string, duration time.Duration) *TimeoutError {
	return &TimeoutError{
		baseError: baseError{
			message:    operation,
			severity:   SeverityWarning,
			retryable:  true,
			userFacing: true,
		},
		Operation: operation,
		Duration:  duration,
	}
}

// WithProgress records the partial progress made before the deadline.
func (e *TimeoutError) WithProgress(progress, required int) *TimeoutError {
	e.Progress = progress
	e.Required = required
	return e
}

// WithCause adds a cause to the error.
func (e *TimeoutError) WithCause(cause error) *TimeoutError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *TimeoutError) Error() string {
	base := fmt.Sprintf("timeout error: %s (timeout: %s", e.Operation, e.Duration)
	if e.Required > 0 {
		base += fmt.Sprintf(", progress: %d/%d", e.Progress, e.Required)
	}
	base += ")"
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", base, e.cause)
	}
	return base
}

// Is checks if this error matches the target.
func (e *TimeoutError) Is(target error) bool {
	if _, ok := target.(*TimeoutError); ok {
		return true
	}
	return target == ErrTimeout
}

// RateLimitError reports that a sender exhausted its window.
type RateLimitError struct {
	baseError
	Sender     string
	Limit      int
	Window     time.Duration
	RetryAfter time.Duration
}

// NewRateLimitError creates a new RateLimitError.
func NewRateLimitError(sender string, limit int, window, retryAfter time.Duration) *RateLimitError {
	return &RateLimitError{
		baseError: baseError{
			message:    "rate limit exceeded",
			severity:   SeverityWarning,
			retryable:  true,
			userFacing: true,
		},
		Sender:     sender,
		Limit:      limit,
		Window:     window,
		RetryAfter: retryAfter,
	}
}

// Error returns the formatted error message.
func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s: %d messages per %s (retry in %s)",
		e.Sender, e.Limit, e.Window, e.RetryAfter.Round(time.Millisecond))
}

// Is checks if this error matches the target.
func (e *RateLimitError) Is(target error) bool {
	if _, ok := target.(*RateLimitError); ok {
		return true
	}
	return target == ErrRateLimited
}

// DeliveryError reports that the transport could not reach a recipient.
type DeliveryError struct {
	baseError
	Recipient string
	Address   string
}

// NewDeliveryError creates a new DeliveryError.
func NewDeliveryError(recipient string, cause error) *DeliveryError {
	return &DeliveryError{
		baseError: baseError{
			message:    "delivery failed",
			cause:      cause,
			severity:   SeverityError,
			retryable:  true,
			userFacing: true,
		},
		Recipient: recipient,
	}
}

// WithAddress records the resolved transport address.
func (e *DeliveryError) WithAddress(addr string) *DeliveryError {
	e.Address = addr
	return e
}

// Error returns the formatted error message.
func (e *DeliveryError) Error() string {
	base := fmt.Sprintf("delivery to %s failed", e.Recipient)
	if e.Address != "" {
		base = fmt.Sprintf("delivery to %s (%s) failed", e.Recipient, e.Address)
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", base, e.cause)
	}
	return base
}

// Is checks if this error matches the target.
func (e *DeliveryError) Is(target error) bool {
	if _, ok := target.(*DeliveryError); ok {
		return true
	}
	if target == ErrDeliveryFailed {
		return true
	}
	return e.cause != nil && errors.Is(e.cause, target)
}

// SignatureError reports a message that failed authentication.
type SignatureError struct {
	baseError
	MessageID string
	Sender    string
}

// NewSignatureError creates a new SignatureError.
func NewSignatureError(messageID, sender, reason string) *SignatureError {
	return &SignatureError{
		baseError: baseError{
			message:    reason,
			severity:   SeverityCritical,
			userFacing: true,
		},
		MessageID: messageID,
		Sender:    sender,
	}
}

// Error returns the formatted error message.
func (e *SignatureError) Error() string {
	return fmt.Sprintf("signature invalid [message=%s, sender=%s]: %s", e.MessageID, e.Sender, e.message)
}

// Is checks if this error matches the target.
func (e *SignatureError) Is(target error) bool {
	if _, ok := target.(*SignatureError); ok {
		return true
	}
	return target == ErrSignatureInvalid
}

// EscalationError marks a message whose retries were exhausted and which
// was rebroadcast to every known agent.
type EscalationError struct {
	baseError
	MessageID string
	Recipient string
	Retries   int
}

// NewEscalationError creates a new EscalationError.
func NewEscalationError(messageID, recipient string, retries int) *EscalationError {
	return &EscalationError{
		baseError: baseError{
			message:    "acknowledgment never arrived",
			severity:   SeverityInfo,
			userFacing: true,
		},
		MessageID: messageID,
		Recipient: recipient,
		Retries:   retries,
	}
}

// Error returns the formatted error message.
func (e *EscalationError) Error() string {
	return fmt.Sprintf("message %s to %s escalated after %d retries", e.MessageID, e.Recipient, e.Retries)
}

// Is checks if this error matches the target.
func (e *EscalationError) Is(target error) bool {
	if _, ok := target.(*EscalationError); ok {
		return true
	}
	return target == ErrEscalated
}

// -----------------------------------------------------------------------------
// Error Classification Helpers
// -----------------------------------------------------------------------------

// IsRetryable returns true if the error represents a transient condition
// that may succeed on retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var swErr SwitchboardError
	if As(err, &swErr) {
		return swErr.IsRetryable()
	}

	return Is(err, ErrTimeout)
}

// IsUserFacing returns true if the error message is safe to display to end users.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}

	var swErr SwitchboardError
	if As(err, &swErr) {
		return swErr.IsUserFacing()
	}
	return false
}

// GetSeverity returns the severity level of the error.
// Returns SeverityError for errors that don't implement SwitchboardError.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityDebug
	}

	var swErr SwitchboardError
	if As(err, &swErr) {
		return swErr.Severity()
	}
	return SeverityError
}

// Exit codes shared by every command.
const (
	ExitOK       = 0
	ExitConflict = 1
	ExitInternal = 2
)

// ExitCode maps an error to a process exit code: nil is 0, conflicts and
// caller mistakes are 1, and everything else is an internal failure (2).
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch {
	case Is(err, ErrInvalidInput),
		Is(err, ErrNotFound),
		Is(err, ErrLockNotFound),
		Is(err, ErrLockNotHeld),
		Is(err, ErrLockConflict),
		Is(err, ErrRateLimited),
		Is(err, ErrDuplicateVote),
		Is(err, ErrNotEligible),
		Is(err, ErrRoundClosed),
		Is(err, ErrUnknownRound),
		Is(err, ErrAckNotPending),
		Is(err, ErrSignatureInvalid):
		return ExitConflict
	default:
		return ExitInternal
	}
}

// -----------------------------------------------------------------------------
// Convenience Constructors
// -----------------------------------------------------------------------------

// Wrap wraps an error with additional context message.
// Unlike fmt.Errorf with %w, this returns nil for a nil err.
//
// Example:
//
//	err := errors.Wrap(baseErr, "read lock record")
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted context message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
