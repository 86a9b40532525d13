package rotation

import (
	"errors"
	"fmt"
	"time"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransientNetwork indicates a temporary failure that may succeed on retry.
	// Examples: connection resets, timeouts talking to the worker or the secrets store.
	ErrorClassTransientNetwork ErrorClass = "transient_network"

	// ErrorClassRateLimited indicates the target platform is throttling us.
	ErrorClassRateLimited ErrorClass = "rate_limited"

	// ErrorClassCredential indicates the platform rejected the stored credentials.
	ErrorClassCredential ErrorClass = "credential"

	// ErrorClassTwoFactor indicates the account requires a second factor.
	// These accounts are skipped, never retried.
	ErrorClassTwoFactor ErrorClass = "two_factor"

	// ErrorClassCircuitOpen indicates the platform breaker rejected the call.
	ErrorClassCircuitOpen ErrorClass = "circuit_open"

	// ErrorClassOracleUnavailable indicates the decision oracle timed out or
	// returned unusable output. Never fatal.
	ErrorClassOracleUnavailable ErrorClass = "oracle_unavailable"

	// ErrorClassBudgetExceeded indicates the oracle budget cannot cover a call.
	ErrorClassBudgetExceeded ErrorClass = "budget_exceeded"

	// ErrorClassInjection indicates a secrets store write failed.
	ErrorClassInjection ErrorClass = "injection"

	// ErrorClassValidation indicates freshly injected artifacts failed validation.
	ErrorClassValidation ErrorClass = "validation"

	// ErrorClassLeaseBusy indicates another holder owns the item lease.
	ErrorClassLeaseBusy ErrorClass = "lease_busy"

	// ErrorClassUnclassified covers anything else.
	ErrorClassUnclassified ErrorClass = "unclassified"
)

// RotationError represents a classified error with context.
// nolint:revive // RotationError is intentionally named to distinguish from standard errors
type RotationError struct {
	// Class is the error classification for recovery logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// ItemID is the monitored item the error relates to, if any.
	ItemID int64 `json:"item_id,omitempty"`

	// Platform is the platform the error relates to, if any.
	Platform string `json:"platform,omitempty"`

	// RetryAfter is a hint from the remote side on how long to back off.
	RetryAfter time.Duration `json:"retry_after,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *RotationError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.Platform != "" {
		msg += fmt.Sprintf(" (platform=%s)", e.Platform)
	}
	if e.ItemID != 0 {
		msg += fmt.Sprintf(" (item=%d)", e.ItemID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *RotationError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *RotationError) Is(target error) bool {
	t, ok := target.(*RotationError)
	if !ok {
		return false
	}
	return e.Class == t.Class && (t.Code == "" || e.Code == t.Code)
}

func newError(class ErrorClass, message string, err error) *RotationError {
	return &RotationError{Class: class, Message: message, Err: err}
}

// NewTransientNetworkError creates a new transient network error.
func NewTransientNetworkError(message string, err error) *RotationError {
	return newError(ErrorClassTransientNetwork, message, err)
}

// NewRateLimitedError creates a new rate limit error.
func NewRateLimitedError(message string, retryAfter time.Duration) *RotationError {
	e := newError(ErrorClassRateLimited, message, nil)
	e.RetryAfter = retryAfter
	return e
}

// NewCredentialError creates a new credential error.
func NewCredentialError(message string, err error) *RotationError {
	return newError(ErrorClassCredential, message, err)
}

// NewInjectionError creates a new injection error.
func NewInjectionError(message string, err error) *RotationError {
	return newError(ErrorClassInjection, message, err)
}

// NewValidationError creates a new validation error.
func NewValidationError(message string, err error) *RotationError {
	return newError(ErrorClassValidation, message, err)
}

// NewUnclassifiedError creates a new unclassified error.
func NewUnclassifiedError(message string, err error) *RotationError {
	return newError(ErrorClassUnclassified, message, err)
}

// NewLeaseBusyError reports that itemID is currently leased by someone else.
func NewLeaseBusyError(itemID int64) *RotationError {
	e := newError(ErrorClassLeaseBusy, "item lease is held by another task", nil)
	e.ItemID = itemID
	return e
}

// ErrTwoFactorRequired is returned by extractors when the account needs a second factor.
var ErrTwoFactorRequired = &RotationError{
	Class:   ErrorClassTwoFactor,
	Message: "two-factor authentication required",
	Code:    ErrCodeTwoFactorRequired,
}

// CircuitOpenError is returned when a platform breaker rejects a call.
type CircuitOpenError struct {
	Platform string
	RetryAt  time.Time
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for platform %s until %s", e.Platform, e.RetryAt.Format(time.RFC3339))
}

// WithCode adds an error code to an error.
func (e *RotationError) WithCode(code string) *RotationError {
	e.Code = code
	return e
}

// WithItem adds item context to an error.
func (e *RotationError) WithItem(itemID int64) *RotationError {
	e.ItemID = itemID
	return e
}

// WithPlatform adds platform context to an error.
func (e *RotationError) WithPlatform(platform string) *RotationError {
	e.Platform = platform
	return e
}

// ClassOf returns the error class of err, or ErrorClassUnclassified.
func ClassOf(err error) ErrorClass {
	var coe *CircuitOpenError
	if errors.As(err, &coe) {
		return ErrorClassCircuitOpen
	}
	var e *RotationError
	if errors.As(err, &e) {
		return e.Class
	}
	return ErrorClassUnclassified
}

// IsTwoFactor returns true if the account requires two-factor authentication.
func IsTwoFactor(err error) bool {
	return ClassOf(err) == ErrorClassTwoFactor
}

// IsLeaseBusy returns true if the error reports a lease conflict.
func IsLeaseBusy(err error) bool {
	return ClassOf(err) == ErrorClassLeaseBusy
}

// IsCircuitOpen returns true if a breaker rejected the call.
func IsCircuitOpen(err error) bool {
	return ClassOf(err) == ErrorClassCircuitOpen
}

// IsRateLimited returns true if the error is classified as rate limited.
func IsRateLimited(err error) bool {
	return ClassOf(err) == ErrorClassRateLimited
}

// IsRetryable returns true if the error can be retried.
// Transient network and rate limit errors are retryable.
func IsRetryable(err error) bool {
	switch ClassOf(err) {
	case ErrorClassTransientNetwork, ErrorClassRateLimited:
		return true
	default:
		return false
	}
}

// Common error codes.
const (
	ErrCodeTwoFactorRequired = "TWO_FACTOR_REQUIRED"
	ErrCodeRateLimited       = "RATE_LIMITED"
	ErrCodeCredentials       = "CREDENTIALS"
	ErrCodeCaptcha           = "CAPTCHA"
	ErrCodeNetwork           = "NETWORK"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeMissingSecret     = "MISSING_CREDENTIALS"
	ErrCodeInternal          = "INTERNAL_ERROR"
)
