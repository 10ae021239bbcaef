// Package errors defines the service error type surfaced at the API boundary.
// Every failed operation raises exactly one ServiceError with a stable code;
// callers classify on the code, never on the message.
package errors

import (
	"errors"
	"fmt"
)

// Code identifies a deterministic business-rule failure.
type Code string

const (
	CodeUnauthorized        Code = "Unauthorized"
	CodeOverflow            Code = "Overflow"
	CodeInvalidMint         Code = "InvalidMint"
	CodeInsufficientVault   Code = "InsufficientVault"
	CodeInsufficientDeposit Code = "InsufficientDeposit"
	CodeNotVerified         Code = "NotVerified"
	CodeExpiredSignature    Code = "ExpiredSignature"
	CodeReplay              Code = "Replay"
	CodeInvalidEd25519      Code = "InvalidEd25519"
	CodeInvalidUsername     Code = "InvalidUsername"
	CodeInvalidRecipient    Code = "InvalidRecipient"
	CodeInvalidDepositor    Code = "InvalidDepositor"
	CodeInvalidInput        Code = "InvalidInput"
	CodeNotFound            Code = "NotFound"
	CodeAlreadyDelegated    Code = "AlreadyDelegated"
	CodeAccountDelegated    Code = "AccountDelegated"
	CodeInternal            Code = "Internal"
)

// ServiceError is the single error type crossing the service boundary.
type ServiceError struct {
	Code    Code                   `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	cause   error
}

func (e *ServiceError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the cause for errors.Is / errors.As chains.
func (e *ServiceError) Unwrap() error { return e.cause }

// WithDetails attaches a key/value pair and returns the error for chaining.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func newError(code Code, message string) *ServiceError {
	return &ServiceError{Code: code, Message: message}
}

// Unauthorized signals that the caller lacks authority over the target record.
func Unauthorized(message string) *ServiceError { return newError(CodeUnauthorized, message) }

// Overflow signals that a balance addition would wrap a uint64.
func Overflow(message string) *ServiceError { return newError(CodeOverflow, message) }

// InvalidMint signals an asset mismatch against an existing record.
func InvalidMint(message string) *ServiceError { return newError(CodeInvalidMint, message) }

// InsufficientVault signals the custodial pool cannot cover a release.
func InsufficientVault(message string) *ServiceError { return newError(CodeInsufficientVault, message) }

// InsufficientDeposit signals a checked subtraction past zero.
func InsufficientDeposit(message string) *ServiceError {
	return newError(CodeInsufficientDeposit, message)
}

// NotVerified signals a session that has not completed verification.
func NotVerified(message string) *ServiceError { return newError(CodeNotVerified, message) }

// ExpiredSignature signals a stale validation payload.
func ExpiredSignature(message string) *ServiceError { return newError(CodeExpiredSignature, message) }

// Replay signals a validation payload that has already been consumed.
func Replay(message string) *ServiceError { return newError(CodeReplay, message) }

// InvalidEd25519 signals a missing or mismatched signature proof.
func InvalidEd25519(message string) *ServiceError { return newError(CodeInvalidEd25519, message) }

// InvalidUsername signals a username outside the accepted format.
func InvalidUsername(message string) *ServiceError { return newError(CodeInvalidUsername, message) }

// InvalidRecipient signals a recipient holding not owned by the claimant.
func InvalidRecipient(message string) *ServiceError { return newError(CodeInvalidRecipient, message) }

// InvalidDepositor signals a depositor holding that cannot fund the transfer.
func InvalidDepositor(message string) *ServiceError { return newError(CodeInvalidDepositor, message) }

// InvalidInput signals malformed input before any state was touched.
func InvalidInput(message string) *ServiceError { return newError(CodeInvalidInput, message) }

// NotFound signals a record that does not exist.
func NotFound(message string) *ServiceError { return newError(CodeNotFound, message) }

// NotFoundf formats a NotFound error.
func NotFoundf(format string, args ...interface{}) *ServiceError {
	return NotFound(fmt.Sprintf(format, args...))
}

// AlreadyDelegated signals a delegation attempt on a delegated record.
func AlreadyDelegated(message string) *ServiceError { return newError(CodeAlreadyDelegated, message) }

// AccountDelegated signals a base-ledger write against a delegated record.
func AccountDelegated(message string) *ServiceError { return newError(CodeAccountDelegated, message) }

// Internal wraps an unexpected failure.
func Internal(message string, cause error) *ServiceError {
	err := newError(CodeInternal, message)
	err.cause = cause
	return err
}

// GetServiceError extracts a ServiceError from err, or nil when absent.
func GetServiceError(err error) *ServiceError {
	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		return svcErr
	}
	return nil
}

// HasCode reports whether err carries the given service error code.
func HasCode(err error, code Code) bool {
	svcErr := GetServiceError(err)
	return svcErr != nil && svcErr.Code == code
}

// IsNotFound reports whether err is a NotFound service error.
func IsNotFound(err error) bool { return HasCode(err, CodeNotFound) }
