package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinels matched by the typed errors below through errors.Is
var (
	ErrCredentialNotFound  = errors.New("credential not found")
	ErrValidation          = errors.New("validation failed")
	ErrSchemaViolation     = errors.New("schema violation")
	ErrSigning             = errors.New("signing failed")
	ErrTransportTimeout    = errors.New("transport timeout")
	ErrTransportConnection = errors.New("transport connection failed")
	ErrResponseParse       = errors.New("response parse failed")
	ErrRemoteRejection     = errors.New("rejected by authority")
	ErrNotImplemented      = errors.New("not implemented")
)

// CredentialNotFoundError is returned when configured certificate material
// does not exist or cannot be read
type CredentialNotFoundError struct {
	Kind  string
	Path  string
	Cause error
}

func (e *CredentialNotFoundError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("credential %s not found or unreadable at %q (%v)", e.Kind, e.Path, e.Cause)
	}
	return fmt.Sprintf("credential %s not found or unreadable at %q", e.Kind, e.Path)
}

func (e *CredentialNotFoundError) Unwrap() error {
	return e.Cause
}

func (e *CredentialNotFoundError) Is(target error) bool {
	return target == ErrCredentialNotFound
}

// NewCredentialNotFoundError creates a new credential error
func NewCredentialNotFoundError(kind, path string, cause error) *CredentialNotFoundError {
	return &CredentialNotFoundError{Kind: kind, Path: path, Cause: cause}
}

// FieldViolation describes one missing or malformed input field
type FieldViolation struct {
	Field   string
	Value   interface{}
	Rule    string
	Message string
}

func (v FieldViolation) String() string {
	if v.Value != nil {
		return fmt.Sprintf("%s: %s (value=%v, rule=%s)", v.Field, v.Message, v.Value, v.Rule)
	}
	return fmt.Sprintf("%s: %s (rule=%s)", v.Field, v.Message, v.Rule)
}

// ValidationError collects every builder-level field violation found in a request
type ValidationError struct {
	Violations []FieldViolation
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, v.String())
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// NewValidationError creates a validation error holding a single violation
func NewValidationError(field string, value interface{}, rule, message string) *ValidationError {
	e := &ValidationError{}
	e.Add(field, value, rule, message)
	return e
}

// Add records a violation
func (e *ValidationError) Add(field string, value interface{}, rule, message string) {
	e.Violations = append(e.Violations, FieldViolation{
		Field:   field,
		Value:   value,
		Rule:    rule,
		Message: message,
	})
}

// Merge appends the violations of other, prefixing each field name
func (e *ValidationError) Merge(prefix string, other *ValidationError) {
	if other == nil {
		return
	}
	for _, v := range other.Violations {
		v.Field = prefix + v.Field
		e.Violations = append(e.Violations, v)
	}
}

// Fields returns the names of all violated fields in order
func (e *ValidationError) Fields() []string {
	fields := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		fields = append(fields, v.Field)
	}
	return fields
}

// OrNil returns e when it holds violations and nil otherwise
func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Violations) == 0 {
		return nil
	}
	return e
}

// SchemaViolationError carries every message reported by the XSD validator
type SchemaViolationError struct {
	Schema   string
	Messages []string
	Document []byte
	Cause    error
}

func (e *SchemaViolationError) Error() string {
	if len(e.Messages) == 0 && e.Cause != nil {
		return fmt.Sprintf("schema %s: %v", e.Schema, e.Cause)
	}
	return fmt.Sprintf("schema %s: %d violation(s): %s", e.Schema, len(e.Messages), strings.Join(e.Messages, "; "))
}

func (e *SchemaViolationError) Unwrap() error {
	return e.Cause
}

func (e *SchemaViolationError) Is(target error) bool {
	return target == ErrSchemaViolation
}

// Signing error codes
const (
	SignCodeKeyUnavailable  = "KEY_UNAVAILABLE"
	SignCodeTargetNotFound  = "TARGET_NOT_FOUND"
	SignCodeMalformedInput  = "MALFORMED_INPUT"
	SignCodeUnsupportedAlgo = "UNSUPPORTED_ALGORITHM"
	SignCodeCrypto          = "CRYPTO_FAILURE"
	SignCodeSelfCheck       = "SELF_CHECK_FAILED"
)

// SigningError is returned when a document cannot be signed.
// A document is never sent unsigned after a SigningError.
type SigningError struct {
	Code    string
	Message string
	Cause   error
}

func (e *SigningError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("signing [%s]: %s (%v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("signing [%s]: %s", e.Code, e.Message)
}

func (e *SigningError) Unwrap() error {
	return e.Cause
}

func (e *SigningError) Is(target error) bool {
	return target == ErrSigning
}

// NewSigningError creates a new signing error
func NewSigningError(code, message string, cause error) *SigningError {
	return &SigningError{Code: code, Message: message, Cause: cause}
}

// TransportTimeoutError is returned when the authority did not answer within the request timeout
type TransportTimeoutError struct {
	Operation Operation
	Endpoint  string
	Timeout   time.Duration
	// Request is a truncated copy of the request body kept for manual resubmission
	Request string
	Cause   error
}

func (e *TransportTimeoutError) Error() string {
	return fmt.Sprintf("%s to %s timed out after %s (%v)", e.Operation, e.Endpoint, e.Timeout, e.Cause)
}

func (e *TransportTimeoutError) Unwrap() error {
	return e.Cause
}

func (e *TransportTimeoutError) Is(target error) bool {
	return target == ErrTransportTimeout
}

// TransportConnectionError covers TLS, DNS and socket failures, and caller cancellation
type TransportConnectionError struct {
	Operation Operation
	Endpoint  string
	Request   string
	Cause     error
}

func (e *TransportConnectionError) Error() string {
	return fmt.Sprintf("%s to %s failed: %v", e.Operation, e.Endpoint, e.Cause)
}

func (e *TransportConnectionError) Unwrap() error {
	return e.Cause
}

func (e *TransportConnectionError) Is(target error) bool {
	return target == ErrTransportConnection
}

// ResponseParseError is returned when the authority answer is not a document
// the parser understands. Raw keeps the bytes for diagnosis.
type ResponseParseError struct {
	Operation  Operation
	HTTPStatus int
	Raw        []byte
	Cause      error
}

func (e *ResponseParseError) Error() string {
	if e.HTTPStatus != 0 {
		return fmt.Sprintf("parse %s response (HTTP %d): %v", e.Operation, e.HTTPStatus, e.Cause)
	}
	return fmt.Sprintf("parse %s response: %v", e.Operation, e.Cause)
}

func (e *ResponseParseError) Unwrap() error {
	return e.Cause
}

func (e *ResponseParseError) Is(target error) bool {
	return target == ErrResponseParse
}

// RemoteRejectionError describes a well-formed response with success=false.
// Facade calls return rejections as results; see OperationResult.Err.
type RemoteRejectionError struct {
	Operation  Operation
	HTTPStatus int
	Errors     []RemoteMessage
	Raw        string
}

func (e *RemoteRejectionError) Error() string {
	if len(e.Errors) == 0 {
		return fmt.Sprintf("%s rejected by authority (HTTP %d)", e.Operation, e.HTTPStatus)
	}
	parts := make([]string, 0, len(e.Errors))
	for _, m := range e.Errors {
		parts = append(parts, fmt.Sprintf("%s: %s", m.Code, m.Message))
	}
	return fmt.Sprintf("%s rejected by authority: %s", e.Operation, strings.Join(parts, "; "))
}

func (e *RemoteRejectionError) Is(target error) bool {
	return target == ErrRemoteRejection
}

// UnsupportedOperationError is the error form of an Unsupported outcome
type UnsupportedOperationError struct {
	Operation Operation
	Reason    string
}

func (e *UnsupportedOperationError) Error() string {
	return fmt.Sprintf("%s is not supported: %s", e.Operation, e.Reason)
}

func (e *UnsupportedOperationError) Is(target error) bool {
	return target == ErrNotImplemented
}
