package signature

import "fmt"

// Error codes for signature verification
const (
	ErrCodeNoSignature          = "NO_SIGNATURE"
	ErrCodeReferenceNotFound    = "REFERENCE_NOT_FOUND"
	ErrCodeDigestMismatch       = "DIGEST_MISMATCH"
	ErrCodeInvalidSignature     = "INVALID_SIGNATURE"
	ErrCodeUnsupportedAlgorithm = "UNSUPPORTED_ALGORITHM"
	ErrCodeMissingCertificate   = "MISSING_CERTIFICATE"
	ErrCodeCertExpired          = "CERT_EXPIRED"
	ErrCodeCertNotYetValid      = "CERT_NOT_YET_VALID"
	ErrCodeCertRevoked          = "CERT_REVOKED"
	ErrCodeChainInvalid         = "CHAIN_INVALID"
	ErrCodeOCSPUnavailable      = "OCSP_UNAVAILABLE"
)

// SignatureError represents signature verification errors
type SignatureError struct {
	Code    string
	Field   string
	Message string
	Cause   error
}

func (e *SignatureError) Error() string {
	if e.Field != "" && e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s (%v)", e.Code, e.Field, e.Message, e.Cause)
	}
	if e.Field != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s (%v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *SignatureError) Unwrap() error {
	return e.Cause
}

// NewSignatureError creates a new signature error
func NewSignatureError(code, field, message string, cause error) *SignatureError {
	return &SignatureError{
		Code:    code,
		Field:   field,
		Message: message,
		Cause:   cause,
	}
}

// ErrNoSignature returns error when no signature found in document
func ErrNoSignature() *SignatureError {
	return NewSignatureError(ErrCodeNoSignature, "", "no signature found in document", nil)
}

// ErrReferenceNotFound returns error when Reference/@URI points at no element
func ErrReferenceNotFound(uri string) *SignatureError {
	return NewSignatureError(ErrCodeReferenceNotFound, "reference", fmt.Sprintf("no element matches URI %q", uri), nil)
}

// ErrDigestMismatch returns error when the recomputed digest differs from DigestValue
func ErrDigestMismatch() *SignatureError {
	return NewSignatureError(ErrCodeDigestMismatch, "digest", "digest value does not match signed content", nil)
}

// ErrInvalidSignature returns error when signature validation fails
func ErrInvalidSignature(cause error) *SignatureError {
	return NewSignatureError(ErrCodeInvalidSignature, "signature", "signature validation failed", cause)
}

// ErrUnsupportedAlgorithm returns error for digest or signature methods outside the supported suites
func ErrUnsupportedAlgorithm(uri string) *SignatureError {
	return NewSignatureError(ErrCodeUnsupportedAlgorithm, "algorithm", fmt.Sprintf("unsupported algorithm: %s", uri), nil)
}

// ErrMissingCertificate returns error when KeyInfo carries no usable certificate
func ErrMissingCertificate(cause error) *SignatureError {
	return NewSignatureError(ErrCodeMissingCertificate, "certificate", "no usable X509Certificate", cause)
}

// ErrCertExpired returns error when certificate has expired
func ErrCertExpired(subject string) *SignatureError {
	return NewSignatureError(ErrCodeCertExpired, "certificate", fmt.Sprintf("certificate expired: %s", subject), nil)
}

// ErrCertNotYetValid returns error when certificate is not yet valid
func ErrCertNotYetValid(subject string) *SignatureError {
	return NewSignatureError(ErrCodeCertNotYetValid, "certificate", fmt.Sprintf("certificate not yet valid: %s", subject), nil)
}

// ErrCertRevoked returns error when certificate has been revoked
func ErrCertRevoked(subject string) *SignatureError {
	return NewSignatureError(ErrCodeCertRevoked, "certificate", fmt.Sprintf("certificate revoked: %s", subject), nil)
}

// ErrChainInvalid returns error when certificate chain is invalid
func ErrChainInvalid(cause error) *SignatureError {
	return NewSignatureError(ErrCodeChainInvalid, "chain", "certificate chain validation failed", cause)
}

// ErrOCSPUnavailable returns error when OCSP check fails
func ErrOCSPUnavailable(cause error) *SignatureError {
	return NewSignatureError(ErrCodeOCSPUnavailable, "ocsp", "OCSP check unavailable", cause)
}
