package server

import (
	"time"

	"github.com/rezonia/nfse-client/internal/model"
	"github.com/rezonia/nfse-client/internal/signature"
)

// CancelRequest is the body of the cancel endpoint
type CancelRequest struct {
	VerificationCode string `json:"verification_code"`
	Reason           string `json:"reason"`
}

// InquiryRequest is the body of the bulk inquiry endpoint
type InquiryRequest struct {
	Keys []model.InvoiceKey `json:"keys" binding:"required"`
}

// InquiryResponse is one entry of the bulk inquiry response, in request order
type InquiryResponse struct {
	Key    model.InvoiceKey       `json:"key"`
	Result *model.OperationResult `json:"result,omitempty"`
	Error  *ErrorResponse         `json:"error,omitempty"`
}

// ValidationResponse is the response for validate endpoint
type ValidationResponse struct {
	Valid  bool     `json:"valid"`
	Schema string   `json:"schema,omitempty"`
	Errors []string `json:"errors,omitempty"`
}

// ErrorResponse is the standard error response
type ErrorResponse struct {
	Error      string          `json:"error"`
	Kind       string          `json:"kind"`
	Details    string          `json:"details,omitempty"`
	Violations []ViolationInfo `json:"violations,omitempty"`
	Messages   []string        `json:"messages,omitempty"`
	// Request is the truncated document of a failed exchange, kept for manual resubmission
	Request string `json:"request,omitempty"`
}

// ViolationInfo is one failed field check
type ViolationInfo struct {
	Field   string `json:"field"`
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

// VerifyResponse is the response for signature verification endpoint
type VerifyResponse struct {
	Valid           bool              `json:"valid"`
	SignatureFound  bool              `json:"signature_found"`
	DigestValid     bool              `json:"digest_valid"`
	SignatureValid  bool              `json:"signature_valid"`
	ChainChecked    bool              `json:"chain_checked"`
	CertChainValid  bool              `json:"cert_chain_valid"`
	NotRevoked      bool              `json:"not_revoked"`
	ReferenceURI    string            `json:"reference_uri"`
	DigestMethod    string            `json:"digest_method,omitempty"`
	SignatureMethod string            `json:"signature_method,omitempty"`
	Signer          *SignerInfoOutput `json:"signer,omitempty"`
	Warnings        []string          `json:"warnings,omitempty"`
	Errors          []string          `json:"errors,omitempty"`
}

// SignerInfoOutput holds signer info for API response
type SignerInfoOutput struct {
	Name         string     `json:"name,omitempty"`
	TaxID        string     `json:"tax_id,omitempty"`
	Organization string     `json:"organization,omitempty"`
	SerialNumber string     `json:"serial_number,omitempty"`
	Issuer       string     `json:"issuer,omitempty"`
	ValidFrom    *time.Time `json:"valid_from,omitempty"`
	ValidTo      *time.Time `json:"valid_to,omitempty"`
}

func newVerifyResponse(result *signature.VerificationResult) VerifyResponse {
	response := VerifyResponse{
		Valid:           result.Valid,
		SignatureFound:  result.SignatureFound,
		DigestValid:     result.DigestValid,
		SignatureValid:  result.SignatureValid,
		ChainChecked:    result.ChainChecked,
		CertChainValid:  result.CertChainValid,
		NotRevoked:      result.NotRevoked,
		ReferenceURI:    result.ReferenceURI,
		DigestMethod:    result.DigestMethod,
		SignatureMethod: result.SignatureMethod,
		Warnings:        result.Warnings,
		Errors:          result.Errors,
	}
	if result.Signer != nil {
		response.Signer = &SignerInfoOutput{
			Name:         result.Signer.Name,
			TaxID:        result.Signer.TaxID,
			Organization: result.Signer.Organization,
			SerialNumber: result.Signer.SerialNumber,
			Issuer:       result.Signer.Issuer,
			ValidFrom:    &result.Signer.ValidFrom,
			ValidTo:      &result.Signer.ValidTo,
		}
	}
	return response
}
