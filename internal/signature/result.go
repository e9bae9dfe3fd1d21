package signature

import (
	"crypto/x509"
	"strings"
	"time"
)

// VerificationResult contains the complete signature verification outcome
type VerificationResult struct {
	// Overall validity - true only if all checks pass
	Valid bool `json:"valid"`

	// Individual check results
	SignatureFound bool `json:"signature_found"`
	DigestValid    bool `json:"digest_valid"`
	SignatureValid bool `json:"signature_valid"`

	// Chain and revocation are only checked when a CA bundle is available
	ChainChecked   bool `json:"chain_checked"`
	CertChainValid bool `json:"cert_chain_valid,omitempty"`
	NotRevoked     bool `json:"not_revoked,omitempty"`

	// Reference and algorithms read from SignedInfo
	ReferenceURI    string `json:"reference_uri"`
	DigestMethod    string `json:"digest_method,omitempty"`
	SignatureMethod string `json:"signature_method,omitempty"`

	// Signer information
	Signer *SignerInfo `json:"signer,omitempty"`

	// Certificate chain (not serialized to JSON)
	CertChain []*x509.Certificate `json:"-"`

	// Warnings (non-fatal issues)
	Warnings []string `json:"warnings,omitempty"`

	// Errors (reasons for invalid result)
	Errors []string `json:"errors,omitempty"`
}

// SignerInfo contains certificate subject information
type SignerInfo struct {
	// Common name (CN)
	Name string `json:"name"`

	// TaxID is the CNPJ or CPF that ICP-Brasil appends to the CN after a colon
	TaxID string `json:"tax_id,omitempty"`

	// Organization (O)
	Organization string `json:"organization,omitempty"`

	// Certificate serial number
	SerialNumber string `json:"serial_number"`

	// Issuer common name
	Issuer string `json:"issuer"`

	// Certificate validity period
	ValidFrom time.Time `json:"valid_from"`
	ValidTo   time.Time `json:"valid_to"`
}

// NewVerificationResult creates a new empty result
func NewVerificationResult() *VerificationResult {
	return &VerificationResult{
		Warnings: make([]string, 0),
		Errors:   make([]string, 0),
	}
}

// AddWarning adds a warning message to the result
func (r *VerificationResult) AddWarning(msg string) {
	r.Warnings = append(r.Warnings, msg)
}

// AddError adds an error message and sets Valid to false
func (r *VerificationResult) AddError(msg string) {
	r.Errors = append(r.Errors, msg)
	r.Valid = false
}

// SetSigner populates SignerInfo from an x509 certificate
func (r *VerificationResult) SetSigner(cert *x509.Certificate) {
	if cert == nil {
		return
	}

	signer := &SignerInfo{
		Name:         cert.Subject.CommonName,
		SerialNumber: cert.SerialNumber.String(),
		ValidFrom:    cert.NotBefore,
		ValidTo:      cert.NotAfter,
	}

	// "RAZAO SOCIAL:12345678000195"
	if idx := strings.LastIndexByte(signer.Name, ':'); idx >= 0 {
		signer.TaxID = signer.Name[idx+1:]
		signer.Name = signer.Name[:idx]
	}

	if len(cert.Subject.Organization) > 0 {
		signer.Organization = cert.Subject.Organization[0]
	}

	if len(cert.Issuer.CommonName) > 0 {
		signer.Issuer = cert.Issuer.CommonName
	} else if len(cert.Issuer.Organization) > 0 {
		signer.Issuer = cert.Issuer.Organization[0]
	}

	r.Signer = signer
}

// ComputeValidity sets the Valid field based on individual check results
func (r *VerificationResult) ComputeValidity() {
	r.Valid = r.SignatureFound &&
		r.DigestValid &&
		r.SignatureValid &&
		(!r.ChainChecked || (r.CertChainValid && r.NotRevoked)) &&
		len(r.Errors) == 0
}
