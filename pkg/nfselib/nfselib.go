// Package nfselib is the public API of the São Paulo NFS-e client.
//
// It builds, signs, validates and transmits RPS and DPS documents to the
// municipal authority over mutual TLS and returns structured results.
//
// Example usage:
//
//	cfg, err := nfselib.LoadConfig("nfse.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	client, err := nfselib.NewClient(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	result, err := client.Submit(ctx, record)
//	if err != nil {
//	    log.Fatal(err) // nothing reached the authority, or the exchange failed
//	}
//	if !result.Success {
//	    fmt.Println(result.Errors) // the authority rejected the invoice
//	}
package nfselib

import (
	"github.com/rezonia/nfse-client/internal/config"
	"github.com/rezonia/nfse-client/internal/model"
	"github.com/rezonia/nfse-client/internal/processor"
	"github.com/rezonia/nfse-client/internal/signature"
)

// Re-export core types for public API
type (
	Config          = config.Config
	Environment     = config.Environment
	InvoiceRecord   = model.InvoiceRecord
	BatchRecord     = model.BatchRecord
	Payer           = model.Payer
	InvoiceKey      = model.InvoiceKey
	Operation       = model.Operation
	Family          = model.Family
	Outcome         = model.Outcome
	OperationResult = model.OperationResult
	RemoteMessage   = model.RemoteMessage
	InquiryOutcome  = processor.InquiryOutcome
	SignedDocument  = model.SignedDocument

	VerificationResult = signature.VerificationResult
)

// Re-export error types
type (
	ValidationError          = model.ValidationError
	SchemaViolationError     = model.SchemaViolationError
	SigningError             = model.SigningError
	TransportTimeoutError    = model.TransportTimeoutError
	TransportConnectionError = model.TransportConnectionError
	ResponseParseError       = model.ResponseParseError
	RemoteRejectionError     = model.RemoteRejectionError
	CredentialNotFoundError  = model.CredentialNotFoundError
)

// Re-export families and environments
const (
	FamilyRPS = model.FamilyRPS
	FamilyDPS = model.FamilyDPS

	EnvHomolog    = config.EnvHomolog
	EnvProduction = config.EnvProduction

	OutcomeCompleted   = model.OutcomeCompleted
	OutcomeUnsupported = model.OutcomeUnsupported
)

// Sentinels for errors.Is
var (
	ErrCredentialNotFound  = model.ErrCredentialNotFound
	ErrValidation          = model.ErrValidation
	ErrSchemaViolation     = model.ErrSchemaViolation
	ErrSigning             = model.ErrSigning
	ErrTransportTimeout    = model.ErrTransportTimeout
	ErrTransportConnection = model.ErrTransportConnection
	ErrResponseParse       = model.ErrResponseParse
	ErrRemoteRejection     = model.ErrRemoteRejection
	ErrNotImplemented      = model.ErrNotImplemented
)

// DefaultConfig returns the built-in configuration
func DefaultConfig() Config {
	return config.Default()
}

// LoadConfig reads a YAML file and applies NFSE_* environment overrides.
// An empty path uses the defaults and the environment only.
func LoadConfig(path string) (Config, error) {
	return config.Load(path)
}
