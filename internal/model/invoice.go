package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Family identifies the authority endpoint family an operation is sent to
type Family string

const (
	// FamilyRPS is the SOAP web service that receives RPS documents (lotenfe.asmx)
	FamilyRPS Family = "rps"
	// FamilyDPS is the REST API that receives DPS documents
	FamilyDPS Family = "dps"
)

// Valid reports whether the family is known
func (f Family) Valid() bool {
	return f == FamilyRPS || f == FamilyDPS
}

// Operation names a business operation exposed by the client facade
type Operation string

const (
	OpSubmit          Operation = "submit"
	OpSubmitBatch     Operation = "submitBatch"
	OpTestBatch       Operation = "testBatch"
	OpInquire         Operation = "inquire"
	OpInquireBatch    Operation = "inquireBatch"
	OpBatchInfo       Operation = "batchInfo"
	OpCancel          Operation = "cancel"
	OpInquireTaxpayer Operation = "taxpayer"
	OpInquireReceived Operation = "inquireReceived"
	OpInquireIssued   Operation = "inquireIssued"
	OpIssueToken      Operation = "issueToken"
)

// IsRead returns true for operations that never change state at the authority.
// Only these may be retried.
func (o Operation) IsRead() bool {
	switch o {
	case OpInquire, OpInquireBatch, OpBatchInfo, OpInquireTaxpayer, OpInquireReceived, OpInquireIssued:
		return true
	default:
		return false
	}
}

// RPS type codes
const (
	RPSTypeDefault  = "RPS"
	RPSTypeMixed    = "RPS-M"
	RPSTypeCoupon   = "RPS-C"
	RPSStatusNormal = "N"
	RPSStatusVoided = "C"
	TaxationDefault = "T"
)

// Payer is the service taker (tomador)
type Payer struct {
	// CPF (11) or CNPJ (14); punctuation is stripped before use
	TaxID string `json:"tax_id" yaml:"tax_id"`
	Name  string `json:"name,omitempty" yaml:"name"`
	Email string `json:"email,omitempty" yaml:"email"`
}

// InvoiceRecord holds everything needed to build one RPS or DPS
type InvoiceRecord struct {
	Number          string          `json:"number" yaml:"number"`
	Series          string          `json:"series" yaml:"series"`
	Type            string          `json:"type,omitempty" yaml:"type"`
	IssueDate       time.Time       `json:"issue_date" yaml:"issue_date"`
	Status          string          `json:"status,omitempty" yaml:"status"`
	Taxation        string          `json:"taxation,omitempty" yaml:"taxation"`
	ServiceAmount   decimal.Decimal `json:"service_amount" yaml:"service_amount"`
	DeductionAmount decimal.Decimal `json:"deduction_amount" yaml:"deduction_amount"`
	TaxRate         decimal.Decimal `json:"tax_rate" yaml:"tax_rate"`
	ISSWithheld     bool            `json:"iss_withheld" yaml:"iss_withheld"`
	ServiceCode     string          `json:"service_code" yaml:"service_code"`
	Description     string          `json:"description" yaml:"description"`
	Payer           Payer           `json:"payer" yaml:"payer"`
}

// BatchRecord is an ordered group of invoices sent under a single signature.
// Count and totals are always derived from Records.
type BatchRecord struct {
	ID          string          `json:"id,omitempty" yaml:"id"`
	Records     []InvoiceRecord `json:"records" yaml:"records"`
	StartDate   time.Time       `json:"start_date,omitempty" yaml:"start_date"`
	EndDate     time.Time       `json:"end_date,omitempty" yaml:"end_date"`
	Transaction bool            `json:"transaction" yaml:"transaction"`
}

// InvoiceKey identifies an issued NFS-e
type InvoiceKey struct {
	Number           string `json:"number" yaml:"number"`
	VerificationCode string `json:"verification_code,omitempty" yaml:"verification_code"`
}

// Identity is the issuing company as registered with the municipality
type Identity struct {
	CNPJ                  string
	MunicipalRegistration string
}
