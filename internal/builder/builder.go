// Package builder constructs the unsigned request documents sent to the
// Sao Paulo NFS-e authority.
//
// Every document is a pure function of the issuer identity and the request
// data. Element names, order and namespaces reproduce the authority layouts;
// the builder neither invents nor drops fields.
package builder

import (
	"fmt"
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/google/uuid"

	"github.com/rezonia/nfse-client/internal/decimal"
	"github.com/rezonia/nfse-client/internal/model"
)

// Authority namespaces
const (
	NamespaceNFe  = "http://www.prefeitura.sp.gov.br/nfe"
	NamespaceNFSe = "http://www.prefeitura.sp.gov.br/nfse"
)

// MaxBatchSize is the largest number of RPS the authority accepts in one batch
const MaxBatchSize = 50

// FieldSigner signs the fixed-width strings carried inside RPS documents
type FieldSigner interface {
	SignFields(tbs string) (string, error)
}

// Builder builds the documents of both endpoint families
type Builder struct {
	identity model.Identity
	signer   FieldSigner
	now      func() time.Time
	newID    func() string
}

// Option configures a Builder
type Option func(*Builder)

// WithFieldSigner sets the signer for Assinatura and AssinaturaCancelamento.
// RPS submission and cancellation fail without one.
func WithFieldSigner(s FieldSigner) Option {
	return func(b *Builder) {
		b.signer = s
	}
}

// WithClock sets the clock used for records without an issue date
func WithClock(now func() time.Time) Option {
	return func(b *Builder) {
		b.now = now
	}
}

// WithIDGenerator sets the generator of DPS batch identifiers
func WithIDGenerator(gen func() string) Option {
	return func(b *Builder) {
		b.newID = gen
	}
}

// New creates a builder for the given issuer
func New(identity model.Identity, opts ...Option) *Builder {
	b := &Builder{
		identity: identity,
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Identity returns the issuer the builder writes into every document
func (b *Builder) Identity() model.Identity {
	return b.identity
}

// checkIdentity validates the issuer numbers and returns them sanitized
func (b *Builder) checkIdentity(verr *model.ValidationError) (cnpj, registration string) {
	cnpj = Alphanumeric(b.identity.CNPJ)
	if len(cnpj) != 14 || !isDigits(cnpj) {
		verr.Add("identity.cnpj", b.identity.CNPJ, "cnpj", "issuer CNPJ must have 14 digits")
	}
	registration = Alphanumeric(b.identity.MunicipalRegistration)
	if !isDigits(registration) || len(registration) > 8 {
		verr.Add("identity.municipal_registration", b.identity.MunicipalRegistration, "digits<=8", "municipal registration must have up to 8 digits")
	}
	return cnpj, padLeft(registration, 8, '0')
}

// normalized is an InvoiceRecord with defaults applied and identifiers sanitized
type normalized struct {
	model.InvoiceRecord
	payerID   string
	payerKind TaxIDKind
}

func (b *Builder) normalize(rec model.InvoiceRecord) normalized {
	if rec.Type == "" {
		rec.Type = model.RPSTypeDefault
	}
	if rec.Status == "" {
		rec.Status = model.RPSStatusNormal
	}
	if rec.Taxation == "" {
		rec.Taxation = model.TaxationDefault
	}
	if rec.IssueDate.IsZero() {
		rec.IssueDate = b.now()
	}
	rec.Number = strings.TrimSpace(rec.Number)
	rec.Series = strings.TrimSpace(rec.Series)
	rec.ServiceCode = strings.TrimSpace(rec.ServiceCode)
	rec.Description = FreeText(rec.Description)
	rec.Payer.Name = FreeText(rec.Payer.Name)
	rec.Payer.Email = strings.TrimSpace(rec.Payer.Email)

	id, kind := ClassifyTaxID(rec.Payer.TaxID)
	return normalized{InvoiceRecord: rec, payerID: id, payerKind: kind}
}

// validateRecord reports every missing or malformed field of rec
func validateRecord(rec normalized) *model.ValidationError {
	verr := &model.ValidationError{}

	switch {
	case rec.Number == "":
		verr.Add("number", nil, "required", "invoice number is required")
	case !isDigits(rec.Number) || len(rec.Number) > 12:
		verr.Add("number", rec.Number, "digits<=12", "invoice number must have up to 12 digits")
	}

	switch {
	case rec.Series == "":
		verr.Add("series", nil, "required", "series is required")
	case len(rec.Series) > 5:
		verr.Add("series", rec.Series, "len<=5", "series must have up to 5 characters")
	}

	if !decimal.IsPositive(rec.ServiceAmount) {
		verr.Add("service_amount", rec.ServiceAmount.String(), "required", "service amount is required and must be positive")
	}
	switch {
	case !decimal.IsNonNegative(rec.DeductionAmount):
		verr.Add("deduction_amount", rec.DeductionAmount.String(), ">=0", "deduction amount must not be negative")
	case rec.DeductionAmount.GreaterThan(rec.ServiceAmount) && decimal.IsPositive(rec.ServiceAmount):
		verr.Add("deduction_amount", rec.DeductionAmount.String(), "<=service_amount", "deduction amount exceeds the service amount")
	}
	if !decimal.IsCentExact(rec.ServiceAmount) {
		verr.Add("service_amount", rec.ServiceAmount.String(), "decimals<=2", "service amount must not have fractions of a cent")
	}
	if !decimal.IsCentExact(rec.DeductionAmount) {
		verr.Add("deduction_amount", rec.DeductionAmount.String(), "decimals<=2", "deduction amount must not have fractions of a cent")
	}
	if !decimal.IsNonNegative(rec.TaxRate) {
		verr.Add("tax_rate", rec.TaxRate.String(), ">=0", "tax rate must not be negative")
	}

	switch {
	case rec.ServiceCode == "":
		verr.Add("service_code", nil, "required", "service code is required")
	case !isDigits(rec.ServiceCode) || len(rec.ServiceCode) > 5:
		verr.Add("service_code", rec.ServiceCode, "digits<=5", "service code must have up to 5 digits")
	}

	if rec.Description == "" {
		verr.Add("description", nil, "required", "service description is required")
	}

	switch {
	case rec.Payer.TaxID == "":
		verr.Add("payer.tax_id", nil, "required", "payer CPF or CNPJ is required")
	case rec.payerKind == TaxIDNone:
		verr.Add("payer.tax_id", rec.Payer.TaxID, "cpf|cnpj", "payer identifier must have 11 (CPF) or 14 (CNPJ) characters")
	}

	switch rec.Type {
	case model.RPSTypeDefault, model.RPSTypeMixed, model.RPSTypeCoupon:
	default:
		verr.Add("type", rec.Type, "RPS|RPS-M|RPS-C", "unknown RPS type")
	}
	if rec.Status != model.RPSStatusNormal && rec.Status != model.RPSStatusVoided {
		verr.Add("status", rec.Status, "N|C", "unknown RPS status")
	}
	if len(rec.Taxation) != 1 {
		verr.Add("taxation", rec.Taxation, "len=1", "taxation code is a single character")
	}

	return verr
}

// batchTotals are the derived header values of a batch
type batchTotals struct {
	count      int
	services   string
	deductions string
	start      time.Time
	end        time.Time
}

// prepareBatch normalizes and validates every record of batch. Violations are
// prefixed with records[i].
func (b *Builder) prepareBatch(batch model.BatchRecord, verr *model.ValidationError) ([]normalized, batchTotals) {
	var totals batchTotals

	if len(batch.Records) == 0 {
		verr.Add("records", nil, "required", "batch must contain at least one record")
		return nil, totals
	}
	if len(batch.Records) > MaxBatchSize {
		verr.Add("records", len(batch.Records), fmt.Sprintf("len<=%d", MaxBatchSize), "batch exceeds the authority limit")
	}

	records := make([]normalized, 0, len(batch.Records))
	services := make([]decimal.Decimal, 0, len(batch.Records))
	deductions := make([]decimal.Decimal, 0, len(batch.Records))
	for i, raw := range batch.Records {
		rec := b.normalize(raw)
		verr.Merge(fmt.Sprintf("records[%d].", i), validateRecord(rec))
		records = append(records, rec)
		services = append(services, rec.ServiceAmount)
		deductions = append(deductions, rec.DeductionAmount)

		day := dateOnly(rec.IssueDate)
		if totals.start.IsZero() || day.Before(totals.start) {
			totals.start = day
		}
		if day.After(totals.end) {
			totals.end = day
		}
	}

	if !batch.StartDate.IsZero() {
		if dateOnly(batch.StartDate).After(totals.start) {
			verr.Add("start_date", batch.StartDate.Format(dateLayout), "<=records", "start date is after the earliest record")
		}
		totals.start = dateOnly(batch.StartDate)
	}
	if !batch.EndDate.IsZero() {
		if dateOnly(batch.EndDate).Before(totals.end) {
			verr.Add("end_date", batch.EndDate.Format(dateLayout), ">=records", "end date is before the latest record")
		}
		totals.end = dateOnly(batch.EndDate)
	}

	totals.count = len(records)
	totals.services = decimal.FormatMoney(decimal.Sum(services))
	totals.deductions = decimal.FormatMoney(decimal.Sum(deductions))
	return records, totals
}

const dateLayout = "2006-01-02"

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func requireText(verr *model.ValidationError, field, value, message string) {
	if strings.TrimSpace(value) == "" {
		verr.Add(field, nil, "required", message)
	}
}

// newDocument creates a document with the XML declaration and a root in ns
func newDocument(root, ns string) (*etree.Document, *etree.Element) {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	el := doc.CreateElement(root)
	el.CreateAttr("xmlns", ns)
	return doc, el
}

// unqualified creates a child of an nfe root whose subtree is in no namespace
func unqualified(parent *etree.Element, tag string) *etree.Element {
	el := parent.CreateElement(tag)
	el.CreateAttr("xmlns", "")
	return el
}

func text(parent *etree.Element, tag, value string) *etree.Element {
	el := parent.CreateElement(tag)
	el.SetText(value)
	return el
}

// cdata writes value as a CDATA section. A literal "]]>" is split across
// two sections.
func cdata(parent *etree.Element, tag, value string) *etree.Element {
	el := parent.CreateElement(tag)
	el.CreateCData(strings.ReplaceAll(value, "]]>", "]]]]><![CDATA[>"))
	return el
}

func taxID(parent *etree.Element, tag, id string, kind TaxIDKind) {
	el := parent.CreateElement(tag)
	text(el, string(kind), id)
}

func finish(doc *etree.Document, op model.Operation, family model.Family, ns string) (*model.UnsignedDocument, error) {
	out, err := doc.WriteToBytes()
	if err != nil {
		return nil, fmt.Errorf("serialize %s: %w", doc.Root().Tag, err)
	}
	return &model.UnsignedDocument{
		Operation: op,
		Family:    family,
		Root:      doc.Root().Tag,
		Namespace: ns,
		XML:       out,
	}, nil
}
