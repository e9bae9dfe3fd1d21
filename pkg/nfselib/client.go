package nfselib

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/rezonia/nfse-client/internal/metrics"
	"github.com/rezonia/nfse-client/internal/processor"
)

// Client is the invoice client facade. It is safe for concurrent use.
type Client struct {
	pipeline *processor.Pipeline
}

// Option configures a Client
type Option = processor.Option

// WithLogger sets the structured logger used for audit lines
func WithLogger(l *zap.Logger) Option {
	return processor.WithLogger(l)
}

// WithMetrics registers the nfse_* series on reg
func WithMetrics(reg prometheus.Registerer) Option {
	return processor.WithRecorder(metrics.NewPrometheusWithRegistry(reg))
}

// WithClock replaces the clock used for default issue dates
func WithClock(now func() time.Time) Option {
	return processor.WithClock(now)
}

// NewClient loads the credential and prepares the pipeline. It fails with
// ErrCredentialNotFound or ErrSigning before any document is built.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	p, err := processor.NewPipeline(cfg, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{pipeline: p}, nil
}

// Family returns the endpoint family the client talks to
func (c *Client) Family() Family {
	return c.pipeline.Family()
}

// Submit sends one invoice
func (c *Client) Submit(ctx context.Context, record InvoiceRecord) (*OperationResult, error) {
	return c.pipeline.Submit(ctx, record)
}

// SubmitBatch sends a batch under a single signature
func (c *Client) SubmitBatch(ctx context.Context, batch BatchRecord) (*OperationResult, error) {
	return c.pipeline.SubmitBatch(ctx, batch)
}

// TestBatch asks the authority to check a batch without issuing invoices
func (c *Client) TestBatch(ctx context.Context, batch BatchRecord) (*OperationResult, error) {
	return c.pipeline.TestBatch(ctx, batch)
}

// Inquire looks up an issued invoice
func (c *Client) Inquire(ctx context.Context, invoiceNumber, verificationCode string) (*OperationResult, error) {
	return c.pipeline.Inquire(ctx, invoiceNumber, verificationCode)
}

// InquireBatch looks up a submitted batch
func (c *Client) InquireBatch(ctx context.Context, batchNumber string) (*OperationResult, error) {
	return c.pipeline.InquireBatch(ctx, batchNumber)
}

// BatchInfo returns a batch header; an empty number selects the last batch
func (c *Client) BatchInfo(ctx context.Context, batchNumber string) (*OperationResult, error) {
	return c.pipeline.BatchInfo(ctx, batchNumber)
}

// Cancel voids an issued invoice
func (c *Client) Cancel(ctx context.Context, invoiceNumber, verificationCode, reason string) (*OperationResult, error) {
	return c.pipeline.Cancel(ctx, invoiceNumber, verificationCode, reason)
}

// InquireTaxpayer checks a CPF or CNPJ registration
func (c *Client) InquireTaxpayer(ctx context.Context, taxID string) (*OperationResult, error) {
	return c.pipeline.InquireTaxpayer(ctx, taxID)
}

// InquireMany runs inquiries on a bounded pool, keeping the order of keys
func (c *Client) InquireMany(ctx context.Context, keys []InvoiceKey) []InquiryOutcome {
	return c.pipeline.InquireMany(ctx, keys)
}

// InquireReceived always reports Outcome=Unsupported
func (c *Client) InquireReceived(ctx context.Context) (*OperationResult, error) {
	return c.pipeline.InquireReceived(ctx)
}

// InquireIssued always reports Outcome=Unsupported
func (c *Client) InquireIssued(ctx context.Context) (*OperationResult, error) {
	return c.pipeline.InquireIssued(ctx)
}

// IssueToken always reports Outcome=Unsupported; authentication is mutual TLS
func (c *Client) IssueToken(ctx context.Context) (*OperationResult, error) {
	return c.pipeline.IssueToken(ctx)
}

// Sign signs an externally built document with the profile of op
func (c *Client) Sign(ctx context.Context, op Operation, data []byte) (*SignedDocument, error) {
	return c.pipeline.SignDocument(ctx, op, data)
}

// Validate checks data against the schema configured for op
func (c *Client) Validate(op Operation, data []byte) error {
	return c.pipeline.ValidateDocument(op, data)
}

// Verify checks the enveloped signature of data
func (c *Client) Verify(ctx context.Context, data []byte) (*VerificationResult, error) {
	return c.pipeline.Verify(ctx, data)
}

// Close releases the credential and the schema cache
func (c *Client) Close() error {
	return c.pipeline.Close()
}
