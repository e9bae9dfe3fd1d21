package processor

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rezonia/nfse-client/internal/builder"
	"github.com/rezonia/nfse-client/internal/config"
	"github.com/rezonia/nfse-client/internal/metrics"
	"github.com/rezonia/nfse-client/internal/model"
)

// Submit sends one invoice
func (p *Pipeline) Submit(ctx context.Context, record model.InvoiceRecord) (*model.OperationResult, error) {
	c := call{
		op:    model.OpSubmit,
		audit: []zap.Field{zap.String("number", record.Number), zap.String("series", record.Series)},
	}
	switch p.cfg.Family {
	case model.FamilyRPS:
		c.build = func(b *builder.Builder) (*model.UnsignedDocument, error) { return b.SubmitRPS(record) }
	case model.FamilyDPS:
		c.build = func(b *builder.Builder) (*model.UnsignedDocument, error) { return b.SubmitDPS(record) }
	}
	return p.execute(ctx, c)
}

// SubmitBatch sends a batch under a single signature
func (p *Pipeline) SubmitBatch(ctx context.Context, batch model.BatchRecord) (*model.OperationResult, error) {
	c := call{
		op:    model.OpSubmitBatch,
		audit: []zap.Field{zap.Int("records", len(batch.Records))},
	}
	switch p.cfg.Family {
	case model.FamilyRPS:
		c.build = func(b *builder.Builder) (*model.UnsignedDocument, error) { return b.SubmitRPSBatch(batch, false) }
	case model.FamilyDPS:
		c.build = func(b *builder.Builder) (*model.UnsignedDocument, error) { return b.SubmitDPSBatch(batch) }
	}
	return p.execute(ctx, c)
}

// TestBatch asks the authority to validate a batch without issuing invoices
func (p *Pipeline) TestBatch(ctx context.Context, batch model.BatchRecord) (*model.OperationResult, error) {
	c := call{
		op:    model.OpTestBatch,
		audit: []zap.Field{zap.Int("records", len(batch.Records))},
	}
	if p.cfg.Family == model.FamilyRPS {
		c.build = func(b *builder.Builder) (*model.UnsignedDocument, error) { return b.SubmitRPSBatch(batch, true) }
	}
	return p.execute(ctx, c)
}

// Inquire looks up an issued invoice. The verification code is optional.
func (p *Pipeline) Inquire(ctx context.Context, invoiceNumber, verificationCode string) (*model.OperationResult, error) {
	c := call{
		op:    model.OpInquire,
		audit: []zap.Field{zap.String("invoice_number", invoiceNumber)},
	}
	switch p.cfg.Family {
	case model.FamilyRPS:
		c.build = func(b *builder.Builder) (*model.UnsignedDocument, error) {
			return b.InquireNFe(invoiceNumber, verificationCode)
		}
	case model.FamilyDPS:
		c.check = requireArgument("invoice_number", invoiceNumber)
		c.params = map[string]string{"numero": strings.TrimSpace(invoiceNumber)}
		if code := builder.VerificationCode(verificationCode); code != "" {
			c.query = url.Values{"codigoVerificacao": []string{code}}
		}
	}
	return p.execute(ctx, c)
}

// InquireBatch looks up the outcome of a submitted batch
func (p *Pipeline) InquireBatch(ctx context.Context, batchNumber string) (*model.OperationResult, error) {
	c := call{
		op:    model.OpInquireBatch,
		audit: []zap.Field{zap.String("batch_number", batchNumber)},
	}
	switch p.cfg.Family {
	case model.FamilyRPS:
		c.build = func(b *builder.Builder) (*model.UnsignedDocument, error) { return b.InquireRPSBatch(batchNumber) }
	case model.FamilyDPS:
		c.check = requireArgument("batch_number", batchNumber)
		c.params = map[string]string{"protocolo": strings.TrimSpace(batchNumber)}
	}
	return p.execute(ctx, c)
}

// BatchInfo returns the header of a batch. An empty number asks for the last batch.
func (p *Pipeline) BatchInfo(ctx context.Context, batchNumber string) (*model.OperationResult, error) {
	c := call{
		op:    model.OpBatchInfo,
		audit: []zap.Field{zap.String("batch_number", batchNumber)},
	}
	if p.cfg.Family == model.FamilyRPS {
		c.build = func(b *builder.Builder) (*model.UnsignedDocument, error) { return b.RPSBatchInfo(batchNumber) }
	}
	return p.execute(ctx, c)
}

// Cancel voids an issued invoice. The RPS web service has no field for the
// reason, so it is only written to the audit log there.
func (p *Pipeline) Cancel(ctx context.Context, invoiceNumber, verificationCode, reason string) (*model.OperationResult, error) {
	c := call{
		op: model.OpCancel,
		audit: []zap.Field{
			zap.String("invoice_number", invoiceNumber),
			zap.String("reason", reason),
		},
	}
	switch p.cfg.Family {
	case model.FamilyRPS:
		c.build = func(b *builder.Builder) (*model.UnsignedDocument, error) {
			return b.CancelNFe(invoiceNumber, verificationCode)
		}
	case model.FamilyDPS:
		c.params = map[string]string{"numero": strings.TrimSpace(invoiceNumber)}
		c.build = func(b *builder.Builder) (*model.UnsignedDocument, error) {
			return b.CancelDPS(invoiceNumber, verificationCode, reason)
		}
	}
	return p.execute(ctx, c)
}

// InquireTaxpayer checks whether a CNPJ or CPF is registered as a taxpayer
func (p *Pipeline) InquireTaxpayer(ctx context.Context, taxID string) (*model.OperationResult, error) {
	c := call{op: model.OpInquireTaxpayer}
	if p.cfg.Family == model.FamilyRPS {
		c.build = func(b *builder.Builder) (*model.UnsignedDocument, error) { return b.InquireTaxpayer(taxID) }
	}
	return p.execute(ctx, c)
}

// InquiryOutcome is the result of one key of InquireMany
type InquiryOutcome struct {
	Key    model.InvoiceKey
	Result *model.OperationResult
	Err    error
}

// InquireMany runs one inquiry per key on a bounded pool of workers.
// Outcomes keep the order of keys; a failed key does not stop the others.
func (p *Pipeline) InquireMany(ctx context.Context, keys []model.InvoiceKey) []InquiryOutcome {
	workers := p.cfg.Workers
	if workers <= 0 {
		workers = config.DefaultWorkers
	}

	out := make([]InquiryOutcome, len(keys))
	var g errgroup.Group
	g.SetLimit(workers)
	for i, key := range keys {
		g.Go(func() error {
			result, err := p.Inquire(ctx, key.Number, key.VerificationCode)
			out[i] = InquiryOutcome{Key: key, Result: result, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// InquireReceived lists invoices received by the company. Not offered.
func (p *Pipeline) InquireReceived(ctx context.Context) (*model.OperationResult, error) {
	return p.unsupported(model.OpInquireReceived, "received invoice listing (ConsultaNFeRecebidas) is not implemented")
}

// InquireIssued lists invoices issued by the company. Not offered.
func (p *Pipeline) InquireIssued(ctx context.Context) (*model.OperationResult, error) {
	return p.unsupported(model.OpInquireIssued, "issued invoice listing (ConsultaNFeEmitidas) is not implemented")
}

// IssueToken requests a bearer token. The authority authenticates with
// mutual TLS only, so the result is always unsupported.
func (p *Pipeline) IssueToken(ctx context.Context) (*model.OperationResult, error) {
	if _, err := p.credential.GenerateToken(ctx); err != nil && !errors.Is(err, model.ErrNotImplemented) {
		return nil, err
	}
	return p.unsupported(model.OpIssueToken, "bearer tokens are not used, the authority authenticates with mutual TLS")
}

func (p *Pipeline) unsupported(op model.Operation, reason string) (*model.OperationResult, error) {
	result := model.NewUnsupportedResult(op, p.cfg.Family, reason)
	p.recorder.ObserveOperation(op, p.cfg.Family, metrics.OutcomeOf(result, nil), 0)
	p.logger.Info("operation unsupported", zap.String("operation", string(op)), zap.String("reason", reason))
	return result, nil
}

func requireArgument(field, value string) func() error {
	return func() error {
		if strings.TrimSpace(value) == "" {
			return model.NewValidationError(field, nil, "required", "is required")
		}
		return nil
	}
}
