// Package processor is the invoice client facade. Every operation runs the
// same pipeline: build, validate, sign, self-verify, validate again when the
// profile asks for it, send, parse.
package processor

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/rezonia/nfse-client/internal/builder"
	"github.com/rezonia/nfse-client/internal/config"
	"github.com/rezonia/nfse-client/internal/credential"
	"github.com/rezonia/nfse-client/internal/metrics"
	"github.com/rezonia/nfse-client/internal/model"
	"github.com/rezonia/nfse-client/internal/response"
	"github.com/rezonia/nfse-client/internal/schema"
	"github.com/rezonia/nfse-client/internal/signature"
	xmlsig "github.com/rezonia/nfse-client/internal/signature/xml"
	"github.com/rezonia/nfse-client/internal/transport"
)

// Sender delivers one request to the authority
type Sender interface {
	Send(ctx context.Context, req transport.Request) (*transport.Response, error)
}

// Pipeline orchestrates the components of the client
type Pipeline struct {
	cfg      config.Config
	logger   *zap.Logger
	recorder metrics.Recorder

	credential *credential.Store
	builder    *builder.Builder
	validator  *schema.Validator
	signer     signature.Signer
	verifier   signature.Verifier
	sender     Sender
	parser     *response.Parser

	now           func() time.Time
	newID         func() string
	retryInterval time.Duration
}

// Option configures a Pipeline
type Option func(*Pipeline)

// WithLogger sets the logger shared by the pipeline, credential and transport
func WithLogger(l *zap.Logger) Option {
	return func(p *Pipeline) {
		p.logger = l
	}
}

// WithRecorder sets the metrics recorder
func WithRecorder(r metrics.Recorder) Option {
	return func(p *Pipeline) {
		p.recorder = r
	}
}

// WithCredential uses an already loaded credential instead of loading
// cfg.Credentials. The pipeline takes ownership and closes it.
func WithCredential(s *credential.Store) Option {
	return func(p *Pipeline) {
		p.credential = s
	}
}

// WithSender replaces the mTLS transport
func WithSender(s Sender) Option {
	return func(p *Pipeline) {
		p.sender = s
	}
}

// WithClock sets the time source for default issue dates
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		p.now = now
	}
}

// WithIDGenerator sets the source of generated Id suffixes and batch ids
func WithIDGenerator(gen func() string) Option {
	return func(p *Pipeline) {
		p.newID = gen
	}
}

// WithRetryInterval sets the initial backoff between inquiry retries
func WithRetryInterval(d time.Duration) Option {
	return func(p *Pipeline) {
		p.retryInterval = d
	}
}

// NewPipeline loads the credential and wires every component. A missing
// certificate or key fails here, before any document is built.
func NewPipeline(cfg config.Config, opts ...Option) (*Pipeline, error) {
	p := &Pipeline{
		cfg:           cfg,
		logger:        zap.NewNop(),
		recorder:      metrics.NewNoop(),
		validator:     schema.NewValidator(),
		parser:        response.NewParser(),
		now:           time.Now,
		retryInterval: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.credential == nil {
		store, err := credential.Load(cfg.Credentials, credential.WithLogger(p.logger))
		if err != nil {
			_ = p.validator.Close()
			return nil, err
		}
		p.credential = store
	}

	key, cert := p.credential.SigningContext()

	builderOpts := []builder.Option{
		builder.WithFieldSigner(xmlsig.NewFieldSigner(key)),
		builder.WithClock(p.now),
	}
	var signerOpts []xmlsig.SignerOption
	if p.newID != nil {
		builderOpts = append(builderOpts, builder.WithIDGenerator(p.newID))
		signerOpts = append(signerOpts, xmlsig.WithIDGenerator(p.newID))
	}
	p.builder = builder.New(cfg.Company.Identity(), builderOpts...)
	p.signer = xmlsig.NewXMLSigner(key, cert, signerOpts...)
	p.verifier = xmlsig.NewXMLVerifier(xmlsig.WithExpectedCertificate(cert))

	if p.sender == nil {
		tlsCert, roots, err := p.credential.TransportContext()
		if err != nil {
			_ = p.validator.Close()
			_ = p.credential.Close()
			return nil, err
		}
		p.sender = transport.New(cfg, tlsCert, roots,
			transport.WithLogger(p.logger),
			transport.WithRecorder(p.recorder),
		)
	}

	p.logger.Info("pipeline ready",
		zap.String("environment", string(cfg.Environment)),
		zap.String("family", string(cfg.Family)),
		zap.Time("certificate_expiry", p.credential.Expiry()),
	)
	return p, nil
}

// Family returns the configured endpoint family
func (p *Pipeline) Family() model.Family {
	return p.cfg.Family
}

// Credential returns the loaded credential
func (p *Pipeline) Credential() *credential.Store {
	return p.credential
}

// Close releases the credential, the schema cache and idle connections
func (p *Pipeline) Close() error {
	if c, ok := p.sender.(interface{ CloseIdleConnections() }); ok {
		c.CloseIdleConnections()
	}
	return errors.Join(p.validator.Close(), p.credential.Close())
}

// call describes one facade invocation
type call struct {
	op model.Operation
	// build produces the request document; nil for requests without a body
	build func(b *builder.Builder) (*model.UnsignedDocument, error)
	// check validates the arguments of requests without a body
	check  func() error
	params map[string]string
	query  url.Values
	audit  []zap.Field
}

// execute runs c and records its outcome
func (p *Pipeline) execute(ctx context.Context, c call) (*model.OperationResult, error) {
	start := time.Now()
	result, err := p.run(ctx, c)
	elapsed := time.Since(start)
	outcome := metrics.OutcomeOf(result, err)
	p.recorder.ObserveOperation(c.op, p.cfg.Family, outcome, elapsed)

	fields := append([]zap.Field{
		zap.String("operation", string(c.op)),
		zap.String("family", string(p.cfg.Family)),
		zap.String("outcome", outcome),
		zap.Duration("duration", elapsed),
	}, c.audit...)
	switch {
	case err != nil:
		p.logger.Error("operation failed", append(fields, zap.Error(err))...)
	case result.IsUnsupported():
		p.logger.Info("operation unsupported", append(fields, zap.String("reason", result.Reason))...)
	default:
		p.logger.Info("operation completed", append(fields,
			zap.Bool("success", result.Success),
			zap.Stringp("invoice_number", result.InvoiceNumber),
			zap.Stringp("batch_number", result.BatchNumber),
			zap.Int("errors", len(result.Errors)),
		)...)
	}
	return result, err
}

func (p *Pipeline) run(ctx context.Context, c call) (*model.OperationResult, error) {
	profile, ok := p.cfg.Profile(c.op)
	if !ok || (profile.Signed && c.build == nil) {
		return model.NewUnsupportedResult(c.op, p.cfg.Family,
			fmt.Sprintf("%s is not offered by the %s family", c.op, p.cfg.Family)), nil
	}

	req := transport.Request{
		Operation:  c.op,
		Profile:    profile,
		PathParams: c.params,
		Query:      c.query,
	}

	if profile.Signed {
		unsigned, err := c.build(p.builder)
		if err != nil {
			return nil, err
		}
		signed, err := p.prepare(ctx, unsigned, profile)
		if err != nil {
			return nil, err
		}
		req.Body = signed.XML
	} else if c.check != nil {
		if err := c.check(); err != nil {
			return nil, err
		}
	}

	resp, err := p.send(ctx, req)
	if err != nil {
		return nil, err
	}

	result, err := p.parser.Parse(response.Input{
		Operation:      c.op,
		Family:         p.cfg.Family,
		Status:         resp.Status,
		ContentType:    resp.ContentType,
		Body:           resp.Body,
		DefaultSuccess: profile.DefaultSuccess,
	})
	if err != nil {
		return nil, err
	}

	result.RequestDocument = resp.Sent
	if req.Body != nil {
		result.RequestDocument = string(req.Body)
	}
	return result, nil
}

// prepare validates, signs and self-verifies a built document
func (p *Pipeline) prepare(ctx context.Context, doc *model.UnsignedDocument, profile config.Profile) (*model.SignedDocument, error) {
	schemaPath := p.cfg.SchemaPath(profile)

	if profile.ValidateUnsigned {
		if err := p.validator.Validate(doc.XML, schemaPath); err != nil {
			return nil, err
		}
	}

	signed, err := p.sign(doc, profile)
	if err != nil {
		return nil, err
	}

	if !p.cfg.SkipSelfCheck {
		if err := p.selfCheck(ctx, signed.XML); err != nil {
			return nil, err
		}
	}

	if profile.ValidateSigned {
		if err := p.validator.Validate(signed.XML, schemaPath); err != nil {
			return nil, err
		}
	}
	return signed, nil
}

func (p *Pipeline) sign(doc *model.UnsignedDocument, profile config.Profile) (*model.SignedDocument, error) {
	suite, err := signature.SuiteByName(profile.Digest)
	if err != nil {
		return nil, model.NewSigningError(model.SignCodeUnsupportedAlgo, "profile digest", err)
	}

	out, err := p.signer.Sign(doc.XML, signature.Options{
		Suite:        suite,
		Target:       profile.SignTarget,
		Fragment:     profile.Reference == config.ReferenceFragment,
		IDStyle:      signature.IDStyle(profile.IDStyle),
		IssuerSerial: profile.IssuerSerial,
	})
	if err != nil {
		return nil, err
	}

	return &model.SignedDocument{
		Operation:       doc.Operation,
		Family:          doc.Family,
		Root:            doc.Root,
		Namespace:       doc.Namespace,
		XML:             out.XML,
		ReferenceURI:    out.ReferenceURI,
		SignatureMethod: out.Suite.SignatureURI,
	}, nil
}

// selfCheck recomputes the digest and checks the signature value before
// the document leaves the process
func (p *Pipeline) selfCheck(ctx context.Context, data []byte) error {
	result, err := p.verifier.Verify(ctx, data)
	if err != nil {
		return model.NewSigningError(model.SignCodeSelfCheck, "signature not found after signing", err)
	}
	if !result.DigestValid || !result.SignatureValid {
		return model.NewSigningError(model.SignCodeSelfCheck, strings.Join(result.Errors, "; "), nil)
	}
	return nil
}

// send delivers req. Read operations are retried on timeouts and
// connection failures when inquiry retries are configured.
func (p *Pipeline) send(ctx context.Context, req transport.Request) (*transport.Response, error) {
	if !req.Operation.IsRead() || p.cfg.InquiryRetries <= 0 {
		return p.sender.Send(ctx, req)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = p.retryInterval
	policy.MaxElapsedTime = 0

	var resp *transport.Response
	attempt := 0
	err := backoff.RetryNotify(
		func() error {
			attempt++
			r, err := p.sender.Send(ctx, req)
			if err != nil {
				if retryable(err) {
					return err
				}
				return backoff.Permanent(err)
			}
			resp = r
			return nil
		},
		backoff.WithContext(backoff.WithMaxRetries(policy, uint64(p.cfg.InquiryRetries)), ctx),
		func(err error, wait time.Duration) {
			p.logger.Warn("retrying inquiry",
				zap.String("operation", string(req.Operation)),
				zap.Int("attempt", attempt),
				zap.Duration("wait", wait),
				zap.Error(err),
			)
		},
	)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, model.ErrTransportTimeout) || errors.Is(err, model.ErrTransportConnection)
}
