package processor

import (
	"context"
	"fmt"

	"github.com/rezonia/nfse-client/internal/model"
	"github.com/rezonia/nfse-client/internal/signature"
	xmlsig "github.com/rezonia/nfse-client/internal/signature/xml"
)

// SignDocument signs an externally built document with the profile of op
// and verifies the result. No schema validation is performed.
func (p *Pipeline) SignDocument(ctx context.Context, op model.Operation, data []byte) (*model.SignedDocument, error) {
	profile, ok := p.cfg.Profile(op)
	if !ok || !profile.Signed {
		return nil, &model.UnsupportedOperationError{Operation: op, Reason: fmt.Sprintf("no signing profile in the %s family", p.cfg.Family)}
	}

	signed, err := p.sign(&model.UnsignedDocument{Operation: op, Family: p.cfg.Family, XML: data}, profile)
	if err != nil {
		return nil, err
	}
	if err := p.selfCheck(ctx, signed.XML); err != nil {
		return nil, err
	}
	return signed, nil
}

// ValidateDocument checks data against the schema of op
func (p *Pipeline) ValidateDocument(op model.Operation, data []byte) error {
	profile, ok := p.cfg.Profile(op)
	if !ok || profile.Schema == "" {
		return &model.UnsupportedOperationError{Operation: op, Reason: fmt.Sprintf("no schema configured in the %s family", p.cfg.Family)}
	}
	return p.validator.Validate(data, p.cfg.SchemaPath(profile))
}

// Verify checks the enveloped signature of any document. The chain is
// checked when the credential carries a CA bundle.
func (p *Pipeline) Verify(ctx context.Context, data []byte) (*signature.VerificationResult, error) {
	var opts []xmlsig.VerifierOption
	if ts := p.credential.Trust(); ts != nil {
		opts = append(opts, xmlsig.WithTrustStore(ts))
	}
	return xmlsig.NewXMLVerifier(opts...).Verify(ctx, data)
}
