package xml

import (
	"bytes"
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/beevik/etree"

	"github.com/rezonia/nfse-client/internal/signature"
	"github.com/rezonia/nfse-client/internal/signature/trust"
)

// XMLVerifier verifies enveloped XML-DSig signatures
type XMLVerifier struct {
	trustStore *trust.TrustStore
	expected   *x509.Certificate
	extractor  *SignatureExtractor
	now        func() time.Time
}

// VerifierOption configures an XMLVerifier
type VerifierOption func(*XMLVerifier)

// WithTrustStore enables chain and revocation checks against a CA bundle
func WithTrustStore(ts *trust.TrustStore) VerifierOption {
	return func(v *XMLVerifier) {
		v.trustStore = ts
	}
}

// WithExpectedCertificate requires the embedded certificate to be cert.
// Documents without KeyInfo are checked against cert.
func WithExpectedCertificate(cert *x509.Certificate) VerifierOption {
	return func(v *XMLVerifier) {
		v.expected = cert
	}
}

// NewXMLVerifier creates a new XML signature verifier
func NewXMLVerifier(opts ...VerifierOption) *XMLVerifier {
	v := &XMLVerifier{
		extractor: NewSignatureExtractor(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify recomputes the reference digest and checks the signature value
func (v *XMLVerifier) Verify(ctx context.Context, data []byte) (*signature.VerificationResult, error) {
	result := signature.NewVerificationResult()

	extraction, err := v.extractor.Extract(data)
	if err != nil {
		result.AddError(err.Error())
		return result, signature.ErrNoSignature()
	}

	result.SignatureFound = true
	result.ReferenceURI = extraction.ReferenceURI

	sig := extraction.SignatureElement
	signedInfo := childByLocalName(sig, "SignedInfo")
	ref := childByLocalName(signedInfo, "Reference")

	digestMethod := algorithmOf(childByLocalName(ref, "DigestMethod"))
	signatureMethod := algorithmOf(childByLocalName(signedInfo, "SignatureMethod"))
	result.DigestMethod = digestMethod
	result.SignatureMethod = signatureMethod

	digestSuite, ok := signature.SuiteByDigestURI(digestMethod)
	if !ok {
		result.AddError(signature.ErrUnsupportedAlgorithm(digestMethod).Error())
		return result, nil
	}
	sigSuite, ok := signature.SuiteBySignatureURI(signatureMethod)
	if !ok {
		result.AddError(signature.ErrUnsupportedAlgorithm(signatureMethod).Error())
		return result, nil
	}

	canonical, err := canonicalizeExcluding(extraction.SignedElement, sig)
	if err != nil {
		result.AddError(fmt.Sprintf("canonicalize signed element: %v", err))
		return result, nil
	}
	h := digestSuite.Hash.New()
	h.Write(canonical)
	expectedDigest := compactBase64(childByLocalName(ref, "DigestValue"))
	result.DigestValid = base64.StdEncoding.EncodeToString(h.Sum(nil)) == expectedDigest
	if !result.DigestValid {
		result.AddError(signature.ErrDigestMismatch().Error())
	}

	cert, err := v.signerCertificate(sig)
	if err != nil {
		result.AddError(err.Error())
		result.ComputeValidity()
		return result, nil
	}
	result.SetSigner(cert)

	if err := v.checkSignatureValue(signedInfo, sig, sigSuite, cert); err != nil {
		result.AddError(err.Error())
	} else {
		result.SignatureValid = true
	}

	now := v.now()
	if now.After(cert.NotAfter) {
		result.AddWarning(signature.ErrCertExpired(cert.Subject.CommonName).Error())
	} else if now.Before(cert.NotBefore) {
		result.AddWarning(signature.ErrCertNotYetValid(cert.Subject.CommonName).Error())
	}

	if v.trustStore != nil {
		v.checkChain(ctx, cert, result)
	}

	result.ComputeValidity()
	return result, nil
}

func (v *XMLVerifier) signerCertificate(sig *etree.Element) (*x509.Certificate, error) {
	certData, err := ExtractCertificateData(sig)
	if err != nil {
		if v.expected != nil {
			return v.expected, nil
		}
		return nil, signature.ErrMissingCertificate(err)
	}

	der, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(string(certData)), ""))
	if err != nil {
		return nil, signature.ErrMissingCertificate(fmt.Errorf("failed to decode certificate: %w", err))
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, signature.ErrMissingCertificate(fmt.Errorf("failed to parse certificate: %w", err))
	}

	if v.expected != nil && !bytes.Equal(cert.Raw, v.expected.Raw) {
		return nil, signature.ErrInvalidSignature(fmt.Errorf("embedded certificate %q is not the expected signer", cert.Subject.CommonName))
	}
	return cert, nil
}

func (v *XMLVerifier) checkSignatureValue(signedInfo, sig *etree.Element, suite signature.Suite, cert *x509.Certificate) error {
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return signature.ErrUnsupportedAlgorithm(fmt.Sprintf("%T public key", cert.PublicKey))
	}

	value, err := base64.StdEncoding.DecodeString(compactBase64(childByLocalName(sig, "SignatureValue")))
	if err != nil {
		return signature.ErrInvalidSignature(err)
	}

	canonical, err := Canonicalize(signedInfo)
	if err != nil {
		return signature.ErrInvalidSignature(err)
	}
	h := suite.Hash.New()
	h.Write(canonical)

	if err := rsa.VerifyPKCS1v15(pub, suite.Hash, h.Sum(nil), value); err != nil {
		return signature.ErrInvalidSignature(err)
	}
	return nil
}

func (v *XMLVerifier) checkChain(ctx context.Context, cert *x509.Certificate, result *signature.VerificationResult) {
	result.ChainChecked = true

	chain, err := v.trustStore.VerifyChain(cert, nil)
	if err != nil {
		result.AddError(signature.ErrChainInvalid(err).Error())
		return
	}
	result.CertChain = chain
	result.CertChainValid = true

	if len(chain) < 2 {
		result.NotRevoked = true
		result.AddWarning("revocation check skipped: no issuer certificate in chain")
		return
	}

	notRevoked, err := v.trustStore.CheckRevocation(ctx, cert, chain[1])
	switch {
	case err != nil && v.trustStore.IsSoftFail():
		result.AddWarning(fmt.Sprintf("OCSP check: %v (soft-fail enabled)", err))
		result.NotRevoked = true
	case err != nil:
		result.AddError(signature.ErrOCSPUnavailable(err).Error())
	default:
		result.NotRevoked = notRevoked
		if !notRevoked {
			result.AddError(signature.ErrCertRevoked(cert.Subject.CommonName).Error())
		}
	}
}

func algorithmOf(el *etree.Element) string {
	if el == nil {
		return ""
	}
	return el.SelectAttrValue("Algorithm", "")
}

func compactBase64(el *etree.Element) string {
	if el == nil {
		return ""
	}
	return strings.Join(strings.Fields(el.Text()), "")
}
