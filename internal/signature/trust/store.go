// Package trust holds the CA bundle used to verify the authority's TLS
// certificate and the chain of signing certificates, plus OCSP revocation
// checks for the client certificate.
package trust

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net/http"
	"os"
	"time"
)

// TrustStore manages trusted CA certificates and revocation checking
type TrustStore struct {
	roots       *x509.CertPool
	rootCerts   []*x509.Certificate
	ocspCache   *OCSPCache
	ocspTimeout time.Duration
	httpClient  *http.Client
	softFail    bool
	now         func() time.Time
}

// TrustStoreOption configures a TrustStore
type TrustStoreOption func(*TrustStore)

// NewTrustStore creates a trust store without any trusted certificate
func NewTrustStore(opts ...TrustStoreOption) *TrustStore {
	store := &TrustStore{
		roots:       x509.NewCertPool(),
		rootCerts:   make([]*x509.Certificate, 0),
		ocspCache:   NewOCSPCache(DefaultOCSPCacheTTL),
		ocspTimeout: DefaultOCSPTimeout,
		httpClient:  http.DefaultClient,
		now:         time.Now,
	}

	for _, opt := range opts {
		opt(store)
	}

	return store
}

// LoadBundle creates a trust store from a PEM CA bundle file
func LoadBundle(path string, opts ...TrustStoreOption) (*TrustStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	store := NewTrustStore(opts...)
	if err := store.AddCertificatesFromPEM(data); err != nil {
		return nil, fmt.Errorf("CA bundle %s: %w", path, err)
	}
	return store, nil
}

// WithSoftFail treats OCSP responder failures as "not revoked"
func WithSoftFail() TrustStoreOption {
	return func(s *TrustStore) {
		s.softFail = true
	}
}

// WithOCSPTimeout sets the timeout for OCSP requests
func WithOCSPTimeout(d time.Duration) TrustStoreOption {
	return func(s *TrustStore) {
		s.ocspTimeout = d
	}
}

// WithOCSPCacheTTL sets the TTL for OCSP cache entries
func WithOCSPCacheTTL(d time.Duration) TrustStoreOption {
	return func(s *TrustStore) {
		s.ocspCache = NewOCSPCache(d)
	}
}

// WithHTTPClient sets the client used to reach OCSP responders
func WithHTTPClient(c *http.Client) TrustStoreOption {
	return func(s *TrustStore) {
		s.httpClient = c
	}
}

// WithClock overrides the time source used for validity checks
func WithClock(now func() time.Time) TrustStoreOption {
	return func(s *TrustStore) {
		s.now = now
	}
}

// AddCertificate adds a single certificate to the trust store
func (s *TrustStore) AddCertificate(cert *x509.Certificate) {
	if cert != nil {
		s.roots.AddCert(cert)
		s.rootCerts = append(s.rootCerts, cert)
	}
}

// AddCertificatesFromPEM parses and adds every certificate block in pemData
func (s *TrustStore) AddCertificatesFromPEM(pemData []byte) error {
	var added int
	for {
		block, rest := pem.Decode(pemData)
		if block == nil {
			break
		}
		if block.Type == "CERTIFICATE" {
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return fmt.Errorf("failed to parse certificate: %w", err)
			}
			s.AddCertificate(cert)
			added++
		}
		pemData = rest
	}
	if added == 0 {
		return fmt.Errorf("no certificates found in PEM data")
	}
	return nil
}

// CheckValidity returns an error when cert is outside its validity window
func (s *TrustStore) CheckValidity(cert *x509.Certificate) error {
	now := s.now()
	if now.Before(cert.NotBefore) {
		return fmt.Errorf("certificate %q not valid before %s", cert.Subject.CommonName, cert.NotBefore.Format(time.RFC3339))
	}
	if now.After(cert.NotAfter) {
		return fmt.Errorf("certificate %q expired at %s", cert.Subject.CommonName, cert.NotAfter.Format(time.RFC3339))
	}
	return nil
}

// VerifyChain verifies the certificate chain against trusted roots
func (s *TrustStore) VerifyChain(cert *x509.Certificate, intermediates []*x509.Certificate) ([]*x509.Certificate, error) {
	if cert == nil {
		return nil, fmt.Errorf("certificate is nil")
	}

	var interPool *x509.CertPool
	if len(intermediates) > 0 {
		interPool = x509.NewCertPool()
		for _, inter := range intermediates {
			interPool.AddCert(inter)
		}
	}

	chains, err := cert.Verify(x509.VerifyOptions{
		Roots:         s.roots,
		Intermediates: interPool,
		CurrentTime:   s.now(),
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil {
		return nil, fmt.Errorf("chain verification failed: %w", err)
	}
	if len(chains) == 0 {
		return nil, fmt.Errorf("no valid certificate chains found")
	}

	return chains[0], nil
}

// CheckRevocation checks cert against its OCSP responders.
// Certificates without responders are reported as not revoked.
func (s *TrustStore) CheckRevocation(ctx context.Context, cert *x509.Certificate, issuer *x509.Certificate) (bool, error) {
	if cert == nil || issuer == nil {
		return false, fmt.Errorf("certificate or issuer is nil")
	}

	if notRevoked, found := s.ocspCache.Get(cert); found {
		return notRevoked, nil
	}

	if len(cert.OCSPServer) == 0 {
		return true, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.ocspTimeout)
	defer cancel()

	revoked, err := CheckOCSP(ctx, s.httpClient, cert, issuer)
	if err != nil {
		if s.softFail {
			return true, fmt.Errorf("OCSP check failed (soft-fail enabled): %w", err)
		}
		return false, fmt.Errorf("OCSP check failed: %w", err)
	}

	s.ocspCache.Set(cert, !revoked)
	return !revoked, nil
}

// Roots returns the certificate pool
func (s *TrustStore) Roots() *x509.CertPool {
	return s.roots
}

// RootCerts returns the trusted certificates as a slice
func (s *TrustStore) RootCerts() []*x509.Certificate {
	return s.rootCerts
}

// Len returns the number of trusted certificates
func (s *TrustStore) Len() int {
	return len(s.rootCerts)
}

// IsSoftFail returns whether soft-fail mode is enabled
func (s *TrustStore) IsSoftFail() bool {
	return s.softFail
}
