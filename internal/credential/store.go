// Package credential loads the signing certificate and private key once and
// hands them to the signature engine and to the mTLS transport.
package credential

import (
	"context"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/youmark/pkcs8"
	"go.uber.org/zap"
	"software.sslmate.com/src/go-pkcs12"

	"github.com/rezonia/nfse-client/internal/config"
	"github.com/rezonia/nfse-client/internal/model"
	"github.com/rezonia/nfse-client/internal/signature/trust"
)

// Credential kinds reported by CredentialNotFoundError
const (
	KindCertificate = "certificate"
	KindKey         = "private key"
	KindPKCS12      = "pkcs12"
	KindCABundle    = "ca bundle"
)

// Store owns the credential for the lifetime of the process
type Store struct {
	cfg    config.Credentials
	logger *zap.Logger
	now    func() time.Time

	key   *rsa.PrivateKey
	cert  *x509.Certificate
	chain []*x509.Certificate
	trust *trust.TrustStore

	pemOnce sync.Once
	pemDir  string
	pemPath string
	pemErr  error

	closeOnce sync.Once
}

// Option configures a Store
type Option func(*Store)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithClock overrides the time source used for expiry checks
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Load reads the configured certificate material. A missing or unreadable
// path yields a CredentialNotFoundError; a key that cannot be decoded or
// decrypted yields a SigningError.
func Load(cfg config.Credentials, opts ...Option) (*Store, error) {
	s := &Store{
		cfg:    cfg,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	var err error
	if cfg.UsesPKCS12() {
		err = s.loadPKCS12()
	} else {
		err = s.loadPEM()
	}
	if err != nil {
		s.logger.Error("credential load failed", zap.Object("credentials", cfg), zap.Error(err))
		return nil, err
	}

	if cfg.CABundlePath != "" {
		ts, err := trust.LoadBundle(cfg.CABundlePath, trust.WithSoftFail())
		if err != nil {
			if errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) {
				return nil, model.NewCredentialNotFoundError(KindCABundle, cfg.CABundlePath, err)
			}
			return nil, fmt.Errorf("load CA bundle: %w", err)
		}
		s.trust = ts
	}

	fields := []zap.Field{
		zap.Object("credentials", cfg),
		zap.String("subject", s.cert.Subject.String()),
		zap.Time("not_after", s.cert.NotAfter),
	}
	if s.now().After(s.cert.NotAfter) {
		s.logger.Warn("certificate expired", fields...)
	} else {
		s.logger.Info("credential loaded", fields...)
	}
	return s, nil
}

func (s *Store) loadPEM() error {
	certPEM, err := readFile(KindCertificate, s.cfg.CertPath)
	if err != nil {
		return err
	}
	keyPEM, err := readFile(KindKey, s.cfg.KeyPath)
	if err != nil {
		return err
	}

	certs, err := parseCertificates(certPEM)
	if err != nil {
		return model.NewSigningError(model.SignCodeKeyUnavailable, "certificate unusable", err)
	}
	key, err := parsePrivateKey(keyPEM, s.cfg.KeyPassphrase)
	if err != nil {
		return model.NewSigningError(model.SignCodeKeyUnavailable, "private key unusable", err)
	}
	if err := checkKeyPair(key, certs[0]); err != nil {
		return model.NewSigningError(model.SignCodeKeyUnavailable, "private key does not match certificate", err)
	}

	s.key = key
	s.cert = certs[0]
	s.chain = certs[1:]
	return nil
}

func (s *Store) loadPKCS12() error {
	data, err := readFile(KindPKCS12, s.cfg.PKCS12Path)
	if err != nil {
		return err
	}

	priv, cert, chain, err := pkcs12.DecodeChain(data, s.cfg.PKCS12Passphrase)
	if err != nil {
		return model.NewSigningError(model.SignCodeKeyUnavailable, "pkcs12 bundle unusable", err)
	}
	key, ok := priv.(*rsa.PrivateKey)
	if !ok {
		return model.NewSigningError(model.SignCodeUnsupportedAlgo, fmt.Sprintf("pkcs12 key type %T is not RSA", priv), nil)
	}

	s.key = key
	s.cert = cert
	s.chain = chain
	return nil
}

func readFile(kind, path string) ([]byte, error) {
	if path == "" {
		return nil, model.NewCredentialNotFoundError(kind, path, errors.New("path not configured"))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, model.NewCredentialNotFoundError(kind, path, err)
	}
	return data, nil
}

func parseCertificates(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for {
		block, rest := pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type == "CERTIFICATE" {
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, err
			}
			certs = append(certs, cert)
		}
		data = rest
	}
	if len(certs) == 0 {
		return nil, errors.New("no CERTIFICATE block found")
	}
	return certs, nil
}

func parsePrivateKey(data []byte, passphrase string) (*rsa.PrivateKey, error) {
	for {
		block, rest := pem.Decode(data)
		if block == nil {
			return nil, errors.New("no private key block found")
		}
		data = rest

		var (
			parsed interface{}
			err    error
		)
		switch block.Type {
		case "RSA PRIVATE KEY":
			der := block.Bytes
			// legacy OpenSSL encryption (Proc-Type/DEK-Info headers)
			if x509.IsEncryptedPEMBlock(block) {
				if passphrase == "" {
					return nil, errors.New("key is encrypted and no passphrase is configured")
				}
				der, err = x509.DecryptPEMBlock(block, []byte(passphrase))
				if err != nil {
					return nil, fmt.Errorf("decrypt key: %w", err)
				}
			}
			parsed, err = x509.ParsePKCS1PrivateKey(der)
		case "PRIVATE KEY":
			parsed, err = x509.ParsePKCS8PrivateKey(block.Bytes)
		case "ENCRYPTED PRIVATE KEY":
			if passphrase == "" {
				return nil, errors.New("key is encrypted and no passphrase is configured")
			}
			parsed, err = pkcs8.ParsePKCS8PrivateKey(block.Bytes, []byte(passphrase))
		default:
			continue
		}
		if err != nil {
			return nil, err
		}

		key, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("key type %T is not RSA", parsed)
		}
		return key, nil
	}
}

func checkKeyPair(key *rsa.PrivateKey, cert *x509.Certificate) error {
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("certificate key type %T is not RSA", cert.PublicKey)
	}
	if !key.PublicKey.Equal(pub) {
		return errors.New("public keys differ")
	}
	return nil
}

// SigningContext returns the private key and certificate used by the signature engine
func (s *Store) SigningContext() (*rsa.PrivateKey, *x509.Certificate) {
	return s.key, s.cert
}

// Certificate returns the leaf certificate
func (s *Store) Certificate() *x509.Certificate {
	return s.cert
}

// Chain returns the intermediate certificates shipped with the credential
func (s *Store) Chain() []*x509.Certificate {
	return s.chain
}

// Expiry returns the certificate's NotAfter
func (s *Store) Expiry() time.Time {
	return s.cert.NotAfter
}

// Trust returns the CA bundle store, or nil when no bundle is configured
func (s *Store) Trust() *trust.TrustStore {
	return s.trust
}

// TransportContext returns the client certificate presented in the TLS
// handshake and the pool used to verify the authority. A nil pool means the
// system roots are used.
//
// PKCS#12 sources are converted to a PEM file on first call; concurrent first
// calls share one conversion.
func (s *Store) TransportContext() (tls.Certificate, *x509.CertPool, error) {
	var pool *x509.CertPool
	if s.trust != nil {
		pool = s.trust.Roots()
	}

	if !s.cfg.UsesPKCS12() {
		return s.tlsCertificate(), pool, nil
	}

	path, err := s.PEMPath()
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	cert, err := tls.LoadX509KeyPair(path, path)
	if err != nil {
		return tls.Certificate{}, nil, model.NewSigningError(model.SignCodeKeyUnavailable, "converted PEM unusable", err)
	}
	return cert, pool, nil
}

func (s *Store) tlsCertificate() tls.Certificate {
	raw := make([][]byte, 0, 1+len(s.chain))
	raw = append(raw, s.cert.Raw)
	for _, c := range s.chain {
		raw = append(raw, c.Raw)
	}
	return tls.Certificate{
		Certificate: raw,
		PrivateKey:  s.key,
		Leaf:        s.cert,
	}
}

// PEMPath returns the path of a PEM file holding certificate and key.
// For PEM sources this is the configured certificate path.
func (s *Store) PEMPath() (string, error) {
	if !s.cfg.UsesPKCS12() {
		return s.cfg.CertPath, nil
	}
	s.pemOnce.Do(s.materializePEM)
	return s.pemPath, s.pemErr
}

func (s *Store) materializePEM() {
	dir, err := os.MkdirTemp(s.cfg.TempDir, "nfse-cred-")
	if err != nil {
		s.pemErr = fmt.Errorf("create temp dir: %w", err)
		return
	}

	der, err := x509.MarshalPKCS8PrivateKey(s.key)
	if err != nil {
		_ = os.RemoveAll(dir)
		s.pemErr = model.NewSigningError(model.SignCodeKeyUnavailable, "marshal key", err)
		return
	}

	var data []byte
	data = append(data, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: s.cert.Raw})...)
	for _, c := range s.chain {
		data = append(data, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.Raw})...)
	}
	data = append(data, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})...)

	path := filepath.Join(dir, "credential.pem")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		_ = os.RemoveAll(dir)
		s.pemErr = fmt.Errorf("write converted PEM: %w", err)
		return
	}

	s.pemDir = dir
	s.pemPath = path
	s.logger.Info("pkcs12 converted to PEM", zap.String("path", path), zap.Bool("retain", s.cfg.RetainPEM))
}

// GenerateToken is not offered: the authority authenticates with mutual TLS only
func (s *Store) GenerateToken(ctx context.Context) (string, error) {
	return "", fmt.Errorf("bearer token: %w", model.ErrNotImplemented)
}

// Close removes the converted PEM unless it is retained. Removal failures
// are logged and not returned.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		if s.pemDir == "" {
			return
		}
		if s.cfg.RetainPEM {
			s.logger.Info("retaining converted PEM", zap.String("path", s.pemPath))
			return
		}
		if err := os.RemoveAll(s.pemDir); err != nil {
			s.logger.Warn("remove converted PEM", zap.String("path", s.pemPath), zap.Error(err))
			return
		}
		s.logger.Debug("converted PEM removed", zap.String("path", s.pemPath))
	})
	return nil
}
