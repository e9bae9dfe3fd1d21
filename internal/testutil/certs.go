// Package testutil builds certificate material for tests at run time so that
// no key or certificate fixture is committed to the repository.
package testutil

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/youmark/pkcs8"
	"software.sslmate.com/src/go-pkcs12"
)

// Credential is a self-signed RSA certificate and its key
type Credential struct {
	Key     *rsa.PrivateKey
	Cert    *x509.Certificate
	CertPEM []byte
	KeyPEM  []byte
}

// NewCredential generates a self-signed certificate valid for one day.
// It can act as client certificate and as its own trust anchor.
func NewCredential(t testing.TB, commonName string) *Credential {
	t.Helper()
	return newCredential(t, commonName, time.Now().Add(-time.Hour), time.Now().Add(24*time.Hour))
}

// NewExpiredCredential generates a certificate whose validity ended yesterday
func NewExpiredCredential(t testing.TB, commonName string) *Credential {
	t.Helper()
	return newCredential(t, commonName, time.Now().Add(-72*time.Hour), time.Now().Add(-24*time.Hour))
}

func newCredential(t testing.TB, commonName string, notBefore, notAfter time.Time) *Credential {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		t.Fatalf("serial: %v", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:         commonName,
			Organization:       []string{"ICP-Brasil"},
			OrganizationalUnit: []string{"Certificado PJ A1"},
			Country:            []string{"BR"},
		},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              []string{"localhost"},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}

	return &Credential{
		Key:     key,
		Cert:    cert,
		CertPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		KeyPEM:  pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}),
	}
}

// TLSCertificate returns the credential as a tls.Certificate
func (c *Credential) TLSCertificate() tls.Certificate {
	return tls.Certificate{
		Certificate: [][]byte{c.Cert.Raw},
		PrivateKey:  c.Key,
		Leaf:        c.Cert,
	}
}

// Pool returns a pool trusting only this certificate
func (c *Credential) Pool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(c.Cert)
	return pool
}

// WritePEM writes cert.pem and key.pem into dir
func (c *Credential) WritePEM(t testing.TB, dir string) (certPath, keyPath string) {
	t.Helper()
	certPath = filepath.Join(dir, "cert.pem")
	keyPath = filepath.Join(dir, "key.pem")
	writeFile(t, certPath, c.CertPEM)
	writeFile(t, keyPath, c.KeyPEM)
	return certPath, keyPath
}

// WriteEncryptedKey writes the key as an encrypted PKCS#8 PEM block
func (c *Credential) WriteEncryptedKey(t testing.TB, dir, passphrase string) string {
	t.Helper()
	der, err := pkcs8.MarshalPrivateKey(c.Key, []byte(passphrase), nil)
	if err != nil {
		t.Fatalf("encrypt key: %v", err)
	}
	path := filepath.Join(dir, "key-encrypted.pem")
	writeFile(t, path, pem.EncodeToMemory(&pem.Block{Type: "ENCRYPTED PRIVATE KEY", Bytes: der}))
	return path
}

// WritePKCS12 writes the credential as a .pfx bundle
func (c *Credential) WritePKCS12(t testing.TB, dir, passphrase string) string {
	t.Helper()
	pfx, err := pkcs12.Modern.Encode(c.Key, c.Cert, nil, passphrase)
	if err != nil {
		t.Fatalf("encode pkcs12: %v", err)
	}
	path := filepath.Join(dir, "cert.pfx")
	writeFile(t, path, pfx)
	return path
}

// WriteCertPEM writes a certificate bundle to path
func WriteCertPEM(t testing.TB, path string, certs ...*x509.Certificate) {
	t.Helper()
	var data []byte
	for _, cert := range certs {
		data = append(data, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})...)
	}
	writeFile(t, path, data)
}

func writeFile(t testing.TB, path string, data []byte) {
	t.Helper()
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
