package credential_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/rezonia/nfse-client/internal/config"
	"github.com/rezonia/nfse-client/internal/credential"
	"github.com/rezonia/nfse-client/internal/model"
	"github.com/rezonia/nfse-client/internal/testutil"
)

func TestLoad_PEM(t *testing.T) {
	cred := testutil.NewCredential(t, "EMPRESA TESTE LTDA:12345678000195")
	dir := t.TempDir()
	certPath, keyPath := cred.WritePEM(t, dir)

	store, err := credential.Load(config.Credentials{CertPath: certPath, KeyPath: keyPath})
	require.NoError(t, err)
	defer store.Close()

	key, cert := store.SigningContext()
	assert.True(t, key.PublicKey.Equal(&cred.Key.PublicKey))
	assert.Equal(t, cred.Cert.Raw, cert.Raw)
	assert.Equal(t, cred.Cert.NotAfter, store.Expiry())

	tlsCert, pool, err := store.TransportContext()
	require.NoError(t, err)
	assert.Nil(t, pool)
	assert.Equal(t, cred.Cert.Raw, tlsCert.Certificate[0])

	path, err := store.PEMPath()
	require.NoError(t, err)
	assert.Equal(t, certPath, path)
}

func TestLoad_EncryptedPKCS8(t *testing.T) {
	cred := testutil.NewCredential(t, "Encrypted")
	dir := t.TempDir()
	certPath, _ := cred.WritePEM(t, dir)
	keyPath := cred.WriteEncryptedKey(t, dir, "correct horse")

	store, err := credential.Load(config.Credentials{CertPath: certPath, KeyPath: keyPath, KeyPassphrase: "correct horse"})
	require.NoError(t, err)
	key, _ := store.SigningContext()
	assert.True(t, key.PublicKey.Equal(&cred.Key.PublicKey))

	tests := []struct {
		name       string
		passphrase string
	}{
		{"wrong passphrase", "battery staple"},
		{"missing passphrase", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := credential.Load(config.Credentials{CertPath: certPath, KeyPath: keyPath, KeyPassphrase: tt.passphrase})
			require.Error(t, err)

			var sigErr *model.SigningError
			require.ErrorAs(t, err, &sigErr)
			assert.Equal(t, model.SignCodeKeyUnavailable, sigErr.Code)
			assert.ErrorIs(t, err, model.ErrSigning)
		})
	}
}

func TestLoad_MissingPaths(t *testing.T) {
	cred := testutil.NewCredential(t, "Missing")
	dir := t.TempDir()
	certPath, keyPath := cred.WritePEM(t, dir)
	absent := filepath.Join(dir, "absent.pem")

	tests := []struct {
		name     string
		creds    config.Credentials
		wantKind string
	}{
		{"certificate", config.Credentials{CertPath: absent, KeyPath: keyPath}, credential.KindCertificate},
		{"key", config.Credentials{CertPath: certPath, KeyPath: absent}, credential.KindKey},
		{"pkcs12", config.Credentials{PKCS12Path: absent}, credential.KindPKCS12},
		{"ca bundle", config.Credentials{CertPath: certPath, KeyPath: keyPath, CABundlePath: absent}, credential.KindCABundle},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := credential.Load(tt.creds)
			require.Error(t, err)
			assert.ErrorIs(t, err, model.ErrCredentialNotFound)

			var notFound *model.CredentialNotFoundError
			require.ErrorAs(t, err, &notFound)
			assert.Equal(t, tt.wantKind, notFound.Kind)
			assert.True(t, errors.Is(err, os.ErrNotExist))
		})
	}
}

func TestLoad_MismatchedKey(t *testing.T) {
	a := testutil.NewCredential(t, "A")
	b := testutil.NewCredential(t, "B")
	dirA, dirB := t.TempDir(), t.TempDir()
	certPath, _ := a.WritePEM(t, dirA)
	_, keyPath := b.WritePEM(t, dirB)

	_, err := credential.Load(config.Credentials{CertPath: certPath, KeyPath: keyPath})
	assert.ErrorIs(t, err, model.ErrSigning)
}

func TestLoad_WithCABundle(t *testing.T) {
	cred := testutil.NewCredential(t, "Client")
	ca := testutil.NewCredential(t, "Authority CA")
	dir := t.TempDir()
	certPath, keyPath := cred.WritePEM(t, dir)
	bundle := filepath.Join(dir, "ca.pem")
	testutil.WriteCertPEM(t, bundle, ca.Cert)

	store, err := credential.Load(config.Credentials{CertPath: certPath, KeyPath: keyPath, CABundlePath: bundle})
	require.NoError(t, err)

	_, pool, err := store.TransportContext()
	require.NoError(t, err)
	require.NotNil(t, pool)
	require.NotNil(t, store.Trust())
	assert.Equal(t, 1, store.Trust().Len())
}

func TestPKCS12_ConvertsOnceAndCleansUp(t *testing.T) {
	cred := testutil.NewCredential(t, "PFX")
	dir := t.TempDir()
	pfx := cred.WritePKCS12(t, dir, "pfx-pass")

	store, err := credential.Load(config.Credentials{
		PKCS12Path:       pfx,
		PKCS12Passphrase: "pfx-pass",
		TempDir:          dir,
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	paths := make([]string, 8)
	for i := range paths {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := store.PEMPath()
			assert.NoError(t, err)
			paths[i] = p
		}(i)
	}
	wg.Wait()

	for _, p := range paths {
		assert.Equal(t, paths[0], p)
	}

	info, err := os.Stat(paths[0])
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	tlsCert, _, err := store.TransportContext()
	require.NoError(t, err)
	assert.Equal(t, cred.Cert.Raw, tlsCert.Certificate[0])

	require.NoError(t, store.Close())
	_, err = os.Stat(paths[0])
	assert.True(t, os.IsNotExist(err))
}

func TestPKCS12_RetainPEM(t *testing.T) {
	cred := testutil.NewCredential(t, "PFX")
	dir := t.TempDir()
	pfx := cred.WritePKCS12(t, dir, "pfx-pass")

	store, err := credential.Load(config.Credentials{
		PKCS12Path:       pfx,
		PKCS12Passphrase: "pfx-pass",
		TempDir:          dir,
		RetainPEM:        true,
	})
	require.NoError(t, err)

	path, err := store.PEMPath()
	require.NoError(t, err)
	require.NoError(t, store.Close())

	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestPKCS12_WrongPassphrase(t *testing.T) {
	cred := testutil.NewCredential(t, "PFX")
	pfx := cred.WritePKCS12(t, t.TempDir(), "pfx-pass")

	_, err := credential.Load(config.Credentials{PKCS12Path: pfx, PKCS12Passphrase: "nope"})
	var sigErr *model.SigningError
	require.ErrorAs(t, err, &sigErr)
	assert.Equal(t, model.SignCodeKeyUnavailable, sigErr.Code)
}

func TestLoad_LogsNoSecrets(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	cred := testutil.NewCredential(t, "Logged")
	dir := t.TempDir()
	certPath, _ := cred.WritePEM(t, dir)
	keyPath := cred.WriteEncryptedKey(t, dir, "super-secret-pass")

	store, err := credential.Load(
		config.Credentials{CertPath: certPath, KeyPath: keyPath, KeyPassphrase: "super-secret-pass"},
		credential.WithLogger(zap.New(core)),
	)
	require.NoError(t, err)
	defer store.Close()

	require.NotZero(t, logs.Len())
	for _, entry := range logs.All() {
		for k, v := range entry.ContextMap() {
			assert.NotContains(t, k, "super-secret-pass")
			assert.NotContains(t, toString(v), "super-secret-pass")
			assert.NotContains(t, toString(v), "PRIVATE KEY")
		}
	}
}

func TestLoad_WarnsOnExpiredCertificate(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	cred := testutil.NewExpiredCredential(t, "Expired")
	certPath, keyPath := cred.WritePEM(t, t.TempDir())

	store, err := credential.Load(
		config.Credentials{CertPath: certPath, KeyPath: keyPath},
		credential.WithLogger(zap.New(core)),
	)
	require.NoError(t, err)
	assert.True(t, store.Expiry().Before(time.Now()))
	assert.Equal(t, 1, logs.FilterMessage("certificate expired").Len())
}

func TestGenerateToken_NotImplemented(t *testing.T) {
	cred := testutil.NewCredential(t, "Token")
	certPath, keyPath := cred.WritePEM(t, t.TempDir())
	store, err := credential.Load(config.Credentials{CertPath: certPath, KeyPath: keyPath})
	require.NoError(t, err)

	_, err = store.GenerateToken(context.Background())
	assert.ErrorIs(t, err, model.ErrNotImplemented)
}

func toString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case map[string]interface{}:
		out := ""
		for k, inner := range s {
			out += k + "=" + toString(inner) + " "
		}
		return out
	default:
		return ""
	}
}
