package xml

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"encoding/base64"

	"github.com/rezonia/nfse-client/internal/model"
)

// FieldSigner produces the RSA-SHA1 field signatures the RPS web service
// requires inside the document (Assinatura, AssinaturaCancelamento)
type FieldSigner struct {
	key *rsa.PrivateKey
}

// NewFieldSigner creates a field signer over key
func NewFieldSigner(key *rsa.PrivateKey) *FieldSigner {
	return &FieldSigner{key: key}
}

// SignFields signs the ASCII string tbs with PKCS#1 v1.5 and returns it base64 encoded
func (s *FieldSigner) SignFields(tbs string) (string, error) {
	if s.key == nil {
		return "", model.NewSigningError(model.SignCodeKeyUnavailable, "no key loaded for field signature", nil)
	}
	sum := sha1.Sum([]byte(tbs))
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA1, sum[:])
	if err != nil {
		return "", model.NewSigningError(model.SignCodeCrypto, "field signature", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// VerifyFields checks a base64 field signature against pub
func VerifyFields(pub *rsa.PublicKey, tbs, signature string) error {
	raw, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return err
	}
	sum := sha1.Sum([]byte(tbs))
	return rsa.VerifyPKCS1v15(pub, crypto.SHA1, sum[:], raw)
}
