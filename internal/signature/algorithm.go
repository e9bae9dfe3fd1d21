package signature

import (
	"crypto"
	_ "crypto/sha1"
	_ "crypto/sha256"
	"fmt"
)

// XML-DSig algorithm identifiers
const (
	C14N10URI             = "http://www.w3.org/TR/2001/REC-xml-c14n-20010315"
	EnvelopedTransformURI = "http://www.w3.org/2000/09/xmldsig#enveloped-signature"
	DigestSHA1URI         = "http://www.w3.org/2000/09/xmldsig#sha1"
	DigestSHA256URI       = "http://www.w3.org/2001/04/xmlenc#sha256"
	SignatureRSASHA1URI   = "http://www.w3.org/2000/09/xmldsig#rsa-sha1"
	SignatureRSASHA256URI = "http://www.w3.org/2001/04/xmldsig-more#rsa-sha256"
)

// Suite pairs a digest method with its RSA signature method
type Suite struct {
	Name         string
	Hash         crypto.Hash
	DigestURI    string
	SignatureURI string
}

var (
	SuiteSHA1 = Suite{
		Name:         "sha1",
		Hash:         crypto.SHA1,
		DigestURI:    DigestSHA1URI,
		SignatureURI: SignatureRSASHA1URI,
	}
	SuiteSHA256 = Suite{
		Name:         "sha256",
		Hash:         crypto.SHA256,
		DigestURI:    DigestSHA256URI,
		SignatureURI: SignatureRSASHA256URI,
	}
)

var suites = []Suite{SuiteSHA1, SuiteSHA256}

// SuiteByName resolves a configured digest name ("sha1", "sha256")
func SuiteByName(name string) (Suite, error) {
	for _, s := range suites {
		if s.Name == name {
			return s, nil
		}
	}
	return Suite{}, fmt.Errorf("unknown digest %q", name)
}

// SuiteByDigestURI resolves a DigestMethod algorithm
func SuiteByDigestURI(uri string) (Suite, bool) {
	for _, s := range suites {
		if s.DigestURI == uri {
			return s, true
		}
	}
	return Suite{}, false
}

// SuiteBySignatureURI resolves a SignatureMethod algorithm
func SuiteBySignatureURI(uri string) (Suite, bool) {
	for _, s := range suites {
		if s.SignatureURI == uri {
			return s, true
		}
	}
	return Suite{}, false
}
