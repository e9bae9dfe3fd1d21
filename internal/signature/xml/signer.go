package xml

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/beevik/etree"
	"github.com/google/uuid"

	"github.com/rezonia/nfse-client/internal/model"
	"github.com/rezonia/nfse-client/internal/signature"
)

// XMLSigner produces enveloped XML-DSig signatures with inclusive C14N 1.0
type XMLSigner struct {
	key   *rsa.PrivateKey
	cert  *x509.Certificate
	newID func() string
}

// SignerOption configures an XMLSigner
type SignerOption func(*XMLSigner)

// WithIDGenerator replaces the random suffix used for generated Id attributes
func WithIDGenerator(gen func() string) SignerOption {
	return func(s *XMLSigner) {
		s.newID = gen
	}
}

// NewXMLSigner creates a signer for the given key pair
func NewXMLSigner(key *rsa.PrivateKey, cert *x509.Certificate, opts ...SignerOption) *XMLSigner {
	s := &XMLSigner{
		key:  key,
		cert: cert,
		newID: func() string {
			return strings.ReplaceAll(uuid.NewString(), "-", "")
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sign appends a Signature element as the last child of the target element.
// Failures are returned as *model.SigningError.
func (s *XMLSigner) Sign(data []byte, opts signature.Options) (*signature.Signed, error) {
	if s.key == nil || s.cert == nil {
		return nil, model.NewSigningError(model.SignCodeKeyUnavailable, "no key pair loaded", nil)
	}
	if opts.Suite.SignatureURI == "" {
		return nil, model.NewSigningError(model.SignCodeUnsupportedAlgo, "no algorithm suite selected", nil)
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, model.NewSigningError(model.SignCodeMalformedInput, "document is not well-formed XML", err)
	}
	root := doc.Root()
	if root == nil {
		return nil, model.NewSigningError(model.SignCodeMalformedInput, "document has no root element", nil)
	}

	target := root
	if opts.Target != "" {
		target = findByLocalName(root, opts.Target)
		if target == nil {
			return nil, model.NewSigningError(model.SignCodeTargetNotFound, fmt.Sprintf("element %q not found", opts.Target), nil)
		}
	}
	if findSignatureChild(target) != nil {
		return nil, model.NewSigningError(model.SignCodeMalformedInput, fmt.Sprintf("element %q is already signed", target.Tag), nil)
	}

	uri := ""
	if opts.Fragment {
		id := target.SelectAttrValue("Id", "")
		if id == "" {
			id = s.generateID(target, opts.IDStyle)
			target.CreateAttr("Id", id)
		}
		uri = "#" + id
	}

	canonical, err := canonicalizeExcluding(target, nil)
	if err != nil {
		return nil, model.NewSigningError(model.SignCodeCrypto, "canonicalize target", err)
	}
	h := opts.Suite.Hash.New()
	h.Write(canonical)
	digest := base64.StdEncoding.EncodeToString(h.Sum(nil))

	sig := s.buildSignature(uri, digest, opts)
	target.AddChild(sig)

	signedInfo := sig.SelectElement("SignedInfo")
	canonicalInfo, err := Canonicalize(signedInfo)
	if err != nil {
		return nil, model.NewSigningError(model.SignCodeCrypto, "canonicalize SignedInfo", err)
	}
	h = opts.Suite.Hash.New()
	h.Write(canonicalInfo)
	value, err := rsa.SignPKCS1v15(rand.Reader, s.key, opts.Suite.Hash, h.Sum(nil))
	if err != nil {
		return nil, model.NewSigningError(model.SignCodeCrypto, "rsa signature", err)
	}
	sig.SelectElement("SignatureValue").SetText(base64.StdEncoding.EncodeToString(value))

	out, err := doc.WriteToBytes()
	if err != nil {
		return nil, model.NewSigningError(model.SignCodeCrypto, "serialize signed document", err)
	}

	return &signature.Signed{
		XML:          out,
		ReferenceURI: uri,
		Suite:        opts.Suite,
	}, nil
}

func (s *XMLSigner) generateID(target *etree.Element, style signature.IDStyle) string {
	if style == signature.IDStyleTag {
		return target.Tag + "_" + s.newID()
	}
	return "ID_" + s.newID()
}

func (s *XMLSigner) buildSignature(uri, digest string, opts signature.Options) *etree.Element {
	sig := etree.NewElement("Signature")
	sig.CreateAttr("xmlns", XMLDSigNamespace)

	info := sig.CreateElement("SignedInfo")
	info.CreateElement("CanonicalizationMethod").CreateAttr("Algorithm", signature.C14N10URI)
	info.CreateElement("SignatureMethod").CreateAttr("Algorithm", opts.Suite.SignatureURI)

	ref := info.CreateElement("Reference")
	ref.CreateAttr("URI", uri)
	transforms := ref.CreateElement("Transforms")
	transforms.CreateElement("Transform").CreateAttr("Algorithm", signature.EnvelopedTransformURI)
	transforms.CreateElement("Transform").CreateAttr("Algorithm", signature.C14N10URI)
	ref.CreateElement("DigestMethod").CreateAttr("Algorithm", opts.Suite.DigestURI)
	ref.CreateElement("DigestValue").SetText(digest)

	sig.CreateElement("SignatureValue")

	x509Data := sig.CreateElement("KeyInfo").CreateElement("X509Data")
	x509Data.CreateElement("X509Certificate").SetText(base64.StdEncoding.EncodeToString(s.cert.Raw))
	if opts.IssuerSerial {
		serial := x509Data.CreateElement("X509IssuerSerial")
		serial.CreateElement("X509IssuerName").SetText(IssuerName(s.cert))
		serial.CreateElement("X509SerialNumber").SetText(s.cert.SerialNumber.String())
	}
	return sig
}

var (
	oidCommonName         = asn1.ObjectIdentifier{2, 5, 4, 3}
	oidOrganization       = asn1.ObjectIdentifier{2, 5, 4, 10}
	oidOrganizationalUnit = asn1.ObjectIdentifier{2, 5, 4, 11}
	oidCountry            = asn1.ObjectIdentifier{2, 5, 4, 6}
)

// IssuerName formats the certificate issuer as "CN=..., O=..., OU=..., C=...",
// listing only the attributes present in the issuer name
func IssuerName(cert *x509.Certificate) string {
	return formatRDNs(cert.Issuer)
}

func formatRDNs(name pkix.Name) string {
	order := []struct {
		label string
		oid   asn1.ObjectIdentifier
	}{
		{"CN", oidCommonName},
		{"O", oidOrganization},
		{"OU", oidOrganizationalUnit},
		{"C", oidCountry},
	}

	var parts []string
	for _, o := range order {
		for _, atv := range name.Names {
			if !atv.Type.Equal(o.oid) {
				continue
			}
			if v, ok := atv.Value.(string); ok && v != "" {
				parts = append(parts, o.label+"="+v)
			}
		}
	}
	return strings.Join(parts, ", ")
}
