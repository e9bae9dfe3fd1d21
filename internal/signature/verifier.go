package signature

import "context"

// IDStyle selects the shape of generated Id attributes
type IDStyle string

const (
	// IDStyleTag produces <localName>_<suffix>
	IDStyleTag IDStyle = "tag"
	// IDStylePlain produces ID_<suffix>
	IDStylePlain IDStyle = "plain"
)

// Options controls one enveloped signature
type Options struct {
	Suite Suite
	// Target is the local name of the element to sign; empty selects the document root
	Target string
	// Fragment references the target as #Id instead of URI=""
	Fragment bool
	IDStyle  IDStyle
	// IssuerSerial adds X509IssuerSerial next to X509Certificate
	IssuerSerial bool
}

// Signed is the outcome of a signing call
type Signed struct {
	XML          []byte
	ReferenceURI string
	Suite        Suite
}

// Signer appends an enveloped signature to an XML document
type Signer interface {
	Sign(data []byte, opts Options) (*Signed, error)
}

// Verifier checks the enveloped signature of an XML document
type Verifier interface {
	// Verify returns a result describing every check. The error is non-nil
	// only when no signature could be located.
	Verify(ctx context.Context, data []byte) (*VerificationResult, error)
}
