package model

// UnsignedDocument is a built request ready for validation and signing
type UnsignedDocument struct {
	Operation Operation
	Family    Family
	// Root is the local name of the document element
	Root      string
	Namespace string
	XML       []byte
}

// SignedDocument is an UnsignedDocument with an enveloped Signature appended
// to its signed element
type SignedDocument struct {
	Operation    Operation
	Family       Family
	Root         string
	Namespace    string
	XML          []byte
	ReferenceURI string
	// SignatureMethod is the algorithm URI placed in SignedInfo
	SignatureMethod string
}
