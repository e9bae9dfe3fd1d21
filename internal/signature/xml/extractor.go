package xml

import (
	"bytes"
	"fmt"

	"github.com/beevik/etree"
)

// XML namespaces
const (
	XMLDSigNamespace = "http://www.w3.org/2000/09/xmldsig#"
)

// SignatureExtractor locates an enveloped signature and the element it signs
type SignatureExtractor struct{}

// NewSignatureExtractor creates a new signature extractor
func NewSignatureExtractor() *SignatureExtractor {
	return &SignatureExtractor{}
}

// ExtractionResult contains the extracted signature and related elements
type ExtractionResult struct {
	// SignatureElement is the <Signature> element
	SignatureElement *etree.Element
	// SignedElement is the element addressed by Reference/@URI
	SignedElement *etree.Element
	// ReferenceURI is the raw Reference/@URI value
	ReferenceURI string
	// Document is the parsed XML document
	Document *etree.Document
	// Root is the local name of the document element, e.g. PedidoEnvioLoteRPS
	Root string
}

// Extract finds the first XML-DSig signature and resolves its reference
func (e *SignatureExtractor) Extract(data []byte) (*ExtractionResult, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, fmt.Errorf("failed to parse XML: %w", err)
	}

	root := doc.Root()
	if root == nil {
		return nil, fmt.Errorf("empty XML document")
	}

	sig := findSignatureElement(root)
	if sig == nil {
		return nil, fmt.Errorf("no Signature element found in document")
	}

	ref := childByLocalName(childByLocalName(sig, "SignedInfo"), "Reference")
	if ref == nil {
		return nil, fmt.Errorf("signature has no SignedInfo/Reference")
	}
	uri := ref.SelectAttrValue("URI", "")

	var signed *etree.Element
	switch {
	case uri == "":
		signed = root
	case uri[0] == '#':
		signed = findByID(root, uri[1:])
	}
	if signed == nil {
		return nil, fmt.Errorf("reference %q does not resolve to an element", uri)
	}

	return &ExtractionResult{
		SignatureElement: sig,
		SignedElement:    signed,
		ReferenceURI:     uri,
		Document:         doc,
		Root:             root.Tag,
	}, nil
}

// findSignatureElement searches depth-first for a Signature in the xmldsig namespace
func findSignatureElement(root *etree.Element) *etree.Element {
	if root.Tag == "Signature" && root.NamespaceURI() == XMLDSigNamespace {
		return root
	}
	for _, child := range root.ChildElements() {
		if found := findSignatureElement(child); found != nil {
			return found
		}
	}
	return nil
}

// findSignatureChild returns a direct Signature child of el, if any
func findSignatureChild(el *etree.Element) *etree.Element {
	for _, child := range el.ChildElements() {
		if child.Tag == "Signature" && child.NamespaceURI() == XMLDSigNamespace {
			return child
		}
	}
	return nil
}

// findByLocalName searches el and its descendants for an element by local name
func findByLocalName(el *etree.Element, localName string) *etree.Element {
	if el.Tag == localName {
		return el
	}
	for _, child := range el.ChildElements() {
		if found := findByLocalName(child, localName); found != nil {
			return found
		}
	}
	return nil
}

func findByID(el *etree.Element, id string) *etree.Element {
	for _, key := range []string{"Id", "ID", "id"} {
		if el.SelectAttrValue(key, "") == id {
			return el
		}
	}
	for _, child := range el.ChildElements() {
		if found := findByID(child, id); found != nil {
			return found
		}
	}
	return nil
}

// childByLocalName returns the first child element with the given local name
// regardless of prefix. A nil parent yields nil.
func childByLocalName(parent *etree.Element, localName string) *etree.Element {
	if parent == nil {
		return nil
	}
	for _, child := range parent.ChildElements() {
		if child.Tag == localName {
			return child
		}
	}
	return nil
}

// ExtractCertificateData extracts the base64-encoded certificate from a Signature element
func ExtractCertificateData(sig *etree.Element) ([]byte, error) {
	x509Data := childByLocalName(childByLocalName(sig, "KeyInfo"), "X509Data")
	if certElem := childByLocalName(x509Data, "X509Certificate"); certElem != nil {
		if text := certElem.Text(); text != "" {
			return []byte(text), nil
		}
	}
	return nil, fmt.Errorf("no X509Certificate found in Signature")
}

// CanExtract returns true if the data appears to be XML with a signature
func (e *SignatureExtractor) CanExtract(data []byte) bool {
	if len(data) < 5 {
		return false
	}

	trimmed := bytes.TrimSpace(data)
	if !bytes.HasPrefix(trimmed, []byte("<?xml")) && !bytes.HasPrefix(trimmed, []byte("<")) {
		return false
	}

	return bytes.Contains(data, []byte("<Signature")) ||
		bytes.Contains(data, []byte(":Signature"))
}
