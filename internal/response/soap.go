package response

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/beevik/etree"

	"github.com/rezonia/nfse-client/internal/model"
)

// SOAPAdapter reads SOAP 1.1 and 1.2 envelopes. The single child of Body is
// the effective payload; a RetornoXML string inside it is parsed again as
// the authority document.
type SOAPAdapter struct{}

// NewSOAPAdapter creates the SOAP envelope adapter
func NewSOAPAdapter() *SOAPAdapter {
	return &SOAPAdapter{}
}

// Shape returns ShapeSOAP
func (a *SOAPAdapter) Shape() Shape {
	return ShapeSOAP
}

// CanParse sniffs for an Envelope element near the start of the body
func (a *SOAPAdapter) CanParse(_ string, body []byte) bool {
	head := trimBody(body)
	if !bytes.HasPrefix(head, []byte("<")) {
		return false
	}
	if len(head) > 512 {
		head = head[:512]
	}
	return bytes.Contains(head, []byte(":Envelope")) || bytes.Contains(head, []byte("<Envelope"))
}

// Parse unwraps the envelope and extracts the payload fields
func (a *SOAPAdapter) Parse(r io.Reader) (*Document, error) {
	root, err := readRoot(r)
	if err != nil {
		return nil, err
	}
	if root.Tag != "Envelope" {
		return nil, fmt.Errorf("expected SOAP Envelope, found %s", root.Tag)
	}

	body := childByTag(root, "Body")
	if body == nil {
		return nil, fmt.Errorf("SOAP envelope has no Body")
	}
	children := body.ChildElements()
	if len(children) != 1 {
		return nil, fmt.Errorf("SOAP Body has %d child elements, expected 1", len(children))
	}
	payload := children[0]

	if payload.Tag == "Fault" {
		return fault(payload), nil
	}

	if inner := childByTag(payload, "RetornoXML"); inner != nil {
		text := strings.TrimSpace(inner.Text())
		if text == "" {
			return nil, fmt.Errorf("empty RetornoXML in %s", payload.Tag)
		}
		innerRoot, err := readRoot(strings.NewReader(stripDeclaration(text)))
		if err != nil {
			return nil, fmt.Errorf("RetornoXML: %w", err)
		}
		payload = innerRoot
	}

	d := extract(payload)
	d.Shape = ShapeSOAP
	return d, nil
}

// fault converts a SOAP 1.1 or 1.2 Fault into a failed document
func fault(el *etree.Element) *Document {
	var code, reason string

	if c := childByTag(el, "faultcode"); c != nil {
		code = strings.TrimSpace(c.Text())
		if s := childByTag(el, "faultstring"); s != nil {
			reason = strings.TrimSpace(s.Text())
		}
	} else {
		// SOAP 1.2: Code/Value and Reason/Text
		if v := childByTag(childByTag(el, "Code"), "Value"); v != nil {
			code = strings.TrimSpace(v.Text())
		}
		if t := childByTag(childByTag(el, "Reason"), "Text"); t != nil {
			reason = strings.TrimSpace(t.Text())
		}
	}

	return &Document{
		Shape:        ShapeSOAP,
		SuccessFound: true,
		Success:      false,
		Errors:       []model.RemoteMessage{{Code: code, Message: reason}},
	}
}

func childByTag(parent *etree.Element, tag string) *etree.Element {
	if parent == nil {
		return nil
	}
	for _, child := range parent.ChildElements() {
		if child.Tag == tag {
			return child
		}
	}
	return nil
}
