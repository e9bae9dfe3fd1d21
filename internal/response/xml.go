package response

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/beevik/etree"
	"golang.org/x/text/encoding/charmap"

	"github.com/rezonia/nfse-client/internal/model"
)

// Element names searched in authority documents, by local name
var (
	successTags      = []string{"Sucesso", "sucesso"}
	errorTag         = "Erro"
	alertTag         = "Alerta"
	invoiceTags      = []string{"NumeroNFe", "NumeroNfse", "Numero"}
	verificationTags = []string{"CodigoVerificacao"}
	batchTags        = []string{"NumeroLote", "Protocolo", "NumeroProtocolo"}
	codeTags         = []string{"Codigo"}
	messageTags      = []string{"Descricao", "Mensagem"}
)

// XMLAdapter reads bare XML documents
type XMLAdapter struct{}

// NewXMLAdapter creates the bare XML adapter
func NewXMLAdapter() *XMLAdapter {
	return &XMLAdapter{}
}

// Shape returns ShapeXML
func (a *XMLAdapter) Shape() Shape {
	return ShapeXML
}

// CanParse accepts anything that starts like markup
func (a *XMLAdapter) CanParse(_ string, body []byte) bool {
	return bytes.HasPrefix(trimBody(body), []byte("<"))
}

// Parse reads the document and extracts its fields
func (a *XMLAdapter) Parse(r io.Reader) (*Document, error) {
	root, err := readRoot(r)
	if err != nil {
		return nil, err
	}
	d := extract(root)
	d.Shape = ShapeXML
	return d, nil
}

// readRoot parses an XML document, decoding Latin-1 and Windows-1252 input
func readRoot(r io.Reader) (*etree.Element, error) {
	doc := etree.NewDocument()
	doc.ReadSettings.CharsetReader = charsetReader
	if _, err := doc.ReadFrom(r); err != nil {
		return nil, fmt.Errorf("malformed XML: %w", err)
	}
	root := doc.Root()
	if root == nil {
		return nil, fmt.Errorf("malformed XML: no root element")
	}
	return root, nil
}

func charsetReader(label string, input io.Reader) (io.Reader, error) {
	switch strings.ToLower(label) {
	case "utf-8", "utf8", "":
		return input, nil
	case "iso-8859-1", "iso8859-1", "latin1", "latin-1":
		return charmap.ISO8859_1.NewDecoder().Reader(input), nil
	case "windows-1252", "cp1252":
		return charmap.Windows1252.NewDecoder().Reader(input), nil
	default:
		return nil, fmt.Errorf("unsupported charset %q", label)
	}
}

// extract collects the success flag, errors, alerts and identifiers.
// Identifiers inside Erro and Alerta elements belong to the message and
// are ignored.
func extract(root *etree.Element) *Document {
	d := &Document{}

	if el := first(root, successTags); el != nil {
		d.SuccessFound = true
		d.Success = strings.EqualFold(strings.TrimSpace(el.Text()), "true")
	}

	walk(root, func(el *etree.Element) bool {
		switch el.Tag {
		case errorTag:
			d.Errors = append(d.Errors, message(el))
			return false
		case alertTag:
			d.Alerts = append(d.Alerts, message(el))
			return false
		}
		return true
	})

	d.InvoiceNumber = firstText(root, invoiceTags)
	d.VerificationCode = firstText(root, verificationTags)
	d.BatchNumber = firstText(root, batchTags)
	return d
}

func message(el *etree.Element) model.RemoteMessage {
	m := model.RemoteMessage{
		Code:    childText(el, codeTags),
		Message: childText(el, messageTags),
	}
	if m.Code == "" && m.Message == "" {
		m.Message = strings.TrimSpace(el.Text())
	}
	return m
}

// walk visits el and its descendants in document order. Returning false
// from visit skips the subtree.
func walk(el *etree.Element, visit func(*etree.Element) bool) {
	if !visit(el) {
		return
	}
	for _, child := range el.ChildElements() {
		walk(child, visit)
	}
}

// first returns the first element, in document order, whose local name is
// one of tags, looking outside Erro and Alerta
func first(root *etree.Element, tags []string) *etree.Element {
	for _, tag := range tags {
		var found *etree.Element
		walk(root, func(el *etree.Element) bool {
			if found != nil || el.Tag == errorTag || el.Tag == alertTag {
				return false
			}
			if el.Tag == tag {
				found = el
				return false
			}
			return true
		})
		if found != nil {
			return found
		}
	}
	return nil
}

func firstText(root *etree.Element, tags []string) *string {
	el := first(root, tags)
	if el == nil {
		return nil
	}
	text := strings.TrimSpace(el.Text())
	if text == "" {
		return nil
	}
	return model.StringPtr(text)
}

func childText(el *etree.Element, tags []string) string {
	for _, tag := range tags {
		for _, child := range el.ChildElements() {
			if child.Tag == tag {
				if text := strings.TrimSpace(child.Text()); text != "" {
					return text
				}
			}
		}
	}
	return ""
}

func trimBody(body []byte) []byte {
	return bytes.TrimLeft(body, " \t\r\n\ufeff")
}

// stripDeclaration drops a leading XML declaration so that an already
// decoded payload is not decoded again
func stripDeclaration(s string) string {
	s = strings.TrimLeft(s, " \t\r\n\ufeff")
	if strings.HasPrefix(s, "<?xml") {
		if end := strings.Index(s, "?>"); end >= 0 {
			return s[end+2:]
		}
	}
	return s
}
