package transport

import (
	"bytes"
	"fmt"

	"github.com/beevik/etree"

	"github.com/rezonia/nfse-client/internal/config"
)

// SOAP envelope namespaces
const (
	SOAP11Namespace = "http://schemas.xmlsoap.org/soap/envelope/"
	SOAP12Namespace = "http://www.w3.org/2003/05/soap-envelope"
)

// SchemaVersion is the VersaoSchema value sent with every message
const SchemaVersion = "1"

// Envelope wraps a signed document in a SOAP envelope:
//
//	<soap:Envelope><soap:Body><{element} xmlns="{ns}">
//	  <VersaoSchema>1</VersaoSchema><MensagemXML>...</MensagemXML>
//	</{element}></soap:Body></soap:Envelope>
//
// The XML declaration of message is dropped. With cdata the message is
// carried in a CDATA section, otherwise as escaped text.
func Envelope(version, element, ns string, message []byte, cdata bool) ([]byte, error) {
	envNS, err := envelopeNamespace(version)
	if err != nil {
		return nil, err
	}

	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="utf-8"`)
	env := doc.CreateElement("soap:Envelope")
	env.CreateAttr("xmlns:xsi", "http://www.w3.org/2001/XMLSchema-instance")
	env.CreateAttr("xmlns:xsd", "http://www.w3.org/2001/XMLSchema")
	env.CreateAttr("xmlns:soap", envNS)

	body := env.CreateElement("soap:Body")
	req := body.CreateElement(element)
	req.CreateAttr("xmlns", ns)
	req.CreateElement("VersaoSchema").SetText(SchemaVersion)

	payload := string(StripDeclaration(message))
	msg := req.CreateElement("MensagemXML")
	if cdata {
		msg.CreateCData(payload)
	} else {
		msg.SetText(payload)
	}

	return doc.WriteToBytes()
}

func envelopeNamespace(version string) (string, error) {
	switch version {
	case config.SOAP11, "":
		return SOAP11Namespace, nil
	case config.SOAP12:
		return SOAP12Namespace, nil
	default:
		return "", fmt.Errorf("unknown SOAP version %q", version)
	}
}

// ContentType returns the Content-Type of a SOAP request. SOAP 1.2 carries
// the action as a media type parameter.
func ContentType(version, action string) string {
	if version == config.SOAP12 {
		return fmt.Sprintf(`application/soap+xml; charset=utf-8; action="%s"`, action)
	}
	return "text/xml; charset=utf-8"
}

// StripDeclaration removes a leading XML declaration and the whitespace around it
func StripDeclaration(doc []byte) []byte {
	trimmed := bytes.TrimLeft(doc, " \t\r\n\ufeff")
	if bytes.HasPrefix(trimmed, []byte("<?xml")) {
		if end := bytes.Index(trimmed, []byte("?>")); end >= 0 {
			trimmed = bytes.TrimLeft(trimmed[end+2:], " \t\r\n")
		}
	}
	return trimmed
}
