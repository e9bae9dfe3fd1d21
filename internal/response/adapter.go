// Package response turns authority answers into OperationResults.
//
// Answers arrive in three shapes: SOAP envelopes from the RPS web service,
// bare XML and JSON from the DPS REST API. A Registry detects the shape and
// the matching Adapter extracts a Document, which the Parser combines with
// the HTTP status into the final result.
package response

import (
	"bytes"
	"fmt"
	"io"

	"github.com/rezonia/nfse-client/internal/model"
)

// Shape identifies the response format
type Shape string

const (
	ShapeSOAP Shape = "soap"
	ShapeXML  Shape = "xml"
	ShapeJSON Shape = "json"
)

// Document is the shape-independent content of a response
type Document struct {
	Shape Shape
	// SuccessFound is false when the response carries no success indicator
	SuccessFound bool
	Success      bool
	Errors       []model.RemoteMessage
	Alerts       []model.RemoteMessage

	InvoiceNumber    *string
	VerificationCode *string
	BatchNumber      *string
}

// Adapter extracts a Document from one response shape
type Adapter interface {
	// Parse reads the response body
	Parse(r io.Reader) (*Document, error)

	// CanParse returns true if adapter can handle this content
	CanParse(contentType string, body []byte) bool

	// Shape returns the response shape handled by the adapter
	Shape() Shape
}

// Registry holds all registered adapters
type Registry struct {
	adapters []Adapter
}

// NewRegistry creates registry with all adapters
// Order matters: more specific adapters should come before generic ones
func NewRegistry() *Registry {
	return &Registry{
		adapters: []Adapter{
			NewSOAPAdapter(), // <Envelope> - must be before bare XML
			NewJSONAdapter(), // Content-Type or leading { or [
			NewXMLAdapter(),  // any other markup, last
		},
	}
}

// Detect identifies the response shape
func (r *Registry) Detect(contentType string, body []byte) (Adapter, error) {
	for _, a := range r.adapters {
		if a.CanParse(contentType, body) {
			return a, nil
		}
	}
	return nil, fmt.Errorf("unrecognized response format (content type %q)", contentType)
}

// Parse extracts a Document using the appropriate adapter
func (r *Registry) Parse(contentType string, body []byte) (*Document, error) {
	adapter, err := r.Detect(contentType, body)
	if err != nil {
		return nil, err
	}
	return adapter.Parse(bytes.NewReader(body))
}

// RegisterAdapter adds a custom adapter to the registry.
// Custom adapters take priority over the built-in ones.
func (r *Registry) RegisterAdapter(a Adapter) {
	r.adapters = append([]Adapter{a}, r.adapters...)
}

// GetAdapter returns adapter for a specific shape
func (r *Registry) GetAdapter(shape Shape) Adapter {
	for _, a := range r.adapters {
		if a.Shape() == shape {
			return a
		}
	}
	return nil
}
