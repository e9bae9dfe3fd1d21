// Package schema validates request documents against the authority XSDs
// with libxml2. Parsed schemas are cached per path for the life of the
// Validator.
package schema

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/lestrrat-go/libxml2"
	"github.com/lestrrat-go/libxml2/xsd"

	"github.com/rezonia/nfse-client/internal/model"
)

// ErrClosed is returned by Validate after Close
var ErrClosed = errors.New("schema validator closed")

// Validator checks documents against XSD files
type Validator struct {
	mu      sync.Mutex
	schemas map[string]*xsd.Schema
	closed  bool
}

// NewValidator creates an empty validator
func NewValidator() *Validator {
	return &Validator{schemas: make(map[string]*xsd.Schema)}
}

// Validate checks data against the schema at xsdPath. Every violation
// libxml2 reports is returned in a *model.SchemaViolationError. A missing
// or unparsable schema fails the validation.
func (v *Validator) Validate(data []byte, xsdPath string) error {
	schema, err := v.load(xsdPath)
	if err != nil {
		return &model.SchemaViolationError{Schema: xsdPath, Document: data, Cause: err}
	}

	doc, err := libxml2.Parse(data)
	if err != nil {
		return &model.SchemaViolationError{
			Schema:   xsdPath,
			Messages: []string{fmt.Sprintf("document is not well-formed: %v", err)},
			Document: data,
			Cause:    err,
		}
	}
	defer doc.Free()

	if err := schema.Validate(doc); err != nil {
		return &model.SchemaViolationError{
			Schema:   xsdPath,
			Messages: messages(err),
			Document: data,
		}
	}
	return nil
}

func messages(err error) []string {
	var verr xsd.SchemaValidationError
	if !errors.As(err, &verr) {
		return []string{err.Error()}
	}
	out := make([]string, 0, len(verr.Errors()))
	for _, e := range verr.Errors() {
		out = append(out, e.Error())
	}
	if len(out) == 0 {
		out = append(out, err.Error())
	}
	return out
}

func (v *Validator) load(path string) (*xsd.Schema, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return nil, ErrClosed
	}
	if s, ok := v.schemas[path]; ok {
		return s, nil
	}
	if path == "" {
		return nil, errors.New("no schema configured")
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("schema file: %w", err)
	}

	s, err := xsd.ParseFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("parse schema %s: %w", path, err)
	}
	v.schemas[path] = s
	return s, nil
}

// Cached returns the number of parsed schemas held
func (v *Validator) Cached() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.schemas)
}

// Close frees every cached schema. It must not run concurrently with Validate.
func (v *Validator) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	for path, s := range v.schemas {
		s.Free()
		delete(v.schemas, path)
	}
	v.closed = true
	return nil
}
