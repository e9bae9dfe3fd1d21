package response

import (
	"net/http"
	"strconv"

	"github.com/rezonia/nfse-client/internal/model"
)

// Input is a raw authority answer and the context needed to interpret it
type Input struct {
	Operation   model.Operation
	Family      model.Family
	Status      int
	ContentType string
	Body        []byte
	// DefaultSuccess applies when the answer has no success indicator and no errors
	DefaultSuccess bool
}

// Parser converts raw answers into OperationResults
type Parser struct {
	registry *Registry
}

// ParserOption configures a Parser
type ParserOption func(*Parser)

// WithRegistry replaces the built-in adapter registry
func WithRegistry(r *Registry) ParserOption {
	return func(p *Parser) {
		p.registry = r
	}
}

// NewParser creates a parser with the SOAP, JSON and XML adapters
func NewParser(opts ...ParserOption) *Parser {
	p := &Parser{registry: NewRegistry()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Parse builds the result of one exchange. A well-formed rejection is a
// result with Success=false, not an error; only undecodable answers fail
// with *model.ResponseParseError. A non-2xx status always forces failure
// and is reported after the document errors.
func (p *Parser) Parse(in Input) (*model.OperationResult, error) {
	result := &model.OperationResult{
		Operation:   in.Operation,
		Family:      in.Family,
		Outcome:     model.OutcomeCompleted,
		Errors:      []model.RemoteMessage{},
		HTTPStatus:  in.Status,
		RawResponse: string(in.Body),
	}

	if len(trimBody(in.Body)) == 0 {
		result.Success = in.DefaultSuccess
	} else {
		doc, err := p.registry.Parse(in.ContentType, in.Body)
		if err != nil {
			return nil, &model.ResponseParseError{
				Operation:  in.Operation,
				HTTPStatus: in.Status,
				Raw:        in.Body,
				Cause:      err,
			}
		}
		apply(result, doc, in.DefaultSuccess)
	}

	if !successStatus(in.Status) {
		result.Success = false
		result.Errors = append(result.Errors, model.RemoteMessage{
			Code:    "HTTP " + strconv.Itoa(in.Status),
			Message: http.StatusText(in.Status),
		})
	}
	return result, nil
}

func apply(result *model.OperationResult, doc *Document, defaultSuccess bool) {
	if doc.Errors != nil {
		result.Errors = append(result.Errors, doc.Errors...)
	}
	result.Alerts = doc.Alerts

	switch {
	case doc.SuccessFound:
		result.Success = doc.Success
	default:
		result.Success = defaultSuccess && len(doc.Errors) == 0
	}

	result.InvoiceNumber = doc.InvoiceNumber
	result.VerificationCode = doc.VerificationCode
	result.BatchNumber = doc.BatchNumber
}

// successStatus treats 0 as an exchange without HTTP, such as a parsed file
func successStatus(status int) bool {
	return status == 0 || (status >= 200 && status < 300)
}
