package model

// Outcome distinguishes completed operations from capabilities the client does not offer
type Outcome string

const (
	OutcomeCompleted   Outcome = "completed"
	OutcomeUnsupported Outcome = "unsupported"
)

// RemoteMessage is an error or alert code/message pair reported by the authority
type RemoteMessage struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// OperationResult is the structured outcome of one facade call.
// Identifier fields are nil when the response does not carry them.
type OperationResult struct {
	Operation        Operation       `json:"operation"`
	Family           Family          `json:"family"`
	Outcome          Outcome         `json:"outcome"`
	Success          bool            `json:"success"`
	InvoiceNumber    *string         `json:"invoice_number"`
	VerificationCode *string         `json:"verification_code"`
	BatchNumber      *string         `json:"batch_number"`
	Errors           []RemoteMessage `json:"errors"`
	Alerts           []RemoteMessage `json:"alerts,omitempty"`
	HTTPStatus       int             `json:"http_status,omitempty"`
	RawResponse      string          `json:"raw_response,omitempty"`
	RequestDocument  string          `json:"request_document,omitempty"`
	// Reason explains an unsupported outcome
	Reason string `json:"reason,omitempty"`
}

// NewUnsupportedResult creates the result returned for capabilities the authority
// integration does not implement
func NewUnsupportedResult(op Operation, family Family, reason string) *OperationResult {
	return &OperationResult{
		Operation: op,
		Family:    family,
		Outcome:   OutcomeUnsupported,
		Errors:    []RemoteMessage{},
		Reason:    reason,
	}
}

// IsUnsupported returns true when the operation was not attempted
func (r *OperationResult) IsUnsupported() bool {
	return r.Outcome == OutcomeUnsupported
}

// Err converts a rejected or unsupported result into an error.
// It returns nil for successful results.
func (r *OperationResult) Err() error {
	switch {
	case r == nil:
		return nil
	case r.IsUnsupported():
		return &UnsupportedOperationError{Operation: r.Operation, Reason: r.Reason}
	case r.Success:
		return nil
	default:
		return &RemoteRejectionError{
			Operation:  r.Operation,
			HTTPStatus: r.HTTPStatus,
			Errors:     append([]RemoteMessage(nil), r.Errors...),
			Raw:        r.RawResponse,
		}
	}
}

// StringPtr returns a pointer to s, or nil when s is empty
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Deref returns the pointed-to string or ""
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
