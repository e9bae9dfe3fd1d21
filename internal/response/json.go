package response

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/rezonia/nfse-client/internal/model"
)

// Keys searched in JSON answers of the DPS REST API, first match wins
var (
	jsonSuccessKeys      = []string{"sucesso", "success"}
	jsonErrorKeys        = []string{"erros", "errors", "erro"}
	jsonAlertKeys        = []string{"alertas", "alerts"}
	jsonInvoiceKeys      = []string{"numeroNfse", "numeroNFe", "numero"}
	jsonVerificationKeys = []string{"codigoVerificacao"}
	jsonBatchKeys        = []string{"protocolo", "numeroLote"}
	jsonCodeKeys         = []string{"codigo", "code"}
	jsonMessageKeys      = []string{"mensagem", "descricao", "message"}
)

// JSONAdapter reads JSON answers with gjson
type JSONAdapter struct{}

// NewJSONAdapter creates the JSON adapter
func NewJSONAdapter() *JSONAdapter {
	return &JSONAdapter{}
}

// Shape returns ShapeJSON
func (a *JSONAdapter) Shape() Shape {
	return ShapeJSON
}

// CanParse accepts a JSON Content-Type or a body starting with { or [
func (a *JSONAdapter) CanParse(contentType string, body []byte) bool {
	if strings.Contains(strings.ToLower(contentType), "json") {
		return true
	}
	head := trimBody(body)
	return bytes.HasPrefix(head, []byte("{")) || bytes.HasPrefix(head, []byte("["))
}

// Parse extracts the document fields from a JSON object
func (a *JSONAdapter) Parse(r io.Reader) (*Document, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("malformed JSON")
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return nil, fmt.Errorf("expected a JSON object, found %s", root.Type)
	}

	d := &Document{Shape: ShapeJSON}
	if v, ok := lookup(root, jsonSuccessKeys); ok {
		d.SuccessFound = true
		d.Success = v.Bool()
	}
	if v, ok := lookup(root, jsonErrorKeys); ok {
		d.Errors = messages(v)
	}
	if v, ok := lookup(root, jsonAlertKeys); ok {
		d.Alerts = messages(v)
	}
	d.InvoiceNumber = lookupString(root, jsonInvoiceKeys)
	d.VerificationCode = lookupString(root, jsonVerificationKeys)
	d.BatchNumber = lookupString(root, jsonBatchKeys)
	return d, nil
}

func lookup(obj gjson.Result, keys []string) (gjson.Result, bool) {
	for _, k := range keys {
		if v := obj.Get(k); v.Exists() && v.Type != gjson.Null {
			return v, true
		}
	}
	return gjson.Result{}, false
}

func lookupString(obj gjson.Result, keys []string) *string {
	v, ok := lookup(obj, keys)
	if !ok {
		return nil
	}
	text := strings.TrimSpace(v.String())
	if text == "" {
		return nil
	}
	return model.StringPtr(text)
}

// messages accepts an array of objects or strings, or a single object
func messages(v gjson.Result) []model.RemoteMessage {
	items := []gjson.Result{v}
	if v.IsArray() {
		items = v.Array()
	}

	var out []model.RemoteMessage
	for _, item := range items {
		if !item.IsObject() {
			out = append(out, model.RemoteMessage{Message: item.String()})
			continue
		}
		var m model.RemoteMessage
		if c, ok := lookup(item, jsonCodeKeys); ok {
			m.Code = c.String()
		}
		if msg, ok := lookup(item, jsonMessageKeys); ok {
			m.Message = msg.String()
		}
		out = append(out, m)
	}
	return out
}
