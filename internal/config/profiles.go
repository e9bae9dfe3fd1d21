package config

import (
	"strings"

	"github.com/rezonia/nfse-client/internal/model"
)

// Digest algorithms
const (
	DigestSHA1   = "sha1"
	DigestSHA256 = "sha256"
)

// Reference modes
const (
	// ReferenceDocument signs the whole document with Reference URI=""
	ReferenceDocument = "document"
	// ReferenceFragment signs the element carrying an Id with Reference URI="#Id"
	ReferenceFragment = "fragment"
)

// Id styles for generated Id attributes
const (
	IDStyleTag   = "tag"   // <tag>_<suffix>
	IDStylePlain = "plain" // ID_<suffix>
)

// Framings
const (
	FramingSOAP = "soap"
	FramingREST = "rest"
)

// SOAP versions
const (
	SOAP11 = "1.1"
	SOAP12 = "1.2"
)

// Authority namespaces
const (
	NamespaceNFe  = "http://www.prefeitura.sp.gov.br/nfe"
	NamespaceNFSe = "http://www.prefeitura.sp.gov.br/nfse"
)

// Profile is the per-operation wire and signature configuration
type Profile struct {
	Framing string `yaml:"framing"`
	// Method is the SOAP method for the soap framing, or the HTTP verb for rest
	Method         string `yaml:"method"`
	Path           string `yaml:"path"`
	SOAPAction     string `yaml:"soap_action"`
	SOAPVersion    string `yaml:"soap_version"`
	RequestElement string `yaml:"request_element"`
	MessageCDATA   bool   `yaml:"message_cdata"`

	// Signed is false for operations that send no document (REST GET inquiries)
	Signed       bool   `yaml:"signed"`
	Digest       string `yaml:"digest"`
	Reference    string `yaml:"reference"`
	IDStyle      string `yaml:"id_style"`
	SignTarget   string `yaml:"sign_target"`
	IssuerSerial bool   `yaml:"issuer_serial"`

	Schema           string `yaml:"schema"`
	ValidateUnsigned bool   `yaml:"validate_unsigned"`
	ValidateSigned   bool   `yaml:"validate_signed"`

	// DefaultSuccess applies when the response has no success indicator and no errors
	DefaultSuccess bool `yaml:"default_success"`
}

func rpsProfile(method, schema string) Profile {
	return Profile{
		Framing:        FramingSOAP,
		Method:         method,
		SOAPAction:     NamespaceNFe + "/ws/" + lowerFirst(method),
		SOAPVersion:    SOAP11,
		RequestElement: method + "Request",
		Signed:         true,
		Digest:         DigestSHA1,
		Reference:      ReferenceDocument,
		IDStyle:        IDStylePlain,
		Schema:         schema,
		ValidateSigned: true,
	}
}

func dpsProfile(method, path, schema string) Profile {
	p := Profile{
		Framing:        FramingREST,
		Method:         method,
		Path:           path,
		DefaultSuccess: true,
	}
	if schema != "" {
		p.Signed = true
		p.Digest = DigestSHA256
		p.Reference = ReferenceDocument
		p.IDStyle = IDStylePlain
		p.IssuerSerial = true
		p.Schema = schema
		p.ValidateUnsigned = true
		p.ValidateSigned = true
	}
	return p
}

// DefaultProfiles returns the built-in operation table
func DefaultProfiles() map[model.Family]map[model.Operation]Profile {
	dpsSubmit := dpsProfile("POST", "/dps/api/v1/dps", "DPS_v01.xsd")
	dpsSubmit.Reference = ReferenceFragment
	dpsSubmit.IDStyle = IDStyleTag

	dpsCancel := dpsProfile("POST", "/dps/api/v1/notas/{numero}/cancelamento", "CancelarNfse_v01.xsd")
	dpsCancel.Reference = ReferenceFragment

	return map[model.Family]map[model.Operation]Profile{
		model.FamilyRPS: {
			model.OpSubmit:          rpsProfile("EnvioRPS", "PedidoEnvioRPS_v01.xsd"),
			model.OpSubmitBatch:     rpsProfile("EnvioLoteRPS", "PedidoEnvioLoteRPS_v01.xsd"),
			model.OpTestBatch:       rpsProfile("TesteEnvioLoteRPS", "PedidoEnvioLoteRPS_v01.xsd"),
			model.OpInquire:         rpsProfile("ConsultaNFe", "PedidoConsultaNFe_v01.xsd"),
			model.OpInquireBatch:    rpsProfile("ConsultaLote", "PedidoConsultaLote_v01.xsd"),
			model.OpBatchInfo:       rpsProfile("ConsultaInformacoesLote", "PedidoInformacoesLote_v01.xsd"),
			model.OpCancel:          rpsProfile("CancelamentoNFe", "PedidoCancelamentoNFe_v01.xsd"),
			model.OpInquireTaxpayer: rpsProfile("ConsultaCNPJ", "PedidoConsultaCNPJ_v01.xsd"),
		},
		model.FamilyDPS: {
			model.OpSubmit:       dpsSubmit,
			model.OpSubmitBatch:  dpsProfile("POST", "/dps/api/v1/lotes", "LoteDPS_v01.xsd"),
			model.OpInquire:      dpsProfile("GET", "/dps/api/v1/notas/{numero}", ""),
			model.OpInquireBatch: dpsProfile("GET", "/dps/api/v1/lotes/{protocolo}", ""),
			model.OpCancel:       dpsCancel,
		},
	}
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}
