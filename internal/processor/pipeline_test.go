package processor_test

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/beevik/etree"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/rezonia/nfse-client/internal/config"
	"github.com/rezonia/nfse-client/internal/metrics"
	"github.com/rezonia/nfse-client/internal/model"
	"github.com/rezonia/nfse-client/internal/processor"
	xmlsig "github.com/rezonia/nfse-client/internal/signature/xml"
	"github.com/rezonia/nfse-client/internal/testutil"
	"github.com/rezonia/nfse-client/internal/transport"
)

var escaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

func soapReply(method, inner string) *transport.Response {
	body := `<?xml version="1.0" encoding="utf-8"?>` +
		`<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/"><soap:Body>` +
		`<` + method + `Response xmlns="http://www.prefeitura.sp.gov.br/nfe"><RetornoXML>` + escaper.Replace(inner) + `</RetornoXML></` + method + `Response>` +
		`</soap:Body></soap:Envelope>`
	return &transport.Response{Status: http.StatusOK, ContentType: "text/xml; charset=utf-8", Body: []byte(body), Sent: "envelope"}
}

const retornoSucesso = `<RetornoEnvioRPS xmlns="http://www.prefeitura.sp.gov.br/nfe">` +
	`<Cabecalho xmlns="" Versao="1"><Sucesso>true</Sucesso></Cabecalho>` +
	`<ChaveNFeRPS xmlns=""><ChaveNFe><InscricaoPrestador>39616924</InscricaoPrestador>` +
	`<NumeroNFe>1060162</NumeroNFe><CodigoVerificacao>XLBXK7CR</CodigoVerificacao></ChaveNFe></ChaveNFeRPS>` +
	`</RetornoEnvioRPS>`

const retornoErro = `<RetornoConsulta xmlns="http://www.prefeitura.sp.gov.br/nfe">` +
	`<Cabecalho xmlns="" Versao="1"><Sucesso>false</Sucesso></Cabecalho>` +
	`<Erro xmlns=""><Codigo>5</Codigo><Descricao>CNPJ inválido</Descricao></Erro>` +
	`</RetornoConsulta>`

// fakeSender records requests and answers with respond
type fakeSender struct {
	mu       sync.Mutex
	requests []transport.Request
	respond  func(n int, req transport.Request) (*transport.Response, error)
}

func (f *fakeSender) Send(ctx context.Context, req transport.Request) (*transport.Response, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	n := len(f.requests)
	f.mu.Unlock()
	return f.respond(n, req)
}

func (f *fakeSender) calls() []transport.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transport.Request(nil), f.requests...)
}

func replyWith(resp *transport.Response) *fakeSender {
	return &fakeSender{respond: func(int, transport.Request) (*transport.Response, error) { return resp, nil }}
}

func testConfig(t *testing.T, family model.Family, cred *testutil.Credential) config.Config {
	t.Helper()
	certPath, keyPath := cred.WritePEM(t, t.TempDir())

	cfg := config.Default()
	cfg.Family = family
	cfg.Company = config.Company{CNPJ: "12345678000195", MunicipalRegistration: "39616924"}
	cfg.Credentials = config.Credentials{CertPath: certPath, KeyPath: keyPath}
	cfg.SchemaDir = filepath.Join("..", "schema", "testdata")
	cfg.Endpoints[cfg.Environment] = config.Endpoints{SOAPURL: "https://authority.invalid/ws", RESTBaseURL: "https://authority.invalid"}
	return cfg
}

func newPipeline(t *testing.T, cfg config.Config, sender processor.Sender, opts ...processor.Option) *processor.Pipeline {
	t.Helper()
	opts = append([]processor.Option{
		processor.WithSender(sender),
		processor.WithClock(func() time.Time { return time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC) }),
		processor.WithIDGenerator(func() string { return "fixo" }),
		processor.WithRetryInterval(time.Millisecond),
	}, opts...)
	p, err := processor.NewPipeline(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func scenarioRecord() model.InvoiceRecord {
	return model.InvoiceRecord{
		Number:        "1060162",
		Series:        "A",
		IssueDate:     time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC),
		ServiceAmount: decimal.RequireFromString("1000.00"),
		TaxRate:       decimal.RequireFromString("0.05"),
		ServiceCode:   "0101",
		Description:   "Consultoria em sistemas",
		Payer:         model.Payer{TaxID: "22620045000100", Name: "Tomador Exemplo SA"},
	}
}

func root(t *testing.T, data []byte) *etree.Element {
	t.Helper()
	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromBytes(data))
	return doc.Root()
}

func TestNewPipeline_MissingCertificate(t *testing.T) {
	cred := testutil.NewCredential(t, "Client")
	cfg := testConfig(t, model.FamilyRPS, cred)
	cfg.Credentials.CertPath = filepath.Join(t.TempDir(), "absent.pem")
	sender := replyWith(soapReply("EnvioRPS", retornoSucesso))

	p, err := processor.NewPipeline(cfg, processor.WithSender(sender))
	require.Error(t, err)
	assert.Nil(t, p)
	assert.ErrorIs(t, err, model.ErrCredentialNotFound)
	assert.Empty(t, sender.calls())
}

func TestSubmit_Scenario(t *testing.T) {
	cred := testutil.NewCredential(t, "EMPRESA TESTE LTDA:12345678000195")
	sender := replyWith(soapReply("EnvioRPS", retornoSucesso))
	p := newPipeline(t, testConfig(t, model.FamilyRPS, cred), sender)

	result, err := p.Submit(context.Background(), scenarioRecord())
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, model.OpSubmit, result.Operation)
	assert.Equal(t, model.FamilyRPS, result.Family)
	assert.Equal(t, "1060162", model.Deref(result.InvoiceNumber))
	assert.Equal(t, "XLBXK7CR", model.Deref(result.VerificationCode))

	calls := sender.calls()
	require.Len(t, calls, 1)
	req := calls[0]
	assert.Equal(t, "EnvioRPS", req.Profile.Method)
	assert.Equal(t, string(req.Body), result.RequestDocument)

	doc := root(t, req.Body)
	assert.Equal(t, "PedidoEnvioRPS", doc.Tag)
	assert.NotEmpty(t, doc.FindElement("RPS/Assinatura").Text())
	sig := doc.ChildElements()[len(doc.ChildElements())-1]
	assert.Equal(t, "Signature", sig.Tag)
	assert.Equal(t, "", sig.FindElement("SignedInfo/Reference").SelectAttrValue("URI", "missing"))

	verified, err := xmlsig.NewXMLVerifier(xmlsig.WithExpectedCertificate(cred.Cert)).Verify(context.Background(), req.Body)
	require.NoError(t, err)
	assert.True(t, verified.Valid, "%v", verified.Errors)
	assert.Equal(t, "http://www.w3.org/2000/09/xmldsig#rsa-sha1", verified.SignatureMethod)
}

func TestSubmit_RemoteRejectionIsAResult(t *testing.T) {
	cred := testutil.NewCredential(t, "Client")
	p := newPipeline(t, testConfig(t, model.FamilyRPS, cred), replyWith(soapReply("EnvioRPS", retornoErro)))

	result, err := p.Submit(context.Background(), scenarioRecord())
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, []model.RemoteMessage{{Code: "5", Message: "CNPJ inválido"}}, result.Errors)
	assert.ErrorIs(t, result.Err(), model.ErrRemoteRejection)
}

func TestSubmit_LocalFailuresNeverReachTheNetwork(t *testing.T) {
	cred := testutil.NewCredential(t, "Client")

	t.Run("validation", func(t *testing.T) {
		sender := replyWith(soapReply("EnvioRPS", retornoSucesso))
		p := newPipeline(t, testConfig(t, model.FamilyRPS, cred), sender)

		_, err := p.Submit(context.Background(), model.InvoiceRecord{})
		assert.ErrorIs(t, err, model.ErrValidation)
		assert.Empty(t, sender.calls())
	})

	t.Run("schema", func(t *testing.T) {
		sender := replyWith(soapReply("EnvioRPS", retornoSucesso))
		cfg := testConfig(t, model.FamilyRPS, cred)
		profile := cfg.Operations[model.FamilyRPS][model.OpSubmit]
		profile.Schema = "PedidoCancelamentoNFe_v01.xsd"
		cfg.Operations[model.FamilyRPS][model.OpSubmit] = profile
		p := newPipeline(t, cfg, sender)

		_, err := p.Submit(context.Background(), scenarioRecord())
		assert.ErrorIs(t, err, model.ErrSchemaViolation)
		assert.Empty(t, sender.calls())
	})

	t.Run("unknown digest", func(t *testing.T) {
		sender := replyWith(soapReply("EnvioRPS", retornoSucesso))
		cfg := testConfig(t, model.FamilyRPS, cred)
		profile := cfg.Operations[model.FamilyRPS][model.OpSubmit]
		profile.Digest = "md5"
		cfg.Operations[model.FamilyRPS][model.OpSubmit] = profile
		p := newPipeline(t, cfg, sender)

		_, err := p.Submit(context.Background(), scenarioRecord())
		var sigErr *model.SigningError
		require.ErrorAs(t, err, &sigErr)
		assert.Equal(t, model.SignCodeUnsupportedAlgo, sigErr.Code)
		assert.Empty(t, sender.calls())
	})
}

func TestInquire_SanitizesVerificationCode(t *testing.T) {
	cred := testutil.NewCredential(t, "Client")
	sender := replyWith(soapReply("ConsultaNFe", retornoSucesso))
	p := newPipeline(t, testConfig(t, model.FamilyRPS, cred), sender)

	_, err := p.Inquire(context.Background(), "1060162", "XLBX-K7CR")
	require.NoError(t, err)

	body := root(t, sender.calls()[0].Body)
	assert.Equal(t, "PedidoConsultaNFe", body.Tag)
	assert.Equal(t, "XLBXK7CR", body.FindElement("Detalhe/ChaveNFe/CodigoVerificacao").Text())
}

func TestRPSQueries(t *testing.T) {
	cred := testutil.NewCredential(t, "Client")

	tests := []struct {
		name     string
		call     func(p *processor.Pipeline) (*model.OperationResult, error)
		wantRoot string
		wantOp   model.Operation
	}{
		{"inquire batch", func(p *processor.Pipeline) (*model.OperationResult, error) {
			return p.InquireBatch(context.Background(), "4711")
		}, "PedidoConsultaLote", model.OpInquireBatch},
		{"batch info", func(p *processor.Pipeline) (*model.OperationResult, error) {
			return p.BatchInfo(context.Background(), "")
		}, "PedidoInformacoesLote", model.OpBatchInfo},
		{"taxpayer", func(p *processor.Pipeline) (*model.OperationResult, error) {
			return p.InquireTaxpayer(context.Background(), "22.620.045/0001-00")
		}, "PedidoConsultaCNPJ", model.OpInquireTaxpayer},
		{"submit batch", func(p *processor.Pipeline) (*model.OperationResult, error) {
			return p.SubmitBatch(context.Background(), model.BatchRecord{Records: []model.InvoiceRecord{scenarioRecord()}})
		}, "PedidoEnvioLoteRPS", model.OpSubmitBatch},
		{"test batch", func(p *processor.Pipeline) (*model.OperationResult, error) {
			return p.TestBatch(context.Background(), model.BatchRecord{Records: []model.InvoiceRecord{scenarioRecord()}})
		}, "PedidoEnvioLoteRPS", model.OpTestBatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender := replyWith(soapReply("Consulta", retornoSucesso))
			p := newPipeline(t, testConfig(t, model.FamilyRPS, cred), sender)

			result, err := tt.call(p)
			require.NoError(t, err)
			assert.Equal(t, tt.wantOp, result.Operation)

			calls := sender.calls()
			require.Len(t, calls, 1)
			assert.Equal(t, tt.wantOp, calls[0].Operation)
			assert.Equal(t, tt.wantRoot, root(t, calls[0].Body).Tag)
		})
	}
}

func TestCancel_RPSReasonIsAuditedOnly(t *testing.T) {
	cred := testutil.NewCredential(t, "Client")
	core, logs := observer.New(zap.InfoLevel)
	sender := replyWith(soapReply("CancelamentoNFe", `<RetornoCancelamentoNFe><Cabecalho><Sucesso>true</Sucesso></Cabecalho></RetornoCancelamentoNFe>`))
	p := newPipeline(t, testConfig(t, model.FamilyRPS, cred), sender, processor.WithLogger(zap.New(core)))

	result, err := p.Cancel(context.Background(), "1060162", "XLBXK7CR", "Emitida em duplicidade")
	require.NoError(t, err)
	assert.True(t, result.Success)

	body := sender.calls()[0].Body
	assert.NotContains(t, string(body), "duplicidade")
	assert.NotEmpty(t, root(t, body).FindElement("Detalhe/AssinaturaCancelamento").Text())

	entries := logs.FilterMessage("operation completed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "Emitida em duplicidade", entries[0].ContextMap()["reason"])
}

func TestDPS_Submit(t *testing.T) {
	cred := testutil.NewCredential(t, "Client")
	sender := replyWith(&transport.Response{
		Status:      http.StatusCreated,
		ContentType: "application/json",
		Body:        []byte(`{"numeroNfse":"2024000001","codigoVerificacao":"AB12CD34"}`),
	})
	p := newPipeline(t, testConfig(t, model.FamilyDPS, cred), sender)

	result, err := p.Submit(context.Background(), scenarioRecord())
	require.NoError(t, err)
	assert.True(t, result.Success, "DPS answers without an indicator succeed by default")
	assert.Equal(t, "2024000001", model.Deref(result.InvoiceNumber))

	req := sender.calls()[0]
	assert.Equal(t, config.FramingREST, req.Profile.Framing)
	doc := root(t, req.Body)
	assert.Equal(t, "DPS", doc.Tag)
	assert.Equal(t, "DPS_fixo", doc.SelectAttrValue("Id", ""))
	assert.Equal(t, "#DPS_fixo", doc.FindElement("Signature/SignedInfo/Reference").SelectAttrValue("URI", ""))
	assert.NotNil(t, doc.FindElement("Signature/KeyInfo/X509Data/X509IssuerSerial"))
}

func TestDPS_CancelAndInquiries(t *testing.T) {
	cred := testutil.NewCredential(t, "Client")
	sender := replyWith(&transport.Response{Status: http.StatusOK, Body: []byte(`<Retorno><Sucesso>true</Sucesso></Retorno>`)})
	p := newPipeline(t, testConfig(t, model.FamilyDPS, cred), sender)
	ctx := context.Background()

	_, err := p.Cancel(ctx, "1060162", "", "Emitida em duplicidade")
	require.NoError(t, err)
	_, err = p.Inquire(ctx, "1060162", "AB12-CD34")
	require.NoError(t, err)
	_, err = p.InquireBatch(ctx, "P-1")
	require.NoError(t, err)

	calls := sender.calls()
	require.Len(t, calls, 3)

	cancel := calls[0]
	assert.Equal(t, map[string]string{"numero": "1060162"}, cancel.PathParams)
	doc := root(t, cancel.Body)
	assert.Equal(t, "CancelarNfse", doc.Tag)
	assert.Equal(t, "Emitida em duplicidade", doc.FindElement("MotivoCancelamento").Text())
	assert.Equal(t, "ID_fixo", doc.SelectAttrValue("Id", ""))

	inquire := calls[1]
	assert.Nil(t, inquire.Body)
	assert.Equal(t, map[string]string{"numero": "1060162"}, inquire.PathParams)
	assert.Equal(t, "AB12CD34", inquire.Query.Get("codigoVerificacao"))

	batch := calls[2]
	assert.Equal(t, map[string]string{"protocolo": "P-1"}, batch.PathParams)
}

func TestDPS_InquireRequiresNumber(t *testing.T) {
	cred := testutil.NewCredential(t, "Client")
	sender := replyWith(&transport.Response{Status: http.StatusOK})
	p := newPipeline(t, testConfig(t, model.FamilyDPS, cred), sender)

	_, err := p.Inquire(context.Background(), " ", "")
	assert.ErrorIs(t, err, model.ErrValidation)
	_, err = p.Cancel(context.Background(), "1060162", "", "")
	assert.ErrorIs(t, err, model.ErrValidation, "the DPS cancellation reason is required")
	assert.Empty(t, sender.calls())
}

func TestUnsupportedOperations(t *testing.T) {
	cred := testutil.NewCredential(t, "Client")
	ctx := context.Background()
	batch := model.BatchRecord{Records: []model.InvoiceRecord{scenarioRecord()}}

	tests := []struct {
		family model.Family
		op     model.Operation
		call   func(p *processor.Pipeline) (*model.OperationResult, error)
	}{
		{model.FamilyDPS, model.OpTestBatch, func(p *processor.Pipeline) (*model.OperationResult, error) { return p.TestBatch(ctx, batch) }},
		{model.FamilyDPS, model.OpBatchInfo, func(p *processor.Pipeline) (*model.OperationResult, error) { return p.BatchInfo(ctx, "1") }},
		{model.FamilyDPS, model.OpInquireTaxpayer, func(p *processor.Pipeline) (*model.OperationResult, error) {
			return p.InquireTaxpayer(ctx, "22620045000100")
		}},
		{model.FamilyRPS, model.OpInquireReceived, func(p *processor.Pipeline) (*model.OperationResult, error) { return p.InquireReceived(ctx) }},
		{model.FamilyRPS, model.OpInquireIssued, func(p *processor.Pipeline) (*model.OperationResult, error) { return p.InquireIssued(ctx) }},
		{model.FamilyRPS, model.OpIssueToken, func(p *processor.Pipeline) (*model.OperationResult, error) { return p.IssueToken(ctx) }},
	}

	for _, tt := range tests {
		t.Run(string(tt.family)+"/"+string(tt.op), func(t *testing.T) {
			sender := replyWith(&transport.Response{Status: http.StatusOK})
			p := newPipeline(t, testConfig(t, tt.family, cred), sender)

			result, err := tt.call(p)
			require.NoError(t, err)
			assert.True(t, result.IsUnsupported())
			assert.Equal(t, tt.op, result.Operation)
			assert.NotEmpty(t, result.Reason)
			assert.ErrorIs(t, result.Err(), model.ErrNotImplemented)
			assert.Empty(t, sender.calls())
		})
	}
}

func TestTransportErrors(t *testing.T) {
	cred := testutil.NewCredential(t, "Client")
	timeout := &model.TransportTimeoutError{Operation: model.OpSubmit, Endpoint: "https://authority.invalid/ws", Request: "<PedidoEnvioRPS/>"}

	t.Run("writes are never retried", func(t *testing.T) {
		sender := &fakeSender{respond: func(int, transport.Request) (*transport.Response, error) { return nil, timeout }}
		cfg := testConfig(t, model.FamilyRPS, cred)
		cfg.InquiryRetries = 3
		p := newPipeline(t, cfg, sender)

		_, err := p.Submit(context.Background(), scenarioRecord())
		assert.ErrorIs(t, err, model.ErrTransportTimeout)
		assert.Len(t, sender.calls(), 1)
	})

	t.Run("inquiries retry connection failures", func(t *testing.T) {
		sender := &fakeSender{respond: func(n int, req transport.Request) (*transport.Response, error) {
			if n < 3 {
				return nil, &model.TransportConnectionError{Operation: req.Operation, Cause: io.ErrUnexpectedEOF}
			}
			return soapReply("ConsultaNFe", retornoSucesso), nil
		}}
		cfg := testConfig(t, model.FamilyRPS, cred)
		cfg.InquiryRetries = 3
		p := newPipeline(t, cfg, sender)

		result, err := p.Inquire(context.Background(), "1060162", "")
		require.NoError(t, err)
		assert.True(t, result.Success)
		assert.Len(t, sender.calls(), 3)
	})

	t.Run("retries are bounded", func(t *testing.T) {
		sender := &fakeSender{respond: func(int, transport.Request) (*transport.Response, error) { return nil, timeout }}
		cfg := testConfig(t, model.FamilyRPS, cred)
		cfg.InquiryRetries = 2
		p := newPipeline(t, cfg, sender)

		_, err := p.Inquire(context.Background(), "1060162", "")
		assert.ErrorIs(t, err, model.ErrTransportTimeout)
		assert.Len(t, sender.calls(), 3)
	})

	t.Run("no retries by default", func(t *testing.T) {
		sender := &fakeSender{respond: func(int, transport.Request) (*transport.Response, error) { return nil, timeout }}
		p := newPipeline(t, testConfig(t, model.FamilyRPS, cred), sender)

		_, err := p.Inquire(context.Background(), "1060162", "")
		assert.ErrorIs(t, err, model.ErrTransportTimeout)
		assert.Len(t, sender.calls(), 1)
	})

	t.Run("unparseable answer", func(t *testing.T) {
		sender := replyWith(&transport.Response{Status: http.StatusBadGateway, Body: []byte("<html><body>Bad Gateway")})
		p := newPipeline(t, testConfig(t, model.FamilyRPS, cred), sender)

		_, err := p.Inquire(context.Background(), "1060162", "")
		assert.ErrorIs(t, err, model.ErrResponseParse)
	})
}

func TestInquireMany(t *testing.T) {
	cred := testutil.NewCredential(t, "Client")
	var inFlight, peak int32
	sender := &fakeSender{respond: func(int, transport.Request) (*transport.Response, error) {
		now := atomic.AddInt32(&inFlight, 1)
		defer atomic.AddInt32(&inFlight, -1)
		for {
			old := atomic.LoadInt32(&peak)
			if now <= old || atomic.CompareAndSwapInt32(&peak, old, now) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		return soapReply("ConsultaNFe", retornoSucesso), nil
	}}
	cfg := testConfig(t, model.FamilyRPS, cred)
	cfg.Workers = 2
	p := newPipeline(t, cfg, sender)

	keys := make([]model.InvoiceKey, 8)
	for i := range keys {
		keys[i] = model.InvoiceKey{Number: fmt.Sprintf("%d", 1000+i)}
	}
	keys[3].Number = ""

	outcomes := p.InquireMany(context.Background(), keys)
	require.Len(t, outcomes, len(keys))
	for i, o := range outcomes {
		assert.Equal(t, keys[i], o.Key)
		if i == 3 {
			assert.ErrorIs(t, o.Err, model.ErrValidation)
			assert.Nil(t, o.Result)
			continue
		}
		require.NoError(t, o.Err)
		assert.True(t, o.Result.Success)
	}
	assert.Len(t, sender.calls(), len(keys)-1)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestMetrics(t *testing.T) {
	cred := testutil.NewCredential(t, "Client")
	reg := prometheus.NewRegistry()
	p := newPipeline(t, testConfig(t, model.FamilyRPS, cred),
		replyWith(soapReply("EnvioRPS", retornoSucesso)),
		processor.WithRecorder(metrics.NewPrometheusWithRegistry(reg)),
	)

	_, err := p.Submit(context.Background(), scenarioRecord())
	require.NoError(t, err)
	_, err = p.Submit(context.Background(), model.InvoiceRecord{})
	require.Error(t, err)
	_, err = p.IssueToken(context.Background())
	require.NoError(t, err)

	count, err := promtest.GatherAndCount(reg, "nfse_operations_total")
	require.NoError(t, err)
	assert.Equal(t, 3, count, "success, error and unsupported series")
}

func TestSignVerifyValidate(t *testing.T) {
	cred := testutil.NewCredential(t, "EMPRESA TESTE LTDA:12345678000195")
	sender := replyWith(soapReply("ConsultaNFe", retornoSucesso))
	p := newPipeline(t, testConfig(t, model.FamilyRPS, cred), sender)
	ctx := context.Background()

	_, err := p.Inquire(ctx, "1060162", "XLBXK7CR")
	require.NoError(t, err)
	signedByPipeline := sender.calls()[0].Body
	require.NoError(t, p.ValidateDocument(model.OpInquire, signedByPipeline))

	result, err := p.Verify(ctx, signedByPipeline)
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, "12345678000195", result.Signer.TaxID)

	unsigned := `<PedidoConsultaNFe xmlns="http://www.prefeitura.sp.gov.br/nfe"><Cabecalho xmlns="" Versao="1">` +
		`<CPFCNPJRemetente><CNPJ>12345678000195</CNPJ></CPFCNPJRemetente></Cabecalho>` +
		`<Detalhe xmlns=""><ChaveNFe><InscricaoPrestador>39616924</InscricaoPrestador><NumeroNFe>1</NumeroNFe></ChaveNFe></Detalhe>` +
		`</PedidoConsultaNFe>`
	assert.ErrorIs(t, p.ValidateDocument(model.OpInquire, []byte(unsigned)), model.ErrSchemaViolation, "the signature is mandatory")

	signed, err := p.SignDocument(ctx, model.OpInquire, []byte(unsigned))
	require.NoError(t, err)
	assert.Equal(t, "http://www.w3.org/2000/09/xmldsig#rsa-sha1", signed.SignatureMethod)
	require.NoError(t, p.ValidateDocument(model.OpInquire, signed.XML))

	_, err = p.SignDocument(ctx, model.OpInquireReceived, []byte(unsigned))
	assert.ErrorIs(t, err, model.ErrNotImplemented)
}

func TestPipeline_OverMutualTLS(t *testing.T) {
	cred := testutil.NewCredential(t, "EMPRESA TESTE LTDA:12345678000195")
	var action string
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		action = r.Header.Get("SOAPAction")
		body, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(body), "<MensagemXML>") {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/xml; charset=utf-8")
		_, _ = w.Write(soapReply("EnvioRPS", retornoSucesso).Body)
	}))
	srv.TLS = &tls.Config{ClientAuth: tls.RequireAndVerifyClientCert, ClientCAs: cred.Pool()}
	srv.StartTLS()
	defer srv.Close()

	cfg := testConfig(t, model.FamilyRPS, cred)
	cfg.Endpoints[cfg.Environment] = config.Endpoints{SOAPURL: srv.URL + "/ws/lotenfe.asmx"}
	roots := x509.NewCertPool()
	roots.AddCert(srv.Certificate())
	client := transport.New(cfg, cred.TLSCertificate(), roots)

	p := newPipeline(t, cfg, client)
	result, err := p.Submit(context.Background(), scenarioRecord())
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, http.StatusOK, result.HTTPStatus)
	assert.Equal(t, `"http://www.prefeitura.sp.gov.br/nfe/ws/envioRPS"`, action)
	assert.Contains(t, result.RequestDocument, "<PedidoEnvioRPS")
}

func TestCancellationPropagates(t *testing.T) {
	cred := testutil.NewCredential(t, "Client")
	sender := &fakeSender{respond: func(int, transport.Request) (*transport.Response, error) {
		return nil, &model.TransportConnectionError{Operation: model.OpInquire, Cause: context.Canceled}
	}}
	cfg := testConfig(t, model.FamilyRPS, cred)
	cfg.InquiryRetries = 5
	p := newPipeline(t, cfg, sender)

	_, err := p.Inquire(context.Background(), "1060162", "")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, sender.calls(), 1, "cancellation is not retried")
}
