package transport_test

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/rezonia/nfse-client/internal/config"
	"github.com/rezonia/nfse-client/internal/metrics"
	"github.com/rezonia/nfse-client/internal/model"
	"github.com/rezonia/nfse-client/internal/testutil"
	"github.com/rezonia/nfse-client/internal/transport"
)

type captured struct {
	mu      sync.Mutex
	method  string
	path    string
	headers http.Header
	body    string
	peer    []*x509.Certificate
}

func (c *captured) get() captured {
	c.mu.Lock()
	defer c.mu.Unlock()
	return captured{method: c.method, path: c.path, headers: c.headers, body: c.body, peer: c.peer}
}

// newServer starts a TLS server that requires the client certificate of cred
func newServer(t *testing.T, cred *testutil.Credential, handler http.HandlerFunc) (*httptest.Server, *captured) {
	t.Helper()
	seen := &captured{}
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		seen.mu.Lock()
		seen.method = r.Method
		seen.path = r.URL.RequestURI()
		seen.headers = r.Header.Clone()
		seen.body = string(body)
		seen.peer = r.TLS.PeerCertificates
		seen.mu.Unlock()
		handler(w, r)
	}))
	srv.TLS = &tls.Config{
		ClientAuth: tls.RequireAndVerifyClientCert,
		ClientCAs:  cred.Pool(),
	}
	srv.StartTLS()
	t.Cleanup(srv.Close)
	return srv, seen
}

func newClient(t *testing.T, srv *httptest.Server, cred *testutil.Credential, opts ...transport.Option) *transport.Client {
	t.Helper()
	endpoints := transport.WithEndpoints(config.Endpoints{
		SOAPURL:     srv.URL + "/ws/lotenfe.asmx",
		RESTBaseURL: srv.URL + "/",
	})
	roots := x509.NewCertPool()
	roots.AddCert(srv.Certificate())

	c := transport.New(config.Default(), cred.TLSCertificate(), roots, append([]transport.Option{endpoints}, opts...)...)
	t.Cleanup(c.CloseIdleConnections)
	return c
}

func reply(status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/xml; charset=utf-8")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}
}

func TestSend_SOAP(t *testing.T) {
	cred := testutil.NewCredential(t, "EMPRESA TESTE LTDA:12345678000195")
	srv, seen := newServer(t, cred, reply(http.StatusOK, "<ok/>"))
	client := newClient(t, srv, cred)

	tests := []struct {
		name            string
		version         string
		wantContentType string
		wantSOAPAction  string
	}{
		{"soap 1.1", config.SOAP11, "text/xml; charset=utf-8", `"http://www.prefeitura.sp.gov.br/nfe/ws/consultaNFe"`},
		{"soap 1.2", config.SOAP12, `application/soap+xml; charset=utf-8; action="http://www.prefeitura.sp.gov.br/nfe/ws/consultaNFe"`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			profile := config.DefaultProfiles()[model.FamilyRPS][model.OpInquire]
			profile.SOAPVersion = tt.version

			resp, err := client.Send(context.Background(), transport.Request{
				Operation: model.OpInquire,
				Profile:   profile,
				Body:      []byte(signedConsulta),
			})
			require.NoError(t, err)
			assert.Equal(t, http.StatusOK, resp.Status)
			assert.Equal(t, "<ok/>", string(resp.Body))
			assert.Contains(t, resp.Sent, "<ConsultaNFeRequest")

			got := seen.get()
			assert.Equal(t, http.MethodPost, got.method)
			assert.Equal(t, "/ws/lotenfe.asmx", got.path)
			assert.Equal(t, tt.wantContentType, got.headers.Get("Content-Type"))
			assert.Equal(t, tt.wantSOAPAction, got.headers.Get("SOAPAction"))
			assert.Equal(t, resp.Sent, got.body)
			require.Len(t, got.peer, 1)
			assert.Equal(t, cred.Cert.Raw, got.peer[0].Raw, "client certificate must be presented")
		})
	}
}

func TestSend_REST(t *testing.T) {
	cred := testutil.NewCredential(t, "EMPRESA TESTE LTDA:12345678000195")
	srv, seen := newServer(t, cred, reply(http.StatusCreated, `{"sucesso":true}`))
	client := newClient(t, srv, cred)
	profiles := config.DefaultProfiles()[model.FamilyDPS]

	t.Run("post document", func(t *testing.T) {
		resp, err := client.Send(context.Background(), transport.Request{
			Operation: model.OpSubmit,
			Profile:   profiles[model.OpSubmit],
			Body:      []byte("<DPS/>"),
		})
		require.NoError(t, err)
		assert.Equal(t, http.StatusCreated, resp.Status)

		got := seen.get()
		assert.Equal(t, http.MethodPost, got.method)
		assert.Equal(t, "/dps/api/v1/dps", got.path)
		assert.Equal(t, "application/xml; charset=utf-8", got.headers.Get("Content-Type"))
		assert.Equal(t, "<DPS/>", got.body)
	})

	t.Run("get with escaped path parameter", func(t *testing.T) {
		resp, err := client.Send(context.Background(), transport.Request{
			Operation:  model.OpInquire,
			Profile:    profiles[model.OpInquire],
			PathParams: map[string]string{"numero": "12 34"},
		})
		require.NoError(t, err)
		assert.Equal(t, "GET "+srv.URL+"/dps/api/v1/notas/12%2034", resp.Sent)

		got := seen.get()
		assert.Equal(t, http.MethodGet, got.method)
		assert.Equal(t, "/dps/api/v1/notas/12%2034", got.path)
		assert.Empty(t, got.body)
		assert.Empty(t, got.headers.Get("Content-Type"))
	})
}

func TestSend_NonSuccessStatusIsNotAnError(t *testing.T) {
	cred := testutil.NewCredential(t, "Client")
	srv, _ := newServer(t, cred, reply(http.StatusInternalServerError, "<soap:Fault/>"))
	client := newClient(t, srv, cred)

	resp, err := client.Send(context.Background(), transport.Request{
		Operation: model.OpInquire,
		Profile:   config.DefaultProfiles()[model.FamilyRPS][model.OpInquire],
		Body:      []byte(signedConsulta),
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.Status)
	assert.Equal(t, "<soap:Fault/>", string(resp.Body))
}

func TestSend_Timeout(t *testing.T) {
	cred := testutil.NewCredential(t, "Client")
	release := make(chan struct{})
	srv, _ := newServer(t, cred, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	cfg := config.Default()
	cfg.Timeout = 50 * time.Millisecond
	roots := x509.NewCertPool()
	roots.AddCert(srv.Certificate())
	client := transport.New(cfg, cred.TLSCertificate(), roots, transport.WithEndpoints(config.Endpoints{SOAPURL: srv.URL}))

	_, err := client.Send(context.Background(), transport.Request{
		Operation: model.OpCancel,
		Profile:   config.DefaultProfiles()[model.FamilyRPS][model.OpCancel],
		Body:      []byte(signedConsulta),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrTransportTimeout)

	var timeout *model.TransportTimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, model.OpCancel, timeout.Operation)
	assert.Equal(t, 50*time.Millisecond, timeout.Timeout)
	assert.Contains(t, timeout.Request, "PedidoConsultaNFe", "request is kept for resubmission")
}

func TestSend_Canceled(t *testing.T) {
	cred := testutil.NewCredential(t, "Client")
	srv, _ := newServer(t, cred, reply(http.StatusOK, "<ok/>"))
	client := newClient(t, srv, cred)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.Send(ctx, transport.Request{
		Operation: model.OpInquire,
		Profile:   config.DefaultProfiles()[model.FamilyRPS][model.OpInquire],
		Body:      []byte(signedConsulta),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrTransportConnection)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSend_UntrustedClientCertificate(t *testing.T) {
	trusted := testutil.NewCredential(t, "Trusted")
	stranger := testutil.NewCredential(t, "Stranger")
	srv, _ := newServer(t, trusted, reply(http.StatusOK, "<ok/>"))
	client := newClient(t, srv, stranger)

	_, err := client.Send(context.Background(), transport.Request{
		Operation: model.OpInquire,
		Profile:   config.DefaultProfiles()[model.FamilyRPS][model.OpInquire],
		Body:      []byte(signedConsulta),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrTransportConnection)
}

func TestSend_MissingEndpoint(t *testing.T) {
	cred := testutil.NewCredential(t, "Client")
	cfg := config.Default()
	client := transport.New(cfg, cred.TLSCertificate(), nil)

	_, err := client.Send(context.Background(), transport.Request{
		Operation: model.OpSubmit,
		Profile:   config.DefaultProfiles()[model.FamilyDPS][model.OpSubmit],
		Body:      []byte("<DPS/>"),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no REST endpoint")
}

func TestSend_RecordsAndLogs(t *testing.T) {
	cred := testutil.NewCredential(t, "Client")
	srv, _ := newServer(t, cred, reply(http.StatusOK, strings.Repeat("r", 100)))

	core, logs := observer.New(zap.InfoLevel)
	reg := prometheus.NewRegistry()
	client := newClient(t, srv, cred,
		transport.WithLogger(zap.New(core)),
		transport.WithRecorder(metrics.NewPrometheusWithRegistry(reg)),
	)

	_, err := client.Send(context.Background(), transport.Request{
		Operation: model.OpInquire,
		Profile:   config.DefaultProfiles()[model.FamilyRPS][model.OpInquire],
		Body:      []byte(signedConsulta),
	})
	require.NoError(t, err)

	entries := logs.FilterMessage("authority exchange").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "inquire", fields["operation"])
	assert.Equal(t, int64(http.StatusOK), fields["status"])
	assert.Equal(t, strings.Repeat("r", 100), fields["response"])

	count, err := promtest.GatherAndCount(reg, "nfse_transport_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestTLSConfig(t *testing.T) {
	cred := testutil.NewCredential(t, "Client")

	homolog := config.Default()
	homolog.TLS.InsecureSkipVerify = true
	tlsCfg := transport.TLSConfig(homolog, cred.TLSCertificate(), nil)
	assert.True(t, tlsCfg.InsecureSkipVerify)
	assert.Equal(t, tls.RenegotiateOnceAsClient, tlsCfg.Renegotiation)
	assert.Equal(t, uint16(tls.VersionTLS12), tlsCfg.MinVersion)
	assert.Len(t, tlsCfg.Certificates, 1)

	production := homolog
	production.Environment = config.EnvProduction
	production.TLS.Renegotiate = false
	tlsCfg = transport.TLSConfig(production, cred.TLSCertificate(), nil)
	assert.False(t, tlsCfg.InsecureSkipVerify, "verification is never skipped in production")
	assert.Equal(t, tls.RenegotiateNever, tlsCfg.Renegotiation)
}

func TestNew_WarnsWhenVerificationIsSkipped(t *testing.T) {
	cred := testutil.NewCredential(t, "Client")

	tests := []struct {
		name        string
		environment config.Environment
		insecure    bool
		wantWarning int
	}{
		{"homolog insecure", config.EnvHomolog, true, 1},
		{"homolog verified", config.EnvHomolog, false, 0},
		{"production insecure", config.EnvProduction, true, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core, logs := observer.New(zap.WarnLevel)
			cfg := config.Default()
			cfg.Environment = tt.environment
			cfg.TLS.InsecureSkipVerify = tt.insecure

			client := transport.New(cfg, cred.TLSCertificate(), nil, transport.WithLogger(zap.New(core)))
			defer client.CloseIdleConnections()

			assert.Equal(t, tt.wantWarning, logs.FilterMessage("server certificate verification disabled").Len())
		})
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", transport.Truncate("abc", 5))
	assert.Equal(t, "abc", transport.Truncate("abc", 0))
	assert.Equal(t, "ab...(3 more bytes)", transport.Truncate("abcde", 2))

	// "á" occupies bytes 3 and 4 of "inválido"
	cut := transport.Truncate("inválido", 4)
	assert.Equal(t, "inv...(6 more bytes)", cut)
	assert.True(t, utf8.ValidString(cut))
}
