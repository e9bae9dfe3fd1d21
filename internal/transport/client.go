// Package transport exchanges signed documents with the authority over
// mutual TLS, framed as SOAP messages or raw REST requests.
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/rezonia/nfse-client/internal/config"
	"github.com/rezonia/nfse-client/internal/metrics"
	"github.com/rezonia/nfse-client/internal/model"
)

// maxResponseBytes bounds the response body read into memory
const maxResponseBytes = 16 << 20

// Request is one exchange with the authority
type Request struct {
	Operation model.Operation
	Profile   config.Profile
	// Body is the signed document. It is empty for REST GET requests.
	Body []byte
	// PathParams fill {name} placeholders in the REST path
	PathParams map[string]string
	Query      url.Values
}

// Response is the raw answer of the authority
type Response struct {
	Status      int
	ContentType string
	Body        []byte
	Duration    time.Duration
	// Sent is the exact document or request line that was transmitted
	Sent string
}

// Client sends requests to the endpoints of one environment
type Client struct {
	http      *http.Client
	endpoints config.Endpoints
	timeout   time.Duration
	logger    *zap.Logger
	recorder  metrics.Recorder
	bodyLimit int
}

// Option configures a Client
type Option func(*Client)

// WithLogger sets the audit logger
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// WithRecorder sets the metrics recorder
func WithRecorder(r metrics.Recorder) Option {
	return func(c *Client) {
		c.recorder = r
	}
}

// WithHTTPClient replaces the mTLS client built from the configuration
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		c.http = h
	}
}

// WithEndpoints overrides the configured endpoints
func WithEndpoints(e config.Endpoints) Option {
	return func(c *Client) {
		c.endpoints = e
	}
}

// TLSConfig builds the mutual TLS configuration. Server verification is
// skipped only when requested outside production.
func TLSConfig(cfg config.Config, cert tls.Certificate, roots *x509.CertPool) *tls.Config {
	tlsCfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
		RootCAs:      roots,
	}
	if skipVerify(cfg) {
		tlsCfg.InsecureSkipVerify = true
	}
	if cfg.TLS.Renegotiate {
		tlsCfg.Renegotiation = tls.RenegotiateOnceAsClient
	}
	return tlsCfg
}

func skipVerify(cfg config.Config) bool {
	return cfg.TLS.InsecureSkipVerify && cfg.Environment != config.EnvProduction
}

// New creates a client presenting cert to the authority. roots verifies
// the server; nil uses the system pool.
func New(cfg config.Config, cert tls.Certificate, roots *x509.CertPool, opts ...Option) *Client {
	workers := cfg.Workers
	if workers <= 0 {
		workers = config.DefaultWorkers
	}

	c := &Client{
		http: &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				TLSClientConfig:     TLSConfig(cfg, cert, roots),
				TLSHandshakeTimeout: 15 * time.Second,
				MaxConnsPerHost:     workers,
				MaxIdleConnsPerHost: workers,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		endpoints: cfg.CurrentEndpoints(),
		timeout:   cfg.Timeout,
		logger:    zap.NewNop(),
		recorder:  metrics.NewNoop(),
		bodyLimit: cfg.LogBodyLimit,
	}
	if c.timeout <= 0 {
		c.timeout = config.DefaultTimeout
	}
	if c.bodyLimit <= 0 {
		c.bodyLimit = config.DefaultLogBodyLimit
	}
	for _, opt := range opts {
		opt(c)
	}
	if skipVerify(cfg) {
		c.logger.Warn("server certificate verification disabled",
			zap.String("environment", string(cfg.Environment)),
		)
	}
	return c
}

// Send performs the exchange described by req. Non-2xx responses are
// returned with their body; only failures to obtain a response are errors.
func (c *Client) Send(ctx context.Context, req Request) (*Response, error) {
	httpReq, sent, err := c.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	httpReq = httpReq.WithContext(ctx)

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, c.fail(ctx, req, httpReq, sent, start, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, c.fail(ctx, req, httpReq, sent, start, err)
	}
	elapsed := time.Since(start)

	c.recorder.ObserveTransport(req.Operation, strconv.Itoa(resp.StatusCode), elapsed)
	c.logger.Info("authority exchange",
		zap.String("operation", string(req.Operation)),
		zap.String("method", httpReq.Method),
		zap.String("endpoint", endpointOf(httpReq)),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", elapsed),
		zap.String("request", Truncate(sent, c.bodyLimit)),
		zap.String("response", Truncate(string(body), c.bodyLimit)),
	)

	return &Response{
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
		Duration:    elapsed,
		Sent:        sent,
	}, nil
}

func (c *Client) prepare(ctx context.Context, req Request) (*http.Request, string, error) {
	p := req.Profile
	switch p.Framing {
	case config.FramingSOAP:
		if c.endpoints.SOAPURL == "" {
			return nil, "", fmt.Errorf("%s: no SOAP endpoint configured", req.Operation)
		}
		element := p.RequestElement
		if element == "" {
			element = p.Method + "Request"
		}
		envelope, err := Envelope(p.SOAPVersion, element, config.NamespaceNFe, req.Body, p.MessageCDATA)
		if err != nil {
			return nil, "", fmt.Errorf("%s: build envelope: %w", req.Operation, err)
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoints.SOAPURL, bytes.NewReader(envelope))
		if err != nil {
			return nil, "", err
		}
		httpReq.Header.Set("Content-Type", ContentType(p.SOAPVersion, p.SOAPAction))
		if p.SOAPVersion != config.SOAP12 {
			httpReq.Header.Set("SOAPAction", strconv.Quote(p.SOAPAction))
		}
		return httpReq, string(envelope), nil

	case config.FramingREST:
		if c.endpoints.RESTBaseURL == "" {
			return nil, "", fmt.Errorf("%s: no REST endpoint configured", req.Operation)
		}
		target := strings.TrimRight(c.endpoints.RESTBaseURL, "/") + expandPath(p.Path, req.PathParams)
		if len(req.Query) > 0 {
			target += "?" + req.Query.Encode()
		}

		method := strings.ToUpper(p.Method)
		if method == "" {
			method = http.MethodPost
		}
		var body io.Reader
		sent := method + " " + target
		if method != http.MethodGet {
			body = bytes.NewReader(req.Body)
			sent = string(req.Body)
		}

		httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
		if err != nil {
			return nil, "", err
		}
		if body != nil {
			httpReq.Header.Set("Content-Type", "application/xml; charset=utf-8")
		}
		httpReq.Header.Set("Accept", "application/xml, application/json;q=0.9, text/xml;q=0.8")
		return httpReq, sent, nil

	default:
		return nil, "", fmt.Errorf("%s: unknown framing %q", req.Operation, p.Framing)
	}
}

// fail maps a failed exchange to a transport error and records it
func (c *Client) fail(ctx context.Context, req Request, httpReq *http.Request, sent string, start time.Time, err error) error {
	elapsed := time.Since(start)
	endpoint := endpointOf(httpReq)
	request := Truncate(sent, c.bodyLimit)

	var status string
	var out error
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		status = "canceled"
		out = &model.TransportConnectionError{Operation: req.Operation, Endpoint: endpoint, Request: request, Cause: context.Canceled}
	case isTimeout(err) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		status = "timeout"
		out = &model.TransportTimeoutError{Operation: req.Operation, Endpoint: endpoint, Timeout: c.timeout, Request: request, Cause: err}
	default:
		status = "error"
		out = &model.TransportConnectionError{Operation: req.Operation, Endpoint: endpoint, Request: request, Cause: err}
	}

	c.recorder.ObserveTransport(req.Operation, status, elapsed)
	c.logger.Warn("authority exchange failed",
		zap.String("operation", string(req.Operation)),
		zap.String("method", httpReq.Method),
		zap.String("endpoint", endpoint),
		zap.String("status", status),
		zap.Duration("duration", elapsed),
		zap.String("request", request),
		zap.Error(err),
	)
	return out
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// CloseIdleConnections releases pooled connections
func (c *Client) CloseIdleConnections() {
	c.http.CloseIdleConnections()
}

func expandPath(path string, params map[string]string) string {
	for name, value := range params {
		path = strings.ReplaceAll(path, "{"+name+"}", url.PathEscape(value))
	}
	return path
}

func endpointOf(r *http.Request) string {
	u := *r.URL
	u.RawQuery = ""
	return u.String()
}

// Truncate shortens s to at most limit bytes for logging, never splitting
// a UTF-8 sequence
func Truncate(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "...(" + strconv.Itoa(len(s)-cut) + " more bytes)"
}
