package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/rezonia/nfse-client/internal/model"
	"github.com/rezonia/nfse-client/internal/processor"
	"github.com/rezonia/nfse-client/internal/signature"
	"github.com/rezonia/nfse-client/internal/transport"
)

// Facade is the invoice client surface served over HTTP
type Facade interface {
	Submit(ctx context.Context, record model.InvoiceRecord) (*model.OperationResult, error)
	SubmitBatch(ctx context.Context, batch model.BatchRecord) (*model.OperationResult, error)
	TestBatch(ctx context.Context, batch model.BatchRecord) (*model.OperationResult, error)
	Inquire(ctx context.Context, invoiceNumber, verificationCode string) (*model.OperationResult, error)
	InquireBatch(ctx context.Context, batchNumber string) (*model.OperationResult, error)
	BatchInfo(ctx context.Context, batchNumber string) (*model.OperationResult, error)
	Cancel(ctx context.Context, invoiceNumber, verificationCode, reason string) (*model.OperationResult, error)
	InquireTaxpayer(ctx context.Context, taxID string) (*model.OperationResult, error)
	InquireMany(ctx context.Context, keys []model.InvoiceKey) []processor.InquiryOutcome
	ValidateDocument(op model.Operation, data []byte) error
	Verify(ctx context.Context, data []byte) (*signature.VerificationResult, error)
}

// Config holds server configuration
type Config struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// OperationTimeout bounds one facade call, on top of the transport timeout
	OperationTimeout time.Duration
	Debug            bool
}

// Server represents the HTTP API server
type Server struct {
	config   *Config
	router   *gin.Engine
	client   Facade
	logger   *zap.Logger
	gatherer prometheus.Gatherer
}

// Option configures a Server
type Option func(*Server)

// WithLogger sets the request logger
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithGatherer selects the registry exposed on /metrics
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

// NewServer creates a new API server
func NewServer(config *Config, client Facade, opts ...Option) *Server {
	if !config.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		config:   config,
		router:   gin.New(),
		client:   client,
		logger:   zap.NewNop(),
		gatherer: prometheus.DefaultGatherer,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.config.OperationTimeout <= 0 {
		s.config.OperationTimeout = 2 * time.Minute
	}

	s.router.Use(gin.Recovery(), s.accessLog())
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/invoices", s.handleSubmit)
		v1.POST("/invoices/inquiries", s.handleInquireMany)
		v1.GET("/invoices/:number", s.handleInquire)
		v1.POST("/invoices/:number/cancel", s.handleCancel)

		v1.POST("/batches", s.handleSubmitBatch)
		v1.POST("/batches/test", s.handleTestBatch)
		v1.GET("/batches/:number", s.handleInquireBatch)
		v1.GET("/batch-info", s.handleBatchInfo)

		v1.GET("/taxpayers/:id", s.handleTaxpayer)

		v1.POST("/validate/:operation", s.handleValidate)
		v1.POST("/verify", s.handleVerify)
	}
}

// Run starts the HTTP server
func (s *Server) Run() error {
	srv := &http.Server{
		Addr:         s.config.Address,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	s.logger.Info("listening", zap.String("address", s.config.Address))
	return srv.ListenAndServe()
}

// Handler returns the http.Handler for use with custom servers
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleSubmit(c *gin.Context) {
	var record model.InvoiceRecord
	if err := c.ShouldBindJSON(&record); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid invoice record", Kind: "request", Details: err.Error()})
		return
	}
	s.respond(c, func(ctx context.Context) (*model.OperationResult, error) {
		return s.client.Submit(ctx, record)
	})
}

func (s *Server) handleSubmitBatch(c *gin.Context) {
	s.batch(c, s.client.SubmitBatch)
}

func (s *Server) handleTestBatch(c *gin.Context) {
	s.batch(c, s.client.TestBatch)
}

func (s *Server) batch(c *gin.Context, send func(context.Context, model.BatchRecord) (*model.OperationResult, error)) {
	var batch model.BatchRecord
	if err := c.ShouldBindJSON(&batch); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid batch", Kind: "request", Details: err.Error()})
		return
	}
	s.respond(c, func(ctx context.Context) (*model.OperationResult, error) {
		return send(ctx, batch)
	})
}

func (s *Server) handleInquire(c *gin.Context) {
	s.respond(c, func(ctx context.Context) (*model.OperationResult, error) {
		return s.client.Inquire(ctx, c.Param("number"), c.Query("verification_code"))
	})
}

func (s *Server) handleInquireMany(c *gin.Context) {
	var req InquiryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid inquiry list", Kind: "request", Details: err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.config.OperationTimeout)
	defer cancel()

	outcomes := s.client.InquireMany(ctx, req.Keys)
	response := make([]InquiryResponse, len(outcomes))
	for i, o := range outcomes {
		response[i] = InquiryResponse{Key: o.Key, Result: o.Result}
		if o.Err != nil {
			_, body := errorResponse(o.Err)
			response[i].Error = &body
		}
	}
	c.JSON(http.StatusOK, response)
}

func (s *Server) handleInquireBatch(c *gin.Context) {
	s.respond(c, func(ctx context.Context) (*model.OperationResult, error) {
		return s.client.InquireBatch(ctx, c.Param("number"))
	})
}

func (s *Server) handleBatchInfo(c *gin.Context) {
	s.respond(c, func(ctx context.Context) (*model.OperationResult, error) {
		return s.client.BatchInfo(ctx, c.Query("number"))
	})
}

func (s *Server) handleCancel(c *gin.Context) {
	var req CancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid cancel request", Kind: "request", Details: err.Error()})
		return
	}
	s.respond(c, func(ctx context.Context) (*model.OperationResult, error) {
		return s.client.Cancel(ctx, c.Param("number"), req.VerificationCode, req.Reason)
	})
}

func (s *Server) handleTaxpayer(c *gin.Context) {
	s.respond(c, func(ctx context.Context) (*model.OperationResult, error) {
		return s.client.InquireTaxpayer(ctx, c.Param("id"))
	})
}

// respond maps a facade call onto a status code: 200 for success, 422 for
// an authority rejection, 501 for unsupported operations and errorResponse
// for local or transport failures
func (s *Server) respond(c *gin.Context, call func(context.Context) (*model.OperationResult, error)) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.config.OperationTimeout)
	defer cancel()

	result, err := call(ctx)
	if err != nil {
		status, body := errorResponse(err)
		c.JSON(status, body)
		return
	}

	switch {
	case result.IsUnsupported():
		c.JSON(http.StatusNotImplemented, result)
	case !result.Success:
		c.JSON(http.StatusUnprocessableEntity, result)
	default:
		c.JSON(http.StatusOK, result)
	}
}

func (s *Server) handleValidate(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "failed to read request body", Kind: "request"})
		return
	}
	if len(body) == 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "empty request body", Kind: "request"})
		return
	}

	err = s.client.ValidateDocument(model.Operation(c.Param("operation")), body)
	var schemaErr *model.SchemaViolationError
	switch {
	case err == nil:
		c.JSON(http.StatusOK, ValidationResponse{Valid: true})
	case errors.As(err, &schemaErr):
		c.JSON(http.StatusOK, ValidationResponse{Valid: false, Schema: schemaErr.Schema, Errors: schemaErr.Messages})
	default:
		status, response := errorResponse(err)
		c.JSON(status, response)
	}
}

func (s *Server) handleVerify(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "failed to read request body", Kind: "request"})
		return
	}
	if len(body) == 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "empty request body", Kind: "request"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 60*time.Second)
	defer cancel()

	result, err := s.client.Verify(ctx, body)
	if err != nil {
		response := ErrorResponse{Error: "signature verification failed", Kind: "signature", Details: err.Error()}
		var sigErr *signature.SignatureError
		if errors.As(err, &sigErr) && sigErr.Code == signature.ErrCodeNoSignature {
			response.Error = "no signature found"
		}
		c.JSON(http.StatusUnprocessableEntity, response)
		return
	}

	if result.Valid {
		c.JSON(http.StatusOK, newVerifyResponse(result))
	} else {
		c.JSON(http.StatusUnprocessableEntity, newVerifyResponse(result))
	}
}

func errorResponse(err error) (int, ErrorResponse) {
	response := ErrorResponse{Error: err.Error()}

	var (
		validation *model.ValidationError
		schemaErr  *model.SchemaViolationError
		signErr    *model.SigningError
		timeout    *model.TransportTimeoutError
		connection *model.TransportConnectionError
	)
	switch {
	case errors.As(err, &validation):
		response.Kind = "validation"
		for _, v := range validation.Violations {
			response.Violations = append(response.Violations, ViolationInfo{Field: v.Field, Rule: v.Rule, Message: v.Message})
		}
		return http.StatusBadRequest, response
	case errors.As(err, &schemaErr):
		response.Kind = "schema"
		response.Messages = schemaErr.Messages
		return http.StatusUnprocessableEntity, response
	case errors.As(err, &signErr):
		response.Kind = "signing"
		response.Details = signErr.Code
		return http.StatusInternalServerError, response
	case errors.Is(err, model.ErrCredentialNotFound):
		response.Kind = "credential"
		return http.StatusInternalServerError, response
	case errors.As(err, &timeout):
		response.Kind = "timeout"
		response.Request = transport.Truncate(timeout.Request, 2048)
		return http.StatusGatewayTimeout, response
	case errors.Is(err, context.Canceled):
		response.Kind = "canceled"
		return 499, response
	case errors.As(err, &connection):
		response.Kind = "connection"
		response.Request = transport.Truncate(connection.Request, 2048)
		return http.StatusBadGateway, response
	case errors.Is(err, model.ErrResponseParse):
		response.Kind = "response"
		return http.StatusBadGateway, response
	case errors.Is(err, model.ErrNotImplemented):
		response.Kind = "unsupported"
		return http.StatusNotImplemented, response
	default:
		response.Kind = "internal"
		return http.StatusInternalServerError, response
	}
}
