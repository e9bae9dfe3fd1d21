package cmd

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rezonia/nfse-client/internal/metrics"
	"github.com/rezonia/nfse-client/internal/processor"
	"github.com/rezonia/nfse-client/internal/server"
)

var (
	serverAddr   string
	serverDebug  bool
	readTimeout  time.Duration
	writeTimeout time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	Long: `Start an HTTP API over the invoice client.

The API provides endpoints for:
  - POST /api/v1/invoices                   - Submit one invoice
  - GET  /api/v1/invoices/:number           - Inquire (?verification_code=)
  - POST /api/v1/invoices/:number/cancel    - Cancel
  - POST /api/v1/invoices/inquiries         - Concurrent inquiries
  - POST /api/v1/batches                    - Submit a batch
  - POST /api/v1/batches/test               - Test a batch
  - GET  /api/v1/batches/:number            - Inquire a batch
  - GET  /api/v1/batch-info                 - Batch header (?number=)
  - GET  /api/v1/taxpayers/:id              - Taxpayer inquiry
  - POST /api/v1/validate/:operation        - Schema validation
  - POST /api/v1/verify                     - Signature verification
  - GET  /metrics                           - Prometheus metrics
  - GET  /health                            - Health check

Examples:
  nfse-client serve --config nfse.yaml
  nfse-client serve --address :9090 --debug`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serverAddr, "address", ":8080", "Server listen address")
	serveCmd.Flags().BoolVar(&serverDebug, "debug", false, "Enable debug mode")
	serveCmd.Flags().DurationVar(&readTimeout, "read-timeout", 30*time.Second, "HTTP read timeout")
	serveCmd.Flags().DurationVar(&writeTimeout, "write-timeout", 5*time.Minute, "HTTP write timeout")
}

func runServe(cmd *cobra.Command, args []string) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	p, err := newPipeline(processor.WithRecorder(metrics.NewPrometheusWithRegistry(reg)))
	if err != nil {
		return err
	}
	defer p.Close()

	srv := server.NewServer(&server.Config{
		Address:      serverAddr,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		Debug:        serverDebug,
	}, p, server.WithLogger(logger), server.WithGatherer(reg))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run() }()

	fmt.Printf("Starting server on %s (%s family)\n", serverAddr, p.Family())
	select {
	case err := <-errCh:
		return err
	case <-cmd.Context().Done():
		logger.Info("shutting down", zap.String("address", serverAddr))
		return nil
	}
}
