package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rezonia/nfse-client/internal/config"
	"github.com/rezonia/nfse-client/internal/model"
	"github.com/rezonia/nfse-client/internal/processor"
)

var (
	version = "1.0.0"

	// Global flags
	configPath   string
	verbose      bool
	outputFormat string
	environment  string
	family       string
	timeout      time.Duration

	logger = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:   "nfse-client",
	Short: "Issue and manage São Paulo NFS-e",
	Long: `nfse-client builds, signs and transmits RPS and DPS documents to the
São Paulo municipal tax authority over mutual TLS.

Configuration is read from --config (YAML) and NFSE_* environment variables:
  NFSE_ENVIRONMENT, NFSE_FAMILY, NFSE_CNPJ, NFSE_MUNICIPAL_REGISTRATION,
  NFSE_CERT_PATH, NFSE_KEY_PATH, NFSE_CERT_PASSWORD, NFSE_PFX_PATH,
  NFSE_PFX_PASSWORD, NFSE_CACERT_PATH, NFSE_SCHEMA_DIR, NFSE_TIMEOUT,
  NFSE_SOAP_URL, NFSE_REST_URL

Examples:
  # Submit one RPS
  nfse-client submit rps.json

  # Look up an issued invoice
  nfse-client inquire 1060162 --code XLBXK7CR

  # Cancel through the DPS REST API
  nfse-client cancel 1060162 --family dps --reason "Emitida em duplicidade"

  # Check a signed document offline
  nfse-client verify signed.xml`,
	Version:           version,
	SilenceUsage:      true,
	PersistentPreRunE: initLogger,
}

// Execute runs the root command. SIGINT and SIGTERM cancel the context of
// the running command, which aborts any request in flight.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer func() { _ = logger.Sync() }()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file (env overrides still apply)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Development logging at debug level")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "format", "f", "table", "Output format (json, table)")
	rootCmd.PersistentFlags().StringVar(&environment, "env", "", "Override the environment (homolog, production)")
	rootCmd.PersistentFlags().StringVar(&family, "family", "", "Override the endpoint family (rps, dps)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 0, "Override the per-request timeout")
}

// initLogger writes logs to stderr so that stdout only carries command output
func initLogger(cmd *cobra.Command, args []string) error {
	var (
		l   *zap.Logger
		err error
	)
	if verbose {
		l, err = zap.NewDevelopment()
	} else {
		l, err = zap.NewProduction()
	}
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	logger = l
	return nil
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}

	if environment != "" {
		env, err := config.ParseEnvironment(environment)
		if err != nil {
			return config.Config{}, err
		}
		cfg.Environment = env
	}
	if family != "" {
		cfg.Family = model.Family(family)
	}
	if timeout > 0 {
		cfg.Timeout = timeout
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func newPipeline(opts ...processor.Option) (*processor.Pipeline, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return processor.NewPipeline(cfg, append([]processor.Option{processor.WithLogger(logger)}, opts...)...)
}

func printVerbose(format string, args ...interface{}) {
	if verbose {
		fmt.Fprintf(os.Stderr, format, args...)
	}
}
