package cmd

import (
	"context"
	"errors"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rezonia/nfse-client/internal/model"
	"github.com/rezonia/nfse-client/internal/processor"
)

var (
	testOnly         bool
	verificationCode string
	cancelReason     string
)

var submitCmd = &cobra.Command{
	Use:   "submit <record.json|record.yaml>",
	Short: "Submit one invoice",
	Long: `Build, sign and send one RPS (rps family) or DPS (dps family).

The record file holds an InvoiceRecord:

  {"number": "1060162", "series": "A", "issue_date": "2024-03-15T00:00:00Z",
   "service_amount": "1000.00", "tax_rate": "0.05", "service_code": "0101",
   "description": "Consultoria", "payer": {"tax_id": "22620045000100"}}`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var record model.InvoiceRecord
		if err := readRecord(args[0], &record); err != nil {
			return err
		}
		return runOperation(cmd, func(ctx context.Context, p *processor.Pipeline) (*model.OperationResult, error) {
			return p.Submit(ctx, record)
		})
	},
}

var batchCmd = &cobra.Command{
	Use:   "batch <batch.json|batch.yaml>",
	Short: "Submit a batch of invoices",
	Long: `Submit a BatchRecord ({"records": [...]}) under a single signature.

With --test the authority only checks the batch (TesteEnvioLoteRPS).`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var batch model.BatchRecord
		if err := readRecord(args[0], &batch); err != nil {
			return err
		}
		return runOperation(cmd, func(ctx context.Context, p *processor.Pipeline) (*model.OperationResult, error) {
			if testOnly {
				return p.TestBatch(ctx, batch)
			}
			return p.SubmitBatch(ctx, batch)
		})
	},
}

var inquireCmd = &cobra.Command{
	Use:   "inquire <invoice-number>",
	Short: "Look up an issued invoice",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOperation(cmd, func(ctx context.Context, p *processor.Pipeline) (*model.OperationResult, error) {
			return p.Inquire(ctx, args[0], verificationCode)
		})
	},
}

var inquireBatchCmd = &cobra.Command{
	Use:   "inquire-batch <batch-number>",
	Short: "Look up a submitted batch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOperation(cmd, func(ctx context.Context, p *processor.Pipeline) (*model.OperationResult, error) {
			return p.InquireBatch(ctx, args[0])
		})
	},
}

var batchInfoCmd = &cobra.Command{
	Use:   "batch-info [batch-number]",
	Short: "Show a batch header (the last batch when no number is given)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		number := ""
		if len(args) == 1 {
			number = args[0]
		}
		return runOperation(cmd, func(ctx context.Context, p *processor.Pipeline) (*model.OperationResult, error) {
			return p.BatchInfo(ctx, number)
		})
	},
}

var inquireManyCmd = &cobra.Command{
	Use:   "inquire-many <number[:code]>...",
	Short: "Look up several invoices concurrently",
	Long: `Run one inquiry per argument on a pool of "workers" connections.

Examples:
  nfse-client inquire-many 1060162:XLBXK7CR 1060163 1060164`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		keys := make([]model.InvoiceKey, len(args))
		for i, arg := range args {
			number, code, _ := strings.Cut(arg, ":")
			keys[i] = model.InvoiceKey{Number: number, VerificationCode: code}
		}

		p, err := newPipeline()
		if err != nil {
			return err
		}
		defer p.Close()

		return printOutcomes(p.InquireMany(cmd.Context(), keys))
	},
}

var taxpayerCmd = &cobra.Command{
	Use:   "taxpayer <cpf|cnpj>",
	Short: "Check whether a CPF or CNPJ is registered",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOperation(cmd, func(ctx context.Context, p *processor.Pipeline) (*model.OperationResult, error) {
			return p.InquireTaxpayer(ctx, args[0])
		})
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <invoice-number>",
	Short: "Cancel an issued invoice",
	Long: `Cancel an issued invoice.

The reason is required by the dps family. The rps web service has no field
for it, so it is only written to the audit log.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOperation(cmd, func(ctx context.Context, p *processor.Pipeline) (*model.OperationResult, error) {
			return p.Cancel(ctx, args[0], verificationCode, cancelReason)
		})
	},
}

func init() {
	rootCmd.AddCommand(submitCmd, batchCmd, inquireCmd, inquireBatchCmd, batchInfoCmd, inquireManyCmd, taxpayerCmd, cancelCmd)

	batchCmd.Flags().BoolVar(&testOnly, "test", false, "Ask the authority to check the batch without issuing invoices")
	inquireCmd.Flags().StringVar(&verificationCode, "code", "", "Verification code")
	cancelCmd.Flags().StringVar(&verificationCode, "code", "", "Verification code")
	cancelCmd.Flags().StringVar(&cancelReason, "reason", "", "Cancellation reason")
}

func runOperation(cmd *cobra.Command, call func(context.Context, *processor.Pipeline) (*model.OperationResult, error)) error {
	p, err := newPipeline()
	if err != nil {
		return err
	}
	defer p.Close()

	result, err := call(cmd.Context(), p)
	if err != nil {
		return describe(err)
	}
	return printResult(result)
}

// describe adds the truncated request to transport failures so that the
// document can be resubmitted by hand
func describe(err error) error {
	var (
		timeout    *model.TransportTimeoutError
		connection *model.TransportConnectionError
		validation *model.ValidationError
	)
	switch {
	case errors.As(err, &validation):
		for _, v := range validation.Violations {
			printVerbose("  %s\n", v.String())
		}
	case errors.As(err, &timeout):
		printVerbose("request:\n%s\n", timeout.Request)
	case errors.As(err, &connection):
		printVerbose("request:\n%s\n", connection.Request)
	}
	return err
}
