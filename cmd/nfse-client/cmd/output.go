package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"

	"github.com/rezonia/nfse-client/internal/model"
	"github.com/rezonia/nfse-client/internal/processor"
)

var errRejected = errors.New("the authority rejected the request")

// readRecord decodes a JSON or YAML file by extension. Dates are RFC 3339
// strings and amounts are decimal strings in both forms.
func readRecord(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, out)
	default:
		err = json.Unmarshal(data, out)
	}
	if err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func writeJSON(v interface{}) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

// printResult writes the result and turns a rejection into a non-zero exit
func printResult(result *model.OperationResult) error {
	if outputFormat == "json" {
		if err := writeJSON(result); err != nil {
			return err
		}
	} else {
		printResultTable(result)
	}

	switch {
	case result.IsUnsupported():
		return result.Err()
	case !result.Success:
		return errRejected
	}
	return nil
}

func printResultTable(result *model.OperationResult) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintf(w, "Operation:\t%s (%s)\n", result.Operation, result.Family)
	if result.IsUnsupported() {
		fmt.Fprintf(w, "Outcome:\tunsupported\n")
		fmt.Fprintf(w, "Reason:\t%s\n", result.Reason)
		return
	}

	status := "✓ accepted"
	if !result.Success {
		status = "✗ rejected"
	}
	fmt.Fprintf(w, "Status:\t%s (HTTP %d)\n", status, result.HTTPStatus)
	if result.InvoiceNumber != nil {
		fmt.Fprintf(w, "Invoice:\t%s\n", *result.InvoiceNumber)
	}
	if result.VerificationCode != nil {
		fmt.Fprintf(w, "Verification code:\t%s\n", *result.VerificationCode)
	}
	if result.BatchNumber != nil {
		fmt.Fprintf(w, "Batch:\t%s\n", *result.BatchNumber)
	}
	for _, e := range result.Errors {
		fmt.Fprintf(w, "  ✗ %s\t%s\n", e.Code, e.Message)
	}
	for _, a := range result.Alerts {
		fmt.Fprintf(w, "  ⚠ %s\t%s\n", a.Code, a.Message)
	}
	if verbose && result.RawResponse != "" {
		fmt.Fprintf(w, "Response:\t%s\n", result.RawResponse)
	}
}

// InquiryOutput is one line of inquire-many output
type InquiryOutput struct {
	Number           string                 `json:"number"`
	VerificationCode string                 `json:"verification_code,omitempty"`
	Result           *model.OperationResult `json:"result,omitempty"`
	Error            string                 `json:"error,omitempty"`
}

func printOutcomes(outcomes []processor.InquiryOutcome) error {
	failed := 0
	out := make([]InquiryOutput, len(outcomes))
	for i, o := range outcomes {
		out[i] = InquiryOutput{Number: o.Key.Number, VerificationCode: o.Key.VerificationCode, Result: o.Result}
		if o.Err != nil {
			out[i].Error = o.Err.Error()
		}
		if o.Err != nil || !o.Result.Success {
			failed++
		}
	}

	if outputFormat == "json" {
		if err := writeJSON(out); err != nil {
			return err
		}
	} else {
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NUMBER\tSTATUS\tDETAIL")
		for _, o := range out {
			switch {
			case o.Error != "":
				fmt.Fprintf(w, "%s\terror\t%s\n", o.Number, o.Error)
			case o.Result.Success:
				fmt.Fprintf(w, "%s\tok\t%s\n", o.Number, model.Deref(o.Result.VerificationCode))
			default:
				fmt.Fprintf(w, "%s\trejected\t%s\n", o.Number, firstMessage(o.Result.Errors))
			}
		}
		w.Flush()
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d inquiries failed", failed, len(outcomes))
	}
	return nil
}

func firstMessage(msgs []model.RemoteMessage) string {
	if len(msgs) == 0 {
		return ""
	}
	return msgs[0].Code + ": " + msgs[0].Message
}
