package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/rezonia/nfse-client/internal/model"
	"github.com/rezonia/nfse-client/internal/signature"
)

var outputFile string

var signCmd = &cobra.Command{
	Use:   "sign <operation> <document.xml>",
	Short: "Sign a document with the profile of an operation",
	Long: `Append an enveloped XML-DSig signature using the digest, reference and
Id style configured for the operation. The signature is verified before the
document is written. No schema validation is performed.

Operations: submit, submitBatch, testBatch, inquire, inquireBatch, batchInfo,
cancel, taxpayer

Examples:
  nfse-client sign inquire pedido.xml -o pedido-assinado.xml
  nfse-client sign submit dps.xml --family dps`,
	Args: cobra.ExactArgs(2),
	RunE: runSign,
}

var validateCmd = &cobra.Command{
	Use:   "validate <operation> <document.xml>...",
	Short: "Validate documents against the schema of an operation",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runValidate,
}

var verifyCmd = &cobra.Command{
	Use:   "verify [files...]",
	Short: "Verify XML-DSig signatures",
	Long: `Verify the enveloped signature of XML documents.

Verifies:
  - Reference digest and signature value
  - Certificate chain, when a CA bundle is configured
  - Certificate revocation (OCSP), when the chain includes the issuer
  - Signer information

Examples:
  nfse-client verify pedido-assinado.xml
  nfse-client verify documents/ -f json`,
	Args: cobra.MinimumNArgs(1),
	RunE: runVerify,
}

func init() {
	rootCmd.AddCommand(signCmd, validateCmd, verifyCmd)

	signCmd.Flags().StringVarP(&outputFile, "output", "o", "", "Output file (default: stdout)")
}

func runSign(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[1])
	if err != nil {
		return err
	}

	p, err := newPipeline()
	if err != nil {
		return err
	}
	defer p.Close()

	signed, err := p.SignDocument(cmd.Context(), model.Operation(args[0]), data)
	if err != nil {
		return err
	}
	printVerbose("signed with %s, reference %q\n", signed.SignatureMethod, signed.ReferenceURI)

	if outputFile == "" {
		_, err = os.Stdout.Write(signed.XML)
		return err
	}
	return os.WriteFile(outputFile, signed.XML, 0o644)
}

func runValidate(cmd *cobra.Command, args []string) error {
	op := model.Operation(args[0])

	p, err := newPipeline()
	if err != nil {
		return err
	}
	defer p.Close()

	invalid := 0
	for _, file := range args[1:] {
		data, err := os.ReadFile(file)
		if err != nil {
			return err
		}

		err = p.ValidateDocument(op, data)
		var schemaErr *model.SchemaViolationError
		switch {
		case err == nil:
			fmt.Printf("✓ %s: valid\n", file)
		case errors.As(err, &schemaErr):
			invalid++
			fmt.Printf("✗ %s: %d violation(s) against %s\n", file, len(schemaErr.Messages), schemaErr.Schema)
			for _, m := range schemaErr.Messages {
				fmt.Printf("  %s\n", m)
			}
		default:
			return err
		}
	}

	if invalid > 0 {
		return fmt.Errorf("%d of %d documents are invalid", invalid, len(args)-1)
	}
	return nil
}

func runVerify(cmd *cobra.Command, args []string) error {
	files, err := collectFiles(args)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no files found to verify")
	}

	p, err := newPipeline()
	if err != nil {
		return err
	}
	defer p.Close()

	results := make([]*VerifyResult, 0, len(files))
	allValid := true
	for _, file := range files {
		printVerbose("Verifying: %s\n", file)

		result := &VerifyResult{File: file}
		data, err := os.ReadFile(file)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("failed to read file: %v", err))
		} else if vr, err := p.Verify(cmd.Context(), data); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("verification error: %v", err))
		} else {
			result.fill(vr)
		}

		results = append(results, result)
		if !result.Valid {
			allValid = false
		}
	}

	if outputFormat == "json" {
		if err := writeJSON(results); err != nil {
			return err
		}
	} else {
		for _, r := range results {
			r.print()
		}
	}

	if !allValid {
		return fmt.Errorf("verification failed for some files")
	}
	return nil
}

// collectFiles expands globs and directories into XML files
func collectFiles(args []string) ([]string, error) {
	var files []string

	for _, arg := range args {
		matches, err := filepath.Glob(arg)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %s: %w", arg, err)
		}
		if len(matches) == 0 {
			matches = []string{arg}
		}

		for _, match := range matches {
			info, err := os.Stat(match)
			if err != nil {
				return nil, fmt.Errorf("file not found: %s", match)
			}
			if !info.IsDir() {
				files = append(files, match)
				continue
			}
			err = filepath.Walk(match, func(path string, info os.FileInfo, err error) error {
				if err != nil {
					return err
				}
				if !info.IsDir() && strings.EqualFold(filepath.Ext(path), ".xml") {
					files = append(files, path)
				}
				return nil
			})
			if err != nil {
				return nil, err
			}
		}
	}

	return files, nil
}

// VerifyResult holds the result of verifying a single file
type VerifyResult struct {
	File            string        `json:"file"`
	Valid           bool          `json:"valid"`
	SignatureFound  bool          `json:"signature_found"`
	DigestValid     bool          `json:"digest_valid"`
	SignatureValid  bool          `json:"signature_valid"`
	ChainChecked    bool          `json:"chain_checked"`
	CertChainValid  bool          `json:"cert_chain_valid"`
	NotRevoked      bool          `json:"not_revoked"`
	ReferenceURI    string        `json:"reference_uri"`
	SignatureMethod string        `json:"signature_method,omitempty"`
	Signer          *SignerOutput `json:"signer,omitempty"`
	Errors          []string      `json:"errors,omitempty"`
	Warnings        []string      `json:"warnings,omitempty"`
}

// SignerOutput holds signer info for output
type SignerOutput struct {
	Name         string     `json:"name,omitempty"`
	TaxID        string     `json:"tax_id,omitempty"`
	Organization string     `json:"organization,omitempty"`
	SerialNumber string     `json:"serial_number,omitempty"`
	Issuer       string     `json:"issuer,omitempty"`
	ValidFrom    *time.Time `json:"valid_from,omitempty"`
	ValidTo      *time.Time `json:"valid_to,omitempty"`
}

func (r *VerifyResult) fill(vr *signature.VerificationResult) {
	r.Valid = vr.Valid
	r.SignatureFound = vr.SignatureFound
	r.DigestValid = vr.DigestValid
	r.SignatureValid = vr.SignatureValid
	r.ChainChecked = vr.ChainChecked
	r.CertChainValid = vr.CertChainValid
	r.NotRevoked = vr.NotRevoked
	r.ReferenceURI = vr.ReferenceURI
	r.SignatureMethod = vr.SignatureMethod
	r.Errors = append(r.Errors, vr.Errors...)
	r.Warnings = append(r.Warnings, vr.Warnings...)

	if vr.Signer != nil {
		r.Signer = &SignerOutput{
			Name:         vr.Signer.Name,
			TaxID:        vr.Signer.TaxID,
			Organization: vr.Signer.Organization,
			SerialNumber: vr.Signer.SerialNumber,
			Issuer:       vr.Signer.Issuer,
			ValidFrom:    &vr.Signer.ValidFrom,
			ValidTo:      &vr.Signer.ValidTo,
		}
	}
}

func (r *VerifyResult) print() {
	statusIcon, statusText := "✓", "VALID"
	if !r.Valid {
		statusIcon, statusText = "✗", "INVALID"
	}
	fmt.Printf("%s %s: %s\n", statusIcon, r.File, statusText)

	if r.Signer != nil {
		fmt.Printf("  Signer: %s\n", r.Signer.Name)
		if r.Signer.TaxID != "" {
			fmt.Printf("  CNPJ:   %s\n", r.Signer.TaxID)
		}
		if r.Signer.Issuer != "" {
			fmt.Printf("  Issuer: %s\n", r.Signer.Issuer)
		}
	}

	if r.SignatureFound {
		fmt.Printf("  Reference:  %q (%s)\n", r.ReferenceURI, r.SignatureMethod)
		fmt.Printf("  Digest:     %s\n", mark(r.DigestValid))
		fmt.Printf("  Signature:  %s\n", mark(r.SignatureValid))
		if r.ChainChecked {
			fmt.Printf("  Cert Chain: %s\n", mark(r.CertChainValid))
			fmt.Printf("  Not Revoked: %s\n", mark(r.NotRevoked))
		}
	}

	for _, e := range r.Errors {
		fmt.Printf("  ✗ %s\n", e)
	}
	for _, w := range r.Warnings {
		fmt.Printf("  ⚠ %s\n", w)
	}
}

func mark(ok bool) string {
	if ok {
		return "✓"
	}
	return "✗"
}
