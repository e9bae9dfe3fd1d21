package cmd

import (
	"bytes"
	"crypto/x509"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rezonia/nfse-client/internal/credential"
	"github.com/rezonia/nfse-client/internal/signature/trust"
	xmlsig "github.com/rezonia/nfse-client/internal/signature/xml"
)

var checkOCSP bool

var certCmd = &cobra.Command{
	Use:   "cert",
	Short: "Show the configured client certificate",
	Long: `Load the configured credential (PEM, encrypted PEM or PKCS#12) and show
its subject, issuer, serial number and validity.

The chain is checked when a CA bundle is configured. With --ocsp the
certificate's OCSP responders are queried as well.

Examples:
  nfse-client cert
  nfse-client cert --ocsp -f json`,
	Args: cobra.NoArgs,
	RunE: runCert,
}

func init() {
	rootCmd.AddCommand(certCmd)

	certCmd.Flags().BoolVar(&checkOCSP, "ocsp", false, "Query the certificate's OCSP responders")
}

// CertInfo is the output of the cert command
type CertInfo struct {
	Subject    string    `json:"subject"`
	Issuer     string    `json:"issuer"`
	Serial     string    `json:"serial"`
	NotBefore  time.Time `json:"not_before"`
	NotAfter   time.Time `json:"not_after"`
	DaysLeft   int       `json:"days_left"`
	Chain      string    `json:"chain"`
	Revocation string    `json:"revocation"`
	Errors     []string  `json:"errors,omitempty"`
}

func runCert(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := credential.Load(cfg.Credentials, credential.WithLogger(logger))
	if err != nil {
		return err
	}
	defer store.Close()

	cert := store.Certificate()
	info := CertInfo{
		Subject:    cert.Subject.String(),
		Issuer:     xmlsig.IssuerName(cert),
		Serial:     cert.SerialNumber.String(),
		NotBefore:  cert.NotBefore,
		NotAfter:   cert.NotAfter,
		DaysLeft:   int(time.Until(cert.NotAfter).Hours() / 24),
		Chain:      "not checked (no CA bundle)",
		Revocation: "not checked",
	}

	issuer := issuerOf(cert, store.Chain())
	ts := store.Trust()
	if ts != nil {
		chain, err := ts.VerifyChain(cert, store.Chain())
		if err != nil {
			info.Chain = "invalid"
			info.Errors = append(info.Errors, err.Error())
		} else {
			info.Chain = "valid"
			if issuer == nil && len(chain) > 1 {
				issuer = chain[1]
			}
		}
	}

	if checkOCSP {
		if ts == nil {
			ts = trust.NewTrustStore()
		}
		switch {
		case issuer == nil:
			info.Revocation = "unknown (issuer certificate not available)"
		case len(cert.OCSPServer) == 0:
			info.Revocation = "not checked (no OCSP responder)"
		default:
			notRevoked, err := ts.CheckRevocation(cmd.Context(), cert, issuer)
			switch {
			case err != nil:
				info.Revocation = "unknown"
				info.Errors = append(info.Errors, err.Error())
			case notRevoked:
				info.Revocation = "good"
			default:
				info.Revocation = "revoked"
			}
		}
	}

	if outputFormat == "json" {
		if err := writeJSON(info); err != nil {
			return err
		}
	} else {
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "Subject:\t%s\n", info.Subject)
		fmt.Fprintf(w, "Issuer:\t%s\n", info.Issuer)
		fmt.Fprintf(w, "Serial:\t%s\n", info.Serial)
		fmt.Fprintf(w, "Valid:\t%s to %s (%d days left)\n", info.NotBefore.Format(time.DateOnly), info.NotAfter.Format(time.DateOnly), info.DaysLeft)
		fmt.Fprintf(w, "Chain:\t%s\n", info.Chain)
		fmt.Fprintf(w, "Revocation:\t%s\n", info.Revocation)
		for _, e := range info.Errors {
			fmt.Fprintf(w, "  ✗ %s\n", e)
		}
		w.Flush()
	}

	switch {
	case info.DaysLeft < 0:
		return fmt.Errorf("certificate expired on %s", info.NotAfter.Format(time.DateOnly))
	case info.Chain == "invalid", info.Revocation == "revoked":
		return fmt.Errorf("certificate is not usable")
	}
	return nil
}

// issuerOf returns the shipped certificate that issued cert, or cert itself
// when it is self-signed
func issuerOf(cert *x509.Certificate, chain []*x509.Certificate) *x509.Certificate {
	for _, c := range chain {
		if bytes.Equal(c.RawSubject, cert.RawIssuer) && cert.CheckSignatureFrom(c) == nil {
			return c
		}
	}
	if bytes.Equal(cert.RawSubject, cert.RawIssuer) {
		return cert
	}
	return nil
}
