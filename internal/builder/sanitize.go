package builder

import (
	"strings"
	"unicode/utf8"
)

// MaxVerificationCode is the length of an authority verification code
const MaxVerificationCode = 8

// Alphanumeric strips every character outside [A-Za-z0-9]
func Alphanumeric(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if ('0' <= c && c <= '9') || ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') {
			b.WriteByte(c)
		}
	}
	return b.String()
}

// VerificationCode sanitizes a verification code to at most 8 alphanumerics
func VerificationCode(s string) string {
	code := Alphanumeric(s)
	if len(code) > MaxVerificationCode {
		code = code[:MaxVerificationCode]
	}
	return code
}

// TaxIDKind names the element a taxpayer identifier is written to
type TaxIDKind string

const (
	TaxIDNone TaxIDKind = ""
	TaxIDCPF  TaxIDKind = "CPF"
	TaxIDCNPJ TaxIDKind = "CNPJ"
)

// ClassifyTaxID sanitizes id and selects CPF (11) or CNPJ (14) by length.
// Any other length yields TaxIDNone with the sanitized value.
func ClassifyTaxID(id string) (string, TaxIDKind) {
	clean := Alphanumeric(id)
	switch len(clean) {
	case 11:
		return clean, TaxIDCPF
	case 14:
		return clean, TaxIDCNPJ
	default:
		return clean, TaxIDNone
	}
}

// FreeText drops characters XML 1.0 cannot carry. Escaping of markup
// characters happens at serialization.
func FreeText(s string) string {
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "")
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r == '\t' || r == '\n' || r == '\r':
			return r
		case r < 0x20, r == 0xFFFE, r == 0xFFFF:
			return -1
		case r >= 0xD800 && r <= 0xDFFF:
			return -1
		default:
			return r
		}
	}, strings.TrimSpace(s))
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func padLeft(s string, width int, pad byte) string {
	if len(s) >= width {
		return s
	}
	return strings.Repeat(string(pad), width-len(s)) + s
}

func padRight(s string, width int, pad byte) string {
	if len(s) >= width {
		return s
	}
	return s + strings.Repeat(string(pad), width-len(s))
}
