// Package config resolves the client configuration once at startup.
//
// Values come from an optional YAML file, then from NFSE_* environment
// variables, then from defaults. The resulting Config is treated as
// immutable and passed by value into every component.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/rezonia/nfse-client/internal/model"
)

// Environment selects the authority environment
type Environment string

const (
	EnvHomolog    Environment = "homolog"
	EnvProduction Environment = "production"
)

// Defaults
const (
	DefaultTimeout      = 60 * time.Second
	DefaultWorkers      = 4
	DefaultLogBodyLimit = 2048
	DefaultSOAPURL      = "https://nfe.prefeitura.sp.gov.br/ws/lotenfe.asmx"
)

// ParseEnvironment accepts the canonical names and their aliases
func ParseEnvironment(s string) (Environment, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "homolog", "homologacao", "homologação", "sandbox", "test":
		return EnvHomolog, nil
	case "production", "producao", "produção", "prod":
		return EnvProduction, nil
	default:
		return "", fmt.Errorf("unknown environment %q", s)
	}
}

// Credentials points at the certificate material. Passphrases never reach a log line.
type Credentials struct {
	CertPath         string `yaml:"cert_path"`
	KeyPath          string `yaml:"key_path"`
	KeyPassphrase    string `yaml:"key_passphrase"`
	PKCS12Path       string `yaml:"pfx_path"`
	PKCS12Passphrase string `yaml:"pfx_passphrase"`
	CABundlePath     string `yaml:"ca_bundle_path"`
	// RetainPEM keeps the PKCS#12 to PEM conversion on disk after teardown
	RetainPEM bool   `yaml:"retain_pem"`
	TempDir   string `yaml:"temp_dir"`
}

// UsesPKCS12 reports whether the credential source is a PKCS#12 bundle
func (c Credentials) UsesPKCS12() bool {
	return c.PKCS12Path != ""
}

// MarshalLogObject implements zapcore.ObjectMarshaler without secrets
func (c Credentials) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	if c.UsesPKCS12() {
		enc.AddString("source", "pkcs12")
		enc.AddString("pfx_path", c.PKCS12Path)
		enc.AddBool("pfx_passphrase_set", c.PKCS12Passphrase != "")
	} else {
		enc.AddString("source", "pem")
		enc.AddString("cert_path", c.CertPath)
		enc.AddString("key_path", c.KeyPath)
		enc.AddBool("key_passphrase_set", c.KeyPassphrase != "")
	}
	enc.AddString("ca_bundle_path", c.CABundlePath)
	enc.AddBool("retain_pem", c.RetainPEM)
	return nil
}

// Company identifies the issuer
type Company struct {
	CNPJ                  string `yaml:"cnpj"`
	MunicipalRegistration string `yaml:"municipal_registration"`
}

// Identity returns the issuer identity used by the document builder
func (c Company) Identity() model.Identity {
	return model.Identity{CNPJ: c.CNPJ, MunicipalRegistration: c.MunicipalRegistration}
}

// Endpoints holds the authority base URLs of one environment
type Endpoints struct {
	SOAPURL     string `yaml:"soap_url"`
	RESTBaseURL string `yaml:"rest_url"`
}

// TLS holds transport security switches
type TLS struct {
	// InsecureSkipVerify disables server certificate verification. Rejected in production.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
	// Renegotiate allows the server to request the client certificate after the handshake
	Renegotiate bool `yaml:"renegotiate"`
}

// Config is the resolved client configuration
type Config struct {
	Environment Environment                   `yaml:"environment"`
	Family      model.Family                  `yaml:"family"`
	Company     Company                       `yaml:"company"`
	Credentials Credentials                   `yaml:"credentials"`
	Endpoints   map[Environment]Endpoints     `yaml:"endpoints"`
	SchemaDir   string                        `yaml:"schema_dir"`
	Timeout     time.Duration                 `yaml:"timeout"`
	TLS         TLS                           `yaml:"tls"`
	Workers     int                           `yaml:"workers"`
	// InquiryRetries is the number of extra attempts for read operations
	InquiryRetries int  `yaml:"inquiry_retries"`
	SkipSelfCheck  bool `yaml:"skip_self_check"`
	LogBodyLimit   int  `yaml:"log_body_limit"`

	Operations map[model.Family]map[model.Operation]Profile `yaml:"-"`
}

// fileConfig mirrors Config for decoding; operations are decoded as nodes so
// that overrides merge onto the built-in profiles
type fileConfig struct {
	Config     `yaml:",inline"`
	Operations map[model.Family]map[model.Operation]yaml.Node `yaml:"operations"`
}

// Default returns a configuration with every default applied
func Default() Config {
	return Config{
		Environment: EnvHomolog,
		Family:      model.FamilyRPS,
		Endpoints: map[Environment]Endpoints{
			EnvHomolog:    {SOAPURL: DefaultSOAPURL},
			EnvProduction: {SOAPURL: DefaultSOAPURL},
		},
		Timeout:      DefaultTimeout,
		TLS:          TLS{Renegotiate: true},
		Workers:      DefaultWorkers,
		LogBodyLimit: DefaultLogBodyLimit,
		Operations:   DefaultProfiles(),
	}
}

// Load reads the YAML file at path (optional, "" skips it), applies NFSE_*
// environment overrides and validates the result
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := decode(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	fc := fileConfig{Config: *cfg}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return err
	}

	env, err := ParseEnvironment(string(fc.Environment))
	if err != nil {
		return err
	}
	fc.Config.Environment = env

	profiles := DefaultProfiles()
	for family, ops := range fc.Operations {
		if _, ok := profiles[family]; !ok {
			return fmt.Errorf("operations: unknown family %q", family)
		}
		for op, node := range ops {
			p := profiles[family][op]
			if err := node.Decode(&p); err != nil {
				return fmt.Errorf("operations.%s.%s: %w", family, op, err)
			}
			profiles[family][op] = p
		}
	}
	fc.Config.Operations = profiles

	*cfg = fc.Config
	return nil
}

type lookupFunc func(string) (string, bool)

func applyEnv(cfg *Config, lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	if v, ok := lookup("NFSE_ENVIRONMENT"); ok && v != "" {
		env, err := ParseEnvironment(v)
		if err != nil {
			return fmt.Errorf("NFSE_ENVIRONMENT: %w", err)
		}
		cfg.Environment = env
	}
	if v, ok := lookup("NFSE_HOMOLOGACAO"); ok && v != "" {
		if homolog, err := strconv.ParseBool(v); err == nil && !homolog {
			cfg.Environment = EnvProduction
		}
	}
	if v, ok := lookup("NFSE_FAMILY"); ok && v != "" {
		cfg.Family = model.Family(strings.ToLower(v))
	}

	str("NFSE_CERT_PATH", &cfg.Credentials.CertPath)
	str("NFSE_KEY_PATH", &cfg.Credentials.KeyPath)
	str("NFSE_CERT_PASSWORD", &cfg.Credentials.KeyPassphrase)
	str("NFSE_PFX_PATH", &cfg.Credentials.PKCS12Path)
	str("NFSE_PFX_PASSWORD", &cfg.Credentials.PKCS12Passphrase)
	str("NFSE_CACERT_PATH", &cfg.Credentials.CABundlePath)
	str("NFSE_CNPJ", &cfg.Company.CNPJ)
	str("NFSE_COMPANY_CNPJ", &cfg.Company.CNPJ)
	str("NFSE_MUNICIPAL_REGISTRATION", &cfg.Company.MunicipalRegistration)
	str("NFSE_COMPANY_MUNICIPAL_REGISTRATION", &cfg.Company.MunicipalRegistration)
	str("NFSE_SCHEMA_DIR", &cfg.SchemaDir)

	if v, ok := lookup("NFSE_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("NFSE_TIMEOUT: %w", err)
		}
		cfg.Timeout = d
	}

	endpoints := cfg.Endpoints[cfg.Environment]
	str("NFSE_SOAP_URL", &endpoints.SOAPURL)
	str("NFSE_ENDPOINT_NF", &endpoints.SOAPURL)
	str("NFSE_REST_URL", &endpoints.RESTBaseURL)
	if cfg.Endpoints == nil {
		cfg.Endpoints = make(map[Environment]Endpoints)
	}
	cfg.Endpoints[cfg.Environment] = endpoints
	return nil
}

// Validate checks the configuration for missing or unsafe values
func (c Config) Validate() error {
	var errs []error

	if c.Environment != EnvHomolog && c.Environment != EnvProduction {
		errs = append(errs, fmt.Errorf("environment: unknown value %q", c.Environment))
	}
	if !c.Family.Valid() {
		errs = append(errs, fmt.Errorf("family: unknown value %q", c.Family))
	}
	if c.Company.CNPJ == "" {
		errs = append(errs, errors.New("company.cnpj: required"))
	}
	if c.Company.MunicipalRegistration == "" {
		errs = append(errs, errors.New("company.municipal_registration: required"))
	}
	if !c.Credentials.UsesPKCS12() && (c.Credentials.CertPath == "" || c.Credentials.KeyPath == "") {
		errs = append(errs, errors.New("credentials: cert_path and key_path, or pfx_path, are required"))
	}
	if c.Timeout <= 0 {
		errs = append(errs, errors.New("timeout: must be positive"))
	}
	if c.Workers <= 0 {
		errs = append(errs, errors.New("workers: must be positive"))
	}
	if c.InquiryRetries < 0 {
		errs = append(errs, errors.New("inquiry_retries: must not be negative"))
	}
	if c.TLS.InsecureSkipVerify && c.Environment == EnvProduction {
		errs = append(errs, errors.New("tls.insecure_skip_verify: not allowed in production"))
	}

	endpoints := c.Endpoints[c.Environment]
	switch c.Family {
	case model.FamilyRPS:
		if endpoints.SOAPURL == "" {
			errs = append(errs, fmt.Errorf("endpoints.%s.soap_url: required", c.Environment))
		}
	case model.FamilyDPS:
		if endpoints.RESTBaseURL == "" {
			errs = append(errs, fmt.Errorf("endpoints.%s.rest_url: required", c.Environment))
		}
	}

	for op, p := range c.Operations[c.Family] {
		if err := p.validate(); err != nil {
			errs = append(errs, fmt.Errorf("operations.%s.%s: %w", c.Family, op, err))
		}
	}

	return errors.Join(errs...)
}

func (p Profile) validate() error {
	if p.Framing != FramingSOAP && p.Framing != FramingREST {
		return fmt.Errorf("framing %q unknown", p.Framing)
	}
	if p.Framing == FramingSOAP && p.SOAPVersion != SOAP11 && p.SOAPVersion != SOAP12 {
		return fmt.Errorf("soap_version %q unknown", p.SOAPVersion)
	}
	if !p.Signed {
		return nil
	}
	if p.Digest != DigestSHA1 && p.Digest != DigestSHA256 {
		return fmt.Errorf("digest %q unknown", p.Digest)
	}
	if p.Reference != ReferenceDocument && p.Reference != ReferenceFragment {
		return fmt.Errorf("reference %q unknown", p.Reference)
	}
	if p.IDStyle != IDStyleTag && p.IDStyle != IDStylePlain {
		return fmt.Errorf("id_style %q unknown", p.IDStyle)
	}
	if p.Schema == "" {
		return errors.New("schema: required for signed operations")
	}
	if !p.ValidateUnsigned && !p.ValidateSigned {
		return errors.New("at least one validation stage is required")
	}
	return nil
}

// Profile returns the wire profile of op in the configured family
func (c Config) Profile(op model.Operation) (Profile, bool) {
	p, ok := c.Operations[c.Family][op]
	return p, ok
}

// CurrentEndpoints returns the endpoints of the selected environment
func (c Config) CurrentEndpoints() Endpoints {
	return c.Endpoints[c.Environment]
}

// SchemaPath resolves a profile schema against SchemaDir
func (c Config) SchemaPath(p Profile) string {
	if p.Schema == "" || filepath.IsAbs(p.Schema) || c.SchemaDir == "" {
		return p.Schema
	}
	return filepath.Join(c.SchemaDir, p.Schema)
}
