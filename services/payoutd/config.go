package payoutd

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"payoutmgr/crypto"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// DefaultSubmitTimeout bounds a redemption's treasury calls when
// treasury.submit_timeout is unset.
const DefaultSubmitTimeout = 45 * time.Second

const (
	TreasuryKindMemory = "memory"
	TreasuryKindERC20  = "erc20"
)

// Config captures the runtime configuration for payoutd.
type Config struct {
	ListenAddress string          `yaml:"listen"`
	Environment   string          `yaml:"env"`
	DataDir       string          `yaml:"data_dir"`
	Owner         string          `yaml:"owner"`
	Issuer        string          `yaml:"issuer"`
	PauseOnStart  bool            `yaml:"pause"`
	Custody       CustodyConfig   `yaml:"custody"`
	Treasury      TreasuryConfig  `yaml:"treasury"`
	Admin         AdminConfig     `yaml:"admin"`
	Auth          WalletConfig    `yaml:"auth"`
	RateLimit     RateLimitConfig `yaml:"rate_limit"`
	Log           LogConfig       `yaml:"log"`
	Telemetry     TelemetryConfig `yaml:"telemetry"`
}

// CustodyConfig locates the account whose treasury balance funds payouts.
// A key is only required when transfers have to be signed (erc20).
type CustodyConfig struct {
	Account       string `yaml:"account"`
	Key           string `yaml:"key"`
	KeyEnv        string `yaml:"key_env"`
	KeyFile       string `yaml:"key_file"`
	Keystore      string `yaml:"keystore"`
	PassphraseEnv string `yaml:"passphrase_env"`
}

// TreasuryConfig selects the asset store backend and the initial treasury.
type TreasuryConfig struct {
	Kind          string         `yaml:"kind"`
	Address       string         `yaml:"address"`
	RPCURL        string         `yaml:"rpc_url"`
	ChainID       int64          `yaml:"chain_id"`
	WaitMined     bool           `yaml:"wait_mined"`
	PollInterval  Duration       `yaml:"poll_interval"`
	SubmitTimeout Duration       `yaml:"submit_timeout"`
	Ledgers       []LedgerConfig `yaml:"ledgers"`
}

// LedgerConfig deploys an in-process token for the memory backend.
type LedgerConfig struct {
	Address string `yaml:"address"`
	Name    string `yaml:"name"`
	Symbol  string `yaml:"symbol"`
	Supply  int64  `yaml:"supply"`
}

// AdminConfig captures security settings for the admin API.
type AdminConfig struct {
	BearerToken     string         `yaml:"bearer_token"`
	BearerTokenFile string         `yaml:"bearer_token_file"`
	MTLS            MTLSConfig     `yaml:"mtls"`
	TLS             AdminTLSConfig `yaml:"tls"`
}

// MTLSConfig controls mutual TLS verification.
type MTLSConfig struct {
	Enabled      bool   `yaml:"enabled"`
	ClientCAPath string `yaml:"client_ca"`
}

// AdminTLSConfig configures TLS certificates for the listener.
type AdminTLSConfig struct {
	Disable  bool   `yaml:"disable"`
	CertPath string `yaml:"cert"`
	KeyPath  string `yaml:"key"`
}

// WalletConfig tunes the signed request envelope.
type WalletConfig struct {
	TimestampSkew Duration `yaml:"timestamp_skew"`
}

// RateLimitConfig bounds redemption attempts per client.
type RateLimitConfig struct {
	RequestsPerMinute float64  `yaml:"requests_per_minute"`
	Burst             int      `yaml:"burst"`
	IdleTTL           Duration `yaml:"idle_ttl"`
}

// LogConfig routes structured logs.
type LogConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// TelemetryConfig toggles OTLP export.
type TelemetryConfig struct {
	Endpoint string `yaml:"endpoint"`
	Headers  string `yaml:"headers"`
	Insecure bool   `yaml:"insecure"`
	Traces   bool   `yaml:"traces"`
	Metrics  bool   `yaml:"metrics"`
}

// LoadConfig reads configuration from the supplied path.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Custody.normalise(); err != nil {
		return cfg, fmt.Errorf("custody: %w", err)
	}
	if err := cfg.Admin.normalise(); err != nil {
		return cfg, fmt.Errorf("admin security: %w", err)
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8089"
	}
	cfg.Treasury.Kind = strings.ToLower(strings.TrimSpace(cfg.Treasury.Kind))
	if cfg.Treasury.Kind == "" {
		cfg.Treasury.Kind = TreasuryKindMemory
	}
	if cfg.Treasury.PollInterval.Duration == 0 {
		cfg.Treasury.PollInterval.Duration = 3 * time.Second
	}
	if cfg.Treasury.SubmitTimeout.Duration == 0 {
		cfg.Treasury.SubmitTimeout.Duration = DefaultSubmitTimeout
	}
	if cfg.Auth.TimestampSkew.Duration == 0 {
		cfg.Auth.TimestampSkew.Duration = 2 * time.Minute
	}
	if cfg.RateLimit.RequestsPerMinute <= 0 {
		cfg.RateLimit.RequestsPerMinute = 60
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 10
	}
	if cfg.RateLimit.IdleTTL.Duration == 0 {
		cfg.RateLimit.IdleTTL.Duration = 5 * time.Minute
	}
	if cfg.Log.MaxSizeMB <= 0 {
		cfg.Log.MaxSizeMB = 100
	}
	if cfg.Log.MaxBackups <= 0 {
		cfg.Log.MaxBackups = 5
	}
	if cfg.Log.MaxAgeDays <= 0 {
		cfg.Log.MaxAgeDays = 30
	}
}

func validateConfig(cfg Config) error {
	if _, err := crypto.ParseAddress(cfg.Owner); err != nil {
		return fmt.Errorf("owner: %w", err)
	}
	if strings.TrimSpace(cfg.Issuer) != "" {
		if _, err := crypto.ParseAddress(cfg.Issuer); err != nil {
			return fmt.Errorf("issuer: %w", err)
		}
	}
	if _, err := crypto.ParseAddress(cfg.Treasury.Address); err != nil {
		return fmt.Errorf("treasury address: %w", err)
	}
	switch cfg.Treasury.Kind {
	case TreasuryKindMemory:
		if len(cfg.Treasury.Ledgers) == 0 {
			return fmt.Errorf("treasury.ledgers must list at least one ledger for the memory backend")
		}
		for i, ledger := range cfg.Treasury.Ledgers {
			if _, err := crypto.ParseAddress(ledger.Address); err != nil {
				return fmt.Errorf("treasury.ledgers[%d]: %w", i, err)
			}
		}
		if strings.TrimSpace(cfg.Custody.Account) == "" && !cfg.Custody.hasKey() {
			return fmt.Errorf("custody account or key must be configured")
		}
	case TreasuryKindERC20:
		if strings.TrimSpace(cfg.Treasury.RPCURL) == "" {
			return fmt.Errorf("treasury.rpc_url must be configured for erc20")
		}
		if cfg.Treasury.ChainID <= 0 {
			return fmt.Errorf("treasury.chain_id must be configured for erc20")
		}
		if !cfg.Custody.hasKey() {
			return fmt.Errorf("custody key must be configured for erc20")
		}
	default:
		return fmt.Errorf("unsupported treasury kind %q", cfg.Treasury.Kind)
	}
	if strings.TrimSpace(cfg.Custody.Account) != "" {
		if _, err := crypto.ParseAddress(cfg.Custody.Account); err != nil {
			return fmt.Errorf("custody account: %w", err)
		}
	}
	if cfg.Admin.BearerToken == "" && !cfg.Admin.MTLS.Enabled {
		return fmt.Errorf("configure either bearer_token or mTLS for admin authentication")
	}
	return nil
}

func (c *CustodyConfig) hasKey() bool {
	return c.Key != "" || c.Keystore != ""
}

func (c *CustodyConfig) normalise() error {
	if c == nil {
		return fmt.Errorf("custody configuration missing")
	}
	c.Account = strings.TrimSpace(c.Account)
	c.Key = strings.TrimSpace(c.Key)
	c.KeyEnv = strings.TrimSpace(c.KeyEnv)
	c.KeyFile = strings.TrimSpace(c.KeyFile)
	c.Keystore = strings.TrimSpace(c.Keystore)
	c.PassphraseEnv = strings.TrimSpace(c.PassphraseEnv)
	if c.Key != "" || c.Keystore != "" {
		return nil
	}
	switch {
	case c.KeyEnv != "":
		value := strings.TrimSpace(os.Getenv(c.KeyEnv))
		if value == "" {
			return fmt.Errorf("key_env %s is empty", c.KeyEnv)
		}
		c.Key = value
	case c.KeyFile != "":
		contents, err := os.ReadFile(c.KeyFile)
		if err != nil {
			return fmt.Errorf("read key_file: %w", err)
		}
		c.Key = strings.TrimSpace(string(contents))
	}
	return nil
}

// LoadKey returns the custody key or nil when none is configured.
// passphrase is consulted only for keystores.
func (c CustodyConfig) LoadKey(passphrase func() (string, error)) (*crypto.PrivateKey, error) {
	switch {
	case c.Key != "":
		return crypto.PrivateKeyFromHex(c.Key)
	case c.Keystore != "":
		if passphrase == nil {
			return nil, fmt.Errorf("custody keystore requires a passphrase source")
		}
		secret, err := passphrase()
		if err != nil {
			return nil, err
		}
		return crypto.LoadFromKeystore(c.Keystore, secret)
	default:
		return nil, nil
	}
}

func (a *AdminConfig) normalise() error {
	if a == nil {
		return fmt.Errorf("admin configuration missing")
	}
	token := strings.TrimSpace(a.BearerToken)
	if path := strings.TrimSpace(a.BearerTokenFile); path != "" {
		contents, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read bearer_token_file: %w", err)
		}
		token = strings.TrimSpace(string(contents))
	}
	a.BearerToken = token
	a.MTLS.ClientCAPath = strings.TrimSpace(a.MTLS.ClientCAPath)
	a.TLS.CertPath = strings.TrimSpace(a.TLS.CertPath)
	a.TLS.KeyPath = strings.TrimSpace(a.TLS.KeyPath)
	if a.TLS.CertPath == "" && a.TLS.KeyPath == "" {
		a.TLS.Disable = true
	}
	if !a.TLS.Disable {
		if a.TLS.CertPath == "" {
			return fmt.Errorf("tls.cert must be configured when TLS is enabled")
		}
		if a.TLS.KeyPath == "" {
			return fmt.Errorf("tls.key must be configured when TLS is enabled")
		}
	}
	if a.MTLS.Enabled && a.TLS.Disable {
		return fmt.Errorf("mTLS requires TLS to be enabled")
	}
	return nil
}

// serverTLS builds the listener TLS configuration; nil when TLS is disabled.
func (a AdminConfig) serverTLS() (*tls.Config, error) {
	if a.TLS.Disable {
		return nil, nil
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if !a.MTLS.Enabled {
		return cfg, nil
	}
	if a.MTLS.ClientCAPath == "" {
		return nil, fmt.Errorf("mtls.client_ca must be configured when mTLS is enabled")
	}
	pem, err := os.ReadFile(a.MTLS.ClientCAPath)
	if err != nil {
		return nil, fmt.Errorf("read client_ca: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("client_ca contains no certificates")
	}
	cfg.ClientCAs = pool
	cfg.ClientAuth = tls.VerifyClientCertIfGiven
	return cfg, nil
}
