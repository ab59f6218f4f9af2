package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"payoutmgr/crypto"
)

// DefaultEndpoint is the payoutd address used by a fresh profile.
const DefaultEndpoint = "http://127.0.0.1:8089"

// Config is the payout-cli profile.
type Config struct {
	Endpoint      string `toml:"Endpoint"`
	KeystorePath  string `toml:"KeystorePath"`
	PassphraseEnv string `toml:"PassphraseEnv"`
	AdminTokenEnv string `toml:"AdminTokenEnv"`
	Decimals      uint8  `toml:"Decimals"`
	AddressPrefix string `toml:"AddressPrefix"`
	Timeout       int    `toml:"TimeoutSeconds"`
}

// PassphraseFunc supplies the passphrase protecting a newly generated
// keystore. It is only invoked when a key has to be created.
type PassphraseFunc func() (string, error)

// Load loads the profile at path. A missing profile is created with default
// values and a fresh keystore next to it.
func Load(path string, passphrase PassphraseFunc) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return createDefault(path, passphrase)
	} else if err != nil {
		return nil, err
	}

	cfg := &Config{}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config file %s has unknown key %s", path, undecoded[0])
	}
	applyDefaults(cfg)
	if err := ensureKeystore(path, cfg, passphrase); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	cfg.Endpoint = strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if cfg.PassphraseEnv == "" {
		cfg.PassphraseEnv = "PAYOUT_KEYSTORE_PASSPHRASE"
	}
	if cfg.AdminTokenEnv == "" {
		cfg.AdminTokenEnv = "PAYOUT_ADMIN_TOKEN"
	}
	if cfg.Decimals == 0 {
		cfg.Decimals = 18
	}
	if cfg.AddressPrefix == "" {
		cfg.AddressPrefix = crypto.DefaultPrefix
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15
	}
}

func ensureKeystore(configPath string, cfg *Config, passphrase PassphraseFunc) error {
	keystorePath := cfg.KeystorePath
	if keystorePath == "" {
		keystorePath = defaultKeystorePath(configPath)
	}

	if _, err := os.Stat(keystorePath); errors.Is(err, os.ErrNotExist) {
		if err := generateKeystore(keystorePath, passphrase); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	if cfg.KeystorePath != keystorePath {
		cfg.KeystorePath = keystorePath
		return persist(configPath, cfg)
	}
	return nil
}

func generateKeystore(path string, passphrase PassphraseFunc) error {
	if passphrase == nil {
		return errors.New("config: passphrase source required to create a keystore")
	}
	secret, err := passphrase()
	if err != nil {
		return err
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return err
	}
	return crypto.SaveToKeystore(path, key, secret)
}

// createDefault creates and saves a default profile.
func createDefault(path string, passphrase PassphraseFunc) (*Config, error) {
	keystorePath := defaultKeystorePath(path)
	if err := generateKeystore(keystorePath, passphrase); err != nil {
		return nil, err
	}
	cfg := &Config{KeystorePath: keystorePath}
	applyDefaults(cfg)
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func defaultKeystorePath(configPath string) string {
	dir := filepath.Dir(configPath)
	if dir == "." {
		dir = ""
	}
	return filepath.Join(dir, "payout.keystore")
}
