// Package config loads pagecrypt configuration from YAML.
package config

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/FocuswithJustin/pagecrypt/core/errors"
)

// Config is the top-level configuration file layout.
type Config struct {
	Database   Database   `yaml:"database"`
	Encryption Encryption `yaml:"encryption"`
	Logging    Logging    `yaml:"logging"`
}

// Database holds pager settings.
type Database struct {
	Path      string `yaml:"path"`
	PageSize  int    `yaml:"page_size"`
	CacheSize int    `yaml:"cache_size"`
	ReadOnly  bool   `yaml:"read_only"`
}

// Encryption selects the codec backend and where the key comes from.
// At most one of Key, KeyFile and Passphrase may be set.
type Encryption struct {
	Backend       string `yaml:"backend"`
	Key           string `yaml:"key"`
	KeyFile       string `yaml:"key_file"`
	Passphrase    string `yaml:"passphrase"`
	AllowInsecure bool   `yaml:"allow_insecure"`
}

// Logging configures the slog output.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		Database: Database{
			PageSize:  4096,
			CacheSize: 2000,
		},
		Encryption: Encryption{
			Backend: "aes256-ccm",
		},
		Logging: Logging{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a YAML file on top of DefaultConfig.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.NewIO("read", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML bytes on top of DefaultConfig and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, &errors.ConfigurationError{Setting: "config", Reason: "cannot decode yaml", Err: err}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field ranges. Backend names are checked by the codec.
func (c *Config) Validate() error {
	ps := c.Database.PageSize
	if ps != 0 && (ps < 512 || ps > 65536 || ps&(ps-1) != 0) {
		return errors.NewConfiguration("page_size", fmt.Sprint(ps), "must be a power of two between 512 and 65536")
	}
	if c.Database.CacheSize < 0 {
		return errors.NewConfiguration("cache_size", fmt.Sprint(c.Database.CacheSize), "must not be negative")
	}
	n := 0
	for _, s := range []string{c.Encryption.Key, c.Encryption.KeyFile, c.Encryption.Passphrase} {
		if s != "" {
			n++
		}
	}
	if n > 1 {
		return errors.NewConfiguration("encryption", "", "key, key_file and passphrase are mutually exclusive")
	}
	return nil
}

// KeySource is the resolved key input. Passphrase is true when Bytes is
// passphrase text rather than raw key material.
type KeySource struct {
	Bytes      []byte
	Passphrase bool
}

// ResolveKey returns the configured key. An empty result means no key.
// Key files hold either raw bytes or a hex string.
func (e *Encryption) ResolveKey() (KeySource, error) {
	switch {
	case e.Key != "":
		b, err := hex.DecodeString(strings.TrimSpace(e.Key))
		if err != nil {
			return KeySource{}, &errors.ConfigurationError{Setting: "key", Reason: "not valid hex", Err: err}
		}
		return KeySource{Bytes: b}, nil
	case e.KeyFile != "":
		return LoadKeyFile(e.KeyFile)
	case e.Passphrase != "":
		return KeySource{Bytes: []byte(e.Passphrase), Passphrase: true}, nil
	}
	return KeySource{}, nil
}

// LoadKeyFile reads a key file. Content that decodes as hex after
// trimming whitespace is treated as hex, anything else as raw bytes.
func LoadKeyFile(path string) (KeySource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return KeySource{}, errors.NewIO("read", path, err)
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return KeySource{}, errors.NewConfiguration("key_file", path, "file is empty")
	}
	if len(trimmed)%2 == 0 {
		if b, err := hex.DecodeString(string(trimmed)); err == nil {
			return KeySource{Bytes: b}, nil
		}
	}
	return KeySource{Bytes: data}, nil
}
