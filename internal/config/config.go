// Package config reads the YAML file describing external signing
// providers: connection details too unwieldy for command-line flags, such
// as a PKCS#11 module path or a cloud key's resource name.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ProviderConfig holds the fields any one external provider might need.
// Only the PKCS#11 fields (Module, TokenLabel, Pin, PinEnv) are applied:
// the sign command folds them into a pkcs11 locator. The cloud fields
// (Region, VaultURL, ProjectID, Location, KeyRing) are parsed but not read
// by any provider; those providers take their whole locator from --key.
type ProviderConfig struct {
	// Module is the shared-library path for a PKCS#11 provider.
	Module string `yaml:"module"`
	// TokenLabel selects a PKCS#11 slot by token label.
	TokenLabel string `yaml:"token_label"`
	// Pin authenticates to a PKCS#11 token. Prefer PinEnv in committed
	// config so the PIN itself never lands on disk.
	Pin    string `yaml:"pin"`
	PinEnv string `yaml:"pin_env"`

	// Region is the AWS region for an awskms provider.
	Region string `yaml:"region"`
	// VaultURL is the Azure Key Vault base URL for an azurekv provider.
	VaultURL string `yaml:"vault_url"`
	// ProjectID/Location/KeyRing locate a Google Cloud KMS key ring for a
	// gcpkms provider; the key and version are given on the command line.
	ProjectID string `yaml:"project_id"`
	Location  string `yaml:"location"`
	KeyRing   string `yaml:"key_ring"`
}

// Config is the top-level provider configuration file: one named section
// per provider instance, keyed by the --provider value a caller passes.
type Config struct {
	Providers map[string]*ProviderConfig `yaml:"providers"`
}

// ReadFile parses a provider configuration file.
func ReadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := new(Config)
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return cfg, nil
}

// Provider returns the named provider section, or an error if it's
// missing.
func (c *Config) Provider(name string) (*ProviderConfig, error) {
	if c == nil || c.Providers == nil {
		return nil, fmt.Errorf("config: no providers defined")
	}
	p, ok := c.Providers[name]
	if !ok {
		return nil, fmt.Errorf("config: provider %q not found in configuration", name)
	}
	return p, nil
}

// PinFor resolves the PIN for a PKCS#11 provider section: an explicit Pin
// field takes precedence, then PinEnv names an environment variable to
// read it from.
func (p *ProviderConfig) PinFor() string {
	if p.Pin != "" {
		return p.Pin
	}
	if p.PinEnv != "" {
		return os.Getenv(p.PinEnv)
	}
	return ""
}
