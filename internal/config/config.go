// Package config provides configuration loading from the JSON config file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/tidwall/sjson"
)

const (
	// DefaultRegion is the AWS region used when the config file does not set one.
	DefaultRegion = "us-east-1"
	// DefaultKiroVersion is the Kiro IDE version advertised in User-Agent headers.
	DefaultKiroVersion = "0.2.13"

	// ModePriority selects the highest-priority credential and sticks to it.
	ModePriority = "priority"
	// ModeBalanced re-selects the least-used credential on every call.
	ModeBalanced = "balanced"
)

// Config holds all configuration for the gateway.
// JSON field names match the config file format exactly.
type Config struct {
	Host string `json:"host"`
	Port int    `json:"port"`

	// Upstream settings
	Region      string `json:"region"`
	KiroVersion string `json:"kiroVersion"`

	// Credential selection
	LoadBalancingMode string `json:"loadBalancingMode"`

	// Global proxy (credential-level proxy settings take precedence)
	ProxyURL      string `json:"proxyUrl"`
	ProxyUsername string `json:"proxyUsername"`
	ProxyPassword string `json:"proxyPassword"`

	// TLS client backend selector, passed through to the HTTP layer.
	TLSBackend string `json:"tlsBackend"`

	// Auth
	APIKey      string `json:"apiKey"`
	AdminAPIKey string `json:"adminApiKey"`

	// Logging
	LogLevel string `json:"logLevel"`
	LogJSON  bool   `json:"logJson"`

	// CredentialsPath points at the credentials file.
	CredentialsPath string `json:"credentialsPath"`

	path string
}

// Default returns a Config populated with defaults and no backing file.
func Default() *Config {
	return &Config{
		Host:              "0.0.0.0",
		Port:              8080,
		Region:            DefaultRegion,
		KiroVersion:       DefaultKiroVersion,
		LoadBalancingMode: ModePriority,
	}
}

// Load reads the config file at path. Missing fields fall back to defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if cfg.Region == "" {
		cfg.Region = DefaultRegion
	}
	if cfg.KiroVersion == "" {
		cfg.KiroVersion = DefaultKiroVersion
	}
	if cfg.LoadBalancingMode == "" {
		cfg.LoadBalancingMode = ModePriority
	}
	cfg.path = path

	return cfg, nil
}

// Path returns the config file path, or "" when the config was not loaded
// from a file.
func (c *Config) Path() string {
	return c.path
}

// ValidMode reports whether mode is an accepted load balancing mode.
func ValidMode(mode string) bool {
	return mode == ModePriority || mode == ModeBalanced
}

// SaveLoadBalancingMode rewrites only the loadBalancingMode key in the
// config file, preserving any keys this process does not understand.
// Returns an error when the config has no backing file.
func (c *Config) SaveLoadBalancingMode(mode string) error {
	if c.path == "" {
		return fmt.Errorf("配置文件路径未知，无法持久化负载均衡模式")
	}

	data, err := os.ReadFile(c.path)
	if err != nil {
		// The file may have been removed since boot; rewrite from scratch.
		data = []byte("{}")
	}

	updated, err := sjson.SetBytes(data, "loadBalancingMode", mode)
	if err != nil {
		return fmt.Errorf("failed to update loadBalancingMode: %w", err)
	}

	if err := os.WriteFile(c.path, updated, 0600); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", c.path, err)
	}

	c.LoadBalancingMode = mode
	return nil
}

// HasAdminKey reports whether a usable admin API key is configured.
// An empty or whitespace-only key disables the admin surface entirely.
func (c *Config) HasAdminKey() bool {
	return strings.TrimSpace(c.AdminAPIKey) != ""
}
