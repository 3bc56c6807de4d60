// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback for the email monitor.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	defaultTimeoutSeconds  = 30
	defaultDedupTTLSeconds = 86400
)

// Config holds the complete application configuration.
type Config struct {
	Dispatcher string          `yaml:"dispatcher"`
	Endpoints  EndpointsConfig `yaml:"endpoints"`
	Storage    StorageConfig   `yaml:"storage"`
	Forward    ForwardConfig   `yaml:"forward"`
	Dedup      DedupConfig     `yaml:"dedup"`
	Logging    LoggingConfig   `yaml:"logging"`
}

// EndpointsConfig holds the downstream API targets and their credential.
type EndpointsConfig struct {
	CompanyInviteURL string `yaml:"company_invite_url"`
	FirmInviteURL    string `yaml:"firm_invite_url"`
	FirmClientsURL   string `yaml:"firm_clients_url"`
	AuthToken        string `yaml:"auth_token"`
	AuthMode         string `yaml:"auth_mode"`
	TimeoutSeconds   int    `yaml:"timeout_seconds"`
}

// StorageConfig holds S3 access settings. Empty keys select the default
// AWS credential chain.
type StorageConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// ForwardConfig holds the SES settings for forwarding unroutable emails.
type ForwardConfig struct {
	Region          string   `yaml:"region"`
	AccessKeyID     string   `yaml:"access_key_id"`
	SecretAccessKey string   `yaml:"secret_access_key"`
	Sender          string   `yaml:"sender"`
	To              []string `yaml:"to"`
}

// DedupConfig holds the Redis duplicate-delivery guard settings.
type DedupConfig struct {
	RedisAddr  string `yaml:"redis_addr"`
	TTLSeconds int    `yaml:"ttl_seconds"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	cfg.applyEnvVars()

	return cfg, nil
}

// EndpointsConfigured returns true if at least one downstream API is set.
func (c *Config) EndpointsConfigured() bool {
	return c.Endpoints.CompanyInviteURL != "" ||
		c.Endpoints.FirmInviteURL != "" ||
		c.Endpoints.FirmClientsURL != ""
}

// ForwardConfigured returns true if a sender and at least one recipient are set.
func (c *Config) ForwardConfigured() bool {
	return c.Forward.Sender != "" && len(c.Forward.To) > 0
}

// DedupEnabled returns true if a Redis address is set.
func (c *Config) DedupEnabled() bool {
	return c.Dedup.RedisAddr != ""
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.Endpoints.AuthMode = "body"
	c.Endpoints.TimeoutSeconds = defaultTimeoutSeconds
	c.Dedup.TTLSeconds = defaultDedupTTLSeconds
	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() {
	if v := os.Getenv("DISPATCHER"); v != "" {
		c.Dispatcher = strings.ToLower(v)
	}

	if v := os.Getenv("COMPANY_INVITE_API"); v != "" {
		c.Endpoints.CompanyInviteURL = v
	}
	if v := os.Getenv("FIRM_INVITE_API"); v != "" {
		c.Endpoints.FirmInviteURL = v
	}
	if v := os.Getenv("FIRM_CLIENTS_API"); v != "" {
		c.Endpoints.FirmClientsURL = v
	}
	if v := os.Getenv("EMAIL_ENDPOINT_AUTH"); v != "" {
		c.Endpoints.AuthToken = v
	}
	if v := os.Getenv("EMAIL_ENDPOINT_AUTH_MODE"); v != "" {
		c.Endpoints.AuthMode = strings.ToLower(v)
	}
	if v := os.Getenv("EMAIL_ENDPOINT_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Endpoints.TimeoutSeconds = n
		}
	}

	if v := os.Getenv("STORAGE_REGION"); v != "" {
		c.Storage.Region = v
	}
	if v := os.Getenv("STORAGE_ACCESS_KEY_ID"); v != "" {
		c.Storage.AccessKeyID = v
	}
	if v := os.Getenv("STORAGE_SECRET_ACCESS_KEY"); v != "" {
		c.Storage.SecretAccessKey = v
	}

	if v := os.Getenv("FORWARD_REGION"); v != "" {
		c.Forward.Region = v
	}
	if v := os.Getenv("FORWARD_ACCESS_KEY_ID"); v != "" {
		c.Forward.AccessKeyID = v
	}
	if v := os.Getenv("FORWARD_SECRET_ACCESS_KEY"); v != "" {
		c.Forward.SecretAccessKey = v
	}
	if v := os.Getenv("FORWARD_SENDER"); v != "" {
		c.Forward.Sender = v
	}
	if v := os.Getenv("FORWARD_TO"); v != "" {
		c.Forward.To = splitList(v)
	}

	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Dedup.RedisAddr = v
	}
	if v := os.Getenv("DEDUP_TTL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Dedup.TTLSeconds = n
		}
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}

// splitList splits a comma-separated env value, dropping empty entries.
func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
