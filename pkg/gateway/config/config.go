//
//  Copyright © Maatini. All rights reserved.
//

// Package config provides configuration management for the gateway using
// [Viper] for flexible configuration sources.
//
// Configuration can be provided via:
//   - YAML configuration files
//   - Environment variables with the AUTHGATE_ prefix
//   - Programmatic defaults
//
// By default the gateway looks for authgate-config.yaml in the current
// directory. Override the location using environment variables:
//
//	AUTHGATE_CONFIG_PATH=/etc/authgate
//	AUTHGATE_CONFIG_FILENAME=production-config
//
// All keys can be set via environment variables with the AUTHGATE_ prefix;
// dots in key names become underscores:
//
//	AUTHGATE_AUTH_ENABLED=false
//	AUTHGATE_OPA_MODE=external
//	AUTHGATE_PROXY_TARGET_PORT=9090
//
// The loaded snapshot is unmarshalled once into an immutable [Config]
// value at startup and never mutated afterwards; policy artifacts are the
// only hot-reloadable surface.
//
// [Viper]: https://github.com/spf13/viper
package config

import (
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Environment variable constants for configuration loading.
const (
	// EnvVarPrefix is the prefix for all gateway environment variables.
	EnvVarPrefix = "AUTHGATE"

	// ConfigPathEnv specifies the directory containing the config file.
	ConfigPathEnv = "AUTHGATE_CONFIG_PATH"

	// ConfigFileNameEnv specifies the config file name (without extension).
	ConfigFileNameEnv = "AUTHGATE_CONFIG_FILENAME"

	// ConfigDefaultPath is the default directory to search for config files.
	ConfigDefaultPath = "."

	// ConfigDefaultFilename is the default config file name (without extension).
	ConfigDefaultFilename = "authgate-config"
)

// Config is the immutable configuration record for one gateway process.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Proxy     ProxyConfig     `mapstructure:"proxy"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Authz     AuthzConfig     `mapstructure:"authz"`
	Opa       OpaConfig       `mapstructure:"opa"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Log       LogConfig       `mapstructure:"log"`
}

// ServerConfig holds the inbound listener settings.
type ServerConfig struct {
	Port          int           `mapstructure:"port"`
	RequestBudget time.Duration `mapstructure:"request_budget"`
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
}

// ProxyConfig holds forwarding settings for the loopback backend.
type ProxyConfig struct {
	Target           TargetConfig      `mapstructure:"target"`
	Timeout          TimeoutConfig     `mapstructure:"timeout"`
	PropagateHeaders []string          `mapstructure:"propagate_headers"`
	AddHeaders       map[string]string `mapstructure:"add_headers"`
}

// TargetConfig identifies the backend the gateway fronts.
type TargetConfig struct {
	Host   string `mapstructure:"host"`
	Port   int    `mapstructure:"port"`
	Scheme string `mapstructure:"scheme"`
}

// TimeoutConfig holds proxy timeouts.
type TimeoutConfig struct {
	Connect time.Duration `mapstructure:"connect"`
	Read    time.Duration `mapstructure:"read"`
}

// AuthConfig holds authentication settings.
type AuthConfig struct {
	Enabled     bool                    `mapstructure:"enabled"`
	PublicPaths []string                `mapstructure:"public_paths"`
	Token       TokenConfig             `mapstructure:"token"`
	JwksRefresh time.Duration           `mapstructure:"jwks_refresh"`
	Tenants     map[string]TenantConfig `mapstructure:"tenants"`
}

// TokenConfig controls bearer token extraction.
type TokenConfig struct {
	HeaderName   string `mapstructure:"header_name"`
	HeaderPrefix string `mapstructure:"header_prefix"`
	CookieName   string `mapstructure:"cookie_name"`
	QueryParam   string `mapstructure:"query_param"`
}

// TenantConfig is one IdP verification profile.
type TenantConfig struct {
	Issuer     string   `mapstructure:"issuer"`
	Audiences  []string `mapstructure:"audiences"`
	JwksURL    string   `mapstructure:"jwks_url"`
	Algorithms []string `mapstructure:"algorithms"`
}

// AuthzConfig holds authorization settings.
type AuthzConfig struct {
	Enabled      bool               `mapstructure:"enabled"`
	RolesService RolesServiceConfig `mapstructure:"roles_service"`
}

// RolesServiceConfig configures the external roles/permissions service
// client.
type RolesServiceConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	BaseURL      string        `mapstructure:"base_url"`
	CacheEnabled bool          `mapstructure:"cache_enabled"`
	CacheTTL     time.Duration `mapstructure:"cache_ttl"`
}

// OpaConfig holds policy engine settings.
type OpaConfig struct {
	Enabled  bool              `mapstructure:"enabled"`
	Mode     string            `mapstructure:"mode"` // "embedded" or "external"
	External ExternalOpaConfig `mapstructure:"external"`
	Embedded EmbeddedOpaConfig `mapstructure:"embedded"`
	Package  string            `mapstructure:"package"`
	Rule     string            `mapstructure:"rule"`
	CacheTTL time.Duration     `mapstructure:"cache_ttl"`
}

// ExternalOpaConfig configures the remote decision service.
type ExternalOpaConfig struct {
	URL          string        `mapstructure:"url"`
	DecisionPath string        `mapstructure:"decision_path"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// EmbeddedOpaConfig configures the in-process evaluator.
type EmbeddedOpaConfig struct {
	// PolicyDirs are candidate policy directories; the first that exists
	// is used. Typically a bind-mount path followed by a dev source path.
	PolicyDirs     []string      `mapstructure:"policy_dirs"`
	ReloadDebounce time.Duration `mapstructure:"reload_debounce"`
}

// RateLimitConfig holds the token-bucket parameters.
type RateLimitConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	BurstSize         int     `mapstructure:"burst_size"`
}

// AuditConfig holds audit logging settings.
type AuditConfig struct {
	Enabled          bool     `mapstructure:"enabled"`
	SensitiveHeaders []string `mapstructure:"sensitive_headers"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is a "module:level" list, e.g. ".:info,policy:debug".
	Level string `mapstructure:"level"`
}

func getConfigPath() string {
	if p, ok := os.LookupEnv(ConfigPathEnv); ok {
		return p
	}
	return ConfigDefaultPath
}

func getConfigFileName() string {
	if n, ok := os.LookupEnv(ConfigFileNameEnv); ok {
		return n
	}
	return ConfigDefaultFilename
}

// NewViper creates a viper instance wired with the gateway's file
// discovery, env binding and defaults, without reading any file yet.
func NewViper() *viper.Viper {
	v := viper.New()

	v.AddConfigPath(getConfigPath())
	v.SetConfigName(getConfigFileName())
	v.SetConfigType("yaml")

	v.SetEnvPrefix(EnvVarPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_budget", 10*time.Second)
	v.SetDefault("server.shutdown_grace", 15*time.Second)

	v.SetDefault("proxy.target.host", "localhost")
	v.SetDefault("proxy.target.port", 8081)
	v.SetDefault("proxy.target.scheme", "http")
	v.SetDefault("proxy.timeout.connect", 5*time.Second)
	v.SetDefault("proxy.timeout.read", 30*time.Second)
	v.SetDefault("proxy.propagate_headers", []string{
		"X-Request-ID", "X-Correlation-ID", "X-Forwarded-For", "X-Forwarded-Proto",
	})

	v.SetDefault("auth.enabled", true)
	v.SetDefault("auth.public_paths", []string{})
	v.SetDefault("auth.token.header_name", "Authorization")
	v.SetDefault("auth.token.header_prefix", "Bearer")
	v.SetDefault("auth.token.cookie_name", "access_token")
	v.SetDefault("auth.token.query_param", "token")
	v.SetDefault("auth.jwks_refresh", 5*time.Minute)

	v.SetDefault("authz.enabled", true)
	v.SetDefault("authz.roles_service.enabled", true)
	v.SetDefault("authz.roles_service.base_url", "http://localhost:8090")
	v.SetDefault("authz.roles_service.cache_enabled", true)
	v.SetDefault("authz.roles_service.cache_ttl", 300*time.Second)

	v.SetDefault("opa.enabled", true)
	v.SetDefault("opa.mode", "embedded")
	v.SetDefault("opa.package", "authz")
	v.SetDefault("opa.rule", "allow")
	v.SetDefault("opa.cache_ttl", 30*time.Second)
	v.SetDefault("opa.external.url", "http://localhost:8181")
	v.SetDefault("opa.external.decision_path", "/v1/data/authz/allow")
	v.SetDefault("opa.external.timeout", 5*time.Second)
	v.SetDefault("opa.embedded.policy_dirs", []string{"/policies", "policies"})
	v.SetDefault("opa.embedded.reload_debounce", 500*time.Millisecond)

	v.SetDefault("ratelimit.enabled", false)
	v.SetDefault("ratelimit.requests_per_second", 100)
	v.SetDefault("ratelimit.burst_size", 200)

	v.SetDefault("audit.enabled", true)
	v.SetDefault("audit.sensitive_headers", []string{"Authorization", "Cookie", "X-Api-Key"})

	v.SetDefault("log.level", ".:info")
}

// Load reads the configuration file (when present) and unmarshals the
// merged result into a Config. A missing config file is not an error; the
// defaults plus environment variables apply.
func Load() (*Config, error) {
	v := NewViper()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "reading config file")
		}
	}

	return unmarshal(v)
}

// FromViper unmarshals an explicit viper instance into a Config. Intended
// for tests that assemble configuration programmatically.
func FromViper(v *viper.Viper) (*Config, error) {
	return unmarshal(v)
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshalling config")
	}
	if cfg.Opa.Mode != "embedded" && cfg.Opa.Mode != "external" {
		return nil, errors.Errorf("unsupported opa mode: %s", cfg.Opa.Mode)
	}
	return &cfg, nil
}
