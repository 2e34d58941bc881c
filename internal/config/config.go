// Package config loads gateway configuration from a YAML file and
// GATEWAY_-prefixed environment variables.
package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/pysugar/completion-gateway/internal/proxy/middleware"
)

// EnvPrefix is the prefix of environment overrides, e.g. GATEWAY_SERVER_PORT.
const EnvPrefix = "GATEWAY_"

type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Log      LogConfig      `koanf:"log"`
	Database DatabaseConfig `koanf:"database"`
	Redis    RedisConfig    `koanf:"redis"`
	Ledger   LedgerConfig   `koanf:"ledger"`
	Vault    VaultConfig    `koanf:"vault"`
	Catalog  CatalogConfig  `koanf:"catalog"`
	Upstream UpstreamConfig `koanf:"upstream"`
	Bedrock  BedrockConfig  `koanf:"bedrock"`
	Metrics  MetricsConfig  `koanf:"metrics"`
	Audit    AuditConfig    `koanf:"audit"`
}

type ServerConfig struct {
	Host              string        `koanf:"host"`
	Port              int           `koanf:"port"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	// TrustedProxies may set the caller address through X-Forwarded-For
	// or X-Real-IP. Empty means the socket peer is always the caller.
	TrustedProxies    []string      `koanf:"trusted_proxies"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

type DatabaseConfig struct {
	Path string `koanf:"path"`
	Seed string `koanf:"seed"` // optional YAML file of records applied at startup
}

type RedisConfig struct {
	Addrs     []string `koanf:"addrs"`
	Password  string   `koanf:"password"`
	DB        int      `koanf:"db"`
	KeyPrefix string   `koanf:"key_prefix"`
}

type LedgerConfig struct {
	Backend string `koanf:"backend"` // "redis" or "memory"
}

type VaultConfig struct {
	Key string `koanf:"key"` // hex-encoded AES-256 key; empty stores configs unsealed
}

type CatalogConfig struct {
	Path string `koanf:"path"`
}

type UpstreamConfig struct {
	Timeout           time.Duration `koanf:"timeout"`
	ImageFetchTimeout time.Duration `koanf:"image_fetch_timeout"`
	MaxImageBytes     int64         `koanf:"max_image_bytes"`
}

type BedrockConfig struct {
	CredentialCacheSize int `koanf:"credential_cache_size"`
}

type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Path    string `koanf:"path"`
}

type AuditConfig struct {
	Enabled bool `koanf:"enabled"`
	Recent  int  `koanf:"recent"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              "127.0.0.1",
			Port:              8080,
			ReadHeaderTimeout: 10 * time.Second,
		},
		Log:      LogConfig{Level: "info", Format: "json"},
		Database: DatabaseConfig{Path: "gateway.db"},
		Redis:    RedisConfig{Addrs: []string{"localhost:6379"}},
		Ledger:   LedgerConfig{Backend: "redis"},
		Upstream: UpstreamConfig{
			Timeout:           180 * time.Second,
			ImageFetchTimeout: 30 * time.Second,
			MaxImageBytes:     20 << 20,
		},
		Bedrock: BedrockConfig{CredentialCacheSize: 256},
		Metrics: MetricsConfig{Enabled: true, Path: "/metrics"},
		Audit:   AuditConfig{Enabled: true, Recent: 100},
	}
}

// Load reads configPath (optional) and applies environment overrides.
func Load(configPath string) (*Config, error) {
	cfg := defaultConfig()

	k := koanf.New(".")

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{
		DecoderConfig: &mapstructure.DecoderConfig{
			TagName:          "koanf",
			WeaklyTypedInput: true,
			Result:           cfg,
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
			),
		},
	}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// envKey maps GATEWAY_SERVER_PORT to server.port; a double underscore keeps
// a literal underscore (GATEWAY_REDIS_KEY__PREFIX -> redis.key_prefix).
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	s = strings.ReplaceAll(s, "__", "%UNDERSCORE%")
	s = strings.ReplaceAll(s, "_", ".")
	return strings.ReplaceAll(s, "%UNDERSCORE%", "_")
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if _, err := middleware.ParseTrustedProxies(c.Server.TrustedProxies); err != nil {
		return fmt.Errorf("server.trusted_proxies: %w", err)
	}
	switch c.Ledger.Backend {
	case "memory":
	case "redis":
		if len(c.Redis.Addrs) == 0 {
			return fmt.Errorf("redis.addrs is required when ledger.backend is redis")
		}
	default:
		return fmt.Errorf("ledger.backend must be redis or memory, got %q", c.Ledger.Backend)
	}
	if c.Vault.Key != "" {
		key, err := hex.DecodeString(c.Vault.Key)
		if err != nil || len(key) != 32 {
			return fmt.Errorf("vault.key must be 64 hex characters")
		}
	}
	if c.Bedrock.CredentialCacheSize <= 0 {
		return fmt.Errorf("bedrock.credential_cache_size must be positive")
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /")
	}
	return nil
}

// Addr returns host:port for the HTTP listener.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
