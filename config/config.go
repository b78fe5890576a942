package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"

	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"

	minSecretLength = 32
)

var placeholderSecrets = []string{
	"secret",
	"changeme",
	"change-me",
	"your-secret-key",
	"your-jwt-secret",
	"jwt-secret",
	"development-secret",
}

// Config holds all process settings
type Config struct {
	Env       string          `mapstructure:"env"`
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Store     StoreConfig     `mapstructure:"store"`
	Events    EventsConfig    `mapstructure:"events"`
	Sweep     SweepConfig     `mapstructure:"sweep"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	TrustedProxies  []string      `mapstructure:"trusted_proxies"`
}

// LogConfig contains logger settings
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// AuthConfig contains token and challenge settings
type AuthConfig struct {
	JWTSecret        string        `mapstructure:"jwt_secret"`
	Issuer           string        `mapstructure:"issuer"`
	SessionTTL       time.Duration `mapstructure:"session_ttl"`
	NonceTTL         time.Duration `mapstructure:"nonce_ttl"`
	WalletHeaderSkew time.Duration `mapstructure:"wallet_header_skew"`
	EnableEVM        bool          `mapstructure:"enable_evm"`
}

// StoreConfig selects the state backend
type StoreConfig struct {
	Backend     string `mapstructure:"backend"`
	RedisURL    string `mapstructure:"redis_url"`
	RedisPrefix string `mapstructure:"redis_prefix"`
	DatabaseURL string `mapstructure:"database_url"`
	MaxConns    int32  `mapstructure:"max_conns"`
}

// EventsConfig controls cross-instance revocation events
type EventsConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	RedisURL      string `mapstructure:"redis_url"`
	ConsumerGroup string `mapstructure:"consumer_group"`
}

// SweepConfig controls expired state cleanup
type SweepConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// RateLimitConfig holds per-wallet tier assignments as "wallet=tier" pairs
type RateLimitConfig struct {
	Tiers []string `mapstructure:"tiers"`
}

// TierMap parses the wallet=tier pairs
func (c RateLimitConfig) TierMap() (map[string]string, error) {
	out := make(map[string]string, len(c.Tiers))
	for _, pair := range c.Tiers {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		wallet, tier, ok := strings.Cut(pair, "=")
		if !ok || wallet == "" || tier == "" {
			return nil, fmt.Errorf("invalid tier assignment %q, want wallet=tier", pair)
		}
		out[strings.TrimSpace(wallet)] = strings.TrimSpace(tier)
	}
	return out, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", EnvProduction)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.trusted_proxies", []string{})

	v.SetDefault("log.level", "info")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "walletauth")
	v.SetDefault("auth.session_ttl", 24*time.Hour)
	v.SetDefault("auth.nonce_ttl", 5*time.Minute)
	v.SetDefault("auth.wallet_header_skew", 5*time.Minute)
	v.SetDefault("auth.enable_evm", false)

	v.SetDefault("store.backend", BackendMemory)
	v.SetDefault("store.redis_url", "")
	v.SetDefault("store.redis_prefix", "walletauth:")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.max_conns", 10)

	v.SetDefault("events.enabled", false)
	v.SetDefault("events.redis_url", "")
	v.SetDefault("events.consumer_group", "")

	v.SetDefault("sweep.interval", time.Minute)

	v.SetDefault("rate_limit.tiers", []string{})
}

// Load reads .env (if present), an optional config file named by
// WALLETAUTH_CONFIG and WALLETAUTH_* environment variables, then validates.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("WALLETAUTH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := os.Getenv("WALLETAUTH_CONFIG"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// IsDevelopment reports whether relaxed development defaults apply. The
// environment defaults to production, so development must be chosen explicitly.
func (c *Config) IsDevelopment() bool {
	return c.Env == EnvDevelopment
}

// Validate checks required settings. In development an empty JWT secret is
// replaced with a random one, so tokens do not survive a restart.
func (c *Config) Validate() error {
	if err := c.validateSecret(); err != nil {
		return err
	}

	if c.Auth.SessionTTL <= 0 || c.Auth.NonceTTL <= 0 || c.Auth.WalletHeaderSkew <= 0 {
		return errors.New("auth TTLs must be positive")
	}
	if c.Sweep.Interval <= 0 {
		return errors.New("sweep interval must be positive")
	}

	switch c.Store.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Store.RedisURL == "" {
			return errors.New("store.redis_url is required for the redis backend")
		}
	case BackendPostgres:
		if c.Store.DatabaseURL == "" {
			return errors.New("store.database_url is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}

	for _, proxy := range c.Server.TrustedProxies {
		if !validProxy(proxy) {
			return fmt.Errorf("invalid trusted proxy %q, want an IP or CIDR", proxy)
		}
	}

	if c.Events.Enabled && c.EventsRedisURL() == "" {
		return errors.New("events require events.redis_url or store.redis_url")
	}

	if _, err := c.RateLimit.TierMap(); err != nil {
		return err
	}

	return nil
}

func (c *Config) validateSecret() error {
	secret := strings.TrimSpace(c.Auth.JWTSecret)

	if c.IsDevelopment() {
		if secret == "" {
			buf := make([]byte, minSecretLength)
			if _, err := rand.Read(buf); err != nil {
				return fmt.Errorf("failed to generate development secret: %w", err)
			}
			c.Auth.JWTSecret = hex.EncodeToString(buf)
			slog.Warn("auth.jwt_secret not set, using a random development secret")
		}
		return nil
	}

	if secret == "" {
		return errors.New("auth.jwt_secret is required outside development")
	}
	for _, p := range placeholderSecrets {
		if strings.EqualFold(secret, p) {
			return errors.New("auth.jwt_secret is a placeholder value")
		}
	}
	if len(secret) < minSecretLength {
		return fmt.Errorf("auth.jwt_secret must be at least %d bytes", minSecretLength)
	}
	return nil
}

func validProxy(proxy string) bool {
	if strings.Contains(proxy, "/") {
		_, _, err := net.ParseCIDR(proxy)
		return err == nil
	}
	return net.ParseIP(proxy) != nil
}

// EventsRedisURL returns the redis URL used for revocation events
func (c *Config) EventsRedisURL() string {
	if c.Events.RedisURL != "" {
		return c.Events.RedisURL
	}
	return c.Store.RedisURL
}
