package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type ServerConfig struct {
	Port            string        `mapstructure:"port"`
	Env             string        `mapstructure:"env"`
	Debug           bool          `mapstructure:"debug"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	// Path is the sqlite file; ":memory:" keeps everything in process
	Path string `mapstructure:"path"`
}

type Client struct {
	APIKey      string   `mapstructure:"api_key"`
	APISecret   string   `mapstructure:"api_secret"`
	Permissions []string `mapstructure:"permissions"`
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
	Clients   []Client      `mapstructure:"clients"`
}

type NettingConfig struct {
	// Epsilon is the tolerated position imbalance in minor units
	Epsilon        int64         `mapstructure:"epsilon"`
	ResidualPolicy string        `mapstructure:"residual_policy"`
	IdempotencyTTL time.Duration `mapstructure:"idempotency_ttl"`

	// Expired idempotency keys are purged this long after expiry
	IdempotencyRetention time.Duration `mapstructure:"idempotency_retention"`
	SweepInterval        time.Duration `mapstructure:"sweep_interval"`
}

// RateLimitConfig holds requests per minute per client for each route family
type RateLimitConfig struct {
	Auth  float64 `mapstructure:"auth"`
	Write float64 `mapstructure:"write"`
	Read  float64 `mapstructure:"read"`
}

type Config struct {
	Server      ServerConfig    `mapstructure:"server"`
	Database    DatabaseConfig  `mapstructure:"database"`
	Auth        AuthConfig      `mapstructure:"auth"`
	Netting     NettingConfig   `mapstructure:"netting"`
	RateLimit   RateLimitConfig `mapstructure:"rate_limit"`
	MetricsPath string          `mapstructure:"metrics_path"`
}

// Load reads path (if it exists) and then KLEAR_ prefixed environment
// variables, e.g. KLEAR_SERVER_PORT or KLEAR_NETTING_EPSILON.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("KLEAR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret must be set")
	}
	if c.Auth.TokenTTL <= 0 {
		return errors.New("auth.token_ttl must be positive")
	}
	if c.Netting.Epsilon < 0 {
		return errors.New("netting.epsilon must not be negative")
	}
	if c.Netting.SweepInterval <= 0 {
		return errors.New("netting.sweep_interval must be positive")
	}
	switch c.Netting.ResidualPolicy {
	case "largest", "reject":
	default:
		return fmt.Errorf("netting.residual_policy %q must be largest or reject", c.Netting.ResidualPolicy)
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.env", "development")
	v.SetDefault("server.debug", false)
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.shutdown_timeout", "5s")

	v.SetDefault("database.path", "netting.db")

	v.SetDefault("auth.jwt_secret", "klear-secret-key")
	v.SetDefault("auth.token_ttl", "24h")
	v.SetDefault("auth.clients", []map[string]interface{}{
		{"api_key": "test-api-key", "api_secret": "test-api-secret", "permissions": []string{"netting:operate"}},
		{"api_key": "test-approver-key", "api_secret": "test-approver-secret", "permissions": []string{"netting:operate", "netting:approve"}},
	})

	v.SetDefault("netting.epsilon", 0)
	v.SetDefault("netting.residual_policy", "largest")
	v.SetDefault("netting.idempotency_ttl", "24h")
	v.SetDefault("netting.idempotency_retention", "168h")
	v.SetDefault("netting.sweep_interval", "1h")

	v.SetDefault("rate_limit.auth", 10)
	v.SetDefault("rate_limit.write", 100)
	v.SetDefault("rate_limit.read", 1000)

	v.SetDefault("metrics_path", "/metrics")
}
