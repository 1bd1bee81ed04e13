package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/viper"
)

type Config struct {
	Port     string `mapstructure:"PORT"`
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	AuthMode       string `mapstructure:"AUTH_MODE"`
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`

	JournalDriver  string        `mapstructure:"JOURNAL_DRIVER"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL"`
	SQLitePath     string        `mapstructure:"SQLITE_PATH"`
	DBMaxConns     int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32         `mapstructure:"DB_MIN_CONNS"`
	IdempotencyTTL time.Duration `mapstructure:"IDEMPOTENCY_TTL"`

	MLLPAddr           string `mapstructure:"MLLP_ADDR"`
	MLLPMaxConnections int    `mapstructure:"MLLP_MAX_CONNECTIONS"`
	BatchWorkers       int    `mapstructure:"BATCH_WORKERS"`
	BatchMaxItems      int    `mapstructure:"BATCH_MAX_ITEMS"`
	BodyLimit          string `mapstructure:"BODY_LIMIT"`
	BatchBodyLimit     string `mapstructure:"BATCH_BODY_LIMIT"`

	RateLimitRPS   float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `mapstructure:"RATE_LIMIT_BURST"`

	ResolverCaps    string `mapstructure:"RESOLVER_CAPS"`
	SendingApp      string `mapstructure:"SENDING_APP"`
	SendingFacility string `mapstructure:"SENDING_FACILITY"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL",
	"AUTH_MODE", "AUTH_SIGNING_KEY", "AUTH_ISSUER", "AUTH_AUDIENCE",
	"JOURNAL_DRIVER", "DATABASE_URL", "SQLITE_PATH", "DB_MAX_CONNS", "DB_MIN_CONNS", "IDEMPOTENCY_TTL",
	"MLLP_ADDR", "MLLP_MAX_CONNECTIONS", "BATCH_WORKERS", "BATCH_MAX_ITEMS", "BODY_LIMIT", "BATCH_BODY_LIMIT",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"RESOLVER_CAPS", "SENDING_APP", "SENDING_FACILITY",
}

// Load reads .env when present, then the environment. It does not validate;
// callers that start servers call Validate.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("AUTH_MODE", "") // "" -> inferred from ENV
	v.SetDefault("JOURNAL_DRIVER", "memory")
	v.SetDefault("SQLITE_PATH", "hl7bridge.db")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("IDEMPOTENCY_TTL", "24h")
	v.SetDefault("MLLP_ADDR", "")
	v.SetDefault("MLLP_MAX_CONNECTIONS", 64)
	v.SetDefault("BATCH_WORKERS", 0) // 0 -> max(GOMAXPROCS, 2)
	v.SetDefault("BATCH_MAX_ITEMS", 1000)
	v.SetDefault("BODY_LIMIT", "10M")
	v.SetDefault("BATCH_BODY_LIMIT", "50M")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("SENDING_APP", "HL7BRIDGE")
	v.SetDefault("SENDING_FACILITY", "")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.JournalDriver = strings.ToLower(cfg.JournalDriver)
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns AUTH_MODE when set. Otherwise development
// environments get "development" and everything else "jwt".
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	return "jwt"
}

// Validate checks that the configuration is safe to serve with.
func (c *Config) Validate() error {
	switch mode := c.ResolvedAuthMode(); mode {
	case "development":
		if c.IsProduction() {
			return fmt.Errorf("AUTH_MODE=development is not allowed when ENV=production")
		}
	case "jwt":
		if len(c.AuthSigningKey) < 32 {
			return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes when AUTH_MODE is \"jwt\"")
		}
	default:
		return fmt.Errorf("AUTH_MODE must be \"development\" or \"jwt\", got %q", mode)
	}

	switch c.JournalDriver {
	case "memory":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when JOURNAL_DRIVER is \"postgres\"")
		}
		if c.DBMinConns > c.DBMaxConns {
			return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
		}
	case "sqlite":
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required when JOURNAL_DRIVER is \"sqlite\"")
		}
	default:
		return fmt.Errorf("JOURNAL_DRIVER must be \"memory\", \"postgres\", or \"sqlite\", got %q", c.JournalDriver)
	}

	for name, v := range map[string]string{"BODY_LIMIT": c.BodyLimit, "BATCH_BODY_LIMIT": c.BatchBodyLimit} {
		if v == "" {
			continue
		}
		if n, err := humanize.ParseBytes(v); err != nil || n == 0 {
			return fmt.Errorf("%s must be a positive size such as \"10M\", got %q", name, v)
		}
	}
	if c.MLLPAddr != "" && c.MLLPMaxConnections <= 0 {
		return fmt.Errorf("MLLP_MAX_CONNECTIONS must be positive, got %d", c.MLLPMaxConnections)
	}
	if c.BatchWorkers < 0 {
		return fmt.Errorf("BATCH_WORKERS must not be negative, got %d", c.BatchWorkers)
	}
	if c.BatchMaxItems <= 0 {
		return fmt.Errorf("BATCH_MAX_ITEMS must be positive, got %d", c.BatchMaxItems)
	}
	if c.IdempotencyTTL < 0 {
		return fmt.Errorf("IDEMPOTENCY_TTL must not be negative, got %s", c.IdempotencyTTL)
	}
	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must not be negative")
	}
	return nil
}
