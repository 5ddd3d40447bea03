package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the KeyHive server.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Token    TokenConfig
	Admin    AdminConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

// TokenConfig drives drop-off/pickup code minting and magic links.
type TokenConfig struct {
	Secret       string
	CodeLength   int
	PickupTTL    time.Duration
	MagicLinkTTL time.Duration
}

// AdminConfig seeds the bootstrap admin API key on first start so the
// platform operator can create further actors and keys.
type AdminConfig struct {
	BootstrapKey string
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("KEYHIVE_PORT", 8080),
			Env:  envString("KEYHIVE_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Token: TokenConfig{
			Secret:       os.Getenv("KEYHIVE_TOKEN_SECRET"),
			CodeLength:   envInt("KEYHIVE_CODE_LENGTH", 8),
			PickupTTL:    envDuration("KEYHIVE_PICKUP_CODE_TTL", 72*time.Hour),
			MagicLinkTTL: envDuration("KEYHIVE_MAGIC_LINK_TTL", 24*time.Hour),
		},
		Admin: AdminConfig{
			BootstrapKey: os.Getenv("KEYHIVE_BOOTSTRAP_ADMIN_KEY"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Token.Secret == "" {
		return fmt.Errorf("KEYHIVE_TOKEN_SECRET is required")
	}
	if len(c.Token.Secret) < 32 {
		return fmt.Errorf("KEYHIVE_TOKEN_SECRET must be at least 32 bytes, got %d", len(c.Token.Secret))
	}

	if c.Token.CodeLength < 6 || c.Token.CodeLength > 16 {
		return fmt.Errorf("KEYHIVE_CODE_LENGTH must be between 6 and 16, got %d", c.Token.CodeLength)
	}
	if c.Token.PickupTTL <= 0 {
		return fmt.Errorf("KEYHIVE_PICKUP_CODE_TTL must be positive, got %s", c.Token.PickupTTL)
	}
	if c.Token.MagicLinkTTL <= 0 {
		return fmt.Errorf("KEYHIVE_MAGIC_LINK_TTL must be positive, got %s", c.Token.MagicLinkTTL)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
