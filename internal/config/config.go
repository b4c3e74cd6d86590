package config

import (
	"fmt"
	"time"
	_ "time/tzdata"

	"github.com/kelseyhightower/envconfig"
)

const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
)

type Config struct {
	App struct {
		Name string `envconfig:"APP_NAME" default:"Cobranca"`
		Port int    `envconfig:"PORT" default:"8080"`
	}

	DB struct {
		Host     string `envconfig:"DB_HOST" default:"localhost"`
		Port     int    `envconfig:"DB_PORT" default:"5432"`
		User     string `envconfig:"DB_USER" default:"postgres"`
		Password string `envconfig:"DB_PASSWORD" default:""`
		Name     string `envconfig:"DB_NAME" default:"cobranca"`
		Migrate  bool   `envconfig:"DB_MIGRATE" default:"false"`
	}

	Storage struct {
		Driver string `envconfig:"STORAGE_DRIVER" default:"postgres"`
	}

	Server struct {
		Timeout time.Duration `envconfig:"SERVER_TIMEOUT" default:"30s"`
	}

	Remittance struct {
		Timeout time.Duration `envconfig:"REMITTANCE_TIMEOUT" default:"30s"`
		Layout  string        `envconfig:"REMITTANCE_LAYOUT" default:"textfile"`
	}

	Billing struct {
		InstrumentPrefix string `envconfig:"INSTRUMENT_PREFIX" default:"BLT"`
		Timezone         string `envconfig:"BILLING_TIMEZONE" default:"America/Sao_Paulo"`
	}

	Redis struct {
		// Addr enables distributed locks when set.
		Addr    string        `envconfig:"REDIS_ADDR"`
		LockTTL time.Duration `envconfig:"LOCK_TTL" default:"2m"`
	}

	Auth struct {
		// JWTSecret enables bearer token verification when set.
		JWTSecret string `envconfig:"AUTH_JWT_SECRET"`
	}

	CORS struct {
		AllowedOrigins []string `envconfig:"CORS_ALLOWED_ORIGINS"`
	}
}

func (c *Config) ConnectionString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.DB.User, c.DB.Password, c.DB.Host, c.DB.Port, c.DB.Name)
}

// Location resolves BILLING_TIMEZONE.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Billing.Timezone)
	if err != nil {
		return nil, fmt.Errorf("loading billing timezone %q: %w", c.Billing.Timezone, err)
	}

	return loc, nil
}

func (c *Config) validate() error {
	switch c.Storage.Driver {
	case StorageMemory, StoragePostgres:
	default:
		return fmt.Errorf("unknown STORAGE_DRIVER %q", c.Storage.Driver)
	}

	if _, err := c.Location(); err != nil {
		return err
	}

	return nil
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}
