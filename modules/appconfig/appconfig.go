package appconfig

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"diarygate/modules/db/postgres"
	"diarygate/modules/db/redis"
	"diarygate/modules/hmac"
	"diarygate/modules/middleware/ratelimit"
	"diarygate/modules/telemetry"
	"diarygate/modules/usage"

	"github.com/caarlos0/env/v11"
)

type (
	Config struct {
		Env      string     `env:"ENV" envDefault:"dev"`
		LogLevel slog.Level `env:"LOG_LEVEL" envDefault:"INFO"`

		HTTP HTTPConfig `envPrefix:"HTTP_"`

		// --- core infra ----
		Session  hmac.HMACConfig `envPrefix:"SESSION_"`
		Redis    redis.Config    `envPrefix:"REDIS_"`
		Postgres postgres.Config `envPrefix:"POSTGRES_"`

		// --- protection pipeline ----
		Admission ratelimit.Config `envPrefix:"ADMISSION_"`
		Usage     usage.Config     `envPrefix:"USAGE_"`

		// --- otel ----
		// since it has special naming conventions, we do not use prefix here
		Otel telemetry.Config
	}

	HTTPConfig struct {
		Host            string        `env:"HOST" envDefault:"0.0.0.0"`
		Port            int           `env:"PORT" envDefault:"8080"`
		ReadTimeout     time.Duration `env:"READ_TIMEOUT" envDefault:"10s"`
		WriteTimeout    time.Duration `env:"WRITE_TIMEOUT" envDefault:"30s"`
		ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	}
)

const minProdSecretLen = 32

func Load() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, err
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(c *Config) error {
	errs := []error{
		c.Admission.Validate(),
		c.Usage.Validate(),
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("HTTP_PORT out of range: %d", c.HTTP.Port))
	}
	if c.Env == "prod" && len(c.Session.Secret) < minProdSecretLen {
		errs = append(errs, fmt.Errorf("SESSION_SECRET must be at least %d bytes in prod", minProdSecretLen))
	}
	return errors.Join(errs...)
}
