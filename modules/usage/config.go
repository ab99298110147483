package usage

import (
	"errors"
	"fmt"
	"time"
)

const (
	BackendMemory   = "memory"
	BackendLog      = "log"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config is read with the USAGE_ prefix.
type Config struct {
	// Backends lists the accountants records fan out to.
	Backends []string `env:"BACKENDS" envDefault:"memory" envSeparator:","`
	// BaseCost is charged to every admitted request before handler charges.
	BaseCost int64 `env:"BASE_COST" envDefault:"1"`

	Async     bool `env:"ASYNC" envDefault:"true"`
	QueueSize int  `env:"QUEUE_SIZE" envDefault:"1024"`
	Workers   int  `env:"WORKERS" envDefault:"4"`

	RedisPrefix string        `env:"REDIS_PREFIX" envDefault:"diarygate"`
	RedisTTL    time.Duration `env:"REDIS_TTL" envDefault:"720h"`
}

func (c Config) Uses(backend string) bool {
	for _, b := range c.Backends {
		if b == backend {
			return true
		}
	}
	return false
}

func (c Config) Validate() error {
	var errs []error
	for _, b := range c.Backends {
		switch b {
		case BackendMemory, BackendLog, BackendRedis, BackendPostgres:
		default:
			errs = append(errs, fmt.Errorf("unknown USAGE_BACKENDS entry %q", b))
		}
	}
	if c.BaseCost < 0 {
		errs = append(errs, errors.New("USAGE_BASE_COST must not be negative"))
	}
	if c.Async && (c.QueueSize <= 0 || c.Workers <= 0) {
		errs = append(errs, errors.New("USAGE_QUEUE_SIZE and USAGE_WORKERS must be > 0 when USAGE_ASYNC is set"))
	}
	return errors.Join(errs...)
}
