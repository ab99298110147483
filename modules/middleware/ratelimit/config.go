package ratelimit

import (
	"errors"
	"fmt"
	"time"
)

type KeyStrategyId string

const (
	RemoteIpKeyStrategy     KeyStrategyId = "remote_ip"
	ForwardedForKeyStrategy KeyStrategyId = "forwarded_for"
	HeaderKeyStrategy       KeyStrategyId = "header"
	UserKeyStrategy         KeyStrategyId = "user"
)

// Config is the admission control configuration, read with the ADMISSION_ prefix.
type Config struct {
	Limit       int64         `env:"LIMIT" envDefault:"50"`
	Window      time.Duration `env:"WINDOW" envDefault:"60s"`
	KeyStrategy KeyStrategyId `env:"KEY_STRATEGY" envDefault:"remote_ip"`
	// KeyHeader is read by the header strategy only.
	KeyHeader string `env:"KEY_HEADER" envDefault:"X-API-Key"`

	Shards        int           `env:"SHARDS" envDefault:"64"`
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m"`
	SweepGrace    time.Duration `env:"SWEEP_GRACE" envDefault:"0s"`
}

func (c Config) Validate() error {
	var errs []error
	if c.Limit <= 0 {
		errs = append(errs, fmt.Errorf("ADMISSION_LIMIT must be > 0, got %d", c.Limit))
	}
	if c.Window <= 0 {
		errs = append(errs, fmt.Errorf("ADMISSION_WINDOW must be > 0, got %s", c.Window))
	}
	switch c.KeyStrategy {
	case RemoteIpKeyStrategy, ForwardedForKeyStrategy, UserKeyStrategy:
	case HeaderKeyStrategy:
		if c.KeyHeader == "" {
			errs = append(errs, errors.New("ADMISSION_KEY_HEADER is required for the header key strategy"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown ADMISSION_KEY_STRATEGY %q", c.KeyStrategy))
	}
	if c.Shards < 0 {
		errs = append(errs, fmt.Errorf("ADMISSION_SHARDS must be >= 0, got %d", c.Shards))
	}
	if c.SweepInterval < 0 || c.SweepGrace < 0 {
		errs = append(errs, errors.New("ADMISSION_SWEEP_INTERVAL and ADMISSION_SWEEP_GRACE must not be negative"))
	}
	return errors.Join(errs...)
}
