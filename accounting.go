package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"diarygate/modules/appconfig"
	"diarygate/modules/db/postgres"
	"diarygate/modules/db/redis"
	"diarygate/modules/usage"
)

// accounting is the assembled usage stack and the resources it owns.
type accounting struct {
	Accountant usage.Accountant
	// Ledger backs the admin usage report; nil unless the memory backend is on.
	Ledger *usage.MemoryLedger

	closers []func(context.Context)
}

func newAccounting(ctx context.Context, cfg *appconfig.Config) (_ *accounting, err error) {
	a := &accounting{}
	defer func() {
		if err != nil {
			a.Close(ctx, time.Second)
		}
	}()

	var backends []usage.Accountant
	for _, name := range cfg.Usage.Backends {
		switch name {
		case usage.BackendMemory:
			a.Ledger = usage.NewMemoryLedger()
			backends = append(backends, a.Ledger)

		case usage.BackendLog:
			backends = append(backends, usage.NewLogAccountant(slog.Default()))

		case usage.BackendRedis:
			client, err := redis.NewClient(ctx, cfg.Redis)
			if err != nil {
				return nil, err
			}
			a.closers = append(a.closers, func(context.Context) { client.Close() })
			backends = append(backends, usage.NewRedisAccountant(client, cfg.Usage.RedisPrefix, cfg.Usage.RedisTTL))

		case usage.BackendPostgres:
			pool, err := postgres.New(ctx, cfg.Postgres, postgres.Options{
				Writer: []postgres.PoolOption{
					postgres.WithApplicationName(cfg.Otel.ServiceName + "-usage"),
					postgres.WithStatementTimeout(2 * time.Second),
				},
				// replicas sit behind pgBouncer, the primary does not
				Reader: []postgres.PoolOption{postgres.WithPgBouncerSimpleProtocol()},
			})
			if err != nil {
				return nil, err
			}
			a.closers = append(a.closers, func(context.Context) { pool.Shutdown() })
			if err := pool.HealthCheck(ctx); err != nil {
				return nil, fmt.Errorf("postgres health check: %w", err)
			}
			pg := usage.NewPostgresAccountant(pool.Writer())
			if err := pg.EnsureSchema(ctx); err != nil {
				return nil, err
			}
			backends = append(backends, pg)

		default:
			return nil, fmt.Errorf("unknown usage backend %q", name)
		}
	}

	acct := usage.Multi(backends...)
	if cfg.Usage.Async {
		async := usage.NewAsyncAccountant(acct, cfg.Usage.QueueSize, cfg.Usage.Workers)
		// drain before the backends go away
		a.closers = append(a.closers, func(ctx context.Context) {
			if err := async.Close(ctx); err != nil {
				slog.WarnContext(ctx, "usage queue not drained", slog.Any("error", err))
			}
		})
		acct = async
	}
	a.Accountant = acct
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *accounting) Close(ctx context.Context, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i](ctx)
	}
}
