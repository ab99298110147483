package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Execer is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Querier is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

const usageEventsDDL = `
CREATE TABLE IF NOT EXISTS usage_events (
	id          BIGSERIAL PRIMARY KEY,
	admission_key TEXT NOT NULL,
	subject     TEXT NOT NULL DEFAULT '',
	method      TEXT NOT NULL,
	route       TEXT NOT NULL,
	status      INTEGER NOT NULL,
	units       BIGINT NOT NULL,
	duration_ms BIGINT NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS usage_events_key_time_idx ON usage_events (admission_key, recorded_at);
`

const insertUsageEvent = `
INSERT INTO usage_events (admission_key, subject, method, route, status, units, duration_ms, recorded_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

const selectTotalsSince = `
SELECT admission_key, COUNT(*), COALESCE(SUM(units), 0),
       COUNT(*) FILTER (WHERE status >= 500), MAX(recorded_at)
FROM usage_events
WHERE recorded_at >= $1
GROUP BY admission_key`

// PostgresAccountant appends every record to the usage_events table.
type PostgresAccountant struct {
	db Execer
}

var _ Accountant = (*PostgresAccountant)(nil)

func NewPostgresAccountant(db Execer) *PostgresAccountant {
	return &PostgresAccountant{db: db}
}

// EnsureSchema creates the usage_events table when missing.
func (p *PostgresAccountant) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, usageEventsDDL); err != nil {
		return fmt.Errorf("usage: ensure schema: %w", err)
	}
	return nil
}

func (p *PostgresAccountant) Record(ctx context.Context, rec Record) error {
	_, err := p.db.Exec(ctx, insertUsageEvent,
		rec.Key,
		rec.Subject,
		rec.Method,
		rec.Route,
		rec.Status,
		rec.Units,
		rec.Duration.Milliseconds(),
		rec.At.UTC(),
	)
	if err != nil {
		return fmt.Errorf("usage: postgres record: %w", err)
	}
	return nil
}

// TotalsSince aggregates usage_events per key from since onwards.
func (p *PostgresAccountant) TotalsSince(ctx context.Context, since time.Time) (map[string]Totals, error) {
	q, ok := p.db.(Querier)
	if !ok {
		return nil, errors.New("usage: postgres handle cannot query")
	}
	rows, err := q.Query(ctx, selectTotalsSince, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("usage: postgres totals: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Totals)
	for rows.Next() {
		var (
			key string
			t   Totals
		)
		if err := rows.Scan(&key, &t.Requests, &t.Units, &t.Faults, &t.LastSeen); err != nil {
			return nil, fmt.Errorf("usage: postgres totals scan: %w", err)
		}
		out[key] = t
	}
	return out, rows.Err()
}
