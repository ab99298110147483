package usage

import (
	"context"
	_ "embed"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/rueidis"
)

var (
	//go:embed usage_incr.lua
	usageIncrLua string

	// Atomically, on the daily hash of one key:
	// - units += ARGV[1], requests += 1, faults += ARGV[2]
	// - set the TTL the first time the hash is written
	luaUsageIncr = rueidis.NewLuaScript(usageIncrLua)
)

// RedisAccountant keeps daily per-key totals in Redis hashes named
// prefix + "usage:" + YYYY-MM-DD + ":" + key.
type RedisAccountant struct {
	client rueidis.Client
	prefix string
	ttl    time.Duration
}

var _ Accountant = (*RedisAccountant)(nil)

// NewRedisAccountant wraps client. prefix is optional; ttl <= 0 keeps buckets forever.
func NewRedisAccountant(client rueidis.Client, prefix string, ttl time.Duration) *RedisAccountant {
	if prefix != "" && prefix[len(prefix)-1] != ':' {
		prefix += ":"
	}
	return &RedisAccountant{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisAccountant) bucketKey(day, key string) string {
	return r.prefix + "usage:" + day + ":" + key
}

func (r *RedisAccountant) Record(ctx context.Context, rec Record) error {
	faulted := "0"
	if rec.Status >= 500 {
		faulted = "1"
	}
	res := luaUsageIncr.Exec(ctx, r.client,
		[]string{r.bucketKey(rec.Day(), rec.Key)},
		[]string{
			strconv.FormatInt(rec.Units, 10),
			faulted,
			strconv.FormatInt(max(r.ttl.Milliseconds(), 0), 10),
		},
	)
	if err := res.Error(); err != nil {
		return fmt.Errorf("usage: redis record: %w", err)
	}
	return nil
}

// Daily returns the totals of key for day (YYYY-MM-DD). LastSeen is not tracked.
func (r *RedisAccountant) Daily(ctx context.Context, key, day string) (Totals, error) {
	m, err := r.client.Do(ctx, r.client.B().Hgetall().Key(r.bucketKey(day, key)).Build()).AsIntMap()
	if err != nil {
		if rueidis.IsRedisNil(err) {
			return Totals{}, nil
		}
		return Totals{}, fmt.Errorf("usage: redis daily: %w", err)
	}
	return Totals{
		Requests: m["requests"],
		Units:    m["units"],
		Faults:   m["faults"],
	}, nil
}
