// Package analytics keeps daily per-account outcome counters in Redis.
package analytics

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stsix/leaflow-auto-beta/internal/domain"
)

// DefaultRetention is how long a daily counter survives its last increment.
const DefaultRetention = 30 * 24 * time.Hour

type RedisSink struct {
	client    *redis.Client
	retention time.Duration
}

func NewRedisSink(client *redis.Client) *RedisSink {
	return &RedisSink{client: client, retention: DefaultRetention}
}

// WithRetention sets the counter TTL. Non-positive values are ignored.
func (s *RedisSink) WithRetention(d time.Duration) *RedisSink {
	if d > 0 {
		s.retention = d
	}
	return s
}

// Record increments the counter for the record's outcome on its UTC day.
func (s *RedisSink) Record(ctx context.Context, rec domain.ExecutionRecord) error {
	key := buildKey(rec.AccountID, rec.Outcome, rec.Timestamp)

	pipe := s.client.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, s.retention)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}
	return nil
}

// DailyCounts returns the per-outcome counters for accountID on day's UTC date.
// Outcomes with no runs are omitted.
func (s *RedisSink) DailyCounts(ctx context.Context, accountID string, day time.Time) (map[domain.Outcome]int64, error) {
	outcomes := domain.Outcomes

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(outcomes))
	for i, o := range outcomes {
		cmds[i] = pipe.Get(ctx, buildKey(accountID, o, day))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis pipeline: %w", err)
	}

	counts := make(map[domain.Outcome]int64)
	for i, cmd := range cmds {
		v, err := cmd.Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse counter %s: %w", outcomes[i], err)
		}
		counts[outcomes[i]] = n
	}
	return counts, nil
}

func buildKey(accountID string, outcome domain.Outcome, t time.Time) string {
	return fmt.Sprintf("a:%s:%s:%s", accountID, outcome, t.UTC().Format("20060102"))
}
