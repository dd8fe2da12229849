package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	redisinfra "github.com/scholarmail/gatekeeper/internal/infrastructure/redis"
	"github.com/scholarmail/gatekeeper/pkg/logger"
)

// Key layout. The identity value goes last in counter keys because IPv6
// addresses contain colons; parsers split with a bounded SplitN and keep
// the tail intact. Block keys are one key per record, so concurrent writers
// never overwrite each other; they are scanned, not parsed, since each
// record carries its own identity fields.
//
//	rl:counter:<kind>:<windowStartUnix>:<dim>:<value>  -> count
//	rl:block:<dim>:<value>:<createdUnixNano>-<id>      -> BlockRecord JSON
const (
	redisCounterPrefix = "rl:counter:"
	redisBlockPrefix   = "rl:block:"
)

// RedisCounterStore keeps counters in Redis. The INCR+EXPIRE pipeline is
// the atomic upsert; the TTL doubles as a retention backstop so counters
// the janitor never reaches still age out.
type RedisCounterStore struct {
	rdb       *redisinfra.Service
	retention time.Duration
}

func NewRedisCounterStore(rdb *redisinfra.Service, retention time.Duration) *RedisCounterStore {
	return &RedisCounterStore{rdb: rdb, retention: retention}
}

func redisCounterKey(key CounterKey) string {
	return fmt.Sprintf("%s%s:%d:%s:%s",
		redisCounterPrefix, key.Kind, key.WindowStart.Unix(), key.Dimension, key.Value)
}

// parseRedisCounterKey inverts redisCounterKey.
func parseRedisCounterKey(raw string) (kind WindowKind, start time.Time, dim Dimension, value string, ok bool) {
	parts := strings.SplitN(raw, ":", 6)
	if len(parts) != 6 || parts[0] != "rl" || parts[1] != "counter" {
		return "", time.Time{}, "", "", false
	}
	unix, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		return "", time.Time{}, "", "", false
	}
	return WindowKind(parts[2]), time.Unix(unix, 0).UTC(), Dimension(parts[4]), parts[5], true
}

func (s *RedisCounterStore) IncrementAndGet(ctx context.Context, key CounterKey) (int64, error) {
	return s.rdb.IncrWithExpire(ctx, redisCounterKey(key), s.retention)
}

func (s *RedisCounterStore) Peek(ctx context.Context, key CounterKey) (int64, error) {
	val, err := s.rdb.Get(ctx, redisCounterKey(key))
	if redisinfra.IsNotFound(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	count, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt counter value %q: %w", val, err)
	}
	return count, nil
}

func (s *RedisCounterStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := s.rdb.Scan(ctx, redisCounterPrefix+"*", func(keys []string) error {
		var stale []string
		for _, raw := range keys {
			kind, start, _, _, ok := parseRedisCounterKey(raw)
			if !ok {
				logger.Warn(logger.STORE, "Skipping malformed counter key %q", raw)
				continue
			}
			if start.Add(kind.Granularity()).Before(cutoff) {
				stale = append(stale, raw)
			}
		}
		if len(stale) == 0 {
			return nil
		}
		if err := s.rdb.Delete(ctx, stale...); err != nil {
			return err
		}
		deleted += int64(len(stale))
		return nil
	})
	return deleted, err
}

func (s *RedisCounterStore) Stats(ctx context.Context, dim Dimension, since time.Time, topN int) (CounterStats, error) {
	pattern := fmt.Sprintf("%s%s:*", redisCounterPrefix, WindowDay)

	var stats CounterStats
	perValue := make(map[string]int64)

	err := s.rdb.Scan(ctx, pattern, func(keys []string) error {
		wanted := make([]string, 0, len(keys))
		values := make([]string, 0, len(keys))
		for _, raw := range keys {
			_, start, keyDim, value, ok := parseRedisCounterKey(raw)
			if !ok || keyDim != dim || start.Before(since) {
				continue
			}
			wanted = append(wanted, raw)
			values = append(values, value)
		}
		if len(wanted) == 0 {
			return nil
		}

		counts, err := s.rdb.MGet(ctx, wanted...)
		if err != nil {
			return err
		}
		for i, raw := range counts {
			count, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				continue
			}
			perValue[values[i]] += count
			stats.TotalRequests += count
			stats.TotalWindows++
		}
		return nil
	})
	if err != nil {
		return CounterStats{}, err
	}

	stats.UniqueValues = int64(len(perValue))
	stats.TopOffenders = topOffenders(perValue, topN)
	return stats, nil
}

// RedisBlockStore keeps one key per denial record, mirroring the badger
// layout. Adding a block never touches existing keys and updates rewrite
// one record by its own key, so concurrent writers cannot clobber each
// other's records.
type RedisBlockStore struct {
	rdb *redisinfra.Service
}

func NewRedisBlockStore(rdb *redisinfra.Service) *RedisBlockStore {
	return &RedisBlockStore{rdb: rdb}
}

func redisBlockPrefixFor(dim Dimension, value string) string {
	return fmt.Sprintf("%s%s:%s:", redisBlockPrefix, dim, value)
}

func redisBlockRecordKey(rec BlockRecord) string {
	return fmt.Sprintf("%s%d-%s", redisBlockPrefixFor(rec.Dimension, rec.Value), rec.CreatedAt.UnixNano(), rec.ID)
}

// walk streams every record under the pattern through fn along with its
// key. Corrupt records are skipped, same as the badger backend.
func (s *RedisBlockStore) walk(ctx context.Context, pattern string, fn func(key string, rec BlockRecord) error) error {
	return s.rdb.Scan(ctx, pattern, func(keys []string) error {
		vals, err := s.rdb.MGet(ctx, keys...)
		if err != nil {
			return err
		}
		for i, raw := range vals {
			if raw == "" {
				continue
			}
			var rec BlockRecord
			if err := json.Unmarshal([]byte(raw), &rec); err != nil {
				logger.Warn(logger.STORE, "Skipping corrupt block record %q: %v", keys[i], err)
				continue
			}
			if err := fn(keys[i], rec); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *RedisBlockStore) writeRecord(ctx context.Context, key string, rec BlockRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, key, string(data), 0)
}

func (s *RedisBlockStore) ActiveBlock(ctx context.Context, dim Dimension, value string, now time.Time) (*BlockRecord, error) {
	var soonest *BlockRecord
	err := s.walk(ctx, redisBlockPrefixFor(dim, value)+"*", func(_ string, rec BlockRecord) error {
		if !rec.IsActive || rec.Expired(now) {
			return nil
		}
		if soonest == nil || rec.ExpiresAt.Before(soonest.ExpiresAt) {
			copied := rec
			soonest = &copied
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return soonest, nil
}

func (s *RedisBlockStore) AddBlock(ctx context.Context, dim Dimension, value, reason string, createdAt time.Time, duration time.Duration) (BlockRecord, error) {
	record := newBlockRecord(dim, value, reason, createdAt, duration)
	if err := s.writeRecord(ctx, redisBlockRecordKey(record), record); err != nil {
		return BlockRecord{}, err
	}
	return record, nil
}

func (s *RedisBlockStore) Deactivate(ctx context.Context, dim Dimension, value string) (int64, error) {
	var affected int64
	err := s.walk(ctx, redisBlockPrefixFor(dim, value)+"*", func(key string, rec BlockRecord) error {
		if !rec.IsActive {
			return nil
		}
		rec.IsActive = false
		if err := s.writeRecord(ctx, key, rec); err != nil {
			return err
		}
		affected++
		return nil
	})
	return affected, err
}

func (s *RedisBlockStore) DeactivateExpired(ctx context.Context, now time.Time) (int64, error) {
	var affected int64
	err := s.walk(ctx, redisBlockPrefix+"*", func(key string, rec BlockRecord) error {
		if !rec.IsActive || !rec.Expired(now) {
			return nil
		}
		rec.IsActive = false
		if err := s.writeRecord(ctx, key, rec); err != nil {
			return err
		}
		affected++
		return nil
	})
	return affected, err
}

func (s *RedisBlockStore) CountActive(ctx context.Context, now time.Time) (int64, error) {
	var count int64
	err := s.walk(ctx, redisBlockPrefix+"*", func(_ string, rec BlockRecord) error {
		if rec.IsActive && !rec.Expired(now) {
			count++
		}
		return nil
	})
	return count, err
}

func (s *RedisBlockStore) CountSince(ctx context.Context, dim Dimension, value string, since time.Time) (int64, error) {
	var count int64
	err := s.walk(ctx, redisBlockPrefixFor(dim, value)+"*", func(_ string, rec BlockRecord) error {
		if rec.CreatedAt.After(since) {
			count++
		}
		return nil
	})
	return count, err
}
