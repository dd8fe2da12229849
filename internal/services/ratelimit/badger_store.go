package ratelimit

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/scholarmail/gatekeeper/internal/infrastructure/badgerdb"
	"github.com/scholarmail/gatekeeper/pkg/logger"
)

// Key layout mirrors the Redis backend, with the kind up front so stats
// can iterate one granularity as a prefix:
//
//	counter/<kind>/<windowStartUnix>/<dim>/<value> -> big-endian count
//	block/<dim>/<value>/<createdUnixNano>-<id>     -> BlockRecord JSON
const (
	badgerCounterPrefix = "counter/"
	badgerBlockPrefix   = "block/"
)

// BadgerCounterStore keeps counters in the embedded store. Atomicity comes
// from badger's optimistic transactions: conflicting increments retry until
// they commit, which is the compare-and-swap loop in disguise.
type BadgerCounterStore struct {
	db        *badgerdb.Service
	retention time.Duration
}

func NewBadgerCounterStore(db *badgerdb.Service, retention time.Duration) *BadgerCounterStore {
	return &BadgerCounterStore{db: db, retention: retention}
}

func badgerCounterKey(key CounterKey) []byte {
	return []byte(fmt.Sprintf("%s%s/%d/%s/%s",
		badgerCounterPrefix, key.Kind, key.WindowStart.Unix(), key.Dimension, key.Value))
}

func parseBadgerCounterKey(raw []byte) (kind WindowKind, start time.Time, dim Dimension, value string, ok bool) {
	parts := bytes.SplitN(raw, []byte("/"), 5)
	if len(parts) != 5 || string(parts[0]) != "counter" {
		return "", time.Time{}, "", "", false
	}
	unix, err := strconv.ParseInt(string(parts[2]), 10, 64)
	if err != nil {
		return "", time.Time{}, "", "", false
	}
	return WindowKind(string(parts[1])), time.Unix(unix, 0).UTC(), Dimension(string(parts[3])), string(parts[4]), true
}

func decodeCount(val []byte) int64 {
	if len(val) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(val))
}

func encodeCount(count int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(count))
	return buf
}

func (s *BadgerCounterStore) IncrementAndGet(ctx context.Context, key CounterKey) (int64, error) {
	raw := badgerCounterKey(key)

	var count int64
	err := s.db.Update(func(txn *badger.Txn) error {
		count = 1
		item, err := txn.Get(raw)
		if err == nil {
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			count = decodeCount(val) + 1
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		entry := badger.NewEntry(raw, encodeCount(count)).WithTTL(s.retention)
		return txn.SetEntry(entry)
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (s *BadgerCounterStore) Peek(ctx context.Context, key CounterKey) (int64, error) {
	var count int64
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerCounterKey(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		count = decodeCount(val)
		return nil
	})
	return count, err
}

func (s *BadgerCounterStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	prefix := []byte(badgerCounterPrefix)

	var stale [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			raw := it.Item().KeyCopy(nil)
			kind, start, _, _, ok := parseBadgerCounterKey(raw)
			if !ok {
				logger.Warn(logger.STORE, "Skipping malformed counter key %q", raw)
				continue
			}
			if start.Add(kind.Granularity()).Before(cutoff) {
				stale = append(stale, raw)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	var deleted int64
	for _, raw := range stale {
		err := s.db.Update(func(txn *badger.Txn) error {
			return txn.Delete(raw)
		})
		if err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

func (s *BadgerCounterStore) Stats(ctx context.Context, dim Dimension, since time.Time, topN int) (CounterStats, error) {
	prefix := []byte(badgerCounterPrefix + string(WindowDay) + "/")

	var stats CounterStats
	perValue := make(map[string]int64)

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			_, start, keyDim, value, ok := parseBadgerCounterKey(item.Key())
			if !ok || keyDim != dim || start.Before(since) {
				continue
			}

			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			count := decodeCount(val)
			perValue[value] += count
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

// BadgerBlockStore keeps one JSON record per block under a per-identity
// prefix.
type BadgerBlockStore struct {
	db *badgerdb.Service
}

func NewBadgerBlockStore(db *badgerdb.Service) *BadgerBlockStore {
	return &BadgerBlockStore{db: db}
}

func badgerBlockPrefixFor(dim Dimension, value string) []byte {
	return []byte(fmt.Sprintf("%s%s/%s/", badgerBlockPrefix, dim, value))
}

func badgerBlockKey(rec BlockRecord) []byte {
	return []byte(fmt.Sprintf("%s%s/%s/%d-%s",
		badgerBlockPrefix, rec.Dimension, rec.Value, rec.CreatedAt.UnixNano(), rec.ID))
}

func (s *BadgerBlockStore) walk(prefix []byte, fn func(key []byte, rec BlockRecord) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}

			var rec BlockRecord
			if err := json.Unmarshal(val, &rec); err != nil {
				logger.Warn(logger.STORE, "Skipping corrupt block record %q: %v", item.Key(), err)
				continue
			}
			if err := fn(item.KeyCopy(nil), rec); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerBlockStore) ActiveBlock(ctx context.Context, dim Dimension, value string, now time.Time) (*BlockRecord, error) {
	var soonest *BlockRecord
	err := s.walk(badgerBlockPrefixFor(dim, value), func(_ []byte, rec BlockRecord) error {
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

func (s *BadgerBlockStore) AddBlock(ctx context.Context, dim Dimension, value, reason string, createdAt time.Time, duration time.Duration) (BlockRecord, error) {
	record := newBlockRecord(dim, value, reason, createdAt, duration)

	data, err := json.Marshal(record)
	if err != nil {
		return BlockRecord{}, err
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerBlockKey(record), data)
	})
	if err != nil {
		return BlockRecord{}, err
	}
	return record, nil
}

func (s *BadgerBlockStore) rewrite(records map[string]BlockRecord) error {
	for key, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		err = s.db.Update(func(txn *badger.Txn) error {
			return txn.Set([]byte(key), data)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *BadgerBlockStore) Deactivate(ctx context.Context, dim Dimension, value string) (int64, error) {
	changed := make(map[string]BlockRecord)
	err := s.walk(badgerBlockPrefixFor(dim, value), func(key []byte, rec BlockRecord) error {
		if rec.IsActive {
			rec.IsActive = false
			changed[string(key)] = rec
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if err := s.rewrite(changed); err != nil {
		return 0, err
	}
	return int64(len(changed)), nil
}

func (s *BadgerBlockStore) DeactivateExpired(ctx context.Context, now time.Time) (int64, error) {
	changed := make(map[string]BlockRecord)
	err := s.walk([]byte(badgerBlockPrefix), func(key []byte, rec BlockRecord) error {
		if rec.IsActive && rec.Expired(now) {
			rec.IsActive = false
			changed[string(key)] = rec
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if err := s.rewrite(changed); err != nil {
		return 0, err
	}
	return int64(len(changed)), nil
}

func (s *BadgerBlockStore) CountActive(ctx context.Context, now time.Time) (int64, error) {
	var count int64
	err := s.walk([]byte(badgerBlockPrefix), func(_ []byte, rec BlockRecord) error {
		if rec.IsActive && !rec.Expired(now) {
			count++
		}
		return nil
	})
	return count, err
}

func (s *BadgerBlockStore) CountSince(ctx context.Context, dim Dimension, value string, since time.Time) (int64, error) {
	var count int64
	err := s.walk(badgerBlockPrefixFor(dim, value), func(_ []byte, rec BlockRecord) error {
		if rec.CreatedAt.After(since) {
			count++
		}
		return nil
	})
	return count, err
}

var (
	_ CounterStore = (*MemoryCounterStore)(nil)
	_ CounterStore = (*RedisCounterStore)(nil)
	_ CounterStore = (*BadgerCounterStore)(nil)
	_ BlockStore   = (*MemoryBlockStore)(nil)
	_ BlockStore   = (*RedisBlockStore)(nil)
	_ BlockStore   = (*BadgerBlockStore)(nil)
)
