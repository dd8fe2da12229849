package ratelimit

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// CounterKey identifies one counter bucket.
type CounterKey struct {
	Dimension   Dimension
	Value       string
	Kind        WindowKind
	WindowStart time.Time
}

// Offender is one entry in the top-requesters report.
type Offender struct {
	Value    string `json:"value"`
	Requests int64  `json:"requests"`
}

// CounterStats aggregates counter activity for one dimension over a period.
type CounterStats struct {
	UniqueValues  int64      `json:"unique_values"`
	TotalRequests int64      `json:"total_requests"`
	TotalWindows  int64      `json:"total_windows"`
	TopOffenders  []Offender `json:"top_offenders"`
}

// CounterStore tracks request counts per (identity, kind, window) key.
// IncrementAndGet must be atomic under concurrent callers: N simultaneous
// calls for one key yield the counts 1..N with no lost updates.
type CounterStore interface {
	IncrementAndGet(ctx context.Context, key CounterKey) (int64, error)
	Peek(ctx context.Context, key CounterKey) (int64, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	Stats(ctx context.Context, dim Dimension, since time.Time, topN int) (CounterStats, error)
}

// BlockRecord is one time-bounded denial. Blocks are additive: every
// violation appends a new record, preserving the audit trail, and only the
// active unexpired ones matter for admission.
type BlockRecord struct {
	ID        string    `json:"id"`
	Dimension Dimension `json:"dimension"`
	Value     string    `json:"value"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	IsActive  bool      `json:"is_active"`
}

// Expired reports whether the block no longer binds at the given instant.
func (b BlockRecord) Expired(now time.Time) bool {
	return !b.ExpiresAt.After(now)
}

// BlockStore keeps denial records per identity dimension.
type BlockStore interface {
	// ActiveBlock returns the active unexpired block with the soonest
	// expiry, or nil when the identity is not blocked.
	ActiveBlock(ctx context.Context, dim Dimension, value string, now time.Time) (*BlockRecord, error)
	AddBlock(ctx context.Context, dim Dimension, value, reason string, createdAt time.Time, duration time.Duration) (BlockRecord, error)
	// Deactivate clears all active blocks for one identity and returns
	// how many records were affected. Calling it twice is a no-op the
	// second time.
	Deactivate(ctx context.Context, dim Dimension, value string) (int64, error)
	DeactivateExpired(ctx context.Context, now time.Time) (int64, error)
	CountActive(ctx context.Context, now time.Time) (int64, error)
	// CountSince returns how many blocks were created against the
	// identity after the given instant, active or not.
	CountSince(ctx context.Context, dim Dimension, value string, since time.Time) (int64, error)
}

func newBlockRecord(dim Dimension, value, reason string, createdAt time.Time, duration time.Duration) BlockRecord {
	return BlockRecord{
		ID:        uuid.NewString(),
		Dimension: dim,
		Value:     value,
		Reason:    reason,
		CreatedAt: createdAt,
		ExpiresAt: createdAt.Add(duration),
		IsActive:  true,
	}
}

type counterMapKey struct {
	dim   Dimension
	value string
	kind  WindowKind
	start int64
}

type counterEntry struct {
	count      int64
	lastUpdate time.Time
}

// MemoryCounterStore is the in-process fallback used when no durable
// backend is reachable, and the workhorse for tests.
type MemoryCounterStore struct {
	mu       sync.Mutex
	counters map[counterMapKey]*counterEntry
}

func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{
		counters: make(map[counterMapKey]*counterEntry),
	}
}

func toMapKey(key CounterKey) counterMapKey {
	return counterMapKey{
		dim:   key.Dimension,
		value: key.Value,
		kind:  key.Kind,
		start: key.WindowStart.Unix(),
	}
}

func (s *MemoryCounterStore) IncrementAndGet(ctx context.Context, key CounterKey) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mk := toMapKey(key)
	entry, ok := s.counters[mk]
	if !ok {
		entry = &counterEntry{}
		s.counters[mk] = entry
	}
	entry.count++
	entry.lastUpdate = time.Now()
	return entry.count, nil
}

func (s *MemoryCounterStore) Peek(ctx context.Context, key CounterKey) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.counters[toMapKey(key)]; ok {
		return entry.count, nil
	}
	return 0, nil
}

func (s *MemoryCounterStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for mk := range s.counters {
		end := time.Unix(mk.start, 0).Add(mk.kind.Granularity())
		if end.Before(cutoff) {
			delete(s.counters, mk)
			deleted++
		}
	}
	return deleted, nil
}

func (s *MemoryCounterStore) Stats(ctx context.Context, dim Dimension, since time.Time, topN int) (CounterStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	perValue := make(map[string]int64)
	var stats CounterStats
	for mk, entry := range s.counters {
		if mk.dim != dim || mk.kind != WindowDay {
			continue
		}
		if time.Unix(mk.start, 0).Before(since) {
			continue
		}
		perValue[mk.value] += entry.count
		stats.TotalRequests += entry.count
		stats.TotalWindows++
	}

	stats.UniqueValues = int64(len(perValue))
	stats.TopOffenders = topOffenders(perValue, topN)
	return stats, nil
}

func topOffenders(perValue map[string]int64, topN int) []Offender {
	offenders := make([]Offender, 0, len(perValue))
	for value, requests := range perValue {
		offenders = append(offenders, Offender{Value: value, Requests: requests})
	}
	sort.Slice(offenders, func(i, j int) bool {
		if offenders[i].Requests != offenders[j].Requests {
			return offenders[i].Requests > offenders[j].Requests
		}
		return offenders[i].Value < offenders[j].Value
	})
	if topN > 0 && len(offenders) > topN {
		offenders = offenders[:topN]
	}
	return offenders
}

// MemoryBlockStore is the in-process BlockStore counterpart.
type MemoryBlockStore struct {
	mu      sync.Mutex
	records []*BlockRecord
}

func NewMemoryBlockStore() *MemoryBlockStore {
	return &MemoryBlockStore{}
}

func (s *MemoryBlockStore) ActiveBlock(ctx context.Context, dim Dimension, value string, now time.Time) (*BlockRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var soonest *BlockRecord
	for _, rec := range s.records {
		if rec.Dimension != dim || rec.Value != value {
			continue
		}
		if !rec.IsActive || rec.Expired(now) {
			continue
		}
		if soonest == nil || rec.ExpiresAt.Before(soonest.ExpiresAt) {
			soonest = rec
		}
	}
	if soonest == nil {
		return nil, nil
	}
	copied := *soonest
	return &copied, nil
}

func (s *MemoryBlockStore) AddBlock(ctx context.Context, dim Dimension, value, reason string, createdAt time.Time, duration time.Duration) (BlockRecord, error) {
	record := newBlockRecord(dim, value, reason, createdAt, duration)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, &record)
	return record, nil
}

func (s *MemoryBlockStore) Deactivate(ctx context.Context, dim Dimension, value string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var affected int64
	for _, rec := range s.records {
		if rec.Dimension == dim && rec.Value == value && rec.IsActive {
			rec.IsActive = false
			affected++
		}
	}
	return affected, nil
}

func (s *MemoryBlockStore) DeactivateExpired(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var affected int64
	for _, rec := range s.records {
		if rec.IsActive && rec.Expired(now) {
			rec.IsActive = false
			affected++
		}
	}
	return affected, nil
}

func (s *MemoryBlockStore) CountActive(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	for _, rec := range s.records {
		if rec.IsActive && !rec.Expired(now) {
			count++
		}
	}
	return count, nil
}

func (s *MemoryBlockStore) CountSince(ctx context.Context, dim Dimension, value string, since time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	for _, rec := range s.records {
		if rec.Dimension == dim && rec.Value == value && rec.CreatedAt.After(since) {
			count++
		}
	}
	return count, nil
}
