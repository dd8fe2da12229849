package ratelimit

import (
	"context"
	"fmt"
	"time"
)

const topOffenderLimit = 10

// AggregateStats is the operator-facing view of recent engine activity.
type AggregateStats struct {
	Period        string     `json:"period"`
	UniqueIPs     int64      `json:"unique_ips"`
	TotalRequests int64      `json:"total_requests"`
	TotalWindows  int64      `json:"total_windows"`
	ActiveBlocks  int64      `json:"active_blocks"`
	TopOffenders  []Offender `json:"top_offenders"`
}

// Reporter reads usage out of the stores. It never mutates anything and
// treats missing windows as zero.
type Reporter struct {
	counters CounterStore
	blocks   BlockStore
	now      func() time.Time
}

func NewReporter(counters CounterStore, blocks BlockStore) *Reporter {
	return &Reporter{
		counters: counters,
		blocks:   blocks,
		now:      time.Now,
	}
}

// Snapshot returns the identity's current per-window counts, keyed
// "<dimension>_<kind>".
func (r *Reporter) Snapshot(ctx context.Context, identity Identity) (map[string]int64, error) {
	if identity.IP == "" {
		return nil, ErrInvalidIdentity
	}

	now := r.now()
	usage := make(map[string]int64)
	for _, dv := range identity.dimensions() {
		for _, kind := range []WindowKind{WindowMinute, WindowHour, WindowDay} {
			key := CounterKey{Dimension: dv.dim, Value: dv.value, Kind: kind, WindowStart: WindowStart(kind, now)}
			count, err := r.counters.Peek(ctx, key)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
			}
			usage[fmt.Sprintf("%s_%s", dv.dim, kind)] = count
		}
	}
	return usage, nil
}

// AggregateStats summarises activity over the period (defaulting to the
// last 24 hours).
func (r *Reporter) AggregateStats(ctx context.Context, period time.Duration) (AggregateStats, error) {
	if period <= 0 {
		period = 24 * time.Hour
	}

	now := r.now()
	since := now.Add(-period)

	counterStats, err := r.counters.Stats(ctx, DimensionIP, since, topOffenderLimit)
	if err != nil {
		return AggregateStats{}, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	activeBlocks, err := r.blocks.CountActive(ctx, now)
	if err != nil {
		return AggregateStats{}, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	return AggregateStats{
		Period:        period.String(),
		UniqueIPs:     counterStats.UniqueValues,
		TotalRequests: counterStats.TotalRequests,
		TotalWindows:  counterStats.TotalWindows,
		ActiveBlocks:  activeBlocks,
		TopOffenders:  counterStats.TopOffenders,
	}, nil
}
