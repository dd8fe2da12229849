package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/scholarmail/gatekeeper/pkg/logger"
)

// Config carries the evaluator's policy knobs. Thresholds themselves live
// in Profiles.
type Config struct {
	// FailClosed denies requests when a store operation fails. The
	// default trades strictness for availability and lets them through.
	FailClosed bool

	// EscalateBlocks scales block durations with the number of blocks
	// recently held against the same identity. Off by default: repeat
	// offenders then draw the same fixed penalty as first-timers.
	EscalateBlocks    bool
	EscalationCap     int
	EscalationHistory time.Duration

	Profiles TierProfiles
}

// Service is the admission-control evaluator. It owns no goroutines; the
// janitor runs separately and shares the stores.
type Service struct {
	counters CounterStore
	blocks   BlockStore

	profilesMu sync.RWMutex
	profiles   TierProfiles

	failClosed        bool
	escalateBlocks    bool
	escalationCap     int
	escalationHistory time.Duration

	// now is swapped out by tests; window and expiry arithmetic must not
	// depend on the wall clock.
	now func() time.Time
}

func NewService(counters CounterStore, blocks BlockStore, cfg Config) *Service {
	profiles := cfg.Profiles
	if profiles == nil {
		profiles = DefaultProfiles()
	}

	escalationCap := cfg.EscalationCap
	if escalationCap < 1 {
		escalationCap = 1
	}
	escalationHistory := cfg.EscalationHistory
	if escalationHistory <= 0 {
		escalationHistory = 24 * time.Hour
	}

	return &Service{
		counters:          counters,
		blocks:            blocks,
		profiles:          profiles.clone(),
		failClosed:        cfg.FailClosed,
		escalateBlocks:    cfg.EscalateBlocks,
		escalationCap:     escalationCap,
		escalationHistory: escalationHistory,
		now:               time.Now,
	}
}

// Check runs one admission decision for the identity. Store failures never
// escape as raw errors: depending on policy they resolve to a fail-open
// allow or a storage-unavailable denial. The only error return is
// ErrInvalidIdentity.
func (s *Service) Check(ctx context.Context, identity Identity) (Decision, error) {
	if identity.IP == "" {
		return Decision{}, ErrInvalidIdentity
	}

	now := s.now()
	profile := s.profileFor(identity.Tier)
	dims := identity.dimensions()

	// Active blocks short-circuit before any counter I/O.
	blocked, retryAfter, err := s.checkBlocks(ctx, dims, now)
	if err != nil {
		return s.storeFailure(identity, err), nil
	}
	if blocked {
		return Decision{
			Allowed:    false,
			Reason:     ReasonBlocked,
			RetryAfter: retryAfter,
		}, nil
	}

	// Walk windows finest first so a short burst is reported with the
	// most specific reason and coarser counters are never touched.
	for _, kind := range windowOrder {
		for _, dv := range dims {
			threshold := profile.ForDimension(dv.dim, kind)
			if threshold <= 0 {
				continue
			}

			key := CounterKey{Dimension: dv.dim, Value: dv.value, Kind: kind, WindowStart: WindowStart(kind, now)}
			count, err := s.counters.Peek(ctx, key)
			if err != nil {
				return s.storeFailure(identity, err), nil
			}

			if count >= threshold {
				return s.deny(ctx, dv, kind, threshold, count, now), nil
			}
		}
	}

	// All limits passed: record the request on every dimension.
	if err := s.recordRequest(ctx, dims, now); err != nil {
		return s.storeFailure(identity, err), nil
	}

	usage := s.usageSnapshot(ctx, identity, now)
	return Decision{
		Allowed:      true,
		Limits:       profile,
		CurrentUsage: usage,
		ResetTimes:   resetTimes(now),
	}, nil
}

func (s *Service) checkBlocks(ctx context.Context, dims []dimensionValue, now time.Time) (bool, time.Duration, error) {
	var soonest time.Time
	for _, dv := range dims {
		rec, err := s.blocks.ActiveBlock(ctx, dv.dim, dv.value, now)
		if err != nil {
			return false, 0, err
		}
		if rec == nil {
			continue
		}
		if soonest.IsZero() || rec.ExpiresAt.Before(soonest) {
			soonest = rec.ExpiresAt
		}
	}
	if soonest.IsZero() {
		return false, 0, nil
	}
	return true, soonest.Sub(now), nil
}

func (s *Service) deny(ctx context.Context, dv dimensionValue, kind WindowKind, threshold, count int64, now time.Time) Decision {
	reason := fmt.Sprintf("exceeded %s", kind)
	if dv.dim == DimensionEmail {
		reason = fmt.Sprintf("exceeded email %s", kind)
	}

	duration := s.blockDuration(ctx, dv, kind, now)
	if _, err := s.blocks.AddBlock(ctx, dv.dim, dv.value, reason, now, duration); err != nil {
		// The denial stands even if the block cannot be written; the
		// counters will trip again on the next request.
		logger.Error(logger.RATELIMIT, "Failed to write block for %s %s: %v", dv.dim, dv.value, err)
	} else {
		logger.Warn(logger.RATELIMIT, "Blocked %s %s for %s: %s", dv.dim, dv.value, duration, reason)
	}

	return Decision{
		Allowed:    false,
		Reason:     reason,
		WindowKind: kind,
		Dimension:  dv.dim,
		Limit:      threshold,
		Current:    count,
		RetryAfter: duration,
	}
}

func (s *Service) blockDuration(ctx context.Context, dv dimensionValue, kind WindowKind, now time.Time) time.Duration {
	duration := BlockDuration(kind)
	if !s.escalateBlocks {
		return duration
	}

	prior, err := s.blocks.CountSince(ctx, dv.dim, dv.value, now.Add(-s.escalationHistory))
	if err != nil {
		logger.Warn(logger.RATELIMIT, "Escalation lookup failed for %s %s: %v", dv.dim, dv.value, err)
		return duration
	}

	multiplier := 1 + prior
	if multiplier > int64(s.escalationCap) {
		multiplier = int64(s.escalationCap)
	}
	return duration * time.Duration(multiplier)
}

func (s *Service) recordRequest(ctx context.Context, dims []dimensionValue, now time.Time) error {
	for _, dv := range dims {
		for _, kind := range windowOrder {
			// The email dimension carries no burst window.
			if dv.dim == DimensionEmail && kind == WindowBurst {
				continue
			}
			key := CounterKey{Dimension: dv.dim, Value: dv.value, Kind: kind, WindowStart: WindowStart(kind, now)}
			if _, err := s.counters.IncrementAndGet(ctx, key); err != nil {
				return err
			}
		}
	}
	return nil
}

// usageSnapshot is best-effort: a failed read shows up as zero rather than
// failing the allow it decorates.
func (s *Service) usageSnapshot(ctx context.Context, identity Identity, now time.Time) map[string]int64 {
	usage := make(map[string]int64)
	for _, dv := range identity.dimensions() {
		for _, kind := range []WindowKind{WindowMinute, WindowHour, WindowDay} {
			key := CounterKey{Dimension: dv.dim, Value: dv.value, Kind: kind, WindowStart: WindowStart(kind, now)}
			count, err := s.counters.Peek(ctx, key)
			if err != nil {
				logger.Debug(logger.RATELIMIT, "Usage peek failed for %s %s: %v", dv.dim, kind, err)
				continue
			}
			usage[fmt.Sprintf("%s_%s", dv.dim, kind)] = count
		}
	}
	return usage
}

func resetTimes(now time.Time) map[WindowKind]time.Time {
	resets := make(map[WindowKind]time.Time, len(windowOrder))
	for _, kind := range windowOrder {
		resets[kind] = ResetTime(kind, now)
	}
	return resets
}

func (s *Service) storeFailure(identity Identity, err error) Decision {
	if s.failClosed {
		logger.Error(logger.RATELIMIT, "Storage failure, denying %s (fail-closed): %v", identity.IP, err)
		return Decision{
			Allowed:    false,
			Reason:     ReasonStorageUnavailable,
			RetryAfter: 30 * time.Second,
		}
	}

	logger.Warn(logger.RATELIMIT, "Storage failure, allowing %s (fail-open): %v", identity.IP, err)
	return Decision{
		Allowed:    true,
		FailedOpen: true,
	}
}

func (s *Service) profileFor(tier Tier) Thresholds {
	s.profilesMu.RLock()
	defer s.profilesMu.RUnlock()

	if profile, ok := s.profiles[tier]; ok {
		return profile
	}

	logger.Warn(logger.RATELIMIT, "No profile configured for tier %q, using anonymous defaults", tier)
	if profile, ok := s.profiles[TierAnonymous]; ok {
		return profile
	}
	return DefaultProfiles()[TierAnonymous]
}

// Profiles returns a copy of the current tier table.
func (s *Service) Profiles() TierProfiles {
	s.profilesMu.RLock()
	defer s.profilesMu.RUnlock()
	return s.profiles.clone()
}

// ReloadProfiles swaps in a new tier table. This is the only way thresholds
// change at runtime.
func (s *Service) ReloadProfiles(profiles TierProfiles) {
	if len(profiles) == 0 {
		return
	}
	s.profilesMu.Lock()
	s.profiles = profiles.clone()
	s.profilesMu.Unlock()
	logger.Info(logger.RATELIMIT, "Reloaded %d tier profiles", len(profiles))
}

// Unblock clears all active blocks for one identity dimension and returns
// how many records were deactivated.
func (s *Service) Unblock(ctx context.Context, dim Dimension, value string) (int64, error) {
	affected, err := s.blocks.Deactivate(ctx, dim, value)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if affected > 0 {
		logger.Info(logger.RATELIMIT, "Unblocked %s %s (%d records)", dim, value, affected)
	}
	return affected, nil
}

// CleanupResult reports one retention sweep.
type CleanupResult struct {
	CountersDeleted   int64 `json:"counters_deleted"`
	BlocksDeactivated int64 `json:"blocks_deactivated"`
}

// Cleanup removes counters past the retention horizon and deactivates
// expired blocks. It only touches logically dead records, so it is safe to
// run while requests are in flight.
func (s *Service) Cleanup(ctx context.Context, retentionDays int) (CleanupResult, error) {
	if retentionDays < 1 {
		retentionDays = 7
	}

	now := s.now()
	cutoff := now.AddDate(0, 0, -retentionDays)

	deleted, err := s.counters.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return CleanupResult{}, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	deactivated, err := s.blocks.DeactivateExpired(ctx, now)
	if err != nil {
		return CleanupResult{CountersDeleted: deleted}, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	return CleanupResult{CountersDeleted: deleted, BlocksDeactivated: deactivated}, nil
}

// IsBlocked reports whether any supplied dimension carries an active block,
// without recording anything.
func (s *Service) IsBlocked(ctx context.Context, identity Identity) (bool, error) {
	if identity.IP == "" {
		return false, ErrInvalidIdentity
	}
	blocked, _, err := s.checkBlocks(ctx, identity.dimensions(), s.now())
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return blocked, nil
}

// Status describes an identity's standing without recording a request.
func (s *Service) Status(ctx context.Context, identity Identity) (Decision, error) {
	if identity.IP == "" {
		return Decision{}, ErrInvalidIdentity
	}

	now := s.now()
	blocked, retryAfter, err := s.checkBlocks(ctx, identity.dimensions(), now)
	if err != nil {
		return s.storeFailure(identity, err), nil
	}
	if blocked {
		return Decision{Allowed: false, Reason: ReasonBlocked, RetryAfter: retryAfter}, nil
	}

	return Decision{
		Allowed:      true,
		Limits:       s.profileFor(identity.Tier),
		CurrentUsage: s.usageSnapshot(ctx, identity, now),
		ResetTimes:   resetTimes(now),
	}, nil
}
