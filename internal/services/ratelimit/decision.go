package ratelimit

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrInvalidIdentity means the caller supplied no IP dimension; the
	// engine cannot reason about an anonymous identity and rejects the
	// check itself rather than returning a rate-limit denial.
	ErrInvalidIdentity = errors.New("ratelimit: identity has no ip address")

	// ErrStorageUnavailable wraps store failures surfaced to callers when
	// the service runs fail-closed.
	ErrStorageUnavailable = errors.New("ratelimit: storage unavailable")
)

// Denial reasons.
const (
	ReasonBlocked            = "blocked"
	ReasonStorageUnavailable = "storage unavailable"
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`

	// Populated on denial.
	WindowKind WindowKind    `json:"window_kind,omitempty"`
	Dimension  Dimension     `json:"dimension,omitempty"`
	Limit      int64         `json:"limit,omitempty"`
	Current    int64         `json:"current,omitempty"`
	RetryAfter time.Duration `json:"-"`

	// Populated on success.
	Limits       Thresholds               `json:"limits"`
	CurrentUsage map[string]int64         `json:"current_usage,omitempty"`
	ResetTimes   map[WindowKind]time.Time `json:"reset_times,omitempty"`

	// FailedOpen marks an allow that was granted because the backing
	// store was unreachable, not because the limits passed.
	FailedOpen bool `json:"failed_open,omitempty"`
}

// MarshalJSON carries the retry delay as whole seconds, matching the
// Retry-After header, so consumers of the decision API see the same
// timing in body and header.
func (d Decision) MarshalJSON() ([]byte, error) {
	type plain Decision
	return json.Marshal(struct {
		plain
		RetryAfter int64 `json:"retry_after,omitempty"`
	}{plain(d), d.RetryAfterSeconds()})
}

// RetryAfterSeconds is the value for the Retry-After header.
func (d Decision) RetryAfterSeconds() int64 {
	secs := int64(d.RetryAfter / time.Second)
	if secs < 0 {
		return 0
	}
	return secs
}

// Remaining returns how many requests are left against the denied limit.
func (d Decision) Remaining() int64 {
	remaining := d.Limit - d.Current
	if remaining < 0 {
		return 0
	}
	return remaining
}
