package ratelimit

import "time"

// WindowKind is one of the fixed time granularities a counter is bucketed by.
type WindowKind string

const (
	WindowBurst  WindowKind = "burst"
	WindowMinute WindowKind = "minute"
	WindowHour   WindowKind = "hour"
	WindowDay    WindowKind = "day"
)

// windowOrder runs finest to coarsest so short bursts are caught before
// coarser counters are consulted.
var windowOrder = [...]WindowKind{WindowBurst, WindowMinute, WindowHour, WindowDay}

// Kinds returns all window kinds, finest granularity first.
func Kinds() []WindowKind {
	kinds := make([]WindowKind, len(windowOrder))
	copy(kinds, windowOrder[:])
	return kinds
}

// Granularity returns the width of the window.
func (k WindowKind) Granularity() time.Duration {
	switch k {
	case WindowBurst:
		return 10 * time.Second
	case WindowMinute:
		return time.Minute
	case WindowHour:
		return time.Hour
	case WindowDay:
		return 24 * time.Hour
	default:
		return 0
	}
}

// WindowStart floors t to the window boundary for the kind. Boundaries are
// UTC-aligned, so every process sharing the store computes the same bucket
// for the same instant.
func WindowStart(kind WindowKind, t time.Time) time.Time {
	gran := kind.Granularity()
	if gran == 0 {
		return t
	}
	return t.UTC().Truncate(gran)
}

// ResetTime returns the instant the current window for kind rolls over.
func ResetTime(kind WindowKind, t time.Time) time.Time {
	return WindowStart(kind, t).Add(kind.Granularity())
}

// BlockDuration returns the penalty for violating a window of the given
// kind. Coarser windows indicate more persistent abuse and draw longer
// penalties.
func BlockDuration(kind WindowKind) time.Duration {
	switch kind {
	case WindowBurst:
		return 1 * time.Minute
	case WindowMinute:
		return 5 * time.Minute
	case WindowHour:
		return 15 * time.Minute
	case WindowDay:
		return 60 * time.Minute
	default:
		return 15 * time.Minute
	}
}
