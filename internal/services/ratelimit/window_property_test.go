package ratelimit

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestWindowStartProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	kinds := gen.OneConstOf(WindowBurst, WindowMinute, WindowHour, WindowDay)
	instants := gen.Int64Range(0, 4102444800). // 1970 through 2100
						Map(func(unix int64) time.Time { return time.Unix(unix, 0).UTC() })

	properties.Property("window start never exceeds the timestamp", prop.ForAll(
		func(kind WindowKind, ts time.Time) bool {
			return !WindowStart(kind, ts).After(ts)
		},
		kinds, instants,
	))

	properties.Property("flooring is idempotent", prop.ForAll(
		func(kind WindowKind, ts time.Time) bool {
			start := WindowStart(kind, ts)
			return WindowStart(kind, start).Equal(start)
		},
		kinds, instants,
	))

	properties.Property("timestamp falls inside its own window", prop.ForAll(
		func(kind WindowKind, ts time.Time) bool {
			start := WindowStart(kind, ts)
			return ts.Before(start.Add(kind.Granularity()))
		},
		kinds, instants,
	))

	properties.Property("start aligns to the granularity", prop.ForAll(
		func(kind WindowKind, ts time.Time) bool {
			gran := int64(kind.Granularity() / time.Second)
			return WindowStart(kind, ts).Unix()%gran == 0
		},
		kinds, instants,
	))

	properties.TestingRun(t)
}
