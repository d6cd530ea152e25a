package schema

import "time"

// Clock maps source-clock frame timestamps (microseconds) into the sink
// clock domain (seconds since the Unix epoch). The first frame anchors the
// mapping; later frames keep the source clock's spacing so jitter in local
// delivery does not leak into sample timestamps.
//
// A Clock is scoped to one outlet lifetime; create a fresh one whenever the
// outlet is recreated.
type Clock struct {
	now      func() time.Time
	anchored bool
	local0   float64
	source0  uint64
}

// NewClock returns a clock using time.Now. Tests may pass a fake now func
// via NewClockAt.
func NewClock() *Clock {
	return NewClockAt(time.Now)
}

// NewClockAt returns a clock reading local time from now.
func NewClockAt(now func() time.Time) *Clock {
	return &Clock{now: now}
}

// Map converts a source timestamp to a sink-domain timestamp in seconds.
func (c *Clock) Map(sourceMicros uint64) float64 {
	if !c.anchored || sourceMicros < c.source0 {
		// First frame, or the source clock restarted: re-anchor.
		c.anchored = true
		c.local0 = unixSeconds(c.now())
		c.source0 = sourceMicros
		return c.local0
	}
	return c.local0 + float64(sourceMicros-c.source0)/1e6
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
