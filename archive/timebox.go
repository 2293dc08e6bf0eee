package archive

import "time"

// timebox tracks the wall-clock budget of a single call.
type timebox struct {
	now   func() time.Time
	start time.Time
	limit time.Duration
}

func (c *config) startTimebox() timebox {
	return timebox{now: c.now, start: c.now(), limit: c.timeout}
}

func (t timebox) expired() bool {
	return t.limit > 0 && t.now().Sub(t.start) >= t.limit
}

// unlimited is used by operations that always complete in one call.
var unlimited = timebox{}
