package audit

import (
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// clock issues strictly increasing timestamps and matching ULIDs
type clock struct {
	mu      sync.Mutex
	now     func() time.Time
	last    time.Time
	entropy *ulid.MonotonicEntropy
}

func newClock(now func() time.Time) *clock {
	return &clock{
		now:     now,
		entropy: ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0),
	}
}

// next returns a timestamp after every previous one, at the microsecond
// precision PostgreSQL stores, and a ULID for it.
func (c *clock) next() (time.Time, string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.now().UTC().Truncate(time.Microsecond)
	if !t.After(c.last) {
		t = c.last.Add(time.Microsecond)
	}
	c.last = t
	return t, ulid.MustNew(ulid.Timestamp(t), c.entropy).String()
}
