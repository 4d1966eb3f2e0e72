// Package clock provides an injectable time and ID source so orchestration
// logic never calls time.Now or uuid.New directly.
package clock

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Clock is the capability the rest of the codebase depends on instead of
// the time package directly.
type Clock interface {
	Now() time.Time
	NewID() string
}

// SystemClock is the production Clock backed by wall-clock time and random
// UUIDv4 generation.
type SystemClock struct{}

// NewSystemClock returns a Clock backed by the real system clock.
func NewSystemClock() *SystemClock {
	return &SystemClock{}
}

func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

func (SystemClock) NewID() string {
	return uuid.NewString()
}

// FakeClock is a deterministic, advanceable Clock for tests. IDs are
// generated from a monotonically increasing counter so test assertions can
// be exact.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
	counter uint64
	prefix  string
}

// NewFakeClock returns a FakeClock starting at the given instant.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{current: start.UTC(), prefix: "fake"}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Advance moves the fake clock forward, never backward, guarding against
// the timestamp-regression case called out in the design notes.
func (c *FakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d > 0 {
		c.current = c.current.Add(d)
	}
	return c.current
}

// Set pins the clock to an absolute instant, ignored if it would move time
// backward.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.After(c.current) {
		c.current = t.UTC()
	}
}

func (c *FakeClock) NewID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counter++
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(c.idSeed())).String()
}

func (c *FakeClock) idSeed() string {
	return c.prefix + "-" + time.Unix(0, 0).String() + "-" + itoa(c.counter)
}

func itoa(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
