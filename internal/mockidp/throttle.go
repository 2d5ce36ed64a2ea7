package mockidp

import (
	"math"
	"sync"
	"time"
)

const staleThreshold = 10 * time.Minute

// throttle is a token bucket per key, used to slow down password guessing.
type throttle struct {
	rate  float64 // attempts per second
	burst int
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	tokens   float64
	lastSeen time.Time
}

func newThrottle(rate float64, burst int, clock func() time.Time) *throttle {
	return &throttle{
		rate:    rate,
		burst:   burst,
		now:     clock,
		buckets: make(map[string]*bucket),
	}
}

// allow takes one attempt from key's bucket. When the bucket is empty it
// returns false and the number of seconds until the next attempt.
func (t *throttle) allow(key string) (bool, int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	b, ok := t.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(t.burst), lastSeen: now}
		t.buckets[key] = b
	}

	b.tokens = min(b.tokens+now.Sub(b.lastSeen).Seconds()*t.rate, float64(t.burst))
	b.lastSeen = now

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	deficit := 1.0 - b.tokens
	return false, max(int(math.Ceil(deficit/t.rate)), 1)
}

// reset forgets key, restoring its full burst.
func (t *throttle) reset(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.buckets, key)
}

// sweep drops buckets idle for longer than staleThreshold.
func (t *throttle) sweep() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	for key, b := range t.buckets {
		if now.Sub(b.lastSeen) > staleThreshold {
			delete(t.buckets, key)
		}
	}
}

func (t *throttle) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.buckets)
}
