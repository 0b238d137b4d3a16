// internal/membership/ratelimit.go
package membership

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// keyedLimiter holds one token bucket per key. Buckets idle for longer than
// idleTTL are dropped on the next sweep.
type keyedLimiter struct {
	mu       sync.Mutex
	limiters map[string]*keyedEntry
	limit    rate.Limit
	burst    int
	idleTTL  time.Duration
	lastScan time.Time
	now      func() time.Time
}

type keyedEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const (
	defaultLoginsPerMinute        = 5
	defaultRegistrationsPerMinute = 30
)

// perMinute turns an allowance of n events a minute into a limit and burst.
// A non-positive n falls back to def.
func perMinute(n, def int) (rate.Limit, int) {
	if n <= 0 {
		n = def
	}
	return rate.Every(time.Minute / time.Duration(n)), n
}

// newKeyedLimiter allows n events per key per minute.
func newKeyedLimiter(n int) *keyedLimiter {
	limit, burst := perMinute(n, defaultLoginsPerMinute)
	return &keyedLimiter{
		limiters: make(map[string]*keyedEntry),
		limit:    limit,
		burst:    burst,
		idleTTL:  10 * time.Minute,
		now:      time.Now,
	}
}

func (k *keyedLimiter) Allow(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	now := k.now()
	if now.Sub(k.lastScan) > k.idleTTL {
		for key, e := range k.limiters {
			if now.Sub(e.lastSeen) > k.idleTTL {
				delete(k.limiters, key)
			}
		}
		k.lastScan = now
	}

	e, ok := k.limiters[key]
	if !ok {
		e = &keyedEntry{limiter: rate.NewLimiter(k.limit, k.burst)}
		k.limiters[key] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}
