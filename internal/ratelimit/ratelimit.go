package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type RateLimit interface {
	Allow(addr string) bool
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// TokenBucketLimiter gives every address a bucket of maxRequests tokens that
// refills completely over one interval.
type TokenBucketLimiter struct {
	maxRequests int
	interval    time.Duration
	every       rate.Limit
	visitors    map[string]*visitor
	lastSweep   time.Time
	mutex       sync.Mutex
}

func New(maxRequests int, interval time.Duration) RateLimit {
	every := rate.Limit(0)
	if maxRequests > 0 && interval > 0 {
		every = rate.Every(interval / time.Duration(maxRequests))
	}

	return &TokenBucketLimiter{
		maxRequests: maxRequests,
		interval:    interval,
		every:       every,
		visitors:    make(map[string]*visitor),
		lastSweep:   time.Now(),
	}
}

func (rl *TokenBucketLimiter) Allow(addr string) bool {
	if rl.maxRequests <= 0 {
		return false
	}

	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	now := time.Now()
	rl.sweep(now)

	v := rl.visitors[addr]
	if v == nil {
		v = &visitor{limiter: rate.NewLimiter(rl.every, rl.maxRequests)}
		rl.visitors[addr] = v
	}
	v.lastSeen = now

	return v.limiter.AllowN(now, 1)
}

// sweep drops addresses whose bucket has had a full interval to refill.
func (rl *TokenBucketLimiter) sweep(now time.Time) {
	if now.Sub(rl.lastSweep) < rl.interval {
		return
	}
	for addr, v := range rl.visitors {
		if now.Sub(v.lastSeen) > rl.interval {
			delete(rl.visitors, addr)
		}
	}
	rl.lastSweep = now
}

func (rl *TokenBucketLimiter) tracked() int {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()
	return len(rl.visitors)
}
