package server

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

const (
	bucketSweepEvery = 5 * time.Minute
	bucketIdleEvict  = 10 * time.Minute
)

// LimitReason describes why a connection was refused locally.
type LimitReason string

const (
	LimitReasonGlobal LimitReason = "global_limit"
	LimitReasonPerIP  LimitReason = "per_ip_limit"
	LimitReasonRate   LimitReason = "rate_limit"
)

// ConnectionLimits combines the three local admission limits. These run
// before the shared gatekeeper so a misbehaving source is turned away
// without touching Redis.
type ConnectionLimits struct {
	global *GlobalConnectionLimiter
	perIP  *IPConnectionLimiter
	rate   *ConnectionRateLimiter
}

func NewConnectionLimits(globalMax int64, perIPMax int, connectionsPerSecond float64, burst int) *ConnectionLimits {
	return &ConnectionLimits{
		global: NewGlobalConnectionLimiter(globalMax),
		perIP:  NewIPConnectionLimiter(perIPMax),
		rate:   NewConnectionRateLimiter(connectionsPerSecond, burst),
	}
}

// Acquire claims all three limits for ip, returning the first limit
// that refused. Cheapest check runs first; the global slot is rolled
// back when the per-IP check refuses.
func (l *ConnectionLimits) Acquire(ip string) (bool, LimitReason) {
	if !l.rate.Allow(ip) {
		return false, LimitReasonRate
	}
	if !l.global.Acquire() {
		return false, LimitReasonGlobal
	}
	if !l.perIP.Acquire(ip) {
		l.global.Release()
		return false, LimitReasonPerIP
	}
	return true, ""
}

// Release returns the slots claimed by a successful Acquire.
func (l *ConnectionLimits) Release(ip string) {
	l.perIP.Release(ip)
	l.global.Release()
}

func (l *ConnectionLimits) Global() *GlobalConnectionLimiter {
	return l.global
}

// GlobalConnectionLimiter caps total concurrent connections per
// instance. Lock-free.
type GlobalConnectionLimiter struct {
	current atomic.Int64
	max     int64
}

func NewGlobalConnectionLimiter(max int64) *GlobalConnectionLimiter {
	return &GlobalConnectionLimiter{max: max}
}

// Acquire claims a slot, reporting false at capacity.
func (l *GlobalConnectionLimiter) Acquire() bool {
	for {
		n := l.current.Load()
		if n >= l.max {
			return false
		}
		if l.current.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (l *GlobalConnectionLimiter) Release() {
	l.current.Add(-1)
}

func (l *GlobalConnectionLimiter) Current() int64 {
	return l.current.Load()
}

// CapacityPct reports utilization as a percentage of the configured max.
func (l *GlobalConnectionLimiter) CapacityPct() float64 {
	if l.max == 0 {
		return 0
	}
	return float64(l.Current()) / float64(l.max) * 100
}

// IPConnectionLimiter caps concurrent connections per client address.
type IPConnectionLimiter struct {
	mu     sync.Mutex
	counts map[string]int
	maxPer int
}

func NewIPConnectionLimiter(maxPer int) *IPConnectionLimiter {
	return &IPConnectionLimiter{counts: make(map[string]int), maxPer: maxPer}
}

func (l *IPConnectionLimiter) Acquire(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.counts[ip] >= l.maxPer {
		return false
	}
	l.counts[ip]++
	return true
}

// Release decrements ip's count, dropping the entry at zero so the map
// never grows with dead addresses. Releasing an unknown ip is a no-op.
func (l *IPConnectionLimiter) Release(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := l.counts[ip]
	switch {
	case n > 1:
		l.counts[ip] = n - 1
	case n == 1:
		delete(l.counts, ip)
	}
}

func (l *IPConnectionLimiter) Count(ip string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[ip]
}

// ConnectionRateLimiter throttles new connections per address with a
// token bucket each. Idle buckets are swept on a fixed cadence so the
// map stays bounded by recently-seen addresses.
type ConnectionRateLimiter struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	perSecond rate.Limit
	burst     int
	nextSweep time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewConnectionRateLimiter(connectionsPerSecond float64, burst int) *ConnectionRateLimiter {
	return &ConnectionRateLimiter{
		buckets:   make(map[string]*bucket),
		perSecond: rate.Limit(connectionsPerSecond),
		burst:     burst,
		nextSweep: time.Now().Add(bucketSweepEvery),
	}
}

func (l *ConnectionRateLimiter) Allow(ip string) bool {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.After(l.nextSweep) {
		cutoff := now.Add(-bucketIdleEvict)
		for addr, b := range l.buckets {
			if b.lastSeen.Before(cutoff) {
				delete(l.buckets, addr)
			}
		}
		l.nextSweep = now.Add(bucketSweepEvery)
	}

	b, ok := l.buckets[ip]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.perSecond, l.burst)}
		l.buckets[ip] = b
	}
	b.lastSeen = now
	return b.limiter.Allow()
}
