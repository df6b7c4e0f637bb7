// Copyright 2026 Annex Project
//
// Admission Layer - token-bucket rate limiting keyed by
// (remote_ip, endpoint_class), with per-class budgets from the active
// server policy. Exhaustion surfaces RateLimited with a retry hint.

package admission

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/seismicgear/annex/pkg/errkind"
	"github.com/seismicgear/annex/pkg/policy"
)

// Endpoint classes.
const (
	ClassRegistration = "registration"
	ClassVerification = "verification"
	ClassDefault      = "default"
)

// shardCount spreads bucket maps over independent locks; the shard is
// picked by a hash of the key to reduce contention.
const shardCount = 16

// bucketIdleTTL is how long an untouched bucket survives before the
// janitor sweep reclaims it.
const bucketIdleTTL = 10 * time.Minute

type bucket struct {
	limiter  *rate.Limiter
	perMin   int
	lastSeen time.Time
}

type shard struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

// Limiter is the token-bucket admission limiter. Budgets are read from the
// policy snapshot on every call so policy updates apply immediately.
type Limiter struct {
	policyFn func() *policy.Policy
	shards   [shardCount]*shard
	now      func() time.Time
}

// LimiterOption configures the limiter.
type LimiterOption func(*Limiter)

// WithClock injects a clock, used by tests.
func WithClock(now func() time.Time) LimiterOption {
	return func(l *Limiter) { l.now = now }
}

// NewLimiter creates the admission limiter.
func NewLimiter(policyFn func() *policy.Policy, opts ...LimiterOption) *Limiter {
	l := &Limiter{
		policyFn: policyFn,
		now:      time.Now,
	}
	for i := range l.shards {
		l.shards[i] = &shard{buckets: make(map[string]*bucket)}
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow consumes one token for (remoteIP, class). On exhaustion it returns
// a RateLimited error carrying the remaining-window hint.
func (l *Limiter) Allow(remoteIP, class string) error {
	perMin := l.limitFor(class)
	key := remoteIP + "|" + class
	now := l.now()

	s := l.shards[fnv32(key)%shardCount]
	s.mu.Lock()
	b, ok := s.buckets[key]
	if !ok || b.perMin != perMin {
		// New key, or the policy budget changed: start a fresh bucket with
		// burst equal to the per-minute budget.
		b = &bucket{
			limiter: rate.NewLimiter(rate.Limit(float64(perMin)/60.0), perMin),
			perMin:  perMin,
		}
		s.buckets[key] = b
	}
	b.lastSeen = now
	lim := b.limiter
	s.mu.Unlock()

	r := lim.ReserveN(now, 1)
	if !r.OK() {
		return errkind.RateLimitedError(60)
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		retry := int(delay.Seconds()) + 1
		if retry > 60 {
			retry = 60
		}
		return errkind.RateLimitedError(retry)
	}
	return nil
}

// Sweep drops buckets idle past the TTL. Called periodically from the
// server's housekeeping loop.
func (l *Limiter) Sweep() int {
	cutoff := l.now().Add(-bucketIdleTTL)
	removed := 0
	for _, s := range l.shards {
		s.mu.Lock()
		for key, b := range s.buckets {
			if b.lastSeen.Before(cutoff) {
				delete(s.buckets, key)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

func (l *Limiter) limitFor(class string) int {
	p := l.policyFn()
	switch class {
	case ClassRegistration:
		return p.RateLimit.Registration
	case ClassVerification:
		return p.RateLimit.Verification
	default:
		return p.RateLimit.Default
	}
}

// fnv32 hashes a bucket key onto a shard.
func fnv32(s string) uint32 {
	h := uint32(2166136261)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return h
}
