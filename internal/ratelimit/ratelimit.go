// Package ratelimit implements C9's admission side: per-identity token
// buckets with configurable tiers and escalating cooldowns on repeated
// violations (spec.md §4.10).
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/notno/agentcom/internal/config"
)

// defaultCooldowns is the escalation ladder applied after repeated
// violations from the same identity (spec.md §4.10: "e.g. 30s -> 60s -> 5m").
var defaultCooldowns = []time.Duration{
	30 * time.Second,
	60 * time.Second,
	5 * time.Minute,
}

type identityState struct {
	limiter        *rate.Limiter
	violationCount int
	cooldownUntil  time.Time
}

// Limiter admits requests per identity (agent id, connection id, or IP),
// grouped into named tiers.
type Limiter struct {
	mu    sync.Mutex
	tiers map[string]config.RateLimitTier
	state map[string]*identityState

	cooldowns []time.Duration
	nowFunc   func() time.Time
}

// New constructs a Limiter from the configured tiers.
func New(tiers map[string]config.RateLimitTier) *Limiter {
	return &Limiter{
		tiers:     tiers,
		state:     make(map[string]*identityState),
		cooldowns: defaultCooldowns,
		nowFunc:   time.Now,
	}
}

func (l *Limiter) tierFor(tier string) config.RateLimitTier {
	if t, ok := l.tiers[tier]; ok {
		return t
	}
	return l.tiers["default"]
}

func (l *Limiter) stateFor(identity, tier string) *identityState {
	key := tier + "|" + identity
	st, ok := l.state[key]
	if !ok {
		cfg := l.tierFor(tier)
		st = &identityState{limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst)}
		l.state[key] = st
	}
	return st
}

// Allow reports whether a request from identity under tier is admitted. If
// not, it returns the retry-after duration the caller should honor.
func (l *Limiter) Allow(identity, tier string) (ok bool, retryAfter time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := l.stateFor(identity, tier)
	now := l.nowFunc()

	if now.Before(st.cooldownUntil) {
		return false, st.cooldownUntil.Sub(now)
	}

	if st.limiter.AllowN(now, 1) {
		return true, 0
	}

	cooldown := l.cooldownFor(st.violationCount)
	st.violationCount++
	st.cooldownUntil = now.Add(cooldown)
	return false, cooldown
}

func (l *Limiter) cooldownFor(violationCount int) time.Duration {
	if violationCount >= len(l.cooldowns) {
		return l.cooldowns[len(l.cooldowns)-1]
	}
	return l.cooldowns[violationCount]
}

// Reset clears an identity's violation history (e.g. after an operator
// intervention).
func (l *Limiter) Reset(identity, tier string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.state, tier+"|"+identity)
}
