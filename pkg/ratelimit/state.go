// Package ratelimit tracks the cooldown a Zammad instance requests with
// 429 Too Many Requests responses and gates requests until it has passed.
// The cooldown is shared through Redis when a client is configured, so
// concurrent extractor processes against the same instance back off together.
package ratelimit

import (
	"time"
)

// Redis keys for cooldown state storage.
const (
	RedisKeyCooldownUntil = "zammad:rate_limit:cooldown_until"
	RedisKeyHits          = "zammad:rate_limit:hits"
)

const (
	// DefaultCooldown is used when a 429 response carries no usable
	// Retry-After header.
	DefaultCooldown = 5 * time.Second

	// MaxCooldown bounds the cooldown a single response can request.
	MaxCooldown = 5 * time.Minute
)

// CooldownState is the current rate limit cooldown.
type CooldownState struct {
	// Until is the time before which no request should be sent.
	Until time.Time `json:"until"`

	// Hits counts the 429 responses seen since the state was created.
	Hits int `json:"hits"`

	// LastUpdate is the time the state was last changed.
	LastUpdate time.Time `json:"last_update"`
}

// Active reports whether requests must still wait at now.
func (s *CooldownState) Active(now time.Time) bool {
	return now.Before(s.Until)
}

// Remaining returns the wait left at now, or 0 once the cooldown is over.
func (s *CooldownState) Remaining(now time.Time) time.Duration {
	d := s.Until.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Extend moves Until forward to until; an earlier time never shortens an
// active cooldown.
func (s *CooldownState) Extend(until, now time.Time) {
	if until.After(s.Until) {
		s.Until = until
	}
	s.Hits++
	s.LastUpdate = now
}
