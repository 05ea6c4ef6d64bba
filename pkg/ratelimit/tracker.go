package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Prometheus metrics for rate limit tracking.
var (
	rateLimitHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zammad_rate_limit_hits_total",
		Help: "Total number of 429 responses received",
	})

	rateLimitWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "zammad_rate_limit_wait_seconds",
		Help:    "Time requests spent waiting for a rate limit cooldown",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
	})
)

// Tracker records rate limit cooldowns and gates requests.
type Tracker struct {
	redis  *redis.Client
	logger zerolog.Logger

	mu    sync.Mutex
	state CooldownState

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewTracker creates a tracker. A nil Redis client keeps the state in
// process memory.
func NewTracker(redisClient *redis.Client, logger zerolog.Logger) *Tracker {
	return &Tracker{
		redis:  redisClient,
		logger: logger,
		now:    time.Now,
		sleep:  sleepContext,
	}
}

// GetState returns the current cooldown state.
func (t *Tracker) GetState(ctx context.Context) (*CooldownState, error) {
	t.mu.Lock()
	state := t.state
	t.mu.Unlock()

	if t.redis == nil {
		return &state, nil
	}

	untilMs, err := t.redis.Get(ctx, RedisKeyCooldownUntil).Int64()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("get cooldown: %w", err)
	}
	if err == nil {
		if shared := time.UnixMilli(untilMs); shared.After(state.Until) {
			state.Until = shared
		}
	}

	hits, err := t.redis.Get(ctx, RedisKeyHits).Int()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("get rate limit hits: %w", err)
	}
	if hits > state.Hits {
		state.Hits = hits
	}
	return &state, nil
}

// UpdateFromResponse records a cooldown when status is 429. It returns the
// cooldown the response asked for.
func (t *Tracker) UpdateFromResponse(ctx context.Context, status int, headers http.Header) (time.Duration, error) {
	if status != http.StatusTooManyRequests {
		return 0, nil
	}

	now := t.now()
	wait := ParseRetryAfter(headers.Get("Retry-After"), now)
	until := now.Add(wait)

	t.mu.Lock()
	t.state.Extend(until, now)
	t.mu.Unlock()

	rateLimitHitsTotal.Inc()
	t.logger.Warn().
		Dur("retry_after", wait).
		Time("cooldown_until", until).
		Msg("Zammad rate limit hit")

	if t.redis == nil {
		return wait, nil
	}

	pipe := t.redis.Pipeline()
	// only ever move the shared cooldown forward
	pipe.Eval(ctx, extendScript, []string{RedisKeyCooldownUntil}, until.UnixMilli(), wait.Milliseconds()+1)
	pipe.Incr(ctx, RedisKeyHits)
	if _, err := pipe.Exec(ctx); err != nil {
		return wait, fmt.Errorf("store cooldown in redis: %w", err)
	}
	return wait, nil
}

const extendScript = `
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
if tonumber(ARGV[1]) > cur then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
end
return 1`

// WaitUntilAllowed blocks until no cooldown is active or ctx is done.
func (t *Tracker) WaitUntilAllowed(ctx context.Context) error {
	state, err := t.GetState(ctx)
	if err != nil {
		return fmt.Errorf("get rate limit state: %w", err)
	}

	wait := state.Remaining(t.now())
	if wait <= 0 {
		return nil
	}

	t.logger.Info().
		Dur("wait", wait).
		Int("hits", state.Hits).
		Msg("Waiting for rate limit cooldown")

	rateLimitWaitSeconds.Observe(wait.Seconds())
	return t.sleep(ctx, wait)
}

// ParseRetryAfter reads a Retry-After value in seconds or as an HTTP date.
// Missing or unparsable values yield DefaultCooldown; the result never
// exceeds MaxCooldown.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return DefaultCooldown
	}

	var wait time.Duration
	if secs, err := strconv.Atoi(value); err == nil {
		wait = time.Duration(secs) * time.Second
	} else if at, err := http.ParseTime(value); err == nil {
		wait = at.Sub(now)
	} else {
		return DefaultCooldown
	}

	switch {
	case wait < 0:
		return 0
	case wait > MaxCooldown:
		return MaxCooldown
	}
	return wait
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
