package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Prometheus metrics for rate limit tracking.
var (
	crmCreditsRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "crm_api_credits_remaining",
		Help: "Number of API credits remaining in the current window",
	})

	crmRateLimitWaitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crm_rate_limit_waits_total",
		Help: "Total number of requests held until the credit window reset",
	})

	crmRateLimitThrottlesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crm_rate_limit_throttles_total",
		Help: "Total number of requests throttled due to warning credit level",
	})
)

// epochMillisFloor separates "seconds until reset" from an absolute epoch in
// milliseconds in the reset header.
const epochMillisFloor = 1_000_000_000_000

// DefaultThrottleDelay is how long a request waits in the warning band.
const DefaultThrottleDelay = 1 * time.Second

// DefaultMaxBlockWait caps the wait for a critical credit window to reset.
const DefaultMaxBlockWait = 1 * time.Minute

// Tracker monitors the API credit window and gates requests.
// With a Redis client the state is shared across processes; without one it is
// kept in memory for the lifetime of the tracker.
type Tracker struct {
	redis  *redis.Client
	logger zerolog.Logger

	// ThrottleDelay is slept before a request in the warning band.
	ThrottleDelay time.Duration

	// MaxBlockWait caps the wait in the critical band (0 = until reset).
	MaxBlockWait time.Duration

	// Sleep waits for d or until ctx is done.
	Sleep func(ctx context.Context, d time.Duration) error

	mu    sync.Mutex
	local *RateLimitState
}

// NewTracker creates a new rate limit tracker. redisClient may be nil.
func NewTracker(redisClient *redis.Client, logger zerolog.Logger) *Tracker {
	return &Tracker{
		redis:         redisClient,
		logger:        logger,
		ThrottleDelay: DefaultThrottleDelay,
		MaxBlockWait:  DefaultMaxBlockWait,
		Sleep:         sleepContext,
	}
}

// GetState retrieves the current rate limit state.
// Returns a default healthy state if nothing has been recorded yet.
func (t *Tracker) GetState(ctx context.Context) (*RateLimitState, error) {
	if t.redis == nil {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.local == nil {
			return defaultState(), nil
		}
		state := *t.local
		return &state, nil
	}

	remaining, err := t.redis.Get(ctx, RedisKeyCreditsRemaining).Int()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("get credits remaining: %w", err)
	}

	resetTimestamp, err := t.redis.Get(ctx, RedisKeyResetTimestamp).Int64()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("get reset timestamp: %w", err)
	}

	lastUpdateStr, err := t.redis.Get(ctx, RedisKeyLastUpdate).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("get last update: %w", err)
	}

	if err == redis.Nil {
		t.logger.Debug().Msg("No rate limit state in Redis, returning default healthy state")
		return defaultState(), nil
	}

	var lastUpdate time.Time
	if lastUpdateStr != "" {
		if err := json.Unmarshal([]byte(lastUpdateStr), &lastUpdate); err != nil {
			return nil, fmt.Errorf("parse last update: %w", err)
		}
	}

	state := &RateLimitState{
		CreditsRemaining: remaining,
		ResetAt:          time.Unix(resetTimestamp, 0),
		LastUpdate:       lastUpdate,
	}
	state.UpdateHealth()

	return state, nil
}

// UpdateFromHeaders parses the credit headers of a response and records them.
// Responses without the headers are ignored.
func (t *Tracker) UpdateFromHeaders(ctx context.Context, headers http.Header) error {
	remainStr := headers.Get(HeaderRemaining)
	if remainStr == "" {
		return nil
	}

	remain, err := strconv.Atoi(remainStr)
	if err != nil {
		return fmt.Errorf("parse %s header: %w", HeaderRemaining, err)
	}

	now := time.Now()
	resetAt := now.Add(60 * time.Second)
	if resetStr := headers.Get(HeaderReset); resetStr != "" {
		reset, err := strconv.ParseInt(resetStr, 10, 64)
		if err != nil {
			return fmt.Errorf("parse %s header: %w", HeaderReset, err)
		}
		if reset >= epochMillisFloor {
			resetAt = time.UnixMilli(reset)
		} else {
			resetAt = now.Add(time.Duration(reset) * time.Second)
		}
	}

	state := &RateLimitState{
		CreditsRemaining: remain,
		ResetAt:          resetAt,
		LastUpdate:       now,
	}
	state.UpdateHealth()

	if err := t.store(ctx, state); err != nil {
		return err
	}

	crmCreditsRemaining.Set(float64(remain))

	switch {
	case state.NeedsCriticalBlock():
		t.logger.Error().
			Int("credits_remaining", remain).
			Time("reset_at", state.ResetAt).
			Msg("API credits CRITICAL - requests will be blocked")
	case state.NeedsThrottling():
		t.logger.Warn().
			Int("credits_remaining", remain).
			Time("reset_at", state.ResetAt).
			Msg("API credits low - requests will be throttled")
	default:
		t.logger.Debug().
			Int("credits_remaining", remain).
			Time("reset_at", state.ResetAt).
			Bool("is_healthy", state.IsHealthy).
			Msg("API credit state updated")
	}

	return nil
}

func (t *Tracker) store(ctx context.Context, state *RateLimitState) error {
	if t.redis == nil {
		t.mu.Lock()
		t.local = state
		t.mu.Unlock()
		return nil
	}

	lastUpdateJSON, err := json.Marshal(state.LastUpdate)
	if err != nil {
		return fmt.Errorf("marshal last update: %w", err)
	}

	pipe := t.redis.Pipeline()
	pipe.Set(ctx, RedisKeyCreditsRemaining, state.CreditsRemaining, 0)
	pipe.Set(ctx, RedisKeyResetTimestamp, state.ResetAt.Unix(), 0)
	pipe.Set(ctx, RedisKeyLastUpdate, lastUpdateJSON, 0)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store rate limit state in redis: %w", err)
	}
	return nil
}

// Wait delays a request according to the credit window. In the critical band
// it waits for the window to reset, at most MaxBlockWait; in the warning band it
// waits ThrottleDelay. The request is never refused, so the server stays the
// judge of whether it is served. Only a done ctx ends the wait with an error.
func (t *Tracker) Wait(ctx context.Context) error {
	state, err := t.GetState(ctx)
	if err != nil {
		return fmt.Errorf("get rate limit state: %w", err)
	}

	var wait time.Duration
	switch {
	case state.NeedsCriticalBlock():
		wait = state.TimeUntilReset()
		if t.MaxBlockWait > 0 && wait > t.MaxBlockWait {
			wait = t.MaxBlockWait
		}
		t.logger.Warn().
			Int("credits_remaining", state.CreditsRemaining).
			Dur("wait_duration", wait).
			Msg("API credits critical - waiting for the credit window to reset")
		crmRateLimitWaitsTotal.Inc()

	case state.NeedsThrottling():
		wait = t.ThrottleDelay
		t.logger.Debug().
			Int("credits_remaining", state.CreditsRemaining).
			Msg("API credits low - throttling request")
		crmRateLimitThrottlesTotal.Inc()
	}

	if wait <= 0 {
		return ctx.Err()
	}
	return t.Sleep(ctx, wait)
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
