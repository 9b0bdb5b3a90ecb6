// Package ratelimit tracks the CRM API credit window and gates requests.
// It reads the X-RATELIMIT-REMAINING and X-RATELIMIT-RESET response headers so a
// run backs off before the remote side starts rejecting calls.
package ratelimit

import (
	"time"
)

// Redis keys for rate limit state storage.
const (
	RedisKeyCreditsRemaining = "crm:rate_limit:credits_remaining"
	RedisKeyResetTimestamp   = "crm:rate_limit:reset_timestamp"
	RedisKeyLastUpdate       = "crm:rate_limit:last_update"
)

// Response headers carrying the credit window.
const (
	HeaderLimit     = "X-RATELIMIT-LIMIT"
	HeaderRemaining = "X-RATELIMIT-REMAINING"
	HeaderReset     = "X-RATELIMIT-RESET"
)

// Thresholds for rate limit decisions.
const (
	// CreditThresholdCritical blocks all requests when credits remaining falls below this value.
	CreditThresholdCritical = 5

	// CreditThresholdWarning applies throttling when credits remaining falls below this value.
	CreditThresholdWarning = 20

	// CreditThresholdHealthy indicates normal operation.
	CreditThresholdHealthy = 50
)

// RateLimitState represents the current API credit window.
type RateLimitState struct {
	// CreditsRemaining is the number of calls left in the current window.
	CreditsRemaining int `json:"credits_remaining"`

	// ResetAt is when the window resets.
	ResetAt time.Time `json:"reset_at"`

	// LastUpdate is when this state was last updated.
	LastUpdate time.Time `json:"last_update"`

	// IsHealthy is true when CreditsRemaining >= CreditThresholdHealthy.
	IsHealthy bool `json:"is_healthy"`
}

// NeedsCriticalBlock returns true if requests should be blocked.
// A window that has already reset never blocks.
func (s *RateLimitState) NeedsCriticalBlock() bool {
	return s.CreditsRemaining < CreditThresholdCritical && s.TimeUntilReset() > 0
}

// NeedsThrottling returns true if requests should be throttled due to warning threshold.
func (s *RateLimitState) NeedsThrottling() bool {
	return s.CreditsRemaining < CreditThresholdWarning && !s.NeedsCriticalBlock() && s.TimeUntilReset() > 0
}

// TimeUntilReset returns the duration until the window resets.
// Returns 0 if the reset time has already passed.
func (s *RateLimitState) TimeUntilReset() time.Duration {
	duration := time.Until(s.ResetAt)
	if duration < 0 {
		return 0
	}
	return duration
}

// UpdateHealth updates the IsHealthy field based on current CreditsRemaining.
func (s *RateLimitState) UpdateHealth() {
	s.IsHealthy = s.CreditsRemaining >= CreditThresholdHealthy
}

func defaultState() *RateLimitState {
	now := time.Now()
	return &RateLimitState{
		CreditsRemaining: 100, // assume healthy until a response says otherwise
		ResetAt:          now.Add(60 * time.Second),
		LastUpdate:       now,
		IsHealthy:        true,
	}
}
