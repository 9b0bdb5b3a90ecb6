package extract

import (
	"context"
	"time"

	"github.com/Sternrassler/crm-bulk-etl/pkg/client"
	"github.com/cenkalti/backoff/v4"
)

// JobCreator creates bulk read jobs.
type JobCreator interface {
	CreateJob(ctx context.Context, req client.CreateJobRequest) (string, error)
}

// RetryConfig holds the job creation retry policy.
type RetryConfig struct {
	// MaxAttempts is the number of attempts including the first one.
	// 1 disables retries.
	MaxAttempts int

	// InitialBackoff is the wait before the first retry.
	InitialBackoff time.Duration

	// MaxBackoff caps the wait between attempts.
	MaxBackoff time.Duration

	// BackoffMultiplier grows the wait after every attempt.
	BackoffMultiplier float64
}

// DefaultRetryConfig returns the default policy: a single attempt.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       1,
		InitialBackoff:    2 * time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// createWithRetry creates a job, retrying errors the client classifies as
// retryable.
func (d *Driver) createWithRetry(ctx context.Context, req client.CreateJobRequest) (string, error) {
	cfg := d.config.CreateRetry
	if cfg.MaxAttempts <= 1 {
		return d.api.CreateJob(ctx, req)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialBackoff
	b.MaxInterval = cfg.MaxBackoff
	if cfg.BackoffMultiplier > 0 {
		b.Multiplier = cfg.BackoffMultiplier
	}
	b.MaxElapsedTime = 0
	b.Reset()

	var id string
	attempt := 0
	operation := func() error {
		attempt++
		var err error
		id, err = d.api.CreateJob(ctx, req)
		if err != nil && !client.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		class := client.ClassOf(err)
		bulkCreateRetries.WithLabelValues(string(class)).Inc()
		d.logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Str("error_class", string(class)).
			Dur("backoff", wait).
			Msg("Job creation failed, retrying")
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(cfg.MaxAttempts-1)), ctx)
	timer := &clockTimer{clock: d.clock, ctx: ctx}
	defer timer.Stop()
	if err := backoff.RetryNotifyWithTimer(operation, policy, notify, timer); err != nil {
		return "", err
	}
	return id, nil
}

// clockTimer runs the backoff waits on the driver's Clock.
type clockTimer struct {
	clock  Clock
	ctx    context.Context
	cancel context.CancelFunc
	c      chan time.Time
}

func (t *clockTimer) Start(d time.Duration) {
	t.Stop()
	ctx, cancel := context.WithCancel(t.ctx)
	c := make(chan time.Time, 1)
	t.cancel, t.c = cancel, c

	go func() {
		if err := t.clock.Sleep(ctx, d); err == nil {
			c <- t.clock.Now()
		}
	}()
}

func (t *clockTimer) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
}

func (t *clockTimer) C() <-chan time.Time {
	return t.c
}
