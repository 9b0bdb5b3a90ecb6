package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestUpdateFromHeaders_InMemory(t *testing.T) {
	tests := []struct {
		name            string
		remainHeader    string
		resetHeader     string
		expectedRemain  int
		expectedHealthy bool
	}{
		{
			name:            "healthy state",
			remainHeader:    "100",
			resetHeader:     "60",
			expectedRemain:  100,
			expectedHealthy: true,
		},
		{
			name:            "warning state",
			remainHeader:    "15",
			resetHeader:     "30",
			expectedRemain:  15,
			expectedHealthy: false,
		},
		{
			name:            "critical state",
			remainHeader:    "3",
			resetHeader:     "45",
			expectedRemain:  3,
			expectedHealthy: false,
		},
		{
			name:            "at healthy threshold",
			remainHeader:    "50",
			resetHeader:     "60",
			expectedRemain:  50,
			expectedHealthy: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker := NewTracker(nil, zerolog.Nop())

			headers := http.Header{}
			headers.Set(HeaderRemaining, tt.remainHeader)
			headers.Set(HeaderReset, tt.resetHeader)

			if err := tracker.UpdateFromHeaders(context.Background(), headers); err != nil {
				t.Fatalf("UpdateFromHeaders() error = %v", err)
			}

			state, err := tracker.GetState(context.Background())
			if err != nil {
				t.Fatalf("GetState() error = %v", err)
			}

			if state.CreditsRemaining != tt.expectedRemain {
				t.Errorf("CreditsRemaining = %d, want %d", state.CreditsRemaining, tt.expectedRemain)
			}
			if state.IsHealthy != tt.expectedHealthy {
				t.Errorf("IsHealthy = %v, want %v", state.IsHealthy, tt.expectedHealthy)
			}
		})
	}
}

func TestUpdateFromHeaders_InvalidHeaders(t *testing.T) {
	tracker := NewTracker(nil, zerolog.Nop())

	tests := []struct {
		name         string
		remainHeader string
		resetHeader  string
		shouldError  bool
	}{
		{
			name:         "missing remain header",
			remainHeader: "",
			resetHeader:  "60",
			shouldError:  false,
		},
		{
			name:         "invalid remain header",
			remainHeader: "invalid",
			resetHeader:  "60",
			shouldError:  true,
		},
		{
			name:         "invalid reset header",
			remainHeader: "100",
			resetHeader:  "invalid",
			shouldError:  true,
		},
		{
			name:         "missing reset header uses default window",
			remainHeader: "100",
			resetHeader:  "",
			shouldError:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			headers := http.Header{}
			if tt.remainHeader != "" {
				headers.Set(HeaderRemaining, tt.remainHeader)
			}
			if tt.resetHeader != "" {
				headers.Set(HeaderReset, tt.resetHeader)
			}

			err := tracker.UpdateFromHeaders(context.Background(), headers)

			if tt.shouldError && err == nil {
				t.Error("Expected error but got nil")
			}
			if !tt.shouldError && err != nil {
				t.Errorf("Unexpected error: %v", err)
			}
		})
	}
}

func TestUpdateFromHeaders_EpochMillisReset(t *testing.T) {
	tracker := NewTracker(nil, zerolog.Nop())
	resetAt := time.Now().Add(90 * time.Second)

	headers := http.Header{}
	headers.Set(HeaderRemaining, "80")
	headers.Set(HeaderReset, strconv.FormatInt(resetAt.UnixMilli(), 10))

	if err := tracker.UpdateFromHeaders(context.Background(), headers); err != nil {
		t.Fatalf("UpdateFromHeaders() error = %v", err)
	}

	state, err := tracker.GetState(context.Background())
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}

	diff := state.ResetAt.Sub(resetAt)
	if diff < -time.Second || diff > time.Second {
		t.Errorf("ResetAt = %v, want approximately %v", state.ResetAt, resetAt)
	}
}

func TestGetState_DefaultHealthy(t *testing.T) {
	tracker := NewTracker(nil, zerolog.Nop())

	state, err := tracker.GetState(context.Background())
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	if !state.IsHealthy {
		t.Error("Default state should be healthy")
	}
}

// recordSleeps replaces the tracker's sleep so waits are observed, not slept.
func recordSleeps(tracker *Tracker) *[]time.Duration {
	var waits []time.Duration
	tracker.Sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return ctx.Err()
	}
	return &waits
}

func TestWait_InMemory(t *testing.T) {
	tests := []struct {
		name      string
		remaining string
		reset     string
		wantMin   time.Duration
		wantMax   time.Duration
	}{
		{name: "healthy - no wait", remaining: "100", reset: "60"},
		{name: "warning - throttle delay", remaining: "15", reset: "60", wantMin: 10 * time.Millisecond, wantMax: 10 * time.Millisecond},
		{name: "critical - until reset", remaining: "3", reset: "30", wantMin: 29 * time.Second, wantMax: 30 * time.Second},
		{name: "critical - capped", remaining: "0", reset: "3600", wantMin: DefaultMaxBlockWait, wantMax: DefaultMaxBlockWait},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker := NewTracker(nil, zerolog.Nop())
			tracker.ThrottleDelay = 10 * time.Millisecond
			waits := recordSleeps(tracker)

			headers := http.Header{}
			headers.Set(HeaderRemaining, tt.remaining)
			headers.Set(HeaderReset, tt.reset)
			if err := tracker.UpdateFromHeaders(context.Background(), headers); err != nil {
				t.Fatalf("UpdateFromHeaders() error = %v", err)
			}

			if err := tracker.Wait(context.Background()); err != nil {
				t.Fatalf("Wait() error = %v", err)
			}

			if tt.wantMax == 0 {
				if len(*waits) != 0 {
					t.Errorf("waits = %v, want none", *waits)
				}
				return
			}
			if len(*waits) != 1 {
				t.Fatalf("waits = %v, want one", *waits)
			}
			if w := (*waits)[0]; w < tt.wantMin || w > tt.wantMax {
				t.Errorf("wait = %v, want %v..%v", w, tt.wantMin, tt.wantMax)
			}
		})
	}
}

func TestWait_RespectsContext(t *testing.T) {
	tracker := NewTracker(nil, zerolog.Nop())

	headers := http.Header{}
	headers.Set(HeaderRemaining, "1")
	headers.Set(HeaderReset, "60")
	if err := tracker.UpdateFromHeaders(context.Background(), headers); err != nil {
		t.Fatalf("UpdateFromHeaders() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := tracker.Wait(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait() error = %v, want deadline exceeded", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Wait() returned after %v, want it to end with the context", elapsed)
	}
}
