package backoff_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/YaganovValera/tick-saver/pkg/backoff"
	"github.com/YaganovValera/tick-saver/pkg/logger"
)

func fast(maxElapsed time.Duration) backoff.Config {
	return backoff.Config{InitialInterval: 2 * time.Millisecond, Multiplier: 1, MaxElapsedTime: maxElapsed}
}

func TestRetry(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name      string
		failFirst int
		permanent bool
		maxTime   time.Duration
		wantCalls int
		wantErr   bool
	}{
		{"first attempt", 0, false, time.Second, 1, false},
		{"eventual success", 2, false, time.Second, 3, false},
		{"permanent stops", 100, true, time.Second, 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := backoff.Retry(context.Background(), "test", fast(tt.maxTime), logger.NewNop(), func(context.Context) error {
				calls++
				if calls <= tt.failFirst {
					if tt.permanent {
						return backoff.Permanent(boom)
					}
					return boom
				}
				return nil
			})
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls, tt.wantCalls)
			}
			if tt.wantErr && !errors.Is(err, boom) {
				t.Errorf("error does not wrap cause: %v", err)
			}
		})
	}
}

func TestRetry_Exhausted(t *testing.T) {
	boom := errors.New("redis down")
	err := backoff.Retry(context.Background(), "redis_connect", fast(20*time.Millisecond), logger.NewNop(),
		func(context.Context) error { return boom })
	if !errors.Is(err, backoff.ErrExhausted) || !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
}

func TestRetry_PerAttemptTimeout(t *testing.T) {
	cfg := fast(time.Second)
	cfg.PerAttemptTimeout = 5 * time.Millisecond
	calls := 0
	err := backoff.Retry(context.Background(), "slow", cfg, logger.NewNop(), func(ctx context.Context) error {
		calls++
		if calls == 1 {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	})
	if err != nil || calls != 2 {
		t.Errorf("err = %v, calls = %d", err, calls)
	}
}

func TestRetry_InvalidConfig(t *testing.T) {
	cfg := backoff.Config{Multiplier: 0.5}
	if err := backoff.Retry(context.Background(), "x", cfg, logger.NewNop(), func(context.Context) error { return nil }); err == nil {
		t.Error("expected config error")
	}
}
