package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("database is locked"), true},
		{errors.New("SQLITE_BUSY: cannot commit"), true},
		{errors.New("disk I/O error (522)"), true},
		{errors.New("UNIQUE constraint failed"), false},
	}
	for _, tt := range tests {
		if got := isTransient(tt.err); got != tt.want {
			t.Errorf("isTransient(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestRetryOp(t *testing.T) {
	cfg := retryConfig{maxRetries: 3, baseDelay: time.Millisecond, maxDelay: 2 * time.Millisecond}

	t.Run("recovers from transient error", func(t *testing.T) {
		calls := 0
		err := retryOp(context.Background(), cfg, func() error {
			calls++
			if calls < 3 {
				return errors.New("database is locked")
			}
			return nil
		})
		if err != nil || calls != 3 {
			t.Fatalf("err=%v calls=%d", err, calls)
		}
	})

	t.Run("permanent error returns immediately", func(t *testing.T) {
		calls := 0
		err := retryOp(context.Background(), cfg, func() error {
			calls++
			return errors.New("no such table")
		})
		if err == nil || calls != 1 {
			t.Fatalf("err=%v calls=%d", err, calls)
		}
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		calls := 0
		err := retryOp(context.Background(), cfg, func() error {
			calls++
			return errors.New("SQLITE_BUSY")
		})
		if err == nil || calls != cfg.maxRetries+1 {
			t.Fatalf("err=%v calls=%d", err, calls)
		}
	})

	t.Run("stops when context is done", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		calls := 0
		err := retryOp(ctx, cfg, func() error {
			calls++
			return errors.New("SQLITE_BUSY")
		})
		if err == nil || calls != 1 {
			t.Fatalf("err=%v calls=%d", err, calls)
		}
	})
}

func TestBackoffDelay(t *testing.T) {
	cfg := retryConfig{maxRetries: 5, baseDelay: 10 * time.Millisecond, maxDelay: 40 * time.Millisecond}
	for attempt, floor := range []time.Duration{10, 20, 40, 40} {
		floor *= time.Millisecond
		d := backoffDelay(cfg, attempt)
		if d < floor || d >= floor+cfg.baseDelay {
			t.Errorf("attempt %d: delay %s outside [%s, %s)", attempt, d, floor, floor+cfg.baseDelay)
		}
	}
}
