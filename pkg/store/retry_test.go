package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestIsTransientSQLiteErr(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"non-transient", errors.New("UNIQUE constraint failed"), false},
		{"SQLITE_BUSY text", errors.New("SQLITE_BUSY"), true},
		{"SQLITE_LOCKED text", errors.New("SQLITE_LOCKED"), true},
		{"IOERR_SHORT_READ text", errors.New("IOERR_SHORT_READ"), true},
		{"database is locked", errors.New("database is locked"), true},
		{"code 5", errors.New("sqlite: (5) database is busy"), true},
		{"code 522", errors.New("sqlite: (522) short read"), true},
		{"wrapped", errors.New("advance watermark d1: SQLITE_BUSY"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isTransientSQLiteErr(tt.err); got != tt.want {
				t.Errorf("isTransientSQLiteErr(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func fastRetry(n int) retryConfig {
	return retryConfig{maxRetries: n, baseDelay: time.Millisecond, maxDelay: 5 * time.Millisecond}
}

func TestRetryOpPermanentErrorNotRetried(t *testing.T) {
	calls := 0
	permanent := errors.New("no such table: watermarks")
	err := retryOp(context.Background(), fastRetry(3), func() error {
		calls++
		return permanent
	})
	if err != permanent {
		t.Fatalf("got %v, want %v", err, permanent)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestRetryOpRecoversFromBusy(t *testing.T) {
	calls := 0
	err := retryOp(context.Background(), fastRetry(3), func() error {
		calls++
		if calls < 3 {
			return errors.New("database is locked")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestRetryOpExhausts(t *testing.T) {
	calls := 0
	err := retryOp(context.Background(), fastRetry(2), func() error {
		calls++
		return errors.New("SQLITE_BUSY")
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	// One attempt plus two retries.
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestRetryOpStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	cfg := retryConfig{maxRetries: 5, baseDelay: 50 * time.Millisecond, maxDelay: time.Second}
	err := retryOp(ctx, cfg, func() error {
		calls++
		cancel()
		return errors.New("SQLITE_BUSY")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestBackoffDelay(t *testing.T) {
	cfg := retryConfig{baseDelay: 50 * time.Millisecond, maxDelay: 500 * time.Millisecond}
	for attempt, lo := range []time.Duration{50, 100, 200, 400} {
		lo *= time.Millisecond
		d := backoffDelay(cfg, attempt)
		if d < lo || d >= lo+cfg.baseDelay {
			t.Errorf("attempt %d delay %v not in [%v, %v)", attempt, d, lo, lo+cfg.baseDelay)
		}
	}
	if d := backoffDelay(cfg, 10); d >= cfg.maxDelay+cfg.baseDelay {
		t.Errorf("delay %v not capped", d)
	}
}
