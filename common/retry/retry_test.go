package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDoRetriesUntilSuccess(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), Config{MaxAttempts: 3, InitialDelay: time.Millisecond}, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	terminal := errors.New("bad request")
	attempts := 0
	err := Do(context.Background(), Config{
		MaxAttempts:  5,
		InitialDelay: time.Millisecond,
		ShouldRetry:  func(err error) bool { return !errors.Is(err, terminal) },
	}, func() error {
		attempts++
		return terminal
	})
	if !errors.Is(err, terminal) {
		t.Fatalf("err = %v, want the terminal error", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestDoHonorsDelayHint(t *testing.T) {
	rateLimited := errors.New("rate limited")
	attempts := 0
	start := time.Now()
	err := Do(context.Background(), Config{
		MaxAttempts:  2,
		InitialDelay: time.Millisecond,
		MaxDelay:     time.Second,
		DelayHint: func(err error) time.Duration {
			if errors.Is(err, rateLimited) {
				return 60 * time.Millisecond
			}
			return 0
		},
	}, func() error {
		attempts++
		if attempts == 1 {
			return rateLimited
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 60*time.Millisecond {
		t.Errorf("elapsed = %v, want the server-suggested wait to be honored", elapsed)
	}
}

func TestDoCapsDelayHintAtMaxDelay(t *testing.T) {
	attempts := 0
	start := time.Now()
	err := Do(context.Background(), Config{
		MaxAttempts:  2,
		InitialDelay: time.Millisecond,
		MaxDelay:     20 * time.Millisecond,
		DelayHint:    func(error) time.Duration { return time.Hour },
	}, func() error {
		attempts++
		if attempts == 1 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("elapsed = %v, hint must not exceed MaxDelay", elapsed)
	}
}
