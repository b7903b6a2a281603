package utils

import (
	"errors"
	"testing"
	"time"
)

func TestRetrySucceedsAfterFailures(t *testing.T) {
	r := &RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, Logger: NewLogger()}

	attempts := 0
	err := r.Do("flaky-op", func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("expected success on third attempt, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts: got %d, want 3", attempts)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	r := &RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond, Logger: NewLogger()}

	attempts := 0
	err := r.Do("always-fails", func() error {
		attempts++
		return errors.New("boom")
	})

	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if attempts != 2 {
		t.Errorf("attempts: got %d, want 2", attempts)
	}
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	r := &RetryConfig{MaxAttempts: 5, BaseDelay: time.Millisecond, Logger: NewLogger()}

	attempts := 0
	base := errors.New("bad payload")
	err := r.Do("decode-op", func() error {
		attempts++
		return Permanent(base)
	})

	if attempts != 1 {
		t.Errorf("permanent error must not be retried, got %d attempts", attempts)
	}
	if !errors.Is(err, base) {
		t.Errorf("wrapped error lost: %v", err)
	}
	if !IsPermanent(err) {
		t.Error("permanence must survive the return")
	}
}

func TestPermanentNil(t *testing.T) {
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) must stay nil")
	}
	if IsPermanent(nil) {
		t.Error("nil is not permanent")
	}
}
