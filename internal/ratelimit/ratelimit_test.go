package ratelimit

import (
	"errors"
	"testing"
)

func TestUnlimitedWhenZero(t *testing.T) {
	l := NewLimiter(Config{})
	for i := 0; i < 100; i++ {
		if err := l.Allow("user"); err != nil {
			t.Fatalf("request %d: %v, want nil in unlimited mode", i, err)
		}
	}
}

func TestBurstExhaustion(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 2})

	if err := l.Allow("user"); err != nil {
		t.Fatalf("first request: %v", err)
	}
	if err := l.Allow("user"); err != nil {
		t.Fatalf("second request: %v", err)
	}
	if err := l.Allow("user"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("third request: %v, want ErrRateLimited", err)
	}
}

func TestPerUserIsolation(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 1})

	if err := l.Allow("alice"); err != nil {
		t.Fatalf("alice: %v", err)
	}
	if err := l.Allow("alice"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("alice second request: %v, want ErrRateLimited", err)
	}
	// One user exhausting their bucket must not affect another.
	if err := l.Allow("bob"); err != nil {
		t.Fatalf("bob: %v", err)
	}
}

func TestBurstDefaultsToRate(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 3})

	for i := 0; i < 3; i++ {
		if err := l.Allow("user"); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	if err := l.Allow("user"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("request past burst: %v, want ErrRateLimited", err)
	}
}
