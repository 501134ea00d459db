package bot

import (
	"testing"
	"time"
)

func TestLimiter_AllowsUpToLimit(t *testing.T) {
	l := NewLimiter(3)
	for i := 0; i < 3; i++ {
		if !l.Allow(1, false) {
			t.Fatalf("call %d blocked", i)
		}
	}
	if l.Allow(1, false) {
		t.Error("fourth call within the window should be blocked")
	}
}

func TestLimiter_WindowSlides(t *testing.T) {
	now := time.Now()
	l := NewLimiter(2)
	l.now = func() time.Time { return now }

	l.Allow(1, false)
	l.Allow(1, false)
	if l.Allow(1, false) {
		t.Fatal("limit not enforced")
	}

	now = now.Add(1100 * time.Millisecond)
	if !l.Allow(1, false) {
		t.Error("events outside the window should not count")
	}
}

func TestLimiter_PerUser(t *testing.T) {
	l := NewLimiter(1)
	l.Allow(1, false)
	if !l.Allow(2, false) {
		t.Error("users must not share a window")
	}
}

func TestLimiter_AdminBypass(t *testing.T) {
	l := NewLimiter(1)
	l.Allow(1, false)
	if !l.Allow(1, true) {
		t.Error("bypass must ignore the limit")
	}
}
