package ratelimit_test

import (
	"testing"
	"time"

	"github.com/toolforge/toolforge/engine/internal/ratelimit"
)

func TestLimiter_DeniesBeyondMax(t *testing.T) {
	l := ratelimit.New(ratelimit.Rule{Window: time.Second, Max: 3})

	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	current := base
	l.SetClock(func() time.Time { return current })

	for i := 0; i < 3; i++ {
		d := l.Check("github")
		if !d.OK {
			t.Fatalf("call %d denied, want allowed", i+1)
		}
		if d.Remaining != 3-(i+1) {
			t.Errorf("call %d: Remaining = %d, want %d", i+1, d.Remaining, 3-(i+1))
		}
	}

	d := l.Check("github")
	if d.OK {
		t.Fatal("4th call in the window allowed")
	}
	if d.RetryAfter <= 0 || d.RetryAfter > time.Second {
		t.Errorf("RetryAfter = %v, want within (0, 1s]", d.RetryAfter)
	}

	// New window after the full duration elapses.
	current = base.Add(time.Second)
	if d := l.Check("github"); !d.OK {
		t.Error("call in a fresh window denied")
	}
}

func TestLimiter_PerIntegrationRules(t *testing.T) {
	l := ratelimit.New(ratelimit.Rule{Window: time.Minute, Max: 1})
	l.SetRule("linear", ratelimit.Rule{Window: time.Minute, Max: 2})

	if d := l.Check("github"); !d.OK {
		t.Fatal("first github call denied")
	}
	if d := l.Check("github"); d.OK {
		t.Error("fallback rule (max 1) not enforced for github")
	}

	// Linear's wider rule and separate counter.
	if d := l.Check("linear"); !d.OK {
		t.Fatal("first linear call denied")
	}
	if d := l.Check("linear"); !d.OK {
		t.Error("second linear call denied under max 2 rule")
	}
	if d := l.Check("linear"); d.OK {
		t.Error("third linear call allowed under max 2 rule")
	}
}

func TestLimiter_PartialWindowDoesNotReset(t *testing.T) {
	l := ratelimit.New(ratelimit.Rule{Window: 10 * time.Second, Max: 1})

	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	current := base
	l.SetClock(func() time.Time { return current })

	if d := l.Check("github"); !d.OK {
		t.Fatal("first call denied")
	}

	current = base.Add(5 * time.Second)
	d := l.Check("github")
	if d.OK {
		t.Fatal("call allowed before the window elapsed")
	}
	if d.RetryAfter != 5*time.Second {
		t.Errorf("RetryAfter = %v, want 5s", d.RetryAfter)
	}
}
