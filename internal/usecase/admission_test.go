package usecase

import (
	"fmt"
	"testing"
	"time"

	"promptdesk/internal/infra/config"
)

type fakeClock struct {
	current time.Time
}

func (c *fakeClock) now() time.Time                { return c.current }
func (c *fakeClock) advance(d time.Duration) time.Time { c.current = c.current.Add(d); return c.current }

func newTestGate(limit, anonLimit int, window time.Duration) (*SlidingWindowGate, *fakeClock) {
	clock := &fakeClock{current: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)}
	gate := NewSlidingWindowGate(config.LimiterConfig{
		Limit:     limit,
		AnonLimit: anonLimit,
		Window:    window,
	}).WithClock(clock.now)
	return gate, clock
}

func TestGateDeniesOverLimitThenRecovers(t *testing.T) {
	gate, clock := newTestGate(3, 1, time.Hour)

	for i := 0; i < 3; i++ {
		if a := gate.Admit("user-1"); !a.Allowed {
			t.Fatalf("request %d should be admitted", i+1)
		}
		clock.advance(time.Minute)
	}

	denied := gate.Admit("user-1")
	if denied.Allowed {
		t.Fatal("4th request within the window should be denied")
	}
	if denied.RetryAfter <= 0 {
		t.Fatalf("denial must carry a positive retry_after, got %v", denied.RetryAfter)
	}
	// Oldest admit was 3 minutes ago; the slot frees in 57 minutes.
	if want := 57 * time.Minute; denied.RetryAfter != want {
		t.Fatalf("retry_after = %v, want %v", denied.RetryAfter, want)
	}

	// After the oldest timestamp ages out, admission resumes.
	clock.advance(denied.RetryAfter + time.Second)
	if a := gate.Admit("user-1"); !a.Allowed {
		t.Fatal("request after window elapsed should be admitted")
	}
}

func TestGateDenialsAreNotRecorded(t *testing.T) {
	gate, clock := newTestGate(2, 1, time.Hour)

	gate.Admit("user-1")
	gate.Admit("user-1")
	for i := 0; i < 10; i++ {
		if a := gate.Admit("user-1"); a.Allowed {
			t.Fatal("should stay denied inside the window")
		}
	}

	// Denials did not extend the window: one hour after the first admit
	// both slots are free again.
	clock.advance(time.Hour + time.Second)
	if a := gate.Admit("user-1"); !a.Allowed {
		t.Fatal("denied attempts must not consume window slots")
	}
}

func TestGatePrincipalsAreIsolated(t *testing.T) {
	gate, _ := newTestGate(1, 1, time.Hour)

	if a := gate.Admit("user-1"); !a.Allowed {
		t.Fatal("user-1 first request should pass")
	}
	if a := gate.Admit("user-2"); !a.Allowed {
		t.Fatal("user-2 must have an independent window")
	}
	if a := gate.Admit("user-1"); a.Allowed {
		t.Fatal("user-1 second request should be denied")
	}
}

func TestGateEvictsAgedOutPrincipals(t *testing.T) {
	gate, clock := newTestGate(3, 1, time.Hour)

	for i := 0; i < 50; i++ {
		gate.Admit(fmt.Sprintf("user-%d", i))
	}

	// Two windows later every recorded timestamp has aged out; the next
	// admission sweeps the dead principals instead of keeping one map
	// entry per principal ever seen.
	clock.advance(2 * time.Hour)
	if a := gate.Admit("user-new"); !a.Allowed {
		t.Fatal("fresh principal should be admitted")
	}

	gate.mu.Lock()
	size := len(gate.history)
	gate.mu.Unlock()
	if size != 1 {
		t.Fatalf("history holds %d principals, want only the live one", size)
	}
}

func TestGateSweepKeepsActivePrincipals(t *testing.T) {
	gate, clock := newTestGate(3, 1, time.Hour)

	gate.Admit("steady")
	clock.advance(2 * time.Hour)

	// The sweep triggered by this admit must not touch in-window state.
	gate.Admit("steady")
	clock.advance(time.Minute)
	gate.Admit("steady")
	gate.Admit("steady")
	if a := gate.Admit("steady"); a.Allowed {
		t.Fatal("4th in-window request should be denied, sweep or not")
	}
}

func TestGateAnonymousPrincipalsGetStricterLimit(t *testing.T) {
	gate, _ := newTestGate(100, 2, time.Hour)

	for i := 0; i < 2; i++ {
		if a := gate.Admit("anon:203.0.113.7"); !a.Allowed {
			t.Fatalf("anonymous request %d should be admitted", i+1)
		}
	}
	if a := gate.Admit("anon:203.0.113.7"); a.Allowed {
		t.Fatal("anonymous principal should hit the stricter limit")
	}

	// Empty principal is treated as anonymous too.
	gate2, _ := newTestGate(100, 1, time.Hour)
	if a := gate2.Admit(""); !a.Allowed {
		t.Fatal("first unidentified request should pass")
	}
	if a := gate2.Admit(""); a.Allowed {
		t.Fatal("second unidentified request should be denied")
	}
}
