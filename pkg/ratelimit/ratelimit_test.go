package ratelimit

import (
	"testing"
	"time"
)

// newTestLimiter returns a limiter with a controllable clock.
func newTestLimiter(max int, window time.Duration) (*Limiter, *time.Time) {
	l := New(max, window)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestCheckAdmitsUpToLimit(t *testing.T) {
	l, _ := newTestLimiter(3, time.Minute)
	defer l.Stop()

	for i := 0; i < 3; i++ {
		res := l.Check("1.2.3.4")
		if !res.Allowed {
			t.Fatalf("request %d rejected, want admitted", i+1)
		}
		if want := 3 - i - 1; res.Remaining != want {
			t.Errorf("request %d remaining = %d, want %d", i+1, res.Remaining, want)
		}
	}

	res := l.Check("1.2.3.4")
	if res.Allowed {
		t.Fatal("request over limit admitted")
	}
	if res.Remaining != 0 {
		t.Errorf("rejected remaining = %d, want 0", res.Remaining)
	}
	if res.RetryAfter < 1 {
		t.Errorf("rejected retryAfter = %d, want >= 1", res.RetryAfter)
	}
}

func TestCheckIndependentClients(t *testing.T) {
	l, _ := newTestLimiter(1, time.Minute)
	defer l.Stop()

	if !l.Check("1.1.1.1").Allowed {
		t.Fatal("first client first request rejected")
	}
	if l.Check("1.1.1.1").Allowed {
		t.Fatal("first client second request admitted")
	}
	if !l.Check("2.2.2.2").Allowed {
		t.Fatal("second client affected by first client's limit")
	}
}

func TestCheckWindowSlides(t *testing.T) {
	l, now := newTestLimiter(2, time.Minute)
	defer l.Stop()

	l.Check("ip")
	l.Check("ip")
	if l.Check("ip").Allowed {
		t.Fatal("third request inside window admitted")
	}

	*now = now.Add(61 * time.Second)
	res := l.Check("ip")
	if !res.Allowed {
		t.Fatal("request after window expiry rejected")
	}
	if res.Remaining != 1 {
		t.Errorf("remaining after expiry = %d, want 1", res.Remaining)
	}
}

func TestResetTime(t *testing.T) {
	l, now := newTestLimiter(1, time.Minute)
	defer l.Stop()

	first := l.Check("ip")
	if want := now.Add(time.Minute); !first.ResetTime.Equal(want) {
		t.Errorf("admitted resetTime = %v, want %v", first.ResetTime, want)
	}

	*now = now.Add(10 * time.Second)
	denied := l.Check("ip")
	if denied.Allowed {
		t.Fatal("second request admitted")
	}
	if want := first.ResetTime; !denied.ResetTime.Equal(want) {
		t.Errorf("denied resetTime = %v, want %v", denied.ResetTime, want)
	}
	if denied.RetryAfter != 50 {
		t.Errorf("retryAfter = %d, want 50", denied.RetryAfter)
	}
}

func TestReset(t *testing.T) {
	l, _ := newTestLimiter(1, time.Minute)
	defer l.Stop()

	l.Check("ip")
	if l.Check("ip").Allowed {
		t.Fatal("second request admitted before reset")
	}
	l.Reset("ip")
	if !l.Check("ip").Allowed {
		t.Fatal("request after reset rejected")
	}
}

func TestCleanupDropsIdleClients(t *testing.T) {
	l, now := newTestLimiter(5, time.Minute)
	defer l.Stop()

	l.Check("stale")
	*now = now.Add(2 * time.Minute)
	l.Check("fresh")

	l.cleanup()

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.requests["stale"]; ok {
		t.Error("stale client survived cleanup")
	}
	if _, ok := l.requests["fresh"]; !ok {
		t.Error("fresh client removed by cleanup")
	}
}

func TestStopIdempotent(t *testing.T) {
	l := New(1, time.Minute)
	l.Stop()
	l.Stop() // must not panic
}
