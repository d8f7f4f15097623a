package limiter

import (
	"testing"
	"time"
)

// fixed clock helper: tests drive time by hand.
func newTestLimiter(window time.Duration, max int) (*Memory, *time.Time) {
	m := NewMemory(window, max)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	return m, &now
}

func exhaust(t *testing.T, m *Memory, userID int64, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if d := m.Allow(userID, ActionDefault); !d.Allowed {
			t.Fatalf("call %d unexpectedly denied", i)
		}
	}
}

func TestAllow_WindowExhaustion(t *testing.T) {
	t.Parallel()
	m, _ := newTestLimiter(time.Minute, 3)

	exhaust(t, m, 1, 3)

	d := m.Allow(1, ActionDefault)
	if d.Allowed || d.Banned {
		t.Fatalf("want plain denial, got %+v", d)
	}
	if d.RetryAfter <= 0 || d.RetryAfter > time.Minute {
		t.Fatalf("retry-after must be within the window, got %v", d.RetryAfter)
	}
}

func TestAllow_WindowResets(t *testing.T) {
	t.Parallel()
	m, now := newTestLimiter(time.Minute, 2)

	exhaust(t, m, 1, 2)
	if d := m.Allow(1, ActionDefault); d.Allowed {
		t.Fatalf("window should be exhausted")
	}

	*now = now.Add(time.Minute + time.Second)
	if d := m.Allow(1, ActionDefault); !d.Allowed {
		t.Fatalf("fresh window should allow, got %+v", d)
	}
}

func TestAllow_EscalatesToBan(t *testing.T) {
	t.Parallel()
	m, now := newTestLimiter(time.Minute, 2)

	// Three separate window-exceeded events for the same user.
	for warning := 1; warning <= 3; warning++ {
		exhaust(t, m, 1, 2)
		d := m.Allow(1, ActionDefault)
		if d.Allowed {
			t.Fatalf("warning %d: want denial", warning)
		}
		if warning < 3 && d.Banned {
			t.Fatalf("warning %d: banned too early", warning)
		}
		if warning == 3 {
			if !d.Banned || d.RetryAfter != banDuration {
				t.Fatalf("want ban of %v, got %+v", banDuration, d)
			}
		}
		*now = now.Add(time.Minute + time.Second)
	}

	// Everything is denied while the ban lasts, regardless of window state.
	if d := m.Allow(1, ActionDefault); !d.Banned {
		t.Fatalf("want banned denial, got %+v", d)
	}
	if d := m.Allow(1, ActionLogin); !d.Banned {
		t.Fatalf("ban covers all non-whitelisted actions, got %+v", d)
	}
}

func TestAllow_BanExpiryResetsWarnings(t *testing.T) {
	t.Parallel()
	m, now := newTestLimiter(time.Minute, 1)

	for warning := 1; warning <= 3; warning++ {
		exhaust(t, m, 1, 1)
		m.Allow(1, ActionDefault)
		*now = now.Add(time.Minute + time.Second)
	}
	if d := m.Allow(1, ActionDefault); !d.Banned {
		t.Fatalf("want active ban")
	}

	*now = now.Add(banDuration)
	if d := m.Allow(1, ActionDefault); !d.Allowed {
		t.Fatalf("expired ban must lift lazily, got %+v", d)
	}

	// Warnings started over: one exceeded window must not ban again.
	m.Allow(1, ActionDefault) // exhausts (max=1 and the lift call counted)
	d := m.Allow(1, ActionDefault)
	if d.Banned {
		t.Fatalf("warnings were not reset after ban expiry")
	}
}

func TestAllow_WhitelistBypassesEverything(t *testing.T) {
	t.Parallel()
	m, _ := newTestLimiter(time.Minute, 1)

	exhaust(t, m, 1, 1)
	for _, a := range []Action{ActionStart, ActionHelp, ActionSupport} {
		if d := m.Allow(1, a); !d.Allowed {
			t.Fatalf("whitelisted %s must bypass counting", a)
		}
	}
}

func TestAllow_ActionClassesAreIndependent(t *testing.T) {
	t.Parallel()
	m, _ := newTestLimiter(time.Minute, 1)

	exhaust(t, m, 1, 1)
	if d := m.Allow(1, ActionDefault); d.Allowed {
		t.Fatalf("default window should be exhausted")
	}

	// The login/otp/kyc classes carry their own windows.
	for i := 0; i < 3; i++ {
		if d := m.Allow(1, ActionOTP); !d.Allowed {
			t.Fatalf("otp call %d denied by unrelated default window", i)
		}
	}
	if d := m.Allow(1, ActionOTP); d.Allowed {
		t.Fatalf("otp has its own cap of 3")
	}
}

func TestAllow_UsersAreIndependent(t *testing.T) {
	t.Parallel()
	m, _ := newTestLimiter(time.Minute, 1)

	exhaust(t, m, 1, 1)
	if d := m.Allow(2, ActionDefault); !d.Allowed {
		t.Fatalf("user 2 must not share user 1's window")
	}
}

func TestSweep_PurgesStaleState(t *testing.T) {
	t.Parallel()
	m, now := newTestLimiter(time.Minute, 1)

	// User 1 leaves a stale window; user 2 escalates to a ban.
	exhaust(t, m, 1, 1)
	for warning := 1; warning <= 3; warning++ {
		exhaust(t, m, 2, 1)
		m.Allow(2, ActionDefault)
		*now = now.Add(time.Minute + time.Second)
	}

	*now = now.Add(banDuration + time.Hour)
	removed := m.Sweep()
	if removed == 0 {
		t.Fatalf("sweep removed nothing")
	}
	if len(m.windows) != 0 || len(m.bans) != 0 {
		t.Fatalf("stale state survived sweep: %d windows, %d bans", len(m.windows), len(m.bans))
	}
}
