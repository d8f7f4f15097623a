package limiter

import (
	"sync"
	"time"
)

// Per-action overrides are fixed by design; only the default class is
// deployment-configurable.
var classLimits = map[Action]struct {
	window time.Duration
	max    int
}{
	ActionLogin: {window: time.Minute, max: 5},
	ActionOTP:   {window: time.Minute, max: 3},
	ActionKYC:   {window: time.Minute, max: 10},
}

var whitelist = map[Action]bool{
	ActionStart:   true,
	ActionHelp:    true,
	ActionSupport: true,
}

const (
	maxWarnings = 3
	banDuration = 30 * time.Minute
)

type windowKey struct {
	userID int64
	action Action
}

type windowRecord struct {
	count       int
	windowStart time.Time
	warnings    int // meaningful on the default class only
}

// Memory is the in-process Limiter. All tables are owned here and touched
// only under mu; expiry is re-checked lazily on every call, so Sweep is
// garbage collection rather than a correctness requirement.
type Memory struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	windows map[windowKey]*windowRecord
	bans    map[int64]time.Time

	now func() time.Time
}

// NewMemory constructs the in-memory limiter with the default-class window
// size and request cap.
func NewMemory(window time.Duration, maxRequests int) *Memory {
	return &Memory{
		window:  window,
		max:     maxRequests,
		windows: make(map[windowKey]*windowRecord),
		bans:    make(map[int64]time.Time),
		now:     time.Now,
	}
}

func (m *Memory) classFor(action Action) (Action, time.Duration, int) {
	if lim, ok := classLimits[action]; ok {
		return action, lim.window, lim.max
	}
	return ActionDefault, m.window, m.max
}

// Allow counts the request and decides. Order matters: an unexpired ban
// short-circuits everything but the whitelist; an expired ban is removed
// and the warning ladder starts over.
func (m *Memory) Allow(userID int64, action Action) Decision {
	if whitelist[action] {
		return Decision{Allowed: true}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()

	if until, ok := m.bans[userID]; ok {
		if now.Before(until) {
			return Decision{Banned: true, RetryAfter: until.Sub(now)}
		}
		delete(m.bans, userID)
		if rec, ok := m.windows[windowKey{userID, ActionDefault}]; ok {
			rec.warnings = 0
		}
	}

	class, window, max := m.classFor(action)
	key := windowKey{userID, class}
	rec, ok := m.windows[key]
	if !ok {
		rec = &windowRecord{windowStart: now}
		m.windows[key] = rec
	}
	if now.Sub(rec.windowStart) > window {
		rec.count = 0
		rec.windowStart = now
	}

	if rec.count >= max {
		if class == ActionDefault {
			rec.warnings++
			if rec.warnings >= maxWarnings {
				m.bans[userID] = now.Add(banDuration)
				delete(m.windows, key)
				return Decision{Banned: true, RetryAfter: banDuration}
			}
		}
		return Decision{RetryAfter: window - now.Sub(rec.windowStart)}
	}

	rec.count++
	return Decision{Allowed: true}
}

// Sweep purges window records past their window and bans past expiry,
// returning how many entries were removed.
func (m *Memory) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()

	removed := 0
	for key, rec := range m.windows {
		_, window, _ := m.classFor(key.action)
		// Default-class records carry the warning ladder; keep them until
		// the ladder is clean so warnings survive window resets.
		if now.Sub(rec.windowStart) > window && rec.warnings == 0 {
			delete(m.windows, key)
			removed++
		}
	}
	for userID, until := range m.bans {
		if !now.Before(until) {
			delete(m.bans, userID)
			removed++
		}
	}
	return removed
}
