package security

import (
	"sync"

	"golang.org/x/time/rate"
)

// Action is one of the three rate-limited action classes named in spec §4.4.
type Action string

const (
	ActionMessage Action = "message"
	ActionSkip    Action = "skip"
	ActionReport  Action = "report"
)

// actionRule is one action's {limit, window}.
type actionRule struct {
	limit  int
	window int64 // nanoseconds
}

// rateLimiter holds the per-(userId,action) sliding windows, generalized
// from the teacher's room.go CheckControlRate (a single per-client
// last-message-time+count counter) into the multi-window, multi-action
// shape spec §4.4 requires.
type rateLimiter struct {
	mu      sync.Mutex
	windows map[string]map[Action][]int64 // userId -> action -> timestamps
	rules   map[Action]actionRule

	// global is an ambient throughput safeguard not named in spec.md: a
	// single token bucket capping the server's total inbound frame rate,
	// protecting the matching critical section from being starved by a
	// burst across many distinct users at once. Per-(user,action) windows
	// above remain the mechanism spec §4.4 actually specifies.
	global *rate.Limiter
}

func newRateLimiter(messagesPerMinute, skipsPerMinute, reportsPerHour int) *rateLimiter {
	minute := int64(60_000_000_000)
	hour := int64(3_600_000_000_000)
	return &rateLimiter{
		windows: make(map[string]map[Action][]int64),
		rules: map[Action]actionRule{
			ActionMessage: {limit: messagesPerMinute, window: minute},
			ActionSkip:    {limit: skipsPerMinute, window: minute},
			ActionReport:  {limit: reportsPerHour, window: hour},
		},
		global: rate.NewLimiter(rate.Limit(messagesPerMinute*5), messagesPerMinute*10),
	}
}

// CheckRateLimit trims userId's window for action, checks it against the
// action's limit, and appends the attempt on success. Never errors — only
// pass/fail, per spec.
func (r *rateLimiter) CheckRateLimit(userID string, action Action, now int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rule, ok := r.rules[action]
	if !ok {
		return false
	}

	byAction, ok := r.windows[userID]
	if !ok {
		byAction = make(map[Action][]int64)
		r.windows[userID] = byAction
	}

	window := byAction[action]
	cutoff := now - rule.window
	kept := window[:0]
	for _, ts := range window {
		if ts > cutoff {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= rule.limit {
		byAction[action] = kept
		return false
	}

	kept = append(kept, now)
	byAction[action] = kept
	return true
}

// AllowGlobal reports whether the ambient global throughput safeguard
// currently has budget; callers should still enforce CheckRateLimit
// independently.
func (r *rateLimiter) AllowGlobal() bool {
	return r.global.Allow()
}

// sweepUser drops a user's rate windows entirely. The periodic Cleanup
// sweep does not call it, so a user's entry in the window map is kept after
// the user disconnects.
func (r *rateLimiter) sweepUser(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.windows, userID)
}
