// Package limiter implements per-user request gating with fixed windows
// and escalating temporary bans.
package limiter

import "time"

// Action classifies an incoming request for rate-limiting purposes.
// Login, OTP and KYC carry their own windows; everything else counts
// against the default window, which additionally feeds the ban ladder.
type Action string

const (
	ActionDefault Action = "default"
	ActionLogin   Action = "login"
	ActionOTP     Action = "otp"
	ActionKYC     Action = "kyc"

	// Whitelisted actions bypass counting entirely.
	ActionStart   Action = "start"
	ActionHelp    Action = "help"
	ActionSupport Action = "support"
)

// Decision is the outcome of a gating check. Gating never fails: every
// outcome is a value.
type Decision struct {
	Allowed    bool
	Banned     bool
	RetryAfter time.Duration
}

// Limiter gates requests per user and action class.
type Limiter interface {
	// Allow counts the request against the user's window and reports
	// whether it may proceed, with a retry-after hint when it may not.
	Allow(userID int64, action Action) Decision
}
