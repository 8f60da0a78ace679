// Package ratelimit tracks the request quotas REST APIs advertise in their
// response headers and holds requests back before a quota runs out.
//
// State is kept per host in Redis so concurrent pipeline runs against the
// same API share one view of the remaining quota.
package ratelimit

import (
	"time"
)

// KeyPrefix namespaces the per-host state hashes in Redis.
const KeyPrefix = "pipeline:ratelimit"

// Thresholds for gating decisions.
const (
	// ThresholdCritical holds requests until the window resets when fewer
	// requests than this remain.
	ThresholdCritical = 1

	// ThresholdWarning throttles requests when fewer than this remain.
	ThresholdWarning = 10
)

// UnknownRemaining marks a host that has not advertised a quota.
const UnknownRemaining = -1

// State is the last quota a host advertised.
type State struct {
	// Host is the API host the quota applies to.
	Host string `json:"host"`

	// Remaining is UnknownRemaining until the host sends a quota header.
	Remaining int `json:"remaining"`

	// Limit is the window size, 0 when the host does not send it.
	Limit int `json:"limit"`

	// ResetAt is when the window resets and the quota refills.
	ResetAt time.Time `json:"reset_at"`

	// LastUpdate is when the headers were last seen.
	LastUpdate time.Time `json:"last_update"`
}

// IsKnown reports whether the host advertised a remaining quota.
func (s *State) IsKnown() bool {
	return s.Remaining != UnknownRemaining
}

// IsStale reports whether the state is older than maxAge.
func (s *State) IsStale(maxAge time.Duration) bool {
	return time.Since(s.LastUpdate) > maxAge
}

// NeedsBlock reports whether requests must wait for the window to reset.
// A window that already reset never blocks.
func (s *State) NeedsBlock() bool {
	return s.IsKnown() && s.Remaining < ThresholdCritical && s.TimeUntilReset() > 0
}

// NeedsThrottling reports whether requests should be slowed down.
func (s *State) NeedsThrottling() bool {
	return s.IsKnown() && s.Remaining < ThresholdWarning && !s.NeedsBlock() && s.TimeUntilReset() > 0
}

// TimeUntilReset returns the time left in the window, or 0 once it reset.
func (s *State) TimeUntilReset() time.Duration {
	d := time.Until(s.ResetAt)
	if d < 0 {
		return 0
	}
	return d
}

func stateKey(host string) string {
	return KeyPrefix + ":" + host
}
