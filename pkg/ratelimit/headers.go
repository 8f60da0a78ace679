package ratelimit

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Header names checked in order; the first present one wins.
var (
	remainingHeaders = []string{"X-RateLimit-Remaining", "RateLimit-Remaining", "X-Rate-Limit-Remaining"}
	limitHeaders     = []string{"X-RateLimit-Limit", "RateLimit-Limit", "X-Rate-Limit-Limit"}
	resetHeaders     = []string{"X-RateLimit-Reset", "RateLimit-Reset", "X-Rate-Limit-Reset"}
)

// epochThreshold separates reset values given as unix timestamps from ones
// given as seconds until reset.
const epochThreshold = 1_000_000_000

// ParseHeaders extracts the advertised quota. ok is false when the response
// carries no quota header at all. A Retry-After header means the quota is
// exhausted until the given time.
func ParseHeaders(headers http.Header, now time.Time) (state *State, ok bool, err error) {
	state = &State{Remaining: UnknownRemaining, LastUpdate: now}

	if v := firstHeader(headers, remainingHeaders); v != "" {
		remaining, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return nil, false, fmt.Errorf("parse remaining quota %q: %w", v, err)
		}
		state.Remaining = remaining
		ok = true
	}

	if v := firstHeader(headers, limitHeaders); v != "" {
		// RateLimit-Limit may carry a policy suffix such as "100;w=60"
		limit, err := strconv.Atoi(strings.TrimSpace(strings.SplitN(v, ";", 2)[0]))
		if err != nil {
			return nil, false, fmt.Errorf("parse quota limit %q: %w", v, err)
		}
		state.Limit = limit
	}

	if v := firstHeader(headers, resetHeaders); v != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return nil, false, fmt.Errorf("parse quota reset %q: %w", v, err)
		}
		if n >= epochThreshold {
			state.ResetAt = time.Unix(n, 0)
		} else {
			state.ResetAt = now.Add(time.Duration(n) * time.Second)
		}
	} else if ok {
		state.ResetAt = now.Add(time.Minute)
	}

	if wait, found := ParseRetryAfter(headers.Get("Retry-After"), now); found {
		state.Remaining = 0
		state.ResetAt = now.Add(wait)
		ok = true
	}

	return state, ok, nil
}

// ParseRetryAfter reads a Retry-After value given either as delay seconds or
// as an HTTP date.
func ParseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(value); err == nil {
		d := at.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

func firstHeader(headers http.Header, names []string) string {
	for _, name := range names {
		if v := headers.Get(name); v != "" {
			return v
		}
	}
	return ""
}
