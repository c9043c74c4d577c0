// Package ratelimit implements request budget tracking and gating for
// paginated API fetches. It parses the remote API's rate-limit headers after
// every live response and decides, before each request, whether to proceed,
// rotate to another token, sleep until the budget resets, or give up.
package ratelimit

import (
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// HeaderSpec names the response headers carrying the rate budget.
// APIs disagree on both the header names and the reset format, so the spec
// is part of the client configuration rather than guessed per response.
type HeaderSpec struct {
	// Remaining is the header with the remaining request count.
	Remaining string

	// Reset is the header with the budget reset time.
	Reset string

	// ResetEpoch indicates the Reset header carries Unix epoch seconds.
	// When false the header is interpreted as seconds from now.
	ResetEpoch bool
}

// GitHubHeaders returns the header spec for the GitHub REST and GraphQL APIs.
func GitHubHeaders() HeaderSpec {
	return HeaderSpec{
		Remaining:  "X-RateLimit-Remaining",
		Reset:      "X-RateLimit-Reset",
		ResetEpoch: true,
	}
}

// Budget represents the remaining request budget for one token.
type Budget struct {
	// Remaining is the number of requests allowed before the API blocks us.
	Remaining int `json:"remaining"`

	// ResetAt is when the budget window resets.
	ResetAt time.Time `json:"reset_at"`

	// LastUpdate is when this budget was last observed in a response.
	LastUpdate time.Time `json:"last_update"`

	// Known is false until the first response carrying rate headers.
	// An unknown budget is treated as unlimited.
	Known bool `json:"known"`
}

// Exhausted reports whether the budget has dropped to or below the floor.
// Unknown budgets are never exhausted.
func (b Budget) Exhausted(floor int) bool {
	return b.Known && b.Remaining <= floor
}

// TimeUntilReset returns the duration until the budget resets.
// Returns 0 if the reset time has already passed.
func (b Budget) TimeUntilReset() time.Duration {
	d := time.Until(b.ResetAt)
	if d < 0 {
		return 0
	}
	return d
}

// IsStale returns true if the budget observation is older than maxAge.
func (b Budget) IsStale(maxAge time.Duration) bool {
	return time.Since(b.LastUpdate) > maxAge
}

// ParseHeaders extracts a budget from response headers according to spec.
// The second return value is false when the remaining header is absent, in
// which case the previous budget should be kept (assume unlimited).
func ParseHeaders(headers http.Header, spec HeaderSpec, now time.Time) (Budget, bool, error) {
	remainStr := headers.Get(spec.Remaining)
	if remainStr == "" {
		return Budget{}, false, nil
	}

	remain, err := strconv.Atoi(remainStr)
	if err != nil {
		return Budget{}, false, fmt.Errorf("parse %s header: %w", spec.Remaining, err)
	}

	resetStr := headers.Get(spec.Reset)
	if resetStr == "" {
		return Budget{}, false, fmt.Errorf("%s header missing", spec.Reset)
	}

	resetVal, err := strconv.ParseInt(resetStr, 10, 64)
	if err != nil {
		return Budget{}, false, fmt.Errorf("parse %s header: %w", spec.Reset, err)
	}

	var resetAt time.Time
	if spec.ResetEpoch {
		resetAt = time.Unix(resetVal, 0)
	} else {
		resetAt = now.Add(time.Duration(resetVal) * time.Second)
	}

	return Budget{
		Remaining:  remain,
		ResetAt:    resetAt,
		LastUpdate: now,
		Known:      true,
	}, true, nil
}
