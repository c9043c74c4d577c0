package ratelimit

import (
	"net/http"
	"strconv"
	"testing"
	"time"
)

func TestBudget_Exhausted(t *testing.T) {
	tests := []struct {
		name     string
		budget   Budget
		floor    int
		expected bool
	}{
		{
			name:     "unknown budget is never exhausted",
			budget:   Budget{Remaining: 0, Known: false},
			floor:    10,
			expected: false,
		},
		{
			name:     "well above floor",
			budget:   Budget{Remaining: 100, Known: true},
			floor:    10,
			expected: false,
		},
		{
			name:     "at floor",
			budget:   Budget{Remaining: 10, Known: true},
			floor:    10,
			expected: true,
		},
		{
			name:     "below floor",
			budget:   Budget{Remaining: 3, Known: true},
			floor:    10,
			expected: true,
		},
		{
			name:     "zero remaining",
			budget:   Budget{Remaining: 0, Known: true},
			floor:    10,
			expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.budget.Exhausted(tt.floor); got != tt.expected {
				t.Errorf("Exhausted(%d) = %v, want %v", tt.floor, got, tt.expected)
			}
		})
	}
}

func TestBudget_TimeUntilReset(t *testing.T) {
	future := Budget{ResetAt: time.Now().Add(30 * time.Second)}
	if d := future.TimeUntilReset(); d <= 0 || d > 30*time.Second {
		t.Errorf("TimeUntilReset() = %v, want (0, 30s]", d)
	}

	past := Budget{ResetAt: time.Now().Add(-time.Minute)}
	if d := past.TimeUntilReset(); d != 0 {
		t.Errorf("TimeUntilReset() for past reset = %v, want 0", d)
	}
}

func TestBudget_IsStale(t *testing.T) {
	fresh := Budget{LastUpdate: time.Now()}
	if fresh.IsStale(5 * time.Minute) {
		t.Error("fresh budget reported stale")
	}

	old := Budget{LastUpdate: time.Now().Add(-10 * time.Minute)}
	if !old.IsStale(5 * time.Minute) {
		t.Error("old budget not reported stale")
	}
}

func TestParseHeaders_EpochReset(t *testing.T) {
	now := time.Now()
	resetAt := now.Add(90 * time.Second).Unix()

	headers := http.Header{}
	headers.Set("X-RateLimit-Remaining", "42")
	headers.Set("X-RateLimit-Reset", strconv.FormatInt(resetAt, 10))

	budget, ok, err := ParseHeaders(headers, GitHubHeaders(), now)
	if err != nil {
		t.Fatalf("ParseHeaders() error = %v", err)
	}
	if !ok {
		t.Fatal("ParseHeaders() ok = false, want true")
	}
	if budget.Remaining != 42 {
		t.Errorf("Remaining = %d, want 42", budget.Remaining)
	}
	if budget.ResetAt.Unix() != resetAt {
		t.Errorf("ResetAt = %v, want unix %d", budget.ResetAt, resetAt)
	}
	if !budget.Known {
		t.Error("Known = false, want true")
	}
}

func TestParseHeaders_DeltaReset(t *testing.T) {
	spec := HeaderSpec{Remaining: "X-Error-Limit-Remain", Reset: "X-Error-Limit-Reset"}
	now := time.Now()

	headers := http.Header{}
	headers.Set("X-Error-Limit-Remain", "75")
	headers.Set("X-Error-Limit-Reset", "120")

	budget, ok, err := ParseHeaders(headers, spec, now)
	if err != nil {
		t.Fatalf("ParseHeaders() error = %v", err)
	}
	if !ok {
		t.Fatal("ParseHeaders() ok = false, want true")
	}
	if budget.Remaining != 75 {
		t.Errorf("Remaining = %d, want 75", budget.Remaining)
	}
	want := now.Add(120 * time.Second)
	if budget.ResetAt != want {
		t.Errorf("ResetAt = %v, want %v", budget.ResetAt, want)
	}
}

func TestParseHeaders_AbsentRemaining(t *testing.T) {
	headers := http.Header{}
	headers.Set("Content-Type", "application/json")

	_, ok, err := ParseHeaders(headers, GitHubHeaders(), time.Now())
	if err != nil {
		t.Fatalf("ParseHeaders() error = %v, want nil for absent headers", err)
	}
	if ok {
		t.Error("ParseHeaders() ok = true, want false for absent headers")
	}
}

func TestParseHeaders_Malformed(t *testing.T) {
	tests := []struct {
		name      string
		remaining string
		reset     string
	}{
		{name: "non-numeric remaining", remaining: "lots", reset: "100"},
		{name: "missing reset", remaining: "50", reset: ""},
		{name: "non-numeric reset", remaining: "50", reset: "soon"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			headers := http.Header{}
			headers.Set("X-RateLimit-Remaining", tt.remaining)
			if tt.reset != "" {
				headers.Set("X-RateLimit-Reset", tt.reset)
			}

			if _, _, err := ParseHeaders(headers, GitHubHeaders(), time.Now()); err == nil {
				t.Error("ParseHeaders() error = nil, want parse error")
			}
		})
	}
}

func TestTokenKey(t *testing.T) {
	if TokenKey("") != "anonymous" {
		t.Errorf("TokenKey(\"\") = %q, want \"anonymous\"", TokenKey(""))
	}
	if TokenKey("secret-token") == "secret-token" {
		t.Error("TokenKey must not expose the raw token")
	}
	if TokenKey("a") == TokenKey("b") {
		t.Error("distinct tokens must map to distinct keys")
	}
	if TokenKey("a") != TokenKey("a") {
		t.Error("TokenKey must be deterministic")
	}
}
