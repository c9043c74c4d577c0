package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testGovernor(cfg Config) *Governor {
	cfg.Logger = zerolog.New(nil).Level(zerolog.Disabled)
	return NewGovernor(cfg)
}

func saveBudget(t *testing.T, g *Governor, token string, b Budget) {
	t.Helper()
	if err := g.store.Save(context.Background(), TokenKey(token), b); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
}

func TestGovernor_Acquire_HealthyBudget(t *testing.T) {
	g := testGovernor(Config{Tokens: []string{"tok-a"}, MinRateToSleep: 10})
	saveBudget(t, g, "tok-a", Budget{Remaining: 100, ResetAt: time.Now().Add(time.Hour), Known: true})

	token, err := g.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if token != "tok-a" {
		t.Errorf("Acquire() = %q, want %q", token, "tok-a")
	}
}

func TestGovernor_Acquire_UnknownBudgetAllowed(t *testing.T) {
	g := testGovernor(Config{Tokens: []string{"tok-a"}, MinRateToSleep: 10})

	// No headers seen yet: budget unknown, treated as unlimited.
	if _, err := g.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire() with unknown budget error = %v", err)
	}
}

func TestGovernor_Acquire_RotatesToTokenWithBudget(t *testing.T) {
	g := testGovernor(Config{Tokens: []string{"tok-a", "tok-b"}, MinRateToSleep: 10})
	saveBudget(t, g, "tok-a", Budget{Remaining: 2, ResetAt: time.Now().Add(time.Hour), Known: true})
	saveBudget(t, g, "tok-b", Budget{Remaining: 500, ResetAt: time.Now().Add(time.Hour), Known: true})

	token, err := g.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if token != "tok-b" {
		t.Errorf("Acquire() = %q, want rotation to %q", token, "tok-b")
	}
}

func TestGovernor_Acquire_AllExhausted_NoSleep(t *testing.T) {
	g := testGovernor(Config{
		Tokens:         []string{"tok-a", "tok-b"},
		MinRateToSleep: 10,
		SleepForRate:   false,
	})

	resetA := time.Now().Add(30 * time.Minute)
	resetB := time.Now().Add(5 * time.Minute)
	saveBudget(t, g, "tok-a", Budget{Remaining: 0, ResetAt: resetA, Known: true})
	saveBudget(t, g, "tok-b", Budget{Remaining: 3, ResetAt: resetB, Known: true})

	slept := false
	g.sleep = func(ctx context.Context, d time.Duration) error {
		slept = true
		return nil
	}

	_, err := g.Acquire(context.Background())
	if err == nil {
		t.Fatal("Acquire() error = nil, want *RateLimitError")
	}

	var rle *RateLimitError
	if !errors.As(err, &rle) {
		t.Fatalf("Acquire() error = %T, want *RateLimitError", err)
	}
	// The error must carry the minimum reset among all tokens.
	if !rle.ResetAt.Equal(resetB) {
		t.Errorf("ResetAt = %v, want %v", rle.ResetAt, resetB)
	}
	if slept {
		t.Error("governor slept with SleepForRate disabled")
	}
}

func TestGovernor_Acquire_AllExhausted_SleepsUntilReset(t *testing.T) {
	g := testGovernor(Config{
		Tokens:         []string{"tok-a"},
		MinRateToSleep: 10,
		SleepForRate:   true,
	})

	resetAt := time.Now().Add(200 * time.Millisecond)
	saveBudget(t, g, "tok-a", Budget{Remaining: 0, ResetAt: resetAt, Known: true})

	var sleptFor time.Duration
	g.sleep = func(ctx context.Context, d time.Duration) error {
		sleptFor = d
		return nil
	}

	token, err := g.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if token != "tok-a" {
		t.Errorf("Acquire() = %q, want %q", token, "tok-a")
	}
	if sleptFor <= 0 || sleptFor > 200*time.Millisecond {
		t.Errorf("slept for %v, want (0, 200ms]", sleptFor)
	}
}

// After a sleep only the token with the earliest reset has recovered; the
// governor must hand that one out, not whichever token was active before.
func TestGovernor_Acquire_SelectsRecoveredTokenAfterSleep(t *testing.T) {
	g := testGovernor(Config{
		Tokens:         []string{"tok-a", "tok-b"},
		MinRateToSleep: 10,
		SleepForRate:   true,
	})

	// tok-a is active and resets in an hour; tok-b resets almost now.
	saveBudget(t, g, "tok-a", Budget{Remaining: 0, ResetAt: time.Now().Add(time.Hour), Known: true})
	saveBudget(t, g, "tok-b", Budget{Remaining: 0, ResetAt: time.Now().Add(5 * time.Millisecond), Known: true})

	// Overshoot the reset slightly so the recovery check is not racing it.
	g.sleep = func(ctx context.Context, d time.Duration) error {
		time.Sleep(d + 5*time.Millisecond)
		return nil
	}

	token, err := g.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if token != "tok-b" {
		t.Errorf("Acquire() after sleep = %q, want recovered token %q", token, "tok-b")
	}

	// tok-a's budget is still known-empty and must survive untouched.
	budget, err := g.store.Load(context.Background(), TokenKey("tok-a"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !budget.Known || budget.Remaining != 0 {
		t.Errorf("tok-a budget = %+v, want known and empty", budget)
	}
}

func TestGovernor_Acquire_SleepRespectsContext(t *testing.T) {
	g := testGovernor(Config{
		Tokens:         []string{"tok-a"},
		MinRateToSleep: 10,
		SleepForRate:   true,
	})
	saveBudget(t, g, "tok-a", Budget{Remaining: 0, ResetAt: time.Now().Add(time.Hour), Known: true})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := g.Acquire(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Acquire() error = %v, want context.Canceled", err)
	}
}

func TestGovernor_Update_StoresBudget(t *testing.T) {
	g := testGovernor(Config{Tokens: []string{"tok-a"}, Headers: GitHubHeaders()})

	resetAt := time.Now().Add(time.Hour).Unix()
	headers := http.Header{}
	headers.Set("X-RateLimit-Remaining", "57")
	headers.Set("X-RateLimit-Reset", strconv.FormatInt(resetAt, 10))

	if err := g.Update(context.Background(), headers); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	budget, err := g.Budget(context.Background())
	if err != nil {
		t.Fatalf("Budget() error = %v", err)
	}
	if budget.Remaining != 57 {
		t.Errorf("Remaining = %d, want 57", budget.Remaining)
	}
	if !budget.Known {
		t.Error("Known = false after update, want true")
	}
}

func TestGovernor_Update_AbsentHeadersKeepBudget(t *testing.T) {
	g := testGovernor(Config{Tokens: []string{"tok-a"}, Headers: GitHubHeaders()})
	prev := Budget{Remaining: 99, ResetAt: time.Now().Add(time.Hour), Known: true}
	saveBudget(t, g, "tok-a", prev)

	if err := g.Update(context.Background(), http.Header{}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	budget, err := g.Budget(context.Background())
	if err != nil {
		t.Fatalf("Budget() error = %v", err)
	}
	if budget.Remaining != prev.Remaining || !budget.Known {
		t.Errorf("budget changed on headerless response: got %+v, want %+v", budget, prev)
	}
}

func TestMemoryStore_RoundTrip(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	// Unseen key yields a zero budget, not an error.
	b, err := store.Load(ctx, "missing")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if b.Known {
		t.Error("unseen key should yield unknown budget")
	}

	want := Budget{Remaining: 7, ResetAt: time.Now().Add(time.Minute), Known: true}
	if err := store.Save(ctx, "k", want); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := store.Load(ctx, "k")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.Remaining != want.Remaining || !got.Known {
		t.Errorf("Load() = %+v, want %+v", got, want)
	}
}
