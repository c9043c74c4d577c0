package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for rate limit gating.
var (
	rateRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trawl_rate_remaining",
		Help: "Remaining request budget on the active token",
	})

	rateSleepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trawl_rate_sleeps_total",
		Help: "Total number of times the governor slept until a budget reset",
	})

	rateExhaustedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trawl_rate_exhausted_total",
		Help: "Total number of requests refused with every token exhausted",
	})

	rateTokenRotationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trawl_rate_token_rotations_total",
		Help: "Total number of token pool rotations",
	})
)

// DefaultMinRateToSleep is the budget floor below which the governor stops
// issuing requests on a token.
const DefaultMinRateToSleep = 10

// RateLimitError is returned by Acquire when every token is exhausted and
// sleeping is disabled. ResetAt is the earliest time any token recovers.
type RateLimitError struct {
	ResetAt time.Time
}

// Error implements the error interface.
func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exhausted, resets at %s", e.ResetAt.UTC().Format(time.RFC3339))
}

// Config holds governor configuration.
type Config struct {
	// Tokens is the auth token pool. Empty means a single anonymous slot.
	Tokens []string

	// MinRateToSleep is the budget floor. A token at or below the floor is
	// considered exhausted.
	MinRateToSleep int

	// SleepForRate makes Acquire block until the earliest reset when every
	// token is exhausted. When false Acquire returns a *RateLimitError.
	SleepForRate bool

	// Headers names the API's rate-limit headers.
	Headers HeaderSpec

	// Store persists per-token budgets. Defaults to an in-memory store.
	Store Store

	// Logger for budget state changes.
	Logger zerolog.Logger
}

// Governor tracks the request budget of a token pool and gates requests.
// It assumes at most one in-flight request per client instance; concurrent
// sharing is the caller's responsibility via a shared Store.
type Governor struct {
	tokens       []string
	floor        int
	sleepForRate bool
	spec         HeaderSpec
	store        Store
	current      int
	logger       zerolog.Logger

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewGovernor creates a governor over the configured token pool.
func NewGovernor(cfg Config) *Governor {
	tokens := cfg.Tokens
	if len(tokens) == 0 {
		tokens = []string{""}
	}
	if cfg.MinRateToSleep <= 0 {
		cfg.MinRateToSleep = DefaultMinRateToSleep
	}
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore()
	}

	return &Governor{
		tokens:       tokens,
		floor:        cfg.MinRateToSleep,
		sleepForRate: cfg.SleepForRate,
		spec:         cfg.Headers,
		store:        cfg.Store,
		logger:       cfg.Logger,
		sleep:        sleepContext,
	}
}

// Acquire selects a token with available budget, sleeping or failing when
// the whole pool is exhausted. It must be called before every live request.
func (g *Governor) Acquire(ctx context.Context) (string, error) {
	budgets, err := g.loadAll(ctx)
	if err != nil {
		return "", err
	}

	if idx, ok := g.selectToken(budgets); ok {
		g.rotate(idx, budgets[idx].Remaining)
		return g.tokens[g.current], nil
	}

	// Every token is at or below the floor.
	resetAt := earliestReset(budgets)

	if !g.sleepForRate {
		rateExhaustedTotal.Inc()
		g.logger.Error().
			Time("reset_at", resetAt).
			Int("tokens", len(g.tokens)).
			Msg("Rate limit exhausted and sleeping disabled")
		return "", &RateLimitError{ResetAt: resetAt}
	}

	wait := time.Until(resetAt)
	if wait < 0 {
		wait = 0
	}

	rateSleepsTotal.Inc()
	g.logger.Warn().
		Dur("wait", wait).
		Time("reset_at", resetAt).
		Msg("All tokens exhausted, sleeping until reset")

	if err := g.sleep(ctx, wait); err != nil {
		return "", err
	}

	// The window has reset; forget the stale budgets so the pool is usable
	// again until fresh headers arrive.
	for i, key := range g.tokenKeys() {
		if budgets[i].Known && !budgets[i].ResetAt.After(time.Now()) {
			if err := g.store.Save(ctx, key, Budget{}); err != nil {
				return "", fmt.Errorf("reset budget: %w", err)
			}
		}
	}

	// The token that recovered is not necessarily the current one: its
	// reset may still be far away. Re-select over the refreshed budgets.
	budgets, err = g.loadAll(ctx)
	if err != nil {
		return "", err
	}
	if idx, ok := g.selectToken(budgets); ok {
		g.rotate(idx, budgets[idx].Remaining)
		return g.tokens[g.current], nil
	}

	return g.tokens[g.current], nil
}

// rotate switches the active token to idx.
func (g *Governor) rotate(idx, remaining int) {
	if idx == g.current {
		return
	}
	rateTokenRotationsTotal.Inc()
	g.logger.Info().
		Int("from", g.current).
		Int("to", idx).
		Int("remaining", remaining).
		Msg("Rotating to token with available budget")
	g.current = idx
}

// Update parses rate-limit headers from a live response and stores the new
// budget for the active token. Responses without the headers leave the
// budget unchanged.
func (g *Governor) Update(ctx context.Context, headers http.Header) error {
	budget, ok, err := ParseHeaders(headers, g.spec, time.Now())
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	key := TokenKey(g.tokens[g.current])
	if err := g.store.Save(ctx, key, budget); err != nil {
		return fmt.Errorf("store budget: %w", err)
	}

	rateRemaining.Set(float64(budget.Remaining))

	evt := g.logger.Debug()
	if budget.Exhausted(g.floor) {
		evt = g.logger.Warn()
	}
	evt.
		Int("remaining", budget.Remaining).
		Time("reset_at", budget.ResetAt).
		Msg("Rate budget updated")

	return nil
}

// Budget returns the active token's current budget.
func (g *Governor) Budget(ctx context.Context) (Budget, error) {
	return g.store.Load(ctx, TokenKey(g.tokens[g.current]))
}

// selectToken picks the usable token with the most remaining budget.
// Unknown budgets count as unlimited and win over any known one.
func (g *Governor) selectToken(budgets []Budget) (int, bool) {
	best := -1
	for i, b := range budgets {
		if b.Exhausted(g.floor) {
			continue
		}
		if !b.Known {
			// Prefer keeping the current token when its budget is unknown.
			if i == g.current {
				return i, true
			}
			if best == -1 || budgets[best].Known {
				best = i
			}
			continue
		}
		if best == -1 || (budgets[best].Known && b.Remaining > budgets[best].Remaining) {
			best = i
		}
	}
	if best == -1 {
		return 0, false
	}
	return best, true
}

func (g *Governor) loadAll(ctx context.Context) ([]Budget, error) {
	budgets := make([]Budget, len(g.tokens))
	for i, key := range g.tokenKeys() {
		b, err := g.store.Load(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("load budget: %w", err)
		}
		budgets[i] = b
	}
	return budgets, nil
}

func (g *Governor) tokenKeys() []string {
	keys := make([]string, len(g.tokens))
	for i, tok := range g.tokens {
		keys[i] = TokenKey(tok)
	}
	return keys
}

// earliestReset returns the soonest reset among known budgets, falling back
// to one minute out when none carries a reset time.
func earliestReset(budgets []Budget) time.Time {
	var earliest time.Time
	for _, b := range budgets {
		if !b.Known || b.ResetAt.IsZero() {
			continue
		}
		if earliest.IsZero() || b.ResetAt.Before(earliest) {
			earliest = b.ResetAt
		}
	}
	if earliest.IsZero() {
		return time.Now().Add(time.Minute)
	}
	return earliest
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
