// Package survival maps liquid balance to a discrete operating tier.
//
// The tier gates everything downstream: which models the router may pick,
// which heartbeat tasks run, and how often. Classification is a pure function
// of balance; the controller adds hysteresis and persistence on top.
package survival

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/automatonhq/automaton/internal/automaton/store"
)

// Tier is the operating mode derived from available funds.
type Tier string

const (
	TierHigh       Tier = "high"
	TierNormal     Tier = "normal"
	TierLowCompute Tier = "low_compute"
	TierCritical   Tier = "critical"
	TierDead       Tier = "dead"
)

var tierRank = map[Tier]int{
	TierDead:       0,
	TierCritical:   1,
	TierLowCompute: 2,
	TierNormal:     3,
	TierHigh:       4,
}

// Rank orders tiers from dead (0) to high (4).
func (t Tier) Rank() int { return tierRank[t] }

// AtLeast reports whether t is at or above min.
func (t Tier) AtLeast(min Tier) bool { return t.Rank() >= min.Rank() }

// Valid reports whether t is a known tier name.
func (t Tier) Valid() bool {
	_, ok := tierRank[t]
	return ok
}

// Classify maps a liquid balance (hundredth-cents) to a tier. Pure; the
// hysteresis lives in the Controller.
func Classify(liquidHundredthCents int64) Tier {
	switch {
	case liquidHundredthCents >= 2000:
		return TierHigh
	case liquidHundredthCents >= 500:
		return TierNormal
	case liquidHundredthCents >= 100:
		return TierLowCompute
	case liquidHundredthCents >= 1:
		return TierCritical
	default:
		return TierDead
	}
}

// Change is broadcast whenever the operating tier moves.
type Change struct {
	From   Tier
	To     Tier
	Liquid int64
}

// Controller evaluates balance signals into tier transitions. Downgrades
// apply immediately; an upgrade requires the higher tier's threshold to hold
// for two consecutive evaluations.
type Controller struct {
	store  *store.Store
	logger *slog.Logger

	mu      sync.Mutex
	current Tier
	pending Tier // upgrade candidate observed last evaluation, or ""
	changes chan Change
}

// NewController restores the persisted tier (if any) and returns a controller.
// With no persisted state the first Evaluate sets the tier directly, without
// hysteresis.
func NewController(ctx context.Context, st *store.Store, logger *slog.Logger) (*Controller, error) {
	saved, err := st.LoadTier(ctx)
	if err != nil {
		return nil, fmt.Errorf("restore tier: %w", err)
	}
	c := &Controller{
		store:   st,
		logger:  logger,
		changes: make(chan Change, 8),
	}
	if t := Tier(saved); t.Valid() {
		c.current = t
	}
	return c, nil
}

// Current returns the tier as of the last evaluation.
func (c *Controller) Current() Tier {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Changes returns the broadcast channel for tier transitions. Single
// consumer; the controller drops events rather than block the evaluator.
func (c *Controller) Changes() <-chan Change { return c.changes }

// Evaluate classifies the balance and applies hysteresis. Returns the
// resulting tier and whether it changed.
func (c *Controller) Evaluate(ctx context.Context, liquidHundredthCents int64) (Tier, bool, error) {
	target := Classify(liquidHundredthCents)

	c.mu.Lock()
	defer c.mu.Unlock()

	// Bootstrap: no prior tier, take the classification as-is. Goes through
	// apply so the very first tier is broadcast like any other transition.
	if c.current == "" {
		return c.apply(ctx, target, liquidHundredthCents)
	}

	switch {
	case target.Rank() < c.current.Rank():
		// Downgrade: immediate.
		c.pending = ""
		return c.apply(ctx, target, liquidHundredthCents)

	case target.Rank() > c.current.Rank():
		if c.pending != "" && c.pending.Rank() <= target.Rank() {
			// The pending tier's threshold held for a second evaluation.
			next := c.pending
			c.pending = ""
			return c.apply(ctx, next, liquidHundredthCents)
		}
		c.pending = target
		return c.current, false, nil

	default:
		c.pending = ""
		return c.current, false, nil
	}
}

// apply persists and broadcasts a transition. Caller holds the mutex.
func (c *Controller) apply(ctx context.Context, to Tier, liquid int64) (Tier, bool, error) {
	from := c.current
	if err := c.store.SaveTier(ctx, string(to)); err != nil {
		return from, false, fmt.Errorf("persist tier: %w", err)
	}
	c.current = to
	c.logger.Info("tier changed", "from", from, "to", to, "liquid_hundredth_cents", liquid)

	select {
	case c.changes <- Change{From: from, To: to, Liquid: liquid}:
	default:
		c.logger.Warn("tier change dropped, channel full", "from", from, "to", to)
	}
	return to, true, nil
}
