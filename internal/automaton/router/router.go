// Package router selects a model for each inference call, enforces cost
// ceilings and the hourly budget, retries transient failures with backoff,
// falls through candidates, and records actual spend in the cost ledger.
//
// The router is the only component that talks to the Inference provider; no
// raw provider error ever propagates past it unclassified.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/automatonhq/automaton/common/retry"
	"github.com/automatonhq/automaton/internal/automaton/providers"
	"github.com/automatonhq/automaton/internal/automaton/store"
	"github.com/automatonhq/automaton/internal/automaton/survival"
)

var (
	// ErrBudgetExhausted means every candidate was priced out by a ceiling
	// or the hourly budget; no provider call was issued.
	ErrBudgetExhausted = errors.New("router: budget exhausted")
	// ErrNoEligibleModel means no enabled candidate exists for this
	// (tier, task) pair.
	ErrNoEligibleModel = errors.New("router: no eligible model")
	// ErrProviderUnavailable means all admissible candidates failed after
	// retries.
	ErrProviderUnavailable = errors.New("router: provider unavailable")
	// ErrTimeout means the final failure was a per-task deadline expiry.
	ErrTimeout = errors.New("router: inference timed out")
)

// criticalCeilingCents caps every call at 3 cents while the tier is critical.
const criticalCeilingCents = 300

// Config holds the router's budget knobs, in hundredth-cents.
type Config struct {
	HourlyBudgetCents   int64
	PerCallCeilingCents int64
	EnableModelFallback bool
}

// Request is one routed inference call. SizeHint is an input-token estimate;
// zero means estimate from the messages. TierOverride, when set, bypasses the
// live tier (used by the safety checker which must run even mid-downgrade).
type Request struct {
	Task         TaskKind
	Messages     []providers.Message
	Tools        []providers.ToolSpec
	SizeHint     int
	TierOverride survival.Tier
}

// Response is the routed result, including how many provider attempts were
// spent across all candidates.
type Response struct {
	Content            string
	ToolCalls          []providers.ToolCall
	Usage              providers.Usage
	ModelID            string
	Attempts           int
	CostHundredthCents int64
}

// Router routes inference calls through the model registry and the matrix.
type Router struct {
	store     *store.Store
	inference providers.Inference
	tier      func() survival.Tier
	matrix    Matrix
	cfg       Config
	logger    *slog.Logger

	retry retry.Config
	now   func() time.Time
}

// New returns a Router over the default matrix.
func New(st *store.Store, inf providers.Inference, tier func() survival.Tier, cfg Config, logger *slog.Logger) *Router {
	return &Router{
		store:     st,
		inference: inf,
		tier:      tier,
		matrix:    DefaultMatrix(),
		cfg:       cfg,
		logger:    logger,
		retry: retry.Config{
			MaxAttempts:  3,
			InitialDelay: time.Second,
			MaxDelay:     30 * time.Second,
			Jitter:       true,
			ShouldRetry:  providers.Retryable,
			DelayHint:    rateLimitHint,
		},
		now: time.Now,
	}
}

// SetMatrix replaces the routing matrix. Intended for configuration load at
// startup, before the router is shared across workers.
func (r *Router) SetMatrix(m Matrix) { r.matrix = m }

// Route picks a model for the request, enforces budgets, invokes the
// provider with retry, and records actual spend.
func (r *Router) Route(ctx context.Context, req Request) (*Response, error) {
	tier := req.TierOverride
	if tier == "" {
		tier = r.tier()
	}
	if tier == survival.TierDead {
		return nil, fmt.Errorf("%w: no inference at dead tier", ErrNoEligibleModel)
	}

	entry, ok := r.matrix.Lookup(tier, req.Task)
	if !ok {
		return nil, fmt.Errorf("%w: task %s not permitted at tier %s", ErrNoEligibleModel, req.Task, tier)
	}

	inTokens := req.SizeHint
	if inTokens <= 0 {
		inTokens = estimateTokens(req.Messages)
	}
	ceiling := r.effectiveCeiling(entry.CeilingCents, tier)

	hourlySpend, err := r.store.HourlySpend(ctx, r.now())
	if err != nil {
		return nil, fmt.Errorf("router: read hourly spend: %w", err)
	}

	attempts := 0
	pricedOut := false
	var lastErr error

	for _, modelID := range entry.Candidates {
		m, err := r.store.GetModel(ctx, modelID)
		if err != nil {
			r.logger.Warn("candidate missing from registry", "model", modelID)
			continue
		}
		if !m.Enabled || survival.Tier(m.TierMinimum).Rank() > tier.Rank() {
			continue
		}

		est := estimateCost(m, inTokens, entry.MaxTokens)
		if est > ceiling {
			pricedOut = true
			continue
		}
		if hourlySpend+est > r.cfg.HourlyBudgetCents {
			r.logger.Warn("candidate exceeds hourly budget",
				"model", modelID, "hourly_spend", hourlySpend, "estimate", est)
			pricedOut = true
			continue
		}

		var resp *providers.ChatResponse
		err = retry.Do(ctx, r.retry, func() error {
			attempts++
			callCtx, cancel := context.WithTimeout(ctx, req.Task.Timeout())
			defer cancel()

			var cerr error
			resp, cerr = r.inference.Chat(callCtx, providers.ChatRequest{
				Model:     modelID,
				Messages:  req.Messages,
				MaxTokens: entry.MaxTokens,
				Tools:     req.Tools,
			})
			return cerr
		})
		if err != nil {
			lastErr = err
			r.logger.Warn("candidate failed", "model", modelID, "task", req.Task, "err", err)
			if !r.cfg.EnableModelFallback {
				break
			}
			continue
		}

		cost := actualCost(m, resp.Usage)
		if err := r.store.AppendLedger(ctx, store.LedgerEntry{
			ModelID:            modelID,
			TaskKind:           string(req.Task),
			TokensIn:           resp.Usage.PromptTokens,
			TokensOut:          resp.Usage.CompletionTokens,
			CostHundredthCents: cost,
			Tier:               string(tier),
		}); err != nil {
			return nil, fmt.Errorf("router: record spend: %w", err)
		}
		if err := r.store.TouchModel(ctx, modelID); err != nil {
			r.logger.Warn("touch model failed", "model", modelID, "err", err)
		}

		return &Response{
			Content:            resp.Content,
			ToolCalls:          resp.ToolCalls,
			Usage:              resp.Usage,
			ModelID:            modelID,
			Attempts:           attempts,
			CostHundredthCents: cost,
		}, nil
	}

	switch {
	case lastErr != nil && errors.Is(lastErr, context.DeadlineExceeded):
		return nil, fmt.Errorf("%w: %v", ErrTimeout, lastErr)
	case lastErr != nil:
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, lastErr)
	case pricedOut:
		return nil, ErrBudgetExhausted
	default:
		return nil, fmt.Errorf("%w: task %s at tier %s", ErrNoEligibleModel, req.Task, tier)
	}
}

// rateLimitHint surfaces the provider's Retry-After value, if any, so a 429
// waits as long as the server asked rather than just the backoff schedule.
func rateLimitHint(err error) time.Duration {
	var perr *providers.Error
	if errors.As(err, &perr) {
		return perr.RetryAfter
	}
	return 0
}

// effectiveCeiling takes the minimum of the finite ceilings: the matrix
// cell's (where -1 means unbounded), the global per-call ceiling, and the
// forced critical-tier cap.
func (r *Router) effectiveCeiling(entryCeiling int64, tier survival.Tier) int64 {
	ceiling := r.cfg.PerCallCeilingCents
	if entryCeiling >= 0 && entryCeiling < ceiling {
		ceiling = entryCeiling
	}
	if tier == survival.TierCritical && ceiling > criticalCeilingCents {
		ceiling = criticalCeilingCents
	}
	return ceiling
}

// estimateTokens approximates input tokens as chars/4 plus per-message
// framing overhead.
func estimateTokens(msgs []providers.Message) int {
	total := 0
	for _, m := range msgs {
		total += len(m.Content)/4 + 4
		for _, tc := range m.ToolCalls {
			total += len(tc.Arguments)/4 + 8
		}
	}
	return total
}

// estimateCost is the pre-dispatch worst case: full input plus the cell's
// entire output allowance, in hundredth-cents.
func estimateCost(m *store.Model, inTokens, maxTokens int) int64 {
	return per1k(m.CostPer1kInput, inTokens) + per1k(m.CostPer1kOutput, maxTokens)
}

// actualCost prices the reported usage.
func actualCost(m *store.Model, u providers.Usage) int64 {
	return per1k(m.CostPer1kInput, u.PromptTokens) + per1k(m.CostPer1kOutput, u.CompletionTokens)
}

// per1k applies a per-1000-token rate with ceiling division so fractional
// costs round against the budget, not in its favor.
func per1k(rate int64, tokens int) int64 {
	if tokens <= 0 || rate <= 0 {
		return 0
	}
	return (rate*int64(tokens) + 999) / 1000
}
