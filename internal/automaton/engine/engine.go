// Package engine runs the automaton's Think→Act→Observe loop.
//
// One turn: gather a single pending input, sanitize it, compose the prompt
// from durable history, invoke the router, dispatch any tool calls
// sequentially, and finalize the turn record. The engine is strictly
// serialized; at most one turn is ever in flight.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/automatonhq/automaton/common/trace"
	"github.com/automatonhq/automaton/internal/automaton/config"
	"github.com/automatonhq/automaton/internal/automaton/observability"
	"github.com/automatonhq/automaton/internal/automaton/heartbeat"
	"github.com/automatonhq/automaton/internal/automaton/providers"
	"github.com/automatonhq/automaton/internal/automaton/router"
	"github.com/automatonhq/automaton/internal/automaton/sanitize"
	"github.com/automatonhq/automaton/internal/automaton/store"
	"github.com/automatonhq/automaton/internal/automaton/survival"
)

// pollEvery is how often the loop re-checks its triggers when no wake signal
// arrives.
const pollEvery = 5 * time.Second

// Engine drives turns. Construct with New; run with Run.
type Engine struct {
	cfg      *config.Config
	store    *store.Store
	router   *router.Router
	registry *Registry
	queue    *heartbeat.WakeQueue
	survival *survival.Controller
	balance  *survival.Balance
	writer   *sync.Mutex
	logger   *slog.Logger

	now      func() time.Time
	lastTurn time.Time
}

// New assembles an engine. writer is the single-writer mutex shared with the
// scheduler; the engine holds it for the duration of each turn.
func New(cfg *config.Config, st *store.Store, rt *router.Router, reg *Registry,
	queue *heartbeat.WakeQueue, sc *survival.Controller, bal *survival.Balance,
	writer *sync.Mutex, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:      cfg,
		store:    st,
		router:   rt,
		registry: reg,
		queue:    queue,
		survival: sc,
		balance:  bal,
		writer:   writer,
		logger:   logger,
		now:      time.Now,
	}
}

// Run is the turn worker loop. It blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()

	e.logger.Info("turn engine started")
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("turn engine stopped")
			return
		case <-e.queue.Notify():
		case <-ticker.C:
		}

		for e.shouldRun(ctx) {
			if err := e.RunTurn(ctx); err != nil {
				e.logger.Error("turn failed", "err", err)
				break
			}
			if ctx.Err() != nil {
				return
			}
		}
	}
}

// shouldRun checks the four triggers: creator message, unprocessed inbox,
// queued wake, elapsed minimum interval.
func (e *Engine) shouldRun(ctx context.Context) bool {
	if _, err := os.Stat(e.creatorMessagePath()); err == nil {
		return true
	}
	msgs, err := e.store.UnprocessedInbox(ctx)
	if err == nil && len(msgs) > 0 {
		return true
	}
	if e.queue.Len() > 0 {
		return true
	}
	return e.now().Sub(e.lastTurn) >= e.cfg.MinTurnInterval()
}

// turnInput is the one pending item consumed by a turn. Content is already
// in its final user-message form: either the fixed creator format or
// sanitizer output.
type turnInput struct {
	source  string
	content string
	inboxID string
}

// gatherInput picks at most one item, preferring creator > inbox > wake.
// With nothing pending it falls back to a periodic wake.
func (e *Engine) gatherInput(ctx context.Context) (*turnInput, error) {
	// Creator messages are trusted out-of-band input, consumed and deleted
	// on read.
	path := e.creatorMessagePath()
	if data, err := os.ReadFile(path); err == nil {
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("remove creator message: %w", err)
		}
		return &turnInput{
			source:  "creator",
			content: "[Message from creator]\n" + strings.TrimSpace(string(data)),
		}, nil
	}

	msgs, err := e.store.UnprocessedInbox(ctx)
	if err != nil {
		return nil, err
	}
	if len(msgs) > 0 {
		m := msgs[0]
		res := sanitize.Sanitize(m.Content, m.From)
		if res.Blocked {
			e.logger.Warn("inbox message blocked",
				"id", m.ID, "from", m.From, "threat", res.ThreatLevel, "checks", res.Checks)
		}
		return &turnInput{source: m.From, content: res.Content, inboxID: m.ID}, nil
	}

	if w, ok := e.queue.Pop(); ok {
		res := sanitize.Sanitize(w.Reason, "scheduler")
		return &turnInput{source: "scheduler", content: res.Content}, nil
	}

	res := sanitize.Sanitize("periodic wake", "scheduler")
	return &turnInput{source: "scheduler", content: res.Content}, nil
}

func (e *Engine) creatorMessagePath() string {
	return filepath.Join(e.cfg.HomeDir, "CREATOR_MESSAGE.md")
}

// RunTurn executes exactly one turn.
func (e *Engine) RunTurn(ctx context.Context) error {
	e.writer.Lock()
	defer e.writer.Unlock()

	ctx = trace.WithTraceID(ctx, trace.GenerateID())
	logger := observability.WithTrace(ctx)

	input, err := e.gatherInput(ctx)
	if err != nil {
		return err
	}

	turnID := uuid.NewString()
	if err := e.store.BeginTurn(ctx, turnID, input.source, input.content); err != nil {
		return err
	}
	e.lastTurn = e.now()

	messages, err := e.composeMessages(ctx, input)
	if err != nil {
		return err
	}

	if err := e.store.SetTurnState(ctx, turnID, store.TurnAwaitingInference); err != nil {
		return err
	}
	resp, err := e.router.Route(ctx, router.Request{
		Task:     router.TaskAgentTurn,
		Messages: messages,
		Tools:    e.registry.Specs(),
	})
	if err != nil {
		return e.finalizeConstrained(ctx, turnID, input, err)
	}

	if err := e.store.SetTurnState(ctx, turnID, store.TurnDispatchingTools); err != nil {
		return err
	}
	calls := e.dispatchTools(ctx, resp.ToolCalls)

	if err := e.store.FinalizeTurn(ctx, &store.Turn{
		ID:                 turnID,
		Thinking:           e.redact(resp.Content),
		TokensIn:           resp.Usage.PromptTokens,
		TokensOut:          resp.Usage.CompletionTokens,
		ModelID:            resp.ModelID,
		CostHundredthCents: resp.CostHundredthCents,
		ToolCalls:          calls,
	}); err != nil {
		return err
	}

	if input.inboxID != "" {
		if err := e.store.MarkInboxProcessed(ctx, input.inboxID); err != nil {
			return err
		}
	}
	logger.Info("turn finalized",
		"turn", turnID, "source", input.source, "model", resp.ModelID,
		"tool_calls", len(calls), "cost_hundredth_cents", resp.CostHundredthCents)
	return nil
}

// redact strips the config's credential values from text before it is
// persisted, so a leaked secret never reaches the database or a later prompt.
func (e *Engine) redact(s string) string {
	return observability.RedactSecrets(s,
		e.cfg.InferenceAPIKey, e.cfg.SocialToken, e.cfg.PlatformAPIKey)
}

// finalizeConstrained produces the synthetic turn for budget and provider
// failures. A wake always yields a turn record; the constraint goes into the
// thinking field where the next prompt can see it.
func (e *Engine) finalizeConstrained(ctx context.Context, turnID string, input *turnInput, cause error) error {
	var note string
	switch {
	case errors.Is(cause, router.ErrBudgetExhausted):
		note = "Unable to run inference: hourly budget exhausted. Waiting for the ledger window to roll."
	case errors.Is(cause, router.ErrNoEligibleModel):
		note = "Unable to run inference: no model is eligible at the current tier."
	case errors.Is(cause, router.ErrTimeout):
		note = "Inference timed out after all retries."
	default:
		// Fixed text only: provider failures can echo request or response
		// fragments, and the note goes into the next prompt verbatim.
		note = "Inference unavailable: the provider rejected the request after all retries."
	}

	if err := e.store.FinalizeTurn(ctx, &store.Turn{ID: turnID, Thinking: note}); err != nil {
		return errors.Join(cause, err)
	}

	// Distress record: the wake produced no real turn, and the liveness log
	// should say why.
	if err := e.store.RecordLiveness(ctx, string(e.survival.Current()), e.balance.Liquid(), note); err != nil {
		e.logger.Warn("distress liveness record failed", "err", err)
	}
	if input.inboxID != "" {
		if err := e.store.MarkInboxProcessed(ctx, input.inboxID); err != nil {
			return err
		}
	}

	// A budget failure can mean the balance moved under us; re-evaluate so
	// the tier catches up before the next wake.
	if errors.Is(cause, router.ErrBudgetExhausted) || errors.Is(cause, router.ErrNoEligibleModel) {
		if _, _, err := e.survival.Evaluate(ctx, e.balance.Liquid()); err != nil {
			e.logger.Warn("tier re-evaluation failed", "err", err)
		}
	}

	e.logger.Warn("turn constrained", "turn", turnID, "cause", cause)
	return nil
}

// composeMessages builds the full transcript: system prompt, optional
// summary, recent turns expanded into user/assistant/tool roles, then the
// pending input.
func (e *Engine) composeMessages(ctx context.Context, input *turnInput) ([]providers.Message, error) {
	sys, err := e.systemPrompt(ctx)
	if err != nil {
		return nil, err
	}
	messages := []providers.Message{{Role: "system", Content: sys}}

	history, err := e.store.RecentTurns(ctx, e.cfg.RecentTurnWindow)
	if err != nil {
		return nil, err
	}
	count, err := e.store.CountTurns(ctx)
	if err != nil {
		return nil, err
	}

	if count > e.cfg.SummarizeThreshold && len(history) > 1 {
		half := len(history) / 2
		summary, err := e.summarize(ctx, history[:half])
		if err != nil {
			// Degraded but not fatal; proceed with the full window.
			e.logger.Warn("summarization skipped", "err", err)
		} else {
			messages = append(messages, providers.Message{
				Role:    "system",
				Content: "Summary of earlier activity:\n" + summary,
			})
			history = history[half:]
		}
	}

	for _, t := range history {
		messages = append(messages, expandTurn(t)...)
	}

	messages = append(messages, providers.Message{Role: "user", Content: input.content})
	return messages, nil
}

// expandTurn renders one stored turn as transcript messages. Past tool calls
// carry their ids; each is followed by a tool-role message with its outcome.
func expandTurn(t *store.Turn) []providers.Message {
	msgs := []providers.Message{{Role: "user", Content: t.Input}}

	assistant := providers.Message{Role: "assistant", Content: t.Thinking}
	for _, tc := range t.ToolCalls {
		assistant.ToolCalls = append(assistant.ToolCalls, providers.ToolCall{
			ID:        tc.ID,
			Name:      tc.Name,
			Arguments: tc.Arguments,
		})
	}
	msgs = append(msgs, assistant)

	for _, tc := range t.ToolCalls {
		content := tc.Result.String
		if tc.Error.Valid {
			content = "Error: " + tc.Error.String
		}
		msgs = append(msgs, providers.Message{
			Role:       "tool",
			ToolCallID: tc.ID,
			Content:    content,
		})
	}
	return msgs
}

// summarize folds older turns into a short digest via the router.
func (e *Engine) summarize(ctx context.Context, turns []*store.Turn) (string, error) {
	var b strings.Builder
	for _, t := range turns {
		fmt.Fprintf(&b, "[%s] %s: %s\n", t.Timestamp.Format(time.RFC3339), t.InputSource, t.Input)
		if t.Thinking != "" {
			fmt.Fprintf(&b, "  thought: %s\n", t.Thinking)
		}
		for _, tc := range t.ToolCalls {
			outcome := "ok"
			if tc.Error.Valid {
				outcome = "error: " + tc.Error.String
			}
			fmt.Fprintf(&b, "  tool %s: %s\n", tc.Name, outcome)
		}
	}

	resp, err := e.router.Route(ctx, router.Request{
		Task: router.TaskSummarization,
		Messages: []providers.Message{
			{Role: "system", Content: "Compress the following agent activity log into a short factual summary. Keep amounts, addresses, and open commitments."},
			{Role: "user", Content: b.String()},
		},
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// dispatchTools executes the model's tool calls sequentially. The first
// fatal error stops the remainder; at most one trust-boundary action runs
// per turn. Every call ends terminal: result or error, never neither.
func (e *Engine) dispatchTools(ctx context.Context, toolCalls []providers.ToolCall) []store.ToolCall {
	var calls []store.ToolCall
	trustUsed := false
	fatalHit := false

	for _, tc := range toolCalls {
		rec := store.ToolCall{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments}
		tool, known := e.registry.Lookup(tc.Name)

		switch {
		case fatalHit:
			rec.Error = sql.NullString{String: "not executed: a prior tool call failed fatally", Valid: true}

		case known && tool.TrustBoundary && trustUsed:
			rec.Error = sql.NullString{String: "refused: one trust-boundary action already taken this turn", Valid: true}
			e.logger.Warn("trust boundary limit enforced", "tool", tc.Name)

		default:
			out, err := e.registry.Dispatch(ctx, tc)
			if err != nil {
				rec.Error = sql.NullString{String: e.redact(err.Error()), Valid: true}
				if providers.Fatal(err) {
					fatalHit = true
					e.logger.Error("fatal tool failure, aborting remaining calls",
						"tool", tc.Name, "err", err)
				}
			} else {
				rec.Result = sql.NullString{String: e.redact(out), Valid: true}
				if known && tool.TrustBoundary {
					trustUsed = true
				}
			}
		}
		calls = append(calls, rec)
	}
	return calls
}
