package heartbeat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/automatonhq/automaton/internal/automaton/providers"
	"github.com/automatonhq/automaton/internal/automaton/store"
	"github.com/automatonhq/automaton/internal/automaton/survival"
)

// CreditsFunc reads the platform-credit balance in hundredth-cents.
type CreditsFunc func(ctx context.Context) (int64, error)

// TaskDeps bundles everything the built-in tasks touch.
type TaskDeps struct {
	Store    *store.Store
	Survival *survival.Controller
	Balance  *survival.Balance
	Social   providers.Social
	Chain    providers.ChainRPC
	Sandbox  providers.Sandbox
	Credits  CreditsFunc

	USDCContract  string
	WalletAddress string
	Logger        *slog.Logger
}

// socialCursor is the cursor name shared by every social poll.
const socialCursor = "social_inbox"

// RegisterBuiltins wires the standard task set into the scheduler.
func RegisterBuiltins(s *Scheduler, d TaskDeps) {
	s.RegisterHandler("heartbeat_ping", true, d.heartbeatPing)
	s.RegisterHandler("check_credits", true, d.checkCredits)
	s.RegisterHandler("check_usdc_balance", true, d.checkUSDCBalance)
	s.RegisterHandler("check_social_inbox", false, d.checkSocialInbox)
	s.RegisterHandler("health_check", false, d.healthCheck)
	s.RegisterHandler("check_children", false, d.checkChildren)
}

// heartbeatPing writes a liveness record. It never wakes the engine; its
// whole job is proving the process is alive even when nothing else can run.
func (d TaskDeps) heartbeatPing(ctx context.Context) (TaskResult, error) {
	tier := d.Survival.Current()
	err := d.Store.RecordLiveness(ctx, string(tier), d.Balance.Liquid(), "")
	return TaskResult{}, err
}

// checkCredits refreshes the platform-credit balance and re-evaluates the
// tier. A transition into low_compute or critical wakes the engine so it can
// react to the squeeze.
func (d TaskDeps) checkCredits(ctx context.Context) (TaskResult, error) {
	credits, err := d.Credits(ctx)
	if err != nil {
		return TaskResult{}, fmt.Errorf("refresh credits: %w", err)
	}
	d.Balance.SetCredits(credits)
	return d.evaluateTier(ctx)
}

// checkUSDCBalance refreshes the on-chain stablecoin balance. Additive with
// checkCredits; both feed the same liquid total.
func (d TaskDeps) checkUSDCBalance(ctx context.Context) (TaskResult, error) {
	units, err := d.Chain.TokenBalance(ctx, d.USDCContract, d.WalletAddress)
	if err != nil {
		return TaskResult{}, fmt.Errorf("read usdc balance: %w", err)
	}
	d.Balance.SetChain(survival.USDCToHundredthCents(units))
	return d.evaluateTier(ctx)
}

func (d TaskDeps) evaluateTier(ctx context.Context) (TaskResult, error) {
	tier, changed, err := d.Survival.Evaluate(ctx, d.Balance.Liquid())
	if err != nil {
		return TaskResult{}, err
	}
	if changed && (tier == survival.TierLowCompute || tier == survival.TierCritical) {
		return TaskResult{
			ShouldWake: true,
			Message:    fmt.Sprintf("tier changed to %s", tier),
		}, nil
	}
	return TaskResult{}, nil
}

// checkSocialInbox polls the relay from the last stored cursor and inserts
// new messages. Wakes iff at least one row was newly inserted; replayed
// messages are deduplicated by the store and never wake.
func (d TaskDeps) checkSocialInbox(ctx context.Context) (TaskResult, error) {
	cursor, err := d.Store.GetCursor(ctx, socialCursor)
	if err != nil {
		return TaskResult{}, err
	}

	res, err := d.Social.Poll(ctx, cursor)
	if err != nil {
		return TaskResult{}, fmt.Errorf("poll social relay: %w", err)
	}
	if len(res.Messages) == 0 {
		return TaskResult{}, nil
	}

	msgs := make([]store.InboxMessage, 0, len(res.Messages))
	for _, m := range res.Messages {
		msgs = append(msgs, store.InboxMessage{
			ID:       m.ID,
			From:     m.From,
			To:       m.To,
			Content:  m.Content,
			SignedAt: m.SignedAt,
		})
	}
	inserted, err := d.Store.InsertInboxBatch(ctx, msgs, socialCursor, res.NextCursor)
	if err != nil {
		return TaskResult{}, err
	}
	if inserted == 0 {
		return TaskResult{}, nil
	}
	d.Logger.Info("new inbox messages", "count", inserted)
	return TaskResult{ShouldWake: true, Message: "new inbox messages"}, nil
}

// checkChildren probes every living child and applies the status refresh.
// A probe that fails or returns garbage records unknown; the store enforces
// monotonic movement toward dead. Never wakes.
func (d TaskDeps) checkChildren(ctx context.Context) (TaskResult, error) {
	children, err := d.Store.ListChildren(ctx)
	if err != nil {
		return TaskResult{}, err
	}

	for _, c := range children {
		if c.Status == store.ChildDead {
			continue
		}
		status := store.ChildUnknown
		res, err := d.Sandbox.Exec(ctx,
			fmt.Sprintf("automaton-status --sandbox %s", c.SandboxID), 30*time.Second)
		if err == nil && res.ExitCode == 0 {
			switch strings.TrimSpace(res.Stdout) {
			case "running":
				status = store.ChildRunning
			case "sleeping":
				status = store.ChildSleeping
			case "dead":
				status = store.ChildDead
			}
		}
		if err := d.Store.UpdateChildStatus(ctx, c.ID, status); err != nil {
			d.Logger.Warn("child status refresh failed", "child", c.ID, "err", err)
		}
	}
	return TaskResult{}, nil
}

// healthCheck verifies the sandbox still executes commands and has disk
// headroom. Failure degrades the task; it never wakes.
func (d TaskDeps) healthCheck(ctx context.Context) (TaskResult, error) {
	res, err := d.Sandbox.Exec(ctx, "df -P / | tail -1 | awk '{print $5}'", 10*time.Second)
	if err != nil {
		return TaskResult{}, fmt.Errorf("sandbox exec: %w", err)
	}
	if res.ExitCode != 0 {
		return TaskResult{}, fmt.Errorf("health check exited %d: %s", res.ExitCode, res.Stderr)
	}
	return TaskResult{}, nil
}
