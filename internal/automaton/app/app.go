// Package app assembles the automaton daemon: store, providers, survival
// controller, router, scheduler, and turn engine.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/automatonhq/automaton/internal/automaton/config"
	"github.com/automatonhq/automaton/internal/automaton/engine"
	"github.com/automatonhq/automaton/internal/automaton/heartbeat"
	"github.com/automatonhq/automaton/internal/automaton/observability"
	"github.com/automatonhq/automaton/internal/automaton/providers"
	"github.com/automatonhq/automaton/internal/automaton/router"
	"github.com/automatonhq/automaton/internal/automaton/skills"
	"github.com/automatonhq/automaton/internal/automaton/store"
	"github.com/automatonhq/automaton/internal/automaton/survival"
)

// tierRefreshEvery bounds how stale the tier can get when every balance
// heartbeat is failing.
const tierRefreshEvery = time.Minute

// ErrUnfunded means the persisted survival tier is dead: the wallet ran dry
// and the daemon refuses to start until it is refunded.
var ErrUnfunded = errors.New("wallet is out of funds")

// App is the assembled daemon. Construct with New; run with Run.
type App struct {
	cfg       *config.Config
	store     *store.Store
	survival  *survival.Controller
	balance   *survival.Balance
	scheduler *heartbeat.Scheduler
	engine    *engine.Engine
	logger    *slog.Logger
}

// New wires the daemon from an already validated config. Subsystems that can
// run degraded (sandbox, platform credits) log a warning instead of failing;
// everything the agent cannot live without is an error.
func New(cfg *config.Config) (*App, error) {
	observability.Setup(cfg.LogLevel, cfg.LogFormat)
	logger := slog.Default()

	if err := checkRunRequirements(cfg); err != nil {
		return nil, err
	}

	logger.Info("opening state database", "path", cfg.Resolve(cfg.DBPath))
	st, err := store.New(cfg.Resolve(cfg.DBPath))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	startCtx := context.Background()

	// Turns interrupted by the previous process must not look in-flight.
	aborted, err := st.AbortUnfinished(startCtx)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("abort unfinished turns: %w", err)
	}
	if aborted > 0 {
		logger.Warn("aborted unfinished turns from previous run", "count", aborted)
	}

	if err := st.SeedModels(startCtx, baselineModels()); err != nil {
		st.Close()
		return nil, fmt.Errorf("seed model registry: %w", err)
	}

	if err := skills.Sync(startCtx, st, cfg.Resolve(cfg.SkillsDir), logger); err != nil {
		logger.Warn("skill sync failed; continuing with stored skill set", "err", err)
	}

	controller, err := survival.NewController(startCtx, st, logger)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("restore survival tier: %w", err)
	}
	if controller.Current() == survival.TierDead {
		st.Close()
		return nil, ErrUnfunded
	}
	balance := &survival.Balance{}

	// Providers.
	inference := providers.NewInference(providers.InferenceConfig{
		APIKey:  cfg.InferenceAPIKey,
		BaseURL: cfg.InferenceBaseURL,
	})

	logger.Info("connecting to social relay", "homeserver", cfg.SocialHomeserver)
	social, err := providers.NewMatrixSocial(providers.MatrixConfig{
		Homeserver:  cfg.SocialHomeserver,
		UserID:      cfg.SocialUserID,
		AccessToken: cfg.SocialToken,
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("social relay: %w", err)
	}

	chain := providers.NewEthRPC(cfg.ChainRPCURL)
	signer := providers.NewSignerClient(cfg.SignerURL, cfg.WalletAddress)

	var sandbox providers.Sandbox
	if cfg.SandboxContainerID != "" {
		sandbox, err = providers.NewDockerSandbox(cfg.SandboxContainerID)
		if err != nil {
			logger.Warn("sandbox unavailable; exec tools and health checks disabled", "err", err)
			sandbox = nil
		}
	} else {
		logger.Warn("no sandbox container configured; exec tools and health checks disabled")
	}

	credits := providers.NewCreditsClient(cfg.PlatformAPIURL, cfg.PlatformAPIKey)
	if cfg.PlatformAPIURL == "" {
		logger.Warn("no platform billing endpoint configured; credit balance reads as zero")
		credits = func(ctx context.Context) (int64, error) { return 0, nil }
	}

	// Router.
	rt := router.New(st, inference, controller.Current, router.Config{
		HourlyBudgetCents:   cfg.HourlyBudgetCents,
		PerCallCeilingCents: cfg.PerCallCeilingCents,
		EnableModelFallback: cfg.EnableModelFallback,
	}, logger)

	// Scheduler.
	queue := heartbeat.NewWakeQueue(0)
	scheduler := heartbeat.New(controller.Current, queue, logger)
	heartbeat.RegisterBuiltins(scheduler, heartbeat.TaskDeps{
		Store:         st,
		Survival:      controller,
		Balance:       balance,
		Social:        social,
		Chain:         chain,
		Sandbox:       sandbox,
		Credits:       credits,
		USDCContract:  cfg.USDCContract,
		WalletAddress: cfg.WalletAddress,
		Logger:        logger,
	})

	hbCfg, err := loadOrInitHeartbeat(cfg, logger)
	if err != nil {
		st.Close()
		return nil, err
	}
	if sandbox == nil {
		disableEntries(hbCfg, "health_check")
		disableEntries(hbCfg, "check_children")
	}
	if cfg.LowComputeMultiplier >= 1 {
		hbCfg.LowComputeMultiplier = cfg.LowComputeMultiplier
	}
	if err := scheduler.Configure(hbCfg); err != nil {
		st.Close()
		return nil, err
	}

	// Tools and engine.
	registry, err := engine.DefaultRegistry(engine.ToolDeps{
		Store:            st,
		Sandbox:          sandbox,
		Social:           social,
		Signer:           signer,
		Chain:            chain,
		Balance:          balance,
		HomeDir:          cfg.HomeDir,
		USDCContract:     cfg.USDCContract,
		DirectoryAddress: cfg.DirectoryAddress,
		Logger:           logger,
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("build tool registry: %w", err)
	}

	// One writer at a time: the engine holds this for a whole turn, so a
	// turn's reads and writes never interleave with another writer's.
	writer := &sync.Mutex{}
	eng := engine.New(cfg, st, rt, registry, queue, controller, balance, writer, logger)

	return &App{
		cfg:       cfg,
		store:     st,
		survival:  controller,
		balance:   balance,
		scheduler: scheduler,
		engine:    eng,
		logger:    logger,
	}, nil
}

// Run starts the workers and blocks until an interrupt arrives or ctx is
// cancelled.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		a.scheduler.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		a.engine.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		a.watchTier(ctx)
	}()

	a.logger.Info("automaton running", "name", a.cfg.Name, "tier", a.survival.Current())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		a.logger.Info("shutting down", "signal", sig.String())
	case <-ctx.Done():
		a.logger.Info("shutting down", "cause", ctx.Err())
	}
	cancel()

	// Give in-flight work a bounded window to drain.
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		a.logger.Warn("workers did not drain before the grace period")
	}
	return nil
}

// Stop releases resources. Safe to call after Run returns.
func (a *App) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if n, err := a.store.AbortUnfinished(ctx); err != nil {
		a.logger.Warn("abort unfinished turns on shutdown", "err", err)
	} else if n > 0 {
		a.logger.Info("aborted in-flight turns on shutdown", "count", n)
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("close store", "err", err)
	}
}

// watchTier logs tier transitions and keeps the tier from going stale when
// the balance heartbeats are failing.
func (a *App) watchTier(ctx context.Context) {
	ticker := time.NewTicker(tierRefreshEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ch := <-a.survival.Changes():
			a.logger.Info("survival tier changed",
				"from", ch.From, "to", ch.To,
				"liquid_hundredth_cents", ch.Liquid)
		case <-ticker.C:
			if _, _, err := a.survival.Evaluate(ctx, a.balance.Liquid()); err != nil {
				a.logger.Warn("periodic tier evaluation failed", "err", err)
			}
		}
	}
}

// checkRunRequirements rejects configs the daemon cannot operate on at all.
func checkRunRequirements(cfg *config.Config) error {
	switch {
	case cfg.InferenceBaseURL == "" || cfg.InferenceAPIKey == "":
		return fmt.Errorf("config: inference_base_url and inference_api_key are required")
	case cfg.SocialHomeserver == "" || cfg.SocialUserID == "" || cfg.SocialToken == "":
		return fmt.Errorf("config: social relay settings are required")
	case cfg.ChainRPCURL == "" || cfg.USDCContract == "":
		return fmt.Errorf("config: chain_rpc_url and usdc_contract are required")
	case cfg.SignerURL == "" || cfg.WalletAddress == "":
		return fmt.Errorf("config: signer_url and wallet_address are required")
	}
	return nil
}

// loadOrInitHeartbeat reads heartbeat.yml, writing the default schedule on
// first run.
func loadOrInitHeartbeat(cfg *config.Config, logger *slog.Logger) (*heartbeat.FileConfig, error) {
	path := cfg.Resolve(cfg.HeartbeatPath)
	hb, err := heartbeat.LoadConfig(path)
	if err == nil {
		return hb, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	logger.Info("writing default heartbeat schedule", "path", path)
	hb = heartbeat.DefaultConfig()
	if err := hb.Save(path); err != nil {
		return nil, err
	}
	return hb, nil
}

func disableEntries(hb *heartbeat.FileConfig, task string) {
	for i := range hb.Entries {
		if hb.Entries[i].Task == task {
			hb.Entries[i].Enabled = false
		}
	}
}

// baselineModels is the registry seeded on first boot. Rates are
// hundredth-cents per 1000 tokens; runtime overrides survive restarts.
func baselineModels() []store.Model {
	return []store.Model{
		{
			ModelID:         "gpt-4o",
			Provider:        "openai",
			TierMinimum:     string(survival.TierNormal),
			CostPer1kInput:  25,
			CostPer1kOutput: 100,
			MaxTokens:       4096,
			ContextWindow:   128_000,
			SupportsTools:   true,
			Enabled:         true,
		},
		{
			ModelID:         "gpt-4o-mini",
			Provider:        "openai",
			TierMinimum:     string(survival.TierCritical),
			CostPer1kInput:  2,
			CostPer1kOutput: 6,
			MaxTokens:       4096,
			ContextWindow:   128_000,
			SupportsTools:   true,
			Enabled:         true,
		},
	}
}
