package app

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/automatonhq/automaton/internal/automaton/config"
	"github.com/automatonhq/automaton/internal/automaton/survival"
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func runnableConfig(home string) *config.Config {
	cfg := config.Defaults(home)
	cfg.Name = "test-agent"
	cfg.CreatorAddress = "0x00000000000000000000000000000000000000aa"
	cfg.WalletAddress = "0x00000000000000000000000000000000000000bb"
	cfg.InferenceBaseURL = "https://api.openai.com/v1"
	cfg.InferenceAPIKey = "sk-test"
	cfg.SocialHomeserver = "https://matrix.example.com"
	cfg.SocialUserID = "@agent:example.com"
	cfg.SocialToken = "syt_test"
	cfg.ChainRPCURL = "https://rpc.example.com"
	cfg.USDCContract = "0x00000000000000000000000000000000000000cc"
	cfg.SignerURL = "http://127.0.0.1:7766"
	return cfg
}

// --- run requirements ---

func TestCheckRunRequirements(t *testing.T) {
	cfg := runnableConfig(t.TempDir())
	if err := checkRunRequirements(cfg); err != nil {
		t.Fatalf("complete config rejected: %v", err)
	}

	missing := []func(*config.Config){
		func(c *config.Config) { c.InferenceAPIKey = "" },
		func(c *config.Config) { c.SocialHomeserver = "" },
		func(c *config.Config) { c.ChainRPCURL = "" },
		func(c *config.Config) { c.USDCContract = "" },
		func(c *config.Config) { c.SignerURL = "" },
		func(c *config.Config) { c.WalletAddress = "" },
	}
	for i, strip := range missing {
		cfg := runnableConfig(t.TempDir())
		strip(cfg)
		if err := checkRunRequirements(cfg); err == nil {
			t.Errorf("case %d: incomplete config accepted", i)
		}
	}
}

// --- heartbeat bootstrap ---

func TestLoadOrInitHeartbeatWritesDefault(t *testing.T) {
	cfg := runnableConfig(t.TempDir())

	hb, err := loadOrInitHeartbeat(cfg, discardLogger())
	if err != nil {
		t.Fatalf("first load: %v", err)
	}
	if len(hb.Entries) == 0 {
		t.Fatal("default schedule has no entries")
	}
	if _, err := os.Stat(filepath.Join(cfg.HomeDir, cfg.HeartbeatPath)); err != nil {
		t.Fatalf("heartbeat.yml not written: %v", err)
	}

	// Second load reads the file it just wrote.
	again, err := loadOrInitHeartbeat(cfg, discardLogger())
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if len(again.Entries) != len(hb.Entries) {
		t.Fatalf("reload entries = %d, want %d", len(again.Entries), len(hb.Entries))
	}
}

func TestDisableEntries(t *testing.T) {
	cfg := runnableConfig(t.TempDir())
	hb, err := loadOrInitHeartbeat(cfg, discardLogger())
	if err != nil {
		t.Fatal(err)
	}

	disableEntries(hb, "health_check")
	for _, e := range hb.Entries {
		if e.Task == "health_check" && e.Enabled {
			t.Fatal("health_check entry still enabled")
		}
		if e.Task == "heartbeat_ping" && !e.Enabled {
			t.Fatal("unrelated entry was disabled")
		}
	}
}

// --- model baseline ---

func TestBaselineModels(t *testing.T) {
	models := baselineModels()
	if len(models) == 0 {
		t.Fatal("no baseline models")
	}

	foundCritical := false
	for _, m := range models {
		if !m.Enabled || !m.SupportsTools {
			t.Errorf("model %s must ship enabled with tool support", m.ModelID)
		}
		if m.CostPer1kInput <= 0 || m.CostPer1kOutput <= 0 {
			t.Errorf("model %s has no cost rates", m.ModelID)
		}
		if m.TierMinimum == string(survival.TierCritical) {
			foundCritical = true
		}
	}
	if !foundCritical {
		t.Error("baseline has no model usable at the critical tier")
	}
}
