// Package config loads and persists the automaton's runtime configuration.
//
// The installer collaborator writes automaton.json; the daemon reads it once
// at startup and treats it as immutable. Every knob has an explicit default
// so behavior is never implied by a zero value.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config is the single immutable runtime record. Monetary knobs are
// denominated in hundredths of a US cent (1 unit = $0.0001).
type Config struct {
	// Identity.
	Name             string `json:"name"`
	CreatorAddress   string `json:"creator_address"`
	ParentAddress    string `json:"parent_address,omitempty"`
	WalletAddress    string `json:"wallet_address"`
	DirectoryAddress string `json:"directory_address,omitempty"`
	GenesisPrompt    string `json:"genesis_prompt"`

	// Filesystem layout, all relative to HomeDir unless absolute.
	HomeDir       string `json:"home_dir"`
	DBPath        string `json:"db_path"`
	HeartbeatPath string `json:"heartbeat_path"`
	SkillsDir     string `json:"skills_dir"`

	// Budget knobs.
	HourlyBudgetCents   int64 `json:"hourly_budget_cents"`
	PerCallCeilingCents int64 `json:"per_call_ceiling_cents"`

	// Turn engine knobs.
	MinTurnIntervalMs  int64 `json:"min_turn_interval_ms"`
	RecentTurnWindow   int   `json:"recent_turn_window"`
	SummarizeThreshold int   `json:"summarize_threshold"`

	// Scheduler knobs.
	LowComputeMultiplier int `json:"low_compute_multiplier"`

	// Router knobs.
	EnableModelFallback bool `json:"enable_model_fallback"`

	// Providers.
	InferenceBaseURL   string `json:"inference_base_url"`
	InferenceAPIKey    string `json:"inference_api_key"`
	SocialHomeserver   string `json:"social_homeserver"`
	SocialUserID       string `json:"social_user_id"`
	SocialToken        string `json:"social_token"`
	ChainRPCURL        string `json:"chain_rpc_url"`
	USDCContract       string `json:"usdc_contract"`
	SignerURL          string `json:"signer_url"`
	SandboxContainerID string `json:"sandbox_container_id"`
	PlatformAPIURL     string `json:"platform_api_url"`
	PlatformAPIKey     string `json:"platform_api_key"`

	// Observability.
	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`
}

// Defaults returns a Config with every knob set to its documented default.
func Defaults(homeDir string) *Config {
	return &Config{
		HomeDir:              homeDir,
		DBPath:               "state.db",
		HeartbeatPath:        "heartbeat.yml",
		SkillsDir:            "skills",
		HourlyBudgetCents:    50000, // $5.00/hour
		PerCallCeilingCents:  10000, // $1.00/call
		MinTurnIntervalMs:    5 * 60 * 1000,
		RecentTurnWindow:     20,
		SummarizeThreshold:   15,
		LowComputeMultiplier: 4,
		EnableModelFallback:  true,
		LogLevel:             "info",
		LogFormat:            "json",
	}
}

// Load reads automaton.json from homeDir and fills any unset knob with its
// default.
func Load(homeDir string) (*Config, error) {
	path := filepath.Join(homeDir, "automaton.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Defaults(homeDir)
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes automaton.json with owner-only permissions.
func (c *Config) Save() error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	path := filepath.Join(c.HomeDir, "automaton.json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Validate checks the knobs a running daemon cannot do without.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("config: name is required")
	}
	if c.CreatorAddress == "" {
		return fmt.Errorf("config: creator_address is required")
	}
	if c.HourlyBudgetCents <= 0 {
		return fmt.Errorf("config: hourly_budget_cents must be positive")
	}
	if c.PerCallCeilingCents <= 0 {
		return fmt.Errorf("config: per_call_ceiling_cents must be positive")
	}
	if c.RecentTurnWindow <= 0 || c.SummarizeThreshold <= 0 {
		return fmt.Errorf("config: turn window knobs must be positive")
	}
	if c.LowComputeMultiplier < 1 {
		return fmt.Errorf("config: low_compute_multiplier must be at least 1")
	}
	return nil
}

// MinTurnInterval returns the minimum idle gap between turns.
func (c *Config) MinTurnInterval() time.Duration {
	return time.Duration(c.MinTurnIntervalMs) * time.Millisecond
}

// Resolve joins a layout path with HomeDir unless it is already absolute.
func (c *Config) Resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.HomeDir, p)
}

// Wallet is the persisted signing key material. It is written once at
// provisioning and never enters logs or prompts.
type Wallet struct {
	PrivateKey string    `json:"privateKey"`
	CreatedAt  time.Time `json:"createdAt"`
}

// LoadWallet reads wallet.json from homeDir.
func LoadWallet(homeDir string) (*Wallet, error) {
	data, err := os.ReadFile(filepath.Join(homeDir, "wallet.json"))
	if err != nil {
		return nil, fmt.Errorf("read wallet: %w", err)
	}
	w := &Wallet{}
	if err := json.Unmarshal(data, w); err != nil {
		return nil, fmt.Errorf("parse wallet: %w", err)
	}
	if w.PrivateKey == "" {
		return nil, fmt.Errorf("wallet: private key missing")
	}
	return w, nil
}

// SaveWallet writes wallet.json with owner-only permissions, refusing to
// overwrite an existing key.
func SaveWallet(homeDir string, w *Wallet) error {
	path := filepath.Join(homeDir, "wallet.json")
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("wallet already exists at %s", path)
	}
	data, err := json.MarshalIndent(w, "", "  ")
	if err != nil {
		return fmt.Errorf("encode wallet: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write wallet: %w", err)
	}
	return nil
}
