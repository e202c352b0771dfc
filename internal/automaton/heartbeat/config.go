package heartbeat

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// EntryConfig is one schedule definition from heartbeat.yml. Task is the
// handler identifier to bind; Name labels the entry in logs and in the
// degraded-task bookkeeping.
type EntryConfig struct {
	Name     string `yaml:"name"`
	Schedule string `yaml:"schedule"` // standard 5-field cron expression
	Task     string `yaml:"task"`
	Enabled  bool   `yaml:"enabled"`
}

// FileConfig is the parsed heartbeat.yml.
type FileConfig struct {
	Entries              []EntryConfig `yaml:"entries"`
	DefaultIntervalMs    int64         `yaml:"defaultIntervalMs"`
	LowComputeMultiplier int           `yaml:"lowComputeMultiplier"`
}

// LoadConfig reads and parses heartbeat.yml.
func LoadConfig(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read heartbeat config: %w", err)
	}
	cfg := &FileConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse heartbeat config: %w", err)
	}
	if cfg.LowComputeMultiplier < 1 {
		cfg.LowComputeMultiplier = 4
	}
	for i, e := range cfg.Entries {
		if e.Name == "" || e.Schedule == "" || e.Task == "" {
			return nil, fmt.Errorf("heartbeat config: entry %d missing name, schedule, or task", i)
		}
	}
	return cfg, nil
}

// DefaultConfig is the schedule written at provisioning time.
func DefaultConfig() *FileConfig {
	return &FileConfig{
		DefaultIntervalMs:    60_000,
		LowComputeMultiplier: 4,
		Entries: []EntryConfig{
			{Name: "heartbeat_ping", Schedule: "* * * * *", Task: "heartbeat_ping", Enabled: true},
			{Name: "check_credits", Schedule: "*/5 * * * *", Task: "check_credits", Enabled: true},
			{Name: "check_usdc_balance", Schedule: "*/10 * * * *", Task: "check_usdc_balance", Enabled: true},
			{Name: "check_social_inbox", Schedule: "*/2 * * * *", Task: "check_social_inbox", Enabled: true},
			{Name: "health_check", Schedule: "*/15 * * * *", Task: "health_check", Enabled: true},
			{Name: "check_children", Schedule: "*/30 * * * *", Task: "check_children", Enabled: true},
		},
	}
}

// Save writes the schedule back to disk.
func (c *FileConfig) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode heartbeat config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write heartbeat config: %w", err)
	}
	return nil
}
