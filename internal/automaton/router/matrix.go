package router

import (
	"time"

	"github.com/automatonhq/automaton/internal/automaton/survival"
)

// TaskKind labels what a routed inference call is for. Each kind carries its
// own timeout and its own row in the routing matrix.
type TaskKind string

const (
	TaskAgentTurn       TaskKind = "agent_turn"
	TaskHeartbeatTriage TaskKind = "heartbeat_triage"
	TaskSafetyCheck     TaskKind = "safety_check"
	TaskSummarization   TaskKind = "summarization"
	TaskPlanning        TaskKind = "planning"
)

// Timeout returns the per-task deadline applied to each provider attempt.
func (k TaskKind) Timeout() time.Duration {
	switch k {
	case TaskHeartbeatTriage:
		return 15 * time.Second
	case TaskSafetyCheck:
		return 30 * time.Second
	case TaskSummarization:
		return 60 * time.Second
	default: // agent_turn, planning
		return 120 * time.Second
	}
}

// Entry is one cell of the routing matrix: ordered model candidates plus the
// per-call limits for this (tier, task) pair. CeilingCents of -1 means
// unbounded per-task, subject only to the global per-call ceiling.
type Entry struct {
	Candidates   []string
	MaxTokens    int
	CeilingCents int64
}

// Matrix maps (tier, task kind) to an Entry. A missing cell means the task
// is not permitted at that tier.
type Matrix map[survival.Tier]map[TaskKind]Entry

// Lookup returns the entry for (tier, task), or false when the task is not
// permitted at that tier.
func (m Matrix) Lookup(tier survival.Tier, task TaskKind) (Entry, bool) {
	row, ok := m[tier]
	if !ok {
		return Entry{}, false
	}
	e, ok := row[task]
	return e, ok
}

// DefaultMatrix is the static baseline. Higher tiers get richer candidates;
// low_compute drops summarization and planning; critical keeps only triage
// and safety checks; dead permits nothing.
func DefaultMatrix() Matrix {
	rich := []string{"gpt-4o", "gpt-4o-mini"}
	cheap := []string{"gpt-4o-mini"}

	return Matrix{
		survival.TierHigh: {
			TaskAgentTurn:       {Candidates: rich, MaxTokens: 4096, CeilingCents: -1},
			TaskHeartbeatTriage: {Candidates: cheap, MaxTokens: 512, CeilingCents: 500},
			TaskSafetyCheck:     {Candidates: cheap, MaxTokens: 512, CeilingCents: 500},
			TaskSummarization:   {Candidates: cheap, MaxTokens: 2048, CeilingCents: 2000},
			TaskPlanning:        {Candidates: rich, MaxTokens: 4096, CeilingCents: -1},
		},
		survival.TierNormal: {
			TaskAgentTurn:       {Candidates: rich, MaxTokens: 4096, CeilingCents: 5000},
			TaskHeartbeatTriage: {Candidates: cheap, MaxTokens: 512, CeilingCents: 300},
			TaskSafetyCheck:     {Candidates: cheap, MaxTokens: 512, CeilingCents: 300},
			TaskSummarization:   {Candidates: cheap, MaxTokens: 2048, CeilingCents: 1000},
			TaskPlanning:        {Candidates: cheap, MaxTokens: 2048, CeilingCents: 2000},
		},
		survival.TierLowCompute: {
			TaskAgentTurn:       {Candidates: cheap, MaxTokens: 2048, CeilingCents: 1000},
			TaskHeartbeatTriage: {Candidates: cheap, MaxTokens: 256, CeilingCents: 200},
			TaskSafetyCheck:     {Candidates: cheap, MaxTokens: 256, CeilingCents: 200},
		},
		survival.TierCritical: {
			TaskHeartbeatTriage: {Candidates: cheap, MaxTokens: 256, CeilingCents: 300},
			TaskSafetyCheck:     {Candidates: cheap, MaxTokens: 256, CeilingCents: 300},
		},
		survival.TierDead: {},
	}
}
