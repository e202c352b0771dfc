package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/automatonhq/automaton/internal/automaton/providers"
	"github.com/automatonhq/automaton/internal/automaton/store"
	"github.com/automatonhq/automaton/internal/automaton/survival"
)

// ToolDeps bundles the providers and state the standard tools act on.
type ToolDeps struct {
	Store   *store.Store
	Sandbox providers.Sandbox
	Social  providers.Social
	Signer  providers.WalletSigner
	Chain   providers.ChainRPC
	Balance *survival.Balance

	HomeDir          string
	USDCContract     string
	DirectoryAddress string
	Logger           *slog.Logger
}

// DefaultRegistry wires the standard tool set.
func DefaultRegistry(d ToolDeps) (*Registry, error) {
	r := NewRegistry()
	tools := []*Tool{
		{
			Name:        "send_message",
			Description: "Send a message to another agent or the creator via the social relay.",
			Schema: `{
				"type": "object",
				"properties": {
					"to": {"type": "string", "minLength": 1},
					"content": {"type": "string", "minLength": 1}
				},
				"required": ["to", "content"],
				"additionalProperties": false
			}`,
			Run: d.sendMessage,
		},
		{
			Name:        "exec_command",
			Description: "Run a shell command in the sandbox. Returns stdout, stderr, and the exit code.",
			Schema: `{
				"type": "object",
				"properties": {
					"command": {"type": "string", "minLength": 1},
					"timeout_ms": {"type": "integer", "minimum": 1, "maximum": 600000}
				},
				"required": ["command"],
				"additionalProperties": false
			}`,
			Run: d.execCommand,
		},
		{
			Name:        "write_file",
			Description: "Write a file inside the sandbox.",
			Schema: `{
				"type": "object",
				"properties": {
					"path": {"type": "string", "minLength": 1},
					"content": {"type": "string"}
				},
				"required": ["path", "content"],
				"additionalProperties": false
			}`,
			Run: d.writeFile,
		},
		{
			Name:        "read_file",
			Description: "Read a file from the sandbox.",
			Schema: `{
				"type": "object",
				"properties": {
					"path": {"type": "string", "minLength": 1}
				},
				"required": ["path"],
				"additionalProperties": false
			}`,
			Run: d.readFile,
		},
		{
			Name:        "expose_port",
			Description: "Expose a sandbox port publicly. Returns the public URL.",
			Schema: `{
				"type": "object",
				"properties": {
					"port": {"type": "integer", "minimum": 1, "maximum": 65535}
				},
				"required": ["port"],
				"additionalProperties": false
			}`,
			Run: d.exposePort,
		},
		{
			Name:        "check_balances",
			Description: "Report the current liquid balance and wallet address.",
			Schema:      `{"type": "object", "additionalProperties": false}`,
			Run:         d.checkBalances,
		},
		{
			Name:          "transfer_usdc",
			Description:   "Sign a USDC transfer authorization. Crosses a trust boundary; at most one such action per turn.",
			TrustBoundary: true,
			Schema: `{
				"type": "object",
				"properties": {
					"to": {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
					"amount_usdc": {"type": "number", "exclusiveMinimum": 0}
				},
				"required": ["to", "amount_usdc"],
				"additionalProperties": false
			}`,
			Run: d.transferUSDC,
		},
		{
			Name:          "spawn_child",
			Description:   "Spawn a child automaton in a fresh sandbox. Crosses a trust boundary.",
			TrustBoundary: true,
			Schema: `{
				"type": "object",
				"properties": {
					"name": {"type": "string", "pattern": "^[a-z0-9_-]+$"}
				},
				"required": ["name"],
				"additionalProperties": false
			}`,
			Run: d.spawnChild,
		},
		{
			Name:          "publish_agent_card",
			Description:   "Publish this agent's card to the public directory. Crosses a trust boundary.",
			TrustBoundary: true,
			Schema: `{
				"type": "object",
				"properties": {
					"content": {"type": "string", "minLength": 1}
				},
				"required": ["content"],
				"additionalProperties": false
			}`,
			Run: d.publishAgentCard,
		},
		{
			Name:        "update_soul",
			Description: "Rewrite SOUL.md, the self-authored identity layer of the system prompt.",
			Schema: `{
				"type": "object",
				"properties": {
					"content": {"type": "string", "minLength": 1}
				},
				"required": ["content"],
				"additionalProperties": false
			}`,
			Run: d.updateSoul,
		},
		{
			Name:        "set_skill_enabled",
			Description: "Enable or disable an installed skill.",
			Schema: `{
				"type": "object",
				"properties": {
					"name": {"type": "string", "pattern": "^[a-z0-9_-]+$"},
					"enabled": {"type": "boolean"}
				},
				"required": ["name", "enabled"],
				"additionalProperties": false
			}`,
			Run: d.setSkillEnabled,
		},
	}
	for _, t := range tools {
		if d.Sandbox == nil && sandboxTools[t.Name] {
			continue
		}
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// sandboxTools names the tools that dereference Sandbox. When the daemon runs
// without one they are withheld from the registry entirely, so the model
// never sees a tool that cannot execute.
var sandboxTools = map[string]bool{
	"exec_command": true,
	"write_file":   true,
	"read_file":    true,
	"expose_port":  true,
	"spawn_child":  true,
}

func (d ToolDeps) sendMessage(ctx context.Context, args json.RawMessage) (string, error) {
	var a struct {
		To      string `json:"to"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(args, &a); err != nil {
		return "", err
	}
	id, err := d.Social.Send(ctx, a.To, a.Content)
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	return fmt.Sprintf("sent (id %s)", id), nil
}

func (d ToolDeps) execCommand(ctx context.Context, args json.RawMessage) (string, error) {
	var a struct {
		Command   string `json:"command"`
		TimeoutMs int    `json:"timeout_ms"`
	}
	if err := json.Unmarshal(args, &a); err != nil {
		return "", err
	}
	timeout := 30 * time.Second
	if a.TimeoutMs > 0 {
		timeout = time.Duration(a.TimeoutMs) * time.Millisecond
	}
	res, err := d.Sandbox.Exec(ctx, a.Command, timeout)
	if err != nil {
		return "", fmt.Errorf("exec: %w", err)
	}
	out, err := json.Marshal(map[string]interface{}{
		"stdout":    res.Stdout,
		"stderr":    res.Stderr,
		"exit_code": res.ExitCode,
	})
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func (d ToolDeps) writeFile(ctx context.Context, args json.RawMessage) (string, error) {
	var a struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(args, &a); err != nil {
		return "", err
	}
	if err := d.Sandbox.WriteFile(ctx, a.Path, []byte(a.Content)); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(a.Content), a.Path), nil
}

func (d ToolDeps) readFile(ctx context.Context, args json.RawMessage) (string, error) {
	var a struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &a); err != nil {
		return "", err
	}
	data, err := d.Sandbox.ReadFile(ctx, a.Path)
	if err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}
	return string(data), nil
}

func (d ToolDeps) exposePort(ctx context.Context, args json.RawMessage) (string, error) {
	var a struct {
		Port int `json:"port"`
	}
	if err := json.Unmarshal(args, &a); err != nil {
		return "", err
	}
	url, err := d.Sandbox.ExposePort(ctx, a.Port)
	if err != nil {
		return "", fmt.Errorf("expose port: %w", err)
	}
	return url, nil
}

func (d ToolDeps) checkBalances(ctx context.Context, args json.RawMessage) (string, error) {
	out, err := json.Marshal(map[string]interface{}{
		"liquid_hundredth_cents": d.Balance.Liquid(),
		"address":                d.Signer.Address(),
	})
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// transferUSDC signs an EIP-3009 transfer authorization. Submission is the
// relay's job; the automaton only ever produces signatures, never holds a
// hot connection that could broadcast on its own.
func (d ToolDeps) transferUSDC(ctx context.Context, args json.RawMessage) (string, error) {
	var a struct {
		To         string  `json:"to"`
		AmountUSDC float64 `json:"amount_usdc"`
	}
	if err := json.Unmarshal(args, &a); err != nil {
		return "", err
	}

	domain, _ := json.Marshal(map[string]interface{}{
		"name":              "USD Coin",
		"version":           "2",
		"verifyingContract": d.USDCContract,
	})
	types, _ := json.Marshal(map[string]interface{}{
		"TransferWithAuthorization": []map[string]string{
			{"name": "from", "type": "address"},
			{"name": "to", "type": "address"},
			{"name": "value", "type": "uint256"},
			{"name": "validAfter", "type": "uint256"},
			{"name": "validBefore", "type": "uint256"},
			{"name": "nonce", "type": "bytes32"},
		},
	})
	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	now := time.Now().Unix()
	message, _ := json.Marshal(map[string]interface{}{
		"from":        d.Signer.Address(),
		"to":          a.To,
		"value":       fmt.Sprintf("%d", int64(a.AmountUSDC*1e6)),
		"validAfter":  0,
		"validBefore": now + 3600,
		"nonce":       "0x" + hex.EncodeToString(nonce),
	})

	sig, err := d.Signer.SignTypedData(ctx, domain, types, message)
	if err != nil {
		return "", fmt.Errorf("sign transfer: %w", err)
	}
	d.Logger.Info("signed usdc transfer", "to", a.To, "amount_usdc", a.AmountUSDC)
	return sig, nil
}

func (d ToolDeps) spawnChild(ctx context.Context, args json.RawMessage) (string, error) {
	var a struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(args, &a); err != nil {
		return "", err
	}

	child := &store.Child{
		ID:     uuid.NewString(),
		Name:   a.Name,
		Status: store.ChildUnknown,
	}
	res, err := d.Sandbox.Exec(ctx, fmt.Sprintf("automaton-spawn --name %s", a.Name), 2*time.Minute)
	if err != nil {
		return "", fmt.Errorf("spawn child: %w", err)
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("spawn child exited %d: %s", res.ExitCode, res.Stderr)
	}
	child.SandboxID = strings.TrimSpace(res.Stdout)
	if err := d.Store.CreateChild(ctx, child); err != nil {
		return "", err
	}
	d.Logger.Info("spawned child", "name", a.Name, "id", child.ID)
	return fmt.Sprintf("child %s created (id %s)", a.Name, child.ID), nil
}

func (d ToolDeps) publishAgentCard(ctx context.Context, args json.RawMessage) (string, error) {
	var a struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(args, &a); err != nil {
		return "", err
	}
	id, err := d.Social.Send(ctx, d.DirectoryAddress, a.Content)
	if err != nil {
		return "", fmt.Errorf("publish agent card: %w", err)
	}
	return fmt.Sprintf("published (id %s)", id), nil
}

func (d ToolDeps) updateSoul(ctx context.Context, args json.RawMessage) (string, error) {
	var a struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(args, &a); err != nil {
		return "", err
	}
	path := filepath.Join(d.HomeDir, "SOUL.md")
	if err := os.WriteFile(path, []byte(a.Content), 0o644); err != nil {
		return "", fmt.Errorf("update soul: %w", err)
	}
	return "soul updated", nil
}

func (d ToolDeps) setSkillEnabled(ctx context.Context, args json.RawMessage) (string, error) {
	var a struct {
		Name    string `json:"name"`
		Enabled bool   `json:"enabled"`
	}
	if err := json.Unmarshal(args, &a); err != nil {
		return "", err
	}
	if err := d.Store.SetSkillEnabled(ctx, a.Name, a.Enabled); err != nil {
		return "", err
	}
	return fmt.Sprintf("skill %s enabled=%v", a.Name, a.Enabled), nil
}
