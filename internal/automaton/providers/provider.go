// Package providers defines the narrow capability interfaces the automaton
// consumes from the outside world: inference, sandbox execution, the social
// relay, the wallet signer, and chain RPC.
//
// The core never depends on a specific implementation. Each interface is a
// capability, not a wire format; adapters in this package translate to the
// concrete services. Implementations must be safe for concurrent use.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net"
	"time"
)

// Message is one entry in a chat transcript. Role is "system", "user",
// "assistant", or "tool".
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // set on tool-role messages
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`   // set on assistant messages
}

// ToolCall is a tool invocation requested by the model. Arguments is the raw
// JSON produced by the model; validation happens at the tool registry.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolSpec describes a callable tool advertised to the model.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema"`
}

// ChatRequest is the input to one inference call.
type ChatRequest struct {
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature float64
	Tools       []ToolSpec
}

// Usage carries the token counts reported by the upstream API.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// ChatResponse is the output of one inference call.
type ChatResponse struct {
	Content      string
	ToolCalls    []ToolCall
	Usage        Usage
	FinishReason string
}

// Inference is the LLM capability.
type Inference interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// ExecResult is the outcome of a sandbox command.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Sandbox is the command-execution capability.
type Sandbox interface {
	Exec(ctx context.Context, command string, timeout time.Duration) (*ExecResult, error)
	WriteFile(ctx context.Context, path string, content []byte) error
	ReadFile(ctx context.Context, path string) ([]byte, error)
	ExposePort(ctx context.Context, port int) (publicURL string, err error)
}

// SocialMessage is one message returned by the relay. ID is the relay's
// external id and the global dedup key.
type SocialMessage struct {
	ID       string
	From     string
	To       string
	Content  string
	SignedAt time.Time
}

// PollResult is one page of relay messages plus the cursor for the next poll.
type PollResult struct {
	Messages   []SocialMessage
	NextCursor string
}

// Social is the relay capability.
type Social interface {
	Poll(ctx context.Context, cursor string) (*PollResult, error)
	Send(ctx context.Context, to, content string) (id string, err error)
}

// WalletSigner signs EIP-712 typed data without ever exposing the key.
type WalletSigner interface {
	SignTypedData(ctx context.Context, domain, types, message json.RawMessage) (hex string, err error)
	Address() string
}

// ChainRPC is the read-only chain capability.
type ChainRPC interface {
	// Call performs eth_call against a contract with pre-encoded calldata.
	Call(ctx context.Context, to string, data []byte) ([]byte, error)
	// TokenBalance reads an ERC-20 balanceOf for holder.
	TokenBalance(ctx context.Context, token, holder string) (*big.Int, error)
}

// --- error classification ---

// Fatal tool failures abort the remainder of a turn.
var (
	ErrSignerRefused = errors.New("wallet signer refused the request")
	ErrSandboxLost   = errors.New("sandbox connection lost")
)

// Error wraps a provider failure with enough context for the router's retry
// policy. StatusCode is 0 for transport-level failures.
type Error struct {
	Op         string
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: HTTP %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether err is worth retrying: network failures, 5xx
// responses, and rate limits. Anything else (4xx, malformed payloads, signer
// refusal) is permanent.
func Retryable(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		if pe.StatusCode == 429 || pe.StatusCode >= 500 {
			return true
		}
		if pe.StatusCode == 0 {
			return true // transport-level
		}
		return false
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// Fatal reports whether err must abort the remainder of a turn.
func Fatal(err error) bool {
	return errors.Is(err, ErrSignerRefused) || errors.Is(err, ErrSandboxLost)
}
