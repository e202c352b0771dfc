package providers

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
)

// balanceOfSelector is the first four bytes of keccak256("balanceOf(address)").
const balanceOfSelector = "70a08231"

// ethRPC implements ChainRPC over plain JSON-RPC. It reads only; all writes
// go through the signer sidecar and a relayer.
type ethRPC struct {
	url    string
	client *http.Client
}

// NewEthRPC returns a ChainRPC speaking JSON-RPC to url. Deadlines come from
// the request context.
func NewEthRPC(url string) ChainRPC {
	return &ethRPC{url: url, client: &http.Client{}}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Call performs eth_call against to with pre-encoded calldata.
func (r *ethRPC) Call(ctx context.Context, to string, data []byte) ([]byte, error) {
	params := []any{
		map[string]string{"to": to, "data": "0x" + hex.EncodeToString(data)},
		"latest",
	}
	raw, err := r.do(ctx, "eth_call", params)
	if err != nil {
		return nil, err
	}

	var encoded string
	if err := json.Unmarshal(raw, &encoded); err != nil {
		return nil, fmt.Errorf("chain: decode eth_call result: %w", err)
	}
	out, err := hex.DecodeString(strings.TrimPrefix(encoded, "0x"))
	if err != nil {
		return nil, fmt.Errorf("chain: decode eth_call result: %w", err)
	}
	return out, nil
}

// TokenBalance reads balanceOf(holder) on an ERC-20 token contract.
func (r *ethRPC) TokenBalance(ctx context.Context, token, holder string) (*big.Int, error) {
	data, err := encodeBalanceOf(holder)
	if err != nil {
		return nil, err
	}
	out, err := r.Call(ctx, token, data)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("chain: empty balanceOf result for %s", token)
	}
	return new(big.Int).SetBytes(out), nil
}

func (r *ethRPC) do(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("chain: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("chain: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, &Error{Op: "chain: " + method, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &Error{
			Op:         "chain: " + method,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status"),
		}
	}

	var out rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("chain: decode response: %w", err)
	}
	if out.Error != nil {
		return nil, &Error{Op: "chain: " + method, Err: out.Error}
	}
	return out.Result, nil
}

// encodeBalanceOf builds balanceOf calldata: the 4-byte selector plus the
// holder address left-padded to 32 bytes.
func encodeBalanceOf(holder string) ([]byte, error) {
	addr, err := hex.DecodeString(strings.TrimPrefix(strings.ToLower(holder), "0x"))
	if err != nil || len(addr) != 20 {
		return nil, fmt.Errorf("chain: invalid address %q", holder)
	}
	selector, _ := hex.DecodeString(balanceOfSelector)

	data := make([]byte, 0, 4+32)
	data = append(data, selector...)
	data = append(data, make([]byte, 12)...)
	data = append(data, addr...)
	return data, nil
}
