package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// signerClient implements WalletSigner against the local signing sidecar.
// The sidecar holds the private key; this process only ever sees signatures.
type signerClient struct {
	baseURL string
	address string
	client  *http.Client
}

// NewSignerClient returns a WalletSigner talking to the sidecar at baseURL.
// address is the wallet's public address, known at provision time.
func NewSignerClient(baseURL, address string) WalletSigner {
	return &signerClient{baseURL: baseURL, address: address, client: &http.Client{}}
}

func (s *signerClient) Address() string { return s.address }

type signRequest struct {
	Domain  json.RawMessage `json:"domain"`
	Types   json.RawMessage `json:"types"`
	Message json.RawMessage `json:"message"`
}

type signResponse struct {
	Signature string `json:"signature"`
	Error     string `json:"error,omitempty"`
}

// SignTypedData asks the sidecar for an EIP-712 signature. A 403 from the
// sidecar means its policy refused the request; that is fatal for the turn.
func (s *signerClient) SignTypedData(ctx context.Context, domain, types, message json.RawMessage) (string, error) {
	body, err := json.Marshal(signRequest{Domain: domain, Types: types, Message: message})
	if err != nil {
		return "", fmt.Errorf("signer: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/sign/typed-data", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("signer: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", &Error{Op: "signer: sign", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("%w: %s", ErrSignerRefused, bytes.TrimSpace(raw))
	}
	if resp.StatusCode != http.StatusOK {
		return "", &Error{
			Op:         "signer: sign",
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status"),
		}
	}

	var out signResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("signer: decode response: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("signer: %s", out.Error)
	}
	if out.Signature == "" {
		return "", fmt.Errorf("signer: empty signature in response")
	}
	return out.Signature, nil
}
