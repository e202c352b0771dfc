package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// creditsBalance is the platform's billing response. balance is dollars.
type creditsBalance struct {
	Balance float64 `json:"balance"`
	Error   string  `json:"error,omitempty"`
}

// NewCreditsClient returns a function that reads the platform-credit balance
// in hundredth-cents from the compute platform's billing endpoint.
func NewCreditsClient(baseURL, apiKey string) func(ctx context.Context) (int64, error) {
	client := &http.Client{}
	return func(ctx context.Context) (int64, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/billing/balance", nil)
		if err != nil {
			return 0, fmt.Errorf("credits: build request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+apiKey)

		resp, err := client.Do(req)
		if err != nil {
			return 0, &Error{Op: "credits: fetch balance", Err: err}
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return 0, &Error{
				Op:         "credits: fetch balance",
				StatusCode: resp.StatusCode,
				Err:        fmt.Errorf("unexpected status"),
			}
		}

		var out creditsBalance
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return 0, fmt.Errorf("credits: decode response: %w", err)
		}
		if out.Error != "" {
			return 0, fmt.Errorf("credits: %s", out.Error)
		}
		return int64(out.Balance * 10000), nil
	}
}
