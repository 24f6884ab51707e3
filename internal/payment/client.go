package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client calls the external authorize-and-charge collaborator over HTTP.
// The payment flow itself lives there; this side only needs the boolean
// outcome before a claim is allowed to stand.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds a client for the collaborator at baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

type authorizeRequest struct {
	RequestID   string `json:"request_id"`
	FulfillerID string `json:"fulfiller_id"`
	Amount      int64  `json:"amount"`
}

type authorizeResponse struct {
	Authorized bool   `json:"authorized"`
	Reason     string `json:"reason"`
}

// Authorize asks the collaborator to authorize and charge for the claim.
// Any non-nil error, including a declined authorization, means the claim
// must not stand.
func (c *Client) Authorize(ctx context.Context, requestID, fulfillerID string, amount int64) error {
	body, err := json.Marshal(authorizeRequest{
		RequestID:   requestID,
		FulfillerID: fulfillerID,
		Amount:      amount,
	})
	if err != nil {
		return fmt.Errorf("marshal authorize request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/authorize", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build authorize request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("call payment collaborator: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("payment collaborator status %d: %s", resp.StatusCode, b)
	}

	var out authorizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decode authorize response: %w", err)
	}
	if !out.Authorized {
		return fmt.Errorf("authorization declined: %s", out.Reason)
	}
	return nil
}

// AllowAll authorizes everything. Used in dev and in environments where
// payment is handled entirely out of band.
type AllowAll struct{}

func (AllowAll) Authorize(ctx context.Context, requestID, fulfillerID string, amount int64) error {
	return nil
}
