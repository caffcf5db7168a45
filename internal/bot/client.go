package bot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// APIError is a non-2xx response decoded from the error envelope.
type APIError struct {
	Status    int
	Code      string
	Message   string
	Retryable bool
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bot: api status %d (%s): %s", e.Status, e.Code, e.Message)
}

// Round is the subset of the current-round response the simulator reads.
type Round struct {
	RoundID       int64     `json:"round_id"`
	Status        string    `json:"status"`
	OutcomeCount  int       `json:"outcome_count"`
	EntryCutoffAt time.Time `json:"entry_cutoff_at"`
}

// Receipt is the free-entry response.
type Receipt struct {
	RoundID      int64   `json:"round_id"`
	EntryID      int64   `json:"entry_id"`
	OutcomeIndex int     `json:"outcome_index"`
	Quantity     int64   `json:"quantity"`
	TicketTotals []int64 `json:"per_outcome_ticket_totals"`
}

// Client calls the public API the same way a browser client would.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a Client for baseURL, e.g. "http://localhost:8000".
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// CurrentRound fetches GET /api/round/current.
func (c *Client) CurrentRound(ctx context.Context) (Round, error) {
	var out Round
	if err := c.do(ctx, http.MethodGet, "/api/round/current", "", nil, &out); err != nil {
		return Round{}, fmt.Errorf("bot: current round: %w", err)
	}
	return out, nil
}

// FreeEntry posts a free entry as the bettor owning token.
func (c *Client) FreeEntry(ctx context.Context, token string, outcome int, quantity int64) (Receipt, error) {
	body := map[string]any{"outcome_index": outcome, "quantity": quantity}
	var out Receipt
	if err := c.do(ctx, http.MethodPost, "/api/entries/free", token, body, &out); err != nil {
		return Receipt{}, fmt.Errorf("bot: free entry: %w", err)
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path, token string, in, out any) error {
	var reader io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var env struct {
			Error     string `json:"error"`
			Code      string `json:"code"`
			Retryable bool   `json:"retryable"`
		}
		_ = json.Unmarshal(body, &env)
		if env.Error == "" {
			env.Error = strings.TrimSpace(string(body))
		}
		return &APIError{Status: resp.StatusCode, Code: env.Code, Message: env.Error, Retryable: env.Retryable}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
