package treasury

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Transferor moves custodial funds out of escrow to a principal. It is the
// ledger's only boundary to the funds-movement collaborator: a failed
// Transfer aborts the enclosing ledger operation, so implementations must not
// leave partial effects behind on error.
type Transferor interface {
	Transfer(ctx context.Context, to string, amount int64) error
}

// Memory records transfers in memory. It backs the CLI's local mode and
// tests.
type Memory struct {
	mu   sync.Mutex
	paid map[string]int64

	// FailNext forces the next Transfer to fail, for rollback testing.
	FailNext bool
}

func NewMemory() *Memory {
	return &Memory{paid: make(map[string]int64)}
}

func (m *Memory) Transfer(ctx context.Context, to string, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailNext {
		m.FailNext = false
		return fmt.Errorf("simulated transfer failure to %s", to)
	}
	if to == "" {
		return fmt.Errorf("transfer recipient required")
	}
	if amount <= 0 {
		return fmt.Errorf("transfer amount must be positive, got %d", amount)
	}
	m.paid[to] += amount
	return nil
}

// Paid returns the total amount transferred to a principal.
func (m *Memory) Paid(to string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paid[to]
}

const defaultTimeout = 10 * time.Second

// Client calls a wallet-provider transfer endpoint over HTTP.
type Client struct {
	Endpoint   string
	APIKey     string
	HTTPClient *http.Client
}

func NewClient(endpoint, apiKey string) *Client {
	return &Client{
		Endpoint:   endpoint,
		APIKey:     apiKey,
		HTTPClient: &http.Client{Timeout: defaultTimeout},
	}
}

type transferRequest struct {
	To     string `json:"to"`
	Amount int64  `json:"amount"`
}

func (c *Client) Transfer(ctx context.Context, to string, amount int64) error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return fmt.Errorf("treasury endpoint not configured")
	}
	data, err := json.Marshal(transferRequest{To: to, Amount: amount})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	client := c.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("transfer status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
