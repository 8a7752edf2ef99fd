package poller

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

// Client calls a fleetguard server's /ops endpoints.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

// StatusError is a non-2xx answer from the server.
type StatusError struct {
	Status int
	Code   string
	Body   string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("server returned %d (%s)", e.Status, e.Code)
	}
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Body)
}

// DrainSummary is the part of the drain response the poller reports.
type DrainSummary struct {
	OK      bool `json:"ok"`
	Drained struct {
		Processed      int      `json:"processed"`
		RequestedLimit int      `json:"requestedLimit"`
		OK             bool     `json:"ok"`
		Errors         []string `json:"errors"`
	} `json:"drained"`
}

// SweepSummary is the part of the sweep response the poller reports.
type SweepSummary struct {
	OK    bool `json:"ok"`
	Sweep struct {
		Evaluated int        `json:"evaluated"`
		Escalated int        `json:"escalated"`
		NextDueAt *time.Time `json:"nextDueAt"`
		Errors    []string   `json:"errors"`
	} `json:"sweep"`
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read %s response: %w", path, err)
	}
	if resp.StatusCode/100 != 2 {
		se := &StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
		var eb struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(data, &eb) == nil {
			se.Code = eb.Error.Code
		}
		return se
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return nil
}

// Drain asks the server to drain up to limit queued runs.
func (c *Client) Drain(ctx context.Context, limit int) (DrainSummary, error) {
	var out DrainSummary
	err := c.post(ctx, "/ops/remediate-drain", map[string]int{"limit": limit}, &out)
	return out, err
}

// Sweep asks the server to run the escalation sweep.
func (c *Client) Sweep(ctx context.Context, limit int) (SweepSummary, error) {
	var out SweepSummary
	err := c.post(ctx, "/ops/incident-escalation-sweep", map[string]int{"limit": limit}, &out)
	return out, err
}

// Replay re-queues a dead-lettered run, or up to limit of them when runID is
// empty. The server's answer is returned undecoded.
func (c *Client) Replay(ctx context.Context, runID string, limit int) (json.RawMessage, error) {
	body := map[string]any{"mode": "dlq-batch", "limit": limit}
	if runID != "" {
		body = map[string]any{"mode": "single", "runId": runID}
	}
	var out json.RawMessage
	err := c.post(ctx, "/ops/remediate-replay", body, &out)
	return out, err
}
