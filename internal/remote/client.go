// Package remote delivers sync tasks to the setkeeper ingest service over
// HTTP.
package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/claude/setkeeper/internal/models"
)

// StatusError is a non-2xx answer from the remote service.
type StatusError struct {
	Kind   models.TaskKind
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s delivery failed (status %d): %s", e.Kind, e.Status, e.Body)
}

// Client sends sync tasks to the remote service. It makes one attempt per
// call; retries belong to the sync queue.
type Client struct {
	serverURL  string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a client for serverURL. A nil httpClient gets a plain
// client with timeout; pass the tsnet HTTP client to reach the service over
// the tailnet.
func NewClient(serverURL, apiKey string, timeout time.Duration, httpClient *http.Client) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		serverURL:  strings.TrimRight(serverURL, "/"),
		apiKey:     apiKey,
		httpClient: httpClient,
	}
}

// Deliver POSTs the task payload to /api/v1/sync/{kind}. The task ID goes
// out as Idempotency-Key so the service can drop redeliveries.
func (c *Client) Deliver(ctx context.Context, task models.SyncTask) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.serverURL+"/api/v1/sync/"+string(task.Kind), bytes.NewReader(task.Payload))
	if err != nil {
		return fmt.Errorf("building %s request: %w", task.Kind, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", task.ID)
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending %s: %w", task.Kind, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Kind: task.Kind, Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Online probes the service health endpoint. Any answer below 500 counts as
// reachable.
func (c *Client) Online(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.serverURL+"/api/v1/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < 500
}
