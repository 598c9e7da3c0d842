package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/claude/setkeeper/internal/models"
	"github.com/claude/setkeeper/internal/storagemon"
	"github.com/claude/setkeeper/internal/syncq"
)

// HTTPClient implements DataSource by calling the setkeeperd status API.
// Used when the MCP binary runs locally (stdio) but the daemon runs
// elsewhere (reached over Tailscale).
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// Compile-time check: HTTPClient satisfies DataSource.
var _ DataSource = (*HTTPClient)(nil)

// NewHTTPClient creates an HTTPClient targeting the given base URL. The API
// key is only sent on mutating calls. A nil httpClient gets a plain client.
func NewHTTPClient(baseURL, apiKey string, httpClient *http.Client) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: httpClient,
	}
}

func (c *HTTPClient) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("httpclient: create request: %w", err)
	}
	if method != http.MethodGet {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("httpclient: %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("httpclient: read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("httpclient: %s returned %d: %s", path, resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("httpclient: decode %s: %w", path, err)
	}
	return nil
}

func (c *HTTPClient) ActiveSession(ctx context.Context) (*ActiveSession, error) {
	var out ActiveSession
	if err := c.do(ctx, http.MethodGet, "/api/v1/session", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) StorageReport(ctx context.Context) (storagemon.Report, error) {
	var out storagemon.Report
	err := c.do(ctx, http.MethodGet, "/api/v1/storage", &out)
	return out, err
}

func (c *HTTPClient) SyncStatus(ctx context.Context) (*SyncStatus, error) {
	var stats syncq.Stats
	if err := c.do(ctx, http.MethodGet, "/api/v1/sync", &stats); err != nil {
		return nil, err
	}
	var leader struct {
		LeaderID string `json:"leaderId"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/leader", &leader); err != nil {
		return nil, err
	}
	return &SyncStatus{Queue: stats, LeaderID: leader.LeaderID}, nil
}

func (c *HTTPClient) DeadLetter(ctx context.Context) ([]models.DeadLetterItem, error) {
	var out []models.DeadLetterItem
	err := c.do(ctx, http.MethodGet, "/api/v1/sync/deadletter", &out)
	return out, err
}

func (c *HTTPClient) ReprocessDeadLetter(ctx context.Context) (int, error) {
	var out struct {
		Reprocessed int `json:"reprocessed"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/sync/deadletter/reprocess", &out); err != nil {
		return 0, err
	}
	return out.Reprocessed, nil
}
