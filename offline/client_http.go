package offline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// ClientConfig controls outbound sync client behavior.
type ClientConfig struct {
	BaseURL   string
	AuthToken string
	Timeout   time.Duration
}

// Client performs push/pull RPCs against the sync server.
type Client struct {
	cfg ClientConfig
	hc  *http.Client
}

// NewClient builds a client with optional timeout override.
func NewClient(cfg ClientConfig) *Client {
	to := cfg.Timeout
	if to == 0 {
		to = 15 * time.Second
	}
	return &Client{
		cfg: cfg,
		hc:  &http.Client{Timeout: to},
	}
}

// Authenticated reports whether the client carries a session token.
func (c *Client) Authenticated() bool {
	return c.cfg.BaseURL != "" && c.cfg.AuthToken != ""
}

// PushItem is one queued mutation sent to the server. Order within a request
// is significant; the server applies items in sequence.
type PushItem struct {
	OperationID string          `json:"operationId"`
	EntityType  string          `json:"entityType"`
	EntityID    string          `json:"entityId"`
	Operation   Op              `json:"operation"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	BaseVersion int64           `json:"baseVersion"`
}

// PushResult is the server's verdict on one pushed item.
type PushResult struct {
	OperationID     string          `json:"operationId"`
	Status          string          `json:"status"` // "accepted" | "rejected"
	ServerVersion   int64           `json:"serverVersion,omitempty"`
	ServerData      json.RawMessage `json:"serverData,omitempty"`
	ServerDeleted   bool            `json:"serverDeleted,omitempty"`
	ServerUpdatedAt int64           `json:"serverUpdatedAt,omitempty"`
}

const (
	PushAccepted = "accepted"
	PushRejected = "rejected"
)

// Push uploads an ordered batch of mutations.
func (c *Client) Push(ctx context.Context, items []PushItem) ([]PushResult, error) {
	body, err := json.Marshal(items)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/sync/push", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.AuthToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, &SyncError{Op: "push", Err: ErrTransport, Detail: err.Error()}
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, &SyncError{Op: "push", Err: ErrAuthenticationRequired, Detail: resp.Status}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &SyncError{Op: "push", Err: ErrTransport, Detail: resp.Status}
	}

	var out []PushResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &SyncError{Op: "push", Err: ErrTransport, Detail: err.Error()}
	}
	return out, nil
}

// ServerChange is one entity delta provided by the pull endpoint.
type ServerChange struct {
	EntityType string          `json:"entityType"`
	EntityID   string          `json:"entityId"`
	Data       json.RawMessage `json:"data,omitempty"`
	Version    int64           `json:"version"`
	Deleted    bool            `json:"deletedFlag"`
	UpdatedAt  int64           `json:"updatedAt,omitempty"`
}

// PullResp is returned by /sync/pull.
type PullResp struct {
	Cursor  string         `json:"cursor"`
	Changes []ServerChange `json:"changes"`
}

// Pull fetches server changes since the given cursor.
func (c *Client) Pull(ctx context.Context, since, practiceID string) (PullResp, error) {
	u := fmt.Sprintf("%s/sync/pull?since=%s&practiceId=%s",
		c.cfg.BaseURL, url.QueryEscape(since), url.QueryEscape(practiceID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return PullResp{}, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.AuthToken)

	resp, err := c.hc.Do(req)
	if err != nil {
		return PullResp{}, &SyncError{Op: "pull", Err: ErrTransport, Detail: err.Error()}
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return PullResp{}, &SyncError{Op: "pull", Err: ErrAuthenticationRequired, Detail: resp.Status}
	}
	if resp.StatusCode != http.StatusOK {
		return PullResp{}, &SyncError{Op: "pull", Err: ErrTransport, Detail: resp.Status}
	}

	var out PullResp
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return PullResp{}, &SyncError{Op: "pull", Err: ErrTransport, Detail: err.Error()}
	}
	return out, nil
}

// Probe checks server reachability and reports round-trip time.
// Used by the network monitor to classify connectivity.
func (c *Client) Probe(ctx context.Context) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.cfg.BaseURL+"/sync/health", nil)
	if err != nil {
		return 0, err
	}
	start := time.Now()
	resp, err := c.hc.Do(req)
	if err != nil {
		return 0, &SyncError{Op: "probe", Err: ErrTransport, Detail: err.Error()}
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return 0, &SyncError{Op: "probe", Err: ErrTransport, Detail: resp.Status}
	}
	return time.Since(start), nil
}
