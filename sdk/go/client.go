package commandcoresdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Command Core HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 30 * time.Second,
	}
}

// ExecutionPlan is the structured AI plan for one mission.
type ExecutionPlan struct {
	Summary          string   `json:"summary"`
	Steps            []string `json:"steps,omitempty"`
	Command          string   `json:"command"`
	Executor         string   `json:"executor,omitempty"`
	RiskLevel        string   `json:"risk_level"`
	RequiresApproval bool     `json:"requires_approval"`
}

// PendingHold is the outstanding approval slot.
type PendingHold struct {
	Task      string        `json:"task"`
	Plan      ExecutionPlan `json:"plan"`
	CreatedAt string        `json:"created_at"`
}

// ExecutionOutcome is the result reported by the command bridge.
type ExecutionOutcome struct {
	Status  string `json:"status"`
	Output  string `json:"output,omitempty"`
	Message string `json:"message,omitempty"`
}

// MissionResult is the terminal outcome of a mission or an approval.
type MissionResult struct {
	Held      bool              `json:"held"`
	Hold      *PendingHold      `json:"hold,omitempty"`
	Plan      ExecutionPlan     `json:"plan"`
	Outcome   *ExecutionOutcome `json:"outcome,omitempty"`
	MessageID string            `json:"message_id,omitempty"`
}

// Message is one recorded mission.
type Message struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	Type      string `json:"type,omitempty"`
	Model     string `json:"model,omitempty"`
	CreatedAt string `json:"created_at"`
}

// Asset is an uploaded binary with its analysis state.
type Asset struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	MimeType    string   `json:"mime_type"`
	AltText     string   `json:"alt_text,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	IsAnalyzing bool     `json:"is_analyzing"`
	SizeBytes   int64    `json:"size_bytes"`
	CreatedAt   string   `json:"created_at"`
	Content     []byte   `json:"content,omitempty"`
}

// Event is one row of the durable event trail.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// Status reports pipeline state.
type Status struct {
	State    string `json:"state"`
	HoldOpen bool   `json:"hold_open"`
	Messages int    `json:"messages"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// RunMission submits an intent. The result is either a dispatch record
// or an open hold.
func (c *Client) RunMission(ctx context.Context, taskID, prompt, assetID string) (MissionResult, error) {
	body := map[string]any{}
	if taskID != "" {
		body["task_id"] = taskID
	}
	if prompt != "" {
		body["prompt"] = prompt
	}
	if assetID != "" {
		body["asset_id"] = assetID
	}
	var resp MissionResult
	err := c.do(ctx, http.MethodPost, "v0/missions", body, &resp)
	return resp, err
}

// Status returns the pipeline state.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var resp Status
	err := c.do(ctx, http.MethodGet, "v0/status", nil, &resp)
	return resp, err
}

// Hold fetches the outstanding approval hold, if any.
func (c *Client) Hold(ctx context.Context) (PendingHold, error) {
	var resp PendingHold
	err := c.do(ctx, http.MethodGet, "v0/hold", nil, &resp)
	return resp, err
}

// Approve dispatches the held plan.
func (c *Client) Approve(ctx context.Context) (MissionResult, error) {
	var resp MissionResult
	err := c.do(ctx, http.MethodPost, "v0/hold/approve", nil, &resp)
	return resp, err
}

// Cancel discards the held plan.
func (c *Client) Cancel(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "v0/hold/cancel", nil, nil)
}

// Messages lists mission records, most recent first.
func (c *Client) Messages(ctx context.Context, limit int) ([]Message, error) {
	endpoint := "v0/messages"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Message
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// UploadAsset stores a binary for background analysis.
func (c *Client) UploadAsset(ctx context.Context, name, mimeType string, content []byte) (Asset, error) {
	body := map[string]any{
		"name":      name,
		"mime_type": mimeType,
		"content":   content,
	}
	var resp Asset
	err := c.do(ctx, http.MethodPost, "v0/assets", body, &resp)
	return resp, err
}

// Assets lists uploaded assets without content.
func (c *Client) Assets(ctx context.Context) ([]Asset, error) {
	var resp []Asset
	err := c.do(ctx, http.MethodGet, "v0/assets", nil, &resp)
	return resp, err
}

// Asset fetches one asset including content.
func (c *Client) Asset(ctx context.Context, id string) (Asset, error) {
	var resp Asset
	err := c.do(ctx, http.MethodGet, "v0/assets/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Audit returns the recent in-memory audit lines.
func (c *Client) Audit(ctx context.Context) ([]string, error) {
	var resp []string
	err := c.do(ctx, http.MethodGet, "v0/audit", nil, &resp)
	return resp, err
}

// Events returns the durable event trail, most recent first. Pass
// after > 0 to page forward from a cursor instead.
func (c *Client) Events(ctx context.Context, limit int, after int64) ([]Event, error) {
	endpoint := "v0/events"
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}
	if after > 0 {
		params.Set("after", fmt.Sprintf("%d", after))
	}
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
