package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"commandcore/internal/domain"
)

// Client talks to a local execution bridge over HTTP.
type Client struct {
	URL        string
	HTTPClient *http.Client
	Timeout    time.Duration
}

func New(url string, timeout time.Duration) *Client {
	return &Client{URL: url, HTTPClient: &http.Client{Timeout: timeout}, Timeout: timeout}
}

// Run posts a command to the bridge and returns its reported outcome.
// A transport failure is reported as a CRITICAL_ERROR outcome rather
// than an error: the mission still completes and gets recorded.
func (c *Client) Run(ctx context.Context, command string) domain.ExecutionOutcome {
	body, err := json.Marshal(map[string]string{"command": command})
	if err != nil {
		return criticalOutcome(err)
	}

	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL+"/execute", bytes.NewReader(body))
	if err != nil {
		return criticalOutcome(err)
	}
	req.Header.Set("Content-Type", "application/json")

	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return criticalOutcome(err)
	}
	defer resp.Body.Close()

	var out domain.ExecutionOutcome
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return criticalOutcome(fmt.Errorf("decode bridge response: %w", err))
	}
	if out.Status == "" {
		out.Status = domain.OutcomeCriticalError
		out.Message = "bridge returned no status"
	}
	return out
}

func criticalOutcome(err error) domain.ExecutionOutcome {
	return domain.ExecutionOutcome{
		Status:  domain.OutcomeCriticalError,
		Message: "execution bridge unreachable: " + err.Error(),
	}
}
