// Package ingest submits fully-vetted profiles to the downstream
// ingestion API. The client only decides whether a submission succeeded,
// should be retried on a later scheduler cycle, or failed permanently;
// retry timing is owned by the scheduler.
package ingest

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

// Disposition classifies a submission attempt.
type Disposition int

const (
	// Accepted means the downstream took the profile (or already had it).
	Accepted Disposition = iota

	// Retryable means the attempt failed transiently; resubmit on a
	// later scheduler cycle.
	Retryable

	// Permanent means the downstream rejected the profile for good.
	Permanent
)

// Result is the outcome of one submission attempt.
type Result struct {
	Disposition Disposition
	StatusCode  int
	Message     string
}

// Client posts profiles to the downstream ingest endpoint.
type Client struct {
	url    string
	token  string
	client *http.Client
}

// New creates an ingest client for the given endpoint and bearer token.
func New(url, token string) *Client {
	return &Client{
		url:    url,
		token:  token,
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

// submission is the downstream request body.
type submission struct {
	SteamID  string `json:"steam_id"`
	Username string `json:"username"`
}

// Submit posts one profile.
func (c *Client) Submit(ctx context.Context, steamID, username string) Result {
	body, err := json.Marshal(submission{SteamID: steamID, Username: username})
	if err != nil {
		return Result{Disposition: Permanent, Message: fmt.Sprintf("marshaling submission: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return Result{Disposition: Permanent, Message: fmt.Sprintf("building request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Result{Disposition: Retryable, Message: err.Error()}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	text := strings.ToLower(string(respBody))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return Result{Disposition: Accepted, StatusCode: resp.StatusCode}

	case strings.Contains(text, "link already exists"):
		// Duplicate submission: the downstream already has this profile.
		return Result{Disposition: Accepted, StatusCode: resp.StatusCode, Message: "already exists"}

	case resp.StatusCode >= 500, strings.Contains(text, "service temporarily unavailable"):
		return Result{Disposition: Retryable, StatusCode: resp.StatusCode, Message: string(respBody)}

	default:
		return Result{Disposition: Permanent, StatusCode: resp.StatusCode, Message: string(respBody)}
	}
}
