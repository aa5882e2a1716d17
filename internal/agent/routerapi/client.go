// Package routerapi is the agent's HTTP client for the router's
// JSON API. The duplex channel carries commands; session lifecycle
// and notifications go over plain requests.
package routerapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// Button mirrors one inline-keyboard button on the wire.
type Button struct {
	Text string `json:"text"`
	Data string `json:"data"`
}

// NotifyRequest mirrors the router's /api/notify body.
type NotifyRequest struct {
	SessionID       string     `json:"session_id"`
	ChatID          int64      `json:"chat_id"`
	Text            string     `json:"text"`
	Token           string     `json:"reply_token,omitempty"`
	TokenTTLSeconds int64      `json:"token_ttl_seconds,omitempty"`
	Event           string     `json:"event,omitempty"`
	Summary         string     `json:"summary,omitempty"`
	Buttons         [][]Button `json:"buttons,omitempty"`
}

// Client talks to one router.
type Client struct {
	baseURL   string
	apiKey    string
	machineID string
	http      *http.Client
}

// New creates a client. Connections time out fast so a dead router
// never blocks a hook; the overall request budget is 10s.
func New(baseURL, apiKey, machineID string) *Client {
	return &Client{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		apiKey:    apiKey,
		machineID: machineID,
		http: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: time.Second}).DialContext,
			},
		},
	}
}

// RegisterSession announces a session to the router.
func (c *Client) RegisterSession(ctx context.Context, sessionID, label string) error {
	return c.post(ctx, "/api/sessions/register", map[string]any{
		"session_id": sessionID,
		"machine_id": c.machineID,
		"label":      label,
	}, nil)
}

// UnregisterSession removes a session from the router, cascading its
// queued commands and tokens there.
func (c *Client) UnregisterSession(ctx context.Context, sessionID string) error {
	return c.post(ctx, "/api/sessions/unregister", map[string]any{
		"session_id": sessionID,
	}, nil)
}

// Notify asks the router to deliver a chat notification and record
// the reply-token binding. Returns the platform message id.
func (c *Client) Notify(ctx context.Context, req NotifyRequest) (int, error) {
	var resp struct {
		OK        bool `json:"ok"`
		MessageID int  `json:"message_id"`
	}
	if err := c.post(ctx, "/api/notify", req, &resp); err != nil {
		return 0, err
	}
	return resp.MessageID, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error != "" {
			return fmt.Errorf("POST %s: %s (%d)", path, apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("POST %s: status %d", path, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
