// Package keyclient is the control plane's HTTP client for the keyring
// admin surface: bot registration during the create saga, revocation on
// delete, and pass-through for the operator's key management routes.
package keyclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrConflict is returned when the keyring already has the bot registered.
var ErrConflict = errors.New("bot already registered with keyring")

// ErrNotFound is returned when the keyring has no such bot or key.
var ErrNotFound = errors.New("keyring record not found")

// Client talks to one keyring admin endpoint with a static bearer.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New creates a Client for the keyring admin surface at baseURL.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// RegisterBot registers a bot and returns its data-plane bearer. The bearer
// is shown exactly once; the keyring stores only its hash.
func (c *Client) RegisterBot(ctx context.Context, botID, hostname string, tags []string) (string, error) {
	body := map[string]any{"botId": botID, "hostname": hostname}
	if len(tags) > 0 {
		body["tags"] = tags
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, "/admin/bots", body, &resp); err != nil {
		return "", err
	}
	if resp.Token == "" {
		return "", fmt.Errorf("keyring returned empty token")
	}
	return resp.Token, nil
}

// RevokeBot removes a bot's registration. Missing registrations are fine.
func (c *Client) RevokeBot(ctx context.Context, botID string) error {
	err := c.do(ctx, http.MethodDelete, "/admin/bots/"+botID, nil, nil)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// Health checks the keyring admin surface.
func (c *Client) Health(ctx context.Context) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/admin/health", nil, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// Forward relays one admin request verbatim and returns the keyring's
// status and body, for the control plane's pass-through routes.
func (c *Client) Forward(ctx context.Context, method, path string, body io.Reader) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("keyring unreachable: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, data, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	status, data, err := c.Forward(ctx, method, path, reader)
	if err != nil {
		return err
	}
	switch {
	case status == http.StatusConflict:
		return ErrConflict
	case status == http.StatusNotFound:
		return ErrNotFound
	case status >= 400:
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return fmt.Errorf("keyring: %s (status %d)", e.Error, status)
		}
		return fmt.Errorf("keyring: status %d", status)
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode keyring response: %w", err)
		}
	}
	return nil
}
