// Package osuapi resolves display names to stable osu! user ids through the
// osu! web API. The bridge only needs the get_user endpoint.
package osuapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const defaultBaseURL = "https://osu.ppy.sh"

// ErrUserNotFound is returned when the API knows no user by that name.
var ErrUserNotFound = errors.New("osu! user not found")

// Client calls the osu! web API.
type Client struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API host, used by tests.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// New builds an API client with the given key.
func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type apiUser struct {
	UserID   json.Number `json:"user_id"`
	Username string      `json:"username"`
}

// Resolve looks up a display name and returns the stable user id together
// with the canonical username as the API spells it.
func (c *Client) Resolve(ctx context.Context, name string) (int64, string, error) {
	q := url.Values{}
	q.Set("k", c.apiKey)
	q.Set("u", name)
	q.Set("type", "string")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/get_user?"+q.Encode(), nil)
	if err != nil {
		return 0, "", fmt.Errorf("build get_user request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("get_user: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, "", fmt.Errorf("get_user: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, "", fmt.Errorf("read get_user response: %w", err)
	}

	var users []apiUser
	if err := json.Unmarshal(body, &users); err != nil {
		return 0, "", fmt.Errorf("decode get_user response: %w", err)
	}
	if len(users) == 0 {
		return 0, "", ErrUserNotFound
	}

	uid, err := users[0].UserID.Int64()
	if err != nil {
		return 0, "", fmt.Errorf("parse user_id %q: %w", users[0].UserID, err)
	}
	return uid, users[0].Username, nil
}
