// Package rest is the reference capability.RemoteStore, capability.AuthProvider,
// and capability.RealtimeChannel adapter: a PostgREST/Supabase-style HTTP and
// WebSocket client built on net/http and gorilla/websocket, with no generated
// client code.
//
// Grounded in infrastructure/database/supabase_client.go and
// infrastructure/database/generic_repository.go (r3e-network-service_layer, a
// retrieved pack repo — not the teacher, since arkeep has no REST-backend
// client of its own): the apikey/Authorization/Prefer header conventions and
// the table-as-URL-segment request shape are carried over directly, adapted
// from a service-role-keyed server-side client to a user-token-keyed
// client-side one (every request here carries the caller's current session
// token, not a fixed service key, since the engine runs embedded in the end
// user's own process).
package rest

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

	"go.uber.org/zap"
)

const (
	defaultRestPrefix      = "/rest/v1"
	defaultAuthPrefix      = "/auth/v1"
	defaultRealtimePrefix  = "/realtime/v1"
	defaultTimeout         = 30 * time.Second
	maxResponseBodyBytes   = 8 << 20
	maxErrorResponseBytes  = 32 << 10
)

// Config configures a Client.
type Config struct {
	// BaseURL is the backend's origin, e.g. "https://project.supabase.co".
	BaseURL string
	// APIKey is sent as the apikey header on every request (the publishable
	// key — spec.md §6's "backend URL and publishable key" setup pair).
	APIKey string
	// RestPrefix defaults to "/rest/v1".
	RestPrefix string
	// AuthPrefix defaults to "/auth/v1".
	AuthPrefix string
	// RealtimePrefix defaults to "/realtime/v1".
	RealtimePrefix string
	// HTTPTimeout defaults to 30s.
	HTTPTimeout time.Duration
	Logger      *zap.Logger
}

// Client is the shared HTTP transport for Store, Provider, and Channel. It
// holds no session state of its own — callers pass the current bearer token
// on every call via a TokenSource, since the token rotates under refresh.
type Client struct {
	baseURL        string
	apiKey         string
	restPrefix     string
	authPrefix     string
	realtimePrefix string
	httpClient     *http.Client
	logger         *zap.Logger
}

// NewClient constructs a Client. BaseURL and APIKey are required.
func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("rest: BaseURL is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("rest: APIKey is required")
	}

	restPrefix := normalizePrefix(cfg.RestPrefix, defaultRestPrefix)
	authPrefix := normalizePrefix(cfg.AuthPrefix, defaultAuthPrefix)
	realtimePrefix := normalizePrefix(cfg.RealtimePrefix, defaultRealtimePrefix)

	timeout := cfg.HTTPTimeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		baseURL:        baseURL,
		apiKey:         cfg.APIKey,
		restPrefix:     restPrefix,
		authPrefix:     authPrefix,
		realtimePrefix: realtimePrefix,
		httpClient:     &http.Client{Timeout: timeout},
		logger:         logger.Named("rest"),
	}, nil
}

func normalizePrefix(prefix, fallback string) string {
	p := strings.TrimRight(strings.TrimSpace(prefix), "/")
	if p == "" {
		return fallback
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

// restURL builds the table-scoped REST URL for table with an optional raw
// query string (already percent-encoded by the caller).
func (c *Client) restURL(table, query string) string {
	u := fmt.Sprintf("%s%s/%s", c.baseURL, c.restPrefix, url.PathEscape(table))
	if query != "" {
		u += "?" + query
	}
	return u
}

// authURL builds the auth-surface URL for path (e.g. "token", "signup").
func (c *Client) authURL(path, query string) string {
	u := fmt.Sprintf("%s%s/%s", c.baseURL, c.authPrefix, path)
	if query != "" {
		u += "?" + query
	}
	return u
}

// realtimeURL builds the WebSocket URL for the realtime change stream.
func (c *Client) realtimeURL(query string) string {
	scheme := "ws"
	base := c.baseURL
	switch {
	case strings.HasPrefix(base, "https://"):
		scheme = "wss"
		base = strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = strings.TrimPrefix(base, "http://")
	}
	u := fmt.Sprintf("%s://%s%s", scheme, base, c.realtimePrefix)
	if query != "" {
		u += "?" + query
	}
	return u
}

// doJSON issues an HTTP request with a JSON body (nil for none) and decodes
// a JSON response body into out (nil to discard it). The apikey header is
// always set. token, if non-empty, is sent as the bearer token; otherwise
// the apikey itself is sent as the bearer token.
func (c *Client) doJSON(ctx context.Context, method, rawURL, token string, body, out any, extraHeaders map[string]string) error {
	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("rest: encoding request body: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reqBody)
	if err != nil {
		return fmt.Errorf("rest: building request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", c.apiKey)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	} else {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	for k, v := range extraHeaders {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("rest: executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		limited := io.LimitReader(resp.Body, maxErrorResponseBytes)
		respBody, _ := io.ReadAll(limited)
		return fmt.Errorf("rest: backend returned %d for %s %s: %s", resp.StatusCode, method, rawURL, strings.TrimSpace(string(respBody)))
	}

	if out == nil {
		return nil
	}

	limited := io.LimitReader(resp.Body, maxResponseBodyBytes)
	respBody, err := io.ReadAll(limited)
	if err != nil {
		return fmt.Errorf("rest: reading response body: %w", err)
	}
	if len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("rest: decoding response body: %w", err)
	}
	return nil
}
