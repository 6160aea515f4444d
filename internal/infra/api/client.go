// Package api implements the client for the platform backend. Every call
// family is guarded by its own circuit breaker wrapping the retry
// executor, so one failing endpoint group does not lock out the others.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/vietddude/relay/internal/messaging/breaker"
	"github.com/vietddude/relay/internal/messaging/metrics"
	"github.com/vietddude/relay/internal/messaging/retry"
)

const (
	familyAuth    = "auth"
	familyCredits = "credits"
	familyExport  = "export"
)

// Config holds backend connection and resilience settings.
type Config struct {
	BaseURL    string         `yaml:"base_url"`
	APIKey     string         `yaml:"api_key"`
	Timeout    time.Duration  `yaml:"timeout"`
	MaxRetries int            `yaml:"max_retries"`
	BaseDelay  time.Duration  `yaml:"base_delay"`
	MaxDelay   time.Duration  `yaml:"max_delay"`
	Breaker    breaker.Config `yaml:"breaker"`
}

// Error is a failure reported by the backend.
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("api error %d: %s", e.Code, e.Message)
}

// IsTransient classifies errors worth retrying: server-side failures and
// network-level problems. Client errors are permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Code >= 500
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"timeout", "connection refused", "connection reset", "eof"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// AuthStatus is the backend's view of the current session.
type AuthStatus struct {
	Authenticated bool   `json:"authenticated"`
	Email         string `json:"email,omitempty"`
}

// Client talks JSON-RPC to the platform backend.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	retryCfg   retry.Config
	breakers   map[string]*breaker.Breaker
}

// New returns a client for the given backend.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	retryCfg := retry.Config{
		MaxRetries:    cfg.MaxRetries,
		BaseDelay:     cfg.BaseDelay,
		MaxDelay:      cfg.MaxDelay,
		BackoffFactor: 2.0,
		ShouldRetry:   IsTransient,
	}
	if retryCfg.MaxRetries <= 0 {
		retryCfg.MaxRetries = retry.DefaultConfig.MaxRetries
	}
	if retryCfg.BaseDelay <= 0 {
		retryCfg.BaseDelay = retry.DefaultConfig.BaseDelay
	}
	if retryCfg.MaxDelay <= 0 {
		retryCfg.MaxDelay = retry.DefaultConfig.MaxDelay
	}

	return &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		retryCfg: retryCfg,
		breakers: map[string]*breaker.Breaker{
			familyAuth:    breaker.New(familyAuth, cfg.Breaker),
			familyCredits: breaker.New(familyCredits, cfg.Breaker),
			familyExport:  breaker.New(familyExport, cfg.Breaker),
		},
	}
}

// CheckAuth returns the current authentication status.
func (c *Client) CheckAuth(ctx context.Context) (*AuthStatus, error) {
	var status AuthStatus
	if err := c.call(ctx, familyAuth, "auth.check", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Login authenticates with the backend.
func (c *Client) Login(ctx context.Context, email, password string) (*AuthStatus, error) {
	var status AuthStatus
	params := map[string]any{"email": email, "password": password}
	if err := c.call(ctx, familyAuth, "auth.login", params, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Logout ends the backend session.
func (c *Client) Logout(ctx context.Context) error {
	return c.call(ctx, familyAuth, "auth.logout", nil, nil)
}

// GetCredits returns the remaining export credit balance.
func (c *Client) GetCredits(ctx context.Context) (int, error) {
	var out struct {
		Credits int `json:"credits"`
	}
	if err := c.call(ctx, familyCredits, "credits.balance", nil, &out); err != nil {
		return 0, err
	}
	return out.Credits, nil
}

// CreateSession registers a new export session with the backend and
// returns its id.
func (c *Client) CreateSession(ctx context.Context, tabURL string, estimated int) (string, error) {
	var out struct {
		SessionID string `json:"session_id"`
	}
	params := map[string]any{
		"url":                  tabURL,
		"estimated_businesses": estimated,
	}
	if err := c.call(ctx, familyExport, "export.create", params, &out); err != nil {
		return "", err
	}
	if out.SessionID == "" {
		return "", &Error{Code: 502, Message: "export.create returned no session id"}
	}
	return out.SessionID, nil
}

// UpdateSessionStatus reports the session outcome to the backend. The
// backend charges credits based on the successful count.
func (c *Client) UpdateSessionStatus(ctx context.Context, sessionID, status string, successful, total int) error {
	params := map[string]any{
		"session_id": sessionID,
		"status":     status,
		"successful": successful,
		"total":      total,
	}
	return c.call(ctx, familyExport, "export.status", params, nil)
}

// call runs one rpc through the family's breaker and the retry executor.
func (c *Client) call(ctx context.Context, family, method string, params any, out any) error {
	b := c.breakers[family]

	res, err := b.Execute(ctx, func(ctx context.Context) (any, error) {
		return retry.Do(ctx, c.retryCfg, func(ctx context.Context) (any, error) {
			return c.rpc(ctx, method, params)
		})
	})
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}

	raw, ok := res.(json.RawMessage)
	if !ok || len(raw) == 0 {
		return &Error{Code: 502, Message: fmt.Sprintf("%s returned no result", method)}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode %s result: %w", method, err)
	}
	return nil
}

// rpc performs one JSON-RPC POST against the backend.
func (c *Client) rpc(ctx context.Context, method string, params any) (json.RawMessage, error) {
	start := time.Now()

	body, err := json.Marshal(map[string]any{
		"method": method,
		"params": params,
		"id":     1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rpc", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", method, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", method, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &Error{
			Code:    resp.StatusCode,
			Message: strings.TrimSpace(string(data)),
		}
	}

	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &rpcResp); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", method, err)
	}
	if rpcResp.Error != nil {
		code := rpcResp.Error.Code
		if code == 0 {
			code = 400
		}
		return nil, &Error{Code: code, Message: rpcResp.Error.Message}
	}

	metrics.APICallLatency.WithLabelValues(method).Observe(time.Since(start).Seconds())
	return rpcResp.Result, nil
}
