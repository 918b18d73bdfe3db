package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sessionkit/sessionkit/claims"
	"github.com/sessionkit/sessionkit/token"
)

const defaultUserAgent = "sessionkit/1"

// Config controls how the SDK talks to the auth core.
type Config struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	UserAgent  string
	Timeout    time.Duration
}

// Client issues session lifecycle requests against the auth core.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	userAgent  string
}

// NewClient constructs a Client with sane defaults.
func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		return nil, errors.New("core: base url required")
	}
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	return &Client{
		baseURL:    strings.TrimSuffix(base, "/"),
		apiKey:     cfg.APIKey,
		httpClient: client,
		userAgent:  ua,
	}, nil
}

// CreateSession allocates a new session record and mints the initial token
// pair.
func (c *Client) CreateSession(ctx context.Context, req CreateSessionRequest) (*CreateOrRefreshResponse, error) {
	var out CreateOrRefreshResponse
	if err := c.do(ctx, http.MethodPost, "/session", req, &out); err != nil {
		return nil, err
	}
	if out.Status != StatusOK {
		return nil, fmt.Errorf("core: create session: unexpected status %q", out.Status)
	}
	return &out, nil
}

// RefreshSession exchanges a refresh token for a new pair. The exchange is
// single-use and destructive: the core atomically invalidates the provided
// token. Reuse of an already-consumed token returns *TheftError; a revoked or
// unknown session returns ErrUnauthorised.
func (c *Client) RefreshSession(ctx context.Context, req RefreshSessionRequest) (*CreateOrRefreshResponse, error) {
	var out CreateOrRefreshResponse
	if err := c.do(ctx, http.MethodPost, "/session/refresh", req, &out); err != nil {
		return nil, err
	}
	switch out.Status {
	case StatusOK:
		return &out, nil
	case StatusTokenTheftDetected:
		return nil, &TheftError{SessionHandle: out.Session.Handle, UserID: out.Session.UserID}
	default:
		return nil, ErrUnauthorised
	}
}

// GetHandshakeInfo fetches signing keys and protocol parameters.
func (c *Client) GetHandshakeInfo(ctx context.Context) (token.HandshakeInfo, error) {
	var out handshakeWire
	if err := c.do(ctx, http.MethodGet, "/session", nil, &out); err != nil {
		return token.HandshakeInfo{}, err
	}
	return out.toHandshakeInfo(), nil
}

// RegenerateAccessToken re-signs an access token in place with an updated
// payload.
func (c *Client) RegenerateAccessToken(ctx context.Context, req RegenerateRequest) (*RegenerateResponse, error) {
	var out RegenerateResponse
	if err := c.do(ctx, http.MethodPost, "/session/regenerate", req, &out); err != nil {
		return nil, err
	}
	if out.Status != StatusOK {
		return nil, ErrUnauthorised
	}
	return &out, nil
}

// RevokeSessions deletes session records by handle or user id and returns the
// handles that actually existed.
func (c *Client) RevokeSessions(ctx context.Context, req RevokeRequest) ([]string, error) {
	var out RevokeResponse
	if err := c.do(ctx, http.MethodPost, "/session/remove", req, &out); err != nil {
		return nil, err
	}
	return out.SessionHandlesRevoked, nil
}

// GetSessionInformation fetches the full durable record for one handle.
func (c *Client) GetSessionInformation(ctx context.Context, sessionHandle string) (*SessionInformation, error) {
	path := "/session/info?sessionHandle=" + url.QueryEscape(sessionHandle)
	var out SessionInformation
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	if out.Status != StatusOK {
		return nil, ErrUnauthorised
	}
	return &out, nil
}

// GetSessionHandlesForUser lists the live handles belonging to a user.
func (c *Client) GetSessionHandlesForUser(ctx context.Context, userID string) ([]string, error) {
	path := "/session/user?userId=" + url.QueryEscape(userID)
	var out struct {
		Status         string   `json:"status"`
		SessionHandles []string `json:"sessionHandles"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.SessionHandles, nil
}

// GetSessionData reads the opaque data blob for a handle. Never cached; the
// core copy is the only copy.
func (c *Client) GetSessionData(ctx context.Context, sessionHandle string) (map[string]any, error) {
	path := "/session/data?sessionHandle=" + url.QueryEscape(sessionHandle)
	var out struct {
		Status             string         `json:"status"`
		UserDataInDatabase map[string]any `json:"userDataInDatabase"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	if out.Status != StatusOK {
		return nil, ErrUnauthorised
	}
	return out.UserDataInDatabase, nil
}

// UpdateSessionData replaces the opaque data blob for a handle.
func (c *Client) UpdateSessionData(ctx context.Context, sessionHandle string, data map[string]any) error {
	body := map[string]any{
		"sessionHandle":      sessionHandle,
		"userDataInDatabase": data,
	}
	var out struct {
		Status string `json:"status"`
	}
	if err := c.do(ctx, http.MethodPut, "/session/data", body, &out); err != nil {
		return err
	}
	if out.Status != StatusOK {
		return ErrUnauthorised
	}
	return nil
}

// UpdateSessionPayload replaces the claim payload stored on the durable
// record for a handle.
func (c *Client) UpdateSessionPayload(ctx context.Context, sessionHandle string, payload claims.Payload) error {
	body := map[string]any{
		"sessionHandle": sessionHandle,
		"userDataInJWT": payload,
	}
	var out struct {
		Status string `json:"status"`
	}
	if err := c.do(ctx, http.MethodPut, "/jwt/payload", body, &out); err != nil {
		return err
	}
	if out.Status != StatusOK {
		return ErrUnauthorised
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if c.apiKey != "" {
		req.Header.Set("Api-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: http %d", ErrUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return &StatusError{Code: resp.StatusCode, Body: string(data)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("core: invalid response body: %w", err)
	}
	return nil
}
