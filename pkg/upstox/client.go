// Package upstox is a small client for the Upstox v2 API surface the price
// feed needs: the OAuth authorization-code and refresh-token grants, the
// market-data-feed authorize call, and the feed websocket wire format.
//
// Usage example:
//
//	c := upstox.NewClient(upstox.Config{ClientID: id, ClientSecret: secret, RedirectURI: cb})
//	tok, err := c.ExchangeCode(ctx, code)
//	if err != nil { log.Fatal(err) }
//	wsURL, err := c.AuthorizeFeed(ctx, tok.AccessToken)
package upstox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultAPIBase = "https://api.upstox.com/v2"

	defaultTimeout = 10 * time.Second
	maxBodyBytes   = 1 << 20
)

var routes = map[string]string{
	"login.dialog":   "/login/authorization/dialog",
	"login.token":    "/login/authorization/token",
	"feed.authorize": "/feed/market-data-feed/authorize",
}

// Config configures Client.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string

	APIBase    string        // default: https://api.upstox.com/v2
	Timeout    time.Duration // default: 10s, per request unless ctx is shorter
	HTTPClient *http.Client  // optional
}

// Client talks to the Upstox REST API. It holds no token state; callers
// pass the access token on each call. Safe for concurrent use.
type Client struct {
	clientID     string
	clientSecret string
	redirectURI  string
	apiBase      string
	httpClient   *http.Client
}

// NewClient returns a Client with defaults applied.
func NewClient(cfg Config) *Client {
	if cfg.APIBase == "" {
		cfg.APIBase = DefaultAPIBase
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		redirectURI:  cfg.RedirectURI,
		apiBase:      strings.TrimRight(cfg.APIBase, "/"),
		httpClient:   hc,
	}
}

// Configured reports whether OAuth credentials are present.
func (c *Client) Configured() bool {
	return c.clientID != "" && c.clientSecret != ""
}

// APIError is a non-2xx response or an error envelope from the API.
type APIError struct {
	Status  int    // HTTP status
	Code    string // provider error code, e.g. UDAPI100050
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("upstox: http %d: %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("upstox: http %d: %s", e.Status, e.Message)
}

// IsUnauthorized reports whether err is an HTTP 401 from the API.
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized
}

type errorEnvelope struct {
	Status string `json:"status"`
	Errors []struct {
		ErrorCode string `json:"errorCode"`
		Message   string `json:"message"`
	} `json:"errors"`
}

func (c *Client) buildURL(route string) (string, error) {
	uri, ok := routes[route]
	if !ok {
		return "", fmt.Errorf("unknown route: %s", route)
	}
	return c.apiBase + uri, nil
}

// do sends req and decodes a 2xx JSON body into out.
func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("upstox: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("upstox: read body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var env errorEnvelope
		if json.Unmarshal(raw, &env) == nil && len(env.Errors) > 0 {
			apiErr.Code = env.Errors[0].ErrorCode
			apiErr.Message = env.Errors[0].Message
		}
		return apiErr
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("upstox: couldn't parse JSON response: %w", err)
	}
	return nil
}

func (c *Client) postForm(ctx context.Context, route string, form url.Values, out any) error {
	u, err := c.buildURL(route)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req, out)
}

func (c *Client) getBearer(ctx context.Context, route, token string, out any) error {
	u, err := c.buildURL(route)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return c.do(req, out)
}
