package upstox

import (
	"context"
	"errors"
	"net/url"
	"time"
)

// TokenResponse is the token endpoint body for both grants.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"` // seconds
	RefreshToken string `json:"refresh_token,omitempty"`
}

// ExpiresAt converts the relative lifetime into an absolute instant.
func (t TokenResponse) ExpiresAt(now time.Time) time.Time {
	return now.Add(time.Duration(t.ExpiresIn) * time.Second)
}

var errEmptyAccessToken = errors.New("upstox: token response without access_token")

// LoginURL returns the authorization dialog URL carrying state.
func (c *Client) LoginURL(state string) string {
	u, _ := c.buildURL("login.dialog")
	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", c.clientID)
	q.Set("redirect_uri", c.redirectURI)
	q.Set("state", state)
	return u + "?" + q.Encode()
}

// ExchangeCode runs the authorization_code grant.
func (c *Client) ExchangeCode(ctx context.Context, code string) (*TokenResponse, error) {
	form := c.grantForm("authorization_code")
	form.Set("code", code)
	return c.token(ctx, form)
}

// RefreshToken runs the refresh_token grant.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	form := c.grantForm("refresh_token")
	form.Set("refresh_token", refreshToken)
	return c.token(ctx, form)
}

func (c *Client) grantForm(grant string) url.Values {
	form := url.Values{}
	form.Set("client_id", c.clientID)
	form.Set("client_secret", c.clientSecret)
	form.Set("redirect_uri", c.redirectURI)
	form.Set("grant_type", grant)
	return form
}

func (c *Client) token(ctx context.Context, form url.Values) (*TokenResponse, error) {
	var out TokenResponse
	if err := c.postForm(ctx, "login.token", form, &out); err != nil {
		return nil, err
	}
	if out.AccessToken == "" {
		return nil, errEmptyAccessToken
	}
	return &out, nil
}
