// Package authorize exchanges an access token for a signed stream URL.
package authorize

import (
	"context"
	"log/slog"
	"time"

	"marketpulse/internal/logger"
	"marketpulse/pkg/upstox"
)

// DefaultTimeout bounds each authorize request.
const DefaultTimeout = 3 * time.Second

// Results reported through OnResult.
const (
	ResultOK           = "ok"
	ResultRetryOK      = "retry_ok"
	ResultUnauthorized = "unauthorized"
	ResultError        = "error"
)

// FeedClient is the provider call.
type FeedClient interface {
	AuthorizeFeed(ctx context.Context, accessToken string) (string, error)
}

// Session is what the authorizer needs from the auth session.
type Session interface {
	ForceRefreshAccessToken(ctx context.Context) (string, error)
	Invalidate(ctx context.Context, reason string)
}

// Authorizer never returns an error: an empty result is the only failure
// signal. Transient faults leave the stored tokens alone; an unauthorized
// response that a single forced refresh cannot fix ends the session.
type Authorizer struct {
	client  FeedClient
	session Session
	timeout time.Duration
	log     *slog.Logger

	// OnResult is called once per Authorize (optional, for metrics).
	OnResult func(result string)
}

// New creates an Authorizer with DefaultTimeout.
func New(client FeedClient, session Session, log *slog.Logger) *Authorizer {
	return &Authorizer{
		client:  client,
		session: session,
		timeout: DefaultTimeout,
		log:     logger.Component(log, "authorize"),
	}
}

// SetTimeout overrides the per-request timeout.
func (a *Authorizer) SetTimeout(d time.Duration) { a.timeout = d }

// Authorize returns the stream URL for accessToken.
func (a *Authorizer) Authorize(ctx context.Context, accessToken string) (string, bool) {
	wsURL, err := a.call(ctx, accessToken)
	if err == nil {
		a.report(ResultOK)
		return wsURL, true
	}

	if !upstox.IsUnauthorized(err) {
		a.log.Warn("feed authorization failed", append(logger.Attrs(ctx), "error", err)...)
		a.report(ResultError)
		return "", false
	}

	a.log.Warn("access token rejected, forcing refresh", logger.Attrs(ctx)...)
	fresh, rerr := a.session.ForceRefreshAccessToken(ctx)
	if rerr != nil {
		// The session already cleared itself.
		a.log.Error("forced refresh failed", append(logger.Attrs(ctx), "error", rerr)...)
		a.report(ResultUnauthorized)
		return "", false
	}

	wsURL, err = a.call(ctx, fresh)
	if err != nil {
		a.log.Error("authorization retry failed", append(logger.Attrs(ctx), "error", err)...)
		if !upstox.IsUnauthorized(err) {
			a.report(ResultError)
			return "", false
		}
		a.session.Invalidate(ctx, "feed authorization rejected after refresh")
		a.report(ResultUnauthorized)
		return "", false
	}
	a.report(ResultRetryOK)
	return wsURL, true
}

func (a *Authorizer) call(ctx context.Context, token string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	return a.client.AuthorizeFeed(ctx, token)
}

func (a *Authorizer) report(result string) {
	if a.OnResult != nil {
		a.OnResult(result)
	}
}
