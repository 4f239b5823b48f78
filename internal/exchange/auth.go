// Package exchange implements the broker's REST and WebSocket clients.
//
// Auth exchanges a long-lived refresh token for a short-lived access token
// via the identity provider's OAuth2 "refresh_token" grant. The access token
// is attached as a Bearer header to every subsequent REST and WebSocket call.
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
)

// authRetryAttempts and authBackoff mirror the reference client's authorize()
// loop: 4 attempts, sleeping 3+2*attempt seconds between failures.
const authRetryAttempts = 4

func authBackoff(attempt int) time.Duration {
	return time.Duration(3+2*attempt) * time.Second
}

// AuthError reports that the refresh-token exchange failed after exhausting
// all retry attempts.
type AuthError struct {
	Attempts int
	Last     error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authorize: failed after %d attempts: %v", e.Attempts, e.Last)
}

func (e *AuthError) Unwrap() error { return e.Last }

// tokenResponse is the identity provider's response body.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// Auth holds the refresh token and the current access token, and knows how
// to refresh the latter. Safe for concurrent use: the REST client reads the
// access token on every request, while a background refresh may be updating it.
type Auth struct {
	http         *resty.Client
	authURL      string
	refreshToken string
	clientID     string

	mu          sync.RWMutex
	accessToken string

	logger *slog.Logger
}

// NewAuth creates an Auth provider. authURL is the identity provider's token
// endpoint; refreshToken is the long-lived credential supplied out of band.
func NewAuth(authURL, refreshToken string, logger *slog.Logger) *Auth {
	return &Auth{
		http: resty.New().
			SetTimeout(10 * time.Second).
			SetHeader("Content-Type", "application/x-www-form-urlencoded").
			SetHeader("Accept", "application/json"),
		authURL:      authURL,
		refreshToken: refreshToken,
		clientID:     "trade-api-write",
		logger:       logger.With("component", "auth"),
	}
}

// AccessToken returns the current access token, or "" if Refresh has never
// succeeded.
func (a *Auth) AccessToken() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.accessToken
}

// Refresh exchanges the refresh token for a fresh access token, retrying up
// to authRetryAttempts times with a linear backoff on both transport errors
// and non-200 responses. Returns *AuthError on exhaustion.
func (a *Auth) Refresh(ctx context.Context) error {
	var lastErr error

	for attempt := 0; attempt < authRetryAttempts; attempt++ {
		var result tokenResponse
		resp, err := a.http.R().
			SetContext(ctx).
			SetFormData(map[string]string{
				"client_id":     a.clientID,
				"refresh_token": a.refreshToken,
				"grant_type":    "refresh_token",
			}).
			SetResult(&result).
			Post(a.authURL)

		switch {
		case err != nil:
			lastErr = fmt.Errorf("authorize request: %w", err)
		case resp.StatusCode() != http.StatusOK:
			lastErr = fmt.Errorf("authorize: status %d: %s", resp.StatusCode(), resp.String())
		default:
			a.mu.Lock()
			a.accessToken = result.AccessToken
			a.mu.Unlock()
			a.logger.Info("access token refreshed", "expires_in", result.ExpiresIn)
			return nil
		}

		a.logger.Warn("authorize attempt failed", "attempt", attempt+1, "error", lastErr)

		if attempt == authRetryAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(authBackoff(attempt)):
		}
	}

	return &AuthError{Attempts: authRetryAttempts, Last: lastErr}
}
