package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/go-resty/resty/v2"
)

// TestNewClientOrderIDUniqueness is the P1 property: every minted client
// order id is distinct, never reused in-process.
func TestNewClientOrderIDUniqueness(t *testing.T) {
	t.Parallel()
	seen := make(map[string]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		id, err := newClientOrderID()
		if err != nil {
			t.Fatalf("newClientOrderID() error = %v", err)
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("newClientOrderID() produced a duplicate: %s", id)
		}
		seen[id] = struct{}{}
	}
}

// TestDoRequestBusinessErrorNoRetry confirms a 4xx other than 401 is
// returned immediately as a business error without retrying (spec §9's
// REDESIGN FLAG: only transport errors and 5xx are transient).
func TestDoRequestBusinessErrorNoRetry(t *testing.T) {
	t.Parallel()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"bad ticker"}`))
	}))
	defer srv.Close()

	c := &Client{http: resty.New(), auth: NewAuth(srv.URL, "tok", testLogger()), logger: testLogger()}

	_, err := c.doRequest(context.Background(), func() (*resty.Response, error) {
		return c.http.R().Get(srv.URL)
	})
	if err == nil {
		t.Fatal("expected a business error, got nil")
	}
	var statusErr *httpStatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected *httpStatusError, got %v (%T)", err, err)
	}
	if statusErr.Status != http.StatusBadRequest {
		t.Errorf("Status = %d, want %d", statusErr.Status, http.StatusBadRequest)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("expected exactly 1 call (no retry on 4xx), got %d", got)
	}
}

// TestDoRequestReauthorizesOnce401ThenRetries confirms a single 401 triggers
// exactly one Auth.Refresh call and one retry of the original request,
// rather than being treated as a non-retryable business error.
func TestDoRequestReauthorizesOnce401ThenRetries(t *testing.T) {
	t.Parallel()

	authSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(tokenResponse{AccessToken: "fresh-token", ExpiresIn: 900})
	}))
	defer authSrv.Close()

	var opsCalls int32
	opsSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&opsCalls, 1)
		if n == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{}`))
	}))
	defer opsSrv.Close()

	auth := NewAuth(authSrv.URL, "refresh-tok", testLogger())
	c := &Client{http: resty.New(), auth: auth, logger: testLogger()}

	resp, err := c.doRequest(context.Background(), func() (*resty.Response, error) {
		return c.http.R().Get(opsSrv.URL)
	})
	if err != nil {
		t.Fatalf("doRequest() error = %v", err)
	}
	if resp.StatusCode() != http.StatusOK {
		t.Errorf("final status = %d, want 200", resp.StatusCode())
	}
	if got := atomic.LoadInt32(&opsCalls); got != 2 {
		t.Errorf("expected exactly 2 ops calls (original + one retry), got %d", got)
	}
	if auth.AccessToken() != "fresh-token" {
		t.Errorf("AccessToken() = %q, want %q after re-auth", auth.AccessToken(), "fresh-token")
	}
}

// TestDoRequestSecondConsecutive401IsBusinessError confirms the re-auth
// retry is attempted at most once per doRequest call: a 401 that persists
// even after a successful re-auth falls through as a business error instead
// of looping forever.
func TestDoRequestSecondConsecutive401IsBusinessError(t *testing.T) {
	t.Parallel()

	authSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(tokenResponse{AccessToken: "still-rejected", ExpiresIn: 900})
	}))
	defer authSrv.Close()

	var opsCalls int32
	opsSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&opsCalls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer opsSrv.Close()

	auth := NewAuth(authSrv.URL, "refresh-tok", testLogger())
	c := &Client{http: resty.New(), auth: auth, logger: testLogger()}

	_, err := c.doRequest(context.Background(), func() (*resty.Response, error) {
		return c.http.R().Get(opsSrv.URL)
	})
	if err == nil {
		t.Fatal("expected an error, got nil")
	}
	var statusErr *httpStatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected *httpStatusError after the second 401, got %v (%T)", err, err)
	}
	if got := atomic.LoadInt32(&opsCalls); got != 2 {
		t.Errorf("expected exactly 2 ops calls (original + one post-reauth retry), got %d", got)
	}
}

// TestDoRequestRetriesOn5xxThenSucceeds confirms a 5xx response is treated
// as transient and retried rather than surfaced as a business error. Runs
// through transientRetryBackoff's first real wait, so it is the slow test
// in this file.
func TestDoRequestRetriesOn5xxThenSucceeds(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping backoff-bearing 5xx retry test in -short mode")
	}

	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := &Client{http: resty.New(), auth: NewAuth(srv.URL, "tok", testLogger()), logger: testLogger()}

	resp, err := c.doRequest(context.Background(), func() (*resty.Response, error) {
		return c.http.R().Get(srv.URL)
	})
	if err != nil {
		t.Fatalf("doRequest() error = %v", err)
	}
	if resp.StatusCode() != http.StatusOK {
		t.Errorf("final status = %d, want 200", resp.StatusCode())
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("expected exactly 2 calls (one retry after the 503), got %d", got)
	}
}
