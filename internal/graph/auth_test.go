package graph

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func newTokenServer(t *testing.T, calls *atomic.Int32, expiresIn int) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)

		if err := r.ParseForm(); err != nil {
			t.Errorf("parsing token request: %v", err)
		}

		if got := r.Form.Get("grant_type"); got != "client_credentials" {
			t.Errorf("grant_type = %q", got)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "tok-1",
			"token_type":   "Bearer",
			"expires_in":   expiresIn,
		})
	}))
	t.Cleanup(srv.Close)

	return srv
}

func TestClientCredentialsTokenCached(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	srv := newTokenServer(t, &calls, 3600)

	src := NewClientCredentialsSource(context.Background(),
		"tenant", "client", "secret", srv.URL, testLogger(t))

	for range 3 {
		tok, err := src.Token()
		if err != nil {
			t.Fatalf("Token: %v", err)
		}

		if tok != "tok-1" {
			t.Errorf("token = %q", tok)
		}
	}

	if n := calls.Load(); n != 1 {
		t.Errorf("token endpoint hit %d times, want 1", n)
	}
}

func TestClientCredentialsRefreshNearExpiry(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	// A 5-second token is already inside the 60-second expiry margin, so
	// every acquisition goes back to the endpoint.
	srv := newTokenServer(t, &calls, 5)

	src := NewClientCredentialsSource(context.Background(),
		"tenant", "client", "secret", srv.URL, testLogger(t))

	if _, err := src.Token(); err != nil {
		t.Fatalf("Token: %v", err)
	}

	if _, err := src.Token(); err != nil {
		t.Fatalf("second Token: %v", err)
	}

	if n := calls.Load(); n < 2 {
		t.Errorf("token endpoint hit %d times, want refresh", n)
	}
}
