package notify_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"tradeloop/internal/notify"
)

func TestPushoverPostsFormEncodedFailure(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		got = map[string]string{
			"token":   r.PostForm.Get("token"),
			"user":    r.PostForm.Get("user"),
			"title":   r.PostForm.Get("title"),
			"message": r.PostForm.Get("message"),
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := notify.NewPushover("app-token", "user-key")
	p.SetBaseURL(srv.URL)
	p.NotifyRunFailure(context.Background(), "run_abc", "EXECUTION_TIMEOUT", "run exceeded the 10m0s deadline")

	require.NotNil(t, got)
	require.Equal(t, "app-token", got["token"])
	require.Equal(t, "user-key", got["user"])
	require.Equal(t, "run failed: EXECUTION_TIMEOUT", got["title"])
	require.Contains(t, got["message"], "run_abc")
	require.Contains(t, got["message"], "deadline")
}

func TestPushoverScrubsSecretsFromMessage(t *testing.T) {
	var message string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		message = r.PostForm.Get("message")
	}))
	defer srv.Close()

	p := notify.NewPushover("t", "u")
	p.SetBaseURL(srv.URL)
	p.NotifyRunFailure(context.Background(), "run_abc", "PROVIDER_ERROR",
		"venue rejected key sk-abcdef1234567890")

	require.NotContains(t, message, "sk-abcdef1234567890")
	require.Contains(t, message, "[REDACTED]")
}

func TestPushoverSwallowsServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	p := notify.NewPushover("t", "u")
	p.SetBaseURL(srv.URL)
	// Must not panic or block; delivery is fire and forget.
	p.NotifyRunFailure(context.Background(), "run_abc", "INTERNAL_ERROR", "boom")
}

func TestNoopDoesNothing(t *testing.T) {
	notify.Noop{}.NotifyRunFailure(context.Background(), "run_x", "CODE", "reason")
}
