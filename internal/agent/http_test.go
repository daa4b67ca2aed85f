package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/triage/internal/remote"
)

func newTestHTTPClient(server *httptest.Server) *HTTPClient {
	c := NewHTTPClient(HTTPClientConfig{BaseURL: server.URL, APIKey: "key-123"})
	c.httpClient = server.Client()
	return c
}

func TestHTTPClient_CreateSession(t *testing.T) {
	var gotReq createRequest
	var gotAuth, gotPath, gotMethod string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		gotMethod = r.Method
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		_, _ = w.Write([]byte(`{"session_id":"devin-1","url":"https://app.devin.ai/sessions/1","is_new_session":true}`))
	}))
	defer server.Close()

	created, err := newTestHTTPClient(server).CreateSession(context.Background(), "triage this", true)
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "/sessions", gotPath)
	assert.Equal(t, "Bearer key-123", gotAuth)
	assert.Equal(t, "triage this", gotReq.Prompt)
	assert.True(t, gotReq.Idempotent)
	assert.Equal(t, "devin-1", created.SessionID)
	assert.Equal(t, "https://app.devin.ai/sessions/1", created.URL)
	assert.Equal(t, StatusWorking, created.InitialStatus)
}

func TestHTTPClient_CreateSession_Errors(t *testing.T) {
	tests := []struct {
		name     string
		code     int
		sentinel error
		category remote.Category
	}{
		{"unauthenticated", http.StatusUnauthorized, remote.ErrRejected, remote.CategoryUnauthenticated},
		{"rate limited", http.StatusTooManyRequests, remote.ErrRejected, remote.CategoryRateLimited},
		{"server error", http.StatusInternalServerError, remote.ErrUnavailable, remote.CategoryUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.code)
				_, _ = w.Write([]byte(`{"detail":"nope"}`))
			}))
			defer server.Close()

			_, err := newTestHTTPClient(server).CreateSession(context.Background(), "p", true)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.sentinel)
			assert.Equal(t, tt.category, remote.CategoryOf(err))
			assert.Contains(t, err.Error(), "nope")
		})
	}
}

func TestHTTPClient_CreateSession_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	c := newTestHTTPClient(server)
	server.Close()

	_, err := c.CreateSession(context.Background(), "p", true)
	assert.ErrorIs(t, err, remote.ErrUnavailable)
}

func TestHTTPClient_GetSession(t *testing.T) {
	t.Run("prefers status_enum and keeps structured output", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/session/devin-1", r.URL.Path)
			_, _ = w.Write([]byte(`{
				"session_id": "devin-1",
				"status": "stopped",
				"status_enum": "finished",
				"structured_output": {"summary": "done"},
				"messages": [
					{"type": "initial_user_message", "message": "fix it", "timestamp": "2026-01-01T00:00:00Z"},
					{"type": "devin_message", "message": "on it", "timestamp": "2026-01-01T00:00:05Z"}
				]
			}`))
		}))
		defer server.Close()

		st, err := newTestHTTPClient(server).GetSession(context.Background(), "devin-1")
		require.NoError(t, err)
		assert.Equal(t, StatusFinished, st.NativeStatus)
		assert.JSONEq(t, `{"summary":"done"}`, string(st.StructuredOutput))
		require.Len(t, st.Messages, 2)
		assert.True(t, st.Messages[0].FromOperator())
		assert.False(t, st.Messages[1].FromOperator())
		assert.Equal(t, "on it", st.Messages[1].Text)
	})

	t.Run("falls back to status and drops null output", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"session_id": "devin-2", "status": "working", "structured_output": null}`))
		}))
		defer server.Close()

		st, err := newTestHTTPClient(server).GetSession(context.Background(), "devin-2")
		require.NoError(t, err)
		assert.Equal(t, StatusWorking, st.NativeStatus)
		assert.Nil(t, st.StructuredOutput)
	})

	t.Run("not found", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		defer server.Close()

		_, err := newTestHTTPClient(server).GetSession(context.Background(), "missing")
		assert.Equal(t, remote.CategoryNotFound, remote.CategoryOf(err))
	})
}

func TestHTTPClient_SendMessage(t *testing.T) {
	var posted map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			assert.Equal(t, "/session/devin-1/message", r.URL.Path)
			require.NoError(t, json.NewDecoder(r.Body).Decode(&posted))
			w.WriteHeader(http.StatusOK)
		case http.MethodGet:
			_, _ = w.Write([]byte(`{"session_id": "devin-1", "status_enum": "resumed"}`))
		}
	}))
	defer server.Close()

	st, err := newTestHTTPClient(server).SendMessage(context.Background(), "devin-1", "please continue")
	require.NoError(t, err)
	assert.Equal(t, "please continue", posted["message"])
	assert.Equal(t, StatusResumed, st.NativeStatus)
}

func TestHTTPClient_RateLimitHonorsContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"session_id":"x","status_enum":"working"}`))
	}))
	defer server.Close()

	c := NewHTTPClient(HTTPClientConfig{BaseURL: server.URL, RateLimit: 0.001, RateBurst: 1})
	c.httpClient = server.Client()

	_, err := c.GetSession(context.Background(), "x")
	require.NoError(t, err, "first call uses the burst")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.GetSession(ctx, "x")
	assert.Error(t, err, "second call must wait and observe the cancelled context")
}
