package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/triage/internal/agent"
	"github.com/joescharf/triage/internal/github"
	"github.com/joescharf/triage/internal/models"
	"github.com/joescharf/triage/internal/remote"
	"github.com/joescharf/triage/internal/sessions"
	"github.com/joescharf/triage/internal/store"
)

const analysisJSON = `{"type":"bug","complexity":"low","confidence_score":85,"strategy":"Guard nil config","scope_analysis":"config.go","reasoning":"Stack trace"}`

// fakeGitHub serves two issues and one pull request for acme/widgets.
func fakeGitHub(t *testing.T) *httptest.Server {
	t.Helper()
	issue := func(id, number int, title string) string {
		return fmt.Sprintf(`{"id":%d,"number":%d,"title":%q,"body":"details","state":"open","labels":[],"created_at":"2026-01-02T03:04:05Z","updated_at":"2026-01-02T03:04:05Z"}`, id, number, title)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/acme/widgets/issues", func(w http.ResponseWriter, r *http.Request) {
		pr := `{"id":3,"number":3,"title":"PR","state":"open","pull_request":{}}`
		fmt.Fprintf(w, "[%s,%s,%s]", issue(4242, 42, "Crash on empty config"), issue(707, 7, "Add dark mode"), pr)
	})
	mux.HandleFunc("GET /repos/acme/widgets/issues/{number}", func(w http.ResponseWriter, r *http.Request) {
		switch r.PathValue("number") {
		case "42":
			fmt.Fprint(w, issue(4242, 42, "Crash on empty config"))
		case "7":
			fmt.Fprint(w, issue(707, 7, "Add dark mode"))
		default:
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"message":"Not Found"}`)
		}
	})
	mux.HandleFunc("GET /repos/acme/private/issues/{number}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"message":"Resource not accessible"}`)
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

type testServer struct {
	router http.Handler
	mock   *agent.MockClient
	store  store.Store
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	s, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })

	gh := github.NewClient(fakeGitHub(t).URL, "")
	mock := agent.NewMockClient(time.Hour)
	mgr := sessions.NewManager(s, mock, gh)

	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "# metrics")
	})
	srv := NewServer(mgr, metrics)
	return &testServer{router: srv.Router(), mock: mock, store: s}
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

// startFinishedAnalysis starts an analysis for issue 42 and finishes it remotely.
func (ts *testServer) startFinishedAnalysis(t *testing.T) string {
	t.Helper()
	w := ts.do(t, "POST", "/api/v1/repos/acme/widgets/issues/42/analysis", "")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	res := decode[sessions.StartResult](t, w)

	ts.mock.SetState(res.SessionID, agent.StatusFinished, json.RawMessage(analysisJSON))
	w = ts.do(t, "GET", "/api/v1/sessions/"+res.SessionID, "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, models.SessionStatusFinished, decode[sessions.SessionView](t, w).Status)
	return res.SessionID
}

func TestListRepoIssues(t *testing.T) {
	ts := setupTestServer(t)

	w := ts.do(t, "GET", "/api/v1/repos/acme/widgets/issues?state=open&per_page=10", "")
	assert.Equal(t, http.StatusOK, w.Code)

	issues := decode[[]*models.Issue](t, w)
	require.Len(t, issues, 2, "pull requests are excluded")
	assert.Equal(t, 42, issues[0].Number)

	w = ts.do(t, "GET", "/api/v1/issues/4242", "")
	assert.Equal(t, http.StatusOK, w.Code, "listed issues are cached")

	w = ts.do(t, "GET", "/api/v1/repos/acme/widgets/issues?page=zero", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetRepoIssue(t *testing.T) {
	ts := setupTestServer(t)

	w := ts.do(t, "GET", "/api/v1/repos/acme/widgets/issues/7", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Add dark mode", decode[models.Issue](t, w).Title)

	w = ts.do(t, "GET", "/api/v1/repos/acme/widgets/issues/999", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, string(remote.CategoryNotFound), decode[errorResponse](t, w).Category)

	w = ts.do(t, "GET", "/api/v1/repos/acme/private/issues/1", "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = ts.do(t, "GET", "/api/v1/repos/acme/widgets/issues/abc", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, "GET", "/api/v1/issues/1", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStartAnalysis_Deduplicates(t *testing.T) {
	ts := setupTestServer(t)

	w := ts.do(t, "POST", "/api/v1/repos/acme/widgets/issues/42/analysis", "")
	require.Equal(t, http.StatusCreated, w.Code)
	first := decode[sessions.StartResult](t, w)
	assert.False(t, first.AlreadyRunning)
	assert.Equal(t, models.SessionStatusRunning, first.Session.Status)

	w = ts.do(t, "POST", "/api/v1/repos/acme/widgets/issues/42/analysis", "")
	require.Equal(t, http.StatusOK, w.Code)
	second := decode[sessions.StartResult](t, w)
	assert.True(t, second.AlreadyRunning)
	assert.Equal(t, first.SessionID, second.SessionID)
	assert.Equal(t, 1, ts.mock.SessionCount())
}

func TestStartAnalysis_RemoteFailure(t *testing.T) {
	ts := setupTestServer(t)
	ts.mock.FailCreate(remote.Unavailable("agent", errors.New("connection refused")))

	w := ts.do(t, "POST", "/api/v1/repos/acme/widgets/issues/42/analysis", "")
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, string(remote.CategoryUnavailable), decode[errorResponse](t, w).Category)

	w = ts.do(t, "GET", "/api/v1/issues/4242/sessions", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[[]*models.Session](t, w), "no session is recorded")
}

func TestSessionStatus(t *testing.T) {
	ts := setupTestServer(t)
	id := ts.startFinishedAnalysis(t)

	w := ts.do(t, "GET", "/api/v1/sessions/"+id, "")
	require.Equal(t, http.StatusOK, w.Code)
	v := decode[sessions.SessionView](t, w)
	require.NotNil(t, v.Result)
	assert.Equal(t, models.ResultKindAnalysis, v.Result.Kind)
	require.NotNil(t, v.ConfidenceScore)
	assert.Equal(t, 85, *v.ConfidenceScore)
	require.NotNil(t, v.Issue)
	assert.Equal(t, 42, v.Issue.Number)

	w = ts.do(t, "GET", "/api/v1/sessions/unknown", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStartResolution(t *testing.T) {
	ts := setupTestServer(t)

	t.Run("requires finished analysis", func(t *testing.T) {
		w := ts.do(t, "POST", "/api/v1/repos/acme/widgets/issues/7/analysis", "")
		require.Equal(t, http.StatusCreated, w.Code)
		running := decode[sessions.StartResult](t, w)

		w = ts.do(t, "POST", "/api/v1/sessions/"+running.SessionID+"/resolution", "")
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Equal(t, "analysis_not_ready", decode[errorResponse](t, w).Category)
	})

	t.Run("starts from stored analysis", func(t *testing.T) {
		id := ts.startFinishedAnalysis(t)

		w := ts.do(t, "POST", "/api/v1/sessions/"+id+"/resolution", "")
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		res := decode[sessions.StartResult](t, w)
		assert.Equal(t, models.SessionKindResolution, res.Session.Kind)
		assert.Contains(t, ts.mock.Prompt(res.SessionID), "Guard nil config")

		w = ts.do(t, "POST", "/api/v1/sessions/"+id+"/resolution", "")
		assert.Equal(t, http.StatusOK, w.Code, "second start reports the running session")
	})

	t.Run("rejects invalid supplied analysis", func(t *testing.T) {
		id := ts.startFinishedAnalysis(t)
		w := ts.do(t, "POST", "/api/v1/sessions/"+id+"/resolution", `{"analysis":{"type":"bug"}}`)
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("bad json", func(t *testing.T) {
		w := ts.do(t, "POST", "/api/v1/sessions/x/resolution", `{`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestRetrySession(t *testing.T) {
	ts := setupTestServer(t)

	w := ts.do(t, "POST", "/api/v1/repos/acme/widgets/issues/42/analysis", "")
	require.Equal(t, http.StatusCreated, w.Code)
	res := decode[sessions.StartResult](t, w)

	w = ts.do(t, "POST", "/api/v1/sessions/"+res.SessionID+"/retry", "")
	assert.Equal(t, http.StatusConflict, w.Code, "running sessions are not retryable")

	ts.mock.SetState(res.SessionID, agent.StatusExpired, nil)
	w = ts.do(t, "GET", "/api/v1/sessions/"+res.SessionID, "")
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, "POST", "/api/v1/sessions/"+res.SessionID+"/retry", "")
	require.Equal(t, http.StatusCreated, w.Code)
	retried := decode[sessions.StartResult](t, w)
	assert.NotEqual(t, res.SessionID, retried.SessionID)
	assert.Equal(t, res.SessionID, retried.Session.RetryOf)
}

func TestSendMessage(t *testing.T) {
	ts := setupTestServer(t)

	w := ts.do(t, "POST", "/api/v1/repos/acme/widgets/issues/42/analysis", "")
	require.Equal(t, http.StatusCreated, w.Code)
	res := decode[sessions.StartResult](t, w)

	w = ts.do(t, "POST", "/api/v1/sessions/"+res.SessionID+"/messages", `{"message":"Please focus on config.go"}`)
	require.Equal(t, http.StatusOK, w.Code)
	v := decode[sessions.SessionView](t, w)
	require.NotEmpty(t, v.Messages)
	assert.Equal(t, "Please focus on config.go", v.Messages[len(v.Messages)-1].Text)
	assert.Equal(t, models.MessageOriginOperator, v.Messages[len(v.Messages)-1].Origin)

	w = ts.do(t, "POST", "/api/v1/sessions/"+res.SessionID+"/messages", `{"message":""}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	ts.mock.SetState(res.SessionID, agent.StatusBlocked, nil)
	w = ts.do(t, "GET", "/api/v1/sessions/"+res.SessionID, "")
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, "POST", "/api/v1/sessions/"+res.SessionID+"/messages", `{"message":"hello?"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestListSessions(t *testing.T) {
	ts := setupTestServer(t)
	ts.startFinishedAnalysis(t)

	w := ts.do(t, "POST", "/api/v1/repos/acme/widgets/issues/7/analysis", "")
	require.Equal(t, http.StatusCreated, w.Code)

	w = ts.do(t, "GET", "/api/v1/sessions", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]*models.Session](t, w), 2)

	w = ts.do(t, "GET", "/api/v1/sessions?status=finished", "")
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[[]*models.Session](t, w)
	require.Len(t, list, 1)
	assert.Equal(t, int64(4242), list[0].IssueID)

	w = ts.do(t, "GET", "/api/v1/sessions?kind=resolution", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[[]*models.Session](t, w))

	w = ts.do(t, "GET", "/api/v1/sessions?limit=1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]*models.Session](t, w), 1)

	for _, q := range []string{"kind=fix", "status=done", "limit=-1"} {
		w = ts.do(t, "GET", "/api/v1/sessions?"+q, "")
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
	}

	w = ts.do(t, "GET", "/api/v1/issues/4242/sessions", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]*models.Session](t, w), 1)
}

func TestRouter_CORSAndMetrics(t *testing.T) {
	ts := setupTestServer(t)

	w := ts.do(t, "OPTIONS", "/api/v1/sessions", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))

	w = ts.do(t, "GET", "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "# metrics")
}
