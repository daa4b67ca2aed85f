package cmd

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPidFile_Path(t *testing.T) {
	dir := testEnv(t)

	pf := pidFile()
	expected := filepath.Join(dir, "triage-serve.pid")
	assert.Equal(t, expected, pf.Path)
}

func TestServeLogPath(t *testing.T) {
	dir := testEnv(t)

	logPath := serveLogPath()
	expected := filepath.Join(dir, "triage-serve.log")
	assert.Equal(t, expected, logPath)
}

func TestServeStatusRun_NotRunning(t *testing.T) {
	testEnv(t)

	// No PID file exists, so status should show "not running" without error.
	err := serveStatusRun()
	assert.NoError(t, err)
}

func TestServeStopRun_NotRunning(t *testing.T) {
	testEnv(t)

	err := serveStopRun()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not running")
}

func TestServeStartRun_AlreadyRunning(t *testing.T) {
	testEnv(t)

	// Record the current (alive) process as the server.
	pf := pidFile()
	require.NoError(t, pf.Acquire(os.Getpid()))
	t.Cleanup(func() { _ = pf.Release(os.Getpid()) })

	err := serveStartRun()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")
}

func TestNewAPIHandler_ServesAPIAndMetrics(t *testing.T) {
	testEnv(t)
	viper.Set("agent.backend", backendMock)

	handler, err := newAPIHandler()
	require.NoError(t, err)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/sessions", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "[]", w.Body.String())

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestNewAgentClient_Backends(t *testing.T) {
	testEnv(t)

	t.Run("remote requires api key", func(t *testing.T) {
		t.Setenv("DEVIN_API_KEY", "")
		viper.Set("agent.backend", backendRemote)
		_, err := newAgentClient()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "agent.api_key")

		viper.Set("agent.api_key", "key-123")
		c, err := newAgentClient()
		require.NoError(t, err)
		assert.NotNil(t, c)
	})

	t.Run("anthropic requires api key", func(t *testing.T) {
		t.Setenv("ANTHROPIC_API_KEY", "")
		viper.Set("agent.backend", backendAnthropic)
		_, err := newAgentClient()
		assert.Error(t, err)
	})

	t.Run("unknown backend", func(t *testing.T) {
		viper.Set("agent.backend", "carrier-pigeon")
		_, err := newAgentClient()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown agent.backend")
	})
}
