package agent

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/triage/internal/remote"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestMock(delay time.Duration) (*MockClient, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := NewMockClient(delay)
	m.Now = clock.now
	return m, clock
}

func TestMockClient_FinishesAfterDelay(t *testing.T) {
	m, clock := newTestMock(10 * time.Second)
	ctx := context.Background()

	created, err := m.CreateSession(ctx, "classify this issue", false)
	require.NoError(t, err)
	assert.Equal(t, StatusWorking, created.InitialStatus)
	assert.NotEmpty(t, created.URL)

	st, err := m.GetSession(ctx, created.SessionID)
	require.NoError(t, err)
	assert.Equal(t, StatusWorking, st.NativeStatus)
	assert.Nil(t, st.StructuredOutput)
	require.Len(t, st.Messages, 1)
	assert.True(t, st.Messages[0].FromOperator())

	clock.advance(10 * time.Second)
	st, err = m.GetSession(ctx, created.SessionID)
	require.NoError(t, err)
	assert.Equal(t, StatusFinished, st.NativeStatus)

	var out map[string]any
	require.NoError(t, json.Unmarshal(st.StructuredOutput, &out))
	assert.Equal(t, "bug", out["type"])
	assert.EqualValues(t, 85, out["confidence_score"])
	assert.Len(t, st.Messages, 2)
}

func TestMockClient_ResolutionOutput(t *testing.T) {
	m, clock := newTestMock(time.Second)
	ctx := context.Background()

	prompt := "- Repository: https://github.com/acme/widgets\nReturn {\"summary\": \"...\", \"pull_request_url\": \"...\"}"
	created, err := m.CreateSession(ctx, prompt, false)
	require.NoError(t, err)
	clock.advance(time.Second)

	st, err := m.GetSession(ctx, created.SessionID)
	require.NoError(t, err)
	var out map[string]string
	require.NoError(t, json.Unmarshal(st.StructuredOutput, &out))
	assert.NotEmpty(t, out["summary"])
	assert.Equal(t, "https://github.com/acme/widgets/pull/1", out["pull_request_url"])
}

func TestMockClient_IdempotentCreate(t *testing.T) {
	m, clock := newTestMock(time.Minute)
	ctx := context.Background()

	a, err := m.CreateSession(ctx, "same prompt", true)
	require.NoError(t, err)
	b, err := m.CreateSession(ctx, "same prompt", true)
	require.NoError(t, err)
	assert.Equal(t, a.SessionID, b.SessionID)
	assert.Equal(t, 1, m.SessionCount())

	// Non-idempotent creates always start a new session
	c, err := m.CreateSession(ctx, "same prompt", false)
	require.NoError(t, err)
	assert.NotEqual(t, a.SessionID, c.SessionID)

	// A finished session is not reused
	clock.advance(time.Minute)
	d, err := m.CreateSession(ctx, "same prompt", true)
	require.NoError(t, err)
	assert.NotEqual(t, a.SessionID, d.SessionID)
}

func TestMockClient_SetState(t *testing.T) {
	m, _ := newTestMock(time.Hour)
	ctx := context.Background()

	created, err := m.CreateSession(ctx, "p", false)
	require.NoError(t, err)

	m.SetState(created.SessionID, StatusExpired, nil)
	st, err := m.GetSession(ctx, created.SessionID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, st.NativeStatus)
	assert.Nil(t, st.StructuredOutput)

	m.SetState(created.SessionID, StatusFinished, json.RawMessage(`"not json"`))
	st, err = m.GetSession(ctx, created.SessionID)
	require.NoError(t, err)
	assert.Equal(t, `"not json"`, string(st.StructuredOutput))
}

func TestMockClient_SendMessage(t *testing.T) {
	m, _ := newTestMock(time.Hour)
	ctx := context.Background()

	created, err := m.CreateSession(ctx, "p", false)
	require.NoError(t, err)

	st, err := m.SendMessage(ctx, created.SessionID, "any update?")
	require.NoError(t, err)
	require.Len(t, st.Messages, 2)
	assert.Equal(t, "any update?", st.Messages[1].Text)
	assert.True(t, st.Messages[1].FromOperator())
}

func TestMockClient_Errors(t *testing.T) {
	m, _ := newTestMock(time.Second)
	ctx := context.Background()

	_, err := m.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, remote.ErrRejected)
	assert.Equal(t, remote.CategoryNotFound, remote.CategoryOf(err))

	boom := errors.New("boom")
	m.FailCreate(boom)
	_, err = m.CreateSession(ctx, "p", true)
	assert.ErrorIs(t, err, boom)

	m.FailCreate(nil)
	_, err = m.CreateSession(ctx, "p", true)
	assert.NoError(t, err)
}
