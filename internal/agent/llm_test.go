package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubCompleter struct {
	text string
	err  error
}

func (s *stubCompleter) Complete(_ context.Context, system, user string, _ int64) (string, error) {
	return s.text, s.err
}

func TestLLMClient_Finishes(t *testing.T) {
	c := NewLLMClient(&stubCompleter{text: "```json\n{\"summary\":\"done\"}\n```"}, nil)
	ctx := context.Background()

	created, err := c.CreateSession(ctx, "fix it", true)
	require.NoError(t, err)
	assert.Equal(t, StatusWorking, created.InitialStatus)

	c.Wait()
	st, err := c.GetSession(ctx, created.SessionID)
	require.NoError(t, err)
	assert.Equal(t, StatusFinished, st.NativeStatus)
	assert.JSONEq(t, `{"summary":"done"}`, string(st.StructuredOutput))
	assert.Len(t, st.Messages, 2)
}

func TestLLMClient_NonJSONReplyKeptAsString(t *testing.T) {
	c := NewLLMClient(&stubCompleter{text: "I could not decide."}, nil)
	ctx := context.Background()

	created, err := c.CreateSession(ctx, "p", true)
	require.NoError(t, err)
	c.Wait()

	st, err := c.GetSession(ctx, created.SessionID)
	require.NoError(t, err)
	assert.Equal(t, StatusFinished, st.NativeStatus)
	assert.Equal(t, `"I could not decide."`, string(st.StructuredOutput))
}

func TestLLMClient_FailureBlocks(t *testing.T) {
	c := NewLLMClient(&stubCompleter{err: errors.New("overloaded")}, nil)
	ctx := context.Background()

	created, err := c.CreateSession(ctx, "p", true)
	require.NoError(t, err)
	c.Wait()

	st, err := c.GetSession(ctx, created.SessionID)
	require.NoError(t, err)
	assert.Equal(t, StatusBlocked, st.NativeStatus)
	assert.Contains(t, st.ErrorMessage, "overloaded")
	assert.Nil(t, st.StructuredOutput)
}

func TestLLMClient_UnknownSession(t *testing.T) {
	c := NewLLMClient(&stubCompleter{}, nil)

	_, err := c.GetSession(context.Background(), "nope")
	assert.Error(t, err)
	_, err = c.SendMessage(context.Background(), "nope", "hi")
	assert.Error(t, err)
}
