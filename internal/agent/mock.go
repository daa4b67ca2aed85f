package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/joescharf/triage/internal/remote"
)

// MockClient simulates the agent service in-process. Sessions report
// "working" until Delay has elapsed, then "finished" with a canned payload
// matching the shape the prompt asked for. Tests can override any session's
// state with SetState.
type MockClient struct {
	Delay time.Duration
	// Now is the clock; defaults to time.Now.
	Now func() time.Time

	mu        sync.Mutex
	sessions  map[string]*mockSession
	createErr error
}

type mockSession struct {
	prompt   string
	created  time.Time
	messages []Message

	override       string
	overrideOutput json.RawMessage
}

// NewMockClient creates a simulated agent that finishes sessions after delay.
func NewMockClient(delay time.Duration) *MockClient {
	return &MockClient{
		Delay:    delay,
		Now:      time.Now,
		sessions: make(map[string]*mockSession),
	}
}

// SetState pins a session to a native status and optional structured output.
func (m *MockClient) SetState(sessionID, nativeStatus string, output json.RawMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok {
		s.override = nativeStatus
		s.overrideOutput = output
	}
}

// FailCreate makes subsequent CreateSession calls return err. Pass nil to clear.
func (m *MockClient) FailCreate(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createErr = err
}

// Prompt returns the prompt a session was created with.
func (m *MockClient) Prompt(sessionID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok {
		return s.prompt
	}
	return ""
}

// SessionCount returns how many sessions were created.
func (m *MockClient) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *MockClient) CreateSession(_ context.Context, prompt string, idempotent bool) (*Created, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.createErr != nil {
		return nil, m.createErr
	}

	if idempotent {
		for id, s := range m.sessions {
			if s.prompt == prompt && m.status(s) == StatusWorking {
				return &Created{SessionID: id, URL: mockURL(id), InitialStatus: StatusWorking}, nil
			}
		}
	}

	now := m.Now()
	id := "mock-" + strings.ToLower(ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String())
	m.sessions[id] = &mockSession{
		prompt:  prompt,
		created: now,
		messages: []Message{
			{Type: "initial_user_message", Text: prompt, Timestamp: now.UTC()},
		},
	}
	return &Created{SessionID: id, URL: mockURL(id), InitialStatus: StatusWorking}, nil
}

func (m *MockClient) GetSession(_ context.Context, sessionID string) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state(sessionID)
}

func (m *MockClient) SendMessage(_ context.Context, sessionID, text string) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, notFound(sessionID)
	}
	s.messages = append(s.messages, Message{Type: "user_message", Text: text, Timestamp: m.Now().UTC()})
	return m.state(sessionID)
}

// state must be called with mu held.
func (m *MockClient) state(sessionID string) (*State, error) {
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, notFound(sessionID)
	}

	st := &State{
		SessionID:    sessionID,
		NativeStatus: m.status(s),
		URL:          mockURL(sessionID),
	}

	msgs := append([]Message(nil), s.messages...)
	switch {
	case s.override != "":
		st.StructuredOutput = s.overrideOutput
	case st.NativeStatus == StatusFinished:
		st.StructuredOutput = cannedOutput(s.prompt)
		msgs = append(msgs, Message{Type: "devin_message", Text: "Done. Structured output is attached.", Timestamp: s.created.Add(m.Delay).UTC()})
	}
	st.Messages = msgs
	return st, nil
}

func (m *MockClient) status(s *mockSession) string {
	if s.override != "" {
		return s.override
	}
	if m.Now().Sub(s.created) >= m.Delay {
		return StatusFinished
	}
	return StatusWorking
}

func notFound(sessionID string) error {
	return fmt.Errorf("get session %s: %w", sessionID, &remote.Error{
		Service:    service,
		StatusCode: http.StatusNotFound,
		Category:   remote.CategoryNotFound,
		Message:    "session not found",
	})
}

func mockURL(id string) string {
	return "https://mock.agent.local/sessions/" + id
}

// cannedOutput returns a resolution payload when the prompt asks for a pull
// request, otherwise an analysis payload.
func cannedOutput(prompt string) json.RawMessage {
	if strings.Contains(prompt, "pull_request_url") {
		out, _ := json.Marshal(map[string]string{
			"summary":          "Implemented the fix and added regression tests.",
			"pull_request_url": repoURLFromPrompt(prompt) + "/pull/1",
		})
		return out
	}
	out, _ := json.Marshal(map[string]any{
		"type":             "bug",
		"complexity":       "low",
		"confidence_score": 85,
		"strategy":         "Reproduce the failure, add a guard at the failing call site, cover it with a test.",
		"scope_analysis":   "A single code path is affected.",
		"reasoning":        "Simulated analysis from the development agent.",
	})
	return out
}

func repoURLFromPrompt(prompt string) string {
	const marker = "Repository: "
	i := strings.Index(prompt, marker)
	if i < 0 {
		return "https://github.com/example/example"
	}
	rest := prompt[i+len(marker):]
	if j := strings.IndexByte(rest, '\n'); j >= 0 {
		rest = rest[:j]
	}
	return strings.TrimSpace(rest)
}
