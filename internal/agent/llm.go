package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/joescharf/triage/internal/llm"
)

// Completer is the part of llm.Client the local agent needs.
type Completer interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string, maxTokens int64) (string, error)
}

const llmSystemPrompt = `You are a software engineering agent working on GitHub issues.
Follow the task in the user message. You cannot run code or open pull requests yourself:
describe what you would change instead.
Reply with the single JSON object requested in the Output section and nothing else.`

// LLMClient runs sessions locally against a language model. Each session is a
// single completion executed in the background.
type LLMClient struct {
	completer Completer
	maxTokens int64
	timeout   time.Duration
	logger    *slog.Logger

	mu       sync.Mutex
	sessions map[string]*llmSession
	wg       sync.WaitGroup
}

type llmSession struct {
	status   string
	output   json.RawMessage
	errMsg   string
	messages []Message
}

// NewLLMClient creates a local agent backed by completer.
func NewLLMClient(completer Completer, logger *slog.Logger) *LLMClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMClient{
		completer: completer,
		maxTokens: 4096,
		timeout:   5 * time.Minute,
		logger:    logger,
		sessions:  make(map[string]*llmSession),
	}
}

func (c *LLMClient) CreateSession(_ context.Context, prompt string, _ bool) (*Created, error) {
	now := time.Now().UTC()
	id := "llm-" + strings.ToLower(ulid.Make().String())

	c.mu.Lock()
	c.sessions[id] = &llmSession{
		status:   StatusWorking,
		messages: []Message{{Type: "initial_user_message", Text: prompt, Timestamp: now}},
	}
	c.mu.Unlock()

	c.wg.Add(1)
	go c.run(id, prompt)

	return &Created{SessionID: id, InitialStatus: StatusWorking}, nil
}

// run executes the completion detached from the caller's context: the
// session outlives the request that created it.
func (c *LLMClient) run(id, prompt string) {
	defer c.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	text, err := c.completer.Complete(ctx, llmSystemPrompt, prompt, c.maxTokens)

	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.sessions[id]
	now := time.Now().UTC()

	switch {
	case ctx.Err() == context.DeadlineExceeded:
		s.status = StatusExpired
		s.errMsg = "model call timed out"
	case err != nil:
		c.logger.Warn("Local agent completion failed", "session_id", id, "error", err)
		s.status = StatusBlocked
		s.errMsg = err.Error()
	default:
		s.status = StatusFinished
		s.output = toStructuredOutput(text)
		s.messages = append(s.messages, Message{Type: "devin_message", Text: text, Timestamp: now})
	}
}

// toStructuredOutput keeps a JSON object as-is and wraps anything else as a
// JSON string, so malformed replies still reach the caller verbatim.
func toStructuredOutput(text string) json.RawMessage {
	candidate := llm.ExtractJSONObject(text)
	if json.Valid([]byte(candidate)) && strings.HasPrefix(candidate, "{") {
		return json.RawMessage(candidate)
	}
	out, _ := json.Marshal(text)
	return out
}

func (c *LLMClient) GetSession(_ context.Context, sessionID string) (*State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state(sessionID)
}

func (c *LLMClient) SendMessage(_ context.Context, sessionID, text string) (*State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[sessionID]
	if !ok {
		return nil, notFound(sessionID)
	}
	// Single-shot sessions cannot take follow-ups; the message is only recorded.
	s.messages = append(s.messages, Message{Type: "user_message", Text: text, Timestamp: time.Now().UTC()})
	return c.state(sessionID)
}

// Wait blocks until all background completions have returned.
func (c *LLMClient) Wait() {
	c.wg.Wait()
}

// state must be called with mu held.
func (c *LLMClient) state(sessionID string) (*State, error) {
	s, ok := c.sessions[sessionID]
	if !ok {
		return nil, notFound(sessionID)
	}
	return &State{
		SessionID:        sessionID,
		NativeStatus:     s.status,
		StructuredOutput: s.output,
		Messages:         append([]Message(nil), s.messages...),
		ErrorMessage:     s.errMsg,
	}, nil
}
