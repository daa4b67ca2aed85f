package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/joescharf/triage/internal/remote"
)

// DefaultBaseURL is the hosted agent service endpoint.
const DefaultBaseURL = "https://api.devin.ai/v1"

const service = "agent"

// HTTPClientConfig configures the REST agent client.
type HTTPClientConfig struct {
	BaseURL   string
	APIKey    string
	RateLimit float64 // requests per second; 0 disables limiting
	RateBurst int
	Timeout   time.Duration
}

// HTTPClient implements Client against the agent service's REST API.
type HTTPClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewHTTPClient creates a REST agent client.
func NewHTTPClient(cfg HTTPClientConfig) *HTTPClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	return &HTTPClient{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		limiter:    limiter,
		logger:     slog.Default(),
	}
}

type createRequest struct {
	Prompt     string `json:"prompt"`
	Idempotent bool   `json:"idempotent"`
}

type createResponse struct {
	SessionID    string `json:"session_id"`
	URL          string `json:"url"`
	IsNewSession *bool  `json:"is_new_session,omitempty"`
}

type sessionResponse struct {
	SessionID        string          `json:"session_id"`
	Status           string          `json:"status"`
	StatusEnum       string          `json:"status_enum"`
	StructuredOutput json.RawMessage `json:"structured_output"`
	Messages         []Message       `json:"messages"`
	Error            string          `json:"error"`
	URL              string          `json:"url"`
}

func (r *sessionResponse) toState(id string) *State {
	native := r.StatusEnum
	if native == "" {
		native = r.Status
	}
	if r.SessionID != "" {
		id = r.SessionID
	}
	out := r.StructuredOutput
	if string(out) == "null" {
		out = nil
	}
	return &State{
		SessionID:        id,
		NativeStatus:     native,
		StructuredOutput: out,
		Messages:         r.Messages,
		ErrorMessage:     r.Error,
		URL:              r.URL,
	}
}

// CreateSession starts a new remote session from prompt.
func (c *HTTPClient) CreateSession(ctx context.Context, prompt string, idempotent bool) (*Created, error) {
	var resp createResponse
	if err := c.do(ctx, http.MethodPost, "/sessions", createRequest{Prompt: prompt, Idempotent: idempotent}, &resp); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	if resp.SessionID == "" {
		return nil, fmt.Errorf("create session: response has no session_id")
	}
	if resp.IsNewSession != nil && !*resp.IsNewSession {
		c.logger.Info("Agent returned existing session for idempotent create", "session_id", resp.SessionID)
	}
	return &Created{SessionID: resp.SessionID, URL: resp.URL, InitialStatus: StatusWorking}, nil
}

// GetSession fetches the current state of a session.
func (c *HTTPClient) GetSession(ctx context.Context, sessionID string) (*State, error) {
	var resp sessionResponse
	if err := c.do(ctx, http.MethodGet, "/session/"+url.PathEscape(sessionID), nil, &resp); err != nil {
		return nil, fmt.Errorf("get session %s: %w", sessionID, err)
	}
	return resp.toState(sessionID), nil
}

// SendMessage posts operator text to a session and returns the refreshed state.
func (c *HTTPClient) SendMessage(ctx context.Context, sessionID, text string) (*State, error) {
	body := map[string]string{"message": text}
	if err := c.do(ctx, http.MethodPost, "/session/"+url.PathEscape(sessionID)+"/message", body, nil); err != nil {
		return nil, fmt.Errorf("send message to %s: %w", sessionID, err)
	}
	return c.GetSession(ctx, sessionID)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, in, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}

	var body *bytes.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return remote.Unavailable(service, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return remote.FromResponse(service, resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
