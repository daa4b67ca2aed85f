// Package agent talks to the remote coding-agent service that runs analysis
// and resolution sessions.
package agent

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

// Native status values reported by the agent service.
const (
	StatusWorking                  = "working"
	StatusBlocked                  = "blocked"
	StatusFinished                 = "finished"
	StatusExpired                  = "expired"
	StatusSuspendRequested         = "suspend_requested"
	StatusSuspendRequestedFrontend = "suspend_requested_frontend"
	StatusResumeRequested          = "resume_requested"
	StatusResumeRequestedFrontend  = "resume_requested_frontend"
	StatusResumed                  = "resumed"
)

// Created is the response to a session creation.
type Created struct {
	SessionID     string
	URL           string
	InitialStatus string
}

// Message is one transcript entry reported by the agent service.
type Message struct {
	Type      string    `json:"type"`
	Text      string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// FromOperator reports whether the entry was written by the operator rather
// than the agent.
func (m Message) FromOperator() bool {
	return strings.Contains(strings.ToLower(m.Type), "user")
}

// State is the remote view of a session at the time of the call.
type State struct {
	SessionID    string
	NativeStatus string
	// StructuredOutput is the agent's final payload. It may be a JSON object
	// or a JSON string; nil when the agent produced none.
	StructuredOutput json.RawMessage
	Messages         []Message
	ErrorMessage     string
	URL              string
}

// Client is the contract every agent backend implements.
type Client interface {
	// CreateSession starts a remote session. With idempotent set, re-issuing
	// the same prompt after a timeout must not start a second job.
	CreateSession(ctx context.Context, prompt string, idempotent bool) (*Created, error)
	GetSession(ctx context.Context, sessionID string) (*State, error)
	SendMessage(ctx context.Context, sessionID, text string) (*State, error)
}
