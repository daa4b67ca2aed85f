package models

import "time"

// SessionKind distinguishes triage runs from fix runs.
type SessionKind string

const (
	SessionKindAnalysis   SessionKind = "analysis"
	SessionKindResolution SessionKind = "resolution"
)

// Valid reports whether k is a known kind.
func (k SessionKind) Valid() bool {
	return k == SessionKindAnalysis || k == SessionKindResolution
}

// SessionStatus is the canonical (normalized) state of an agent session.
type SessionStatus string

const (
	SessionStatusRunning  SessionStatus = "running"
	SessionStatusBlocked  SessionStatus = "blocked"
	SessionStatusFinished SessionStatus = "finished"
	SessionStatusExpired  SessionStatus = "expired"
)

// Terminal reports whether no further transition can leave s.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionStatusBlocked, SessionStatusFinished, SessionStatusExpired:
		return true
	}
	return false
}

// Retryable reports whether an operator retry may start a fresh session.
func (s SessionStatus) Retryable() bool {
	return s == SessionStatusBlocked || s == SessionStatusExpired
}

// MessageOrigin identifies who wrote a transcript entry.
type MessageOrigin string

const (
	MessageOriginAgent    MessageOrigin = "agent"
	MessageOriginOperator MessageOrigin = "operator"
)

// Message is one write-once transcript entry of a session.
type Message struct {
	ID        string        `json:"id"`
	SessionID string        `json:"session_id"`
	Origin    MessageOrigin `json:"origin"`
	Text      string        `json:"text"`
	Timestamp time.Time     `json:"timestamp"`
}

// Session tracks one remote agent job for an issue.
type Session struct {
	ID              string        `json:"id"` // assigned by the remote agent service
	IssueID         int64         `json:"issue_id"`
	Kind            SessionKind   `json:"kind"`
	Status          SessionStatus `json:"status"`
	NativeStatus    string        `json:"native_status"`
	Result          *Result       `json:"result,omitempty"`
	ConfidenceScore *int          `json:"confidence_score,omitempty"`
	URL             string        `json:"url,omitempty"`
	LastError       string        `json:"last_error,omitempty"`
	RetryOf         string        `json:"retry_of,omitempty"`
	Messages        []Message     `json:"messages,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}
