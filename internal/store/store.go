package store

import (
	"context"
	"errors"

	"github.com/joescharf/triage/internal/models"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrSessionExists is returned when inserting a session id that is already stored.
	ErrSessionExists = errors.New("session already exists")

	// ErrSessionRunning is returned when inserting a running session for an
	// (issue, kind) pair that already has one.
	ErrSessionRunning = errors.New("session already running for issue")
)

// IssueListFilter specifies filters for listing cached issues.
type IssueListFilter struct {
	Owner string
	Repo  string
	State models.IssueState
}

// SessionListFilter specifies filters for the session history.
type SessionListFilter struct {
	Kind   models.SessionKind
	Status models.SessionStatus
	Limit  int
}

// SessionUpdate holds the fields to change on a session. Nil fields are left
// untouched. Result and ConfidenceScore are write-once, and a terminal status
// is never replaced.
type SessionUpdate struct {
	Status          *models.SessionStatus
	NativeStatus    *string
	Result          *models.Result
	ConfidenceScore *int
	URL             *string
	LastError       *string
}

// Store defines the persistence interface for triage.
type Store interface {
	// Issues
	UpsertIssue(ctx context.Context, issue *models.Issue) error
	GetIssue(ctx context.Context, id int64) (*models.Issue, error)
	GetIssueByNumber(ctx context.Context, owner, repo string, number int) (*models.Issue, error)
	ListIssues(ctx context.Context, filter IssueListFilter) ([]*models.Issue, error)

	// Sessions
	CreateSession(ctx context.Context, session *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	FindRunningSession(ctx context.Context, issueID int64, kind models.SessionKind) (*models.Session, error)
	UpdateSession(ctx context.Context, id string, update SessionUpdate) (*models.Session, error)
	ListSessionsByIssue(ctx context.Context, issueID int64) ([]*models.Session, error)
	ListSessions(ctx context.Context, filter SessionListFilter) ([]*models.Session, error)

	// Session transcript
	AppendSessionMessages(ctx context.Context, sessionID string, msgs []models.Message) (int, error)
	ListSessionMessages(ctx context.Context, sessionID string) ([]models.Message, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
