package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/joescharf/triage/internal/agent"
	"github.com/joescharf/triage/internal/models"
	"github.com/joescharf/triage/internal/prompt"
	"github.com/joescharf/triage/internal/store"
)

// IssueSource fetches issues from the code-hosting service.
type IssueSource interface {
	GetIssue(ctx context.Context, owner, repo string, number int) (*models.Issue, error)
	ListIssues(ctx context.Context, owner, repo, state string, page, perPage int) ([]*models.Issue, error)
}

// Manager runs the create, poll and reconcile lifecycle of agent sessions.
type Manager struct {
	store   store.Store
	agent   agent.Client
	issues  IssueSource
	logger  *slog.Logger
	metrics *Metrics

	// Serializes starts per (issue, kind); the store's unique index backs
	// this up across processes.
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	polls singleflight.Group
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(metrics *Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// NewManager creates a new sessions manager.
func NewManager(s store.Store, client agent.Client, issues IssueSource, opts ...Option) *Manager {
	m := &Manager{
		store:  s,
		agent:  client,
		issues: issues,
		logger: slog.Default(),
		locks:  make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StartResult is the outcome of a start request.
type StartResult struct {
	SessionID      string          `json:"session_id"`
	AlreadyRunning bool            `json:"already_running"`
	Session        *models.Session `json:"session"`
}

// SessionView is a reconciled session together with its cached issue.
type SessionView struct {
	*models.Session
	Issue *models.Issue `json:"issue,omitempty"`
}

// --- Issues ---

// LoadIssue fetches an issue from the hosting service and refreshes the cache.
func (m *Manager) LoadIssue(ctx context.Context, owner, repo string, number int) (*models.Issue, error) {
	issue, err := m.issues.GetIssue(ctx, owner, repo, number)
	if err != nil {
		return nil, err
	}
	if err := m.store.UpsertIssue(ctx, issue); err != nil {
		return nil, fmt.Errorf("cache issue: %w", err)
	}
	return issue, nil
}

// ListIssues fetches one page of issues and refreshes the cache.
func (m *Manager) ListIssues(ctx context.Context, owner, repo, state string, page, perPage int) ([]*models.Issue, error) {
	issues, err := m.issues.ListIssues(ctx, owner, repo, state, page, perPage)
	if err != nil {
		return nil, err
	}
	for _, issue := range issues {
		if err := m.store.UpsertIssue(ctx, issue); err != nil {
			return nil, fmt.Errorf("cache issue: %w", err)
		}
	}
	return issues, nil
}

// GetIssue returns a cached issue by its remote id.
func (m *Manager) GetIssue(ctx context.Context, id int64) (*models.Issue, error) {
	return m.store.GetIssue(ctx, id)
}

// CachedIssue returns a cached issue by repository and number without
// contacting the hosting service.
func (m *Manager) CachedIssue(ctx context.Context, owner, repo string, number int) (*models.Issue, error) {
	return m.store.GetIssueByNumber(ctx, owner, repo, number)
}

// --- Starting sessions ---

// StartAnalysis starts a triage session for issue, or reports the one already
// running.
func (m *Manager) StartAnalysis(ctx context.Context, issue *models.Issue) (*StartResult, error) {
	if issue == nil {
		return nil, fmt.Errorf("start analysis: missing issue")
	}
	if err := m.store.UpsertIssue(ctx, issue); err != nil {
		return nil, fmt.Errorf("cache issue: %w", err)
	}
	return m.start(ctx, issue, models.SessionKindAnalysis, prompt.BuildAnalysisPrompt(issue), "")
}

// StartResolution starts a fix session from a finished analysis session. When
// analysis is non-nil it must be valid and is used instead of the stored result.
func (m *Manager) StartResolution(ctx context.Context, analysisSessionID string, analysis *models.AnalysisResult) (*StartResult, error) {
	sess, err := m.store.GetSession(ctx, analysisSessionID)
	if err != nil {
		return nil, err
	}

	stored, err := finishedAnalysis(sess)
	if err != nil {
		return nil, err
	}
	if analysis != nil {
		if err := ValidateAnalysis(analysis); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrAnalysisNotReady, err)
		}
		stored = analysis
	}

	issue, err := m.store.GetIssue(ctx, sess.IssueID)
	if err != nil {
		return nil, err
	}
	return m.start(ctx, issue, models.SessionKindResolution, prompt.BuildResolutionPrompt(issue, stored), "")
}

// finishedAnalysis returns sess's analysis result if sess is a finished
// analysis session holding a valid one.
func finishedAnalysis(sess *models.Session) (*models.AnalysisResult, error) {
	if sess.Kind != models.SessionKindAnalysis {
		return nil, fmt.Errorf("%w: session %s is a %s session", ErrAnalysisNotReady, sess.ID, sess.Kind)
	}
	if sess.Status != models.SessionStatusFinished {
		return nil, fmt.Errorf("%w: session %s is %s", ErrAnalysisNotReady, sess.ID, sess.Status)
	}
	if sess.Result == nil || sess.Result.Kind != models.ResultKindAnalysis {
		return nil, fmt.Errorf("%w: session %s has no valid analysis result", ErrAnalysisNotReady, sess.ID)
	}
	if err := ValidateAnalysis(sess.Result.Analysis); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAnalysisNotReady, err)
	}
	return sess.Result.Analysis, nil
}

func (m *Manager) lockFor(issueID int64, kind models.SessionKind) *sync.Mutex {
	key := fmt.Sprintf("%d/%s", issueID, kind)
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	return l
}

func (m *Manager) start(ctx context.Context, issue *models.Issue, kind models.SessionKind, text, retryOf string) (*StartResult, error) {
	l := m.lockFor(issue.ID, kind)
	l.Lock()
	defer l.Unlock()

	existing, err := m.store.FindRunningSession(ctx, issue.ID, kind)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		m.metrics.sessionDeduplicated(kind)
		return &StartResult{SessionID: existing.ID, AlreadyRunning: true, Session: existing}, nil
	}

	// A retry must not be folded back onto the session it replaces.
	idempotent := retryOf == ""
	for {
		created, err := m.agent.CreateSession(ctx, text, idempotent)
		if err != nil {
			m.metrics.remoteError("create")
			return nil, fmt.Errorf("%w: %w", ErrSessionCreationFailed, err)
		}

		native := created.InitialStatus
		if native == "" {
			native = agent.StatusWorking
		}
		sess := &models.Session{
			ID:           created.SessionID,
			IssueID:      issue.ID,
			Kind:         kind,
			Status:       models.SessionStatusRunning,
			NativeStatus: native,
			URL:          created.URL,
			RetryOf:      retryOf,
		}

		err = m.store.CreateSession(ctx, sess)
		switch {
		case err == nil:
			m.metrics.sessionStarted(kind)
			m.logger.Info("Session started", "session_id", sess.ID, "issue_id", issue.ID, "kind", kind, "retry_of", retryOf)
			return &StartResult{SessionID: sess.ID, Session: sess}, nil
		case errors.Is(err, store.ErrSessionRunning):
			// Another process won the race; report its session.
			running, ferr := m.store.FindRunningSession(ctx, issue.ID, kind)
			if ferr != nil || running == nil {
				return nil, fmt.Errorf("record session: %w", err)
			}
			m.logger.Warn("Remote session created while another was running",
				"session_id", created.SessionID, "running_session_id", running.ID, "issue_id", issue.ID, "kind", kind)
			m.metrics.sessionDeduplicated(kind)
			return &StartResult{SessionID: running.ID, AlreadyRunning: true, Session: running}, nil
		case errors.Is(err, store.ErrSessionExists):
			// The agent deduplicated an idempotent create onto a known session.
			known, gerr := m.store.GetSession(ctx, created.SessionID)
			if gerr != nil {
				return nil, fmt.Errorf("record session: %w", err)
			}
			if known.Status.Terminal() && idempotent {
				// A session that already ended is never a valid answer to a new start.
				m.logger.Warn("Agent reused an ended session, creating a new one",
					"session_id", known.ID, "status", known.Status, "issue_id", issue.ID, "kind", kind)
				idempotent = false
				continue
			}
			if known.Status.Terminal() {
				return nil, fmt.Errorf("%w: agent returned ended session %s", ErrSessionCreationFailed, known.ID)
			}
			m.metrics.sessionDeduplicated(kind)
			return &StartResult{SessionID: known.ID, AlreadyRunning: true, Session: known}, nil
		default:
			return nil, fmt.Errorf("record session: %w", err)
		}
	}
}

// --- Reconciliation ---

// GetStatus reconciles a session with the agent service and returns the
// stored view. Terminal sessions are returned from the store without a remote
// call. Concurrent calls for the same session share one reconciliation.
func (m *Manager) GetStatus(ctx context.Context, sessionID string) (*SessionView, error) {
	// The shared reconciliation must not fail for every caller when the one
	// that started it goes away.
	shared := context.WithoutCancel(ctx)
	ch := m.polls.DoChan(sessionID, func() (any, error) {
		return m.reconcile(shared, sessionID)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*SessionView).clone(), nil
	}
}

// clone copies the view deeply enough that callers sharing one
// reconciliation cannot see each other's changes.
func (v *SessionView) clone() *SessionView {
	out := &SessionView{}
	if v.Session != nil {
		sess := *v.Session
		sess.Messages = append([]models.Message(nil), v.Session.Messages...)
		if v.Session.Result != nil {
			r := *v.Session.Result
			sess.Result = &r
		}
		if v.Session.ConfidenceScore != nil {
			c := *v.Session.ConfidenceScore
			sess.ConfidenceScore = &c
		}
		out.Session = &sess
	}
	if v.Issue != nil {
		issue := *v.Issue
		issue.Labels = append([]models.Label(nil), v.Issue.Labels...)
		out.Issue = &issue
	}
	return out
}

func (m *Manager) reconcile(ctx context.Context, sessionID string) (*SessionView, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	issue, err := m.store.GetIssue(ctx, sess.IssueID)
	if err != nil {
		return nil, err
	}

	if sess.Status.Terminal() {
		return m.view(ctx, sess, issue)
	}

	st, err := m.agent.GetSession(ctx, sessionID)
	if err != nil {
		m.metrics.remoteError("get")
		return nil, fmt.Errorf("get remote session %s: %w", sessionID, err)
	}
	return m.apply(ctx, sess, issue, st)
}

// apply merges a remote state into the stored session.
func (m *Manager) apply(ctx context.Context, sess *models.Session, issue *models.Issue, st *agent.State) (*SessionView, error) {
	status, known := Normalize(st.NativeStatus)
	if !known {
		m.logger.Warn("Unknown native session status, treating as running",
			"session_id", sess.ID, "native_status", st.NativeStatus)
	}

	if err := m.appendMessages(ctx, sess, st.Messages); err != nil {
		return nil, err
	}

	native := st.NativeStatus
	update := store.SessionUpdate{Status: &status, NativeStatus: &native}
	if st.URL != "" && sess.URL == "" {
		update.URL = &st.URL
	}
	if st.ErrorMessage != "" {
		update.LastError = &st.ErrorMessage
	}

	if status.Terminal() && !sess.Status.Terminal() {
		if result := m.resultFor(sess, status, st); result != nil {
			update.Result = result
			if result.Kind == models.ResultKindAnalysis {
				score := result.Analysis.ConfidenceScore
				update.ConfidenceScore = &score
			}
		}
	}

	updated, err := m.store.UpdateSession(ctx, sess.ID, update)
	if err != nil {
		return nil, err
	}

	if updated.Status.Terminal() && !sess.Status.Terminal() {
		m.metrics.sessionTransitioned(updated.Kind, updated.Status)
		m.logger.Info("Session reached terminal status",
			"session_id", updated.ID, "issue_id", updated.IssueID, "kind", updated.Kind, "status", updated.Status)
	}
	return m.view(ctx, updated, issue)
}

// resultFor builds the result stored on a terminal transition, or nil when
// none applies. A finished session always gets a result: without structured
// output, the last agent message is kept raw.
func (m *Manager) resultFor(sess *models.Session, status models.SessionStatus, st *agent.State) *models.Result {
	output := st.StructuredOutput
	if len(output) == 0 || string(output) == "null" {
		if status != models.SessionStatusFinished {
			return nil
		}
		m.logger.Warn("Finished session has no structured output", "session_id", sess.ID, "kind", sess.Kind)
		m.metrics.outputMalformed(sess.Kind)
		return &models.Result{Kind: models.ResultKindRaw, Raw: lastAgentMessage(st.Messages)}
	}

	result, err := ParseOutput(output, sess.Kind)
	if err != nil {
		m.logger.Warn("Agent output failed validation, storing raw",
			"session_id", sess.ID, "kind", sess.Kind, "error", err)
		m.metrics.outputMalformed(sess.Kind)
	}
	return result
}

func lastAgentMessage(msgs []agent.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if !msgs[i].FromOperator() {
			return msgs[i].Text
		}
	}
	return ""
}

func (m *Manager) appendMessages(ctx context.Context, sess *models.Session, msgs []agent.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	out := make([]models.Message, 0, len(msgs))
	for _, msg := range msgs {
		origin := models.MessageOriginAgent
		if msg.FromOperator() {
			origin = models.MessageOriginOperator
		}
		ts := msg.Timestamp
		if ts.IsZero() {
			// Keeps entries without a timestamp stable across polls.
			ts = sess.CreatedAt
		}
		out = append(out, models.Message{SessionID: sess.ID, Origin: origin, Text: msg.Text, Timestamp: ts})
	}
	if _, err := m.store.AppendSessionMessages(ctx, sess.ID, out); err != nil {
		return err
	}
	return nil
}

func (m *Manager) view(ctx context.Context, sess *models.Session, issue *models.Issue) (*SessionView, error) {
	msgs, err := m.store.ListSessionMessages(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	sess.Messages = msgs
	return &SessionView{Session: sess, Issue: issue}, nil
}

// --- Operator actions ---

// Retry starts a fresh session with the same inputs as a blocked or expired
// one. The old session is left as is.
func (m *Manager) Retry(ctx context.Context, sessionID string) (*StartResult, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !sess.Status.Retryable() {
		return nil, fmt.Errorf("%w: session %s is %s", ErrNotRetryable, sessionID, sess.Status)
	}

	issue, err := m.store.GetIssue(ctx, sess.IssueID)
	if err != nil {
		return nil, err
	}

	switch sess.Kind {
	case models.SessionKindAnalysis:
		return m.start(ctx, issue, models.SessionKindAnalysis, prompt.BuildAnalysisPrompt(issue), sessionID)
	case models.SessionKindResolution:
		analysis, err := m.latestAnalysis(ctx, issue.ID)
		if err != nil {
			return nil, err
		}
		return m.start(ctx, issue, models.SessionKindResolution, prompt.BuildResolutionPrompt(issue, analysis), sessionID)
	}
	return nil, fmt.Errorf("retry session %s: unknown kind %q", sessionID, sess.Kind)
}

// latestAnalysis returns the newest valid analysis result for an issue.
func (m *Manager) latestAnalysis(ctx context.Context, issueID int64) (*models.AnalysisResult, error) {
	list, err := m.store.ListSessionsByIssue(ctx, issueID)
	if err != nil {
		return nil, err
	}
	for _, s := range list {
		if s.Kind != models.SessionKindAnalysis {
			continue
		}
		if a, err := finishedAnalysis(s); err == nil {
			return a, nil
		}
	}
	return nil, fmt.Errorf("%w: issue %d has no finished analysis", ErrAnalysisNotReady, issueID)
}

// SendMessage forwards operator text to a running session and reconciles the
// returned state.
func (m *Manager) SendMessage(ctx context.Context, sessionID, text string) (*SessionView, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status.Terminal() {
		return nil, fmt.Errorf("%w: session %s is %s", ErrSessionTerminal, sessionID, sess.Status)
	}
	issue, err := m.store.GetIssue(ctx, sess.IssueID)
	if err != nil {
		return nil, err
	}

	st, err := m.agent.SendMessage(ctx, sessionID, text)
	if err != nil {
		m.metrics.remoteError("message")
		return nil, fmt.Errorf("send message to %s: %w", sessionID, err)
	}
	return m.apply(ctx, sess, issue, st)
}

// --- History ---

// ListSessionsForIssue returns an issue's sessions, newest first.
func (m *Manager) ListSessionsForIssue(ctx context.Context, issueID int64) ([]*models.Session, error) {
	return m.store.ListSessionsByIssue(ctx, issueID)
}

// ListSessions returns the session history across issues, newest first.
func (m *Manager) ListSessions(ctx context.Context, filter store.SessionListFilter) ([]*models.Session, error) {
	return m.store.ListSessions(ctx, filter)
}

// GetSession returns the stored session without contacting the agent.
func (m *Manager) GetSession(ctx context.Context, sessionID string) (*SessionView, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	issue, err := m.store.GetIssue(ctx, sess.IssueID)
	if err != nil {
		return nil, err
	}
	return m.view(ctx, sess, issue)
}

