package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/joescharf/triage/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite only supports one concurrent writer. A single connection
	// serializes access so concurrent pollers never see "database is locked".
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// newULID generates a new ULID string.
func newULID() string {
	entropy := rand.New(rand.NewSource(time.Now().UnixNano()))
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(entropy, 0)).String()
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()

		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Issues ---

const issueColumns = `id, number, owner, repo, title, body, state, labels, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIssue(row rowScanner) (*models.Issue, error) {
	issue := &models.Issue{}
	var state, labels string
	var body sql.NullString

	if err := row.Scan(&issue.ID, &issue.Number, &issue.Owner, &issue.Repo, &issue.Title, &body,
		&state, &labels, &issue.CreatedAt, &issue.UpdatedAt); err != nil {
		return nil, err
	}

	issue.State = models.IssueState(state)
	if body.Valid {
		issue.Body = &body.String
	}
	_ = json.Unmarshal([]byte(labels), &issue.Labels)
	if issue.Labels == nil {
		issue.Labels = []models.Label{}
	}
	return issue, nil
}

// UpsertIssue inserts the issue or refreshes the cached copy keyed by its remote id.
func (s *SQLiteStore) UpsertIssue(ctx context.Context, issue *models.Issue) error {
	labels := issue.Labels
	if labels == nil {
		labels = []models.Label{}
	}
	labelsJSON, err := json.Marshal(labels)
	if err != nil {
		return fmt.Errorf("marshal labels: %w", err)
	}
	if issue.State == "" {
		issue.State = models.IssueStateOpen
	}

	now := time.Now().UTC()
	if issue.CreatedAt.IsZero() {
		issue.CreatedAt = now
	}
	if issue.UpdatedAt.IsZero() {
		issue.UpdatedAt = now
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO issues (id, number, owner, repo, title, body, state, labels, created_at, updated_at, cached_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			number=excluded.number, owner=excluded.owner, repo=excluded.repo, title=excluded.title,
			body=excluded.body, state=excluded.state, labels=excluded.labels,
			updated_at=excluded.updated_at, cached_at=excluded.cached_at`,
		issue.ID, issue.Number, issue.Owner, issue.Repo, issue.Title, issue.Body,
		string(issue.State), string(labelsJSON), issue.CreatedAt.UTC(), issue.UpdatedAt.UTC(), now,
	)
	if err != nil {
		return fmt.Errorf("upsert issue: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetIssue(ctx context.Context, id int64) (*models.Issue, error) {
	issue, err := scanIssue(s.db.QueryRowContext(ctx,
		`SELECT `+issueColumns+` FROM issues WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("issue %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get issue: %w", err)
	}
	return issue, nil
}

func (s *SQLiteStore) GetIssueByNumber(ctx context.Context, owner, repo string, number int) (*models.Issue, error) {
	issue, err := scanIssue(s.db.QueryRowContext(ctx,
		`SELECT `+issueColumns+` FROM issues WHERE owner = ? AND repo = ? AND number = ?`, owner, repo, number))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("issue %s/%s#%d: %w", owner, repo, number, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get issue by number: %w", err)
	}
	return issue, nil
}

func (s *SQLiteStore) ListIssues(ctx context.Context, filter IssueListFilter) ([]*models.Issue, error) {
	query := `SELECT ` + issueColumns + ` FROM issues`
	var conditions []string
	var args []any

	if filter.Owner != "" {
		conditions = append(conditions, "owner = ?")
		args = append(args, filter.Owner)
	}
	if filter.Repo != "" {
		conditions = append(conditions, "repo = ?")
		args = append(args, filter.Repo)
	}
	if filter.State != "" {
		conditions = append(conditions, "state = ?")
		args = append(args, string(filter.State))
	}

	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY number DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list issues: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var issues []*models.Issue
	for rows.Next() {
		issue, err := scanIssue(rows)
		if err != nil {
			return nil, fmt.Errorf("scan issue: %w", err)
		}
		issues = append(issues, issue)
	}
	return issues, rows.Err()
}

// --- Sessions ---

const sessionColumns = `id, issue_id, kind, status, native_status, result_kind, result_json, confidence_score, url, last_error, retry_of, created_at, updated_at`

func scanSession(row rowScanner) (*models.Session, error) {
	sess := &models.Session{}
	var kind, status string
	var resultKind, resultJSON sql.NullString
	var confidence sql.NullInt64

	if err := row.Scan(&sess.ID, &sess.IssueID, &kind, &status, &sess.NativeStatus,
		&resultKind, &resultJSON, &confidence, &sess.URL, &sess.LastError, &sess.RetryOf,
		&sess.CreatedAt, &sess.UpdatedAt); err != nil {
		return nil, err
	}

	sess.Kind = models.SessionKind(kind)
	sess.Status = models.SessionStatus(status)
	sess.Result = decodeResult(resultKind, resultJSON)
	if confidence.Valid {
		c := int(confidence.Int64)
		sess.ConfidenceScore = &c
	}
	return sess, nil
}

// encodeResult flattens a result into its (kind, payload) columns. Raw results
// keep the agent's text byte for byte.
func encodeResult(r *models.Result) (sql.NullString, sql.NullString, error) {
	if r == nil {
		return sql.NullString{}, sql.NullString{}, nil
	}

	var payload []byte
	var err error
	switch r.Kind {
	case models.ResultKindAnalysis:
		payload, err = json.Marshal(r.Analysis)
	case models.ResultKindResolution:
		payload, err = json.Marshal(r.Resolution)
	case models.ResultKindRaw:
		payload = []byte(r.Raw)
	default:
		return sql.NullString{}, sql.NullString{}, fmt.Errorf("unknown result kind %q", r.Kind)
	}
	if err != nil {
		return sql.NullString{}, sql.NullString{}, fmt.Errorf("marshal result: %w", err)
	}
	return sql.NullString{String: string(r.Kind), Valid: true}, sql.NullString{String: string(payload), Valid: true}, nil
}

func decodeResult(kind, payload sql.NullString) *models.Result {
	if !kind.Valid {
		return nil
	}

	r := &models.Result{Kind: models.ResultKind(kind.String)}
	switch r.Kind {
	case models.ResultKindAnalysis:
		var a models.AnalysisResult
		if err := json.Unmarshal([]byte(payload.String), &a); err != nil {
			return &models.Result{Kind: models.ResultKindRaw, Raw: payload.String}
		}
		r.Analysis = &a
	case models.ResultKindResolution:
		var res models.ResolutionResult
		if err := json.Unmarshal([]byte(payload.String), &res); err != nil {
			return &models.Result{Kind: models.ResultKindRaw, Raw: payload.String}
		}
		r.Resolution = &res
	default:
		r.Kind = models.ResultKindRaw
		r.Raw = payload.String
	}
	return r
}

// CreateSession inserts a new session row. The remote session id is the
// natural key, so callers must set it.
func (s *SQLiteStore) CreateSession(ctx context.Context, sess *models.Session) error {
	if sess.ID == "" {
		return fmt.Errorf("create session: empty session id")
	}
	if sess.Status == "" {
		sess.Status = models.SessionStatusRunning
	}
	now := time.Now().UTC()
	sess.CreatedAt = now
	sess.UpdatedAt = now

	resultKind, resultJSON, err := encodeResult(sess.Result)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.IssueID, string(sess.Kind), string(sess.Status), sess.NativeStatus,
		resultKind, resultJSON, sess.ConfidenceScore, sess.URL, sess.LastError, sess.RetryOf,
		sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		msg := err.Error()
		switch {
		case strings.Contains(msg, "UNIQUE constraint failed: sessions.id"):
			return fmt.Errorf("create session %s: %w", sess.ID, ErrSessionExists)
		case strings.Contains(msg, "sessions.issue_id"), strings.Contains(msg, "idx_sessions_one_running"):
			return fmt.Errorf("create session for issue %d (%s): %w", sess.IssueID, sess.Kind, ErrSessionRunning)
		}
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// FindRunningSession returns the running session for (issue, kind), or nil
// when there is none.
func (s *SQLiteStore) FindRunningSession(ctx context.Context, issueID int64, kind models.SessionKind) (*models.Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		WHERE issue_id = ? AND kind = ? AND status = 'running'
		ORDER BY created_at DESC LIMIT 1`, issueID, string(kind)))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find running session: %w", err)
	}
	return sess, nil
}

// UpdateSession applies a partial update and returns the stored row.
func (s *SQLiteStore) UpdateSession(ctx context.Context, id string, u SessionUpdate) (*models.Session, error) {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC()}

	if u.Status != nil {
		// A terminal status is final.
		sets = append(sets, "status = CASE WHEN status = 'running' THEN ? ELSE status END")
		args = append(args, string(*u.Status))
	}
	if u.NativeStatus != nil {
		sets = append(sets, "native_status = ?")
		args = append(args, *u.NativeStatus)
	}
	if u.Result != nil {
		kind, payload, err := encodeResult(u.Result)
		if err != nil {
			return nil, fmt.Errorf("update session: %w", err)
		}
		sets = append(sets, "result_kind = COALESCE(result_kind, ?)", "result_json = COALESCE(result_json, ?)")
		args = append(args, kind, payload)
	}
	if u.ConfidenceScore != nil {
		sets = append(sets, "confidence_score = COALESCE(confidence_score, ?)")
		args = append(args, *u.ConfidenceScore)
	}
	if u.URL != nil {
		sets = append(sets, "url = ?")
		args = append(args, *u.URL)
	}
	if u.LastError != nil {
		sets = append(sets, "last_error = ?")
		args = append(args, *u.LastError)
	}
	args = append(args, id)

	result, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return nil, fmt.Errorf("update session: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return s.GetSession(ctx, id)
}

func (s *SQLiteStore) ListSessionsByIssue(ctx context.Context, issueID int64) ([]*models.Session, error) {
	return s.scanSessions(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE issue_id = ? ORDER BY created_at DESC, rowid DESC`, issueID)
}

func (s *SQLiteStore) ListSessions(ctx context.Context, filter SessionListFilter) ([]*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE 1=1`
	var args []any

	if filter.Kind != "" {
		query += " AND kind = ?"
		args = append(args, string(filter.Kind))
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	query += " ORDER BY created_at DESC, rowid DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	return s.scanSessions(ctx, query, args...)
}

// scanSessions is a shared helper for scanning session rows.
func (s *SQLiteStore) scanSessions(ctx context.Context, query string, args ...any) ([]*models.Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// --- Session messages ---

// AppendSessionMessages records transcript entries, skipping ones already
// stored. Returns the number of new entries.
func (s *SQLiteStore) AppendSessionMessages(ctx context.Context, sessionID string, msgs []models.Message) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	added := 0
	for _, m := range msgs {
		ts := m.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO session_messages (id, session_id, origin, text, timestamp) VALUES (?, ?, ?, ?, ?)`,
			newULID(), sessionID, string(m.Origin), m.Text, ts.UTC(),
		)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return 0, err
			}
			return 0, fmt.Errorf("append session message: %w", err)
		}
		n, _ := res.RowsAffected()
		added += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}
	return added, nil
}

func (s *SQLiteStore) ListSessionMessages(ctx context.Context, sessionID string) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, origin, text, timestamp FROM session_messages
		WHERE session_id = ? ORDER BY timestamp, rowid`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list session messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var msgs []models.Message
	for rows.Next() {
		var m models.Message
		var origin string
		if err := rows.Scan(&m.ID, &m.SessionID, &origin, &m.Text, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scan session message: %w", err)
		}
		m.Origin = models.MessageOrigin(origin)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
