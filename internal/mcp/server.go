package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/joescharf/triage/internal/github"
	"github.com/joescharf/triage/internal/models"
	"github.com/joescharf/triage/internal/remote"
	"github.com/joescharf/triage/internal/sessions"
	"github.com/joescharf/triage/internal/store"
)

// Server exposes the session manager as MCP tools.
type Server struct {
	sessions *sessions.Manager
	version  string
}

// NewServer creates the MCP server wrapper.
func NewServer(mgr *sessions.Manager, version string) *Server {
	if version == "" {
		version = "dev"
	}
	return &Server{sessions: mgr, version: version}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("triage", s.version, server.WithToolCapabilities(true))

	srv.AddTool(s.listIssuesTool())
	srv.AddTool(s.startAnalysisTool())
	srv.AddTool(s.startResolutionTool())
	srv.AddTool(s.sessionStatusTool())
	srv.AddTool(s.retrySessionTool())
	srv.AddTool(s.sendMessageTool())
	srv.AddTool(s.sessionHistoryTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	srv := s.MCPServer()
	stdioServer := server.NewStdioServer(srv)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

// ---------------------------------------------------------------------------
// Tool definitions and handlers
// ---------------------------------------------------------------------------

// triage_list_issues
func (s *Server) listIssuesTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("triage_list_issues",
		mcp.WithDescription("List issues of a GitHub repository. Pull requests are excluded. Returns a JSON array of issues."),
		mcp.WithString("repo", mcp.Required(), mcp.Description("Repository as owner/repo")),
		mcp.WithString("state", mcp.Description("Issue state: open, closed, or all (default open)")),
		mcp.WithNumber("page", mcp.Description("Page number, starting at 1")),
		mcp.WithNumber("per_page", mcp.Description("Issues per page (default 30)")),
	)
	return tool, s.handleListIssues
}

func (s *Server) handleListIssues(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ref, err := request.RequireString("repo")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: repo"), nil
	}
	owner, repo, _, err := github.ParseRef(ref)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	state := request.GetString("state", string(models.IssueStateOpen))
	issues, err := s.sessions.ListIssues(ctx, owner, repo, state, request.GetInt("page", 1), request.GetInt("per_page", 30))
	if err != nil {
		return toolError("failed to list issues", err), nil
	}

	type issueOut struct {
		ID     int64    `json:"id"`
		Number int      `json:"number"`
		Title  string   `json:"title"`
		State  string   `json:"state"`
		Labels []string `json:"labels"`
	}
	out := make([]issueOut, len(issues))
	for i, issue := range issues {
		out[i] = issueOut{
			ID:     issue.ID,
			Number: issue.Number,
			Title:  issue.Title,
			State:  string(issue.State),
			Labels: issue.LabelNames(),
		}
	}
	return jsonResult(out)
}

// triage_start_analysis
func (s *Server) startAnalysisTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("triage_start_analysis",
		mcp.WithDescription("Start an analysis session for an issue. If one is already running for the issue, it is returned instead of starting another."),
		mcp.WithString("issue", mcp.Required(), mcp.Description("Issue as owner/repo#number")),
	)
	return tool, s.handleStartAnalysis
}

func (s *Server) handleStartAnalysis(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ref, err := request.RequireString("issue")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: issue"), nil
	}
	owner, repo, number, err := parseIssueRef(ref)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	issue, err := s.sessions.LoadIssue(ctx, owner, repo, number)
	if err != nil {
		return toolError("failed to load issue", err), nil
	}
	res, err := s.sessions.StartAnalysis(ctx, issue)
	if err != nil {
		return toolError("failed to start analysis", err), nil
	}
	return jsonResult(res)
}

// triage_start_resolution
func (s *Server) startResolutionTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("triage_start_resolution",
		mcp.WithDescription("Start a resolution session from a finished analysis session. The agent implements the fix and opens a pull request."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("ID of a finished analysis session")),
	)
	return tool, s.handleStartResolution
}

func (s *Server) handleStartResolution(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}
	res, err := s.sessions.StartResolution(ctx, id, nil)
	if err != nil {
		return toolError("failed to start resolution", err), nil
	}
	return jsonResult(res)
}

// triage_session_status
func (s *Server) sessionStatusTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("triage_session_status",
		mcp.WithDescription("Refresh a session from the agent service and return its status, result, and transcript."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID")),
	)
	return tool, s.handleSessionStatus
}

func (s *Server) handleSessionStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}
	view, err := s.sessions.GetStatus(ctx, id)
	if err != nil {
		return toolError("failed to get session status", err), nil
	}
	return jsonResult(view)
}

// triage_retry_session
func (s *Server) retrySessionTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("triage_retry_session",
		mcp.WithDescription("Start a fresh session with the same inputs as a blocked or expired one."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("ID of the blocked or expired session")),
	)
	return tool, s.handleRetrySession
}

func (s *Server) handleRetrySession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}
	res, err := s.sessions.Retry(ctx, id)
	if err != nil {
		return toolError("failed to retry session", err), nil
	}
	return jsonResult(res)
}

// triage_send_message
func (s *Server) sendMessageTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("triage_send_message",
		mcp.WithDescription("Send an operator message to a running session."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID")),
		mcp.WithString("message", mcp.Required(), mcp.Description("Message text")),
	)
	return tool, s.handleSendMessage
}

func (s *Server) handleSendMessage(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}
	text, err := request.RequireString("message")
	if err != nil || text == "" {
		return mcp.NewToolResultError("missing required parameter: message"), nil
	}
	view, err := s.sessions.SendMessage(ctx, id, text)
	if err != nil {
		return toolError("failed to send message", err), nil
	}
	return jsonResult(view)
}

// triage_session_history
func (s *Server) sessionHistoryTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("triage_session_history",
		mcp.WithDescription("List past sessions, newest first. Scoped to one issue when issue is given."),
		mcp.WithString("issue", mcp.Description("Issue as owner/repo#number")),
		mcp.WithString("kind", mcp.Description("Filter by kind: analysis or resolution")),
		mcp.WithString("status", mcp.Description("Filter by status: running, blocked, finished, or expired")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of sessions (default 20)")),
	)
	return tool, s.handleSessionHistory
}

func (s *Server) handleSessionHistory(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	kind := models.SessionKind(request.GetString("kind", ""))
	if kind != "" && !kind.Valid() {
		return mcp.NewToolResultError(fmt.Sprintf("invalid kind: %s", kind)), nil
	}
	status := models.SessionStatus(request.GetString("status", ""))
	if status != "" && status != models.SessionStatusRunning && !status.Terminal() {
		return mcp.NewToolResultError(fmt.Sprintf("invalid status: %s", status)), nil
	}
	limit := request.GetInt("limit", 20)

	var list []*models.Session
	if ref := request.GetString("issue", ""); ref != "" {
		owner, repo, number, err := parseIssueRef(ref)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		issue, err := s.sessions.CachedIssue(ctx, owner, repo, number)
		if err != nil {
			return toolError("failed to find issue", err), nil
		}
		all, err := s.sessions.ListSessionsForIssue(ctx, issue.ID)
		if err != nil {
			return toolError("failed to list sessions", err), nil
		}
		for _, sess := range all {
			if (kind == "" || sess.Kind == kind) && (status == "" || sess.Status == status) {
				list = append(list, sess)
			}
		}
		if limit > 0 && len(list) > limit {
			list = list[:limit]
		}
	} else {
		var err error
		list, err = s.sessions.ListSessions(ctx, store.SessionListFilter{Kind: kind, Status: status, Limit: limit})
		if err != nil {
			return toolError("failed to list sessions", err), nil
		}
	}

	if list == nil {
		list = []*models.Session{}
	}
	return jsonResult(list)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func parseIssueRef(ref string) (owner, repo string, number int, err error) {
	owner, repo, number, err = github.ParseRef(ref)
	if err != nil {
		return "", "", 0, err
	}
	if number == 0 {
		return "", "", 0, fmt.Errorf("issue must be owner/repo#number, got %q", ref)
	}
	return owner, repo, number, nil
}

// toolError reports err as a tool error, tagged with its category so callers
// can tell a remote outage from a rejected or invalid request.
func toolError(msg string, err error) *mcp.CallToolResult {
	var category string
	switch {
	case errors.Is(err, sessions.ErrAnalysisNotReady):
		category = "analysis_not_ready"
	case errors.Is(err, sessions.ErrNotRetryable):
		category = "not_retryable"
	case errors.Is(err, sessions.ErrSessionTerminal):
		category = "session_terminal"
	case errors.Is(err, store.ErrNotFound):
		category = "not_found"
	default:
		category = string(remote.CategoryOf(err))
	}
	if category == "" {
		return mcp.NewToolResultError(fmt.Sprintf("%s: %v", msg, err))
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s [%s]: %v", msg, category, err))
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
