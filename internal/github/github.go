// Package github fetches issue metadata from the GitHub REST API.
package github

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/joescharf/triage/internal/models"
	"github.com/joescharf/triage/internal/remote"
)

// DefaultBaseURL is the public GitHub API endpoint.
const DefaultBaseURL = "https://api.github.com"

const service = "github"

// Client provides HTTP access to GitHub issues.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	logger     *slog.Logger
}

// NewClient creates an HTTP client for GitHub issue lookups.
// token may be empty (public repos only, lower rate limits).
func NewClient(baseURL, token string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		logger:     slog.Default(),
	}
}

// apiIssue is the subset of the GitHub issue payload we keep.
type apiIssue struct {
	ID        int64          `json:"id"`
	Number    int            `json:"number"`
	Title     string         `json:"title"`
	Body      *string        `json:"body"`
	State     string         `json:"state"`
	Labels    []models.Label `json:"labels"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	// Present only when the "issue" is a pull request.
	PullRequest *struct{} `json:"pull_request"`
}

func (a *apiIssue) toModel(owner, repo string) *models.Issue {
	labels := a.Labels
	if labels == nil {
		labels = []models.Label{}
	}
	return &models.Issue{
		ID:        a.ID,
		Number:    a.Number,
		Owner:     owner,
		Repo:      repo,
		Title:     a.Title,
		Body:      a.Body,
		State:     models.IssueState(a.State),
		Labels:    labels,
		CreatedAt: a.CreatedAt,
		UpdatedAt: a.UpdatedAt,
	}
}

// GetIssue fetches a single issue by its per-repository number.
func (c *Client) GetIssue(ctx context.Context, owner, repo string, number int) (*models.Issue, error) {
	path := fmt.Sprintf("/repos/%s/%s/issues/%d", url.PathEscape(owner), url.PathEscape(repo), number)

	var issue apiIssue
	if err := c.get(ctx, path, nil, &issue); err != nil {
		return nil, fmt.Errorf("get issue %s/%s#%d: %w", owner, repo, number, err)
	}
	return issue.toModel(owner, repo), nil
}

// ListIssues returns one page of issues. state is "open", "closed" or "all";
// pull requests are filtered out.
func (c *Client) ListIssues(ctx context.Context, owner, repo, state string, page, perPage int) ([]*models.Issue, error) {
	q := url.Values{}
	if state != "" {
		q.Set("state", state)
	}
	if page > 0 {
		q.Set("page", strconv.Itoa(page))
	}
	if perPage > 0 {
		q.Set("per_page", strconv.Itoa(perPage))
	}

	path := fmt.Sprintf("/repos/%s/%s/issues", url.PathEscape(owner), url.PathEscape(repo))
	var items []apiIssue
	if err := c.get(ctx, path, q, &items); err != nil {
		return nil, fmt.Errorf("list issues %s/%s: %w", owner, repo, err)
	}

	issues := make([]*models.Issue, 0, len(items))
	for i := range items {
		if items[i].PullRequest != nil {
			continue
		}
		issues = append(issues, items[i].toModel(owner, repo))
	}
	return issues, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	c.setAuthHeader(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return remote.Unavailable(service, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.Debug("GitHub request failed", "path", path, "status", resp.StatusCode)
		return remote.FromResponse(service, resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) setAuthHeader(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// ParseRef parses "owner/repo" or "owner/repo#number". number is 0 when absent.
func ParseRef(ref string) (owner, repo string, number int, err error) {
	rest := ref
	if i := strings.LastIndex(ref, "#"); i >= 0 {
		number, err = strconv.Atoi(ref[i+1:])
		if err != nil || number <= 0 {
			return "", "", 0, fmt.Errorf("invalid issue number in %q", ref)
		}
		rest = ref[:i]
	}

	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", 0, fmt.Errorf("invalid repository %q: expected owner/repo", ref)
	}
	return parts[0], parts[1], number, nil
}
