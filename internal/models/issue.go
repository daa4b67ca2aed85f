package models

import (
	"fmt"
	"time"
)

// IssueState is the lifecycle state reported by the code-hosting service.
type IssueState string

const (
	IssueStateOpen   IssueState = "open"
	IssueStateClosed IssueState = "closed"
)

// Label is a single issue label as shown by the hosting service.
type Label struct {
	Name  string `json:"name"`
	Color string `json:"color"`
}

// Issue is the locally cached projection of a remote issue.
type Issue struct {
	ID        int64      `json:"id"`     // remote id, unique per hosting service
	Number    int        `json:"number"` // per-repository issue number
	Owner     string     `json:"owner"`
	Repo      string     `json:"repo"`
	Title     string     `json:"title"`
	Body      *string    `json:"body,omitempty"`
	State     IssueState `json:"state"`
	Labels    []Label    `json:"labels"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// FullName returns the "owner/repo" pair.
func (i *Issue) FullName() string {
	return i.Owner + "/" + i.Repo
}

// RepoURL returns the browser URL of the issue's repository.
func (i *Issue) RepoURL() string {
	return fmt.Sprintf("https://github.com/%s/%s", i.Owner, i.Repo)
}

// LabelNames returns label names in their original order.
func (i *Issue) LabelNames() []string {
	names := make([]string, 0, len(i.Labels))
	for _, l := range i.Labels {
		names = append(names, l.Name)
	}
	return names
}
