package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/joescharf/triage/internal/github"
	"github.com/joescharf/triage/internal/models"
	"github.com/joescharf/triage/internal/output"
)

var (
	issueState   string
	issuePage    int
	issuePerPage int
)

var issuesCmd = &cobra.Command{
	Use:     "issues <owner/repo | owner/repo#number>",
	Aliases: []string{"issue"},
	Short:   "List a repository's issues or show one issue",
	Long: `List GitHub issues of a repository, or show one issue with its sessions.

Issues are cached locally on every read. Pull requests are not listed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, repo, number, err := github.ParseRef(args[0])
		if err != nil {
			return err
		}
		if number > 0 {
			return issueShowRun(cmd.Context(), owner, repo, number)
		}
		return issueListRun(cmd.Context(), owner, repo)
	},
}

func init() {
	issuesCmd.Flags().StringVar(&issueState, "state", "open", "Issue state: open, closed, all")
	issuesCmd.Flags().IntVar(&issuePage, "page", 1, "Page number")
	issuesCmd.Flags().IntVar(&issuePerPage, "per-page", 30, "Issues per page")
	rootCmd.AddCommand(issuesCmd)
}

func issueListRun(ctx context.Context, owner, repo string) error {
	mgr, err := getManager()
	if err != nil {
		return err
	}

	issues, err := mgr.ListIssues(ctx, owner, repo, issueState, issuePage, issuePerPage)
	if err != nil {
		return err
	}
	if jsonOut {
		return ui.JSON(issues)
	}

	if len(issues) == 0 {
		ui.Info("No issues found.")
		return nil
	}

	table := ui.Table([]string{"#", "Title", "State", "Labels", "Updated"})
	for _, issue := range issues {
		_ = table.Append([]string{
			output.Cyan(fmt.Sprintf("#%d", issue.Number)),
			truncate(issue.Title, 60),
			output.StatusColor(string(issue.State)),
			strings.Join(issue.LabelNames(), ", "),
			timeAgo(issue.UpdatedAt),
		})
	}
	_ = table.Render()
	return nil
}

func issueShowRun(ctx context.Context, owner, repo string, number int) error {
	mgr, err := getManager()
	if err != nil {
		return err
	}

	issue, err := mgr.LoadIssue(ctx, owner, repo, number)
	if err != nil {
		return err
	}
	list, err := mgr.ListSessionsForIssue(ctx, issue.ID)
	if err != nil {
		return err
	}

	if jsonOut {
		return ui.JSON(struct {
			*models.Issue
			Sessions []*models.Session `json:"sessions"`
		}{issue, list})
	}

	fmt.Fprintf(ui.Out, "%s %s\n", output.Cyan(fmt.Sprintf("%s#%d", issue.FullName(), issue.Number)), issue.Title)
	fmt.Fprintf(ui.Out, "  State:   %s\n", output.StatusColor(string(issue.State)))
	if len(issue.Labels) > 0 {
		fmt.Fprintf(ui.Out, "  Labels:  %s\n", strings.Join(issue.LabelNames(), ", "))
	}
	fmt.Fprintf(ui.Out, "  Updated: %s\n", timeAgo(issue.UpdatedAt))
	if issue.Body != nil && *issue.Body != "" {
		fmt.Fprintln(ui.Out)
		fmt.Fprintln(ui.Out, indent(*issue.Body, "  "))
	}

	fmt.Fprintln(ui.Out)
	if len(list) == 0 {
		ui.Info("No sessions yet. Run 'triage analyze %s#%d' to start one.", issue.FullName(), issue.Number)
		return nil
	}
	renderSessions(list)
	return nil
}

// renderSessions prints a session history table.
func renderSessions(list []*models.Session) {
	table := ui.Table([]string{"Session", "Kind", "Status", "Confidence", "Issue", "Created"})
	for _, s := range list {
		_ = table.Append([]string{
			s.ID,
			string(s.Kind),
			output.StatusColor(string(s.Status)),
			output.ConfidenceColor(s.ConfidenceScore),
			fmt.Sprintf("%d", s.IssueID),
			timeAgo(s.CreatedAt),
		})
	}
	_ = table.Render()
}

func timeAgo(t time.Time) string {
	if t.IsZero() {
		return "n/a"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		days := int(d.Hours() / 24)
		if days == 1 {
			return "1d ago"
		}
		return fmt.Sprintf("%dd ago", days)
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func indent(s, prefix string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, l := range lines {
		lines[i] = prefix + l
	}
	return strings.Join(lines, "\n")
}
