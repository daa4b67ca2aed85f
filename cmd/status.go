package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/joescharf/triage/internal/github"
	"github.com/joescharf/triage/internal/models"
	"github.com/joescharf/triage/internal/output"
	"github.com/joescharf/triage/internal/sessions"
	"github.com/joescharf/triage/internal/store"
)

var (
	statusMessages bool
	statusLocal    bool

	historyKind   string
	historyStatus string
	historyLimit  int
)

var statusCmd = &cobra.Command{
	Use:   "status <session-id>",
	Short: "Refresh and show a session",
	Long: `Refresh a session from the agent service and show its status and result.

Finished, blocked, and expired sessions are shown from the local database
without contacting the agent service.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return statusRun(cmd.Context(), args[0])
	},
}

var historyCmd = &cobra.Command{
	Use:   "history [owner/repo#number]",
	Short: "List past sessions, newest first",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref := ""
		if len(args) == 1 {
			ref = args[0]
		}
		return historyRun(cmd.Context(), ref)
	},
}

func init() {
	statusCmd.Flags().BoolVarP(&statusMessages, "messages", "m", false, "Show the session transcript")
	statusCmd.Flags().BoolVar(&statusLocal, "local", false, "Show the stored session without contacting the agent service")
	rootCmd.AddCommand(statusCmd)

	historyCmd.Flags().StringVar(&historyKind, "kind", "", "Filter by kind: analysis, resolution")
	historyCmd.Flags().StringVar(&historyStatus, "status", "", "Filter by status: running, blocked, finished, expired")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum number of sessions")
	rootCmd.AddCommand(historyCmd)
}

func statusRun(ctx context.Context, id string) error {
	mgr, err := getManager()
	if err != nil {
		return err
	}

	var view *sessions.SessionView
	if statusLocal {
		view, err = mgr.GetSession(ctx, id)
	} else {
		view, err = mgr.GetStatus(ctx, id)
	}
	if err != nil {
		return err
	}

	if jsonOut {
		return ui.JSON(view)
	}
	showSession(view, statusMessages)
	return nil
}

func historyRun(ctx context.Context, ref string) error {
	kind := models.SessionKind(historyKind)
	if kind != "" && !kind.Valid() {
		return fmt.Errorf("invalid kind %q: want analysis or resolution", historyKind)
	}
	status := models.SessionStatus(historyStatus)
	if status != "" && status != models.SessionStatusRunning && !status.Terminal() {
		return fmt.Errorf("invalid status %q: want running, blocked, finished or expired", historyStatus)
	}

	mgr, err := getManager()
	if err != nil {
		return err
	}

	var list []*models.Session
	if ref != "" {
		owner, repo, number, err := parseIssueArg(ref)
		if err != nil {
			return err
		}
		issue, err := mgr.CachedIssue(ctx, owner, repo, number)
		if err != nil {
			return fmt.Errorf("find issue %s: %w", ref, err)
		}
		all, err := mgr.ListSessionsForIssue(ctx, issue.ID)
		if err != nil {
			return err
		}
		for _, s := range all {
			if (kind == "" || s.Kind == kind) && (status == "" || s.Status == status) {
				list = append(list, s)
			}
		}
		if historyLimit > 0 && len(list) > historyLimit {
			list = list[:historyLimit]
		}
	} else {
		list, err = mgr.ListSessions(ctx, store.SessionListFilter{Kind: kind, Status: status, Limit: historyLimit})
		if err != nil {
			return err
		}
	}

	if jsonOut {
		if list == nil {
			list = []*models.Session{}
		}
		return ui.JSON(list)
	}
	if len(list) == 0 {
		ui.Info("No sessions found.")
		return nil
	}
	renderSessions(list)
	return nil
}

// showSession prints a session's status, result, and optionally its transcript.
func showSession(v *sessions.SessionView, withMessages bool) {
	if v == nil {
		return
	}

	fmt.Fprintf(ui.Out, "%s %s\n", output.Cyan(v.ID), v.Kind)
	if v.Issue != nil {
		fmt.Fprintf(ui.Out, "  Issue:      %s#%d %s\n", v.Issue.FullName(), v.Issue.Number, v.Issue.Title)
	}
	fmt.Fprintf(ui.Out, "  Status:     %s (%s)\n", output.StatusColor(string(v.Status)), v.NativeStatus)
	if v.URL != "" {
		fmt.Fprintf(ui.Out, "  URL:        %s\n", v.URL)
	}
	if v.RetryOf != "" {
		fmt.Fprintf(ui.Out, "  Retry of:   %s\n", v.RetryOf)
	}
	if v.LastError != "" {
		fmt.Fprintf(ui.Out, "  Error:      %s\n", output.Red(v.LastError))
	}
	fmt.Fprintf(ui.Out, "  Updated:    %s\n", timeAgo(v.UpdatedAt))

	if r := v.Result; r != nil {
		fmt.Fprintln(ui.Out)
		switch r.Kind {
		case models.ResultKindAnalysis:
			a := r.Analysis
			fmt.Fprintf(ui.Out, "  Type:       %s\n", a.Type)
			fmt.Fprintf(ui.Out, "  Complexity: %s\n", a.Complexity)
			fmt.Fprintf(ui.Out, "  Confidence: %s\n", output.ConfidenceColor(v.ConfidenceScore))
			fmt.Fprintf(ui.Out, "  Strategy:\n%s\n", indent(a.Strategy, "    "))
			fmt.Fprintf(ui.Out, "  Scope:\n%s\n", indent(a.ScopeAnalysis, "    "))
			fmt.Fprintf(ui.Out, "  Reasoning:\n%s\n", indent(a.Reasoning, "    "))
		case models.ResultKindResolution:
			fmt.Fprintf(ui.Out, "  Summary:\n%s\n", indent(r.Resolution.Summary, "    "))
			if r.Resolution.PullRequestURL != "" {
				fmt.Fprintf(ui.Out, "  Pull request: %s\n", output.Green(r.Resolution.PullRequestURL))
			}
		case models.ResultKindRaw:
			ui.Warning("The agent's output did not match the expected format; showing it as is.")
			fmt.Fprintln(ui.Out, indent(r.Raw, "    "))
		}
	}

	if v.Status == models.SessionStatusFinished && v.Kind == models.SessionKindAnalysis && v.Result != nil && v.Result.Kind == models.ResultKindAnalysis {
		fmt.Fprintln(ui.Out)
		ui.Info("Start a fix with 'triage resolve %s'", v.ID)
	}
	if v.Status.Retryable() {
		fmt.Fprintln(ui.Out)
		ui.Info("Start over with 'triage retry %s'", v.ID)
	}

	if withMessages && len(v.Messages) > 0 {
		fmt.Fprintln(ui.Out)
		for _, m := range v.Messages {
			who := output.Cyan(string(m.Origin))
			if m.Origin == models.MessageOriginOperator {
				who = output.Yellow(string(m.Origin))
			}
			fmt.Fprintf(ui.Out, "  [%s] %s:\n%s\n", m.Timestamp.Local().Format("15:04:05"), who, indent(m.Text, "    "))
		}
	}
}

func parseIssueArg(ref string) (owner, repo string, number int, err error) {
	owner, repo, number, err = github.ParseRef(ref)
	if err != nil {
		return "", "", 0, err
	}
	if number == 0 {
		return "", "", 0, fmt.Errorf("issue number required: %s#<number>", ref)
	}
	return owner, repo, number, nil
}
