package cmd

import (
	"context"
	"errors"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/triage/internal/models"
	"github.com/joescharf/triage/internal/output"
	"github.com/joescharf/triage/internal/sessions"
)

var waitFlag bool

var analyzeCmd = &cobra.Command{
	Use:   "analyze <owner/repo#number>",
	Short: "Start an analysis session for an issue",
	Long: `Start an analysis session: the agent classifies the issue, estimates its
complexity, and proposes a fix strategy with a confidence score.

If an analysis is already running for the issue, that session is reported
instead of starting a second one. With --wait, polls until it finishes.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return analyzeRun(cmd.Context(), args[0])
	},
}

var resolveCmd = &cobra.Command{
	Use:   "resolve <analysis-session-id>",
	Short: "Start a resolution session from a finished analysis",
	Long: `Start a resolution session: the agent implements the fix proposed by a
finished analysis session and opens a pull request.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return resolveRun(cmd.Context(), args[0])
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry <session-id>",
	Short: "Start a fresh session in place of a blocked or expired one",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return retryRun(cmd.Context(), args[0])
	},
}

var messageCmd = &cobra.Command{
	Use:   "message <session-id> <text...>",
	Short: "Send a message to a running session",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return messageRun(cmd.Context(), args[0], strings.Join(args[1:], " "))
	},
}

func init() {
	for _, c := range []*cobra.Command{analyzeCmd, resolveCmd, retryCmd} {
		c.Flags().BoolVarP(&waitFlag, "wait", "w", false, "Poll until the session finishes")
		rootCmd.AddCommand(c)
	}
	rootCmd.AddCommand(messageCmd)
}

func analyzeRun(ctx context.Context, ref string) error {
	owner, repo, number, err := parseIssueArg(ref)
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would start an analysis session for %s/%s#%d", owner, repo, number)
		return nil
	}

	mgr, err := getManager()
	if err != nil {
		return err
	}
	issue, err := mgr.LoadIssue(ctx, owner, repo, number)
	if err != nil {
		return err
	}
	res, err := mgr.StartAnalysis(ctx, issue)
	if err != nil {
		return err
	}
	return reportStart(ctx, mgr, res)
}

func resolveRun(ctx context.Context, analysisID string) error {
	if dryRun {
		ui.DryRunMsg("Would start a resolution session from %s", analysisID)
		return nil
	}

	mgr, err := getManager()
	if err != nil {
		return err
	}
	res, err := mgr.StartResolution(ctx, analysisID, nil)
	if err != nil {
		if errors.Is(err, sessions.ErrAnalysisNotReady) {
			ui.Warning("Run 'triage status %s' until the analysis is finished.", analysisID)
		}
		return err
	}
	return reportStart(ctx, mgr, res)
}

func retryRun(ctx context.Context, id string) error {
	if dryRun {
		ui.DryRunMsg("Would retry session %s", id)
		return nil
	}

	mgr, err := getManager()
	if err != nil {
		return err
	}
	res, err := mgr.Retry(ctx, id)
	if err != nil {
		return err
	}
	return reportStart(ctx, mgr, res)
}

func messageRun(ctx context.Context, id, text string) error {
	if dryRun {
		ui.DryRunMsg("Would send to %s: %s", id, text)
		return nil
	}

	mgr, err := getManager()
	if err != nil {
		return err
	}
	view, err := mgr.SendMessage(ctx, id, text)
	if err != nil {
		return err
	}
	if jsonOut {
		return ui.JSON(view)
	}
	ui.Success("Message sent to %s", id)
	showSession(view, false)
	return nil
}

// reportStart prints a start result and, with --wait, polls the session until
// it is terminal.
func reportStart(ctx context.Context, mgr *sessions.Manager, res *sessions.StartResult) error {
	s := res.Session
	if !waitFlag {
		if jsonOut {
			return ui.JSON(res)
		}
		if res.AlreadyRunning {
			ui.Warning("A %s session is already running for this issue", s.Kind)
		} else {
			ui.Success("Started %s session %s", s.Kind, output.Cyan(s.ID))
		}
		if s.URL != "" {
			ui.Info("Follow along: %s", s.URL)
		}
		if backend := viper.GetString("agent.backend"); backend == backendMock || backend == backendAnthropic {
			ui.Warning("The %s backend keeps sessions in this process only; use --wait or 'triage serve'", backend)
		} else {
			ui.Info("Check progress with 'triage status %s'", s.ID)
		}
		return nil
	}

	if !jsonOut {
		if res.AlreadyRunning {
			ui.Info("Waiting on running %s session %s", s.Kind, output.Cyan(s.ID))
		} else {
			ui.Success("Started %s session %s, waiting", s.Kind, output.Cyan(s.ID))
		}
	}
	return waitRun(ctx, mgr, s.ID)
}

// waitRun polls a session until it is terminal or the attempt budget runs out.
func waitRun(ctx context.Context, mgr *sessions.Manager, id string) error {
	poller := newPoller(mgr)
	last := models.SessionStatus("")
	poller.OnPoll = func(v *sessions.SessionView) {
		if v.Status != last {
			ui.VerboseLog("%s: %s (%s)", v.ID, v.Status, v.NativeStatus)
			last = v.Status
		}
	}

	view, err := poller.Wait(ctx, id)
	timedOut := errors.Is(err, sessions.ErrPollingTimeout)
	if err != nil && !timedOut {
		return err
	}

	if jsonOut {
		if jerr := ui.JSON(view); jerr != nil {
			return jerr
		}
	} else {
		showSession(view, false)
	}
	if timedOut {
		ui.Info("The session keeps running remotely; check later with 'triage status %s'", id)
	}
	return err
}
