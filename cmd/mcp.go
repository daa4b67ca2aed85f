package cmd

import (
	"github.com/spf13/cobra"

	"github.com/joescharf/triage/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server",
	Long: `Start an MCP (Model Context Protocol) server on stdio.

This lets an MCP client list issues, start analysis and resolution sessions,
and follow them. Configure it with:

  {
    "mcpServers": {
      "triage": { "command": "triage", "args": ["mcp"] }
    }
  }

Available tools: triage_list_issues, triage_start_analysis,
triage_start_resolution, triage_session_status, triage_retry_session,
triage_send_message, triage_session_history`,
	RunE: func(cmd *cobra.Command, args []string) error {
		// stdout carries the protocol.
		ui.Out = ui.ErrOut
		mgr, err := getManager()
		if err != nil {
			return err
		}
		return mcp.NewServer(mgr, buildVersion).ServeStdio(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
