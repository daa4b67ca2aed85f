// Package prompt builds the natural-language instructions sent to the coding agent.
package prompt

import (
	"fmt"
	"strings"

	"github.com/joescharf/triage/internal/models"
)

const (
	// NoBody replaces an absent or blank issue body.
	NoBody = "No description provided."
	// NoLabels replaces an empty label set.
	NoLabels = "none"
)

// writeIssue renders the issue fields shared by both prompts.
func writeIssue(b *strings.Builder, issue *models.Issue) {
	body := NoBody
	if issue.Body != nil && strings.TrimSpace(*issue.Body) != "" {
		body = *issue.Body
	}
	labels := NoLabels
	if names := issue.LabelNames(); len(names) > 0 {
		labels = strings.Join(names, ", ")
	}

	b.WriteString("## Issue\n")
	fmt.Fprintf(b, "- Repository: %s\n", issue.RepoURL())
	fmt.Fprintf(b, "- Issue number: #%d\n", issue.Number)
	fmt.Fprintf(b, "- Title: %s\n", issue.Title)
	fmt.Fprintf(b, "- Labels: %s\n\n", labels)
	b.WriteString("### Description\n")
	b.WriteString(body)
	b.WriteString("\n\n")
}

// BuildAnalysisPrompt asks the agent to triage an issue without changing any code.
func BuildAnalysisPrompt(issue *models.Issue) string {
	var b strings.Builder

	b.WriteString("You are triaging a GitHub issue. Investigate the repository and assess the issue. Do NOT implement anything: do not modify code, create branches, or open pull requests.\n\n")

	writeIssue(&b, issue)

	b.WriteString("## Task\n\n")
	b.WriteString("1. Classify the issue as one of: bug, feature, documentation, enhancement, maintenance, question.\n")
	b.WriteString("2. Assess the implementation complexity as one of: low, medium, high.\n")
	b.WriteString("3. Assign a confidence score from 0 to 100 for how likely an automated fix is to succeed.\n")
	b.WriteString("4. Describe the strategy you would follow to resolve it.\n")
	b.WriteString("5. Describe the scope: files, modules and behavior affected.\n")
	b.WriteString("6. Explain your reasoning.\n\n")

	b.WriteString("## Output\n\n")
	b.WriteString("Return exactly one JSON object as your structured output, with these fields:\n\n")
	b.WriteString("```json\n")
	b.WriteString("{\n")
	b.WriteString("  \"type\": \"bug | feature | documentation | enhancement | maintenance | question\",\n")
	b.WriteString("  \"complexity\": \"low | medium | high\",\n")
	b.WriteString("  \"confidence_score\": 0,\n")
	b.WriteString("  \"strategy\": \"...\",\n")
	b.WriteString("  \"scope_analysis\": \"...\",\n")
	b.WriteString("  \"reasoning\": \"...\"\n")
	b.WriteString("}\n")
	b.WriteString("```\n\n")
	b.WriteString("All fields are required. confidence_score is an integer between 0 and 100.\n")

	return b.String()
}

// BuildResolutionPrompt asks the agent to fix an issue using a prior analysis.
func BuildResolutionPrompt(issue *models.Issue, analysis *models.AnalysisResult) string {
	var b strings.Builder

	b.WriteString("You are resolving a GitHub issue. Implement a fix, add tests, and open a pull request.\n\n")

	writeIssue(&b, issue)

	b.WriteString("## Prior Analysis\n")
	fmt.Fprintf(&b, "- Type: %s\n", analysis.Type)
	fmt.Fprintf(&b, "- Complexity: %s\n", analysis.Complexity)
	fmt.Fprintf(&b, "- Confidence: %d/100\n", analysis.ConfidenceScore)
	fmt.Fprintf(&b, "- Strategy: %s\n", analysis.Strategy)
	fmt.Fprintf(&b, "- Scope: %s\n\n", analysis.ScopeAnalysis)

	b.WriteString("## Task\n\n")
	b.WriteString("1. Implement the fix following the strategy above.\n")
	b.WriteString("2. Add or update tests that cover the change.\n")
	b.WriteString("3. Make sure the existing test suite passes.\n")
	fmt.Fprintf(&b, "4. Open a pull request whose description references issue #%d (for example \"Fixes #%d\").\n\n", issue.Number, issue.Number)

	b.WriteString("## Output\n\n")
	b.WriteString("Return exactly one JSON object as your structured output, with these fields:\n\n")
	b.WriteString("```json\n")
	b.WriteString("{\n")
	b.WriteString("  \"summary\": \"...\",\n")
	b.WriteString("  \"pull_request_url\": \"https://github.com/...\"\n")
	b.WriteString("}\n")
	b.WriteString("```\n\n")
	b.WriteString("summary is required. Omit pull_request_url if no pull request could be opened.\n")

	return b.String()
}
