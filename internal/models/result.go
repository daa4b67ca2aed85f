package models

// IssueType is the triage classification of an issue.
type IssueType string

const (
	IssueTypeBug           IssueType = "bug"
	IssueTypeFeature       IssueType = "feature"
	IssueTypeDocumentation IssueType = "documentation"
	IssueTypeEnhancement   IssueType = "enhancement"
	IssueTypeMaintenance   IssueType = "maintenance"
	IssueTypeQuestion      IssueType = "question"
)

// Complexity is the estimated implementation effort.
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// AnalysisResult is the structured output of an analysis session.
type AnalysisResult struct {
	Type            IssueType  `json:"type"`
	Complexity      Complexity `json:"complexity"`
	ConfidenceScore int        `json:"confidence_score"`
	Strategy        string     `json:"strategy"`
	ScopeAnalysis   string     `json:"scope_analysis"`
	Reasoning       string     `json:"reasoning"`
}

// ResolutionResult is the structured output of a resolution session.
type ResolutionResult struct {
	Summary        string `json:"summary"`
	PullRequestURL string `json:"pull_request_url,omitempty"`
}

// ResultKind tags which shape a stored result has.
type ResultKind string

const (
	ResultKindAnalysis   ResultKind = "analysis"
	ResultKindResolution ResultKind = "resolution"
	// ResultKindRaw holds agent output that failed validation, kept verbatim.
	ResultKindRaw ResultKind = "raw"
)

// Result is the write-once payload of a terminal session.
type Result struct {
	Kind       ResultKind        `json:"kind"`
	Analysis   *AnalysisResult   `json:"analysis,omitempty"`
	Resolution *ResolutionResult `json:"resolution,omitempty"`
	Raw        string            `json:"raw,omitempty"`
}
