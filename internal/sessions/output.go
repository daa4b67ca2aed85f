package sessions

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/joescharf/triage/internal/llm"
	"github.com/joescharf/triage/internal/models"
)

var outputValidate = validator.New()

// analysisPayload mirrors models.AnalysisResult with validation rules.
// ConfidenceScore is a pointer so a missing score is told apart from zero.
type analysisPayload struct {
	Type            string `json:"type" validate:"required,oneof=bug feature documentation enhancement maintenance question"`
	Complexity      string `json:"complexity" validate:"required,oneof=low medium high"`
	ConfidenceScore *int   `json:"confidence_score" validate:"required,gte=0,lte=100"`
	Strategy        string `json:"strategy" validate:"required"`
	ScopeAnalysis   string `json:"scope_analysis" validate:"required"`
	Reasoning       string `json:"reasoning" validate:"required"`
}

type resolutionPayload struct {
	Summary        string `json:"summary" validate:"required"`
	PullRequestURL string `json:"pull_request_url" validate:"omitempty,url"`
}

// ParseAnalysis decodes and validates an AnalysisResult.
func ParseAnalysis(data []byte) (*models.AnalysisResult, error) {
	var p analysisPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode analysis: %w", err)
	}
	if err := outputValidate.Struct(p); err != nil {
		return nil, fmt.Errorf("validate analysis: %w", err)
	}
	return &models.AnalysisResult{
		Type:            models.IssueType(p.Type),
		Complexity:      models.Complexity(p.Complexity),
		ConfidenceScore: *p.ConfidenceScore,
		Strategy:        p.Strategy,
		ScopeAnalysis:   p.ScopeAnalysis,
		Reasoning:       p.Reasoning,
	}, nil
}

// ParseResolution decodes and validates a ResolutionResult.
func ParseResolution(data []byte) (*models.ResolutionResult, error) {
	var p resolutionPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode resolution: %w", err)
	}
	if err := outputValidate.Struct(p); err != nil {
		return nil, fmt.Errorf("validate resolution: %w", err)
	}
	return &models.ResolutionResult{Summary: p.Summary, PullRequestURL: p.PullRequestURL}, nil
}

// ValidateAnalysis checks an AnalysisResult supplied by a caller.
func ValidateAnalysis(a *models.AnalysisResult) error {
	if a == nil {
		return fmt.Errorf("validate analysis: missing result")
	}
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("validate analysis: %w", err)
	}
	_, err = ParseAnalysis(data)
	return err
}

// ParseOutput turns an agent's structured output into a stored result. The
// session's own kind is checked; when the kind is unknown, analysis is tried
// before resolution. Output that fits neither is kept verbatim as a raw
// result and reported through the returned error, which wraps
// ErrMalformedOutput. The result is never nil for non-empty output.
func ParseOutput(output json.RawMessage, kind models.SessionKind) (*models.Result, error) {
	raw := string(bytes.TrimSpace(output))

	// Agents sometimes return the object serialized inside a JSON string.
	var s string
	if err := json.Unmarshal(output, &s); err == nil {
		raw = s
	}
	candidate := []byte(llm.ExtractJSONObject(raw))

	var errs []string
	tryAnalysis := func() *models.Result {
		a, err := ParseAnalysis(candidate)
		if err != nil {
			errs = append(errs, err.Error())
			return nil
		}
		return &models.Result{Kind: models.ResultKindAnalysis, Analysis: a}
	}
	tryResolution := func() *models.Result {
		r, err := ParseResolution(candidate)
		if err != nil {
			errs = append(errs, err.Error())
			return nil
		}
		return &models.Result{Kind: models.ResultKindResolution, Resolution: r}
	}

	var order []func() *models.Result
	switch kind {
	case models.SessionKindAnalysis:
		order = append(order, tryAnalysis)
	case models.SessionKindResolution:
		order = append(order, tryResolution)
	default:
		order = append(order, tryAnalysis, tryResolution)
	}

	for _, try := range order {
		if r := try(); r != nil {
			return r, nil
		}
	}

	return &models.Result{Kind: models.ResultKindRaw, Raw: raw},
		fmt.Errorf("%w: %s", ErrMalformedOutput, strings.Join(errs, "; "))
}
