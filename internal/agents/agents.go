// Package agents turns the reasoning roles of the pipeline (manager, writer,
// critique) into calls against a chat model and parses their structured
// output.
package agents

import (
	"context"

	"github.com/insightengine/orchestrator/internal/research"
)

// Invoker runs the reasoning roles of the pipeline.
type Invoker interface {
	Plan(ctx context.Context, in PlanInput) (research.Plan, error)
	Draft(ctx context.Context, in DraftInput) (Draft, error)
	Critique(ctx context.Context, in CritiqueInput) (Verdict, error)
}

// PlanInput asks the manager for an outline. Feedback carries a reviewer's
// rejection note when planning is repeated.
type PlanInput struct {
	SessionID string
	Topic     string
	Feedback  string
}

// DraftInput asks the writer for one section.
type DraftInput struct {
	SessionID         string
	Topic             string
	Section           string
	Sources           []research.Citation
	Feedback          string
	UnsupportedClaims []string
	Attempt           int
}

// Draft is the writer's output.
type Draft struct {
	Body string
}

// CritiqueInput asks the reviewer to judge a draft.
type CritiqueInput struct {
	SessionID    string
	Section      string
	Body         string
	SourceTitles []string
}

// Verdict is the reviewer's judgement.
type Verdict struct {
	HasIssues         bool     `json:"has_issues"`
	Feedback          string   `json:"feedback"`
	UnsupportedClaims []string `json:"unsupported_claims"`
	QualityScore      float64  `json:"quality_score"`
}
