package orchestrator

import (
	"context"

	"github.com/insightengine/orchestrator/internal/agents"
	"github.com/insightengine/orchestrator/internal/metrics"
	"github.com/insightengine/orchestrator/internal/research"
	"github.com/insightengine/orchestrator/internal/util"
)

// runSection researches, drafts and reviews one section until the reviewer
// is satisfied or the revision budget is spent. The latest draft is
// force-accepted in the second case. Collaborator errors end the loop.
func (o *Orchestrator) runSection(ctx context.Context, st runState, title string) (research.Section, error) {
	cfg := o.Config()
	var (
		feedback string
		claims   []string
	)
	for attempt := 0; ; attempt++ {
		citations, err := o.collect(ctx, st, title, cfg.SourcesPerSection)
		if err != nil {
			return research.Section{}, err
		}

		if err := o.emit(ctx, st.sessionID, research.RoleWriter, ActionWriting, details{
			"section": title,
			"message": "Writing section: " + title,
		}); err != nil {
			return research.Section{}, err
		}
		draft, err := o.agents.Draft(ctx, agents.DraftInput{
			SessionID:         st.sessionID,
			Topic:             st.topic,
			Section:           title,
			Sources:           citations,
			Feedback:          feedback,
			UnsupportedClaims: claims,
			Attempt:           attempt,
		})
		if err != nil {
			return research.Section{}, err
		}
		metrics.SectionAttempts.Inc()
		sec := research.Section{
			Title:         title,
			Body:          draft.Body,
			Citations:     citations,
			RevisionCount: attempt,
		}
		if err := o.emit(ctx, st.sessionID, research.RoleWriter, ActionSectionDrafted, details{
			"section":    title,
			"word_count": sec.WordCount(),
			"preview":    util.TruncateString(sec.Body, 200, true),
			"attempt":    attempt,
		}); err != nil {
			return research.Section{}, err
		}

		if err := o.emit(ctx, st.sessionID, research.RoleCritique, ActionReviewing, details{
			"section": title,
			"message": "Reviewing section quality...",
		}); err != nil {
			return research.Section{}, err
		}
		verdict, err := o.agents.Critique(ctx, agents.CritiqueInput{
			SessionID:    st.sessionID,
			Section:      title,
			Body:         sec.Body,
			SourceTitles: titles(citations),
		})
		if err != nil {
			return research.Section{}, err
		}
		if err := o.emit(ctx, st.sessionID, research.RoleCritique, ActionReviewComplete, details{
			"section":            title,
			"has_issues":         verdict.HasIssues,
			"feedback":           verdict.Feedback,
			"unsupported_claims": verdict.UnsupportedClaims,
			"quality_score":      verdict.QualityScore,
		}); err != nil {
			return research.Section{}, err
		}

		if !verdict.HasIssues {
			metrics.SectionsAccepted.WithLabelValues("passed").Inc()
			return sec, nil
		}
		if attempt >= cfg.MaxRevisions {
			if err := o.emit(ctx, st.sessionID, research.RoleManager, ActionMaxRevisionsReached, details{
				"section":        title,
				"revision_count": attempt,
				"final_feedback": verdict.Feedback,
			}); err != nil {
				return research.Section{}, err
			}
			metrics.SectionsAccepted.WithLabelValues("forced").Inc()
			return sec, nil
		}

		if err := o.emit(ctx, st.sessionID, research.RoleManager, ActionRevisionRequested, details{
			"section":        title,
			"revision_count": attempt + 1,
			"feedback":       verdict.Feedback,
		}); err != nil {
			return research.Section{}, err
		}
		feedback, claims = verdict.Feedback, verdict.UnsupportedClaims
	}
}

// collect queries sources for "<topic> <section>". An empty result is
// passed through.
func (o *Orchestrator) collect(ctx context.Context, st runState, title string, max int) ([]research.Citation, error) {
	if err := o.emit(ctx, st.sessionID, research.RoleResearcher, ActionSearching, details{
		"section": title,
		"message": "Researching: " + title,
	}); err != nil {
		return nil, err
	}
	citations, err := o.sources.FetchSources(ctx, st.topic+" "+title, max)
	if err != nil {
		return nil, err
	}
	if citations == nil {
		citations = []research.Citation{}
	}
	found := make([]map[string]string, 0, len(citations))
	for _, c := range citations {
		found = append(found, map[string]string{"title": c.Title, "url": c.URL})
	}
	if err := o.emit(ctx, st.sessionID, research.RoleResearcher, ActionSourcesFound, details{
		"section":     title,
		"num_sources": len(citations),
		"sources":     found,
	}); err != nil {
		return nil, err
	}
	return citations, nil
}

func titles(cs []research.Citation) []string {
	out := make([]string, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.Title)
	}
	return out
}
