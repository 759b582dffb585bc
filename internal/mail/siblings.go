package mail

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/harborline/mailroom/internal/types"
)

const siblingScoreFloor = 0.3

// suggestSiblings scores the project against every other registered
// project and records plausible pairs. Best effort: failures are logged,
// never surfaced to the caller.
func (s *Service) suggestSiblings(ctx context.Context, project *types.Project) {
	others, err := s.store.ListProjects(ctx)
	if err != nil {
		s.log.Warn("sibling scan failed", "error", err)
		return
	}
	for _, other := range others {
		if other.ID == project.ID {
			continue
		}
		// Identical human keys denote the same project, never siblings.
		if other.HumanKey == project.HumanKey {
			continue
		}
		score, rationale := s.scoreSiblings(ctx, project, other)
		if score < siblingScoreFloor {
			continue
		}
		now := time.Now().UTC()
		suggestion := &types.ProjectSiblingSuggestion{
			ProjectID: min(project.ID, other.ID),
			SiblingID: max(project.ID, other.ID),
			Score:     score,
			Rationale: rationale,
			Status:    types.SiblingSuggested,
			CreatedTS: now,
			UpdatedTS: now,
		}
		if err := s.store.UpsertSibling(ctx, suggestion); err != nil {
			s.log.Warn("sibling upsert failed", "projects", []int64{project.ID, other.ID}, "error", err)
		}
	}
}

// scoreSiblings combines path-segment overlap of the human keys with
// agent-name overlap; the LLM, when enabled, replaces the mechanical
// rationale with a sentence.
func (s *Service) scoreSiblings(ctx context.Context, a, b *types.Project) (float64, string) {
	pathScore := segmentOverlap(a.HumanKey, b.HumanKey)
	agentScore := s.agentOverlap(ctx, a.ID, b.ID)
	score := 0.6*pathScore + 0.4*agentScore
	if score > 1 {
		score = 1
	}
	rationale := fmt.Sprintf("path overlap %.2f, agent overlap %.2f", pathScore, agentScore)

	if s.llm != nil && s.settings.LLMEnabled && score >= siblingScoreFloor {
		prompt := fmt.Sprintf("In one sentence, why might %q and %q be parts of the same effort?", a.HumanKey, b.HumanKey)
		if text, err := s.llm.Complete(ctx, prompt); err == nil {
			rationale = strings.TrimSpace(text)
		}
	}
	return score, rationale
}

// segmentOverlap is the Jaccard similarity of non-trivial path segments.
func segmentOverlap(aKey, bKey string) float64 {
	aSegs := pathSegments(aKey)
	bSegs := pathSegments(bKey)
	if len(aSegs) == 0 || len(bSegs) == 0 {
		return 0
	}
	both := 0
	union := map[string]bool{}
	inA := map[string]bool{}
	for _, seg := range aSegs {
		inA[seg] = true
		union[seg] = true
	}
	for _, seg := range bSegs {
		if inA[seg] {
			both++
		}
		union[seg] = true
	}
	return float64(both) / float64(len(union))
}

func pathSegments(key string) []string {
	var out []string
	for _, seg := range strings.Split(key, "/") {
		seg = strings.ToLower(strings.TrimSpace(seg))
		// Common roots carry no signal.
		switch seg {
		case "", "home", "users", "data", "srv", "var", "opt", "repos", "projects":
			continue
		}
		out = append(out, seg)
	}
	return out
}

func (s *Service) agentOverlap(ctx context.Context, aID, bID int64) float64 {
	aAgents, err := s.store.ListAgents(ctx, aID)
	if err != nil {
		return 0
	}
	bAgents, err := s.store.ListAgents(ctx, bID)
	if err != nil {
		return 0
	}
	if len(aAgents) == 0 || len(bAgents) == 0 {
		return 0
	}
	inA := map[string]bool{}
	for _, a := range aAgents {
		inA[strings.ToLower(a.Name)] = true
	}
	both := 0
	for _, b := range bAgents {
		if inA[strings.ToLower(b.Name)] {
			both++
		}
	}
	union := len(aAgents) + len(bAgents) - both
	return float64(both) / float64(union)
}

// ListSiblings returns the project's sibling suggestions.
func (s *Service) ListSiblings(ctx context.Context, projectKey string) ([]*types.ProjectSiblingSuggestion, error) {
	project, err := s.project(ctx, projectKey)
	if err != nil {
		return nil, err
	}
	return s.store.ListSiblings(ctx, project.ID)
}

// SetSiblingStatus confirms or dismisses a suggestion.
func (s *Service) SetSiblingStatus(ctx context.Context, projectKey string, siblingID int64, status string) error {
	switch types.SiblingStatus(status) {
	case types.SiblingSuggested, types.SiblingConfirmed, types.SiblingDismissed:
	default:
		return types.Invalidf("unknown sibling status %q", status)
	}
	project, err := s.project(ctx, projectKey)
	if err != nil {
		return err
	}
	return s.store.SetSiblingStatus(ctx, project.ID, siblingID, types.SiblingStatus(status))
}
