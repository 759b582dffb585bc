package mail

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/harborline/mailroom/internal/types"
)

// ThreadSummary is the summarize_thread payload. Everything except the
// optional LLM-refined fields is produced deterministically from the
// thread's text.
type ThreadSummary struct {
	ThreadKey    string         `json:"thread_key"`
	MessageCount int            `json:"message_count"`
	Participants []string       `json:"participants"`
	Summary      string         `json:"summary,omitempty"`
	KeyPoints    []string       `json:"key_points,omitempty"`
	ActionItems  []string       `json:"action_items,omitempty"`
	OpenCount    int            `json:"open_count"`
	DoneCount    int            `json:"done_count"`
	Mentions     map[string]int `json:"mentions,omitempty"`
	CodeRefs     []string       `json:"code_refs,omitempty"`
	FirstTS      *time.Time     `json:"first_ts,omitempty"`
	LastTS       *time.Time     `json:"last_ts,omitempty"`
	LLMRefined   bool           `json:"llm_refined,omitempty"`
}

const (
	maxKeyPoints   = 10
	maxActionItems = 10
	maxMentions    = 10
	maxCodeRefs    = 10
)

var (
	mentionPattern  = regexp.MustCompile(`@([A-Za-z][A-Za-z0-9_-]+)`)
	codeRefPattern  = regexp.MustCompile("`([^`\n]{1,120})`")
	checkboxOpen    = regexp.MustCompile(`^[-*]\s+\[\s\]\s+(.*)`)
	checkboxDone    = regexp.MustCompile(`(?i)^[-*]\s+\[x\]\s+(.*)`)
	bulletPattern   = regexp.MustCompile(`^[-*]\s+(.*)`)
	actionKeywords  = []string{"TODO", "ACTION", "FIXME", "NEXT", "BLOCKED"}
	codeRefHintExts = []string{".py", ".go", ".ts", ".js", ".md", ".sql", ".yaml", ".yml", ".json"}
)

// SummarizeThread builds the heuristic summary of one thread and, when the
// LLM is available, augments (never replaces) it with the model's
// refinement.
func (s *Service) SummarizeThread(ctx context.Context, projectKey, threadKey string) (*ThreadSummary, error) {
	project, err := s.project(ctx, projectKey)
	if err != nil {
		return nil, err
	}
	msgs, err := s.store.ThreadMessages(ctx, project.ID, threadKey, 0)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, types.NotFoundf("thread %q has no messages in project %s", threadKey, project.Slug)
	}

	summary := summarizeMessages(threadKey, msgs)
	s.refineSummary(ctx, summary, msgs)
	return summary, nil
}

// summarizeMessages is the pure heuristic pass.
func summarizeMessages(threadKey string, msgs []*types.Message) *ThreadSummary {
	out := &ThreadSummary{
		ThreadKey:    threadKey,
		MessageCount: len(msgs),
		Mentions:     map[string]int{},
	}

	participants := map[string]bool{}
	var keyPoints, actionItems, codeRefs []string
	seenRef := map[string]bool{}

	for _, m := range msgs {
		if m.SenderName != "" {
			participants[m.SenderName] = true
		}
		for _, line := range strings.Split(m.BodyMD, "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			switch {
			case checkboxDone.MatchString(line):
				out.DoneCount++
				keyPoints = append(keyPoints, checkboxDone.FindStringSubmatch(line)[1])
			case checkboxOpen.MatchString(line):
				out.OpenCount++
				item := checkboxOpen.FindStringSubmatch(line)[1]
				actionItems = append(actionItems, item)
				keyPoints = append(keyPoints, item)
			case bulletPattern.MatchString(line):
				point := bulletPattern.FindStringSubmatch(line)[1]
				keyPoints = append(keyPoints, point)
				if hasActionKeyword(point) {
					actionItems = append(actionItems, point)
				}
			default:
				if hasActionKeyword(line) {
					actionItems = append(actionItems, line)
				}
			}
		}
		for _, m2 := range mentionPattern.FindAllStringSubmatch(m.BodyMD, -1) {
			out.Mentions[m2[1]]++
		}
		for _, m2 := range codeRefPattern.FindAllStringSubmatch(m.BodyMD, -1) {
			ref := m2[1]
			if !looksLikeCodeRef(ref) || seenRef[ref] {
				continue
			}
			seenRef[ref] = true
			codeRefs = append(codeRefs, ref)
		}
	}

	out.Participants = sortedKeys(participants)
	out.KeyPoints = truncate(dedupe(keyPoints), maxKeyPoints)
	out.ActionItems = truncate(dedupe(actionItems), maxActionItems)
	out.CodeRefs = truncate(codeRefs, maxCodeRefs)
	out.Mentions = topMentions(out.Mentions, maxMentions)

	first := msgs[0].CreatedTS
	last := msgs[len(msgs)-1].CreatedTS
	out.FirstTS = &first
	out.LastTS = &last

	out.Summary = fmt.Sprintf("%d message(s) between %s", len(msgs), strings.Join(out.Participants, ", "))
	return out
}

// refineSummary asks the LLM to improve the heuristic fields. Any failure
// or unparseable output leaves the heuristic result untouched.
func (s *Service) refineSummary(ctx context.Context, summary *ThreadSummary, msgs []*types.Message) {
	if s.llm == nil || !s.settings.LLMEnabled {
		return
	}
	var b strings.Builder
	for _, m := range msgs {
		fmt.Fprintf(&b, "From: %s\nSubject: %s\n\n%s\n\n---\n\n", m.SenderName, m.Subject, m.BodyMD)
	}
	refined, err := s.llm.RefineSummary(ctx, b.String(), map[string]any{
		"summary":      summary.Summary,
		"key_points":   summary.KeyPoints,
		"action_items": summary.ActionItems,
	})
	if err != nil {
		s.log.Debug("summary refinement skipped", "thread", summary.ThreadKey, "error", err)
		return
	}
	if v, ok := refined["summary"].(string); ok && v != "" {
		summary.Summary = v
		summary.LLMRefined = true
	}
	if v := stringSlice(refined["key_points"]); len(v) > 0 {
		summary.KeyPoints = truncate(v, maxKeyPoints)
		summary.LLMRefined = true
	}
	if v := stringSlice(refined["action_items"]); len(v) > 0 {
		summary.ActionItems = truncate(v, maxActionItems)
		summary.LLMRefined = true
	}
}

// MultiThreadDigest is the summarize_threads payload.
type MultiThreadDigest struct {
	Threads  []*ThreadSummary `json:"threads"`
	Mentions map[string]int   `json:"mentions,omitempty"`
	Digest   string           `json:"digest,omitempty"`
}

// SummarizeThreads aggregates per-thread summaries and merges mention
// counts; with the LLM enabled it also produces a consolidated digest from
// the union of key points.
func (s *Service) SummarizeThreads(ctx context.Context, projectKey string, threadKeys []string) (*MultiThreadDigest, error) {
	if len(threadKeys) == 0 {
		return nil, types.Invalidf("at least one thread key is required")
	}
	out := &MultiThreadDigest{Mentions: map[string]int{}}
	for _, key := range threadKeys {
		summary, err := s.SummarizeThread(ctx, projectKey, key)
		if err != nil {
			if te, ok := types.AsToolError(err); ok && te.Kind == types.ErrNotFound {
				continue
			}
			return nil, err
		}
		out.Threads = append(out.Threads, summary)
		for who, n := range summary.Mentions {
			out.Mentions[who] += n
		}
	}
	if len(out.Threads) == 0 {
		return nil, types.NotFoundf("none of the %d thread keys matched", len(threadKeys))
	}

	if s.llm != nil && s.settings.LLMEnabled {
		var points []string
		for _, t := range out.Threads {
			points = append(points, t.KeyPoints...)
		}
		prompt := fmt.Sprintf("Write a 2-3 sentence digest of these coordination notes:\n- %s",
			strings.Join(truncate(dedupe(points), 30), "\n- "))
		if digest, err := s.llm.Complete(ctx, prompt); err == nil {
			out.Digest = strings.TrimSpace(digest)
		} else {
			s.log.Debug("multi-thread digest skipped", "error", err)
		}
	}
	return out, nil
}

func hasActionKeyword(line string) bool {
	upper := strings.ToUpper(line)
	for _, kw := range actionKeywords {
		if strings.Contains(upper, kw) {
			return true
		}
	}
	return false
}

// looksLikeCodeRef keeps backtick spans that plausibly name files or
// symbols: anything with a path separator or a known source extension.
func looksLikeCodeRef(ref string) bool {
	if strings.Contains(ref, "/") {
		return true
	}
	for _, ext := range codeRefHintExts {
		if strings.HasSuffix(ref, ext) {
			return true
		}
	}
	return false
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func dedupe(items []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" || seen[item] {
			continue
		}
		seen[item] = true
		out = append(out, item)
	}
	return out
}

func truncate(items []string, n int) []string {
	if len(items) > n {
		return items[:n]
	}
	return items
}

// topMentions keeps the n highest-count mentions, ties broken by name.
func topMentions(counts map[string]int, n int) map[string]int {
	if len(counts) <= n {
		return counts
	}
	type pair struct {
		name  string
		count int
	}
	pairs := make([]pair, 0, len(counts))
	for name, count := range counts {
		pairs = append(pairs, pair{name, count})
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].count != pairs[j].count {
			return pairs[i].count > pairs[j].count
		}
		return pairs[i].name < pairs[j].name
	})
	out := make(map[string]int, n)
	for _, p := range pairs[:n] {
		out[p.name] = p.count
	}
	return out
}

func stringSlice(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, item := range items {
		if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}
