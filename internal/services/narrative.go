package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lioratech/bloom/internal/config"
	"github.com/lioratech/bloom/internal/llm"
	"github.com/lioratech/bloom/internal/models"
)

// Narrative turns scored signals into human-readable text. Every method has
// a deterministic fallback: a missing or failing generator degrades the
// wording, never the session.
type Narrative struct {
	gen     llm.Generator
	timeout time.Duration
	scoring config.Scoring
}

func NewNarrative(gen llm.Generator, timeout time.Duration, scoring config.Scoring) *Narrative {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Narrative{gen: gen, timeout: timeout, scoring: scoring}
}

func (n *Narrative) generate(ctx context.Context, prompt string) (string, bool) {
	if n.gen == nil {
		return "", false
	}
	genCtx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	out, err := n.gen.Generate(genCtx, prompt)
	if err != nil {
		log.Warn().Err(err).Msg("narrative generation failed")
		return "", false
	}
	out = strings.TrimSpace(out)
	return out, out != ""
}

// ItemFeedback produces the per-question feedback sentence.
func (n *Narrative) ItemFeedback(ctx context.Context, questionText string, item models.ScoredItem) string {
	if item.Score == nil {
		return DegradedFeedback
	}
	prompt := fmt.Sprintf(
		"A child answered a language assessment task.\n"+
			"Task: %q\nResponse: %q\nScore: %d/100\nFlags: %s\n"+
			"Write ONE short, encouraging feedback sentence for the parent. Output only the sentence.",
		questionText, item.Transcript, *item.Score, strings.Join(item.Flags, ", "),
	)
	if out, ok := n.generate(ctx, prompt); ok {
		return out
	}
	return FallbackFeedback(item, n.scoring)
}

type aggregateOutput struct {
	Category string `json:"category"`
	Summary  string `json:"summary"`
	Analysis string `json:"analysis"`
}

var questionnaireCategories = map[string]bool{
	models.CategoryExcellent:      true,
	models.CategoryGood:           true,
	models.CategoryNeedsAttention: true,
}

var chatCategories = map[string]bool{
	models.CategoryGood:           true,
	models.CategoryModerate:       true,
	models.CategoryNeedsAttention: true,
}

// Aggregate produces the session-level category, summary and analysis for a
// questionnaire from the full item transcript. The category always falls
// inside the questionnaire bands; when generation fails it is derived from
// the mean score.
func (n *Narrative) Aggregate(ctx context.Context, transcript string, age int, mean float64, allDegraded bool) (category, summary, analysisText string) {
	category = CategoryFromMean(mean, n.scoring)
	if allDegraded {
		category = models.CategoryNeedsAttention
	}
	summary = "Assessment completed."
	analysisText = "Automated summary unavailable; individual scores are recorded."

	prompt := fmt.Sprintf(
		"You are a professional language therapist. Review this full assessment transcript for a %d-year-old child.\n\n%s\n"+
			"Provide a FINAL JSON object with these exact keys:\n"+
			"- 'category': one of ['Excellent', 'Good', 'Needs Attention'] based on overall performance.\n"+
			"- 'summary': a one-line summary of the child's performance.\n"+
			"- 'analysis': a 3-4 sentence professional evaluation citing specific strengths and weaknesses.\n"+
			"Return ONLY the raw JSON.",
		age, transcript,
	)
	raw, ok := n.generate(ctx, prompt)
	if !ok {
		return category, summary, analysisText
	}
	var out aggregateOutput
	if err := json.Unmarshal([]byte(extractJSONObject(raw)), &out); err != nil {
		log.Warn().Err(err).Msg("aggregate narrative JSON did not parse, keeping derived category")
		analysisText = raw
		return category, summary, analysisText
	}
	if questionnaireCategories[out.Category] && !allDegraded {
		category = out.Category
	}
	if out.Summary != "" {
		summary = out.Summary
	}
	if out.Analysis != "" {
		analysisText = out.Analysis
	}
	return category, summary, analysisText
}

// ChatSummary evaluates a completed chat log, optionally framed against the
// subject's prior session outcomes.
func (n *Narrative) ChatSummary(ctx context.Context, turns []models.ChatTurn, prior []*models.SessionSummary) (category, summary, analysisText string) {
	category = models.CategoryModerate
	summary = "We have recorded your responses."
	analysisText = "Assessment complete."

	var convo strings.Builder
	for _, t := range turns {
		fmt.Fprintf(&convo, "%s: %s\n", t.Role, t.Content)
	}
	var trend strings.Builder
	if len(prior) > 0 {
		trend.WriteString("PREVIOUS SESSIONS:\n")
		for _, p := range prior {
			fmt.Fprintf(&trend, "- %s: %s (%s)\n", p.CreatedAt.Format("2006-01-02"), p.Category, p.Summary)
		}
	}

	prompt := fmt.Sprintf(
		"Analyze this mental health screening conversation with a child:\n%s\n%s\n"+
			"Context: the child answered on a Likert scale (Least Likely to Most Likely).\n"+
			"Evaluate the responses for signs of anxiety or depression. If previous sessions are "+
			"listed, compare the current state to them and mention the trend.\n"+
			"Provide a JSON object with:\n"+
			"1. 'category': one of ['Good', 'Moderate', 'Needs Attention']\n"+
			"2. 'summary': a short, encouraging message for the child.\n"+
			"3. 'analysis': a 2-3 sentence professional observation for the parent.\n"+
			"Return ONLY the raw JSON.",
		convo.String(), trend.String(),
	)
	raw, ok := n.generate(ctx, prompt)
	if !ok {
		return category, summary, analysisText
	}
	var out aggregateOutput
	if err := json.Unmarshal([]byte(extractJSONObject(raw)), &out); err != nil {
		log.Warn().Err(err).Msg("chat narrative JSON did not parse, keeping defaults")
		return category, summary, analysisText
	}
	if chatCategories[out.Category] {
		category = out.Category
	}
	if out.Summary != "" {
		summary = out.Summary
	}
	if out.Analysis != "" {
		analysisText = out.Analysis
	}
	return category, summary, analysisText
}

// NextPrompt derives the next bot turn from the conversation so far. The
// generated question is rejected when it is too short or repeats an earlier
// bot turn; the fallback pool then supplies the first unused prompt.
func (n *Narrative) NextPrompt(ctx context.Context, turns []models.ChatTurn) string {
	asked := map[string]bool{}
	var askedList []string
	var convo strings.Builder
	for _, t := range turns {
		fmt.Fprintf(&convo, "%s: %s\n", t.Role, t.Content)
		if t.Role == models.RoleBot {
			asked[t.Content] = true
			askedList = append(askedList, t.Content)
		}
	}

	prompt := fmt.Sprintf(
		"You are an empathetic companion running a mental health screening with a child.\n"+
			"History:\n%s\n"+
			"Ask ONE simple NEW follow-up question based on the last answer. If the topic is "+
			"exhausted, switch to a compatible topic (school, friends, home, sleep).\n"+
			"Rules:\n- Output ONLY the question text.\n- Do not prefix with 'Bot:'.\n"+
			"- Do not repeat any of these previous questions: %s",
		convo.String(), strings.Join(askedList, " | "),
	)
	if raw, ok := n.generate(ctx, prompt); ok {
		q := sanitizePrompt(raw)
		if len(q) >= 5 && !asked[q] {
			return q
		}
	}
	for _, q := range fallbackPrompts {
		if !asked[q] {
			return q
		}
	}
	return "How are you feeling right now?"
}

// fallbackPrompts is the fixed Likert prompt pool used when generation is
// unavailable or produces an unusable question.
var fallbackPrompts = []string{
	"Do you have trouble sleeping at night?",
	"Do you often feel worried about school?",
	"Is it easy for you to make new friends?",
	"Do you sometimes feel sad without a reason?",
	"Do you enjoy playing games with others?",
	"Do you get angry easily?",
	"Do you feel safe at home?",
}

// OpeningPrompt is the fixed first bot turn of every chat session.
const OpeningPrompt = "How often do you feel overwhelmed by your daily tasks?"

func sanitizePrompt(s string) string {
	for _, bad := range []string{"[]", "['", "']", "Bot:", "AI:"} {
		s = strings.ReplaceAll(s, bad, "")
	}
	return strings.TrimSpace(s)
}

// extractJSONObject strips markdown fences and returns the outermost {...}
// block, or the input unchanged when none is found.
func extractJSONObject(s string) string {
	s = stripFences(s)
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}

// extractJSONArray returns the outermost [...] block.
func extractJSONArray(s string) string {
	s = stripFences(s)
	start := strings.Index(s, "[")
	end := strings.LastIndex(s, "]")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, "```"); i >= 0 {
		s = s[i+3:]
		s = strings.TrimPrefix(s, "json")
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
	}
	return strings.TrimSpace(s)
}
