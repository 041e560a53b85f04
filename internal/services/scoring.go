package services

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/lioratech/bloom/internal/config"
	"github.com/lioratech/bloom/internal/models"
)

// Feature names reported by the audio analysis backends.
const (
	FeatureSpeechRateWPS = "speech_rate_wps"
	FeaturePauseRatio    = "pause_ratio"
)

// Heuristic flags derived from audio features.
const (
	FlagSlowReader    = "slow_reader"
	FlagHyperactivity = "hyperactivity"
	FlagHighPause     = "high_pause"
)

// riskLabels are classifier labels whose score is the probability of the
// at-risk class; their probability inverts into the 0-100 scale.
var riskLabels = map[string]bool{
	"label_1":  true,
	"1":        true,
	"dyslexia": true,
	"positive": true,
}

// DegradedFeedback is the fixed feedback on items whose analysis failed on
// both backends.
const DegradedFeedback = "analysis unavailable"

// ScoreItem maps a normalized analysis result onto a 0-100 score plus flags.
// It is a pure function: the same analysis and modality always produce the
// same item. A nil analysis yields a degraded item with a nil score.
// Feedback is not filled here; the narrative layer owns it.
func ScoreItem(a *models.AnalysisResult, modality models.Modality, cfg config.Scoring) models.ScoredItem {
	if a == nil {
		return models.ScoredItem{Feedback: DegradedFeedback, Degraded: true}
	}

	item := models.ScoredItem{
		Transcript: a.Transcription,
		Source:     string(a.Source),
	}

	score := baseScore(a.Classification)
	item.ClassificationSummary = summarize(a.Classification)

	switch modality {
	case models.ModalityAudio:
		item.Flags = audioFlags(a, cfg)
		score -= cfg.FlagPenalty * len(item.Flags)
		if score < 0 {
			score = 0
		}
	default:
		// Text flags come verbatim from the backend.
		item.Flags = append([]string(nil), a.Flags...)
	}

	item.Score = &score
	return item
}

// baseScore maps the top classification entry onto [0,100]. Risk labels
// invert (high risk probability means a low score); any other label maps
// its confidence directly.
func baseScore(cls []models.LabelScore) int {
	if len(cls) == 0 {
		return 0
	}
	top := cls[0]
	for _, c := range cls[1:] {
		if c.Score > top.Score {
			top = c
		}
	}
	if riskLabels[strings.ToLower(top.Label)] {
		return int(math.Round((1 - top.Score) * 100))
	}
	return int(math.Round(top.Score * 100))
}

// audioFlags applies the fixed feature thresholds. The flags are independent;
// zero, one, or many may fire. Backend-reported flags are kept and merged.
func audioFlags(a *models.AnalysisResult, cfg config.Scoring) []string {
	seen := map[string]bool{}
	flags := []string{}
	add := func(f string) {
		if f != "" && !seen[f] {
			seen[f] = true
			flags = append(flags, f)
		}
	}
	for _, f := range a.Flags {
		add(f)
	}
	if wps, ok := a.Features[FeatureSpeechRateWPS]; ok {
		if wps < cfg.SlowReaderWPS {
			add(FlagSlowReader)
		}
		if wps > cfg.HyperactivityWPS {
			add(FlagHyperactivity)
		}
	}
	if pr, ok := a.Features[FeaturePauseRatio]; ok && pr > cfg.HighPauseRatio {
		add(FlagHighPause)
	}
	if len(flags) == 0 {
		return nil
	}
	return flags
}

func summarize(cls []models.LabelScore) string {
	if len(cls) == 0 {
		return ""
	}
	sorted := append([]models.LabelScore(nil), cls...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Score > sorted[j].Score })
	parts := make([]string, 0, len(sorted))
	for _, c := range sorted {
		parts = append(parts, fmt.Sprintf("%s (%d%%)", c.Label, int(math.Round(c.Score*100))))
	}
	return strings.Join(parts, ", ")
}

// MeanScore averages the non-degraded item scores. ok is false when every
// item degraded.
func MeanScore(items []models.ScoredItem) (float64, bool) {
	sum, n := 0, 0
	for _, it := range items {
		if it.Score == nil {
			continue
		}
		sum += *it.Score
		n++
	}
	if n == 0 {
		return 0, false
	}
	return float64(sum) / float64(n), true
}

// CategoryFromMean maps a mean score onto the questionnaire category bands.
// Intervals are closed at the lower bound: exactly GoodMin is Good, exactly
// ExcellentMin is Excellent.
func CategoryFromMean(mean float64, cfg config.Scoring) string {
	switch {
	case mean >= cfg.ExcellentMin:
		return models.CategoryExcellent
	case mean >= cfg.GoodMin:
		return models.CategoryGood
	default:
		return models.CategoryNeedsAttention
	}
}

// FallbackFeedback builds the deterministic per-item feedback used when no
// narrative generator is configured or it fails. Never empty.
func FallbackFeedback(item models.ScoredItem, cfg config.Scoring) string {
	if item.Score == nil {
		return DegradedFeedback
	}
	var b strings.Builder
	switch {
	case float64(*item.Score) >= cfg.ExcellentMin:
		b.WriteString("Strong, confident response.")
	case float64(*item.Score) >= cfg.GoodMin:
		b.WriteString("Good response with minor irregularities.")
	default:
		b.WriteString("This response showed signs of difficulty.")
	}
	if len(item.Flags) > 0 {
		b.WriteString(" Observed: ")
		b.WriteString(strings.Join(item.Flags, ", "))
		b.WriteString(".")
	}
	return b.String()
}
