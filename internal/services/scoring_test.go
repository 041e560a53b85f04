package services

import (
	"strings"
	"testing"

	"github.com/lioratech/bloom/internal/config"
	"github.com/lioratech/bloom/internal/models"
)

func testScoring() config.Scoring {
	return config.Default().Scoring
}

func TestScoreItemNilAnalysisDegrades(t *testing.T) {
	item := ScoreItem(nil, models.ModalityText, testScoring())
	if !item.Degraded {
		t.Fatal("expected degraded item")
	}
	if item.Score != nil {
		t.Fatalf("score = %v, want nil", *item.Score)
	}
	if item.Feedback != DegradedFeedback {
		t.Fatalf("feedback = %q", item.Feedback)
	}
}

func TestScoreItemDirectLabel(t *testing.T) {
	a := &models.AnalysisResult{
		Classification: []models.LabelScore{{Label: "label_0", Score: 0.92}},
		Source:         models.SourcePrimary,
	}
	item := ScoreItem(a, models.ModalityText, testScoring())
	if item.Score == nil || *item.Score != 92 {
		t.Fatalf("score = %v, want 92", item.Score)
	}
	if item.Source != "primary" {
		t.Fatalf("source = %q", item.Source)
	}
}

func TestScoreItemRiskLabelInverts(t *testing.T) {
	for _, label := range []string{"label_1", "1", "dyslexia", "positive", "Dyslexia"} {
		a := &models.AnalysisResult{
			Classification: []models.LabelScore{{Label: label, Score: 0.8}},
		}
		item := ScoreItem(a, models.ModalityText, testScoring())
		if item.Score == nil || *item.Score != 20 {
			t.Fatalf("label %q: score = %v, want 20", label, item.Score)
		}
	}
}

func TestScoreItemPicksTopLabel(t *testing.T) {
	a := &models.AnalysisResult{
		Classification: []models.LabelScore{
			{Label: "label_1", Score: 0.3},
			{Label: "label_0", Score: 0.7},
		},
	}
	item := ScoreItem(a, models.ModalityText, testScoring())
	if item.Score == nil || *item.Score != 70 {
		t.Fatalf("score = %v, want 70", item.Score)
	}
	if !strings.HasPrefix(item.ClassificationSummary, "label_0 (70%)") {
		t.Fatalf("summary = %q", item.ClassificationSummary)
	}
}

func TestAudioFlagsAndPenalty(t *testing.T) {
	a := &models.AnalysisResult{
		Classification: []models.LabelScore{{Label: "label_0", Score: 0.9}},
		Features: map[string]float64{
			FeatureSpeechRateWPS: 0.5,
			FeaturePauseRatio:    0.5,
		},
	}
	item := ScoreItem(a, models.ModalityAudio, testScoring())
	if len(item.Flags) != 2 {
		t.Fatalf("flags = %v", item.Flags)
	}
	if item.Flags[0] != FlagSlowReader || item.Flags[1] != FlagHighPause {
		t.Fatalf("flags = %v", item.Flags)
	}
	// 90 minus two 10-point penalties.
	if item.Score == nil || *item.Score != 70 {
		t.Fatalf("score = %v, want 70", item.Score)
	}
}

func TestAudioHyperactivityFlag(t *testing.T) {
	a := &models.AnalysisResult{
		Classification: []models.LabelScore{{Label: "label_0", Score: 0.9}},
		Features:       map[string]float64{FeatureSpeechRateWPS: 3.5},
	}
	item := ScoreItem(a, models.ModalityAudio, testScoring())
	if len(item.Flags) != 1 || item.Flags[0] != FlagHyperactivity {
		t.Fatalf("flags = %v", item.Flags)
	}
}

func TestAudioBackendFlagsMerge(t *testing.T) {
	a := &models.AnalysisResult{
		Classification: []models.LabelScore{{Label: "label_0", Score: 0.9}},
		Flags:          []string{FlagSlowReader, "stutter"},
		Features:       map[string]float64{FeatureSpeechRateWPS: 0.5},
	}
	item := ScoreItem(a, models.ModalityAudio, testScoring())
	// slow_reader appears once even though both the backend and the
	// threshold produced it.
	if len(item.Flags) != 2 {
		t.Fatalf("flags = %v", item.Flags)
	}
}

func TestPenaltyFloorsAtZero(t *testing.T) {
	a := &models.AnalysisResult{
		Classification: []models.LabelScore{{Label: "label_0", Score: 0.1}},
		Features: map[string]float64{
			FeatureSpeechRateWPS: 0.2,
			FeaturePauseRatio:    0.9,
		},
	}
	item := ScoreItem(a, models.ModalityAudio, testScoring())
	if item.Score == nil || *item.Score != 0 {
		t.Fatalf("score = %v, want 0", item.Score)
	}
}

func TestTextFlagsCarryNoPenalty(t *testing.T) {
	a := &models.AnalysisResult{
		Classification: []models.LabelScore{{Label: "label_0", Score: 0.9}},
		Flags:          []string{"spelling"},
	}
	item := ScoreItem(a, models.ModalityText, testScoring())
	if item.Score == nil || *item.Score != 90 {
		t.Fatalf("score = %v, want 90", item.Score)
	}
	if len(item.Flags) != 1 || item.Flags[0] != "spelling" {
		t.Fatalf("flags = %v", item.Flags)
	}
}

func TestMeanScoreSkipsDegraded(t *testing.T) {
	s80, s60 := 80, 60
	items := []models.ScoredItem{
		{Score: &s80},
		{Degraded: true},
		{Score: &s60},
	}
	mean, ok := MeanScore(items)
	if !ok {
		t.Fatal("expected a mean")
	}
	if mean != 70 {
		t.Fatalf("mean = %v, want 70", mean)
	}
}

func TestMeanScoreAllDegraded(t *testing.T) {
	items := []models.ScoredItem{{Degraded: true}, {Degraded: true}}
	if _, ok := MeanScore(items); ok {
		t.Fatal("expected no mean when every item degraded")
	}
}

func TestCategoryBands(t *testing.T) {
	cfg := testScoring()
	cases := []struct {
		mean float64
		want string
	}{
		{100, models.CategoryExcellent},
		{80, models.CategoryExcellent},
		{79.9, models.CategoryGood},
		{60, models.CategoryGood},
		{59.9, models.CategoryNeedsAttention},
		{0, models.CategoryNeedsAttention},
	}
	for _, c := range cases {
		if got := CategoryFromMean(c.mean, cfg); got != c.want {
			t.Fatalf("mean %v: got %q, want %q", c.mean, got, c.want)
		}
	}
}

func TestFallbackFeedback(t *testing.T) {
	cfg := testScoring()
	s90 := 90
	fb := FallbackFeedback(models.ScoredItem{Score: &s90}, cfg)
	if !strings.Contains(fb, "Strong") {
		t.Fatalf("feedback = %q", fb)
	}

	s40 := 40
	fb = FallbackFeedback(models.ScoredItem{Score: &s40, Flags: []string{FlagSlowReader}}, cfg)
	if !strings.Contains(fb, "difficulty") || !strings.Contains(fb, FlagSlowReader) {
		t.Fatalf("feedback = %q", fb)
	}

	if fb := FallbackFeedback(models.ScoredItem{Degraded: true}, cfg); fb != DegradedFeedback {
		t.Fatalf("feedback = %q", fb)
	}
}
