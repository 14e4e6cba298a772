package summary_test

import (
	"strings"
	"testing"

	"golang.org/x/text/language"

	"evalflow/internal/domain"
	"evalflow/internal/repo"
	"evalflow/internal/summary"
)

func evaluator(id string, weight, threshold float64, calc domain.CalculateType) domain.Evaluator {
	return domain.Evaluator{Metric: domain.Metric{ID: id, Name: id}, Weight: weight, ThresholdValue: threshold, CalculateType: calc}
}

func TestWeightedAggregate(t *testing.T) {
	metrics := []summary.MetricScore{
		summary.ScoreMetric(evaluator("a", 30, 0.5, domain.CalculateMean), []float64{0.8}),
		summary.ScoreMetric(evaluator("b", 70, 0.5, domain.CalculateMean), []float64{0.4}),
	}
	if got := summary.Aggregate(metrics); got != 0.52 {
		t.Fatalf("aggregate = %v, want 0.52", got)
	}
	metrics[1] = summary.ScoreMetric(evaluator("b", 70, 0.5, domain.CalculateMean), nil)
	if got := summary.Aggregate(metrics); got != 0.24 {
		t.Fatalf("aggregate with missing metric = %v, want 0.24", got)
	}
	if got := summary.Aggregate(nil); got != 0 {
		t.Fatalf("empty aggregate = %v", got)
	}
}

func TestScoreMetric(t *testing.T) {
	scores := []float64{0.2, 0.9, 0.6, 1}
	mean := summary.ScoreMetric(evaluator("m", 1, 0.6, domain.CalculateMean), scores)
	if mean.Score != 0.68 || mean.AboveThresholdCount != 3 || mean.ThresholdPassRate != 75 || mean.TotalCount != 4 {
		t.Fatalf("unexpected mean score %+v", mean)
	}
	median := summary.ScoreMetric(evaluator("m", 1, 0.6, domain.CalculateMedian), scores)
	if median.Score != 0.75 {
		t.Fatalf("median = %v, want 0.75", median.Score)
	}
	odd := summary.ScoreMetric(evaluator("m", 1, 0.5, domain.CalculateMedian), []float64{3, 1, 2})
	if odd.Score != 2 {
		t.Fatalf("odd median = %v", odd.Score)
	}
	third := summary.ScoreMetric(evaluator("m", 1, 0.5, ""), []float64{1, 0, 0})
	if third.ThresholdPassRate != 33.33 || third.CalculateType != domain.CalculateMean {
		t.Fatalf("unexpected pass rate %+v", third)
	}
}

func TestDetectLanguage(t *testing.T) {
	cases := []struct {
		texts []string
		want  language.Tag
	}{
		{[]string{"What is the capital of France?", "How do I reset my password?"}, language.English},
		{[]string{"这个问题怎么解决？", "请帮我写一封邮件", "What is this?"}, language.SimplifiedChinese},
		{[]string{"這個問題怎麼解決？", "請幫我寫一封郵件"}, language.TraditionalChinese},
		{[]string{"これはペンですか？"}, language.Japanese},
		{[]string{"안녕하세요, 도와주세요"}, language.Korean},
		{[]string{"Привет, как дела?"}, language.Russian},
		{nil, language.English},
	}
	for _, tc := range cases {
		if got := summary.DetectLanguage(tc.texts); got != tc.want {
			t.Fatalf("DetectLanguage(%q) = %v, want %v", tc.texts, got, tc.want)
		}
	}
	if summary.ToSimplified("們說") != "们说" {
		t.Fatalf("unexpected conversion")
	}
	if got := summary.LanguageName(language.SimplifiedChinese); got != "Simplified Chinese" {
		t.Fatalf("language name = %q", got)
	}
	if summary.ParseLanguage("not a tag!") != language.English {
		t.Fatalf("invalid tags should fall back to English")
	}
}

func rows(scores ...float64) []repo.MetricRow {
	res := make([]repo.MetricRow, len(scores))
	for i, s := range scores {
		res[i] = repo.MetricRow{ItemID: string(rune('a' + i)), UserInput: "input", ActualOutput: "output", Score: s}
	}
	return res
}

func TestBuildPromptTemplates(t *testing.T) {
	perfect, err := summary.BuildPrompt(summary.PromptInput{MetricName: "Accuracy", Perfect: 1, Language: language.English, Rows: rows(1, 1), Total: 2, Above: 2, Budget: 4000})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !strings.Contains(perfect.User, "perfect score") || strings.Contains(perfect.User, "did not reach") || perfect.Shown != 2 {
		t.Fatalf("expected strength template with 2 rows: %+v", perfect)
	}

	problem, err := summary.BuildPrompt(summary.PromptInput{MetricName: "Accuracy", Perfect: 1, Language: language.SimplifiedChinese, Rows: rows(0.1, 0.5, 1), Total: 3, Above: 1, Budget: 4000})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !strings.Contains(problem.User, "did not reach") || problem.Shown != 2 {
		t.Fatalf("expected problem template with only imperfect rows: shown=%d", problem.Shown)
	}
	if !strings.Contains(problem.User, "Simplified Chinese") {
		t.Fatalf("language instruction missing")
	}
}

func TestBuildPromptBudget(t *testing.T) {
	many := rows(0, 0, 0, 0, 0, 0, 0, 0, 0, 0)
	for i := range many {
		many[i].UserInput = strings.Repeat("word ", 100)
	}
	full, err := summary.BuildPrompt(summary.PromptInput{MetricName: "m", Perfect: 1, Rows: many, Budget: 100000})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	limited, err := summary.BuildPrompt(summary.PromptInput{MetricName: "m", Perfect: 1, Rows: many, Budget: 600})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if full.Shown != 10 || limited.Shown == 0 || limited.Shown >= 10 {
		t.Fatalf("budget not applied: full=%d limited=%d", full.Shown, limited.Shown)
	}
	if summary.EstimateTokens(limited.System)+summary.EstimateTokens(limited.User) > 600+limited.Shown {
		t.Fatalf("prompt exceeds budget")
	}
	if _, err := summary.BuildPrompt(summary.PromptInput{MetricName: "m", Perfect: 1, Rows: many, Budget: 10}); err == nil {
		t.Fatalf("expected error when nothing fits")
	}
}

func TestEstimateTokens(t *testing.T) {
	if got := summary.EstimateTokens("abcdefgh"); got != 2 {
		t.Fatalf("latin estimate = %d", got)
	}
	if got := summary.EstimateTokens("你好"); got != 2 {
		t.Fatalf("cjk estimate = %d", got)
	}
}
