package summary

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/language"

	"evalflow/internal/repo"
)

const systemPrompt = `You are an analyst reviewing the results of an automated evaluation of an AI application.
Write a concise report in Markdown for the team that owns the application.`

const strengthTemplate = `Every example below reached the perfect score for the metric "{metric}".
Explain what the application does well on this metric, grounded in the examples, and point out any risk that could make scores drop.`

const problemTemplate = `The examples below did not reach the perfect score for the metric "{metric}" (threshold {threshold}).
They are ordered from the worst result. Identify the recurring problems, explain their likely causes and suggest concrete improvements.`

const reportTemplate = `{instructions}

The metric scored {total} examples, {above} of them at or above the threshold. {shown} examples are included below.
Write the report in {language}.

{examples}`

// EstimateTokens approximates the token count of s: one token per CJK
// character and one per four other characters.
func EstimateTokens(s string) int {
	var cjk, other int
	for _, r := range s {
		if unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Hangul) {
			cjk++
		} else {
			other++
		}
	}
	return cjk + (other+3)/4
}

// AllPerfect reports whether every row reached perfect.
func AllPerfect(rows []repo.MetricRow, perfect float64) bool {
	if len(rows) == 0 {
		return false
	}
	for _, r := range rows {
		if r.Score < perfect {
			return false
		}
	}
	return true
}

func formatRow(r repo.MetricRow) string {
	orNone := func(s string) string {
		if strings.TrimSpace(s) == "" {
			return "(none)"
		}
		return s
	}
	return fmt.Sprintf("**Score**: %g\n**User input**: %s\n**Expected output**: %s\n**Actual output**: %s\n**Reason**: %s",
		r.Score, orNone(r.UserInput), orNone(r.ExpectedOutput), orNone(r.ActualOutput), orNone(r.Reason))
}

type PromptInput struct {
	MetricName string
	Threshold  float64
	Perfect    float64
	Language   language.Tag
	Rows       []repo.MetricRow
	Total      int
	Above      int
	// Budget is the maximum estimated prompt tokens.
	Budget int
}

type Prompt struct {
	System string
	User   string
	Shown  int
}

// BuildPrompt selects the template and greedily adds rows, in order, until
// the token budget is used. When any row is below perfect only those rows are
// considered.
func BuildPrompt(in PromptInput) (Prompt, error) {
	perfect := AllPerfect(in.Rows, in.Perfect)
	instructions := problemTemplate
	rows := in.Rows
	if perfect {
		instructions = strengthTemplate
	} else {
		rows = make([]repo.MetricRow, 0, len(in.Rows))
		for _, r := range in.Rows {
			if r.Score < in.Perfect {
				rows = append(rows, r)
			}
		}
	}
	instructions = strings.NewReplacer("{metric}", in.MetricName, "{threshold}", fmt.Sprintf("%g", in.Threshold)).Replace(instructions)

	render := func(examples []string) string {
		return strings.NewReplacer(
			"{instructions}", instructions,
			"{total}", fmt.Sprint(in.Total),
			"{above}", fmt.Sprint(in.Above),
			"{shown}", fmt.Sprint(len(examples)),
			"{language}", LanguageName(in.Language),
			"{examples}", strings.Join(examples, "\n\n"),
		).Replace(reportTemplate)
	}

	used := EstimateTokens(systemPrompt) + EstimateTokens(render(nil))
	var examples []string
	for _, r := range rows {
		text := formatRow(r)
		cost := EstimateTokens(text) + 1
		if used+cost > in.Budget {
			break
		}
		used += cost
		examples = append(examples, text)
	}
	if len(examples) == 0 {
		return Prompt{}, fmt.Errorf("token budget %d does not fit a single example", in.Budget)
	}
	return Prompt{System: systemPrompt, User: render(examples), Shown: len(examples)}, nil
}
