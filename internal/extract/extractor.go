// Package extract maps recognized page text to per-question answers.
package extract

import (
	"sort"
	"strings"

	"github.com/tashih-io/tashih/internal/model"
	"github.com/tashih-io/tashih/internal/textproc"
)

// Answers attributes recognized text to exam questions.
//
// Full-page mode joins all pages, splits the text on question markers, and
// maps segments to questions by number; a question whose number never
// appears falls back to positional matching against the detected segments.
// Per-question mode pairs page i with question i and stops at whichever
// runs out first.
func Answers(pages []model.RecognitionResult, questions []model.Question, options map[int64][]model.QuestionOption, mode model.ScanMode) []model.ExtractedAnswer {
	if len(pages) == 0 || len(questions) == 0 {
		return nil
	}
	if mode == model.ScanPerQuestion {
		return perQuestion(pages, questions, options)
	}
	return fullPage(pages, questions, options)
}

func fullPage(pages []model.RecognitionResult, questions []model.Question, options map[int64][]model.QuestionOption) []model.ExtractedAnswer {
	var (
		parts   []string
		confSum float64
	)
	for _, p := range pages {
		text := p.NormalizedText
		if text == "" {
			text = p.RawText
		}
		parts = append(parts, text)
		confSum += p.Confidence
	}
	confidence := confSum / float64(len(pages))
	segments := textproc.SplitByQuestions(strings.Join(parts, "\n"))

	// Detected question numbers in order, for positional fallback when a
	// question's own number was misread or missing.
	numbers := make([]int, 0, len(segments))
	for n := range segments {
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)

	var out []model.ExtractedAnswer
	for _, q := range questions {
		text := segments[q.Ordinal]
		if text == "" && q.Ordinal >= 1 && q.Ordinal <= len(numbers) {
			text = segments[numbers[q.Ordinal-1]]
		}
		out = append(out, answer(q, text, confidence, "pattern_match", options))
	}
	return out
}

func perQuestion(pages []model.RecognitionResult, questions []model.Question, options map[int64][]model.QuestionOption) []model.ExtractedAnswer {
	var out []model.ExtractedAnswer
	for i, p := range pages {
		if i >= len(questions) {
			break
		}
		text := p.NormalizedText
		if text == "" {
			text = p.RawText
		}
		out = append(out, answer(questions[i], text, p.Confidence, "per_question_scan", options))
	}
	return out
}

func answer(q model.Question, text string, confidence float64, method string, options map[int64][]model.QuestionOption) model.ExtractedAnswer {
	a := model.ExtractedAnswer{
		QuestionID:    q.ID,
		Text:          text,
		OCRConfidence: confidence,
		Method:        method,
	}
	if q.Type == model.MultipleChoice {
		a.OptionID = detectSelection(text, options[q.ID])
	}
	return a
}

// detectSelection maps a detected choice letter to the option at the same
// position. Letters beyond the option count mean the mark was misread, so
// no selection is recorded.
func detectSelection(text string, opts []model.QuestionOption) *int64 {
	if text == "" || len(opts) == 0 {
		return nil
	}
	letter, ok := textproc.DetectChoice(text)
	if !ok {
		return nil
	}
	idx := textproc.ChoiceIndex(letter)
	if idx < 0 || idx >= len(opts) {
		return nil
	}
	id := opts[idx].ID
	return &id
}
