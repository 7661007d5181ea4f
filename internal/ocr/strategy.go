package ocr

import (
	"context"
	"strings"

	"github.com/tashih-io/tashih/internal/model"
)

// Strategy names a recognition approach tuned to a kind of exam content.
type Strategy string

const (
	StrategyGeneralText  Strategy = "general_text"
	StrategyHandwriting  Strategy = "handwriting"
	StrategyMathFormulas Strategy = "math_formulas"
	StrategyMixedContent Strategy = "mixed_content"
	StrategyArabicText   Strategy = "arabic_text"
	StrategyEnglishText  Strategy = "english_text"
)

// SelectForExam picks a strategy from exam metadata. Formula content wins
// over language, language wins over subject heuristics, and handwriting is
// the fallback since scanned papers are handwritten more often than not.
func SelectForExam(exam model.Exam) Strategy {
	subject := strings.ToLower(exam.SubjectType)
	if strings.Contains(subject, "math") {
		return StrategyMathFormulas
	}
	if exam.HasFormulas {
		return StrategyMathFormulas
	}
	switch exam.PrimaryLanguage {
	case "ar":
		return StrategyArabicText
	case "en":
		return StrategyEnglishText
	}
	switch {
	case strings.Contains(subject, "arabic"):
		return StrategyArabicText
	case strings.Contains(subject, "english"):
		return StrategyEnglishText
	case strings.Contains(subject, "science"),
		strings.Contains(subject, "physic"),
		strings.Contains(subject, "chemistry"):
		return StrategyMixedContent
	}
	return StrategyHandwriting
}

// SelectForQuestion picks a strategy for one question. Question-level OCR
// metadata overrides the exam-level choice; pass nil metadata to fall
// through to SelectForExam.
func SelectForQuestion(exam model.Exam, meta *model.OCRMetadata) Strategy {
	if meta != nil {
		if meta.HasFormulas {
			return StrategyMathFormulas
		}
		switch meta.Language {
		case "ar":
			return StrategyArabicText
		case "en":
			return StrategyEnglishText
		case "mixed":
			return StrategyMixedContent
		}
		subject := strings.ToLower(meta.SubjectType)
		if strings.Contains(subject, "math") {
			return StrategyMathFormulas
		}
		if strings.Contains(subject, "arabic") {
			return StrategyArabicText
		}
	}
	return SelectForExam(exam)
}

// LanguageHints returns the provider language hints for an exam, with
// optional question metadata taking precedence.
func LanguageHints(exam model.Exam, meta *model.OCRMetadata) []string {
	if meta != nil && meta.Language != "" {
		if meta.Language == "mixed" {
			return []string{"ar", "en"}
		}
		return []string{meta.Language}
	}
	switch exam.PrimaryLanguage {
	case "mixed":
		return []string{"ar", "en"}
	case "ar":
		return []string{"ar"}
	case "en":
		return []string{"en"}
	}
	return []string{"en"}
}

// Execute runs one recognition pass using the given strategy. Language
// strategies force their language into the hints so a stale exam-level hint
// cannot undermine a question-level override.
func Execute(ctx context.Context, r Recognizer, strategy Strategy, imagePath string, hints []string) (Result, error) {
	mode := ModeDocument
	switch strategy {
	case StrategyGeneralText:
		mode = ModeText
	case StrategyArabicText:
		hints = forceHint(hints, "ar")
	case StrategyEnglishText:
		hints = forceHint(hints, "en")
	case StrategyMixedContent:
		hints = []string{"ar", "en"}
	}
	return r.Recognize(ctx, imagePath, mode, hints)
}

func forceHint(hints []string, lang string) []string {
	for _, h := range hints {
		if h == lang {
			return hints
		}
	}
	return []string{lang}
}
