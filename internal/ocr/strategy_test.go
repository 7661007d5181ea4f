package ocr

import (
	"context"
	"reflect"
	"testing"

	"github.com/tashih-io/tashih/internal/model"
)

func TestSelectForExam(t *testing.T) {
	tests := []struct {
		name string
		exam model.Exam
		want Strategy
	}{
		{"mathematics subject", model.Exam{SubjectType: "mathematics"}, StrategyMathFormulas},
		{"math wins over language", model.Exam{SubjectType: "mathematics", PrimaryLanguage: "ar"}, StrategyMathFormulas},
		{"formulas flag", model.Exam{SubjectType: "physics?", HasFormulas: true}, StrategyMathFormulas},
		{"arabic language", model.Exam{PrimaryLanguage: "ar"}, StrategyArabicText},
		{"english language", model.Exam{PrimaryLanguage: "en"}, StrategyEnglishText},
		{"arabic subject", model.Exam{SubjectType: "Arabic Literature"}, StrategyArabicText},
		{"english subject", model.Exam{SubjectType: "English grammar"}, StrategyEnglishText},
		{"science subject", model.Exam{SubjectType: "science"}, StrategyMixedContent},
		{"chemistry subject", model.Exam{SubjectType: "Chemistry"}, StrategyMixedContent},
		{"default handwriting", model.Exam{SubjectType: "history"}, StrategyHandwriting},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SelectForExam(tt.exam); got != tt.want {
				t.Errorf("SelectForExam(%+v) = %s, want %s", tt.exam, got, tt.want)
			}
		})
	}
}

func TestSelectForQuestionMetadataOverrides(t *testing.T) {
	exam := model.Exam{SubjectType: "history", PrimaryLanguage: "en"}

	tests := []struct {
		name string
		meta *model.OCRMetadata
		want Strategy
	}{
		{"nil metadata falls through", nil, StrategyEnglishText},
		{"formulas win", &model.OCRMetadata{HasFormulas: true, Language: "ar"}, StrategyMathFormulas},
		{"arabic language", &model.OCRMetadata{Language: "ar"}, StrategyArabicText},
		{"mixed language", &model.OCRMetadata{Language: "mixed"}, StrategyMixedContent},
		{"math subject", &model.OCRMetadata{SubjectType: "math drills"}, StrategyMathFormulas},
		{"empty metadata falls through", &model.OCRMetadata{}, StrategyEnglishText},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SelectForQuestion(exam, tt.meta); got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestLanguageHints(t *testing.T) {
	tests := []struct {
		name string
		exam model.Exam
		meta *model.OCRMetadata
		want []string
	}{
		{"mixed exam", model.Exam{PrimaryLanguage: "mixed"}, nil, []string{"ar", "en"}},
		{"arabic exam", model.Exam{PrimaryLanguage: "ar"}, nil, []string{"ar"}},
		{"default english", model.Exam{}, nil, []string{"en"}},
		{"metadata overrides exam", model.Exam{PrimaryLanguage: "en"}, &model.OCRMetadata{Language: "ar"}, []string{"ar"}},
		{"mixed metadata", model.Exam{PrimaryLanguage: "en"}, &model.OCRMetadata{Language: "mixed"}, []string{"ar", "en"}},
		{"empty metadata language ignored", model.Exam{PrimaryLanguage: "ar"}, &model.OCRMetadata{}, []string{"ar"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := LanguageHints(tt.exam, tt.meta); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

// recorderRecognizer captures what Execute asked for.
type recorderRecognizer struct {
	mode  RecognitionMode
	hints []string
}

func (r *recorderRecognizer) Recognize(_ context.Context, _ string, mode RecognitionMode, hints []string) (Result, error) {
	r.mode = mode
	r.hints = hints
	return Result{Text: "ok"}, nil
}

func TestExecute(t *testing.T) {
	tests := []struct {
		name      string
		strategy  Strategy
		hints     []string
		wantMode  RecognitionMode
		wantHints []string
	}{
		{"general text uses sparse model", StrategyGeneralText, []string{"en"}, ModeText, []string{"en"}},
		{"handwriting uses document model", StrategyHandwriting, []string{"en"}, ModeDocument, []string{"en"}},
		{"math uses document model", StrategyMathFormulas, []string{"en"}, ModeDocument, []string{"en"}},
		{"arabic forces hint", StrategyArabicText, []string{"en"}, ModeDocument, []string{"ar"}},
		{"arabic keeps hint when present", StrategyArabicText, []string{"ar", "en"}, ModeDocument, []string{"ar", "en"}},
		{"english forces hint", StrategyEnglishText, []string{"ar"}, ModeDocument, []string{"en"}},
		{"mixed forces both", StrategyMixedContent, []string{"en"}, ModeDocument, []string{"ar", "en"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorderRecognizer{}
			if _, err := Execute(context.Background(), rec, tt.strategy, "page.png", tt.hints); err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if rec.mode != tt.wantMode {
				t.Errorf("mode = %s, want %s", rec.mode, tt.wantMode)
			}
			if !reflect.DeepEqual(rec.hints, tt.wantHints) {
				t.Errorf("hints = %v, want %v", rec.hints, tt.wantHints)
			}
		})
	}
}
