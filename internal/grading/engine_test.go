package grading

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/tashih-io/tashih/internal/model"
	"github.com/tashih-io/tashih/internal/store"
)

// fixture is a graded-exam test bed: one multiple choice question (four
// options, Africa correct) worth 2 points and one open-ended question worth
// 5 points with keywords nile/africa/longest.
type fixture struct {
	store     *store.Store
	examID    int64
	subID     int64
	mcID      int64
	openID    int64
	correctID int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	f := &fixture{store: s}
	f.examID, err = s.CreateExam(model.Exam{
		Title: "Geography Final", SubjectType: "geography", PrimaryLanguage: "en", TotalPoints: 7,
	})
	if err != nil {
		t.Fatalf("CreateExam: %v", err)
	}

	f.mcID, err = s.InsertQuestion(model.Question{
		ExamID: f.examID, Text: "Which continent is Egypt in?",
		Type: model.MultipleChoice, Points: 2, Ordinal: 1,
	})
	if err != nil {
		t.Fatalf("InsertQuestion: %v", err)
	}
	for i, text := range []string{"Asia", "Africa", "Europe", "Australia"} {
		id, err := s.InsertOption(model.QuestionOption{QuestionID: f.mcID, Text: text, Ordinal: i + 1})
		if err != nil {
			t.Fatalf("InsertOption: %v", err)
		}
		if text == "Africa" {
			f.correctID = id
		}
	}
	if _, err := s.UpsertAnswerKey(model.AnswerKey{
		ExamID: f.examID, QuestionID: f.mcID,
		CorrectAnswer: strconv.FormatInt(f.correctID, 10),
		Type:          model.MultipleChoice, Points: 2, Strictness: model.StrictnessNormal,
	}); err != nil {
		t.Fatalf("UpsertAnswerKey: %v", err)
	}

	f.openID, err = s.InsertQuestion(model.Question{
		ExamID: f.examID, Text: "Name the longest river in Africa.",
		Type: model.OpenEnded, Points: 5, Ordinal: 2,
	})
	if err != nil {
		t.Fatalf("InsertQuestion: %v", err)
	}
	if _, err := s.UpsertAnswerKey(model.AnswerKey{
		ExamID: f.examID, QuestionID: f.openID,
		CorrectAnswer: "The Nile is the longest river in Africa",
		Type:          model.OpenEnded, Points: 5, Strictness: model.StrictnessNormal,
		Keywords: []string{"nile", "africa", "longest"},
	}); err != nil {
		t.Fatalf("UpsertAnswerKey: %v", err)
	}

	f.subID, err = s.CreateSubmission(model.Submission{
		ExamID: f.examID, StudentID: 1, ScanPath: "/scans/1.png", ScanMode: model.ScanFullPage,
	})
	if err != nil {
		t.Fatalf("CreateSubmission: %v", err)
	}
	return f
}

// saveAnswers stores extraction output for the fixture submission: the MC
// selection (nil for none) and the open-ended text, both at the given OCR
// confidence.
func (f *fixture) saveAnswers(t *testing.T, optionID *int64, openText string, confidence float64) {
	t.Helper()
	pages := []model.RecognitionResult{{
		Engine: "google_vision", RawText: openText, NormalizedText: openText,
		Confidence: confidence, PageNumber: 1,
	}}
	answers := []model.ExtractedAnswer{
		{QuestionID: f.mcID, Text: "(B)", OptionID: optionID, OCRConfidence: confidence, Method: "pattern_match"},
		{QuestionID: f.openID, Text: openText, OCRConfidence: confidence, Method: "pattern_match"},
	}
	if err := f.store.SaveRecognition(f.subID, pages, answers); err != nil {
		t.Fatalf("SaveRecognition: %v", err)
	}
}

func newTestEngine(s *store.Store) *Engine {
	return NewEngine(s, DefaultConfig(), slog.Default())
}

func TestGradeSubmissionFullMarks(t *testing.T) {
	f := newFixture(t)
	f.saveAnswers(t, &f.correctID, "The Nile in Africa is the longest river", 0.95)

	result, err := newTestEngine(f.store).GradeSubmission(context.Background(), f.subID)
	if err != nil {
		t.Fatalf("GradeSubmission: %v", err)
	}
	if result.TotalScore != 7 || result.MaxScore != 7 || result.Percentage != 100 {
		t.Errorf("unexpected totals: %+v", result)
	}
	if result.GradedCount != 2 || result.ReviewItemCount != 0 {
		t.Errorf("expected 2 graded, 0 flagged: %+v", result)
	}

	answers, err := f.store.ListExtractedAnswers(f.subID)
	if err != nil {
		t.Fatalf("ListExtractedAnswers: %v", err)
	}
	mc := answers[0]
	if !mc.AutoGraded || mc.AutoScore == nil || *mc.AutoScore != 2 {
		t.Errorf("MC answer not graded to full points: %+v", mc)
	}
	if mc.GradingConfidence == nil || *mc.GradingConfidence != 1.0 {
		t.Errorf("detected MC selection must grade with confidence 1.0: %+v", mc)
	}
	if mc.Similarity != nil {
		t.Errorf("MC answers have no similarity: %+v", mc)
	}
	open := answers[1]
	if open.Similarity == nil || *open.Similarity != 1.0 {
		t.Errorf("open answer similarity: %+v", open)
	}
}

func TestGradeSubmissionWrongChoice(t *testing.T) {
	f := newFixture(t)
	wrong := f.correctID + 1 // the Europe option
	f.saveAnswers(t, &wrong, "The Nile in Africa is the longest river", 0.95)

	result, err := newTestEngine(f.store).GradeSubmission(context.Background(), f.subID)
	if err != nil {
		t.Fatalf("GradeSubmission: %v", err)
	}
	if result.TotalScore != 5 {
		t.Errorf("expected 5 (open only), got %v", result.TotalScore)
	}
	// The selection was legible, so the zero score is confident and needs
	// no review.
	if result.ReviewItemCount != 0 {
		t.Errorf("confident wrong answer must not be flagged: %+v", result)
	}
}

func TestGradeSubmissionNoSelection(t *testing.T) {
	f := newFixture(t)
	f.saveAnswers(t, nil, "The Nile in Africa is the longest river", 0.95)

	result, err := newTestEngine(f.store).GradeSubmission(context.Background(), f.subID)
	if err != nil {
		t.Fatalf("GradeSubmission: %v", err)
	}
	if result.TotalScore != 5 {
		t.Errorf("expected 5, got %v", result.TotalScore)
	}

	// An absent selection grades zero with zero confidence and lands in the
	// review queue.
	items, err := f.store.ListReviewItems(f.subID)
	if err != nil {
		t.Fatalf("ListReviewItems: %v", err)
	}
	if len(items) != 1 || items[0].Reason != model.ReasonLowGradingConfidence {
		t.Fatalf("expected one low_grading_confidence item, got %+v", items)
	}
	if items[0].QuestionID != f.mcID {
		t.Errorf("flagged wrong question: %+v", items[0])
	}
}

func TestGradeSubmissionPartialCredit(t *testing.T) {
	f := newFixture(t)
	// Two of three keywords: ratio 0.667 lands in the 0.75 band of the
	// normal curve.
	f.saveAnswers(t, &f.correctID, "The Nile is the longest river", 0.95)

	result, err := newTestEngine(f.store).GradeSubmission(context.Background(), f.subID)
	if err != nil {
		t.Fatalf("GradeSubmission: %v", err)
	}
	wantOpen := 3.75 // 0.75 * 5
	if math.Abs(result.TotalScore-(2+wantOpen)) > 1e-9 {
		t.Errorf("TotalScore = %v, want %v", result.TotalScore, 2+wantOpen)
	}
	if math.Abs(result.Percentage-round2((2+wantOpen)/7*100)) > 1e-9 {
		t.Errorf("Percentage = %v", result.Percentage)
	}
}

func TestGradeSubmissionLowOCR(t *testing.T) {
	f := newFixture(t)
	f.saveAnswers(t, &f.correctID, "The Nile in Africa is the longest river", 0.55)

	result, err := newTestEngine(f.store).GradeSubmission(context.Background(), f.subID)
	if err != nil {
		t.Fatalf("GradeSubmission: %v", err)
	}
	if result.ReviewItemCount != 2 || result.HighPriorityCount != 2 {
		t.Fatalf("both answers must be flagged high for low OCR: %+v", result)
	}
	items, err := f.store.ListReviewItems(f.subID)
	if err != nil {
		t.Fatalf("ListReviewItems: %v", err)
	}
	for _, item := range items {
		if item.Reason != model.ReasonLowOCRConfidence || item.Priority != model.PriorityHigh {
			t.Errorf("expected high/low_ocr_confidence, got %+v", item)
		}
	}
}

func TestGradeSubmissionMissingKeyIsolated(t *testing.T) {
	f := newFixture(t)
	f.saveAnswers(t, &f.correctID, "The Nile in Africa is the longest river", 0.95)

	// Orphan the open-ended question.
	extraID, err := f.store.InsertQuestion(model.Question{
		ExamID: f.examID, Text: "Describe the delta.", Type: model.OpenEnded, Points: 3, Ordinal: 3,
	})
	if err != nil {
		t.Fatalf("InsertQuestion: %v", err)
	}
	pages, _ := f.store.ListRecognitionResults(f.subID)
	answers, _ := f.store.ListExtractedAnswers(f.subID)
	answers = append(answers, model.ExtractedAnswer{
		QuestionID: extraID, Text: "some delta text", OCRConfidence: 0.95, Method: "pattern_match",
	})
	if err := f.store.SaveRecognition(f.subID, pages, answers); err != nil {
		t.Fatalf("SaveRecognition: %v", err)
	}

	result, err := newTestEngine(f.store).GradeSubmission(context.Background(), f.subID)
	if err != nil {
		t.Fatalf("GradeSubmission must not fail for one bad answer: %v", err)
	}
	// The two keyed questions still grade; the orphan becomes a
	// grading_error item and contributes nothing to the totals.
	if result.GradedCount != 2 || result.TotalScore != 7 || result.MaxScore != 7 {
		t.Errorf("unexpected result: %+v", result)
	}
	items, err := f.store.ListReviewItems(f.subID)
	if err != nil {
		t.Fatalf("ListReviewItems: %v", err)
	}
	if len(items) != 1 || items[0].Reason != model.ReasonGradingError || items[0].Priority != model.PriorityHigh {
		t.Fatalf("expected one high grading_error item, got %+v", items)
	}
}

func TestRegradeIdempotent(t *testing.T) {
	f := newFixture(t)
	f.saveAnswers(t, &f.correctID, "The Nile is the longest river", 0.95)

	engine := newTestEngine(f.store)
	first, err := engine.GradeSubmission(context.Background(), f.subID)
	if err != nil {
		t.Fatalf("GradeSubmission: %v", err)
	}
	second, err := engine.RegradeSubmission(context.Background(), f.subID)
	if err != nil {
		t.Fatalf("RegradeSubmission: %v", err)
	}
	if first != second {
		t.Errorf("regrade of unchanged submission differs:\nfirst  %+v\nsecond %+v", first, second)
	}

	// Review items are replaced, not duplicated.
	items, err := f.store.ListReviewItems(f.subID)
	if err != nil {
		t.Fatalf("ListReviewItems: %v", err)
	}
	if len(items) != first.ReviewItemCount {
		t.Errorf("review queue grew across regrade: %d items, want %d", len(items), first.ReviewItemCount)
	}
}

func TestGradeSubmissionFinalizedRefused(t *testing.T) {
	f := newFixture(t)
	f.saveAnswers(t, &f.correctID, "The Nile in Africa is the longest river", 0.95)

	engine := newTestEngine(f.store)
	if _, err := engine.GradeSubmission(context.Background(), f.subID); err != nil {
		t.Fatalf("GradeSubmission: %v", err)
	}
	if err := f.store.FinalizeGrade(f.subID); err != nil {
		t.Fatalf("FinalizeGrade: %v", err)
	}

	if _, err := engine.GradeSubmission(context.Background(), f.subID); !errors.Is(err, store.ErrGradeFinalized) {
		t.Errorf("expected ErrGradeFinalized from grade, got %v", err)
	}
	if _, err := engine.RegradeSubmission(context.Background(), f.subID); !errors.Is(err, store.ErrGradeFinalized) {
		t.Errorf("expected ErrGradeFinalized from regrade, got %v", err)
	}
}

func TestGradeSubmissionNoAnswers(t *testing.T) {
	f := newFixture(t)
	if _, err := newTestEngine(f.store).GradeSubmission(context.Background(), f.subID); !errors.Is(err, ErrNoAnswers) {
		t.Errorf("expected ErrNoAnswers, got %v", err)
	}
}
