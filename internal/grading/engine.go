package grading

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/tashih-io/tashih/internal/model"
	"github.com/tashih-io/tashih/internal/store"
	"github.com/tashih-io/tashih/internal/textproc"
)

// ErrMissingAnswerKey indicates a question has no answer key. The condition
// is permanent: retrying cannot fix it, only authoring a key can.
var ErrMissingAnswerKey = errors.New("no answer key for question")

// ErrNoAnswers indicates the submission has not been through extraction yet.
var ErrNoAnswers = errors.New("submission has no extracted answers")

// Analyzer produces an optional second opinion on a flagged answer. The
// returned note is attached to the review item.
type Analyzer interface {
	AnalyzeAnswer(ctx context.Context, question model.Question, key model.AnswerKey, answerText string) (string, error)
}

// Engine grades submissions against their answer keys.
type Engine struct {
	store    *store.Store
	cfg      Config
	analyzer Analyzer
	logger   *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithAnalyzer attaches an AI analyzer that annotates high-priority review
// items. Grading never depends on it; analyzer failures are logged and
// ignored.
func WithAnalyzer(a Analyzer) Option {
	return func(e *Engine) { e.analyzer = a }
}

// NewEngine creates a grading engine. The answer keys it reads are the only
// shared state between concurrent grading runs, and they are read-only here.
func NewEngine(st *store.Store, cfg Config, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{store: st, cfg: cfg, logger: logger}
	for _, o := range opts {
		o(e)
	}
	return e
}

// answerScore is the grading outcome for a single answer.
type answerScore struct {
	score      float64
	maxPoints  float64
	confidence float64
	similarity *float64 // open-ended only
}

// GradeSubmission grades every extracted answer of a submission, builds the
// review queue, and persists the grade in one transaction. One answer's
// failure does not abort the batch: it becomes a high-priority review item
// with a grading_error reason and the rest keep grading.
func (e *Engine) GradeSubmission(ctx context.Context, submissionID int64) (model.GradingResult, error) {
	sub, err := e.store.GetSubmission(submissionID)
	if err != nil {
		return model.GradingResult{}, fmt.Errorf("load submission %d: %w", submissionID, err)
	}
	if existing, err := e.store.GetGrade(submissionID); err != nil {
		return model.GradingResult{}, err
	} else if existing != nil && existing.Finalized {
		return model.GradingResult{}, store.ErrGradeFinalized
	}
	exam, err := e.store.GetExam(sub.ExamID)
	if err != nil {
		return model.GradingResult{}, fmt.Errorf("load exam %d: %w", sub.ExamID, err)
	}
	answers, err := e.store.ListExtractedAnswers(submissionID)
	if err != nil {
		return model.GradingResult{}, err
	}
	if len(answers) == 0 {
		return model.GradingResult{}, fmt.Errorf("submission %d: %w", submissionID, ErrNoAnswers)
	}
	questions, err := e.questionsByID(sub.ExamID)
	if err != nil {
		return model.GradingResult{}, err
	}

	var (
		total, max    float64
		gradedCount   int
		highPriority  int
		reviewItems   []model.ReviewItem
		gradedAnswers []model.ExtractedAnswer
	)
	for _, a := range answers {
		if err := ctx.Err(); err != nil {
			return model.GradingResult{}, err
		}
		q := questions[a.QuestionID]
		res, err := e.gradeAnswer(a, exam.PrimaryLanguage)
		if err != nil {
			e.logger.Warn("answer grading failed",
				"submission_id", submissionID, "question_id", a.QuestionID, "err", err)
			reviewItems = append(reviewItems, model.ReviewItem{
				SubmissionID: submissionID,
				QuestionID:   a.QuestionID,
				AnswerID:     a.ID,
				Reason:       model.ReasonGradingError,
				Priority:     model.PriorityHigh,
				Status:       model.ReviewPending,
				Notes:        fmt.Sprintf("grading failed: %v", err),
			})
			highPriority++
			continue
		}

		total += res.score
		max += res.maxPoints
		gradedCount++

		a.AutoGraded = true
		score := res.score
		conf := res.confidence
		a.AutoScore = &score
		a.GradingConfidence = &conf
		a.Similarity = res.similarity
		gradedAnswers = append(gradedAnswers, a)

		if item := Triage(e.cfg, a, q, res.confidence); item != nil {
			reviewItems = append(reviewItems, *item)
			if item.Priority == model.PriorityHigh {
				highPriority++
			}
		}
	}

	grade := model.Grade{
		SubmissionID: submissionID,
		TotalScore:   round2(total),
		MaxScore:     round2(max),
		Percentage:   percentage(total, max),
	}
	if err := e.store.SaveGradingPass(store.GradingPass{
		SubmissionID: submissionID,
		Answers:      gradedAnswers,
		Grade:        grade,
		ReviewItems:  reviewItems,
	}); err != nil {
		return model.GradingResult{}, fmt.Errorf("save grading pass: %w", err)
	}

	e.annotateReviews(ctx, submissionID, questions)

	e.logger.Info("submission graded",
		"submission_id", submissionID,
		"total", grade.TotalScore,
		"max", grade.MaxScore,
		"review_items", len(reviewItems),
		"high_priority", highPriority,
	)
	return model.GradingResult{
		SubmissionID:      submissionID,
		TotalScore:        grade.TotalScore,
		MaxScore:          grade.MaxScore,
		Percentage:        grade.Percentage,
		GradedCount:       gradedCount,
		ReviewItemCount:   len(reviewItems),
		HighPriorityCount: highPriority,
	}, nil
}

// RegradeSubmission replays grading from scratch: the existing grade,
// adjustments, and review queue are deleted, answers reset to ungraded, and
// a fresh pass runs. Replaying an unchanged submission yields an identical
// grade and review queue.
func (e *Engine) RegradeSubmission(ctx context.Context, submissionID int64) (model.GradingResult, error) {
	if existing, err := e.store.GetGrade(submissionID); err != nil {
		return model.GradingResult{}, err
	} else if existing != nil && existing.Finalized {
		return model.GradingResult{}, store.ErrGradeFinalized
	}
	if err := e.store.ResetGrading(submissionID); err != nil {
		return model.GradingResult{}, fmt.Errorf("reset grading: %w", err)
	}
	return e.GradeSubmission(ctx, submissionID)
}

// gradeAnswer grades one answer against its key. The key is looked up
// per answer so a missing key fails only that answer.
func (e *Engine) gradeAnswer(a model.ExtractedAnswer, language string) (answerScore, error) {
	key, err := e.store.GetAnswerKey(a.QuestionID)
	if err == sql.ErrNoRows {
		return answerScore{}, fmt.Errorf("question %d: %w", a.QuestionID, ErrMissingAnswerKey)
	}
	if err != nil {
		return answerScore{}, err
	}

	if key.Type == model.MultipleChoice {
		return gradeMultipleChoice(a, key)
	}
	return gradeOpenEnded(a, key, language, e.cfg), nil
}

func gradeMultipleChoice(a model.ExtractedAnswer, key model.AnswerKey) (answerScore, error) {
	correctID, err := strconv.ParseInt(key.CorrectAnswer, 10, 64)
	if err != nil {
		return answerScore{}, fmt.Errorf("answer key for question %d: invalid option id %q", key.QuestionID, key.CorrectAnswer)
	}
	// No detected selection grades as incorrect with zero confidence, so
	// triage picks it up. A detected selection is unambiguous either way.
	if a.OptionID == nil {
		return answerScore{maxPoints: key.Points, confidence: 0.0}, nil
	}
	res := answerScore{maxPoints: key.Points, confidence: 1.0}
	if *a.OptionID == correctID {
		res.score = key.Points
	}
	return res, nil
}

func gradeOpenEnded(a model.ExtractedAnswer, key model.AnswerKey, language string, cfg Config) answerScore {
	var matchRatio float64
	if len(key.Keywords) > 0 {
		matchRatio = MatchKeywords(a.Text, key.Keywords, language, cfg).Ratio
	} else {
		matchRatio = Ratio(
			textproc.NormalizeForMatch(a.Text, language),
			textproc.NormalizeForMatch(key.CorrectAnswer, language),
		)
	}
	scoreRatio, confidence := CalculateScore(matchRatio, key.Strictness)
	similarity := matchRatio
	return answerScore{
		score:      Score(scoreRatio, key.Points),
		maxPoints:  key.Points,
		confidence: confidence,
		similarity: &similarity,
	}
}

// annotateReviews asks the optional analyzer for a second opinion on every
// high-priority review item and appends the result to the item's notes.
func (e *Engine) annotateReviews(ctx context.Context, submissionID int64, questions map[int64]model.Question) {
	if e.analyzer == nil {
		return
	}
	items, err := e.store.ListReviewItems(submissionID)
	if err != nil {
		e.logger.Warn("list review items for analysis", "submission_id", submissionID, "err", err)
		return
	}
	answers, err := e.store.ListExtractedAnswers(submissionID)
	if err != nil {
		e.logger.Warn("list answers for analysis", "submission_id", submissionID, "err", err)
		return
	}
	answerText := make(map[int64]string, len(answers))
	for _, a := range answers {
		answerText[a.ID] = a.Text
	}
	for _, item := range items {
		if item.Priority != model.PriorityHigh {
			continue
		}
		key, err := e.store.GetAnswerKey(item.QuestionID)
		if err != nil {
			continue
		}
		note, err := e.analyzer.AnalyzeAnswer(ctx, questions[item.QuestionID], key, answerText[item.AnswerID])
		if err != nil {
			e.logger.Warn("answer analysis failed", "review_item", item.ID, "err", err)
			continue
		}
		if err := e.store.AppendReviewNote(item.ID, note); err != nil {
			e.logger.Warn("append analysis note", "review_item", item.ID, "err", err)
		}
	}
}

func (e *Engine) questionsByID(examID int64) (map[int64]model.Question, error) {
	questions, err := e.store.ListQuestions(examID)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]model.Question, len(questions))
	for _, q := range questions {
		byID[q.ID] = q
	}
	return byID, nil
}

func percentage(total, max float64) float64 {
	if max <= 0 {
		return 0
	}
	return round2(total / max * 100)
}
