package grading

import (
	"errors"
	"fmt"

	"github.com/tashih-io/tashih/internal/model"
	"github.com/tashih-io/tashih/internal/store"
)

// ErrNotGraded indicates the submission has no grade to adjust or finalize.
var ErrNotGraded = errors.New("submission has not been graded")

// Aggregator applies manual score adjustments and manages grade finality.
type Aggregator struct {
	store *store.Store
}

// NewAggregator creates an aggregator over the given store.
func NewAggregator(st *store.Store) *Aggregator {
	return &Aggregator{store: st}
}

// AddAdjustment records a manual override for one question's score and
// recomputes the grade totals. Adjustments append to the audit trail; the
// latest adjustment per question is the effective score. Finalized grades
// reject adjustments.
func (a *Aggregator) AddAdjustment(submissionID, questionID int64, adjustedScore float64, reason string) (model.GradeAdjustment, error) {
	grade, err := a.store.GetGrade(submissionID)
	if err != nil {
		return model.GradeAdjustment{}, err
	}
	if grade == nil {
		return model.GradeAdjustment{}, fmt.Errorf("submission %d: %w", submissionID, ErrNotGraded)
	}
	if grade.Finalized {
		return model.GradeAdjustment{}, store.ErrGradeFinalized
	}

	answers, err := a.store.ListExtractedAnswers(submissionID)
	if err != nil {
		return model.GradeAdjustment{}, err
	}
	latest, err := a.store.LatestAdjustments(grade.ID)
	if err != nil {
		return model.GradeAdjustment{}, err
	}

	original, found := effectiveScore(answers, latest, questionID)
	if !found {
		return model.GradeAdjustment{}, fmt.Errorf("submission %d has no answer for question %d", submissionID, questionID)
	}

	adj := model.GradeAdjustment{
		GradeID:       grade.ID,
		QuestionID:    questionID,
		OriginalScore: original,
		AdjustedScore: adjustedScore,
		Reason:        reason,
	}
	id, err := a.store.InsertAdjustment(adj)
	if err != nil {
		return model.GradeAdjustment{}, fmt.Errorf("insert adjustment: %w", err)
	}
	adj.ID = id
	latest[questionID] = adj

	total := 0.0
	for _, ans := range answers {
		if s, ok := effectiveScore(answers, latest, ans.QuestionID); ok {
			total += s
		}
	}
	total = round2(total)
	if err := a.store.UpdateGradeTotals(grade.ID, total, percentage(total, grade.MaxScore)); err != nil {
		return model.GradeAdjustment{}, fmt.Errorf("update grade totals: %w", err)
	}
	return adj, nil
}

// Finalize locks the grade. Finalizing twice returns ErrGradeFinalized and
// changes nothing.
func (a *Aggregator) Finalize(submissionID int64) error {
	return a.store.FinalizeGrade(submissionID)
}

// Reopen unlocks a finalized grade so it can be adjusted or regraded.
func (a *Aggregator) Reopen(submissionID int64) error {
	return a.store.ReopenGrade(submissionID)
}

// Summary assembles the full grading view of a submission: the grade, the
// per-answer breakdown in paper order, the review queue, and the adjustment
// audit trail.
func (a *Aggregator) Summary(submissionID int64) (model.GradingSummary, error) {
	sub, err := a.store.GetSubmission(submissionID)
	if err != nil {
		return model.GradingSummary{}, err
	}
	questions, err := a.store.ListQuestions(sub.ExamID)
	if err != nil {
		return model.GradingSummary{}, err
	}
	byID := make(map[int64]model.Question, len(questions))
	for _, q := range questions {
		byID[q.ID] = q
	}
	answers, err := a.store.ListExtractedAnswers(submissionID)
	if err != nil {
		return model.GradingSummary{}, err
	}
	items, err := a.store.ListReviewItems(submissionID)
	if err != nil {
		return model.GradingSummary{}, err
	}

	summary := model.GradingSummary{ReviewQueue: items}
	grade, err := a.store.GetGrade(submissionID)
	if err != nil {
		return model.GradingSummary{}, err
	}
	latest := map[int64]model.GradeAdjustment{}
	if grade != nil {
		summary.Grade = grade
		if summary.Adjustments, err = a.store.ListAdjustments(grade.ID); err != nil {
			return model.GradingSummary{}, err
		}
		if latest, err = a.store.LatestAdjustments(grade.ID); err != nil {
			return model.GradingSummary{}, err
		}
	}

	for _, ans := range answers {
		q := byID[ans.QuestionID]
		row := model.AnswerBreakdown{
			QuestionID:        ans.QuestionID,
			Ordinal:           q.Ordinal,
			QuestionType:      q.Type,
			Score:             ans.AutoScore,
			MaxPoints:         q.Points,
			OCRConfidence:     ans.OCRConfidence,
			GradingConfidence: ans.GradingConfidence,
			Similarity:        ans.Similarity,
		}
		if adj, ok := latest[ans.QuestionID]; ok {
			s := adj.AdjustedScore
			row.AdjustedScore = &s
		}
		summary.Answers = append(summary.Answers, row)
	}
	return summary, nil
}

// effectiveScore resolves a question's current score: the latest adjustment
// wins, otherwise the auto-graded score. The second return is false when the
// question has no answer or it was never graded.
func effectiveScore(answers []model.ExtractedAnswer, latest map[int64]model.GradeAdjustment, questionID int64) (float64, bool) {
	if adj, ok := latest[questionID]; ok {
		return adj.AdjustedScore, true
	}
	for _, a := range answers {
		if a.QuestionID == questionID && a.AutoScore != nil {
			return *a.AutoScore, true
		}
	}
	return 0, false
}
