package grading

import (
	"fmt"

	"github.com/tashih-io/tashih/internal/model"
)

// Triage decides whether a graded answer needs manual review. Rules are
// evaluated in order and the first match wins:
//
//  1. OCR confidence below the threshold          -> high, low_ocr_confidence
//  2. question flagged requires_review            -> low,  requires_review
//  3. grading confidence below the low bound      -> low,  low_grading_confidence
//  4. grading confidence below the mid bound      -> low,  medium_confidence
//
// A nil result means no review is needed.
func Triage(cfg Config, answer model.ExtractedAnswer, question model.Question, gradingConfidence float64) *model.ReviewItem {
	item := func(reason model.ReviewReason, priority model.ReviewPriority, notes string) *model.ReviewItem {
		return &model.ReviewItem{
			SubmissionID: answer.SubmissionID,
			QuestionID:   answer.QuestionID,
			AnswerID:     answer.ID,
			Reason:       reason,
			Priority:     priority,
			Status:       model.ReviewPending,
			Notes:        notes,
		}
	}

	if answer.OCRConfidence < cfg.OCRConfidenceThreshold {
		return item(model.ReasonLowOCRConfidence, model.PriorityHigh,
			fmt.Sprintf("OCR confidence %.0f%%; manual verification required", answer.OCRConfidence*100))
	}
	if question.RequiresReview {
		return item(model.ReasonRequiresReview, model.PriorityLow,
			"question marked for manual review by its author")
	}
	if gradingConfidence < cfg.GradingConfidenceLow {
		return item(model.ReasonLowGradingConfidence, model.PriorityLow,
			fmt.Sprintf("grading confidence %.0f%%; review suggested", gradingConfidence*100))
	}
	if gradingConfidence < cfg.GradingConfidenceMid {
		return item(model.ReasonMediumConfidence, model.PriorityLow,
			fmt.Sprintf("grading confidence %.0f%%; consider reviewing", gradingConfidence*100))
	}
	return nil
}
