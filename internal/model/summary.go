package model

// GradingResult is the outcome of one grading pass over a submission.
type GradingResult struct {
	SubmissionID      int64   `json:"submission_id"`
	TotalScore        float64 `json:"total_score"`
	MaxScore          float64 `json:"max_score"`
	Percentage        float64 `json:"percentage"`
	GradedCount       int     `json:"graded_count"`
	ReviewItemCount   int     `json:"review_item_count"`
	HighPriorityCount int     `json:"high_priority_count"`
}

// AnswerBreakdown is one row of the per-answer grading summary.
type AnswerBreakdown struct {
	QuestionID        int64        `json:"question_id"`
	Ordinal           int          `json:"ordinal"`
	QuestionType      QuestionType `json:"question_type"`
	Score             *float64     `json:"score,omitempty"`
	MaxPoints         float64      `json:"max_points"`
	OCRConfidence     float64      `json:"ocr_confidence"`
	GradingConfidence *float64     `json:"grading_confidence,omitempty"`
	Similarity        *float64     `json:"similarity,omitempty"`
	AdjustedScore     *float64     `json:"adjusted_score,omitempty"`
}

// GradingSummary is the full grading view of one submission: the grade,
// the per-answer breakdown, and the open review queue.
type GradingSummary struct {
	Grade       *Grade            `json:"grade,omitempty"`
	Answers     []AnswerBreakdown `json:"answers"`
	ReviewQueue []ReviewItem      `json:"review_queue"`
	Adjustments []GradeAdjustment `json:"adjustments,omitempty"`
}
