package model

import "time"

// SubmissionStatus represents the processing state of a scanned paper.
type SubmissionStatus string

const (
	SubmissionPending    SubmissionStatus = "pending"
	SubmissionProcessing SubmissionStatus = "processing"
	SubmissionCompleted  SubmissionStatus = "completed"
	SubmissionFailed     SubmissionStatus = "failed"
)

// ScanMode describes how the paper was scanned.
type ScanMode string

const (
	// ScanFullPage is one image per page containing several answers.
	ScanFullPage ScanMode = "full_page"
	// ScanPerQuestion is one image per question, in question order.
	ScanPerQuestion ScanMode = "per_question"
)

// JobStatus represents the state of one asynchronous OCR run.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobRetrying   JobStatus = "retrying"
	JobCancelled  JobStatus = "cancelled"
)

// Active reports whether the job still occupies the submission's single
// active-job slot.
func (s JobStatus) Active() bool {
	return s == JobQueued || s == JobProcessing || s == JobRetrying
}

// Terminal reports whether the job can no longer change state.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// QuestionType distinguishes multiple choice from free-text questions.
type QuestionType string

const (
	MultipleChoice QuestionType = "multiple_choice"
	OpenEnded      QuestionType = "open_ended"
)

// Strictness is a named scoring curve for open-ended answers.
type Strictness string

const (
	StrictnessLenient Strictness = "lenient"
	StrictnessNormal  Strictness = "normal"
	StrictnessStrict  Strictness = "strict"
)

// ReviewReason explains why an answer was flagged for manual review.
type ReviewReason string

const (
	ReasonLowOCRConfidence     ReviewReason = "low_ocr_confidence"
	ReasonLowGradingConfidence ReviewReason = "low_grading_confidence"
	ReasonMediumConfidence     ReviewReason = "medium_confidence"
	ReasonRequiresReview       ReviewReason = "requires_review"
	ReasonGradingError         ReviewReason = "grading_error"
)

// ReviewPriority orders the manual review queue.
type ReviewPriority string

const (
	PriorityHigh ReviewPriority = "high"
	PriorityLow  ReviewPriority = "low"
)

// ReviewStatus is the resolution state of a review item.
type ReviewStatus string

const (
	ReviewPending  ReviewStatus = "pending"
	ReviewInReview ReviewStatus = "in_review"
	ReviewApproved ReviewStatus = "approved"
	ReviewRejected ReviewStatus = "rejected"
)

// Exam holds the metadata the OCR strategy selector works from.
type Exam struct {
	ID              int64   `json:"id"`
	Title           string  `json:"title"`
	SubjectType     string  `json:"subject_type"`     // "mathematics", "arabic", "science", ...
	PrimaryLanguage string  `json:"primary_language"` // "ar", "en", "mixed"
	HasFormulas     bool    `json:"has_formulas"`
	HasDiagrams     bool    `json:"has_diagrams"`
	TotalPoints     float64 `json:"total_points"`
}

// Question is one question on an exam paper.
type Question struct {
	ID             int64        `json:"id"`
	ExamID         int64        `json:"exam_id"`
	Text           string       `json:"text"`
	Type           QuestionType `json:"type"`
	Points         float64      `json:"points"`
	Ordinal        int          `json:"ordinal"` // position on the paper, 1-based
	RequiresReview bool         `json:"requires_review"`
}

// QuestionOption is one choice of a multiple-choice question.
// Ordinal maps to the detected letter: A is the 1st option, B the 2nd, and so on.
type QuestionOption struct {
	ID         int64  `json:"id"`
	QuestionID int64  `json:"question_id"`
	Text       string `json:"text"`
	Ordinal    int    `json:"ordinal"`
}

// OCRMetadata is an optional per-question override for strategy selection.
type OCRMetadata struct {
	QuestionID  int64  `json:"question_id"`
	SubjectType string `json:"subject_type"`
	Language    string `json:"language"` // "ar", "en", "mixed"
	HasFormulas bool   `json:"has_formulas"`
	HasDiagrams bool   `json:"has_diagrams"`
}

// AnswerKey is the authoring-time ground truth for one question.
// For multiple choice CorrectAnswer holds the correct option ID; for
// open-ended questions it holds the reference answer text.
type AnswerKey struct {
	ID            int64        `json:"id"`
	ExamID        int64        `json:"exam_id"`
	QuestionID    int64        `json:"question_id"`
	CorrectAnswer string       `json:"correct_answer"`
	Type          QuestionType `json:"type"`
	Points        float64      `json:"points"`
	Strictness    Strictness   `json:"strictness"`
	Keywords      []string     `json:"keywords,omitempty"`
	Notes         string       `json:"notes,omitempty"`
}

// Submission is one scanned paper for one (exam, student) pair.
type Submission struct {
	ID          int64            `json:"id"`
	ExamID      int64            `json:"exam_id"`
	StudentID   int64            `json:"student_id"`
	ScanPath    string           `json:"scan_path"`
	ScanMode    ScanMode         `json:"scan_mode"`
	PageCount   int              `json:"page_count"`
	Status      SubmissionStatus `json:"status"`
	SubmittedAt time.Time        `json:"submitted_at"`
	ProcessedAt *time.Time       `json:"processed_at,omitempty"`
}

// RecognitionResult is one OCR pass over one page.
// TokenData carries the provider's per-token boxes and confidences as an
// opaque JSON blob; nothing downstream interprets it.
type RecognitionResult struct {
	ID               int64     `json:"id"`
	SubmissionID     int64     `json:"submission_id"`
	Engine           string    `json:"engine"`
	RawText          string    `json:"raw_text"`
	NormalizedText   string    `json:"normalized_text"`
	Confidence       float64   `json:"confidence"`
	DetectedLanguage string    `json:"detected_language"`
	PageNumber       int       `json:"page_number"`
	TokenData        []byte    `json:"-"`
	CreatedAt        time.Time `json:"created_at"`
}

// ExtractedAnswer is the answer attributed to one (submission, question) pair.
type ExtractedAnswer struct {
	ID                int64    `json:"id"`
	SubmissionID      int64    `json:"submission_id"`
	QuestionID        int64    `json:"question_id"`
	Text              string   `json:"text"`
	OptionID          *int64   `json:"option_id,omitempty"` // detected multiple-choice selection
	RecognitionID     *int64   `json:"recognition_id,omitempty"`
	OCRConfidence     float64  `json:"ocr_confidence"`
	Method            string   `json:"method"` // "pattern_match" or "per_question_scan"
	AutoGraded        bool     `json:"auto_graded"`
	AutoScore         *float64 `json:"auto_score,omitempty"`
	GradingConfidence *float64 `json:"grading_confidence,omitempty"`
	Similarity        *float64 `json:"similarity,omitempty"` // open-ended only
}

// ReviewItem flags one extracted answer for manual review.
type ReviewItem struct {
	ID           int64          `json:"id"`
	SubmissionID int64          `json:"submission_id"`
	QuestionID   int64          `json:"question_id"`
	AnswerID     int64          `json:"answer_id"`
	Reason       ReviewReason   `json:"reason"`
	Priority     ReviewPriority `json:"priority"`
	Status       ReviewStatus   `json:"status"`
	Notes        string         `json:"notes,omitempty"`
	ReviewedAt   *time.Time     `json:"reviewed_at,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Grade is the aggregated result for one submission.
type Grade struct {
	ID           int64      `json:"id"`
	SubmissionID int64      `json:"submission_id"`
	TotalScore   float64    `json:"total_score"`
	MaxScore     float64    `json:"max_score"`
	Percentage   float64    `json:"percentage"`
	Finalized    bool       `json:"finalized"`
	AutoGradedAt time.Time  `json:"auto_graded_at"`
	FinalizedAt  *time.Time `json:"finalized_at,omitempty"`
	Notes        string     `json:"notes,omitempty"`
}

// GradeAdjustment is one manual override of an auto-graded score.
// Adjustments are append-only; the latest row per question wins and the
// earlier rows remain as the audit trail.
type GradeAdjustment struct {
	ID            int64     `json:"id"`
	GradeID       int64     `json:"grade_id"`
	QuestionID    int64     `json:"question_id"`
	OriginalScore float64   `json:"original_score"`
	AdjustedScore float64   `json:"adjusted_score"`
	Reason        string    `json:"reason"`
	AdjustedAt    time.Time `json:"adjusted_at"`
}

// ProcessingJob tracks one attempt to run the OCR+extraction pipeline.
type ProcessingJob struct {
	ID           int64      `json:"id"`
	SubmissionID int64      `json:"submission_id"`
	TaskID       string     `json:"task_id"` // opaque handle for external callers
	Status       JobStatus  `json:"status"`
	RetryCount   int        `json:"retry_count"`
	MaxRetries   int        `json:"max_retries"`
	ErrorDetail  string     `json:"error_detail,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}
