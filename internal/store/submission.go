package store

import (
	"time"

	"github.com/tashih-io/tashih/internal/model"
)

// CreateSubmission stores a new submission in pending state.
// The UNIQUE(exam_id, student_id) constraint rejects a second submission
// for the same (exam, student) pair.
func (s *Store) CreateSubmission(sub model.Submission) (int64, error) {
	if sub.Status == "" {
		sub.Status = model.SubmissionPending
	}
	if sub.PageCount == 0 {
		sub.PageCount = 1
	}
	res, err := s.db.Exec(
		`INSERT INTO submissions (exam_id, student_id, scan_path, scan_mode, page_count, status, submitted_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sub.ExamID, sub.StudentID, sub.ScanPath, sub.ScanMode, sub.PageCount, sub.Status, time.Now(),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetSubmission returns a submission by ID.
func (s *Store) GetSubmission(id int64) (model.Submission, error) {
	var sub model.Submission
	err := s.db.QueryRow(
		`SELECT id, exam_id, student_id, scan_path, scan_mode, page_count, status, submitted_at, processed_at
		 FROM submissions WHERE id = ?`, id,
	).Scan(&sub.ID, &sub.ExamID, &sub.StudentID, &sub.ScanPath, &sub.ScanMode, &sub.PageCount,
		&sub.Status, &sub.SubmittedAt, &sub.ProcessedAt)
	return sub, err
}

// UpdateSubmissionStatus updates the submission status. Terminal states also
// record the processing timestamp.
func (s *Store) UpdateSubmissionStatus(id int64, status model.SubmissionStatus) error {
	if status == model.SubmissionCompleted || status == model.SubmissionFailed {
		_, err := s.db.Exec(
			`UPDATE submissions SET status = ?, processed_at = ? WHERE id = ?`, status, time.Now(), id)
		return err
	}
	_, err := s.db.Exec(`UPDATE submissions SET status = ? WHERE id = ?`, status, id)
	return err
}

// SaveRecognition persists one OCR run's output in a single transaction:
// the per-page recognition results, the extracted answers, and the
// submission's completed status. Prior results for the submission are
// replaced so a reprocessed run never leaves stale rows behind.
func (s *Store) SaveRecognition(submissionID int64, pages []model.RecognitionResult, answers []model.ExtractedAnswer) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM extracted_answers WHERE submission_id = ?`, submissionID); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM recognition_results WHERE submission_id = ?`, submissionID); err != nil {
		return err
	}

	now := time.Now()
	pageIDs := make([]int64, len(pages))
	for i, p := range pages {
		res, err := tx.Exec(
			`INSERT INTO recognition_results (submission_id, engine, raw_text, normalized_text, confidence, detected_language, page_number, token_data, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			submissionID, p.Engine, p.RawText, p.NormalizedText, p.Confidence, p.DetectedLanguage, p.PageNumber, p.TokenData, now,
		)
		if err != nil {
			return err
		}
		if pageIDs[i], err = res.LastInsertId(); err != nil {
			return err
		}
	}

	for _, a := range answers {
		recognitionID := a.RecognitionID
		// Answers produced in this run reference pages by index, not ID.
		if recognitionID == nil && len(pageIDs) > 0 {
			recognitionID = &pageIDs[0]
		}
		if _, err := tx.Exec(
			`INSERT INTO extracted_answers (submission_id, question_id, text, option_id, recognition_id, ocr_confidence, method)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			submissionID, a.QuestionID, a.Text, a.OptionID, recognitionID, a.OCRConfidence, a.Method,
		); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(
		`UPDATE submissions SET status = ?, processed_at = ? WHERE id = ?`,
		model.SubmissionCompleted, now, submissionID,
	); err != nil {
		return err
	}

	return tx.Commit()
}

// ListRecognitionResults returns a submission's OCR results in page order.
func (s *Store) ListRecognitionResults(submissionID int64) ([]model.RecognitionResult, error) {
	rows, err := s.db.Query(
		`SELECT id, submission_id, engine, raw_text, normalized_text, confidence, detected_language, page_number, token_data, created_at
		 FROM recognition_results WHERE submission_id = ? ORDER BY page_number`, submissionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var results []model.RecognitionResult
	for rows.Next() {
		var r model.RecognitionResult
		if err := rows.Scan(&r.ID, &r.SubmissionID, &r.Engine, &r.RawText, &r.NormalizedText,
			&r.Confidence, &r.DetectedLanguage, &r.PageNumber, &r.TokenData, &r.CreatedAt); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// ListExtractedAnswers returns a submission's answers ordered by question.
func (s *Store) ListExtractedAnswers(submissionID int64) ([]model.ExtractedAnswer, error) {
	rows, err := s.db.Query(
		`SELECT a.id, a.submission_id, a.question_id, a.text, a.option_id, a.recognition_id,
		        a.ocr_confidence, a.method, a.auto_graded, a.auto_score, a.grading_confidence, a.similarity
		 FROM extracted_answers a
		 JOIN questions q ON q.id = a.question_id
		 WHERE a.submission_id = ? ORDER BY q.ordinal`, submissionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var answers []model.ExtractedAnswer
	for rows.Next() {
		var a model.ExtractedAnswer
		if err := rows.Scan(&a.ID, &a.SubmissionID, &a.QuestionID, &a.Text, &a.OptionID, &a.RecognitionID,
			&a.OCRConfidence, &a.Method, &a.AutoGraded, &a.AutoScore, &a.GradingConfidence, &a.Similarity); err != nil {
			return nil, err
		}
		answers = append(answers, a)
	}
	return answers, rows.Err()
}
