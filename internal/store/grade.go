package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/tashih-io/tashih/internal/model"
)

// ErrGradeFinalized is returned when an operation would modify a finalized grade.
var ErrGradeFinalized = errors.New("grade is finalized")

// GradingPass is the complete output of one grading run over a submission.
// SaveGradingPass writes it atomically so callers never observe a grade
// without its answers or review items.
type GradingPass struct {
	SubmissionID int64
	Answers      []model.ExtractedAnswer
	Grade        model.Grade
	ReviewItems  []model.ReviewItem
}

// SaveGradingPass persists a grading run in a single transaction: per-answer
// grading fields, the upserted grade, and the rebuilt review queue. Existing
// review items for the submission are replaced, which makes grading the same
// unchanged submission twice yield the same rows.
func (s *Store) SaveGradingPass(p GradingPass) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var finalized bool
	err = tx.QueryRow(`SELECT finalized FROM grades WHERE submission_id = ?`, p.SubmissionID).Scan(&finalized)
	if err != nil && err != sql.ErrNoRows {
		return err
	}
	if finalized {
		return ErrGradeFinalized
	}

	for _, a := range p.Answers {
		if _, err := tx.Exec(
			`UPDATE extracted_answers SET auto_graded = ?, auto_score = ?, grading_confidence = ?, similarity = ?
			 WHERE id = ?`,
			a.AutoGraded, a.AutoScore, a.GradingConfidence, a.Similarity, a.ID,
		); err != nil {
			return err
		}
	}

	now := time.Now()
	if _, err := tx.Exec(
		`INSERT INTO grades (submission_id, total_score, max_score, percentage, finalized, auto_graded_at)
		 VALUES (?, ?, ?, ?, 0, ?)
		 ON CONFLICT(submission_id) DO UPDATE SET
		   total_score = ?, max_score = ?, percentage = ?, finalized = 0, auto_graded_at = ?`,
		p.SubmissionID, p.Grade.TotalScore, p.Grade.MaxScore, p.Grade.Percentage, now,
		p.Grade.TotalScore, p.Grade.MaxScore, p.Grade.Percentage, now,
	); err != nil {
		return err
	}

	if _, err := tx.Exec(`DELETE FROM review_items WHERE submission_id = ?`, p.SubmissionID); err != nil {
		return err
	}
	for _, r := range p.ReviewItems {
		if _, err := tx.Exec(
			`INSERT INTO review_items (submission_id, question_id, answer_id, reason, priority, status, notes, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			p.SubmissionID, r.QuestionID, r.AnswerID, r.Reason, r.Priority, model.ReviewPending, r.Notes, now,
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetGrade returns the grade for a submission, or nil if not yet graded.
func (s *Store) GetGrade(submissionID int64) (*model.Grade, error) {
	var g model.Grade
	err := s.db.QueryRow(
		`SELECT id, submission_id, total_score, max_score, percentage, finalized, auto_graded_at, finalized_at, notes
		 FROM grades WHERE submission_id = ?`, submissionID,
	).Scan(&g.ID, &g.SubmissionID, &g.TotalScore, &g.MaxScore, &g.Percentage, &g.Finalized,
		&g.AutoGradedAt, &g.FinalizedAt, &g.Notes)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// UpdateGradeTotals rewrites the aggregate columns after a manual adjustment.
func (s *Store) UpdateGradeTotals(gradeID int64, total, percentage float64) error {
	_, err := s.db.Exec(
		`UPDATE grades SET total_score = ?, percentage = ? WHERE id = ? AND finalized = 0`,
		total, percentage, gradeID,
	)
	return err
}

// FinalizeGrade locks a grade against automatic recomputation. Finalizing an
// already-finalized grade returns ErrGradeFinalized.
func (s *Store) FinalizeGrade(submissionID int64) error {
	res, err := s.db.Exec(
		`UPDATE grades SET finalized = 1, finalized_at = ? WHERE submission_id = ? AND finalized = 0`,
		time.Now(), submissionID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Either no grade exists or it is already finalized.
		grade, err := s.GetGrade(submissionID)
		if err != nil {
			return err
		}
		if grade == nil {
			return sql.ErrNoRows
		}
		return ErrGradeFinalized
	}
	return nil
}

// ReopenGrade clears the finalized flag. This is the explicit external
// action that re-enables automatic recomputation.
func (s *Store) ReopenGrade(submissionID int64) error {
	_, err := s.db.Exec(
		`UPDATE grades SET finalized = 0, finalized_at = NULL WHERE submission_id = ?`, submissionID)
	return err
}

// ResetGrading removes the grade, adjustments, and review items for a
// submission and clears all grading fields on its answers, in one
// transaction. This is the first half of a regrade replay.
func (s *Store) ResetGrading(submissionID int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`DELETE FROM grade_adjustments WHERE grade_id IN (SELECT id FROM grades WHERE submission_id = ?)`,
		submissionID,
	); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM grades WHERE submission_id = ?`, submissionID); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM review_items WHERE submission_id = ?`, submissionID); err != nil {
		return err
	}
	if _, err := tx.Exec(
		`UPDATE extracted_answers SET auto_graded = 0, auto_score = NULL, grading_confidence = NULL, similarity = NULL
		 WHERE submission_id = ?`,
		submissionID,
	); err != nil {
		return err
	}

	return tx.Commit()
}

// ListReviewItems returns a submission's review queue, high priority first.
func (s *Store) ListReviewItems(submissionID int64) ([]model.ReviewItem, error) {
	rows, err := s.db.Query(
		`SELECT id, submission_id, question_id, answer_id, reason, priority, status, notes, reviewed_at, created_at
		 FROM review_items WHERE submission_id = ?
		 ORDER BY CASE priority WHEN 'high' THEN 0 ELSE 1 END, id`, submissionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []model.ReviewItem
	for rows.Next() {
		var r model.ReviewItem
		if err := rows.Scan(&r.ID, &r.SubmissionID, &r.QuestionID, &r.AnswerID, &r.Reason, &r.Priority,
			&r.Status, &r.Notes, &r.ReviewedAt, &r.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, r)
	}
	return items, rows.Err()
}

// ResolveReviewItem moves a review item to a new resolution status.
func (s *Store) ResolveReviewItem(id int64, status model.ReviewStatus, note string) error {
	var reviewedAt any
	if status == model.ReviewApproved || status == model.ReviewRejected {
		reviewedAt = time.Now()
	}
	_, err := s.db.Exec(
		`UPDATE review_items SET status = ?, notes = CASE WHEN ? = '' THEN notes ELSE ? END, reviewed_at = ?
		 WHERE id = ?`,
		status, note, note, reviewedAt, id,
	)
	return err
}

// AppendReviewNote adds text to a review item's notes.
func (s *Store) AppendReviewNote(id int64, note string) error {
	_, err := s.db.Exec(
		`UPDATE review_items SET notes = CASE WHEN notes = '' THEN ? ELSE notes || char(10) || ? END WHERE id = ?`,
		note, note, id,
	)
	return err
}

// InsertAdjustment appends a manual adjustment row. Earlier adjustments for
// the same question are kept as the audit trail; callers resolve
// last-write-wins through LatestAdjustments.
func (s *Store) InsertAdjustment(a model.GradeAdjustment) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO grade_adjustments (grade_id, question_id, original_score, adjusted_score, reason, adjusted_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		a.GradeID, a.QuestionID, a.OriginalScore, a.AdjustedScore, a.Reason, time.Now(),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListAdjustments returns the full adjustment audit trail for a grade,
// oldest first.
func (s *Store) ListAdjustments(gradeID int64) ([]model.GradeAdjustment, error) {
	rows, err := s.db.Query(
		`SELECT id, grade_id, question_id, original_score, adjusted_score, reason, adjusted_at
		 FROM grade_adjustments WHERE grade_id = ? ORDER BY id`, gradeID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var adjustments []model.GradeAdjustment
	for rows.Next() {
		var a model.GradeAdjustment
		if err := rows.Scan(&a.ID, &a.GradeID, &a.QuestionID, &a.OriginalScore, &a.AdjustedScore, &a.Reason, &a.AdjustedAt); err != nil {
			return nil, err
		}
		adjustments = append(adjustments, a)
	}
	return adjustments, rows.Err()
}

// LatestAdjustments returns the effective adjustment per question for a grade.
func (s *Store) LatestAdjustments(gradeID int64) (map[int64]model.GradeAdjustment, error) {
	all, err := s.ListAdjustments(gradeID)
	if err != nil {
		return nil, err
	}
	latest := make(map[int64]model.GradeAdjustment, len(all))
	for _, a := range all {
		latest[a.QuestionID] = a // rows are ordered oldest first
	}
	return latest, nil
}
