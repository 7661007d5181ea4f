package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/tashih-io/tashih/internal/model"
)

// ErrActiveJobExists is returned by ClaimJob when the submission already has
// a job in a non-terminal state.
var ErrActiveJobExists = errors.New("submission already has an active job")

// ClaimJob creates a new queued job for the submission, failing if any job
// for it is still active. The conditional insert is a single statement, so
// two concurrent claims cannot both succeed.
func (s *Store) ClaimJob(submissionID int64, maxRetries int) (model.ProcessingJob, error) {
	taskID := uuid.NewString()
	res, err := s.db.Exec(
		`INSERT INTO processing_jobs (submission_id, task_id, status, max_retries, created_at)
		 SELECT ?, ?, ?, ?, ?
		 WHERE NOT EXISTS (
		   SELECT 1 FROM processing_jobs
		   WHERE submission_id = ? AND status IN ('queued', 'processing', 'retrying')
		 )`,
		submissionID, taskID, model.JobQueued, maxRetries, time.Now(), submissionID,
	)
	if err != nil {
		return model.ProcessingJob{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return model.ProcessingJob{}, err
	}
	if n == 0 {
		return model.ProcessingJob{}, ErrActiveJobExists
	}
	id, err := res.LastInsertId()
	if err != nil {
		return model.ProcessingJob{}, err
	}
	return s.GetJob(id)
}

// GetJob returns a job by ID.
func (s *Store) GetJob(id int64) (model.ProcessingJob, error) {
	return s.scanJob(s.db.QueryRow(
		`SELECT id, submission_id, task_id, status, retry_count, max_retries, error_detail, started_at, completed_at, created_at
		 FROM processing_jobs WHERE id = ?`, id,
	))
}

// ActiveJob returns the submission's single active job, or nil if none.
func (s *Store) ActiveJob(submissionID int64) (*model.ProcessingJob, error) {
	job, err := s.scanJob(s.db.QueryRow(
		`SELECT id, submission_id, task_id, status, retry_count, max_retries, error_detail, started_at, completed_at, created_at
		 FROM processing_jobs
		 WHERE submission_id = ? AND status IN ('queued', 'processing', 'retrying')`, submissionID,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// ListJobs returns all jobs for a submission, newest first. Superseded jobs
// are retained for audit, so this is the submission's full processing history.
func (s *Store) ListJobs(submissionID int64) ([]model.ProcessingJob, error) {
	rows, err := s.db.Query(
		`SELECT id, submission_id, task_id, status, retry_count, max_retries, error_detail, started_at, completed_at, created_at
		 FROM processing_jobs WHERE submission_id = ? ORDER BY id DESC`, submissionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var jobs []model.ProcessingJob
	for rows.Next() {
		var j model.ProcessingJob
		if err := rows.Scan(&j.ID, &j.SubmissionID, &j.TaskID, &j.Status, &j.RetryCount, &j.MaxRetries,
			&j.ErrorDetail, &j.StartedAt, &j.CompletedAt, &j.CreatedAt); err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// MarkJobProcessing transitions a job to processing and records the start time.
// It refuses to resurrect a job that was cancelled in the meantime: the
// returned bool is false when no transition happened.
func (s *Store) MarkJobProcessing(id int64) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE processing_jobs SET status = ?, started_at = ?
		 WHERE id = ? AND status IN ('queued', 'retrying')`,
		model.JobProcessing, time.Now(), id,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkJobRetrying moves a failed attempt into the retrying state and bumps
// the retry counter.
func (s *Store) MarkJobRetrying(id int64, errDetail string) error {
	_, err := s.db.Exec(
		`UPDATE processing_jobs SET status = ?, retry_count = retry_count + 1, error_detail = ?
		 WHERE id = ? AND status = 'processing'`,
		model.JobRetrying, errDetail, id,
	)
	return err
}

// FinishJob writes a terminal state. Cancelled jobs keep their cancelled
// status; a worker racing a cancellation must not overwrite it.
func (s *Store) FinishJob(id int64, status model.JobStatus, errDetail string) error {
	_, err := s.db.Exec(
		`UPDATE processing_jobs SET status = ?, error_detail = ?, completed_at = ?
		 WHERE id = ? AND status != 'cancelled'`,
		status, errDetail, time.Now(), id,
	)
	return err
}

// CancelActiveJobs cancels every non-terminal job for the submission and
// returns the number of jobs cancelled.
func (s *Store) CancelActiveJobs(submissionID int64) (int64, error) {
	res, err := s.db.Exec(
		`UPDATE processing_jobs SET status = ?, completed_at = ?
		 WHERE submission_id = ? AND status IN ('queued', 'processing', 'retrying')`,
		model.JobCancelled, time.Now(), submissionID,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PendingJobs returns jobs that should be (re-)dispatched after a restart.
func (s *Store) PendingJobs() ([]model.ProcessingJob, error) {
	rows, err := s.db.Query(
		`SELECT id, submission_id, task_id, status, retry_count, max_retries, error_detail, started_at, completed_at, created_at
		 FROM processing_jobs WHERE status IN ('queued', 'retrying') ORDER BY id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var jobs []model.ProcessingJob
	for rows.Next() {
		var j model.ProcessingJob
		if err := rows.Scan(&j.ID, &j.SubmissionID, &j.TaskID, &j.Status, &j.RetryCount, &j.MaxRetries,
			&j.ErrorDetail, &j.StartedAt, &j.CompletedAt, &j.CreatedAt); err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *Store) scanJob(row *sql.Row) (model.ProcessingJob, error) {
	var j model.ProcessingJob
	err := row.Scan(&j.ID, &j.SubmissionID, &j.TaskID, &j.Status, &j.RetryCount, &j.MaxRetries,
		&j.ErrorDetail, &j.StartedAt, &j.CompletedAt, &j.CreatedAt)
	return j, err
}
