// Package orchestrator runs the OCR pipeline: it claims processing jobs,
// dispatches them to a worker pool, and drives recognition, normalization,
// and answer extraction for each submission.
package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/tashih-io/tashih/internal/extract"
	"github.com/tashih-io/tashih/internal/grading"
	"github.com/tashih-io/tashih/internal/model"
	"github.com/tashih-io/tashih/internal/ocr"
	"github.com/tashih-io/tashih/internal/store"
	"github.com/tashih-io/tashih/internal/textproc"
)

const engineName = "google_vision"

// Config tunes the worker pool and retry policy.
type Config struct {
	Workers       int
	QueueSize     int
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	RatePerSecond float64 // OCR provider request cap
	Burst         int
	AutoGrade     bool // grade immediately after extraction
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Workers:       4,
		QueueSize:     64,
		MaxRetries:    3,
		BaseDelay:     2 * time.Second,
		MaxDelay:      10 * time.Minute,
		RatePerSecond: 5,
		Burst:         5,
		AutoGrade:     true,
	}
}

// ErrClosed is returned when work is submitted after Close. A job already
// claimed in the store stays queued there and restart recovery re-runs it.
var ErrClosed = errors.New("orchestrator closed")

// errPermanent marks failures that retrying cannot fix.
var errPermanent = errors.New("permanent failure")

func permanent(err error) error {
	return fmt.Errorf("%w: %w", errPermanent, err)
}

type task struct {
	jobID        int64
	submissionID int64
}

// Orchestrator owns the worker pool. Create with New, then Start, then
// submit work; Close drains the pool.
type Orchestrator struct {
	store      *store.Store
	recognizer ocr.Recognizer
	engine     *grading.Engine
	cfg        Config
	logger     *slog.Logger
	limiter    *rate.Limiter

	tasks chan task
	group *errgroup.Group
	ctx   context.Context

	// sendMu serializes task sends against Close so a late retry can never
	// write to the closed channel.
	sendMu sync.RWMutex
	closed bool

	mu      sync.Mutex
	cancels map[int64]context.CancelFunc // submission ID -> in-flight cancel
}

// New creates an orchestrator. The grading engine may be nil when AutoGrade
// is off.
func New(st *store.Store, rec ocr.Recognizer, engine *grading.Engine, cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	return &Orchestrator{
		store:      st,
		recognizer: rec,
		engine:     engine,
		cfg:        cfg,
		logger:     logger,
		limiter:    rate.NewLimiter(limit, max(cfg.Burst, 1)),
		tasks:      make(chan task, cfg.QueueSize),
		cancels:    make(map[int64]context.CancelFunc),
	}
}

// Start launches the worker pool and re-dispatches jobs that were queued or
// mid-retry when the previous process stopped.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.group, o.ctx = errgroup.WithContext(ctx)
	for i := 0; i < o.cfg.Workers; i++ {
		o.group.Go(o.worker)
	}

	pending, err := o.store.PendingJobs()
	if err != nil {
		return fmt.Errorf("recover pending jobs: %w", err)
	}
	for _, job := range pending {
		o.logger.Info("re-dispatching job after restart", "job_id", job.ID, "submission_id", job.SubmissionID)
		if err := o.enqueue(ctx, task{jobID: job.ID, submissionID: job.SubmissionID}); err != nil {
			return err
		}
	}
	return nil
}

// Close stops accepting work, drains the queue, and waits for in-flight
// jobs to finish.
func (o *Orchestrator) Close() error {
	o.sendMu.Lock()
	if !o.closed {
		o.closed = true
		close(o.tasks)
	}
	o.sendMu.Unlock()
	return o.group.Wait()
}

// SubmitForProcessing claims the submission's single active-job slot and
// queues the pipeline run. Submitting while a job is already active is
// idempotent: the existing job is returned.
func (o *Orchestrator) SubmitForProcessing(ctx context.Context, submissionID int64) (model.ProcessingJob, error) {
	job, err := o.store.ClaimJob(submissionID, o.cfg.MaxRetries)
	if errors.Is(err, store.ErrActiveJobExists) {
		existing, aerr := o.store.ActiveJob(submissionID)
		if aerr != nil {
			return model.ProcessingJob{}, aerr
		}
		if existing != nil {
			return *existing, nil
		}
		// The active job finished between the claim and the lookup; claim again.
		return o.SubmitForProcessing(ctx, submissionID)
	}
	if err != nil {
		return model.ProcessingJob{}, err
	}
	if err := o.enqueue(ctx, task{jobID: job.ID, submissionID: submissionID}); err != nil {
		return model.ProcessingJob{}, err
	}
	return job, nil
}

// Reprocess cancels any active job for the submission, including one running
// right now, and queues a fresh run. Exactly one active job exists afterward.
func (o *Orchestrator) Reprocess(ctx context.Context, submissionID int64) (model.ProcessingJob, error) {
	if n, err := o.store.CancelActiveJobs(submissionID); err != nil {
		return model.ProcessingJob{}, err
	} else if n > 0 {
		o.logger.Info("cancelled active jobs for reprocess", "submission_id", submissionID, "count", n)
	}
	o.cancelInFlight(submissionID)

	job, err := o.store.ClaimJob(submissionID, o.cfg.MaxRetries)
	if err != nil {
		return model.ProcessingJob{}, err
	}
	if err := o.enqueue(ctx, task{jobID: job.ID, submissionID: submissionID}); err != nil {
		return model.ProcessingJob{}, err
	}
	return job, nil
}

// Cancel stops the submission's active job, both in the store and in flight.
func (o *Orchestrator) Cancel(submissionID int64) (int64, error) {
	n, err := o.store.CancelActiveJobs(submissionID)
	if err != nil {
		return 0, err
	}
	o.cancelInFlight(submissionID)
	return n, nil
}

func (o *Orchestrator) enqueue(ctx context.Context, t task) error {
	o.sendMu.RLock()
	defer o.sendMu.RUnlock()
	if o.closed {
		return ErrClosed
	}
	select {
	case o.tasks <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) cancelInFlight(submissionID int64) {
	o.mu.Lock()
	cancel, ok := o.cancels[submissionID]
	o.mu.Unlock()
	if ok {
		cancel()
	}
}

func (o *Orchestrator) worker() error {
	for {
		select {
		case t, ok := <-o.tasks:
			if !ok {
				return nil
			}
			o.run(t)
		case <-o.ctx.Done():
			return o.ctx.Err()
		}
	}
}

// run executes one job attempt. Failures are classified: permanent ones fail
// the job immediately, transient ones schedule a retry with exponential
// backoff until the retry budget runs out.
func (o *Orchestrator) run(t task) {
	ok, err := o.store.MarkJobProcessing(t.jobID)
	if err != nil {
		o.logger.Error("mark job processing", "job_id", t.jobID, "err", err)
		return
	}
	if !ok {
		// Cancelled or superseded while queued.
		return
	}

	jobCtx, cancel := context.WithCancel(o.ctx)
	o.mu.Lock()
	o.cancels[t.submissionID] = cancel
	o.mu.Unlock()
	defer func() {
		cancel()
		o.mu.Lock()
		delete(o.cancels, t.submissionID)
		o.mu.Unlock()
	}()

	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("pipeline panic", "job_id", t.jobID, "panic", r)
			o.fail(t, fmt.Sprintf("panic: %v", r))
		}
	}()

	err = o.process(jobCtx, t)
	switch {
	case err == nil:
		if err := o.store.FinishJob(t.jobID, model.JobCompleted, ""); err != nil {
			o.logger.Error("finish job", "job_id", t.jobID, "err", err)
		}
		o.logger.Info("job completed", "job_id", t.jobID, "submission_id", t.submissionID)

	case jobCtx.Err() != nil, errors.Is(err, context.Canceled):
		// Cancelled in flight. The store already shows cancelled (or the
		// process is shutting down, in which case the job stays active and
		// restart recovery picks it up).
		o.logger.Info("job interrupted", "job_id", t.jobID, "submission_id", t.submissionID)

	case errors.Is(err, errPermanent):
		o.logger.Warn("job failed permanently", "job_id", t.jobID, "err", err)
		o.fail(t, err.Error())

	default:
		o.retryOrFail(t, err)
	}
}

func (o *Orchestrator) fail(t task, detail string) {
	if err := o.store.FinishJob(t.jobID, model.JobFailed, detail); err != nil {
		o.logger.Error("finish job", "job_id", t.jobID, "err", err)
	}
	if err := o.store.UpdateSubmissionStatus(t.submissionID, model.SubmissionFailed); err != nil {
		o.logger.Error("update submission status", "submission_id", t.submissionID, "err", err)
	}
}

func (o *Orchestrator) retryOrFail(t task, cause error) {
	job, err := o.store.GetJob(t.jobID)
	if err != nil {
		o.logger.Error("load job for retry", "job_id", t.jobID, "err", err)
		return
	}
	if job.RetryCount >= job.MaxRetries {
		o.logger.Warn("retry budget exhausted", "job_id", t.jobID, "retries", job.RetryCount, "err", cause)
		o.fail(t, cause.Error())
		return
	}
	if err := o.store.MarkJobRetrying(t.jobID, cause.Error()); err != nil {
		o.logger.Error("mark job retrying", "job_id", t.jobID, "err", err)
		return
	}
	delay := o.backoff(job.RetryCount)
	o.logger.Info("job scheduled for retry",
		"job_id", t.jobID, "attempt", job.RetryCount+1, "delay", delay, "err", cause)

	go func() {
		select {
		case <-time.After(delay):
		case <-o.ctx.Done():
			return
		}
		// The job may have been cancelled while waiting.
		job, err := o.store.GetJob(t.jobID)
		if err != nil || job.Status != model.JobRetrying {
			return
		}
		if err := o.enqueue(o.ctx, t); err != nil {
			o.logger.Error("requeue job", "job_id", t.jobID, "err", err)
		}
	}()
}

// backoff doubles per attempt, caps at MaxDelay, and jitters within the
// upper half of the window so retrying workers spread out.
func (o *Orchestrator) backoff(attempt int) time.Duration {
	d := o.cfg.BaseDelay << attempt
	if d <= 0 || d > o.cfg.MaxDelay {
		d = o.cfg.MaxDelay
	}
	if d <= time.Millisecond {
		return d
	}
	return d/2 + time.Duration(rand.Int63n(int64(d/2)))
}

// process runs the pipeline for one submission: load, recognize each page,
// normalize, extract answers, persist, and optionally grade. Writes are
// skipped once the job is cancelled.
func (o *Orchestrator) process(ctx context.Context, t task) error {
	sub, err := o.store.GetSubmission(t.submissionID)
	if err == sql.ErrNoRows {
		return permanent(fmt.Errorf("submission %d not found", t.submissionID))
	}
	if err != nil {
		return err
	}
	exam, err := o.store.GetExam(sub.ExamID)
	if err != nil {
		return err
	}
	questions, err := o.store.ListQuestions(sub.ExamID)
	if err != nil {
		return err
	}
	paths, err := scanPages(sub)
	if err != nil {
		return err
	}
	if err := o.store.UpdateSubmissionStatus(t.submissionID, model.SubmissionProcessing); err != nil {
		return err
	}

	pages, err := o.recognizePages(ctx, sub, exam, questions, paths)
	if err != nil {
		return err
	}

	optionsByQ := make(map[int64][]model.QuestionOption)
	for _, q := range questions {
		if q.Type != model.MultipleChoice {
			continue
		}
		opts, err := o.store.ListOptions(q.ID)
		if err != nil {
			return err
		}
		optionsByQ[q.ID] = opts
	}
	answers := extract.Answers(pages, questions, optionsByQ, sub.ScanMode)

	if err := o.checkNotCancelled(ctx, t.jobID); err != nil {
		return err
	}
	if err := o.store.SaveRecognition(t.submissionID, pages, answers); err != nil {
		return fmt.Errorf("save recognition: %w", err)
	}

	if o.cfg.AutoGrade && o.engine != nil {
		if _, err := o.engine.GradeSubmission(ctx, t.submissionID); err != nil {
			// Recognition succeeded; a grading failure must not retry OCR.
			o.logger.Warn("auto-grading failed", "submission_id", t.submissionID, "err", err)
		}
	}
	return nil
}

func (o *Orchestrator) recognizePages(ctx context.Context, sub model.Submission, exam model.Exam, questions []model.Question, paths []string) ([]model.RecognitionResult, error) {
	pages := make([]model.RecognitionResult, 0, len(paths))
	for i, path := range paths {
		strategy, hints, err := o.pageStrategy(exam, questions, sub.ScanMode, i)
		if err != nil {
			return nil, err
		}
		if err := o.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		res, err := ocr.Execute(ctx, o.recognizer, strategy, path, hints)
		if err != nil {
			return nil, fmt.Errorf("recognize page %d: %w", i+1, err)
		}
		language := exam.PrimaryLanguage
		if res.DetectedLanguage != "" {
			language = res.DetectedLanguage
		}
		pages = append(pages, model.RecognitionResult{
			SubmissionID:     sub.ID,
			Engine:           engineName,
			RawText:          res.Text,
			NormalizedText:   textproc.Normalize(res.Text, exam.PrimaryLanguage),
			Confidence:       res.Confidence,
			DetectedLanguage: language,
			PageNumber:       i + 1,
			TokenData:        res.Tokens,
		})
	}
	return pages, nil
}

// pageStrategy picks the recognition strategy for one page. In per-question
// mode page i belongs to question i, so that question's OCR metadata
// overrides the exam-level choice.
func (o *Orchestrator) pageStrategy(exam model.Exam, questions []model.Question, mode model.ScanMode, page int) (ocr.Strategy, []string, error) {
	var meta *model.OCRMetadata
	if mode == model.ScanPerQuestion && page < len(questions) {
		m, err := o.store.GetOCRMetadata(questions[page].ID)
		if err != nil {
			return "", nil, err
		}
		meta = m
	}
	return ocr.SelectForQuestion(exam, meta), ocr.LanguageHints(exam, meta), nil
}

// checkNotCancelled consults the store before a write. Cancellation is
// cooperative: the running attempt polls at stage boundaries so a cancelled
// job never commits results.
func (o *Orchestrator) checkNotCancelled(ctx context.Context, jobID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	job, err := o.store.GetJob(jobID)
	if err != nil {
		return err
	}
	if job.Status == model.JobCancelled {
		return context.Canceled
	}
	return nil
}

// scanPages resolves the submission's scan path into page image paths. A
// directory holds one image per page, sorted by name; a plain file is a
// single page. A missing path is permanent.
func scanPages(sub model.Submission) ([]string, error) {
	info, err := os.Stat(sub.ScanPath)
	if os.IsNotExist(err) {
		return nil, permanent(fmt.Errorf("scan file missing: %s", sub.ScanPath))
	}
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{sub.ScanPath}, nil
	}
	entries, err := os.ReadDir(sub.ScanPath)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		paths = append(paths, filepath.Join(sub.ScanPath, e.Name()))
	}
	if len(paths) == 0 {
		return nil, permanent(fmt.Errorf("scan directory empty: %s", sub.ScanPath))
	}
	sort.Strings(paths)
	return paths, nil
}
