package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tashih-io/tashih/internal/analysis"
	"github.com/tashih-io/tashih/internal/grading"
	"github.com/tashih-io/tashih/internal/model"
	"github.com/tashih-io/tashih/internal/ocr"
	"github.com/tashih-io/tashih/internal/orchestrator"
	"github.com/tashih-io/tashih/internal/store"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "tashih",
		Short: "OCR grading pipeline for scanned exam papers",
	}

	worker := workerCmd()
	root.AddCommand(worker, importCmd(), submitCmd(), processCmd(), reprocessCmd(), cancelCmd(),
		gradeCmd(), regradeCmd(), adjustCmd(), finalizeCmd(), reopenCmd(), summaryCmd())

	// Make "worker" the default when no subcommand is given.
	root.RunE = worker.RunE

	// Register worker flags on root so bare `tashih --db ...` still works.
	root.Flags().AddFlagSet(worker.Flags())

	return root
}

func commonFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("db", "tashih.db", "SQLite database path")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
}

func pipelineFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.Int("workers", 4, "Pipeline worker count")
	f.Int("max-retries", 3, "Retry budget per processing job")
	f.Float64("ocr-rate", 5, "OCR provider requests per second")
	f.Bool("auto-grade", true, "Grade submissions right after extraction")
	gradingFlags(cmd)
	analysisFlags(cmd)
}

func gradingFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.Float64("ocr-threshold", 0.70, "OCR confidence below this flags the answer for review")
	f.Float64("grading-low", 0.40, "Grading confidence below this flags low-confidence review")
	f.Float64("grading-mid", 0.70, "Grading confidence below this flags medium-confidence review")
	f.Float64("fuzzy-threshold", 0.80, "Similarity required for a fuzzy keyword match")
	f.Bool("phrase-match", false, "Match multi-word keywords as whole phrases")
}

func analysisFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("analysis-url", "", "OpenAI-compatible API base URL for AI review notes (empty disables)")
	f.String("analysis-key", "", "API key for the analysis endpoint")
	f.String("analysis-model", "gpt-4o-mini", "Analysis model name")
}

func workerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the OCR pipeline worker pool",
		RunE:  runWorker,
	}
	commonFlags(cmd)
	pipelineFlags(cmd)
	return cmd
}

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import [files...]",
		Short: "Import exam definitions from JSON files",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runImport,
	}
	commonFlags(cmd)
	return cmd
}

func submitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Register a scanned submission",
		RunE:  runSubmit,
	}
	commonFlags(cmd)
	f := cmd.Flags()
	f.Int64("exam", 0, "Exam ID (required)")
	f.Int64("student", 0, "Student ID (required)")
	f.String("scan", "", "Scan file or page directory (required)")
	f.String("mode", string(model.ScanFullPage), "Scan mode (full_page, per_question)")
	_ = cmd.MarkFlagRequired("exam")
	_ = cmd.MarkFlagRequired("student")
	_ = cmd.MarkFlagRequired("scan")
	return cmd
}

func processCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "process",
		Short: "Run the OCR pipeline for one submission",
		RunE:  runProcess,
	}
	commonFlags(cmd)
	pipelineFlags(cmd)
	submissionFlag(cmd)
	return cmd
}

func reprocessCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reprocess",
		Short: "Cancel any active job and re-run the pipeline",
		RunE:  runReprocess,
	}
	commonFlags(cmd)
	pipelineFlags(cmd)
	submissionFlag(cmd)
	return cmd
}

func cancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel a submission's active processing job",
		RunE:  runCancel,
	}
	commonFlags(cmd)
	submissionFlag(cmd)
	return cmd
}

func gradeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "grade",
		Short: "Grade a processed submission",
		RunE:  runGrade,
	}
	commonFlags(cmd)
	gradingFlags(cmd)
	analysisFlags(cmd)
	submissionFlag(cmd)
	return cmd
}

func regradeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "regrade",
		Short: "Discard a submission's grade and grade it again",
		RunE:  runRegrade,
	}
	commonFlags(cmd)
	gradingFlags(cmd)
	analysisFlags(cmd)
	submissionFlag(cmd)
	return cmd
}

func adjustCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "adjust",
		Short: "Manually override one question's score",
		RunE:  runAdjust,
	}
	commonFlags(cmd)
	submissionFlag(cmd)
	f := cmd.Flags()
	f.Int64("question", 0, "Question ID (required)")
	f.Float64("score", 0, "Adjusted score (required)")
	f.String("reason", "", "Reason for the adjustment (required)")
	_ = cmd.MarkFlagRequired("question")
	_ = cmd.MarkFlagRequired("score")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func finalizeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "finalize",
		Short: "Lock a submission's grade",
		RunE:  runFinalize,
	}
	commonFlags(cmd)
	submissionFlag(cmd)
	return cmd
}

func reopenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reopen",
		Short: "Unlock a finalized grade",
		RunE:  runReopen,
	}
	commonFlags(cmd)
	submissionFlag(cmd)
	return cmd
}

func summaryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Print a submission's grading summary as JSON",
		RunE:  runSummary,
	}
	commonFlags(cmd)
	submissionFlag(cmd)
	cmd.Flags().StringP("output", "o", "-", "Output file path (- for stdout)")
	return cmd
}

func submissionFlag(cmd *cobra.Command) {
	cmd.Flags().Int64P("submission", "s", 0, "Submission ID (required)")
	_ = cmd.MarkFlagRequired("submission")
}

func setupLogging(cmd *cobra.Command) {
	v := viperForCmd(cmd)

	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("TASHIH")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("tashih")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/tashih")
	v.AddConfigPath("/etc/tashih")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Info("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

func gradingConfig(v *viper.Viper) grading.Config {
	cfg := grading.DefaultConfig()
	cfg.OCRConfidenceThreshold = v.GetFloat64("ocr-threshold")
	cfg.GradingConfidenceLow = v.GetFloat64("grading-low")
	cfg.GradingConfidenceMid = v.GetFloat64("grading-mid")
	cfg.FuzzyThreshold = v.GetFloat64("fuzzy-threshold")
	cfg.PhraseMatch = v.GetBool("phrase-match")
	return cfg
}

// buildEngine creates the grading engine, dialing the analysis endpoint when
// one is configured.
func buildEngine(ctx context.Context, v *viper.Viper, db *store.Store) (*grading.Engine, error) {
	var opts []grading.Option
	if url := v.GetString("analysis-url"); url != "" {
		client := analysis.New(url, v.GetString("analysis-key"), v.GetString("analysis-model"))
		if err := client.Ping(ctx); err != nil {
			return nil, fmt.Errorf("analysis health check: %w", err)
		}
		slog.Info("analysis endpoint OK", "url", url, "model", v.GetString("analysis-model"))
		opts = append(opts, grading.WithAnalyzer(client))
	}
	return grading.NewEngine(db, gradingConfig(v), slog.Default(), opts...), nil
}

// buildOrchestrator wires the store, the Vision recognizer, and the grading
// engine into a started worker pool. The returned closer releases all of it.
func buildOrchestrator(ctx context.Context, v *viper.Viper, db *store.Store) (*orchestrator.Orchestrator, func() error, error) {
	recognizer, err := ocr.NewVisionRecognizer(ctx)
	if err != nil {
		return nil, nil, err
	}
	engine, err := buildEngine(ctx, v, db)
	if err != nil {
		recognizer.Close()
		return nil, nil, err
	}

	cfg := orchestrator.DefaultConfig()
	cfg.Workers = v.GetInt("workers")
	cfg.MaxRetries = v.GetInt("max-retries")
	cfg.RatePerSecond = v.GetFloat64("ocr-rate")
	cfg.AutoGrade = v.GetBool("auto-grade")

	orch := orchestrator.New(db, recognizer, engine, cfg, slog.Default())
	if err := orch.Start(ctx); err != nil {
		recognizer.Close()
		return nil, nil, err
	}
	closer := func() error {
		err := orch.Close()
		if cerr := recognizer.Close(); err == nil {
			err = cerr
		}
		return err
	}
	return orch, closer, nil
}

func runWorker(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	_, closer, err := buildOrchestrator(ctx, v, db)
	if err != nil {
		return err
	}

	slog.Info("worker started", "db", v.GetString("db"), "workers", v.GetInt("workers"))
	<-ctx.Done()
	slog.Info("shutting down")
	if err := closer(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func runSubmit(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	mode := model.ScanMode(v.GetString("mode"))
	if mode != model.ScanFullPage && mode != model.ScanPerQuestion {
		return fmt.Errorf("invalid scan mode %q", mode)
	}

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	id, err := db.CreateSubmission(model.Submission{
		ExamID:    v.GetInt64("exam"),
		StudentID: v.GetInt64("student"),
		ScanPath:  v.GetString("scan"),
		ScanMode:  mode,
	})
	if err != nil {
		return fmt.Errorf("create submission: %w", err)
	}
	slog.Info("submission registered", "submission_id", id)
	fmt.Println(id)
	return nil
}

func runProcess(cmd *cobra.Command, _ []string) error {
	return runPipeline(cmd, false)
}

func runReprocess(cmd *cobra.Command, _ []string) error {
	return runPipeline(cmd, true)
}

// runPipeline processes one submission synchronously: queue the job, then
// drain the pool so the command exits when the pipeline is done.
func runPipeline(cmd *cobra.Command, reprocess bool) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	orch, closer, err := buildOrchestrator(ctx, v, db)
	if err != nil {
		return err
	}

	submissionID := v.GetInt64("submission")
	var job model.ProcessingJob
	if reprocess {
		job, err = orch.Reprocess(ctx, submissionID)
	} else {
		job, err = orch.SubmitForProcessing(ctx, submissionID)
	}
	if err != nil {
		closer()
		return err
	}
	slog.Info("job queued", "job_id", job.ID, "task_id", job.TaskID, "submission_id", submissionID)

	if err := closer(); err != nil && ctx.Err() == nil {
		return err
	}
	final, err := db.GetJob(job.ID)
	if err != nil {
		return err
	}
	slog.Info("job finished", "job_id", final.ID, "status", final.Status, "retries", final.RetryCount)
	if final.Status != model.JobCompleted {
		return fmt.Errorf("job %d ended with status %s: %s", final.ID, final.Status, final.ErrorDetail)
	}
	return nil
}

func runCancel(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	n, err := db.CancelActiveJobs(v.GetInt64("submission"))
	if err != nil {
		return err
	}
	slog.Info("jobs cancelled", "submission_id", v.GetInt64("submission"), "count", n)
	return nil
}

func runGrade(cmd *cobra.Command, _ []string) error {
	return runGrading(cmd, false)
}

func runRegrade(cmd *cobra.Command, _ []string) error {
	return runGrading(cmd, true)
}

func runGrading(cmd *cobra.Command, regrade bool) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	engine, err := buildEngine(ctx, v, db)
	if err != nil {
		return err
	}

	submissionID := v.GetInt64("submission")
	var result model.GradingResult
	if regrade {
		result, err = engine.RegradeSubmission(ctx, submissionID)
	} else {
		result, err = engine.GradeSubmission(ctx, submissionID)
	}
	if err != nil {
		return err
	}
	fmt.Printf("submission %d: %.2f/%.2f (%.2f%%), %d answers graded, %d flagged (%d high priority)\n",
		result.SubmissionID, result.TotalScore, result.MaxScore, result.Percentage,
		result.GradedCount, result.ReviewItemCount, result.HighPriorityCount)
	return nil
}

func runAdjust(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	agg := grading.NewAggregator(db)
	adj, err := agg.AddAdjustment(
		v.GetInt64("submission"), v.GetInt64("question"),
		v.GetFloat64("score"), v.GetString("reason"),
	)
	if err != nil {
		return err
	}
	slog.Info("score adjusted",
		"submission_id", v.GetInt64("submission"),
		"question_id", adj.QuestionID,
		"from", adj.OriginalScore,
		"to", adj.AdjustedScore,
	)
	return nil
}

func runFinalize(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := grading.NewAggregator(db).Finalize(v.GetInt64("submission")); err != nil {
		return err
	}
	slog.Info("grade finalized", "submission_id", v.GetInt64("submission"))
	return nil
}

func runReopen(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := grading.NewAggregator(db).Reopen(v.GetInt64("submission")); err != nil {
		return err
	}
	slog.Info("grade reopened", "submission_id", v.GetInt64("submission"))
	return nil
}

func runSummary(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	summary, err := grading.NewAggregator(db).Summary(v.GetInt64("submission"))
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	outPath := v.GetString("output")
	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = os.Stdout
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	_, _ = fmt.Fprintln(w)
	return nil
}

// examImport is the JSON shape of an exam definition file.
type examImport struct {
	Title           string `json:"title"`
	SubjectType     string `json:"subject_type"`
	PrimaryLanguage string `json:"primary_language"`
	HasFormulas     bool   `json:"has_formulas"`
	HasDiagrams     bool   `json:"has_diagrams"`
	Questions       []struct {
		Text           string   `json:"text"`
		Type           string   `json:"type"`
		Points         float64  `json:"points"`
		RequiresReview bool     `json:"requires_review"`
		Options        []string `json:"options,omitempty"`
		CorrectOption  int      `json:"correct_option,omitempty"` // 1-based
		Answer         string   `json:"answer,omitempty"`
		Strictness     string   `json:"strictness,omitempty"`
		Keywords       []string `json:"keywords,omitempty"`
		OCR            *struct {
			SubjectType string `json:"subject_type,omitempty"`
			Language    string `json:"language,omitempty"`
			HasFormulas bool   `json:"has_formulas,omitempty"`
			HasDiagrams bool   `json:"has_diagrams,omitempty"`
		} `json:"ocr,omitempty"`
	} `json:"questions"`
}

func runImport(cmd *cobra.Command, args []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	for _, path := range args {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}

		hash := sha256sum(data)
		storedHash, err := db.GetImportedFileHash(path)
		if err != nil {
			return fmt.Errorf("check import status for %s: %w", path, err)
		}
		if storedHash == hash {
			slog.Info("exam file unchanged, skipping", "path", path)
			continue
		}
		if storedHash != "" {
			slog.Warn("exam file changed since last import, skipping to avoid breaking existing submissions",
				"path", path)
			continue
		}

		examID, count, err := importExam(db, data)
		if err != nil {
			return fmt.Errorf("import %s: %w", path, err)
		}
		if err := db.SetImportedFileHash(path, hash); err != nil {
			return fmt.Errorf("record import for %s: %w", path, err)
		}
		slog.Info("imported exam", "path", path, "exam_id", examID, "questions", count)
	}
	return nil
}

func importExam(db *store.Store, data []byte) (int64, int, error) {
	var imp examImport
	if err := json.Unmarshal(data, &imp); err != nil {
		return 0, 0, fmt.Errorf("parse exam: %w", err)
	}

	total := 0.0
	for _, q := range imp.Questions {
		total += q.Points
	}
	examID, err := db.CreateExam(model.Exam{
		Title:           imp.Title,
		SubjectType:     imp.SubjectType,
		PrimaryLanguage: imp.PrimaryLanguage,
		HasFormulas:     imp.HasFormulas,
		HasDiagrams:     imp.HasDiagrams,
		TotalPoints:     total,
	})
	if err != nil {
		return 0, 0, fmt.Errorf("create exam: %w", err)
	}

	for i, qi := range imp.Questions {
		qType := model.QuestionType(qi.Type)
		if qType != model.MultipleChoice && qType != model.OpenEnded {
			return 0, 0, fmt.Errorf("question %d: invalid type %q", i+1, qi.Type)
		}
		questionID, err := db.InsertQuestion(model.Question{
			ExamID:         examID,
			Text:           qi.Text,
			Type:           qType,
			Points:         qi.Points,
			Ordinal:        i + 1,
			RequiresReview: qi.RequiresReview,
		})
		if err != nil {
			return 0, 0, fmt.Errorf("insert question %d: %w", i+1, err)
		}

		key := model.AnswerKey{
			ExamID:     examID,
			QuestionID: questionID,
			Type:       qType,
			Points:     qi.Points,
			Strictness: model.Strictness(qi.Strictness),
			Keywords:   qi.Keywords,
		}
		if key.Strictness == "" {
			key.Strictness = model.StrictnessNormal
		}

		if qType == model.MultipleChoice {
			if qi.CorrectOption < 1 || qi.CorrectOption > len(qi.Options) {
				return 0, 0, fmt.Errorf("question %d: correct_option %d out of range", i+1, qi.CorrectOption)
			}
			for j, text := range qi.Options {
				optionID, err := db.InsertOption(model.QuestionOption{
					QuestionID: questionID,
					Text:       text,
					Ordinal:    j + 1,
				})
				if err != nil {
					return 0, 0, fmt.Errorf("insert option for question %d: %w", i+1, err)
				}
				if j+1 == qi.CorrectOption {
					key.CorrectAnswer = strconv.FormatInt(optionID, 10)
				}
			}
		} else {
			key.CorrectAnswer = qi.Answer
		}

		if _, err := db.UpsertAnswerKey(key); err != nil {
			return 0, 0, fmt.Errorf("answer key for question %d: %w", i+1, err)
		}

		if qi.OCR != nil {
			if err := db.SetOCRMetadata(model.OCRMetadata{
				QuestionID:  questionID,
				SubjectType: qi.OCR.SubjectType,
				Language:    qi.OCR.Language,
				HasFormulas: qi.OCR.HasFormulas,
				HasDiagrams: qi.OCR.HasDiagrams,
			}); err != nil {
				return 0, 0, fmt.Errorf("ocr metadata for question %d: %w", i+1, err)
			}
		}
	}
	return examID, len(imp.Questions), nil
}

func sha256sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
