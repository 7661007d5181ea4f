package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/tashih-io/tashih/internal/model"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS exams (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		title TEXT NOT NULL,
		subject_type TEXT NOT NULL DEFAULT '',
		primary_language TEXT NOT NULL DEFAULT 'en',
		has_formulas INTEGER NOT NULL DEFAULT 0,
		has_diagrams INTEGER NOT NULL DEFAULT 0,
		total_points REAL NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS questions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		exam_id INTEGER NOT NULL,
		text TEXT NOT NULL,
		type TEXT NOT NULL,
		points REAL NOT NULL DEFAULT 1,
		ordinal INTEGER NOT NULL,
		requires_review INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY (exam_id) REFERENCES exams(id)
	);

	CREATE TABLE IF NOT EXISTS question_options (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		question_id INTEGER NOT NULL,
		text TEXT NOT NULL,
		ordinal INTEGER NOT NULL,
		FOREIGN KEY (question_id) REFERENCES questions(id)
	);

	CREATE TABLE IF NOT EXISTS question_ocr_metadata (
		question_id INTEGER PRIMARY KEY,
		subject_type TEXT NOT NULL DEFAULT '',
		language TEXT NOT NULL DEFAULT '',
		has_formulas INTEGER NOT NULL DEFAULT 0,
		has_diagrams INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY (question_id) REFERENCES questions(id)
	);

	CREATE TABLE IF NOT EXISTS answer_keys (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		exam_id INTEGER NOT NULL,
		question_id INTEGER NOT NULL UNIQUE,
		correct_answer TEXT NOT NULL,
		type TEXT NOT NULL,
		points REAL NOT NULL,
		strictness TEXT NOT NULL DEFAULT 'normal',
		keywords TEXT NOT NULL DEFAULT '[]',
		notes TEXT NOT NULL DEFAULT '',
		FOREIGN KEY (question_id) REFERENCES questions(id)
	);

	CREATE TABLE IF NOT EXISTS submissions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		exam_id INTEGER NOT NULL,
		student_id INTEGER NOT NULL,
		scan_path TEXT NOT NULL,
		scan_mode TEXT NOT NULL DEFAULT 'full_page',
		page_count INTEGER NOT NULL DEFAULT 1,
		status TEXT NOT NULL DEFAULT 'pending',
		submitted_at DATETIME NOT NULL,
		processed_at DATETIME,
		UNIQUE (exam_id, student_id),
		FOREIGN KEY (exam_id) REFERENCES exams(id)
	);

	CREATE TABLE IF NOT EXISTS recognition_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		submission_id INTEGER NOT NULL,
		engine TEXT NOT NULL DEFAULT '',
		raw_text TEXT NOT NULL DEFAULT '',
		normalized_text TEXT NOT NULL DEFAULT '',
		confidence REAL NOT NULL DEFAULT 0,
		detected_language TEXT NOT NULL DEFAULT '',
		page_number INTEGER NOT NULL DEFAULT 1,
		token_data BLOB,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (submission_id) REFERENCES submissions(id)
	);

	CREATE TABLE IF NOT EXISTS extracted_answers (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		submission_id INTEGER NOT NULL,
		question_id INTEGER NOT NULL,
		text TEXT NOT NULL DEFAULT '',
		option_id INTEGER,
		recognition_id INTEGER,
		ocr_confidence REAL NOT NULL DEFAULT 0,
		method TEXT NOT NULL DEFAULT '',
		auto_graded INTEGER NOT NULL DEFAULT 0,
		auto_score REAL,
		grading_confidence REAL,
		similarity REAL,
		UNIQUE (submission_id, question_id),
		FOREIGN KEY (submission_id) REFERENCES submissions(id),
		FOREIGN KEY (question_id) REFERENCES questions(id)
	);

	CREATE TABLE IF NOT EXISTS review_items (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		submission_id INTEGER NOT NULL,
		question_id INTEGER NOT NULL,
		answer_id INTEGER NOT NULL,
		reason TEXT NOT NULL,
		priority TEXT NOT NULL DEFAULT 'low',
		status TEXT NOT NULL DEFAULT 'pending',
		notes TEXT NOT NULL DEFAULT '',
		reviewed_at DATETIME,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (submission_id) REFERENCES submissions(id),
		FOREIGN KEY (answer_id) REFERENCES extracted_answers(id)
	);

	CREATE TABLE IF NOT EXISTS grades (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		submission_id INTEGER NOT NULL UNIQUE,
		total_score REAL NOT NULL DEFAULT 0,
		max_score REAL NOT NULL DEFAULT 0,
		percentage REAL NOT NULL DEFAULT 0,
		finalized INTEGER NOT NULL DEFAULT 0,
		auto_graded_at DATETIME NOT NULL,
		finalized_at DATETIME,
		notes TEXT NOT NULL DEFAULT '',
		FOREIGN KEY (submission_id) REFERENCES submissions(id)
	);

	CREATE TABLE IF NOT EXISTS grade_adjustments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		grade_id INTEGER NOT NULL,
		question_id INTEGER NOT NULL,
		original_score REAL NOT NULL,
		adjusted_score REAL NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		adjusted_at DATETIME NOT NULL,
		FOREIGN KEY (grade_id) REFERENCES grades(id)
	);

	CREATE TABLE IF NOT EXISTS processing_jobs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		submission_id INTEGER NOT NULL,
		task_id TEXT NOT NULL UNIQUE,
		status TEXT NOT NULL DEFAULT 'queued',
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 3,
		error_detail TEXT NOT NULL DEFAULT '',
		started_at DATETIME,
		completed_at DATETIME,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (submission_id) REFERENCES submissions(id)
	);

	CREATE TABLE IF NOT EXISTS import_metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateExam stores an exam.
func (s *Store) CreateExam(e model.Exam) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO exams (title, subject_type, primary_language, has_formulas, has_diagrams, total_points)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.Title, e.SubjectType, e.PrimaryLanguage, e.HasFormulas, e.HasDiagrams, e.TotalPoints,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetExam returns an exam by ID.
func (s *Store) GetExam(id int64) (model.Exam, error) {
	var e model.Exam
	err := s.db.QueryRow(
		`SELECT id, title, subject_type, primary_language, has_formulas, has_diagrams, total_points FROM exams WHERE id = ?`, id,
	).Scan(&e.ID, &e.Title, &e.SubjectType, &e.PrimaryLanguage, &e.HasFormulas, &e.HasDiagrams, &e.TotalPoints)
	return e, err
}

// InsertQuestion stores a question.
func (s *Store) InsertQuestion(q model.Question) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO questions (exam_id, text, type, points, ordinal, requires_review)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		q.ExamID, q.Text, q.Type, q.Points, q.Ordinal, q.RequiresReview,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListQuestions returns an exam's questions ordered by their position on the paper.
func (s *Store) ListQuestions(examID int64) ([]model.Question, error) {
	rows, err := s.db.Query(
		`SELECT id, exam_id, text, type, points, ordinal, requires_review
		 FROM questions WHERE exam_id = ? ORDER BY ordinal`, examID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var questions []model.Question
	for rows.Next() {
		var q model.Question
		if err := rows.Scan(&q.ID, &q.ExamID, &q.Text, &q.Type, &q.Points, &q.Ordinal, &q.RequiresReview); err != nil {
			return nil, err
		}
		questions = append(questions, q)
	}
	return questions, rows.Err()
}

// GetQuestion returns a question by ID.
func (s *Store) GetQuestion(id int64) (model.Question, error) {
	var q model.Question
	err := s.db.QueryRow(
		`SELECT id, exam_id, text, type, points, ordinal, requires_review FROM questions WHERE id = ?`, id,
	).Scan(&q.ID, &q.ExamID, &q.Text, &q.Type, &q.Points, &q.Ordinal, &q.RequiresReview)
	return q, err
}

// InsertOption stores a multiple-choice option.
func (s *Store) InsertOption(o model.QuestionOption) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO question_options (question_id, text, ordinal) VALUES (?, ?, ?)`,
		o.QuestionID, o.Text, o.Ordinal,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListOptions returns a question's options ordered by ordinal.
func (s *Store) ListOptions(questionID int64) ([]model.QuestionOption, error) {
	rows, err := s.db.Query(
		`SELECT id, question_id, text, ordinal FROM question_options WHERE question_id = ? ORDER BY ordinal`, questionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var options []model.QuestionOption
	for rows.Next() {
		var o model.QuestionOption
		if err := rows.Scan(&o.ID, &o.QuestionID, &o.Text, &o.Ordinal); err != nil {
			return nil, err
		}
		options = append(options, o)
	}
	return options, rows.Err()
}

// SetOCRMetadata upserts the per-question OCR override.
func (s *Store) SetOCRMetadata(m model.OCRMetadata) error {
	_, err := s.db.Exec(
		`INSERT INTO question_ocr_metadata (question_id, subject_type, language, has_formulas, has_diagrams)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(question_id) DO UPDATE SET subject_type = ?, language = ?, has_formulas = ?, has_diagrams = ?`,
		m.QuestionID, m.SubjectType, m.Language, m.HasFormulas, m.HasDiagrams,
		m.SubjectType, m.Language, m.HasFormulas, m.HasDiagrams,
	)
	return err
}

// GetOCRMetadata returns the per-question OCR override, or nil if none is set.
func (s *Store) GetOCRMetadata(questionID int64) (*model.OCRMetadata, error) {
	var m model.OCRMetadata
	err := s.db.QueryRow(
		`SELECT question_id, subject_type, language, has_formulas, has_diagrams
		 FROM question_ocr_metadata WHERE question_id = ?`, questionID,
	).Scan(&m.QuestionID, &m.SubjectType, &m.Language, &m.HasFormulas, &m.HasDiagrams)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// UpsertAnswerKey stores or replaces the answer key for a question.
// Keywords are serialized to JSON at this boundary only.
func (s *Store) UpsertAnswerKey(k model.AnswerKey) (int64, error) {
	kw, err := json.Marshal(k.Keywords)
	if err != nil {
		return 0, fmt.Errorf("marshal keywords: %w", err)
	}
	res, err := s.db.Exec(
		`INSERT INTO answer_keys (exam_id, question_id, correct_answer, type, points, strictness, keywords, notes)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(question_id) DO UPDATE SET
		   correct_answer = ?, type = ?, points = ?, strictness = ?, keywords = ?, notes = ?`,
		k.ExamID, k.QuestionID, k.CorrectAnswer, k.Type, k.Points, k.Strictness, string(kw), k.Notes,
		k.CorrectAnswer, k.Type, k.Points, k.Strictness, string(kw), k.Notes,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetAnswerKey returns the answer key for a question.
// Returns sql.ErrNoRows when the question has no key.
func (s *Store) GetAnswerKey(questionID int64) (model.AnswerKey, error) {
	var k model.AnswerKey
	var kw string
	err := s.db.QueryRow(
		`SELECT id, exam_id, question_id, correct_answer, type, points, strictness, keywords, notes
		 FROM answer_keys WHERE question_id = ?`, questionID,
	).Scan(&k.ID, &k.ExamID, &k.QuestionID, &k.CorrectAnswer, &k.Type, &k.Points, &k.Strictness, &kw, &k.Notes)
	if err != nil {
		return k, err
	}
	if err := json.Unmarshal([]byte(kw), &k.Keywords); err != nil {
		return k, fmt.Errorf("unmarshal keywords: %w", err)
	}
	return k, nil
}

// SetImportedFileHash records the content hash of an imported exam file.
func (s *Store) SetImportedFileHash(path, hash string) error {
	_, err := s.db.Exec(
		`INSERT INTO import_metadata (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = ?`,
		"import:"+path, hash, hash,
	)
	return err
}

// GetImportedFileHash returns the recorded hash for an imported file.
// Returns empty string and nil error if the file was never imported.
func (s *Store) GetImportedFileHash(path string) (string, error) {
	var hash string
	err := s.db.QueryRow(`SELECT value FROM import_metadata WHERE key = ?`, "import:"+path).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return hash, err
}
