package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pavelanni/examgrader/internal/model"

	_ "github.com/jackc/pgx/v5/stdlib" // driver: pgx
	_ "modernc.org/sqlite"             // driver: sqlite
)

// ErrNotFound is returned when a looked-up record does not exist.
var ErrNotFound = errors.New("not found")

// Driver selects the database backend.
type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

type Store struct {
	db     *sql.DB
	driver Driver
}

// New opens the database and ensures the schema exists.
func New(ctx context.Context, driver Driver, dsn string) (*Store, error) {
	var drvName string
	memory := false
	switch driver {
	case DriverSQLite, "":
		driver = DriverSQLite
		drvName = "sqlite"
		if dsn == "" {
			dsn = "examgrader.db"
		}
		if dsn == ":memory:" {
			memory = true
		} else if !strings.Contains(dsn, "?") {
			dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
		}
	case DriverPostgres:
		drvName = "pgx"
		if dsn == "" {
			dsn = "postgres://localhost:5432/examgrader?sslmode=disable"
		}
	default:
		return nil, fmt.Errorf("unsupported driver: %s", driver)
	}

	db, err := sql.Open(drvName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if memory {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db, driver: driver}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	schema := schemaSQLite
	if s.driver == DriverPostgres {
		schema = schemaPostgres
	}
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

const schemaSQLite = `
CREATE TABLE IF NOT EXISTS exams (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	title TEXT NOT NULL,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS questions (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	exam_id TEXT NOT NULL REFERENCES exams(id),
	text TEXT NOT NULL,
	answer TEXT NOT NULL DEFAULT '',
	keywords_json TEXT NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS idx_questions_exam ON questions(exam_id);

CREATE TABLE IF NOT EXISTS evaluations (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	question_id TEXT NOT NULL REFERENCES questions(id),
	user_id TEXT NOT NULL,
	answer TEXT NOT NULL,
	submitted_at DATETIME NOT NULL,
	evaluation_json TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_evaluations_question ON evaluations(question_id);
CREATE INDEX IF NOT EXISTS idx_evaluations_user ON evaluations(user_id);

CREATE TABLE IF NOT EXISTS imported_files (
	path TEXT PRIMARY KEY,
	hash TEXT NOT NULL,
	imported_at DATETIME NOT NULL
);
`

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS exams (
	seq BIGSERIAL PRIMARY KEY,
	id TEXT NOT NULL UNIQUE,
	title TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS questions (
	seq BIGSERIAL PRIMARY KEY,
	id TEXT NOT NULL UNIQUE,
	exam_id TEXT NOT NULL REFERENCES exams(id),
	text TEXT NOT NULL,
	answer TEXT NOT NULL DEFAULT '',
	keywords_json TEXT NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS idx_questions_exam ON questions(exam_id);

CREATE TABLE IF NOT EXISTS evaluations (
	seq BIGSERIAL PRIMARY KEY,
	id TEXT NOT NULL UNIQUE,
	question_id TEXT NOT NULL REFERENCES questions(id),
	user_id TEXT NOT NULL,
	answer TEXT NOT NULL,
	submitted_at TIMESTAMPTZ NOT NULL,
	evaluation_json TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_evaluations_question ON evaluations(question_id);
CREATE INDEX IF NOT EXISTS idx_evaluations_user ON evaluations(user_id);

CREATE TABLE IF NOT EXISTS imported_files (
	path TEXT PRIMARY KEY,
	hash TEXT NOT NULL,
	imported_at TIMESTAMPTZ NOT NULL
);
`

// CreateExam stores an exam together with its questions in one transaction.
func (s *Store) CreateExam(ctx context.Context, exam model.Exam, questions []model.Question) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO exams (id, title, created_at) VALUES ($1, $2, $3)`,
		exam.ID, exam.Title, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert exam: %w", err)
	}

	for _, q := range questions {
		kw, err := marshalKeywords(q.Keywords)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO questions (id, exam_id, text, answer, keywords_json) VALUES ($1, $2, $3, $4, $5)`,
			q.ID, exam.ID, q.Text, q.Answer, kw,
		)
		if err != nil {
			return fmt.Errorf("insert question: %w", err)
		}
	}

	return tx.Commit()
}

// GetExam returns an exam by ID.
func (s *Store) GetExam(ctx context.Context, id string) (model.Exam, error) {
	var e model.Exam
	err := s.db.QueryRowContext(ctx, `SELECT id, title FROM exams WHERE id = $1`, id).Scan(&e.ID, &e.Title)
	if errors.Is(err, sql.ErrNoRows) {
		return e, fmt.Errorf("exam %s: %w", id, ErrNotFound)
	}
	return e, err
}

// ListExams returns all exams in publish order.
func (s *Store) ListExams(ctx context.Context) ([]model.Exam, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, title FROM exams ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	exams := []model.Exam{}
	for rows.Next() {
		var e model.Exam
		if err := rows.Scan(&e.ID, &e.Title); err != nil {
			return nil, err
		}
		exams = append(exams, e)
	}
	return exams, rows.Err()
}

const questionColumns = `id, exam_id, text, answer, keywords_json`

// GetQuestion returns a question by ID.
func (s *Store) GetQuestion(ctx context.Context, id string) (model.Question, error) {
	q, err := scanQuestion(s.db.QueryRowContext(ctx,
		`SELECT `+questionColumns+` FROM questions WHERE id = $1`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return q, fmt.Errorf("question %s: %w", id, ErrNotFound)
	}
	return q, err
}

// ListQuestions returns questions in insertion order.
// An empty examID means no filtering.
func (s *Store) ListQuestions(ctx context.Context, examID string) ([]model.Question, error) {
	query := `SELECT ` + questionColumns + ` FROM questions`
	var args []any
	if examID != "" {
		query += ` WHERE exam_id = $1`
		args = append(args, examID)
	}
	query += ` ORDER BY seq`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	questions := []model.Question{}
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, err
		}
		questions = append(questions, q)
	}
	return questions, rows.Err()
}

// QuestionIDsForExam returns the IDs of every question belonging to an exam.
func (s *Store) QuestionIDsForExam(ctx context.Context, examID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM questions WHERE exam_id = $1 ORDER BY seq`, examID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// InsertEvaluations stores a batch of evaluations. Either every record is
// written or none is.
func (s *Store) InsertEvaluations(ctx context.Context, evals []model.Evaluation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, e := range evals {
		data, err := json.Marshal(e.Evaluation)
		if err != nil {
			return fmt.Errorf("marshal evaluation: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO evaluations (id, question_id, user_id, answer, submitted_at, evaluation_json)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			e.ID, e.QuestionID, e.UserID, e.Answer, e.SubmittedAt.UTC(), string(data),
		)
		if err != nil {
			return fmt.Errorf("insert evaluation: %w", err)
		}
	}

	return tx.Commit()
}

const evaluationColumns = `id, question_id, user_id, answer, submitted_at, evaluation_json`

// GetEvaluation returns an evaluation by ID.
func (s *Store) GetEvaluation(ctx context.Context, id string) (model.Evaluation, error) {
	e, err := scanEvaluation(s.db.QueryRowContext(ctx,
		`SELECT `+evaluationColumns+` FROM evaluations WHERE id = $1`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return e, fmt.Errorf("evaluation %s: %w", id, ErrNotFound)
	}
	return e, err
}

// ListEvaluationsByQuestion returns all evaluations of a question in insertion order.
func (s *Store) ListEvaluationsByQuestion(ctx context.Context, questionID string) ([]model.Evaluation, error) {
	return s.queryEvaluations(ctx,
		`SELECT `+evaluationColumns+` FROM evaluations WHERE question_id = $1 ORDER BY seq`, questionID,
	)
}

// ListEvaluationsForUser returns the user's evaluations restricted to the given questions.
func (s *Store) ListEvaluationsForUser(ctx context.Context, userID string, questionIDs []string) ([]model.Evaluation, error) {
	if len(questionIDs) == 0 {
		return []model.Evaluation{}, nil
	}
	args := make([]any, 0, len(questionIDs)+1)
	args = append(args, userID)
	for _, id := range questionIDs {
		args = append(args, id)
	}
	query := `SELECT ` + evaluationColumns + ` FROM evaluations
		WHERE user_id = $1 AND question_id IN (` + placeholders(2, len(questionIDs)) + `)
		ORDER BY seq`
	return s.queryEvaluations(ctx, query, args...)
}

// FirstEvaluationIDForQuestion returns the oldest evaluation recorded for a question.
func (s *Store) FirstEvaluationIDForQuestion(ctx context.Context, questionID string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM evaluations WHERE question_id = $1 ORDER BY seq LIMIT 1`, questionID,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("evaluation for question %s: %w", questionID, ErrNotFound)
	}
	return id, err
}

// UpdateEvaluationScores applies fn to the stored score object of one
// evaluation and writes the result back in the same transaction.
func (s *Store) UpdateEvaluationScores(ctx context.Context, id string, fn func(*model.ScoreResponse)) (model.ScoreResponse, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.ScoreResponse{}, err
	}
	defer tx.Rollback()

	query := `SELECT evaluation_json FROM evaluations WHERE id = $1`
	if s.driver == DriverPostgres {
		query += ` FOR UPDATE`
	}
	var raw string
	if err := tx.QueryRowContext(ctx, query, id).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.ScoreResponse{}, fmt.Errorf("evaluation %s: %w", id, ErrNotFound)
		}
		return model.ScoreResponse{}, err
	}

	var scores model.ScoreResponse
	if err := json.Unmarshal([]byte(raw), &scores); err != nil {
		return model.ScoreResponse{}, fmt.Errorf("decode evaluation %s: %w", id, err)
	}
	fn(&scores)
	data, err := json.Marshal(scores)
	if err != nil {
		return model.ScoreResponse{}, fmt.Errorf("marshal evaluation: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE evaluations SET evaluation_json = $1 WHERE id = $2`, string(data), id,
	); err != nil {
		return model.ScoreResponse{}, err
	}
	return scores, tx.Commit()
}

// EvaluationCount returns the number of stored evaluations.
func (s *Store) EvaluationCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM evaluations`).Scan(&count)
	return count, err
}

func (s *Store) queryEvaluations(ctx context.Context, query string, args ...any) ([]model.Evaluation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	evals := []model.Evaluation{}
	for rows.Next() {
		e, err := scanEvaluation(rows)
		if err != nil {
			return nil, err
		}
		evals = append(evals, e)
	}
	return evals, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanQuestion(row scanner) (model.Question, error) {
	var q model.Question
	var kw string
	if err := row.Scan(&q.ID, &q.ExamID, &q.Text, &q.Answer, &kw); err != nil {
		return q, err
	}
	if err := json.Unmarshal([]byte(kw), &q.Keywords); err != nil {
		return q, fmt.Errorf("decode keywords of question %s: %w", q.ID, err)
	}
	if q.Keywords == nil {
		q.Keywords = []string{}
	}
	return q, nil
}

func scanEvaluation(row scanner) (model.Evaluation, error) {
	var e model.Evaluation
	var raw string
	if err := row.Scan(&e.ID, &e.QuestionID, &e.UserID, &e.Answer, &e.SubmittedAt, &raw); err != nil {
		return e, err
	}
	if err := json.Unmarshal([]byte(raw), &e.Evaluation); err != nil {
		return e, fmt.Errorf("decode evaluation %s: %w", e.ID, err)
	}
	return e, nil
}

func marshalKeywords(kw []string) (string, error) {
	if kw == nil {
		kw = []string{}
	}
	data, err := json.Marshal(kw)
	if err != nil {
		return "", fmt.Errorf("marshal keywords: %w", err)
	}
	return string(data), nil
}

// placeholders returns "$start, $start+1, ..." for n arguments.
func placeholders(start, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = "$" + strconv.Itoa(start+i)
	}
	return strings.Join(parts, ", ")
}
