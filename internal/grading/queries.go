package grading

import (
	"context"
	"fmt"

	"github.com/pavelanni/examgrader/internal/model"
)

// QueryStore is the read side of the record store.
type QueryStore interface {
	GetExam(ctx context.Context, id string) (model.Exam, error)
	ListExams(ctx context.Context) ([]model.Exam, error)
	GetQuestion(ctx context.Context, id string) (model.Question, error)
	ListQuestions(ctx context.Context, examID string) ([]model.Question, error)
	QuestionIDsForExam(ctx context.Context, examID string) ([]string, error)
	ListEvaluationsByQuestion(ctx context.Context, questionID string) ([]model.Evaluation, error)
	ListEvaluationsForUser(ctx context.Context, userID string, questionIDs []string) ([]model.Evaluation, error)
}

// Queries answers read-side lookups.
type Queries struct {
	store QueryStore
}

// NewQueries creates a Queries.
func NewQueries(s QueryStore) *Queries {
	return &Queries{store: s}
}

func (q *Queries) GetExam(ctx context.Context, id string) (model.Exam, error) {
	exam, err := q.store.GetExam(ctx, id)
	if err != nil {
		return model.Exam{}, storeErr("get exam", err)
	}
	return exam, nil
}

func (q *Queries) ListExams(ctx context.Context) ([]model.Exam, error) {
	exams, err := q.store.ListExams(ctx)
	if err != nil {
		return nil, storeErr("list exams", err)
	}
	return exams, nil
}

func (q *Queries) GetQuestion(ctx context.Context, id string) (model.Question, error) {
	question, err := q.store.GetQuestion(ctx, id)
	if err != nil {
		return model.Question{}, storeErr("get question", err)
	}
	return question, nil
}

// ListQuestions returns every question, or only those of examID when it is set.
func (q *Queries) ListQuestions(ctx context.Context, examID string) ([]model.Question, error) {
	questions, err := q.store.ListQuestions(ctx, examID)
	if err != nil {
		return nil, storeErr("list questions", err)
	}
	return questions, nil
}

// SubmissionsByQuestion returns every evaluation recorded for a question.
func (q *Queries) SubmissionsByQuestion(ctx context.Context, questionID string) ([]model.Evaluation, error) {
	evals, err := q.store.ListEvaluationsByQuestion(ctx, questionID)
	if err != nil {
		return nil, storeErr("list submissions", err)
	}
	if len(evals) == 0 {
		return nil, fmt.Errorf("submissions for question %s: %w", questionID, ErrNotFound)
	}
	return evals, nil
}

// StudentResult returns a session's evaluations for the questions of one exam.
func (q *Queries) StudentResult(ctx context.Context, examID, userID string) ([]model.Evaluation, error) {
	ids, err := q.store.QuestionIDsForExam(ctx, examID)
	if err != nil {
		return nil, storeErr("list exam questions", err)
	}
	evals, err := q.store.ListEvaluationsForUser(ctx, userID, ids)
	if err != nil {
		return nil, storeErr("list student evaluations", err)
	}
	if len(evals) == 0 {
		return nil, fmt.Errorf("result of %s for exam %s: %w", userID, examID, ErrNotFound)
	}
	return evals, nil
}
