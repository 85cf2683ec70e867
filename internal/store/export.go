package store

import (
	"context"
	"fmt"
	"time"

	"github.com/pavelanni/examgrader/internal/model"
)

// ExportExam builds an export of an exam's questions and every evaluation
// recorded against them, grouped by session identity.
func (s *Store) ExportExam(ctx context.Context, examID string) (model.ExamExport, error) {
	exam, err := s.GetExam(ctx, examID)
	if err != nil {
		return model.ExamExport{}, err
	}
	questions, err := s.ListQuestions(ctx, examID)
	if err != nil {
		return model.ExamExport{}, fmt.Errorf("list questions: %w", err)
	}

	// Preserve first-seen order of users.
	var order []string
	byUser := make(map[string]*model.StudentResult)
	for _, q := range questions {
		evals, err := s.ListEvaluationsByQuestion(ctx, q.ID)
		if err != nil {
			return model.ExamExport{}, fmt.Errorf("list evaluations for %s: %w", q.ID, err)
		}
		for _, e := range evals {
			res, ok := byUser[e.UserID]
			if !ok {
				res = &model.StudentResult{UserID: e.UserID, SubmittedAt: e.SubmittedAt}
				byUser[e.UserID] = res
				order = append(order, e.UserID)
			}
			if e.SubmittedAt.Before(res.SubmittedAt) {
				res.SubmittedAt = e.SubmittedAt
			}
			res.Evaluations = append(res.Evaluations, e)
		}
	}

	results := make([]model.StudentResult, 0, len(order))
	for _, userID := range order {
		res := byUser[userID]
		var total float64
		var scored int
		for _, e := range res.Evaluations {
			if e.Evaluation.FinalScore != nil {
				total += *e.Evaluation.FinalScore
				scored++
			}
		}
		if scored > 0 {
			res.AverageScore = total / float64(scored)
		}
		results = append(results, *res)
	}

	return model.ExamExport{
		Exam:       exam,
		ExportedAt: time.Now().UTC(),
		Questions:  questions,
		Results:    results,
	}, nil
}
