// Package grading runs answer evaluation batches, recomputes weighted scores
// and answers read-side queries over exams and evaluations.
package grading

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/examgrader/internal/model"
)

// Evaluator scores a single answer.
type Evaluator interface {
	Evaluate(ctx context.Context, req model.EvaluationRequest) (*model.ScoreResponse, error)
}

// Throttle gates successive evaluator calls.
type Throttle interface {
	Wait(ctx context.Context) error
}

// SubmissionStore is the part of the record store a submission needs.
type SubmissionStore interface {
	GetQuestion(ctx context.Context, id string) (model.Question, error)
	InsertEvaluations(ctx context.Context, evals []model.Evaluation) error
}

// Coordinator evaluates a batch of answers one at a time and persists the
// results only if every answer was scored.
type Coordinator struct {
	store     SubmissionStore
	evaluator Evaluator
	throttle  Throttle
	now       func() time.Time
	newID     func() string
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithNow replaces the time source used to stamp evaluations.
func WithNow(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) { c.now = now }
}

// WithIDGenerator replaces the UUID generator for session and record IDs.
func WithIDGenerator(gen func() string) CoordinatorOption {
	return func(c *Coordinator) { c.newID = gen }
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(s SubmissionStore, ev Evaluator, th Throttle, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		store:     s,
		evaluator: ev,
		throttle:  th,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Submit evaluates answers strictly in order and stores one evaluation per
// answer under a fresh session identity. If any answer fails nothing from the
// batch is stored; scorer calls already made are not undone.
func (c *Coordinator) Submit(ctx context.Context, answers []model.AnswerSubmission) (model.SubmitResult, error) {
	if len(answers) == 0 {
		return model.SubmitResult{}, fmt.Errorf("%w: no answers submitted", ErrInvalidInput)
	}

	userID := c.newID()
	log := slog.With("user_id", userID, "answers", len(answers))
	log.Info("evaluating submission")

	records := make([]model.Evaluation, 0, len(answers))
	for i, a := range answers {
		q, err := c.store.GetQuestion(ctx, a.QuestionID)
		if err != nil {
			log.Warn("aborting submission", "index", i, "question_id", a.QuestionID, "discarded", len(records), "error", err)
			return model.SubmitResult{}, storeErr("load question", err)
		}

		if err := c.throttle.Wait(ctx); err != nil {
			log.Warn("aborting submission", "index", i, "discarded", len(records), "error", err)
			return model.SubmitResult{}, fmt.Errorf("throttle: %w", err)
		}

		scores, err := c.evaluator.Evaluate(ctx, model.EvaluationRequest{
			Question:      q.Text,
			Answer:        a.Answer,
			TeacherAnswer: q.Answer,
			Keywords:      q.Keywords,
		})
		if err == nil && scores == nil {
			err = fmt.Errorf("scorer returned no result")
		}
		if err != nil {
			log.Error("evaluation failed, discarding submission",
				"index", i, "question_id", q.ID, "discarded", len(records), "error", err)
			return model.SubmitResult{}, &EvaluationFailedError{QuestionID: q.ID, Index: i, Err: err}
		}
		if err := applyFinalScore(scores); err != nil {
			return model.SubmitResult{}, &EvaluationFailedError{QuestionID: q.ID, Index: i, Err: err}
		}

		records = append(records, model.Evaluation{
			ID:          c.newID(),
			QuestionID:  q.ID,
			UserID:      userID,
			Answer:      a.Answer,
			SubmittedAt: c.now(),
			Evaluation:  *scores,
		})
		log.Debug("answer evaluated", "index", i, "question_id", q.ID, "final_score", *scores.FinalScore)
	}

	if err := c.store.InsertEvaluations(ctx, records); err != nil {
		log.Error("failed to store evaluations", "error", err)
		return model.SubmitResult{}, storeErr("insert evaluations", err)
	}

	log.Info("submission stored")
	return model.SubmitResult{UserID: userID, Count: len(records)}, nil
}

// applyFinalScore sets the weighted final score. A differing value reported
// by the scorer is kept as an attachment.
func applyFinalScore(scores *model.ScoreResponse) error {
	final := FinalScore(scores.Keyword.Score, scores.Reference.Score, scores.Grammar.Score)
	if scores.FinalScore != nil && *scores.FinalScore != final {
		if err := scores.SetAttachment("scorerFinalScore", *scores.FinalScore); err != nil {
			return err
		}
	}
	scores.FinalScore = &final
	return nil
}
