package grading

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/pavelanni/examgrader/internal/model"
)

// Weights of the sub-scores in the final score.
const (
	KeywordWeight   = 0.4
	RelevanceWeight = 0.4
	GrammarWeight   = 0.2
)

// FinalScore combines the three sub-scores.
func FinalScore(keyword, relevance, grammar float64) float64 {
	return KeywordWeight*keyword + RelevanceWeight*relevance + GrammarWeight*grammar
}

// ScoreUpdate carries manually assigned sub-scores.
type ScoreUpdate struct {
	Keyword   int
	Relevance int
	Grammar   int
}

// Final returns the weighted final score of the update.
func (u ScoreUpdate) Final() float64 {
	return FinalScore(float64(u.Keyword), float64(u.Relevance), float64(u.Grammar))
}

func (u ScoreUpdate) apply(r *model.ScoreResponse) {
	final := u.Final()
	r.Keyword.Score = float64(u.Keyword)
	r.Reference.Score = float64(u.Relevance)
	r.Grammar.Score = float64(u.Grammar)
	r.FinalScore = &final
}

// ParseScoreUpdate parses the three sub-scores. Each value is read like an
// integer prefix: surrounding text after the leading digits is ignored and
// fractions are truncated toward zero. Ranges are not checked.
func ParseScoreUpdate(keyword, relevance, grammar string) (ScoreUpdate, error) {
	var u ScoreUpdate
	fields := []struct {
		name string
		raw  string
		dst  *int
	}{
		{"keywordScore", keyword, &u.Keyword},
		{"relevanceScore", relevance, &u.Relevance},
		{"grammarScore", grammar, &u.Grammar},
	}
	for _, f := range fields {
		n, err := parseLeadingInt(f.raw)
		if err != nil {
			return ScoreUpdate{}, fmt.Errorf("%w: %s: %v", ErrInvalidInput, f.name, err)
		}
		*f.dst = n
	}
	return u, nil
}

func parseLeadingInt(s string) (int, error) {
	s = strings.TrimSpace(s)
	end := 0
	if end < len(s) && (s[end] == '-' || s[end] == '+') {
		end++
	}
	digits := end
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == digits {
		return 0, fmt.Errorf("%q is not a number", s)
	}
	return strconv.Atoi(s[:end])
}

// ScoreStore is the part of the record store the Aggregator needs.
type ScoreStore interface {
	FirstEvaluationIDForQuestion(ctx context.Context, questionID string) (string, error)
	UpdateEvaluationScores(ctx context.Context, id string, fn func(*model.ScoreResponse)) (model.ScoreResponse, error)
}

// Aggregator overwrites the sub-scores of stored evaluations and recomputes
// their final score.
type Aggregator struct {
	store ScoreStore
}

// NewAggregator creates an Aggregator.
func NewAggregator(s ScoreStore) *Aggregator {
	return &Aggregator{store: s}
}

// UpdateScore rewrites the scores of one evaluation.
func (a *Aggregator) UpdateScore(ctx context.Context, evaluationID string, u ScoreUpdate) (model.ScoreResponse, error) {
	scores, err := a.store.UpdateEvaluationScores(ctx, evaluationID, u.apply)
	if err != nil {
		return model.ScoreResponse{}, storeErr("update scores", err)
	}
	slog.Info("scores updated", "evaluation_id", evaluationID, "final_score", u.Final())
	return scores, nil
}

// UpdateScoreByQuestion rewrites the scores of the oldest evaluation of a
// question, whoever submitted it.
//
// Deprecated: several students may answer the same question; use UpdateScore.
func (a *Aggregator) UpdateScoreByQuestion(ctx context.Context, questionID string, u ScoreUpdate) (model.ScoreResponse, error) {
	id, err := a.store.FirstEvaluationIDForQuestion(ctx, questionID)
	if err != nil {
		return model.ScoreResponse{}, storeErr("find evaluation", err)
	}
	slog.Warn("score update keyed by question only", "question_id", questionID, "evaluation_id", id)
	return a.UpdateScore(ctx, id, u)
}
