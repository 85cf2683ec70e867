package grading

import (
	"errors"
	"fmt"

	"github.com/pavelanni/examgrader/internal/store"
)

var (
	// ErrNotFound means a referenced exam, question or evaluation set is absent.
	ErrNotFound = store.ErrNotFound
	// ErrEvaluationFailed means the scorer rejected or could not be reached for an answer.
	ErrEvaluationFailed = errors.New("evaluation failed")
	// ErrPersistence means the record store failed a read or write.
	ErrPersistence = errors.New("persistence failure")
	// ErrInvalidInput means the caller sent something unusable.
	ErrInvalidInput = errors.New("invalid input")
)

// EvaluationFailedError reports which answer of a batch the scorer failed on.
// The whole batch is discarded when it occurs.
type EvaluationFailedError struct {
	QuestionID string
	Index      int
	Err        error
}

func (e *EvaluationFailedError) Error() string {
	return fmt.Sprintf("evaluate answer %d (question %s): %v", e.Index, e.QuestionID, e.Err)
}

func (e *EvaluationFailedError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrEvaluationFailed) hold.
func (e *EvaluationFailedError) Is(target error) bool { return target == ErrEvaluationFailed }

// storeErr classifies an error coming back from the record store.
func storeErr(op string, err error) error {
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
}
