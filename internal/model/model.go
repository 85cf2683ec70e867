package model

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Exam is a published exam. It owns its questions by back-reference.
type Exam struct {
	ID    string `json:"_id"`
	Title string `json:"title"`
}

// Question is an exam question with the instructor's reference answer.
type Question struct {
	ID       string   `json:"_id"`
	ExamID   string   `json:"examId"`
	Text     string   `json:"text"`
	Answer   string   `json:"answer"`
	Keywords []string `json:"keywords"`
}

// Evaluation is the persisted outcome of scoring one answer against one question.
type Evaluation struct {
	ID          string        `json:"_id"`
	QuestionID  string        `json:"questionId"`
	UserID      string        `json:"userId"`
	Answer      string        `json:"answer"`
	SubmittedAt time.Time     `json:"submittedAt"`
	Evaluation  ScoreResponse `json:"evaluation"`
}

// ExamDraft is the publish payload: an exam title and its questions.
type ExamDraft struct {
	Title     string          `json:"title"`
	Questions []QuestionDraft `json:"questions"`
}

// QuestionDraft is a question before it is assigned an ID and exam.
type QuestionDraft struct {
	Text     string   `json:"text"`
	Answer   string   `json:"answer"`
	Keywords []string `json:"keywords"`
}

// PublishResult reports the IDs created by a publish.
type PublishResult struct {
	ExamID      string   `json:"examId"`
	QuestionIDs []string `json:"questionIds"`
}

// AnswerSubmission is one student answer in a submission batch.
type AnswerSubmission struct {
	QuestionID string `json:"questionId"`
	Answer     string `json:"answer"`
}

// SubmitRequest is the body of an answer submission.
type SubmitRequest struct {
	Answers []AnswerSubmission `json:"answers"`
}

// SubmitResult reports the session identity shared by every answer of a batch.
type SubmitResult struct {
	UserID string
	Count  int
}

// EvaluationRequest is the body sent to the external scoring service.
type EvaluationRequest struct {
	Question      string   `json:"question"`
	Answer        string   `json:"answer"`
	TeacherAnswer string   `json:"teacher_answer"`
	Keywords      []string `json:"keywords"`
}

// ScoreInput is a sub-score as sent by a client. Strings keep their raw text
// for leading-integer parsing downstream; numbers are truncated toward zero.
type ScoreInput string

// UnmarshalJSON accepts "80", 80, 80.5 and 1e2.
func (s *ScoreInput) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" {
		*s = ""
		return nil
	}
	if strings.HasPrefix(raw, `"`) {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*s = ScoreInput(str)
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("score must be a number or numeric string: %w", err)
	}
	*s = ScoreInput(strconv.FormatFloat(math.Trunc(f), 'f', -1, 64))
	return nil
}

// ScoreUpdateRequest is the body of a manual score update.
type ScoreUpdateRequest struct {
	KeywordScore   ScoreInput `json:"keywordScore"`
	RelevanceScore ScoreInput `json:"relevanceScore"`
	GrammarScore   ScoreInput `json:"grammarScore"`
}

// ServiceConfig holds runtime API parameters set via CLI flags.
type ServiceConfig struct {
	CORSOrigins            []string // allowed origins; empty means all
	InstructorPasswordHash string   // bcrypt hash; empty disables the instructor guard
}
