package grading

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/pavelanni/examgrader/internal/model"
)

// ExamStore is the write side of the record store for exams, including the
// ledger of imported exam files.
type ExamStore interface {
	CreateExam(ctx context.Context, exam model.Exam, questions []model.Question) error
	GetImportedFileHash(ctx context.Context, path string) (string, error)
	SetImportedFileHash(ctx context.Context, path, hash string) error
}

// Publisher creates exams together with their questions.
type Publisher struct {
	store ExamStore
	newID func() string
}

// NewPublisher creates a Publisher.
func NewPublisher(s ExamStore) *Publisher {
	return &Publisher{store: s, newID: uuid.NewString}
}

// Publish stores the exam and its questions and returns the new IDs.
func (p *Publisher) Publish(ctx context.Context, draft model.ExamDraft) (model.PublishResult, error) {
	if strings.TrimSpace(draft.Title) == "" {
		return model.PublishResult{}, fmt.Errorf("%w: exam title is required", ErrInvalidInput)
	}
	if len(draft.Questions) == 0 {
		return model.PublishResult{}, fmt.Errorf("%w: exam has no questions", ErrInvalidInput)
	}

	exam := model.Exam{ID: p.newID(), Title: draft.Title}
	questions := make([]model.Question, 0, len(draft.Questions))
	ids := make([]string, 0, len(draft.Questions))
	for i, d := range draft.Questions {
		if strings.TrimSpace(d.Text) == "" {
			return model.PublishResult{}, fmt.Errorf("%w: question %d has no text", ErrInvalidInput, i)
		}
		kw := d.Keywords
		if kw == nil {
			kw = []string{}
		}
		q := model.Question{
			ID:       p.newID(),
			ExamID:   exam.ID,
			Text:     d.Text,
			Answer:   d.Answer,
			Keywords: kw,
		}
		questions = append(questions, q)
		ids = append(ids, q.ID)
	}

	if err := p.store.CreateExam(ctx, exam, questions); err != nil {
		return model.PublishResult{}, storeErr("create exam", err)
	}
	slog.Info("exam published", "exam_id", exam.ID, "title", exam.Title, "questions", len(questions))
	return model.PublishResult{ExamID: exam.ID, QuestionIDs: ids}, nil
}

// ImportResult reports the outcome of an exam file import.
type ImportResult struct {
	model.PublishResult
	Duplicate bool
}

// Import publishes an exam file of the form {title, questions}. A file whose
// name was already imported with the same content is skipped.
func (p *Publisher) Import(ctx context.Context, name string, data []byte) (ImportResult, error) {
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	stored, err := p.store.GetImportedFileHash(ctx, name)
	if err != nil {
		return ImportResult{}, storeErr("check import", err)
	}
	if stored == hash {
		slog.Info("exam file unchanged, skipping import", "file", name)
		return ImportResult{Duplicate: true}, nil
	}

	var draft model.ExamDraft
	if err := json.Unmarshal(data, &draft); err != nil {
		return ImportResult{}, fmt.Errorf("%w: parse %s: %v", ErrInvalidInput, name, err)
	}
	res, err := p.Publish(ctx, draft)
	if err != nil {
		return ImportResult{}, err
	}

	if err := p.store.SetImportedFileHash(ctx, name, hash); err != nil {
		slog.Error("failed to record import", "file", name, "error", err)
	}
	slog.Info("imported exam file", "file", name, "exam_id", res.ExamID)
	return ImportResult{PublishResult: res}, nil
}
